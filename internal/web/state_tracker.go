package web

import (
	"sync"
	"time"

	"factory-routing/internal/types"
)

// OrderState 定义了用于车间看板展示的订单状态
// 这是一个简化的视图，只包含前端需要的数据
type OrderState struct {
	OrderNo       string          `json:"order_no"`
	Priority      int             `json:"priority"`
	Station       types.StationID `json:"station"`    // 最近一次有动作的工站
	StepOrder     int             `json:"step_order"` // 0 表示尚未开工
	StepStatus    string          `json:"step_status"`
	Status        string          `json:"status"`
	ParentOrderNo string          `json:"parent_order_no,omitempty"`
	PassQuantity  *int            `json:"pass_quantity,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// GlobalState 代表整个工厂车间的实时状态快照
type GlobalState struct {
	Orders map[string]OrderState `json:"orders"`
}

// StateTracker 负责追踪所有订单的实时状态，并通知前端更新
type StateTracker struct {
	mu    sync.RWMutex
	state GlobalState
	hub   *Hub
}

// NewStateTracker 创建一个新的 StateTracker 实例
func NewStateTracker(hub *Hub) *StateTracker {
	return &StateTracker{
		state: GlobalState{Orders: make(map[string]OrderState)},
		hub:   hub,
	}
}

// AddOrder 将新订单加入看板，并广播
func (st *StateTracker) AddOrder(orderNo string, priority int, parent string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	o, ok := st.state.Orders[orderNo]
	if !ok {
		// 事件异步处理，工序事件可能先于创建事件到达
		o = OrderState{OrderNo: orderNo, Status: string(types.OrderReleased)}
	}
	o.Priority = priority
	o.ParentOrderNo = parent
	o.UpdatedAt = time.Now()
	st.state.Orders[orderNo] = o
	st.broadcastLocked()
}

// UpdateStep 记录订单最新的工序动作
func (st *StateTracker) UpdateStep(orderNo string, station types.StationID, stepOrder int, stepStatus types.StepStatus) {
	st.mu.Lock()
	defer st.mu.Unlock()

	o, ok := st.state.Orders[orderNo]
	if !ok {
		// 看板启动前已存在的订单，首次出现时补建
		o = OrderState{OrderNo: orderNo, Status: string(types.OrderInProgress)}
	}
	o.Station = station
	o.StepOrder = stepOrder
	o.StepStatus = string(stepStatus)
	o.UpdatedAt = time.Now()
	st.state.Orders[orderNo] = o
	st.broadcastLocked()
}

// UpdateStatus 更新订单生命周期状态
func (st *StateTracker) UpdateStatus(orderNo string, status types.OrderStatus) {
	st.mu.Lock()
	defer st.mu.Unlock()

	o, ok := st.state.Orders[orderNo]
	if !ok {
		o = OrderState{OrderNo: orderNo}
	}
	o.Status = string(status)
	if status == types.OrderReleased {
		o.Station, o.StepOrder, o.StepStatus = "", 0, ""
	}
	o.UpdatedAt = time.Now()
	st.state.Orders[orderNo] = o
	st.broadcastLocked()
}

// UpdatePassQuantity 合格数变化 (质检拆分、返工合并)
func (st *StateTracker) UpdatePassQuantity(orderNo string, qty int) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if o, ok := st.state.Orders[orderNo]; ok {
		o.PassQuantity = &qty
		o.UpdatedAt = time.Now()
		st.state.Orders[orderNo] = o
		st.broadcastLocked()
	}
}

// RemoveOrder 订单删除后移出看板
func (st *StateTracker) RemoveOrder(orderNo string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.state.Orders, orderNo)
	st.broadcastLocked()
}

func (st *StateTracker) broadcastLocked() {
	if st.hub != nil {
		st.hub.BroadcastState(st.copyLocked())
	}
}

func (st *StateTracker) copyLocked() GlobalState {
	newState := GlobalState{Orders: make(map[string]OrderState, len(st.state.Orders))}
	for id, o := range st.state.Orders {
		newState.Orders[id] = o
	}
	return newState
}

// GetStateSnapshot 返回当前全局状态的一个深拷贝副本
// 用于新客户端连接时获取一次全量数据
func (st *StateTracker) GetStateSnapshot() GlobalState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.copyLocked()
}

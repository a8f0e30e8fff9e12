package event

import (
	"sync"
	"sync/atomic"
	"time"

	"factory-routing/internal/types"
)

// EventType 定义事件的类型
type EventType string

// 定义所有业务事件类型
const (
	OrderCreated  EventType = "OrderCreated"  // 订单及工艺路线已生成
	OrderStarted  EventType = "OrderStarted"  // 订单首道工序开工
	OrderFinished EventType = "OrderFinished" // 全部工序完成
	OrderReset    EventType = "OrderReset"    // 管理员重置工艺路线
	OrderDeleted  EventType = "OrderDeleted"

	StepStarted   EventType = "StepStarted"
	StepCompleted EventType = "StepCompleted"
	StepReworked  EventType = "StepReworked" // 工序因质检不合格转返工

	SessionOpened EventType = "SessionOpened"
	SessionClosed EventType = "SessionClosed"

	TechnicianAssigned   EventType = "TechnicianAssigned"
	TechnicianUnassigned EventType = "TechnicianUnassigned"

	BatchesSplit EventType = "BatchesSplit" // 质检拆分为合格/不合格批次

	ReworkRequested EventType = "ReworkRequested"
	ReworkApproved  EventType = "ReworkApproved"
	ReworkRejected  EventType = "ReworkRejected"
	ReworkCancelled EventType = "ReworkCancelled"
	ReworkStarted   EventType = "ReworkStarted"
	ReworkMerged    EventType = "ReworkMerged"

	MergeRequested EventType = "MergeRequested"
	MergeApproved  EventType = "MergeApproved"
	MergeRejected  EventType = "MergeRejected"
)

// AllTypes 全部事件类型，供需要订阅所有事件的处理器使用
var AllTypes = []EventType{
	OrderCreated, OrderStarted, OrderFinished, OrderReset, OrderDeleted,
	StepStarted, StepCompleted, StepReworked,
	SessionOpened, SessionClosed,
	TechnicianAssigned, TechnicianUnassigned,
	BatchesSplit,
	ReworkRequested, ReworkApproved, ReworkRejected, ReworkCancelled, ReworkStarted, ReworkMerged,
	MergeRequested, MergeApproved, MergeRejected,
}

// Event 结构体定义了事件的数据负载
type Event struct {
	Type         EventType       `json:"type"`
	OrderNo      string          `json:"order_no"`
	StationID    types.StationID `json:"station_id,omitempty"`
	StepOrder    int             `json:"step_order,omitempty"`
	Actor        string          `json:"actor,omitempty"`         // 实际操作人
	TechnicianID string          `json:"technician_id,omitempty"` // 被代操作的技术员
	ReworkID     string          `json:"rework_id,omitempty"`
	BatchID      string          `json:"batch_id,omitempty"`
	ChildOrderNo string          `json:"child_order_no,omitempty"`
	Quantity     int             `json:"quantity,omitempty"`
	Priority     int             `json:"priority,omitempty"`
	Minutes      float64         `json:"minutes,omitempty"` // 作业会话时长
	Detail       string          `json:"detail,omitempty"`
	TraceID      string          `json:"trace_id,omitempty"`
	At           time.Time       `json:"at"`
	Seq          uint64          `json:"seq,omitempty"` // 总线发布序号，同一时刻的事件按此排序
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

// Bus 是一个简单的内存事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler // 存储事件类型到多个处理函数的映射
	inflight sync.WaitGroup
	seq      atomic.Uint64
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe 订阅一个特定类型的事件
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll 订阅全部事件类型
func (b *Bus) SubscribeAll(handler Handler) {
	for _, t := range AllTypes {
		b.Subscribe(t, handler)
	}
}

// Publish 发布一个事件，所有订阅了该事件类型的处理器都将被调用
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	e.Seq = b.seq.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	if handlers, ok := b.handlers[e.Type]; ok {
		// 遍历所有处理器并异步执行
		// 使用 goroutine 避免单个处理器的阻塞影响其他处理器
		for _, handler := range handlers {
			b.inflight.Add(1)
			go func(h Handler) {
				defer b.inflight.Done()
				h(e)
			}(handler)
		}
	}
}

// Drain 等待所有已派发的处理器执行完毕，用于优雅退出和测试
func (b *Bus) Drain() {
	b.inflight.Wait()
}

package engine

import (
	"container/heap"
	"context"

	"factory-routing/internal/types"
)

// QueueEntry 工站待办队列中的一项
type QueueEntry struct {
	Step     types.FlowStep `json:"step"`
	Priority int            `json:"priority"`
	IsRework bool           `json:"is_rework"`
	DueDate  string         `json:"due_date,omitempty"`
}

// Item 是优先级队列中的元素
type Item struct {
	Entry *QueueEntry
	index int
}

// PriorityQueue 实现 heap.Interface
// 优先级高者先出，同优先级按订单号、工序顺序
type PriorityQueue []*Item

func (pq PriorityQueue) Len() int { return len(pq) }

// Less 最大堆，所以优先级比较使用 >
func (pq PriorityQueue) Less(i, j int) bool {
	a, b := pq[i].Entry, pq[j].Entry
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Step.OrderNo != b.Step.OrderNo {
		return a.Step.OrderNo < b.Step.OrderNo
	}
	return a.Step.StepOrder < b.Step.StepOrder
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *PriorityQueue) Push(x interface{}) {
	n := len(*pq)
	item := x.(*Item)
	item.index = n
	*pq = append(*pq, item)
}

func (pq *PriorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // 避免内存泄漏
	item.index = -1
	*pq = old[0 : n-1]
	return item
}

// StationQueue 返回工站上可开工的工序：前序工序已完成 (或为首道) 且订单未完工
// 结果按订单优先级从高到低排列
func (e *Engine) StationQueue(ctx context.Context, stationID types.StationID) ([]QueueEntry, error) {
	if _, ok := e.catalog.Get(stationID); !ok {
		return nil, types.NotFound("station %s not found", stationID)
	}
	pending, err := e.store.ListStepsByStation(ctx, stationID, types.StepPending)
	if err != nil {
		return nil, internal(err, "list station steps")
	}

	orders := make(map[string]*types.Order)
	routes := make(map[string][]types.FlowStep)
	pq := make(PriorityQueue, 0, len(pending))
	for _, st := range pending {
		o, ok := orders[st.OrderNo]
		if !ok {
			if o, err = e.store.GetOrder(ctx, st.OrderNo); err != nil {
				return nil, internal(err, "load order")
			}
			orders[st.OrderNo] = o
		}
		if o.Status == types.OrderFinished {
			continue
		}
		if st.StepOrder > 1 {
			route, ok := routes[st.OrderNo]
			if !ok {
				if route, err = e.store.ListSteps(ctx, st.OrderNo); err != nil {
					return nil, internal(err, "list steps")
				}
				routes[st.OrderNo] = route
			}
			if !previousCompleted(route, st.StepOrder) {
				continue
			}
		}
		entry := &QueueEntry{Step: st, Priority: o.Priority, IsRework: o.IsRework()}
		if o.DueDate != nil {
			entry.DueDate = o.DueDate.Format("2006-01-02")
		}
		heap.Push(&pq, &Item{Entry: entry})
	}

	out := make([]QueueEntry, 0, pq.Len())
	for pq.Len() > 0 {
		out = append(out, *heap.Pop(&pq).(*Item).Entry)
	}
	return out, nil
}

func previousCompleted(route []types.FlowStep, stepOrder int) bool {
	for _, st := range route {
		if st.StepOrder == stepOrder-1 {
			return st.Status == types.StepCompleted
		}
	}
	return false
}

package fsm

import (
	"context"
	"errors"
	"fmt"

	"factory-routing/internal/types"

	"github.com/looplab/fsm"
)

// Event 定义事件类型
type Event string

// 工序事件
const (
	EventStart    Event = "start"
	EventComplete Event = "complete"
	EventFail     Event = "fail"    // 质检不合格，工序转返工
	EventRestore  Event = "restore" // 返工驳回/取消，工序恢复待开工
	EventResolve  Event = "resolve" // 返工合并回原订单，工序视为完成
	EventReject   Event = "reject"  // 返工取消，子订单工序作废
	EventReset    Event = "reset"
)

// 返工单事件
const (
	EventApprove Event = "approve"
	EventDeny    Event = "deny"
	EventBegin   Event = "begin"
	EventMerge   Event = "merge"
	EventCancel  Event = "cancel"
)

// 批次事件
const (
	EventSendToRework Event = "send_to_rework"
	EventReopen       Event = "reopen"  // 返工驳回/取消，不合格批次恢复
	EventRelease      Event = "release" // 合并申请驳回，源批次恢复
	EventConsume      Event = "consume"
)

// Lifecycle 是一张静态的状态转移表
// 数据库中的每一行都只保存当前状态，判断转移时临时构造 looplab/fsm 实例
type Lifecycle struct {
	name    string
	events  fsm.Events
	sources map[Event][]string
}

func newLifecycle(name string, events fsm.Events) *Lifecycle {
	l := &Lifecycle{name: name, events: events, sources: make(map[Event][]string)}
	for _, e := range events {
		l.sources[Event(e.Name)] = append(l.sources[Event(e.Name)], e.Src...)
	}
	return l
}

// Next 计算从 from 状态触发 event 后的目标状态
func (l *Lifecycle) Next(from string, event Event) (string, error) {
	machine := fsm.NewFSM(from, l.events, fsm.Callbacks{})
	if !machine.Can(string(event)) {
		return "", fmt.Errorf("invalid %s transition: cannot fire event %s from state %s", l.name, event, from)
	}
	if err := machine.Event(context.Background(), string(event)); err != nil {
		// 源状态与目标状态相同时 looplab 返回 NoTransitionError，视为合法
		var noop fsm.NoTransitionError
		if !errors.As(err, &noop) {
			return "", err
		}
	}
	return machine.Current(), nil
}

// Can 判断事件在 from 状态下是否可触发
func (l *Lifecycle) Can(from string, event Event) bool {
	return fsm.NewFSM(from, l.events, fsm.Callbacks{}).Can(string(event))
}

// Sources 返回允许触发 event 的全部源状态，用于构造条件更新的 WHERE 子句
func (l *Lifecycle) Sources(event Event) []string {
	out := make([]string, len(l.sources[event]))
	copy(out, l.sources[event])
	return out
}

var allStepStates = []string{
	string(types.StepPending),
	string(types.StepCurrent),
	string(types.StepCompleted),
	string(types.StepRework),
	string(types.StepRejected),
}

// Steps 工序状态机
// pending -> current -> completed；current -> rework；任意状态 -> pending (管理员重置)
var Steps = newLifecycle("step", fsm.Events{
	{Name: string(EventStart), Src: []string{string(types.StepPending)}, Dst: string(types.StepCurrent)},
	{Name: string(EventComplete), Src: []string{string(types.StepCurrent)}, Dst: string(types.StepCompleted)},
	{Name: string(EventFail), Src: []string{string(types.StepCurrent), string(types.StepCompleted)}, Dst: string(types.StepRework)},
	{Name: string(EventRestore), Src: []string{string(types.StepRework)}, Dst: string(types.StepPending)},
	{Name: string(EventResolve), Src: []string{string(types.StepRework)}, Dst: string(types.StepCompleted)},
	{Name: string(EventReject), Src: []string{string(types.StepPending)}, Dst: string(types.StepRejected)},
	{Name: string(EventReset), Src: allStepStates, Dst: string(types.StepPending)},
})

// NextStep 工序状态的类型化封装
func NextStep(from types.StepStatus, event Event) (types.StepStatus, error) {
	to, err := Steps.Next(string(from), event)
	return types.StepStatus(to), err
}

// StepSources 返回工序事件的源状态列表
func StepSources(event Event) []types.StepStatus {
	src := Steps.Sources(event)
	out := make([]types.StepStatus, 0, len(src))
	for _, s := range src {
		out = append(out, types.StepStatus(s))
	}
	return out
}

// 返工单阶段：审批状态 + 执行状态的组合
const (
	stageAwaiting   = "awaiting_approval"
	stageApproved   = "approved"
	stageInProgress = "in_progress"
	stageMerged     = "merged"
	stageRejected   = "rejected"
	stageCancelled  = "cancelled"
)

var reworkStages = map[string]types.ReworkState{
	stageAwaiting:   {Approval: types.ApprovalPending, Status: types.ReworkPending},
	stageApproved:   {Approval: types.ApprovalApproved, Status: types.ReworkPending},
	stageInProgress: {Approval: types.ApprovalApproved, Status: types.ReworkInProgress},
	stageMerged:     {Approval: types.ApprovalApproved, Status: types.ReworkMerged},
	stageRejected:   {Approval: types.ApprovalRejected, Status: types.ReworkCancelled},
	stageCancelled:  {Approval: types.ApprovalApproved, Status: types.ReworkCancelled},
}

// Rework 返工单状态机
// pending -> approved | rejected；approved -> in_progress -> merged
var Rework = newLifecycle("rework", fsm.Events{
	{Name: string(EventApprove), Src: []string{stageAwaiting}, Dst: stageApproved},
	{Name: string(EventDeny), Src: []string{stageAwaiting}, Dst: stageRejected},
	{Name: string(EventBegin), Src: []string{stageApproved}, Dst: stageInProgress},
	{Name: string(EventMerge), Src: []string{stageApproved, stageInProgress}, Dst: stageMerged},
	{Name: string(EventCancel), Src: []string{stageApproved}, Dst: stageCancelled},
})

func stageOf(s types.ReworkState) (string, bool) {
	for name, st := range reworkStages {
		if st == s {
			return name, true
		}
	}
	return "", false
}

// NextRework 计算返工单的下一组合状态
func NextRework(from types.ReworkState, event Event) (types.ReworkState, error) {
	stage, ok := stageOf(from)
	if !ok {
		return types.ReworkState{}, fmt.Errorf("unknown rework state %s/%s", from.Approval, from.Status)
	}
	to, err := Rework.Next(stage, event)
	if err != nil {
		return types.ReworkState{}, err
	}
	return reworkStages[to], nil
}

// ReworkSources 返回返工单事件的源组合状态
func ReworkSources(event Event) []types.ReworkState {
	src := Rework.Sources(event)
	out := make([]types.ReworkState, 0, len(src))
	for _, s := range src {
		out = append(out, reworkStages[s])
	}
	return out
}

// Merges 批次合并申请状态机
var Merges = newLifecycle("merge_request", fsm.Events{
	{Name: string(EventApprove), Src: []string{string(types.MergePending)}, Dst: string(types.MergeApproved)},
	{Name: string(EventDeny), Src: []string{string(types.MergePending)}, Dst: string(types.MergeRejected)},
})

// NextMerge 合并申请状态的类型化封装
func NextMerge(from types.MergeStatus, event Event) (types.MergeStatus, error) {
	to, err := Merges.Next(string(from), event)
	return types.MergeStatus(to), err
}

// Batches 批次状态机
// 已被合并消耗的批次由 merged_into 标记，状态机本身不区分
var Batches = newLifecycle("batch", fsm.Events{
	{Name: string(EventSendToRework), Src: []string{string(types.BatchInProgress)}, Dst: string(types.BatchRework)},
	{Name: string(EventReopen), Src: []string{string(types.BatchRework)}, Dst: string(types.BatchInProgress)},
	{Name: string(EventRelease), Src: []string{string(types.BatchInProgress), string(types.BatchCompleted)}, Dst: string(types.BatchInProgress)},
	{Name: string(EventConsume), Src: []string{string(types.BatchInProgress), string(types.BatchCompleted)}, Dst: string(types.BatchCompleted)},
	{Name: string(EventResolve), Src: []string{string(types.BatchRework)}, Dst: string(types.BatchCompleted)}, // 返工合并后不合格批次结清
})

// BatchSources 返回批次事件的源状态
func BatchSources(event Event) []types.BatchStatus {
	src := Batches.Sources(event)
	out := make([]types.BatchStatus, 0, len(src))
	for _, s := range src {
		out = append(out, types.BatchStatus(s))
	}
	return out
}

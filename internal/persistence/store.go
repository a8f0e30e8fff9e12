package persistence

import (
	"context"
	"errors"
	"time"

	"factory-routing/internal/types"
)

// ErrDuplicate 主键或唯一约束冲突
var ErrDuplicate = errors.New("duplicate record")

// 所有状态变更都是条件更新："where 当前状态 = 期望状态"。
// 返回 false 表示零行受影响（竞争失败），调用方必须当作失败处理。

// OrderStore 订单存储
type OrderStore interface {
	CreateOrder(ctx context.Context, o *types.Order) error
	GetOrder(ctx context.Context, orderNo string) (*types.Order, error)
	DeleteOrder(ctx context.Context, orderNo string) error
	// BumpFlowVersion 订单级乐观锁：flow_version = expected 时加一
	BumpFlowVersion(ctx context.Context, orderNo string, expected int64) (bool, error)
	// MarkOrderStarted 仅在 started_at 为空时写入开工时间，Released 订单同时转为 In Progress
	MarkOrderStarted(ctx context.Context, orderNo string, at time.Time) (bool, error)
	// MarkOrderFinished 仅在 finished_at 为空且全部工序已完成时写入完工时间
	MarkOrderFinished(ctx context.Context, orderNo string, at time.Time) (bool, error)
	ResetOrder(ctx context.Context, orderNo string) error
	SetPassQuantity(ctx context.Context, orderNo string, qty int) error
	// AddPassQuantity 合格数累加 (空值按 0)，返回累加后的值
	AddPassQuantity(ctx context.Context, orderNo string, delta int) (int, error)
}

// StepPatch 工序状态变更时附带写入的字段
type StepPatch struct {
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ClearTimes    bool
	ReworkOrderID *string
}

// StepStore 工艺路线存储
type StepStore interface {
	CreateSteps(ctx context.Context, steps []types.FlowStep) error
	ListSteps(ctx context.Context, orderNo string) ([]types.FlowStep, error)
	GetStep(ctx context.Context, key types.StepKey) (*types.FlowStep, error)
	GetStepByID(ctx context.Context, id string) (*types.FlowStep, error)
	ListStepsByStation(ctx context.Context, stationID types.StationID, status types.StepStatus) ([]types.FlowStep, error)
	TransitionStep(ctx context.Context, id string, from []types.StepStatus, to types.StepStatus, patch StepPatch) (bool, error)
	// AdvanceStep 在同一事务内推进订单版本并转移工序状态，任一条件不满足时整体不生效
	// 已完工的订单不再接受推进
	// to 为 current 时顺带把同订单其他 current 工序置回 pending，返回被清理的数量
	AdvanceStep(ctx context.Context, orderNo string, expectedVersion int64, id string, from []types.StepStatus, to types.StepStatus, patch StepPatch) (applied bool, cleared int64, err error)
	// ClearCurrent 将订单中除 exceptID 外所有 current 工序置回 pending，返回受影响行数
	ClearCurrent(ctx context.Context, orderNo, exceptID string) (int64, error)
	// ResetSteps 状态在 from 内的工序置为 pending 并清空时间戳
	ResetSteps(ctx context.Context, orderNo string, from []types.StepStatus) (int64, error)
	// RepointBatch 将引用源批次的工序改为引用新批次
	RepointBatch(ctx context.Context, sourceIDs []string, target string) (int64, error)
	DeleteSteps(ctx context.Context, orderNo string) error
}

// AssignmentStore 派工存储
type AssignmentStore interface {
	CreateAssignment(ctx context.Context, a *types.Assignment) error
	GetAssignment(ctx context.Context, id string) (*types.Assignment, error)
	// ListAssignments 仅返回有效派工
	ListAssignments(ctx context.Context, key types.StepKey) ([]types.Assignment, error)
	CancelAssignment(ctx context.Context, id string) (bool, error)
}

// SessionStore 作业计时存储
type SessionStore interface {
	// OpenSession 同一 (订单, 工站, 工序, 技术员) 已有未结束会话时返回 ErrDuplicate
	OpenSession(ctx context.Context, ws *types.WorkSession) error
	FindOpenSessions(ctx context.Context, key types.StepKey) ([]types.WorkSession, error)
	ListSessions(ctx context.Context, orderNo string) ([]types.WorkSession, error)
	CloseSession(ctx context.Context, id string, at time.Time, minutes float64) (bool, error)
}

// BatchStore 批次存储
type BatchStore interface {
	CreateBatch(ctx context.Context, b *types.Batch) error
	GetBatch(ctx context.Context, id string) (*types.Batch, error)
	ListBatches(ctx context.Context, orderNo string) ([]types.Batch, error)
	TransitionBatch(ctx context.Context, id string, from []types.BatchStatus, to types.BatchStatus) (bool, error)
	SetBatchReworkOrder(ctx context.Context, id, childOrderNo string) error
	// ConsumeBatch 源批次被合并：未被消耗且状态在 from 内时转为 completed 并记录 merged_into
	ConsumeBatch(ctx context.Context, id string, from []types.BatchStatus, mergedInto string) (bool, error)
	// RestoreBatch 撤销 ConsumeBatch，仅对 merged_into 匹配的批次生效
	RestoreBatch(ctx context.Context, id, mergedInto string, to types.BatchStatus) (bool, error)
}

// ReworkPatch 返工单状态变更时附带写入的字段
type ReworkPatch struct {
	RootOrderNo    *string
	ChildOrderNo   *string
	DecidedBy      *string
	DecidedAt      *time.Time
	RejectReason   *string
	MergedQuantity *int
	MergedAt       *time.Time
}

// ReworkStore 返工单存储
type ReworkStore interface {
	// CreateRework 连同返工路线一起写入
	CreateRework(ctx context.Context, r *types.ReworkOrder) error
	GetRework(ctx context.Context, id string) (*types.ReworkOrder, error)
	FindReworkByChild(ctx context.Context, childOrderNo string) (*types.ReworkOrder, error)
	// FindReworkByBatch 返回不合格批次对应的最新返工单
	FindReworkByBatch(ctx context.Context, batchID string) (*types.ReworkOrder, error)
	// ReplaceRoadmap 整体替换返工路线，仅在审批前调用
	ReplaceRoadmap(ctx context.Context, reworkID string, entries []types.RoadmapEntry) error
	TransitionRework(ctx context.Context, id string, from []types.ReworkState, to types.ReworkState, patch ReworkPatch) (bool, error)
}

// MergePatch 合并申请审批时写入的字段
type MergePatch struct {
	DecidedBy     string
	DecidedAt     time.Time
	Reason        string
	MergedBatchID *string
}

// MergeRequestStore 批次合并申请存储
type MergeRequestStore interface {
	CreateMergeRequest(ctx context.Context, m *types.MergeRequest) error
	GetMergeRequest(ctx context.Context, id string) (*types.MergeRequest, error)
	DecideMergeRequest(ctx context.Context, id string, from, to types.MergeStatus, patch MergePatch) (bool, error)
}

// Store 引擎依赖的全部存储能力
type Store interface {
	OrderStore
	StepStore
	AssignmentStore
	SessionStore
	BatchStore
	ReworkStore
	MergeRequestStore
}

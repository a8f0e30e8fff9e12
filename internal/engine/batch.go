package engine

import (
	"context"
	"errors"
	"fmt"

	"factory-routing/internal/event"
	"factory-routing/internal/fsm"
	"factory-routing/internal/persistence"
	"factory-routing/internal/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SplitRequest 质检拆分参数
type SplitRequest struct {
	OrderNo       string          `json:"order_no"`
	PassQty       int             `json:"pass_qty"`
	FailQty       int             `json:"fail_qty"`
	InspectionRef string          `json:"inspection_ref"`
	StationID     types.StationID `json:"station_id,omitempty"`
}

// SplitResult 拆分出的批次，数量为 0 的一侧为 nil
type SplitResult struct {
	Pass *types.Batch `json:"pass,omitempty"`
	Fail *types.Batch `json:"fail,omitempty"`
}

func (r *SplitResult) detail() string {
	switch {
	case r.Pass != nil && r.Fail != nil:
		return "pass+fail"
	case r.Pass != nil:
		return "pass"
	case r.Fail != nil:
		return "fail"
	}
	return ""
}

func validateSplit(order *types.Order, passQty, failQty int) error {
	if passQty < 0 || failQty < 0 {
		return types.Validation("quantities must not be negative")
	}
	if passQty+failQty == 0 {
		return types.Validation("pass and fail quantities are both zero")
	}
	if order.Quantity > 0 && passQty+failQty > order.Quantity {
		return types.Validation("inspected quantity %d exceeds order quantity %d", passQty+failQty, order.Quantity)
	}
	return nil
}

// SplitOnInspection 按质检结果拆分合格/不合格批次，并记录订单合格数
func (e *Engine) SplitOnInspection(ctx context.Context, req SplitRequest, callerID string) (*SplitResult, error) {
	order, err := e.store.GetOrder(ctx, req.OrderNo)
	if err != nil {
		return nil, internal(err, "load order")
	}
	if err := validateSplit(order, req.PassQty, req.FailQty); err != nil {
		return nil, err
	}
	if req.StationID != "" {
		if _, ok := e.catalog.Get(req.StationID); !ok {
			return nil, types.Validation("unknown station %s", req.StationID)
		}
	}
	res, err := e.split(ctx, req)
	if err != nil {
		return nil, err
	}
	e.publishSplit(ctx, req, res, callerID)
	return res, nil
}

func (e *Engine) split(ctx context.Context, req SplitRequest) (*SplitResult, error) {
	res := &SplitResult{}
	newBatch := func(kind types.BatchKind, qty int) *types.Batch {
		name := fmt.Sprintf("%s-%s", req.OrderNo, kind)
		if req.InspectionRef != "" {
			name += "-" + req.InspectionRef
		}
		b := &types.Batch{
			ID:       uuid.NewString(),
			OrderNo:  req.OrderNo,
			Name:     name,
			Kind:     kind,
			Quantity: qty,
			Status:   types.BatchInProgress,
		}
		if req.StationID != "" {
			sid := req.StationID
			b.StationID = &sid
		}
		if req.InspectionRef != "" {
			b.InspectionRef = strPtr(req.InspectionRef)
		}
		return b
	}

	if req.PassQty > 0 {
		res.Pass = newBatch(types.BatchPass, req.PassQty)
		if err := e.store.CreateBatch(ctx, res.Pass); err != nil {
			return nil, internal(err, "create pass batch")
		}
	}
	if req.FailQty > 0 {
		res.Fail = newBatch(types.BatchFail, req.FailQty)
		if err := e.store.CreateBatch(ctx, res.Fail); err != nil {
			return nil, internal(err, "create fail batch")
		}
	}
	if err := e.store.SetPassQuantity(ctx, req.OrderNo, req.PassQty); err != nil {
		return nil, internal(err, "set pass quantity")
	}
	return res, nil
}

func (e *Engine) publishSplit(ctx context.Context, req SplitRequest, res *SplitResult, callerID string) {
	e.publish(ctx, event.Event{
		Type:      event.BatchesSplit,
		OrderNo:   req.OrderNo,
		StationID: req.StationID,
		Actor:     callerID,
		Quantity:  req.PassQty,
		Detail:    res.detail(),
	})
}

// RequestBatchMerge 申请将同一订单的多个批次合并到目标工站
func (e *Engine) RequestBatchMerge(ctx context.Context, orderNo string, sourceIDs []string, target types.StationID, requesterID string) (*types.MergeRequest, error) {
	if _, ok := e.catalog.Get(target); !ok {
		return nil, types.Validation("unknown target station %s", target)
	}
	ids := dedupe(sourceIDs)
	if len(ids) < 2 {
		return nil, types.Validation("at least two distinct source batches are required")
	}
	if _, err := e.store.GetOrder(ctx, orderNo); err != nil {
		return nil, internal(err, "load order")
	}
	if _, err := e.mergeableBatches(ctx, orderNo, ids); err != nil {
		return nil, err
	}

	m := &types.MergeRequest{
		ID:              uuid.NewString(),
		OrderNo:         orderNo,
		SourceBatchIDs:  ids,
		TargetStationID: target,
		Status:          types.MergePending,
		RequestedBy:     requesterID,
	}
	if err := e.store.CreateMergeRequest(ctx, m); err != nil {
		return nil, internal(err, "create merge request")
	}
	e.publish(ctx, event.Event{Type: event.MergeRequested, OrderNo: orderNo, StationID: target, Actor: requesterID, Detail: m.ID})
	return m, nil
}

// mergeableBatches 校验批次属于该订单且处于可合并状态
// 已被合并消耗的批次、返工尚未结束的不合格批次都不可合并
func (e *Engine) mergeableBatches(ctx context.Context, orderNo string, ids []string) ([]*types.Batch, error) {
	out := make([]*types.Batch, 0, len(ids))
	for _, id := range ids {
		b, err := e.store.GetBatch(ctx, id)
		if err != nil {
			return nil, internal(err, "load batch")
		}
		if b.OrderNo != orderNo {
			return nil, types.Validation("batch %s belongs to order %s", id, b.OrderNo)
		}
		if b.MergedInto != nil {
			return nil, types.InvalidState("batch %s was already merged into %s", id, *b.MergedInto)
		}
		if !fsm.Batches.Can(string(b.Status), fsm.EventConsume) {
			return nil, types.InvalidState("batch %s is %s and cannot be merged", id, b.Status)
		}
		if b.Kind == types.BatchFail {
			if err := e.requireReworkSettled(ctx, b); err != nil {
				return nil, err
			}
		}
		out = append(out, b)
	}
	return out, nil
}

// requireReworkSettled 不合格批次的返工单必须已合并或已取消
func (e *Engine) requireReworkSettled(ctx context.Context, b *types.Batch) error {
	r, err := e.store.FindReworkByBatch(ctx, b.ID)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return internal(err, "load rework order")
	}
	if r.Status != types.ReworkMerged && r.Status != types.ReworkCancelled {
		return types.InvalidState("batch %s has rework order %s in %s/%s", b.ID, r.ID, r.ApprovalStatus, r.Status)
	}
	return nil
}

// MergeResult 合并审批结果
type MergeResult struct {
	Request     *types.MergeRequest `json:"request"`
	MergedBatch *types.Batch        `json:"merged_batch"`
}

// ApproveBatchMerge 执行批次合并：创建合并批次、改指工序、源批次结清
func (e *Engine) ApproveBatchMerge(ctx context.Context, mergeID, approverID string) (*MergeResult, error) {
	if err := e.auth.RequireAdmin(ctx, approverID); err != nil {
		return nil, err
	}
	m, err := e.store.GetMergeRequest(ctx, mergeID)
	if err != nil {
		return nil, internal(err, "load merge request")
	}
	from := m.Status
	to, err := fsm.NextMerge(from, fsm.EventApprove)
	if err != nil {
		return nil, types.InvalidState("merge request %s is %s", mergeID, m.Status)
	}
	sources, err := e.mergeableBatches(ctx, m.OrderNo, m.SourceBatchIDs)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, b := range sources {
		total += b.Quantity
	}

	now := e.now()
	target := m.TargetStationID
	merged := &types.Batch{
		ID:        uuid.NewString(),
		OrderNo:   m.OrderNo,
		Name:      fmt.Sprintf("%s-%s-%s", m.OrderNo, types.BatchMerged, target),
		Kind:      types.BatchMerged,
		Quantity:  total,
		Status:    types.BatchInProgress,
		StationID: &target,
	}

	log := e.log(ctx).With(zap.String("merge_id", mergeID), zap.String("batch_id", merged.ID))

	// 先抢占申请状态，防止重复合并
	ok, err := e.store.DecideMergeRequest(ctx, mergeID, from, to,
		persistence.MergePatch{DecidedBy: approverID, DecidedAt: now, MergedBatchID: &merged.ID})
	if err != nil {
		return nil, internal(err, "approve merge request")
	}
	if !ok {
		return nil, types.InvalidState("merge request %s was decided concurrently", mergeID)
	}
	// 补偿：已消耗的源批次恢复原状态，申请退回 pending
	consumed := make([]*types.Batch, 0, len(sources))
	rollback := func(cause error) error {
		for _, b := range consumed {
			if _, rerr := e.store.RestoreBatch(ctx, b.ID, merged.ID, b.Status); rerr != nil {
				log.Error("源批次回滚失败", zap.String("source_batch", b.ID), zap.Error(rerr))
			}
		}
		if _, rerr := e.store.DecideMergeRequest(ctx, mergeID, to, from, persistence.MergePatch{}); rerr != nil {
			log.Error("合并申请回滚失败", zap.Error(rerr))
		}
		return cause
	}

	// 源批次逐个按条件消耗，并发合并同一批次时只有一方成功
	for _, b := range sources {
		ok, err := e.store.ConsumeBatch(ctx, b.ID, fsm.BatchSources(fsm.EventConsume), merged.ID)
		if err != nil {
			return nil, rollback(internal(err, "consume source batch"))
		}
		if !ok {
			return nil, rollback(types.InvalidState("batch %s changed concurrently", b.ID))
		}
		consumed = append(consumed, b)
	}
	if err := e.store.CreateBatch(ctx, merged); err != nil {
		return nil, rollback(internal(err, "create merged batch"))
	}

	if n, err := e.store.RepointBatch(ctx, m.SourceBatchIDs, merged.ID); err != nil {
		log.Warn("工序改指合并批次失败", zap.Error(err))
	} else {
		log.Debug("工序已改指合并批次", zap.Int64("steps", n))
	}

	m.Status = to
	m.DecidedBy = strPtr(approverID)
	m.DecidedAt = timePtr(now)
	m.MergedBatchID = &merged.ID
	e.publish(ctx, event.Event{
		Type:      event.MergeApproved,
		OrderNo:   m.OrderNo,
		StationID: target,
		Actor:     approverID,
		BatchID:   merged.ID,
		Quantity:  total,
	})
	return &MergeResult{Request: m, MergedBatch: merged}, nil
}

// RejectBatchMerge 驳回合并申请，源批次恢复为 in_progress
// 申请期间已转入返工或已被其他合并消耗的批次保持不变
func (e *Engine) RejectBatchMerge(ctx context.Context, mergeID, approverID, reason string) (*types.MergeRequest, error) {
	if err := e.auth.RequireAdmin(ctx, approverID); err != nil {
		return nil, err
	}
	m, err := e.store.GetMergeRequest(ctx, mergeID)
	if err != nil {
		return nil, internal(err, "load merge request")
	}
	to, err := fsm.NextMerge(m.Status, fsm.EventDeny)
	if err != nil {
		return nil, types.InvalidState("merge request %s is not pending", mergeID)
	}
	now := e.now()
	ok, err := e.store.DecideMergeRequest(ctx, mergeID, m.Status, to,
		persistence.MergePatch{DecidedBy: approverID, DecidedAt: now, Reason: reason})
	if err != nil {
		return nil, internal(err, "reject merge request")
	}
	if !ok {
		return nil, types.InvalidState("merge request %s is not pending", mergeID)
	}
	log := e.log(ctx).With(zap.String("merge_id", mergeID))
	for _, id := range m.SourceBatchIDs {
		b, err := e.store.GetBatch(ctx, id)
		if err != nil {
			log.Warn("读取源批次失败", zap.String("source_batch", id), zap.Error(err))
			continue
		}
		if b.MergedInto != nil {
			continue
		}
		if ok, err := e.store.TransitionBatch(ctx, id, fsm.BatchSources(fsm.EventRelease), types.BatchInProgress); err != nil {
			log.Warn("源批次恢复失败", zap.String("source_batch", id), zap.Error(err))
		} else if !ok {
			log.Info("源批次已转入返工，保持原状态", zap.String("source_batch", id), zap.String("status", string(b.Status)))
		}
	}

	m.Status = to
	m.DecidedBy = strPtr(approverID)
	m.DecidedAt = timePtr(now)
	m.Reason = reason
	e.publish(ctx, event.Event{Type: event.MergeRejected, OrderNo: m.OrderNo, Actor: approverID, Detail: reason})
	return m, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

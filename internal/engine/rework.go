package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"factory-routing/internal/event"
	"factory-routing/internal/fsm"
	"factory-routing/internal/persistence"
	"factory-routing/internal/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// reworkSuffix 返工子订单号的固定标记
const reworkSuffix = "-RW"

const childOrderAttempts = 8

// RoadmapStep 返工路线中的一站
type RoadmapStep struct {
	StationID       types.StationID `json:"station_id"`
	TechnicianID    string          `json:"technician_id,omitempty"`
	EstimateMinutes *float64        `json:"estimate_minutes,omitempty"`
}

// RemediationRequest 质检不合格时提交的返工申请
type RemediationRequest struct {
	OrderNo         string          `json:"order_no"`
	InspectionRef   string          `json:"inspection_ref"`
	PassQty         int             `json:"pass_qty"`
	FailQty         int             `json:"fail_qty"`
	Severity        types.Severity  `json:"severity"`
	FailedStepID    string          `json:"failed_step_id,omitempty"`
	FailedStationID types.StationID `json:"failed_station_id,omitempty"`
	Reason          string          `json:"reason"`
	Notes           string          `json:"notes,omitempty"`
	Roadmap         []RoadmapStep   `json:"roadmap"`
}

// RemediationResult 拆分出的批次与返工单，FailQty 为 0 时 Rework 为 nil
type RemediationResult struct {
	PassBatchID string             `json:"pass_batch_id,omitempty"`
	FailBatchID string             `json:"fail_batch_id,omitempty"`
	Rework      *types.ReworkOrder `json:"rework,omitempty"`
}

// ApproveResult 审批生成的子订单
type ApproveResult struct {
	Rework       *types.ReworkOrder `json:"rework"`
	ChildOrderNo string             `json:"child_order_no"`
	RootOrderNo  string             `json:"root_order_no"`
	StepsCreated int                `json:"steps_created"`
}

// MergeBackResult 返工合并结果
type MergeBackResult struct {
	Rework         *types.ReworkOrder `json:"rework"`
	MergedQuantity int                `json:"merged_quantity"`
	PassQuantity   int                `json:"pass_quantity"`
	ParentFinished bool               `json:"parent_finished"`
}

func (e *Engine) validateRoadmap(roadmap []RoadmapStep) error {
	for i, r := range roadmap {
		if _, ok := e.catalog.Get(r.StationID); !ok {
			return types.Validation("roadmap entry %d: unknown station %s", i+1, r.StationID)
		}
		if r.EstimateMinutes != nil && *r.EstimateMinutes < 0 {
			return types.Validation("roadmap entry %d: negative estimate", i+1)
		}
	}
	return nil
}

func roadmapEntries(reworkID string, roadmap []RoadmapStep) []types.RoadmapEntry {
	out := make([]types.RoadmapEntry, 0, len(roadmap))
	for i, r := range roadmap {
		entry := types.RoadmapEntry{
			ID:              uuid.NewString(),
			ReworkOrderID:   reworkID,
			Seq:             i + 1,
			StationID:       r.StationID,
			EstimateMinutes: r.EstimateMinutes,
		}
		if r.TechnicianID != "" {
			entry.TechnicianID = strPtr(r.TechnicianID)
		}
		out = append(out, entry)
	}
	return out
}

// findFailedStep 定位不合格工序：优先按工序 ID，否则在工站上找当前工序，再退到顺序最大的一道
func (e *Engine) findFailedStep(ctx context.Context, orderNo, stepID string, stationID types.StationID) (*types.FlowStep, error) {
	if stepID != "" {
		st, err := e.store.GetStepByID(ctx, stepID)
		if err != nil {
			return nil, internal(err, "load failed step")
		}
		if st.OrderNo != orderNo {
			return nil, types.NotFound("step %s not found in order %s", stepID, orderNo)
		}
		return st, nil
	}
	steps, err := e.store.ListSteps(ctx, orderNo)
	if err != nil {
		return nil, internal(err, "list steps")
	}
	var found *types.FlowStep
	for i := range steps {
		if steps[i].StationID != stationID {
			continue
		}
		if steps[i].Status == types.StepCurrent {
			return &steps[i], nil
		}
		if found == nil || steps[i].StepOrder > found.StepOrder {
			found = &steps[i]
		}
	}
	if found == nil {
		return nil, types.NotFound("order %s has no step at station %s", orderNo, stationID)
	}
	return found, nil
}

// CreateRemediation 质检拆分批次并为不合格部分创建返工单
func (e *Engine) CreateRemediation(ctx context.Context, req RemediationRequest, requesterID string) (*RemediationResult, error) {
	order, err := e.store.GetOrder(ctx, req.OrderNo)
	if err != nil {
		return nil, internal(err, "load order")
	}
	// 完工订单不再拆分，需先由管理员重置
	if order.Status == types.OrderFinished {
		return nil, types.InvalidState("order %s is finished and cannot be remediated", req.OrderNo)
	}
	if err := validateSplit(order, req.PassQty, req.FailQty); err != nil {
		return nil, err
	}

	var failed *types.FlowStep
	if req.FailQty > 0 {
		if req.Severity == "" {
			req.Severity = types.SeverityMinor
		}
		if !req.Severity.Valid() {
			return nil, types.Validation("invalid severity %q", req.Severity)
		}
		if req.FailedStepID == "" && req.FailedStationID == "" {
			return nil, types.Validation("failed step or station is required when fail quantity is positive")
		}
		if err := e.validateRoadmap(req.Roadmap); err != nil {
			return nil, err
		}
		if failed, err = e.findFailedStep(ctx, req.OrderNo, req.FailedStepID, req.FailedStationID); err != nil {
			return nil, err
		}
		if !fsm.Steps.Can(string(failed.Status), fsm.EventFail) {
			return nil, types.InvalidState("step %s/%d is %s and cannot be sent to rework",
				failed.StationID, failed.StepOrder, failed.Status)
		}
	}

	split := SplitRequest{OrderNo: req.OrderNo, PassQty: req.PassQty, FailQty: req.FailQty, InspectionRef: req.InspectionRef}
	if failed != nil {
		split.StationID = failed.StationID
	}
	batches, err := e.split(ctx, split)
	if err != nil {
		return nil, err
	}
	res := &RemediationResult{}
	if batches.Pass != nil {
		res.PassBatchID = batches.Pass.ID
	}
	e.publishSplit(ctx, split, batches, requesterID)
	if batches.Fail == nil {
		return res, nil
	}
	res.FailBatchID = batches.Fail.ID

	r := &types.ReworkOrder{
		ID:              uuid.NewString(),
		OrderNo:         req.OrderNo,
		BatchID:         batches.Fail.ID,
		InspectionRef:   req.InspectionRef,
		Quantity:        req.FailQty,
		Severity:        req.Severity,
		FailedStepID:    strPtr(failed.ID),
		FailedStationID: &failed.StationID,
		Reason:          req.Reason,
		Notes:           req.Notes,
		ApprovalStatus:  types.ApprovalPending,
		Status:          types.ReworkPending,
		RequestedBy:     requesterID,
	}
	r.Roadmap = roadmapEntries(r.ID, req.Roadmap)
	if err := e.store.CreateRework(ctx, r); err != nil {
		return nil, internal(err, "create rework order")
	}
	res.Rework = r

	log := e.log(ctx).With(zap.String("order_no", req.OrderNo), zap.String("rework_id", r.ID))
	e.markStepRework(ctx, order, failed, r.ID, requesterID, log)

	e.publish(ctx, event.Event{
		Type:      event.ReworkRequested,
		OrderNo:   req.OrderNo,
		StationID: failed.StationID,
		StepOrder: failed.StepOrder,
		Actor:     requesterID,
		ReworkID:  r.ID,
		BatchID:   batches.Fail.ID,
		Quantity:  req.FailQty,
		Detail:    string(req.Severity),
	})
	log.Info("返工单已创建", zap.Int("fail_qty", req.FailQty), zap.String("severity", string(req.Severity)))
	return res, nil
}

// markStepRework 不合格工序转 rework，并清除订单上残留的 current 工序
func (e *Engine) markStepRework(ctx context.Context, order *types.Order, step *types.FlowStep, reworkID, actor string, log *zap.Logger) {
	version := order.FlowVersion
	applied := false
	for attempt := 0; attempt < 3 && !applied; attempt++ {
		ok, _, err := e.store.AdvanceStep(ctx, order.OrderNo, version, step.ID,
			fsm.StepSources(fsm.EventFail), types.StepRework, persistence.StepPatch{ReworkOrderID: &reworkID})
		if err != nil {
			log.Warn("工序转返工失败", zap.String("step_id", step.ID), zap.Error(err))
			break
		}
		if ok {
			applied = true
			break
		}
		// 版本已变化，重读后重试；期间订单完工则放弃
		latest, err := e.store.GetOrder(ctx, order.OrderNo)
		if err != nil || latest.FinishedAt != nil {
			break
		}
		version = latest.FlowVersion
	}
	if !applied {
		log.Warn("工序未能转为返工", zap.String("step_id", step.ID))
	} else {
		e.publish(ctx, event.Event{
			Type:      event.StepReworked,
			OrderNo:   order.OrderNo,
			StationID: step.StationID,
			StepOrder: step.StepOrder,
			Actor:     actor,
			ReworkID:  reworkID,
		})
	}
	if n, err := e.store.ClearCurrent(ctx, order.OrderNo, ""); err != nil {
		log.Warn("清理 current 工序失败", zap.Error(err))
	} else if n > 0 {
		log.Info("返工后清理 current 工序", zap.Int64("count", n))
	}
	// current 工序被打断时计时一并结束
	if step.Status == types.StepCurrent {
		if _, err := e.closeStepSession(ctx, step.Key(), "", actor, e.now()); err != nil {
			log.Warn("结束作业计时失败", zap.Error(err))
		}
	}
}

// UpdateRoadmap 审批前修改返工路线，仅申请人或管理员可操作
func (e *Engine) UpdateRoadmap(ctx context.Context, reworkID string, roadmap []RoadmapStep, callerID string) (*types.ReworkOrder, error) {
	r, err := e.store.GetRework(ctx, reworkID)
	if err != nil {
		return nil, internal(err, "load rework order")
	}
	if r.RequestedBy != callerID {
		if err := e.auth.RequireAdmin(ctx, callerID); err != nil {
			return nil, err
		}
	}
	if r.ApprovalStatus != types.ApprovalPending {
		return nil, types.InvalidState("rework order %s is already %s", reworkID, r.ApprovalStatus)
	}
	if err := e.validateRoadmap(roadmap); err != nil {
		return nil, err
	}
	entries := roadmapEntries(reworkID, roadmap)
	if err := e.store.ReplaceRoadmap(ctx, reworkID, entries); err != nil {
		return nil, internal(err, "replace roadmap")
	}
	r.Roadmap = entries
	return r, nil
}

// rootOrderNo 沿父订单链追溯根订单，超过最大深度时停在已到达的祖先
func (e *Engine) rootOrderNo(ctx context.Context, order *types.Order) string {
	cur := order
	for depth := 0; depth < e.maxChainDepth && cur.IsRework(); depth++ {
		parent, err := e.store.GetOrder(ctx, *cur.ParentOrderNo)
		if err != nil {
			e.log(ctx).Warn("追溯根订单失败", zap.String("order_no", cur.OrderNo), zap.Error(err))
			break
		}
		cur = parent
	}
	return cur.OrderNo
}

// childOrderNo 子订单号为 父订单号-RW + 6 位序号，attempt 用于冲突后错开
func (e *Engine) childOrderNo(parent string, attempt int) string {
	seq := (e.now().UnixMilli() + int64(attempt)*7919) % 1_000_000
	return fmt.Sprintf("%s%s%06d", parent, reworkSuffix, seq)
}

// createChildOrder 生成返工子订单，编号冲突时重试
func (e *Engine) createChildOrder(ctx context.Context, parent *types.Order, r *types.ReworkOrder) (*types.Order, error) {
	child := &types.Order{
		ProductType:   parent.ProductType,
		Description:   parent.Description,
		Customer:      parent.Customer,
		DueDate:       parent.DueDate,
		Quantity:      r.Quantity,
		Priority:      parent.Priority + e.priorityBoost,
		Status:        types.OrderInProgress,
		ParentOrderNo: strPtr(parent.OrderNo),
	}
	if len(parent.Attrs) > 0 {
		child.Attrs = make(map[string]string, len(parent.Attrs))
		for k, v := range parent.Attrs {
			child.Attrs[k] = v
		}
	}
	for attempt := 0; attempt < childOrderAttempts; attempt++ {
		child.OrderNo = e.childOrderNo(parent.OrderNo, attempt)
		err := e.store.CreateOrder(ctx, child)
		if err == nil {
			return child, nil
		}
		if !errors.Is(err, persistence.ErrDuplicate) {
			return nil, internal(err, "create child order")
		}
	}
	return nil, types.Internal(persistence.ErrDuplicate, "could not allocate child order number for %s", parent.OrderNo)
}

// ApproveRemediation 审批返工单：生成子订单及其返工路线
// 返工单状态抢占失败时删除已生成的子订单
func (e *Engine) ApproveRemediation(ctx context.Context, reworkID, approverID string) (*ApproveResult, error) {
	if err := e.auth.RequireAdmin(ctx, approverID); err != nil {
		return nil, err
	}
	r, err := e.store.GetRework(ctx, reworkID)
	if err != nil {
		return nil, internal(err, "load rework order")
	}
	if _, err := fsm.NextRework(r.State(), fsm.EventApprove); err != nil {
		return nil, types.InvalidState("rework order %s is %s/%s", reworkID, r.ApprovalStatus, r.Status)
	}
	if len(r.Roadmap) == 0 {
		return nil, types.InvalidState("rework order %s has no roadmap", reworkID)
	}
	parent, err := e.store.GetOrder(ctx, r.OrderNo)
	if err != nil {
		return nil, internal(err, "load parent order")
	}
	log := e.log(ctx).With(zap.String("order_no", parent.OrderNo), zap.String("rework_id", reworkID))

	root := e.rootOrderNo(ctx, parent)
	child, err := e.createChildOrder(ctx, parent, r)
	if err != nil {
		return nil, err
	}

	rollback := func(cause error) error {
		if derr := e.store.DeleteOrder(ctx, child.OrderNo); derr != nil {
			log.Error("子订单回滚失败", zap.String("child_order_no", child.OrderNo), zap.Error(derr))
		}
		return cause
	}

	steps := make([]types.FlowStep, 0, len(r.Roadmap))
	for i, entry := range r.Roadmap {
		steps = append(steps, types.FlowStep{
			ID:              uuid.NewString(),
			OrderNo:         child.OrderNo,
			StationID:       entry.StationID,
			StepOrder:       i + 1,
			Status:          types.StepPending,
			BatchID:         strPtr(r.BatchID),
			ReworkOrderID:   strPtr(r.ID),
			IsReworkPath:    true,
			IsReworkOrder:   true,
			EstimateMinutes: entry.EstimateMinutes,
		})
	}
	if err := e.store.CreateSteps(ctx, steps); err != nil {
		return nil, rollback(internal(err, "create child steps"))
	}

	now := e.now()
	to, _ := fsm.NextRework(r.State(), fsm.EventApprove)
	ok, err := e.store.TransitionRework(ctx, r.ID, fsm.ReworkSources(fsm.EventApprove), to, persistence.ReworkPatch{
		RootOrderNo:  &root,
		ChildOrderNo: &child.OrderNo,
		DecidedBy:    &approverID,
		DecidedAt:    &now,
	})
	if err != nil {
		return nil, rollback(internal(err, "approve rework order"))
	}
	if !ok {
		return nil, rollback(types.InvalidState("rework order %s was decided concurrently", reworkID))
	}

	// 附属写入
	if ok, err := e.store.TransitionBatch(ctx, r.BatchID, fsm.BatchSources(fsm.EventSendToRework), types.BatchRework); err != nil || !ok {
		log.Warn("不合格批次转返工失败", zap.String("batch_id", r.BatchID), zap.Bool("applied", ok), zap.Error(err))
	}
	if err := e.store.SetBatchReworkOrder(ctx, r.BatchID, child.OrderNo); err != nil {
		log.Warn("批次关联子订单失败", zap.Error(err))
	}
	for i, entry := range r.Roadmap {
		if entry.TechnicianID == nil || *entry.TechnicianID == "" {
			continue
		}
		key := steps[i].Key()
		if _, err := e.assign(ctx, key, *entry.TechnicianID, types.AssignmentPrimary, approverID); err != nil {
			log.Warn("返工路线派工失败", zap.String("station_id", string(key.StationID)), zap.Error(err))
		}
	}

	r.ApprovalStatus, r.Status = to.Approval, to.Status
	r.RootOrderNo = &root
	r.ChildOrderNo = &child.OrderNo
	r.DecidedBy = &approverID
	r.DecidedAt = &now

	e.publish(ctx, event.Event{
		Type:         event.ReworkApproved,
		OrderNo:      parent.OrderNo,
		Actor:        approverID,
		ReworkID:     r.ID,
		BatchID:      r.BatchID,
		ChildOrderNo: child.OrderNo,
		Quantity:     child.Quantity,
		Priority:     child.Priority,
	})
	log.Info("返工单已审批", zap.String("child_order_no", child.OrderNo), zap.String("root_order_no", root),
		zap.Int("steps", len(steps)))
	return &ApproveResult{Rework: r, ChildOrderNo: child.OrderNo, RootOrderNo: root, StepsCreated: len(steps)}, nil
}

// RejectRemediation 驳回返工单：批次恢复，原工序回到 pending
func (e *Engine) RejectRemediation(ctx context.Context, reworkID, approverID, reason string) (*types.ReworkOrder, error) {
	if err := e.auth.RequireAdmin(ctx, approverID); err != nil {
		return nil, err
	}
	r, err := e.store.GetRework(ctx, reworkID)
	if err != nil {
		return nil, internal(err, "load rework order")
	}
	return e.denyRework(ctx, r, approverID, reason)
}

func (e *Engine) denyRework(ctx context.Context, r *types.ReworkOrder, approverID, reason string) (*types.ReworkOrder, error) {
	reworkID := r.ID
	to, err := fsm.NextRework(r.State(), fsm.EventDeny)
	if err != nil {
		return nil, types.InvalidState("rework order %s is %s/%s", reworkID, r.ApprovalStatus, r.Status)
	}
	now := e.now()
	ok, err := e.store.TransitionRework(ctx, r.ID, fsm.ReworkSources(fsm.EventDeny), to, persistence.ReworkPatch{
		DecidedBy:    &approverID,
		DecidedAt:    &now,
		RejectReason: &reason,
	})
	if err != nil {
		return nil, internal(err, "reject rework order")
	}
	if !ok {
		return nil, types.InvalidState("rework order %s was decided concurrently", reworkID)
	}
	r.ApprovalStatus, r.Status = to.Approval, to.Status
	r.DecidedBy, r.DecidedAt, r.RejectReason = &approverID, &now, reason

	e.releaseRework(ctx, r)
	e.publish(ctx, event.Event{Type: event.ReworkRejected, OrderNo: r.OrderNo, Actor: approverID, ReworkID: r.ID, Detail: reason})
	return r, nil
}

// CancelRemediation 取消已审批但未开工的返工单，子订单工序作废
func (e *Engine) CancelRemediation(ctx context.Context, reworkID, callerID string) (*types.ReworkOrder, error) {
	if err := e.auth.RequireAdmin(ctx, callerID); err != nil {
		return nil, err
	}
	r, err := e.store.GetRework(ctx, reworkID)
	if err != nil {
		return nil, internal(err, "load rework order")
	}
	return e.cancelRework(ctx, r, callerID)
}

func (e *Engine) cancelRework(ctx context.Context, r *types.ReworkOrder, callerID string) (*types.ReworkOrder, error) {
	reworkID := r.ID
	to, err := fsm.NextRework(r.State(), fsm.EventCancel)
	if err != nil {
		return nil, types.InvalidState("rework order %s is %s/%s and cannot be cancelled", reworkID, r.ApprovalStatus, r.Status)
	}
	ok, err := e.store.TransitionRework(ctx, r.ID, fsm.ReworkSources(fsm.EventCancel), to, persistence.ReworkPatch{})
	if err != nil {
		return nil, internal(err, "cancel rework order")
	}
	if !ok {
		return nil, types.InvalidState("rework order %s changed concurrently", reworkID)
	}
	r.ApprovalStatus, r.Status = to.Approval, to.Status

	log := e.log(ctx).With(zap.String("rework_id", r.ID))
	if r.ChildOrderNo != nil {
		steps, err := e.store.ListSteps(ctx, *r.ChildOrderNo)
		if err != nil {
			log.Warn("读取子订单工序失败", zap.Error(err))
		}
		for _, st := range steps {
			if ok, err := e.store.TransitionStep(ctx, st.ID, fsm.StepSources(fsm.EventReject), types.StepRejected, persistence.StepPatch{}); err != nil || !ok {
				log.Warn("子订单工序作废失败", zap.String("step_id", st.ID), zap.Bool("applied", ok), zap.Error(err))
			}
		}
	}
	e.releaseRework(ctx, r)
	e.publish(ctx, event.Event{Type: event.ReworkCancelled, OrderNo: r.OrderNo, Actor: callerID, ReworkID: r.ID, ChildOrderNo: deref(r.ChildOrderNo)})
	return r, nil
}

// abandonRework 订单重置时结束关联的返工单：待审批的驳回，已审批未开工的取消
// 已开工的返工单保留，由管理员决定是否合并
func (e *Engine) abandonRework(ctx context.Context, reworkID, callerID string) {
	log := e.log(ctx).With(zap.String("rework_id", reworkID))
	r, err := e.store.GetRework(ctx, reworkID)
	if err != nil {
		log.Warn("读取关联返工单失败", zap.Error(err))
		return
	}
	switch {
	case canFire(r, fsm.EventDeny):
		_, err = e.denyRework(ctx, r, callerID, resetReason)
	case canFire(r, fsm.EventCancel):
		_, err = e.cancelRework(ctx, r, callerID)
	default:
		log.Warn("订单已重置，返工单仍在进行", zap.String("approval", string(r.ApprovalStatus)), zap.String("status", string(r.Status)))
		return
	}
	if err != nil {
		log.Warn("结束关联返工单失败", zap.Error(err))
		return
	}
	log.Info("订单重置，关联返工单已结束")
}

const resetReason = "order reset"

func canFire(r *types.ReworkOrder, ev fsm.Event) bool {
	_, err := fsm.NextRework(r.State(), ev)
	return err == nil
}

// releaseRework 驳回或取消后：不合格批次恢复，原工序回到 pending
func (e *Engine) releaseRework(ctx context.Context, r *types.ReworkOrder) {
	log := e.log(ctx).With(zap.String("rework_id", r.ID))
	if _, err := e.store.TransitionBatch(ctx, r.BatchID, fsm.BatchSources(fsm.EventReopen), types.BatchInProgress); err != nil {
		log.Warn("批次恢复失败", zap.String("batch_id", r.BatchID), zap.Error(err))
	}
	if r.FailedStepID == nil {
		return
	}
	ok, err := e.store.TransitionStep(ctx, *r.FailedStepID, fsm.StepSources(fsm.EventRestore), types.StepPending,
		persistence.StepPatch{ClearTimes: true})
	if err != nil || !ok {
		log.Warn("原工序恢复失败", zap.String("step_id", *r.FailedStepID), zap.Bool("applied", ok), zap.Error(err))
	}
}

// beginRework 子订单首次开工时返工单进入 in_progress
func (e *Engine) beginRework(ctx context.Context, childOrderNo, actor string) {
	r, err := e.store.FindReworkByChild(ctx, childOrderNo)
	if err != nil {
		if types.KindOf(err) != types.KindNotFound {
			e.log(ctx).Warn("查询返工单失败", zap.String("child_order_no", childOrderNo), zap.Error(err))
		}
		return
	}
	to, err := fsm.NextRework(r.State(), fsm.EventBegin)
	if err != nil {
		return
	}
	ok, err := e.store.TransitionRework(ctx, r.ID, fsm.ReworkSources(fsm.EventBegin), to, persistence.ReworkPatch{})
	if err != nil {
		e.log(ctx).Warn("返工单开工失败", zap.String("rework_id", r.ID), zap.Error(err))
		return
	}
	if ok {
		e.publish(ctx, event.Event{Type: event.ReworkStarted, OrderNo: r.OrderNo, ChildOrderNo: childOrderNo, Actor: actor, ReworkID: r.ID})
	}
}

// MergeRemediation 子订单全部完工后，将返工合格数合并回父订单
func (e *Engine) MergeRemediation(ctx context.Context, reworkID, approverID string) (*MergeBackResult, error) {
	if err := e.auth.RequireAdmin(ctx, approverID); err != nil {
		return nil, err
	}
	r, err := e.store.GetRework(ctx, reworkID)
	if err != nil {
		return nil, internal(err, "load rework order")
	}
	from := r.State()
	to, err := fsm.NextRework(from, fsm.EventMerge)
	if err != nil {
		return nil, types.InvalidState("rework order %s is %s/%s and cannot be merged", reworkID, r.ApprovalStatus, r.Status)
	}
	if r.ChildOrderNo == nil {
		return nil, types.InvalidState("rework order %s has no child order", reworkID)
	}
	child, err := e.store.GetOrder(ctx, *r.ChildOrderNo)
	if err != nil {
		return nil, internal(err, "load child order")
	}
	childSteps, err := e.store.ListSteps(ctx, child.OrderNo)
	if err != nil {
		return nil, internal(err, "list child steps")
	}
	if !allCompleted(childSteps) {
		return nil, types.InvalidState("child order %s has unfinished steps", child.OrderNo)
	}

	merged := child.Quantity
	if child.PassQuantity != nil {
		merged = *child.PassQuantity
	}
	now := e.now()
	ok, err := e.store.TransitionRework(ctx, r.ID, []types.ReworkState{from}, to, persistence.ReworkPatch{
		MergedQuantity: &merged,
		MergedAt:       &now,
	})
	if err != nil {
		return nil, internal(err, "merge rework order")
	}
	if !ok {
		return nil, types.InvalidState("rework order %s changed concurrently", reworkID)
	}

	total, err := e.store.AddPassQuantity(ctx, r.OrderNo, merged)
	if err != nil {
		// 合格数未写入时退回原状态，允许重试
		if _, rerr := e.store.TransitionRework(ctx, r.ID, []types.ReworkState{to}, from, persistence.ReworkPatch{}); rerr != nil {
			e.log(ctx).Error("返工单状态回滚失败", zap.String("rework_id", r.ID), zap.Error(rerr))
		}
		return nil, internal(err, "add pass quantity")
	}
	r.ApprovalStatus, r.Status = to.Approval, to.Status
	r.MergedQuantity, r.MergedAt = &merged, &now

	log := e.log(ctx).With(zap.String("order_no", r.OrderNo), zap.String("rework_id", r.ID))
	parentSteps, err := e.store.ListSteps(ctx, r.OrderNo)
	if err != nil {
		log.Warn("读取父订单工序失败", zap.Error(err))
	}
	for _, st := range parentSteps {
		if st.Status != types.StepRework || st.ReworkOrderID == nil || *st.ReworkOrderID != r.ID {
			continue
		}
		if ok, err := e.store.TransitionStep(ctx, st.ID, fsm.StepSources(fsm.EventResolve), types.StepCompleted,
			persistence.StepPatch{CompletedAt: &now}); err != nil || !ok {
			log.Warn("返工工序结清失败", zap.String("step_id", st.ID), zap.Bool("applied", ok), zap.Error(err))
		}
	}
	if ok, err := e.store.TransitionBatch(ctx, r.BatchID, fsm.BatchSources(fsm.EventResolve), types.BatchCompleted); err != nil || !ok {
		log.Warn("不合格批次结清失败", zap.String("batch_id", r.BatchID), zap.Bool("applied", ok), zap.Error(err))
	}
	if done, err := e.store.MarkOrderFinished(ctx, child.OrderNo, now); err != nil {
		log.Warn("子订单完工失败", zap.Error(err))
	} else if done {
		e.publish(ctx, event.Event{Type: event.OrderFinished, OrderNo: child.OrderNo, Actor: approverID})
	}

	res := &MergeBackResult{Rework: r, MergedQuantity: merged, PassQuantity: total}
	if parentSteps, err = e.store.ListSteps(ctx, r.OrderNo); err == nil && allCompleted(parentSteps) {
		if done, err := e.store.MarkOrderFinished(ctx, r.OrderNo, now); err != nil {
			log.Warn("父订单完工失败", zap.Error(err))
		} else if done {
			res.ParentFinished = true
			e.publish(ctx, event.Event{Type: event.OrderFinished, OrderNo: r.OrderNo, Actor: approverID})
		}
	}

	e.publish(ctx, event.Event{
		Type:         event.ReworkMerged,
		OrderNo:      r.OrderNo,
		Actor:        approverID,
		ReworkID:     r.ID,
		ChildOrderNo: child.OrderNo,
		Quantity:     total,
	})
	log.Info("返工数量已合并", zap.Int("merged", merged), zap.Int("pass_quantity", total),
		zap.Bool("parent_finished", res.ParentFinished))
	return res, nil
}

// IsReworkOrderNo 订单号是否带有返工标记
func IsReworkOrderNo(orderNo string) bool {
	return strings.Contains(orderNo, reworkSuffix)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

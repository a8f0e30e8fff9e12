package engine

import (
	"context"

	"factory-routing/internal/auth"
	"factory-routing/internal/event"
	"factory-routing/internal/fsm"
	"factory-routing/internal/persistence"
	"factory-routing/internal/types"

	"go.uber.org/zap"
)

// StartResult 开工结果
type StartResult struct {
	Step     types.FlowStep     `json:"step"`
	Session  *types.WorkSession `json:"session,omitempty"`
	Decision auth.Decision      `json:"-"`
	Rule     string             `json:"rule"`
	ActingAs string             `json:"acting_as"`
}

// CompleteResult 完工结果
type CompleteResult struct {
	Step          types.FlowStep     `json:"step"`
	Session       *types.WorkSession `json:"session,omitempty"`
	OrderFinished bool               `json:"order_finished"`
}

// StartStep 开工：pending -> current，同时为被授权的技术员开始计时
func (e *Engine) StartStep(ctx context.Context, key types.StepKey, callerID string) (*StartResult, error) {
	log := e.log(ctx).With(zap.String("order_no", key.OrderNo), zap.String("station_id", string(key.StationID)),
		zap.Int("step_order", key.StepOrder), zap.String("caller", callerID))

	order, err := e.store.GetOrder(ctx, key.OrderNo)
	if err != nil {
		return nil, internal(err, "load order")
	}
	steps, err := e.store.ListSteps(ctx, key.OrderNo)
	if err != nil {
		return nil, internal(err, "list steps")
	}
	var step *types.FlowStep
	for i := range steps {
		if steps[i].Key() == key {
			step = &steps[i]
			continue
		}
		if steps[i].Status == types.StepCurrent {
			return nil, types.AlreadyInProgress("step %s/%d of order %s is already in progress",
				steps[i].StationID, steps[i].StepOrder, key.OrderNo)
		}
	}
	if step == nil {
		return nil, types.NotFound("step %s/%s/%d not found", key.OrderNo, key.StationID, key.StepOrder)
	}
	if step.Status != types.StepPending {
		return nil, types.InvalidState("step %s/%d is %s, expected pending", key.StationID, key.StepOrder, step.Status)
	}

	decision, err := e.auth.Authorize(ctx, callerID, key)
	if err != nil {
		return nil, err
	}

	// 版本推进与状态转移在同一事务内完成，并发开工只有一个成功
	now := e.now()
	ok, cleared, err := e.store.AdvanceStep(ctx, key.OrderNo, order.FlowVersion, step.ID,
		fsm.StepSources(fsm.EventStart), types.StepCurrent, persistence.StepPatch{StartedAt: timePtr(now)})
	if err != nil {
		return nil, internal(err, "start step")
	}
	if !ok {
		return nil, types.AlreadyInProgress("order %s changed concurrently", key.OrderNo)
	}
	if cleared > 0 {
		log.Warn("清理了残留的 current 工序", zap.Int64("count", cleared))
	}
	step.Status = types.StepCurrent
	step.StartedAt = timePtr(now)
	step.CompletedAt = nil

	e.publish(ctx, event.Event{
		Type:         event.StepStarted,
		OrderNo:      key.OrderNo,
		StationID:    key.StationID,
		StepOrder:    key.StepOrder,
		Actor:        callerID,
		TechnicianID: decision.ActingAs,
		Detail:       decision.Rule.String(),
	})

	// 以下为附属写入，失败只记日志，不回滚开工
	ws, err := e.openSession(ctx, key, decision.ActingAs, callerID, now)
	if err != nil {
		log.Warn("开始作业计时失败", zap.Error(err))
	}

	if key.StepOrder == 1 {
		if started, err := e.store.MarkOrderStarted(ctx, key.OrderNo, now); err != nil {
			log.Warn("写入订单开工时间失败", zap.Error(err))
		} else if started {
			e.publish(ctx, event.Event{Type: event.OrderStarted, OrderNo: key.OrderNo, Actor: callerID})
		}
	}
	if order.IsRework() {
		e.beginRework(ctx, order.OrderNo, callerID)
	}

	log.Info("工序开工", zap.String("rule", decision.Rule.String()), zap.String("acting_as", decision.ActingAs))
	return &StartResult{
		Step:     *step,
		Session:  ws,
		Decision: decision,
		Rule:     decision.Rule.String(),
		ActingAs: decision.ActingAs,
	}, nil
}

// CompleteStep 完工：current -> completed，结束计时；全部工序完成时订单完工
func (e *Engine) CompleteStep(ctx context.Context, key types.StepKey, callerID string) (*CompleteResult, error) {
	log := e.log(ctx).With(zap.String("order_no", key.OrderNo), zap.String("station_id", string(key.StationID)),
		zap.Int("step_order", key.StepOrder), zap.String("caller", callerID))

	order, err := e.store.GetOrder(ctx, key.OrderNo)
	if err != nil {
		return nil, internal(err, "load order")
	}
	step, err := e.store.GetStep(ctx, key)
	if err != nil {
		return nil, internal(err, "load step")
	}
	if step.Status != types.StepCurrent {
		return nil, types.InvalidState("step %s/%d is %s, expected current", key.StationID, key.StepOrder, step.Status)
	}

	decision, err := e.auth.Authorize(ctx, callerID, key)
	if err != nil {
		return nil, err
	}

	now := e.now()
	ok, _, err := e.store.AdvanceStep(ctx, key.OrderNo, order.FlowVersion, step.ID,
		fsm.StepSources(fsm.EventComplete), types.StepCompleted, persistence.StepPatch{CompletedAt: timePtr(now)})
	if err != nil {
		return nil, internal(err, "complete step")
	}
	if !ok {
		return nil, types.InvalidState("step %s/%d changed concurrently", key.StationID, key.StepOrder)
	}
	step.Status = types.StepCompleted
	step.CompletedAt = timePtr(now)

	e.publish(ctx, event.Event{
		Type:         event.StepCompleted,
		OrderNo:      key.OrderNo,
		StationID:    key.StationID,
		StepOrder:    key.StepOrder,
		Actor:        callerID,
		TechnicianID: decision.ActingAs,
		Detail:       decision.Rule.String(),
	})

	res := &CompleteResult{Step: *step}
	if res.Session, err = e.closeStepSession(ctx, key, decision.ActingAs, callerID, now); err != nil {
		log.Warn("结束作业计时失败", zap.Error(err))
	}

	steps, err := e.store.ListSteps(ctx, key.OrderNo)
	if err != nil {
		log.Warn("完工检查读取工序失败", zap.Error(err))
		return res, nil
	}
	if allCompleted(steps) {
		finished, err := e.store.MarkOrderFinished(ctx, key.OrderNo, now)
		if err != nil {
			log.Warn("写入订单完工时间失败", zap.Error(err))
		} else if finished {
			res.OrderFinished = true
			e.publish(ctx, event.Event{Type: event.OrderFinished, OrderNo: key.OrderNo, Actor: callerID})
		}
	}

	log.Info("工序完工", zap.Bool("order_finished", res.OrderFinished))
	return res, nil
}

// ResetOrder 将订单全部工序置回 pending，只允许最高权限管理员
// 未结束的作业会话在重置时刻关闭，处于返工中的工序关联的返工单一并结束
func (e *Engine) ResetOrder(ctx context.Context, orderNo, callerID string) ([]types.FlowStep, error) {
	if err := e.auth.RequireTopAdmin(ctx, callerID); err != nil {
		return nil, err
	}
	order, err := e.store.GetOrder(ctx, orderNo)
	if err != nil {
		return nil, internal(err, "load order")
	}
	before, err := e.store.ListSteps(ctx, orderNo)
	if err != nil {
		return nil, internal(err, "list steps")
	}
	var linked []string
	for _, st := range before {
		if _, err := fsm.NextStep(st.Status, fsm.EventReset); err != nil {
			return nil, types.InvalidState("step %s/%d is %s and cannot be reset", st.StationID, st.StepOrder, st.Status)
		}
		if st.Status == types.StepRework && st.ReworkOrderID != nil {
			linked = append(linked, *st.ReworkOrderID)
		}
	}
	ok, err := e.store.BumpFlowVersion(ctx, orderNo, order.FlowVersion)
	if err != nil {
		return nil, internal(err, "bump flow version")
	}
	if !ok {
		return nil, types.InvalidState("order %s changed concurrently", orderNo)
	}

	now := e.now()
	n, err := e.store.ResetSteps(ctx, orderNo, fsm.StepSources(fsm.EventReset))
	if err != nil {
		return nil, internal(err, "reset steps")
	}
	closed, err := e.closeAllSessions(ctx, orderNo, callerID, now)
	if err != nil {
		return nil, internal(err, "close sessions")
	}
	if err := e.store.ResetOrder(ctx, orderNo); err != nil {
		return nil, internal(err, "reset order")
	}
	for _, id := range linked {
		e.abandonRework(ctx, id, callerID)
	}

	e.publish(ctx, event.Event{Type: event.OrderReset, OrderNo: orderNo, Actor: callerID})
	e.log(ctx).Warn("订单工艺路线已重置", zap.String("order_no", orderNo), zap.String("caller", callerID),
		zap.Int64("steps", n), zap.Int("sessions_closed", closed))

	steps, err := e.store.ListSteps(ctx, orderNo)
	if err != nil {
		return nil, internal(err, "list steps")
	}
	return steps, nil
}

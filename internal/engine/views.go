package engine

import (
	"context"

	"factory-routing/internal/station"
	"factory-routing/internal/types"
)

// OrderView 订单详情：订单、工艺路线与批次
type OrderView struct {
	Order   *types.Order     `json:"order"`
	Steps   []types.FlowStep `json:"steps"`
	Batches []types.Batch    `json:"batches"`
}

func (e *Engine) GetOrder(ctx context.Context, orderNo string) (*OrderView, error) {
	o, err := e.store.GetOrder(ctx, orderNo)
	if err != nil {
		return nil, internal(err, "load order")
	}
	steps, err := e.store.ListSteps(ctx, orderNo)
	if err != nil {
		return nil, internal(err, "list steps")
	}
	batches, err := e.store.ListBatches(ctx, orderNo)
	if err != nil {
		return nil, internal(err, "list batches")
	}
	return &OrderView{Order: o, Steps: steps, Batches: batches}, nil
}

func (e *Engine) ListFlow(ctx context.Context, orderNo string) ([]types.FlowStep, error) {
	if _, err := e.store.GetOrder(ctx, orderNo); err != nil {
		return nil, internal(err, "load order")
	}
	steps, err := e.store.ListSteps(ctx, orderNo)
	if err != nil {
		return nil, internal(err, "list steps")
	}
	return steps, nil
}

func (e *Engine) ListSessions(ctx context.Context, orderNo string) ([]types.WorkSession, error) {
	if _, err := e.store.GetOrder(ctx, orderNo); err != nil {
		return nil, internal(err, "load order")
	}
	sessions, err := e.store.ListSessions(ctx, orderNo)
	if err != nil {
		return nil, internal(err, "list sessions")
	}
	return sessions, nil
}

func (e *Engine) ListBatches(ctx context.Context, orderNo string) ([]types.Batch, error) {
	if _, err := e.store.GetOrder(ctx, orderNo); err != nil {
		return nil, internal(err, "load order")
	}
	batches, err := e.store.ListBatches(ctx, orderNo)
	if err != nil {
		return nil, internal(err, "list batches")
	}
	return batches, nil
}

func (e *Engine) ListAssignments(ctx context.Context, key types.StepKey) ([]types.Assignment, error) {
	if _, err := e.store.GetStep(ctx, key); err != nil {
		return nil, internal(err, "load step")
	}
	as, err := e.store.ListAssignments(ctx, key)
	if err != nil {
		return nil, internal(err, "list assignments")
	}
	return as, nil
}

func (e *Engine) GetRemediation(ctx context.Context, reworkID string) (*types.ReworkOrder, error) {
	r, err := e.store.GetRework(ctx, reworkID)
	if err != nil {
		return nil, internal(err, "load rework order")
	}
	return r, nil
}

func (e *Engine) GetMergeRequest(ctx context.Context, mergeID string) (*types.MergeRequest, error) {
	m, err := e.store.GetMergeRequest(ctx, mergeID)
	if err != nil {
		return nil, internal(err, "load merge request")
	}
	return m, nil
}

// Stations 工站目录
func (e *Engine) Stations() []station.Station {
	return e.catalog.All()
}

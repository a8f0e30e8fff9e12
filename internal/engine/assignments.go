package engine

import (
	"context"
	"strings"

	"factory-routing/internal/event"
	"factory-routing/internal/types"

	"github.com/google/uuid"
)

// AssignTechnician 将技术员派到某道工序，只允许管理员或生产主管操作
func (e *Engine) AssignTechnician(ctx context.Context, key types.StepKey, technicianID string, typ types.AssignmentType, callerID string) (*types.Assignment, error) {
	if err := e.auth.RequireScheduler(ctx, callerID); err != nil {
		return nil, err
	}
	return e.assign(ctx, key, technicianID, typ, callerID)
}

func (e *Engine) assign(ctx context.Context, key types.StepKey, technicianID string, typ types.AssignmentType, by string) (*types.Assignment, error) {
	technicianID = strings.TrimSpace(technicianID)
	if technicianID == "" {
		return nil, types.Validation("technician is required")
	}
	if typ == "" {
		typ = types.AssignmentPrimary
	}
	if typ != types.AssignmentPrimary && typ != types.AssignmentBackup {
		return nil, types.Validation("invalid assignment type %q", typ)
	}
	step, err := e.store.GetStep(ctx, key)
	if err != nil {
		return nil, internal(err, "load step")
	}
	if step.Status == types.StepRejected {
		return nil, types.InvalidState("step %s/%d is rejected", key.StationID, key.StepOrder)
	}
	existing, err := e.store.ListAssignments(ctx, key)
	if err != nil {
		return nil, internal(err, "list assignments")
	}
	for _, a := range existing {
		if a.TechnicianID == technicianID {
			return nil, types.InvalidState("%s is already assigned to %s/%d", technicianID, key.StationID, key.StepOrder)
		}
	}

	a := &types.Assignment{
		ID:           uuid.NewString(),
		OrderNo:      key.OrderNo,
		StationID:    key.StationID,
		StepOrder:    key.StepOrder,
		TechnicianID: technicianID,
		Type:         typ,
		Status:       types.AssignmentActive,
		AssignedBy:   by,
	}
	if err := e.store.CreateAssignment(ctx, a); err != nil {
		return nil, internal(err, "create assignment")
	}
	e.publish(ctx, event.Event{
		Type:         event.TechnicianAssigned,
		OrderNo:      key.OrderNo,
		StationID:    key.StationID,
		StepOrder:    key.StepOrder,
		Actor:        by,
		TechnicianID: technicianID,
		Detail:       string(typ),
	})
	return a, nil
}

// UnassignTechnician 撤销派工
func (e *Engine) UnassignTechnician(ctx context.Context, assignmentID, callerID string) error {
	if err := e.auth.RequireScheduler(ctx, callerID); err != nil {
		return err
	}
	a, err := e.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return internal(err, "load assignment")
	}
	ok, err := e.store.CancelAssignment(ctx, assignmentID)
	if err != nil {
		return internal(err, "cancel assignment")
	}
	if !ok {
		return types.InvalidState("assignment %s is not active", assignmentID)
	}
	e.publish(ctx, event.Event{
		Type:         event.TechnicianUnassigned,
		OrderNo:      a.OrderNo,
		StationID:    a.StationID,
		StepOrder:    a.StepOrder,
		Actor:        callerID,
		TechnicianID: a.TechnicianID,
	})
	return nil
}

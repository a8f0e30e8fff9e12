package engine

import (
	"context"
	"errors"
	"time"

	"factory-routing/internal/event"
	"factory-routing/internal/persistence"
	"factory-routing/internal/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// openSession 为技术员开始计时
// 已有未结束的会话时沿用原会话，不重复计时
func (e *Engine) openSession(ctx context.Context, key types.StepKey, technicianID, startedBy string, at time.Time) (*types.WorkSession, error) {
	ws := &types.WorkSession{
		ID:           uuid.NewString(),
		OrderNo:      key.OrderNo,
		StationID:    key.StationID,
		StepOrder:    key.StepOrder,
		TechnicianID: technicianID,
		StartedBy:    startedBy,
		StartedAt:    at,
	}
	err := e.store.OpenSession(ctx, ws)
	if err == nil {
		e.publish(ctx, event.Event{
			Type:         event.SessionOpened,
			OrderNo:      key.OrderNo,
			StationID:    key.StationID,
			StepOrder:    key.StepOrder,
			Actor:        startedBy,
			TechnicianID: technicianID,
		})
		return ws, nil
	}
	if !errors.Is(err, persistence.ErrDuplicate) {
		return nil, err
	}

	open, ferr := e.store.FindOpenSessions(ctx, key)
	if ferr != nil {
		return nil, ferr
	}
	for i := range open {
		if open[i].TechnicianID == technicianID {
			e.log(ctx).Warn("技术员已有未结束的作业会话，沿用原会话",
				zap.String("order_no", key.OrderNo), zap.String("technician_id", technicianID))
			return &open[i], nil
		}
	}
	return nil, err
}

// closeSession 结束计时并写入时长
func (e *Engine) closeSession(ctx context.Context, ws types.WorkSession, actor string, at time.Time) (*types.WorkSession, error) {
	minutes := minutesBetween(ws.StartedAt, at)
	ok, err := e.store.CloseSession(ctx, ws.ID, at, minutes)
	if err != nil {
		return nil, err
	}
	if !ok {
		// 已被并发请求关闭
		return nil, nil
	}
	ws.CompletedAt = timePtr(at)
	ws.DurationMinutes = &minutes
	e.publish(ctx, event.Event{
		Type:         event.SessionClosed,
		OrderNo:      ws.OrderNo,
		StationID:    ws.StationID,
		StepOrder:    ws.StepOrder,
		Actor:        actor,
		TechnicianID: ws.TechnicianID,
		Minutes:      minutes,
	})
	return &ws, nil
}

// closeStepSession 关闭工序上属于 technicianID 的会话，没有则关闭任意一个未结束会话
func (e *Engine) closeStepSession(ctx context.Context, key types.StepKey, technicianID, actor string, at time.Time) (*types.WorkSession, error) {
	open, err := e.store.FindOpenSessions(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, nil
	}
	target := open[0]
	for _, ws := range open {
		if ws.TechnicianID == technicianID {
			target = ws
			break
		}
	}
	return e.closeSession(ctx, target, actor, at)
}

// closeAllSessions 关闭订单全部未结束会话，返回关闭的数量
func (e *Engine) closeAllSessions(ctx context.Context, orderNo, actor string, at time.Time) (int, error) {
	sessions, err := e.store.ListSessions(ctx, orderNo)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, ws := range sessions {
		if !ws.Open() {
			continue
		}
		done, err := e.closeSession(ctx, ws, actor, at)
		if err != nil {
			return closed, err
		}
		if done != nil {
			closed++
		}
	}
	return closed, nil
}

package handlers

import (
	"factory-routing/internal/event"
	"factory-routing/internal/metrics"
	"factory-routing/internal/persistence"
	"factory-routing/internal/types"
	"factory-routing/internal/web"

	"go.uber.org/zap"
)

// Sinks 可选的事件落地目标，为 nil 的项不注册
type Sinks struct {
	Tracker *web.StateTracker
	Journal *persistence.Journal
	Redis   *RedisPublisher
}

// RegisterEventHandlers 将所有事件处理器注册到事件总线
// 这是事件驱动架构的核心，将不同的业务关注点（监控、看板、审计、通知）解耦
func RegisterEventHandlers(bus *event.Bus, sinks Sinks, logger *zap.Logger) {
	registerMetrics(bus)
	if sinks.Tracker != nil {
		registerBoard(bus, sinks.Tracker)
	}
	registerAuditLog(bus, logger.With(zap.String("component", "audit")))

	if sinks.Journal != nil {
		j := sinks.Journal
		bus.SubscribeAll(func(e event.Event) {
			if err := j.Append(e); err != nil {
				logger.Warn("写入事件日志失败", zap.Error(err), zap.String("type", string(e.Type)))
			}
		})
	}
	if sinks.Redis != nil {
		bus.SubscribeAll(sinks.Redis.Publish)
	}
}

// --- 指标处理器 (Metrics Handler) ---
func registerMetrics(bus *event.Bus) {
	bus.Subscribe(event.StepStarted, func(e event.Event) {
		metrics.StepTransitionsTotal.WithLabelValues("start").Inc()
	})
	bus.Subscribe(event.StepCompleted, func(e event.Event) {
		metrics.StepTransitionsTotal.WithLabelValues("complete").Inc()
	})
	bus.Subscribe(event.StepReworked, func(e event.Event) {
		metrics.StepTransitionsTotal.WithLabelValues("rework").Inc()
	})
	bus.Subscribe(event.OrderReset, func(e event.Event) {
		metrics.StepTransitionsTotal.WithLabelValues("reset").Inc()
	})

	bus.Subscribe(event.SessionOpened, func(e event.Event) {
		metrics.OpenWorkSessions.Inc()
	})
	bus.Subscribe(event.SessionClosed, func(e event.Event) {
		metrics.OpenWorkSessions.Dec()
		metrics.WorkSessionMinutes.WithLabelValues(string(e.StationID)).Observe(e.Minutes)
	})

	bus.Subscribe(event.BatchesSplit, func(e event.Event) {
		// Detail 记录拆出的批次种类
		switch e.Detail {
		case "pass+fail":
			metrics.BatchesCreatedTotal.WithLabelValues(string(types.BatchPass)).Inc()
			metrics.BatchesCreatedTotal.WithLabelValues(string(types.BatchFail)).Inc()
		case "pass":
			metrics.BatchesCreatedTotal.WithLabelValues(string(types.BatchPass)).Inc()
		case "fail":
			metrics.BatchesCreatedTotal.WithLabelValues(string(types.BatchFail)).Inc()
		}
	})
	bus.Subscribe(event.MergeApproved, func(e event.Event) {
		metrics.BatchesCreatedTotal.WithLabelValues(string(types.BatchMerged)).Inc()
	})

	for t, outcome := range map[event.EventType]string{
		event.ReworkRequested: "requested",
		event.ReworkApproved:  "approved",
		event.ReworkRejected:  "rejected",
		event.ReworkCancelled: "cancelled",
		event.ReworkMerged:    "merged",
	} {
		outcome := outcome
		bus.Subscribe(t, func(e event.Event) {
			metrics.ReworkOrdersTotal.WithLabelValues(outcome).Inc()
		})
	}
}

// --- 看板处理器 (Floor Board Handler) ---
func registerBoard(bus *event.Bus, st *web.StateTracker) {
	bus.Subscribe(event.OrderCreated, func(e event.Event) {
		st.AddOrder(e.OrderNo, e.Priority, "")
	})
	bus.Subscribe(event.StepStarted, func(e event.Event) {
		st.UpdateStep(e.OrderNo, e.StationID, e.StepOrder, types.StepCurrent)
	})
	bus.Subscribe(event.OrderStarted, func(e event.Event) {
		st.UpdateStatus(e.OrderNo, types.OrderInProgress)
	})
	bus.Subscribe(event.StepCompleted, func(e event.Event) {
		st.UpdateStep(e.OrderNo, e.StationID, e.StepOrder, types.StepCompleted)
	})
	bus.Subscribe(event.StepReworked, func(e event.Event) {
		st.UpdateStep(e.OrderNo, e.StationID, e.StepOrder, types.StepRework)
	})
	bus.Subscribe(event.OrderFinished, func(e event.Event) {
		st.UpdateStatus(e.OrderNo, types.OrderFinished)
	})
	bus.Subscribe(event.OrderReset, func(e event.Event) {
		st.UpdateStatus(e.OrderNo, types.OrderReleased)
	})
	bus.Subscribe(event.OrderDeleted, func(e event.Event) {
		st.RemoveOrder(e.OrderNo)
	})
	bus.Subscribe(event.BatchesSplit, func(e event.Event) {
		st.UpdatePassQuantity(e.OrderNo, e.Quantity)
	})
	bus.Subscribe(event.ReworkApproved, func(e event.Event) {
		st.AddOrder(e.ChildOrderNo, e.Priority, e.OrderNo)
		st.UpdateStatus(e.ChildOrderNo, types.OrderInProgress)
	})
	bus.Subscribe(event.ReworkMerged, func(e event.Event) {
		// Quantity 为合并后的父订单合格数
		st.UpdatePassQuantity(e.OrderNo, e.Quantity)
		st.UpdateStatus(e.ChildOrderNo, types.OrderFinished)
	})
}

// --- 日志处理器 (Logging Handler) ---
// 订阅关键业务事件，记录审计日志
func registerAuditLog(bus *event.Bus, logger *zap.Logger) {
	fields := func(e event.Event) []zap.Field {
		f := []zap.Field{zap.String("order_no", e.OrderNo)}
		if e.StationID != "" {
			f = append(f, zap.String("station_id", string(e.StationID)), zap.Int("step_order", e.StepOrder))
		}
		if e.Actor != "" {
			f = append(f, zap.String("actor", e.Actor))
		}
		if e.TechnicianID != "" && e.TechnicianID != e.Actor {
			f = append(f, zap.String("on_behalf_of", e.TechnicianID))
		}
		if e.ReworkID != "" {
			f = append(f, zap.String("rework_id", e.ReworkID))
		}
		if e.TraceID != "" {
			f = append(f, zap.String("trace_id", e.TraceID))
		}
		return f
	}

	bus.Subscribe(event.OrderFinished, func(e event.Event) {
		logger.Info("订单完工", fields(e)...)
	})
	bus.Subscribe(event.OrderReset, func(e event.Event) {
		logger.Warn("订单工艺路线被重置", fields(e)...)
	})
	bus.Subscribe(event.OrderDeleted, func(e event.Event) {
		logger.Warn("订单已删除", fields(e)...)
	})
	bus.Subscribe(event.ReworkApproved, func(e event.Event) {
		logger.Info("返工单已审批", append(fields(e), zap.String("child_order_no", e.ChildOrderNo))...)
	})
	bus.Subscribe(event.ReworkRejected, func(e event.Event) {
		logger.Info("返工单被驳回", append(fields(e), zap.String("reason", e.Detail))...)
	})
	bus.Subscribe(event.ReworkMerged, func(e event.Event) {
		logger.Info("返工数量已合并回原订单", append(fields(e), zap.Int("pass_quantity", e.Quantity))...)
	})
	bus.Subscribe(event.MergeApproved, func(e event.Event) {
		logger.Info("批次合并已执行", append(fields(e), zap.String("batch_id", e.BatchID))...)
	})
}

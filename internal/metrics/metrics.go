package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// StepTransitionsTotal 计数器：工序状态流转次数
	// transition 取值 start / complete / rework / reset / resolve
	StepTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routing_step_transitions_total",
		Help: "The total number of flow step transitions",
	}, []string{"transition"})

	// WorkSessionMinutes 直方图：技术员作业时长分布
	// 用于分析各工站的实际工时
	WorkSessionMinutes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "routing_work_session_minutes",
		Help:    "Duration of closed work sessions in minutes",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 240, 480},
	}, []string{"station_id"})

	// ReworkOrdersTotal 计数器：返工单按结果分类
	ReworkOrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routing_rework_orders_total",
		Help: "Rework orders by outcome",
	}, []string{"outcome"})

	// BatchesCreatedTotal 计数器：按来源统计新建批次
	BatchesCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routing_batches_created_total",
		Help: "Batches created by kind",
	}, []string{"kind"})

	// OpenWorkSessions 仪表盘：当前仍在计时的作业会话
	OpenWorkSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "routing_open_work_sessions",
		Help: "The number of work sessions currently open",
	})
)

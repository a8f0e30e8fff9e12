package engine

import (
	"context"
	"errors"
	"math"
	"time"

	"factory-routing/internal/auth"
	"factory-routing/internal/event"
	"factory-routing/internal/logger"
	"factory-routing/internal/persistence"
	"factory-routing/internal/station"
	"factory-routing/internal/types"
	"factory-routing/internal/util"

	"go.uber.org/zap"
)

const (
	defaultPriorityBoost = 1
	defaultMaxChainDepth = 10
)

// Options 引擎可调参数
type Options struct {
	// PriorityBoost 返工子订单在父订单优先级上的加成
	PriorityBoost int
	// MaxChainDepth 追溯根订单时最多回溯的层数
	MaxChainDepth int
	// Planner 为空时只能显式指定工站创建订单
	Planner *Planner
	// Now 测试时注入时钟
	Now func() time.Time
}

// Engine 工艺路线与返工处理引擎
// 所有状态变更都通过存储层的条件更新完成，引擎本身不持有锁
type Engine struct {
	store   persistence.Store
	auth    *auth.Resolver
	catalog *station.Catalog
	bus     *event.Bus
	logger  *zap.Logger
	planner *Planner
	now     func() time.Time

	priorityBoost int
	maxChainDepth int
}

// New 创建引擎
func New(store persistence.Store, resolver *auth.Resolver, catalog *station.Catalog, bus *event.Bus, log *zap.Logger, opts Options) *Engine {
	e := &Engine{
		store:         store,
		auth:          resolver,
		catalog:       catalog,
		bus:           bus,
		logger:        log.With(zap.String("component", "engine")),
		planner:       opts.Planner,
		now:           opts.Now,
		priorityBoost: opts.PriorityBoost,
		maxChainDepth: opts.MaxChainDepth,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.priorityBoost <= 0 {
		e.priorityBoost = defaultPriorityBoost
	}
	if e.maxChainDepth <= 0 {
		e.maxChainDepth = defaultMaxChainDepth
	}
	if e.planner == nil {
		e.planner = &Planner{}
	}
	return e
}

func (e *Engine) log(ctx context.Context) *zap.Logger {
	return logger.WithTrace(ctx, e.logger)
}

// publish 补充 trace id 后投递到事件总线
func (e *Engine) publish(ctx context.Context, ev event.Event) {
	if e.bus == nil {
		return
	}
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		ev.TraceID = traceID
	}
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	e.bus.Publish(ev)
}

// internal 存储层错误统一包装，已分类的错误原样返回
func internal(err error, format string, args ...any) error {
	var te *types.Error
	if errors.As(err, &te) {
		return err
	}
	return types.Internal(err, format, args...)
}

// minutesBetween 分钟数保留两位小数，时钟回拨时记为 0
func minutesBetween(start, end time.Time) float64 {
	m := end.Sub(start).Minutes()
	if m < 0 {
		return 0
	}
	return math.Round(m*100) / 100
}

func allCompleted(steps []types.FlowStep) bool {
	if len(steps) == 0 {
		return false
	}
	for _, s := range steps {
		if s.Status != types.StepCompleted {
			return false
		}
	}
	return true
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

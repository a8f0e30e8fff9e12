package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"factory-routing/internal/event"
	"factory-routing/internal/persistence"
	"factory-routing/internal/station"
	"factory-routing/internal/types"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ruleEnv 路线规则可引用的变量
type ruleEnv struct {
	Order    *types.Order      `expr:"order"`
	Attrs    map[string]string `expr:"attrs"`
	Quantity int               `expr:"quantity"`
	Priority int               `expr:"priority"`
}

type plannedStep struct {
	types.RouteStep
	program *vm.Program
}

// Planner 根据产品类型的路线模板生成工艺路线
// 模板在构建时编译，规则为 false 的工站跳过
type Planner struct {
	routes map[string][]plannedStep
}

// NewPlanner 编译路线模板中的规则
func NewPlanner(routes map[string][]types.RouteStep, catalog *station.Catalog) (*Planner, error) {
	p := &Planner{routes: make(map[string][]plannedStep, len(routes))}
	for productType, steps := range routes {
		// viper 读取的 key 已是小写
		key := strings.ToLower(productType)
		for i, rs := range steps {
			if _, ok := catalog.Get(rs.StationID); !ok {
				return nil, fmt.Errorf("route %s step %d: unknown station %s", productType, i+1, rs.StationID)
			}
			ps := plannedStep{RouteStep: rs}
			if rs.Rule != "" {
				program, err := expr.Compile(rs.Rule, expr.Env(ruleEnv{}), expr.AsBool())
				if err != nil {
					return nil, fmt.Errorf("route %s step %d: rule compilation failed: %w", productType, i+1, err)
				}
				ps.program = program
			}
			p.routes[key] = append(p.routes[key], ps)
		}
	}
	return p, nil
}

// ProductTypes 已配置的路线模板
func (p *Planner) ProductTypes() []string {
	out := make([]string, 0, len(p.routes))
	for k := range p.routes {
		out = append(out, k)
	}
	return out
}

// Plan 对订单逐站求值规则，返回需要经过的工站
func (p *Planner) Plan(o *types.Order, logger *zap.Logger) ([]types.RouteStep, error) {
	steps, ok := p.routes[strings.ToLower(o.ProductType)]
	if !ok {
		return nil, types.Validation("no route template for product type %q", o.ProductType)
	}
	env := ruleEnv{Order: o, Attrs: o.Attrs, Quantity: o.Quantity, Priority: o.Priority}
	if env.Attrs == nil {
		env.Attrs = map[string]string{}
	}
	out := make([]types.RouteStep, 0, len(steps))
	for _, s := range steps {
		if skip, err := evaluateRule(s.program, env); err != nil {
			logger.Error("规则引擎评估失败", zap.Error(err), zap.String("rule", s.Rule))
			continue
		} else if skip {
			logger.Debug("跳过工站", zap.String("station_id", string(s.StationID)), zap.String("rule", s.Rule))
			continue
		}
		out = append(out, s.RouteStep)
	}
	if len(out) == 0 {
		return nil, types.Validation("route for product type %q selects no stations", o.ProductType)
	}
	return out, nil
}

func evaluateRule(program *vm.Program, env ruleEnv) (bool, error) {
	if program == nil {
		return false, nil
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return true, fmt.Errorf("rule execution failed: %w", err)
	}
	shouldExecute, ok := result.(bool)
	if !ok {
		return true, fmt.Errorf("rule result is not a boolean")
	}
	return !shouldExecute, nil
}

// OrderSpec 下达订单的参数，Stations 为空时按产品类型套用路线模板
type OrderSpec struct {
	OrderNo     string            `json:"order_no"`
	ProductType string            `json:"product_type"`
	Description string            `json:"description"`
	Customer    string            `json:"customer"`
	DueDate     *time.Time        `json:"due_date,omitempty"`
	Quantity    int               `json:"quantity"`
	Priority    int               `json:"priority"`
	Attrs       map[string]string `json:"attrs,omitempty"`
	Stations    []types.StationID `json:"stations,omitempty"`
}

// CreateOrder 下达订单并生成工艺路线
func (e *Engine) CreateOrder(ctx context.Context, spec OrderSpec, callerID string) (*types.Order, []types.FlowStep, error) {
	if err := e.auth.RequireScheduler(ctx, callerID); err != nil {
		return nil, nil, err
	}
	spec.OrderNo = strings.TrimSpace(spec.OrderNo)
	switch {
	case spec.OrderNo == "":
		return nil, nil, types.Validation("order number is required")
	case IsReworkOrderNo(spec.OrderNo):
		return nil, nil, types.Validation("order number %s uses the reserved %s marker", spec.OrderNo, reworkSuffix)
	case spec.Quantity <= 0:
		return nil, nil, types.Validation("quantity must be positive")
	case spec.Priority < 0:
		return nil, nil, types.Validation("priority must not be negative")
	}

	order := &types.Order{
		OrderNo:     spec.OrderNo,
		ProductType: spec.ProductType,
		Description: spec.Description,
		Customer:    spec.Customer,
		DueDate:     spec.DueDate,
		Quantity:    spec.Quantity,
		Priority:    spec.Priority,
		Status:      types.OrderReleased,
		Attrs:       spec.Attrs,
	}
	log := e.log(ctx).With(zap.String("order_no", order.OrderNo), zap.String("product_type", order.ProductType))

	var route []types.RouteStep
	if len(spec.Stations) > 0 {
		for _, sid := range spec.Stations {
			if _, ok := e.catalog.Get(sid); !ok {
				return nil, nil, types.Validation("unknown station %s", sid)
			}
			route = append(route, types.RouteStep{StationID: sid})
		}
	} else {
		var err error
		if route, err = e.planner.Plan(order, log); err != nil {
			return nil, nil, err
		}
	}

	if err := e.store.CreateOrder(ctx, order); err != nil {
		if errors.Is(err, persistence.ErrDuplicate) {
			return nil, nil, types.InvalidState("order %s already exists", order.OrderNo)
		}
		return nil, nil, internal(err, "create order")
	}

	steps := make([]types.FlowStep, 0, len(route))
	for i, rs := range route {
		st := types.FlowStep{
			ID:        uuid.NewString(),
			OrderNo:   order.OrderNo,
			StationID: rs.StationID,
			StepOrder: i + 1,
			Status:    types.StepPending,
		}
		if rs.EstimateMinutes > 0 {
			m := rs.EstimateMinutes
			st.EstimateMinutes = &m
		}
		steps = append(steps, st)
	}
	if err := e.store.CreateSteps(ctx, steps); err != nil {
		if derr := e.store.DeleteOrder(ctx, order.OrderNo); derr != nil {
			log.Error("订单回滚失败", zap.Error(derr))
		}
		return nil, nil, internal(err, "create steps")
	}

	e.publish(ctx, event.Event{Type: event.OrderCreated, OrderNo: order.OrderNo, Actor: callerID, Priority: order.Priority, Quantity: order.Quantity})
	log.Info("订单已下达", zap.Int("steps", len(steps)), zap.Int("priority", order.Priority))
	return order, steps, nil
}

// DeleteOrder 删除订单及其全部工序、派工、计时与返工数据，只允许最高权限管理员
func (e *Engine) DeleteOrder(ctx context.Context, orderNo, callerID string) error {
	if err := e.auth.RequireTopAdmin(ctx, callerID); err != nil {
		return err
	}
	if err := e.store.DeleteOrder(ctx, orderNo); err != nil {
		return internal(err, "delete order")
	}
	e.publish(ctx, event.Event{Type: event.OrderDeleted, OrderNo: orderNo, Actor: callerID})
	e.log(ctx).Warn("订单已删除", zap.String("order_no", orderNo), zap.String("caller", callerID))
	return nil
}

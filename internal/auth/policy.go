package auth

import (
	"strings"

	"factory-routing/internal/station"
	"factory-routing/internal/types"
)

// Rule 标识授权判定命中的规则，按优先级排列
type Rule int

const (
	RuleDenied               Rule = iota
	RuleAdmin                     // 管理员
	RuleProductionSupervisor      // 生产主管，可操作任意工站
	RuleAssigned                  // 直接派工
	RuleSupervisorOnBehalf        // 主管代被派工的技术员操作
	RuleStationCategory           // 角色与工站类别匹配
)

func (r Rule) String() string {
	switch r {
	case RuleAdmin:
		return "admin"
	case RuleProductionSupervisor:
		return "production_supervisor"
	case RuleAssigned:
		return "assigned"
	case RuleSupervisorOnBehalf:
		return "supervisor_on_behalf"
	case RuleStationCategory:
		return "station_category"
	}
	return "denied"
}

// Policy 角色配置，从配置文件加载
type Policy struct {
	AdminRoles                []string                      `mapstructure:"admin_roles" yaml:"admin_roles"`
	TopAdminRoles             []string                      `mapstructure:"top_admin_roles" yaml:"top_admin_roles"`
	ProductionSupervisorRoles []string                      `mapstructure:"production_supervisor_roles" yaml:"production_supervisor_roles"`
	SupervisorScopes          map[string][]string           `mapstructure:"supervisor_scopes" yaml:"supervisor_scopes"` // 主管角色 -> 可代操作的技术员角色
	CategoryRoles             map[station.Category][]string `mapstructure:"category_roles" yaml:"category_roles"`
}

// DefaultPolicy 默认角色配置
func DefaultPolicy() Policy {
	return Policy{
		AdminRoles:                []string{"admin", "super_admin"},
		TopAdminRoles:             []string{"super_admin"},
		ProductionSupervisorRoles: []string{"production_supervisor"},
		SupervisorScopes: map[string][]string{
			"assembly_supervisor": {"assembler"},
			"paint_supervisor":    {"painter", "rework_technician"},
			"qc_supervisor":       {"inspector"},
		},
		CategoryRoles: map[station.Category][]string{
			station.CategoryAssembly: {"assembler"},
			station.CategorySizing:   {"sizer"},
			station.CategoryCNC:      {"cnc_operator"},
			station.CategoryPaint:    {"painter"},
			station.CategoryPacking:  {"packer"},
			station.CategoryQC:       {"inspector"},
			station.CategoryRework:   {"rework_technician"},
		},
	}
}

func hasAny(roles []string, wanted []string) bool {
	for _, r := range roles {
		for _, w := range wanted {
			if strings.EqualFold(r, w) {
				return true
			}
		}
	}
	return false
}

// IsAdmin 是否为管理员
func (p Policy) IsAdmin(roles []string) bool { return hasAny(roles, p.AdminRoles) }

// IsTopAdmin 是否为最高权限管理员
func (p Policy) IsTopAdmin(roles []string) bool { return hasAny(roles, p.TopAdminRoles) }

// IsProductionSupervisor 是否为生产主管
func (p Policy) IsProductionSupervisor(roles []string) bool {
	return hasAny(roles, p.ProductionSupervisorRoles)
}

// managedRoles 调用方作为主管可以代操作的全部技术员角色
func (p Policy) managedRoles(roles []string) []string {
	var out []string
	for _, r := range roles {
		for sup, managed := range p.SupervisorScopes {
			if strings.EqualFold(r, sup) {
				out = append(out, managed...)
			}
		}
	}
	return out
}

// IsSupervisor 是否持有任何主管范围
func (p Policy) IsSupervisor(roles []string) bool {
	return len(p.managedRoles(roles)) > 0
}

// Input 一次授权判定需要的全部事实
type Input struct {
	CallerID    string
	CallerRoles []string
	Station     station.Station
	// Assignments 该工序的有效派工，primary 在前
	Assignments []types.Assignment
	// AssigneeRoles 被派工技术员的角色，仅在调用方是主管时需要
	AssigneeRoles map[string][]string
}

// Decision 授权结果
type Decision struct {
	Allowed  bool
	Rule     Rule
	ActingAs string // 会话与操作记录归属的技术员
}

// Decide 按优先级判定，首个命中的规则生效。纯函数，不访问任何存储
func (p Policy) Decide(in Input) Decision {
	self := Decision{Allowed: true, ActingAs: in.CallerID}

	if p.IsAdmin(in.CallerRoles) {
		self.Rule = RuleAdmin
		return self
	}
	if p.IsProductionSupervisor(in.CallerRoles) {
		self.Rule = RuleProductionSupervisor
		return self
	}
	for _, a := range in.Assignments {
		if a.TechnicianID == in.CallerID {
			self.Rule = RuleAssigned
			return self
		}
	}
	if managed := p.managedRoles(in.CallerRoles); len(managed) > 0 {
		for _, a := range in.Assignments {
			if hasAny(in.AssigneeRoles[a.TechnicianID], managed) {
				return Decision{Allowed: true, Rule: RuleSupervisorOnBehalf, ActingAs: a.TechnicianID}
			}
		}
	}
	for _, r := range in.CallerRoles {
		if in.Station.Eligible(r) || hasAny([]string{r}, p.CategoryRoles[in.Station.Category]) {
			self.Rule = RuleStationCategory
			return self
		}
	}
	return Decision{Allowed: false, Rule: RuleDenied}
}

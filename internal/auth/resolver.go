package auth

import (
	"context"

	"factory-routing/internal/station"
	"factory-routing/internal/types"
)

// AssignmentReader 授权只读取有效派工
type AssignmentReader interface {
	ListAssignments(ctx context.Context, key types.StepKey) ([]types.Assignment, error)
}

// Resolver 收集授权判定所需的事实，再交给 Policy.Decide
type Resolver struct {
	policy      Policy
	roles       RoleRepository
	assignments AssignmentReader
	catalog     *station.Catalog
}

// NewResolver 创建授权解析器
func NewResolver(policy Policy, roles RoleRepository, assignments AssignmentReader, catalog *station.Catalog) *Resolver {
	return &Resolver{policy: policy, roles: roles, assignments: assignments, catalog: catalog}
}

// Policy 返回当前角色配置
func (r *Resolver) Policy() Policy { return r.policy }

// Roles 查询用户角色
func (r *Resolver) Roles(ctx context.Context, userID string) ([]string, error) {
	roles, err := r.roles.RolesOf(ctx, userID)
	if err != nil {
		return nil, types.Internal(err, "role lookup for %s", userID)
	}
	return roles, nil
}

// Authorize 判断 caller 能否推进该工序，以及以谁的身份推进
func (r *Resolver) Authorize(ctx context.Context, callerID string, key types.StepKey) (Decision, error) {
	roles, err := r.Roles(ctx, callerID)
	if err != nil {
		return Decision{}, err
	}
	st, ok := r.catalog.Get(key.StationID)
	if !ok {
		return Decision{}, types.NotFound("station %s not found", key.StationID)
	}

	in := Input{CallerID: callerID, CallerRoles: roles, Station: st}

	// 管理员和生产主管不需要读取派工
	if !r.policy.IsAdmin(roles) && !r.policy.IsProductionSupervisor(roles) {
		in.Assignments, err = r.assignments.ListAssignments(ctx, key)
		if err != nil {
			return Decision{}, types.Internal(err, "list assignments")
		}
		if r.policy.IsSupervisor(roles) {
			in.AssigneeRoles = make(map[string][]string, len(in.Assignments))
			for _, a := range in.Assignments {
				if _, seen := in.AssigneeRoles[a.TechnicianID]; seen {
					continue
				}
				ar, err := r.Roles(ctx, a.TechnicianID)
				if err != nil {
					return Decision{}, err
				}
				in.AssigneeRoles[a.TechnicianID] = ar
			}
		}
	}

	d := r.policy.Decide(in)
	if !d.Allowed {
		return d, types.NotAssigned("%s is not assigned to %s/%s/%d", callerID, key.OrderNo, key.StationID, key.StepOrder)
	}
	return d, nil
}

// RequireTopAdmin 重置、删除等破坏性操作只允许最高权限管理员
func (r *Resolver) RequireTopAdmin(ctx context.Context, callerID string) error {
	roles, err := r.Roles(ctx, callerID)
	if err != nil {
		return err
	}
	if !r.policy.IsTopAdmin(roles) {
		return types.PermissionDenied("%s lacks top administrative role", callerID)
	}
	return nil
}

// RequireAdmin 审批类操作需要管理员
func (r *Resolver) RequireAdmin(ctx context.Context, callerID string) error {
	roles, err := r.Roles(ctx, callerID)
	if err != nil {
		return err
	}
	if !r.policy.IsAdmin(roles) {
		return types.PermissionDenied("%s lacks administrative role", callerID)
	}
	return nil
}

// RequireScheduler 派工需要管理员或生产主管
func (r *Resolver) RequireScheduler(ctx context.Context, callerID string) error {
	roles, err := r.Roles(ctx, callerID)
	if err != nil {
		return err
	}
	if !r.policy.IsAdmin(roles) && !r.policy.IsProductionSupervisor(roles) {
		return types.PermissionDenied("%s may not schedule work", callerID)
	}
	return nil
}

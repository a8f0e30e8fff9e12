package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"factory-routing/internal/station"
	"factory-routing/internal/types"
	"factory-routing/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var packStation = station.Station{ID: "PACK", Name: "Packing", Category: station.CategoryPacking}

func assigned(tech string) []types.Assignment {
	return []types.Assignment{{TechnicianID: tech, Type: types.AssignmentPrimary, Status: types.AssignmentActive}}
}

func TestDecidePrecedence(t *testing.T) {
	p := DefaultPolicy()

	cases := []struct {
		name   string
		in     Input
		rule   Rule
		acting string
	}{
		{
			name:   "管理员优先于派工",
			in:     Input{CallerID: "boss", CallerRoles: []string{"admin", "packer"}, Station: packStation, Assignments: assigned("alice")},
			rule:   RuleAdmin,
			acting: "boss",
		},
		{
			name:   "生产主管可操作任意工站",
			in:     Input{CallerID: "sup", CallerRoles: []string{"production_supervisor"}, Station: packStation},
			rule:   RuleProductionSupervisor,
			acting: "sup",
		},
		{
			name:   "直接派工",
			in:     Input{CallerID: "alice", CallerRoles: []string{"painter"}, Station: packStation, Assignments: assigned("alice")},
			rule:   RuleAssigned,
			acting: "alice",
		},
		{
			name: "主管代被派工的技术员操作",
			in: Input{
				CallerID:      "ps",
				CallerRoles:   []string{"paint_supervisor"},
				Station:       packStation,
				Assignments:   assigned("bob"),
				AssigneeRoles: map[string][]string{"bob": {"painter"}},
			},
			rule:   RuleSupervisorOnBehalf,
			acting: "bob",
		},
		{
			name:   "角色匹配工站类别",
			in:     Input{CallerID: "carl", CallerRoles: []string{"Packer"}, Station: packStation, Assignments: assigned("alice")},
			rule:   RuleStationCategory,
			acting: "carl",
		},
		{
			name:   "工站显式可操作名单",
			in:     Input{CallerID: "dan", CallerRoles: []string{"temp"}, Station: station.Station{ID: "X", Category: station.CategoryOther, EligibleRoles: []string{"temp"}}},
			rule:   RuleStationCategory,
			acting: "dan",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := p.Decide(c.in)
			assert.True(t, d.Allowed)
			assert.Equal(t, c.rule, d.Rule, "命中规则 %s", d.Rule)
			assert.Equal(t, c.acting, d.ActingAs)
		})
	}
}

func TestDecideDenied(t *testing.T) {
	p := DefaultPolicy()

	// 主管范围不覆盖被派工技术员的角色
	d := p.Decide(Input{
		CallerID:      "qs",
		CallerRoles:   []string{"qc_supervisor"},
		Station:       packStation,
		Assignments:   assigned("bob"),
		AssigneeRoles: map[string][]string{"bob": {"painter"}},
	})
	assert.False(t, d.Allowed)
	assert.Equal(t, RuleDenied, d.Rule)

	d = p.Decide(Input{CallerID: "eve", CallerRoles: []string{"painter"}, Station: packStation})
	assert.False(t, d.Allowed)
}

func TestResolverAuthorize(t *testing.T) {
	roles := NewStaticRoleRepository(map[string][]string{
		"alice": {"painter"},
		"bob":   {"painter"},
		"ps":    {"paint_supervisor"},
		"root":  {"super_admin"},
		"adm":   {"admin"},
	})
	key := types.StepKey{OrderNo: "T-1", StationID: "PAINT", StepOrder: 1}
	assignments := fakeAssignments{key: assigned("bob")}
	r := NewResolver(DefaultPolicy(), roles, assignments, station.Default())
	ctx := context.Background()

	d, err := r.Authorize(ctx, "ps", key)
	require.NoError(t, err)
	assert.Equal(t, "bob", d.ActingAs)

	// alice 是 painter，PAINT 类别匹配
	d, err = r.Authorize(ctx, "alice", key)
	require.NoError(t, err)
	assert.Equal(t, RuleStationCategory, d.Rule)

	_, err = r.Authorize(ctx, "alice", types.StepKey{OrderNo: "T-1", StationID: "PACK", StepOrder: 2})
	assert.ErrorIs(t, err, types.ErrNotAssigned)

	_, err = r.Authorize(ctx, "alice", types.StepKey{OrderNo: "T-1", StationID: "NOPE", StepOrder: 2})
	assert.ErrorIs(t, err, types.ErrNotFound)

	assert.NoError(t, r.RequireTopAdmin(ctx, "root"))
	assert.ErrorIs(t, r.RequireTopAdmin(ctx, "adm"), types.ErrPermissionDenied)
	assert.NoError(t, r.RequireAdmin(ctx, "adm"))
	assert.ErrorIs(t, r.RequireScheduler(ctx, "alice"), types.ErrPermissionDenied)
}

type fakeAssignments map[types.StepKey][]types.Assignment

func (f fakeAssignments) ListAssignments(_ context.Context, key types.StepKey) ([]types.Assignment, error) {
	return f[key], nil
}

type countingRepo struct {
	calls int32
	err   error
}

func (c *countingRepo) RolesOf(_ context.Context, _ string) ([]string, error) {
	atomic.AddInt32(&c.calls, 1)
	return []string{"packer"}, c.err
}

func TestCachedRoleRepository(t *testing.T) {
	next := &countingRepo{}
	c := NewCachedRoleRepository(next, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		roles, err := c.RolesOf(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, []string{"packer"}, roles)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&next.calls))

	c.Invalidate("u1")
	_, _ = c.RolesOf(ctx, "u1")
	assert.EqualValues(t, 2, atomic.LoadInt32(&next.calls))

	failing := NewCachedRoleRepository(&countingRepo{err: errors.New("down")}, time.Minute)
	_, err := failing.RolesOf(ctx, "u1")
	assert.Error(t, err)
}

func TestRemoteRoleRepository(t *testing.T) {
	var gotTrace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrace = r.Header.Get(util.TraceHeader)
		switch r.URL.Path {
		case "/users/alice/roles":
			_ = json.NewEncoder(w).Encode(RolesResponse{UserID: "alice", Roles: []string{"painter"}})
		case "/users/broken/roles":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	repo := NewRemoteRoleRepository(srv.URL, zap.NewNop())
	ctx := util.ContextWithTraceID(context.Background(), "trace-1")

	roles, err := repo.RolesOf(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"painter"}, roles)
	assert.Equal(t, "trace-1", gotTrace)

	roles, err = repo.RolesOf(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, roles)

	_, err = repo.RolesOf(ctx, "broken")
	assert.Error(t, err)
}

func TestLoadRolesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("users:\n  alice: [painter]\n  root: [super_admin]\n"), 0o644))

	users, err := LoadRolesFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"painter"}, users["alice"])

	repo := NewStaticRoleRepository(users)
	roles, _ := repo.RolesOf(context.Background(), "root")
	assert.Equal(t, []string{"super_admin"}, roles)
}

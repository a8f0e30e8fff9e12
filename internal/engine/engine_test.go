package engine_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"factory-routing/internal/auth"
	"factory-routing/internal/engine"
	"factory-routing/internal/event"
	"factory-routing/internal/persistence"
	"factory-routing/internal/station"
	"factory-routing/internal/testutil"
	"factory-routing/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	eng   *engine.Engine
	store *persistence.MemoryStore
	roles *auth.StaticRoleRepository
	clock *testutil.Clock
	bus   *event.Bus

	mu     sync.Mutex
	events []event.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := persistence.NewMemoryStore()
	roles := auth.NewStaticRoleRepository(map[string][]string{
		"root":    {"super_admin"},
		"boss":    {"admin"},
		"planner": {"production_supervisor"},
		"alice":   {"assembler"},
		"ivan":    {"inspector"},
		"pat":     {"packer"},
		"sam":     {"rework_technician"},
		"bob":     {"painter"},
		"paula":   {"paint_supervisor"},
	})
	catalog := station.Default()
	resolver := auth.NewResolver(auth.DefaultPolicy(), roles, store, catalog)
	planner, err := engine.NewPlanner(map[string][]types.RouteStep{
		"door": {
			{StationID: "ASSEMBLY", EstimateMinutes: 30},
			{StationID: "PAINT", Rule: `attrs["finish"] != "raw"`},
			{StationID: "QC"},
			{StationID: "PACK"},
		},
	}, catalog)
	require.NoError(t, err)

	f := &fixture{
		store: store,
		roles: roles,
		clock: testutil.NewClock(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)),
		bus:   event.NewBus(),
	}
	f.bus.SubscribeAll(func(e event.Event) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, e)
	})
	f.eng = engine.New(store, resolver, catalog, f.bus, zap.NewNop(), engine.Options{
		Planner: planner,
		Now:     f.clock.Now,
	})
	return f
}

func (f *fixture) createOrder(t *testing.T, orderNo string, priority int, stations ...types.StationID) []types.FlowStep {
	t.Helper()
	_, steps, err := f.eng.CreateOrder(context.Background(), engine.OrderSpec{
		OrderNo:     orderNo,
		ProductType: "door",
		Quantity:    10,
		Priority:    priority,
		Stations:    stations,
	}, "planner")
	require.NoError(t, err)
	return steps
}

func (f *fixture) seen() map[event.EventType]int {
	f.bus.Drain()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[event.EventType]int)
	for _, e := range f.events {
		out[e.Type]++
	}
	return out
}

func key(orderNo string, st types.StationID, n int) types.StepKey {
	return types.StepKey{OrderNo: orderNo, StationID: st, StepOrder: n}
}

func stepStatus(t *testing.T, f *fixture, k types.StepKey) types.StepStatus {
	t.Helper()
	st, err := f.store.GetStep(context.Background(), k)
	require.NoError(t, err)
	return st.Status
}

func TestStartAndCompleteStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createOrder(t, "T-1", 2, "ASSEMBLY", "QC")

	res, err := f.eng.StartStep(ctx, key("T-1", "ASSEMBLY", 1), "alice")
	require.NoError(t, err)
	assert.Equal(t, types.StepCurrent, res.Step.Status)
	assert.Equal(t, "station_category", res.Rule)
	require.NotNil(t, res.Session)
	assert.Equal(t, "alice", res.Session.TechnicianID)

	o, _ := f.store.GetOrder(ctx, "T-1")
	assert.Equal(t, types.OrderInProgress, o.Status)
	require.NotNil(t, o.StartedAt)
	assert.Equal(t, f.clock.Now(), *o.StartedAt)

	f.clock.Advance(90 * time.Second)
	done, err := f.eng.CompleteStep(ctx, key("T-1", "ASSEMBLY", 1), "alice")
	require.NoError(t, err)
	assert.False(t, done.OrderFinished)
	require.NotNil(t, done.Session)
	require.NotNil(t, done.Session.DurationMinutes)
	assert.Equal(t, 1.5, *done.Session.DurationMinutes)

	_, err = f.eng.StartStep(ctx, key("T-1", "QC", 2), "ivan")
	require.NoError(t, err)
	f.clock.Advance(10 * time.Minute)
	done, err = f.eng.CompleteStep(ctx, key("T-1", "QC", 2), "ivan")
	require.NoError(t, err)
	assert.True(t, done.OrderFinished)

	o, _ = f.store.GetOrder(ctx, "T-1")
	assert.Equal(t, types.OrderFinished, o.Status)
	require.NotNil(t, o.FinishedAt)

	seen := f.seen()
	assert.Equal(t, 2, seen[event.StepStarted])
	assert.Equal(t, 2, seen[event.SessionClosed])
	assert.Equal(t, 1, seen[event.OrderStarted])
	assert.Equal(t, 1, seen[event.OrderFinished])
}

func TestStartTwiceIsInvalidState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createOrder(t, "T-1", 0, "ASSEMBLY", "QC")

	_, err := f.eng.StartStep(ctx, key("T-1", "ASSEMBLY", 1), "alice")
	require.NoError(t, err)
	_, err = f.eng.StartStep(ctx, key("T-1", "ASSEMBLY", 1), "alice")
	assert.ErrorIs(t, err, types.ErrInvalidState)

	sessions, _ := f.store.ListSessions(ctx, "T-1")
	assert.Len(t, sessions, 1)
}

func TestStartWhileAnotherStepCurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createOrder(t, "T-1", 0, "ASSEMBLY", "QC")

	_, err := f.eng.StartStep(ctx, key("T-1", "ASSEMBLY", 1), "alice")
	require.NoError(t, err)
	_, err = f.eng.StartStep(ctx, key("T-1", "QC", 2), "ivan")
	assert.ErrorIs(t, err, types.ErrAlreadyInProgress)
	assert.Equal(t, types.StepPending, stepStatus(t, f, key("T-1", "QC", 2)))
}

func TestCompleteRequiresCurrent(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t, "T-1", 0, "ASSEMBLY")
	_, err := f.eng.CompleteStep(context.Background(), key("T-1", "ASSEMBLY", 1), "alice")
	assert.ErrorIs(t, err, types.ErrInvalidState)
}

func TestStepNotFound(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t, "T-1", 0, "ASSEMBLY")
	_, err := f.eng.StartStep(context.Background(), key("T-1", "QC", 2), "root")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = f.eng.StartStep(context.Background(), key("NOPE", "QC", 1), "root")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestAuthorizationPaths(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createOrder(t, "T-1", 0, "ASSEMBLY", "PACK")

	// 包装工不能操作装配工站
	_, err := f.eng.StartStep(ctx, key("T-1", "ASSEMBLY", 1), "pat")
	assert.ErrorIs(t, err, types.ErrNotAssigned)

	// 派工后可以操作
	_, err = f.eng.AssignTechnician(ctx, key("T-1", "ASSEMBLY", 1), "bob", types.AssignmentPrimary, "planner")
	require.NoError(t, err)
	res, err := f.eng.StartStep(ctx, key("T-1", "ASSEMBLY", 1), "bob")
	require.NoError(t, err)
	assert.Equal(t, "assigned", res.Rule)

	// 主管代派工的技术员完工，计时记在技术员名下
	f.clock.Advance(time.Hour)
	done, err := f.eng.CompleteStep(ctx, key("T-1", "ASSEMBLY", 1), "paula")
	require.NoError(t, err)
	require.NotNil(t, done.Session)
	assert.Equal(t, "bob", done.Session.TechnicianID)
	assert.Equal(t, 60.0, *done.Session.DurationMinutes)
}

func TestSupervisorStartsOnBehalf(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createOrder(t, "T-1", 0, "ASSEMBLY")
	_, err := f.eng.AssignTechnician(ctx, key("T-1", "ASSEMBLY", 1), "bob", types.AssignmentPrimary, "boss")
	require.NoError(t, err)

	res, err := f.eng.StartStep(ctx, key("T-1", "ASSEMBLY", 1), "paula")
	require.NoError(t, err)
	assert.Equal(t, "supervisor_on_behalf", res.Rule)
	assert.Equal(t, "bob", res.ActingAs)
	require.NotNil(t, res.Session)
	assert.Equal(t, "bob", res.Session.TechnicianID)
	assert.Equal(t, "paula", res.Session.StartedBy)
}

func TestConcurrentStartsSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createOrder(t, "T-1", 0, "ASSEMBLY", "QC", "PACK")
	stations := []types.StationID{"ASSEMBLY", "QC", "PACK"}

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.eng.StartStep(ctx, key("T-1", stations[i%3], i%3+1), "root")
			if err == nil {
				atomic.AddInt32(&wins, 1)
				return
			}
			kind := types.KindOf(err)
			assert.Contains(t, []types.Kind{types.KindAlreadyInProgress, types.KindInvalidState}, kind)
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins)

	steps, err := f.eng.ListFlow(ctx, "T-1")
	require.NoError(t, err)
	current := 0
	for _, st := range steps {
		if st.Status == types.StepCurrent {
			current++
		}
	}
	assert.Equal(t, 1, current)
}

func TestResetOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createOrder(t, "T-1", 0, "ASSEMBLY", "QC", "PACK")

	_, err := f.eng.StartStep(ctx, key("T-1", "ASSEMBLY", 1), "alice")
	require.NoError(t, err)
	_, err = f.eng.CompleteStep(ctx, key("T-1", "ASSEMBLY", 1), "alice")
	require.NoError(t, err)
	_, err = f.eng.StartStep(ctx, key("T-1", "QC", 2), "ivan")
	require.NoError(t, err)

	_, err = f.eng.ResetOrder(ctx, "T-1", "boss")
	assert.ErrorIs(t, err, types.ErrPermissionDenied)

	f.clock.Advance(15 * time.Minute)
	resetAt := f.clock.Now()
	steps, err := f.eng.ResetOrder(ctx, "T-1", "root")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for _, st := range steps {
		assert.Equal(t, types.StepPending, st.Status)
		assert.Nil(t, st.StartedAt)
		assert.Nil(t, st.CompletedAt)
	}

	o, _ := f.store.GetOrder(ctx, "T-1")
	assert.Equal(t, types.OrderReleased, o.Status)
	assert.Nil(t, o.StartedAt)

	sessions, _ := f.store.ListSessions(ctx, "T-1")
	for _, ws := range sessions {
		require.False(t, ws.Open())
		if ws.StationID == "QC" {
			assert.Equal(t, resetAt, *ws.CompletedAt)
			assert.Equal(t, 15.0, *ws.DurationMinutes)
		}
	}

	// 重置后可重新开工
	_, err = f.eng.StartStep(ctx, key("T-1", "ASSEMBLY", 1), "alice")
	assert.NoError(t, err)
	assert.Equal(t, 1, f.seen()[event.OrderReset])
}

func TestAssignments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createOrder(t, "T-1", 0, "ASSEMBLY")
	k := key("T-1", "ASSEMBLY", 1)

	_, err := f.eng.AssignTechnician(ctx, k, "bob", types.AssignmentPrimary, "alice")
	assert.ErrorIs(t, err, types.ErrPermissionDenied)
	_, err = f.eng.AssignTechnician(ctx, k, "", types.AssignmentPrimary, "planner")
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = f.eng.AssignTechnician(ctx, k, "bob", "lead", "planner")
	assert.ErrorIs(t, err, types.ErrValidation)

	a, err := f.eng.AssignTechnician(ctx, k, "bob", "", "planner")
	require.NoError(t, err)
	assert.Equal(t, types.AssignmentPrimary, a.Type)
	_, err = f.eng.AssignTechnician(ctx, k, "bob", types.AssignmentBackup, "planner")
	assert.ErrorIs(t, err, types.ErrInvalidState)
	_, err = f.eng.AssignTechnician(ctx, k, "pat", types.AssignmentBackup, "planner")
	require.NoError(t, err)

	list, err := f.eng.ListAssignments(ctx, k)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "bob", list[0].TechnicianID)

	require.NoError(t, f.eng.UnassignTechnician(ctx, a.ID, "planner"))
	assert.ErrorIs(t, f.eng.UnassignTechnician(ctx, a.ID, "planner"), types.ErrInvalidState)
	list, _ = f.eng.ListAssignments(ctx, k)
	assert.Len(t, list, 1)
}

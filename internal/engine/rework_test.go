package engine_test

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"factory-routing/internal/engine"
	"factory-routing/internal/event"
	"factory-routing/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inspectFail 装配完工后质检开工，并报告 2 件不合格
func inspectFail(t *testing.T, f *fixture, roadmap []engine.RoadmapStep) *engine.RemediationResult {
	t.Helper()
	ctx := context.Background()
	f.createOrder(t, "T-1", 3, "ASSEMBLY", "QC", "PACK")

	_, err := f.eng.StartStep(ctx, key("T-1", "ASSEMBLY", 1), "alice")
	require.NoError(t, err)
	f.clock.Advance(30 * time.Minute)
	_, err = f.eng.CompleteStep(ctx, key("T-1", "ASSEMBLY", 1), "alice")
	require.NoError(t, err)
	_, err = f.eng.StartStep(ctx, key("T-1", "QC", 2), "ivan")
	require.NoError(t, err)
	f.clock.Advance(5 * time.Minute)

	res, err := f.eng.CreateRemediation(ctx, engine.RemediationRequest{
		OrderNo:         "T-1",
		InspectionRef:   "INSP-1",
		PassQty:         8,
		FailQty:         2,
		Severity:        types.SeverityMajor,
		FailedStationID: "QC",
		Reason:          "paint runs",
		Roadmap:         roadmap,
	}, "ivan")
	require.NoError(t, err)
	return res
}

var sandRoadmap = []engine.RoadmapStep{{StationID: "REWORK_SAND", TechnicianID: "sam"}}

func TestRemediationEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := inspectFail(t, f, sandRoadmap)
	require.NotNil(t, created.Rework)
	assert.NotEmpty(t, created.PassBatchID)
	assert.NotEmpty(t, created.FailBatchID)

	// 拆分与返工标记
	assert.Equal(t, types.StepRework, stepStatus(t, f, key("T-1", "QC", 2)))
	o, _ := f.store.GetOrder(ctx, "T-1")
	require.NotNil(t, o.PassQuantity)
	assert.Equal(t, 8, *o.PassQuantity)
	batches, err := f.eng.ListBatches(ctx, "T-1")
	require.NoError(t, err)
	assert.Len(t, batches, 2)
	sessions, _ := f.store.ListSessions(ctx, "T-1")
	for _, ws := range sessions {
		assert.False(t, ws.Open(), "质检转返工后计时应结束")
	}

	// 合并前必须先审批
	_, err = f.eng.MergeRemediation(ctx, created.Rework.ID, "boss")
	assert.ErrorIs(t, err, types.ErrInvalidState)

	_, err = f.eng.ApproveRemediation(ctx, created.Rework.ID, "ivan")
	assert.ErrorIs(t, err, types.ErrPermissionDenied)

	approved, err := f.eng.ApproveRemediation(ctx, created.Rework.ID, "boss")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^T-1-RW\d{6}$`), approved.ChildOrderNo)
	assert.Equal(t, "T-1", approved.RootOrderNo)
	assert.Equal(t, 1, approved.StepsCreated)

	child, err := f.store.GetOrder(ctx, approved.ChildOrderNo)
	require.NoError(t, err)
	assert.Equal(t, 4, child.Priority)
	assert.Equal(t, 2, child.Quantity)
	assert.Equal(t, types.OrderInProgress, child.Status)
	require.NotNil(t, child.ParentOrderNo)
	assert.Equal(t, "T-1", *child.ParentOrderNo)

	childSteps, err := f.eng.ListFlow(ctx, child.OrderNo)
	require.NoError(t, err)
	require.Len(t, childSteps, 1)
	assert.True(t, childSteps[0].IsReworkOrder)
	assert.True(t, childSteps[0].IsReworkPath)
	assert.Equal(t, types.StationID("REWORK_SAND"), childSteps[0].StationID)

	fail, _ := f.store.GetBatch(ctx, created.FailBatchID)
	assert.Equal(t, types.BatchRework, fail.Status)

	// 子订单工序尚未完成不能合并
	_, err = f.eng.MergeRemediation(ctx, created.Rework.ID, "boss")
	assert.ErrorIs(t, err, types.ErrInvalidState)

	// 返工路线上的派工生效
	sandKey := childSteps[0].Key()
	res, err := f.eng.StartStep(ctx, sandKey, "sam")
	require.NoError(t, err)
	assert.Equal(t, "sam", res.ActingAs)
	r, _ := f.eng.GetRemediation(ctx, created.Rework.ID)
	assert.Equal(t, types.ReworkInProgress, r.Status)

	// 已开工的返工单不能取消
	_, err = f.eng.CancelRemediation(ctx, created.Rework.ID, "boss")
	assert.ErrorIs(t, err, types.ErrInvalidState)

	f.clock.Advance(20 * time.Minute)
	_, err = f.eng.CompleteStep(ctx, sandKey, "sam")
	require.NoError(t, err)

	merged, err := f.eng.MergeRemediation(ctx, created.Rework.ID, "boss")
	require.NoError(t, err)
	assert.Equal(t, 2, merged.MergedQuantity)
	assert.Equal(t, 10, merged.PassQuantity)
	assert.False(t, merged.ParentFinished, "包装工序尚未完成")

	o, _ = f.store.GetOrder(ctx, "T-1")
	assert.Equal(t, 10, *o.PassQuantity)
	assert.NotEqual(t, types.OrderFinished, o.Status)
	assert.Equal(t, types.StepCompleted, stepStatus(t, f, key("T-1", "QC", 2)))
	child, _ = f.store.GetOrder(ctx, approved.ChildOrderNo)
	assert.Equal(t, types.OrderFinished, child.Status)
	fail, _ = f.store.GetBatch(ctx, created.FailBatchID)
	assert.Equal(t, types.BatchCompleted, fail.Status)

	// 重复合并不会再次累加
	_, err = f.eng.MergeRemediation(ctx, created.Rework.ID, "boss")
	assert.ErrorIs(t, err, types.ErrInvalidState)

	_, err = f.eng.StartStep(ctx, key("T-1", "PACK", 3), "pat")
	require.NoError(t, err)
	done, err := f.eng.CompleteStep(ctx, key("T-1", "PACK", 3), "pat")
	require.NoError(t, err)
	assert.True(t, done.OrderFinished)

	o, _ = f.store.GetOrder(ctx, "T-1")
	assert.Equal(t, types.OrderFinished, o.Status)
	assert.Equal(t, 10, *o.PassQuantity)

	seen := f.seen()
	assert.Equal(t, 1, seen[event.ReworkRequested])
	assert.Equal(t, 1, seen[event.ReworkApproved])
	assert.Equal(t, 1, seen[event.ReworkStarted])
	assert.Equal(t, 1, seen[event.ReworkMerged])
	assert.Equal(t, 1, seen[event.StepReworked])
}

func TestRemediationValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createOrder(t, "T-1", 0, "ASSEMBLY", "QC")

	cases := []struct {
		name string
		req  engine.RemediationRequest
		want error
	}{
		{"zero quantities", engine.RemediationRequest{OrderNo: "T-1"}, types.ErrValidation},
		{"negative", engine.RemediationRequest{OrderNo: "T-1", PassQty: -1, FailQty: 2, FailedStationID: "QC"}, types.ErrValidation},
		{"exceeds order", engine.RemediationRequest{OrderNo: "T-1", PassQty: 9, FailQty: 2, FailedStationID: "QC"}, types.ErrValidation},
		{"no failed ref", engine.RemediationRequest{OrderNo: "T-1", PassQty: 8, FailQty: 2}, types.ErrValidation},
		{"bad severity", engine.RemediationRequest{OrderNo: "T-1", FailQty: 2, FailedStationID: "QC", Severity: "fatal"}, types.ErrValidation},
		{"unknown roadmap station", engine.RemediationRequest{OrderNo: "T-1", FailQty: 2, FailedStationID: "QC",
			Roadmap: []engine.RoadmapStep{{StationID: "MOON"}}}, types.ErrValidation},
		{"no step at station", engine.RemediationRequest{OrderNo: "T-1", FailQty: 2, FailedStationID: "PACK"}, types.ErrNotFound},
		{"unknown order", engine.RemediationRequest{OrderNo: "T-9", FailQty: 2, FailedStationID: "QC"}, types.ErrNotFound},
		{"step not started", engine.RemediationRequest{OrderNo: "T-1", FailQty: 2, FailedStationID: "QC"}, types.ErrInvalidState},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.eng.CreateRemediation(ctx, tc.req, "ivan")
			assert.ErrorIs(t, err, tc.want)
		})
	}

	batches, _ := f.eng.ListBatches(ctx, "T-1")
	assert.Empty(t, batches, "校验失败不应产生批次")
}

func TestRemediationPassOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createOrder(t, "T-1", 0, "QC")

	res, err := f.eng.CreateRemediation(ctx, engine.RemediationRequest{OrderNo: "T-1", PassQty: 10}, "ivan")
	require.NoError(t, err)
	assert.Nil(t, res.Rework)
	assert.NotEmpty(t, res.PassBatchID)
	assert.Empty(t, res.FailBatchID)
	assert.Equal(t, types.StepPending, stepStatus(t, f, key("T-1", "QC", 1)))
}

func TestRejectRemediation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := inspectFail(t, f, sandRoadmap)

	r, err := f.eng.RejectRemediation(ctx, created.Rework.ID, "boss", "cosmetic only")
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalRejected, r.ApprovalStatus)
	assert.Equal(t, types.ReworkCancelled, r.Status)
	assert.Equal(t, "cosmetic only", r.RejectReason)

	assert.Equal(t, types.StepPending, stepStatus(t, f, key("T-1", "QC", 2)))
	fail, _ := f.store.GetBatch(ctx, created.FailBatchID)
	assert.Equal(t, types.BatchInProgress, fail.Status)

	_, err = f.eng.ApproveRemediation(ctx, created.Rework.ID, "boss")
	assert.ErrorIs(t, err, types.ErrInvalidState)
	_, err = f.eng.RejectRemediation(ctx, created.Rework.ID, "boss", "again")
	assert.ErrorIs(t, err, types.ErrInvalidState)
}

func TestCancelRemediation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := inspectFail(t, f, sandRoadmap)
	approved, err := f.eng.ApproveRemediation(ctx, created.Rework.ID, "boss")
	require.NoError(t, err)

	_, err = f.eng.CancelRemediation(ctx, created.Rework.ID, "sam")
	assert.ErrorIs(t, err, types.ErrPermissionDenied)

	r, err := f.eng.CancelRemediation(ctx, created.Rework.ID, "boss")
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalApproved, r.ApprovalStatus)
	assert.Equal(t, types.ReworkCancelled, r.Status)

	childSteps, _ := f.eng.ListFlow(ctx, approved.ChildOrderNo)
	for _, st := range childSteps {
		assert.Equal(t, types.StepRejected, st.Status)
	}
	assert.Equal(t, types.StepPending, stepStatus(t, f, key("T-1", "QC", 2)))

	_, err = f.eng.StartStep(ctx, childSteps[0].Key(), "sam")
	assert.ErrorIs(t, err, types.ErrInvalidState)
}

func TestApproveRequiresRoadmap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := inspectFail(t, f, nil)

	_, err := f.eng.ApproveRemediation(ctx, created.Rework.ID, "boss")
	assert.ErrorIs(t, err, types.ErrInvalidState)

	_, err = f.eng.UpdateRoadmap(ctx, created.Rework.ID, sandRoadmap, "alice")
	assert.ErrorIs(t, err, types.ErrPermissionDenied)
	r, err := f.eng.UpdateRoadmap(ctx, created.Rework.ID, []engine.RoadmapStep{
		{StationID: "REWORK_SAND"}, {StationID: "REWORK_PAINT"},
	}, "ivan")
	require.NoError(t, err)
	assert.Len(t, r.Roadmap, 2)

	approved, err := f.eng.ApproveRemediation(ctx, created.Rework.ID, "boss")
	require.NoError(t, err)
	assert.Equal(t, 2, approved.StepsCreated)

	_, err = f.eng.UpdateRoadmap(ctx, created.Rework.ID, sandRoadmap, "ivan")
	assert.ErrorIs(t, err, types.ErrInvalidState)
}

func TestConcurrentApproveSingleChild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := inspectFail(t, f, sandRoadmap)

	var wg sync.WaitGroup
	results := make(chan *engine.ApproveResult, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.eng.ApproveRemediation(ctx, created.Rework.ID, "boss")
			if err != nil {
				assert.ErrorIs(t, err, types.ErrInvalidState)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	var winners []*engine.ApproveResult
	for r := range results {
		winners = append(winners, r)
	}
	require.Len(t, winners, 1)

	r, _ := f.eng.GetRemediation(ctx, created.Rework.ID)
	require.NotNil(t, r.ChildOrderNo)
	assert.Equal(t, winners[0].ChildOrderNo, *r.ChildOrderNo)
}

func TestNestedReworkRootsAtOriginalOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := inspectFail(t, f, sandRoadmap)
	approved, err := f.eng.ApproveRemediation(ctx, created.Rework.ID, "boss")
	require.NoError(t, err)

	sand := key(approved.ChildOrderNo, "REWORK_SAND", 1)
	_, err = f.eng.StartStep(ctx, sand, "sam")
	require.NoError(t, err)

	// 返工子订单再次不合格
	f.clock.Advance(time.Second)
	nested, err := f.eng.CreateRemediation(ctx, engine.RemediationRequest{
		OrderNo:         approved.ChildOrderNo,
		PassQty:         1,
		FailQty:         1,
		FailedStationID: "REWORK_SAND",
		Roadmap:         []engine.RoadmapStep{{StationID: "REWORK_PAINT"}},
	}, "ivan")
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	again, err := f.eng.ApproveRemediation(ctx, nested.Rework.ID, "boss")
	require.NoError(t, err)
	assert.Equal(t, "T-1", again.RootOrderNo)
	assert.Regexp(t, `^T-1-RW\d{6}-RW\d{6}$`, again.ChildOrderNo)
}

func TestBatchMerge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createOrder(t, "T-1", 0, "ASSEMBLY", "PACK")
	f.createOrder(t, "T-2", 0, "ASSEMBLY")

	first, err := f.eng.SplitOnInspection(ctx, engine.SplitRequest{OrderNo: "T-1", PassQty: 4}, "ivan")
	require.NoError(t, err)
	second, err := f.eng.SplitOnInspection(ctx, engine.SplitRequest{OrderNo: "T-1", PassQty: 6}, "ivan")
	require.NoError(t, err)
	other, err := f.eng.SplitOnInspection(ctx, engine.SplitRequest{OrderNo: "T-2", PassQty: 3}, "ivan")
	require.NoError(t, err)

	ids := []string{first.Pass.ID, second.Pass.ID}
	_, err = f.eng.RequestBatchMerge(ctx, "T-1", ids[:1], "PACK", "alice")
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = f.eng.RequestBatchMerge(ctx, "T-1", []string{ids[0], ids[0]}, "PACK", "alice")
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = f.eng.RequestBatchMerge(ctx, "T-1", ids, "MOON", "alice")
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = f.eng.RequestBatchMerge(ctx, "T-1", []string{ids[0], other.Pass.ID}, "PACK", "alice")
	assert.ErrorIs(t, err, types.ErrValidation)

	m, err := f.eng.RequestBatchMerge(ctx, "T-1", ids, "PACK", "alice")
	require.NoError(t, err)
	assert.Equal(t, types.MergePending, m.Status)

	_, err = f.eng.ApproveBatchMerge(ctx, m.ID, "alice")
	assert.ErrorIs(t, err, types.ErrPermissionDenied)

	res, err := f.eng.ApproveBatchMerge(ctx, m.ID, "boss")
	require.NoError(t, err)
	assert.Equal(t, 10, res.MergedBatch.Quantity)
	assert.Equal(t, types.BatchMerged, res.MergedBatch.Kind)
	assert.Equal(t, types.MergeApproved, res.Request.Status)
	for _, id := range ids {
		b, _ := f.store.GetBatch(ctx, id)
		assert.Equal(t, types.BatchCompleted, b.Status)
		require.NotNil(t, b.MergedInto)
		assert.Equal(t, res.MergedBatch.ID, *b.MergedInto)
	}

	_, err = f.eng.ApproveBatchMerge(ctx, m.ID, "boss")
	assert.ErrorIs(t, err, types.ErrInvalidState)

	// 已被消耗的批次不能再次合并
	_, err = f.eng.RequestBatchMerge(ctx, "T-1", ids, "PACK", "alice")
	assert.ErrorIs(t, err, types.ErrInvalidState)
	_, err = f.eng.RequestBatchMerge(ctx, "T-1", []string{ids[0], res.MergedBatch.ID}, "PACK", "alice")
	assert.ErrorIs(t, err, types.ErrInvalidState)

	// 驳回后源批次恢复 in_progress
	third, err := f.eng.SplitOnInspection(ctx, engine.SplitRequest{OrderNo: "T-1", PassQty: 2}, "ivan")
	require.NoError(t, err)
	live := []string{res.MergedBatch.ID, third.Pass.ID}
	m2, err := f.eng.RequestBatchMerge(ctx, "T-1", live, "PACK", "alice")
	require.NoError(t, err)
	rejected, err := f.eng.RejectBatchMerge(ctx, m2.ID, "boss", "wrong station")
	require.NoError(t, err)
	assert.Equal(t, types.MergeRejected, rejected.Status)
	for _, id := range live {
		b, _ := f.store.GetBatch(ctx, id)
		assert.Equal(t, types.BatchInProgress, b.Status)
		assert.Nil(t, b.MergedInto)
	}
	_, err = f.eng.RejectBatchMerge(ctx, m2.ID, "boss", "again")
	assert.ErrorIs(t, err, types.ErrInvalidState)

	seen := f.seen()
	assert.Equal(t, 2, seen[event.MergeRequested])
	assert.Equal(t, 1, seen[event.MergeApproved])
	assert.Equal(t, 1, seen[event.MergeRejected])
}

func TestRemediationOnFinishedOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	steps := f.createOrder(t, "T-1", 0, "ASSEMBLY", "QC")

	for _, s := range []struct {
		k   types.StepKey
		who string
	}{{key("T-1", "ASSEMBLY", 1), "alice"}, {key("T-1", "QC", 2), "ivan"}} {
		_, err := f.eng.StartStep(ctx, s.k, s.who)
		require.NoError(t, err)
		_, err = f.eng.CompleteStep(ctx, s.k, s.who)
		require.NoError(t, err)
	}
	o, _ := f.store.GetOrder(ctx, "T-1")
	require.Equal(t, types.OrderFinished, o.Status)

	cases := []struct {
		name string
		req  engine.RemediationRequest
	}{
		{"fail at station", engine.RemediationRequest{OrderNo: "T-1", PassQty: 8, FailQty: 2, FailedStationID: "QC", Roadmap: sandRoadmap}},
		{"fail by step id", engine.RemediationRequest{OrderNo: "T-1", FailQty: 2, FailedStepID: steps[1].ID}},
		{"pass only", engine.RemediationRequest{OrderNo: "T-1", PassQty: 10}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.eng.CreateRemediation(ctx, tc.req, "ivan")
			assert.ErrorIs(t, err, types.ErrInvalidState)
		})
	}

	// 完工状态与工序均不受影响
	assert.Equal(t, types.StepCompleted, stepStatus(t, f, key("T-1", "QC", 2)))
	o, _ = f.store.GetOrder(ctx, "T-1")
	assert.Equal(t, types.OrderFinished, o.Status)
	assert.NotNil(t, o.FinishedAt)
	batches, _ := f.eng.ListBatches(ctx, "T-1")
	assert.Empty(t, batches)
	assert.Zero(t, f.seen()[event.ReworkRequested])
}

func TestBatchMergePreconditions(t *testing.T) {
	cases := []struct {
		name  string
		setup func(t *testing.T, f *fixture, created *engine.RemediationResult)
		want  error
	}{
		{
			name:  "rework awaiting approval",
			setup: func(t *testing.T, f *fixture, created *engine.RemediationResult) {},
			want:  types.ErrInvalidState,
		},
		{
			name: "rework approved",
			setup: func(t *testing.T, f *fixture, created *engine.RemediationResult) {
				_, err := f.eng.ApproveRemediation(context.Background(), created.Rework.ID, "boss")
				require.NoError(t, err)
			},
			want: types.ErrInvalidState,
		},
		{
			name: "rework in progress",
			setup: func(t *testing.T, f *fixture, created *engine.RemediationResult) {
				ctx := context.Background()
				approved, err := f.eng.ApproveRemediation(ctx, created.Rework.ID, "boss")
				require.NoError(t, err)
				_, err = f.eng.StartStep(ctx, key(approved.ChildOrderNo, "REWORK_SAND", 1), "sam")
				require.NoError(t, err)
			},
			want: types.ErrInvalidState,
		},
		{
			name: "rework rejected",
			setup: func(t *testing.T, f *fixture, created *engine.RemediationResult) {
				_, err := f.eng.RejectRemediation(context.Background(), created.Rework.ID, "boss", "scrap")
				require.NoError(t, err)
			},
		},
		{
			name: "rework cancelled",
			setup: func(t *testing.T, f *fixture, created *engine.RemediationResult) {
				ctx := context.Background()
				_, err := f.eng.ApproveRemediation(ctx, created.Rework.ID, "boss")
				require.NoError(t, err)
				_, err = f.eng.CancelRemediation(ctx, created.Rework.ID, "boss")
				require.NoError(t, err)
			},
		},
		{
			name: "rework merged back",
			setup: func(t *testing.T, f *fixture, created *engine.RemediationResult) {
				ctx := context.Background()
				approved, err := f.eng.ApproveRemediation(ctx, created.Rework.ID, "boss")
				require.NoError(t, err)
				sand := key(approved.ChildOrderNo, "REWORK_SAND", 1)
				_, err = f.eng.StartStep(ctx, sand, "sam")
				require.NoError(t, err)
				_, err = f.eng.CompleteStep(ctx, sand, "sam")
				require.NoError(t, err)
				_, err = f.eng.MergeRemediation(ctx, created.Rework.ID, "boss")
				require.NoError(t, err)
			},
		},
		{
			name: "pass batch already consumed",
			setup: func(t *testing.T, f *fixture, created *engine.RemediationResult) {
				ctx := context.Background()
				_, err := f.eng.RejectRemediation(ctx, created.Rework.ID, "boss", "scrap")
				require.NoError(t, err)
				extra, err := f.eng.SplitOnInspection(ctx, engine.SplitRequest{OrderNo: "T-1", PassQty: 1}, "ivan")
				require.NoError(t, err)
				m, err := f.eng.RequestBatchMerge(ctx, "T-1", []string{created.PassBatchID, extra.Pass.ID}, "PACK", "ivan")
				require.NoError(t, err)
				_, err = f.eng.ApproveBatchMerge(ctx, m.ID, "boss")
				require.NoError(t, err)
			},
			want: types.ErrInvalidState,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			created := inspectFail(t, f, sandRoadmap)
			tc.setup(t, f, created)

			ids := []string{created.PassBatchID, created.FailBatchID}
			m, err := f.eng.RequestBatchMerge(ctx, "T-1", ids, "PACK", "ivan")
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
				return
			}
			require.NoError(t, err)
			res, err := f.eng.ApproveBatchMerge(ctx, m.ID, "boss")
			require.NoError(t, err)
			assert.Equal(t, 10, res.MergedBatch.Quantity)
		})
	}
}

func TestRejectBatchMergeLeavesChangedBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createOrder(t, "T-1", 0, "ASSEMBLY", "PACK")

	var ids []string
	for _, qty := range []int{4, 3, 3} {
		res, err := f.eng.SplitOnInspection(ctx, engine.SplitRequest{OrderNo: "T-1", PassQty: qty}, "ivan")
		require.NoError(t, err)
		ids = append(ids, res.Pass.ID)
	}
	first, err := f.eng.RequestBatchMerge(ctx, "T-1", ids[:2], "PACK", "alice")
	require.NoError(t, err)
	second, err := f.eng.RequestBatchMerge(ctx, "T-1", ids[1:], "PACK", "alice")
	require.NoError(t, err)

	won, err := f.eng.ApproveBatchMerge(ctx, second.ID, "boss")
	require.NoError(t, err)
	assert.Equal(t, 6, won.MergedBatch.Quantity)

	// 共享批次已被消耗，另一申请不能再执行
	_, err = f.eng.ApproveBatchMerge(ctx, first.ID, "boss")
	assert.ErrorIs(t, err, types.ErrInvalidState)
	pending, _ := f.eng.GetMergeRequest(ctx, first.ID)
	assert.Equal(t, types.MergePending, pending.Status)

	_, err = f.eng.RejectBatchMerge(ctx, first.ID, "boss", "superseded")
	require.NoError(t, err)

	a, _ := f.store.GetBatch(ctx, ids[0])
	assert.Equal(t, types.BatchInProgress, a.Status)
	shared, _ := f.store.GetBatch(ctx, ids[1])
	assert.Equal(t, types.BatchCompleted, shared.Status, "已被合并的批次驳回后仍保持结清")
	require.NotNil(t, shared.MergedInto)
	assert.Equal(t, won.MergedBatch.ID, *shared.MergedInto)
}

func TestRejectBatchMergeKeepsReworkBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := inspectFail(t, f, sandRoadmap)
	_, err := f.eng.RejectRemediation(ctx, created.Rework.ID, "boss", "scrap")
	require.NoError(t, err)

	m, err := f.eng.RequestBatchMerge(ctx, "T-1", []string{created.PassBatchID, created.FailBatchID}, "PACK", "ivan")
	require.NoError(t, err)

	// 申请期间不合格批次被转入返工
	require.NoError(t, f.store.CreateRework(ctx, &types.ReworkOrder{
		ID: "rw-late", OrderNo: "T-1", BatchID: created.FailBatchID, Quantity: 2,
		ApprovalStatus: types.ApprovalApproved, Status: types.ReworkInProgress,
	}))
	ok, err := f.store.TransitionBatch(ctx, created.FailBatchID, []types.BatchStatus{types.BatchInProgress}, types.BatchRework)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.eng.ApproveBatchMerge(ctx, m.ID, "boss")
	assert.ErrorIs(t, err, types.ErrInvalidState)

	_, err = f.eng.RejectBatchMerge(ctx, m.ID, "boss", "rework pending")
	require.NoError(t, err)
	fail, _ := f.store.GetBatch(ctx, created.FailBatchID)
	assert.Equal(t, types.BatchRework, fail.Status, "返工中的批次不应被驳回恢复")
	pass, _ := f.store.GetBatch(ctx, created.PassBatchID)
	assert.Equal(t, types.BatchInProgress, pass.Status)
}

func TestConcurrentMergeApprovalsConsumeOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createOrder(t, "T-1", 0, "ASSEMBLY", "PACK")

	var ids []string
	for _, qty := range []int{4, 3, 3} {
		res, err := f.eng.SplitOnInspection(ctx, engine.SplitRequest{OrderNo: "T-1", PassQty: qty}, "ivan")
		require.NoError(t, err)
		ids = append(ids, res.Pass.ID)
	}
	requests := make([]*types.MergeRequest, 0, 2)
	for _, pair := range [][]string{ids[:2], ids[1:]} {
		m, err := f.eng.RequestBatchMerge(ctx, "T-1", pair, "PACK", "alice")
		require.NoError(t, err)
		requests = append(requests, m)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []*engine.MergeResult
	for _, m := range requests {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := f.eng.ApproveBatchMerge(ctx, id, "boss")
			if err != nil {
				assert.ErrorIs(t, err, types.ErrInvalidState)
				return
			}
			mu.Lock()
			winners = append(winners, res)
			mu.Unlock()
		}(m.ID)
	}
	wg.Wait()
	require.Len(t, winners, 1)

	// 未被合并消耗的批次数量之和不超过订单数量
	batches, err := f.eng.ListBatches(ctx, "T-1")
	require.NoError(t, err)
	live := 0
	for _, b := range batches {
		if b.MergedInto == nil {
			live += b.Quantity
		}
	}
	assert.Equal(t, 10, live)
}

func TestResetOrderSettlesLinkedRemediation(t *testing.T) {
	cases := []struct {
		name     string
		setup    func(t *testing.T, f *fixture, created *engine.RemediationResult)
		want     types.ReworkState
		failKept types.BatchStatus
	}{
		{
			name:     "awaiting approval is rejected",
			setup:    func(t *testing.T, f *fixture, created *engine.RemediationResult) {},
			want:     types.ReworkState{Approval: types.ApprovalRejected, Status: types.ReworkCancelled},
			failKept: types.BatchInProgress,
		},
		{
			name: "approved is cancelled",
			setup: func(t *testing.T, f *fixture, created *engine.RemediationResult) {
				_, err := f.eng.ApproveRemediation(context.Background(), created.Rework.ID, "boss")
				require.NoError(t, err)
			},
			want:     types.ReworkState{Approval: types.ApprovalApproved, Status: types.ReworkCancelled},
			failKept: types.BatchInProgress,
		},
		{
			name: "started rework is kept",
			setup: func(t *testing.T, f *fixture, created *engine.RemediationResult) {
				ctx := context.Background()
				approved, err := f.eng.ApproveRemediation(ctx, created.Rework.ID, "boss")
				require.NoError(t, err)
				_, err = f.eng.StartStep(ctx, key(approved.ChildOrderNo, "REWORK_SAND", 1), "sam")
				require.NoError(t, err)
			},
			want:     types.ReworkState{Approval: types.ApprovalApproved, Status: types.ReworkInProgress},
			failKept: types.BatchRework,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			created := inspectFail(t, f, sandRoadmap)
			tc.setup(t, f, created)

			steps, err := f.eng.ResetOrder(ctx, "T-1", "root")
			require.NoError(t, err)
			for _, st := range steps {
				assert.Equal(t, types.StepPending, st.Status)
			}

			r, err := f.eng.GetRemediation(ctx, created.Rework.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, r.State())
			fail, _ := f.store.GetBatch(ctx, created.FailBatchID)
			assert.Equal(t, tc.failKept, fail.Status)

			// 已结束的返工单不能再合并回父订单
			if r.Status == types.ReworkCancelled {
				_, err = f.eng.MergeRemediation(ctx, r.ID, "boss")
				assert.ErrorIs(t, err, types.ErrInvalidState)
			}
		})
	}
}

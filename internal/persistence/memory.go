package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"factory-routing/internal/types"
)

// MemoryStore 内存实现，语义与 GormStore 一致 (条件更新 + 返回是否命中)
// 用于测试和无数据库的演示模式
type MemoryStore struct {
	mu          sync.Mutex
	orders      map[string]*types.Order
	steps       map[string]*types.FlowStep
	assignments map[string]*types.Assignment
	sessions    map[string]*types.WorkSession
	batches     map[string]*types.Batch
	reworks     map[string]*types.ReworkOrder
	merges      map[string]*types.MergeRequest
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建一个空的内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:      make(map[string]*types.Order),
		steps:       make(map[string]*types.FlowStep),
		assignments: make(map[string]*types.Assignment),
		sessions:    make(map[string]*types.WorkSession),
		batches:     make(map[string]*types.Batch),
		reworks:     make(map[string]*types.ReworkOrder),
		merges:      make(map[string]*types.MergeRequest),
	}
}

func copyOrder(o *types.Order) *types.Order {
	c := *o
	if o.Attrs != nil {
		c.Attrs = make(map[string]string, len(o.Attrs))
		for k, v := range o.Attrs {
			c.Attrs[k] = v
		}
	}
	return &c
}

func copyRework(r *types.ReworkOrder) *types.ReworkOrder {
	c := *r
	c.Roadmap = append([]types.RoadmapEntry(nil), r.Roadmap...)
	return &c
}

func copyMerge(m *types.MergeRequest) *types.MergeRequest {
	c := *m
	c.SourceBatchIDs = append([]string(nil), m.SourceBatchIDs...)
	return &c
}

func timePtr(t time.Time) *time.Time { return &t }

// --- 订单 ---

func (s *MemoryStore) CreateOrder(_ context.Context, o *types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.OrderNo]; ok {
		return ErrDuplicate
	}
	now := time.Now()
	o.CreatedAt, o.UpdatedAt = now, now
	s.orders[o.OrderNo] = copyOrder(o)
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, orderNo string) (*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderNo]
	if !ok {
		return nil, types.NotFound("order %s not found", orderNo)
	}
	return copyOrder(o), nil
}

func (s *MemoryStore) DeleteOrder(_ context.Context, orderNo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[orderNo]; !ok {
		return types.NotFound("order %s not found", orderNo)
	}
	delete(s.orders, orderNo)
	for id, st := range s.steps {
		if st.OrderNo == orderNo {
			delete(s.steps, id)
		}
	}
	for id, a := range s.assignments {
		if a.OrderNo == orderNo {
			delete(s.assignments, id)
		}
	}
	for id, ws := range s.sessions {
		if ws.OrderNo == orderNo {
			delete(s.sessions, id)
		}
	}
	for id, b := range s.batches {
		if b.OrderNo == orderNo {
			delete(s.batches, id)
		}
	}
	for id, r := range s.reworks {
		if r.OrderNo == orderNo {
			delete(s.reworks, id)
		}
	}
	for id, m := range s.merges {
		if m.OrderNo == orderNo {
			delete(s.merges, id)
		}
	}
	return nil
}

func (s *MemoryStore) BumpFlowVersion(_ context.Context, orderNo string, expected int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderNo]
	if !ok || o.FlowVersion != expected {
		return false, nil
	}
	o.FlowVersion++
	o.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) MarkOrderStarted(_ context.Context, orderNo string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderNo]
	if !ok || o.StartedAt != nil {
		return false, nil
	}
	o.StartedAt = timePtr(at)
	if o.Status == types.OrderReleased {
		o.Status = types.OrderInProgress
	}
	return true, nil
}

func (s *MemoryStore) MarkOrderFinished(_ context.Context, orderNo string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderNo]
	if !ok || o.FinishedAt != nil {
		return false, nil
	}
	for _, st := range s.steps {
		if st.OrderNo == orderNo && st.Status != types.StepCompleted {
			return false, nil
		}
	}
	o.FinishedAt = timePtr(at)
	o.Status = types.OrderFinished
	return true, nil
}

func (s *MemoryStore) ResetOrder(_ context.Context, orderNo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderNo]
	if !ok {
		return types.NotFound("order %s not found", orderNo)
	}
	o.Status = types.OrderReleased
	o.StartedAt = nil
	o.FinishedAt = nil
	return nil
}

func (s *MemoryStore) SetPassQuantity(_ context.Context, orderNo string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderNo]
	if !ok {
		return types.NotFound("order %s not found", orderNo)
	}
	o.PassQuantity = &qty
	return nil
}

func (s *MemoryStore) AddPassQuantity(_ context.Context, orderNo string, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderNo]
	if !ok {
		return 0, types.NotFound("order %s not found", orderNo)
	}
	v := delta
	if o.PassQuantity != nil {
		v += *o.PassQuantity
	}
	o.PassQuantity = &v
	return v, nil
}

// --- 工序 ---

func (s *MemoryStore) CreateSteps(_ context.Context, steps []types.FlowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range steps {
		if _, ok := s.steps[st.ID]; ok {
			return ErrDuplicate
		}
		for _, existing := range s.steps {
			if existing.OrderNo == st.OrderNo && existing.StepOrder == st.StepOrder {
				return ErrDuplicate
			}
		}
	}
	now := time.Now()
	for i := range steps {
		steps[i].CreatedAt, steps[i].UpdatedAt = now, now
		c := steps[i]
		s.steps[c.ID] = &c
	}
	return nil
}

func (s *MemoryStore) ListSteps(_ context.Context, orderNo string) ([]types.FlowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.FlowStep
	for _, st := range s.steps {
		if st.OrderNo == orderNo {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

func (s *MemoryStore) GetStep(_ context.Context, key types.StepKey) (*types.FlowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.steps {
		if st.OrderNo == key.OrderNo && st.StationID == key.StationID && st.StepOrder == key.StepOrder {
			c := *st
			return &c, nil
		}
	}
	return nil, types.NotFound("step %s/%s/%d not found", key.OrderNo, key.StationID, key.StepOrder)
}

func (s *MemoryStore) GetStepByID(_ context.Context, id string) (*types.FlowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[id]
	if !ok {
		return nil, types.NotFound("step %s not found", id)
	}
	c := *st
	return &c, nil
}

func (s *MemoryStore) ListStepsByStation(_ context.Context, stationID types.StationID, status types.StepStatus) ([]types.FlowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.FlowStep
	for _, st := range s.steps {
		if st.StationID == stationID && st.Status == status {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderNo != out[j].OrderNo {
			return out[i].OrderNo < out[j].OrderNo
		}
		return out[i].StepOrder < out[j].StepOrder
	})
	return out, nil
}

func stepStatusIn(status types.StepStatus, from []types.StepStatus) bool {
	for _, f := range from {
		if f == status {
			return true
		}
	}
	return false
}

func (s *MemoryStore) TransitionStep(_ context.Context, id string, from []types.StepStatus, to types.StepStatus, patch StepPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionStepLocked(id, from, to, patch), nil
}

func (s *MemoryStore) AdvanceStep(_ context.Context, orderNo string, expectedVersion int64, id string, from []types.StepStatus, to types.StepStatus, patch StepPatch) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderNo]
	if !ok || o.FlowVersion != expectedVersion || o.FinishedAt != nil {
		return false, 0, nil
	}
	if st, ok := s.steps[id]; !ok || st.OrderNo != orderNo || !stepStatusIn(st.Status, from) {
		return false, 0, nil
	}
	var cleared int64
	if to == types.StepCurrent {
		cleared = s.clearCurrentLocked(orderNo, id)
	}
	s.transitionStepLocked(id, from, to, patch)
	o.FlowVersion++
	o.UpdatedAt = time.Now()
	return true, cleared, nil
}

func (s *MemoryStore) transitionStepLocked(id string, from []types.StepStatus, to types.StepStatus, patch StepPatch) bool {
	st, ok := s.steps[id]
	if !ok || !stepStatusIn(st.Status, from) {
		return false
	}
	st.Status = to
	if patch.ClearTimes {
		st.StartedAt, st.CompletedAt = nil, nil
	}
	if patch.StartedAt != nil {
		st.StartedAt = timePtr(*patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		st.CompletedAt = timePtr(*patch.CompletedAt)
	}
	if patch.ReworkOrderID != nil {
		v := *patch.ReworkOrderID
		st.ReworkOrderID = &v
	}
	st.UpdatedAt = time.Now()
	return true
}

func (s *MemoryStore) ClearCurrent(_ context.Context, orderNo, exceptID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearCurrentLocked(orderNo, exceptID), nil
}

func (s *MemoryStore) clearCurrentLocked(orderNo, exceptID string) int64 {
	var n int64
	for id, st := range s.steps {
		if st.OrderNo == orderNo && id != exceptID && st.Status == types.StepCurrent {
			st.Status = types.StepPending
			st.UpdatedAt = time.Now()
			n++
		}
	}
	return n
}

func (s *MemoryStore) ResetSteps(_ context.Context, orderNo string, from []types.StepStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, st := range s.steps {
		if st.OrderNo == orderNo && stepStatusIn(st.Status, from) {
			st.Status = types.StepPending
			st.StartedAt, st.CompletedAt = nil, nil
			st.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) RepointBatch(_ context.Context, sourceIDs []string, target string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := make(map[string]bool, len(sourceIDs))
	for _, id := range sourceIDs {
		src[id] = true
	}
	var n int64
	for _, st := range s.steps {
		if st.BatchID != nil && src[*st.BatchID] {
			t := target
			st.BatchID = &t
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteSteps(_ context.Context, orderNo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.steps {
		if st.OrderNo == orderNo {
			delete(s.steps, id)
		}
	}
	return nil
}

// --- 派工 ---

func (s *MemoryStore) CreateAssignment(_ context.Context, a *types.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assignments[a.ID]; ok {
		return ErrDuplicate
	}
	now := time.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	c := *a
	s.assignments[a.ID] = &c
	return nil
}

func (s *MemoryStore) GetAssignment(_ context.Context, id string) (*types.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok {
		return nil, types.NotFound("assignment %s not found", id)
	}
	c := *a
	return &c, nil
}

func (s *MemoryStore) ListAssignments(_ context.Context, key types.StepKey) ([]types.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Assignment
	for _, a := range s.assignments {
		if a.OrderNo == key.OrderNo && a.StationID == key.StationID && a.StepOrder == key.StepOrder &&
			a.Status == types.AssignmentActive {
			out = append(out, *a)
		}
	}
	// primary 在前，其次按创建时间
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type == types.AssignmentPrimary
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) CancelAssignment(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok || a.Status != types.AssignmentActive {
		return false, nil
	}
	a.Status = types.AssignmentCancelled
	a.UpdatedAt = time.Now()
	return true, nil
}

// --- 作业计时 ---

func (s *MemoryStore) OpenSession(_ context.Context, ws *types.WorkSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sessions {
		if existing.Open() && existing.OrderNo == ws.OrderNo && existing.StationID == ws.StationID &&
			existing.StepOrder == ws.StepOrder && existing.TechnicianID == ws.TechnicianID {
			return ErrDuplicate
		}
	}
	ws.CreatedAt = time.Now()
	c := *ws
	s.sessions[ws.ID] = &c
	return nil
}

func (s *MemoryStore) FindOpenSessions(_ context.Context, key types.StepKey) ([]types.WorkSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.WorkSession
	for _, ws := range s.sessions {
		if ws.Open() && ws.OrderNo == key.OrderNo && ws.StationID == key.StationID && ws.StepOrder == key.StepOrder {
			out = append(out, *ws)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, orderNo string) ([]types.WorkSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.WorkSession
	for _, ws := range s.sessions {
		if ws.OrderNo == orderNo {
			out = append(out, *ws)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) CloseSession(_ context.Context, id string, at time.Time, minutes float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.sessions[id]
	if !ok || !ws.Open() {
		return false, nil
	}
	ws.CompletedAt = timePtr(at)
	ws.DurationMinutes = &minutes
	return true, nil
}

// --- 批次 ---

func (s *MemoryStore) CreateBatch(_ context.Context, b *types.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[b.ID]; ok {
		return ErrDuplicate
	}
	now := time.Now()
	b.CreatedAt, b.UpdatedAt = now, now
	c := *b
	s.batches[b.ID] = &c
	return nil
}

func (s *MemoryStore) GetBatch(_ context.Context, id string) (*types.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, types.NotFound("batch %s not found", id)
	}
	c := *b
	return &c, nil
}

func (s *MemoryStore) ListBatches(_ context.Context, orderNo string) ([]types.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Batch
	for _, b := range s.batches {
		if b.OrderNo == orderNo {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *MemoryStore) TransitionBatch(_ context.Context, id string, from []types.BatchStatus, to types.BatchStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, f := range from {
		if b.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	b.Status = to
	b.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) SetBatchReworkOrder(_ context.Context, id, childOrderNo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return types.NotFound("batch %s not found", id)
	}
	b.ReworkOrderNo = &childOrderNo
	return nil
}

func (s *MemoryStore) ConsumeBatch(_ context.Context, id string, from []types.BatchStatus, mergedInto string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok || b.MergedInto != nil {
		return false, nil
	}
	matched := false
	for _, f := range from {
		if b.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	b.Status = types.BatchCompleted
	b.MergedInto = &mergedInto
	b.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) RestoreBatch(_ context.Context, id, mergedInto string, to types.BatchStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok || b.MergedInto == nil || *b.MergedInto != mergedInto {
		return false, nil
	}
	b.Status = to
	b.MergedInto = nil
	b.UpdatedAt = time.Now()
	return true, nil
}

// --- 返工单 ---

func (s *MemoryStore) CreateRework(_ context.Context, r *types.ReworkOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reworks[r.ID]; ok {
		return ErrDuplicate
	}
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	s.reworks[r.ID] = copyRework(r)
	return nil
}

func (s *MemoryStore) GetRework(_ context.Context, id string) (*types.ReworkOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reworks[id]
	if !ok {
		return nil, types.NotFound("rework order %s not found", id)
	}
	return copyRework(r), nil
}

func (s *MemoryStore) FindReworkByChild(_ context.Context, childOrderNo string) (*types.ReworkOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reworks {
		if r.ChildOrderNo != nil && *r.ChildOrderNo == childOrderNo {
			return copyRework(r), nil
		}
	}
	return nil, types.NotFound("no rework order for child %s", childOrderNo)
}

func (s *MemoryStore) FindReworkByBatch(_ context.Context, batchID string) (*types.ReworkOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *types.ReworkOrder
	for _, r := range s.reworks {
		if r.BatchID != batchID {
			continue
		}
		if found == nil || r.CreatedAt.After(found.CreatedAt) {
			found = r
		}
	}
	if found == nil {
		return nil, types.NotFound("no rework order for batch %s", batchID)
	}
	return copyRework(found), nil
}

func (s *MemoryStore) ReplaceRoadmap(_ context.Context, reworkID string, entries []types.RoadmapEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reworks[reworkID]
	if !ok {
		return types.NotFound("rework order %s not found", reworkID)
	}
	r.Roadmap = append([]types.RoadmapEntry(nil), entries...)
	r.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) TransitionRework(_ context.Context, id string, from []types.ReworkState, to types.ReworkState, patch ReworkPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reworks[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, f := range from {
		if r.State() == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	r.ApprovalStatus, r.Status = to.Approval, to.Status
	if patch.RootOrderNo != nil {
		r.RootOrderNo = patch.RootOrderNo
	}
	if patch.ChildOrderNo != nil {
		r.ChildOrderNo = patch.ChildOrderNo
	}
	if patch.DecidedBy != nil {
		r.DecidedBy = patch.DecidedBy
	}
	if patch.DecidedAt != nil {
		r.DecidedAt = patch.DecidedAt
	}
	if patch.RejectReason != nil {
		r.RejectReason = *patch.RejectReason
	}
	if patch.MergedQuantity != nil {
		r.MergedQuantity = patch.MergedQuantity
	}
	if patch.MergedAt != nil {
		r.MergedAt = patch.MergedAt
	}
	r.UpdatedAt = time.Now()
	return true, nil
}

// --- 合并申请 ---

func (s *MemoryStore) CreateMergeRequest(_ context.Context, m *types.MergeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.merges[m.ID]; ok {
		return ErrDuplicate
	}
	now := time.Now()
	m.CreatedAt, m.UpdatedAt = now, now
	s.merges[m.ID] = copyMerge(m)
	return nil
}

func (s *MemoryStore) GetMergeRequest(_ context.Context, id string) (*types.MergeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.merges[id]
	if !ok {
		return nil, types.NotFound("merge request %s not found", id)
	}
	return copyMerge(m), nil
}

func (s *MemoryStore) DecideMergeRequest(_ context.Context, id string, from, to types.MergeStatus, patch MergePatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.merges[id]
	if !ok || m.Status != from {
		return false, nil
	}
	m.Status = to
	m.DecidedBy = &patch.DecidedBy
	m.DecidedAt = timePtr(patch.DecidedAt)
	m.Reason = patch.Reason
	if patch.MergedBatchID != nil {
		m.MergedBatchID = patch.MergedBatchID
	}
	m.UpdatedAt = time.Now()
	return true, nil
}

package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"factory-routing/internal/types"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// GormStore 基于 PostgreSQL 的持久化实现
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// OpenPostgres 连接数据库
// TranslateError 开启后唯一约束冲突统一为 gorm.ErrDuplicatedKey
func OpenPostgres(dsn string, maxOpen, maxIdle int) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// NewGormStore 包装已打开的连接
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate 建表并创建未结束会话的部分唯一索引
func (s *GormStore) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(
		&types.Order{},
		&types.FlowStep{},
		&types.Assignment{},
		&types.WorkSession{},
		&types.Batch{},
		&types.ReworkOrder{},
		&types.RoadmapEntry{},
		&types.MergeRequest{},
	); err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}
	return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_session_open
		ON routing_work_sessions (order_no, station_id, step_order, technician_id)
		WHERE completed_at IS NULL`).Error
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.NotFound(format, args...)
	}
	return err
}

// --- 订单 ---

func (s *GormStore) CreateOrder(ctx context.Context, o *types.Order) error {
	return translate(s.db.WithContext(ctx).Create(o).Error)
}

func (s *GormStore) GetOrder(ctx context.Context, orderNo string) (*types.Order, error) {
	var o types.Order
	if err := s.db.WithContext(ctx).First(&o, "order_no = ?", orderNo).Error; err != nil {
		return nil, notFound(err, "order %s not found", orderNo)
	}
	return &o, nil
}

func (s *GormStore) DeleteOrder(ctx context.Context, orderNo string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var reworkIDs []string
		if err := tx.Model(&types.ReworkOrder{}).Where("order_no = ?", orderNo).Pluck("id", &reworkIDs).Error; err != nil {
			return err
		}
		if len(reworkIDs) > 0 {
			if err := tx.Where("rework_order_id IN ?", reworkIDs).Delete(&types.RoadmapEntry{}).Error; err != nil {
				return err
			}
		}
		for _, model := range []any{
			&types.ReworkOrder{},
			&types.MergeRequest{},
			&types.Batch{},
			&types.WorkSession{},
			&types.Assignment{},
			&types.FlowStep{},
		} {
			if err := tx.Where("order_no = ?", orderNo).Delete(model).Error; err != nil {
				return err
			}
		}
		res := tx.Where("order_no = ?", orderNo).Delete(&types.Order{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return types.NotFound("order %s not found", orderNo)
		}
		return nil
	})
}

func (s *GormStore) BumpFlowVersion(ctx context.Context, orderNo string, expected int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&types.Order{}).
		Where("order_no = ? AND flow_version = ?", orderNo, expected).
		Updates(map[string]any{"flow_version": gorm.Expr("flow_version + 1"), "updated_at": time.Now()})
	return res.RowsAffected == 1, res.Error
}

func (s *GormStore) MarkOrderStarted(ctx context.Context, orderNo string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&types.Order{}).
		Where("order_no = ? AND started_at IS NULL", orderNo).
		Updates(map[string]any{
			"started_at": at,
			"status": gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END",
				types.OrderReleased, types.OrderInProgress),
		})
	return res.RowsAffected == 1, res.Error
}

func (s *GormStore) MarkOrderFinished(ctx context.Context, orderNo string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&types.Order{}).
		Where("order_no = ? AND finished_at IS NULL", orderNo).
		Where("NOT EXISTS (?)", s.db.Model(&types.FlowStep{}).Select("1").
			Where("order_no = ? AND status <> ?", orderNo, types.StepCompleted)).
		Updates(map[string]any{"finished_at": at, "status": types.OrderFinished})
	return res.RowsAffected == 1, res.Error
}

func (s *GormStore) ResetOrder(ctx context.Context, orderNo string) error {
	res := s.db.WithContext(ctx).Model(&types.Order{}).
		Where("order_no = ?", orderNo).
		Updates(map[string]any{"status": types.OrderReleased, "started_at": nil, "finished_at": nil})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.NotFound("order %s not found", orderNo)
	}
	return nil
}

func (s *GormStore) SetPassQuantity(ctx context.Context, orderNo string, qty int) error {
	res := s.db.WithContext(ctx).Model(&types.Order{}).
		Where("order_no = ?", orderNo).
		Update("pass_quantity", qty)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.NotFound("order %s not found", orderNo)
	}
	return nil
}

func (s *GormStore) AddPassQuantity(ctx context.Context, orderNo string, delta int) (int, error) {
	var o types.Order
	res := s.db.WithContext(ctx).Model(&o).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "pass_quantity"}}}).
		Where("order_no = ?", orderNo).
		Update("pass_quantity", gorm.Expr("COALESCE(pass_quantity, 0) + ?", delta))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, types.NotFound("order %s not found", orderNo)
	}
	if o.PassQuantity == nil {
		return 0, nil
	}
	return *o.PassQuantity, nil
}

// --- 工序 ---

func (s *GormStore) CreateSteps(ctx context.Context, steps []types.FlowStep) error {
	if len(steps) == 0 {
		return nil
	}
	return translate(s.db.WithContext(ctx).Create(&steps).Error)
}

func (s *GormStore) ListSteps(ctx context.Context, orderNo string) ([]types.FlowStep, error) {
	var steps []types.FlowStep
	err := s.db.WithContext(ctx).Where("order_no = ?", orderNo).Order("step_order").Find(&steps).Error
	return steps, err
}

func (s *GormStore) GetStep(ctx context.Context, key types.StepKey) (*types.FlowStep, error) {
	var st types.FlowStep
	err := s.db.WithContext(ctx).
		Where("order_no = ? AND station_id = ? AND step_order = ?", key.OrderNo, key.StationID, key.StepOrder).
		First(&st).Error
	if err != nil {
		return nil, notFound(err, "step %s/%s/%d not found", key.OrderNo, key.StationID, key.StepOrder)
	}
	return &st, nil
}

func (s *GormStore) GetStepByID(ctx context.Context, id string) (*types.FlowStep, error) {
	var st types.FlowStep
	if err := s.db.WithContext(ctx).First(&st, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "step %s not found", id)
	}
	return &st, nil
}

func (s *GormStore) ListStepsByStation(ctx context.Context, stationID types.StationID, status types.StepStatus) ([]types.FlowStep, error) {
	var steps []types.FlowStep
	err := s.db.WithContext(ctx).
		Where("station_id = ? AND status = ?", stationID, status).
		Order("order_no, step_order").
		Find(&steps).Error
	return steps, err
}

func stepUpdates(to types.StepStatus, patch StepPatch) map[string]any {
	updates := map[string]any{"status": to, "updated_at": time.Now()}
	if patch.ClearTimes {
		updates["started_at"] = nil
		updates["completed_at"] = nil
	}
	if patch.StartedAt != nil {
		updates["started_at"] = *patch.StartedAt
	}
	if patch.CompletedAt != nil {
		updates["completed_at"] = *patch.CompletedAt
	}
	if patch.ReworkOrderID != nil {
		updates["rework_order_id"] = *patch.ReworkOrderID
	}
	return updates
}

func (s *GormStore) TransitionStep(ctx context.Context, id string, from []types.StepStatus, to types.StepStatus, patch StepPatch) (bool, error) {
	res := s.db.WithContext(ctx).Model(&types.FlowStep{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(stepUpdates(to, patch))
	return res.RowsAffected == 1, res.Error
}

// errLostRace 事务内条件更新未命中，用于触发回滚
var errLostRace = errors.New("conditional update lost")

// AdvanceStep 先更新订单行 (行锁串行化同一订单的并发推进)，再更新工序
func (s *GormStore) AdvanceStep(ctx context.Context, orderNo string, expectedVersion int64, id string, from []types.StepStatus, to types.StepStatus, patch StepPatch) (bool, int64, error) {
	var cleared int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&types.Order{}).
			Where("order_no = ? AND flow_version = ? AND finished_at IS NULL", orderNo, expectedVersion).
			Updates(map[string]any{"flow_version": gorm.Expr("flow_version + 1"), "updated_at": time.Now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return errLostRace
		}
		if to == types.StepCurrent {
			res = tx.Model(&types.FlowStep{}).
				Where("order_no = ? AND id <> ? AND status = ?", orderNo, id, types.StepCurrent).
				Updates(map[string]any{"status": types.StepPending, "updated_at": time.Now()})
			if res.Error != nil {
				return res.Error
			}
			cleared = res.RowsAffected
		}
		res = tx.Model(&types.FlowStep{}).
			Where("id = ? AND order_no = ? AND status IN ?", id, orderNo, from).
			Updates(stepUpdates(to, patch))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return errLostRace
		}
		return nil
	})
	if errors.Is(err, errLostRace) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return true, cleared, nil
}

func (s *GormStore) ClearCurrent(ctx context.Context, orderNo, exceptID string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&types.FlowStep{}).
		Where("order_no = ? AND id <> ? AND status = ?", orderNo, exceptID, types.StepCurrent).
		Updates(map[string]any{"status": types.StepPending, "updated_at": time.Now()})
	return res.RowsAffected, res.Error
}

func (s *GormStore) ResetSteps(ctx context.Context, orderNo string, from []types.StepStatus) (int64, error) {
	res := s.db.WithContext(ctx).Model(&types.FlowStep{}).
		Where("order_no = ? AND status IN ?", orderNo, from).
		Updates(map[string]any{
			"status":       types.StepPending,
			"started_at":   nil,
			"completed_at": nil,
			"updated_at":   time.Now(),
		})
	return res.RowsAffected, res.Error
}

func (s *GormStore) RepointBatch(ctx context.Context, sourceIDs []string, target string) (int64, error) {
	if len(sourceIDs) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Model(&types.FlowStep{}).
		Where("batch_id IN ?", sourceIDs).
		Update("batch_id", target)
	return res.RowsAffected, res.Error
}

func (s *GormStore) DeleteSteps(ctx context.Context, orderNo string) error {
	return s.db.WithContext(ctx).Where("order_no = ?", orderNo).Delete(&types.FlowStep{}).Error
}

// --- 派工 ---

func (s *GormStore) CreateAssignment(ctx context.Context, a *types.Assignment) error {
	return translate(s.db.WithContext(ctx).Create(a).Error)
}

func (s *GormStore) GetAssignment(ctx context.Context, id string) (*types.Assignment, error) {
	var a types.Assignment
	if err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "assignment %s not found", id)
	}
	return &a, nil
}

func (s *GormStore) ListAssignments(ctx context.Context, key types.StepKey) ([]types.Assignment, error) {
	var out []types.Assignment
	err := s.db.WithContext(ctx).
		Where("order_no = ? AND station_id = ? AND step_order = ? AND status = ?",
			key.OrderNo, key.StationID, key.StepOrder, types.AssignmentActive).
		Order("CASE WHEN type = 'primary' THEN 0 ELSE 1 END, created_at").
		Find(&out).Error
	return out, err
}

func (s *GormStore) CancelAssignment(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&types.Assignment{}).
		Where("id = ? AND status = ?", id, types.AssignmentActive).
		Updates(map[string]any{"status": types.AssignmentCancelled, "updated_at": time.Now()})
	return res.RowsAffected == 1, res.Error
}

// --- 作业计时 ---

// OpenSession 依赖 idx_session_open 部分唯一索引拦截并发重复开工
func (s *GormStore) OpenSession(ctx context.Context, ws *types.WorkSession) error {
	return translate(s.db.WithContext(ctx).Create(ws).Error)
}

func (s *GormStore) FindOpenSessions(ctx context.Context, key types.StepKey) ([]types.WorkSession, error) {
	var out []types.WorkSession
	err := s.db.WithContext(ctx).
		Where("order_no = ? AND station_id = ? AND step_order = ? AND completed_at IS NULL",
			key.OrderNo, key.StationID, key.StepOrder).
		Order("started_at").
		Find(&out).Error
	return out, err
}

func (s *GormStore) ListSessions(ctx context.Context, orderNo string) ([]types.WorkSession, error) {
	var out []types.WorkSession
	err := s.db.WithContext(ctx).Where("order_no = ?", orderNo).Order("started_at").Find(&out).Error
	return out, err
}

func (s *GormStore) CloseSession(ctx context.Context, id string, at time.Time, minutes float64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&types.WorkSession{}).
		Where("id = ? AND completed_at IS NULL", id).
		Updates(map[string]any{"completed_at": at, "duration_minutes": minutes})
	return res.RowsAffected == 1, res.Error
}

// --- 批次 ---

func (s *GormStore) CreateBatch(ctx context.Context, b *types.Batch) error {
	return translate(s.db.WithContext(ctx).Create(b).Error)
}

func (s *GormStore) GetBatch(ctx context.Context, id string) (*types.Batch, error) {
	var b types.Batch
	if err := s.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "batch %s not found", id)
	}
	return &b, nil
}

func (s *GormStore) ListBatches(ctx context.Context, orderNo string) ([]types.Batch, error) {
	var out []types.Batch
	err := s.db.WithContext(ctx).Where("order_no = ?", orderNo).Order("created_at, name").Find(&out).Error
	return out, err
}

func (s *GormStore) TransitionBatch(ctx context.Context, id string, from []types.BatchStatus, to types.BatchStatus) (bool, error) {
	res := s.db.WithContext(ctx).Model(&types.Batch{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now()})
	return res.RowsAffected == 1, res.Error
}

func (s *GormStore) SetBatchReworkOrder(ctx context.Context, id, childOrderNo string) error {
	res := s.db.WithContext(ctx).Model(&types.Batch{}).Where("id = ?", id).Update("rework_order_no", childOrderNo)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.NotFound("batch %s not found", id)
	}
	return nil
}

func (s *GormStore) ConsumeBatch(ctx context.Context, id string, from []types.BatchStatus, mergedInto string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&types.Batch{}).
		Where("id = ? AND status IN ? AND merged_into IS NULL", id, from).
		Updates(map[string]any{"status": types.BatchCompleted, "merged_into": mergedInto, "updated_at": time.Now()})
	return res.RowsAffected == 1, res.Error
}

func (s *GormStore) RestoreBatch(ctx context.Context, id, mergedInto string, to types.BatchStatus) (bool, error) {
	res := s.db.WithContext(ctx).Model(&types.Batch{}).
		Where("id = ? AND merged_into = ?", id, mergedInto).
		Updates(map[string]any{"status": to, "merged_into": nil, "updated_at": time.Now()})
	return res.RowsAffected == 1, res.Error
}

// --- 返工单 ---

func (s *GormStore) CreateRework(ctx context.Context, r *types.ReworkOrder) error {
	// 关联的 Roadmap 由 gorm 在同一事务内一并写入
	return translate(s.db.WithContext(ctx).Create(r).Error)
}

func (s *GormStore) GetRework(ctx context.Context, id string) (*types.ReworkOrder, error) {
	var r types.ReworkOrder
	err := s.db.WithContext(ctx).
		Preload("Roadmap", func(db *gorm.DB) *gorm.DB { return db.Order("seq") }).
		First(&r, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, "rework order %s not found", id)
	}
	return &r, nil
}

func (s *GormStore) FindReworkByChild(ctx context.Context, childOrderNo string) (*types.ReworkOrder, error) {
	var r types.ReworkOrder
	err := s.db.WithContext(ctx).
		Preload("Roadmap", func(db *gorm.DB) *gorm.DB { return db.Order("seq") }).
		First(&r, "child_order_no = ?", childOrderNo).Error
	if err != nil {
		return nil, notFound(err, "no rework order for child %s", childOrderNo)
	}
	return &r, nil
}

func (s *GormStore) FindReworkByBatch(ctx context.Context, batchID string) (*types.ReworkOrder, error) {
	var r types.ReworkOrder
	err := s.db.WithContext(ctx).
		Preload("Roadmap", func(db *gorm.DB) *gorm.DB { return db.Order("seq") }).
		Where("batch_id = ?", batchID).
		Order("created_at DESC").
		First(&r).Error
	if err != nil {
		return nil, notFound(err, "no rework order for batch %s", batchID)
	}
	return &r, nil
}

func (s *GormStore) ReplaceRoadmap(ctx context.Context, reworkID string, entries []types.RoadmapEntry) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&types.ReworkOrder{}).Where("id = ?", reworkID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return types.NotFound("rework order %s not found", reworkID)
		}
		if err := tx.Where("rework_order_id = ?", reworkID).Delete(&types.RoadmapEntry{}).Error; err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		return tx.Create(&entries).Error
	})
}

func (s *GormStore) TransitionRework(ctx context.Context, id string, from []types.ReworkState, to types.ReworkState, patch ReworkPatch) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	cond := s.db.Where("approval_status = ? AND status = ?", from[0].Approval, from[0].Status)
	for _, f := range from[1:] {
		cond = cond.Or("approval_status = ? AND status = ?", f.Approval, f.Status)
	}

	updates := map[string]any{
		"approval_status": to.Approval,
		"status":          to.Status,
		"updated_at":      time.Now(),
	}
	if patch.RootOrderNo != nil {
		updates["root_order_no"] = *patch.RootOrderNo
	}
	if patch.ChildOrderNo != nil {
		updates["child_order_no"] = *patch.ChildOrderNo
	}
	if patch.DecidedBy != nil {
		updates["decided_by"] = *patch.DecidedBy
	}
	if patch.DecidedAt != nil {
		updates["decided_at"] = *patch.DecidedAt
	}
	if patch.RejectReason != nil {
		updates["reject_reason"] = *patch.RejectReason
	}
	if patch.MergedQuantity != nil {
		updates["merged_quantity"] = *patch.MergedQuantity
	}
	if patch.MergedAt != nil {
		updates["merged_at"] = *patch.MergedAt
	}

	res := s.db.WithContext(ctx).Model(&types.ReworkOrder{}).
		Where("id = ?", id).
		Where(cond).
		Updates(updates)
	return res.RowsAffected == 1, res.Error
}

// --- 合并申请 ---

func (s *GormStore) CreateMergeRequest(ctx context.Context, m *types.MergeRequest) error {
	return translate(s.db.WithContext(ctx).Create(m).Error)
}

func (s *GormStore) GetMergeRequest(ctx context.Context, id string) (*types.MergeRequest, error) {
	var m types.MergeRequest
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "merge request %s not found", id)
	}
	return &m, nil
}

func (s *GormStore) DecideMergeRequest(ctx context.Context, id string, from, to types.MergeStatus, patch MergePatch) (bool, error) {
	updates := map[string]any{
		"status":     to,
		"decided_by": patch.DecidedBy,
		"decided_at": patch.DecidedAt,
		"reason":     patch.Reason,
		"updated_at": time.Now(),
	}
	if patch.MergedBatchID != nil {
		updates["merged_batch_id"] = *patch.MergedBatchID
	}
	res := s.db.WithContext(ctx).Model(&types.MergeRequest{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	return res.RowsAffected == 1, res.Error
}

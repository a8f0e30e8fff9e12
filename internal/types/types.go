package types

import "time"

// StationID 定义工站 ID
// 使用字符串类型，方便在日志和配置中直接使用
type StationID string

// OrderStatus 订单生命周期状态
type OrderStatus string

const (
	OrderReleased   OrderStatus = "Released"    // 已下达，尚未开工
	OrderInProgress OrderStatus = "In Progress" // 生产中
	OrderFinished   OrderStatus = "Finished"    // 全部工序完成
)

// StepStatus 工序状态，由 fsm.StepLifecycle 约束流转
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCurrent   StepStatus = "current"
	StepCompleted StepStatus = "completed"
	StepRework    StepStatus = "rework"
	StepRejected  StepStatus = "rejected"
)

// BatchStatus 批次状态
type BatchStatus string

const (
	BatchInProgress BatchStatus = "in_progress"
	BatchRework     BatchStatus = "rework"
	BatchCompleted  BatchStatus = "completed"
)

// BatchKind 批次来源
type BatchKind string

const (
	BatchPass   BatchKind = "pass"
	BatchFail   BatchKind = "fail"
	BatchMerged BatchKind = "merged"
)

// Severity 不良严重程度
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

// Valid 判断严重程度是否合法
func (s Severity) Valid() bool {
	switch s {
	case SeverityMinor, SeverityMajor, SeverityCritical:
		return true
	}
	return false
}

// ApprovalStatus 返工单审批状态
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ReworkStatus 返工单执行状态
type ReworkStatus string

const (
	ReworkPending    ReworkStatus = "pending"
	ReworkInProgress ReworkStatus = "in_progress"
	ReworkMerged     ReworkStatus = "merged"
	ReworkCancelled  ReworkStatus = "cancelled"
)

// MergeStatus 批次合并申请状态
type MergeStatus string

const (
	MergePending  MergeStatus = "pending"
	MergeApproved MergeStatus = "approved"
	MergeRejected MergeStatus = "rejected"
)

// AssignmentType 派工类型
type AssignmentType string

const (
	AssignmentPrimary AssignmentType = "primary"
	AssignmentBackup  AssignmentType = "backup"
)

// AssignmentStatus 派工状态
type AssignmentStatus string

const (
	AssignmentActive    AssignmentStatus = "active"
	AssignmentCancelled AssignmentStatus = "cancelled"
)

// Order 表示一张生产订单 (门/门框)
type Order struct {
	OrderNo       string            `json:"order_no" gorm:"primaryKey;size:64"`
	ProductType   string            `json:"product_type" gorm:"size:64"`
	Description   string            `json:"description" gorm:"size:500"`
	Customer      string            `json:"customer" gorm:"size:200"`
	DueDate       *time.Time        `json:"due_date,omitempty"`
	Quantity      int               `json:"quantity"`
	PassQuantity  *int              `json:"pass_quantity,omitempty"` // 合格数量，质检后才开始统计
	Priority      int               `json:"priority"`
	Status        OrderStatus       `json:"status" gorm:"size:20;index"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
	ParentOrderNo *string           `json:"parent_order_no,omitempty" gorm:"size:64;index"` // 返工子订单指向父订单
	FlowVersion   int64             `json:"flow_version" gorm:"not null;default:0"`         // 乐观锁版本号
	Attrs         map[string]string `json:"attrs,omitempty" gorm:"serializer:json"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func (Order) TableName() string { return "routing_orders" }

// IsRework 是否为返工子订单
func (o *Order) IsRework() bool {
	return o.ParentOrderNo != nil && *o.ParentOrderNo != ""
}

// StepKey 唯一定位订单中的一道工序
type StepKey struct {
	OrderNo   string    `json:"order_no"`
	StationID StationID `json:"station_id"`
	StepOrder int       `json:"step_order"`
}

// FlowStep 订单工艺路线中的一道工序
type FlowStep struct {
	ID              string     `json:"id" gorm:"primaryKey;size:36"`
	OrderNo         string     `json:"order_no" gorm:"size:64;uniqueIndex:idx_step_order"`
	StationID       StationID  `json:"station_id" gorm:"size:64;index"`
	StepOrder       int        `json:"step_order" gorm:"uniqueIndex:idx_step_order"`
	Status          StepStatus `json:"status" gorm:"size:20;index"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	BatchID         *string    `json:"batch_id,omitempty" gorm:"size:36;index"`
	ReworkOrderID   *string    `json:"rework_order_id,omitempty" gorm:"size:36;index"`
	IsReworkPath    bool       `json:"is_rework_path"`  // 属于返工路线
	IsReworkOrder   bool       `json:"is_rework_order"` // 属于返工子订单
	EstimateMinutes *float64   `json:"estimate_minutes,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (FlowStep) TableName() string { return "routing_flow_steps" }

// Key 返回工序定位键
func (s *FlowStep) Key() StepKey {
	return StepKey{OrderNo: s.OrderNo, StationID: s.StationID, StepOrder: s.StepOrder}
}

// Assignment 技术员派工记录，是权限判断的依据
type Assignment struct {
	ID           string           `json:"id" gorm:"primaryKey;size:36"`
	OrderNo      string           `json:"order_no" gorm:"size:64;index:idx_assignment_step"`
	StationID    StationID        `json:"station_id" gorm:"size:64;index:idx_assignment_step"`
	StepOrder    int              `json:"step_order" gorm:"index:idx_assignment_step"`
	TechnicianID string           `json:"technician_id" gorm:"size:64;index"`
	Type         AssignmentType   `json:"type" gorm:"size:20"`
	Status       AssignmentStatus `json:"status" gorm:"size:20"`
	AssignedBy   string           `json:"assigned_by" gorm:"size:64"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

func (Assignment) TableName() string { return "routing_assignments" }

// WorkSession 技术员在某道工序上的实际作业计时
type WorkSession struct {
	ID              string     `json:"id" gorm:"primaryKey;size:36"`
	OrderNo         string     `json:"order_no" gorm:"size:64;index:idx_session_step"`
	StationID       StationID  `json:"station_id" gorm:"size:64;index:idx_session_step"`
	StepOrder       int        `json:"step_order" gorm:"index:idx_session_step"`
	TechnicianID    string     `json:"technician_id" gorm:"size:64;index:idx_session_step"`
	StartedBy       string     `json:"started_by" gorm:"size:64"` // 实际操作人，代操作时与技术员不同
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationMinutes *float64   `json:"duration_minutes,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func (WorkSession) TableName() string { return "routing_work_sessions" }

// Open 会话是否仍在计时
func (w *WorkSession) Open() bool { return w.CompletedAt == nil }

// Batch 订单数量拆分后的子批次
type Batch struct {
	ID            string      `json:"id" gorm:"primaryKey;size:36"`
	OrderNo       string      `json:"order_no" gorm:"size:64;index"`
	Name          string      `json:"name" gorm:"size:128"`
	Kind          BatchKind   `json:"kind" gorm:"size:20"`
	Quantity      int         `json:"quantity"`
	Status        BatchStatus `json:"status" gorm:"size:20"`
	StationID     *StationID  `json:"station_id,omitempty" gorm:"size:64"`
	InspectionRef *string     `json:"inspection_ref,omitempty" gorm:"size:64"`
	ReworkOrderNo *string     `json:"rework_order_no,omitempty" gorm:"size:64"`   // 返工子订单号
	MergedInto    *string     `json:"merged_into,omitempty" gorm:"size:36;index"` // 已被合并消耗时指向合并批次
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

func (Batch) TableName() string { return "routing_batches" }

// RoadmapEntry 返工路线中的一站
type RoadmapEntry struct {
	ID              string    `json:"id" gorm:"primaryKey;size:36"`
	ReworkOrderID   string    `json:"rework_order_id" gorm:"size:36;index"`
	Seq             int       `json:"seq"`
	StationID       StationID `json:"station_id" gorm:"size:64"`
	TechnicianID    *string   `json:"technician_id,omitempty" gorm:"size:64"`
	EstimateMinutes *float64  `json:"estimate_minutes,omitempty"`
}

func (RoadmapEntry) TableName() string { return "routing_rework_roadmap" }

// ReworkOrder 返工单：质检不合格批次的处理流程
type ReworkOrder struct {
	ID              string         `json:"id" gorm:"primaryKey;size:36"`
	OrderNo         string         `json:"order_no" gorm:"size:64;index"`
	BatchID         string         `json:"batch_id" gorm:"size:36;index"`
	InspectionRef   string         `json:"inspection_ref" gorm:"size:64"`
	Quantity        int            `json:"quantity"`
	Severity        Severity       `json:"severity" gorm:"size:20"`
	FailedStepID    *string        `json:"failed_step_id,omitempty" gorm:"size:36"`
	FailedStationID *StationID     `json:"failed_station_id,omitempty" gorm:"size:64"`
	Reason          string         `json:"reason" gorm:"size:500"`
	Notes           string         `json:"notes" gorm:"size:1000"`
	ApprovalStatus  ApprovalStatus `json:"approval_status" gorm:"size:20;index"`
	Status          ReworkStatus   `json:"status" gorm:"size:20;index"`
	RootOrderNo     *string        `json:"root_order_no,omitempty" gorm:"size:64"`
	ChildOrderNo    *string        `json:"child_order_no,omitempty" gorm:"size:64;index"`
	RequestedBy     string         `json:"requested_by" gorm:"size:64"`
	DecidedBy       *string        `json:"decided_by,omitempty" gorm:"size:64"`
	DecidedAt       *time.Time     `json:"decided_at,omitempty"`
	RejectReason    string         `json:"reject_reason,omitempty" gorm:"size:500"`
	MergedQuantity  *int           `json:"merged_quantity,omitempty"`
	MergedAt        *time.Time     `json:"merged_at,omitempty"`
	Roadmap         []RoadmapEntry `json:"roadmap" gorm:"foreignKey:ReworkOrderID"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func (ReworkOrder) TableName() string { return "routing_rework_orders" }

// ReworkState 审批状态与执行状态的组合，用作条件更新的前置条件
type ReworkState struct {
	Approval ApprovalStatus
	Status   ReworkStatus
}

// State 返回当前组合状态
func (r *ReworkOrder) State() ReworkState {
	return ReworkState{Approval: r.ApprovalStatus, Status: r.Status}
}

// MergeRequest 批次合并申请，需管理员审批
type MergeRequest struct {
	ID              string      `json:"id" gorm:"primaryKey;size:36"`
	OrderNo         string      `json:"order_no" gorm:"size:64;index"`
	SourceBatchIDs  []string    `json:"source_batch_ids" gorm:"serializer:json"`
	TargetStationID StationID   `json:"target_station_id" gorm:"size:64"`
	Status          MergeStatus `json:"status" gorm:"size:20"`
	RequestedBy     string      `json:"requested_by" gorm:"size:64"`
	DecidedBy       *string     `json:"decided_by,omitempty" gorm:"size:64"`
	DecidedAt       *time.Time  `json:"decided_at,omitempty"`
	Reason          string      `json:"reason,omitempty" gorm:"size:500"`
	MergedBatchID   *string     `json:"merged_batch_id,omitempty" gorm:"size:36"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

func (MergeRequest) TableName() string { return "routing_merge_requests" }

// RouteStep 工艺路线模板中的一站
// Rule 为可选的 expr 表达式，结果为 false 时跳过该工站
type RouteStep struct {
	StationID       StationID `mapstructure:"station" json:"station" yaml:"station"`
	Rule            string    `mapstructure:"rule" json:"rule,omitempty" yaml:"rule,omitempty"`
	EstimateMinutes float64   `mapstructure:"estimate_minutes" json:"estimate_minutes,omitempty" yaml:"estimate_minutes,omitempty"`
}

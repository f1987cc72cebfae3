package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type ApprovalFlowPo struct {
	ID           int64               `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name         string              `gorm:"column:name" json:"name"`
	Description  string              `gorm:"column:description" json:"description"`
	DepartmentID *int64              `gorm:"column:department_id" json:"department_id"`
	CategoryID   *int64              `gorm:"column:category_id" json:"category_id"`
	MinAmount    decimal.NullDecimal `gorm:"column:min_amount;type:decimal(20,4)" json:"min_amount"`
	MaxAmount    decimal.NullDecimal `gorm:"column:max_amount;type:decimal(20,4)" json:"max_amount"`
	Currency     string              `gorm:"column:currency" json:"currency"`
	Priority     int64               `gorm:"column:priority" json:"priority"` // 越小越优先
	IsActive     bool                `gorm:"column:is_active" json:"is_active"`
	CreatedByID  int64               `gorm:"column:created_by_id" json:"created_by_id"`
	CreatedAt    int64               `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    int64               `gorm:"column:updated_at" json:"updated_at"`
}

func (ApprovalFlowPo) TableName() string {
	return "approval_flow"
}

type ApprovalFlowStepPo struct {
	ID                    int64           `gorm:"column:id;primaryKey;autoIncrement"`
	ApprovalFlowID        int64           `gorm:"column:approval_flow_id;index"`
	StepOrder             int64           `gorm:"column:step_order"`
	Name                  string          `gorm:"column:name"`
	Description           string          `gorm:"column:description"`
	Kind                  StepKind        `gorm:"column:kind"`
	ApproverUserID        *int64          `gorm:"column:approver_user_id"`
	ApproverRoleID        *int64          `gorm:"column:approver_role_id"`
	ApproverDepartmentID  *int64          `gorm:"column:approver_department_id"`
	RequiredApprovalCount int64           `gorm:"column:required_approval_count"`
	RejectionTolerance    int64           `gorm:"column:rejection_tolerance"`
	TimeoutHours          int64           `gorm:"column:timeout_hours"` // <=0 使用默认72小时
	TimeoutPolicy         TimeoutPolicy   `gorm:"column:timeout_policy"`
	AutomatedAction       AutomatedAction `gorm:"column:automated_action"`
	RejectPolicy          RejectPolicy    `gorm:"column:reject_policy"`
	ReturnToStepOrder     *int64          `gorm:"column:return_to_step_order"`
	IsActive              bool            `gorm:"column:is_active"`
	CreatedAt             int64           `gorm:"column:created_at"`
	UpdatedAt             int64           `gorm:"column:updated_at"`
}

func (ApprovalFlowStepPo) TableName() string {
	return "approval_flow_step"
}

// PurchaseRequestPo 采购申请, 申请的编辑由外部负责, 这里只维护审批相关字段
type PurchaseRequestPo struct {
	ID                    int64           `gorm:"column:id;primaryKey;autoIncrement"`
	RequestNumber         string          `gorm:"column:request_number"`
	Title                 string          `gorm:"column:title"`
	RequestedByID         int64           `gorm:"column:requested_by_id"`
	DepartmentID          *int64          `gorm:"column:department_id"`
	CategoryID            *int64          `gorm:"column:category_id"`
	TotalAmount           decimal.Decimal `gorm:"column:total_amount;type:decimal(20,4)"`
	Currency              string          `gorm:"column:currency"`
	Status                RequestStatus   `gorm:"column:status"`
	ApprovalFlowID        *int64          `gorm:"column:approval_flow_id"`
	CurrentApprovalStepID *int64          `gorm:"column:current_approval_step_id"`
	SubmittedAt           *int64          `gorm:"column:submitted_at"`
	CompletedAt           *int64          `gorm:"column:completed_at"`
	RejectionReason       string          `gorm:"column:rejection_reason"`
	UpdatedByID           int64           `gorm:"column:updated_by_id"`
	Version               int64           `gorm:"column:version"` // 乐观锁
	CreatedAt             int64           `gorm:"column:created_at"`
	UpdatedAt             int64           `gorm:"column:updated_at"`
}

func (PurchaseRequestPo) TableName() string {
	return "purchase_request"
}

type ApprovalRecordPo struct {
	ID                 int64        `gorm:"column:id;primaryKey;autoIncrement"`
	PurchaseRequestID  int64        `gorm:"column:purchase_request_id;index"`
	ApprovalFlowStepID int64        `gorm:"column:approval_flow_step_id"`
	ApproverID         *int64       `gorm:"column:approver_id;index"` // 自动审批为空
	Status             RecordStatus `gorm:"column:status"`
	ApprovalOrder      int64        `gorm:"column:approval_order"` // 轮次, 退回重审时+1
	DueAt              *int64       `gorm:"column:due_at"`
	ActionAt           *int64       `gorm:"column:action_at"`
	Comments           string       `gorm:"column:comments"`
	IsAutomaticAction  bool         `gorm:"column:is_automatic_action"`
	DelegatedFromID    *int64       `gorm:"column:delegated_from_id"`
	ReminderCount      int64        `gorm:"column:reminder_count"`
	LastReminderAt     *int64       `gorm:"column:last_reminder_at"`
	ActionDetail       []byte       `gorm:"column:action_detail"`
	CreatedByID        int64        `gorm:"column:created_by_id"`
	CreatedAt          int64        `gorm:"column:created_at"`
	UpdatedAt          int64        `gorm:"column:updated_at"`
}

func (ApprovalRecordPo) TableName() string {
	return "purchase_request_approval"
}

// AutoMigrate 建表, 测试和示例使用, 线上建议走迁移脚本
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&ApprovalFlowPo{},
		&ApprovalFlowStepPo{},
		&PurchaseRequestPo{},
		&ApprovalRecordPo{},
		&DirectoryUserPo{},
		&DirectoryUserRolePo{},
	)
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

type QueryFlowParams struct {
	FlowID             *int64 `json:"flow_id"`
	IsActive           *bool  `json:"is_active"`
	OrderbyPriorityAsc *bool  `json:"orderby_priority_asc"`
	Page               *Pager `json:"page" validate:"required"`
}

type UpdateFlowParams struct {
	Where  *UpdateFlowWhere `json:"where" validate:"required"`
	Fields *UpdateFlowField `json:"field" validate:"required"`
}

type UpdateFlowWhere struct {
	IDIn []int64 `json:"id_in" validate:"required,min=1"`
}

type UpdateFlowField struct {
	IsActive *bool   `json:"is_active"`
	Name     *string `json:"name"`
	Priority *int64  `json:"priority"`
}

type QueryFlowStepParams struct {
	StepID   *int64  `json:"step_id"`
	FlowID   *int64  `json:"flow_id"`
	IDIn     []int64 `json:"id_in"`
	IsActive *bool   `json:"is_active"`
	Page     *Pager  `json:"page" validate:"required"`
}

type UpdateFlowStepParams struct {
	Where  *UpdateFlowStepWhere `json:"where" validate:"required"`
	Fields *UpdateFlowStepField `json:"field" validate:"required"`
}

type UpdateFlowStepWhere struct {
	IDIn []int64 `json:"id_in" validate:"required,min=1"`
}

type UpdateFlowStepField struct {
	IsActive *bool `json:"is_active"`
}

type QueryPurchaseRequestParams struct {
	RequestID      *int64   `json:"request_id"`
	IDIn           []int64  `json:"id_in"`
	StatusIn       []string `json:"status_in"`
	ApprovalFlowID *int64   `json:"approval_flow_id"`
	Page           *Pager   `json:"page" validate:"required"`
}

type UpdatePurchaseRequestParams struct {
	Where  *UpdatePurchaseRequestWhere `json:"where" validate:"required"`
	Fields *UpdatePurchaseRequestField `json:"field" validate:"required"`
}

type UpdatePurchaseRequestWhere struct {
	ID      int64 `json:"id" validate:"gt=0"`
	Version int64 `json:"version"`
}

type UpdatePurchaseRequestField struct {
	Status                *string `json:"status"`
	ApprovalFlowID        *int64  `json:"approval_flow_id"`
	CurrentApprovalStepID *int64  `json:"current_approval_step_id"`
	ClearCurrentStep      bool    `json:"clear_current_step"` // true 时 current_approval_step_id 置空
	SubmittedAt           *int64  `json:"submitted_at"`
	CompletedAt           *int64  `json:"completed_at"`
	RejectionReason       *string `json:"rejection_reason"`
	UpdatedByID           *int64  `json:"updated_by_id"`
}

type QueryApprovalRecordParams struct {
	RecordID     *int64   `json:"record_id"`
	RequestID    *int64   `json:"request_id"`
	StepID       *int64   `json:"step_id"`
	ApproverID   *int64   `json:"approver_id"`
	StatusIn     []string `json:"status_in"`
	DueBefore    *int64   `json:"due_before"`
	OrderbyIDAsc *bool    `json:"orderby_id_asc"`
	Page         *Pager   `json:"page" validate:"required"`
}

type UpdateApprovalRecordParams struct {
	Where  *UpdateApprovalRecordWhere `json:"where" validate:"required"`
	Fields *UpdateApprovalRecordField `json:"field" validate:"required"`
}

type UpdateApprovalRecordWhere struct {
	IDIn     []int64  `json:"id_in" validate:"required,min=1"`
	StatusIn []string `json:"status_in"`
}

type UpdateApprovalRecordField struct {
	Status            *string       `json:"status"`
	ActionAt          *int64        `json:"action_at"`
	Comments          *string       `json:"comments"`
	IsAutomaticAction *bool         `json:"is_automatic_action"`
	ReminderCount     *int64        `json:"reminder_count"`
	LastReminderAt    *int64        `json:"last_reminder_at"`
	ActionDetail      *RecordDetail `json:"action_detail"`
}

type approvalRepo struct {
	db *gorm.DB
}

func NewApprovalRepo(db *gorm.DB) ApprovalRepo {
	return &approvalRepo{
		db: db,
	}
}

func (r *approvalRepo) CreateFlow(ctx context.Context, flow *ApprovalFlowPo, steps []*ApprovalFlowStepPo) (*ApprovalFlowPo, error) {
	if flow == nil {
		return nil, errors.New("nil ApprovalFlowPo")
	}
	err := r.Transaction(ctx, func(ctx context.Context) error {
		now := time.Now().Unix()
		flow.CreatedAt = now
		flow.UpdatedAt = now
		if err := r.GetDBWithContext(ctx).Create(flow).Error; err != nil {
			return errors.WithMessage(err, "create approval flow failed")
		}
		if len(steps) == 0 {
			return nil
		}
		for _, step := range steps {
			step.ApprovalFlowID = flow.ID
			step.CreatedAt = now
			step.UpdatedAt = now
		}
		if err := r.GetDBWithContext(ctx).Create(&steps).Error; err != nil {
			return errors.WithMessage(err, "create approval flow steps failed")
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "CreateFlow failed")
	}
	return flow, nil
}

func applyPager(db *gorm.DB, page *Pager) (*gorm.DB, error) {
	if page == nil {
		return nil, errors.New("page is nil")
	}
	if page.IsNoLimit != nil && *page.IsNoLimit {
		// 不分页显示指定了true
		return db, nil
	}
	if page.Page == 0 {
		page.Page = 1
	}
	if page.Size == 0 {
		page.Size = 10
	}
	return db.Offset(int(page.Page-1) * int(page.Size)).Limit(int(page.Size)), nil
}

func (r *approvalRepo) QueryFlow(ctx context.Context, param *QueryFlowParams) ([]*ApprovalFlowPo, error) {
	if param == nil {
		return nil, fmt.Errorf("nil QueryFlowParams")
	}
	db := r.GetDBWithContext(ctx).Model(&ApprovalFlowPo{})
	if param.FlowID != nil {
		db = db.Where("id = ?", *param.FlowID)
	}
	if param.IsActive != nil {
		db = db.Where("is_active = ?", *param.IsActive)
	}
	if param.OrderbyPriorityAsc != nil && *param.OrderbyPriorityAsc {
		db = db.Order("priority asc").Order("id asc")
	} else {
		db = db.Order("id asc")
	}
	db, err := applyPager(db, param.Page)
	if err != nil {
		return nil, errors.WithMessage(err, "QueryFlow build params failed")
	}
	pos := make([]*ApprovalFlowPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryFlow failed")
	}
	return pos, nil
}

func (r *approvalRepo) UpdateFlow(ctx context.Context, param *UpdateFlowParams) error {
	if param == nil || param.Where == nil || param.Fields == nil {
		return fmt.Errorf("nil UpdateFlowParams")
	}
	if len(param.Where.IDIn) == 0 {
		return errors.New("update approval flow need where condition")
	}
	updateFields := make(map[string]any)
	if param.Fields.IsActive != nil {
		updateFields["is_active"] = *param.Fields.IsActive
	}
	if param.Fields.Name != nil {
		updateFields["name"] = *param.Fields.Name
	}
	if param.Fields.Priority != nil {
		updateFields["priority"] = *param.Fields.Priority
	}
	if len(updateFields) == 0 {
		return errors.New("no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()
	err := r.GetDBWithContext(ctx).Model(&ApprovalFlowPo{}).
		Where("id IN ?", param.Where.IDIn).
		Updates(updateFields).Error
	if err != nil {
		return errors.WithMessage(err, "UpdateFlow failed")
	}
	return nil
}

// SaveFlow 整行覆盖模板和传入的步骤, 步骤 ID 为 0 时新建
func (r *approvalRepo) SaveFlow(ctx context.Context, flow *ApprovalFlowPo, steps []*ApprovalFlowStepPo) error {
	if flow == nil || flow.ID <= 0 {
		return errors.New("save approval flow need an existing flow")
	}
	err := r.Transaction(ctx, func(ctx context.Context) error {
		now := time.Now().Unix()
		flow.UpdatedAt = now
		if err := r.GetDBWithContext(ctx).Save(flow).Error; err != nil {
			return errors.WithMessagef(err, "save approval flow %d failed", flow.ID)
		}
		for _, step := range steps {
			step.ApprovalFlowID = flow.ID
			step.UpdatedAt = now
			if step.ID == 0 {
				step.CreatedAt = now
			}
			if err := r.GetDBWithContext(ctx).Save(step).Error; err != nil {
				return errors.WithMessagef(err, "save step %d of approval flow %d failed", step.StepOrder, flow.ID)
			}
		}
		return nil
	})
	if err != nil {
		return errors.WithMessage(err, "SaveFlow failed")
	}
	return nil
}

// DeleteFlow 物理删除模板和它的所有步骤, 调用方负责检查有没有申请还在引用
func (r *approvalRepo) DeleteFlow(ctx context.Context, flowID int64) error {
	if flowID <= 0 {
		return errors.New("delete approval flow need flow id")
	}
	err := r.Transaction(ctx, func(ctx context.Context) error {
		if err := r.GetDBWithContext(ctx).Where("approval_flow_id = ?", flowID).Delete(&ApprovalFlowStepPo{}).Error; err != nil {
			return errors.WithMessagef(err, "delete steps of approval flow %d failed", flowID)
		}
		if err := r.GetDBWithContext(ctx).Where("id = ?", flowID).Delete(&ApprovalFlowPo{}).Error; err != nil {
			return errors.WithMessagef(err, "delete approval flow %d failed", flowID)
		}
		return nil
	})
	if err != nil {
		return errors.WithMessage(err, "DeleteFlow failed")
	}
	return nil
}

func (r *approvalRepo) QueryFlowStep(ctx context.Context, param *QueryFlowStepParams) ([]*ApprovalFlowStepPo, error) {
	if param == nil {
		return nil, fmt.Errorf("nil QueryFlowStepParams")
	}
	db := r.GetDBWithContext(ctx).Model(&ApprovalFlowStepPo{})
	if param.StepID != nil {
		db = db.Where("id = ?", *param.StepID)
	}
	if param.FlowID != nil {
		db = db.Where("approval_flow_id = ?", *param.FlowID)
	}
	if len(param.IDIn) != 0 {
		db = db.Where("id IN ?", param.IDIn)
	}
	if param.IsActive != nil {
		db = db.Where("is_active = ?", *param.IsActive)
	}
	// 步骤永远按顺序返回
	db = db.Order("approval_flow_id asc").Order("step_order asc")
	db, err := applyPager(db, param.Page)
	if err != nil {
		return nil, errors.WithMessage(err, "QueryFlowStep build params failed")
	}
	pos := make([]*ApprovalFlowStepPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryFlowStep failed")
	}
	return pos, nil
}

func (r *approvalRepo) UpdateFlowStep(ctx context.Context, param *UpdateFlowStepParams) error {
	if param == nil || param.Where == nil || param.Fields == nil {
		return fmt.Errorf("nil UpdateFlowStepParams")
	}
	if len(param.Where.IDIn) == 0 {
		return errors.New("update approval flow step need where condition")
	}
	updateFields := make(map[string]any)
	if param.Fields.IsActive != nil {
		updateFields["is_active"] = *param.Fields.IsActive
	}
	if len(updateFields) == 0 {
		return errors.New("no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()
	err := r.GetDBWithContext(ctx).Model(&ApprovalFlowStepPo{}).
		Where("id IN ?", param.Where.IDIn).
		Updates(updateFields).Error
	if err != nil {
		return errors.WithMessage(err, "UpdateFlowStep failed")
	}
	return nil
}

func (r *approvalRepo) CreatePurchaseRequest(ctx context.Context, request *PurchaseRequestPo) (*PurchaseRequestPo, error) {
	if request == nil {
		return nil, errors.New("nil PurchaseRequestPo")
	}
	request.CreatedAt = time.Now().Unix()
	request.UpdatedAt = request.CreatedAt
	if request.Status == "" {
		request.Status = RequestStatusDraft
	}
	if err := r.GetDBWithContext(ctx).Create(request).Error; err != nil {
		return nil, errors.WithMessage(err, "CreatePurchaseRequest failed")
	}
	return request, nil
}

func (r *approvalRepo) QueryPurchaseRequest(ctx context.Context, param *QueryPurchaseRequestParams) ([]*PurchaseRequestPo, error) {
	if param == nil {
		return nil, fmt.Errorf("nil QueryPurchaseRequestParams")
	}
	db := r.GetDBWithContext(ctx).Model(&PurchaseRequestPo{})
	if param.RequestID != nil {
		db = db.Where("id = ?", *param.RequestID)
	}
	if len(param.IDIn) != 0 {
		db = db.Where("id IN ?", param.IDIn)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if param.ApprovalFlowID != nil {
		db = db.Where("approval_flow_id = ?", *param.ApprovalFlowID)
	}
	db = db.Order("id asc")
	db, err := applyPager(db, param.Page)
	if err != nil {
		return nil, errors.WithMessage(err, "QueryPurchaseRequest build params failed")
	}
	pos := make([]*PurchaseRequestPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryPurchaseRequest failed")
	}
	return pos, nil
}

func buildUpdatePurchaseRequestFields(fields *UpdatePurchaseRequestField) (map[string]any, error) {
	updateFields := make(map[string]any)
	if fields.Status != nil {
		updateFields["status"] = *fields.Status
	}
	if fields.ApprovalFlowID != nil {
		updateFields["approval_flow_id"] = *fields.ApprovalFlowID
	}
	if fields.ClearCurrentStep {
		updateFields["current_approval_step_id"] = nil
	} else if fields.CurrentApprovalStepID != nil {
		updateFields["current_approval_step_id"] = *fields.CurrentApprovalStepID
	}
	if fields.SubmittedAt != nil {
		updateFields["submitted_at"] = *fields.SubmittedAt
	}
	if fields.CompletedAt != nil {
		updateFields["completed_at"] = *fields.CompletedAt
	}
	if fields.RejectionReason != nil {
		updateFields["rejection_reason"] = *fields.RejectionReason
	}
	if fields.UpdatedByID != nil {
		updateFields["updated_by_id"] = *fields.UpdatedByID
	}
	if len(updateFields) == 0 {
		return nil, errors.New("no fields to update")
	}
	updateFields["version"] = gorm.Expr("version + 1")
	updateFields["updated_at"] = time.Now().Unix()
	return updateFields, nil
}

func (r *approvalRepo) UpdatePurchaseRequest(ctx context.Context, param *UpdatePurchaseRequestParams) error {
	if param == nil || param.Where == nil || param.Fields == nil {
		return fmt.Errorf("nil UpdatePurchaseRequestParams")
	}
	if param.Where.ID <= 0 {
		return errors.New("update purchase request need id")
	}
	updateFields, err := buildUpdatePurchaseRequestFields(param.Fields)
	if err != nil {
		return errors.WithMessage(err, "buildUpdatePurchaseRequestFields failed")
	}
	result := r.GetDBWithContext(ctx).Model(&PurchaseRequestPo{}).
		Where("id = ? AND version = ?", param.Where.ID, param.Where.Version).
		Updates(updateFields)
	if result.Error != nil {
		return errors.WithMessage(result.Error, "UpdatePurchaseRequest failed")
	}
	if result.RowsAffected == 0 {
		return errors.WithMessagef(ErrConcurrentModification, "purchase request %d version %d changed", param.Where.ID, param.Where.Version)
	}
	return nil
}

func (r *approvalRepo) CreateApprovalRecords(ctx context.Context, records []*ApprovalRecordPo) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now().Unix()
	for _, record := range records {
		if record == nil {
			return errors.New("nil ApprovalRecordPo")
		}
		record.CreatedAt = now
		record.UpdatedAt = now
	}
	if err := r.GetDBWithContext(ctx).Create(&records).Error; err != nil {
		return errors.WithMessage(err, "CreateApprovalRecords failed")
	}
	return nil
}

func (r *approvalRepo) QueryApprovalRecord(ctx context.Context, param *QueryApprovalRecordParams) ([]*ApprovalRecordPo, error) {
	if param == nil {
		return nil, fmt.Errorf("nil QueryApprovalRecordParams")
	}
	db := r.GetDBWithContext(ctx).Model(&ApprovalRecordPo{})
	if param.RecordID != nil {
		db = db.Where("id = ?", *param.RecordID)
	}
	if param.RequestID != nil {
		db = db.Where("purchase_request_id = ?", *param.RequestID)
	}
	if param.StepID != nil {
		db = db.Where("approval_flow_step_id = ?", *param.StepID)
	}
	if param.ApproverID != nil {
		db = db.Where("approver_id = ?", *param.ApproverID)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if param.DueBefore != nil {
		db = db.Where("due_at IS NOT NULL AND due_at < ?", *param.DueBefore)
	}
	if param.OrderbyIDAsc != nil && !*param.OrderbyIDAsc {
		db = db.Order("id desc")
	} else {
		db = db.Order("id asc")
	}
	db, err := applyPager(db, param.Page)
	if err != nil {
		return nil, errors.WithMessage(err, "QueryApprovalRecord build params failed")
	}
	pos := make([]*ApprovalRecordPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryApprovalRecord failed")
	}
	return pos, nil
}

func buildUpdateApprovalRecordFields(fields *UpdateApprovalRecordField) (map[string]any, error) {
	updateFields := make(map[string]any)
	if fields.Status != nil {
		updateFields["status"] = *fields.Status
	}
	if fields.ActionAt != nil {
		updateFields["action_at"] = *fields.ActionAt
	}
	if fields.Comments != nil {
		updateFields["comments"] = *fields.Comments
	}
	if fields.IsAutomaticAction != nil {
		updateFields["is_automatic_action"] = *fields.IsAutomaticAction
	}
	if fields.ReminderCount != nil {
		updateFields["reminder_count"] = *fields.ReminderCount
	}
	if fields.LastReminderAt != nil {
		updateFields["last_reminder_at"] = *fields.LastReminderAt
	}
	if fields.ActionDetail != nil {
		jsonData, err := fields.ActionDetail.ToBytes()
		if err != nil {
			return nil, errors.WithMessage(err, "Marshal fields.ActionDetail failed")
		}
		updateFields["action_detail"] = jsonData
	}
	if len(updateFields) == 0 {
		return nil, errors.New("no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()
	return updateFields, nil
}

func (r *approvalRepo) UpdateApprovalRecord(ctx context.Context, param *UpdateApprovalRecordParams) error {
	if param == nil || param.Where == nil || param.Fields == nil {
		return fmt.Errorf("nil UpdateApprovalRecordParams")
	}
	if len(param.Where.IDIn) == 0 {
		return errors.New("update approval record need where condition")
	}
	updateFields, err := buildUpdateApprovalRecordFields(param.Fields)
	if err != nil {
		return errors.WithMessage(err, "buildUpdateApprovalRecordFields failed")
	}
	db := r.GetDBWithContext(ctx).Model(&ApprovalRecordPo{}).Where("id IN ?", param.Where.IDIn)
	if len(param.Where.StatusIn) > 0 {
		db = db.Where("status IN ?", param.Where.StatusIn)
	}
	result := db.Updates(updateFields)
	if result.Error != nil {
		return errors.WithMessage(result.Error, "UpdateApprovalRecord failed")
	}
	if len(param.Where.StatusIn) > 0 && result.RowsAffected != int64(len(param.Where.IDIn)) {
		return errors.WithMessagef(ErrConcurrentModification, "approval records %v status changed, affected %d", param.Where.IDIn, result.RowsAffected)
	}
	return nil
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

func (r *approvalRepo) GetDBWithContext(ctx context.Context) *gorm.DB {
	tx := ctx.Value(transactionContextKey)
	if tx == nil {
		// 没有事务，直接返回db即可
		return r.db.WithContext(ctx)
	}
	return tx.(*gorm.DB)
}

// Transaction 事务放在ctx里面传递, 嵌套调用复用外层事务
func (r *approvalRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if ctx.Value(transactionContextKey) != nil {
		return fn(ctx)
	}
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return errors.WithMessage(tx.Error, "begin transaction failed")
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		if commitErr := tx.Commit().Error; commitErr != nil {
			err = errors.WithMessage(commitErr, "commit transaction failed")
		}
	}()
	err = fn(context.WithValue(ctx, transactionContextKey, tx))
	return err
}

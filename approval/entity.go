package approval

import (
	"time"

	"github.com/shopspring/decimal"
)

// FlowTemplate 审批流模板entity
type FlowTemplate struct {
	ID           int64
	Name         string
	Description  string
	DepartmentID *int64
	CategoryID   *int64
	MinAmount    decimal.NullDecimal
	MaxAmount    decimal.NullDecimal
	Currency     string
	Priority     int64
	IsActive     bool
	CreatedByID  int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Steps        []*StepDefinition // 按 Order 升序, 包含未启用的步骤
}

// StepDefinition 审批步骤entity
type StepDefinition struct {
	ID                    int64
	FlowID                int64
	Order                 int64
	Name                  string
	Description           string
	Kind                  StepKind
	ApproverUserID        *int64
	ApproverRoleID        *int64
	ApproverDepartmentID  *int64
	RequiredApprovalCount int64
	RejectionTolerance    int64
	TimeoutHours          int64
	TimeoutPolicy         TimeoutPolicy
	AutomatedAction       AutomatedAction
	RejectPolicy          RejectPolicy
	ReturnToStepOrder     *int64
	IsActive              bool
}

// PurchaseRequest 采购申请entity, 只读视图
type PurchaseRequest struct {
	ID                    int64
	RequestNumber         string
	Title                 string
	RequestedByID         int64
	DepartmentID          *int64
	CategoryID            *int64
	TotalAmount           decimal.Decimal
	Currency              string
	Status                RequestStatus
	ApprovalFlowID        *int64
	CurrentApprovalStepID *int64
	SubmittedAt           *time.Time
	CompletedAt           *time.Time
	RejectionReason       string
	Version               int64
}

// ApprovalRecord 审批记录entity
type ApprovalRecord struct {
	ID                int64
	RequestID         int64
	StepID            int64
	ApproverID        *int64
	Status            RecordStatus
	ApprovalOrder     int64
	DueAt             *time.Time
	ActionAt          *time.Time
	Comments          string
	IsAutomaticAction bool
	DelegatedFromID   *int64
	ReminderCount     int64
	ActionDetail      *RecordDetail
}

func toFlowTemplate(po *ApprovalFlowPo, steps []*ApprovalFlowStepPo) *FlowTemplate {
	ret := &FlowTemplate{
		ID:           po.ID,
		Name:         po.Name,
		Description:  po.Description,
		DepartmentID: po.DepartmentID,
		CategoryID:   po.CategoryID,
		MinAmount:    po.MinAmount,
		MaxAmount:    po.MaxAmount,
		Currency:     po.Currency,
		Priority:     po.Priority,
		IsActive:     po.IsActive,
		CreatedByID:  po.CreatedByID,
		CreatedAt:    time.Unix(po.CreatedAt, 0),
		UpdatedAt:    time.Unix(po.UpdatedAt, 0),
		Steps:        make([]*StepDefinition, 0, len(steps)),
	}
	for _, step := range steps {
		ret.Steps = append(ret.Steps, toStepDefinition(step))
	}
	return ret
}

func toStepDefinition(po *ApprovalFlowStepPo) *StepDefinition {
	return &StepDefinition{
		ID:                    po.ID,
		FlowID:                po.ApprovalFlowID,
		Order:                 po.StepOrder,
		Name:                  po.Name,
		Description:           po.Description,
		Kind:                  po.Kind,
		ApproverUserID:        po.ApproverUserID,
		ApproverRoleID:        po.ApproverRoleID,
		ApproverDepartmentID:  po.ApproverDepartmentID,
		RequiredApprovalCount: po.RequiredApprovalCount,
		RejectionTolerance:    po.RejectionTolerance,
		TimeoutHours:          po.TimeoutHours,
		TimeoutPolicy:         po.TimeoutPolicy,
		AutomatedAction:       po.AutomatedAction,
		RejectPolicy:          po.RejectPolicy,
		ReturnToStepOrder:     po.ReturnToStepOrder,
		IsActive:              po.IsActive,
	}
}

func toPurchaseRequest(po *PurchaseRequestPo) *PurchaseRequest {
	return &PurchaseRequest{
		ID:                    po.ID,
		RequestNumber:         po.RequestNumber,
		Title:                 po.Title,
		RequestedByID:         po.RequestedByID,
		DepartmentID:          po.DepartmentID,
		CategoryID:            po.CategoryID,
		TotalAmount:           po.TotalAmount,
		Currency:              po.Currency,
		Status:                po.Status,
		ApprovalFlowID:        po.ApprovalFlowID,
		CurrentApprovalStepID: po.CurrentApprovalStepID,
		SubmittedAt:           unixToTimePtr(po.SubmittedAt),
		CompletedAt:           unixToTimePtr(po.CompletedAt),
		RejectionReason:       po.RejectionReason,
		Version:               po.Version,
	}
}

func toApprovalRecord(po *ApprovalRecordPo) *ApprovalRecord {
	return &ApprovalRecord{
		ID:                po.ID,
		RequestID:         po.PurchaseRequestID,
		StepID:            po.ApprovalFlowStepID,
		ApproverID:        po.ApproverID,
		Status:            po.Status,
		ApprovalOrder:     po.ApprovalOrder,
		DueAt:             unixToTimePtr(po.DueAt),
		ActionAt:          unixToTimePtr(po.ActionAt),
		Comments:          po.Comments,
		IsAutomaticAction: po.IsAutomaticAction,
		DelegatedFromID:   po.DelegatedFromID,
		ReminderCount:     po.ReminderCount,
		ActionDetail:      NewRecordDetail(po.ActionDetail),
	}
}

package seed

import (
	"context"
	"fmt"

	"github.com/blingmoon/purchase-approval/approval"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// 品类和部门专属模板优先级高于按金额分层的默认模板
const scopedFlowPriority = 5

// CategoryFlowParams 品类专属模板
type CategoryFlowParams struct {
	CategoryID   int64  `validate:"gt=0"`
	CategoryName string `validate:"required"`
	// 不为空时在部门负责人之后加一轮技术审核, 比如 IT 类采购由 IT 部门审核
	TechnicalReviewRoleID *int64 `validate:"omitempty,gt=0"`
	MinAmount             *decimal.Decimal
	MaxAmount             *decimal.Decimal
}

// DepartmentFlowParams 部门专属模板
type DepartmentFlowParams struct {
	DepartmentID   int64  `validate:"gt=0"`
	DepartmentName string `validate:"required"`
	MinAmount      *decimal.Decimal
	MaxAmount      *decimal.Decimal
}

func specialistReviewStep(order int64, roles Roles, timeoutHours int64) *approval.StepConfig {
	return &approval.StepConfig{
		Order:           order,
		Name:            "Purchasing specialist review",
		Description:     "Technical and price review by a purchasing specialist",
		Kind:            approval.StepKindRole,
		ApproverRoleID:  int64Ptr(roles.PurchasingSpecialistRoleID),
		TimeoutHours:    timeoutHours,
		TimeoutPolicy:   approval.TimeoutPolicySendReminder,
		RejectPolicy:    approval.RejectPolicyReturnToRequester,
		AutomatedAction: approval.AutomatedActionSendRfq,
	}
}

// purchasingManagerStep 驳回时退回到采购专员重新审核
func purchasingManagerStep(order int64, roles Roles, returnTo int64) *approval.StepConfig {
	return &approval.StepConfig{
		Order:             order,
		Name:              "Purchasing manager approval",
		Description:       "Approval by the purchasing manager",
		Kind:              approval.StepKindRole,
		ApproverRoleID:    int64Ptr(roles.PurchasingManagerRoleID),
		TimeoutHours:      24,
		TimeoutPolicy:     approval.TimeoutPolicySendReminder,
		RejectPolicy:      approval.RejectPolicyReturnToStep,
		ReturnToStepOrder: int64Ptr(returnTo),
	}
}

// CategoryFlowConfig 部门负责人 -> (技术审核) -> 采购专员 -> 采购经理
func CategoryFlowConfig(params *CategoryFlowParams, roles Roles, createdByID int64) *approval.FlowConfig {
	steps := []*approval.StepConfig{departmentManagerStep(48)}
	if params.TechnicalReviewRoleID != nil {
		steps = append(steps, &approval.StepConfig{
			Order:          2,
			Name:           fmt.Sprintf("%s technical review", params.CategoryName),
			Description:    "Technical approval by the responsible department",
			Kind:           approval.StepKindRole,
			ApproverRoleID: int64Ptr(*params.TechnicalReviewRoleID),
			TimeoutHours:   72,
			TimeoutPolicy:  approval.TimeoutPolicySendReminder,
			RejectPolicy:   approval.RejectPolicyReturnToRequester,
		})
	}
	specialistOrder := int64(len(steps) + 1)
	steps = append(steps,
		specialistReviewStep(specialistOrder, roles, 48),
		purchasingManagerStep(specialistOrder+1, roles, specialistOrder),
	)
	return &approval.FlowConfig{
		Name:        fmt.Sprintf("%s category approval flow", params.CategoryName),
		Description: fmt.Sprintf("Approval flow dedicated to the %s category", params.CategoryName),
		CategoryID:  int64Ptr(params.CategoryID),
		MinAmount:   params.MinAmount,
		MaxAmount:   params.MaxAmount,
		Currency:    "TRY",
		Priority:    int64Ptr(scopedFlowPriority),
		CreatedByID: createdByID,
		Steps:       steps,
	}
}

// DepartmentFlowConfig 部门负责人 -> 采购专员 -> 采购经理
func DepartmentFlowConfig(params *DepartmentFlowParams, roles Roles, createdByID int64) *approval.FlowConfig {
	manager := departmentManagerStep(48)
	manager.Name = fmt.Sprintf("%s manager approval", params.DepartmentName)
	manager.Description = fmt.Sprintf("Approval by the manager of the %s department", params.DepartmentName)
	return &approval.FlowConfig{
		Name:         fmt.Sprintf("%s department approval flow", params.DepartmentName),
		Description:  fmt.Sprintf("Approval flow dedicated to the %s department", params.DepartmentName),
		DepartmentID: int64Ptr(params.DepartmentID),
		MinAmount:    params.MinAmount,
		MaxAmount:    params.MaxAmount,
		Currency:     "TRY",
		Priority:     int64Ptr(scopedFlowPriority),
		CreatedByID:  createdByID,
		Steps: []*approval.StepConfig{
			manager,
			specialistReviewStep(2, roles, 72),
			purchasingManagerStep(3, roles, 2),
		},
	}
}

func CreateCategoryFlow(ctx context.Context, service approval.ApprovalService, params *CategoryFlowParams, roles Roles, createdByID int64) (*approval.FlowTemplate, error) {
	if params == nil {
		return nil, errors.WithMessage(approval.ErrApprovalParamInvalid, "category flow params is nil")
	}
	if err := validatorUtil.Struct(params); err != nil {
		return nil, errors.WithMessagef(approval.ErrApprovalParamInvalid, "category flow params: %v", err)
	}
	if err := validatorUtil.Struct(roles); err != nil {
		return nil, errors.WithMessagef(approval.ErrApprovalParamInvalid, "seed roles: %v", err)
	}
	flow, err := service.CreateFlow(ctx, CategoryFlowConfig(params, roles, createdByID))
	if err != nil {
		return nil, errors.WithMessagef(err, "create flow of category %d failed", params.CategoryID)
	}
	return flow, nil
}

func CreateDepartmentFlow(ctx context.Context, service approval.ApprovalService, params *DepartmentFlowParams, roles Roles, createdByID int64) (*approval.FlowTemplate, error) {
	if params == nil {
		return nil, errors.WithMessage(approval.ErrApprovalParamInvalid, "department flow params is nil")
	}
	if err := validatorUtil.Struct(params); err != nil {
		return nil, errors.WithMessagef(approval.ErrApprovalParamInvalid, "department flow params: %v", err)
	}
	if err := validatorUtil.Struct(roles); err != nil {
		return nil, errors.WithMessagef(approval.ErrApprovalParamInvalid, "seed roles: %v", err)
	}
	flow, err := service.CreateFlow(ctx, DepartmentFlowConfig(params, roles, createdByID))
	if err != nil {
		return nil, errors.WithMessagef(err, "create flow of department %d failed", params.DepartmentID)
	}
	return flow, nil
}

package seed

import (
	"context"

	"github.com/blingmoon/purchase-approval/approval"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Roles 默认模板里用到的角色和人, 不同环境的id不一样, 由调用方传入
type Roles struct {
	PurchasingSpecialistRoleID int64 `validate:"gt=0"`
	PurchasingManagerRoleID    int64 `validate:"gt=0"`
	DivisionDirectorRoleID     int64 `validate:"gt=0"`
	FinanceRoleID              int64 `validate:"gt=0"`
	GeneralManagerUserID       int64 `validate:"gt=0"`
}

const (
	LowBudgetFlowName  = "Low budget approval flow"
	MidBudgetFlowName  = "Mid budget approval flow"
	HighBudgetFlowName = "High budget approval flow"
)

func int64Ptr(v int64) *int64 { return &v }

func amountPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func departmentManagerStep(timeoutHours int64) *approval.StepConfig {
	return &approval.StepConfig{
		Order:         1,
		Name:          "Department manager approval",
		Description:   "Approval by the manager of the requester's department",
		Kind:          approval.StepKindDepartment,
		TimeoutHours:  timeoutHours,
		TimeoutPolicy: approval.TimeoutPolicySendReminder,
		RejectPolicy:  approval.RejectPolicyCancel,
	}
}

// DefaultFlowConfigs 三个默认模板: 1万以下, 1万到5万, 5万以上
func DefaultFlowConfigs(roles Roles, createdByID int64) []*approval.FlowConfig {
	low := &approval.FlowConfig{
		Name:        LowBudgetFlowName,
		Description: "Simplified approval flow for requests up to 10,000 TRY",
		MinAmount:   amountPtr("0"),
		MaxAmount:   amountPtr("10000"),
		Currency:    "TRY",
		Priority:    int64Ptr(10),
		CreatedByID: createdByID,
		Steps: []*approval.StepConfig{
			departmentManagerStep(48),
			{
				Order:          2,
				Name:           "Purchasing specialist review",
				Description:    "Review by the purchasing department",
				Kind:           approval.StepKindRole,
				ApproverRoleID: int64Ptr(roles.PurchasingSpecialistRoleID),
				TimeoutHours:   24,
				TimeoutPolicy:  approval.TimeoutPolicySendReminder,
				RejectPolicy:   approval.RejectPolicyReturnToRequester,
			},
		},
	}

	mid := &approval.FlowConfig{
		Name:        MidBudgetFlowName,
		Description: "Approval flow for requests between 10,000 TRY and 50,000 TRY",
		MinAmount:   amountPtr("10000.01"),
		MaxAmount:   amountPtr("50000"),
		Currency:    "TRY",
		Priority:    int64Ptr(20),
		CreatedByID: createdByID,
		Steps: []*approval.StepConfig{
			departmentManagerStep(48),
			{
				Order:           2,
				Name:            "Purchasing specialist review",
				Description:     "Technical and price review by a purchasing specialist",
				Kind:            approval.StepKindRole,
				ApproverRoleID:  int64Ptr(roles.PurchasingSpecialistRoleID),
				TimeoutHours:    72,
				TimeoutPolicy:   approval.TimeoutPolicySendReminder,
				RejectPolicy:    approval.RejectPolicyReturnToRequester,
				AutomatedAction: approval.AutomatedActionSendRfq,
			},
			{
				Order:             3,
				Name:              "Purchasing manager approval",
				Description:       "Approval by the purchasing manager",
				Kind:              approval.StepKindRole,
				ApproverRoleID:    int64Ptr(roles.PurchasingManagerRoleID),
				TimeoutHours:      24,
				TimeoutPolicy:     approval.TimeoutPolicySendReminder,
				RejectPolicy:      approval.RejectPolicyReturnToStep,
				ReturnToStepOrder: int64Ptr(2),
			},
			{
				Order:           4,
				Name:            "Budget check",
				Description:     "Budget availability check",
				Kind:            approval.StepKindAutomatic,
				AutomatedAction: approval.AutomatedActionBudgetCheck,
			},
		},
	}

	high := &approval.FlowConfig{
		Name:        HighBudgetFlowName,
		Description: "Comprehensive approval flow for requests above 50,000 TRY",
		MinAmount:   amountPtr("50000.01"),
		Currency:    "TRY",
		Priority:    int64Ptr(30),
		CreatedByID: createdByID,
		Steps: []*approval.StepConfig{
			departmentManagerStep(24),
			{
				Order:          2,
				Name:           "Division director approval",
				Description:    "Approval by the director of the division",
				Kind:           approval.StepKindRole,
				ApproverRoleID: int64Ptr(roles.DivisionDirectorRoleID),
				TimeoutHours:   48,
				TimeoutPolicy:  approval.TimeoutPolicySendReminder,
				RejectPolicy:   approval.RejectPolicyReturnToRequester,
			},
			{
				Order:           3,
				Name:            "Purchasing specialist review",
				Description:     "Technical and price review by a purchasing specialist",
				Kind:            approval.StepKindRole,
				ApproverRoleID:  int64Ptr(roles.PurchasingSpecialistRoleID),
				TimeoutHours:    72,
				TimeoutPolicy:   approval.TimeoutPolicySendReminder,
				RejectPolicy:    approval.RejectPolicyReturnToRequester,
				AutomatedAction: approval.AutomatedActionSendRfq,
			},
			{
				Order:             4,
				Name:              "Purchasing manager approval",
				Description:       "Approval by the purchasing manager",
				Kind:              approval.StepKindRole,
				ApproverRoleID:    int64Ptr(roles.PurchasingManagerRoleID),
				TimeoutHours:      48,
				TimeoutPolicy:     approval.TimeoutPolicySendReminder,
				RejectPolicy:      approval.RejectPolicyReturnToStep,
				ReturnToStepOrder: int64Ptr(3),
			},
			{
				Order:             5,
				Name:              "Budget check",
				Description:       "Budget check by the finance department",
				Kind:              approval.StepKindRole,
				ApproverRoleID:    int64Ptr(roles.FinanceRoleID),
				TimeoutHours:      48,
				TimeoutPolicy:     approval.TimeoutPolicySendReminder,
				RejectPolicy:      approval.RejectPolicyReturnToStep,
				ReturnToStepOrder: int64Ptr(3),
				AutomatedAction:   approval.AutomatedActionBudgetCheck,
			},
			{
				Order:          6,
				Name:           "General manager approval",
				Description:    "Final approval by the general manager",
				Kind:           approval.StepKindIndividual,
				ApproverUserID: int64Ptr(roles.GeneralManagerUserID),
				TimeoutHours:   72,
				TimeoutPolicy:  approval.TimeoutPolicyEscalate,
				RejectPolicy:   approval.RejectPolicyCancel,
			},
		},
	}
	return []*approval.FlowConfig{low, mid, high}
}

// CreateDefaultFlows 创建默认模板, 任何一个失败都直接返回
func CreateDefaultFlows(ctx context.Context, service approval.ApprovalService, roles Roles, createdByID int64) ([]*approval.FlowTemplate, error) {
	if err := validatorUtil.Struct(roles); err != nil {
		return nil, errors.WithMessagef(approval.ErrApprovalParamInvalid, "seed roles: %v", err)
	}
	configs := DefaultFlowConfigs(roles, createdByID)
	ret := make([]*approval.FlowTemplate, 0, len(configs))
	for _, config := range configs {
		flow, err := service.CreateFlow(ctx, config)
		if err != nil {
			return nil, errors.WithMessagef(err, "create default flow %q failed", config.Name)
		}
		ret = append(ret, flow)
	}
	return ret, nil
}

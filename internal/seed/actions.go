package seed

import (
	"context"

	"github.com/blingmoon/purchase-approval/approval"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var validatorUtil = validator.New()

// BudgetChecker 预算检查, 返回错误表示预算不足
type BudgetChecker func(ctx context.Context, request *approval.PurchaseRequest) error

// RegisterDefaultActions 注册默认的自动动作.
// 预算检查交给 budget, 为空时全部放行; 询价, 库存检查, 通知只打日志, 真正的对接由上层替换
func RegisterDefaultActions(service approval.ApprovalService, logger *zap.Logger, budget BudgetChecker) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logOnly := func(action approval.AutomatedAction) approval.AutomatedActionHandler {
		return func(ctx context.Context, request *approval.PurchaseRequest, step *approval.StepDefinition) error {
			logger.Info("automated action triggered",
				zap.String("action", action),
				zap.Int64("request_id", request.ID),
				zap.String("request_number", request.RequestNumber),
				zap.String("step", step.Name))
			return nil
		}
	}
	handlers := map[approval.AutomatedAction]approval.AutomatedActionHandler{
		approval.AutomatedActionSendRfq:          logOnly(approval.AutomatedActionSendRfq),
		approval.AutomatedActionInventoryCheck:   logOnly(approval.AutomatedActionInventoryCheck),
		approval.AutomatedActionSendNotification: logOnly(approval.AutomatedActionSendNotification),
		approval.AutomatedActionBudgetCheck: func(ctx context.Context, request *approval.PurchaseRequest, step *approval.StepDefinition) error {
			if budget == nil {
				return nil
			}
			if err := budget(ctx, request); err != nil {
				logger.Warn("budget check failed", zap.Int64("request_id", request.ID),
					zap.String("amount", request.TotalAmount.String()), zap.Error(err))
				return err
			}
			return nil
		},
	}
	for action, handler := range handlers {
		if err := service.RegisterAutomatedAction(action, handler); err != nil {
			return errors.WithMessagef(err, "register automated action %s failed", action)
		}
	}
	return nil
}

package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func (s *ApprovalServiceImpl) InitiateFlow(ctx context.Context, requestID int64, actorID int64) error {
	if requestID <= 0 {
		return errors.WithMessagef(ErrApprovalParamInvalid, "request id %d", requestID)
	}
	return s.runRequestOp(ctx, requestID, "InitiateFlow", func(ctx context.Context, box *outbox) error {
		request, err := s.loadRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if request.Status != RequestStatusDraft {
			return errors.WithMessagef(ErrInvalidRequestState, "request %d status %s, only draft can be submitted", request.ID, request.Status)
		}
		flow, steps, err := s.selectFlow(ctx, request)
		if err != nil {
			return err
		}
		now := s.clock.Now().Unix()
		err = s.updateRequest(ctx, request, &UpdatePurchaseRequestField{
			Status:         stringPtr(RequestStatusInReview),
			ApprovalFlowID: &flow.ID,
			SubmittedAt:    &now,
			UpdatedByID:    &actorID,
		}, box)
		if err != nil {
			return err
		}
		s.logger.Info("approval flow initiated",
			zap.Int64("request_id", request.ID), zap.Int64("flow_id", flow.ID), zap.String("flow_name", flow.Name))
		return s.walkSteps(ctx, request, steps, steps[0], actorID, box)
	})
}

// activateStep 激活一个步骤, 自动步骤会一直向后推进
func (s *ApprovalServiceImpl) activateStep(ctx context.Context, request *PurchaseRequestPo, step *ApprovalFlowStepPo, actorID int64, box *outbox) error {
	steps, err := s.loadFlowSteps(ctx, step.ApprovalFlowID, true)
	if err != nil {
		return err
	}
	return s.walkSteps(ctx, request, steps, step, actorID, box)
}

// advanceStep completed 完成后找下一个启用的步骤, 没有了申请就通过了
func (s *ApprovalServiceImpl) advanceStep(ctx context.Context, request *PurchaseRequestPo, completed *ApprovalFlowStepPo, actorID int64, box *outbox) error {
	steps, err := s.loadFlowSteps(ctx, completed.ApprovalFlowID, true)
	if err != nil {
		return err
	}
	if err := s.resumeReview(ctx, request, actorID, box); err != nil {
		return err
	}
	return s.walkSteps(ctx, request, steps, nextActiveStep(steps, completed.StepOrder), actorID, box)
}

// walkSteps 从 next 开始推进, 遇到人工步骤停下来等审批.
// 循环次数不超过启用的步骤数, 超过说明自动步骤之间互相退回, 配置有问题
func (s *ApprovalServiceImpl) walkSteps(ctx context.Context, request *PurchaseRequestPo, steps []*ApprovalFlowStepPo, next *ApprovalFlowStepPo, actorID int64, box *outbox) error {
	for i := 0; ; i++ {
		if next == nil {
			return s.completeRequest(ctx, request, actorID, box)
		}
		if i >= len(steps) {
			return errors.WithMessagef(ErrInvalidStepConfiguration, "request %d automatic steps of flow %d do not settle", request.ID, next.ApprovalFlowID)
		}
		if next.Kind != StepKindAutomatic {
			return s.openRound(ctx, request, next, actorID, box)
		}
		passed, reason, err := s.runAutomaticStep(ctx, request, next)
		if err != nil {
			return err
		}
		if passed {
			box.decision(RecordStatusApproved, ActionMethodAutomatic)
			if err := s.resumeReview(ctx, request, s.options.SystemActorID, box); err != nil {
				return err
			}
			next = nextActiveStep(steps, next.StepOrder)
			continue
		}
		box.decision(RecordStatusRejected, ActionMethodAutomatic)
		target, err := s.applyRejectPolicy(ctx, request, next, s.options.SystemActorID, reason, box)
		if err != nil {
			return err
		}
		if target == nil {
			return nil
		}
		next = target
	}
}

func nextActiveStep(steps []*ApprovalFlowStepPo, afterOrder int64) *ApprovalFlowStepPo {
	for _, step := range steps {
		if step.IsActive && step.StepOrder > afterOrder {
			return step
		}
	}
	return nil
}

// resumeReview 退回重审的步骤往后推进时, 申请回到审批中
func (s *ApprovalServiceImpl) resumeReview(ctx context.Context, request *PurchaseRequestPo, actorID int64, box *outbox) error {
	if request.Status != RequestStatusRevisionRequested {
		return nil
	}
	return s.updateRequest(ctx, request, &UpdatePurchaseRequestField{
		Status:      stringPtr(RequestStatusInReview),
		UpdatedByID: &actorID,
	}, box)
}

func (s *ApprovalServiceImpl) stepDueAt(step *ApprovalFlowStepPo, from time.Time) int64 {
	hours := step.TimeoutHours
	if hours <= 0 {
		hours = s.options.DefaultTimeoutHours
	}
	return from.Add(time.Duration(hours) * time.Hour).Unix()
}

// nextApprovalOrder 步骤每激活一次就是新的一轮, 轮次 = 之前最大轮次+1
func (s *ApprovalServiceImpl) nextApprovalOrder(ctx context.Context, requestID int64, stepID int64) (int64, error) {
	records, err := s.repo.QueryApprovalRecord(ctx, &QueryApprovalRecordParams{
		RequestID: &requestID,
		StepID:    &stepID,
		Page:      &Pager{IsNoLimit: boolPtr(true)},
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "load rounds of request %d step %d failed", requestID, stepID)
	}
	var maxOrder int64
	for _, record := range records {
		if record.ApprovalOrder > maxOrder {
			maxOrder = record.ApprovalOrder
		}
	}
	return maxOrder + 1, nil
}

// openRound 人工步骤: 解析审批人, 每个审批人一条待审批记录, 通知审批人
func (s *ApprovalServiceImpl) openRound(ctx context.Context, request *PurchaseRequestPo, step *ApprovalFlowStepPo, actorID int64, box *outbox) error {
	approvers, err := s.resolveApprovers(ctx, approverSpecFromStepPo(step), request.ID, request.DepartmentID)
	if err != nil {
		return errors.WithMessagef(err, "activate step %q of request %d failed", step.Name, request.ID)
	}
	// 多人审批的人数不够, 这一轮永远完成不了
	if step.Kind == StepKindMultipleRequired && int64(len(approvers)) < requiredApprovals(step) {
		return errors.WithMessagef(ErrNoApproversFound, "activate step %q of request %d failed, %d approvals required but only %d approvers resolved",
			step.Name, request.ID, requiredApprovals(step), len(approvers))
	}
	order, err := s.nextApprovalOrder(ctx, request.ID, step.ID)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	dueAt := s.stepDueAt(step, now)
	records := make([]*ApprovalRecordPo, 0, len(approvers))
	for _, approverID := range approvers {
		detail := NewRecordDetail(nil)
		detail.Set([]string{RecordDetailKeyTimeoutPolicy}, step.TimeoutPolicy)
		records = append(records, &ApprovalRecordPo{
			PurchaseRequestID:  request.ID,
			ApprovalFlowStepID: step.ID,
			ApproverID:         int64Ptr(approverID),
			Status:             RecordStatusPending,
			ApprovalOrder:      order,
			DueAt:              int64Ptr(dueAt),
			ActionDetail:       detail.ToBytesWithoutError(),
			CreatedByID:        actorID,
		})
	}
	if err := s.repo.CreateApprovalRecords(ctx, records); err != nil {
		return errors.WithMessagef(err, "create approval records of request %d step %d failed", request.ID, step.ID)
	}
	err = s.updateRequest(ctx, request, &UpdatePurchaseRequestField{
		CurrentApprovalStepID: &step.ID,
		UpdatedByID:           &actorID,
	}, box)
	if err != nil {
		return err
	}
	for _, approverID := range approvers {
		box.add(s.newRequestNotification(approverID, request, "Approval required",
			fmt.Sprintf("Purchase request %s (%s) is waiting for your approval at step %q.", request.RequestNumber, request.Title, step.Name)))
	}
	// 人工步骤上的自动动作(比如发询价)只是附带动作, 失败不影响审批
	if err := s.runStepAction(ctx, request, step); err != nil {
		s.logger.Warn("automated action of approval step failed",
			zap.Int64("request_id", request.ID), zap.Int64("step_id", step.ID),
			zap.String("action", step.AutomatedAction), zap.Error(err))
	}
	s.logger.Info("approval step activated",
		zap.Int64("request_id", request.ID), zap.Int64("step_id", step.ID),
		zap.Int64("approval_order", order), zap.Int64s("approvers", approvers))
	return nil
}

func (s *ApprovalServiceImpl) runStepAction(ctx context.Context, request *PurchaseRequestPo, step *ApprovalFlowStepPo) (err error) {
	if step.AutomatedAction == "" || step.AutomatedAction == AutomatedActionNone {
		return nil
	}
	handler, ok := s.getAutomatedAction(step.AutomatedAction)
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("automated action %s panic: %v", step.AutomatedAction, r)
		}
	}()
	return handler(ctx, toPurchaseRequest(request), toStepDefinition(step))
}

// runAutomaticStep 自动步骤: 系统生成一条审批记录, 自动动作失败时记录为驳回
func (s *ApprovalServiceImpl) runAutomaticStep(ctx context.Context, request *PurchaseRequestPo, step *ApprovalFlowStepPo) (bool, string, error) {
	order, err := s.nextApprovalOrder(ctx, request.ID, step.ID)
	if err != nil {
		return false, "", err
	}
	now := s.clock.Now().Unix()
	detail := newActionDetail(ActionMethodAutomatic)
	detail.Set([]string{RecordDetailKeyAutomatedAction}, step.AutomatedAction)
	record := &ApprovalRecordPo{
		PurchaseRequestID:  request.ID,
		ApprovalFlowStepID: step.ID,
		Status:             RecordStatusApproved,
		ApprovalOrder:      order,
		ActionAt:           &now,
		Comments:           automaticComment,
		IsAutomaticAction:  true,
		CreatedByID:        s.options.SystemActorID,
	}
	passed, reason := true, ""
	if actionErr := s.runStepAction(ctx, request, step); actionErr != nil {
		passed = false
		reason = fmt.Sprintf("Automatic step %q failed: %v", step.Name, actionErr)
		record.Status = RecordStatusRejected
		record.Comments = reason
		detail.Set([]string{RecordDetailKeySystem, "last_error"}, actionErr.Error())
		s.logger.Warn("automatic approval step failed",
			zap.Int64("request_id", request.ID), zap.Int64("step_id", step.ID), zap.Error(actionErr))
	}
	record.ActionDetail = detail.ToBytesWithoutError()
	if err := s.repo.CreateApprovalRecords(ctx, []*ApprovalRecordPo{record}); err != nil {
		return false, "", errors.WithMessagef(err, "create automatic record of request %d step %d failed", request.ID, step.ID)
	}
	return passed, reason, nil
}

// completeRequest 所有步骤完成, 申请通过
func (s *ApprovalServiceImpl) completeRequest(ctx context.Context, request *PurchaseRequestPo, actorID int64, box *outbox) error {
	now := s.clock.Now().Unix()
	err := s.updateRequest(ctx, request, &UpdatePurchaseRequestField{
		Status:           stringPtr(RequestStatusApproved),
		CompletedAt:      &now,
		ClearCurrentStep: true,
		UpdatedByID:      &actorID,
	}, box)
	if err != nil {
		return err
	}
	box.add(s.newRequestNotification(request.RequestedByID, request, "Purchase request approved",
		fmt.Sprintf("Your purchase request %s (%s) has been approved.", request.RequestNumber, request.Title)))
	s.logger.Info("purchase request approved", zap.Int64("request_id", request.ID))
	return nil
}

// supersedePending 关闭申请下所有(或者某个步骤某一轮)还在等待的记录
func (s *ApprovalServiceImpl) supersedePending(ctx context.Context, requestID int64, stepID *int64, round *int64) error {
	records, err := s.repo.QueryApprovalRecord(ctx, &QueryApprovalRecordParams{
		RequestID: &requestID,
		StepID:    stepID,
		StatusIn:  []string{RecordStatusPending},
		Page:      &Pager{IsNoLimit: boolPtr(true)},
	})
	if err != nil {
		return errors.WithMessagef(err, "load pending records of request %d failed", requestID)
	}
	ids := make([]int64, 0, len(records))
	for _, record := range records {
		if round != nil && record.ApprovalOrder != *round {
			continue
		}
		ids = append(ids, record.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	now := s.clock.Now().Unix()
	return s.repo.UpdateApprovalRecord(ctx, &UpdateApprovalRecordParams{
		Where: &UpdateApprovalRecordWhere{IDIn: ids, StatusIn: []string{RecordStatusPending}},
		Fields: &UpdateApprovalRecordField{
			Status:   stringPtr(RecordStatusSuperseded),
			ActionAt: &now,
		},
	})
}

// applyRejectPolicy 步骤被驳回后的处理, 返回值不为空时需要重新激活这个步骤
func (s *ApprovalServiceImpl) applyRejectPolicy(ctx context.Context, request *PurchaseRequestPo, step *ApprovalFlowStepPo, actorID int64, reason string, box *outbox) (*ApprovalFlowStepPo, error) {
	if reason == "" {
		reason = fmt.Sprintf("Rejected at step %q", step.Name)
	}
	if err := s.supersedePending(ctx, request.ID, nil, nil); err != nil {
		return nil, err
	}
	policy := step.RejectPolicy
	var target *ApprovalFlowStepPo
	if policy == RejectPolicyReturnToStep {
		var err error
		target, err = s.findReturnTarget(ctx, step)
		if err != nil {
			return nil, err
		}
		if target == nil {
			s.logger.Warn("return target step missing or inactive, cancel the request",
				zap.Int64("request_id", request.ID), zap.Int64("step_id", step.ID), zap.Any("return_to_step_order", derefInt64(step.ReturnToStepOrder)))
			policy = RejectPolicyCancel
		}
	}
	now := s.clock.Now().Unix()
	var (
		fields *UpdatePurchaseRequestField
		title  string
	)
	switch policy {
	case RejectPolicyReturnToStep:
		fields = &UpdatePurchaseRequestField{
			Status:                stringPtr(RequestStatusRevisionRequested),
			CurrentApprovalStepID: &target.ID,
			RejectionReason:       &reason,
			UpdatedByID:           &actorID,
		}
		title = fmt.Sprintf("Purchase request returned to step %q", target.Name)
	case RejectPolicyReturnToRequester:
		fields = &UpdatePurchaseRequestField{
			Status:           stringPtr(RequestStatusRevisionRequested),
			ClearCurrentStep: true,
			RejectionReason:  &reason,
			UpdatedByID:      &actorID,
		}
		title = "Purchase request needs revision"
	default:
		fields = &UpdatePurchaseRequestField{
			Status:           stringPtr(RequestStatusRejected),
			CompletedAt:      &now,
			ClearCurrentStep: true,
			RejectionReason:  &reason,
			UpdatedByID:      &actorID,
		}
		title = "Purchase request rejected"
	}
	if err := s.updateRequest(ctx, request, fields, box); err != nil {
		return nil, err
	}
	box.add(s.newRequestNotification(request.RequestedByID, request, title,
		fmt.Sprintf("Your purchase request %s (%s) was rejected at step %q. Reason: %s", request.RequestNumber, request.Title, step.Name, reason)))
	s.logger.Info("approval step rejected",
		zap.Int64("request_id", request.ID), zap.Int64("step_id", step.ID), zap.String("policy", policy))
	if policy == RejectPolicyReturnToStep {
		return target, nil
	}
	return nil, nil
}

// findReturnTarget 退回目标必须是同一个模板里更早的启用步骤
func (s *ApprovalServiceImpl) findReturnTarget(ctx context.Context, step *ApprovalFlowStepPo) (*ApprovalFlowStepPo, error) {
	if step.ReturnToStepOrder == nil || *step.ReturnToStepOrder >= step.StepOrder {
		return nil, nil
	}
	steps, err := s.loadFlowSteps(ctx, step.ApprovalFlowID, false)
	if err != nil {
		return nil, err
	}
	for _, candidate := range steps {
		if candidate.StepOrder == *step.ReturnToStepOrder {
			if !candidate.IsActive {
				return nil, nil
			}
			return candidate, nil
		}
	}
	return nil, nil
}

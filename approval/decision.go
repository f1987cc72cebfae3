package approval

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type DecisionParams struct {
	RequestID  int64  `json:"request_id" validate:"gt=0"`
	StepID     int64  `json:"step_id" validate:"gt=0"`
	ApproverID int64  `json:"approver_id" validate:"gt=0"`
	Comments   string `json:"comments"`
}

// decisionInput 人工审批和超时自动处理共用
type decisionInput struct {
	params   *DecisionParams
	decision RecordStatus
	method   string
	actorID  int64 // 写到申请 updated_by 上的人, 超时处理时是系统用户
}

func (s *ApprovalServiceImpl) Approve(ctx context.Context, params *DecisionParams) error {
	return s.decide(ctx, "Approve", params, RecordStatusApproved)
}

func (s *ApprovalServiceImpl) Reject(ctx context.Context, params *DecisionParams) error {
	return s.decide(ctx, "Reject", params, RecordStatusRejected)
}

func (s *ApprovalServiceImpl) decide(ctx context.Context, op string, params *DecisionParams, decision RecordStatus) error {
	if params == nil {
		return errors.WithMessage(ErrApprovalParamInvalid, "decision params is nil")
	}
	if err := validatorUtil.Struct(params); err != nil {
		return errors.WithMessagef(ErrApprovalParamInvalid, "decision params: %v", err)
	}
	input := &decisionInput{
		params:   params,
		decision: decision,
		method:   ActionMethodManual,
		actorID:  params.ApproverID,
	}
	return s.runRequestOp(ctx, params.RequestID, op, func(ctx context.Context, box *outbox) error {
		return s.applyDecision(ctx, input, box)
	})
}

// findDecisionRecord 取 (申请, 步骤, 审批人) 最新一轮的记录
//
//	没有记录                     -> ErrRecordNotFound
//	已经通过/驳回                -> ErrAlreadyDecided
//	申请已是终态                 -> ErrRequestAlreadyTerminal
//	记录已关闭(多人审批, 转交等) -> ErrRecordNotFound
func (s *ApprovalServiceImpl) findDecisionRecord(ctx context.Context, request *PurchaseRequestPo, params *DecisionParams) (*ApprovalRecordPo, error) {
	records, err := s.repo.QueryApprovalRecord(ctx, &QueryApprovalRecordParams{
		RequestID:  &params.RequestID,
		StepID:     &params.StepID,
		ApproverID: &params.ApproverID,
		Page:       &Pager{IsNoLimit: boolPtr(true)},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "load approval record of request %d failed", params.RequestID)
	}
	var latest *ApprovalRecordPo
	for _, record := range records {
		if latest == nil || record.ApprovalOrder > latest.ApprovalOrder ||
			(record.ApprovalOrder == latest.ApprovalOrder && record.ID > latest.ID) {
			latest = record
		}
	}
	if latest == nil {
		return nil, errors.WithMessagef(ErrRecordNotFound, "request %d step %d approver %d", params.RequestID, params.StepID, params.ApproverID)
	}
	if IsDecidedRecordStatus(latest.Status) {
		return nil, errors.WithMessagef(ErrAlreadyDecided, "record %d status %s", latest.ID, latest.Status)
	}
	if IsTerminalRequestStatus(request.Status) {
		return nil, errors.WithMessagef(ErrRequestAlreadyTerminal, "request %d status %s", request.ID, request.Status)
	}
	if latest.Status != RecordStatusPending {
		return nil, errors.WithMessagef(ErrRecordNotFound, "record %d status %s", latest.ID, latest.Status)
	}
	return latest, nil
}

func (s *ApprovalServiceImpl) applyDecision(ctx context.Context, input *decisionInput, box *outbox) error {
	params := input.params
	request, err := s.loadRequest(ctx, params.RequestID)
	if err != nil {
		return err
	}
	record, err := s.findDecisionRecord(ctx, request, params)
	if err != nil {
		return err
	}
	step, err := s.loadStep(ctx, record.ApprovalFlowStepID)
	if err != nil {
		return err
	}
	now := s.clock.Now().Unix()
	detail := NewRecordDetail(record.ActionDetail)
	detail.Set([]string{RecordDetailKeyActionMethod}, input.method)
	err = s.repo.UpdateApprovalRecord(ctx, &UpdateApprovalRecordParams{
		Where: &UpdateApprovalRecordWhere{IDIn: []int64{record.ID}, StatusIn: []string{RecordStatusPending}},
		Fields: &UpdateApprovalRecordField{
			Status:            stringPtr(input.decision),
			ActionAt:          &now,
			Comments:          stringPtr(params.Comments),
			IsAutomaticAction: boolPtr(input.method != ActionMethodManual),
			ActionDetail:      detail,
		},
	})
	if err != nil {
		return errors.WithMessagef(err, "decide record %d failed", record.ID)
	}
	box.decision(input.decision, input.method)
	s.logger.Info("approval decided",
		zap.Int64("request_id", request.ID), zap.Int64("step_id", step.ID), zap.Int64("record_id", record.ID),
		zap.Int64("approver_id", params.ApproverID), zap.String("decision", input.decision), zap.String("method", input.method))
	if input.decision == RecordStatusRejected && step.Kind != StepKindMultipleRequired {
		return s.failStep(ctx, request, step, input.actorID, params.Comments, box)
	}
	return s.checkStepCompletion(ctx, request, step, record.ApprovalOrder, input, box)
}

// checkStepCompletion 检查步骤这一轮是否结束
//
//	普通步骤: 没有待审批记录就完成
//	多人审批: 通过人数达到要求就完成, 剩余的待审批记录关闭;
//	         驳回人数超过容忍数, 或者剩余的人全部通过也达不到要求, 步骤失败
func (s *ApprovalServiceImpl) checkStepCompletion(ctx context.Context, request *PurchaseRequestPo, step *ApprovalFlowStepPo, round int64, input *decisionInput, box *outbox) error {
	records, err := s.repo.QueryApprovalRecord(ctx, &QueryApprovalRecordParams{
		RequestID: &request.ID,
		StepID:    &step.ID,
		Page:      &Pager{IsNoLimit: boolPtr(true)},
	})
	if err != nil {
		return errors.WithMessagef(err, "load round %d of request %d step %d failed", round, request.ID, step.ID)
	}
	var approved, rejected, pending int64
	for _, record := range records {
		if record.ApprovalOrder != round {
			continue
		}
		switch record.Status {
		case RecordStatusApproved:
			approved++
		case RecordStatusRejected:
			rejected++
		case RecordStatusPending:
			pending++
		}
	}
	if step.Kind != StepKindMultipleRequired {
		if pending > 0 {
			return nil
		}
		return s.advanceStep(ctx, request, step, input.actorID, box)
	}
	required := requiredApprovals(step)
	switch {
	case approved >= required:
		if err := s.supersedePending(ctx, request.ID, &step.ID, &round); err != nil {
			return err
		}
		return s.advanceStep(ctx, request, step, input.actorID, box)
	case rejected > step.RejectionTolerance || approved+pending < required:
		// 审批人的通过意见不能当成驳回原因
		reason := input.params.Comments
		if input.decision != RecordStatusRejected {
			reason = fmt.Sprintf("Step %q can no longer collect %d approvals (approved %d, rejected %d, pending %d)",
				step.Name, required, approved, rejected, pending)
		}
		return s.failStep(ctx, request, step, input.actorID, reason, box)
	}
	return nil
}

// requiredApprovals 多人审批需要的通过人数, 没配置按 1 算
func requiredApprovals(step *ApprovalFlowStepPo) int64 {
	if step.RequiredApprovalCount <= 0 {
		return 1
	}
	return step.RequiredApprovalCount
}

// failStep 步骤失败, 按驳回策略处理, 退回到某个步骤时重新激活它
func (s *ApprovalServiceImpl) failStep(ctx context.Context, request *PurchaseRequestPo, step *ApprovalFlowStepPo, actorID int64, reason string, box *outbox) error {
	target, err := s.applyRejectPolicy(ctx, request, step, actorID, reason, box)
	if err != nil {
		return err
	}
	if target == nil {
		return nil
	}
	return s.activateStep(ctx, request, target, actorID, box)
}

package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	sweepActionSkipped      = "skipped"
	sweepActionReminded     = "reminded"
	sweepActionAutoApproved = "auto_approved"
	sweepActionAutoRejected = "auto_rejected"
	sweepActionEscalated    = "escalated"

	timeoutApproveComment = "Approved automatically after the approval deadline passed"
	timeoutRejectComment  = "Rejected automatically after the approval deadline passed"
)

// SweepResult 一次超时扫描的结果
type SweepResult struct {
	Scanned      int
	Reminded     int
	AutoApproved int
	AutoRejected int
	Escalated    int
	Skipped      int
	Failed       int
}

func (r *SweepResult) add(action string) {
	switch action {
	case sweepActionReminded:
		r.Reminded++
	case sweepActionAutoApproved:
		r.AutoApproved++
	case sweepActionAutoRejected:
		r.AutoRejected++
	case sweepActionEscalated:
		r.Escalated++
	default:
		r.Skipped++
	}
}

func (s *ApprovalServiceImpl) ProcessOverdueApprovals(ctx context.Context) (*SweepResult, error) {
	now := s.clock.Now()
	overdue, err := s.repo.QueryApprovalRecord(ctx, &QueryApprovalRecordParams{
		StatusIn:  []string{RecordStatusPending},
		DueBefore: int64Ptr(now.Unix()),
		Page:      &Pager{IsNoLimit: boolPtr(true)},
	})
	if err != nil {
		return nil, errors.WithMessage(err, "load overdue approvals failed")
	}
	result := &SweepResult{}
	for _, record := range overdue {
		if ctx.Err() != nil {
			return result, errors.Wrap(ctx.Err(), "overdue sweep canceled")
		}
		result.Scanned++
		recordID := record.ID
		action := sweepActionSkipped
		err := s.runRequestOp(ctx, record.PurchaseRequestID, "ProcessOverdueApproval", func(ctx context.Context, box *outbox) error {
			var err error
			action, err = s.handleOverdueRecord(ctx, recordID, now, box)
			return err
		})
		if err != nil {
			// 和人工审批撞上了, 记录已经被处理
			if errors.Is(err, ErrAlreadyDecided) || errors.Is(err, ErrRecordNotFound) || errors.Is(err, ErrRequestAlreadyTerminal) {
				result.Skipped++
				continue
			}
			result.Failed++
			s.logger.Error("process overdue approval failed", zap.Int64("record_id", recordID),
				zap.Int64("request_id", record.PurchaseRequestID), zap.Error(err))
			continue
		}
		result.add(action)
	}
	s.logger.Info("overdue approvals processed",
		zap.Int("scanned", result.Scanned), zap.Int("reminded", result.Reminded),
		zap.Int("auto_approved", result.AutoApproved), zap.Int("auto_rejected", result.AutoRejected),
		zap.Int("escalated", result.Escalated), zap.Int("skipped", result.Skipped), zap.Int("failed", result.Failed))
	return result, nil
}

// handleOverdueRecord 在申请锁和事务里重新读取记录后按步骤的超时策略处理
func (s *ApprovalServiceImpl) handleOverdueRecord(ctx context.Context, recordID int64, now time.Time, box *outbox) (string, error) {
	records, err := s.repo.QueryApprovalRecord(ctx, &QueryApprovalRecordParams{
		RecordID: &recordID,
		Page:     &Pager{IsNoLimit: boolPtr(true)},
	})
	if err != nil {
		return "", errors.WithMessagef(err, "reload approval record %d failed", recordID)
	}
	if len(records) == 0 {
		return sweepActionSkipped, nil
	}
	record := records[0]
	if record.Status != RecordStatusPending || record.ApproverID == nil || !s.isOverdue(record, now.Unix()) {
		return sweepActionSkipped, nil
	}
	request, err := s.loadRequest(ctx, record.PurchaseRequestID)
	if err != nil {
		return "", err
	}
	if IsTerminalRequestStatus(request.Status) {
		return sweepActionSkipped, nil
	}
	step, err := s.loadStep(ctx, record.ApprovalFlowStepID)
	if err != nil {
		return "", err
	}
	params := &DecisionParams{
		RequestID:  record.PurchaseRequestID,
		StepID:     record.ApprovalFlowStepID,
		ApproverID: *record.ApproverID,
	}
	switch step.TimeoutPolicy {
	case TimeoutPolicySendReminder:
		return s.remindOverdue(ctx, request, step, record, now, box)
	case TimeoutPolicyAutoApprove:
		params.Comments = timeoutApproveComment
		err = s.applyDecision(ctx, &decisionInput{params: params, decision: RecordStatusApproved, method: ActionMethodTimeout, actorID: s.options.SystemActorID}, box)
		if err != nil {
			return "", err
		}
		box.sweepAction(step.TimeoutPolicy)
		return sweepActionAutoApproved, nil
	case TimeoutPolicyAutoReject:
		params.Comments = timeoutRejectComment
		err = s.applyDecision(ctx, &decisionInput{params: params, decision: RecordStatusRejected, method: ActionMethodTimeout, actorID: s.options.SystemActorID}, box)
		if err != nil {
			return "", err
		}
		box.sweepAction(step.TimeoutPolicy)
		return sweepActionAutoRejected, nil
	case TimeoutPolicyEscalate:
		return s.escalateOverdue(ctx, request, step, record, now, box)
	}
	return sweepActionSkipped, nil
}

// remindOverdue 提醒审批人, 同一条记录在 ReminderInterval 内只提醒一次
func (s *ApprovalServiceImpl) remindOverdue(ctx context.Context, request *PurchaseRequestPo, step *ApprovalFlowStepPo, record *ApprovalRecordPo, now time.Time, box *outbox) (string, error) {
	if record.LastReminderAt != nil && now.Sub(time.Unix(*record.LastReminderAt, 0)) < s.options.ReminderInterval {
		return sweepActionSkipped, nil
	}
	ts := now.Unix()
	err := s.repo.UpdateApprovalRecord(ctx, &UpdateApprovalRecordParams{
		Where: &UpdateApprovalRecordWhere{IDIn: []int64{record.ID}, StatusIn: []string{RecordStatusPending}},
		Fields: &UpdateApprovalRecordField{
			ReminderCount:  int64Ptr(record.ReminderCount + 1),
			LastReminderAt: &ts,
		},
	})
	if err != nil {
		return "", errors.WithMessagef(err, "remind record %d failed", record.ID)
	}
	box.add(s.newRequestNotification(*record.ApproverID, request, "Approval overdue",
		fmt.Sprintf("Purchase request %s (%s) is still waiting for your approval at step %q.", request.RequestNumber, request.Title, step.Name)))
	box.sweepAction(TimeoutPolicySendReminder)
	return sweepActionReminded, nil
}

// escalateOverdue 转交给申请部门里不在本轮的第一个负责人, 找不到人时退化为提醒
func (s *ApprovalServiceImpl) escalateOverdue(ctx context.Context, request *PurchaseRequestPo, step *ApprovalFlowStepPo, record *ApprovalRecordPo, now time.Time, box *outbox) (string, error) {
	managers, err := s.resolveDepartmentManagers(ctx, request.DepartmentID)
	if err != nil {
		return "", err
	}
	roundRecords, err := s.repo.QueryApprovalRecord(ctx, &QueryApprovalRecordParams{
		RequestID: &request.ID,
		StepID:    &step.ID,
		Page:      &Pager{IsNoLimit: boolPtr(true)},
	})
	if err != nil {
		return "", errors.WithMessagef(err, "load round of record %d failed", record.ID)
	}
	inRound := make(map[int64]struct{})
	for _, r := range roundRecords {
		if r.ApprovalOrder == record.ApprovalOrder && r.ApproverID != nil {
			inRound[*r.ApproverID] = struct{}{}
		}
	}
	var delegate *int64
	for _, managerID := range uniqueSortedIDs(managers) {
		if _, ok := inRound[managerID]; !ok {
			delegate = int64Ptr(managerID)
			break
		}
	}
	if delegate == nil {
		s.logger.Info("no manager to escalate to, send reminder instead",
			zap.Int64("request_id", request.ID), zap.Int64("record_id", record.ID))
		return s.remindOverdue(ctx, request, step, record, now, box)
	}
	ts := now.Unix()
	detail := NewRecordDetail(record.ActionDetail)
	detail.Set([]string{RecordDetailKeyActionMethod}, ActionMethodTimeout)
	detail.Set([]string{RecordDetailKeySupersededBy}, *delegate)
	err = s.repo.UpdateApprovalRecord(ctx, &UpdateApprovalRecordParams{
		Where: &UpdateApprovalRecordWhere{IDIn: []int64{record.ID}, StatusIn: []string{RecordStatusPending}},
		Fields: &UpdateApprovalRecordField{
			Status:            stringPtr(RecordStatusSuperseded),
			ActionAt:          &ts,
			IsAutomaticAction: boolPtr(true),
			ActionDetail:      detail,
		},
	})
	if err != nil {
		return "", errors.WithMessagef(err, "supersede record %d failed", record.ID)
	}
	newDetail := NewRecordDetail(nil)
	newDetail.Set([]string{RecordDetailKeyTimeoutPolicy}, step.TimeoutPolicy)
	escalated := &ApprovalRecordPo{
		PurchaseRequestID:  request.ID,
		ApprovalFlowStepID: step.ID,
		ApproverID:         delegate,
		Status:             RecordStatusPending,
		ApprovalOrder:      record.ApprovalOrder,
		DueAt:              int64Ptr(s.stepDueAt(step, now)),
		DelegatedFromID:    record.ApproverID,
		ActionDetail:       newDetail.ToBytesWithoutError(),
		CreatedByID:        s.options.SystemActorID,
	}
	if err := s.repo.CreateApprovalRecords(ctx, []*ApprovalRecordPo{escalated}); err != nil {
		return "", errors.WithMessagef(err, "create escalated record of request %d failed", request.ID)
	}
	box.add(s.newRequestNotification(*delegate, request, "Escalated approval required",
		fmt.Sprintf("Purchase request %s (%s) was escalated to you at step %q after the approval deadline passed.", request.RequestNumber, request.Title, step.Name)))
	box.sweepAction(TimeoutPolicyEscalate)
	s.logger.Info("overdue approval escalated",
		zap.Int64("request_id", request.ID), zap.Int64("record_id", record.ID),
		zap.Int64("from", *record.ApproverID), zap.Int64("to", *delegate))
	return sweepActionEscalated, nil
}

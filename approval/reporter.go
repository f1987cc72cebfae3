package approval

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// HistoryEntry 审批历史的一行
type HistoryEntry struct {
	*ApprovalRecord
	StepName             string
	StepOrder            int64
	ApproverName         string
	ApproverRoleIDs      []int64
	ApproverDepartmentID *int64
	IsOverdue            bool
}

// StatusReport 申请的审批进度, CurrentStatus 只由审批记录推导
type StatusReport struct {
	RequestID        int64
	RequestNumber    string
	RequestStatus    RequestStatus
	CurrentStatus    string
	CurrentStepID    *int64
	CurrentStepName  string
	CurrentStepOrder int64
	TotalSteps       int
	// IsCompleted 有审批记录并且没有任何待审批记录时为 true,
	// 一条记录都没有(还没提交)时为 false, 和 CurrentStatus 为 "Not started" 保持一致
	IsCompleted      bool
	CompletionDate   *time.Time
	CurrentApprovers []string
	History          []*HistoryEntry
}

// PendingApproval 用户待处理的审批
type PendingApproval struct {
	RecordID      int64
	RequestID     int64
	RequestNumber string
	RequestTitle  string
	RequestAmount decimal.Decimal
	Currency      string
	RequestedByID int64
	RequestedBy   string
	StepID        int64
	StepName      string
	DueAt         *time.Time
	IsOverdue     bool
	ReminderCount int64
}

func (s *ApprovalServiceImpl) isOverdue(record *ApprovalRecordPo, now int64) bool {
	return record.Status == RecordStatusPending && record.DueAt != nil && *record.DueAt < now
}

// userCache 一次查询里同一个用户只查一次
type userCache struct {
	directory UserDirectory
	users     map[int64]*DirectoryUser
}

func (c *userCache) get(ctx context.Context, userID int64) (*DirectoryUser, error) {
	if user, ok := c.users[userID]; ok {
		return user, nil
	}
	user, err := c.directory.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			return nil, err
		}
		user = nil
	}
	c.users[userID] = user
	return user, nil
}

func (s *ApprovalServiceImpl) newUserCache() *userCache {
	return &userCache{directory: s.directory, users: make(map[int64]*DirectoryUser)}
}

func (s *ApprovalServiceImpl) stepsByID(ctx context.Context, records []*ApprovalRecordPo) (map[int64]*ApprovalFlowStepPo, error) {
	ids := make([]int64, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ApprovalFlowStepID)
	}
	ids = uniqueSortedIDs(ids)
	ret := make(map[int64]*ApprovalFlowStepPo, len(ids))
	if len(ids) == 0 {
		return ret, nil
	}
	steps, err := s.repo.QueryFlowStep(ctx, &QueryFlowStepParams{
		IDIn: ids,
		Page: &Pager{IsNoLimit: boolPtr(true)},
	})
	if err != nil {
		return nil, errors.WithMessage(err, "load approval steps failed")
	}
	for _, step := range steps {
		ret[step.ID] = step
	}
	return ret, nil
}

func (s *ApprovalServiceImpl) GetHistory(ctx context.Context, requestID int64) ([]*HistoryEntry, error) {
	if _, err := s.loadRequest(ctx, requestID); err != nil {
		return nil, err
	}
	records, err := s.loadRequestRecords(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return s.buildHistory(ctx, records)
}

// buildHistory 按 步骤顺序, 轮次, 记录id 排序
func (s *ApprovalServiceImpl) buildHistory(ctx context.Context, records []*ApprovalRecordPo) ([]*HistoryEntry, error) {
	steps, err := s.stepsByID(ctx, records)
	if err != nil {
		return nil, err
	}
	users := s.newUserCache()
	now := s.clock.Now().Unix()
	ret := make([]*HistoryEntry, 0, len(records))
	for _, record := range records {
		entry := &HistoryEntry{
			ApprovalRecord: toApprovalRecord(record),
			IsOverdue:      s.isOverdue(record, now),
		}
		if step, ok := steps[record.ApprovalFlowStepID]; ok {
			entry.StepName = step.Name
			entry.StepOrder = step.StepOrder
		}
		if record.ApproverID == nil {
			entry.ApproverName = "System"
		} else {
			user, err := users.get(ctx, *record.ApproverID)
			if err != nil {
				return nil, errors.WithMessagef(err, "load approver %d failed", *record.ApproverID)
			}
			if user != nil {
				entry.ApproverName = user.DisplayName
				entry.ApproverRoleIDs = user.RoleIDs
				entry.ApproverDepartmentID = user.DepartmentID
			}
		}
		ret = append(ret, entry)
	}
	sort.SliceStable(ret, func(i, j int) bool {
		if ret[i].StepOrder != ret[j].StepOrder {
			return ret[i].StepOrder < ret[j].StepOrder
		}
		if ret[i].ApprovalOrder != ret[j].ApprovalOrder {
			return ret[i].ApprovalOrder < ret[j].ApprovalOrder
		}
		return ret[i].ID < ret[j].ID
	})
	return ret, nil
}

func (s *ApprovalServiceImpl) GetStatus(ctx context.Context, requestID int64) (*StatusReport, error) {
	request, err := s.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	records, err := s.loadRequestRecords(ctx, requestID)
	if err != nil {
		return nil, err
	}
	history, err := s.buildHistory(ctx, records)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{
		RequestID:        request.ID,
		RequestNumber:    request.RequestNumber,
		RequestStatus:    request.Status,
		History:          history,
		CurrentApprovers: make([]string, 0),
	}
	if request.ApprovalFlowID != nil {
		steps, err := s.loadFlowSteps(ctx, *request.ApprovalFlowID, true)
		if err != nil {
			return nil, err
		}
		report.TotalSteps = len(steps)
	}
	// history 已经按步骤排好序, 第一个待审批记录所在的步骤就是当前步骤
	var current *HistoryEntry
	for _, entry := range history {
		if entry.Status == RecordStatusPending {
			current = entry
			break
		}
	}
	switch {
	case len(history) == 0:
		// 没有记录不算完成
		report.CurrentStatus = StatusTextNotStarted
	case current != nil:
		report.CurrentStatus = StatusTextPendingApproval
		report.CurrentStepID = int64Ptr(current.StepID)
		report.CurrentStepName = current.StepName
		report.CurrentStepOrder = current.StepOrder
		for _, entry := range history {
			if entry.Status == RecordStatusPending && entry.StepID == current.StepID && entry.ApproverName != "" {
				report.CurrentApprovers = append(report.CurrentApprovers, entry.ApproverName)
			}
		}
	default:
		report.CurrentStatus = StatusTextCompleted
		report.IsCompleted = true
		report.CompletionDate = unixToTimePtr(request.CompletedAt)
		if report.CompletionDate == nil {
			for _, entry := range history {
				if entry.ActionAt != nil && (report.CompletionDate == nil || entry.ActionAt.After(*report.CompletionDate)) {
					report.CompletionDate = entry.ActionAt
				}
			}
		}
	}
	return report, nil
}

func (s *ApprovalServiceImpl) GetPendingApprovalsForUser(ctx context.Context, userID int64) ([]*PendingApproval, error) {
	records, err := s.repo.QueryApprovalRecord(ctx, &QueryApprovalRecordParams{
		ApproverID: &userID,
		StatusIn:   []string{RecordStatusPending},
		Page:       &Pager{IsNoLimit: boolPtr(true)},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "load pending approvals of user %d failed", userID)
	}
	if len(records) == 0 {
		return []*PendingApproval{}, nil
	}
	requestIDs := make([]int64, 0, len(records))
	for _, record := range records {
		requestIDs = append(requestIDs, record.PurchaseRequestID)
	}
	requests, err := s.repo.QueryPurchaseRequest(ctx, &QueryPurchaseRequestParams{
		IDIn: uniqueSortedIDs(requestIDs),
		Page: &Pager{IsNoLimit: boolPtr(true)},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "load pending requests of user %d failed", userID)
	}
	requestMap := make(map[int64]*PurchaseRequestPo, len(requests))
	for _, request := range requests {
		requestMap[request.ID] = request
	}
	steps, err := s.stepsByID(ctx, records)
	if err != nil {
		return nil, err
	}
	users := s.newUserCache()
	now := s.clock.Now().Unix()
	ret := make([]*PendingApproval, 0, len(records))
	for _, record := range records {
		request, ok := requestMap[record.PurchaseRequestID]
		// 终态申请上残留的记录不再展示
		if !ok || IsTerminalRequestStatus(request.Status) {
			continue
		}
		item := &PendingApproval{
			RecordID:      record.ID,
			RequestID:     request.ID,
			RequestNumber: request.RequestNumber,
			RequestTitle:  request.Title,
			RequestAmount: request.TotalAmount,
			Currency:      request.Currency,
			RequestedByID: request.RequestedByID,
			StepID:        record.ApprovalFlowStepID,
			DueAt:         unixToTimePtr(record.DueAt),
			IsOverdue:     s.isOverdue(record, now),
			ReminderCount: record.ReminderCount,
		}
		if step, ok := steps[record.ApprovalFlowStepID]; ok {
			item.StepName = step.Name
		}
		requester, err := users.get(ctx, request.RequestedByID)
		if err != nil {
			return nil, errors.WithMessagef(err, "load requester %d failed", request.RequestedByID)
		}
		if requester != nil {
			item.RequestedBy = requester.DisplayName
		}
		ret = append(ret, item)
	}
	// 按到期时间排序, 没有到期时间的放最后
	sort.SliceStable(ret, func(i, j int) bool {
		if ret[i].DueAt == nil || ret[j].DueAt == nil {
			return ret[i].DueAt != nil && ret[j].DueAt == nil
		}
		if !ret[i].DueAt.Equal(*ret[j].DueAt) {
			return ret[i].DueAt.Before(*ret[j].DueAt)
		}
		return ret[i].RecordID < ret[j].RecordID
	})
	return ret, nil
}

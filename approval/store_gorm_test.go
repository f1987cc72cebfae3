package approval

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApprovalRepo_PurchaseRequestVersion(t *testing.T) {
	repo := NewApprovalRepo(newTestDB(t))
	ctx := context.Background()

	request, err := repo.CreatePurchaseRequest(ctx, &PurchaseRequestPo{
		RequestNumber: "PR-1",
		TotalAmount:   decimal.RequireFromString("1250.50"),
		Currency:      "TRY",
	})
	require.NoError(t, err)
	assert.Equal(t, RequestStatusDraft, request.Status)

	err = repo.UpdatePurchaseRequest(ctx, &UpdatePurchaseRequestParams{
		Where:  &UpdatePurchaseRequestWhere{ID: request.ID, Version: 0},
		Fields: &UpdatePurchaseRequestField{Status: stringPtr(RequestStatusInReview), CurrentApprovalStepID: int64Ptr(3)},
	})
	require.NoError(t, err)

	t.Run("旧版本更新失败", func(t *testing.T) {
		err := repo.UpdatePurchaseRequest(ctx, &UpdatePurchaseRequestParams{
			Where:  &UpdatePurchaseRequestWhere{ID: request.ID, Version: 0},
			Fields: &UpdatePurchaseRequestField{Status: stringPtr(RequestStatusApproved)},
		})
		assert.True(t, errors.Is(err, ErrConcurrentModification))
	})

	t.Run("清空当前步骤", func(t *testing.T) {
		err := repo.UpdatePurchaseRequest(ctx, &UpdatePurchaseRequestParams{
			Where:  &UpdatePurchaseRequestWhere{ID: request.ID, Version: 1},
			Fields: &UpdatePurchaseRequestField{ClearCurrentStep: true, RejectionReason: stringPtr("no budget")},
		})
		require.NoError(t, err)
		pos, err := repo.QueryPurchaseRequest(ctx, &QueryPurchaseRequestParams{RequestID: &request.ID, Page: &Pager{}})
		require.NoError(t, err)
		require.Len(t, pos, 1)
		assert.Nil(t, pos[0].CurrentApprovalStepID)
		assert.Equal(t, int64(2), pos[0].Version)
		assert.Equal(t, RequestStatusInReview, pos[0].Status)
		assert.True(t, pos[0].TotalAmount.Equal(decimal.RequireFromString("1250.5")))
	})

	t.Run("没有字段", func(t *testing.T) {
		err := repo.UpdatePurchaseRequest(ctx, &UpdatePurchaseRequestParams{
			Where:  &UpdatePurchaseRequestWhere{ID: request.ID, Version: 2},
			Fields: &UpdatePurchaseRequestField{},
		})
		assert.Error(t, err)
	})
}

func TestApprovalRepo_RecordGuardedUpdate(t *testing.T) {
	repo := NewApprovalRepo(newTestDB(t))
	ctx := context.Background()

	records := []*ApprovalRecordPo{
		{PurchaseRequestID: 1, ApprovalFlowStepID: 1, ApproverID: int64Ptr(10), Status: RecordStatusPending, ApprovalOrder: 1},
		{PurchaseRequestID: 1, ApprovalFlowStepID: 1, ApproverID: int64Ptr(11), Status: RecordStatusPending, ApprovalOrder: 1},
	}
	require.NoError(t, repo.CreateApprovalRecords(ctx, records))

	detail := newActionDetail(ActionMethodManual)
	err := repo.UpdateApprovalRecord(ctx, &UpdateApprovalRecordParams{
		Where:  &UpdateApprovalRecordWhere{IDIn: []int64{records[0].ID}, StatusIn: []string{RecordStatusPending}},
		Fields: &UpdateApprovalRecordField{Status: stringPtr(RecordStatusApproved), ActionDetail: detail},
	})
	require.NoError(t, err)

	t.Run("状态已经变化", func(t *testing.T) {
		err := repo.UpdateApprovalRecord(ctx, &UpdateApprovalRecordParams{
			Where:  &UpdateApprovalRecordWhere{IDIn: []int64{records[0].ID}, StatusIn: []string{RecordStatusPending}},
			Fields: &UpdateApprovalRecordField{Status: stringPtr(RecordStatusRejected)},
		})
		assert.True(t, errors.Is(err, ErrConcurrentModification))
	})

	t.Run("按条件查询", func(t *testing.T) {
		pos, err := repo.QueryApprovalRecord(ctx, &QueryApprovalRecordParams{
			RequestID: int64Ptr(1),
			StatusIn:  []string{RecordStatusApproved},
			Page:      &Pager{IsNoLimit: boolPtr(true)},
		})
		require.NoError(t, err)
		require.Len(t, pos, 1)
		method, _ := NewRecordDetail(pos[0].ActionDetail).GetString(RecordDetailKeyActionMethod)
		assert.Equal(t, ActionMethodManual, method)

		pos, err = repo.QueryApprovalRecord(ctx, &QueryApprovalRecordParams{
			ApproverID:   int64Ptr(11),
			OrderbyIDAsc: boolPtr(false),
			Page:         &Pager{Page: 1, Size: 1},
		})
		require.NoError(t, err)
		require.Len(t, pos, 1)
		assert.Equal(t, records[1].ID, pos[0].ID)
	})

	t.Run("分页参数必填", func(t *testing.T) {
		_, err := repo.QueryApprovalRecord(ctx, &QueryApprovalRecordParams{})
		assert.Error(t, err)
	})
}

func TestApprovalRepo_Transaction(t *testing.T) {
	repo := NewApprovalRepo(newTestDB(t))
	ctx := context.Background()

	t.Run("出错回滚", func(t *testing.T) {
		err := repo.Transaction(ctx, func(ctx context.Context) error {
			_, err := repo.CreatePurchaseRequest(ctx, &PurchaseRequestPo{RequestNumber: "PR-rollback"})
			require.NoError(t, err)
			return errors.New("rollback")
		})
		assert.Error(t, err)
		pos, err := repo.QueryPurchaseRequest(ctx, &QueryPurchaseRequestParams{Page: &Pager{IsNoLimit: boolPtr(true)}})
		require.NoError(t, err)
		assert.Empty(t, pos)
	})

	t.Run("嵌套复用外层事务", func(t *testing.T) {
		err := repo.Transaction(ctx, func(ctx context.Context) error {
			return repo.Transaction(ctx, func(ctx context.Context) error {
				_, err := repo.CreatePurchaseRequest(ctx, &PurchaseRequestPo{RequestNumber: "PR-nested"})
				return err
			})
		})
		require.NoError(t, err)
		pos, err := repo.QueryPurchaseRequest(ctx, &QueryPurchaseRequestParams{Page: &Pager{IsNoLimit: boolPtr(true)}})
		require.NoError(t, err)
		require.Len(t, pos, 1)
		assert.Equal(t, "PR-nested", pos[0].RequestNumber)
	})

	t.Run("模板和步骤一起创建", func(t *testing.T) {
		flow, err := repo.CreateFlow(ctx, &ApprovalFlowPo{Name: "f", IsActive: true}, []*ApprovalFlowStepPo{
			{StepOrder: 2, Name: "b", Kind: StepKindAutomatic, IsActive: true},
			{StepOrder: 1, Name: "a", Kind: StepKindAutomatic, IsActive: true},
		})
		require.NoError(t, err)
		steps, err := repo.QueryFlowStep(ctx, &QueryFlowStepParams{FlowID: &flow.ID, Page: &Pager{IsNoLimit: boolPtr(true)}})
		require.NoError(t, err)
		require.Len(t, steps, 2)
		assert.Equal(t, "a", steps[0].Name)
	})
}

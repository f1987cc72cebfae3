package tests

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blingmoon/purchase-approval/approval"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenarioIndividualThenBudgetCheck 单人审批后自动预算检查
func TestScenarioIndividualThenBudgetCheck(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var budgetChecks int32
	err := env.service.RegisterAutomatedAction(approval.AutomatedActionBudgetCheck,
		func(ctx context.Context, request *approval.PurchaseRequest, step *approval.StepDefinition) error {
			atomic.AddInt32(&budgetChecks, 1)
			assert.Equal(t, "5000", request.TotalAmount.String())
			return nil
		})
	require.NoError(t, err)

	flow := env.createFlow(t, "small purchases",
		individualStep(1, generalManager),
		&approval.StepConfig{Order: 2, Name: "Budget check", Kind: approval.StepKindAutomatic, AutomatedAction: approval.AutomatedActionBudgetCheck},
	)
	request := env.newRequest(t, "5000")

	require.NoError(t, env.service.InitiateFlow(ctx, request.ID, requesterID))
	current := env.request(t, request.ID)
	assert.Equal(t, approval.RequestStatusInReview, current.Status)
	assert.Equal(t, flow.ID, *current.ApprovalFlowID)
	assert.Equal(t, flow.Steps[0].ID, *current.CurrentApprovalStepID)
	require.NotNil(t, current.SubmittedAt)
	assert.Equal(t, startTime.Unix(), *current.SubmittedAt)

	pending := env.records(t, request.ID, flow.Steps[0].ID, approval.RecordStatusPending)
	require.Len(t, pending, 1)
	assert.Equal(t, generalManager, *pending[0].ApproverID)
	assert.Equal(t, int64(1), pending[0].ApprovalOrder)
	// 没配置超时, 默认72小时
	assert.Equal(t, startTime.Add(72*time.Hour).Unix(), *pending[0].DueAt)
	assert.Equal(t, 1, env.notifier.count(generalManager, "Approval required"))
	assert.Equal(t, int32(0), atomic.LoadInt32(&budgetChecks))

	env.clock.Advance(time.Hour)
	require.NoError(t, env.service.Approve(ctx, decision(request, flow.Steps[0], generalManager, "ok")))

	current = env.request(t, request.ID)
	assert.Equal(t, approval.RequestStatusApproved, current.Status)
	assert.Nil(t, current.CurrentApprovalStepID)
	require.NotNil(t, current.CompletedAt)
	assert.Equal(t, startTime.Add(time.Hour).Unix(), *current.CompletedAt)
	assert.Equal(t, int32(1), atomic.LoadInt32(&budgetChecks))
	assert.Equal(t, 1, env.notifier.count(requesterID, "Purchase request approved"))

	auto := env.records(t, request.ID, flow.Steps[1].ID)
	require.Len(t, auto, 1)
	assert.Nil(t, auto[0].ApproverID)
	assert.True(t, auto[0].IsAutomaticAction)
	assert.Equal(t, approval.RecordStatusApproved, auto[0].Status)
	assert.Equal(t, systemUser, auto[0].CreatedByID)

	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.Transitions.WithLabelValues(approval.RequestStatusApproved)))
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.Decisions.WithLabelValues(approval.RecordStatusApproved, approval.ActionMethodManual)))
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.Decisions.WithLabelValues(approval.RecordStatusApproved, approval.ActionMethodAutomatic)))

	t.Run("重复审批", func(t *testing.T) {
		err := env.service.Approve(ctx, decision(request, flow.Steps[0], generalManager, "again"))
		assert.True(t, errors.Is(err, approval.ErrAlreadyDecided))
	})

	t.Run("重复提交", func(t *testing.T) {
		err := env.service.InitiateFlow(ctx, request.ID, requesterID)
		assert.True(t, errors.Is(err, approval.ErrInvalidRequestState))
	})
}

// TestScenarioRoleStepAllApprove 角色审批, 每个人都要通过
func TestScenarioRoleStepAllApprove(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	flow := env.createFlow(t, "role flow", roleStep(1, roleSpecialist))
	request := env.newRequest(t, "1200")
	step := flow.Steps[0]

	require.NoError(t, env.service.InitiateFlow(ctx, request.ID, requesterID))
	pending := env.records(t, request.ID, step.ID, approval.RecordStatusPending)
	// 停用的用户不参与
	assert.Equal(t, []int64{specialistA, specialistB, specialistC}, approverIDs(pending))

	require.NoError(t, env.service.Approve(ctx, decision(request, step, specialistA, "")))
	assert.Equal(t, approval.RequestStatusInReview, env.request(t, request.ID).Status)
	assert.Len(t, env.records(t, request.ID, step.ID, approval.RecordStatusPending), 2)

	t.Run("不是审批人", func(t *testing.T) {
		err := env.service.Approve(ctx, decision(request, step, specialistOff, ""))
		assert.True(t, errors.Is(err, approval.ErrRecordNotFound))
	})

	require.NoError(t, env.service.Approve(ctx, decision(request, step, specialistB, "")))
	assert.Equal(t, approval.RequestStatusInReview, env.request(t, request.ID).Status)
	require.NoError(t, env.service.Approve(ctx, decision(request, step, specialistC, "")))
	assert.Equal(t, approval.RequestStatusApproved, env.request(t, request.ID).Status)
	assert.Empty(t, env.records(t, request.ID, step.ID, approval.RecordStatusPending))
}

// TestScenarioRejectCancel 驳回后直接取消
func TestScenarioRejectCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	flow := env.createFlow(t, "cancel flow", roleStep(1, roleSpecialist), individualStep(2, generalManager))
	request := env.newRequest(t, "800")
	step := flow.Steps[0]
	require.NoError(t, env.service.InitiateFlow(ctx, request.ID, requesterID))

	require.NoError(t, env.service.Reject(ctx, decision(request, step, specialistA, "too expensive")))

	current := env.request(t, request.ID)
	assert.Equal(t, approval.RequestStatusRejected, current.Status)
	assert.Equal(t, "too expensive", current.RejectionReason)
	assert.Nil(t, current.CurrentApprovalStepID)
	assert.NotNil(t, current.CompletedAt)
	assert.Equal(t, specialistA, current.UpdatedByID)
	assert.Equal(t, 1, env.notifier.count(requesterID, "Purchase request rejected"))

	// 其余待审批记录全部关闭
	assert.Empty(t, env.records(t, request.ID, 0, approval.RecordStatusPending))
	assert.Len(t, env.records(t, request.ID, step.ID, approval.RecordStatusSuperseded), 2)
	// 下一步不会激活
	assert.Empty(t, env.records(t, request.ID, flow.Steps[1].ID))

	t.Run("驳回人再次审批", func(t *testing.T) {
		err := env.service.Approve(ctx, decision(request, step, specialistA, ""))
		assert.True(t, errors.Is(err, approval.ErrAlreadyDecided))
	})

	t.Run("终态申请上的迟到审批", func(t *testing.T) {
		err := env.service.Approve(ctx, decision(request, step, specialistB, ""))
		assert.True(t, errors.Is(err, approval.ErrRequestAlreadyTerminal))
	})

	t.Run("没有填写原因", func(t *testing.T) {
		other := env.newRequest(t, "800")
		require.NoError(t, env.service.InitiateFlow(ctx, other.ID, requesterID))
		require.NoError(t, env.service.Reject(ctx, decision(other, step, specialistC, "")))
		assert.Equal(t, `Rejected at step "Step 1"`, env.request(t, other.ID).RejectionReason)
	})
}

// TestScenarioReturnToStep 第3步驳回退回第2步, 再走完整个流程
func TestScenarioReturnToStep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	step3 := individualStep(3, managerMert)
	step3.RejectPolicy = approval.RejectPolicyReturnToStep
	step3.ReturnToStepOrder = int64Ptr(2)
	flow := env.createFlow(t, "four steps",
		individualStep(1, generalManager),
		roleStep(2, rolePurchaseManager),
		step3,
		&approval.StepConfig{Order: 4, Name: "Step 4", Kind: approval.StepKindAutomatic},
	)
	request := env.newRequest(t, "25000")
	require.NoError(t, env.service.InitiateFlow(ctx, request.ID, requesterID))
	require.NoError(t, env.service.Approve(ctx, decision(request, flow.Steps[0], generalManager, "")))
	require.NoError(t, env.service.Approve(ctx, decision(request, flow.Steps[1], purchaseManager, "")))
	assert.Equal(t, flow.Steps[2].ID, *env.request(t, request.ID).CurrentApprovalStepID)

	require.NoError(t, env.service.Reject(ctx, decision(request, flow.Steps[2], managerMert, "wrong supplier")))

	current := env.request(t, request.ID)
	assert.Equal(t, approval.RequestStatusRevisionRequested, current.Status)
	assert.Equal(t, flow.Steps[1].ID, *current.CurrentApprovalStepID)
	assert.Equal(t, "wrong supplier", current.RejectionReason)
	step2Records := env.records(t, request.ID, flow.Steps[1].ID)
	require.Len(t, step2Records, 2)
	assert.Equal(t, approval.RecordStatusApproved, step2Records[0].Status)
	assert.Equal(t, int64(1), step2Records[0].ApprovalOrder)
	assert.Equal(t, approval.RecordStatusPending, step2Records[1].Status)
	assert.Equal(t, int64(2), step2Records[1].ApprovalOrder)
	assert.Equal(t, 2, env.notifier.count(purchaseManager, "Approval required"))
	assert.Equal(t, 1, env.notifier.count(requesterID, `Purchase request returned to step "Step 2"`))

	t.Run("重新审批后回到审批中", func(t *testing.T) {
		require.NoError(t, env.service.Approve(ctx, decision(request, flow.Steps[1], purchaseManager, "supplier changed")))
		current := env.request(t, request.ID)
		assert.Equal(t, approval.RequestStatusInReview, current.Status)
		assert.Equal(t, flow.Steps[2].ID, *current.CurrentApprovalStepID)

		step3Records := env.records(t, request.ID, flow.Steps[2].ID)
		require.Len(t, step3Records, 2)
		assert.Equal(t, int64(2), step3Records[1].ApprovalOrder)
		assert.Equal(t, approval.RecordStatusPending, step3Records[1].Status)

		require.NoError(t, env.service.Approve(ctx, decision(request, flow.Steps[2], managerMert, "")))
		assert.Equal(t, approval.RequestStatusApproved, env.request(t, request.ID).Status)
	})

	t.Run("历史按步骤和轮次排序", func(t *testing.T) {
		history, err := env.service.GetHistory(ctx, request.ID)
		require.NoError(t, err)
		require.Len(t, history, 6)
		got := make([][2]int64, 0, len(history))
		for _, entry := range history {
			got = append(got, [2]int64{entry.StepOrder, entry.ApprovalOrder})
		}
		assert.Equal(t, [][2]int64{{1, 1}, {2, 1}, {2, 2}, {3, 1}, {3, 2}, {4, 1}}, got)
		assert.Equal(t, approval.RecordStatusRejected, history[3].Status)
		assert.Equal(t, "Mert Manager", history[3].ApproverName)
		assert.Equal(t, "System", history[5].ApproverName)
	})
}

// TestScenarioConcurrentApprove 两个请求同时审批最后一条待审批记录
func TestScenarioConcurrentApprove(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	flow := env.createFlow(t, "concurrent", individualStep(1, generalManager), individualStep(2, purchaseManager))
	request := env.newRequest(t, "300")
	require.NoError(t, env.service.InitiateFlow(ctx, request.ID, requesterID))

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = env.service.Approve(ctx, decision(request, flow.Steps[0], generalManager, ""))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, approval.ErrAlreadyDecided) || errors.Is(err, approval.ErrRecordNotFound), err.Error())
	}
	assert.Equal(t, 1, succeeded)
	// 下一步只激活一次
	assert.Len(t, env.records(t, request.ID, flow.Steps[1].ID), 1)
	assert.Equal(t, 1, env.notifier.count(purchaseManager, "Approval required"))
	assert.Equal(t, flow.Steps[1].ID, *env.request(t, request.ID).CurrentApprovalStepID)
}

func TestInitiateFlowFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("没有匹配的模板", func(t *testing.T) {
		request := env.newRequest(t, "100")
		err := env.service.InitiateFlow(ctx, request.ID, requesterID)
		assert.True(t, errors.Is(err, approval.ErrNoMatchingFlow))
		current := env.request(t, request.ID)
		assert.Equal(t, approval.RequestStatusDraft, current.Status)
		assert.Nil(t, current.ApprovalFlowID)
	})

	t.Run("找不到审批人整体回滚", func(t *testing.T) {
		env.createFlow(t, "ghost approver", individualStep(1, 9999))
		request := env.newRequest(t, "100")
		err := env.service.InitiateFlow(ctx, request.ID, requesterID)
		assert.True(t, errors.Is(err, approval.ErrNoApproversFound))
		assert.True(t, approval.IsSeriousError(err))
		current := env.request(t, request.ID)
		assert.Equal(t, approval.RequestStatusDraft, current.Status)
		assert.Nil(t, current.ApprovalFlowID)
		assert.Nil(t, current.SubmittedAt)
		assert.Empty(t, env.records(t, request.ID, 0))
	})

	t.Run("申请不存在", func(t *testing.T) {
		err := env.service.InitiateFlow(ctx, 123456, requesterID)
		assert.True(t, errors.Is(err, approval.ErrRequestNotFound))
	})

	t.Run("参数不合法", func(t *testing.T) {
		err := env.service.Approve(ctx, &approval.DecisionParams{RequestID: 1, StepID: 1})
		assert.True(t, errors.Is(err, approval.ErrApprovalParamInvalid))
	})
}

func TestRejectPolicies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("退回申请人", func(t *testing.T) {
		step := roleStep(1, roleSpecialist)
		step.RejectPolicy = approval.RejectPolicyReturnToRequester
		flow := env.createFlow(t, "return to requester", step)
		request := env.newRequest(t, "100")
		require.NoError(t, env.service.InitiateFlow(ctx, request.ID, requesterID))
		require.NoError(t, env.service.Reject(ctx, decision(request, flow.Steps[0], specialistB, "add quotes")))

		current := env.request(t, request.ID)
		assert.Equal(t, approval.RequestStatusRevisionRequested, current.Status)
		assert.Nil(t, current.CurrentApprovalStepID)
		assert.Equal(t, "add quotes", current.RejectionReason)
		assert.Empty(t, env.records(t, request.ID, 0, approval.RecordStatusPending))
		assert.Equal(t, 1, env.notifier.count(requesterID, "Purchase request needs revision"))

		// 记录已关闭但申请不是终态
		err := env.service.Approve(ctx, decision(request, flow.Steps[0], specialistA, ""))
		assert.True(t, errors.Is(err, approval.ErrRecordNotFound))
		require.NoError(t, env.service.SetFlowActive(ctx, flow.ID, false))
	})

	t.Run("退回的步骤已停用时取消", func(t *testing.T) {
		step3 := individualStep(3, managerMert)
		step3.RejectPolicy = approval.RejectPolicyReturnToStep
		step3.ReturnToStepOrder = int64Ptr(2)
		flow := env.createFlow(t, "inactive target", individualStep(1, generalManager), individualStep(2, purchaseManager), step3)
		request := env.newRequest(t, "100")
		require.NoError(t, env.service.InitiateFlow(ctx, request.ID, requesterID))
		require.NoError(t, env.service.Approve(ctx, decision(request, flow.Steps[0], generalManager, "")))
		require.NoError(t, env.service.Approve(ctx, decision(request, flow.Steps[1], purchaseManager, "")))
		require.NoError(t, env.service.SetStepActive(ctx, flow.Steps[1].ID, false))

		require.NoError(t, env.service.Reject(ctx, decision(request, flow.Steps[2], managerMert, "no")))
		current := env.request(t, request.ID)
		assert.Equal(t, approval.RequestStatusRejected, current.Status)
		assert.Nil(t, current.CurrentApprovalStepID)
		assert.Len(t, env.records(t, request.ID, flow.Steps[1].ID), 1)
		require.NoError(t, env.service.SetFlowActive(ctx, flow.ID, false))
	})

	t.Run("自动步骤失败按驳回处理", func(t *testing.T) {
		require.NoError(t, env.service.RegisterAutomatedAction(approval.AutomatedActionInventoryCheck,
			func(ctx context.Context, request *approval.PurchaseRequest, step *approval.StepDefinition) error {
				return errors.New("out of stock")
			}))
		flow := env.createFlow(t, "inventory",
			&approval.StepConfig{Order: 1, Name: "Inventory", Kind: approval.StepKindAutomatic, AutomatedAction: approval.AutomatedActionInventoryCheck},
			individualStep(2, generalManager),
		)
		request := env.newRequest(t, "100")
		require.NoError(t, env.service.InitiateFlow(ctx, request.ID, requesterID))

		current := env.request(t, request.ID)
		assert.Equal(t, approval.RequestStatusRejected, current.Status)
		assert.Contains(t, current.RejectionReason, "out of stock")
		records := env.records(t, request.ID, flow.Steps[0].ID)
		require.Len(t, records, 1)
		assert.Equal(t, approval.RecordStatusRejected, records[0].Status)
		assert.True(t, records[0].IsAutomaticAction)
		lastErr, ok := approval.NewRecordDetail(records[0].ActionDetail).GetString(approval.RecordDetailKeySystem, "last_error")
		assert.True(t, ok)
		assert.Equal(t, "out of stock", lastErr)
		assert.Empty(t, env.records(t, request.ID, flow.Steps[1].ID))
		require.NoError(t, env.service.SetFlowActive(ctx, flow.ID, false))
	})

	t.Run("人工步骤上的自动动作失败不影响审批", func(t *testing.T) {
		require.NoError(t, env.service.RegisterAutomatedAction(approval.AutomatedActionSendRfq,
			func(ctx context.Context, request *approval.PurchaseRequest, step *approval.StepDefinition) error {
				panic("rfq service down")
			}))
		step := individualStep(1, generalManager)
		step.AutomatedAction = approval.AutomatedActionSendRfq
		flow := env.createFlow(t, "rfq", step)
		request := env.newRequest(t, "100")
		require.NoError(t, env.service.InitiateFlow(ctx, request.ID, requesterID))
		assert.Len(t, env.records(t, request.ID, flow.Steps[0].ID, approval.RecordStatusPending), 1)
		assert.Equal(t, approval.RequestStatusInReview, env.request(t, request.ID).Status)
	})
}

func TestMultipleRequired(t *testing.T) {
	newFlow := func(env *testEnv, required, tolerance int64) *approval.FlowTemplate {
		return env.createFlow(t, "finance committee", &approval.StepConfig{
			Order:                 1,
			Name:                  "Finance committee",
			Kind:                  approval.StepKindMultipleRequired,
			ApproverRoleID:        int64Ptr(roleFinance),
			RequiredApprovalCount: required,
			RejectionTolerance:    tolerance,
		})
	}
	ctx := context.Background()

	t.Run("达到人数后关闭剩余记录", func(t *testing.T) {
		env := newTestEnv(t)
		flow := newFlow(env, 2, 1)
		step := flow.Steps[0]
		request := env.newRequest(t, "100")
		require.NoError(t, env.service.InitiateFlow(ctx, request.ID, requesterID))
		assert.Len(t, env.records(t, request.ID, step.ID, approval.RecordStatusPending), 4)

		require.NoError(t, env.service.Approve(ctx, decision(request, step, financeA, "")))
		require.NoError(t, env.service.Reject(ctx, decision(request, step, financeB, "not needed")))
		assert.Equal(t, approval.RequestStatusInReview, env.request(t, request.ID).Status)
		require.NoError(t, env.service.Approve(ctx, decision(request, step, financeC, "")))

		assert.Equal(t, approval.RequestStatusApproved, env.request(t, request.ID).Status)
		superseded := env.records(t, request.ID, step.ID, approval.RecordStatusSuperseded)
		assert.Equal(t, []int64{financeD}, approverIDs(superseded))

		err := env.service.Approve(ctx, decision(request, step, financeD, ""))
		assert.True(t, errors.Is(err, approval.ErrRequestAlreadyTerminal))
	})

	t.Run("驳回超过容忍数", func(t *testing.T) {
		env := newTestEnv(t)
		flow := newFlow(env, 2, 0)
		step := flow.Steps[0]
		request := env.newRequest(t, "100")
		require.NoError(t, env.service.InitiateFlow(ctx, request.ID, requesterID))
		require.NoError(t, env.service.Reject(ctx, decision(request, step, financeA, "no")))
		assert.Equal(t, approval.RequestStatusRejected, env.request(t, request.ID).Status)
		assert.Len(t, env.records(t, request.ID, step.ID, approval.RecordStatusSuperseded), 3)
	})

	t.Run("剩余的人不够", func(t *testing.T) {
		env := newTestEnv(t)
		flow := newFlow(env, 3, 5)
		step := flow.Steps[0]
		request := env.newRequest(t, "100")
		require.NoError(t, env.service.InitiateFlow(ctx, request.ID, requesterID))
		require.NoError(t, env.service.Reject(ctx, decision(request, step, financeA, "")))
		assert.Equal(t, approval.RequestStatusInReview, env.request(t, request.ID).Status)
		require.NoError(t, env.service.Reject(ctx, decision(request, step, financeB, "")))
		assert.Equal(t, approval.RequestStatusRejected, env.request(t, request.ID).Status)
	})

	t.Run("审批人少于要求人数时提交失败", func(t *testing.T) {
		env := newTestEnv(t)
		flow := newFlow(env, 5, 0)
		request := env.newRequest(t, "100")

		err := env.service.InitiateFlow(ctx, request.ID, requesterID)
		assert.True(t, errors.Is(err, approval.ErrNoApproversFound))
		current := env.request(t, request.ID)
		assert.Equal(t, approval.RequestStatusDraft, current.Status)
		assert.Empty(t, current.RejectionReason)
		assert.Empty(t, env.records(t, request.ID, flow.Steps[0].ID))
	})

	t.Run("推进到人数不够的步骤时通过被回滚", func(t *testing.T) {
		env := newTestEnv(t)
		flow := env.createFlow(t, "manager then committee", individualStep(1, generalManager), &approval.StepConfig{
			Order:                 2,
			Name:                  "Finance committee",
			Kind:                  approval.StepKindMultipleRequired,
			ApproverRoleID:        int64Ptr(roleFinance),
			RequiredApprovalCount: 5,
		})
		request := env.newRequest(t, "100")
		require.NoError(t, env.service.InitiateFlow(ctx, request.ID, requesterID))

		err := env.service.Approve(ctx, decision(request, flow.Steps[0], generalManager, "looks good"))
		assert.True(t, errors.Is(err, approval.ErrNoApproversFound))
		current := env.request(t, request.ID)
		assert.Equal(t, approval.RequestStatusInReview, current.Status)
		assert.Empty(t, current.RejectionReason)
		assert.Len(t, env.records(t, request.ID, flow.Steps[0].ID, approval.RecordStatusPending), 1)
		assert.Empty(t, env.records(t, request.ID, flow.Steps[1].ID))
	})
}

func TestNotificationFailureDoesNotRollback(t *testing.T) {
	var calls int32
	env := newTestEnv(t, approval.WithNotifier(approval.NotifierFunc(
		func(ctx context.Context, notification *approval.Notification) error {
			if atomic.AddInt32(&calls, 1)%2 == 0 {
				panic("mail server exploded")
			}
			return errors.New("mail server down")
		})))
	ctx := context.Background()
	flow := env.createFlow(t, "notify", individualStep(1, generalManager))
	request := env.newRequest(t, "100")

	require.NoError(t, env.service.InitiateFlow(ctx, request.ID, requesterID))
	require.NoError(t, env.service.Approve(ctx, decision(request, flow.Steps[0], generalManager, "")))
	assert.Equal(t, approval.RequestStatusApproved, env.request(t, request.ID).Status)
	assert.Equal(t, float64(2), testutil.ToFloat64(env.metrics.NotificationFailures))
}

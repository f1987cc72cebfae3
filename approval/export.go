package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var validatorUtil = validator.New()

const maxRetryIntervalFactor = 10

type ApprovalService interface {
	/**
	 * @description: 为采购申请选择审批流模板, 部门+品类 > 品类 > 部门 > 通用, 同层按金额范围和优先级
	 * @param ctx context.Context
	 * @param requestID int64
	 * @return *FlowTemplate, error 没有匹配返回 ErrNoMatchingFlow
	 */
	SelectFlow(ctx context.Context, requestID int64) (*FlowTemplate, error)
	/**
	 * @description: 创建审批流模板, 会校验步骤配置, 不合法返回 ErrInvalidStepConfiguration
	 * @param ctx context.Context
	 * @param config *FlowConfig
	 * @return *FlowTemplate, error
	 */
	CreateFlow(ctx context.Context, config *FlowConfig) (*FlowTemplate, error)
	/**
	 * @description: 用新的配置覆盖模板, 同顺序号的步骤原地更新, 配置里去掉的步骤停用
	 * @param ctx context.Context
	 * @param flowID int64
	 * @param config *FlowConfig 和 CreateFlow 一样的校验
	 * @return *FlowTemplate, error
	 */
	UpdateFlow(ctx context.Context, flowID int64, config *FlowConfig) (*FlowTemplate, error)
	// DeleteFlow 删除模板和步骤, 还有申请引用时返回 ErrFlowInUse
	DeleteFlow(ctx context.Context, flowID int64) error
	// GetFlowsByCriteria 按部门, 品类, 金额列出候选模板, 顺序和 SelectFlow 的选择顺序一致
	GetFlowsByCriteria(ctx context.Context, criteria *FlowCriteria) ([]*FlowTemplate, error)
	// CloneFlow 复制一个模板以及它的所有步骤
	CloneFlow(ctx context.Context, params *CloneFlowParams) (*FlowTemplate, error)
	SetFlowActive(ctx context.Context, flowID int64, isActive bool) error
	SetStepActive(ctx context.Context, stepID int64, isActive bool) error
	GetFlow(ctx context.Context, flowID int64) (*FlowTemplate, error)
	ListFlows(ctx context.Context, onlyActive bool) ([]*FlowTemplate, error)

	/**
	 * @description: 解析审批人, 结果去重并升序
	 *				 人工审批类型解析为空返回 ErrNoApproversFound, 自动审批返回空
	 * @param ctx context.Context
	 * @param spec ApproverSpec
	 * @param request *PurchaseRequest
	 * @return []int64, error
	 */
	ResolveApprovers(ctx context.Context, spec ApproverSpec, request *PurchaseRequest) ([]int64, error)

	/**
	 * @description: 提交审批, 申请必须是草稿状态
	 *				 没有匹配的模板或者第一个步骤找不到审批人时申请保持草稿
	 * @param ctx context.Context
	 * @param requestID int64
	 * @param actorID int64 操作人
	 * @return error
	 */
	InitiateFlow(ctx context.Context, requestID int64, actorID int64) error

	/**
	 * @description: 审批通过, 同一个申请同一时刻只有一个写者, 冲突时内部重试
	 * @param ctx context.Context
	 * @param params *DecisionParams
	 * @return error ErrRecordNotFound, ErrAlreadyDecided, ErrRequestAlreadyTerminal, ErrConcurrentModification
	 */
	Approve(ctx context.Context, params *DecisionParams) error
	/**
	 * @description: 审批驳回, 按步骤的驳回策略处理: 取消, 退回申请人, 退回到指定步骤
	 * @param ctx context.Context
	 * @param params *DecisionParams
	 * @return error 同 Approve
	 */
	Reject(ctx context.Context, params *DecisionParams) error

	GetHistory(ctx context.Context, requestID int64) ([]*HistoryEntry, error)
	GetStatus(ctx context.Context, requestID int64) (*StatusReport, error)
	GetPendingApprovalsForUser(ctx context.Context, userID int64) ([]*PendingApproval, error)

	/**
	 * @description: 处理所有超时的待审批记录, 给定时任务调用
	 *				 每条记录单独加锁单独事务, 单条失败不影响其他记录
	 * @param ctx context.Context
	 * @return *SweepResult, error
	 */
	ProcessOverdueApprovals(ctx context.Context) (*SweepResult, error)

	// RegisterAutomatedAction 注册自动动作的处理函数, 同一个动作只能注册一次
	RegisterAutomatedAction(action AutomatedAction, handler AutomatedActionHandler) error
}

// AutomatedActionHandler 自动动作, 自动审批步骤返回错误时按驳回处理
type AutomatedActionHandler func(ctx context.Context, request *PurchaseRequest, step *StepDefinition) error

// ApprovalServiceImpl 审批服务
type ApprovalServiceImpl struct {
	repo      ApprovalRepo
	directory UserDirectory
	lock      RequestLock
	notifier  Notifier
	clock     Clock
	logger    *zap.Logger
	metrics   *Metrics
	options   *Options
	actions   sync.Map // AutomatedAction -> AutomatedActionHandler
}

func NewApprovalService(repo ApprovalRepo, directory UserDirectory, lock RequestLock, opts ...Option) ApprovalService {
	s := &ApprovalServiceImpl{
		repo:      repo,
		directory: directory,
		lock:      lock,
		clock:     SystemClock{},
		logger:    zap.NewNop(),
		options:   DefaultOptions(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = NewLogNotifier(s.logger)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	return s
}

func (s *ApprovalServiceImpl) RegisterAutomatedAction(action AutomatedAction, handler AutomatedActionHandler) error {
	if handler == nil {
		return errors.New("handler is nil")
	}
	if action == "" || action == AutomatedActionNone {
		return errors.WithMessagef(ErrApprovalParamInvalid, "automated action %q can not be registered", action)
	}
	if _, loaded := s.actions.LoadOrStore(action, handler); loaded {
		return errors.New(fmt.Sprintf("automated action already registered, action: %s", action))
	}
	return nil
}

func (s *ApprovalServiceImpl) getAutomatedAction(action AutomatedAction) (AutomatedActionHandler, bool) {
	i, ok := s.actions.Load(action)
	if !ok {
		return nil, false
	}
	handler, ok := i.(AutomatedActionHandler)
	return handler, ok
}

func requestOpLockKey(requestID int64) string {
	return fmt.Sprintf("purchase_approval:request:%d", requestID)
}

func isRetryableError(err error) bool {
	return errors.Is(err, LockFailedError) || errors.Is(err, ErrConcurrentModification)
}

// newRetryBackOff 指数退避, 间隔上限是 RetryBackoff 的 maxRetryIntervalFactor 倍, 最多重试 MaxRetries 次
func (s *ApprovalServiceImpl) newRetryBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.options.RetryBackoff
	b.MaxInterval = s.options.RetryBackoff * maxRetryIntervalFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.options.MaxRetries)), ctx)
}

// runRequestOp 申请级别的写操作: 加锁, 开事务, 提交后发通知.
// 拿不到锁或者版本冲突时从头重新读取再执行, 超过重试次数返回 ErrConcurrentModification
func (s *ApprovalServiceImpl) runRequestOp(ctx context.Context, requestID int64, op string, fn func(ctx context.Context, box *outbox) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		box := &outbox{}
		err := s.lock.NonBlockingSynchronized(ctx, requestOpLockKey(requestID), s.options.LockTTL, func(ctx context.Context) error {
			return s.repo.Transaction(ctx, func(ctx context.Context) error {
				return fn(ctx, box)
			})
		})
		if err == nil {
			s.dispatch(ctx, box)
			return nil
		}
		if !isRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.metrics.conflict()
		s.logger.Debug("request operation conflict, retry",
			zap.String("op", op), zap.Int64("request_id", requestID), zap.Int("attempt", attempt),
			zap.Duration("wait", wait), zap.Error(err))
	}
	err := backoff.RetryNotify(operation, s.newRetryBackOff(ctx), notify)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return errors.Wrapf(err, "%s request %d canceled while retrying", op, requestID)
	}
	if !isRetryableError(err) {
		s.logOpError(op, requestID, err)
		return err
	}
	s.logger.Warn("request operation retries exhausted",
		zap.String("op", op), zap.Int64("request_id", requestID), zap.Int("attempts", attempt), zap.Error(err))
	return errors.WithMessagef(ErrConcurrentModification, "%s request %d: %v", op, requestID, err)
}

func (s *ApprovalServiceImpl) logOpError(op string, requestID int64, err error) {
	if IsSeriousError(err) {
		s.logger.Error("request operation failed", zap.String("op", op), zap.Int64("request_id", requestID), zap.Error(err))
		return
	}
	s.logger.Warn("request operation rejected", zap.String("op", op), zap.Int64("request_id", requestID), zap.Error(err))
}

func (s *ApprovalServiceImpl) loadRequest(ctx context.Context, requestID int64) (*PurchaseRequestPo, error) {
	pos, err := s.repo.QueryPurchaseRequest(ctx, &QueryPurchaseRequestParams{
		RequestID: &requestID,
		Page:      &Pager{IsNoLimit: boolPtr(true)},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "load purchase request %d failed", requestID)
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrRequestNotFound, "purchase request %d", requestID)
	}
	return pos[0], nil
}

func (s *ApprovalServiceImpl) loadStep(ctx context.Context, stepID int64) (*ApprovalFlowStepPo, error) {
	pos, err := s.repo.QueryFlowStep(ctx, &QueryFlowStepParams{
		StepID: &stepID,
		Page:   &Pager{IsNoLimit: boolPtr(true)},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "load approval step %d failed", stepID)
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrStepNotFound, "approval step %d", stepID)
	}
	return pos[0], nil
}

// loadFlowSteps 模板的步骤, 按 step_order 升序
func (s *ApprovalServiceImpl) loadFlowSteps(ctx context.Context, flowID int64, onlyActive bool) ([]*ApprovalFlowStepPo, error) {
	param := &QueryFlowStepParams{
		FlowID: &flowID,
		Page:   &Pager{IsNoLimit: boolPtr(true)},
	}
	if onlyActive {
		param.IsActive = boolPtr(true)
	}
	pos, err := s.repo.QueryFlowStep(ctx, param)
	if err != nil {
		return nil, errors.WithMessagef(err, "load steps of approval flow %d failed", flowID)
	}
	return pos, nil
}

func (s *ApprovalServiceImpl) loadRequestRecords(ctx context.Context, requestID int64) ([]*ApprovalRecordPo, error) {
	pos, err := s.repo.QueryApprovalRecord(ctx, &QueryApprovalRecordParams{
		RequestID: &requestID,
		Page:      &Pager{IsNoLimit: boolPtr(true)},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "load approval records of request %d failed", requestID)
	}
	return pos, nil
}

// updateRequest 带版本号更新申请, 成功后同步内存里的版本和字段
func (s *ApprovalServiceImpl) updateRequest(ctx context.Context, request *PurchaseRequestPo, fields *UpdatePurchaseRequestField, box *outbox) error {
	err := s.repo.UpdatePurchaseRequest(ctx, &UpdatePurchaseRequestParams{
		Where:  &UpdatePurchaseRequestWhere{ID: request.ID, Version: request.Version},
		Fields: fields,
	})
	if err != nil {
		return errors.WithMessagef(err, "update purchase request %d failed", request.ID)
	}
	request.Version++
	if fields.Status != nil && *fields.Status != request.Status {
		request.Status = *fields.Status
		box.transition(request.Status)
	}
	if fields.ApprovalFlowID != nil {
		request.ApprovalFlowID = fields.ApprovalFlowID
	}
	if fields.ClearCurrentStep {
		request.CurrentApprovalStepID = nil
	} else if fields.CurrentApprovalStepID != nil {
		request.CurrentApprovalStepID = fields.CurrentApprovalStepID
	}
	if fields.SubmittedAt != nil {
		request.SubmittedAt = fields.SubmittedAt
	}
	if fields.CompletedAt != nil {
		request.CompletedAt = fields.CompletedAt
	}
	if fields.RejectionReason != nil {
		request.RejectionReason = *fields.RejectionReason
	}
	return nil
}

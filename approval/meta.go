package approval

import "github.com/pkg/errors"

var (
	// ErrNoMatchingFlow 没有任何启用的审批流模板能匹配当前申请, 申请保持草稿状态
	ErrNoMatchingFlow = errors.New("no matching approval flow")
	// ErrNoApproversFound 人工审批步骤解析不到任何审批人, 步骤不能激活
	ErrNoApproversFound = errors.New("no approvers found")
	// ErrRecordNotFound 找不到(申请, 步骤, 审批人)对应的待审批记录
	ErrRecordNotFound = errors.New("approval record not found")
	// ErrAlreadyDecided 审批记录已经被处理过, 不能重复处理
	ErrAlreadyDecided = errors.New("approval record already decided")
	// ErrRequestAlreadyTerminal 申请已经是终态, 迟到的审批动作一律拒绝
	ErrRequestAlreadyTerminal = errors.New("purchase request already terminal")
	// ErrConcurrentModification 并发修改冲突, 内部重试后仍然失败
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrInvalidStepConfiguration 步骤配置不合法, 比如 return_to_step 没有目标步骤
	ErrInvalidStepConfiguration = errors.New("invalid step configuration")

	ErrRequestNotFound      = errors.New("purchase request not found")
	ErrFlowNotFound         = errors.New("approval flow not found")
	ErrFlowInUse            = errors.New("approval flow is referenced by purchase requests")
	ErrStepNotFound         = errors.New("approval flow step not found")
	ErrInvalidRequestState  = errors.New("invalid purchase request state")
	ErrApprovalParamInvalid = errors.New("approval param invalid")
)

type RequestStatus = string

const (
	RequestStatusDraft             RequestStatus = "draft"
	RequestStatusInReview          RequestStatus = "in_review"
	RequestStatusApproved          RequestStatus = "approved"
	RequestStatusRejected          RequestStatus = "rejected"
	RequestStatusRevisionRequested RequestStatus = "revision_requested"
	RequestStatusCancelled         RequestStatus = "cancelled"
)

// IsTerminalRequestStatus 终态: 通过, 拒绝, 取消. 进入终态后不再接受任何审批动作
func IsTerminalRequestStatus(status RequestStatus) bool {
	return status == RequestStatusApproved || status == RequestStatusRejected || status == RequestStatusCancelled
}

func GetRequestStatusText(status RequestStatus) string {
	switch status {
	case RequestStatusDraft:
		return "Draft"
	case RequestStatusInReview:
		return "In review"
	case RequestStatusApproved:
		return "Approved"
	case RequestStatusRejected:
		return "Rejected"
	case RequestStatusRevisionRequested:
		return "Revision requested"
	case RequestStatusCancelled:
		return "Cancelled"
	}
	return "Unknown"
}

type RecordStatus = string

const (
	RecordStatusPending  RecordStatus = "pending"
	RecordStatusApproved RecordStatus = "approved"
	RecordStatusRejected RecordStatus = "rejected"
	// 关闭但没有做出决定: 多人审批达到人数, 驳回, 升级转交时剩余的待审批记录
	RecordStatusSuperseded RecordStatus = "superseded"
)

func IsDecidedRecordStatus(status RecordStatus) bool {
	return status == RecordStatusApproved || status == RecordStatusRejected
}

type StepKind = string

const (
	StepKindIndividual       StepKind = "individual"
	StepKindRole             StepKind = "role"
	StepKindDepartment       StepKind = "department"
	StepKindAutomatic        StepKind = "automatic"
	StepKindMultipleRequired StepKind = "multiple_required"
)

type TimeoutPolicy = string

const (
	TimeoutPolicyNone         TimeoutPolicy = "none"
	TimeoutPolicyAutoApprove  TimeoutPolicy = "auto_approve"
	TimeoutPolicyAutoReject   TimeoutPolicy = "auto_reject"
	TimeoutPolicyEscalate     TimeoutPolicy = "escalate"
	TimeoutPolicySendReminder TimeoutPolicy = "send_reminder"
)

type RejectPolicy = string

const (
	RejectPolicyCancel            RejectPolicy = "cancel"
	RejectPolicyReturnToRequester RejectPolicy = "return_to_requester"
	RejectPolicyReturnToStep      RejectPolicy = "return_to_step"
)

type AutomatedAction = string

const (
	AutomatedActionNone             AutomatedAction = "none"
	AutomatedActionSendRfq          AutomatedAction = "send_rfq"
	AutomatedActionBudgetCheck      AutomatedAction = "budget_check"
	AutomatedActionInventoryCheck   AutomatedAction = "inventory_check"
	AutomatedActionSendNotification AutomatedAction = "send_notification"
)

const (
	// 状态报告里的 currentStatus, 只由审批记录推导
	StatusTextNotStarted      = "Not started"
	StatusTextPendingApproval = "Pending approval"
	StatusTextCompleted       = "Completed"

	defaultTimeoutHours = 72
	automaticComment    = "Approved automatically by the system"
)

// RecordDetailKey 审批记录 ActionDetail 中使用的key
type RecordDetailKey = string

const (
	RecordDetailKeyActionMethod    RecordDetailKey = "action_method"
	RecordDetailKeyAutomatedAction RecordDetailKey = "automated_action"
	RecordDetailKeyTimeoutPolicy   RecordDetailKey = "timeout_policy"
	RecordDetailKeySupersededBy    RecordDetailKey = "superseded_by"
	RecordDetailKeySystem          RecordDetailKey = "system"
)

const (
	ActionMethodManual    = "manual"
	ActionMethodAutomatic = "automatic"
	ActionMethodTimeout   = "timeout"
)

// IsSeriousError 用于判断日志级别,
// 严重错误需要人工介入: 配置不对, 找不到审批人, 数据缺失等,
// 其余的(重复审批, 并发冲突)只是正常的业务竞争, 打warn即可
func IsSeriousError(err error) bool {
	if err == nil {
		return false
	}
	causeErr := errors.Cause(err)
	if errors.Is(causeErr, ErrNoApproversFound) ||
		errors.Is(causeErr, ErrInvalidStepConfiguration) ||
		errors.Is(causeErr, ErrFlowNotFound) ||
		errors.Is(causeErr, ErrStepNotFound) ||
		errors.Is(causeErr, ErrRequestNotFound) {
		return true
	}
	return false
}

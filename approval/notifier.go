package approval

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	notificationReferenceType = "PurchaseRequest"
)

// Notification 发给审批人/申请人的站内通知, 投递方式由外部决定
type Notification struct {
	UserID        int64
	Title         string
	Message       string
	ReferenceType string
	ReferenceID   int64
	RedirectURL   string
}

type Notifier interface {
	Notify(ctx context.Context, notification *Notification) error
}

// NotifierFunc 函数适配成 Notifier
type NotifierFunc func(ctx context.Context, notification *Notification) error

func (f NotifierFunc) Notify(ctx context.Context, notification *Notification) error {
	return f(ctx, notification)
}

// NewLogNotifier 只打日志的通知, 没有配置 Notifier 时使用
func NewLogNotifier(logger *zap.Logger) Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return NotifierFunc(func(ctx context.Context, n *Notification) error {
		logger.Info("approval notification",
			zap.Int64("user_id", n.UserID),
			zap.String("title", n.Title),
			zap.String("message", n.Message),
			zap.String("reference_type", n.ReferenceType),
			zap.Int64("reference_id", n.ReferenceID),
			zap.String("redirect_url", n.RedirectURL))
		return nil
	})
}

// outbox 事务里收集通知和指标, 提交成功后再发送
type outbox struct {
	notifications []*Notification
	transitions   []RequestStatus
	decisions     [][2]string // decision, method
	sweepActions  []TimeoutPolicy
}

func (o *outbox) transition(status RequestStatus) {
	if o == nil {
		return
	}
	o.transitions = append(o.transitions, status)
}

func (o *outbox) decision(decision RecordStatus, method string) {
	if o == nil {
		return
	}
	o.decisions = append(o.decisions, [2]string{decision, method})
}

func (o *outbox) sweepAction(policy TimeoutPolicy) {
	if o == nil {
		return
	}
	o.sweepActions = append(o.sweepActions, policy)
}

func (o *outbox) add(n *Notification) {
	if o == nil || n == nil {
		return
	}
	o.notifications = append(o.notifications, n)
}

func (s *ApprovalServiceImpl) requestRedirectURL(requestID int64) string {
	return fmt.Sprintf("%s/purchase-requests/%d", strings.TrimRight(s.options.RedirectURLPrefix, "/"), requestID)
}

func (s *ApprovalServiceImpl) newRequestNotification(userID int64, request *PurchaseRequestPo, title string, message string) *Notification {
	return &Notification{
		UserID:        userID,
		Title:         title,
		Message:       message,
		ReferenceType: notificationReferenceType,
		ReferenceID:   request.ID,
		RedirectURL:   s.requestRedirectURL(request.ID),
	}
}

// dispatch 事务提交之后发送, 失败只记录日志和指标, 不影响审批状态
func (s *ApprovalServiceImpl) dispatch(ctx context.Context, box *outbox) {
	if box == nil {
		return
	}
	for _, status := range box.transitions {
		s.metrics.transition(status)
	}
	for _, d := range box.decisions {
		s.metrics.decision(d[0], d[1])
	}
	for _, policy := range box.sweepActions {
		s.metrics.sweepAction(policy)
	}
	for _, n := range box.notifications {
		if err := s.safeNotify(ctx, n); err != nil {
			s.metrics.notificationFailed()
			s.logger.Warn("send approval notification failed",
				zap.Int64("user_id", n.UserID),
				zap.Int64("reference_id", n.ReferenceID),
				zap.String("title", n.Title),
				zap.Error(err))
		}
	}
}

func (s *ApprovalServiceImpl) safeNotify(ctx context.Context, n *Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("notifier panic: %v", r)
		}
	}()
	return s.notifier.Notify(ctx, n)
}

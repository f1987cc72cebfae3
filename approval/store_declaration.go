package approval

import (
	"context"
)

type ApprovalRepo interface {
	CreateFlow(ctx context.Context, flow *ApprovalFlowPo, steps []*ApprovalFlowStepPo) (*ApprovalFlowPo, error)
	QueryFlow(ctx context.Context, param *QueryFlowParams) ([]*ApprovalFlowPo, error)
	UpdateFlow(ctx context.Context, param *UpdateFlowParams) error
	// SaveFlow 整行覆盖模板和步骤, 步骤 ID 为 0 时新建
	SaveFlow(ctx context.Context, flow *ApprovalFlowPo, steps []*ApprovalFlowStepPo) error
	DeleteFlow(ctx context.Context, flowID int64) error
	QueryFlowStep(ctx context.Context, param *QueryFlowStepParams) ([]*ApprovalFlowStepPo, error)
	UpdateFlowStep(ctx context.Context, param *UpdateFlowStepParams) error

	CreatePurchaseRequest(ctx context.Context, request *PurchaseRequestPo) (*PurchaseRequestPo, error)
	QueryPurchaseRequest(ctx context.Context, param *QueryPurchaseRequestParams) ([]*PurchaseRequestPo, error)
	// UpdatePurchaseRequest 带版本号的更新, 版本不一致返回 ErrConcurrentModification
	UpdatePurchaseRequest(ctx context.Context, param *UpdatePurchaseRequestParams) error

	CreateApprovalRecords(ctx context.Context, records []*ApprovalRecordPo) error
	QueryApprovalRecord(ctx context.Context, param *QueryApprovalRecordParams) ([]*ApprovalRecordPo, error)
	// UpdateApprovalRecord where 条件带状态时, 影响行数和 IDIn 不一致返回 ErrConcurrentModification
	UpdateApprovalRecord(ctx context.Context, param *UpdateApprovalRecordParams) error

	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

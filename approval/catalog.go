package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultFlowPriority = 100

// FlowConfig 审批流模板配置, 可以直接从 json 加载
type FlowConfig struct {
	Name         string           `json:"name" validate:"required"`
	Description  string           `json:"description"`
	DepartmentID *int64           `json:"department_id"`
	CategoryID   *int64           `json:"category_id"`
	MinAmount    *decimal.Decimal `json:"min_amount"`
	MaxAmount    *decimal.Decimal `json:"max_amount"`
	Currency     string           `json:"currency"`
	Priority     *int64           `json:"priority"` // 为空默认100, 越小越优先
	IsActive     *bool            `json:"is_active"`
	CreatedByID  int64            `json:"created_by_id"`
	Steps        []*StepConfig    `json:"steps" validate:"required,min=1,dive,required"`
}

// StepConfig 审批步骤配置
type StepConfig struct {
	Order                 int64           `json:"order" validate:"gt=0"`
	Name                  string          `json:"name" validate:"required"`
	Description           string          `json:"description"`
	Kind                  StepKind        `json:"kind" validate:"required,oneof=individual role department automatic multiple_required"`
	ApproverUserID        *int64          `json:"approver_user_id"`
	ApproverRoleID        *int64          `json:"approver_role_id"`
	ApproverDepartmentID  *int64          `json:"approver_department_id"`
	RequiredApprovalCount int64           `json:"required_approval_count" validate:"gte=0"`
	RejectionTolerance    int64           `json:"rejection_tolerance" validate:"gte=0"`
	TimeoutHours          int64           `json:"timeout_hours" validate:"gte=0"` // 0 使用默认超时
	TimeoutPolicy         TimeoutPolicy   `json:"timeout_policy" validate:"omitempty,oneof=none auto_approve auto_reject escalate send_reminder"`
	AutomatedAction       AutomatedAction `json:"automated_action" validate:"omitempty,oneof=none send_rfq budget_check inventory_check send_notification"`
	RejectPolicy          RejectPolicy    `json:"reject_policy" validate:"omitempty,oneof=cancel return_to_requester return_to_step"`
	ReturnToStepOrder     *int64          `json:"return_to_step_order"`
	IsActive              *bool           `json:"is_active"`
}

// FlowCriteria 查询候选模板的条件, 为空表示不限
type FlowCriteria struct {
	DepartmentID *int64           `json:"department_id"`
	CategoryID   *int64           `json:"category_id"`
	Amount       *decimal.Decimal `json:"amount"`
}

type CloneFlowParams struct {
	SourceFlowID int64  `json:"source_flow_id" validate:"gt=0"`
	Name         string `json:"name" validate:"required"`
	CreatedByID  int64  `json:"created_by_id"`
	DepartmentID *int64 `json:"department_id"`
	CategoryID   *int64 `json:"category_id"`
}

// LoadFlowConfig 从 json 加载模板配置, 只做解析和校验, 不落库
func LoadFlowConfig(data []byte) (*FlowConfig, error) {
	config := &FlowConfig{}
	if err := json.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(err, "unmarshal flow config failed")
	}
	if err := ValidateFlowConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

// ValidateFlowConfig 校验模板配置, 步骤之间的约束不满足时返回 ErrInvalidStepConfiguration
func ValidateFlowConfig(config *FlowConfig) error {
	if config == nil {
		return errors.WithMessage(ErrApprovalParamInvalid, "flow config is nil")
	}
	if err := validatorUtil.Struct(config); err != nil {
		return errors.WithMessagef(ErrApprovalParamInvalid, "flow config %q: %v", config.Name, err)
	}
	if config.MinAmount != nil && config.MaxAmount != nil && config.MinAmount.GreaterThan(*config.MaxAmount) {
		return errors.WithMessagef(ErrApprovalParamInvalid, "flow config %q min amount %s greater than max amount %s",
			config.Name, config.MinAmount.String(), config.MaxAmount.String())
	}
	orders := make(map[int64]struct{}, len(config.Steps))
	var lastOrder int64
	for i, step := range config.Steps {
		if i > 0 && step.Order <= lastOrder {
			return errors.WithMessagef(ErrInvalidStepConfiguration, "step %q order %d must be greater than %d", step.Name, step.Order, lastOrder)
		}
		lastOrder = step.Order
		orders[step.Order] = struct{}{}
	}
	for _, step := range config.Steps {
		if err := validateStepConfig(step, orders); err != nil {
			return err
		}
	}
	return nil
}

func validateStepConfig(step *StepConfig, orders map[int64]struct{}) error {
	switch step.Kind {
	case StepKindIndividual:
		if step.ApproverUserID == nil {
			return errors.WithMessagef(ErrInvalidStepConfiguration, "individual step %q needs approver_user_id", step.Name)
		}
	case StepKindRole:
		if step.ApproverRoleID == nil {
			return errors.WithMessagef(ErrInvalidStepConfiguration, "role step %q needs approver_role_id", step.Name)
		}
	case StepKindMultipleRequired:
		if step.ApproverRoleID == nil && step.ApproverDepartmentID == nil {
			return errors.WithMessagef(ErrInvalidStepConfiguration, "multiple_required step %q needs approver_role_id or approver_department_id", step.Name)
		}
		if step.RequiredApprovalCount <= 0 {
			return errors.WithMessagef(ErrInvalidStepConfiguration, "multiple_required step %q needs a positive required_approval_count", step.Name)
		}
	}
	if step.RejectPolicy == RejectPolicyReturnToStep {
		if step.ReturnToStepOrder == nil {
			return errors.WithMessagef(ErrInvalidStepConfiguration, "step %q returns to step without return_to_step_order", step.Name)
		}
		if _, ok := orders[*step.ReturnToStepOrder]; !ok || *step.ReturnToStepOrder >= step.Order {
			return errors.WithMessagef(ErrInvalidStepConfiguration, "step %q return_to_step_order %d must be an earlier step of the flow",
				step.Name, *step.ReturnToStepOrder)
		}
	}
	return nil
}

func (s *ApprovalServiceImpl) buildFlowPo(config *FlowConfig) (*ApprovalFlowPo, []*ApprovalFlowStepPo) {
	flow := &ApprovalFlowPo{
		Name:         config.Name,
		Description:  config.Description,
		DepartmentID: config.DepartmentID,
		CategoryID:   config.CategoryID,
		Currency:     config.Currency,
		Priority:     defaultFlowPriority,
		IsActive:     true,
		CreatedByID:  config.CreatedByID,
	}
	if flow.Currency == "" {
		flow.Currency = s.options.DefaultCurrency
	}
	if config.MinAmount != nil {
		flow.MinAmount = decimal.NewNullDecimal(*config.MinAmount)
	}
	if config.MaxAmount != nil {
		flow.MaxAmount = decimal.NewNullDecimal(*config.MaxAmount)
	}
	if config.Priority != nil {
		flow.Priority = *config.Priority
	}
	if config.IsActive != nil {
		flow.IsActive = *config.IsActive
	}
	steps := make([]*ApprovalFlowStepPo, 0, len(config.Steps))
	for _, stepConfig := range config.Steps {
		step := &ApprovalFlowStepPo{
			StepOrder:             stepConfig.Order,
			Name:                  stepConfig.Name,
			Description:           stepConfig.Description,
			Kind:                  stepConfig.Kind,
			ApproverUserID:        stepConfig.ApproverUserID,
			ApproverRoleID:        stepConfig.ApproverRoleID,
			ApproverDepartmentID:  stepConfig.ApproverDepartmentID,
			RequiredApprovalCount: stepConfig.RequiredApprovalCount,
			RejectionTolerance:    stepConfig.RejectionTolerance,
			TimeoutHours:          stepConfig.TimeoutHours,
			TimeoutPolicy:         stepConfig.TimeoutPolicy,
			AutomatedAction:       stepConfig.AutomatedAction,
			RejectPolicy:          stepConfig.RejectPolicy,
			ReturnToStepOrder:     stepConfig.ReturnToStepOrder,
			IsActive:              true,
		}
		if step.TimeoutPolicy == "" {
			step.TimeoutPolicy = TimeoutPolicyNone
		}
		if step.AutomatedAction == "" {
			step.AutomatedAction = AutomatedActionNone
		}
		if step.RejectPolicy == "" {
			step.RejectPolicy = RejectPolicyCancel
		}
		if stepConfig.IsActive != nil {
			step.IsActive = *stepConfig.IsActive
		}
		steps = append(steps, step)
	}
	return flow, steps
}

func (s *ApprovalServiceImpl) CreateFlow(ctx context.Context, config *FlowConfig) (*FlowTemplate, error) {
	if err := ValidateFlowConfig(config); err != nil {
		return nil, err
	}
	flow, steps := s.buildFlowPo(config)
	flow, err := s.repo.CreateFlow(ctx, flow, steps)
	if err != nil {
		return nil, errors.WithMessagef(err, "CreateFlow %q failed", config.Name)
	}
	s.logger.Sugar().Infof("approval flow created, id: %d, name: %s, steps: %d", flow.ID, flow.Name, len(steps))
	return toFlowTemplate(flow, steps), nil
}

func (s *ApprovalServiceImpl) CloneFlow(ctx context.Context, params *CloneFlowParams) (*FlowTemplate, error) {
	if params == nil {
		return nil, errors.WithMessage(ErrApprovalParamInvalid, "clone params is nil")
	}
	if err := validatorUtil.Struct(params); err != nil {
		return nil, errors.WithMessagef(ErrApprovalParamInvalid, "clone params: %v", err)
	}
	source, err := s.GetFlow(ctx, params.SourceFlowID)
	if err != nil {
		return nil, err
	}
	priority := source.Priority
	config := &FlowConfig{
		Name:         params.Name,
		Description:  fmt.Sprintf("Copied from approval flow %q.", source.Name),
		DepartmentID: params.DepartmentID,
		CategoryID:   params.CategoryID,
		Currency:     source.Currency,
		Priority:     &priority,
		IsActive:     boolPtr(true),
		CreatedByID:  params.CreatedByID,
		Steps:        make([]*StepConfig, 0, len(source.Steps)),
	}
	if source.MinAmount.Valid {
		config.MinAmount = &source.MinAmount.Decimal
	}
	if source.MaxAmount.Valid {
		config.MaxAmount = &source.MaxAmount.Decimal
	}
	for _, step := range source.Steps {
		config.Steps = append(config.Steps, &StepConfig{
			Order:                 step.Order,
			Name:                  step.Name,
			Description:           step.Description,
			Kind:                  step.Kind,
			ApproverUserID:        step.ApproverUserID,
			ApproverRoleID:        step.ApproverRoleID,
			ApproverDepartmentID:  step.ApproverDepartmentID,
			RequiredApprovalCount: step.RequiredApprovalCount,
			RejectionTolerance:    step.RejectionTolerance,
			TimeoutHours:          step.TimeoutHours,
			TimeoutPolicy:         step.TimeoutPolicy,
			AutomatedAction:       step.AutomatedAction,
			RejectPolicy:          step.RejectPolicy,
			ReturnToStepOrder:     step.ReturnToStepOrder,
			IsActive:              boolPtr(step.IsActive),
		})
	}
	return s.CreateFlow(ctx, config)
}

// UpdateFlow 用新的配置覆盖模板.
// 步骤按顺序号对应: 同一个顺序号原地更新(审批记录还引用着步骤 id), 新的顺序号新建,
// 配置里没有的旧步骤只停用不删除. is_active 为空时保留原来的启用状态
func (s *ApprovalServiceImpl) UpdateFlow(ctx context.Context, flowID int64, config *FlowConfig) (*FlowTemplate, error) {
	if err := ValidateFlowConfig(config); err != nil {
		return nil, err
	}
	err := s.repo.Transaction(ctx, func(ctx context.Context) error {
		current, err := s.loadFlow(ctx, flowID)
		if err != nil {
			return err
		}
		existing, err := s.loadFlowSteps(ctx, flowID, false)
		if err != nil {
			return err
		}
		flow, steps := s.buildFlowPo(config)
		flow.ID = current.ID
		flow.CreatedByID = current.CreatedByID
		flow.CreatedAt = current.CreatedAt
		if config.IsActive == nil {
			flow.IsActive = current.IsActive
		}
		byOrder := make(map[int64]*ApprovalFlowStepPo, len(existing))
		for _, step := range existing {
			byOrder[step.StepOrder] = step
		}
		for i, step := range steps {
			old, ok := byOrder[step.StepOrder]
			if !ok {
				continue
			}
			step.ID = old.ID
			step.CreatedAt = old.CreatedAt
			if config.Steps[i].IsActive == nil {
				step.IsActive = old.IsActive
			}
			delete(byOrder, step.StepOrder)
		}
		for _, old := range existing {
			if _, removed := byOrder[old.StepOrder]; removed {
				old.IsActive = false
				steps = append(steps, old)
			}
		}
		return s.repo.SaveFlow(ctx, flow, steps)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "UpdateFlow %d failed", flowID)
	}
	s.logger.Sugar().Infof("approval flow updated, id: %d, name: %s, steps: %d", flowID, config.Name, len(config.Steps))
	return s.GetFlow(ctx, flowID)
}

// DeleteFlow 删除模板, 还有申请引用时返回 ErrFlowInUse, 这种情况只能停用
func (s *ApprovalServiceImpl) DeleteFlow(ctx context.Context, flowID int64) error {
	err := s.repo.Transaction(ctx, func(ctx context.Context) error {
		if _, err := s.loadFlow(ctx, flowID); err != nil {
			return err
		}
		requests, err := s.repo.QueryPurchaseRequest(ctx, &QueryPurchaseRequestParams{
			ApprovalFlowID: &flowID,
			Page:           &Pager{Size: 1},
		})
		if err != nil {
			return errors.WithMessagef(err, "check requests of approval flow %d failed", flowID)
		}
		if len(requests) > 0 {
			return errors.WithMessagef(ErrFlowInUse, "approval flow %d is used by purchase request %d", flowID, requests[0].ID)
		}
		return s.repo.DeleteFlow(ctx, flowID)
	})
	if err != nil {
		return err
	}
	s.logger.Info("approval flow deleted", zap.Int64("flow_id", flowID))
	return nil
}

// GetFlowsByCriteria 按选择模板时的顺序返回候选的启用模板: 匹配层级, 优先级, id
func (s *ApprovalServiceImpl) GetFlowsByCriteria(ctx context.Context, criteria *FlowCriteria) ([]*FlowTemplate, error) {
	if criteria == nil {
		criteria = &FlowCriteria{}
	}
	flows, err := s.repo.QueryFlow(ctx, &QueryFlowParams{
		IsActive:           boolPtr(true),
		OrderbyPriorityAsc: boolPtr(true),
		Page:               &Pager{IsNoLimit: boolPtr(true)},
	})
	if err != nil {
		return nil, errors.WithMessage(err, "GetFlowsByCriteria failed")
	}
	type candidate struct {
		flow *ApprovalFlowPo
		tier int
	}
	candidates := make([]candidate, 0, len(flows))
	for _, flow := range flows {
		tier := flowMatchTier(flow, criteria.DepartmentID, criteria.CategoryID)
		if tier < 0 || (criteria.Amount != nil && !amountInRange(flow, *criteria.Amount)) {
			continue
		}
		candidates = append(candidates, candidate{flow: flow, tier: tier})
	}
	// flows 已经按优先级和 id 排好序
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].tier < candidates[j].tier
	})
	ret := make([]*FlowTemplate, 0, len(candidates))
	for _, c := range candidates {
		steps, err := s.loadFlowSteps(ctx, c.flow.ID, false)
		if err != nil {
			return nil, err
		}
		ret = append(ret, toFlowTemplate(c.flow, steps))
	}
	return ret, nil
}

func (s *ApprovalServiceImpl) loadFlow(ctx context.Context, flowID int64) (*ApprovalFlowPo, error) {
	pos, err := s.repo.QueryFlow(ctx, &QueryFlowParams{
		FlowID: &flowID,
		Page:   &Pager{IsNoLimit: boolPtr(true)},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "load approval flow %d failed", flowID)
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrFlowNotFound, "approval flow %d", flowID)
	}
	return pos[0], nil
}

func (s *ApprovalServiceImpl) GetFlow(ctx context.Context, flowID int64) (*FlowTemplate, error) {
	flow, err := s.loadFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	steps, err := s.loadFlowSteps(ctx, flowID, false)
	if err != nil {
		return nil, err
	}
	return toFlowTemplate(flow, steps), nil
}

func (s *ApprovalServiceImpl) ListFlows(ctx context.Context, onlyActive bool) ([]*FlowTemplate, error) {
	param := &QueryFlowParams{
		OrderbyPriorityAsc: boolPtr(true),
		Page:               &Pager{IsNoLimit: boolPtr(true)},
	}
	if onlyActive {
		param.IsActive = boolPtr(true)
	}
	flows, err := s.repo.QueryFlow(ctx, param)
	if err != nil {
		return nil, errors.WithMessage(err, "ListFlows failed")
	}
	ret := make([]*FlowTemplate, 0, len(flows))
	for _, flow := range flows {
		steps, err := s.loadFlowSteps(ctx, flow.ID, false)
		if err != nil {
			return nil, err
		}
		ret = append(ret, toFlowTemplate(flow, steps))
	}
	return ret, nil
}

func (s *ApprovalServiceImpl) SetFlowActive(ctx context.Context, flowID int64, isActive bool) error {
	if _, err := s.loadFlow(ctx, flowID); err != nil {
		return err
	}
	return s.repo.UpdateFlow(ctx, &UpdateFlowParams{
		Where:  &UpdateFlowWhere{IDIn: []int64{flowID}},
		Fields: &UpdateFlowField{IsActive: &isActive},
	})
}

func (s *ApprovalServiceImpl) SetStepActive(ctx context.Context, stepID int64, isActive bool) error {
	if _, err := s.loadStep(ctx, stepID); err != nil {
		return err
	}
	return s.repo.UpdateFlowStep(ctx, &UpdateFlowStepParams{
		Where:  &UpdateFlowStepWhere{IDIn: []int64{stepID}},
		Fields: &UpdateFlowStepField{IsActive: &isActive},
	})
}

func (s *ApprovalServiceImpl) SelectFlow(ctx context.Context, requestID int64) (*FlowTemplate, error) {
	request, err := s.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	flow, steps, err := s.selectFlow(ctx, request)
	if err != nil {
		return nil, err
	}
	return toFlowTemplate(flow, steps), nil
}

// flowMatchTier 匹配层级, 0 最精确, -1 不匹配
//
//	0: 部门和品类都相同
//	1: 品类相同, 模板不限部门
//	2: 部门相同, 模板不限品类
//	3: 通用模板
func flowMatchTier(flow *ApprovalFlowPo, departmentID *int64, categoryID *int64) int {
	deptMatch := flow.DepartmentID != nil && departmentID != nil && *flow.DepartmentID == *departmentID
	catMatch := flow.CategoryID != nil && categoryID != nil && *flow.CategoryID == *categoryID
	switch {
	case flow.DepartmentID != nil && flow.CategoryID != nil:
		if deptMatch && catMatch {
			return 0
		}
	case flow.CategoryID != nil:
		if catMatch {
			return 1
		}
	case flow.DepartmentID != nil:
		if deptMatch {
			return 2
		}
	default:
		return 3
	}
	return -1
}

func amountInRange(flow *ApprovalFlowPo, amount decimal.Decimal) bool {
	if flow.MinAmount.Valid && flow.MinAmount.Decimal.GreaterThan(amount) {
		return false
	}
	if flow.MaxAmount.Valid && flow.MaxAmount.Decimal.LessThan(amount) {
		return false
	}
	return true
}

// selectFlow 选出模板和它启用的步骤, 没有启用步骤的模板不可用
func (s *ApprovalServiceImpl) selectFlow(ctx context.Context, request *PurchaseRequestPo) (*ApprovalFlowPo, []*ApprovalFlowStepPo, error) {
	flows, err := s.repo.QueryFlow(ctx, &QueryFlowParams{
		IsActive:           boolPtr(true),
		OrderbyPriorityAsc: boolPtr(true),
		Page:               &Pager{IsNoLimit: boolPtr(true)},
	})
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "select flow for request %d failed", request.ID)
	}
	tiers := make([][]*ApprovalFlowPo, 4)
	for _, flow := range flows {
		tier := flowMatchTier(flow, request.DepartmentID, request.CategoryID)
		if tier < 0 || !amountInRange(flow, request.TotalAmount) {
			continue
		}
		tiers[tier] = append(tiers[tier], flow)
	}
	for _, candidates := range tiers {
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].Priority != candidates[j].Priority {
				return candidates[i].Priority < candidates[j].Priority
			}
			return candidates[i].ID < candidates[j].ID
		})
		for _, flow := range candidates {
			steps, err := s.loadFlowSteps(ctx, flow.ID, true)
			if err != nil {
				return nil, nil, err
			}
			if len(steps) > 0 {
				return flow, steps, nil
			}
		}
	}
	return nil, nil, errors.WithMessagef(ErrNoMatchingFlow, "request %d department %v category %v amount %s",
		request.ID, derefInt64(request.DepartmentID), derefInt64(request.CategoryID), request.TotalAmount.String())
}

func derefInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

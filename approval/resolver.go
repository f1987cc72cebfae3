package approval

import (
	"context"
	"sort"

	"github.com/pkg/errors"
)

// ApproverSpec 审批人解析规则, 由步骤配置生成, 按 Kind 分派
type ApproverSpec struct {
	Kind          StepKind
	UserID        *int64
	RoleID        *int64
	DepartmentID  *int64
	RequiredCount int64
}

func ApproverSpecFromStep(step *StepDefinition) ApproverSpec {
	return ApproverSpec{
		Kind:          step.Kind,
		UserID:        step.ApproverUserID,
		RoleID:        step.ApproverRoleID,
		DepartmentID:  step.ApproverDepartmentID,
		RequiredCount: step.RequiredApprovalCount,
	}
}

func approverSpecFromStepPo(step *ApprovalFlowStepPo) ApproverSpec {
	return ApproverSpec{
		Kind:          step.Kind,
		UserID:        step.ApproverUserID,
		RoleID:        step.ApproverRoleID,
		DepartmentID:  step.ApproverDepartmentID,
		RequiredCount: step.RequiredApprovalCount,
	}
}

func (s *ApprovalServiceImpl) ResolveApprovers(ctx context.Context, spec ApproverSpec, request *PurchaseRequest) ([]int64, error) {
	if request == nil {
		return nil, errors.WithMessage(ErrApprovalParamInvalid, "request is nil")
	}
	return s.resolveApprovers(ctx, spec, request.ID, request.DepartmentID)
}

// resolveApprovers 部门审批取的是申请所在部门的负责人, 步骤上配置的部门不参与
func (s *ApprovalServiceImpl) resolveApprovers(ctx context.Context, spec ApproverSpec, requestID int64, requestDepartmentID *int64) ([]int64, error) {
	var (
		ids []int64
		err error
	)
	switch spec.Kind {
	case StepKindAutomatic:
		return []int64{}, nil
	case StepKindIndividual:
		ids, err = s.resolveIndividual(ctx, spec.UserID)
	case StepKindRole:
		ids, err = s.resolveRole(ctx, spec.RoleID)
	case StepKindDepartment:
		ids, err = s.resolveDepartmentManagers(ctx, requestDepartmentID)
	case StepKindMultipleRequired:
		if spec.RoleID != nil {
			ids, err = s.resolveRole(ctx, spec.RoleID)
		} else {
			ids, err = s.resolveDepartmentManagers(ctx, requestDepartmentID)
		}
	default:
		return nil, errors.WithMessagef(ErrInvalidStepConfiguration, "unknown step kind %q", spec.Kind)
	}
	if err != nil {
		return nil, err
	}
	ids = uniqueSortedIDs(ids)
	if len(ids) == 0 {
		return nil, errors.WithMessagef(ErrNoApproversFound, "request %d step kind %s", requestID, spec.Kind)
	}
	return ids, nil
}

func (s *ApprovalServiceImpl) resolveIndividual(ctx context.Context, userID *int64) ([]int64, error) {
	if userID == nil {
		return nil, nil
	}
	user, err := s.directory.GetUser(ctx, *userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, nil
		}
		return nil, errors.WithMessagef(err, "resolve individual approver %d failed", *userID)
	}
	if !user.IsActive {
		return nil, nil
	}
	return []int64{user.ID}, nil
}

func (s *ApprovalServiceImpl) resolveRole(ctx context.Context, roleID *int64) ([]int64, error) {
	if roleID == nil {
		return nil, nil
	}
	ids, err := s.directory.GetActiveUsersWithRole(ctx, *roleID)
	if err != nil {
		return nil, errors.WithMessagef(err, "resolve approvers of role %d failed", *roleID)
	}
	return ids, nil
}

func (s *ApprovalServiceImpl) resolveDepartmentManagers(ctx context.Context, departmentID *int64) ([]int64, error) {
	if departmentID == nil {
		return nil, nil
	}
	ids, err := s.directory.GetDepartmentManagers(ctx, *departmentID)
	if err != nil {
		return nil, errors.WithMessagef(err, "resolve managers of department %d failed", *departmentID)
	}
	return ids, nil
}

func uniqueSortedIDs(ids []int64) []int64 {
	ret := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ret = append(ret, id)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

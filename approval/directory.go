package approval

import (
	"context"

	"github.com/pkg/errors"
)

var ErrUserNotFound = errors.New("user not found")

// DirectoryUser 组织架构里的用户
type DirectoryUser struct {
	ID           int64
	DisplayName  string
	DepartmentID *int64
	RoleIDs      []int64
	IsManager    bool
	IsActive     bool
}

// UserDirectory 用户/角色/部门查询, 审批人解析和审批历史展示使用
type UserDirectory interface {
	// GetActiveUsersWithRole 持有角色且启用的用户
	GetActiveUsersWithRole(ctx context.Context, roleID int64) ([]int64, error)
	// GetDepartmentManagers 部门里启用的负责人
	GetDepartmentManagers(ctx context.Context, departmentID int64) ([]int64, error)
	// GetUser 用户不存在返回 ErrUserNotFound
	GetUser(ctx context.Context, userID int64) (*DirectoryUser, error)
}

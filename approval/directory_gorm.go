package approval

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type DirectoryUserPo struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement"`
	DisplayName  string `gorm:"column:display_name"`
	DepartmentID *int64 `gorm:"column:department_id;index"`
	IsManager    bool   `gorm:"column:is_manager"`
	IsActive     bool   `gorm:"column:is_active"`
	CreatedAt    int64  `gorm:"column:created_at"`
	UpdatedAt    int64  `gorm:"column:updated_at"`
}

func (DirectoryUserPo) TableName() string {
	return "approval_user"
}

type DirectoryUserRolePo struct {
	ID     int64 `gorm:"column:id;primaryKey;autoIncrement"`
	UserID int64 `gorm:"column:user_id;uniqueIndex:idx_user_role"`
	RoleID int64 `gorm:"column:role_id;uniqueIndex:idx_user_role;index"`
}

func (DirectoryUserRolePo) TableName() string {
	return "approval_user_role"
}

// GormUserDirectory 基于数据库表的组织架构, 和 approvalRepo 共用ctx里面的事务
type GormUserDirectory struct {
	db *gorm.DB
}

func NewGormUserDirectory(db *gorm.DB) *GormUserDirectory {
	return &GormUserDirectory{db: db}
}

func (d *GormUserDirectory) getDB(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(transactionContextKey).(*gorm.DB); ok {
		return tx
	}
	return d.db.WithContext(ctx)
}

// SaveUser 新增或者覆盖用户以及角色
func (d *GormUserDirectory) SaveUser(ctx context.Context, user *DirectoryUser) (*DirectoryUser, error) {
	if user == nil {
		return nil, errors.New("nil DirectoryUser")
	}
	err := d.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().Unix()
		po := &DirectoryUserPo{
			ID:           user.ID,
			DisplayName:  user.DisplayName,
			DepartmentID: user.DepartmentID,
			IsManager:    user.IsManager,
			IsActive:     user.IsActive,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.Save(po).Error; err != nil {
			return errors.WithMessage(err, "save approval user failed")
		}
		user.ID = po.ID
		if err := tx.Where("user_id = ?", po.ID).Delete(&DirectoryUserRolePo{}).Error; err != nil {
			return errors.WithMessage(err, "clear approval user roles failed")
		}
		if len(user.RoleIDs) == 0 {
			return nil
		}
		roles := make([]*DirectoryUserRolePo, 0, len(user.RoleIDs))
		for _, roleID := range uniqueSortedIDs(user.RoleIDs) {
			roles = append(roles, &DirectoryUserRolePo{UserID: po.ID, RoleID: roleID})
		}
		if err := tx.Create(&roles).Error; err != nil {
			return errors.WithMessage(err, "create approval user roles failed")
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "SaveUser %d failed", user.ID)
	}
	return user, nil
}

func (d *GormUserDirectory) GetActiveUsersWithRole(ctx context.Context, roleID int64) ([]int64, error) {
	ids := make([]int64, 0)
	err := d.getDB(ctx).Model(&DirectoryUserRolePo{}).
		Joins("JOIN approval_user ON approval_user.id = approval_user_role.user_id").
		Where("approval_user_role.role_id = ? AND approval_user.is_active = ?", roleID, true).
		Order("approval_user.id asc").
		Pluck("approval_user.id", &ids).Error
	if err != nil {
		return nil, errors.WithMessagef(err, "GetActiveUsersWithRole %d failed", roleID)
	}
	return ids, nil
}

func (d *GormUserDirectory) GetDepartmentManagers(ctx context.Context, departmentID int64) ([]int64, error) {
	ids := make([]int64, 0)
	err := d.getDB(ctx).Model(&DirectoryUserPo{}).
		Where("department_id = ? AND is_manager = ? AND is_active = ?", departmentID, true, true).
		Order("id asc").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, errors.WithMessagef(err, "GetDepartmentManagers %d failed", departmentID)
	}
	return ids, nil
}

func (d *GormUserDirectory) GetUser(ctx context.Context, userID int64) (*DirectoryUser, error) {
	pos := make([]*DirectoryUserPo, 0)
	if err := d.getDB(ctx).Where("id = ?", userID).Limit(1).Find(&pos).Error; err != nil {
		return nil, errors.WithMessagef(err, "GetUser %d failed", userID)
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrUserNotFound, "user %d", userID)
	}
	roleIDs := make([]int64, 0)
	err := d.getDB(ctx).Model(&DirectoryUserRolePo{}).
		Where("user_id = ?", userID).
		Order("role_id asc").
		Pluck("role_id", &roleIDs).Error
	if err != nil {
		return nil, errors.WithMessagef(err, "GetUser %d roles failed", userID)
	}
	po := pos[0]
	return &DirectoryUser{
		ID:           po.ID,
		DisplayName:  po.DisplayName,
		DepartmentID: po.DepartmentID,
		RoleIDs:      roleIDs,
		IsManager:    po.IsManager,
		IsActive:     po.IsActive,
	}, nil
}

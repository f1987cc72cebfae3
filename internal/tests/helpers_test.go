package tests

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/blingmoon/purchase-approval/approval"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// 测试用的组织架构
const (
	systemUser      int64 = 1
	requesterID     int64 = 100
	managerMert     int64 = 201
	managerMina     int64 = 202
	specialistA     int64 = 301
	specialistB     int64 = 302
	specialistC     int64 = 303
	specialistOff   int64 = 304 // 停用
	purchaseManager int64 = 401
	financeA        int64 = 501
	financeB        int64 = 502
	financeC        int64 = 503
	financeD        int64 = 504
	generalManager  int64 = 601

	departmentSales int64 = 1
	departmentIT    int64 = 2

	roleSpecialist      int64 = 10
	rolePurchaseManager int64 = 20
	roleFinance         int64 = 30
)

var startTime = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingNotifier 记录所有发出去的通知
type recordingNotifier struct {
	mu            sync.Mutex
	notifications []*approval.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, notification *approval.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
	return nil
}

func (n *recordingNotifier) count(userID int64, title string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	cnt := 0
	for _, item := range n.notifications {
		if item.UserID == userID && item.Title == title {
			cnt++
		}
	}
	return cnt
}

type testEnv struct {
	db        *gorm.DB
	repo      approval.ApprovalRepo
	directory *approval.GormUserDirectory
	service   approval.ApprovalService
	clock     *manualClock
	notifier  *recordingNotifier
	metrics   *approval.Metrics
	options   *approval.Options
}

func newTestEnv(t *testing.T, opts ...approval.Option) *testEnv {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 内存库每个连接都是独立的库
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, approval.AutoMigrate(db))

	options := approval.DefaultOptions()
	options.SystemActorID = systemUser
	options.MaxRetries = 50
	options.RetryBackoff = 5 * time.Millisecond
	options.RedirectURLPrefix = "https://purchase.example.com/"

	env := &testEnv{
		db:        db,
		repo:      approval.NewApprovalRepo(db),
		directory: approval.NewGormUserDirectory(db),
		clock:     &manualClock{now: startTime},
		notifier:  &recordingNotifier{},
		metrics:   approval.NewMetrics(prometheus.NewRegistry()),
		options:   options,
	}
	opts = append([]approval.Option{
		approval.WithOptions(options),
		approval.WithClock(env.clock),
		approval.WithNotifier(env.notifier),
		approval.WithMetrics(env.metrics),
	}, opts...)
	env.service = approval.NewApprovalService(env.repo, env.directory, approval.NewLocalRequestLock(), opts...)
	env.seedUsers(t)
	return env
}

func int64Ptr(v int64) *int64 { return &v }

func (e *testEnv) seedUsers(t *testing.T) {
	users := []*approval.DirectoryUser{
		{ID: requesterID, DisplayName: "Rana Requester", DepartmentID: int64Ptr(departmentSales), IsActive: true},
		{ID: managerMert, DisplayName: "Mert Manager", DepartmentID: int64Ptr(departmentSales), IsManager: true, IsActive: true},
		{ID: managerMina, DisplayName: "Mina Manager", DepartmentID: int64Ptr(departmentSales), IsManager: true, IsActive: true},
		{ID: specialistA, DisplayName: "Specialist A", RoleIDs: []int64{roleSpecialist}, IsActive: true},
		{ID: specialistB, DisplayName: "Specialist B", RoleIDs: []int64{roleSpecialist}, IsActive: true},
		{ID: specialistC, DisplayName: "Specialist C", RoleIDs: []int64{roleSpecialist}, IsActive: true},
		{ID: specialistOff, DisplayName: "Specialist Off", RoleIDs: []int64{roleSpecialist}, IsActive: false},
		{ID: purchaseManager, DisplayName: "Purchasing Manager", RoleIDs: []int64{rolePurchaseManager}, IsActive: true},
		{ID: financeA, DisplayName: "Finance A", RoleIDs: []int64{roleFinance}, IsActive: true},
		{ID: financeB, DisplayName: "Finance B", RoleIDs: []int64{roleFinance}, IsActive: true},
		{ID: financeC, DisplayName: "Finance C", RoleIDs: []int64{roleFinance}, IsActive: true},
		{ID: financeD, DisplayName: "Finance D", RoleIDs: []int64{roleFinance}, IsActive: true},
		{ID: generalManager, DisplayName: "General Manager", DepartmentID: int64Ptr(departmentIT), IsActive: true},
	}
	for _, user := range users {
		_, err := e.directory.SaveUser(context.Background(), user)
		require.NoError(t, err)
	}
}

var requestSeq int

func (e *testEnv) newRequest(t *testing.T, amount string) *approval.PurchaseRequestPo {
	requestSeq++
	request, err := e.repo.CreatePurchaseRequest(context.Background(), &approval.PurchaseRequestPo{
		RequestNumber: fmt.Sprintf("PR-2025-%04d", requestSeq),
		Title:         "Laptops for the sales team",
		RequestedByID: requesterID,
		DepartmentID:  int64Ptr(departmentSales),
		TotalAmount:   decimal.RequireFromString(amount),
		Currency:      "TRY",
	})
	require.NoError(t, err)
	return request
}

func (e *testEnv) createFlow(t *testing.T, name string, steps ...*approval.StepConfig) *approval.FlowTemplate {
	flow, err := e.service.CreateFlow(context.Background(), &approval.FlowConfig{
		Name:        name,
		CreatedByID: systemUser,
		Steps:       steps,
	})
	require.NoError(t, err)
	return flow
}

func (e *testEnv) request(t *testing.T, requestID int64) *approval.PurchaseRequestPo {
	pos, err := e.repo.QueryPurchaseRequest(context.Background(), &approval.QueryPurchaseRequestParams{
		RequestID: &requestID,
		Page:      &approval.Pager{},
	})
	require.NoError(t, err)
	require.Len(t, pos, 1)
	return pos[0]
}

// records 按 id 升序返回, stepID 为 0 时返回申请下所有记录
func (e *testEnv) records(t *testing.T, requestID int64, stepID int64, status ...string) []*approval.ApprovalRecordPo {
	param := &approval.QueryApprovalRecordParams{
		RequestID: &requestID,
		StatusIn:  status,
		Page:      &approval.Pager{IsNoLimit: boolPtr(true)},
	}
	if stepID > 0 {
		param.StepID = &stepID
	}
	pos, err := e.repo.QueryApprovalRecord(context.Background(), param)
	require.NoError(t, err)
	return pos
}

func boolPtr(v bool) *bool { return &v }

func individualStep(order int64, userID int64) *approval.StepConfig {
	return &approval.StepConfig{
		Order:          order,
		Name:           fmt.Sprintf("Step %d", order),
		Kind:           approval.StepKindIndividual,
		ApproverUserID: int64Ptr(userID),
	}
}

func roleStep(order int64, roleID int64) *approval.StepConfig {
	return &approval.StepConfig{
		Order:          order,
		Name:           fmt.Sprintf("Step %d", order),
		Kind:           approval.StepKindRole,
		ApproverRoleID: int64Ptr(roleID),
	}
}

func decision(request *approval.PurchaseRequestPo, step *approval.StepDefinition, approverID int64, comments string) *approval.DecisionParams {
	return &approval.DecisionParams{
		RequestID:  request.ID,
		StepID:     step.ID,
		ApproverID: approverID,
		Comments:   comments,
	}
}

func approverIDs(records []*approval.ApprovalRecordPo) []int64 {
	ids := make([]int64, 0, len(records))
	for _, record := range records {
		if record.ApproverID != nil {
			ids = append(ids, *record.ApproverID)
		}
	}
	return ids
}

package approval

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 内存库每个连接都是独立的库
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, AutoMigrate(db))
	return db
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(now time.Time) *manualClock {
	return &manualClock{now: now}
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

type testEnv struct {
	db        *gorm.DB
	repo      ApprovalRepo
	directory *GormUserDirectory
	service   *ApprovalServiceImpl
	clock     *manualClock
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	db := newTestDB(t)
	env := &testEnv{
		db:        db,
		repo:      NewApprovalRepo(db),
		directory: NewGormUserDirectory(db),
		clock:     newManualClock(time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)),
	}
	opts = append([]Option{WithClock(env.clock)}, opts...)
	env.service = NewApprovalService(env.repo, env.directory, NewLocalRequestLock(), opts...).(*ApprovalServiceImpl)
	return env
}

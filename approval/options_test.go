package approval

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, int64(1), opts.SystemActorID)
	assert.Equal(t, int64(72), opts.DefaultTimeoutHours)
	assert.Equal(t, "TRY", opts.DefaultCurrency)
	assert.Equal(t, 3, opts.MaxRetries)
	assert.Equal(t, 50*time.Millisecond, opts.RetryBackoff)
	assert.Equal(t, 30*time.Second, opts.LockTTL)
	assert.Equal(t, 24*time.Hour, opts.ReminderInterval)
	assert.NoError(t, opts.Validate())
}

func TestLoadOptions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "approval.yaml")
	content := []byte(`
system_actor_id: 99
default_timeout_hours: 24
max_retries: 5
retry_backoff: 10ms
reminder_interval: 2h
redirect_url_prefix: https://purchase.example.com
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	t.Run("读取配置文件", func(t *testing.T) {
		opts, err := LoadOptions(path)
		require.NoError(t, err)
		assert.Equal(t, int64(99), opts.SystemActorID)
		assert.Equal(t, int64(24), opts.DefaultTimeoutHours)
		assert.Equal(t, 5, opts.MaxRetries)
		assert.Equal(t, 10*time.Millisecond, opts.RetryBackoff)
		assert.Equal(t, 2*time.Hour, opts.ReminderInterval)
		assert.Equal(t, "https://purchase.example.com", opts.RedirectURLPrefix)
		// 没配置的用默认值
		assert.Equal(t, 30*time.Second, opts.LockTTL)
	})

	t.Run("环境变量覆盖", func(t *testing.T) {
		t.Setenv("APPROVAL_MAX_RETRIES", "8")
		t.Setenv("APPROVAL_DEFAULT_CURRENCY", "EUR")
		opts, err := LoadOptions(path)
		require.NoError(t, err)
		assert.Equal(t, 8, opts.MaxRetries)
		assert.Equal(t, "EUR", opts.DefaultCurrency)
	})

	t.Run("配置不合法", func(t *testing.T) {
		t.Setenv("APPROVAL_DEFAULT_TIMEOUT_HOURS", "0")
		_, err := LoadOptions("")
		assert.True(t, errors.Is(err, ErrApprovalParamInvalid))
	})

	t.Run("文件不存在", func(t *testing.T) {
		_, err := LoadOptions(filepath.Join(dir, "missing.yaml"))
		assert.Error(t, err)
	})
}

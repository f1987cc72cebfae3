package approval

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Options 审批引擎的配置
type Options struct {
	// SystemActorID 自动审批, 超时处理时记录的操作人
	SystemActorID       int64         `mapstructure:"system_actor_id"`
	DefaultTimeoutHours int64         `mapstructure:"default_timeout_hours"`
	DefaultCurrency     string        `mapstructure:"default_currency"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryBackoff        time.Duration `mapstructure:"retry_backoff"`
	LockTTL             time.Duration `mapstructure:"lock_ttl"`
	ReminderInterval    time.Duration `mapstructure:"reminder_interval"`
	RedirectURLPrefix   string        `mapstructure:"redirect_url_prefix"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("system_actor_id", 1)
	v.SetDefault("default_timeout_hours", defaultTimeoutHours)
	v.SetDefault("default_currency", "TRY")
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_backoff", "50ms")
	v.SetDefault("lock_ttl", "30s")
	v.SetDefault("reminder_interval", "24h")
	v.SetDefault("redirect_url_prefix", "")
}

func DefaultOptions() *Options {
	v := viper.New()
	setDefaults(v)
	opts := &Options{}
	// 默认值都是合法的, 不会失败
	_ = v.Unmarshal(opts)
	return opts
}

// LoadOptions 从配置文件和 APPROVAL_ 前缀的环境变量加载配置, path 为空时只读环境变量
func LoadOptions(path string) (*Options, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("APPROVAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read approval config %s failed", path)
		}
	}
	opts := &Options{}
	if err := v.Unmarshal(opts); err != nil {
		return nil, errors.Wrap(err, "unmarshal approval config failed")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func (o *Options) Validate() error {
	if o.DefaultTimeoutHours <= 0 {
		return errors.WithMessagef(ErrApprovalParamInvalid, "default_timeout_hours must be positive, got %d", o.DefaultTimeoutHours)
	}
	if o.MaxRetries < 0 {
		return errors.WithMessagef(ErrApprovalParamInvalid, "max_retries must not be negative, got %d", o.MaxRetries)
	}
	if o.LockTTL <= 0 {
		return errors.WithMessagef(ErrApprovalParamInvalid, "lock_ttl must be positive, got %s", o.LockTTL)
	}
	return nil
}

// Option 构造 ApprovalService 时的可选项
type Option func(s *ApprovalServiceImpl)

func WithOptions(opts *Options) Option {
	return func(s *ApprovalServiceImpl) {
		if opts != nil {
			s.options = opts
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *ApprovalServiceImpl) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(clock Clock) Option {
	return func(s *ApprovalServiceImpl) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithNotifier(notifier Notifier) Option {
	return func(s *ApprovalServiceImpl) {
		if notifier != nil {
			s.notifier = notifier
		}
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(s *ApprovalServiceImpl) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

package approval

import "time"

// Clock 当前时间, 计算到期时间和超时判断都走这里, 测试里替换成可控时钟
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

func unixToTimePtr(ts *int64) *time.Time {
	if ts == nil {
		return nil
	}
	t := time.Unix(*ts, 0)
	return &t
}

func int64Ptr(v int64) *int64    { return &v }
func stringPtr(s string) *string { return &s }
func boolPtr(b bool) *bool       { return &b }

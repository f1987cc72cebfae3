package approval

import (
	"encoding/json"
	"fmt"
)

// RecordDetail 审批记录的附加信息(JSON), 记录动作方式, 自动动作, 超时策略, 系统错误等,
// 数据库里以 []byte 保存在 purchase_request_approval.action_detail
type RecordDetail struct {
	data map[string]any
}

// NewRecordDetail 从字节创建, 解析失败时返回空的 detail
func NewRecordDetail(b []byte) *RecordDetail {
	d := &RecordDetail{
		data: make(map[string]any),
	}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &d.data); err != nil || d.data == nil {
			d.data = make(map[string]any)
		}
	}
	return d
}

func NewRecordDetailFromMap(m map[string]any) *RecordDetail {
	if m == nil {
		m = make(map[string]any)
	}
	return &RecordDetail{data: m}
}

// Get 获取值，支持嵌套路径
// 例如: Get("system", "last_error")
func (d *RecordDetail) Get(keys ...string) (any, bool) {
	if len(keys) == 0 {
		return nil, false
	}
	current := any(d.data)
	for _, key := range keys {
		currentMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		val, exists := currentMap[key]
		if !exists {
			return nil, false
		}
		current = val
	}
	return current, true
}

func (d *RecordDetail) GetString(keys ...string) (string, bool) {
	val, ok := d.Get(keys...)
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

// GetInt64 获取 int64 值, 从数据库读回来的数字都是 float64
func (d *RecordDetail) GetInt64(keys ...string) (int64, bool) {
	val, ok := d.Get(keys...)
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// Set 设置值，支持嵌套路径, 中间路径不是 map 的会被覆盖
func (d *RecordDetail) Set(keys []string, value any) error {
	if len(keys) == 0 {
		return fmt.Errorf("keys cannot be empty")
	}
	current := d.data
	for i := 0; i < len(keys)-1; i++ {
		nextMap, ok := current[keys[i]].(map[string]any)
		if !ok {
			nextMap = make(map[string]any)
			current[keys[i]] = nextMap
		}
		current = nextMap
	}
	current[keys[len(keys)-1]] = value
	return nil
}

func (d *RecordDetail) Delete(keys ...string) {
	if len(keys) == 0 {
		return
	}
	current := d.data
	for i := 0; i < len(keys)-1; i++ {
		nextMap, ok := current[keys[i]].(map[string]any)
		if !ok {
			return
		}
		current = nextMap
	}
	delete(current, keys[len(keys)-1])
}

func (d *RecordDetail) ToBytes() ([]byte, error) {
	return json.Marshal(d.data)
}

func (d *RecordDetail) ToBytesWithoutError() []byte {
	b, err := json.Marshal(d.data)
	if err != nil {
		return nil
	}
	return b
}

// ToMap 返回底层 map（注意：返回的是引用）
func (d *RecordDetail) ToMap() map[string]any {
	return d.data
}

func (d *RecordDetail) Clone() *RecordDetail {
	b, _ := d.ToBytes()
	return NewRecordDetail(b)
}

// newActionDetail 构造一条审批动作的 detail
func newActionDetail(method string) *RecordDetail {
	d := NewRecordDetail(nil)
	d.Set([]string{RecordDetailKeyActionMethod}, method)
	return d
}

package approval

import (
	"testing"
)

func TestRecordDetail_BasicOperations(t *testing.T) {
	d := NewRecordDetail(nil)

	d.Set([]string{RecordDetailKeyActionMethod}, ActionMethodManual)
	d.Set([]string{RecordDetailKeySystem, "last_error"}, "budget exceeded")
	d.Set([]string{RecordDetailKeySupersededBy}, int64(42))

	method, ok := d.GetString(RecordDetailKeyActionMethod)
	if !ok || method != ActionMethodManual {
		t.Errorf("Expected action_method=manual, got %s", method)
	}

	lastErr, ok := d.GetString(RecordDetailKeySystem, "last_error")
	if !ok || lastErr != "budget exceeded" {
		t.Errorf("Expected last_error=budget exceeded, got %s", lastErr)
	}

	by, ok := d.GetInt64(RecordDetailKeySupersededBy)
	if !ok || by != 42 {
		t.Errorf("Expected superseded_by=42, got %d", by)
	}
}

func TestRecordDetail_FromBytes(t *testing.T) {
	d := NewRecordDetail([]byte(`{"action_method":"timeout","superseded_by":7,"system":{"last_error":"x"}}`))

	method, ok := d.GetString(RecordDetailKeyActionMethod)
	if !ok || method != ActionMethodTimeout {
		t.Errorf("Expected action_method=timeout, got %s", method)
	}
	// 数据库读回来的数字是 float64
	by, ok := d.GetInt64(RecordDetailKeySupersededBy)
	if !ok || by != 7 {
		t.Errorf("Expected superseded_by=7, got %d", by)
	}
	if _, ok := d.GetString(RecordDetailKeySystem, "missing"); ok {
		t.Errorf("Expected missing nested key to be absent")
	}
}

func TestRecordDetail_InvalidBytes(t *testing.T) {
	d := NewRecordDetail([]byte(`not json`))
	if len(d.ToMap()) != 0 {
		t.Errorf("Expected empty detail for invalid json, got %v", d.ToMap())
	}
	d.Set([]string{"k"}, "v")
	if v, _ := d.GetString("k"); v != "v" {
		t.Errorf("Expected detail to stay writable, got %s", v)
	}
}

func TestRecordDetail_SetOverwritesNonMap(t *testing.T) {
	d := NewRecordDetail(nil)
	d.Set([]string{RecordDetailKeySystem}, "plain")
	d.Set([]string{RecordDetailKeySystem, "last_error"}, "boom")

	v, ok := d.GetString(RecordDetailKeySystem, "last_error")
	if !ok || v != "boom" {
		t.Errorf("Expected nested value after overwrite, got %s", v)
	}
	if err := d.Set(nil, "x"); err == nil {
		t.Errorf("Expected error for empty keys")
	}
}

func TestRecordDetail_DeleteAndClone(t *testing.T) {
	d := newActionDetail(ActionMethodAutomatic)
	d.Set([]string{RecordDetailKeyAutomatedAction}, AutomatedActionBudgetCheck)

	clone := d.Clone()
	d.Delete(RecordDetailKeyAutomatedAction)

	if _, ok := d.Get(RecordDetailKeyAutomatedAction); ok {
		t.Errorf("Expected automated_action to be deleted")
	}
	action, ok := clone.GetString(RecordDetailKeyAutomatedAction)
	if !ok || action != AutomatedActionBudgetCheck {
		t.Errorf("Expected clone to keep automated_action, got %s", action)
	}
	if b := clone.ToBytesWithoutError(); len(b) == 0 {
		t.Errorf("Expected clone bytes")
	}
}

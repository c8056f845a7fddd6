package models

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDefaultDateRange(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want string
	}{
		{"mid year", time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC), "2026-08-15"},
		{"crosses year", time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC), "2025-11-15"},
		{"february", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), "2025-12-15"},
		{"month end", time.Date(2026, 5, 31, 0, 0, 0, 0, time.UTC), "2026-03-15"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DefaultDateRange(tt.now).String()
			if got != tt.want {
				t.Errorf("DefaultDateRange(%s) = %s, want %s", tt.now, got, tt.want)
			}
		})
	}
}

func TestDateRange_Month(t *testing.T) {
	dr := DefaultDateRange(time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC))
	if got := dr.Month(); got != "202608" {
		t.Errorf("Month() = %s, want 202608", got)
	}
}

func TestFields_Has(t *testing.T) {
	f := Fields{"a": "1", "b": NotFound, "c": ""}
	if !f.Has("a") {
		t.Error("a should be present")
	}
	if f.Has("b") {
		t.Error("sentinel value should not count as present")
	}
	if f.Has("c") {
		t.Error("empty value should not count as present")
	}
	if f.Has("d") {
		t.Error("missing key should not count as present")
	}
	if got := f.Collected(); got != 1 {
		t.Errorf("Collected() = %d, want 1", got)
	}
}

func TestError_IsMatchesCode(t *testing.T) {
	err := fmt.Errorf("worker 2: %w", NewError(ErrCodeAuthWaitTimeout, "waited 300s", nil))
	if !errors.Is(err, ErrAuthWaitTimeout) {
		t.Error("wrapped error with same code should match sentinel")
	}
	if errors.Is(err, ErrAuthFailed) {
		t.Error("different code must not match")
	}
	if got := CodeOf(err); got != ErrCodeAuthWaitTimeout {
		t.Errorf("CodeOf = %s, want %s", got, ErrCodeAuthWaitTimeout)
	}
	if got := CodeOf(errors.New("plain")); got != ErrCodeInternal {
		t.Errorf("CodeOf(plain) = %s, want %s", got, ErrCodeInternal)
	}
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusPartial, StatusNA, StatusFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusExtracting} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

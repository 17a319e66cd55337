package trainer

import (
	"testing"
	"time"
)

func TestNewLoopRejectsBadSchedule(t *testing.T) {
	if _, err := NewLoop(nil, "not a cron expr", nil); err == nil {
		t.Fatalf("expected parse error")
	}
	// 6-field expressions (with seconds) are not accepted.
	if _, err := NewLoop(nil, "0 0 * * * *", nil); err == nil {
		t.Fatalf("expected parse error for 6-field expression")
	}
}

func TestNewLoopHourlySchedule(t *testing.T) {
	l, err := NewLoop(nil, "0 * * * *", nil)
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	from := time.Date(2025, 5, 1, 10, 42, 0, 0, time.UTC)
	next := l.schedule.Next(from)
	want := time.Date(2025, 5, 1, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next fire = %v, want %v", next, want)
	}
}

func TestFireSkipsWhileRunning(t *testing.T) {
	l, err := NewLoop(nil, "* * * * *", nil)
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	// Simulate an in-flight iteration.
	l.running <- struct{}{}

	select {
	case l.running <- struct{}{}:
		t.Fatalf("second fire should have been refused")
	default:
	}
}

package bridge

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 5 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 4*time.Second {
		t.Fatalf("expected min jitter interval 4s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 5*time.Second {
		t.Fatalf("expected midpoint jitter interval 5s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 6*time.Second {
		t.Fatalf("expected max jitter interval 6s, got %s", got)
	}
	if got := jitteredIntervalWithSample(0, 0.2, 1); got != 0 {
		t.Fatalf("expected zero interval for zero base, got %s", got)
	}
}

func TestEveryFiresOnEachInterval(t *testing.T) {
	clock := newFakeClock()
	var runs atomic.Int32
	task := Every(clock, 5*time.Second, 0, func() { runs.Add(1) })
	defer task.Cancel()

	clock.Advance(4 * time.Second)
	if runs.Load() != 0 {
		t.Fatalf("expected no run before the interval elapsed")
	}
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, 5*time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return clock.armed() == 1 }, 5*time.Second, time.Millisecond)
	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, 5*time.Second, time.Millisecond)
}

func TestTaskCancelStopsFurtherRuns(t *testing.T) {
	clock := newFakeClock()
	var runs atomic.Int32
	task := Every(clock, time.Second, 0, func() { runs.Add(1) })

	task.Cancel()
	task.Cancel()
	clock.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Fatalf("expected no runs after cancel, got %d", got)
	}
	if clock.armed() != 0 {
		t.Fatalf("expected timer stopped after cancel")
	}
}

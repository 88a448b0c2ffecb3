package bridge

import (
	"math/rand"
	"sync"
	"time"
)

// Clock is the time source behind scheduled work.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

type Timer interface {
	C() <-chan time.Time
	Reset(d time.Duration) bool
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTimer(d time.Duration) Timer {
	return &systemTimer{timer: time.NewTimer(d)}
}

type systemTimer struct {
	timer *time.Timer
}

func (t *systemTimer) C() <-chan time.Time { return t.timer.C }

func (t *systemTimer) Reset(d time.Duration) bool { return t.timer.Reset(d) }

func (t *systemTimer) Stop() bool { return t.timer.Stop() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// Task is a handle on a scheduled repeating job.
type Task struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Cancel stops the task and waits for its goroutine to exit. A run already
// in progress completes first.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.stop) })
	<-t.done
}

// Every calls fn after each interval until the returned task is cancelled.
// jitterRatio spreads each delay uniformly over interval*(1±jitterRatio).
func Every(clock Clock, interval time.Duration, jitterRatio float64, fn func()) *Task {
	if clock == nil {
		clock = SystemClock()
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	rng := rand.New(rand.NewSource(clock.Now().UnixNano()))
	task := &Task{stop: make(chan struct{}), done: make(chan struct{})}
	timer := clock.NewTimer(jitteredIntervalWithSample(interval, jitterRatio, rng.Float64()))
	go func() {
		defer close(task.done)
		defer timer.Stop()
		for {
			select {
			case <-task.stop:
				return
			case <-timer.C():
				fn()
				timer.Reset(jitteredIntervalWithSample(interval, jitterRatio, rng.Float64()))
			}
		}
	}()
	return task
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobRunsOnInterval(t *testing.T) {
	var runs atomic.Int64
	s := New()
	s.Add(Job{
		Name:     "tick",
		Interval: 10 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	s.Start(context.Background())
	time.Sleep(55 * time.Millisecond)
	s.Stop()

	assert.GreaterOrEqual(t, runs.Load(), int64(3))
}

func TestRunOnStartFiresImmediately(t *testing.T) {
	var runs atomic.Int64
	s := New()
	s.Add(Job{
		Name:       "eager",
		Interval:   time.Hour,
		RunOnStart: true,
		Fn: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	assert.Equal(t, int64(1), runs.Load())
}

func TestFailingJobKeepsRunning(t *testing.T) {
	var runs atomic.Int64
	s := New()
	s.Add(Job{
		Name:     "flaky",
		Interval: 10 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			runs.Add(1)
			return errors.New("transient")
		},
	})
	s.Start(context.Background())
	time.Sleep(45 * time.Millisecond)
	s.Stop()

	assert.GreaterOrEqual(t, runs.Load(), int64(2))
}

func TestStopWaitsForJobs(t *testing.T) {
	done := make(chan struct{})
	s := New()
	s.Add(Job{
		Name:       "slow",
		Interval:   time.Hour,
		RunOnStart: true,
		Fn: func(ctx context.Context) error {
			time.Sleep(30 * time.Millisecond)
			close(done)
			return nil
		},
	})
	s.Start(context.Background())
	s.Stop()

	select {
	case <-done:
	default:
		t.Fatal("Stop returned before the in-flight run finished")
	}
}

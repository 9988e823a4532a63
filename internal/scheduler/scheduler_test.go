package scheduler

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"lookout/internal/jobs"
	"lookout/internal/lock"
	"lookout/internal/logging"
)

func init() { logging.SetOutput(io.Discard) }

type countingCycle struct {
	calls  int32
	sample atomic.Bool
	ran    chan struct{}
}

func (c *countingCycle) RunAll(ctx context.Context, sample bool) (map[string][]jobs.TaskReport, error) {
	atomic.AddInt32(&c.calls, 1)
	c.sample.Store(sample)
	select {
	case c.ran <- struct{}{}:
	default:
	}
	return map[string][]jobs.TaskReport{"m1": {{Err: errors.New("boom")}, {}}}, nil
}

func TestRunStartsWithImmediateCycle(t *testing.T) {
	c := &countingCycle{ran: make(chan struct{}, 1)}
	s := New("@every 1h", true, c, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-c.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("no immediate cycle")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
	if !c.sample.Load() {
		t.Fatal("sample flag not passed through")
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := New("every now and then", false, &countingCycle{ran: make(chan struct{}, 1)}, nil)
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected spec error")
	}
}

func TestCycleSkippedWhileLockHeld(t *testing.T) {
	l := lock.NewLocal()
	unlock, err := l.Lock(context.Background(), "cycle")
	if err != nil {
		t.Fatal(err)
	}
	c := &countingCycle{ran: make(chan struct{}, 1)}
	s := New("@every 1h", false, c, l)
	s.runCycle(context.Background())
	if n := atomic.LoadInt32(&c.calls); n != 0 {
		t.Fatalf("cycle ran %d times while locked", n)
	}
	unlock()
	s.runCycle(context.Background())
	if n := atomic.LoadInt32(&c.calls); n != 1 {
		t.Fatalf("cycle ran %d times after unlock", n)
	}
}

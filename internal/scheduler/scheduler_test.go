package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"agent_foundry/internal/domain"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestRunDueFiresInFireTimeOrder(t *testing.T) {
	clock := NewFakeClock(epoch)
	s := New(clock, nil)
	ctx := context.Background()

	var order []string
	s.Schedule("a", 30*time.Millisecond, func(context.Context) { order = append(order, "late") })
	s.Schedule("b", 10*time.Millisecond, func(context.Context) { order = append(order, "early") })
	s.Schedule("c", 10*time.Millisecond, func(context.Context) { order = append(order, "early-second") })
	s.Schedule("d", time.Second, func(context.Context) { order = append(order, "not-due") })

	if ran := s.RunDue(ctx); ran != 0 {
		t.Fatalf("ran=%d before any time passed", ran)
	}
	clock.Advance(50 * time.Millisecond)
	if ran := s.RunDue(ctx); ran != 3 {
		t.Fatalf("ran=%d want=3", ran)
	}
	want := []string{"early", "early-second", "late"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	if s.Len() != 1 {
		t.Fatalf("queue len=%d want=1", s.Len())
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	clock := NewFakeClock(epoch)
	s := New(clock, nil)
	ctx := context.Background()

	fired := false
	task := s.Schedule("agent-1", time.Second, func(context.Context) { fired = true })
	if !s.Cancel(task) {
		t.Fatalf("first cancel should report a pending task")
	}
	if s.Cancel(task) {
		t.Fatalf("second cancel should be a no-op")
	}
	clock.Advance(2 * time.Second)
	s.RunDue(ctx)
	if fired {
		t.Fatalf("cancelled task fired")
	}

	ran := s.Schedule("agent-1", 0, func(context.Context) {})
	s.RunDue(ctx)
	if s.Cancel(ran) {
		t.Fatalf("cancelling a fired task should be a no-op")
	}
	select {
	case <-ran.Done():
	default:
		t.Fatalf("fired task done channel not closed")
	}
}

func TestCancelKeyOnlyTouchesThatKey(t *testing.T) {
	clock := NewFakeClock(epoch)
	s := New(clock, nil)

	s.Schedule("agent-1", time.Second, nil)
	s.Schedule("agent-1", 2*time.Second, nil)
	s.Schedule("agent-2", time.Second, nil)

	if n := s.CancelKey("agent-1"); n != 2 {
		t.Fatalf("cancelled=%d want=2", n)
	}
	if n := s.CancelKey("agent-1"); n != 0 {
		t.Fatalf("repeat cancel=%d want=0", n)
	}
	if s.Pending("agent-2") != 1 {
		t.Fatalf("agent-2 pending=%d want=1", s.Pending("agent-2"))
	}
	if s.Len() != 1 {
		t.Fatalf("queue len=%d want=1", s.Len())
	}
}

func TestSleepReturnsCancelledWhenKeyCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := NewFakeClock(epoch)
	s := New(clock, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Sleep(ctx, "agent-1", time.Minute)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.Pending("agent-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sleep never scheduled")
		}
		time.Sleep(time.Millisecond)
	}
	s.CancelKey("agent-1")

	select {
	case err := <-errCh:
		if !errors.Is(err, domain.ErrTaskCancelled) {
			t.Fatalf("err=%v want ErrTaskCancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("sleep did not return after cancel")
	}
}

func TestRunLoopFiresWithRealClock(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(RealClock{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	fired := make(chan struct{})
	s.Schedule("k", 5*time.Millisecond, func(context.Context) { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("task did not fire")
	}

	if err := s.Sleep(ctx, "k", 5*time.Millisecond); err != nil {
		t.Fatalf("sleep: %v", err)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run err=%v", err)
	}
}

func TestCancelPrefixCoversAllAgentWork(t *testing.T) {
	s := New(NewFakeClock(epoch), nil)

	s.Schedule(AgentKey("a1", "step"), time.Second, nil)
	s.Schedule(AgentKey("a1", "tool"), time.Second, nil)
	s.Schedule(AgentKey("a10", "step"), time.Second, nil)

	if n := s.CancelPrefix(AgentPrefix("a1")); n != 2 {
		t.Fatalf("cancelled=%d want=2", n)
	}
	if s.Pending(AgentKey("a10", "step")) != 1 {
		t.Fatalf("a10 work should survive")
	}
}

// Package scheduler runs delayed, cancellable callbacks from a single loop.
//
// Every suspension point in the engine (tool latency, simulated step work,
// campaign ticks) is a Task keyed by the entity it belongs to, so suspending
// an agent or stopping a campaign is a CancelKey call.
package scheduler

import (
	"container/heap"
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"agent_foundry/internal/domain"
)

type taskState int

const (
	taskPending taskState = iota
	taskFired
	taskCancelled
)

type Task struct {
	key    string
	fireAt time.Time
	seq    uint64
	fn     func(context.Context)
	index  int
	state  taskState
	done   chan struct{}
}

func (t *Task) Key() string { return t.key }

func (t *Task) FireAt() time.Time { return t.fireAt }

func (t *Task) Done() <-chan struct{} { return t.done }

type Scheduler struct {
	clock  Clock
	logger *zap.Logger

	mu    sync.Mutex
	queue taskHeap
	byKey map[string]map[*Task]struct{}
	seq   uint64
	wake  chan struct{}
}

func New(clock Clock, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		clock:  clock,
		logger: logger,
		byKey:  make(map[string]map[*Task]struct{}),
		wake:   make(chan struct{}, 1),
	}
}

func (s *Scheduler) Clock() Clock { return s.clock }

func (s *Scheduler) Schedule(key string, delay time.Duration, fn func(context.Context)) *Task {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	s.seq++
	t := &Task{
		key:    key,
		fireAt: s.clock.Now().Add(delay),
		seq:    s.seq,
		fn:     fn,
		done:   make(chan struct{}),
	}
	heap.Push(&s.queue, t)
	set, ok := s.byKey[key]
	if !ok {
		set = make(map[*Task]struct{})
		s.byKey[key] = set
	}
	set[t] = struct{}{}
	s.mu.Unlock()

	s.signal()
	return t
}

// Cancel removes a pending task. Cancelling a fired or already cancelled
// task is a no-op and reports false.
func (s *Scheduler) Cancel(t *Task) bool {
	if t == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(t)
}

func (s *Scheduler) CancelKey(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for t := range s.byKey[key] {
		if s.cancelLocked(t) {
			n++
		}
	}
	return n
}

// CancelPrefix cancels every pending task whose key starts with prefix.
func (s *Scheduler) CancelPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, set := range s.byKey {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		for t := range set {
			if s.cancelLocked(t) {
				n++
			}
		}
	}
	return n
}

// AgentKey namespaces an agent's scheduled work so that all of it can be
// cancelled with CancelPrefix(AgentPrefix(id)).
func AgentKey(agentID, purpose string) string {
	return AgentPrefix(agentID) + purpose
}

func AgentPrefix(agentID string) string {
	return "agent/" + agentID + "/"
}

func (s *Scheduler) cancelLocked(t *Task) bool {
	if t.state != taskPending {
		return false
	}
	t.state = taskCancelled
	if t.index >= 0 && t.index < len(s.queue) && s.queue[t.index] == t {
		heap.Remove(&s.queue, t.index)
	}
	s.forgetLocked(t)
	close(t.done)
	return true
}

func (s *Scheduler) forgetLocked(t *Task) {
	set := s.byKey[t.key]
	delete(set, t)
	if len(set) == 0 {
		delete(s.byKey, t.key)
	}
}

func (s *Scheduler) Pending(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey[key])
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Cancelled reports whether t was cancelled before it fired.
func (s *Scheduler) Cancelled(t *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.state == taskCancelled
}

func (s *Scheduler) nextFireAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return time.Time{}, false
	}
	return s.queue[0].fireAt, true
}

// RunDue runs every task whose fire time has been reached, in fire-time
// order, and returns how many ran. Callbacks run outside the lock so they
// may schedule or cancel further tasks.
func (s *Scheduler) RunDue(ctx context.Context) int {
	ran := 0
	for {
		if ctx.Err() != nil {
			return ran
		}
		now := s.clock.Now()
		s.mu.Lock()
		if len(s.queue) == 0 || s.queue[0].fireAt.After(now) {
			s.mu.Unlock()
			return ran
		}
		t := heap.Pop(&s.queue).(*Task)
		t.state = taskFired
		s.forgetLocked(t)
		s.mu.Unlock()

		s.invoke(ctx, t)
		close(t.done)
		ran++
	}
}

func (s *Scheduler) invoke(ctx context.Context, t *Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked", zap.String("key", t.key), zap.Any("panic", r))
		}
	}()
	if t.fn != nil {
		t.fn(ctx)
	}
}

// Run drives the queue until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		s.RunDue(ctx)

		var timer <-chan time.Time
		if next, ok := s.nextFireAt(); ok {
			timer = s.clock.After(next.Sub(s.clock.Now()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-timer:
		}
	}
}

// Sleep suspends the caller for d under key. It returns
// domain.ErrTaskCancelled when the key is cancelled first.
func (s *Scheduler) Sleep(ctx context.Context, key string, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := s.Schedule(key, d, nil)
	select {
	case <-ctx.Done():
		s.Cancel(t)
		return ctx.Err()
	case <-t.Done():
		if s.Cancelled(t) {
			return domain.ErrTaskCancelled
		}
		return nil
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].fireAt.Before(h[j].fireAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

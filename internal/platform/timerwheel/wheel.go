// Package timerwheel implements the persisted deadline scheduler shared by
// the bundle scheduler and alert escalation. A single goroutine owns the
// timer heap; expired timers are handed to a worker pool over a channel.
// Timers survive restarts: on Start the wheel reloads the persisted set and
// fires anything already overdue immediately, flagged as overdue.
package timerwheel

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Timer is one armed deadline. Key is unique across the wheel; arming an
// existing key replaces the previous deadline. Kind routes the expiry to the
// right consumer; Payload carries consumer-specific state.
type Timer struct {
	Key     string          `json:"key"`
	Kind    string          `json:"kind"`
	FireAt  time.Time       `json:"fire_at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Store persists armed timers so that restart-after-crash is correct.
type Store interface {
	Save(ctx context.Context, t Timer) error
	Delete(ctx context.Context, key string) error
	LoadAll(ctx context.Context) ([]Timer, error)
}

// Handler consumes an expired timer. Overdue is true when the deadline had
// already passed at the moment the wheel (re)started.
type Handler func(ctx context.Context, t Timer, overdue bool)

// ErrStopped is returned by Arm and Cancel after the wheel has shut down.
var ErrStopped = errors.New("timerwheel: stopped")

type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].FireAt.Before(h[j].FireAt) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(*Timer)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

type expired struct {
	timer   Timer
	overdue bool
}

type armOp struct {
	timer Timer
	done  chan error
}

type cancelOp struct {
	key  string
	done chan error
}

// Wheel is the scheduler. All heap access happens on the run goroutine;
// Arm and Cancel communicate with it over channels.
type Wheel struct {
	store   Store
	handler Handler
	logger  zerolog.Logger
	workers int
	now     func() time.Time

	arms    chan armOp
	cancels chan cancelOp
	work    chan expired
	done    chan struct{}
	wg      sync.WaitGroup

	stopOnce sync.Once
}

// Option configures a Wheel.
type Option func(*Wheel)

// WithWorkers sets the number of expiry workers (default: number of cores).
func WithWorkers(n int) Option {
	return func(w *Wheel) {
		if n > 0 {
			w.workers = n
		}
	}
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Wheel) { w.now = now }
}

// New creates a Wheel. Call Start to load persisted timers and begin firing.
func New(store Store, handler Handler, logger zerolog.Logger, opts ...Option) *Wheel {
	w := &Wheel{
		store:   store,
		handler: handler,
		logger:  logger.With().Str("component", "timerwheel").Logger(),
		workers: runtime.NumCPU(),
		now:     time.Now,
		arms:    make(chan armOp),
		cancels: make(chan cancelOp),
		work:    make(chan expired, 256),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start reloads persisted timers, fires overdue ones immediately, and begins
// the scheduling loop and worker pool. It blocks only for the reload.
func (w *Wheel) Start(ctx context.Context) error {
	persisted, err := w.store.LoadAll(ctx)
	if err != nil {
		return err
	}

	h := make(timerHeap, 0, len(persisted))
	now := w.now()
	var overdue []Timer
	for i := range persisted {
		t := persisted[i]
		if !t.FireAt.After(now) {
			overdue = append(overdue, t)
			continue
		}
		tc := t
		h = append(h, &tc)
	}
	heap.Init(&h)

	if len(overdue) > 0 {
		w.logger.Warn().Int("overdue", len(overdue)).Int("rearmed", h.Len()).
			Msg("firing overdue timers at startup")
	} else {
		w.logger.Info().Int("rearmed", h.Len()).Msg("timers reloaded")
	}

	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.worker(ctx)
	}

	w.wg.Add(1)
	go w.run(ctx, h, overdue)

	return nil
}

// Arm persists and schedules the timer. An existing timer with the same key
// is replaced.
func (w *Wheel) Arm(ctx context.Context, t Timer) error {
	if err := w.store.Save(ctx, t); err != nil {
		return err
	}
	op := armOp{timer: t, done: make(chan error, 1)}
	select {
	case w.arms <- op:
		return <-op.done
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel removes the timer with the given key, if armed.
func (w *Wheel) Cancel(ctx context.Context, key string) error {
	if err := w.store.Delete(ctx, key); err != nil {
		return err
	}
	op := cancelOp{key: key, done: make(chan error, 1)}
	select {
	case w.cancels <- op:
		return <-op.done
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts the wheel down and waits for in-flight work to drain. Persisted
// timers are left in the store for the next start.
func (w *Wheel) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *Wheel) run(ctx context.Context, h timerHeap, overdue []Timer) {
	defer w.wg.Done()
	defer close(w.work)

	// The worker pool is already draining, so a startup backlog larger than
	// the work buffer cannot wedge the wheel.
	for _, t := range overdue {
		w.dispatch(ctx, t, true)
	}

	// Index for O(1) cancel and replace; heap entries are lazily invalidated
	// by checking membership at pop time.
	live := make(map[string]time.Time, h.Len())
	for _, t := range h {
		live[t.Key] = t.FireAt
	}

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		// Pop everything due, skipping entries superseded by a later Arm or
		// removed by Cancel.
		now := w.now()
		for h.Len() > 0 {
			next := h[0]
			at, ok := live[next.Key]
			if !ok || !at.Equal(next.FireAt) {
				heap.Pop(&h)
				continue
			}
			if next.FireAt.After(now) {
				break
			}
			heap.Pop(&h)
			delete(live, next.Key)
			w.dispatch(ctx, *next, false)
		}

		wait := time.Hour
		if h.Len() > 0 {
			if wait = h[0].FireAt.Sub(w.now()); wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-w.done:
			return
		case <-timer.C:
		case op := <-w.arms:
			t := op.timer
			live[t.Key] = t.FireAt
			heap.Push(&h, &t)
			op.done <- nil
		case op := <-w.cancels:
			delete(live, op.key)
			op.done <- nil
		}
	}
}

func (w *Wheel) dispatch(ctx context.Context, t Timer, overdue bool) {
	select {
	case w.work <- expired{timer: t, overdue: overdue}:
	case <-w.done:
	case <-ctx.Done():
	}
}

func (w *Wheel) worker(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case e, ok := <-w.work:
			if !ok {
				return
			}
			// A fired timer is spent; remove its persisted row before the
			// handler runs so a crash mid-handler re-fires at most once.
			if err := w.store.Delete(ctx, e.timer.Key); err != nil {
				w.logger.Error().Err(err).Str("key", e.timer.Key).Msg("delete fired timer")
			}
			w.safeHandle(ctx, e)
		}
	}
}

func (w *Wheel) safeHandle(ctx context.Context, e expired) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Interface("panic", r).
				Str("key", e.timer.Key).Str("kind", e.timer.Kind).
				Msg("timer handler panicked")
		}
	}()
	w.handler(ctx, e.timer, e.overdue)
}

// MemStore is an in-memory Store for tests and the memory ingress profile.
type MemStore struct {
	mu     sync.Mutex
	timers map[string]Timer
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{timers: make(map[string]Timer)}
}

func (s *MemStore) Save(_ context.Context, t Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[t.Key] = t
	return nil
}

func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, key)
	return nil
}

func (s *MemStore) LoadAll(_ context.Context) ([]Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Timer, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, t)
	}
	return out, nil
}

// Len reports the number of persisted timers.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

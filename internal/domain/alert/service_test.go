package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/aegis/aegis/internal/platform/timerwheel"
)

// ----------------------------------------------------------------------------
// fakes
// ----------------------------------------------------------------------------

type fakeTimers struct {
	mu        sync.Mutex
	armed     map[string]timerwheel.Timer
	cancelled []string
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{armed: make(map[string]timerwheel.Timer)}
}

func (f *fakeTimers) Arm(_ context.Context, t timerwheel.Timer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed[t.Key] = t
	return nil
}

func (f *fakeTimers) Cancel(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.armed, key)
	f.cancelled = append(f.cancelled, key)
	return nil
}

func (f *fakeTimers) get(key string) (timerwheel.Timer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.armed[key]
	return t, ok
}

type fakeNotifier struct {
	mu       sync.Mutex
	failures int // fail this many deliveries before succeeding
	calls    []string
}

func (f *fakeNotifier) Deliver(_ context.Context, a *Alert, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, a.Kind+"/"+channel)
	if f.failures > 0 {
		f.failures--
		return errors.New("endpoint unavailable")
	}
	return nil
}

func (f *fakeNotifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestService(repo Repository, timers Timers, n Notifier, chains map[string][]EscalationStep) *Service {
	s := NewService(repo, timers, n, chains, zerolog.Nop())
	s.newRetry = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return s
}

func mustUpsert(t *testing.T, s *Service, kind, key, summary string) string {
	t.Helper()
	id, _, err := s.Upsert(context.Background(), kind, key, Payload{Severity: SeverityHigh, Summary: summary})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	return id
}

// ----------------------------------------------------------------------------
// upsert
// ----------------------------------------------------------------------------

func TestUpsertCreatesThenMerges(t *testing.T) {
	repo := NewMemRepo()
	s := newTestService(repo, newFakeTimers(), &fakeNotifier{}, nil)
	ctx := context.Background()

	id1, created, err := s.Upsert(ctx, KindGuidelineDeviation, "ep1/blood-culture", Payload{
		Severity: SeverityHigh, PatientID: "p1", Summary: "blood culture overdue",
	})
	if err != nil {
		t.Fatalf("first Upsert failed: %v", err)
	}
	if !created {
		t.Error("first upsert should create")
	}

	a, err := s.Get(ctx, id1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if a.Status != StatusSent {
		t.Errorf("status after successful delivery = %s, want sent", a.Status)
	}

	id2, created, err := s.Upsert(ctx, KindGuidelineDeviation, "ep1/blood-culture", Payload{
		Severity: SeverityCritical, PatientID: "p1", Summary: "blood culture overdue 2h",
	})
	if err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}
	if created {
		t.Error("second upsert should merge, not create")
	}
	if id2 != id1 {
		t.Errorf("merge returned different alert id: %s vs %s", id2, id1)
	}

	a, _ = s.Get(ctx, id1)
	if a.Summary != "blood culture overdue 2h" {
		t.Errorf("summary not merged: %q", a.Summary)
	}
	if a.Severity != SeverityCritical {
		t.Errorf("severity not merged: %s", a.Severity)
	}
	if a.Status != StatusSent {
		t.Errorf("merge regressed status to %s", a.Status)
	}
}

func TestUpsertNeverRegressesAcknowledged(t *testing.T) {
	repo := NewMemRepo()
	s := newTestService(repo, newFakeTimers(), &fakeNotifier{}, nil)
	ctx := context.Background()

	id := mustUpsert(t, s, KindGuidelineDeviation, "ep1/lp", "LP not performed")
	if err := s.Acknowledge(ctx, id, "dr.kim"); err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}

	if _, _, err := s.Upsert(ctx, KindGuidelineDeviation, "ep1/lp", Payload{Severity: SeverityHigh, Summary: "LP still not performed"}); err != nil {
		t.Fatalf("re-upsert failed: %v", err)
	}
	a, _ := s.Get(ctx, id)
	if a.Status != StatusAcknowledged {
		t.Errorf("upsert regressed acknowledged to %s", a.Status)
	}
	if a.Summary != "LP still not performed" {
		t.Errorf("content not merged: %q", a.Summary)
	}
}

func TestUpsertAfterResolveCreatesFresh(t *testing.T) {
	repo := NewMemRepo()
	s := newTestService(repo, newFakeTimers(), &fakeNotifier{}, nil)
	ctx := context.Background()

	id1 := mustUpsert(t, s, KindHAIConfirmed, "clabsi/p1/2026-01-04", "CLABSI confirmed")
	if err := s.Resolve(ctx, id1, "dr.kim", "line removed, treated"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	id2, created, err := s.Upsert(ctx, KindHAIConfirmed, "clabsi/p1/2026-01-04", Payload{Severity: SeverityCritical, Summary: "CLABSI reconfirmed"})
	if err != nil {
		t.Fatalf("Upsert after resolve failed: %v", err)
	}
	if !created {
		t.Error("resolved alerts must not absorb new upserts")
	}
	if id2 == id1 {
		t.Error("new alert reused resolved alert id")
	}
}

func TestUpsertWritesCreatedAuditOnceOnly(t *testing.T) {
	repo := NewMemRepo()
	s := newTestService(repo, newFakeTimers(), &fakeNotifier{}, nil)
	ctx := context.Background()

	id := mustUpsert(t, s, KindOperator, "maint/disk", "disk filling")
	mustUpsert(t, s, KindOperator, "maint/disk", "disk filling fast")

	hist, err := s.History(ctx, id)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	created := 0
	for _, h := range hist {
		if h.Action == "created" {
			created++
		}
	}
	if created != 1 {
		t.Errorf("%d 'created' audit rows, want 1", created)
	}
}

// ----------------------------------------------------------------------------
// transitions
// ----------------------------------------------------------------------------

func TestTransitionRejectsInvalid(t *testing.T) {
	repo := NewMemRepo()
	s := newTestService(repo, newFakeTimers(), &fakeNotifier{}, nil)
	ctx := context.Background()

	id := mustUpsert(t, s, KindOperator, "k1", "x")
	if err := s.Resolve(ctx, id, "op", "done"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	// resolved is terminal
	err := s.Acknowledge(ctx, id, "op")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("ack of resolved alert: err = %v, want ErrInvalidTransition", err)
	}
	err = s.Snooze(ctx, id, "op", time.Now().Add(time.Hour))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("snooze of resolved alert: err = %v, want ErrInvalidTransition", err)
	}
}

func TestTransitionToCurrentStatusIsNoop(t *testing.T) {
	repo := NewMemRepo()
	s := newTestService(repo, newFakeTimers(), &fakeNotifier{}, nil)
	ctx := context.Background()

	id := mustUpsert(t, s, KindOperator, "k1", "x")
	if err := s.Acknowledge(ctx, id, "op"); err != nil {
		t.Fatalf("first ack failed: %v", err)
	}
	before, _ := s.History(ctx, id)

	if err := s.Acknowledge(ctx, id, "op"); err != nil {
		t.Errorf("repeated ack should be a no-op, got %v", err)
	}
	after, _ := s.History(ctx, id)
	if len(after) != len(before) {
		t.Errorf("no-op transition wrote audit rows: %d -> %d", len(before), len(after))
	}
}

func TestResolveRequiresReason(t *testing.T) {
	repo := NewMemRepo()
	s := newTestService(repo, newFakeTimers(), &fakeNotifier{}, nil)

	id := mustUpsert(t, s, KindOperator, "k1", "x")
	err := s.Resolve(context.Background(), id, "op", "")
	if !errors.Is(err, ErrResolutionReason) {
		t.Errorf("err = %v, want ErrResolutionReason", err)
	}
}

func TestSnoozeRequiresFutureUntil(t *testing.T) {
	repo := NewMemRepo()
	s := newTestService(repo, newFakeTimers(), &fakeNotifier{}, nil)

	id := mustUpsert(t, s, KindOperator, "k1", "x")
	err := s.Snooze(context.Background(), id, "op", time.Now().Add(-time.Minute))
	if !errors.Is(err, ErrSnoozeUntil) {
		t.Errorf("err = %v, want ErrSnoozeUntil", err)
	}
}

// ----------------------------------------------------------------------------
// snooze lifecycle
// ----------------------------------------------------------------------------

func TestSnoozeArmsTimerAndExpiryReemits(t *testing.T) {
	repo := NewMemRepo()
	timers := newFakeTimers()
	notifier := &fakeNotifier{}
	s := newTestService(repo, timers, notifier, nil)
	ctx := context.Background()

	id := mustUpsert(t, s, KindGuidelineDeviation, "ep1/abx", "antibiotics overdue")
	until := time.Now().Add(time.Hour)
	if err := s.Snooze(ctx, id, "dr.kim", until); err != nil {
		t.Fatalf("Snooze failed: %v", err)
	}

	tm, ok := timers.get(snoozeKey(id))
	if !ok {
		t.Fatal("snooze did not arm a timer")
	}
	if !tm.FireAt.Equal(until) {
		t.Errorf("snooze timer fires at %v, want %v", tm.FireAt, until)
	}

	delivered := notifier.callCount()
	s.HandleTimer(ctx, tm, false)

	a, _ := s.Get(ctx, id)
	if a.Status != StatusSent {
		t.Errorf("status after snooze expiry = %s, want sent", a.Status)
	}
	if notifier.callCount() != delivered+1 {
		t.Errorf("snooze expiry did not re-deliver: %d calls", notifier.callCount())
	}

	hist, _ := s.History(ctx, id)
	var actions []string
	for _, h := range hist {
		actions = append(actions, h.Action)
	}
	want := []string{"created", "sent", "snoozed", "sent"}
	if fmt.Sprint(actions) != fmt.Sprint(want) {
		t.Errorf("audit trail = %v, want %v", actions, want)
	}
}

func TestSnoozeWithoutUntilAppliesDefault(t *testing.T) {
	repo := NewMemRepo()
	timers := newFakeTimers()
	s := NewService(repo, timers, &fakeNotifier{}, nil, zerolog.Nop(), WithSnoozeDefault(2*time.Hour))
	s.newRetry = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	ctx := context.Background()

	id := mustUpsert(t, s, KindGuidelineDeviation, "ep1/abx", "antibiotics overdue")
	if err := s.Snooze(ctx, id, "dr.kim", time.Time{}); err != nil {
		t.Fatalf("Snooze failed: %v", err)
	}

	want := base.Add(2 * time.Hour)
	a, _ := s.Get(ctx, id)
	if a.Status != StatusSnoozed {
		t.Fatalf("status = %s, want snoozed", a.Status)
	}
	if a.SnoozeUntil == nil || !a.SnoozeUntil.Equal(want) {
		t.Errorf("snooze until = %v, want the default %v", a.SnoozeUntil, want)
	}
	tm, ok := timers.get(snoozeKey(id))
	if !ok {
		t.Fatal("default snooze did not arm a timer")
	}
	if !tm.FireAt.Equal(want) {
		t.Errorf("snooze timer fires at %v, want %v", tm.FireAt, want)
	}
}

func TestSnoozeExpiryIgnoresAlreadyResolved(t *testing.T) {
	repo := NewMemRepo()
	timers := newFakeTimers()
	s := newTestService(repo, timers, &fakeNotifier{}, nil)
	ctx := context.Background()

	id := mustUpsert(t, s, KindOperator, "k1", "x")
	if err := s.Snooze(ctx, id, "op", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Snooze failed: %v", err)
	}
	tm, _ := timers.get(snoozeKey(id))
	if err := s.Resolve(ctx, id, "op", "handled"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	// A stale firing after resolve must not reopen the alert.
	s.HandleTimer(ctx, tm, true)
	a, _ := s.Get(ctx, id)
	if a.Status != StatusResolved {
		t.Errorf("stale snooze firing changed status to %s", a.Status)
	}
}

func TestSweepSnoozedReturnsDue(t *testing.T) {
	repo := NewMemRepo()
	s := newTestService(repo, newFakeTimers(), &fakeNotifier{}, nil)
	ctx := context.Background()

	id := mustUpsert(t, s, KindOperator, "k1", "x")
	past := time.Now().Add(time.Millisecond)
	if err := s.Snooze(ctx, id, "op", past); err != nil {
		t.Fatalf("Snooze failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	n, err := s.SweepSnoozed(ctx)
	if err != nil {
		t.Fatalf("SweepSnoozed failed: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d, want 1", n)
	}
	a, _ := s.Get(ctx, id)
	if a.Status != StatusSent {
		t.Errorf("status after sweep = %s, want sent", a.Status)
	}
}

// ----------------------------------------------------------------------------
// delivery
// ----------------------------------------------------------------------------

func TestDeliveryRetriesThenSucceeds(t *testing.T) {
	repo := NewMemRepo()
	notifier := &fakeNotifier{failures: 2}
	s := newTestService(repo, newFakeTimers(), notifier, nil)
	ctx := context.Background()

	id := mustUpsert(t, s, KindOperator, "k1", "x")
	a, _ := s.Get(ctx, id)
	if a.Status != StatusSent {
		t.Errorf("status = %s, want sent after eventual delivery", a.Status)
	}

	rows, _ := s.Deliveries(ctx, id)
	if len(rows) != 3 {
		t.Fatalf("%d delivery rows, want 3 (2 failed + 1 success)", len(rows))
	}
	if rows[0].Status != "failed" || rows[1].Status != "failed" || rows[2].Status != "success" {
		t.Errorf("delivery statuses = %s,%s,%s", rows[0].Status, rows[1].Status, rows[2].Status)
	}
}

func TestDeliveryExhaustionRaisesDeliveryFailureAlert(t *testing.T) {
	repo := NewMemRepo()
	notifier := &fakeNotifier{failures: 100}
	s := newTestService(repo, newFakeTimers(), notifier, nil)
	ctx := context.Background()

	id := mustUpsert(t, s, KindGuidelineDeviation, "ep1/x", "x")

	rows, _ := s.Deliveries(ctx, id)
	failed := 0
	for _, r := range rows {
		if r.Status == "failed" {
			failed++
		}
	}
	if failed != maxDeliveryAttempts {
		t.Errorf("%d failed attempts, want %d", failed, maxDeliveryAttempts)
	}

	a, _ := s.Get(ctx, id)
	if a.Status != StatusPending {
		t.Errorf("undelivered alert status = %s, want pending", a.Status)
	}

	df, err := repo.GetActive(ctx, KindDeliveryFailure, id)
	if err != nil {
		t.Fatalf("no delivery-failure alert raised: %v", err)
	}
	if df.Severity != SeverityHigh {
		t.Errorf("delivery-failure severity = %s", df.Severity)
	}
}

// ----------------------------------------------------------------------------
// escalation
// ----------------------------------------------------------------------------

func escalationTestChains() map[string][]EscalationStep {
	return map[string][]EscalationStep{
		KindGuidelineDeviation: {
			{Role: "charge-nurse", After: 30 * time.Minute, Channel: "webhook"},
			{Role: "attending", After: time.Hour, Channel: "pager"},
		},
	}
}

func TestEscalationChainWalksRungs(t *testing.T) {
	repo := NewMemRepo()
	timers := newFakeTimers()
	notifier := &fakeNotifier{}
	s := newTestService(repo, timers, notifier, escalationTestChains())
	ctx := context.Background()

	id := mustUpsert(t, s, KindGuidelineDeviation, "ep1/x", "x")

	tm, ok := timers.get(escalationKey(id))
	if !ok {
		t.Fatal("creation did not arm the first escalation rung")
	}

	s.HandleTimer(ctx, tm, false)

	hist, _ := s.History(ctx, id)
	var escalations []string
	for _, h := range hist {
		if h.Action == "escalated" {
			escalations = append(escalations, *h.Details)
		}
	}
	if len(escalations) != 1 {
		t.Fatalf("%d escalation audits, want 1: %v", len(escalations), escalations)
	}

	// Next rung re-armed.
	next, ok := timers.get(escalationKey(id))
	if !ok {
		t.Fatal("second rung not armed")
	}
	s.HandleTimer(ctx, next, false)

	// Chain exhausted: no further rung.
	if tm3, ok := timers.get(escalationKey(id)); ok && tm3.FireAt.After(next.FireAt) {
		t.Error("escalation armed beyond the last rung")
	}
}

func TestAcknowledgeCancelsEscalation(t *testing.T) {
	repo := NewMemRepo()
	timers := newFakeTimers()
	s := newTestService(repo, timers, &fakeNotifier{}, escalationTestChains())
	ctx := context.Background()

	id := mustUpsert(t, s, KindGuidelineDeviation, "ep1/x", "x")
	if err := s.Acknowledge(ctx, id, "dr.kim"); err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if _, ok := timers.get(escalationKey(id)); ok {
		t.Error("escalation timer still armed after acknowledge")
	}
}

func TestEscalationFiringSkipsAcknowledged(t *testing.T) {
	repo := NewMemRepo()
	timers := newFakeTimers()
	notifier := &fakeNotifier{}
	s := newTestService(repo, timers, notifier, escalationTestChains())
	ctx := context.Background()

	id := mustUpsert(t, s, KindGuidelineDeviation, "ep1/x", "x")
	tm, _ := timers.get(escalationKey(id))
	if err := s.Acknowledge(ctx, id, "dr.kim"); err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}

	before := notifier.callCount()
	s.HandleTimer(ctx, tm, true) // stale rung fires after ack
	if notifier.callCount() != before {
		t.Error("stale escalation delivered for acknowledged alert")
	}
}

// ----------------------------------------------------------------------------
// queries
// ----------------------------------------------------------------------------

func TestQueryFilters(t *testing.T) {
	repo := NewMemRepo()
	s := newTestService(repo, newFakeTimers(), &fakeNotifier{}, nil)
	ctx := context.Background()

	mustUpsert(t, s, KindGuidelineDeviation, "ep1/a", "a")
	mustUpsert(t, s, KindHAIConfirmed, "clabsi/p2/x", "b")
	id3 := mustUpsert(t, s, KindGuidelineDeviation, "ep2/c", "c")
	if err := s.Resolve(ctx, id3, "op", "done"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	got, total, err := s.Query(ctx, Filter{Kind: KindGuidelineDeviation}, 10, 0)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if total != 2 || len(got) != 2 {
		t.Errorf("kind filter: total=%d len=%d, want 2/2", total, len(got))
	}

	got, total, err = s.Query(ctx, Filter{Status: StatusResolved}, 10, 0)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if total != 1 || got[0].AlertID != id3 {
		t.Errorf("status filter returned wrong rows")
	}
}

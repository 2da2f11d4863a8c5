package episode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/aegis/aegis/internal/clinical"
	"github.com/aegis/aegis/internal/domain/alert"
	"github.com/aegis/aegis/internal/domain/bundle"
	"github.com/aegis/aegis/internal/ingest"
	"github.com/aegis/aegis/internal/platform/hl7v2"
	"github.com/aegis/aegis/internal/platform/timerwheel"
)

const febrileInfantYAML = `
id: febrile-infant
name: Febrile Infant
version: 1
cooldown: 24h
triggers:
  - event: vital
    vital_type: temperature
    min_value: 38.0
elements:
  - id: blood-culture
    name: Blood culture
    kind: culture-collected
    specimen_type: blood
    window: 2h
    required: true
    severity: high
  - id: lumbar-puncture
    name: Lumbar puncture
    kind: procedure-performed
    codes: ["62270"]
    window: 2h
    required: true
    severity: critical
    applicability:
      max_age_days: 21
  - id: parenteral-antibiotic
    name: Parenteral antibiotic
    kind: medication-admin
    medication_class: antibiotic
    parenteral: true
    window: 1h
    severity: critical
`

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

type upsertCall struct {
	kind      string
	sourceKey string
	payload   alert.Payload
}

type fakeAlerts struct {
	mu       sync.Mutex
	upserts  []upsertCall
	resolved []string
}

func (f *fakeAlerts) Upsert(_ context.Context, kind, sourceKey string, p alert.Payload) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, upsertCall{kind: kind, sourceKey: sourceKey, payload: p})
	return "a-" + sourceKey, true, nil
}

func (f *fakeAlerts) ResolveBySource(_ context.Context, kind, sourceKey, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, kind+"/"+sourceKey)
	return nil
}

func (f *fakeAlerts) upsertsFor(kind string) []upsertCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []upsertCall
	for _, u := range f.upserts {
		if u.kind == kind {
			out = append(out, u)
		}
	}
	return out
}

type failingFetcher struct{}

func (failingFetcher) FetchEvents(context.Context, string, []clinical.EventKind, time.Time, time.Time) ([]clinical.Event, error) {
	return nil, errors.New("warehouse unreachable")
}

// ----------------------------------------------------------------------------
// fixture
// ----------------------------------------------------------------------------

type fixture struct {
	repo   *MemRepo
	mem    *ingest.MemoryAdapter
	timers *fakeTimers
	alerts *fakeAlerts
	reg    *bundle.Registry
	eval   *Evaluator
	sched  *Scheduler
	mon    *Monitor

	mu  sync.Mutex
	now time.Time
}

func (fx *fixture) clock() time.Time {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return fx.now
}

func (fx *fixture) setNow(t time.Time) {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	fx.now = t
}

var anchor = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, defs ...string) *fixture {
	t.Helper()
	dir := t.TempDir()
	for i, d := range defs {
		path := filepath.Join(dir, fmt.Sprintf("def%02d.yaml", i))
		if err := os.WriteFile(path, []byte(d), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	reg := bundle.NewRegistry(nil, zerolog.Nop())
	if err := reg.LoadDir(dir); err != nil {
		t.Fatal(err)
	}

	fx := &fixture{
		repo:   NewMemRepo(),
		mem:    ingest.NewMemoryAdapter("memory"),
		timers: newFakeTimers(),
		alerts: &fakeAlerts{},
		reg:    reg,
		now:    anchor,
	}
	fx.eval = NewEvaluator(fx.mem, fx.mem, time.UTC, zerolog.Nop())
	fx.eval.newRetry = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	fx.sched = NewScheduler(fx.repo, reg, fx.eval, fx.mem, fx.alerts, fx.timers, zerolog.Nop())
	fx.sched.now = fx.clock
	fx.mon = NewMonitor(reg, fx.repo, fx.mem, fx.sched, zerolog.Nop())
	fx.mon.now = fx.clock
	return fx
}

func (fx *fixture) addInfant(t *testing.T, patientID string, ageDays int) {
	t.Helper()
	birth := anchor.AddDate(0, 0, -ageDays)
	fx.mem.AddPatient(clinical.Patient{
		Ref:       clinical.PatientRef{ID: patientID},
		BirthDate: &birth,
	})
}

func feverEvent(patientID string, at time.Time) clinical.Event {
	return clinical.Event{
		ID:        "ev-fever-" + at.Format("150405"),
		Kind:      clinical.KindVital,
		Patient:   clinical.PatientRef{ID: patientID},
		Effective: at,
		Vital:     &clinical.VitalSign{Type: "temperature", Value: 38.5, Unit: "Cel"},
	}
}

func bloodCultureEvent(patientID string, at time.Time) clinical.Event {
	return clinical.Event{
		ID:        "ev-bcx",
		Kind:      clinical.KindCulture,
		Patient:   clinical.PatientRef{ID: patientID},
		Effective: at,
		Culture:   &clinical.CultureResult{SpecimenType: "blood", Positive: false},
	}
}

func (fx *fixture) openEpisode(t *testing.T, patientID string) *Episode {
	t.Helper()
	fx.mon.HandleEvent(context.Background(), feverEvent(patientID, anchor))
	ep, err := fx.repo.GetOpen(context.Background(), patientID, "febrile-infant")
	if err != nil {
		t.Fatalf("expected open episode: %v", err)
	}
	return ep
}

func (fx *fixture) fireElementTimer(t *testing.T, ep *Episode, elementID string, overdue bool) {
	t.Helper()
	tm, ok := fx.timers.get(elementTimerKey(ep.EpisodeID, elementID))
	if !ok {
		payload, _ := json.Marshal(elementTimerPayload{EpisodeID: ep.EpisodeID, ElementID: elementID})
		tm = timerwheel.Timer{Key: elementTimerKey(ep.EpisodeID, elementID), Kind: TimerKindElementDeadline, Payload: payload}
	}
	fx.sched.HandleTimer(context.Background(), tm, overdue)
}

func elementStatus(t *testing.T, fx *fixture, ep *Episode, elementID string) ElementStatus {
	t.Helper()
	rows, err := fx.repo.Elements(context.Background(), ep.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, row := range rows {
		if row.ElementID == elementID {
			return row.Status
		}
	}
	t.Fatalf("element %s not found", elementID)
	return ""
}

// ----------------------------------------------------------------------------
// monitor
// ----------------------------------------------------------------------------

func TestMonitorOpensEpisodeAndArmsTimers(t *testing.T) {
	fx := newFixture(t, febrileInfantYAML)
	fx.addInfant(t, "p1", 10)

	ep := fx.openEpisode(t, "p1")
	if !ep.Anchor.Equal(anchor) {
		t.Errorf("anchor = %v, want event time %v", ep.Anchor, anchor)
	}
	if !ep.Deadline.Equal(anchor.Add(2 * time.Hour)) {
		t.Errorf("deadline = %v, want anchor+2h", ep.Deadline)
	}
	if ep.BundleVersion != 1 {
		t.Errorf("bundle version = %d, want 1", ep.BundleVersion)
	}

	rows, _ := fx.repo.Elements(context.Background(), ep.ID)
	if len(rows) != 3 {
		t.Fatalf("elements = %d, want 3 (10-day-old gets lumbar puncture)", len(rows))
	}
	for _, el := range []string{"blood-culture", "lumbar-puncture", "parenteral-antibiotic"} {
		if _, ok := fx.timers.get(elementTimerKey(ep.EpisodeID, el)); !ok {
			t.Errorf("no deadline timer armed for %s", el)
		}
	}
	if tm, ok := fx.timers.get(episodeTimerKey(ep.EpisodeID)); !ok {
		t.Error("no episode deadline timer armed")
	} else if !tm.FireAt.Equal(ep.Deadline) {
		t.Errorf("episode timer fires at %v, want %v", tm.FireAt, ep.Deadline)
	}
}

func TestMonitorExcludesInapplicableElements(t *testing.T) {
	fx := newFixture(t, febrileInfantYAML)
	fx.addInfant(t, "p1", 40) // past the 21-day lumbar puncture cutoff

	ep := fx.openEpisode(t, "p1")
	rows, _ := fx.repo.Elements(context.Background(), ep.ID)
	if len(rows) != 2 {
		t.Fatalf("elements = %d, want 2 for a 40-day-old", len(rows))
	}
	for _, row := range rows {
		if row.ElementID == "lumbar-puncture" {
			t.Error("lumbar puncture should not apply past 21 days")
		}
	}
}

func TestMonitorOneOpenEpisodePerPatientAndBundle(t *testing.T) {
	fx := newFixture(t, febrileInfantYAML)
	fx.addInfant(t, "p1", 10)

	fx.openEpisode(t, "p1")
	fx.mon.HandleEvent(context.Background(), feverEvent("p1", anchor.Add(30*time.Minute)))

	eps, _ := fx.repo.ListOpenByPatient(context.Background(), "p1")
	if len(eps) != 1 {
		t.Fatalf("open episodes = %d, want 1", len(eps))
	}
}

func TestMonitorReopenCooldown(t *testing.T) {
	fx := newFixture(t, febrileInfantYAML)
	fx.addInfant(t, "p1", 10)

	ep := fx.openEpisode(t, "p1")
	if err := fx.repo.Close(context.Background(), ep.ID, anchor.Add(2*time.Hour)); err != nil {
		t.Fatal(err)
	}

	// Inside the 24h cooldown: trigger ignored.
	fx.mon.HandleEvent(context.Background(), feverEvent("p1", anchor.Add(5*time.Hour)))
	if _, err := fx.repo.GetOpen(context.Background(), "p1", "febrile-infant"); !errors.Is(err, ErrNotFound) {
		t.Fatal("expected no reopen inside cooldown")
	}

	// Past it: a fresh episode opens.
	fx.mon.HandleEvent(context.Background(), feverEvent("p1", anchor.Add(27*time.Hour)))
	if _, err := fx.repo.GetOpen(context.Background(), "p1", "febrile-infant"); err != nil {
		t.Fatalf("expected reopen after cooldown: %v", err)
	}
}

// ----------------------------------------------------------------------------
// early completion and deadlines
// ----------------------------------------------------------------------------

func TestEarlyCompletionResolvesMet(t *testing.T) {
	fx := newFixture(t, febrileInfantYAML)
	fx.addInfant(t, "p1", 10)
	ep := fx.openEpisode(t, "p1")

	fx.setNow(anchor.Add(40 * time.Minute))
	fx.sched.OnEvent(context.Background(), bloodCultureEvent("p1", anchor.Add(40*time.Minute)))

	if got := elementStatus(t, fx, ep, "blood-culture"); got != ElementMet {
		t.Fatalf("blood culture = %s, want met", got)
	}
	if _, ok := fx.timers.get(elementTimerKey(ep.EpisodeID, "blood-culture")); ok {
		t.Error("met element should cancel its deadline timer")
	}
	if len(fx.alerts.upsertsFor(alert.KindGuidelineDeviation)) != 0 {
		t.Error("met element must not raise a deviation alert")
	}
}

func TestEventOutsideWindowDoesNotResolve(t *testing.T) {
	fx := newFixture(t, febrileInfantYAML)
	fx.addInfant(t, "p1", 10)
	ep := fx.openEpisode(t, "p1")

	// Culture drawn before the fever anchored the episode.
	fx.sched.OnEvent(context.Background(), bloodCultureEvent("p1", anchor.Add(-10*time.Minute)))
	if got := elementStatus(t, fx, ep, "blood-culture"); got != ElementPending {
		t.Fatalf("blood culture = %s, want pending", got)
	}
}

func TestElementDeadlineNotMetRaisesDeviation(t *testing.T) {
	fx := newFixture(t, febrileInfantYAML)
	fx.addInfant(t, "p1", 10)
	ep := fx.openEpisode(t, "p1")

	// Blood culture arrives in time; the lumbar puncture window closes empty.
	fx.setNow(anchor.Add(40 * time.Minute))
	fx.sched.OnEvent(context.Background(), bloodCultureEvent("p1", anchor.Add(40*time.Minute)))

	fx.setNow(anchor.Add(2 * time.Hour))
	fx.fireElementTimer(t, ep, "lumbar-puncture", false)

	if got := elementStatus(t, fx, ep, "lumbar-puncture"); got != ElementNotMet {
		t.Fatalf("lumbar puncture = %s, want not-met", got)
	}
	devs := fx.alerts.upsertsFor(alert.KindGuidelineDeviation)
	if len(devs) != 1 {
		t.Fatalf("deviation alerts = %d, want 1", len(devs))
	}
	if devs[0].sourceKey != ep.EpisodeID+"/lumbar-puncture" {
		t.Errorf("source key = %s", devs[0].sourceKey)
	}
	if devs[0].payload.Severity != alert.SeverityCritical {
		t.Errorf("severity = %s, want critical", devs[0].payload.Severity)
	}
	if devs[0].payload.PatientID != "p1" {
		t.Errorf("patient = %s", devs[0].payload.PatientID)
	}
}

func TestDeadlineFindsEvidenceFromStore(t *testing.T) {
	fx := newFixture(t, febrileInfantYAML)
	fx.addInfant(t, "p1", 10)
	ep := fx.openEpisode(t, "p1")

	// Evidence landed in the store but the live event was missed (e.g. during
	// downtime). The deadline evaluation still finds it.
	fx.mem.AddEvent(bloodCultureEvent("p1", anchor.Add(30*time.Minute)))
	fx.setNow(anchor.Add(2 * time.Hour))
	fx.fireElementTimer(t, ep, "blood-culture", false)

	if got := elementStatus(t, fx, ep, "blood-culture"); got != ElementMet {
		t.Fatalf("blood culture = %s, want met", got)
	}
}

func TestOverdueFiringAnnotatesEvidence(t *testing.T) {
	fx := newFixture(t, febrileInfantYAML)
	fx.addInfant(t, "p1", 10)
	ep := fx.openEpisode(t, "p1")

	fx.setNow(anchor.Add(3 * time.Hour))
	fx.fireElementTimer(t, ep, "parenteral-antibiotic", true)

	rows, _ := fx.repo.Elements(context.Background(), ep.ID)
	for _, row := range rows {
		if row.ElementID != "parenteral-antibiotic" {
			continue
		}
		var ev Evidence
		if err := json.Unmarshal(row.Evidence, &ev); err != nil {
			t.Fatal(err)
		}
		if !ev.OverdueAtRestart {
			t.Error("overdue firing should be annotated in evidence")
		}
	}
}

func TestDuplicateResolutionIsNoOp(t *testing.T) {
	fx := newFixture(t, febrileInfantYAML)
	fx.addInfant(t, "p1", 10)
	ep := fx.openEpisode(t, "p1")

	fx.setNow(anchor.Add(40 * time.Minute))
	ev := bloodCultureEvent("p1", anchor.Add(40*time.Minute))
	fx.sched.OnEvent(context.Background(), ev)
	fx.sched.OnEvent(context.Background(), ev)
	fx.setNow(anchor.Add(2 * time.Hour))
	fx.fireElementTimer(t, ep, "blood-culture", false)

	if got := elementStatus(t, fx, ep, "blood-culture"); got != ElementMet {
		t.Fatalf("blood culture = %s, want met", got)
	}
}

func TestEpisodeDeadlineClosesAndForcesTerminal(t *testing.T) {
	fx := newFixture(t, febrileInfantYAML)
	fx.addInfant(t, "p1", 10)
	ep := fx.openEpisode(t, "p1")

	fx.setNow(anchor.Add(40 * time.Minute))
	fx.sched.OnEvent(context.Background(), bloodCultureEvent("p1", anchor.Add(40*time.Minute)))

	fx.setNow(anchor.Add(2 * time.Hour))
	payload, _ := json.Marshal(episodeTimerPayload{EpisodeID: ep.EpisodeID})
	fx.sched.HandleTimer(context.Background(), timerwheel.Timer{
		Key: episodeTimerKey(ep.EpisodeID), Kind: TimerKindEpisodeDeadline, Payload: payload,
	}, false)

	got, err := fx.repo.GetByEpisodeID(context.Background(), ep.EpisodeID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Terminal {
		t.Fatal("episode should be terminal after its deadline")
	}
	rows, _ := fx.repo.Elements(context.Background(), ep.ID)
	for _, row := range rows {
		if !row.Status.Terminal() {
			t.Errorf("element %s still %s after episode close", row.ElementID, row.Status)
		}
	}

	sum := Summarize(got, rows)
	if sum.Applicable != 3 || sum.Met != 1 || sum.NotMet != 2 {
		t.Errorf("summary = %+v", sum)
	}
}

// ----------------------------------------------------------------------------
// evaluator failure
// ----------------------------------------------------------------------------

func TestEvaluatorFailureKeepsPendingAndRearms(t *testing.T) {
	fx := newFixture(t, febrileInfantYAML)
	fx.addInfant(t, "p1", 10)
	ep := fx.openEpisode(t, "p1")

	broken := NewEvaluator(failingFetcher{}, fx.mem, time.UTC, zerolog.Nop())
	broken.newRetry = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	fx.sched.eval = broken

	fx.setNow(anchor.Add(2 * time.Hour))
	fx.fireElementTimer(t, ep, "blood-culture", false)

	if got := elementStatus(t, fx, ep, "blood-culture"); got != ElementPending {
		t.Fatalf("element = %s, want pending after evaluator failure", got)
	}
	tm, ok := fx.timers.get(elementTimerKey(ep.EpisodeID, "blood-culture"))
	if !ok {
		t.Fatal("timer should be re-armed after failure")
	}
	if want := fx.clock().Add(evalRearmDelay); !tm.FireAt.Equal(want) {
		t.Errorf("re-armed at %v, want %v", tm.FireAt, want)
	}
	var p elementTimerPayload
	if err := json.Unmarshal(tm.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Retries != 1 {
		t.Errorf("retries = %d, want 1", p.Retries)
	}
	if len(fx.alerts.upsertsFor(alert.KindOperator)) != 0 {
		t.Error("no operator alert before the failure threshold")
	}

	// Two more failed firings cross the threshold.
	fx.fireElementTimer(t, ep, "blood-culture", false)
	fx.fireElementTimer(t, ep, "blood-culture", false)
	if got := len(fx.alerts.upsertsFor(alert.KindOperator)); got == 0 {
		t.Error("repeated evaluator failure should raise an operator alert")
	}
}

func TestRetryPolicyOverridesRearmAndThreshold(t *testing.T) {
	fx := newFixture(t, febrileInfantYAML)
	fx.addInfant(t, "p1", 10)
	ep := fx.openEpisode(t, "p1")

	broken := NewEvaluator(failingFetcher{}, fx.mem, time.UTC, zerolog.Nop())
	broken.newRetry = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	fx.sched = NewScheduler(fx.repo, fx.reg, broken, fx.mem, fx.alerts, fx.timers, zerolog.Nop(),
		WithRetryPolicy(30*time.Second, 1))
	fx.sched.now = fx.clock

	fx.setNow(anchor.Add(2 * time.Hour))
	fx.fireElementTimer(t, ep, "blood-culture", false)

	tm, ok := fx.timers.get(elementTimerKey(ep.EpisodeID, "blood-culture"))
	if !ok {
		t.Fatal("timer should be re-armed after failure")
	}
	if want := fx.clock().Add(30 * time.Second); !tm.FireAt.Equal(want) {
		t.Errorf("re-armed at %v, want the configured backoff %v", tm.FireAt, want)
	}
	if got := len(fx.alerts.upsertsFor(alert.KindOperator)); got != 1 {
		t.Errorf("operator alerts = %d, want 1 with a threshold of one failure", got)
	}
}

// ----------------------------------------------------------------------------
// dependencies
// ----------------------------------------------------------------------------

const dependentBundleYAML = `
id: dependent
name: Dependent Elements
version: 1
triggers:
  - event: vital
    vital_type: temperature
    min_value: 38.0
elements:
  - id: screen
    name: Screening lab
    kind: lab-collected
    codes: ["1234-5"]
    window: 1h
    severity: medium
  - id: followup
    name: Follow-up procedure
    kind: procedure-performed
    codes: ["99"]
    window: 2h
    severity: high
    applicability:
      unless_element: screen
      unless_status: not-met
`

func TestDependencyCascadeResolvesNotApplicable(t *testing.T) {
	fx := newFixture(t, dependentBundleYAML)
	fx.addInfant(t, "p1", 10)

	fx.mon.HandleEvent(context.Background(), feverEvent("p1", anchor))
	ep, err := fx.repo.GetOpen(context.Background(), "p1", "dependent")
	if err != nil {
		t.Fatal(err)
	}

	fx.setNow(anchor.Add(time.Hour))
	fx.fireElementTimer(t, ep, "screen", false)

	if got := elementStatus(t, fx, ep, "screen"); got != ElementNotMet {
		t.Fatalf("screen = %s, want not-met", got)
	}
	if got := elementStatus(t, fx, ep, "followup"); got != ElementNotApplicable {
		t.Fatalf("followup = %s, want not-applicable once screen is not-met", got)
	}
	if _, ok := fx.timers.get(elementTimerKey(ep.EpisodeID, "followup")); ok {
		t.Error("dependency resolution should cancel the follow-up timer")
	}

	// Everything terminal: the episode closes without waiting for its deadline.
	got, _ := fx.repo.GetByEpisodeID(context.Background(), ep.EpisodeID)
	if !got.Terminal {
		t.Error("episode should close once all elements are terminal")
	}
}

// ----------------------------------------------------------------------------
// surgical prophylaxis checkpoints
// ----------------------------------------------------------------------------

func fireProphylaxis(fx *fixture, kind, patientID, stage string, at time.Time) {
	payload, _ := json.Marshal(hl7v2.ProphylaxisTimer{PatientID: patientID, Stage: stage, EnteredAt: at})
	fx.sched.HandleTimer(context.Background(), timerwheel.Timer{
		Key: "prophylaxis/" + patientID, Kind: kind, Payload: payload,
	}, false)
}

func TestProphylaxisT0MissingAdminIsCritical(t *testing.T) {
	fx := newFixture(t, febrileInfantYAML)
	fireProphylaxis(fx, hl7v2.TimerKindProphylaxisT0, "p9", "t-0", anchor)

	ups := fx.alerts.upsertsFor(alert.KindSurgicalProphylaxis)
	if len(ups) != 1 {
		t.Fatalf("prophylaxis alerts = %d, want 1", len(ups))
	}
	if ups[0].payload.Severity != alert.SeverityCritical {
		t.Errorf("severity = %s, want critical", ups[0].payload.Severity)
	}
	if ups[0].sourceKey != "prophylaxis/p9" {
		t.Errorf("source key = %s", ups[0].sourceKey)
	}
}

func TestProphylaxisT0AdminPresentWithdrawsAlert(t *testing.T) {
	fx := newFixture(t, febrileInfantYAML)
	fx.mem.AddEvent(clinical.Event{
		ID:        "ev-cefazolin",
		Kind:      clinical.KindMedicationAdmin,
		Patient:   clinical.PatientRef{ID: "p9"},
		Effective: anchor.Add(-30 * time.Minute),
		Med:       &clinical.MedicationEvent{Name: "cefazolin", Class: "antibiotic", Route: "IV"},
	})
	fireProphylaxis(fx, hl7v2.TimerKindProphylaxisT0, "p9", "t-0", anchor)

	if len(fx.alerts.upsertsFor(alert.KindSurgicalProphylaxis)) != 0 {
		t.Error("administered prophylaxis must not alert")
	}
	want := alert.KindSurgicalProphylaxis + "/prophylaxis/p9"
	found := false
	for _, r := range fx.alerts.resolved {
		if r == want {
			found = true
		}
	}
	if !found {
		t.Error("existing prophylaxis alert should be withdrawn on confirmation")
	}
}

func TestProphylaxisT2hChecksOrders(t *testing.T) {
	fx := newFixture(t, febrileInfantYAML)
	fireProphylaxis(fx, hl7v2.TimerKindProphylaxisT2h, "p9", "t-2h", anchor)

	ups := fx.alerts.upsertsFor(alert.KindSurgicalProphylaxis)
	if len(ups) != 1 {
		t.Fatalf("prophylaxis alerts = %d, want 1", len(ups))
	}
	if ups[0].payload.Severity != alert.SeverityHigh {
		t.Errorf("severity = %s, want high at the t-2h checkpoint", ups[0].payload.Severity)
	}
}

package episode

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegis/aegis/internal/clinical"
	"github.com/aegis/aegis/internal/domain/alert"
	"github.com/aegis/aegis/internal/domain/bundle"
	"github.com/aegis/aegis/internal/ingest"
	"github.com/aegis/aegis/internal/platform/hl7v2"
	"github.com/aegis/aegis/internal/platform/timerwheel"
)

const (
	// After an evaluator failure the element deadline re-arms on this cadence
	// instead of resolving; the element stays pending.
	evalRearmDelay = 5 * time.Minute
	// Consecutive evaluator failures before an operator alert is raised.
	evalFailOperatorAfter = 3

	// Lookback windows for the surgical-prophylaxis checks.
	prophylaxisOrderLookback = 24 * time.Hour
	prophylaxisAdminLookback = 2 * time.Hour
)

// Timers is the slice of the wheel the scheduler needs.
type Timers interface {
	Arm(ctx context.Context, t timerwheel.Timer) error
	Cancel(ctx context.Context, key string) error
}

// Alerts is the slice of the alert ledger the scheduler needs: raising
// deviations and withdrawing them when the underlying element resolves.
type Alerts interface {
	Upsert(ctx context.Context, kind, sourceKey string, p alert.Payload) (string, bool, error)
	ResolveBySource(ctx context.Context, kind, sourceKey, actor, reason string) error
}

// Scheduler owns the deadline side of the bundle state machine: one timer per
// pending element plus one per episode. Expiry evaluates the element and
// writes the terminal result; events arriving before the deadline resolve
// elements early through OnEvent and cancel their timers. It also consumes
// the prophylaxis checkpoint timers armed by the ADT bridge.
type Scheduler struct {
	repo           Repository
	registry       *bundle.Registry
	eval           *Evaluator
	fetcher        ingest.EventFetcher
	alerts         Alerts
	timers         Timers
	rearmDelay     time.Duration
	failAlertAfter int
	log            zerolog.Logger
	now            func() time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithRetryPolicy sets the evaluator-failure re-arm delay and the number of
// consecutive failures that raises an operator alert.
func WithRetryPolicy(rearm time.Duration, maxRetries int) SchedulerOption {
	return func(s *Scheduler) {
		if rearm > 0 {
			s.rearmDelay = rearm
		}
		if maxRetries > 0 {
			s.failAlertAfter = maxRetries
		}
	}
}

func NewScheduler(repo Repository, registry *bundle.Registry, eval *Evaluator, fetcher ingest.EventFetcher, alerts Alerts, timers Timers, log zerolog.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		repo:           repo,
		registry:       registry,
		eval:           eval,
		fetcher:        fetcher,
		alerts:         alerts,
		timers:         timers,
		rearmDelay:     evalRearmDelay,
		failAlertAfter: evalFailOperatorAfter,
		log:            log.With().Str("component", "scheduler").Logger(),
		now:            time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// EpisodeOpened arms one deadline timer per pending element and the
// episode-level deadline timer.
func (s *Scheduler) EpisodeOpened(ctx context.Context, ep *Episode, def *bundle.Definition) error {
	rows, err := s.repo.Elements(ctx, ep.ID)
	if err != nil {
		return fmt.Errorf("loading elements for %s: %w", ep.EpisodeID, err)
	}
	for _, row := range rows {
		el, ok := def.Element(row.ElementID)
		if !ok {
			continue
		}
		if err := s.armElement(ctx, ep, el.ID, ep.Anchor.Add(el.Window.Duration), 0); err != nil {
			return err
		}
	}

	payload, _ := json.Marshal(episodeTimerPayload{EpisodeID: ep.EpisodeID})
	return s.timers.Arm(ctx, timerwheel.Timer{
		Key:     episodeTimerKey(ep.EpisodeID),
		Kind:    TimerKindEpisodeDeadline,
		FireAt:  ep.Deadline,
		Payload: payload,
	})
}

func (s *Scheduler) armElement(ctx context.Context, ep *Episode, elementID string, fireAt time.Time, retries int) error {
	payload, _ := json.Marshal(elementTimerPayload{EpisodeID: ep.EpisodeID, ElementID: elementID, Retries: retries})
	return s.timers.Arm(ctx, timerwheel.Timer{
		Key:     elementTimerKey(ep.EpisodeID, elementID),
		Kind:    TimerKindElementDeadline,
		FireAt:  fireAt,
		Payload: payload,
	})
}

// ----------------------------------------------------------------------------
// Timer expiry
// ----------------------------------------------------------------------------

// HandleTimer is the wheel callback for scheduler-owned timer kinds.
func (s *Scheduler) HandleTimer(ctx context.Context, t timerwheel.Timer, overdue bool) {
	switch t.Kind {
	case TimerKindElementDeadline:
		s.onElementDeadline(ctx, t, overdue)
	case TimerKindEpisodeDeadline:
		s.onEpisodeDeadline(ctx, t, overdue)
	case hl7v2.TimerKindProphylaxisT2h, hl7v2.TimerKindProphylaxisT0:
		s.onProphylaxisCheck(ctx, t)
	default:
		s.log.Warn().Str("kind", t.Kind).Str("key", t.Key).Msg("unknown scheduler timer kind")
	}
}

func (s *Scheduler) onElementDeadline(ctx context.Context, t timerwheel.Timer, overdue bool) {
	var p elementTimerPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		s.log.Error().Err(err).Str("key", t.Key).Msg("bad element timer payload")
		return
	}

	ep, def, err := s.load(ctx, p.EpisodeID)
	if err != nil {
		s.log.Error().Err(err).Str("episode", p.EpisodeID).Msg("element deadline: load failed")
		return
	}
	if ep == nil || ep.Terminal {
		return
	}
	el, ok := def.Element(p.ElementID)
	if !ok {
		s.log.Error().Str("episode", p.EpisodeID).Str("element", p.ElementID).Msg("element missing from pinned definition")
		return
	}

	rows, err := s.repo.Elements(ctx, ep.ID)
	if err != nil {
		s.log.Error().Err(err).Str("episode", p.EpisodeID).Msg("element deadline: loading rows failed")
		return
	}
	resolved := resolvedStatuses(rows)
	if st, ok := resolved[p.ElementID]; ok && st.Terminal() {
		// Early completion beat the timer.
		return
	}

	status, ev, err := s.eval.Evaluate(ctx, ep, el, resolved, s.now())
	if err != nil {
		s.onEvaluatorFailure(ctx, ep, el, p, err)
		return
	}
	if status == ElementPending {
		// Clock skew between the wheel and the anchor; try again shortly.
		if aerr := s.armElement(ctx, ep, el.ID, s.now().Add(time.Minute), p.Retries); aerr != nil {
			s.log.Error().Err(aerr).Str("episode", ep.EpisodeID).Str("element", el.ID).Msg("re-arming element timer failed")
		}
		return
	}
	if overdue {
		ev.OverdueAtRestart = true
		if ev.Note != "" {
			ev.Note += "; "
		}
		ev.Note += "overdue at restart"
	}

	s.resolve(ctx, ep, def, el, status, ev)
}

func (s *Scheduler) onEvaluatorFailure(ctx context.Context, ep *Episode, el *bundle.ElementDefinition, p elementTimerPayload, cause error) {
	retries := p.Retries + 1
	s.log.Warn().Err(cause).Str("episode", ep.EpisodeID).Str("element", el.ID).
		Int("retries", retries).Msg("evaluator failed, element stays pending")

	if retries >= s.failAlertAfter {
		_, _, err := s.alerts.Upsert(ctx, alert.KindOperator, "evaluator/"+ep.EpisodeID+"/"+el.ID, alert.Payload{
			Severity:  alert.SeverityHigh,
			PatientID: ep.PatientID,
			Summary:   fmt.Sprintf("element %s of episode %s cannot be evaluated", el.ID, ep.EpisodeID),
			Detail:    cause.Error(),
		})
		if err != nil {
			s.log.Error().Err(err).Msg("raising evaluator-failure alert failed")
		}
	}
	if err := s.armElement(ctx, ep, el.ID, s.now().Add(s.rearmDelay), retries); err != nil {
		s.log.Error().Err(err).Str("episode", ep.EpisodeID).Str("element", el.ID).Msg("re-arming element timer failed")
	}
}

func (s *Scheduler) onEpisodeDeadline(ctx context.Context, t timerwheel.Timer, overdue bool) {
	var p episodeTimerPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		s.log.Error().Err(err).Str("key", t.Key).Msg("bad episode timer payload")
		return
	}
	ep, def, err := s.load(ctx, p.EpisodeID)
	if err != nil {
		s.log.Error().Err(err).Str("episode", p.EpisodeID).Msg("episode deadline: load failed")
		return
	}
	if ep == nil || ep.Terminal {
		return
	}

	// Force any still-pending elements terminal before closing; their windows
	// end at or before the episode deadline.
	rows, err := s.repo.Elements(ctx, ep.ID)
	if err != nil {
		s.log.Error().Err(err).Str("episode", p.EpisodeID).Msg("episode deadline: loading rows failed")
		return
	}
	resolved := resolvedStatuses(rows)
	for _, row := range rows {
		if row.Status.Terminal() {
			continue
		}
		el, ok := def.Element(row.ElementID)
		if !ok {
			continue
		}
		status, ev, eerr := s.eval.Evaluate(ctx, ep, el, resolved, s.now())
		if eerr != nil || status == ElementPending {
			status = ElementNotMet
			ev = Evidence{Note: "unresolved at episode deadline"}
		}
		if overdue {
			ev.OverdueAtRestart = true
		}
		s.resolve(ctx, ep, def, el, status, ev)
		resolved[el.ID] = status
	}

	s.closeEpisode(ctx, ep, def)
}

// ----------------------------------------------------------------------------
// Early completion
// ----------------------------------------------------------------------------

// OnEvent resolves pending elements of the patient's open episodes as soon as
// satisfying evidence arrives, instead of waiting for the deadline.
func (s *Scheduler) OnEvent(ctx context.Context, ev clinical.Event) {
	eps, err := s.repo.ListOpenByPatient(ctx, ev.Patient.ID)
	if err != nil {
		s.log.Error().Err(err).Str("patient", ev.Patient.ID).Msg("early completion: listing episodes failed")
		return
	}
	for _, ep := range eps {
		def, ok := s.registry.Get(ep.BundleID, ep.BundleVersion)
		if !ok {
			s.log.Error().Str("episode", ep.EpisodeID).Str("bundle", ep.BundleID).
				Int("version", ep.BundleVersion).Msg("pinned definition missing")
			continue
		}
		s.earlyResolve(ctx, ep, def, ev)
	}
}

func (s *Scheduler) earlyResolve(ctx context.Context, ep *Episode, def *bundle.Definition, event clinical.Event) {
	// Evidence only counts inside [anchor, deadline].
	if event.Effective.Before(ep.Anchor) || event.Effective.After(ep.Deadline) {
		return
	}
	rows, err := s.repo.Elements(ctx, ep.ID)
	if err != nil {
		s.log.Error().Err(err).Str("episode", ep.EpisodeID).Msg("early completion: loading rows failed")
		return
	}
	for _, row := range rows {
		if row.Status.Terminal() {
			continue
		}
		el, ok := def.Element(row.ElementID)
		if !ok {
			continue
		}
		if event.Effective.After(ep.Anchor.Add(el.Window.Duration)) {
			continue
		}
		if !kindMatches(el.Kind, event.Kind) || !s.eval.satisfies(el, event) {
			continue
		}
		ev := Evidence{EventIDs: []string{event.ID}}
		s.resolve(ctx, ep, def, el, ElementMet, ev)
	}
}

// ----------------------------------------------------------------------------
// Resolution
// ----------------------------------------------------------------------------

// resolve writes one terminal element result, maintains the deviation alert
// for that element, cascades dependency-based not-applicable resolutions, and
// closes the episode when everything is terminal.
func (s *Scheduler) resolve(ctx context.Context, ep *Episode, def *bundle.Definition, el *bundle.ElementDefinition, status ElementStatus, ev Evidence) {
	ok, err := s.repo.ResolveElement(ctx, ep.ID, el.ID, status, ev.marshal(), s.now())
	if err != nil {
		s.log.Error().Err(err).Str("episode", ep.EpisodeID).Str("element", el.ID).Msg("resolving element failed")
		return
	}
	if !ok {
		return
	}
	s.log.Info().Str("episode", ep.EpisodeID).Str("element", el.ID).Str("status", string(status)).Msg("element resolved")

	s.cancelTimer(ctx, elementTimerKey(ep.EpisodeID, el.ID))

	key := deviationKey(ep.EpisodeID, el.ID)
	if status == ElementNotMet {
		_, _, uerr := s.alerts.Upsert(ctx, alert.KindGuidelineDeviation, key, alert.Payload{
			Severity:  deviationSeverity(el),
			PatientID: ep.PatientID,
			Summary:   fmt.Sprintf("%s: %s not completed within %s", def.Name, elementName(el), el.Window.Duration),
			Detail:    ev.Note,
		})
		if uerr != nil {
			s.log.Error().Err(uerr).Str("episode", ep.EpisodeID).Str("element", el.ID).Msg("raising deviation alert failed")
		}
	} else {
		if rerr := s.alerts.ResolveBySource(ctx, alert.KindGuidelineDeviation, key, "system", "element "+string(status)); rerr != nil {
			s.log.Error().Err(rerr).Str("episode", ep.EpisodeID).Str("element", el.ID).Msg("withdrawing deviation alert failed")
		}
	}

	s.cascadeDependencies(ctx, ep, def)
	s.maybeClose(ctx, ep, def)
}

// cascadeDependencies resolves not-applicable any pending element whose
// dependency predicate became true.
func (s *Scheduler) cascadeDependencies(ctx context.Context, ep *Episode, def *bundle.Definition) {
	rows, err := s.repo.Elements(ctx, ep.ID)
	if err != nil {
		return
	}
	resolved := resolvedStatuses(rows)
	for _, row := range rows {
		if row.Status.Terminal() {
			continue
		}
		el, ok := def.Element(row.ElementID)
		if !ok || el.Applicability.UnlessElement == "" {
			continue
		}
		st, done := resolved[el.Applicability.UnlessElement]
		if !done || string(st) != el.Applicability.UnlessStatus {
			continue
		}
		ev := Evidence{Note: fmt.Sprintf("%s resolved %s", el.Applicability.UnlessElement, st)}
		if ok2, rerr := s.repo.ResolveElement(ctx, ep.ID, el.ID, ElementNotApplicable, ev.marshal(), s.now()); rerr == nil && ok2 {
			s.log.Info().Str("episode", ep.EpisodeID).Str("element", el.ID).Msg("element not applicable by dependency")
			s.cancelTimer(ctx, elementTimerKey(ep.EpisodeID, el.ID))
			s.alerts.ResolveBySource(ctx, alert.KindGuidelineDeviation, deviationKey(ep.EpisodeID, el.ID), "system", "element not-applicable")
		}
	}
}

func (s *Scheduler) maybeClose(ctx context.Context, ep *Episode, def *bundle.Definition) {
	rows, err := s.repo.Elements(ctx, ep.ID)
	if err != nil {
		return
	}
	for _, row := range rows {
		if !row.Status.Terminal() {
			return
		}
	}
	s.closeEpisode(ctx, ep, def)
}

func (s *Scheduler) closeEpisode(ctx context.Context, ep *Episode, def *bundle.Definition) {
	if err := s.repo.Close(ctx, ep.ID, s.now()); err != nil {
		s.log.Error().Err(err).Str("episode", ep.EpisodeID).Msg("closing episode failed")
		return
	}
	s.cancelTimer(ctx, episodeTimerKey(ep.EpisodeID))
	rows, err := s.repo.Elements(ctx, ep.ID)
	if err != nil {
		return
	}
	for _, row := range rows {
		s.cancelTimer(ctx, elementTimerKey(ep.EpisodeID, row.ElementID))
	}

	sum := Summarize(ep, rows)
	s.log.Info().Str("episode", ep.EpisodeID).Str("bundle", def.ID).
		Int("applicable", sum.Applicable).Int("met", sum.Met).Int("not_met", sum.NotMet).
		Float64("ratio", sum.Ratio).Msg("episode closed")
}

// Summarize computes the compliance summary from an episode's terminal
// element results. Not-applicable elements are excluded from the denominator.
func Summarize(ep *Episode, rows []*ElementResult) ComplianceSummary {
	sum := ComplianceSummary{EpisodeID: ep.EpisodeID, BundleID: ep.BundleID, PatientID: ep.PatientID}
	for _, row := range rows {
		switch row.Status {
		case ElementMet:
			sum.Applicable++
			sum.Met++
		case ElementNotMet:
			sum.Applicable++
			sum.NotMet++
		}
	}
	if sum.Applicable > 0 {
		sum.Ratio = float64(sum.Met) / float64(sum.Applicable)
	}
	return sum
}

// ----------------------------------------------------------------------------
// Surgical prophylaxis checkpoints
// ----------------------------------------------------------------------------

// onProphylaxisCheck consumes the checkpoint timers the ADT bridge arms on
// perioperative location transitions. The T-2h check looks for a prophylactic
// antibiotic order; the T-0 check on operating-room entry looks for an actual
// administration and escalates to critical when none is found.
func (s *Scheduler) onProphylaxisCheck(ctx context.Context, t timerwheel.Timer) {
	var p hl7v2.ProphylaxisTimer
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		s.log.Error().Err(err).Str("key", t.Key).Msg("bad prophylaxis timer payload")
		return
	}
	sourceKey := "prophylaxis/" + p.PatientID

	var (
		kinds    []clinical.EventKind
		lookback time.Duration
		severity alert.Severity
		missing  string
	)
	switch t.Kind {
	case hl7v2.TimerKindProphylaxisT2h:
		kinds = []clinical.EventKind{clinical.KindMedicationOrder}
		lookback = prophylaxisOrderLookback
		severity = alert.SeverityHigh
		missing = "no prophylactic antibiotic order before pre-op entry"
	case hl7v2.TimerKindProphylaxisT0:
		kinds = []clinical.EventKind{clinical.KindMedicationAdmin}
		lookback = prophylaxisAdminLookback
		severity = alert.SeverityCritical
		missing = "no prophylactic antibiotic administered before operating-room entry"
	default:
		return
	}

	events, err := s.fetcher.FetchEvents(ctx, p.PatientID, kinds, p.EnteredAt.Add(-lookback), p.EnteredAt)
	if err != nil {
		s.log.Error().Err(err).Str("patient", p.PatientID).Str("stage", p.Stage).Msg("prophylaxis check fetch failed")
		return
	}
	found := false
	for _, ev := range events {
		if ev.Med != nil && ev.Med.Class == "antibiotic" {
			found = true
			break
		}
	}

	if found {
		if err := s.alerts.ResolveBySource(ctx, alert.KindSurgicalProphylaxis, sourceKey, "system", "prophylaxis confirmed at "+p.Stage); err != nil {
			s.log.Error().Err(err).Str("patient", p.PatientID).Msg("withdrawing prophylaxis alert failed")
		}
		return
	}
	_, _, err = s.alerts.Upsert(ctx, alert.KindSurgicalProphylaxis, sourceKey, alert.Payload{
		Severity:  severity,
		PatientID: p.PatientID,
		Summary:   missing,
		Detail:    fmt.Sprintf("checkpoint %s at %s", p.Stage, p.EnteredAt.Format(time.RFC3339)),
	})
	if err != nil {
		s.log.Error().Err(err).Str("patient", p.PatientID).Msg("raising prophylaxis alert failed")
	}
}

// ----------------------------------------------------------------------------
// helpers
// ----------------------------------------------------------------------------

func (s *Scheduler) load(ctx context.Context, episodeID string) (*Episode, *bundle.Definition, error) {
	ep, err := s.repo.GetByEpisodeID(ctx, episodeID)
	if err != nil {
		return nil, nil, err
	}
	def, ok := s.registry.Get(ep.BundleID, ep.BundleVersion)
	if !ok {
		return nil, nil, fmt.Errorf("definition %s v%d not registered", ep.BundleID, ep.BundleVersion)
	}
	return ep, def, nil
}

func (s *Scheduler) cancelTimer(ctx context.Context, key string) {
	if err := s.timers.Cancel(ctx, key); err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("cancelling timer failed")
	}
}

func resolvedStatuses(rows []*ElementResult) map[string]ElementStatus {
	out := make(map[string]ElementStatus, len(rows))
	for _, row := range rows {
		if row.Status.Terminal() {
			out[row.ElementID] = row.Status
		}
	}
	return out
}

func kindMatches(elKind bundle.ElementKind, evKind clinical.EventKind) bool {
	for _, k := range eventKindsFor(elKind) {
		if k == evKind {
			return true
		}
	}
	return false
}

func deviationKey(episodeID, elementID string) string {
	return episodeID + "/" + elementID
}

func deviationSeverity(el *bundle.ElementDefinition) alert.Severity {
	switch el.Severity {
	case "critical":
		return alert.SeverityCritical
	case "medium":
		return alert.SeverityMedium
	case "info":
		return alert.SeverityInfo
	default:
		return alert.SeverityHigh
	}
}

func elementName(el *bundle.ElementDefinition) string {
	if el.Name != "" {
		return el.Name
	}
	return el.ID
}

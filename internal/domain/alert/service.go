package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/aegis/aegis/internal/platform/timerwheel"
)

// Notifier pushes an alert out on a delivery channel. Implementations live
// under internal/platform (webhook, log).
type Notifier interface {
	Deliver(ctx context.Context, a *Alert, channel string) error
}

// Timers is the slice of the scheduler the alert service needs: arming and
// cancelling keyed timers for snooze expiry and escalation.
type Timers interface {
	Arm(ctx context.Context, t timerwheel.Timer) error
	Cancel(ctx context.Context, key string) error
}

// Timer kinds the alert service arms on the shared wheel.
const (
	TimerKindSnooze     = "alert-snooze"
	TimerKindEscalation = "alert-escalation"
)

const (
	maxDeliveryAttempts = 5
	defaultSnooze       = 4 * time.Hour
)

// Service implements the alert lifecycle on top of a Repository: idempotent
// upsert over the non-resolved set, validated status transitions with audit,
// snooze auto-return, delivery with bounded retry, and escalation chains.
type Service struct {
	repo          Repository
	timers        Timers
	notifier      Notifier
	chains        map[string][]EscalationStep
	snoozeDefault time.Duration
	log           zerolog.Logger
	now           func() time.Time
	newRetry      func() backoff.BackOff
}

// Option configures the Service.
type Option func(*Service)

// WithSnoozeDefault sets the duration applied when a snooze request carries
// no explicit until time.
func WithSnoozeDefault(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.snoozeDefault = d
		}
	}
}

// NewService wires the alert service. timers and notifier may be nil in
// ingest-only deployments; side effects are skipped when they are.
func NewService(repo Repository, timers Timers, notifier Notifier, chains map[string][]EscalationStep, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:          repo,
		timers:        timers,
		notifier:      notifier,
		chains:        chains,
		snoozeDefault: defaultSnooze,
		log:           log.With().Str("component", "alert").Logger(),
		now:           time.Now,
		newRetry:      func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// TransitionRequest carries the optional fields of a status transition.
type TransitionRequest struct {
	Actor            string
	SnoozeUntil      *time.Time
	ResolutionReason string
}

// ----------------------------------------------------------------------------
// Upsert
// ----------------------------------------------------------------------------

// Upsert creates an alert for (kind, sourceKey) or merges the payload into the
// existing non-resolved one. Merges are last-writer-wins for content but never
// regress status. A "created" audit entry is written only on creation. Returns
// the external alert id and whether a new row was created.
func (s *Service) Upsert(ctx context.Context, kind, sourceKey string, p Payload) (string, bool, error) {
	if kind == "" || sourceKey == "" {
		return "", false, fmt.Errorf("upsert: kind and source key are required")
	}

	existing, err := s.repo.GetActive(ctx, kind, sourceKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", false, fmt.Errorf("upsert lookup: %w", err)
	}
	if existing != nil {
		existing.Severity = p.Severity
		existing.PatientID = p.PatientID
		existing.Summary = p.Summary
		existing.Detail = optStr(p.Detail)
		if err := s.repo.UpdateContent(ctx, existing); err != nil {
			return "", false, fmt.Errorf("upsert merge: %w", err)
		}
		s.audit(ctx, existing.ID, "merged", "system", fmt.Sprintf("content updated, status %s retained", existing.Status))
		return existing.AlertID, false, nil
	}

	a := &Alert{
		Kind:      kind,
		SourceKey: sourceKey,
		Status:    StatusPending,
		Severity:  p.Severity,
		PatientID: p.PatientID,
		Summary:   p.Summary,
		Detail:    optStr(p.Detail),
	}
	if err := s.repo.Create(ctx, a); err != nil {
		// A concurrent producer may have won the partial unique index race;
		// retry as a merge once.
		if retry, rerr := s.repo.GetActive(ctx, kind, sourceKey); rerr == nil {
			retry.Severity = p.Severity
			retry.PatientID = p.PatientID
			retry.Summary = p.Summary
			retry.Detail = optStr(p.Detail)
			if merr := s.repo.UpdateContent(ctx, retry); merr != nil {
				return "", false, fmt.Errorf("upsert merge after race: %w", merr)
			}
			return retry.AlertID, false, nil
		}
		return "", false, fmt.Errorf("upsert create: %w", err)
	}
	s.audit(ctx, a.ID, "created", "system", "")
	s.log.Info().Str("alert_id", a.AlertID).Str("kind", kind).Str("source_key", sourceKey).Msg("alert created")

	s.dispatch(ctx, a)
	s.armEscalation(ctx, a, 0, s.now())
	return a.AlertID, true, nil
}

// ----------------------------------------------------------------------------
// Transitions
// ----------------------------------------------------------------------------

// Transition moves an alert to a new status. Snoozing requires a snooze-until
// time; resolving requires a reason. A transition to the alert's current
// status is an idempotent no-op. Exactly one audit entry is written per
// effective transition.
func (s *Service) Transition(ctx context.Context, alertID string, to Status, req TransitionRequest) error {
	a, err := s.repo.GetByAlertID(ctx, alertID)
	if err != nil {
		return err
	}
	if a.Status == to {
		return nil
	}
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
	}

	var snoozeUntil *time.Time
	var reason *string
	switch to {
	case StatusSnoozed:
		if req.SnoozeUntil == nil || !req.SnoozeUntil.After(s.now()) {
			return ErrSnoozeUntil
		}
		snoozeUntil = req.SnoozeUntil
	case StatusResolved:
		if req.ResolutionReason == "" {
			return ErrResolutionReason
		}
		reason = &req.ResolutionReason
	}

	ok, err := s.repo.UpdateStatus(ctx, a.ID, a.Status, to, snoozeUntil, reason)
	if err != nil {
		return fmt.Errorf("transition %s: %w", alertID, err)
	}
	if !ok {
		// Lost a race. Idempotent if the winner landed on the same status.
		cur, rerr := s.repo.GetByID(ctx, a.ID)
		if rerr != nil {
			return rerr
		}
		if cur.Status == to {
			return nil
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
	}

	actor := req.Actor
	if actor == "" {
		actor = "system"
	}
	detail := fmt.Sprintf("%s -> %s", a.Status, to)
	if reason != nil {
		detail += ": " + *reason
	}
	s.audit(ctx, a.ID, string(to), actor, detail)
	s.log.Info().Str("alert_id", alertID).Str("from", string(a.Status)).Str("to", string(to)).Str("actor", actor).Msg("alert transition")

	switch to {
	case StatusAcknowledged:
		s.cancelEscalation(ctx, a)
	case StatusSnoozed:
		s.cancelEscalation(ctx, a)
		s.armSnooze(ctx, a, *snoozeUntil)
	case StatusResolved:
		s.cancelEscalation(ctx, a)
		s.cancelTimer(ctx, snoozeKey(a.AlertID))
	}
	return nil
}

// Acknowledge is the operator shorthand for sent -> acknowledged.
func (s *Service) Acknowledge(ctx context.Context, alertID, actor string) error {
	return s.Transition(ctx, alertID, StatusAcknowledged, TransitionRequest{Actor: actor})
}

// Snooze parks an alert until the given time. A zero until applies the
// configured default snooze duration.
func (s *Service) Snooze(ctx context.Context, alertID, actor string, until time.Time) error {
	if until.IsZero() {
		until = s.now().Add(s.snoozeDefault)
	}
	return s.Transition(ctx, alertID, StatusSnoozed, TransitionRequest{Actor: actor, SnoozeUntil: &until})
}

// Resolve closes an alert with a reason. Resolved is terminal.
func (s *Service) Resolve(ctx context.Context, alertID, actor, reason string) error {
	return s.Transition(ctx, alertID, StatusResolved, TransitionRequest{Actor: actor, ResolutionReason: reason})
}

// ResolveBySource resolves the active alert for (kind, sourceKey) if one
// exists. Producers use it to withdraw an alert whose underlying condition
// cleared. No active alert is not an error.
func (s *Service) ResolveBySource(ctx context.Context, kind, sourceKey, actor, reason string) error {
	a, err := s.repo.GetActive(ctx, kind, sourceKey)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.Resolve(ctx, a.AlertID, actor, reason)
}

// ----------------------------------------------------------------------------
// Snooze expiry
// ----------------------------------------------------------------------------

// HandleTimer is the wheel callback for alert timers. Overdue firings after a
// restart take the same path as live ones.
func (s *Service) HandleTimer(ctx context.Context, t timerwheel.Timer, overdue bool) {
	switch t.Kind {
	case TimerKindSnooze:
		s.onSnoozeExpired(ctx, t, overdue)
	case TimerKindEscalation:
		s.onEscalation(ctx, t)
	default:
		s.log.Warn().Str("kind", t.Kind).Str("key", t.Key).Msg("unknown alert timer kind")
	}
}

func (s *Service) onSnoozeExpired(ctx context.Context, t timerwheel.Timer, overdue bool) {
	alertID := t.Key[len(TimerKindSnooze)+1:]
	a, err := s.repo.GetByAlertID(ctx, alertID)
	if err != nil {
		s.log.Error().Err(err).Str("alert_id", alertID).Msg("snooze expiry: lookup failed")
		return
	}
	if a.Status != StatusSnoozed {
		return
	}
	ok, err := s.repo.UpdateStatus(ctx, a.ID, StatusSnoozed, StatusSent, nil, nil)
	if err != nil || !ok {
		s.log.Error().Err(err).Str("alert_id", alertID).Msg("snooze expiry: transition failed")
		return
	}
	detail := "snooze expired"
	if overdue {
		detail = "snooze expired while engine was down"
	}
	s.audit(ctx, a.ID, string(StatusSent), "system", detail)
	a.Status = StatusSent
	s.dispatch(ctx, a)
	s.armEscalation(ctx, a, 0, s.now())
}

// SweepSnoozed re-sends any snoozed alerts whose snooze-until has passed. The
// timer wheel makes this a safety net rather than the primary path; it runs at
// startup and on a slow interval.
func (s *Service) SweepSnoozed(ctx context.Context) (int, error) {
	due, err := s.repo.DueSnoozed(ctx, s.now())
	if err != nil {
		return 0, err
	}
	for _, a := range due {
		ok, err := s.repo.UpdateStatus(ctx, a.ID, StatusSnoozed, StatusSent, nil, nil)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		s.audit(ctx, a.ID, string(StatusSent), "system", "snooze expired (sweep)")
		a.Status = StatusSent
		s.dispatch(ctx, a)
		s.armEscalation(ctx, a, 0, s.now())
	}
	return len(due), nil
}

// ----------------------------------------------------------------------------
// Reads
// ----------------------------------------------------------------------------

// Get returns one alert by its external id.
func (s *Service) Get(ctx context.Context, alertID string) (*Alert, error) {
	return s.repo.GetByAlertID(ctx, alertID)
}

// Query lists alerts matching the filter with the audit-friendly newest-first
// ordering the console expects.
func (s *Service) Query(ctx context.Context, f Filter, limit, offset int) ([]*Alert, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.Query(ctx, f, limit, offset)
}

// History returns the audit trail for an alert, oldest first.
func (s *Service) History(ctx context.Context, alertID string) ([]*AuditRow, error) {
	a, err := s.repo.GetByAlertID(ctx, alertID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListAudit(ctx, a.ID)
}

// Deliveries returns the delivery attempts for an alert, oldest first.
func (s *Service) Deliveries(ctx context.Context, alertID string) ([]*DeliveryRow, error) {
	a, err := s.repo.GetByAlertID(ctx, alertID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListDeliveries(ctx, a.ID)
}

// ----------------------------------------------------------------------------
// Delivery
// ----------------------------------------------------------------------------

// dispatch pushes the alert to the notifier with bounded retry and records
// every attempt. On success the alert moves pending -> sent. After the final
// failure an operator alert is raised so delivery problems are visible inside
// the ledger itself.
func (s *Service) dispatch(ctx context.Context, a *Alert) {
	if s.notifier == nil {
		// No delivery channel configured; mark sent so the lifecycle can
		// proceed through the console.
		s.markSent(ctx, a)
		return
	}

	attempt := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(s.newRetry(), maxDeliveryAttempts-1), ctx)
	err := backoff.Retry(func() error {
		attempt++
		derr := s.notifier.Deliver(ctx, a, "webhook")
		row := &DeliveryRow{AlertFK: a.ID, Channel: "webhook", Attempt: attempt, Status: "success"}
		if derr != nil {
			msg := derr.Error()
			row.Status = "failed"
			row.Error = &msg
		}
		if aerr := s.repo.AddDelivery(ctx, row); aerr != nil {
			s.log.Error().Err(aerr).Str("alert_id", a.AlertID).Msg("recording delivery attempt failed")
		}
		return derr
	}, policy)

	if err != nil {
		s.log.Error().Err(err).Str("alert_id", a.AlertID).Int("attempts", attempt).Msg("alert delivery exhausted")
		s.raiseDeliveryFailure(ctx, a, err)
		return
	}
	s.markSent(ctx, a)
}

func (s *Service) markSent(ctx context.Context, a *Alert) {
	if a.Status != StatusPending {
		return
	}
	ok, err := s.repo.UpdateStatus(ctx, a.ID, StatusPending, StatusSent, nil, nil)
	if err != nil {
		s.log.Error().Err(err).Str("alert_id", a.AlertID).Msg("mark sent failed")
		return
	}
	if ok {
		s.audit(ctx, a.ID, string(StatusSent), "system", "delivered")
		a.Status = StatusSent
	}
}

// raiseDeliveryFailure surfaces exhausted delivery as its own alert. Delivery
// failures of delivery-failure alerts are logged only, to keep the ledger from
// feeding on itself.
func (s *Service) raiseDeliveryFailure(ctx context.Context, a *Alert, cause error) {
	if a.Kind == KindDeliveryFailure {
		return
	}
	_, _, err := s.Upsert(ctx, KindDeliveryFailure, a.AlertID, Payload{
		Severity: SeverityHigh,
		Summary:  fmt.Sprintf("delivery failed for %s alert %s", a.Kind, a.AlertID),
		Detail:   cause.Error(),
	})
	if err != nil {
		s.log.Error().Err(err).Str("alert_id", a.AlertID).Msg("raising delivery-failure alert failed")
	}
}

// ----------------------------------------------------------------------------
// helpers
// ----------------------------------------------------------------------------

func (s *Service) audit(ctx context.Context, alertFK int64, action, actor, details string) {
	row := &AuditRow{AlertFK: alertFK, Action: action, Actor: actor}
	if details != "" {
		row.Details = &details
	}
	if err := s.repo.AddAudit(ctx, row); err != nil {
		s.log.Error().Err(err).Int64("alert_fk", alertFK).Str("action", action).Msg("audit write failed")
	}
}

func (s *Service) armSnooze(ctx context.Context, a *Alert, until time.Time) {
	if s.timers == nil {
		return
	}
	err := s.timers.Arm(ctx, timerwheel.Timer{Key: snoozeKey(a.AlertID), Kind: TimerKindSnooze, FireAt: until})
	if err != nil {
		s.log.Error().Err(err).Str("alert_id", a.AlertID).Msg("arming snooze timer failed")
	}
}

func (s *Service) cancelTimer(ctx context.Context, key string) {
	if s.timers == nil {
		return
	}
	if err := s.timers.Cancel(ctx, key); err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("cancelling timer failed")
	}
}

func snoozeKey(alertID string) string {
	return TimerKindSnooze + "/" + alertID
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

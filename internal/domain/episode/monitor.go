package episode

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegis/aegis/internal/clinical"
	"github.com/aegis/aegis/internal/domain/bundle"
	"github.com/aegis/aegis/internal/ingest"
)

// Monitor watches the normalized event stream for bundle triggers and opens
// episodes. Bundles are tried in the registry's stable order; at most one
// open episode exists per (patient, bundle), and a closed one blocks a reopen
// for the bundle's cooldown.
type Monitor struct {
	registry *bundle.Registry
	repo     Repository
	patients ingest.PatientFetcher
	sched    *Scheduler
	log      zerolog.Logger
	now      func() time.Time
}

func NewMonitor(registry *bundle.Registry, repo Repository, patients ingest.PatientFetcher, sched *Scheduler, log zerolog.Logger) *Monitor {
	return &Monitor{
		registry: registry,
		repo:     repo,
		patients: patients,
		sched:    sched,
		log:      log.With().Str("component", "trigger-monitor").Logger(),
		now:      time.Now,
	}
}

// HandleEvent tries every active bundle's triggers against the event. Errors
// opening one episode never block evaluation of the remaining bundles.
func (m *Monitor) HandleEvent(ctx context.Context, ev clinical.Event) {
	for _, def := range m.registry.Active() {
		if !def.TriggerMatch(ev) {
			continue
		}
		if err := m.open(ctx, def, ev); err != nil {
			m.log.Error().Err(err).Str("bundle", def.ID).Str("patient", ev.Patient.ID).
				Str("event", ev.ID).Msg("opening episode failed")
		}
	}
}

func (m *Monitor) open(ctx context.Context, def *bundle.Definition, ev clinical.Event) error {
	// The trigger anchors the episode at the clinical event time, not the
	// arrival time.
	anchor := ev.Effective

	if _, err := m.repo.GetOpen(ctx, ev.Patient.ID, def.ID); err == nil {
		m.log.Debug().Str("bundle", def.ID).Str("patient", ev.Patient.ID).
			Msg("open episode exists, trigger ignored")
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	last, err := m.repo.LastClosed(ctx, ev.Patient.ID, def.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if last != nil && last.ClosedAt != nil && anchor.Sub(*last.ClosedAt) < def.CooldownOrDefault() {
		m.log.Debug().Str("bundle", def.ID).Str("patient", ev.Patient.ID).
			Time("closed_at", *last.ClosedAt).Msg("inside reopen cooldown, trigger ignored")
		return nil
	}

	patient, perr := m.patients.FetchPatient(ctx, ev.Patient.ID)
	if perr != nil {
		// Demographics unavailable: bundle-level conditions fail closed,
		// element-level ones are deferred to the evaluator.
		if !conditionEmpty(def.Applicability) {
			return perr
		}
		m.log.Warn().Err(perr).Str("patient", ev.Patient.ID).Msg("patient fetch failed, deferring element applicability")
	}
	if !conditionEmpty(def.Applicability) && !def.Applicability.Holds(patient, anchor) {
		return nil
	}

	ep := &Episode{
		BundleID:      def.ID,
		BundleVersion: def.Version,
		PatientID:     ev.Patient.ID,
		Anchor:        anchor,
		AnchorZone:    anchor.Location().String(),
		Deadline:      def.OverallDeadline(anchor),
	}

	elementIDs := make([]string, 0, len(def.Elements))
	for _, el := range def.Elements {
		pc := el.Applicability.PatientCondition
		if !conditionEmpty(pc) && perr == nil && !pc.Holds(patient, anchor) {
			continue
		}
		elementIDs = append(elementIDs, el.ID)
	}
	if len(elementIDs) == 0 {
		m.log.Debug().Str("bundle", def.ID).Str("patient", ev.Patient.ID).
			Msg("no applicable elements, episode not opened")
		return nil
	}

	if err := m.repo.Create(ctx, ep, elementIDs); err != nil {
		if errors.Is(err, ErrOpenEpisode) {
			// Concurrent trigger won the partial unique index race.
			return nil
		}
		return err
	}

	m.log.Info().Str("episode", ep.EpisodeID).Str("bundle", def.ID).Int("version", def.Version).
		Str("patient", ev.Patient.ID).Time("anchor", anchor).Time("deadline", ep.Deadline).
		Int("elements", len(elementIDs)).Msg("episode opened")

	return m.sched.EpisodeOpened(ctx, ep, def)
}

func conditionEmpty(c bundle.PatientCondition) bool {
	return c.MinAgeDays == nil && c.MaxAgeDays == nil && c.RiskFactor == ""
}

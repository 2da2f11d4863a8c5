package hai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegis/aegis/internal/clinical"
	"github.com/aegis/aegis/internal/domain/alert"
)

// Alerts is the slice of the alert ledger the pipeline needs.
type Alerts interface {
	Upsert(ctx context.Context, kind, sourceKey string, p alert.Payload) (string, bool, error)
	ResolveBySource(ctx context.Context, kind, sourceKey, actor, reason string) error
}

// Service drives a candidate through the pipeline: screen, extract,
// classify, queue for review. Classification never emits a hai-confirmed
// alert on its own; only the authoritative human decision does.
type Service struct {
	repo   Repository
	detect *Detectors
	orch   *Orchestrator
	engine *Engine
	alerts Alerts
	log    zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, detect *Detectors, orch *Orchestrator, engine *Engine, alerts Alerts, log zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		detect: detect,
		orch:   orch,
		engine: engine,
		alerts: alerts,
		log:    log.With().Str("component", "hai-pipeline").Logger(),
		now:    time.Now,
	}
}

// OnEvent screens one event and, when it produces a non-excluded candidate,
// runs the rest of the pipeline synchronously on the caller's goroutine.
func (s *Service) OnEvent(ctx context.Context, ev clinical.Event) {
	c, err := s.detect.Screen(ctx, ev)
	if err != nil {
		s.log.Error().Err(err).Str("event", ev.ID).Msg("hai screen failed")
		return
	}
	if c == nil {
		return
	}

	created, err := s.repo.CreateCandidate(ctx, c)
	if err != nil {
		s.log.Error().Err(err).Str("trigger_key", c.TriggerKey).Msg("persisting candidate failed")
		return
	}
	if !created {
		// Re-polled or re-delivered trigger; the existing candidate stands.
		return
	}
	s.log.Info().Str("candidate", c.CandidateID).Str("kind", string(c.Kind)).
		Str("patient", c.PatientID).Bool("excluded", c.Excluded()).Msg("candidate screened")

	if c.Excluded() {
		return
	}
	s.Process(ctx, c)
}

// Process runs extraction, classification, and review-queue entry for a
// screened candidate. Safe to call again for a candidate that stalled: the
// status compare-and-set keeps the pipeline single-entrant.
func (s *Service) Process(ctx context.Context, c *Candidate) {
	ok, err := s.repo.UpdateCandidateStatus(ctx, c.ID, StatusScreened, StatusExtracting)
	if err != nil || !ok {
		if err != nil {
			s.log.Error().Err(err).Str("candidate", c.CandidateID).Msg("status update failed")
		}
		return
	}

	row, facts, xerr := s.orch.Extract(ctx, c)

	var cl *Classification
	if xerr != nil {
		// Persistent extraction failure short-circuits: decision unavailable,
		// review mandatory, the raw failure attached for the reviewer.
		if !errors.Is(xerr, ErrExtractionFailed) {
			s.log.Error().Err(xerr).Str("candidate", c.CandidateID).Msg("extraction aborted")
			return
		}
		var extractionFK *int64
		detail := "extraction unavailable"
		if row != nil {
			extractionFK = &row.ID
			if row.Error != nil {
				detail = "extraction unavailable: " + *row.Error
			}
		}
		reasoning, _ := json.Marshal([]string{detail})
		cl = &Classification{
			CandidateFK:    c.ID,
			ExtractionFK:   extractionFK,
			Decision:       DecisionUnavailable,
			Strictness:     s.engine.Strictness(),
			Reasoning:      reasoning,
			ReviewRequired: true,
		}
	} else {
		decision, trace := s.engine.Classify(c, facts)
		cl = s.engine.BuildClassification(c, &row.ID, decision, trace)
	}

	if err := s.repo.AddClassification(ctx, cl); err != nil {
		s.log.Error().Err(err).Str("candidate", c.CandidateID).Msg("persisting classification failed")
		return
	}
	if _, err := s.repo.UpdateCandidateStatus(ctx, c.ID, StatusExtracting, StatusClassified); err != nil {
		s.log.Error().Err(err).Str("candidate", c.CandidateID).Msg("status update failed")
	}
	s.log.Info().Str("candidate", c.CandidateID).Str("decision", string(cl.Decision)).
		Str("strictness", string(cl.Strictness)).Msg("candidate classified")

	rv := &Review{CandidateFK: c.ID, ClassificationFK: &cl.ID}
	if err := s.repo.OpenReview(ctx, rv); err != nil {
		s.log.Error().Err(err).Str("candidate", c.CandidateID).Msg("opening review failed")
		return
	}
	if _, err := s.repo.UpdateCandidateStatus(ctx, c.ID, StatusClassified, StatusInReview); err != nil {
		s.log.Error().Err(err).Str("candidate", c.CandidateID).Msg("status update failed")
	}

	_, _, err = s.alerts.Upsert(ctx, alert.KindReviewRequired, reviewSourceKey(c.CandidateID), alert.Payload{
		Severity:  reviewSeverity(cl.Decision),
		PatientID: c.PatientID,
		Summary:   fmt.Sprintf("%s candidate classified %s, review required", c.Kind, cl.Decision),
		Detail:    fmt.Sprintf("candidate %s, strictness %s", c.CandidateID, cl.Strictness),
	})
	if err != nil {
		s.log.Error().Err(err).Str("candidate", c.CandidateID).Msg("raising review alert failed")
	}
}

// RecordHistorical logs a calibration discrepancy when the engine's current
// decision differs from an externally supplied historical human decision.
// Side output only; the classification is not gated on it.
func (s *Service) RecordHistorical(ctx context.Context, candidateID string, human Decision) error {
	c, err := s.repo.GetCandidate(ctx, candidateID)
	if err != nil {
		return err
	}
	cl, err := s.repo.LatestClassification(ctx, c.ID)
	if err != nil {
		return err
	}
	if cl.Decision == human {
		return nil
	}
	return s.repo.AddDiscrepancy(ctx, &Discrepancy{
		CandidateFK:    c.ID,
		EngineDecision: cl.Decision,
		HumanDecision:  human,
		Strictness:     cl.Strictness,
	})
}

func reviewSourceKey(candidateID string) string {
	return "hai/" + candidateID
}

func reviewSeverity(d Decision) alert.Severity {
	switch d {
	case DecisionConfirmed:
		return alert.SeverityHigh
	case DecisionUnavailable:
		return alert.SeverityMedium
	default:
		return alert.SeverityMedium
	}
}

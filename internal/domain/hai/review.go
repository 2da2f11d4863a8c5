package hai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegis/aegis/internal/domain/alert"
)

// ErrOverrideReason is returned when a reviewer's decision differs from the
// classification without a stated reason.
var ErrOverrideReason = errors.New("override requires a reason")

// ReviewService records the authoritative human decision for a candidate.
type ReviewService struct {
	repo   Repository
	alerts Alerts
	log    zerolog.Logger
	now    func() time.Time
}

func NewReviewService(repo Repository, alerts Alerts, log zerolog.Logger) *ReviewService {
	return &ReviewService{
		repo:   repo,
		alerts: alerts,
		log:    log.With().Str("component", "hai-review").Logger(),
		now:    time.Now,
	}
}

// Submit closes the candidate's open review with the human decision. When
// the decision differs from the engine's classification the override is
// recorded with the reviewer's reason and a calibration discrepancy is
// logged. A hai-confirmed alert is emitted only here, on a human-confirmed
// decision.
func (s *ReviewService) Submit(ctx context.Context, candidateID, reviewer string, decision Decision, overrideReason string) error {
	if decision == "" {
		return ErrReviewDecision
	}
	c, err := s.repo.GetCandidate(ctx, candidateID)
	if err != nil {
		return err
	}
	rv, err := s.repo.GetOpenReview(ctx, c.ID)
	if errors.Is(err, ErrNotFound) {
		return ErrReviewClosed
	}
	if err != nil {
		return err
	}

	var engineDecision Decision
	cl, err := s.repo.LatestClassification(ctx, c.ID)
	if err == nil {
		engineDecision = cl.Decision
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	isOverride := engineDecision != "" && engineDecision != DecisionUnavailable && decision != engineDecision
	var reason *string
	if isOverride {
		if overrideReason == "" {
			return ErrOverrideReason
		}
		reason = &overrideReason
	}

	ok, err := s.repo.CloseReview(ctx, rv.ID, reviewer, decision, isOverride, reason, s.now())
	if err != nil {
		return fmt.Errorf("closing review: %w", err)
	}
	if !ok {
		return ErrReviewClosed
	}
	if _, err := s.repo.UpdateCandidateStatus(ctx, c.ID, StatusInReview, StatusResolved); err != nil {
		s.log.Error().Err(err).Str("candidate", candidateID).Msg("status update failed")
	}
	s.log.Info().Str("candidate", candidateID).Str("reviewer", reviewer).
		Str("decision", string(decision)).Bool("override", isOverride).Msg("review closed")

	if isOverride {
		if err := s.repo.AddDiscrepancy(ctx, &Discrepancy{
			CandidateFK:    c.ID,
			EngineDecision: engineDecision,
			HumanDecision:  decision,
			Strictness:     cl.Strictness,
		}); err != nil {
			s.log.Error().Err(err).Str("candidate", candidateID).Msg("logging discrepancy failed")
		}
	}

	if err := s.alerts.ResolveBySource(ctx, alert.KindReviewRequired, reviewSourceKey(candidateID), reviewer, "review completed: "+string(decision)); err != nil {
		s.log.Error().Err(err).Str("candidate", candidateID).Msg("withdrawing review alert failed")
	}
	if decision == DecisionConfirmed {
		_, _, err := s.alerts.Upsert(ctx, alert.KindHAIConfirmed, reviewSourceKey(candidateID), alert.Payload{
			Severity:  alert.SeverityHigh,
			PatientID: c.PatientID,
			Summary:   fmt.Sprintf("%s confirmed by %s", c.Kind, reviewer),
			Detail:    fmt.Sprintf("candidate %s confirmed on review", candidateID),
		})
		if err != nil {
			s.log.Error().Err(err).Str("candidate", candidateID).Msg("raising hai-confirmed alert failed")
		}
	}
	return nil
}

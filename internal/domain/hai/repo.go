package hai

import (
	"context"
	"time"
)

// CandidateFilter selects candidates for listing.
type CandidateFilter struct {
	Kind      Kind
	Status    Status
	PatientID string
	Since     *time.Time
}

// Repository is the persistence contract for the candidate pipeline. The
// (hai_kind, trigger_key) unique constraint makes CreateCandidate the
// deduplication point; CloseReview is a compare-and-set on the open row so a
// review closes exactly once.
type Repository interface {
	CreateCandidate(ctx context.Context, c *Candidate) (bool, error)
	GetCandidate(ctx context.Context, candidateID string) (*Candidate, error)
	UpdateCandidateStatus(ctx context.Context, id int64, from, to Status) (bool, error)
	ListCandidates(ctx context.Context, f CandidateFilter, limit, offset int) ([]*Candidate, error)

	AddExtraction(ctx context.Context, x *Extraction) error
	ListExtractions(ctx context.Context, candidateFK int64) ([]*Extraction, error)

	AddClassification(ctx context.Context, cl *Classification) error
	LatestClassification(ctx context.Context, candidateFK int64) (*Classification, error)

	OpenReview(ctx context.Context, r *Review) error
	GetOpenReview(ctx context.Context, candidateFK int64) (*Review, error)
	CloseReview(ctx context.Context, reviewID int64, reviewer string, decision Decision, isOverride bool, overrideReason *string, at time.Time) (bool, error)

	AddDiscrepancy(ctx context.Context, d *Discrepancy) error
	ListDiscrepancies(ctx context.Context, since time.Time) ([]*Discrepancy, error)

	// ConfirmedCandidates returns candidates whose review closed with the
	// hai-confirmed decision and that were created inside [from, to). The
	// surveillance exports consume these.
	ConfirmedCandidates(ctx context.Context, from, to time.Time) ([]*Candidate, error)
}

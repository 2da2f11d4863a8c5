package reporting

import (
	"context"
	"time"
)

// Repository is the reporting store: accumulation upserts plus the
// aggregation queries the exporters read.
type Repository interface {
	// AddTherapyDay increments days-of-therapy by one for the antimicrobial
	// at (day, location). Idempotence is the caller's concern: one call per
	// (patient, antimicrobial, calendar day).
	AddTherapyDay(ctx context.Context, day time.Time, location, antimicrobial string) error
	// AddIsolate records one isolate; re-delivery of the same event id is a
	// no-op.
	AddIsolate(ctx context.Context, iso *Isolate) error

	UpsertDaily(ctx context.Context, d *DenominatorDay) error
	RollupMonth(ctx context.Context, month time.Time) error

	QuarterUsage(ctx context.Context, from, to time.Time) ([]UsageRow, error)
	QuarterIsolates(ctx context.Context, from, to time.Time) ([]ARRow, error)
	QuarterPatientDays(ctx context.Context, from, to time.Time) (map[string]int, error)
	MonthDenominators(ctx context.Context, month time.Time) ([]DenominatorMonth, error)

	AddSubmission(ctx context.Context, s *Submission) error
	ListSubmissions(ctx context.Context, since time.Time) ([]*Submission, error)
}

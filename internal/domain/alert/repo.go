package alert

import (
	"context"
	"time"
)

// Repository is the persistence contract for the alert ledger. GetActive
// looks up the non-resolved alert for a (kind, sourceKey) pair; UpdateStatus
// performs a compare-and-set so that concurrent transitions serialize at the
// row, not in application code.
type Repository interface {
	Create(ctx context.Context, a *Alert) error
	GetByID(ctx context.Context, id int64) (*Alert, error)
	GetByAlertID(ctx context.Context, alertID string) (*Alert, error)
	GetActive(ctx context.Context, kind, sourceKey string) (*Alert, error)
	UpdateContent(ctx context.Context, a *Alert) error
	UpdateStatus(ctx context.Context, id int64, from, to Status, snoozeUntil *time.Time, resolutionReason *string) (bool, error)
	DueSnoozed(ctx context.Context, now time.Time) ([]*Alert, error)
	Query(ctx context.Context, f Filter, limit, offset int) ([]*Alert, int, error)

	AddAudit(ctx context.Context, row *AuditRow) error
	ListAudit(ctx context.Context, alertFK int64) ([]*AuditRow, error)

	AddDelivery(ctx context.Context, row *DeliveryRow) error
	ListDeliveries(ctx context.Context, alertFK int64) ([]*DeliveryRow, error)
}

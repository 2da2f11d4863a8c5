// Package alert implements the shared alert ledger: a deduplicated,
// append-only-audited store of actionable alerts with a strict status state
// machine, snooze timers, and per-kind escalation chains. Every producer in
// the engine (scheduler, detectors, operators) writes here; delivery and
// escalation read back from it.
package alert

import (
	"errors"
	"time"
)

// Status is an alert lifecycle state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusSent         Status = "sent"
	StatusAcknowledged Status = "acknowledged"
	StatusSnoozed      Status = "snoozed"
	StatusResolved     Status = "resolved"
)

// Severity grades an alert for routing and display.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Well-known alert kinds produced by the engine itself. Producers may add
// their own kinds; the store does not enumerate them.
const (
	KindGuidelineDeviation  = "guideline-deviation"
	KindHAIConfirmed        = "hai-confirmed"
	KindReviewRequired      = "review-required"
	KindIngressStalled      = "ingress-stalled"
	KindDeliveryFailure     = "delivery-failure"
	KindOperator            = "operator"
	KindSurgicalProphylaxis = "surgical-prophylaxis"
)

// Errors returned by the store.
var (
	ErrNotFound          = errors.New("alert not found")
	ErrInvalidTransition = errors.New("invalid alert transition")
	ErrResolutionReason  = errors.New("resolution requires a reason")
	ErrSnoozeUntil       = errors.New("snooze requires a snooze-until time")
)

// validTransitions is the state diagram. resolved is terminal; any
// non-resolved state may move to resolved (with a reason).
var validTransitions = map[Status][]Status{
	StatusPending:      {StatusSent, StatusResolved},
	StatusSent:         {StatusAcknowledged, StatusSnoozed, StatusResolved},
	StatusAcknowledged: {StatusSnoozed, StatusResolved},
	StatusSnoozed:      {StatusSent, StatusResolved},
	StatusResolved:     {},
}

// CanTransition reports whether moving from one status to another is
// permitted by the state diagram.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// statusRank orders statuses for the never-regress rule on upsert merges.
var statusRank = map[Status]int{
	StatusPending:      0,
	StatusSent:         1,
	StatusSnoozed:      2,
	StatusAcknowledged: 3,
	StatusResolved:     4,
}

// Alert is one row in the ledger. ID is the internal join key; AlertID is
// the opaque identifier shown to external systems. (Kind, SourceKey) is
// unique across the non-resolved set.
type Alert struct {
	ID               int64      `db:"id" json:"-"`
	AlertID          string     `db:"alert_id" json:"alert_id"`
	Kind             string     `db:"kind" json:"kind"`
	SourceKey        string     `db:"source_key" json:"source_key"`
	Status           Status     `db:"status" json:"status"`
	Severity         Severity   `db:"severity" json:"severity"`
	PatientID        string     `db:"patient_id" json:"patient_id,omitempty"`
	Summary          string     `db:"summary" json:"summary"`
	Detail           *string    `db:"detail" json:"detail,omitempty"`
	SnoozeUntil      *time.Time `db:"snooze_until" json:"snooze_until,omitempty"`
	ResolutionReason *string    `db:"resolution_reason" json:"resolution_reason,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// Payload is the producer-supplied content of an alert. On upsert merges the
// payload wins for content fields but never regresses status.
type Payload struct {
	Severity  Severity `json:"severity"`
	PatientID string   `json:"patient_id,omitempty"`
	Summary   string   `json:"summary"`
	Detail    string   `json:"detail,omitempty"`
}

// AuditRow is one append-only entry in the alert audit trail.
type AuditRow struct {
	ID        int64     `db:"id" json:"id"`
	AlertFK   int64     `db:"alert_fk" json:"-"`
	Action    string    `db:"action" json:"action"`
	Actor     string    `db:"actor" json:"actor"`
	Details   *string   `db:"details" json:"details,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// DeliveryRow records one delivery attempt for an alert.
type DeliveryRow struct {
	ID        int64     `db:"id" json:"id"`
	AlertFK   int64     `db:"alert_fk" json:"-"`
	Channel   string    `db:"channel" json:"channel"`
	Attempt   int       `db:"attempt" json:"attempt"`
	Status    string    `db:"status" json:"status"` // "success" or "failed"
	Error     *string   `db:"error" json:"error,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Filter selects alerts for Query.
type Filter struct {
	Kind      string
	Status    Status
	PatientID string
	Severity  Severity
	Since     *time.Time
}

// Package episode implements the bundle state machine: the trigger monitor
// that opens episodes from the event stream, the scheduler that arms one
// deadline timer per applicable element, and the evaluator that decides
// met / not-met / not-applicable with evidence. Deviations surface as
// guideline-deviation alerts keyed by (episode, element).
package episode

import (
	"encoding/json"
	"errors"
	"time"
)

// ElementStatus is the lifecycle of one element inside an episode. Terminal
// statuses are write-once.
type ElementStatus string

const (
	ElementPending       ElementStatus = "pending"
	ElementMet           ElementStatus = "met"
	ElementNotMet        ElementStatus = "not-met"
	ElementNotApplicable ElementStatus = "not-applicable"
)

// Terminal reports whether the status is final.
func (s ElementStatus) Terminal() bool {
	return s == ElementMet || s == ElementNotMet || s == ElementNotApplicable
}

// Errors returned by the episode store.
var (
	ErrNotFound     = errors.New("episode not found")
	ErrOpenEpisode  = errors.New("an open episode already exists for this patient and bundle")
	ErrElementFinal = errors.New("element result is already terminal")
)

// Episode is one instance of a bundle being monitored for a patient. The
// anchor never changes after creation; the (bundle id, version) pair pins the
// exact definition the episode evaluates against.
type Episode struct {
	ID            int64      `db:"id" json:"-"`
	EpisodeID     string     `db:"episode_id" json:"episode_id"`
	BundleID      string     `db:"bundle_id" json:"bundle_id"`
	BundleVersion int        `db:"bundle_version" json:"bundle_version"`
	PatientID     string     `db:"patient_id" json:"patient_id"`
	Anchor        time.Time  `db:"anchor" json:"anchor"`
	AnchorZone    string     `db:"anchor_zone" json:"anchor_zone"`
	Deadline      time.Time  `db:"deadline" json:"deadline"`
	Terminal      bool       `db:"terminal" json:"terminal"`
	ClosedAt      *time.Time `db:"closed_at" json:"closed_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// ElementResult tracks one element of one episode.
type ElementResult struct {
	ID        int64           `db:"id" json:"-"`
	EpisodeFK int64           `db:"episode_fk" json:"-"`
	ElementID string          `db:"element_id" json:"element_id"`
	Status    ElementStatus   `db:"status" json:"status"`
	Evidence  json.RawMessage `db:"evidence" json:"evidence,omitempty"`
	DecidedAt *time.Time      `db:"decided_at" json:"decided_at,omitempty"`
}

// Evidence is the payload persisted with a terminal element result.
type Evidence struct {
	EventIDs         []string `json:"event_ids,omitempty"`
	Note             string   `json:"note,omitempty"`
	ZoneAssumed      bool     `json:"zone_assumed,omitempty"`
	OverdueAtRestart bool     `json:"overdue_at_restart,omitempty"`
}

func (e Evidence) marshal() json.RawMessage {
	raw, _ := json.Marshal(e)
	return raw
}

// ComplianceSummary is emitted when an episode reaches its terminal flag.
type ComplianceSummary struct {
	EpisodeID  string  `json:"episode_id"`
	BundleID   string  `json:"bundle_id"`
	PatientID  string  `json:"patient_id"`
	Applicable int     `json:"applicable"`
	Met        int     `json:"met"`
	NotMet     int     `json:"not_met"`
	Ratio      float64 `json:"ratio"`
}

// Timer kinds the episode engine arms on the shared wheel.
const (
	TimerKindElementDeadline = "element-deadline"
	TimerKindEpisodeDeadline = "episode-deadline"
)

// elementTimerPayload rides on element-deadline timers. Retries counts the
// evaluator failures that re-armed the timer.
type elementTimerPayload struct {
	EpisodeID string `json:"episode_id"`
	ElementID string `json:"element_id"`
	Retries   int    `json:"retries,omitempty"`
}

// episodeTimerPayload rides on episode-deadline timers.
type episodeTimerPayload struct {
	EpisodeID string `json:"episode_id"`
}

func elementTimerKey(episodeID, elementID string) string {
	return "element/" + episodeID + "/" + elementID
}

func episodeTimerKey(episodeID string) string {
	return "episode/" + episodeID
}

// Package hai implements the healthcare-associated-infection candidate
// pipeline: rule-based detectors screen the event stream into candidates,
// the extraction orchestrator pulls documented facts out of clinical notes
// through the language-model adapter, the rules engine classifies each
// candidate deterministically, and the review queue records the authoritative
// human decision.
package hai

import (
	"encoding/json"
	"errors"
	"time"
)

// Kind names one surveilled infection type.
type Kind string

const (
	KindCLABSI Kind = "clabsi" // central-line-associated bloodstream infection
	KindCAUTI  Kind = "cauti"  // catheter-associated urinary tract infection
	KindSSI    Kind = "ssi"    // surgical-site infection
	KindVAE    Kind = "vae"    // ventilator-associated event
	KindCDI    Kind = "cdi"    // C. difficile infection
)

// AllKinds lists the surveilled kinds in stable order.
var AllKinds = []Kind{KindCLABSI, KindCAUTI, KindSSI, KindVAE, KindCDI}

// Status is the candidate lifecycle.
type Status string

const (
	StatusScreened   Status = "screened"
	StatusExtracting Status = "extracting"
	StatusClassified Status = "classified"
	StatusInReview   Status = "in-review"
	StatusResolved   Status = "resolved"
)

// Decision is a classification or review outcome.
type Decision string

const (
	DecisionNotEligible   Decision = "not-eligible"
	DecisionMucosalBI     Decision = "mucosal-barrier-variant"
	DecisionSecondary     Decision = "secondary"
	DecisionContamination Decision = "contamination"
	DecisionConfirmed     Decision = "hai-confirmed"
	DecisionUnavailable   Decision = "unavailable"
)

// Strictness modulates which ancillary signals the rules engine counts as
// evidence.
type Strictness string

const (
	StrictnessStrict     Strictness = "strict"
	StrictnessModerate   Strictness = "moderate"
	StrictnessPermissive Strictness = "permissive"
)

// ValidStrictness reports whether s is a recognized level.
func ValidStrictness(s Strictness) bool {
	switch s {
	case StrictnessStrict, StrictnessModerate, StrictnessPermissive:
		return true
	}
	return false
}

// Onset stratification for C. difficile candidates.
const (
	OnsetCommunity  = "community-onset"
	OnsetHealthcare = "healthcare-onset"
)

// Errors returned by the store.
var (
	ErrNotFound       = errors.New("candidate not found")
	ErrReviewClosed   = errors.New("review already closed")
	ErrReviewDecision = errors.New("review requires a decision")
)

// Candidate is one screened HAI candidate. (Kind, TriggerKey) is unique: the
// trigger key is the clinical key of the screening hit, so re-delivered or
// re-polled events converge on one candidate.
type Candidate struct {
	ID              int64           `db:"id" json:"-"`
	CandidateID     string          `db:"candidate_id" json:"candidate_id"`
	Kind            Kind            `db:"hai_kind" json:"hai_kind"`
	PatientID       string          `db:"patient_id" json:"patient_id"`
	TriggerKey      string          `db:"trigger_key" json:"trigger_key"`
	DeviceDays      *int            `db:"device_days" json:"device_days,omitempty"`
	Onset           string          `db:"onset" json:"onset,omitempty"`
	Status          Status          `db:"status" json:"status"`
	ExclusionReason *string         `db:"exclusion_reason" json:"exclusion_reason,omitempty"`
	Payload         json.RawMessage `db:"payload" json:"payload,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// Excluded reports whether the screen recorded an exclusion reason.
func (c *Candidate) Excluded() bool { return c.ExclusionReason != nil }

// ScreenContext is the structured detector output persisted as the candidate
// payload and consumed again by the rules engine. Fields are kind-specific;
// unused ones stay zero.
type ScreenContext struct {
	Organism      string  `json:"organism,omitempty"`
	OrganismCode  string  `json:"organism_code,omitempty"`
	Commensal     bool    `json:"commensal,omitempty"`
	CultureCount  int     `json:"culture_count,omitempty"`
	SpecimenType  string  `json:"specimen_type,omitempty"`
	TriggeredAt   string  `json:"triggered_at,omitempty"` // RFC3339
	SpecimenDay   int     `json:"specimen_day,omitempty"`
	Recurrence    bool    `json:"recurrence,omitempty"`
	ProcedureCode string  `json:"procedure_code,omitempty"`
	ImplantPlaced bool    `json:"implant_placed,omitempty"`
	BaselineFiO2  float64 `json:"baseline_fio2,omitempty"`
	BaselinePEEP  float64 `json:"baseline_peep,omitempty"`
}

func (s ScreenContext) marshal() json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}

func (c *Candidate) screenContext() ScreenContext {
	var sc ScreenContext
	if len(c.Payload) > 0 {
		_ = json.Unmarshal(c.Payload, &sc)
	}
	return sc
}

// TriggeredAtTime parses the trigger timestamp out of the payload, falling
// back to the candidate creation time.
func (c *Candidate) TriggeredAtTime() time.Time {
	sc := c.screenContext()
	if sc.TriggeredAt != "" {
		if t, err := time.Parse(time.RFC3339, sc.TriggeredAt); err == nil {
			return t
		}
	}
	return c.CreatedAt
}

// Extraction is one language-model invocation for a candidate. One row is
// written per attempt, success or not; the row doubles as the call audit
// (model, tokens, latency).
type Extraction struct {
	ID            int64           `db:"id" json:"-"`
	CandidateFK   int64           `db:"candidate_fk" json:"-"`
	PromptVersion string          `db:"prompt_version" json:"prompt_version"`
	Model         string          `db:"model" json:"model"`
	Facts         json.RawMessage `db:"facts" json:"facts,omitempty"`
	Confidence    *float64        `db:"confidence" json:"confidence,omitempty"`
	InputTokens   int             `db:"input_tokens" json:"input_tokens"`
	OutputTokens  int             `db:"output_tokens" json:"output_tokens"`
	LatencyMS     int64           `db:"latency_ms" json:"latency_ms"`
	Success       bool            `db:"success" json:"success"`
	Error         *string         `db:"error" json:"error,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// Classification is the rules-engine output. Re-classification supersedes
// prior rows rather than mutating them, so the decision history is auditable.
type Classification struct {
	ID             int64           `db:"id" json:"-"`
	CandidateFK    int64           `db:"candidate_fk" json:"-"`
	ExtractionFK   *int64          `db:"extraction_fk" json:"-"`
	Decision       Decision        `db:"decision" json:"decision"`
	Strictness     Strictness      `db:"strictness" json:"strictness"`
	Reasoning      json.RawMessage `db:"reasoning" json:"reasoning,omitempty"`
	ReviewRequired bool            `db:"review_required" json:"review_required"`
	Superseded     bool            `db:"superseded" json:"superseded"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// Trace decodes the reasoning trace.
func (c *Classification) Trace() []string {
	var out []string
	if len(c.Reasoning) > 0 {
		_ = json.Unmarshal(c.Reasoning, &out)
	}
	return out
}

// Review is the human decision row. It opens when a classification lands and
// closes exactly once; the human decision is authoritative.
type Review struct {
	ID               int64      `db:"id" json:"-"`
	CandidateFK      int64      `db:"candidate_fk" json:"-"`
	ClassificationFK *int64     `db:"classification_fk" json:"-"`
	QueueKind        string     `db:"queue_kind" json:"queue_kind"`
	Reviewer         *string    `db:"reviewer" json:"reviewer,omitempty"`
	Decision         *string    `db:"decision" json:"decision,omitempty"`
	IsOverride       bool       `db:"is_override" json:"is_override"`
	OverrideReason   *string    `db:"override_reason" json:"override_reason,omitempty"`
	OpenedAt         time.Time  `db:"opened_at" json:"opened_at"`
	ClosedAt         *time.Time `db:"closed_at" json:"closed_at,omitempty"`
}

// Open reports whether the review is still awaiting a human decision.
func (r *Review) Open() bool { return r.ClosedAt == nil }

// Discrepancy is one calibration log entry: the engine's decision differed
// from a human decision for the same candidate.
type Discrepancy struct {
	ID             int64      `db:"id" json:"id"`
	CandidateFK    int64      `db:"candidate_fk" json:"-"`
	EngineDecision Decision   `db:"engine_decision" json:"engine_decision"`
	HumanDecision  Decision   `db:"human_decision" json:"human_decision"`
	Strictness     Strictness `db:"strictness" json:"strictness"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

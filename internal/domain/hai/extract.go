package hai

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegis/aegis/internal/clinical"
	"github.com/aegis/aegis/internal/ingest"
	"github.com/aegis/aegis/internal/platform/llm"
)

// ErrExtractionFailed marks a candidate whose extraction exhausted every
// attempt. The pipeline short-circuits to an `unavailable` classification
// with review required.
var ErrExtractionFailed = errors.New("extraction failed after all attempts")

const (
	defaultExtractionAttempts = 3
	defaultNoteWindowDays     = 7
	noteChunkChars            = 2000
)

// classificationFields are response keys the model must never emit: the
// model extracts documented facts, classification belongs to the rules
// engine. Their presence in a response is a validation failure.
var classificationFields = []string{
	"classification", "decision", "label", "is_hai", "hai_confirmed", "nhsn_reportable", "verdict",
}

// PromptTemplate is one versioned extraction prompt. The user template gets
// the deduplicated note text appended.
type PromptTemplate struct {
	Version string
	System  string
	User    string
}

// prompts maps HAI kind to its current extraction prompt. Bumping a prompt
// means bumping its version string; the version is persisted with every
// extraction row.
var prompts = map[Kind]PromptTemplate{
	KindCLABSI: {
		Version: "clabsi-v2",
		System: "You are a clinical documentation abstractor. Read the supplied notes and report only facts " +
			"explicitly documented in them as a single JSON object. Do not infer, diagnose, or classify.",
		User: "From the notes below, extract these documented facts about the patient's central line and bloodstream findings. " +
			"Respond with exactly one JSON object with these keys and no others:\n" +
			`{"neutropenia": bool, "mucositis": bool, "stem_cell_transplant": bool, "alternate_source_site": string, "alternate_source_organism": string, "line_site_findings": string, "confidence": number}` +
			"\n\nNOTES:\n",
	},
	KindCAUTI: {
		Version: "cauti-v2",
		System: "You are a clinical documentation abstractor. Read the supplied notes and report only facts " +
			"explicitly documented in them as a single JSON object. Do not infer, diagnose, or classify.",
		User: "From the notes below, extract these documented facts about the patient's urinary catheter and urinary findings. " +
			"Respond with exactly one JSON object with these keys and no others:\n" +
			`{"urinary_symptoms": bool, "fever_documented": bool, "clinical_uti_diagnosis": bool, "alternate_source_site": string, "confidence": number}` +
			"\n\nNOTES:\n",
	},
	KindSSI: {
		Version: "ssi-v1",
		System: "You are a clinical documentation abstractor. Read the supplied notes and report only facts " +
			"explicitly documented in them as a single JSON object. Do not infer, diagnose, or classify.",
		User: "From the notes below, extract these documented facts about the surgical wound. " +
			"Respond with exactly one JSON object with these keys and no others:\n" +
			`{"purulent_drainage": bool, "wound_dehiscence": bool, "surgeon_reopened_wound": bool, "alternate_source_site": string, "confidence": number}` +
			"\n\nNOTES:\n",
	},
	KindVAE: {
		Version: "vae-v1",
		System: "You are a clinical documentation abstractor. Read the supplied notes and report only facts " +
			"explicitly documented in them as a single JSON object. Do not infer, diagnose, or classify.",
		User: "From the notes below, extract these documented facts about the ventilated patient's respiratory course. " +
			"Respond with exactly one JSON object with these keys and no others:\n" +
			`{"new_antimicrobial_started": bool, "purulent_secretions": bool, "positive_respiratory_culture": bool, "alternate_source_site": string, "confidence": number}` +
			"\n\nNOTES:\n",
	},
	KindCDI: {
		Version: "cdi-v1",
		System: "You are a clinical documentation abstractor. Read the supplied notes and report only facts " +
			"explicitly documented in them as a single JSON object. Do not infer, diagnose, or classify.",
		User: "From the notes below, extract these documented facts about the patient's gastrointestinal course. " +
			"Respond with exactly one JSON object with these keys and no others:\n" +
			`{"diarrhea_documented": bool, "laxative_use": bool, "prior_cdi_history": bool, "alternate_source_site": string, "confidence": number}` +
			"\n\nNOTES:\n",
	},
}

// Facts is the validated extraction payload the rules engine consumes. One
// struct covers every kind; fields absent from a kind's schema stay zero.
type Facts struct {
	Neutropenia             bool    `json:"neutropenia,omitempty"`
	Mucositis               bool    `json:"mucositis,omitempty"`
	StemCellTransplant      bool    `json:"stem_cell_transplant,omitempty"`
	AlternateSourceSite     string  `json:"alternate_source_site,omitempty"`
	AlternateSourceOrganism string  `json:"alternate_source_organism,omitempty"`
	LineSiteFindings        string  `json:"line_site_findings,omitempty"`
	UrinarySymptoms         bool    `json:"urinary_symptoms,omitempty"`
	FeverDocumented         bool    `json:"fever_documented,omitempty"`
	ClinicalUTIDiagnosis    bool    `json:"clinical_uti_diagnosis,omitempty"`
	PurulentDrainage        bool    `json:"purulent_drainage,omitempty"`
	WoundDehiscence         bool    `json:"wound_dehiscence,omitempty"`
	SurgeonReopenedWound    bool    `json:"surgeon_reopened_wound,omitempty"`
	NewAntimicrobialStarted bool    `json:"new_antimicrobial_started,omitempty"`
	PurulentSecretions      bool    `json:"purulent_secretions,omitempty"`
	PositiveRespCulture     bool    `json:"positive_respiratory_culture,omitempty"`
	DiarrheaDocumented      bool    `json:"diarrhea_documented,omitempty"`
	LaxativeUse             bool    `json:"laxative_use,omitempty"`
	PriorCDIHistory         bool    `json:"prior_cdi_history,omitempty"`
	Confidence              float64 `json:"confidence,omitempty"`
}

// Orchestrator drives the language-model extraction step: note retrieval,
// copy-forward deduplication, versioned prompt composition, bounded attempts,
// and schema validation of the response.
type Orchestrator struct {
	client     llm.Client
	repo       Repository
	fetcher    ingest.EventFetcher
	model      string
	attempts   int
	windowDays func(kind string, defaultDays int) int
	log        zerolog.Logger
	now        func() time.Time
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithSurveillanceWindows overrides the per-kind note retrieval window.
// resolve receives the kind and the built-in default in days and returns the
// days to use.
func WithSurveillanceWindows(resolve func(kind string, defaultDays int) int) OrchestratorOption {
	return func(o *Orchestrator) { o.windowDays = resolve }
}

func NewOrchestrator(client llm.Client, repo Repository, fetcher ingest.EventFetcher, model string, log zerolog.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		client:   client,
		repo:     repo,
		fetcher:  fetcher,
		model:    model,
		attempts: defaultExtractionAttempts,
		log:      log.With().Str("component", "hai-extract").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// noteWindow is the half-width of the note retrieval interval around the
// trigger.
func (o *Orchestrator) noteWindow(kind Kind) time.Duration {
	days := defaultNoteWindowDays
	if o.windowDays != nil {
		if d := o.windowDays(string(kind), defaultNoteWindowDays); d > 0 {
			days = d
		}
	}
	return time.Duration(days) * 24 * time.Hour
}

// Extract runs the extraction for one candidate. On success it returns the
// persisted extraction row and the validated facts. Every attempt persists
// its own extraction row, success or not; exhaustion returns the last row
// together with ErrExtractionFailed.
func (o *Orchestrator) Extract(ctx context.Context, c *Candidate) (*Extraction, *Facts, error) {
	tmpl, ok := prompts[c.Kind]
	if !ok {
		return nil, nil, fmt.Errorf("no prompt registered for %s", c.Kind)
	}

	notes, err := o.retrieveNotes(ctx, c)
	if err != nil {
		return nil, nil, fmt.Errorf("retrieving notes: %w", err)
	}
	user := tmpl.User + notes

	var last *Extraction
	for attempt := 1; attempt <= o.attempts; attempt++ {
		start := o.now()
		text, cerr := o.client.Complete(ctx, tmpl.System, user)
		latency := o.now().Sub(start)

		row := &Extraction{
			CandidateFK:   c.ID,
			PromptVersion: tmpl.Version,
			Model:         o.model,
			InputTokens:   estimateTokens(tmpl.System) + estimateTokens(user),
			OutputTokens:  estimateTokens(text),
			LatencyMS:     latency.Milliseconds(),
		}

		if cerr != nil {
			msg := cerr.Error()
			row.Error = &msg
			o.persist(ctx, row)
			last = row
			o.log.Warn().Err(cerr).Str("candidate", c.CandidateID).Int("attempt", attempt).Msg("extraction call failed")
			if ctx.Err() != nil {
				break
			}
			continue
		}

		facts, verr := validateFacts(c.Kind, text)
		if verr != nil {
			msg := verr.Error()
			row.Error = &msg
			o.persist(ctx, row)
			last = row
			o.log.Warn().Err(verr).Str("candidate", c.CandidateID).Int("attempt", attempt).Msg("extraction response rejected")
			continue
		}

		row.Success = true
		row.Facts, _ = json.Marshal(facts)
		conf := facts.Confidence
		row.Confidence = &conf
		o.persist(ctx, row)
		o.log.Info().Str("candidate", c.CandidateID).Int("attempt", attempt).
			Dur("latency", latency).Msg("extraction succeeded")
		return row, facts, nil
	}
	return last, nil, ErrExtractionFailed
}

func (o *Orchestrator) persist(ctx context.Context, row *Extraction) {
	if err := o.repo.AddExtraction(ctx, row); err != nil {
		o.log.Error().Err(err).Int64("candidate_fk", row.CandidateFK).Msg("persisting extraction row failed")
	}
}

// retrieveNotes pulls the patient's notes around the trigger, chunks them,
// and drops near-identical copy-forward fragments.
func (o *Orchestrator) retrieveNotes(ctx context.Context, c *Candidate) (string, error) {
	at := c.TriggeredAtTime()
	window := o.noteWindow(c.Kind)
	events, err := o.fetcher.FetchEvents(ctx, c.PatientID, []clinical.EventKind{clinical.KindNote},
		at.Add(-window), at.Add(window))
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	seen := make(map[[32]byte]bool)
	for _, ev := range events {
		if ev.Note == nil {
			continue
		}
		for _, chunk := range chunkText(ev.Note.Text, noteChunkChars) {
			key := sha256.Sum256([]byte(normalizeChunk(chunk)))
			if seen[key] {
				continue
			}
			seen[key] = true
			fmt.Fprintf(&buf, "--- %s %s ---\n%s\n", ev.Effective.Format("2006-01-02 15:04"), ev.Note.NoteType, chunk)
		}
	}
	if buf.Len() == 0 {
		return "(no notes documented in the surveillance window)", nil
	}
	return buf.String(), nil
}

func chunkText(text string, size int) []string {
	var out []string
	for len(text) > size {
		cut := strings.LastIndexByte(text[:size], '\n')
		if cut <= 0 {
			cut = size
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if strings.TrimSpace(text) != "" {
		out = append(out, text)
	}
	return out
}

// normalizeChunk collapses whitespace and case so trivially re-flowed
// copy-forward fragments hash identically.
func normalizeChunk(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// validateFacts parses a model response against the kind's schema. Unknown
// keys are an error; classification fields are rejected explicitly so the
// contract violation is named in the error.
func validateFacts(kind Kind, text string) (*Facts, error) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, errors.New("response contains no JSON object")
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("response is not a JSON object: %w", err)
	}
	for _, f := range classificationFields {
		if _, ok := keys[f]; ok {
			return nil, fmt.Errorf("response contains classification field %q", f)
		}
	}
	allowed := schemaKeys(kind)
	for k := range keys {
		if !allowed[k] {
			return nil, fmt.Errorf("response contains unknown field %q", k)
		}
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	var facts Facts
	if err := dec.Decode(&facts); err != nil {
		return nil, fmt.Errorf("decoding facts: %w", err)
	}
	if facts.Confidence < 0 || facts.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v out of range", facts.Confidence)
	}
	return &facts, nil
}

// schemaKeys returns the allowed response keys per kind, mirroring the
// prompt's published field list.
func schemaKeys(kind Kind) map[string]bool {
	common := []string{"confidence", "alternate_source_site"}
	var keys []string
	switch kind {
	case KindCLABSI:
		keys = []string{"neutropenia", "mucositis", "stem_cell_transplant", "alternate_source_organism", "line_site_findings"}
	case KindCAUTI:
		keys = []string{"urinary_symptoms", "fever_documented", "clinical_uti_diagnosis"}
	case KindSSI:
		keys = []string{"purulent_drainage", "wound_dehiscence", "surgeon_reopened_wound"}
	case KindVAE:
		keys = []string{"new_antimicrobial_started", "purulent_secretions", "positive_respiratory_culture"}
	case KindCDI:
		keys = []string{"diarrhea_documented", "laxative_use", "prior_cdi_history"}
	}
	out := make(map[string]bool, len(keys)+len(common))
	for _, k := range append(keys, common...) {
		out[k] = true
	}
	return out
}

// extractJSON pulls the first top-level JSON object out of the response,
// tolerating prose or code fences around it.
func extractJSON(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

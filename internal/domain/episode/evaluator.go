package episode

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/aegis/aegis/internal/clinical"
	"github.com/aegis/aegis/internal/domain/bundle"
	"github.com/aegis/aegis/internal/ingest"
)

const (
	evaluatorAttempts   = 3
	evaluatorRetryTotal = 30 * time.Second
)

// Evaluator decides met / not-met / not-applicable for one element of one
// episode. It queries the adapter layer over the element's window ending at
// the deadline or now, whichever is earlier. Numeric thresholds are exact;
// time comparisons use the episode anchor's zone, and the evidence payload
// records when the facility zone had to be assumed.
type Evaluator struct {
	fetcher  ingest.EventFetcher
	patients ingest.PatientFetcher
	facility *time.Location
	log      zerolog.Logger
	newRetry func() backoff.BackOff
}

func NewEvaluator(fetcher ingest.EventFetcher, patients ingest.PatientFetcher, facility *time.Location, log zerolog.Logger) *Evaluator {
	if facility == nil {
		facility = time.UTC
	}
	return &Evaluator{
		fetcher:  fetcher,
		patients: patients,
		facility: facility,
		log:      log.With().Str("component", "evaluator").Logger(),
		newRetry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = evaluatorRetryTotal
			return b
		},
	}
}

// Evaluate returns the element's status and evidence as of now. resolved
// carries the terminal statuses of the episode's other elements for
// dependency predicates. A pending return with a nil error means the window
// is still open and evidence is absent; a pending return with a non-nil
// error means the adapter could not be reached and the caller should re-arm.
func (e *Evaluator) Evaluate(ctx context.Context, ep *Episode, el *bundle.ElementDefinition, resolved map[string]ElementStatus, now time.Time) (ElementStatus, Evidence, error) {
	// Dependency predicate first: it needs no I/O.
	if u := el.Applicability.UnlessElement; u != "" {
		if st, ok := resolved[u]; ok && string(st) == el.Applicability.UnlessStatus {
			return ElementNotApplicable, Evidence{Note: fmt.Sprintf("%s resolved %s", u, st)}, nil
		}
	}

	// Demographic applicability, evaluated at the anchor.
	pc := el.Applicability.PatientCondition
	if pc.MinAgeDays != nil || pc.MaxAgeDays != nil || pc.RiskFactor != "" {
		patient, err := e.fetchPatient(ctx, ep.PatientID)
		if err != nil {
			return ElementPending, Evidence{}, fmt.Errorf("loading patient %s: %w", ep.PatientID, err)
		}
		if !pc.Holds(patient, ep.Anchor) {
			return ElementNotApplicable, Evidence{Note: "applicability predicate false"}, nil
		}
	}

	deadline := ep.Anchor.Add(el.Window.Duration)
	until := deadline
	if now.Before(until) {
		until = now
	}

	events, err := e.fetchEvents(ctx, ep.PatientID, eventKindsFor(el.Kind), ep.Anchor, until)
	if err != nil {
		return ElementPending, Evidence{}, fmt.Errorf("fetching evidence for %s: %w", el.ID, err)
	}

	ev := e.findEvidence(el, events)
	if len(ev.EventIDs) > 0 {
		return ElementMet, ev, nil
	}
	if !now.Before(deadline) {
		ev.Note = "window closed without evidence"
		return ElementNotMet, ev, nil
	}
	return ElementPending, ev, nil
}

func (e *Evaluator) fetchPatient(ctx context.Context, patientID string) (clinical.Patient, error) {
	var p clinical.Patient
	policy := backoff.WithContext(backoff.WithMaxRetries(e.newRetry(), evaluatorAttempts-1), ctx)
	err := backoff.Retry(func() error {
		var ferr error
		p, ferr = e.patients.FetchPatient(ctx, patientID)
		return ferr
	}, policy)
	return p, err
}

func (e *Evaluator) fetchEvents(ctx context.Context, patientID string, kinds []clinical.EventKind, from, to time.Time) ([]clinical.Event, error) {
	var events []clinical.Event
	policy := backoff.WithContext(backoff.WithMaxRetries(e.newRetry(), evaluatorAttempts-1), ctx)
	err := backoff.Retry(func() error {
		var ferr error
		events, ferr = e.fetcher.FetchEvents(ctx, patientID, kinds, from, to)
		return ferr
	}, policy)
	return events, err
}

// eventKindsFor maps element kinds to the event kinds that can satisfy them.
func eventKindsFor(kind bundle.ElementKind) []clinical.EventKind {
	switch kind {
	case bundle.ElementLabCollected:
		return []clinical.EventKind{clinical.KindLabResult}
	case bundle.ElementCultureCollected:
		return []clinical.EventKind{clinical.KindCulture}
	case bundle.ElementMedicationAdmin:
		return []clinical.EventKind{clinical.KindMedicationAdmin}
	case bundle.ElementMedicationOrder:
		return []clinical.EventKind{clinical.KindMedicationOrder}
	case bundle.ElementProcedurePerformed:
		return []clinical.EventKind{clinical.KindProcedure}
	case bundle.ElementNoteDocumented:
		return []clinical.EventKind{clinical.KindNote}
	}
	return nil
}

// findEvidence scans fetched events for ones satisfying the element rule and
// collects their identifiers.
func (e *Evaluator) findEvidence(el *bundle.ElementDefinition, events []clinical.Event) Evidence {
	var ev Evidence
	for _, event := range events {
		if !e.satisfies(el, event) {
			continue
		}
		ev.EventIDs = append(ev.EventIDs, event.ID)
		// Times with no zone information were interpreted in the facility
		// zone; record the assumption.
		if event.Effective.Location() == time.UTC && e.facility != time.UTC {
			ev.ZoneAssumed = true
		}
	}
	return ev
}

func (e *Evaluator) satisfies(el *bundle.ElementDefinition, event clinical.Event) bool {
	switch el.Kind {
	case bundle.ElementLabCollected:
		if event.Lab == nil {
			return false
		}
		return matchesCode(el.Codes, event.Lab.Code)
	case bundle.ElementCultureCollected:
		if event.Culture == nil {
			return false
		}
		return el.SpecimenType == "" || event.Culture.SpecimenType == el.SpecimenType
	case bundle.ElementMedicationAdmin, bundle.ElementMedicationOrder:
		if event.Med == nil {
			return false
		}
		if el.MedClass != "" && event.Med.Class != el.MedClass {
			return false
		}
		if el.MedName != "" && !strings.EqualFold(event.Med.Name, el.MedName) {
			return false
		}
		if el.Parenteral && !event.Med.Parenteral() {
			return false
		}
		return true
	case bundle.ElementProcedurePerformed:
		if event.Procedure == nil {
			return false
		}
		return matchesCode(el.Codes, event.Procedure.Code)
	case bundle.ElementNoteDocumented:
		if event.Note == nil {
			return false
		}
		if el.NotePattern == "" {
			return true
		}
		re, err := regexp.Compile("(?i)" + el.NotePattern)
		if err != nil {
			e.log.Warn().Str("element", el.ID).Str("pattern", el.NotePattern).Msg("invalid note pattern")
			return false
		}
		return re.MatchString(event.Note.Text)
	}
	return false
}

func matchesCode(codes []string, code string) bool {
	if len(codes) == 0 {
		return true
	}
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

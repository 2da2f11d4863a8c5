// Package ingest moves normalized clinical events from external sources into
// the surveillance core. Adapters are described by the capabilities they
// implement rather than by type: polling sources implement EventPoller,
// push sources feed the pump directly, and context lookups (patient
// demographics, targeted event queries) are separate fetch capabilities used
// by the element evaluator and detectors.
package ingest

import (
	"context"
	"time"

	"github.com/aegis/aegis/internal/clinical"
)

// EventPoller fetches events that occurred after the watermark, in event-time
// order. Sources deliver at least once; consumers dedupe on Event.Identity.
type EventPoller interface {
	Name() string
	PollEvents(ctx context.Context, since time.Time) ([]clinical.Event, error)
}

// EncounterFetcher lists encounters touched since the given time.
type EncounterFetcher interface {
	FetchEncounters(ctx context.Context, since time.Time) ([]clinical.Encounter, error)
}

// EventFetcher queries events for one patient by kind and window. The element
// evaluator and HAI detectors use this for targeted evidence lookups.
type EventFetcher interface {
	FetchEvents(ctx context.Context, patientID string, kinds []clinical.EventKind, from, to time.Time) ([]clinical.Event, error)
}

// PatientFetcher loads patient demographic context.
type PatientFetcher interface {
	FetchPatient(ctx context.Context, patientID string) (clinical.Patient, error)
}

// WatermarkStore persists the latest processed event time per
// (source, entity kind, tenant) so polling survives restarts.
type WatermarkStore interface {
	Get(ctx context.Context, source, entityKind, tenant string) (time.Time, error)
	Set(ctx context.Context, source, entityKind, tenant string, watermark time.Time) error
}

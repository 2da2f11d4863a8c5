package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aegis/aegis/internal/clinical"
)

// MemoryAdapter implements every capability in memory. It backs tests and
// the memory ingress profile used for demos.
type MemoryAdapter struct {
	mu         sync.RWMutex
	name       string
	patients   map[string]clinical.Patient
	encounters map[string]clinical.Encounter
	events     []clinical.Event
	delivered  map[string]bool // identity -> polled already
}

func NewMemoryAdapter(name string) *MemoryAdapter {
	if name == "" {
		name = "memory"
	}
	return &MemoryAdapter{
		name:       name,
		patients:   make(map[string]clinical.Patient),
		encounters: make(map[string]clinical.Encounter),
		delivered:  make(map[string]bool),
	}
}

func (m *MemoryAdapter) Name() string { return m.name }

// AddPatient registers demographic context.
func (m *MemoryAdapter) AddPatient(p clinical.Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.Ref.ID] = p
}

// AddEncounter registers an encounter.
func (m *MemoryAdapter) AddEncounter(e clinical.Encounter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.encounters[e.ID] = e
}

// AddEvent appends an event to the adapter's stream.
func (m *MemoryAdapter) AddEvent(ev clinical.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *MemoryAdapter) PollEvents(_ context.Context, since time.Time) ([]clinical.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []clinical.Event
	for _, ev := range m.events {
		if !ev.Effective.After(since) || m.delivered[ev.Identity()] {
			continue
		}
		m.delivered[ev.Identity()] = true
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Effective.Before(out[j].Effective) })
	return out, nil
}

func (m *MemoryAdapter) FetchEncounters(_ context.Context, since time.Time) ([]clinical.Encounter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []clinical.Encounter
	for _, e := range m.encounters {
		if e.Admitted.After(since) || (e.Discharged != nil && e.Discharged.After(since)) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Admitted.Before(out[j].Admitted) })
	return out, nil
}

func (m *MemoryAdapter) FetchEvents(_ context.Context, patientID string, kinds []clinical.EventKind, from, to time.Time) ([]clinical.Event, error) {
	want := make(map[clinical.EventKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []clinical.Event
	for _, ev := range m.events {
		if ev.Patient.ID != patientID {
			continue
		}
		if len(want) > 0 && !want[ev.Kind] {
			continue
		}
		if ev.Effective.Before(from) || ev.Effective.After(to) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Effective.Before(out[j].Effective) })
	return out, nil
}

func (m *MemoryAdapter) FetchPatient(_ context.Context, patientID string) (clinical.Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[patientID]
	if !ok {
		return clinical.Patient{}, fmt.Errorf("patient %s not found", patientID)
	}
	return p, nil
}

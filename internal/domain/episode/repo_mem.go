package episode

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemRepo is the in-memory Repository used by tests.
type MemRepo struct {
	mu       sync.RWMutex
	nextID   int64
	episodes map[int64]*Episode
	elements map[int64][]*ElementResult
}

func NewMemRepo() *MemRepo {
	return &MemRepo{
		episodes: make(map[int64]*Episode),
		elements: make(map[int64][]*ElementResult),
	}
}

func (m *MemRepo) Create(_ context.Context, ep *Episode, elementIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.episodes {
		if e.PatientID == ep.PatientID && e.BundleID == ep.BundleID && !e.Terminal {
			return ErrOpenEpisode
		}
	}
	m.nextID++
	ep.ID = m.nextID
	if ep.EpisodeID == "" {
		ep.EpisodeID = uuid.New().String()
	}
	ep.CreatedAt = time.Now()
	cp := *ep
	m.episodes[ep.ID] = &cp
	for _, elID := range elementIDs {
		m.elements[ep.ID] = append(m.elements[ep.ID], &ElementResult{
			EpisodeFK: ep.ID, ElementID: elID, Status: ElementPending,
		})
	}
	return nil
}

func (m *MemRepo) GetByEpisodeID(_ context.Context, episodeID string) (*Episode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.episodes {
		if e.EpisodeID == episodeID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemRepo) GetOpen(_ context.Context, patientID, bundleID string) (*Episode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.episodes {
		if e.PatientID == patientID && e.BundleID == bundleID && !e.Terminal {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemRepo) LastClosed(_ context.Context, patientID, bundleID string) (*Episode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *Episode
	for _, e := range m.episodes {
		if e.PatientID != patientID || e.BundleID != bundleID || !e.Terminal || e.ClosedAt == nil {
			continue
		}
		if best == nil || e.ClosedAt.After(*best.ClosedAt) {
			best = e
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *MemRepo) ListOpenByPatient(_ context.Context, patientID string) ([]*Episode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Episode
	for _, e := range m.episodes {
		if e.PatientID == patientID && !e.Terminal {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Anchor.Before(out[j].Anchor) })
	return out, nil
}

func (m *MemRepo) Close(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.episodes[id]
	if !ok {
		return ErrNotFound
	}
	if !e.Terminal {
		e.Terminal = true
		e.ClosedAt = &at
	}
	return nil
}

func (m *MemRepo) Elements(_ context.Context, episodeFK int64) ([]*ElementResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ElementResult
	for _, er := range m.elements[episodeFK] {
		cp := *er
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemRepo) ResolveElement(_ context.Context, episodeFK int64, elementID string, status ElementStatus, evidence json.RawMessage, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, er := range m.elements[episodeFK] {
		if er.ElementID != elementID {
			continue
		}
		if er.Status != ElementPending {
			return false, nil
		}
		er.Status = status
		er.Evidence = evidence
		t := at
		er.DecidedAt = &t
		return true, nil
	}
	return false, ErrNotFound
}

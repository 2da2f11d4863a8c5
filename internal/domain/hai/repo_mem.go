package hai

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemRepo is the in-memory Repository used by tests.
type MemRepo struct {
	mu              sync.RWMutex
	nextID          int64
	candidates      map[int64]*Candidate
	extractions     map[int64][]*Extraction
	classifications map[int64][]*Classification
	reviews         map[int64][]*Review
	discrepancies   []*Discrepancy
}

func NewMemRepo() *MemRepo {
	return &MemRepo{
		candidates:      make(map[int64]*Candidate),
		extractions:     make(map[int64][]*Extraction),
		classifications: make(map[int64][]*Classification),
		reviews:         make(map[int64][]*Review),
	}
}

func (m *MemRepo) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemRepo) CreateCandidate(_ context.Context, c *Candidate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.candidates {
		if cur.Kind == c.Kind && cur.TriggerKey == c.TriggerKey {
			return false, nil
		}
	}
	if c.CandidateID == "" {
		c.CandidateID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = StatusScreened
	}
	c.ID = m.id()
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	cp := *c
	m.candidates[c.ID] = &cp
	return true, nil
}

func (m *MemRepo) GetCandidate(_ context.Context, candidateID string) (*Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.candidates {
		if c.CandidateID == candidateID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemRepo) UpdateCandidateStatus(_ context.Context, id int64, from, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.candidates[id]
	if !ok {
		return false, ErrNotFound
	}
	if c.Status != from {
		return false, nil
	}
	c.Status = to
	c.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemRepo) ListCandidates(_ context.Context, f CandidateFilter, limit, offset int) ([]*Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Candidate
	for _, c := range m.candidates {
		if f.Kind != "" && c.Kind != f.Kind {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.PatientID != "" && c.PatientID != f.PatientID {
			continue
		}
		if f.Since != nil && c.CreatedAt.Before(*f.Since) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemRepo) AddExtraction(_ context.Context, x *Extraction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	x.ID = m.id()
	x.CreatedAt = time.Now()
	cp := *x
	m.extractions[x.CandidateFK] = append(m.extractions[x.CandidateFK], &cp)
	return nil
}

func (m *MemRepo) ListExtractions(_ context.Context, candidateFK int64) ([]*Extraction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Extraction
	for _, x := range m.extractions[candidateFK] {
		cp := *x
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemRepo) AddClassification(_ context.Context, cl *Classification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, prev := range m.classifications[cl.CandidateFK] {
		prev.Superseded = true
	}
	cl.ID = m.id()
	cl.CreatedAt = time.Now()
	cp := *cl
	m.classifications[cl.CandidateFK] = append(m.classifications[cl.CandidateFK], &cp)
	return nil
}

func (m *MemRepo) LatestClassification(_ context.Context, candidateFK int64) (*Classification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.classifications[candidateFK]
	for i := len(list) - 1; i >= 0; i-- {
		if !list[i].Superseded {
			cp := *list[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemRepo) OpenReview(_ context.Context, r *Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.QueueKind == "" {
		r.QueueKind = "hai"
	}
	r.ID = m.id()
	r.OpenedAt = time.Now()
	cp := *r
	m.reviews[r.CandidateFK] = append(m.reviews[r.CandidateFK], &cp)
	return nil
}

func (m *MemRepo) GetOpenReview(_ context.Context, candidateFK int64) (*Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.reviews[candidateFK]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].ClosedAt == nil {
			cp := *list[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemRepo) CloseReview(_ context.Context, reviewID int64, reviewer string, decision Decision, isOverride bool, overrideReason *string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, list := range m.reviews {
		for _, r := range list {
			if r.ID != reviewID {
				continue
			}
			if r.ClosedAt != nil {
				return false, nil
			}
			d := string(decision)
			r.Reviewer = &reviewer
			r.Decision = &d
			r.IsOverride = isOverride
			r.OverrideReason = overrideReason
			t := at
			r.ClosedAt = &t
			return true, nil
		}
	}
	return false, ErrNotFound
}

func (m *MemRepo) AddDiscrepancy(_ context.Context, d *Discrepancy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = m.id()
	d.CreatedAt = time.Now()
	cp := *d
	m.discrepancies = append(m.discrepancies, &cp)
	return nil
}

func (m *MemRepo) ConfirmedCandidates(_ context.Context, from, to time.Time) ([]*Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Candidate
	for _, c := range m.candidates {
		if c.CreatedAt.Before(from) || !c.CreatedAt.Before(to) {
			continue
		}
		for _, r := range m.reviews[c.ID] {
			if r.ClosedAt != nil && r.Decision != nil && *r.Decision == string(DecisionConfirmed) {
				cp := *c
				out = append(out, &cp)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemRepo) ListDiscrepancies(_ context.Context, since time.Time) ([]*Discrepancy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Discrepancy
	for _, d := range m.discrepancies {
		if d.CreatedAt.Before(since) {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

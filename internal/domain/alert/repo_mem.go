package alert

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemRepo is a thread-safe in-memory Repository, used by tests and by the
// memory ingress profile.
type MemRepo struct {
	mu         sync.RWMutex
	nextID     int64
	alerts     map[int64]*Alert
	audit      []*AuditRow
	deliveries []*DeliveryRow
}

// NewMemRepo creates an empty in-memory repository.
func NewMemRepo() *MemRepo {
	return &MemRepo{alerts: make(map[int64]*Alert)}
}

func (m *MemRepo) Create(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	a.ID = m.nextID
	if a.AlertID == "" {
		a.AlertID = uuid.New().String()
	}
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	cp := *a
	m.alerts[a.ID] = &cp
	return nil
}

func (m *MemRepo) GetByID(_ context.Context, id int64) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemRepo) GetByAlertID(_ context.Context, alertID string) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.alerts {
		if a.AlertID == alertID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemRepo) GetActive(_ context.Context, kind, sourceKey string) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.alerts {
		if a.Kind == kind && a.SourceKey == sourceKey && a.Status != StatusResolved {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemRepo) UpdateContent(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.alerts[a.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Severity = a.Severity
	cur.PatientID = a.PatientID
	cur.Summary = a.Summary
	cur.Detail = a.Detail
	cur.UpdatedAt = time.Now()
	return nil
}

func (m *MemRepo) UpdateStatus(_ context.Context, id int64, from, to Status, snoozeUntil *time.Time, resolutionReason *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.alerts[id]
	if !ok {
		return false, ErrNotFound
	}
	if cur.Status != from {
		return false, nil
	}
	cur.Status = to
	cur.SnoozeUntil = snoozeUntil
	if resolutionReason != nil {
		cur.ResolutionReason = resolutionReason
	}
	cur.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemRepo) DueSnoozed(_ context.Context, now time.Time) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Alert
	for _, a := range m.alerts {
		if a.Status == StatusSnoozed && a.SnoozeUntil != nil && !a.SnoozeUntil.After(now) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SnoozeUntil.Before(*out[j].SnoozeUntil) })
	return out, nil
}

func (m *MemRepo) Query(_ context.Context, f Filter, limit, offset int) ([]*Alert, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var filtered []*Alert
	for _, a := range m.alerts {
		if f.Kind != "" && a.Kind != f.Kind {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.PatientID != "" && a.PatientID != f.PatientID {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if f.Since != nil && a.CreatedAt.Before(*f.Since) {
			continue
		}
		cp := *a
		filtered = append(filtered, &cp)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].CreatedAt.After(filtered[j].CreatedAt) })
	total := len(filtered)
	if offset >= total {
		return []*Alert{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

func (m *MemRepo) AddAudit(_ context.Context, row *AuditRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row.ID = int64(len(m.audit) + 1)
	row.CreatedAt = time.Now()
	cp := *row
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *MemRepo) ListAudit(_ context.Context, alertFK int64) ([]*AuditRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AuditRow
	for _, r := range m.audit {
		if r.AlertFK == alertFK {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemRepo) AddDelivery(_ context.Context, row *DeliveryRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row.ID = int64(len(m.deliveries) + 1)
	row.CreatedAt = time.Now()
	cp := *row
	m.deliveries = append(m.deliveries, &cp)
	return nil
}

func (m *MemRepo) ListDeliveries(_ context.Context, alertFK int64) ([]*DeliveryRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*DeliveryRow
	for _, d := range m.deliveries {
		if d.AlertFK == alertFK {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

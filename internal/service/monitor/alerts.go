package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	domain "github.com/tutorgate/platform-trust-core/internal/domain/audit"
	"github.com/tutorgate/platform-trust-core/internal/domain/errors"
)

// dedupWindow suppresses re-raising a rule while it has an unacknowledged
// alert younger than this.
const dedupWindow = 30 * time.Minute

// Alert is one fired threat rule instance. Acknowledgement is the only
// mutation after creation.
type Alert struct {
	ID             uuid.UUID       `json:"id"`
	Rule           string          `json:"rule"`
	Severity       domain.Severity `json:"severity"`
	Message        string          `json:"message"`
	SourceIP       string          `json:"source_ip,omitempty"`
	EventCount     int             `json:"event_count"`
	CreatedAt      time.Time       `json:"created_at"`
	Acknowledged   bool            `json:"acknowledged"`
	AcknowledgedBy string          `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
}

// alertStore owns the alert collection.
type alertStore struct {
	mu     sync.RWMutex
	alerts map[uuid.UUID]*Alert
}

func newAlertStore() *alertStore {
	return &alertStore{alerts: make(map[uuid.UUID]*Alert)}
}

// shouldSuppress applies the dedup rule: no new alert for a rule while an
// unacknowledged one for it is younger than the dedup window.
func (s *alertStore) shouldSuppress(rule string, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.alerts {
		if a.Rule == rule && !a.Acknowledged && now.Sub(a.CreatedAt) < dedupWindow {
			return true
		}
	}
	return false
}

func (s *alertStore) add(a *Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.ID] = a
}

// acknowledge marks an alert handled. Acknowledging twice is an error so
// operators notice racing acks.
func (s *alertStore) acknowledge(id uuid.UUID, user string) (*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, errors.NewNotFoundError("alert")
	}
	if a.Acknowledged {
		return nil, errors.NewBusinessError("ALERT_ALREADY_ACKNOWLEDGED", "alert is already acknowledged")
	}
	now := time.Now().UTC()
	a.Acknowledged = true
	a.AcknowledgedBy = user
	a.AcknowledgedAt = &now
	return a, nil
}

// recent returns alerts created after cutoff, newest first.
func (s *alertStore) recent(cutoff time.Time) []*Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Alert
	for _, a := range s.alerts {
		if a.CreatedAt.After(cutoff) {
			copied := *a
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// unacknowledgedCounts tallies open alerts by severity.
func (s *alertStore) unacknowledgedCounts() map[domain.Severity]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[domain.Severity]int)
	for _, a := range s.alerts {
		if !a.Acknowledged {
			counts[a.Severity]++
		}
	}
	return counts
}

// purge drops alerts older than cutoff and returns how many were removed.
func (s *alertStore) purge(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, a := range s.alerts {
		if a.CreatedAt.Before(cutoff) {
			delete(s.alerts, id)
			removed++
		}
	}
	return removed
}

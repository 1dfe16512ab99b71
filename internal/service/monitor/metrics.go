package monitor

import (
	"context"
	"sync"
	"time"

	domain "github.com/tutorgate/platform-trust-core/internal/domain/audit"
	"github.com/tutorgate/platform-trust-core/internal/service/audit"
)

// MetricType names one tracked security metric.
type MetricType string

const (
	MetricAuthAttempts        MetricType = "auth_attempts"
	MetricFailedLogins        MetricType = "failed_logins"
	MetricRateLimitViolations MetricType = "rate_limit_violations"
	MetricAPIErrors           MetricType = "api_errors"
	MetricSuspiciousActivity  MetricType = "suspicious_activities"
)

// Trend is the direction of a metric against its previous sample.
type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
)

// trendThreshold is the relative change needed to leave "stable".
const trendThreshold = 0.10

// Sample is one sampled value of a metric: a rolling 24h event count.
type Sample struct {
	Type      MetricType `json:"type"`
	Count     int        `json:"count"`
	Trend     Trend      `json:"trend"`
	Timestamp time.Time  `json:"timestamp"`
}

// metricEventTypes maps each metric to the audit event types it counts.
var metricEventTypes = map[MetricType][]domain.EventType{
	MetricAuthAttempts: {
		domain.EventLoginSuccess, domain.EventLoginFailure, domain.EventMFAChallenge,
	},
	MetricFailedLogins: {
		domain.EventLoginFailure, domain.EventMFAFailed,
	},
	MetricRateLimitViolations: {
		domain.EventRateLimitExceeded,
	},
	MetricAPIErrors: {
		domain.EventStoreFailure, domain.EventBreakerOpened, domain.EventCSRFFailed,
	},
	MetricSuspiciousActivity: {
		domain.EventSuspiciousActivity, domain.EventInjectionAttempt, domain.EventXSSAttempt,
	},
}

// maxSampleHistory bounds per-metric retained samples (24h at a 30s cadence).
const maxSampleHistory = 2880

// metricSampler computes rolling 24h counts from the audit log and keeps a
// bounded per-metric history for trend computation.
type metricSampler struct {
	audit *audit.Logger

	mu      sync.RWMutex
	history map[MetricType][]Sample
}

func newMetricSampler(auditLog *audit.Logger) *metricSampler {
	return &metricSampler{
		audit:   auditLog,
		history: make(map[MetricType][]Sample),
	}
}

// sampleAll takes one sample per metric. Query failures skip that metric for
// this round; the sampler never aborts the whole pass.
func (m *metricSampler) sampleAll(ctx context.Context) []error {
	now := time.Now().UTC()
	var errs []error
	for metric, types := range metricEventTypes {
		events, err := m.audit.Query(ctx, audit.Filter{
			From:  now.Add(-24 * time.Hour),
			To:    now,
			Types: types,
			Limit: maxSampleHistory * 10,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		m.record(metric, len(events), now)
	}
	return errs
}

func (m *metricSampler) record(metric MetricType, count int, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	trend := TrendStable
	if history := m.history[metric]; len(history) > 0 {
		prev := history[len(history)-1].Count
		switch {
		case prev == 0 && count > 0:
			trend = TrendUp
		case prev > 0:
			change := float64(count-prev) / float64(prev)
			if change > trendThreshold {
				trend = TrendUp
			} else if change < -trendThreshold {
				trend = TrendDown
			}
		}
	}

	samples := append(m.history[metric], Sample{
		Type: metric, Count: count, Trend: trend, Timestamp: ts,
	})
	if len(samples) > maxSampleHistory {
		samples = samples[len(samples)-maxSampleHistory:]
	}
	m.history[metric] = samples
}

// latest returns the newest sample per metric.
func (m *metricSampler) latest() map[MetricType]Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[MetricType]Sample, len(m.history))
	for metric, samples := range m.history {
		if len(samples) > 0 {
			out[metric] = samples[len(samples)-1]
		}
	}
	return out
}

// purge drops samples older than cutoff.
func (m *metricSampler) purge(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for metric, samples := range m.history {
		kept := samples[:0]
		for _, s := range samples {
			if s.Timestamp.After(cutoff) {
				kept = append(kept, s)
			} else {
				removed++
			}
		}
		m.history[metric] = kept
	}
	return removed
}

package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	domain "github.com/tutorgate/platform-trust-core/internal/domain/audit"
	"github.com/tutorgate/platform-trust-core/internal/service/audit"
	"github.com/tutorgate/platform-trust-core/internal/service/breaker"
)

// RiskLevel summarizes how worried an operator should be right now.
type RiskLevel string

const (
	RiskNormal   RiskLevel = "normal"
	RiskElevated RiskLevel = "elevated"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ComplianceScores are the weighted posture sub-scores, each 0–100.
type ComplianceScores struct {
	Total           int `json:"total"`
	Authentication  int `json:"authentication"`
	RateLimiting    int `json:"rate_limiting"`
	InputValidation int `json:"input_validation"`
	AuditLogging    int `json:"audit_logging"`
	SecureEndpoints int `json:"secure_endpoints"`
}

// Dashboard is the operator-facing snapshot assembled on demand.
type Dashboard struct {
	GeneratedAt    time.Time                       `json:"generated_at"`
	WindowHours    int                             `json:"window_hours"`
	OverallScore   int                             `json:"overall_score"`
	RiskLevel      RiskLevel                       `json:"risk_level"`
	Metrics        map[MetricType]Sample           `json:"metrics"`
	RecentAlerts   []*Alert                        `json:"recent_alerts"`
	EventHistogram map[string]int                  `json:"event_histogram"`
	Compliance     ComplianceScores                `json:"compliance"`
	BlockedIPs     []string                        `json:"blocked_ips"`
	Dependencies   map[string]breaker.HealthStatus `json:"dependencies,omitempty"`
}

// severity penalties against the overall score, per unacknowledged alert.
var severityPenalty = map[domain.Severity]int{
	domain.SeverityCritical: 20,
	domain.SeverityHigh:     10,
	domain.SeverityMedium:   5,
	domain.SeverityLow:      2,
}

// Dashboard assembles the snapshot for the last hoursBack hours. A failing
// histogram query degrades to an empty histogram rather than failing the
// whole dashboard.
func (m *Monitor) Dashboard(ctx context.Context, hoursBack int) *Dashboard {
	if hoursBack <= 0 || hoursBack > 24*7 {
		hoursBack = 24
	}
	now := time.Now().UTC()
	cutoff := now.Add(-time.Duration(hoursBack) * time.Hour)

	open := m.alerts.unacknowledgedCounts()

	d := &Dashboard{
		GeneratedAt:    now,
		WindowHours:    hoursBack,
		OverallScore:   overallScore(open),
		RiskLevel:      riskLevel(open),
		Metrics:        m.sampler.latest(),
		RecentAlerts:   m.alerts.recent(cutoff),
		EventHistogram: m.eventHistogram(ctx, cutoff, now),
		Compliance:     m.complianceScores(open),
		BlockedIPs:     m.blocks.Blocked(),
	}
	if m.breakers != nil {
		d.Dependencies = m.breakers.Health()
	}
	return d
}

func overallScore(open map[domain.Severity]int) int {
	score := 100
	for sev, count := range open {
		score -= severityPenalty[sev] * count
	}
	if score < 0 {
		score = 0
	}
	return score
}

func riskLevel(open map[domain.Severity]int) RiskLevel {
	switch {
	case open[domain.SeverityCritical] > 0:
		return RiskCritical
	case open[domain.SeverityHigh] >= 3:
		return RiskHigh
	case open[domain.SeverityHigh] > 0 || open[domain.SeverityMedium] >= 5:
		return RiskElevated
	default:
		return RiskNormal
	}
}

func (m *Monitor) eventHistogram(ctx context.Context, from, to time.Time) map[string]int {
	histogram := make(map[string]int)
	events, err := m.audit.Query(ctx, audit.Filter{From: from, To: to, Limit: 10000})
	if err != nil {
		m.logger.Warn("dashboard histogram query failed", zap.Error(err))
		return histogram
	}
	for _, e := range events {
		histogram[string(e.Type)]++
	}
	return histogram
}

// complianceScores blends the static auditor's coverage with live alert
// state. Without a scan the coverage components assume full marks so a
// missing optional auditor never tanks the score.
func (m *Monitor) complianceScores(open map[domain.Severity]int) ComplianceScores {
	auth, validation, rateLimit, auditCov, secure := 1.0, 1.0, 1.0, 1.0, 1.0
	if m.auditor != nil {
		if report := m.auditor.LatestReport(); report != nil && len(report.Endpoints) > 0 {
			auth = report.Coverage.Auth
			validation = report.Coverage.Validation
			rateLimit = report.Coverage.RateLimit
			auditCov = report.Coverage.Audit
			secure = report.Coverage.Secure
		}
	}

	// Open high-severity alerts drag the live components down.
	alertFactor := 1.0
	if open[domain.SeverityCritical] > 0 {
		alertFactor = 0.5
	} else if open[domain.SeverityHigh] > 0 {
		alertFactor = 0.8
	}

	scores := ComplianceScores{
		Authentication:  int(auth * alertFactor * 100),
		RateLimiting:    int(rateLimit * alertFactor * 100),
		InputValidation: int(validation * 100),
		AuditLogging:    int(auditCov * 100),
		SecureEndpoints: int(secure * 100),
	}
	scores.Total = (scores.Authentication*25 + scores.RateLimiting*20 +
		scores.InputValidation*25 + scores.AuditLogging*15 + scores.SecureEndpoints*15) / 100
	return scores
}

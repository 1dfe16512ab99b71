package monitor

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	domain "github.com/tutorgate/platform-trust-core/internal/domain/audit"
	"github.com/tutorgate/platform-trust-core/internal/service/audit"
)

func newTestMonitor(t *testing.T) (*Monitor, *audit.Logger) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	auditLog, err := audit.NewLogger(audit.LoggerConfig{
		Dir:    t.TempDir(),
		Secret: []byte("monitor-test-secret"),
	}, logger)
	require.NoError(t, err)
	return New(Config{}, auditLog, logger), auditLog
}

func logFailures(t *testing.T, auditLog *audit.Logger, eventType domain.EventType, ip string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := auditLog.Log(context.Background(), audit.Entry{
			Type:        eventType,
			Result:      domain.ResultFailure,
			Request:     domain.Request{IPAddress: ip},
			Description: "login failed for test account",
		})
		require.NoError(t, err)
	}
}

func TestBruteForceDetection(t *testing.T) {
	m, auditLog := newTestMonitor(t)
	ctx := context.Background()

	logFailures(t, auditLog, domain.EventLoginFailure, "203.0.113.5", 5)
	m.RunThreatAnalysis(ctx)

	alerts := m.alerts.recent(time.Now().Add(-time.Hour))
	require.Len(t, alerts, 1)
	assert.Equal(t, "brute_force_login", alerts[0].Rule)
	assert.Equal(t, "203.0.113.5", alerts[0].SourceIP)
	assert.Equal(t, domain.SeverityHigh, alerts[0].Severity)

	// block_ip is among the rule's actions
	assert.True(t, m.BlockList().IsBlocked("203.0.113.5"))

	var rule ThreatRule
	for _, r := range DefaultThreatRules() {
		if r.Name == "brute_force_login" {
			rule = r
		}
	}
	assert.Contains(t, rule.Actions, ActionBlockIP)
}

func TestBelowThresholdNoAlert(t *testing.T) {
	m, auditLog := newTestMonitor(t)

	logFailures(t, auditLog, domain.EventLoginFailure, "203.0.113.9", 4)
	m.RunThreatAnalysis(context.Background())

	assert.Empty(t, m.alerts.recent(time.Now().Add(-time.Hour)))
	assert.False(t, m.BlockList().IsBlocked("203.0.113.9"))
}

func TestAlertDeduplication(t *testing.T) {
	m, auditLog := newTestMonitor(t)
	ctx := context.Background()

	logFailures(t, auditLog, domain.EventLoginFailure, "203.0.113.5", 6)
	m.RunThreatAnalysis(ctx)
	m.RunThreatAnalysis(ctx)

	alerts := m.alerts.recent(time.Now().Add(-time.Hour))
	assert.Len(t, alerts, 1, "unacknowledged alert within the window suppresses re-raising")
}

func TestAcknowledgedAlertAllowsNewOne(t *testing.T) {
	m, auditLog := newTestMonitor(t)
	ctx := context.Background()

	logFailures(t, auditLog, domain.EventLoginFailure, "203.0.113.5", 6)
	m.RunThreatAnalysis(ctx)

	alerts := m.alerts.recent(time.Now().Add(-time.Hour))
	require.Len(t, alerts, 1)
	_, err := m.AcknowledgeAlert(ctx, alerts[0].ID, "admin-1")
	require.NoError(t, err)

	m.RunThreatAnalysis(ctx)
	assert.Len(t, m.alerts.recent(time.Now().Add(-time.Hour)), 2)
}

func TestZeroToleranceFiresOnNotify(t *testing.T) {
	m, _ := newTestMonitor(t)

	event, err := domain.NewEvent(domain.EventInjectionAttempt, "payload matched injection signature")
	require.NoError(t, err)
	event.Request.IPAddress = "198.51.100.7"
	m.Notify(event)

	alerts := m.alerts.recent(time.Now().Add(-time.Hour))
	require.Len(t, alerts, 1)
	assert.Equal(t, "sql_injection_attempt", alerts[0].Rule)
	assert.Equal(t, domain.SeverityCritical, alerts[0].Severity)

	// block_ip is permanent for injection
	assert.True(t, m.BlockList().IsBlocked("198.51.100.7"))
}

func TestRulePatternMatchesEventText(t *testing.T) {
	m, auditLog := newTestMonitor(t)
	m.WithRules([]ThreatRule{{
		Name:      "admin_path_probing",
		Pattern:   regexp.MustCompile(`(?i)/wp-admin|/\.env`),
		Threshold: 2,
		Window:    10 * time.Minute,
		Severity:  domain.SeverityMedium,
		Actions:   []ActionType{ActionLogIncident},
	}})
	ctx := context.Background()

	for _, path := range []string{"/wp-admin/setup.php", "/.env", "/api/forms/contact"} {
		_, err := auditLog.Log(ctx, audit.Entry{
			Type:        domain.EventAccessDenied,
			Result:      domain.ResultBlocked,
			Request:     domain.Request{IPAddress: "192.0.2.40", Path: path},
			Description: "request to unmapped path",
		})
		require.NoError(t, err)
	}
	m.RunThreatAnalysis(ctx)

	alerts := m.alerts.recent(time.Now().Add(-time.Hour))
	require.Len(t, alerts, 1)
	assert.Equal(t, "admin_path_probing", alerts[0].Rule)
	assert.Equal(t, 2, alerts[0].EventCount, "the non-matching path must not count")
}

func TestRulePredicate(t *testing.T) {
	m, _ := newTestMonitor(t)
	m.WithRules([]ThreatRule{{
		Name: "blocked_result_only",
		Predicate: func(e *domain.Event) bool {
			return e.Result == domain.ResultBlocked
		},
		Threshold: 1,
		Severity:  domain.SeverityMedium,
		Actions:   []ActionType{ActionLogIncident},
	}})

	allowed, err := domain.NewEvent(domain.EventDataExport, "scheduled export")
	require.NoError(t, err)
	m.Notify(allowed)
	assert.Empty(t, m.alerts.recent(time.Now().Add(-time.Hour)))

	blocked, err := domain.NewEvent(domain.EventDataExport, "export denied")
	require.NoError(t, err)
	blocked.Result = domain.ResultBlocked
	m.Notify(blocked)
	assert.Len(t, m.alerts.recent(time.Now().Add(-time.Hour)), 1)
}

func TestAcknowledgeAlert(t *testing.T) {
	m, _ := newTestMonitor(t)
	ctx := context.Background()

	event, err := domain.NewEvent(domain.EventXSSAttempt, "script tag in form input")
	require.NoError(t, err)
	event.Request.IPAddress = "198.51.100.8"
	m.Notify(event)

	alerts := m.alerts.recent(time.Now().Add(-time.Hour))
	require.Len(t, alerts, 1)

	acked, err := m.AcknowledgeAlert(ctx, alerts[0].ID, "admin-2")
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)
	assert.Equal(t, "admin-2", acked.AcknowledgedBy)
	require.NotNil(t, acked.AcknowledgedAt)

	_, err = m.AcknowledgeAlert(ctx, alerts[0].ID, "admin-2")
	require.Error(t, err, "double acknowledgement is rejected")

	_, err = m.AcknowledgeAlert(ctx, uuid.New(), "admin-2")
	require.Error(t, err, "unknown alert id is rejected")
}

func TestResponseActionFailureIsolation(t *testing.T) {
	m, _ := newTestMonitor(t)
	m.WithNotifier(failingNotifier{})

	event, err := domain.NewEvent(domain.EventInjectionAttempt, "payload matched injection signature")
	require.NoError(t, err)
	event.Request.IPAddress = "198.51.100.9"
	m.Notify(event)

	// notify_admin failed, but block_ip and log_incident still ran.
	assert.True(t, m.BlockList().IsBlocked("198.51.100.9"))
	assert.Len(t, m.alerts.recent(time.Now().Add(-time.Hour)), 1)
}

type failingNotifier struct{}

func (failingNotifier) NotifyAdmin(context.Context, string, string) error {
	return assert.AnError
}

func TestMetricsSampling(t *testing.T) {
	m, auditLog := newTestMonitor(t)
	ctx := context.Background()

	logFailures(t, auditLog, domain.EventLoginFailure, "203.0.113.5", 3)
	m.RunMetricsSample(ctx)

	latest := m.sampler.latest()
	require.Contains(t, latest, MetricFailedLogins)
	assert.Equal(t, 3, latest[MetricFailedLogins].Count)
	assert.Equal(t, TrendStable, latest[MetricFailedLogins].Trend, "first sample has no baseline")

	logFailures(t, auditLog, domain.EventLoginFailure, "203.0.113.5", 3)
	m.RunMetricsSample(ctx)
	assert.Equal(t, TrendUp, m.sampler.latest()[MetricFailedLogins].Trend)
}

func TestDashboardScoreAndRisk(t *testing.T) {
	m, _ := newTestMonitor(t)
	ctx := context.Background()

	d := m.Dashboard(ctx, 24)
	assert.Equal(t, 100, d.OverallScore)
	assert.Equal(t, RiskNormal, d.RiskLevel)
	assert.Equal(t, 100, d.Compliance.Total, "no auditor report assumes full coverage")

	event, err := domain.NewEvent(domain.EventInjectionAttempt, "payload matched injection signature")
	require.NoError(t, err)
	event.Request.IPAddress = "198.51.100.10"
	m.Notify(event)

	d = m.Dashboard(ctx, 24)
	assert.Equal(t, 80, d.OverallScore, "one unacknowledged critical alert costs 20")
	assert.Equal(t, RiskCritical, d.RiskLevel)
	assert.Contains(t, d.BlockedIPs, "198.51.100.10")
	require.Len(t, d.RecentAlerts, 1)
	assert.Less(t, d.Compliance.Authentication, 100)
}

func TestDashboardHistogram(t *testing.T) {
	m, auditLog := newTestMonitor(t)
	ctx := context.Background()

	logFailures(t, auditLog, domain.EventLoginFailure, "203.0.113.5", 2)
	_, err := auditLog.Log(ctx, audit.Entry{
		Type:        domain.EventFormSubmitted,
		Result:      domain.ResultSuccess,
		Description: "contact form submitted",
	})
	require.NoError(t, err)

	d := m.Dashboard(ctx, 24)
	assert.Equal(t, 2, d.EventHistogram[string(domain.EventLoginFailure)])
	assert.Equal(t, 1, d.EventHistogram[string(domain.EventFormSubmitted)])
}

func TestCleanupPurges(t *testing.T) {
	m, _ := newTestMonitor(t)

	// Backdate an acknowledged alert past retention.
	old := &Alert{
		ID:        uuid.New(),
		Rule:      "brute_force_login",
		Severity:  domain.SeverityHigh,
		CreatedAt: time.Now().Add(-8 * 24 * time.Hour),
	}
	m.alerts.add(old)
	m.RunCleanup()

	assert.Empty(t, m.alerts.recent(time.Now().Add(-30*24*time.Hour)))
}

func TestBlockListLifecycle(t *testing.T) {
	b := NewBlockList()

	assert.False(t, b.IsBlocked("10.0.0.1"))
	assert.True(t, b.Block("10.0.0.1", "test"))
	assert.True(t, b.IsBlocked("10.0.0.1"))
	assert.False(t, b.Block("10.0.0.1", "test"), "re-blocking is a no-op")

	assert.True(t, b.BlockTemporary("10.0.0.2", "test", 20*time.Millisecond))
	assert.True(t, b.IsBlocked("10.0.0.2"))
	time.Sleep(30 * time.Millisecond)
	assert.False(t, b.IsBlocked("10.0.0.2"), "temporary block expires")

	assert.Equal(t, 1, b.Purge())
	b.Unblock("10.0.0.1")
	assert.False(t, b.IsBlocked("10.0.0.1"))
}

func TestBlockTemporaryNeverDowngradesPermanent(t *testing.T) {
	b := NewBlockList()
	b.Block("10.0.0.3", "permanent")
	assert.False(t, b.BlockTemporary("10.0.0.3", "temp", time.Minute))
	assert.True(t, b.IsBlocked("10.0.0.3"))
}

func TestBlockListConcurrentAccess(t *testing.T) {
	b := NewBlockList()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ip := "10.1.0.1"
			if n%2 == 0 {
				b.Block(ip, "race")
			} else {
				_ = b.IsBlocked(ip)
			}
		}(i)
	}
	wg.Wait()
	assert.True(t, b.IsBlocked("10.1.0.1"))
}

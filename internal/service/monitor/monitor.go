package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	domain "github.com/tutorgate/platform-trust-core/internal/domain/audit"
	"github.com/tutorgate/platform-trust-core/internal/service/audit"
	"github.com/tutorgate/platform-trust-core/internal/service/auditor"
	"github.com/tutorgate/platform-trust-core/internal/service/breaker"
)

// AdminNotifier delivers urgent notifications to operators. The default
// implementation only logs; a mail or pager integration satisfies the same
// interface.
type AdminNotifier interface {
	NotifyAdmin(ctx context.Context, subject, body string) error
}

type logNotifier struct{ logger *zap.Logger }

func (n logNotifier) NotifyAdmin(_ context.Context, subject, body string) error {
	n.logger.Warn("admin notification", zap.String("subject", subject), zap.String("body", body))
	return nil
}

// Config tunes the monitor's jobs.
type Config struct {
	MetricsInterval   time.Duration // default 30s
	ThreatInterval    time.Duration // default 60s
	CleanupInterval   time.Duration // default 1h
	RetentionPeriod   time.Duration // default 7d
	TemporaryBlockTTL time.Duration // default 30m
}

// DefaultConfig returns monitor defaults.
func DefaultConfig() Config {
	return Config{
		MetricsInterval:   30 * time.Second,
		ThreatInterval:    time.Minute,
		CleanupInterval:   time.Hour,
		RetentionPeriod:   7 * 24 * time.Hour,
		TemporaryBlockTTL: 30 * time.Minute,
	}
}

// reputation tracks per-IP alert-worthy activity for posture reporting.
type reputation struct {
	Events   int
	LastSeen time.Time
}

// Monitor correlates the audit stream into metrics, alerts and response
// actions. It implements audit.AlertSink so alert-worthy events reach it as
// they are written, in addition to the periodic query-based threat job.
type Monitor struct {
	config   Config
	logger   *zap.Logger
	audit    *audit.Logger
	notifier AdminNotifier
	rules    []ThreatRule

	blocks  *BlockList
	alerts  *alertStore
	sampler *metricSampler

	// optional posture sources
	auditor  *auditor.Auditor
	breakers *breaker.Registry

	repMu      sync.Mutex
	reputation map[string]*reputation
}

// New builds the monitor with the default rules. The auditor and breaker
// registry are optional posture sources.
func New(config Config, auditLog *audit.Logger, logger *zap.Logger) *Monitor {
	defaults := DefaultConfig()
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = defaults.MetricsInterval
	}
	if config.ThreatInterval <= 0 {
		config.ThreatInterval = defaults.ThreatInterval
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	if config.RetentionPeriod <= 0 {
		config.RetentionPeriod = defaults.RetentionPeriod
	}
	if config.TemporaryBlockTTL <= 0 {
		config.TemporaryBlockTTL = defaults.TemporaryBlockTTL
	}
	return &Monitor{
		config:     config,
		logger:     logger,
		audit:      auditLog,
		notifier:   logNotifier{logger: logger},
		rules:      DefaultThreatRules(),
		blocks:     NewBlockList(),
		alerts:     newAlertStore(),
		sampler:    newMetricSampler(auditLog),
		reputation: make(map[string]*reputation),
	}
}

// WithNotifier replaces the log-only admin notifier.
func (m *Monitor) WithNotifier(n AdminNotifier) *Monitor {
	m.notifier = n
	return m
}

// WithAuditor attaches the static endpoint auditor as a posture source.
func (m *Monitor) WithAuditor(a *auditor.Auditor) *Monitor {
	m.auditor = a
	return m
}

// WithBreakers attaches the circuit breaker registry for dependency health.
func (m *Monitor) WithBreakers(r *breaker.Registry) *Monitor {
	m.breakers = r
	return m
}

// WithRules replaces the built-in threat rules.
func (m *Monitor) WithRules(rules []ThreatRule) *Monitor {
	m.rules = rules
	return m
}

// BlockList exposes the shared deny list for the rate limiter and auth path.
func (m *Monitor) BlockList() *BlockList {
	return m.blocks
}

// Notify receives alert-worthy events as they are written. Zero-tolerance
// rules are evaluated immediately instead of waiting for the threat job.
func (m *Monitor) Notify(event *domain.Event) {
	m.touchReputation(event.Request.IPAddress)

	for _, rule := range m.rules {
		if rule.Threshold != 1 || !rule.matches(event) {
			continue
		}
		m.fire(context.Background(), rule, event.Request.IPAddress, 1)
	}
}

// RunThreatAnalysis evaluates every multi-event rule against the audit log,
// grouping matches by source IP. One rule's failure never stops the rest.
func (m *Monitor) RunThreatAnalysis(ctx context.Context) {
	now := time.Now().UTC()
	for _, rule := range m.rules {
		if rule.Threshold <= 1 {
			continue // handled on write by Notify
		}
		events, err := m.audit.Query(ctx, audit.Filter{
			From:  now.Add(-rule.Window),
			To:    now,
			Types: rule.EventTypes,
		})
		if err != nil {
			m.logger.Error("threat rule query failed",
				zap.String("rule", rule.Name), zap.Error(err))
			continue
		}

		byIP := make(map[string]int)
		for _, e := range events {
			if !rule.matches(e) {
				continue
			}
			byIP[e.Request.IPAddress]++
		}
		for ip, count := range byIP {
			if count >= rule.Threshold {
				m.fire(ctx, rule, ip, count)
			}
		}
	}
}

// fire raises an alert for a rule unless deduplicated, then executes the
// rule's response actions.
func (m *Monitor) fire(ctx context.Context, rule ThreatRule, sourceIP string, count int) {
	now := time.Now().UTC()
	if m.alerts.shouldSuppress(rule.Name, now) {
		return
	}

	alert := &Alert{
		ID:         uuid.New(),
		Rule:       rule.Name,
		Severity:   rule.Severity,
		Message:    fmt.Sprintf("%s: %d matching event(s) within %s", rule.Description, count, rule.Window),
		SourceIP:   sourceIP,
		EventCount: count,
		CreatedAt:  now,
	}
	m.alerts.add(alert)

	m.logger.Warn("threat rule fired",
		zap.String("rule", rule.Name),
		zap.String("severity", string(rule.Severity)),
		zap.String("source_ip", sourceIP),
		zap.Int("count", count))

	_, _ = m.audit.Log(ctx, audit.Entry{
		Type:        domain.EventAlertRaised,
		Severity:    rule.Severity,
		Result:      domain.ResultSuccess,
		Request:     domain.Request{IPAddress: sourceIP},
		Resource:    rule.Name,
		Description: alert.Message,
		Metadata:    map[string]interface{}{"alert_id": alert.ID.String()},
	})

	for _, action := range rule.Actions {
		m.execute(ctx, action, alert)
	}
}

// execute runs one response action. Each action is individually logged and
// isolated: a failure never prevents the remaining actions.
func (m *Monitor) execute(ctx context.Context, action ActionType, alert *Alert) {
	var err error
	applied := true

	switch action {
	case ActionBlockIP:
		if alert.SourceIP == "" {
			applied = false
			break
		}
		applied = m.blocks.Block(alert.SourceIP, alert.Rule)
		if applied {
			_, _ = m.audit.Log(ctx, audit.Entry{
				Type:        domain.EventIPBlocked,
				Severity:    domain.SeverityHigh,
				Result:      domain.ResultSuccess,
				Request:     domain.Request{IPAddress: alert.SourceIP},
				Description: "address permanently blocked by response action",
				Metadata:    map[string]interface{}{"rule": alert.Rule},
			})
		}
	case ActionTemporaryBlock:
		if alert.SourceIP == "" {
			applied = false
			break
		}
		applied = m.blocks.BlockTemporary(alert.SourceIP, alert.Rule, m.config.TemporaryBlockTTL)
	case ActionNotifyAdmin:
		err = m.notifier.NotifyAdmin(ctx,
			"security alert: "+alert.Rule, alert.Message)
	case ActionImmediateAlert:
		m.logger.Error("immediate security alert",
			zap.String("rule", alert.Rule),
			zap.String("source_ip", alert.SourceIP),
			zap.String("message", alert.Message))
		err = m.notifier.NotifyAdmin(ctx,
			"IMMEDIATE security alert: "+alert.Rule, alert.Message)
	case ActionLogIncident:
		_, err = m.audit.Log(ctx, audit.Entry{
			Type:        domain.EventResponseAction,
			Severity:    alert.Severity,
			Result:      domain.ResultSuccess,
			Request:     domain.Request{IPAddress: alert.SourceIP},
			Resource:    alert.Rule,
			Description: "incident recorded: " + alert.Message,
			Metadata:    map[string]interface{}{"alert_id": alert.ID.String()},
		})
	default:
		m.logger.Warn("unknown response action", zap.String("action", string(action)))
		return
	}

	if err != nil {
		m.logger.Error("response action failed",
			zap.String("action", string(action)),
			zap.String("rule", alert.Rule),
			zap.Error(err))
		return
	}
	m.logger.Info("response action executed",
		zap.String("action", string(action)),
		zap.String("rule", alert.Rule),
		zap.Bool("applied", applied))
}

// AcknowledgeAlert marks an alert handled and audits the acknowledgement.
func (m *Monitor) AcknowledgeAlert(ctx context.Context, id uuid.UUID, user string) (*Alert, error) {
	alert, err := m.alerts.acknowledge(id, user)
	if err != nil {
		return nil, err
	}
	_, _ = m.audit.Log(ctx, audit.Entry{
		Type:        domain.EventAlertAcknowledged,
		Result:      domain.ResultSuccess,
		Actor:       domain.Actor{UserID: user},
		Resource:    alert.Rule,
		Description: "alert acknowledged",
		Metadata:    map[string]interface{}{"alert_id": alert.ID.String()},
	})
	return alert, nil
}

// RunMetricsSample takes one sample of every metric.
func (m *Monitor) RunMetricsSample(ctx context.Context) {
	for _, err := range m.sampler.sampleAll(ctx) {
		m.logger.Error("metric sample failed", zap.Error(err))
	}
}

// RunCleanup purges alerts, samples, reputation entries and expired blocks
// past the retention period.
func (m *Monitor) RunCleanup() {
	cutoff := time.Now().UTC().Add(-m.config.RetentionPeriod)

	alerts := m.alerts.purge(cutoff)
	samples := m.sampler.purge(cutoff)
	blocks := m.blocks.Purge()

	m.repMu.Lock()
	reps := 0
	for ip, rep := range m.reputation {
		if rep.LastSeen.Before(cutoff) {
			delete(m.reputation, ip)
			reps++
		}
	}
	m.repMu.Unlock()

	m.logger.Info("monitor cleanup complete",
		zap.Int("alerts_purged", alerts),
		zap.Int("samples_purged", samples),
		zap.Int("blocks_purged", blocks),
		zap.Int("reputation_purged", reps))
}

// Start launches the metrics, threat and cleanup jobs. Each iteration is
// recovered and logged; the loops stop only when the context ends.
func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx, m.config.MetricsInterval, func() { m.RunMetricsSample(ctx) })
	go m.loop(ctx, m.config.ThreatInterval, func() { m.RunThreatAnalysis(ctx) })
	go m.loop(ctx, m.config.CleanupInterval, m.RunCleanup)
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, job func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.logger.Error("monitor job panicked", zap.Any("panic", r))
					}
				}()
				job()
			}()
		}
	}
}

func (m *Monitor) touchReputation(ip string) {
	if ip == "" {
		return
	}
	m.repMu.Lock()
	defer m.repMu.Unlock()
	rep, ok := m.reputation[ip]
	if !ok {
		rep = &reputation{}
		m.reputation[ip] = rep
	}
	rep.Events++
	rep.LastSeen = time.Now().UTC()
}

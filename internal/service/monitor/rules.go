package monitor

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	domain "github.com/tutorgate/platform-trust-core/internal/domain/audit"
)

// ActionType names a response action executed when a rule fires.
type ActionType string

const (
	ActionBlockIP        ActionType = "block_ip"
	ActionTemporaryBlock ActionType = "temporary_block"
	ActionNotifyAdmin    ActionType = "notify_admin"
	ActionLogIncident    ActionType = "log_incident"
	ActionImmediateAlert ActionType = "immediate_alert"
)

// ThreatRule correlates audit events into alerts. A rule fires for a source
// IP when that IP accumulates Threshold matching events within Window. An
// event matches when its type is in EventTypes (empty means any type) and,
// if set, Pattern matches the event text and Predicate returns true.
type ThreatRule struct {
	Name        string
	Description string
	EventTypes  []domain.EventType
	Pattern     *regexp.Regexp
	Predicate   func(*domain.Event) bool
	Threshold   int
	Window      time.Duration
	Severity    domain.Severity
	Actions     []ActionType
}

func (r ThreatRule) matches(e *domain.Event) bool {
	if len(r.EventTypes) > 0 {
		typed := false
		for _, et := range r.EventTypes {
			if et == e.Type {
				typed = true
				break
			}
		}
		if !typed {
			return false
		}
	}
	if r.Pattern != nil && !r.Pattern.MatchString(eventText(e)) {
		return false
	}
	if r.Predicate != nil && !r.Predicate(e) {
		return false
	}
	return true
}

// eventText flattens the fields a Pattern can match against.
func eventText(e *domain.Event) string {
	var b strings.Builder
	b.WriteString(e.Description)
	b.WriteByte(' ')
	b.WriteString(e.Request.Path)
	for k, v := range e.Metadata {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	return b.String()
}

// DefaultThreatRules are the built-in detections. Injection and XSS are zero
// tolerance: a single event fires.
func DefaultThreatRules() []ThreatRule {
	return []ThreatRule{
		{
			Name:        "brute_force_login",
			Description: "repeated login failures from one address",
			EventTypes:  []domain.EventType{domain.EventLoginFailure, domain.EventMFAFailed},
			Threshold:   5,
			Window:      15 * time.Minute,
			Severity:    domain.SeverityHigh,
			Actions:     []ActionType{ActionBlockIP, ActionNotifyAdmin, ActionLogIncident},
		},
		{
			Name:        "rate_limit_abuse",
			Description: "sustained rate limit violations from one address",
			EventTypes:  []domain.EventType{domain.EventRateLimitExceeded},
			Threshold:   10,
			Window:      10 * time.Minute,
			Severity:    domain.SeverityHigh,
			Actions:     []ActionType{ActionTemporaryBlock, ActionLogIncident},
		},
		{
			Name:        "sql_injection_attempt",
			Description: "input matched an injection signature",
			EventTypes:  []domain.EventType{domain.EventInjectionAttempt},
			Threshold:   1,
			Window:      time.Hour,
			Severity:    domain.SeverityCritical,
			Actions:     []ActionType{ActionBlockIP, ActionImmediateAlert, ActionNotifyAdmin, ActionLogIncident},
		},
		{
			Name:        "xss_attempt",
			Description: "input matched a script injection signature",
			EventTypes:  []domain.EventType{domain.EventXSSAttempt},
			Threshold:   1,
			Window:      time.Hour,
			Severity:    domain.SeverityCritical,
			Actions:     []ActionType{ActionBlockIP, ActionImmediateAlert, ActionLogIncident},
		},
		{
			Name:        "anomalous_activity",
			Description: "clustered suspicious activity from one address",
			EventTypes:  []domain.EventType{domain.EventSuspiciousActivity},
			Threshold:   3,
			Window:      30 * time.Minute,
			Severity:    domain.SeverityMedium,
			Actions:     []ActionType{ActionLogIncident, ActionNotifyAdmin},
		},
	}
}

package audit

// EventType is the closed set of auditable actions. Types are grouped by
// category prefix; DeriveCategory maps a type back to its group.
type EventType string

const (
	// Authentication events
	EventLoginSuccess     EventType = "auth.login_success"
	EventLoginFailure     EventType = "auth.login_failure"
	EventLogout           EventType = "auth.logout"
	EventTokenIssued      EventType = "auth.token_issued"
	EventTokenRevoked     EventType = "auth.token_revoked"
	EventMFAChallenge     EventType = "auth.mfa_challenge"
	EventMFAFailed        EventType = "auth.mfa_failed"
	EventSessionExpired   EventType = "auth.session_expired"
	EventPasswordReset    EventType = "auth.password_reset_attempt"

	// Authorization events
	EventAccessGranted    EventType = "authz.access_granted"
	EventAccessDenied     EventType = "authz.access_denied"
	EventPermissionDenied EventType = "authz.permission_denied"
	EventRoleChanged      EventType = "authz.role_changed"

	// Data events
	EventDataAccessed  EventType = "data.accessed"
	EventDataModified  EventType = "data.modified"
	EventDataDeletion  EventType = "data.deletion"
	EventDataExport    EventType = "data.export"
	EventPIIAccessed   EventType = "data.pii_accessed"
	EventDataEncrypted EventType = "data.encrypted"
	EventDataDecrypted EventType = "data.decrypted"
	EventKeyGenerated  EventType = "data.key_generated"
	EventKeyRotated    EventType = "data.key_rotated"
	EventKeyRevoked    EventType = "data.key_revoked"

	// System events
	EventSystemStart   EventType = "system.start"
	EventSystemStop    EventType = "system.stop"
	EventConfigChanged EventType = "system.config_changed"
	EventBreakerOpened EventType = "system.circuit_opened"
	EventBreakerClosed EventType = "system.circuit_closed"
	EventStoreFailure  EventType = "system.store_failure"

	// Security events
	EventRateLimitExceeded  EventType = "security.rate_limit_exceeded"
	EventCSRFFailed         EventType = "security.csrf_validation_failed"
	EventInjectionAttempt   EventType = "security.injection_attempt"
	EventXSSAttempt         EventType = "security.xss_attempt"
	EventSuspiciousActivity EventType = "security.suspicious_activity"
	EventIPBlocked          EventType = "security.ip_blocked"
	EventAlertRaised        EventType = "security.alert_raised"
	EventAlertAcknowledged  EventType = "security.alert_acknowledged"
	EventResponseAction     EventType = "security.response_action"

	// Application events
	EventFormSubmitted     EventType = "app.form_submitted"
	EventEnrolmentAttempt  EventType = "app.enrolment_attempt"
	EventContactSubmitted  EventType = "app.contact_submitted"
	EventMessageSent       EventType = "app.message_sent"
)

var validEventTypes = map[EventType]struct{}{
	EventLoginSuccess: {}, EventLoginFailure: {}, EventLogout: {},
	EventTokenIssued: {}, EventTokenRevoked: {}, EventMFAChallenge: {},
	EventMFAFailed: {}, EventSessionExpired: {}, EventPasswordReset: {},
	EventAccessGranted: {}, EventAccessDenied: {}, EventPermissionDenied: {},
	EventRoleChanged: {},
	EventDataAccessed: {}, EventDataModified: {}, EventDataDeletion: {},
	EventDataExport: {}, EventPIIAccessed: {}, EventDataEncrypted: {},
	EventDataDecrypted: {}, EventKeyGenerated: {}, EventKeyRotated: {},
	EventKeyRevoked: {},
	EventSystemStart: {}, EventSystemStop: {}, EventConfigChanged: {},
	EventBreakerOpened: {}, EventBreakerClosed: {}, EventStoreFailure: {},
	EventRateLimitExceeded: {}, EventCSRFFailed: {}, EventInjectionAttempt: {},
	EventXSSAttempt: {}, EventSuspiciousActivity: {}, EventIPBlocked: {},
	EventAlertRaised: {}, EventAlertAcknowledged: {}, EventResponseAction: {},
	EventFormSubmitted: {}, EventEnrolmentAttempt: {}, EventContactSubmitted: {},
	EventMessageSent: {},
}

// IsValid reports whether the type is a member of the closed enum.
func (t EventType) IsValid() bool {
	_, ok := validEventTypes[t]
	return ok
}

// CriticalEventTypes always trigger the alerting path on write, independent
// of derived severity.
var CriticalEventTypes = map[EventType]struct{}{
	EventInjectionAttempt: {},
	EventXSSAttempt:       {},
	EventDataExport:       {},
	EventPIIAccessed:      {},
	EventKeyRevoked:       {},
	EventIPBlocked:        {},
}

// IsAlertWorthy reports whether an event written with this type and severity
// should be forwarded to the security monitor.
func IsAlertWorthy(t EventType, sev Severity) bool {
	if sev == SeverityCritical {
		return true
	}
	_, ok := CriticalEventTypes[t]
	return ok
}

// DeriveCategory maps an event type to its category by prefix.
func DeriveCategory(t EventType) string {
	s := string(t)
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			switch s[:i] {
			case "auth":
				return "authentication"
			case "authz":
				return "authorization"
			case "data":
				return "data"
			case "system":
				return "system"
			case "security":
				return "security"
			case "app":
				return "application"
			}
			break
		}
	}
	return "other"
}

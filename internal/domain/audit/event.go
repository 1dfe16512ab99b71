package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tutorgate/platform-trust-core/internal/domain/errors"
)

// SchemaVersion is stamped on every event so old partitions stay parseable
// after the record shape evolves.
const SchemaVersion = "1.0"

// Severity classifies how urgent an event is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Result records the outcome of the audited action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultBlocked Result = "blocked"
	ResultPending Result = "pending"
)

// Actor identifies who performed the action. All fields optional; anonymous
// traffic produces events with an empty actor.
type Actor struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Role      string `json:"role,omitempty"`
	Email     string `json:"email,omitempty"`
}

// Request carries the HTTP context the action arrived on.
type Request struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Method    string `json:"method,omitempty"`
	Path      string `json:"path,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Event is an immutable audit record. Created once, hashed, appended to a
// per-day partition, never mutated afterwards.
type Event struct {
	ID            uuid.UUID              `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	Type          EventType              `json:"type"`
	Category      string                 `json:"category"`
	Severity      Severity               `json:"severity"`
	Result        Result                 `json:"result"`
	Actor         Actor                  `json:"actor,omitempty"`
	Request       Request                `json:"request,omitempty"`
	Resource      string                 `json:"resource,omitempty"`
	Description   string                 `json:"description"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	IntegrityHash string                 `json:"integrity_hash"`
	SchemaVersion string                 `json:"schema_version"`

	immutable bool
}

// NewEvent constructs an event with defaults filled in: id, UTC timestamp,
// derived category, derived severity when none is given, success result.
func NewEvent(eventType EventType, description string) (*Event, error) {
	if !eventType.IsValid() {
		return nil, errors.NewValidationError("INVALID_EVENT_TYPE",
			"event type must be a known audit type")
	}
	if description == "" {
		return nil, errors.NewValidationError("MISSING_DESCRIPTION",
			"event description is required")
	}

	return &Event{
		ID:            uuid.New(),
		Timestamp:     time.Now().UTC(),
		Type:          eventType,
		Category:      DeriveCategory(eventType),
		Severity:      DeriveSeverity(eventType),
		Result:        ResultSuccess,
		Description:   description,
		SchemaVersion: SchemaVersion,
	}, nil
}

// DeriveSeverity applies the substring rules used when no explicit severity
// is supplied. Order matters: critical outranks high outranks info.
func DeriveSeverity(t EventType) Severity {
	s := strings.ToLower(string(t))
	for _, marker := range []string{"injection", "xss", "suspicious", "export", "pii"} {
		if strings.Contains(s, marker) {
			return SeverityCritical
		}
	}
	for _, marker := range []string{"failure", "denied", "exceeded", "deletion", "revoked", "failed"} {
		if strings.Contains(s, marker) {
			return SeverityHigh
		}
	}
	for _, marker := range []string{"start", "stop", "submitted", "attempt"} {
		if strings.Contains(s, marker) {
			return SeverityInfo
		}
	}
	return SeverityMedium
}

// integrityPayload is the canonical subset of fields covered by the hash.
// Field order is fixed by the struct so the JSON encoding is deterministic.
type integrityPayload struct {
	Timestamp   string `json:"timestamp"`
	Type        string `json:"type"`
	UserID      string `json:"user_id"`
	IPAddress   string `json:"ip_address"`
	Resource    string `json:"resource"`
	Result      string `json:"result"`
	Description string `json:"description"`
}

// ComputeIntegrityHash seals the event: HMAC-SHA256 over the canonical core
// fields keyed with the server secret. The event is immutable afterwards.
func (e *Event) ComputeIntegrityHash(secret []byte) (string, error) {
	if e.immutable {
		return "", errors.NewBusinessError("EVENT_IMMUTABLE",
			"cannot rehash a sealed event")
	}

	sum, err := e.integritySum(secret)
	if err != nil {
		return "", err
	}
	e.IntegrityHash = sum
	e.immutable = true
	return sum, nil
}

// VerifyIntegrity recomputes the hash and compares it to the stored value.
// Any altered core field changes the sum and fails the comparison.
func (e *Event) VerifyIntegrity(secret []byte) (bool, error) {
	if e.IntegrityHash == "" {
		return false, nil
	}
	sum, err := e.integritySum(secret)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(sum), []byte(e.IntegrityHash)), nil
}

func (e *Event) integritySum(secret []byte) (string, error) {
	payload := integrityPayload{
		Timestamp:   e.Timestamp.UTC().Format(time.RFC3339Nano),
		Type:        string(e.Type),
		UserID:      e.Actor.UserID,
		IPAddress:   e.Request.IPAddress,
		Resource:    e.Resource,
		Result:      string(e.Result),
		Description: e.Description,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "marshal integrity payload")
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// IsImmutable reports whether the event has been sealed.
func (e *Event) IsImmutable() bool {
	return e.immutable
}

// Validate checks the event is well formed before persistence.
func (e *Event) Validate() error {
	if !e.Type.IsValid() {
		return errors.NewValidationError("INVALID_EVENT_TYPE", "unknown event type")
	}
	switch e.Severity {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
	default:
		return errors.NewValidationError("INVALID_SEVERITY", "unknown severity")
	}
	switch e.Result {
	case ResultSuccess, ResultFailure, ResultBlocked, ResultPending:
	default:
		return errors.NewValidationError("INVALID_RESULT", "unknown result")
	}
	if e.Description == "" {
		return errors.NewValidationError("MISSING_DESCRIPTION", "description is required")
	}
	return nil
}

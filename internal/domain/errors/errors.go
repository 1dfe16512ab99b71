package errors

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Category identifies the taxonomy member an error belongs to. Every error
// surfaced across a boundary maps to exactly one category and one status code.
type Category string

const (
	CategoryValidation      Category = "validation"
	CategoryNotFound        Category = "not_found"
	CategoryAuthentication  Category = "authentication"
	CategoryAuthorization   Category = "authorization"
	CategoryRateLimit       Category = "rate_limit"
	CategoryExternalService Category = "external_service"
	CategoryDatabase        Category = "database"
	CategoryBusinessLogic   Category = "business_logic"
	CategoryConfiguration   Category = "configuration"
	CategoryAggregate       Category = "aggregate"
)

// Severity mirrors the audit severity scale so error logging and audit
// escalation agree on a single ordering.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// AppError is the structured application error all components raise.
type AppError struct {
	ID          uuid.UUID              `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Category    Category               `json:"category"`
	Code        string                 `json:"code"`
	Message     string                 `json:"message"`
	StatusCode  int                    `json:"status_code"`
	Severity    Severity               `json:"severity"`
	Operational bool                   `json:"operational"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Cause       error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func (e *AppError) WithMetadata(md map[string]interface{}) *AppError {
	e.Metadata = md
	return e
}

// ToJSON produces the uniform error envelope. Severity, status code and
// metadata are developer-facing and only included when includeDebug is set.
func (e *AppError) ToJSON(includeDebug bool) map[string]interface{} {
	body := map[string]interface{}{
		"id":        e.ID.String(),
		"code":      e.Code,
		"message":   e.Message,
		"category":  string(e.Category),
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339),
	}
	if includeDebug {
		body["severity"] = string(e.Severity)
		body["status_code"] = e.StatusCode
		if e.Metadata != nil {
			body["metadata"] = e.Metadata
		}
		if e.Cause != nil {
			body["cause"] = e.Cause.Error()
		}
	}
	return map[string]interface{}{"error": body}
}

func newAppError(category Category, code, message string, status int, sev Severity, operational bool) *AppError {
	return &AppError{
		ID:          uuid.New(),
		Timestamp:   time.Now().UTC(),
		Category:    category,
		Code:        code,
		Message:     message,
		StatusCode:  status,
		Severity:    sev,
		Operational: operational,
	}
}

// Constructors. The (status, severity, operational) signature per category is
// fixed so callers cannot disagree about how a failure class is reported.

func NewValidationError(code, message string) *AppError {
	return newAppError(CategoryValidation, code, message, 400, SeverityLow, true)
}

func NewNotFoundError(resource string) *AppError {
	return newAppError(CategoryNotFound, "RESOURCE_NOT_FOUND",
		fmt.Sprintf("%s not found", resource), 404, SeverityLow, true)
}

func NewAuthenticationError(message string) *AppError {
	return newAppError(CategoryAuthentication, "AUTHENTICATION_FAILED", message, 401, SeverityMedium, true)
}

func NewAuthorizationError(message string) *AppError {
	return newAppError(CategoryAuthorization, "AUTHORIZATION_FAILED", message, 403, SeverityMedium, true)
}

func NewRateLimitError(message string, retryAfter time.Duration) *AppError {
	e := newAppError(CategoryRateLimit, "RATE_LIMIT_EXCEEDED", message, 429, SeverityMedium, true)
	e.Metadata = map[string]interface{}{"retry_after_seconds": int(retryAfter.Seconds())}
	return e
}

func NewExternalServiceError(service, message string) *AppError {
	e := newAppError(CategoryExternalService, "EXTERNAL_SERVICE_ERROR",
		fmt.Sprintf("%s: %s", service, message), 502, SeverityHigh, true)
	e.Metadata = map[string]interface{}{"service": service}
	return e
}

func NewDatabaseError(message string) *AppError {
	return newAppError(CategoryDatabase, "DATABASE_ERROR", message, 500, SeverityHigh, false)
}

func NewBusinessError(code, message string) *AppError {
	return newAppError(CategoryBusinessLogic, code, message, 422, SeverityMedium, true)
}

// NewConfigurationError marks the system itself as misconfigured. Non-operational
// and critical: callers should halt or alert loudly rather than degrade silently.
func NewConfigurationError(message string) *AppError {
	return newAppError(CategoryConfiguration, "CONFIGURATION_ERROR", message, 500, SeverityCritical, false)
}

// AggregateError composes multiple errors and surfaces the maximum severity
// among them.
type AggregateError struct {
	*AppError
	Errors []*AppError `json:"errors"`
}

func NewAggregateError(message string, errs ...*AppError) *AggregateError {
	max := SeverityInfo
	for _, e := range errs {
		if severityRank[e.Severity] > severityRank[max] {
			max = e.Severity
		}
	}
	operational := true
	for _, e := range errs {
		if !e.Operational {
			operational = false
			break
		}
	}
	base := newAppError(CategoryAggregate, "AGGREGATE_ERROR", message, 500, max, operational)
	return &AggregateError{AppError: base, Errors: errs}
}

func (e *AggregateError) ToJSON(includeDebug bool) map[string]interface{} {
	out := e.AppError.ToJSON(includeDebug)
	children := make([]interface{}, 0, len(e.Errors))
	for _, child := range e.Errors {
		children = append(children, child.ToJSON(includeDebug)["error"])
	}
	out["error"].(map[string]interface{})["errors"] = children
	return out
}

// IsOperational distinguishes expected domain errors from unexpected system
// faults. Unknown error values are treated as non-operational.
func IsOperational(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Operational
	}
	return false
}

// StatusCode extracts the HTTP status code, defaulting to 500.
func StatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 500
}

// SeverityOf extracts the severity, defaulting to high for unknown errors.
func SeverityOf(err error) Severity {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Severity
	}
	return SeverityHigh
}

// CategoryOf extracts the taxonomy category for an error.
func CategoryOf(err error) Category {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Category
	}
	return CategoryBusinessLogic
}

// IsCategory checks if an error belongs to a specific category.
func IsCategory(err error, category Category) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Category == category
	}
	return false
}

// Wrap wraps an error with a message using fmt.Errorf with %w.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	domain "github.com/tutorgate/platform-trust-core/internal/domain/audit"
	apperrors "github.com/tutorgate/platform-trust-core/internal/domain/errors"
	"github.com/tutorgate/platform-trust-core/internal/service/audit"
	"github.com/tutorgate/platform-trust-core/internal/service/auditor"
	"github.com/tutorgate/platform-trust-core/internal/service/breaker"
	"github.com/tutorgate/platform-trust-core/internal/service/crypto"
	"github.com/tutorgate/platform-trust-core/internal/service/csrf"
	"github.com/tutorgate/platform-trust-core/internal/service/monitor"
)

const maxBodyBytes = 64 << 10

// Handlers holds the service dependencies for the HTTP surface.
type Handlers struct {
	logger   *zap.Logger
	audit    *audit.Logger
	csrf     *csrf.Service
	crypto   *crypto.Service
	monitor  *monitor.Monitor
	auditor  *auditor.Auditor
	breakers *breaker.Registry
	validate *validator.Validate
	started  time.Time
}

// NewHandlers wires the handler set.
func NewHandlers(
	logger *zap.Logger,
	auditLog *audit.Logger,
	csrfService *csrf.Service,
	cryptoService *crypto.Service,
	mon *monitor.Monitor,
	apiAuditor *auditor.Auditor,
	breakers *breaker.Registry,
) *Handlers {
	return &Handlers{
		logger:   logger,
		audit:    auditLog,
		csrf:     csrfService,
		crypto:   cryptoService,
		monitor:  mon,
		auditor:  apiAuditor,
		breakers: breakers,
		validate: validator.New(),
		started:  time.Now(),
	}
}

// Health reports liveness plus dependency circuit state.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":    "healthy",
		"uptime":    time.Since(h.started).Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.breakers != nil {
		deps := h.breakers.Health()
		body["dependencies"] = deps
		for _, d := range deps {
			if d.State != breaker.StateClosed {
				body["status"] = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// CSRFToken mints a fresh token for form submission.
func (h *Handlers) CSRFToken(w http.ResponseWriter, r *http.Request) {
	token, expiresIn, err := h.csrf.Generate()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_in": expiresIn,
		"header":     CSRFHeader,
	})
}

// Dashboard returns the security posture for the requested window.
func (h *Handlers) Dashboard(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, apperrors.NewValidationError("INVALID_PARAMETER", "hours must be an integer"))
			return
		}
		hours = parsed
	}
	writeJSON(w, http.StatusOK, h.monitor.Dashboard(r.Context(), hours))
}

// AcknowledgeAlert marks an alert handled by the calling admin.
func (h *Handlers) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, apperrors.NewValidationError("INVALID_ALERT_ID", "alert id must be a UUID"))
		return
	}
	user := "unknown"
	if ac, ok := AuthFromContext(r.Context()); ok {
		user = ac.UserID
	}
	alert, err := h.monitor.AcknowledgeAlert(r.Context(), id, user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// AuditReport serves the latest static endpoint scan, running one on demand
// if none is cached yet.
func (h *Handlers) AuditReport(w http.ResponseWriter, r *http.Request) {
	report := h.auditor.LatestReport()
	if report == nil {
		fresh, err := h.auditor.Scan(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		report = fresh
	}
	writeJSON(w, http.StatusOK, report)
}

// EncryptionKeys lists key metadata for the admin console. Material is never
// part of the export type.
func (h *Handlers) EncryptionKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": h.crypto.Keys()})
}

// RevokeEncryptionKey takes a key out of service immediately.
func (h *Handlers) RevokeEncryptionKey(w http.ResponseWriter, r *http.Request) {
	keyID := r.PathValue("id")
	user := "unknown"
	if ac, ok := AuthFromContext(r.Context()); ok {
		user = ac.UserID
	}
	if err := h.crypto.RevokeKey(r.Context(), keyID, user); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked", "key_id": keyID})
}

// Injection signatures screened against free-text input before any field is
// accepted. Heuristic: a miss proves nothing, a hit is always suspicious.
var (
	sqlInjectionPattern = regexp.MustCompile(`(?i)(\bunion\b[\s\S]{0,40}\bselect\b|\bor\b\s+\d+\s*=\s*\d+|;\s*(drop|delete|insert|update|alter)\b|'\s*or\s*'|--\s|/\*)`)
	xssPattern          = regexp.MustCompile(`(?i)(<\s*script\b|javascript\s*:|\bon(error|load|click|focus|mouseover)\s*=|<\s*iframe\b)`)
)

// inspectFields screens string fields for injection signatures. A hit writes
// a security event (which the monitor's zero-tolerance rules act on) and
// rejects the submission.
func (h *Handlers) inspectFields(r *http.Request, record map[string]interface{}) error {
	for field, v := range record {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var eventType domain.EventType
		switch {
		case sqlInjectionPattern.MatchString(s):
			eventType = domain.EventInjectionAttempt
		case xssPattern.MatchString(s):
			eventType = domain.EventXSSAttempt
		default:
			continue
		}
		_, _ = h.audit.Log(r.Context(), audit.Entry{
			Type:        eventType,
			Result:      domain.ResultBlocked,
			Request:     requestInfo(r),
			Description: fmt.Sprintf("suspicious input in field %q", field),
			Metadata:    map[string]interface{}{"field": field},
		})
		return apperrors.NewValidationError("SUSPICIOUS_INPUT", "Submission rejected")
	}
	return nil
}

type contactRequest struct {
	Name    string `json:"name" validate:"required,max=200"`
	Email   string `json:"email" validate:"required,email"`
	Phone   string `json:"phone" validate:"omitempty,max=32"`
	Subject string `json:"subject" validate:"omitempty,max=300"`
	Message string `json:"message" validate:"required,max=5000"`
}

// ContactForm accepts a contact submission, encrypting the sensitive fields
// before the record leaves this process.
func (h *Handlers) ContactForm(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	record := map[string]interface{}{
		"name":    req.Name,
		"email":   req.Email,
		"phone":   req.Phone,
		"subject": req.Subject,
		"message": req.Message,
	}
	if err := h.inspectFields(r, record); err != nil {
		writeError(w, err)
		return
	}
	encrypted, err := h.crypto.EncryptRecord(r.Context(), "contact_messages", record, crypto.Options{})
	if err != nil {
		writeError(w, err)
		return
	}

	submissionID := uuid.New()
	_, _ = h.audit.Log(r.Context(), audit.Entry{
		Type:        domain.EventContactSubmitted,
		Result:      domain.ResultSuccess,
		Request:     requestInfo(r),
		Resource:    "contact_messages/" + submissionID.String(),
		Description: "contact form submitted",
	})
	h.logger.Info("contact form accepted",
		zap.String("submission_id", submissionID.String()),
		zap.Int("fields", len(encrypted)))

	writeJSON(w, http.StatusCreated, map[string]string{
		"id":     submissionID.String(),
		"status": "received",
	})
}

type enrollmentRequest struct {
	StudentName   string `json:"student_name" validate:"required,max=200"`
	StudentEmail  string `json:"student_email" validate:"required,email"`
	ParentContact string `json:"parent_contact" validate:"omitempty,max=300"`
	Subject       string `json:"subject" validate:"required,max=100"`
	GradeLevel    string `json:"grade_level" validate:"omitempty,max=40"`
	Notes         string `json:"notes" validate:"omitempty,max=5000"`
}

// EnrollmentForm accepts a tutoring enrollment request.
func (h *Handlers) EnrollmentForm(w http.ResponseWriter, r *http.Request) {
	var req enrollmentRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	record := map[string]interface{}{
		"student_name":   req.StudentName,
		"student_email":  req.StudentEmail,
		"parent_contact": req.ParentContact,
		"subject":        req.Subject,
		"grade_level":    req.GradeLevel,
		"notes":          req.Notes,
	}
	if err := h.inspectFields(r, record); err != nil {
		writeError(w, err)
		return
	}
	encrypted, err := h.crypto.EncryptRecord(r.Context(), "enrollments", record, crypto.Options{})
	if err != nil {
		writeError(w, err)
		return
	}

	enrollmentID := uuid.New()
	_, _ = h.audit.Log(r.Context(), audit.Entry{
		Type:        domain.EventEnrolmentAttempt,
		Result:      domain.ResultSuccess,
		Request:     requestInfo(r),
		Resource:    "enrollments/" + enrollmentID.String(),
		Description: "enrollment request submitted",
	})
	h.logger.Info("enrollment accepted",
		zap.String("enrollment_id", enrollmentID.String()),
		zap.Int("fields", len(encrypted)))

	writeJSON(w, http.StatusCreated, map[string]string{
		"id":     enrollmentID.String(),
		"status": "received",
	})
}

// decodeBody parses and validates a JSON request body, writing the error
// response itself on failure.
func (h *Handlers) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, apperrors.NewValidationError("INVALID_BODY", "Request body is not valid JSON"))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.logger.Debug("request validation failed", zap.Error(err))
		writeError(w, apperrors.NewValidationError("VALIDATION_FAILED", "One or more fields are invalid"))
		return false
	}
	return true
}

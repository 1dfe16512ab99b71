package csrf

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	domain "github.com/tutorgate/platform-trust-core/internal/domain/audit"
	"github.com/tutorgate/platform-trust-core/internal/domain/errors"
	"github.com/tutorgate/platform-trust-core/internal/service/audit"
)

// Token layout: timestamp (13 chars) ‖ salt (32 hex) ‖ HMAC-SHA256 (64 hex).
const (
	timestampLen = 13
	saltLen      = 32
	macLen       = 64
	TokenLength  = timestampLen + saltLen + macLen
)

// Config configures the token service.
type Config struct {
	Secret      []byte        // HMAC key (required)
	Expiry      time.Duration // token lifetime (default 30m)
	RefreshSkew time.Duration // remint when this close to expiry (default 5m)
}

// Service mints and verifies stateless CSRF tokens. Validity is fully
// determined by recomputing the HMAC and checking the embedded timestamp;
// there is no server-side token store, so replay within the expiry window is
// an accepted trade-off.
type Service struct {
	config Config
	logger *zap.Logger
	audit  *audit.Logger
}

// ValidationResult reports the outcome of a token check.
type ValidationResult struct {
	Valid   bool
	Expired bool
	Reason  string
}

// TokenInfo is non-validating introspection output.
type TokenInfo struct {
	IssuedAt  time.Time
	ExpiresAt time.Time
	Age       time.Duration
	Expired   bool
}

// NewService creates the token service.
func NewService(config Config, logger *zap.Logger, auditLog *audit.Logger) (*Service, error) {
	if len(config.Secret) == 0 {
		return nil, errors.NewConfigurationError("csrf service requires a signing secret")
	}
	if config.Expiry <= 0 {
		config.Expiry = 30 * time.Minute
	}
	if config.RefreshSkew <= 0 {
		config.RefreshSkew = 5 * time.Minute
	}
	return &Service{config: config, logger: logger, audit: auditLog}, nil
}

// Generate mints a fresh token and reports its remaining lifetime in seconds.
func (s *Service) Generate() (string, int, error) {
	now := time.Now().UnixMilli()
	ts := strconv.FormatInt(now, 10)
	if len(ts) != timestampLen {
		// Millisecond timestamps are 13 digits until the year 2286.
		return "", 0, errors.NewConfigurationError("system clock out of token range")
	}

	saltBytes := make([]byte, saltLen/2)
	if _, err := rand.Read(saltBytes); err != nil {
		return "", 0, errors.Wrap(err, "generate csrf salt")
	}
	salt := hex.EncodeToString(saltBytes)

	token := ts + salt + s.sign(ts, salt)
	return token, int(s.config.Expiry.Seconds()), nil
}

// Validate runs the ordered checks: format, timestamp, expiry, HMAC. Each
// failure is logged as a security event with its specific reason.
func (s *Service) Validate(ctx context.Context, token string, req domain.Request) ValidationResult {
	if len(token) != TokenLength {
		return s.fail(ctx, req, ValidationResult{Reason: "malformed token"})
	}

	ts := token[:timestampLen]
	salt := token[timestampLen : timestampLen+saltLen]
	mac := token[timestampLen+saltLen:]

	issuedMilli, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return s.fail(ctx, req, ValidationResult{Reason: "non-numeric timestamp"})
	}

	age := time.Since(time.UnixMilli(issuedMilli))
	if age > s.config.Expiry {
		return s.fail(ctx, req, ValidationResult{Expired: true, Reason: "token expired"})
	}
	if age < -time.Minute {
		return s.fail(ctx, req, ValidationResult{Reason: "token issued in the future"})
	}

	expected := s.sign(ts, salt)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(mac)) != 1 {
		return s.fail(ctx, req, ValidationResult{Reason: "signature mismatch"})
	}

	return ValidationResult{Valid: true}
}

// Info introspects a token without validating its signature.
func (s *Service) Info(token string) (*TokenInfo, error) {
	if len(token) != TokenLength {
		return nil, errors.NewValidationError("MALFORMED_TOKEN", "token has wrong length")
	}
	issuedMilli, err := strconv.ParseInt(token[:timestampLen], 10, 64)
	if err != nil {
		return nil, errors.NewValidationError("MALFORMED_TOKEN", "token timestamp is not numeric")
	}
	issued := time.UnixMilli(issuedMilli)
	age := time.Since(issued)
	return &TokenInfo{
		IssuedAt:  issued,
		ExpiresAt: issued.Add(s.config.Expiry),
		Age:       age,
		Expired:   age > s.config.Expiry,
	}, nil
}

// RefreshIfNeeded remints when the token is invalid, expired, or close enough
// to expiry that the caller's next submit might miss the window. A healthy
// token is returned unchanged.
func (s *Service) RefreshIfNeeded(ctx context.Context, token string, req domain.Request) (string, error) {
	result := s.Validate(ctx, token, req)
	if result.Valid {
		info, err := s.Info(token)
		if err == nil && time.Until(info.ExpiresAt) > s.config.RefreshSkew {
			return token, nil
		}
	}
	fresh, _, err := s.Generate()
	return fresh, err
}

func (s *Service) sign(ts, salt string) string {
	mac := hmac.New(sha256.New, s.config.Secret)
	mac.Write([]byte(ts + salt))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Service) fail(ctx context.Context, req domain.Request, result ValidationResult) ValidationResult {
	s.logger.Debug("csrf validation failed",
		zap.String("reason", result.Reason),
		zap.Bool("expired", result.Expired),
		zap.String("ip", req.IPAddress))
	if s.audit != nil {
		_, _ = s.audit.Log(ctx, audit.Entry{
			Type:        domain.EventCSRFFailed,
			Result:      domain.ResultBlocked,
			Request:     req,
			Description: fmt.Sprintf("csrf token rejected: %s", result.Reason),
		})
	}
	return result
}

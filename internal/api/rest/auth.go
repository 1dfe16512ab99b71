package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	domain "github.com/tutorgate/platform-trust-core/internal/domain/audit"
	"github.com/tutorgate/platform-trust-core/internal/infrastructure/telemetry"
	"github.com/tutorgate/platform-trust-core/internal/service/audit"
	"github.com/tutorgate/platform-trust-core/internal/service/ratelimit"
)

// Roles known to the portal.
const (
	RoleAdmin   = "admin"
	RoleTeacher = "teacher"
	RoleParent  = "parent"
	RoleStudent = "student"
	RoleGuest   = "guest"
)

// trustedIdentityHeaders are set by the auth middleware for downstream
// services and must never be accepted from the outside.
var trustedIdentityHeaders = []string{
	"X-Auth-User-ID",
	"X-Auth-Email",
	"X-Auth-Role",
	"X-Auth-Session-ID",
}

// AuthConfig holds token verification settings.
type AuthConfig struct {
	JWTSecret   []byte
	Issuer      string
	Audience    string
	TokenExpiry time.Duration
	// APIKeys maps static service keys to their identity. Optional.
	APIKeys map[string]AuthContext
}

// Claims is the JWT payload for portal users.
type Claims struct {
	jwt.RegisteredClaims
	Email       string   `json:"email"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
	MFAVerified bool     `json:"mfa_verified,omitempty"`
}

// PolicyRule states what a matched endpoint requires.
type PolicyRule struct {
	Public      bool
	Roles       []string // any of; admin always passes
	Permissions []string // any of
	RequireMFA  bool
}

// EndpointPolicy binds a path prefix (and optional per-method overrides) to
// a rule. First match in declaration order wins; longer prefixes should be
// declared first.
type EndpointPolicy struct {
	Prefix  string
	Rule    PolicyRule
	Methods map[string]PolicyRule
}

// DefaultPolicies covers the portal surface. Anything under /api/ not
// matched explicitly requires authentication.
func DefaultPolicies() []EndpointPolicy {
	return []EndpointPolicy{
		{Prefix: "/api/security/csrf-token", Rule: PolicyRule{Public: true}},
		{Prefix: "/api/security/alerts", Rule: PolicyRule{
			Roles: []string{RoleAdmin}, RequireMFA: true,
		}},
		{Prefix: "/api/security", Rule: PolicyRule{
			Roles: []string{RoleAdmin}, Permissions: []string{"security:read"},
		}},
		{Prefix: "/api/forms", Rule: PolicyRule{Public: true}},
		{Prefix: "/api/admin", Rule: PolicyRule{Roles: []string{RoleAdmin}, RequireMFA: true}},
	}
}

// blacklist tracks revoked token ids until their natural expiry.
type blacklist struct {
	mu      sync.RWMutex
	revoked map[string]time.Time
}

func newBlacklist() *blacklist {
	return &blacklist{revoked: make(map[string]time.Time)}
}

func (b *blacklist) revoke(jti string, expiry time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revoked[jti] = expiry
}

func (b *blacklist) isRevoked(jti string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.revoked[jti]
	return ok
}

func (b *blacklist) purge(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for jti, exp := range b.revoked {
		if now.After(exp) {
			delete(b.revoked, jti)
		}
	}
}

// BlockChecker is the monitor's IP deny list.
type BlockChecker interface {
	IsBlocked(ip string) bool
}

// AuthMiddleware authenticates API requests: extract, classify, verify,
// then role, permission and MFA checks, in that order. External failures are
// a uniform 401/403; the specific reason goes to the audit log only.
type AuthMiddleware struct {
	config    AuthConfig
	policies  []EndpointPolicy
	blacklist *blacklist
	blocks    BlockChecker
	limiter   *ratelimit.Service
	audit     *audit.Logger
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewAuthMiddleware builds the middleware with the default policy table.
func NewAuthMiddleware(config AuthConfig, auditLog *audit.Logger, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		config:    config,
		policies:  DefaultPolicies(),
		blacklist: newBlacklist(),
		audit:     auditLog,
		logger:    logger,
		tracer:    telemetry.Tracer("api.rest.auth"),
	}
}

// WithPolicies replaces the policy table.
func (a *AuthMiddleware) WithPolicies(policies []EndpointPolicy) *AuthMiddleware {
	a.policies = policies
	return a
}

// WithBlockChecker attaches the shared IP deny list.
func (a *AuthMiddleware) WithBlockChecker(b BlockChecker) *AuthMiddleware {
	a.blocks = b
	return a
}

// WithLimiter budgets failed authentication attempts per client address.
func (a *AuthMiddleware) WithLimiter(l *ratelimit.Service) *AuthMiddleware {
	a.limiter = l
	return a
}

// GenerateToken mints a signed access token for the identity.
func (a *AuthMiddleware) GenerateToken(ac AuthContext) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.config.Issuer,
			Subject:   ac.UserID,
			Audience:  jwt.ClaimStrings{a.config.Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.TokenExpiry)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		Email:       ac.Email,
		Role:        ac.Role,
		Permissions: ac.Permissions,
		SessionID:   ac.SessionID,
		MFAVerified: ac.MFAVerified,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.config.JWTSecret)
}

// RevokeToken blacklists a token until it would have expired anyway.
func (a *AuthMiddleware) RevokeToken(ctx context.Context, tokenString string) error {
	claims, err := a.parseClaims(tokenString)
	if err != nil {
		return err
	}
	expiry := time.Now().Add(a.config.TokenExpiry)
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}
	a.blacklist.revoke(claims.ID, expiry)
	_, _ = a.audit.Log(ctx, audit.Entry{
		Type:        domain.EventTokenRevoked,
		Result:      domain.ResultSuccess,
		Actor:       domain.Actor{UserID: claims.Subject},
		Description: "access token revoked",
	})
	return nil
}

// PurgeBlacklist drops expired entries; called from the cleanup job.
func (a *AuthMiddleware) PurgeBlacklist() {
	a.blacklist.purge(time.Now())
}

// Middleware enforces the policy table.
func (a *AuthMiddleware) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := a.tracer.Start(r.Context(), "auth.middleware",
				trace.WithAttributes(attribute.String("http.path", r.URL.Path)))
			defer span.End()
			r = r.WithContext(ctx)

			// Identity headers are ours to set, never the caller's.
			for _, h := range trustedIdentityHeaders {
				r.Header.Del(h)
			}

			if a.blocks != nil && a.blocks.IsBlocked(getClientIP(r)) {
				a.auditFailure(r, "", "address is on the block list")
				writeForbidden(w, "Access denied")
				return
			}

			rule := a.resolvePolicy(r.Method, r.URL.Path)
			if rule.Public {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := getClientIP(r)
			if a.limiter != nil {
				if res, err := a.limiter.Status(ctx, ratelimit.RuleAuth, clientIP); err == nil && !res.Allowed {
					a.auditFailure(r, "", "authentication attempt budget exhausted")
					writeTooManyAttempts(w, res.ResetTime)
					return
				}
			}

			ac, reason := a.authenticate(r)
			if ac == nil {
				if a.limiter != nil {
					_, _ = a.limiter.Check(ctx, ratelimit.RuleAuth, clientIP,
						map[string]interface{}{"path": r.URL.Path})
				}
				a.auditFailure(r, "", reason)
				writeUnauthorized(w, "Authentication required")
				return
			}

			if !roleAllowed(rule, ac) {
				a.auditDenied(r, ac, "role not permitted for endpoint")
				writeForbidden(w, "Insufficient permissions")
				return
			}
			if !permissionAllowed(rule, ac) {
				a.auditDenied(r, ac, "missing required permission")
				writeForbidden(w, "Insufficient permissions")
				return
			}
			if rule.RequireMFA && !ac.MFAVerified {
				a.auditDenied(r, ac, "multi-factor verification required")
				writeForbidden(w, "Multi-factor verification required")
				return
			}

			span.SetAttributes(
				attribute.String("user_id", ac.UserID),
				attribute.String("role", ac.Role),
			)

			a.auditSuccess(r, ac)

			// Forward the verified identity for downstream services.
			r.Header.Set("X-Auth-User-ID", ac.UserID)
			r.Header.Set("X-Auth-Email", ac.Email)
			r.Header.Set("X-Auth-Role", ac.Role)
			r.Header.Set("X-Auth-Session-ID", ac.SessionID)

			ctx = context.WithValue(r.Context(), contextKeyAuthContext, ac)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// resolvePolicy finds the first matching policy. Unmatched API paths demand
// authentication; everything else is open.
func (a *AuthMiddleware) resolvePolicy(method, path string) PolicyRule {
	for _, p := range a.policies {
		if !strings.HasPrefix(path, p.Prefix) {
			continue
		}
		if p.Methods != nil {
			if rule, ok := p.Methods[method]; ok {
				return rule
			}
		}
		return p.Rule
	}
	if strings.HasPrefix(path, "/api/") {
		return PolicyRule{} // authenticated, no specific role
	}
	return PolicyRule{Public: true}
}

// authenticate extracts and verifies the request's credential. It returns
// the identity or a nil context with an internal-only failure reason.
func (a *AuthMiddleware) authenticate(r *http.Request) (*AuthContext, string) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		if identity, ok := a.config.APIKeys[key]; ok {
			ac := identity
			return &ac, ""
		}
		return nil, "unknown api key"
	}

	tokenString, source, err := extractToken(r)
	if err != nil {
		return nil, err.Error()
	}

	claims, err := a.parseClaims(tokenString)
	if err != nil {
		return nil, fmt.Sprintf("%s token rejected: %v", source, err)
	}
	if claims.Subject == "" || claims.Email == "" || claims.Role == "" {
		return nil, "token missing required claims"
	}
	if a.blacklist.isRevoked(claims.ID) {
		return nil, "token has been revoked"
	}

	return &AuthContext{
		UserID:      claims.Subject,
		Email:       claims.Email,
		Role:        claims.Role,
		Permissions: claims.Permissions,
		SessionID:   claims.SessionID,
		MFAVerified: claims.MFAVerified,
	}, ""
}

func (a *AuthMiddleware) parseClaims(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.config.JWTSecret, nil
	},
		jwt.WithIssuer(a.config.Issuer),
		jwt.WithAudience(a.config.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// extractToken pulls the credential from the Authorization header or the
// session cookie, reporting which source it came from.
func extractToken(r *http.Request) (token, source string, err error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return "", "", errors.New("malformed authorization header")
		}
		return parts[1], "bearer", nil
	}
	if cookie, cerr := r.Cookie("session"); cerr == nil && cookie.Value != "" {
		return cookie.Value, "session", nil
	}
	return "", "", errors.New("no credential presented")
}

func roleAllowed(rule PolicyRule, ac *AuthContext) bool {
	if len(rule.Roles) == 0 || ac.Role == RoleAdmin {
		return true
	}
	for _, role := range rule.Roles {
		if ac.Role == role {
			return true
		}
	}
	return false
}

// permissionAllowed applies OR semantics: any one listed permission grants
// access. Admin and wildcard holders always pass.
func permissionAllowed(rule PolicyRule, ac *AuthContext) bool {
	if len(rule.Permissions) == 0 || ac.Role == RoleAdmin {
		return true
	}
	for _, required := range rule.Permissions {
		for _, held := range ac.Permissions {
			if held == required || held == "*" {
				return true
			}
		}
	}
	return false
}

func (a *AuthMiddleware) auditFailure(r *http.Request, userID, reason string) {
	a.logger.Debug("authentication failed",
		zap.String("path", r.URL.Path), zap.String("reason", reason))
	_, _ = a.audit.Log(r.Context(), audit.Entry{
		Type:        domain.EventLoginFailure,
		Result:      domain.ResultBlocked,
		Actor:       domain.Actor{UserID: userID},
		Request:     requestInfo(r),
		Description: "authentication failed: " + reason,
	})
}

func (a *AuthMiddleware) auditDenied(r *http.Request, ac *AuthContext, reason string) {
	_, _ = a.audit.Log(r.Context(), audit.Entry{
		Type:        domain.EventAccessDenied,
		Result:      domain.ResultBlocked,
		Actor:       domain.Actor{UserID: ac.UserID, Role: ac.Role, Email: ac.Email},
		Request:     requestInfo(r),
		Description: "access denied: " + reason,
	})
}

func (a *AuthMiddleware) auditSuccess(r *http.Request, ac *AuthContext) {
	_, _ = a.audit.Log(r.Context(), audit.Entry{
		Type:        domain.EventAccessGranted,
		Severity:    domain.SeverityInfo,
		Result:      domain.ResultSuccess,
		Actor:       domain.Actor{UserID: ac.UserID, Role: ac.Role, Email: ac.Email, SessionID: ac.SessionID},
		Request:     requestInfo(r),
		Description: "request authenticated",
	})
}

func writeTooManyAttempts(w http.ResponseWriter, resetAt time.Time) {
	retry := int(time.Until(resetAt).Seconds())
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    "RATE_LIMIT_EXCEEDED",
			"message": "Too many failed authentication attempts",
		},
	})
}

func requestInfo(r *http.Request) domain.Request {
	return domain.Request{
		IPAddress: getClientIP(r),
		UserAgent: r.UserAgent(),
		Method:    r.Method,
		Path:      r.URL.Path,
		RequestID: RequestIDFromContext(r.Context()),
	}
}

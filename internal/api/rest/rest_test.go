package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tutorgate/platform-trust-core/internal/infrastructure/config"
	"github.com/tutorgate/platform-trust-core/internal/service/audit"
	"github.com/tutorgate/platform-trust-core/internal/service/auditor"
	"github.com/tutorgate/platform-trust-core/internal/service/breaker"
	"github.com/tutorgate/platform-trust-core/internal/service/crypto"
	"github.com/tutorgate/platform-trust-core/internal/service/csrf"
	"github.com/tutorgate/platform-trust-core/internal/service/monitor"
	"github.com/tutorgate/platform-trust-core/internal/service/ratelimit"
)

type testServer struct {
	handler http.Handler
	auth    *AuthMiddleware
	csrf    *csrf.Service
	monitor *monitor.Monitor
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)

	auditLog, err := audit.NewLogger(audit.LoggerConfig{
		Dir:    t.TempDir(),
		Secret: []byte("rest-test-audit-secret"),
	}, logger)
	require.NoError(t, err)

	csrfService, err := csrf.NewService(csrf.Config{
		Secret: []byte("rest-test-csrf-secret"),
		Expiry: 30 * time.Minute,
	}, logger, auditLog)
	require.NoError(t, err)

	cryptoService, err := crypto.NewService(crypto.Config{
		MasterSecret: []byte("rest-test-master-secret-32-bytes"),
	}, logger, auditLog)
	require.NoError(t, err)

	breakers := breaker.NewRegistry(breaker.DefaultConfig(), logger)
	mon := monitor.New(monitor.Config{}, auditLog, logger).WithBreakers(breakers)
	auditLog.SetAlertSink(mon)
	apiAuditor := auditor.New([]string{t.TempDir()}, logger)
	limiter := ratelimit.NewService(nil, nil, logger, auditLog)

	authMW := NewAuthMiddleware(AuthConfig{
		JWTSecret:   []byte("rest-test-jwt-secret"),
		Issuer:      "tutorgate",
		Audience:    "tutorgate-portal",
		TokenExpiry: time.Hour,
	}, auditLog, logger).
		WithBlockChecker(mon.BlockList()).
		WithLimiter(limiter)

	h := NewHandlers(logger, auditLog, csrfService, cryptoService, mon, apiAuditor, breakers)
	router := NewRouter(h, RouterConfig{
		Logger:     logger,
		Auth:       authMW,
		CSRF:       csrfService,
		Limiter:    limiter,
		Registerer: prometheus.NewRegistry(),
		Gatherer:   prometheus.NewRegistry(),
	})
	return &testServer{handler: router, auth: authMW, csrf: csrfService, monitor: mon}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) token(t *testing.T, ac AuthContext) string {
	t.Helper()
	token, err := ts.auth.GenerateToken(ac)
	require.NoError(t, err)
	return token
}

func (ts *testServer) csrfToken(t *testing.T) string {
	t.Helper()
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/security/csrf-token", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Token
}

func adminContext() AuthContext {
	return AuthContext{
		UserID:      "admin-1",
		Email:       "admin@example.com",
		Role:        RoleAdmin,
		MFAVerified: true,
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestSecurityHeadersOnEveryResponse(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))
	assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestRequestIDEchoed(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-abc-123")
	rec := ts.do(req)

	assert.Equal(t, "req-abc-123", rec.Header().Get("X-Request-ID"))
}

func TestCSRFTokenShape(t *testing.T) {
	ts := newTestServer(t)
	token := ts.csrfToken(t)
	assert.Len(t, token, csrf.TokenLength)
}

func TestContactFormRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	payload, _ := json.Marshal(map[string]string{
		"name":    "Dana Cruz",
		"email":   "dana@example.com",
		"message": "Looking for algebra tutoring twice a week.",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/forms/contact", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(CSRFHeader, ts.csrfToken(t))
	rec := ts.do(req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "received", body["status"])
	assert.NotEmpty(t, body["id"])
}

func TestContactFormRejectedWithoutCSRF(t *testing.T) {
	ts := newTestServer(t)
	payload, _ := json.Marshal(map[string]string{
		"name": "Dana Cruz", "email": "dana@example.com", "message": "hello",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/forms/contact", bytes.NewReader(payload))
	rec := ts.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "CSRF")
}

func TestContactFormValidation(t *testing.T) {
	ts := newTestServer(t)
	payload, _ := json.Marshal(map[string]string{
		"name": "Dana Cruz", "email": "not-an-email", "message": "hello",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/forms/contact", bytes.NewReader(payload))
	req.Header.Set(CSRFHeader, ts.csrfToken(t))
	rec := ts.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "VALIDATION_FAILED")
}

func TestInjectionInputRejectedAndBlocked(t *testing.T) {
	ts := newTestServer(t)
	payload, _ := json.Marshal(map[string]string{
		"name":    "Dana Cruz",
		"email":   "dana@example.com",
		"message": "interesting' OR 1=1; DROP TABLE students",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/forms/contact", bytes.NewReader(payload))
	req.Header.Set(CSRFHeader, ts.csrfToken(t))
	req.RemoteAddr = "203.0.113.66:40000"
	rec := ts.do(req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "SUSPICIOUS_INPUT")

	// The audit sink delivers to the monitor asynchronously; the
	// zero-tolerance injection rule then blocks the address.
	require.Eventually(t, func() bool {
		return ts.monitor.BlockList().IsBlocked("203.0.113.66")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestXSSInputRejected(t *testing.T) {
	ts := newTestServer(t)
	payload, _ := json.Marshal(map[string]string{
		"student_name":  "Sam Lee",
		"student_email": "sam@example.com",
		"subject":       "chemistry",
		"notes":         `<script>document.location="https://evil.example"</script>`,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/forms/enroll", bytes.NewReader(payload))
	req.Header.Set(CSRFHeader, ts.csrfToken(t))
	rec := ts.do(req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "SUSPICIOUS_INPUT")
}

func TestErrorEnvelopeShape(t *testing.T) {
	ts := newTestServer(t)
	payload, _ := json.Marshal(map[string]string{
		"name": "Dana Cruz", "email": "not-an-email", "message": "hello",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/forms/contact", bytes.NewReader(payload))
	req.Header.Set(CSRFHeader, ts.csrfToken(t))
	rec := ts.do(req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	errObj, ok := body["error"].(map[string]interface{})
	require.True(t, ok, "top-level error object")
	assert.Equal(t, "VALIDATION_FAILED", errObj["code"])
	for _, field := range []string{"id", "message", "category", "timestamp"} {
		assert.Contains(t, errObj, field)
	}
	assert.NotContains(t, errObj, "error", "envelope must not nest")
}

func TestEnrollmentFormRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	payload, _ := json.Marshal(map[string]string{
		"student_name":  "Sam Lee",
		"student_email": "sam@example.com",
		"subject":       "chemistry",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/forms/enroll", bytes.NewReader(payload))
	req.Header.Set(CSRFHeader, ts.csrfToken(t))
	rec := ts.do(req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestDashboardRequiresAuth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/security/dashboard", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Bearer realm="api"`, rec.Header().Get("WWW-Authenticate"))
}

func TestDashboardWithAdminToken(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/security/dashboard?hours=12", nil)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, adminContext()))
	rec := ts.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 12, body["window_hours"])
}

func TestDashboardDeniedForStudent(t *testing.T) {
	ts := newTestServer(t)
	student := AuthContext{UserID: "stu-1", Email: "s@example.com", Role: RoleStudent}
	req := httptest.NewRequest(http.MethodGet, "/api/security/dashboard", nil)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, student))
	rec := ts.do(req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDashboardRoleMatrix(t *testing.T) {
	ts := newTestServer(t)
	for role, want := range map[string]int{
		RoleAdmin:   http.StatusOK,
		RoleTeacher: http.StatusForbidden,
		RoleParent:  http.StatusForbidden,
		RoleStudent: http.StatusForbidden,
		RoleGuest:   http.StatusForbidden,
	} {
		ac := AuthContext{UserID: "u-" + role, Email: role + "@example.com", Role: role, MFAVerified: true}
		req := httptest.NewRequest(http.MethodGet, "/api/security/dashboard", nil)
		req.Header.Set("Authorization", "Bearer "+ts.token(t, ac))
		assert.Equal(t, want, ts.do(req).Code, role)
	}
}

func TestAlertAckRequiresMFA(t *testing.T) {
	ts := newTestServer(t)
	noMFA := adminContext()
	noMFA.MFAVerified = false
	req := httptest.NewRequest(http.MethodPost, "/api/security/alerts/"+
		"11111111-1111-1111-1111-111111111111/ack", nil)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, noMFA))
	rec := ts.do(req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "Multi-factor")
}

func TestAlertAckUnknownID(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/security/alerts/"+
		"11111111-1111-1111-1111-111111111111/ack", nil)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, adminContext()))
	rec := ts.do(req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRevokedTokenRejected(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, adminContext())

	req := httptest.NewRequest(http.MethodGet, "/api/security/dashboard", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, ts.do(req).Code)

	require.NoError(t, ts.auth.RevokeToken(req.Context(), token))

	req = httptest.NewRequest(http.MethodGet, "/api/security/dashboard", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, ts.do(req).Code)
}

func TestAuthAttemptsRateLimited(t *testing.T) {
	ts := newTestServer(t)

	var last *httptest.ResponseRecorder
	for i := 0; i < 12; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/security/dashboard", nil)
		req.Header.Set("Authorization", "Bearer not-a-token")
		req.RemoteAddr = "198.51.100.30:5000"
		last = ts.do(req)
		if last.Code == http.StatusTooManyRequests {
			break
		}
		require.Equal(t, http.StatusUnauthorized, last.Code)
	}
	require.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.NotEmpty(t, last.Header().Get("Retry-After"))

	// A different address is unaffected.
	req := httptest.NewRequest(http.MethodGet, "/api/security/dashboard", nil)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, adminContext()))
	req.RemoteAddr = "198.51.100.31:5000"
	assert.Equal(t, http.StatusOK, ts.do(req).Code)
}

func TestForgedTokenRejected(t *testing.T) {
	ts := newTestServer(t)
	forged := NewAuthMiddleware(AuthConfig{
		JWTSecret:   []byte("some-other-secret"),
		Issuer:      "tutorgate",
		Audience:    "tutorgate-portal",
		TokenExpiry: time.Hour,
	}, nil, zaptest.NewLogger(t))
	token, err := forged.GenerateToken(adminContext())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/security/dashboard", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, ts.do(req).Code)
}

func TestSessionCookieAccepted(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/security/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: ts.token(t, adminContext())})
	assert.Equal(t, http.StatusOK, ts.do(req).Code)
}

func TestInboundIdentityHeadersStripped(t *testing.T) {
	ts := newTestServer(t)
	var seen string
	// Route the request through the auth middleware directly so the
	// downstream handler can observe the forwarded headers.
	handler := ts.auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Auth-User-ID")
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/anything", nil)
	req.Header.Set("X-Auth-User-ID", "spoofed-admin")
	req.Header.Set("Authorization", "Bearer "+ts.token(t, adminContext()))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin-1", seen)
}

func TestBlockedIPDenied(t *testing.T) {
	ts := newTestServer(t)
	ts.monitor.BlockList().Block("203.0.113.9", "test block")

	req := httptest.NewRequest(http.MethodGet, "/api/security/dashboard", nil)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, adminContext()))
	req.RemoteAddr = "203.0.113.9:51234"
	assert.Equal(t, http.StatusForbidden, ts.do(req).Code)
}

func TestRateLimitHeaders(t *testing.T) {
	ts := newTestServer(t)
	token := ts.csrfToken(t)
	payload, _ := json.Marshal(map[string]string{
		"name": "Dana", "email": "dana@example.com", "message": "hi",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/forms/contact", bytes.NewReader(payload))
	req.Header.Set(CSRFHeader, token)
	rec := ts.do(req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "memory", rec.Header().Get("X-RateLimit-Store"))
}

func TestContactRateLimitExhaustion(t *testing.T) {
	ts := newTestServer(t)
	payload, _ := json.Marshal(map[string]string{
		"name": "Dana", "email": "dana@example.com", "message": "hi",
	})

	var last *httptest.ResponseRecorder
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/forms/contact", bytes.NewReader(payload))
		req.Header.Set(CSRFHeader, ts.csrfToken(t))
		req.RemoteAddr = "198.51.100.20:4000"
		last = ts.do(req)
		if last.Code == http.StatusTooManyRequests {
			break
		}
	}
	require.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.NotEmpty(t, last.Header().Get("Retry-After"))
	assert.Contains(t, last.Body.String(), "RATE_LIMIT_EXCEEDED")
}

func TestPolicyResolution(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		path   string
		public bool
	}{
		{"/api/security/csrf-token", true},
		{"/api/forms/contact", true},
		{"/api/security/dashboard", false},
		{"/api/unmapped/endpoint", false},
		{"/healthz", true},
	}
	for _, tt := range tests {
		rule := ts.auth.resolvePolicy(http.MethodGet, tt.path)
		assert.Equal(t, tt.public, rule.Public, tt.path)
	}
}

func TestServerGracefulShutdown(t *testing.T) {
	logger := zaptest.NewLogger(t)
	srv := NewServer(&config.ServerConfig{
		Port:            0,
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
		ShutdownTimeout: time.Second,
	}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}

package rest

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/tutorgate/platform-trust-core/internal/domain/errors"
	"github.com/tutorgate/platform-trust-core/internal/service/csrf"
)

// CSRFHeader carries the token on state-changing requests.
const CSRFHeader = "X-CSRF-Token"

// csrfExemptPrefixes are mutating endpoints that carry their own credential
// and are called by services, not browsers.
var csrfExemptPrefixes = []string{
	"/api/security/alerts",
}

// CSRFMiddleware rejects mutating requests without a valid token. Safe
// methods and exempt service endpoints pass through.
func CSRFMiddleware(service *csrf.Service, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}
			for _, prefix := range csrfExemptPrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}

			token := r.Header.Get(CSRFHeader)
			if token == "" {
				token = r.FormValue("csrf_token")
			}
			result := service.Validate(r.Context(), token, requestInfo(r))
			if !result.Valid {
				logger.Debug("csrf rejection",
					zap.String("path", r.URL.Path),
					zap.String("reason", result.Reason))
				code := "CSRF_TOKEN_INVALID"
				if result.Expired {
					code = "CSRF_TOKEN_EXPIRED"
				}
				writeError(w, apperrors.NewValidationError(code, "Invalid or missing CSRF token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

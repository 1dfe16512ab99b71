package rest

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/tutorgate/platform-trust-core/internal/service/ratelimit"
)

// RuleRateLimit enforces a named windowed rule for the wrapped endpoint.
// Responses carry the X-RateLimit-* headers; denials add Retry-After and a
// header naming the backing store so degraded mode is visible.
func RuleRateLimit(limiter *ratelimit.Service, ruleType ratelimit.RuleType, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := getClientIP(r)
			result, err := limiter.Check(r.Context(), ruleType, clientIP, map[string]interface{}{
				"path":   r.URL.Path,
				"method": r.Method,
			})
			if err != nil {
				// Limiter misconfiguration fails open but is loud.
				logger.Error("rate limit check failed",
					zap.String("rule", string(ruleType)), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			rule, _ := limiter.Rule(ruleType)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rule.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))
			if result.UsingFallback {
				w.Header().Set("X-RateLimit-Store", "memory")
			}

			if !result.Allowed {
				retryAfter := int(time.Until(result.ResetTime).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
					"error": map[string]interface{}{
						"code":    "RATE_LIMIT_EXCEEDED",
						"message": "Too many requests, slow down",
					},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

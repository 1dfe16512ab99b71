package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	domain "github.com/tutorgate/platform-trust-core/internal/domain/audit"
	"github.com/tutorgate/platform-trust-core/internal/domain/errors"
	"github.com/tutorgate/platform-trust-core/internal/service/audit"
	"github.com/tutorgate/platform-trust-core/internal/service/breaker"
)

const keyPrefix = "ratelimit:"

// Result is the outcome of a rate-limit check.
type Result struct {
	Allowed       bool
	Remaining     int
	ResetTime     time.Time
	UsingFallback bool
}

// BlockChecker lets the security monitor's IP block list veto requests before
// any counting happens.
type BlockChecker interface {
	IsBlocked(ip string) bool
}

// Service is the dual-mode limiter: Redis sliding window when a client is
// configured and healthy, in-memory fixed window otherwise. Every fallback use
// is flagged on the result and logged so operators know cross-instance
// guarantees are weakened.
type Service struct {
	client  *redis.Client // nil means fallback-only
	rules   map[RuleType]Rule
	memory  *memoryStore
	logger  *zap.Logger
	audit   *audit.Logger
	blocks  BlockChecker
	breaker *breaker.Breaker
}

// NewService creates the limiter. client may be nil (development, store
// outage at startup); the service then runs entirely on the in-memory path.
func NewService(client *redis.Client, rules map[RuleType]Rule, logger *zap.Logger, auditLog *audit.Logger) *Service {
	if rules == nil {
		rules = DefaultRules()
	}
	if client == nil && logger != nil {
		logger.Warn("rate limiter running without a distributed store; limits are per-instance only")
	}
	return &Service{
		client: client,
		rules:  rules,
		memory: newMemoryStore(),
		logger: logger,
		audit:  auditLog,
	}
}

// SetBlockChecker wires the monitor's IP block list.
func (s *Service) SetBlockChecker(b BlockChecker) {
	s.blocks = b
}

// SetBreaker routes distributed-store round trips through a circuit breaker
// so a dead store is skipped instead of timing out on every request.
func (s *Service) SetBreaker(b *breaker.Breaker) {
	s.breaker = b
}

// viaBreaker runs a store operation through the breaker when one is wired.
func (s *Service) viaBreaker(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if s.breaker == nil {
		return fn(ctx)
	}
	return s.breaker.Execute(ctx, fn)
}

// StartSweep begins the fallback-store garbage collection.
func (s *Service) StartSweep(ctx context.Context) {
	s.memory.startSweep(ctx, 5*time.Minute)
}

// Check counts one request against the rule's window for the client. Store
// failures never surface to the caller; they degrade to the in-memory path.
func (s *Service) Check(ctx context.Context, ruleType RuleType, clientID string, metadata map[string]interface{}) (Result, error) {
	rule, ok := s.rules[ruleType]
	if !ok {
		return Result{}, errors.NewValidationError("UNKNOWN_RULE", fmt.Sprintf("no rate limit rule %q", ruleType))
	}

	if s.blocks != nil && s.blocks.IsBlocked(clientID) {
		res := Result{Allowed: false, Remaining: 0, ResetTime: time.Now().Add(rule.Window)}
		s.logDenial(ctx, ruleType, rule, clientID, res, "client is on the block list")
		return res, nil
	}

	key := bucketKey(ruleType, clientID)

	if s.client != nil {
		v, err := s.viaBreaker(ctx, func(ctx context.Context) (interface{}, error) {
			return s.checkRedis(ctx, key, rule)
		})
		if err == nil {
			res := v.(Result)
			if !res.Allowed {
				s.logDenial(ctx, ruleType, rule, clientID, res, "limit exceeded")
			}
			return res, nil
		}
		s.degrade(ctx, ruleType, clientID, err)
	}

	allowed, remaining, resetAt := s.memory.check(key, rule)
	res := Result{Allowed: allowed, Remaining: remaining, ResetTime: resetAt, UsingFallback: true}
	if !allowed {
		s.logDenial(ctx, ruleType, rule, clientID, res, "limit exceeded")
	}
	return res, nil
}

// Status peeks at the remaining budget without counting a request.
func (s *Service) Status(ctx context.Context, ruleType RuleType, clientID string) (Result, error) {
	rule, ok := s.rules[ruleType]
	if !ok {
		return Result{}, errors.NewValidationError("UNKNOWN_RULE", fmt.Sprintf("no rate limit rule %q", ruleType))
	}
	key := bucketKey(ruleType, clientID)

	if s.client != nil {
		v, err := s.viaBreaker(ctx, func(ctx context.Context) (interface{}, error) {
			return s.redisCount(ctx, key, rule.Window)
		})
		if err == nil {
			remaining := rule.MaxRequests - v.(int)
			if remaining < 0 {
				remaining = 0
			}
			return Result{
				Allowed:   remaining > 0,
				Remaining: remaining,
				ResetTime: time.Now().Add(rule.Window),
			}, nil
		}
		s.logger.Warn("rate limit status falling back to memory", zap.Error(err))
	}

	remaining, resetAt := s.memory.peek(key, rule)
	return Result{Allowed: remaining > 0, Remaining: remaining, ResetTime: resetAt, UsingFallback: true}, nil
}

// Reset clears the counter for a (rule, client) pair on both paths.
func (s *Service) Reset(ctx context.Context, ruleType RuleType, clientID string) error {
	key := bucketKey(ruleType, clientID)
	s.memory.reset(key)
	if s.client != nil {
		if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
			return errors.Wrap(err, "reset rate limit key")
		}
	}
	return nil
}

// Rule exposes the configuration for a rule type.
func (s *Service) Rule(ruleType RuleType) (Rule, bool) {
	r, ok := s.rules[ruleType]
	return r, ok
}

// checkRedis runs the sliding-window count against the distributed store
// using a sorted set per bucket: prune expired members, count, add, expire.
func (s *Service) checkRedis(ctx context.Context, key string, rule Rule) (Result, error) {
	now := time.Now()
	windowStart := now.Add(-rule.Window)
	redisKey := keyPrefix + key

	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, redisKey)
	member := fmt.Sprintf("%d-%d", now.UnixNano(), now.Nanosecond()%1000)
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, redisKey, rule.Window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, errors.Wrap(err, "rate limit pipeline")
	}

	prior := int(countCmd.Val())
	if prior >= rule.MaxRequests {
		// Remove the entry just added; the request is not admitted.
		s.client.ZRem(ctx, redisKey, member)
		return Result{Allowed: false, Remaining: 0, ResetTime: now.Add(rule.Window)}, nil
	}

	return Result{
		Allowed:   true,
		Remaining: rule.MaxRequests - prior - 1,
		ResetTime: now.Add(rule.Window),
	}, nil
}

func (s *Service) redisCount(ctx context.Context, key string, window time.Duration) (int, error) {
	now := time.Now()
	redisKey := keyPrefix + key
	if err := s.client.ZRemRangeByScore(ctx, redisKey, "-inf",
		strconv.FormatInt(now.Add(-window).UnixNano(), 10)).Err(); err != nil {
		return 0, errors.Wrap(err, "rate limit prune")
	}
	count, err := s.client.ZCard(ctx, redisKey).Result()
	if err != nil {
		return 0, errors.Wrap(err, "rate limit count")
	}
	return int(count), nil
}

// degrade records a distributed-store failure as a security event.
func (s *Service) degrade(ctx context.Context, ruleType RuleType, clientID string, err error) {
	s.logger.Warn("rate limit store unavailable, using in-memory fallback",
		zap.String("rule", string(ruleType)),
		zap.String("client", clientID),
		zap.Error(err))
	if s.audit != nil {
		_, _ = s.audit.Log(ctx, audit.Entry{
			Type:        domain.EventStoreFailure,
			Severity:    domain.SeverityHigh,
			Result:      domain.ResultFailure,
			Description: "rate limit store unreachable, degraded to in-memory fallback",
			Metadata: map[string]interface{}{
				"rule":  string(ruleType),
				"error": err.Error(),
			},
		})
	}
}

func (s *Service) logDenial(ctx context.Context, ruleType RuleType, rule Rule, clientID string, res Result, reason string) {
	s.logger.Info("rate limit denial",
		zap.String("rule", string(ruleType)),
		zap.String("client", clientID),
		zap.Bool("fallback", res.UsingFallback),
		zap.Time("reset", res.ResetTime))
	if s.audit != nil {
		_, _ = s.audit.Log(ctx, audit.Entry{
			Type:        domain.EventRateLimitExceeded,
			Result:      domain.ResultBlocked,
			Request:     domain.Request{IPAddress: clientID},
			Description: fmt.Sprintf("%s rate limit denied: %s", rule.Label, reason),
			Metadata: map[string]interface{}{
				"rule":          string(ruleType),
				"limit":         rule.MaxRequests,
				"window_sec":    int(rule.Window.Seconds()),
				"remaining":     res.Remaining,
				"reset_time":    res.ResetTime.UTC().Format(time.RFC3339),
				"backing_store": backingName(res.UsingFallback),
			},
		})
	}
}

func bucketKey(ruleType RuleType, clientID string) string {
	return fmt.Sprintf("%s_%s", ruleType, clientID)
}

func backingName(fallback bool) string {
	if fallback {
		return "memory"
	}
	return "redis"
}

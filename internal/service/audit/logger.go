package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	domain "github.com/tutorgate/platform-trust-core/internal/domain/audit"
	"github.com/tutorgate/platform-trust-core/internal/domain/errors"
)

// LoggerConfig configures the audit logging service.
type LoggerConfig struct {
	Dir           string        // partition directory
	Secret        []byte        // HMAC key for integrity hashes (required)
	MaxFileSize   int64         // rotate partitions past this size (default 50MB)
	RetentionDays int           // delete partitions older than this (default 365)
	QueryLimit    int           // default result cap for queries (default 1000)
	SweepInterval time.Duration // retention sweep cadence (default 1h)
}

// DefaultLoggerConfig returns the default configuration.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Dir:           "logs/audit",
		MaxFileSize:   50 * 1024 * 1024,
		RetentionDays: 365,
		QueryLimit:    1000,
		SweepInterval: time.Hour,
	}
}

// AlertSink receives alert-worthy events after they are persisted. Delivery is
// fire-and-forget; a slow or failing sink never blocks the primary write.
type AlertSink interface {
	Notify(event *domain.Event)
}

// Entry is the caller-supplied partial record. Zero values are filled with
// defaults by Log: id, timestamp, derived severity and category, success result.
type Entry struct {
	Type        domain.EventType
	Severity    domain.Severity
	Result      domain.Result
	Actor       domain.Actor
	Request     domain.Request
	Resource    string
	Description string
	Metadata    map[string]interface{}
}

// Logger is the append-only audit log service. Appends are serialized within
// the process; partitions are one NDJSON file per UTC day per category.
type Logger struct {
	config   LoggerConfig
	logger   *zap.Logger
	redactor *Redactor

	mu        sync.Mutex
	sink      AlertSink
	sinkMu    sync.RWMutex

	totalEvents   int64
	failedWrites  int64
}

// NewLogger creates the audit logger and its partition directory.
func NewLogger(config LoggerConfig, logger *zap.Logger) (*Logger, error) {
	if len(config.Secret) == 0 {
		return nil, errors.NewConfigurationError("audit logger requires an integrity secret")
	}
	defaults := DefaultLoggerConfig()
	if config.Dir == "" {
		config.Dir = defaults.Dir
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = defaults.MaxFileSize
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = defaults.RetentionDays
	}
	if config.QueryLimit <= 0 {
		config.QueryLimit = defaults.QueryLimit
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}

	if err := os.MkdirAll(config.Dir, 0o750); err != nil {
		return nil, errors.Wrap(err, "create audit log directory")
	}

	return &Logger{
		config:   config,
		logger:   logger,
		redactor: NewRedactor(DefaultRedactionRules()),
	}, nil
}

// SetAlertSink registers the monitor (or another sink) for alert-worthy events.
func (l *Logger) SetAlertSink(sink AlertSink) {
	l.sinkMu.Lock()
	defer l.sinkMu.Unlock()
	l.sink = sink
}

// Log fills defaults, seals the event and appends it to the day partition.
// Write failures degrade to a stderr fallback: audit attempts are never
// silently lost and never crash the caller.
func (l *Logger) Log(ctx context.Context, entry Entry) (uuid.UUID, error) {
	event, err := domain.NewEvent(entry.Type, l.redactor.Redact(entry.Description))
	if err != nil {
		return uuid.Nil, err
	}
	if entry.Severity != "" {
		event.Severity = entry.Severity
	}
	if entry.Result != "" {
		event.Result = entry.Result
	}
	event.Actor = entry.Actor
	event.Request = entry.Request
	event.Resource = entry.Resource
	event.Metadata = l.redactor.RedactMetadata(entry.Metadata)

	if _, err := event.ComputeIntegrityHash(l.config.Secret); err != nil {
		return uuid.Nil, err
	}

	line, err := json.Marshal(event)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "marshal audit event")
	}

	if err := l.append(event, line); err != nil {
		l.mu.Lock()
		l.failedWrites++
		l.mu.Unlock()
		l.logger.Error("audit write failed, falling back to stderr",
			zap.String("event_id", event.ID.String()),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		fmt.Fprintf(os.Stderr, "AUDIT-FALLBACK %s\n", line)
	}

	if domain.IsAlertWorthy(event.Type, event.Severity) {
		l.notifySink(event)
	}

	return event.ID, nil
}

// append serializes writes and handles size-based rotation.
func (l *Logger) append(event *domain.Event, line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.partitionPath(event.Category, event.Timestamp)
	if info, err := os.Stat(path); err == nil && info.Size() >= l.config.MaxFileSize {
		rotated := fmt.Sprintf("%s.%s", path, event.Timestamp.Format("150405"))
		if err := os.Rename(path, rotated); err != nil {
			l.logger.Warn("audit partition rotation failed",
				zap.String("path", path), zap.Error(err))
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return errors.Wrap(err, "open audit partition")
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return errors.Wrap(err, "append audit event")
	}
	l.totalEvents++
	return nil
}

func (l *Logger) notifySink(event *domain.Event) {
	l.sinkMu.RLock()
	sink := l.sink
	l.sinkMu.RUnlock()
	if sink == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("alert sink panicked", zap.Any("panic", r))
			}
		}()
		sink.Notify(event)
	}()
}

// partitionPath returns the file for a category and day. Security-category
// events get their own partition series.
func (l *Logger) partitionPath(category string, ts time.Time) string {
	prefix := "audit"
	if category == "security" {
		prefix = "security"
	}
	name := fmt.Sprintf("%s-%s.log", prefix, ts.UTC().Format("2006-01-02"))
	return filepath.Join(l.config.Dir, name)
}

// VerifyIntegrity locates the event by id and recomputes its hash. A missing
// event or a mismatched hash both report false.
func (l *Logger) VerifyIntegrity(ctx context.Context, id uuid.UUID) (bool, error) {
	events, err := l.Query(ctx, Filter{})
	if err != nil {
		return false, err
	}
	for i := range events {
		if events[i].ID == id {
			return events[i].VerifyIntegrity(l.config.Secret)
		}
	}
	return false, errors.NewNotFoundError("audit event")
}

// Stats reports write counters for health checks.
func (l *Logger) Stats() (total, failed int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalEvents, l.failedWrites
}

package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	domain "github.com/tutorgate/platform-trust-core/internal/domain/audit"
	"github.com/tutorgate/platform-trust-core/internal/domain/errors"
)

// Filter narrows a log query. Zero-value fields are ignored; a zero time range
// defaults to the last 24 hours.
type Filter struct {
	From      time.Time
	To        time.Time
	Types     []domain.EventType
	UserID    string
	Severity  domain.Severity
	IPAddress string
	Limit     int
}

// Query scans the day partitions covering the filter range, parses each line
// and returns matches newest-first. Malformed lines are skipped and counted,
// never aborting the scan.
func (l *Logger) Query(ctx context.Context, filter Filter) ([]*domain.Event, error) {
	if filter.To.IsZero() {
		filter.To = time.Now().UTC()
	}
	if filter.From.IsZero() {
		filter.From = filter.To.Add(-24 * time.Hour)
	}
	if filter.From.After(filter.To) {
		return nil, errors.NewValidationError("INVALID_RANGE", "query range start is after end")
	}
	if filter.Limit <= 0 {
		filter.Limit = l.config.QueryLimit
	}

	var events []*domain.Event
	skipped := 0

	for day := filter.From.UTC().Truncate(24 * time.Hour); !day.After(filter.To); day = day.Add(24 * time.Hour) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		for _, base := range []string{
			l.partitionPath("other", day),
			l.partitionPath("security", day),
		} {
			// Size rotation renames a full partition to <base>.<HHMMSS>;
			// those siblings still belong to this day.
			paths := []string{base}
			if rotated, err := filepath.Glob(base + ".*"); err == nil {
				paths = append(paths, rotated...)
			}
			for _, path := range paths {
				matched, bad, err := scanPartition(path, filter)
				if err != nil {
					return nil, err
				}
				events = append(events, matched...)
				skipped += bad
			}
		}
	}

	if skipped > 0 {
		l.logger.Warn("audit query skipped malformed lines", zap.Int("count", skipped))
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	if len(events) > filter.Limit {
		events = events[:filter.Limit]
	}
	return events, nil
}

// scanPartition reads one NDJSON partition, returning matches and the number
// of unparseable lines.
func scanPartition(path string, filter Filter) ([]*domain.Event, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, errors.Wrap(err, "open audit partition")
	}
	defer f.Close()

	var matched []*domain.Event
	skipped := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event domain.Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			skipped++
			continue
		}
		if matches(&event, filter) {
			e := event
			matched = append(matched, &e)
		}
	}
	if err := scanner.Err(); err != nil {
		return matched, skipped, errors.Wrap(err, "scan audit partition")
	}
	return matched, skipped, nil
}

func matches(e *domain.Event, f Filter) bool {
	if e.Timestamp.Before(f.From) || e.Timestamp.After(f.To) {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.UserID != "" && e.Actor.UserID != f.UserID {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if f.IPAddress != "" && e.Request.IPAddress != f.IPAddress {
		return false
	}
	return true
}

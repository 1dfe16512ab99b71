// Package auditor is a best-effort static scan of handler source files. It
// looks for textual markers of auth, validation, rate limiting and audit
// logging around route registrations and grades each endpoint. The output
// feeds posture reporting only; it is heuristic and never a correctness
// oracle.
package auditor

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tutorgate/platform-trust-core/internal/domain/errors"
)

// Rating grades one endpoint's apparent posture.
type Rating string

const (
	RatingSecure   Rating = "secure"
	RatingWarning  Rating = "warning"
	RatingCritical Rating = "critical"
)

// EndpointFinding is the scan result for one registered route.
type EndpointFinding struct {
	Method        string `json:"method"`
	Path          string `json:"path"`
	File          string `json:"file"`
	HasAuth       bool   `json:"has_auth"`
	HasValidation bool   `json:"has_validation"`
	HasRateLimit  bool   `json:"has_rate_limit"`
	HasAudit      bool   `json:"has_audit"`
	Rating        Rating `json:"rating"`
}

// Coverage is the fraction of scanned endpoints carrying each marker.
type Coverage struct {
	Auth       float64 `json:"auth"`
	Validation float64 `json:"validation"`
	RateLimit  float64 `json:"rate_limit"`
	Audit      float64 `json:"audit"`
	Secure     float64 `json:"secure"`
}

// Report is one full scan.
type Report struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	FilesScanned int               `json:"files_scanned"`
	Endpoints    []EndpointFinding `json:"endpoints"`
	Coverage     Coverage          `json:"coverage"`
}

var (
	// routePattern matches net/http 1.22 style registrations:
	// mux.HandleFunc("POST /api/forms/contact", ...).
	routePattern = regexp.MustCompile(`Handle(?:Func)?\(\s*"(GET|POST|PUT|PATCH|DELETE)\s+([^"]+)"`)

	authMarkers       = regexp.MustCompile(`(?i)requireauth|authmiddleware|authcontext|bearer|jwt\.|verifytoken`)
	validationMarkers = regexp.MustCompile(`(?i)validator\.|validate\(|validatestruct|decodeandvalidate|csrf`)
	rateLimitMarkers  = regexp.MustCompile(`(?i)ratelimit|rate_limit|limiter\.`)
	auditMarkers      = regexp.MustCompile(`(?i)audit\.|auditlog|\.log\(ctx`)
)

// publicPaths never require auth markers to rate secure.
var publicPaths = []string{"/healthz", "/metrics", "/api/security/csrf-token"}

// Auditor scans configured source directories and caches the latest report.
type Auditor struct {
	dirs   []string
	logger *zap.Logger

	mu     sync.RWMutex
	latest *Report
}

// New creates an auditor over source directories.
func New(dirs []string, logger *zap.Logger) *Auditor {
	return &Auditor{dirs: dirs, logger: logger}
}

// Scan walks every configured directory, grades each registered endpoint,
// and caches the report. Unreadable files are skipped and logged.
func (a *Auditor) Scan(ctx context.Context) (*Report, error) {
	report := &Report{GeneratedAt: time.Now().UTC()}

	for _, dir := range a.dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() || !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			source, readErr := os.ReadFile(path)
			if readErr != nil {
				a.logger.Warn("auditor skipped unreadable file",
					zap.String("path", path), zap.Error(readErr))
				return nil
			}
			report.FilesScanned++
			report.Endpoints = append(report.Endpoints, a.scanFile(path, string(source))...)
			return nil
		})
		if err != nil {
			return nil, errors.Wrap(err, "scan source directory "+dir)
		}
	}

	report.Coverage = computeCoverage(report.Endpoints)

	a.mu.Lock()
	a.latest = report
	a.mu.Unlock()

	a.logger.Info("endpoint security scan complete",
		zap.Int("files", report.FilesScanned),
		zap.Int("endpoints", len(report.Endpoints)),
		zap.Float64("secure_fraction", report.Coverage.Secure))
	return report, nil
}

// LatestReport returns the most recent scan, or nil before the first one.
func (a *Auditor) LatestReport() *Report {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest
}

// scanFile extracts route registrations and grades them against the file's
// markers. Marker presence is file-scoped: the heuristic assumes a handler
// lives near its registration.
func (a *Auditor) scanFile(path, source string) []EndpointFinding {
	matches := routePattern.FindAllStringSubmatch(source, -1)
	if len(matches) == 0 {
		return nil
	}

	hasAuth := authMarkers.MatchString(source)
	hasValidation := validationMarkers.MatchString(source)
	hasRateLimit := rateLimitMarkers.MatchString(source)
	hasAudit := auditMarkers.MatchString(source)

	findings := make([]EndpointFinding, 0, len(matches))
	for _, m := range matches {
		f := EndpointFinding{
			Method:        m[1],
			Path:          m[2],
			File:          filepath.Base(path),
			HasAuth:       hasAuth,
			HasValidation: hasValidation,
			HasRateLimit:  hasRateLimit,
			HasAudit:      hasAudit,
		}
		f.Rating = rate(f)
		findings = append(findings, f)
	}
	return findings
}

func rate(f EndpointFinding) Rating {
	public := false
	for _, p := range publicPaths {
		if f.Path == p {
			public = true
			break
		}
	}
	mutating := f.Method != "GET"

	switch {
	case mutating && !f.HasAuth && !f.HasValidation && !public:
		return RatingCritical
	case (mutating && !f.HasValidation) || (!public && !f.HasAuth) || !f.HasRateLimit:
		return RatingWarning
	default:
		return RatingSecure
	}
}

func computeCoverage(endpoints []EndpointFinding) Coverage {
	if len(endpoints) == 0 {
		return Coverage{}
	}
	var c Coverage
	n := float64(len(endpoints))
	for _, e := range endpoints {
		if e.HasAuth {
			c.Auth++
		}
		if e.HasValidation {
			c.Validation++
		}
		if e.HasRateLimit {
			c.RateLimit++
		}
		if e.HasAudit {
			c.Audit++
		}
		if e.Rating == RatingSecure {
			c.Secure++
		}
	}
	c.Auth /= n
	c.Validation /= n
	c.RateLimit /= n
	c.Audit /= n
	c.Secure /= n
	return c
}

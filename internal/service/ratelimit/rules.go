package ratelimit

import "time"

// RuleType identifies a rate-limit rule class. Windows and thresholds differ
// per rule to reflect the abuse cost of each surface.
type RuleType string

const (
	RuleContact       RuleType = "contact"
	RuleEnrollment    RuleType = "enrollment"
	RuleAPI           RuleType = "api"
	RuleAuth          RuleType = "auth"
	RulePasswordReset RuleType = "password_reset"
)

// Rule configures one rule type.
type Rule struct {
	Window      time.Duration
	MaxRequests int
	Label       string
}

// DefaultRules returns the portal's rule table.
func DefaultRules() map[RuleType]Rule {
	return map[RuleType]Rule{
		RuleContact:       {Window: 15 * time.Minute, MaxRequests: 3, Label: "contact form"},
		RuleEnrollment:    {Window: time.Hour, MaxRequests: 5, Label: "enrolment form"},
		RuleAPI:           {Window: 15 * time.Minute, MaxRequests: 100, Label: "generic api"},
		RuleAuth:          {Window: 15 * time.Minute, MaxRequests: 10, Label: "auth attempts"},
		RulePasswordReset: {Window: time.Hour, MaxRequests: 3, Label: "password reset"},
	}
}

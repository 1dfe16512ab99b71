package audit

import (
	"regexp"
)

// RedactionRule is one ordered pattern→replacement step of the redaction
// pipeline applied to descriptions and string metadata before persistence.
type RedactionRule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// DefaultRedactionRules masks the PII shapes the portal handles. Rules run in
// order; earlier rules see the original text, later rules see prior output.
func DefaultRedactionRules() []RedactionRule {
	return []RedactionRule{
		{
			Name:        "email",
			Pattern:     regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
			Replacement: "[email]",
		},
		{
			Name:        "card",
			Pattern:     regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`),
			Replacement: "[card]",
		},
		{
			Name:        "ssn",
			Pattern:     regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Replacement: "[ssn]",
		},
		{
			Name:        "phone",
			Pattern:     regexp.MustCompile(`\+?\d{1,3}[ \-.]?\(?\d{2,4}\)?[ \-.]?\d{3}[ \-.]?\d{3,4}`),
			Replacement: "[phone]",
		},
	}
}

// Redactor applies an ordered redaction rule list.
type Redactor struct {
	rules []RedactionRule
}

func NewRedactor(rules []RedactionRule) *Redactor {
	return &Redactor{rules: rules}
}

// Redact masks all rule matches in the given text.
func (r *Redactor) Redact(text string) string {
	for _, rule := range r.rules {
		text = rule.Pattern.ReplaceAllString(text, rule.Replacement)
	}
	return text
}

// RedactMetadata masks string values in a metadata map. Non-string values are
// passed through untouched.
func (r *Redactor) RedactMetadata(md map[string]interface{}) map[string]interface{} {
	if md == nil {
		return nil
	}
	out := make(map[string]interface{}, len(md))
	for k, v := range md {
		if s, ok := v.(string); ok {
			out[k] = r.Redact(s)
		} else {
			out[k] = v
		}
	}
	return out
}

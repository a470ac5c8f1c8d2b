package log

import (
	"fmt"
	"regexp"
)

// Mask replaces the value of every matched sensitive substring.
const Mask = "********"

// Built-in patterns catch key=value and key: value forms for the usual
// secret-bearing keys, case-insensitive. Group 1 keeps the key and
// separator so only the value is masked.
var builtinPatterns = []string{
	`(?i)(password\s*[:=]\s*)\S+`,
	`(?i)(passwd\s*[:=]\s*)\S+`,
	`(?i)(secret\s*[:=]\s*)\S+`,
	`(?i)(token\s*[:=]\s*)\S+`,
	`(?i)(api[_-]?key\s*[:=]\s*)\S+`,
}

// Redactor masks sensitive values in log messages and context maps.
// A single redactor instance sits in front of every job-log sink so
// redaction is never spread across call sites.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor compiles the built-in pattern set plus any extra patterns
// from configuration. An extra pattern with a capture group keeps group 1
// and masks the rest; one without a group is masked entirely.
func NewRedactor(extra []string) (*Redactor, error) {
	r := &Redactor{}
	for _, p := range append(append([]string{}, builtinPatterns...), extra...) {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// MustRedactor is NewRedactor for the built-in set only; it cannot fail.
func MustRedactor() *Redactor {
	r, err := NewRedactor(nil)
	if err != nil {
		panic(err)
	}
	return r
}

// Redact masks every sensitive value in s, including multiple occurrences.
func (r *Redactor) Redact(s string) string {
	for _, re := range r.patterns {
		if re.NumSubexp() >= 1 {
			s = re.ReplaceAllString(s, "${1}"+Mask)
		} else {
			s = re.ReplaceAllString(s, Mask)
		}
	}
	return s
}

// RedactMap returns a copy of ctx with every value redacted. Keys that
// themselves look sensitive have their whole value masked.
func (r *Redactor) RedactMap(ctx map[string]string) map[string]string {
	if ctx == nil {
		return nil
	}
	out := make(map[string]string, len(ctx))
	for k, v := range ctx {
		if sensitiveKey.MatchString(k) {
			out[k] = Mask
			continue
		}
		out[k] = r.Redact(v)
	}
	return out
}

var sensitiveKey = regexp.MustCompile(`(?i)^(password|passwd|secret|token|api[_-]?key)$`)

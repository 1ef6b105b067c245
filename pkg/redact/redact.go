// Package redact masks caller contact details in transcripts before they
// reach logs or timeline files.
package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

type rule struct {
	re   *regexp.Regexp
	repl string
}

// Order matters: emails go first so their digits are not taken for a phone.
var rules = []rule{
	{regexp.MustCompile(`[\p{L}0-9._%+\-]+@[\p{L}0-9\-]+(?:\.[\p{L}0-9\-]+)*\.\p{L}{2,}`), "[email]"},
	// +7 (912) 345-67-89, 8 912 345 67 89, 89123456789
	{regexp.MustCompile(`(?:\+|\b)\d[\d\s\-()]{8,}\d\b`), "[phone]"},
	{regexp.MustCompile(`(?i)(меня зовут|my name is)\s+\p{L}+`), "${1} [name]"},
}

// SetEnabled switches masking on or off for the whole process.
func SetEnabled(v bool) {
	enabled.Store(v)
}

func Enabled() bool {
	return enabled.Load()
}

// Text masks emails, phone numbers and self-introductions when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := in
	for _, r := range rules {
		out = r.re.ReplaceAllString(out, r.repl)
	}
	return out
}

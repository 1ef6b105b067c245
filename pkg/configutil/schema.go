package configutil

import (
	"fmt"
	"sort"
	"strings"
)

// Schema lists the keys a provider accepts in its settings map.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError reports what a settings map is missing and which keys it
// carries that the provider does not know.
type SettingsError struct {
	Missing []string
	Unknown []string
	// Hints maps an unknown key to the closest accepted key.
	Hints map[string]string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		keys := make([]string, 0, len(e.Unknown))
		for _, k := range e.Unknown {
			if hint, ok := e.Hints[k]; ok {
				k = fmt.Sprintf("%s (did you mean %s?)", k, hint)
			}
			keys = append(keys, k)
		}
		parts = append(parts, "unknown: "+strings.Join(keys, ", "))
	}
	return strings.Join(parts, "; ")
}

// ValidateSettings checks input against schema. Key comparison ignores case,
// underscores and hyphens, the same way DecodeSettings matches fields.
// Blank strings and nil values do not satisfy a required key.
func ValidateSettings(input map[string]any, schema Schema) error {
	accepted := make(map[string]string, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Optional {
		accepted[normalizeKey(k)] = k
	}
	for _, k := range schema.Required {
		accepted[normalizeKey(k)] = k
	}

	present := make(map[string]bool, len(input))
	serr := &SettingsError{}
	for k, v := range input {
		nk := normalizeKey(k)
		if !blank(v) {
			present[nk] = true
		}
		if _, ok := accepted[nk]; ok || schema.AllowUnknown {
			continue
		}
		serr.Unknown = append(serr.Unknown, k)
		if hint := closestKey(nk, accepted); hint != "" {
			if serr.Hints == nil {
				serr.Hints = make(map[string]string)
			}
			serr.Hints[k] = hint
		}
	}
	for _, k := range schema.Required {
		if !present[normalizeKey(k)] {
			serr.Missing = append(serr.Missing, k)
		}
	}
	if len(serr.Missing) == 0 && len(serr.Unknown) == 0 {
		return nil
	}
	sort.Strings(serr.Missing)
	sort.Strings(serr.Unknown)
	return serr
}

func blank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	}
	return false
}

// closestKey returns the accepted key within two edits of nk, if any.
func closestKey(nk string, accepted map[string]string) string {
	best, bestDist := "", 3
	for norm, original := range accepted {
		d := editDistance(nk, norm)
		if d < bestDist || (d == bestDist && original < best) {
			best, bestDist = original, d
		}
	}
	return best
}

func editDistance(a, b string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// Package configutil decodes and checks the free-form settings maps that
// select and tune a session or captions provider.
package configutil

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// DecodeSettings decodes a provider settings map into out, a pointer to a
// struct with mapstructure tags. Keys match tags ignoring case, underscores
// and hyphens, so "API-Key", "apiKey" and "api_key" are the same key.
// Strings convert to numbers, bools and durations ("1.5s").
func DecodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		MatchName: func(key, field string) bool {
			return normalizeKey(key) == normalizeKey(field)
		},
	})
	if err != nil {
		return fmt.Errorf("settings decoder: %w", err)
	}
	return decoder.Decode(input)
}

// RequireString fails when value is blank; path names the setting in the
// error, e.g. "session.settings.api_key".
func RequireString(value, path string) error {
	if strings.TrimSpace(value) != "" {
		return nil
	}
	return fmt.Errorf("%s is required", path)
}

// Millis turns a *_ms setting into a duration. Zero and negative values
// select fallback.
func Millis(ms int, fallback time.Duration) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

// StringValue returns value unless it is blank.
func StringValue(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

// BoolValue reads an optional bool setting; unset selects fallback.
func BoolValue(value *bool, fallback bool) bool {
	if value != nil {
		return *value
	}
	return fallback
}

func normalizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		if r == '_' || r == '-' {
			return -1
		}
		return r
	}, strings.ToLower(key))
}

package configutil

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Schema lists the keys a provider accepts under vendors.<kind>.settings.
// Keys compare case, underscore and hyphen insensitively.
type Schema struct {
	Required []string
	Optional []string
}

// SettingsError reports a vendor settings map that does not fit its schema.
type SettingsError struct {
	Kind     string
	Provider string
	Missing  []string
	Unknown  []string
	// Suggest maps an unknown key to the accepted key it most likely meant.
	Suggest map[string]string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		names := make([]string, len(e.Unknown))
		for i, k := range e.Unknown {
			names[i] = k
			if s, ok := e.Suggest[k]; ok {
				names[i] = fmt.Sprintf("%s (did you mean %s?)", k, s)
			}
		}
		parts = append(parts, "unknown: "+strings.Join(names, ", "))
	}
	msg := strings.Join(parts, "; ")
	if e.Kind == "" {
		return msg
	}
	return fmt.Sprintf("vendors.%s.settings (%s): %s", e.Kind, e.Provider, msg)
}

// ValidateSettings checks input against schema. A required key holding a
// blank string counts as missing.
func ValidateSettings(input map[string]any, schema Schema) error {
	if err := validate(input, schema); err != nil {
		return err
	}
	return nil
}

func validate(input map[string]any, schema Schema) *SettingsError {
	required := make(map[string]string, len(schema.Required))
	allowed := make(map[string]string, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Required {
		required[normalizeKey(k)] = k
		allowed[normalizeKey(k)] = k
	}
	for _, k := range schema.Optional {
		allowed[normalizeKey(k)] = k
	}

	e := &SettingsError{}
	seen := make(map[string]bool, len(input))
	for k, v := range input {
		nk := normalizeKey(k)
		seen[nk] = true
		if _, ok := allowed[nk]; !ok {
			e.Unknown = append(e.Unknown, k)
			if s := closest(nk, allowed); s != "" {
				if e.Suggest == nil {
					e.Suggest = make(map[string]string)
				}
				e.Suggest[k] = s
			}
			continue
		}
		if reqKey, ok := required[nk]; ok && isBlank(v) {
			e.Missing = append(e.Missing, reqKey)
		}
	}
	for nk, reqKey := range required {
		if !seen[nk] {
			e.Missing = append(e.Missing, reqKey)
		}
	}
	if len(e.Missing) == 0 && len(e.Unknown) == 0 {
		return nil
	}
	sort.Strings(e.Missing)
	sort.Strings(e.Unknown)
	return e
}

// DecodeVendor validates settings against schema and decodes them into out.
// Errors name the vendor slot so a bad config file is easy to fix.
func DecodeVendor(kind, provider string, settings map[string]any, schema Schema, out any) error {
	if e := validate(settings, schema); e != nil {
		e.Kind, e.Provider = kind, provider
		return e
	}
	if err := decodeSettings(settings, out); err != nil {
		return fmt.Errorf("vendors.%s.settings (%s): %w", kind, provider, err)
	}
	return nil
}

// decodeSettings fills out from a free-form settings map. Keys match field
// tags loosely and durations accept strings such as "250ms".
func decodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// RequireString fails with "<path> is required" when value is blank.
func RequireString(value, path string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", path)
	}
	return nil
}

// StringValue returns fallback when value is blank.
func StringValue(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// normalizeKey folds case, underscores and hyphens: voice_id, voiceId and
// voice-id are the same key.
func normalizeKey(key string) string {
	return strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(key))
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

// closest returns the accepted key within two edits of key, if any.
func closest(key string, allowed map[string]string) string {
	best, bestDist := "", 3
	for nk, name := range allowed {
		d := editDistance(key, nk)
		if d < bestDist || (d == bestDist && name < best) {
			best, bestDist = name, d
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

package redact

import (
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
)

const (
	secretMask = "[REDACTED_SECRET]"
	queryMask  = "REDACTED"
)

var enabled atomic.Bool

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)

	// Vendor keys and tokens that can show up in error bodies, echoed
	// payloads or endpoint URLs.
	openAIKeyRe = regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}`)
	bearerRe    = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=\-]{8,}`)
	assignRe    = regexp.MustCompile(`(?i)\b(xi-api-key|api[_-]?key|access[_-]?token|token|secret|password)("?\s*[:=]\s*"?)[^\s"'&,;]+`)
)

// Query parameters masked by URL.
var sensitiveParams = map[string]struct{}{
	"api_key":      {},
	"apikey":       {},
	"key":          {},
	"token":        {},
	"access_token": {},
	"xi-api-key":   {},
	"secret":       {},
}

// SetEnabled toggles PII redaction. Secrets are masked regardless.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when PII redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text masks vendor secrets and, when enabled, emails and phone numbers in
// spoken text, prompts and stream payloads.
func Text(in string) string {
	if strings.TrimSpace(in) == "" {
		return in
	}
	out := Secrets(in)
	if !enabled.Load() {
		return out
	}
	out = emailRe.ReplaceAllString(out, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// Secrets masks API keys, bearer tokens and key=value credentials.
func Secrets(in string) string {
	out := openAIKeyRe.ReplaceAllString(in, secretMask)
	out = bearerRe.ReplaceAllString(out, "Bearer "+secretMask)
	return assignRe.ReplaceAllString(out, "${1}${2}"+secretMask)
}

// URL hides the password and credential query parameters of an endpoint
// such as the avatar socket or the assistant server.
func URL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return Secrets(raw)
	}
	q := u.Query()
	masked := false
	for k := range q {
		if _, ok := sensitiveParams[strings.ToLower(k)]; ok {
			q.Set(k, queryMask)
			masked = true
		}
	}
	if masked {
		u.RawQuery = q.Encode()
	}
	return u.Redacted()
}

package logs

import (
	"regexp"
	"strings"

	"go.uber.org/zap/zapcore"
)

// SecretSanitizer wraps a zapcore.Core and masks sensitive values in
// message text and string fields before they reach any sink. OAuth
// access tokens must never appear in logs.
type SecretSanitizer struct {
	zapcore.Core
}

type secretPattern struct {
	regex    *regexp.Regexp
	maskFunc func(string) string
}

var secretPatterns = []*secretPattern{
	// Authorization: Bearer <token>
	{
		regex: regexp.MustCompile(`\b(Bearer\s+[A-Za-z0-9\-._~+/]+=*)`),
		maskFunc: func(token string) string {
			parts := strings.SplitN(token, " ", 2)
			if len(parts) != 2 || len(parts[1]) <= 6 {
				return "Bearer ****"
			}
			return "Bearer " + parts[1][:4] + "***"
		},
	},
	// JSON token fields: "access_token":"...", "refreshToken":"..." etc.
	{
		regex: regexp.MustCompile(`"(access_?[Tt]oken|refresh_?[Tt]oken|client_?[Ss]ecret|api_?[Kk]ey)"\s*:\s*"[^"]+"`),
		maskFunc: func(match string) string {
			idx := strings.Index(match, ":")
			return match[:idx] + `: "****"`
		},
	},
	// OpenAI-style keys (sk-...)
	{
		regex: regexp.MustCompile(`\b(sk-[A-Za-z0-9\-]{20,})\b`),
		maskFunc: func(key string) string {
			return key[:5] + "***"
		},
	},
}

// NewSecretSanitizer wraps the provided core with secret masking.
func NewSecretSanitizer(core zapcore.Core) *SecretSanitizer {
	return &SecretSanitizer{Core: core}
}

// SanitizeValue masks secrets in a single string.
func SanitizeValue(s string) string {
	for _, p := range secretPatterns {
		s = p.regex.ReplaceAllStringFunc(s, p.maskFunc)
	}
	return s
}

// Check implements zapcore.Core.
func (s *SecretSanitizer) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if s.Enabled(entry.Level) {
		return checked.AddCore(entry, s)
	}
	return checked
}

// With implements zapcore.Core, sanitizing the attached fields.
func (s *SecretSanitizer) With(fields []zapcore.Field) zapcore.Core {
	return &SecretSanitizer{Core: s.Core.With(sanitizeFields(fields))}
}

// Write sanitizes the entry message and string fields before delegating.
func (s *SecretSanitizer) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	entry.Message = SanitizeValue(entry.Message)
	return s.Core.Write(entry, sanitizeFields(fields))
}

func sanitizeFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	copy(out, fields)
	for i := range out {
		if out[i].Type == zapcore.StringType {
			out[i].String = SanitizeValue(out[i].String)
		}
	}
	return out
}

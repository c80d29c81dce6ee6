// Package masking detects and redacts secret material in free-form text.
//
// The coordinator uses it in two places: inbound prompts and skill imports
// are rejected outright when they carry secret patterns, and telemetry/audit
// payloads are redacted before they touch disk.
package masking

import (
	"log/slog"
	"regexp"
)

// Pattern is a pre-compiled secret-detection regex with its replacement.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

type patternDef struct {
	pattern     string
	replacement string
	description string
}

// builtinPatterns covers the credential shapes that show up in pasted
// configs, shell history, and error dumps. Order matters for Redact:
// multi-line blocks first so key/value patterns do not chew into them.
var builtinPatterns = []struct {
	name string
	def  patternDef
}{
	{"certificate", patternDef{
		pattern:     `(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
		replacement: `__MASKED_CERTIFICATE__`,
		description: "PEM blocks (certificates, private keys)",
	}},
	{"api_key", patternDef{
		pattern:     `(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{20,})["']?`,
		replacement: `"api_key": "__MASKED_API_KEY__"`,
		description: "API keys",
	}},
	{"password", patternDef{
		pattern:     `(?i)(?:password|pwd|passwd)["']?\s*[:=]\s*["']?([^"'\s\n]{6,})["']?`,
		replacement: `"password": "__MASKED_PASSWORD__"`,
		description: "Passwords",
	}},
	{"token", patternDef{
		pattern:     `(?i)(?:token|bearer|jwt)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
		replacement: `"token": "__MASKED_TOKEN__"`,
		description: "Access tokens",
	}},
	{"secret_key", patternDef{
		pattern:     `(?i)(?:secret[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
		replacement: `"secret_key": "__MASKED_SECRET_KEY__"`,
		description: "Secret keys",
	}},
	{"private_key", patternDef{
		pattern:     `(?i)(?:private[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
		replacement: `"private_key": "__MASKED_PRIVATE_KEY__"`,
		description: "Private key references",
	}},
	{"ssh_key", patternDef{
		pattern:     `ssh-(?:rsa|dss|ed25519|ecdsa)\s+[A-Za-z0-9+/=]+`,
		replacement: `__MASKED_SSH_KEY__`,
		description: "SSH public keys",
	}},
	{"aws_access_key", patternDef{
		pattern:     `AKIA[A-Z0-9]{16}`,
		replacement: `__MASKED_AWS_KEY__`,
		description: "AWS access key ids",
	}},
	{"github_token", patternDef{
		pattern:     `gh[ps]_[A-Za-z0-9_]{36,255}`,
		replacement: `__MASKED_GITHUB_TOKEN__`,
		description: "GitHub tokens",
	}},
	{"slack_token", patternDef{
		pattern:     `xox[baprs]-[A-Za-z0-9-]{10,72}`,
		replacement: `__MASKED_SLACK_TOKEN__`,
		description: "Slack tokens",
	}},
}

// Screener holds the compiled pattern set.
type Screener struct {
	patterns []*Pattern
}

// NewScreener compiles the built-in patterns. Invalid patterns are logged
// and skipped rather than failing startup.
func NewScreener() *Screener {
	s := &Screener{}
	for _, entry := range builtinPatterns {
		compiled, err := regexp.Compile(entry.def.pattern)
		if err != nil {
			slog.Error("Failed to compile secret pattern, skipping",
				"pattern", entry.name, "error", err)
			continue
		}
		s.patterns = append(s.patterns, &Pattern{
			Name:        entry.name,
			Regex:       compiled,
			Replacement: entry.def.replacement,
			Description: entry.def.description,
		})
	}
	return s
}

// Detect returns the names of all secret patterns found in content.
func (s *Screener) Detect(content string) []string {
	var found []string
	for _, p := range s.patterns {
		if p.Regex.MatchString(content) {
			found = append(found, p.Name)
		}
	}
	return found
}

// ContainsSecret reports whether any secret pattern matches content.
func (s *Screener) ContainsSecret(content string) bool {
	for _, p := range s.patterns {
		if p.Regex.MatchString(content) {
			return true
		}
	}
	return false
}

// Redact replaces every secret match with its masked placeholder.
func (s *Screener) Redact(content string) string {
	for _, p := range s.patterns {
		content = p.Regex.ReplaceAllString(content, p.Replacement)
	}
	return content
}

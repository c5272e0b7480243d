package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// PrivacyConfig selects what the Redactor masks before text leaves the relay.
type PrivacyConfig struct {
	AnonymizeSensitiveData bool `json:"anonymize_sensitive_data"`
	AnonymizeURLs          bool `json:"anonymize_urls"`
	AnonymizeAPIKeys       bool `json:"anonymize_api_keys"`
	AnonymizeEmails        bool `json:"anonymize_emails"`
	AnonymizeIPAddresses   bool `json:"anonymize_ip_addresses"`
	AnonymizeFilePaths     bool `json:"anonymize_file_paths"`
}

type patternGroup int

const (
	groupGeneral patternGroup = iota
	groupURL
	groupAPIKey
	groupEmail
	groupIP
	groupPath
)

// RedactPattern is a single detection rule. Higher priority runs first.
type RedactPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Placeholder string // prefix of the generated placeholder, e.g. "EMAIL"
	Priority    int
	group       patternGroup
}

var defaultPatterns = []RedactPattern{
	{Name: "Bearer Token", Regex: regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]{20,}`), Placeholder: "BEARER_TOKEN", Priority: 100, group: groupAPIKey},
	{Name: "API Key", Regex: regexp.MustCompile(`(?i)(api[_-]?key|apikey|access[_-]?key|secret[_-]?key)[\s:=]+[a-zA-Z0-9_\-]{20,}`), Placeholder: "API_KEY", Priority: 95, group: groupAPIKey},
	{Name: "JWT Token", Regex: regexp.MustCompile(`eyJ[a-zA-Z0-9_\-]+\.eyJ[a-zA-Z0-9_\-]+\.[a-zA-Z0-9_\-]+`), Placeholder: "JWT_TOKEN", Priority: 90, group: groupAPIKey},
	{Name: "URL with Auth", Regex: regexp.MustCompile(`https?://[^:/\s]+:[^@\s]+@[^\s\)"'<>]+`), Placeholder: "URL_WITH_AUTH", Priority: 80, group: groupURL},
	{Name: "Database Connection String", Regex: regexp.MustCompile(`(?i)(mongodb|mysql|postgresql|postgres|redis)://[^\s\)"']+`), Placeholder: "DB_CONNECTION", Priority: 78, group: groupGeneral},
	{Name: "URL", Regex: regexp.MustCompile(`https?://[^\s\)"'<>]+`), Placeholder: "URL", Priority: 75, group: groupURL},
	{Name: "Password", Regex: regexp.MustCompile(`(?i)(password|passwd|pwd)[\s:=]+[^\s,\)"']+`), Placeholder: "PASSWORD", Priority: 70, group: groupGeneral},
	{Name: "IPv4 Address", Regex: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`), Placeholder: "IP_ADDRESS", Priority: 60, group: groupIP},
	{Name: "Email", Regex: regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`), Placeholder: "EMAIL", Priority: 55, group: groupEmail},
	{Name: "Unix Path", Regex: regexp.MustCompile(`/(?:home|root|usr|var|etc|opt)/[^\s\)"'<>]+`), Placeholder: "UNIX_PATH", Priority: 40, group: groupPath},
	{Name: "Windows Path", Regex: regexp.MustCompile(`[a-zA-Z]:\\(?:[^\s\)"'<>|*?\\]+\\)*[^\s\)"'<>|*?\\]+`), Placeholder: "WIN_PATH", Priority: 39, group: groupPath},
	{Name: "AWS Access Key", Regex: regexp.MustCompile(`AKIA[0-9A-Z]{16}`), Placeholder: "AWS_ACCESS_KEY", Priority: 35, group: groupAPIKey},
	{Name: "Generic Secret", Regex: regexp.MustCompile(`(?i)(secret|token)[\s:=]+[a-zA-Z0-9_\-]{16,}`), Placeholder: "SECRET", Priority: 30, group: groupAPIKey},
}

// Redactor masks sensitive values in text sent to providers. It is safe for
// concurrent use; mappings live in the per-request RedactSession.
type Redactor struct {
	config   PrivacyConfig
	patterns []RedactPattern
}

// NewRedactor creates a redactor with the default patterns.
func NewRedactor(config PrivacyConfig) *Redactor {
	patterns := make([]RedactPattern, len(defaultPatterns))
	copy(patterns, defaultPatterns)
	return &Redactor{config: config, patterns: patterns}
}

// Enabled reports whether any masking happens at all.
func (r *Redactor) Enabled() bool {
	return r != nil && r.config.AnonymizeSensitiveData
}

// AddPattern registers a custom rule. Must be called before the redactor is
// shared.
func (r *Redactor) AddPattern(name, expr, placeholder string, priority int) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("invalid regex pattern: %w", err)
	}
	r.patterns = append(r.patterns, RedactPattern{
		Name:        name,
		Regex:       re,
		Placeholder: placeholder,
		Priority:    priority,
	})
	sort.SliceStable(r.patterns, func(i, j int) bool { return r.patterns[i].Priority > r.patterns[j].Priority })
	return nil
}

func (r *Redactor) patternEnabled(p RedactPattern) bool {
	switch p.group {
	case groupURL:
		return r.config.AnonymizeURLs
	case groupAPIKey:
		return r.config.AnonymizeAPIKeys
	case groupEmail:
		return r.config.AnonymizeEmails
	case groupIP:
		return r.config.AnonymizeIPAddresses
	case groupPath:
		return r.config.AnonymizeFilePaths
	default:
		return r.config.AnonymizeSensitiveData
	}
}

// Session starts a redaction scope. Values masked through one session are
// restored by the same session.
func (r *Redactor) Session() *RedactSession {
	return &RedactSession{redactor: r, byOriginal: make(map[string]string)}
}

// RedactSession holds the placeholder mapping of a single exchange.
type RedactSession struct {
	redactor   *Redactor
	byOriginal map[string]string
	// placeholders in creation order; restored in reverse so nested masks unwind.
	order    []string
	original map[string]string
}

// Redact replaces sensitive values in text with stable placeholders.
func (s *RedactSession) Redact(text string) string {
	if !s.redactor.Enabled() || text == "" {
		return text
	}

	result := text
	for _, p := range s.redactor.patterns {
		if !s.redactor.patternEnabled(p) {
			continue
		}
		for _, match := range p.Regex.FindAllString(result, -1) {
			if s.isPlaceholder(match) {
				continue
			}
			placeholder, seen := s.byOriginal[match]
			if !seen {
				placeholder = s.remember(p.Placeholder, match)
			}
			result = strings.ReplaceAll(result, match, placeholder)
		}
	}
	return result
}

// Restore puts the original values back into text.
func (s *RedactSession) Restore(text string) string {
	if len(s.order) == 0 || text == "" {
		return text
	}
	result := text
	for i := len(s.order) - 1; i >= 0; i-- {
		placeholder := s.order[i]
		result = strings.ReplaceAll(result, placeholder, s.original[placeholder])
	}
	return result
}

// Count returns the number of masked values.
func (s *RedactSession) Count() int {
	return len(s.order)
}

func (s *RedactSession) remember(prefix, value string) string {
	sum := sha256.Sum256([]byte(value))
	placeholder := fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(sum[:])[:8])
	if s.original == nil {
		s.original = make(map[string]string)
	}
	s.original[placeholder] = value
	s.byOriginal[value] = placeholder
	s.order = append(s.order, placeholder)
	return placeholder
}

func (s *RedactSession) isPlaceholder(value string) bool {
	_, ok := s.original[value]
	return ok
}

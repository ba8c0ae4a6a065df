package ledger

import (
	"regexp"
	"strings"
)

// RedactionConfig controls what gets masked before hashing.
type RedactionConfig struct {
	// FieldKeywords mark a key sensitive when the key contains one,
	// case-insensitive.
	FieldKeywords []string `json:"fieldKeywords" yaml:"fieldKeywords"`
	// ValuePatterns are regular expressions matched against string
	// values regardless of key.
	ValuePatterns []string `json:"valuePatterns" yaml:"valuePatterns"`
	Replacement   string   `json:"replacement" yaml:"replacement"`
}

// DefaultRedactionConfig masks credential-looking keys, email-like
// strings, and bearer tokens.
func DefaultRedactionConfig() RedactionConfig {
	return RedactionConfig{
		FieldKeywords: []string{
			"password", "secret", "token", "api_key", "apikey",
			"credential", "auth", "private_key", "privatekey",
		},
		ValuePatterns: []string{
			`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`,
			`(?i)bearer\s+[A-Za-z0-9._~+/-]+=*`,
		},
		Replacement: "[REDACTED]",
	}
}

// Redactor masks sensitive material in snapshots. Redaction runs before
// hashing, so the stored and hashed bytes are identical.
type Redactor struct {
	keywords    []string
	patterns    []*regexp.Regexp
	replacement string
}

// NewRedactor compiles a config. Invalid value patterns are an error.
func NewRedactor(cfg RedactionConfig) (*Redactor, error) {
	r := &Redactor{replacement: cfg.Replacement}
	if r.replacement == "" {
		r.replacement = "[REDACTED]"
	}
	for _, kw := range cfg.FieldKeywords {
		r.keywords = append(r.keywords, strings.ToLower(kw))
	}
	for _, p := range cfg.ValuePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// Redact returns a masked copy of the snapshot and the dotted paths of
// every field that was touched. The input is never mutated.
func (r *Redactor) Redact(snapshot map[string]any) (map[string]any, []string) {
	if len(snapshot) == 0 {
		return snapshot, nil
	}
	var paths []string
	out := r.redactMap(snapshot, "", &paths)
	return out, paths
}

func (r *Redactor) redactMap(m map[string]any, prefix string, paths *[]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}

		if r.sensitiveKey(k) {
			out[k] = r.replacement
			*paths = append(*paths, path)
			continue
		}

		switch val := v.(type) {
		case map[string]any:
			out[k] = r.redactMap(val, path, paths)
		case string:
			masked, hit := r.maskValue(val)
			out[k] = masked
			if hit {
				*paths = append(*paths, path)
			}
		default:
			out[k] = v
		}
	}
	return out
}

func (r *Redactor) sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range r.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (r *Redactor) maskValue(s string) (string, bool) {
	hit := false
	for _, re := range r.patterns {
		if re.MatchString(s) {
			s = re.ReplaceAllString(s, r.replacement)
			hit = true
		}
	}
	return s, hit
}

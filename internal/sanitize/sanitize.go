// Package sanitize implements input hygiene for values arriving from dashboard
// widgets: entity encoding with removal of script-bearing markup, a heuristic
// SQL-injection detector and kind-specific structural validation.
//
// The SQL detector is a denylist, not a parser. Legitimate text containing SQL
// keywords or punctuation is flagged, and novel injection techniques are not.
package sanitize

import (
	"regexp"
	"strings"
)

var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`),
	regexp.MustCompile(`(?is)<(?:iframe|object|embed)\b[^>]*>.*?</(?:iframe|object|embed)\s*>`),
	regexp.MustCompile(`(?i)</?(?:script|iframe|object|embed)\b[^>]*>?`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)\bon[a-z]+\s*=`),
}

var sqlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:union|select|insert|update|delete|drop|create|alter|exec|execute)\b`),
	regexp.MustCompile(`--|/\*|\*/|;`),
	regexp.MustCompile(`(?i)\b(?:or|and)\b\s+['"]?\w+['"]?\s*=\s*['"]?\w+`),
	regexp.MustCompile("['\"`\\\\]"),
}

// entities emitted by encode; they are passed through untouched so that
// sanitizing an already sanitized value is a no-op.
var entities = []string{"&amp;", "&lt;", "&gt;", "&quot;", "&#x27;", "&#x2F;"}

// Sanitize strips dangerous markup until none is left, entity-encodes the
// reserved characters & < > " ' / and trims surrounding whitespace.
//
// Stripping happens before encoding: once encoded, markup can no longer be
// recognised, and a payload hidden inside another one (e.g. "javajavascript:script:")
// would otherwise survive a single pass.
func Sanitize(raw string) string {
	return strings.TrimSpace(encode(strip(raw)))
}

// DetectSQLInjection reports whether value looks like an SQL injection attempt.
func DetectSQLInjection(value string) bool {
	for _, re := range sqlPatterns {
		if re.MatchString(value) {
			return true
		}
	}
	return false
}

func strip(s string) string {
	for {
		before := s
		for _, re := range dangerousPatterns {
			s = re.ReplaceAllString(s, "")
		}
		if s == before {
			return s
		}
	}
}

func encode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '&':
			if ent := leadingEntity(s[i:]); ent != "" {
				b.WriteString(ent)
				i += len(ent) - 1
				continue
			}
			b.WriteString("&amp;")
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '"':
			b.WriteString("&quot;")
		case '\'':
			b.WriteString("&#x27;")
		case '/':
			b.WriteString("&#x2F;")
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func leadingEntity(s string) string {
	for _, ent := range entities {
		if strings.HasPrefix(s, ent) {
			return ent
		}
	}
	return ""
}

package sanitize

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Kind selects the structural rules applied by Validate.
type Kind string

const (
	KindText     Kind = "text"
	KindUsername Kind = "username"
	KindPassword Kind = "password"
	KindEmail    Kind = "email"
	KindNumber   Kind = "number"
)

// ParseKind maps a kind name to Kind. Empty input selects KindText.
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindText, true
	case KindText, KindUsername, KindPassword, KindEmail, KindNumber:
		return k, true
	default:
		return "", false
	}
}

// Violation messages reported by Validate.
const (
	MsgRequired          = "value is required"
	MsgUsernameFormat    = "username must be 3-20 characters (letters, digits, . _ % + - @) or an email address"
	MsgPasswordLength    = "password must be at least 8 characters"
	MsgPasswordUpper     = "password must contain an uppercase letter"
	MsgPasswordLower     = "password must contain a lowercase letter"
	MsgPasswordDigit     = "password must contain a digit"
	MsgEmailFormat       = "invalid email format"
	MsgNumberFormat      = "value must be a number"
	MsgSuspiciousContent = "value contains potentially dangerous content"
	MsgUnsupportedKind   = "unsupported input kind"
)

const minPasswordLength = 8

var (
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-@]{3,20}$`)
	emailPattern    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

// Options tunes Validate.
type Options struct {
	Required bool
}

// Result is the outcome of Validate. Errors lists every violated rule.
type Result struct {
	Valid     bool     `json:"isValid"`
	Errors    []string `json:"errors"`
	Sanitized string   `json:"sanitized"`
}

// Err returns a *ValidationError when the result is invalid.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{Violations: append([]string(nil), r.Errors...)}
}

// ValidationError carries every violated rule, not just the first one.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Violations, "; "))
}

// Validate sanitizes raw and checks it against the rules of kind. The SQL
// injection heuristic runs on the sanitized value regardless of kind.
func Validate(raw string, kind Kind, opts Options) Result {
	res := Result{Sanitized: Sanitize(raw)}
	if strings.TrimSpace(raw) == "" {
		if opts.Required {
			res.Errors = []string{MsgRequired}
			return res
		}
		res.Valid = true
		res.Errors = []string{}
		return res
	}

	value := res.Sanitized
	var errs []string
	switch kind {
	case KindText:
	case KindUsername:
		if !usernamePattern.MatchString(value) && !emailPattern.MatchString(value) {
			errs = append(errs, MsgUsernameFormat)
		}
	case KindPassword:
		errs = append(errs, passwordViolations(value)...)
	case KindEmail:
		if !emailPattern.MatchString(value) {
			errs = append(errs, MsgEmailFormat)
		}
	case KindNumber:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			errs = append(errs, MsgNumberFormat)
		}
	default:
		errs = append(errs, MsgUnsupportedKind)
	}
	if DetectSQLInjection(value) {
		errs = append(errs, MsgSuspiciousContent)
	}

	res.Valid = len(errs) == 0
	if errs == nil {
		errs = []string{}
	}
	res.Errors = errs
	return res
}

func passwordViolations(pw string) []string {
	var errs []string
	if utf8.RuneCountInString(pw) < minPasswordLength {
		errs = append(errs, MsgPasswordLength)
	}
	var upper, lower, digit bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !upper {
		errs = append(errs, MsgPasswordUpper)
	}
	if !lower {
		errs = append(errs, MsgPasswordLower)
	}
	if !digit {
		errs = append(errs, MsgPasswordDigit)
	}
	return errs
}

package service

import (
	"html"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// FieldKind selects the validation rules applied by Sanitize.
type FieldKind int

const (
	FieldQuestion FieldKind = iota
	FieldIdentifier
	FieldGradeLevel
)

func (k FieldKind) String() string {
	switch k {
	case FieldQuestion:
		return "question"
	case FieldIdentifier:
		return "identifier"
	case FieldGradeLevel:
		return "grade_level"
	default:
		return "unknown"
	}
}

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	gradePattern      = regexp.MustCompile(`^[A-Za-z0-9 _-]{1,32}$`)
	scriptPattern     = regexp.MustCompile(`(?i)<\s*/?\s*script|javascript\s*:|\bon\w+\s*=`)

	injectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bignore\s+(?:all\s+|any\s+|the\s+)?(?:previous\s+|prior\s+|above\s+|earlier\s+)?(?:instructions|prompts?|rules|directions)\b`),
		regexp.MustCompile(`(?i)\bdisregard\s+(?:all\s+|any\s+|the\s+)?(?:previous\s+|prior\s+|above\s+)?(?:instructions|prompts?|rules)\b`),
		regexp.MustCompile(`(?i)\bforget\s+(?:all\s+|everything\s+)?(?:your\s+|the\s+)?(?:previous\s+|prior\s+)?(?:instructions|rules|training)\b`),
		regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(?:a|an|in)\b`),
		regexp.MustCompile(`(?i)\b(?:reveal|show|print|repeat)\s+(?:me\s+)?(?:your|the)\s+(?:system\s+)?(?:prompt|instructions)\b`),
		regexp.MustCompile(`(?i)\bsystem\s+prompt\b`),
		regexp.MustCompile(`(?i)\b(?:jailbreak|developer\s+mode|dan\s+mode)\b`),
		regexp.MustCompile(`(?i)\bpretend\s+(?:to\s+be|you\s+are)\b`),
		regexp.MustCompile(`(?i)\bnew\s+instructions\s*:`),
		regexp.MustCompile(`(?i)\boverride\s+(?:your\s+|the\s+)?(?:safety|security|instructions|rules)\b`),
	}
)

// Sanitizer validates request fields before any other stage runs. It rejects
// instead of stripping.
type Sanitizer struct {
	maxQuestion int
	markup      *bluemonday.Policy
}

func NewSanitizer(maxQuestionLength int) *Sanitizer {
	if maxQuestionLength <= 0 {
		maxQuestionLength = 1000
	}
	return &Sanitizer{
		maxQuestion: maxQuestionLength,
		markup:      bluemonday.StrictPolicy(),
	}
}

// Sanitize returns the trimmed value or an *InputSecurityError. Empty optional
// fields (identifier, grade level) pass through as "".
func (s *Sanitizer) Sanitize(value string, kind FieldKind) (string, error) {
	v := strings.TrimSpace(value)
	if !utf8.ValidString(v) {
		return "", reject(kind, "invalid utf-8")
	}
	if hasControl(v, kind == FieldQuestion) {
		return "", reject(kind, "control character")
	}

	switch kind {
	case FieldQuestion:
		return s.question(v)
	case FieldIdentifier:
		if v == "" {
			return "", nil
		}
		if !identifierPattern.MatchString(v) {
			return "", reject(kind, "identifier outside allowed charset")
		}
		return v, nil
	case FieldGradeLevel:
		if v == "" {
			return "", nil
		}
		if !gradePattern.MatchString(v) {
			return "", reject(kind, "grade level outside allowed charset")
		}
		return v, nil
	default:
		return "", reject(kind, "unknown field kind")
	}
}

func (s *Sanitizer) question(v string) (string, error) {
	if v == "" {
		return "", reject(FieldQuestion, "empty")
	}
	if utf8.RuneCountInString(v) > s.maxQuestion {
		return "", reject(FieldQuestion, "too long")
	}
	if scriptPattern.MatchString(v) || s.hasMarkup(v) {
		return "", reject(FieldQuestion, "markup")
	}
	for _, p := range injectionPatterns {
		if p.MatchString(v) {
			return "", reject(FieldQuestion, "prompt injection pattern")
		}
	}
	return v, nil
}

// hasMarkup compares the text with its strict-policy rendering. Both sides are
// unescaped so that plain ampersands and apostrophes do not count as markup.
func (s *Sanitizer) hasMarkup(v string) bool {
	cleaned := html.UnescapeString(s.markup.Sanitize(v))
	return cleaned != html.UnescapeString(v)
}

func hasControl(v string, allowWhitespace bool) bool {
	for _, r := range v {
		if !unicode.IsControl(r) {
			continue
		}
		if allowWhitespace && (r == '\n' || r == '\t' || r == '\r') {
			continue
		}
		return true
	}
	return false
}

func reject(kind FieldKind, reason string) *InputSecurityError {
	return &InputSecurityError{Field: kind.String(), Reason: reason}
}

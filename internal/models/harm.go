package models

import (
	"fmt"
	"strings"
)

// Severity is ordered: comparisons with < and > are meaningful.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"none", "low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityNone || s > SeverityCritical {
		return "unknown"
	}
	return severityNames[s]
}

// ParseSeverity is the inverse of String.
func ParseSeverity(v string) (Severity, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for i, name := range severityNames {
		if name == v {
			return Severity(i), nil
		}
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", v)
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	parsed, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MaxSeverity returns the greater of two severities.
func MaxSeverity(a, b Severity) Severity {
	if a > b {
		return a
	}
	return b
}

// HarmCategory tags a class of harmful content.
type HarmCategory string

const (
	HarmSelfHarm         HarmCategory = "self_harm"
	HarmViolence         HarmCategory = "violence"
	HarmDataExfiltration HarmCategory = "data_exfiltration"
	HarmAbuseLanguage    HarmCategory = "abuse_language"
)

// HarmMatch is the evidence for one matched rule. Phrase holds only the
// matched span, never the surrounding text.
type HarmMatch struct {
	RuleID   string       `json:"rule_id"`
	Category HarmCategory `json:"category"`
	Severity Severity     `json:"severity"`
	Phrase   string       `json:"phrase"`
}

// HarmDetectionResult is the outcome of scanning one piece of text.
type HarmDetectionResult struct {
	IsHarmful bool           `json:"is_harmful"`
	Severity  Severity       `json:"severity"`
	HarmTypes []HarmCategory `json:"harm_types"`
	Matches   []HarmMatch    `json:"matches"`
	Context   string         `json:"context"`
}

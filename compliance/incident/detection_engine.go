package incident

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tilli/master-agent/internal/models"
	"github.com/tilli/master-agent/internal/util/logger"
)

// Context tags passed to Detect.
const (
	ContextQuestion = "question"
	ContextAnswer   = "answer"
	ContextChat     = "chat"
	ContextSelfTest = "self_test"
)

// maxPhraseLen bounds the evidence kept for one match.
const maxPhraseLen = 80

// DetectionEngine classifies text into harm categories. It holds no mutable
// state after construction, so Detect is safe for concurrent use.
type DetectionEngine struct {
	rules []*DetectionRule
}

// DetectionRule is one category pattern set with its severity floor.
type DetectionRule struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Category    models.HarmCategory `json:"category"`
	Severity    models.Severity     `json:"severity"`
	Patterns    []string            `json:"patterns"`
	Enabled     bool                `json:"enabled"`

	compiled []*regexp.Regexp
}

// NewDetectionEngine creates an engine with the default rule set plus extra rules.
func NewDetectionEngine(extra ...*DetectionRule) (*DetectionEngine, error) {
	de := &DetectionEngine{}
	for _, rule := range append(defaultRules(), extra...) {
		if err := de.register(rule); err != nil {
			return nil, err
		}
	}
	return de, nil
}

func (de *DetectionEngine) register(rule *DetectionRule) error {
	rule.compiled = rule.compiled[:0]
	for _, p := range rule.Patterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return fmt.Errorf("rule %s: compile %q: %w", rule.ID, p, err)
		}
		rule.compiled = append(rule.compiled, re)
	}
	de.rules = append(de.rules, rule)
	logger.Debug("Detection rule registered: %s (%s, floor %s)", rule.ID, rule.Category, rule.Severity)
	return nil
}

// Rules returns the registered rules in evaluation order.
func (de *DetectionEngine) Rules() []*DetectionRule {
	return de.rules
}

// Detect scans text and returns the matched categories and evidence. The
// overall severity is the maximum floor of every matched rule.
func (de *DetectionEngine) Detect(text, contextTag string) models.HarmDetectionResult {
	result := models.HarmDetectionResult{
		Severity:  models.SeverityNone,
		HarmTypes: []models.HarmCategory{},
		Matches:   []models.HarmMatch{},
		Context:   contextTag,
	}
	if strings.TrimSpace(text) == "" {
		return result
	}

	seen := map[models.HarmCategory]bool{}
	for _, rule := range de.rules {
		if !rule.Enabled {
			continue
		}
		for _, re := range rule.compiled {
			loc := re.FindStringIndex(text)
			if loc == nil {
				continue
			}
			result.Matches = append(result.Matches, models.HarmMatch{
				RuleID:   rule.ID,
				Category: rule.Category,
				Severity: rule.Severity,
				Phrase:   truncate(text[loc[0]:loc[1]], maxPhraseLen),
			})
			result.Severity = models.MaxSeverity(result.Severity, rule.Severity)
			seen[rule.Category] = true
			break
		}
	}

	for c := range seen {
		result.HarmTypes = append(result.HarmTypes, c)
	}
	sort.Slice(result.HarmTypes, func(i, j int) bool { return result.HarmTypes[i] < result.HarmTypes[j] })
	result.IsHarmful = len(result.Matches) > 0
	return result
}

// ShouldBlock is true iff the severity is high or critical.
func ShouldBlock(result models.HarmDetectionResult) bool {
	return result.Severity >= models.SeverityHigh
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func defaultRules() []*DetectionRule {
	return []*DetectionRule{
		{
			ID:          "self_harm",
			Name:        "Self Harm",
			Description: "Statements of suicidal intent or self-injury",
			Category:    models.HarmSelfHarm,
			Severity:    models.SeverityCritical,
			Patterns: []string{
				`\bkill(?:ing)?\s+(?:my\s*self|myself)\b`,
				`\b(?:want|going|plan(?:ning)?)\s+to\s+die\b`,
				`\bend(?:ing)?\s+(?:my|it\s+all|my\s+own)\s*life\b`,
				`\bend\s+it\s+all\b`,
				`\bsuicid(?:e|al)\b`,
				`\b(?:hurt|harm|cut)(?:ting)?\s+myself\b`,
				`\bself[-\s]?harm\b`,
				`\btake\s+my\s+own\s+life\b`,
				`\bno\s+reason\s+to\s+live\b`,
			},
			Enabled: true,
		},
		{
			ID:          "violence",
			Name:        "Violence",
			Description: "Threats of physical violence against others",
			Category:    models.HarmViolence,
			Severity:    models.SeverityHigh,
			Patterns: []string{
				`\b(?:kill|shoot|stab|murder|hurt|beat\s+up)\s+(?:him|her|them|you|everyone|somebody|someone|the\s+(?:teacher|class|students?))\b`,
				`\b(?:bring|brought|have)\s+(?:a\s+)?(?:gun|knife|weapon)s?\s+to\s+school\b`,
				`\b(?:bomb|shoot\s+up|attack)\s+(?:the\s+)?school\b`,
				`\bschool\s+shooting\b`,
			},
			Enabled: true,
		},
		{
			ID:          "data_exfiltration",
			Name:        "Bulk Data Exfiltration",
			Description: "Attempts to extract bulk or sensitive student records",
			Category:    models.HarmDataExfiltration,
			Severity:    models.SeverityHigh,
			Patterns: []string{
				`\b(?:dump|export|download|extract|leak|copy)\s+(?:all|every|the\s+entire|the\s+whole|entire)\s+(?:of\s+the\s+)?(?:student|students'?|pupil|school)?\s*(?:data|records|database|information|info|files)\b`,
				`\b(?:list|give|show|send)\s+(?:me\s+)?(?:all|every)\s+students?'?\s+(?:personal|private|home|contact)\b`,
				`\b(?:social\s+security|ssn)s?\b`,
				`\bhome\s+address(?:es)?\b`,
				`\b(?:student|parent|user)s?'?\s+passwords?\b`,
				`\bselect\s+\*\s+from\b`,
				`\bbulk\s+(?:export|download)\b`,
			},
			Enabled: true,
		},
		{
			ID:          "abuse_language",
			Name:        "Abusive Language",
			Description: "Insults and degrading language aimed at people",
			Category:    models.HarmAbuseLanguage,
			Severity:    models.SeverityMedium,
			Patterns: []string{
				`\b(?:stupid|dumb|worthless|useless|pathetic)\s+(?:kids?|students?|child(?:ren)?|teachers?|idiots?)\b`,
				`\b(?:idiot|moron|loser)s?\b`,
				`\bshut\s+up\b`,
				`\bi\s+hate\s+(?:you|them|these\s+kids)\b`,
			},
			Enabled: true,
		},
	}
}

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tilli/master-agent/internal/models"
	"github.com/tilli/master-agent/internal/util/logger"
)

// Keyword tables for the data source lookup. Matching is a lower-case
// substring test.
var sourceKeywords = map[models.DataSource][]string{
	models.SourceEMT: {
		"emotion", "emotion matching", "emt", "emotions", "emotional", "matching task",
		"emotion recognition", "feeling recognition", "emotion assignment",
	},
	models.SourceREAL: {
		"remote learning", "real", "distance learning", "online learning",
		"remote assessment", "learning assessment", "academic performance",
		"real evaluation", "real assessment",
	},
	models.SourceSEL: {
		"sel", "social emotional", "social-emotional", "sel assignment", "sel assessment",
		"self-awareness", "self-management", "social awareness",
		"relationship skills", "responsible decision", "sel skills", "sel data",
	},
}

var comparisonKeywords = []string{
	"before", "after", "growth", "change", "progress", "improve", "improvement", "compare", "comparison", "trend",
}

// NeedsPrePostComparison reports whether the question asks about change over time.
func NeedsPrePostComparison(question string) bool {
	q := strings.ToLower(question)
	for _, k := range comparisonKeywords {
		if strings.Contains(q, k) {
			return true
		}
	}
	return false
}

// Dataset is the assessment data fetched for one request.
type Dataset struct {
	Scope      models.AccessScope
	Sources    []models.DataSource
	EMT        []EMTRecord
	REAL       []REALRecord
	SEL        []SELRecord
	Aggregated *PrePostComparison
	PrePost    *ComparisonSummary
	PrePostFor string
}

type EMTRecord struct {
	StudentID      string
	AssessmentDate time.Time
	EmotionScore   float64
}

type REALRecord struct {
	StudentID      string
	AssessmentDate time.Time
	LearningScore  float64
}

type SELRecord struct {
	StudentID                 string
	AssignmentID              string
	AssessmentDate            time.Time
	SelfAwareness             float64
	SelfManagement            float64
	SocialAwareness           float64
	RelationshipSkills        float64
	ResponsibleDecisionMaking float64
	SELScore                  float64
	Observations              string
}

// DataRouter classifies questions and serves placeholder assessment records
// plus the aggregated score export.
type DataRouter struct {
	disabled map[models.DataSource]bool
	scores   *ScoreSource
	now      func() time.Time
}

// NewDataRouter builds a router. disabled holds source tags to skip
// (case-insensitive); scores may be nil.
func NewDataRouter(disabled []string, scores *ScoreSource) *DataRouter {
	r := &DataRouter{
		disabled: make(map[models.DataSource]bool),
		scores:   scores,
		now:      time.Now,
	}
	for _, d := range disabled {
		d = strings.ToUpper(strings.TrimSpace(d))
		if d != "" {
			r.disabled[models.DataSource(d)] = true
		}
	}
	if len(r.disabled) > 0 {
		logger.Info("Data sources disabled: %v", disabled)
	}
	return r
}

// Enabled returns the enabled sources in canonical order.
func (r *DataRouter) Enabled() []models.DataSource {
	out := make([]models.DataSource, 0, len(models.AllSources))
	for _, s := range models.AllSources {
		if !r.disabled[s] {
			out = append(out, s)
		}
	}
	return out
}

// Classify returns the matched sources in canonical order, or every enabled
// source when nothing matched.
func (r *DataRouter) Classify(question string) []models.DataSource {
	q := strings.ToLower(question)
	var out []models.DataSource
	for _, s := range models.AllSources {
		if r.disabled[s] {
			continue
		}
		for _, k := range sourceKeywords[s] {
			if strings.Contains(q, k) {
				out = append(out, s)
				break
			}
		}
	}
	if len(out) == 0 {
		return r.Enabled()
	}
	return out
}

// Explain returns the keywords that selected each source, for diagnostics.
func (r *DataRouter) Explain(question string) map[models.DataSource][]string {
	q := strings.ToLower(question)
	out := make(map[models.DataSource][]string)
	for _, s := range models.AllSources {
		if r.disabled[s] {
			continue
		}
		for _, k := range sourceKeywords[s] {
			if strings.Contains(q, k) {
				out[s] = append(out[s], k)
			}
		}
	}
	return out
}

// Fetch returns placeholder records for each requested, enabled source. Only
// an authorised scope.StudentID is ever attached to a record; without one the
// records describe the class as a whole.
func (r *DataRouter) Fetch(ctx context.Context, sources []models.DataSource, scope models.AccessScope) (*Dataset, error) {
	_, span := tracer.Start(ctx, "fetch")
	defer span.End()

	ds := &Dataset{Scope: scope}
	base := r.now().UTC().Add(-30 * 24 * time.Hour).Truncate(24 * time.Hour)
	for _, s := range sources {
		if r.disabled[s] {
			continue
		}
		switch s {
		case models.SourceEMT:
			for i := 0; i < 3; i++ {
				ds.EMT = append(ds.EMT, EMTRecord{
					StudentID:      scope.StudentID,
					AssessmentDate: base.AddDate(0, 0, i),
					EmotionScore:   0.75 + float64(i)*0.05,
				})
			}
		case models.SourceREAL:
			for i := 0; i < 3; i++ {
				ds.REAL = append(ds.REAL, REALRecord{
					StudentID:      scope.StudentID,
					AssessmentDate: base.AddDate(0, 0, i),
					LearningScore:  0.70 + float64(i)*0.03,
				})
			}
		case models.SourceSEL:
			for i := 0; i < 3; i++ {
				ds.SEL = append(ds.SEL, SELRecord{
					StudentID:                 scope.StudentID,
					AssignmentID:              fmt.Sprintf("sel_assignment_%d", i+1),
					AssessmentDate:            base.AddDate(0, 0, i),
					SelfAwareness:             0.80,
					SelfManagement:            0.75,
					SocialAwareness:           0.85,
					RelationshipSkills:        0.78,
					ResponsibleDecisionMaking: 0.82,
					SELScore:                  0.80,
					Observations:              "Positive social-emotional development observed",
				})
			}
		default:
			continue
		}
		ds.Sources = append(ds.Sources, s)
	}

	if r.scores != nil {
		table, err := r.scores.Table()
		if err != nil {
			logger.Warn("Score export unavailable: %v", err)
		} else if rows := table.Filter(ScoreFilter{Grade: scope.GradeLevel, School: scope.SchoolName}); len(rows) > 0 {
			cmp := ComparePrePost(rows)
			ds.Aggregated = &cmp
		}
	}

	span.SetAttributes(
		attribute.Int("dataset.sources", len(ds.Sources)),
		attribute.Bool("dataset.aggregated", ds.Aggregated != nil),
	)
	return ds, nil
}

// AttachPrePost adds the grade-level pre/post comparison for trend questions.
func (r *DataRouter) AttachPrePost(ds *Dataset, grade string) {
	if r.scores == nil || ds == nil {
		return
	}
	if grade == "" {
		grade = "Grade 1"
	}
	table, err := r.scores.Table()
	if err != nil {
		logger.Warn("Pre/post comparison unavailable: %v", err)
		return
	}
	summary := BuildComparisonSummary(
		table.Filter(ScoreFilter{Grade: grade, TestType: "pre"}),
		table.Filter(ScoreFilter{Grade: grade, TestType: "post"}),
	)
	ds.PrePost = &summary
	ds.PrePostFor = grade
}

type recordView struct {
	Student string  `json:"student,omitempty"`
	Date    string  `json:"date"`
	Score   float64 `json:"score"`
}

type selRecordView struct {
	Student                   string  `json:"student,omitempty"`
	AssignmentID              string  `json:"assignment_id"`
	Date                      string  `json:"date"`
	SelfAwareness             float64 `json:"self_awareness"`
	SelfManagement            float64 `json:"self_management"`
	SocialAwareness           float64 `json:"social_awareness"`
	RelationshipSkills        float64 `json:"relationship_skills"`
	ResponsibleDecisionMaking float64 `json:"responsible_decision_making"`
	SELScore                  float64 `json:"sel_score"`
	Observations              string  `json:"observations,omitempty"`
}

type scoreSummary struct {
	RecordCount  int          `json:"record_count"`
	AverageScore float64      `json:"average_score"`
	LatestScore  float64      `json:"latest_score"`
	Records      []recordView `json:"records"`
}

type selSummary struct {
	RecordCount     int                `json:"record_count"`
	AverageScores   map[string]float64 `json:"average_scores"`
	AverageSELScore float64            `json:"average_sel_score"`
	Records         []selRecordView    `json:"records"`
}

type aggregatedSummary struct {
	Description  string                 `json:"description"`
	StudentCount int                    `json:"student_count"`
	Metrics      map[string]MetricDelta `json:"metrics"`
}

type prePostView struct {
	Grade   string            `json:"grade"`
	Summary ComparisonSummary `json:"summary"`
}

type modelSummary struct {
	Scope      string             `json:"scope"`
	EMT        *scoreSummary      `json:"emt_summary,omitempty"`
	REAL       *scoreSummary      `json:"real_summary,omitempty"`
	SEL        *selSummary        `json:"sel_summary,omitempty"`
	Aggregated *aggregatedSummary `json:"aggregated_summary,omitempty"`
	PrePost    *prePostView       `json:"prepost_comparison,omitempty"`
}

// FormatForModel renders the dataset as JSON for the prompt. A record's
// student is shown only when it is the student the request was authorised for.
func (r *DataRouter) FormatForModel(ds *Dataset) (string, error) {
	if ds == nil {
		return "{}", nil
	}
	allowed := ds.Scope.StudentID
	visible := func(id string) string {
		if id != "" && id == allowed {
			return id
		}
		return ""
	}

	out := modelSummary{Scope: "class"}
	if allowed != "" {
		out.Scope = "student"
	}

	if len(ds.EMT) > 0 {
		s := &scoreSummary{RecordCount: len(ds.EMT)}
		var latest time.Time
		for _, rec := range ds.EMT {
			s.AverageScore += rec.EmotionScore
			if !rec.AssessmentDate.Before(latest) {
				latest, s.LatestScore = rec.AssessmentDate, rec.EmotionScore
			}
			s.Records = append(s.Records, recordView{Student: visible(rec.StudentID), Date: rec.AssessmentDate.Format(time.DateOnly), Score: rec.EmotionScore})
		}
		s.AverageScore /= float64(len(ds.EMT))
		out.EMT = s
	}

	if len(ds.REAL) > 0 {
		s := &scoreSummary{RecordCount: len(ds.REAL)}
		var latest time.Time
		for _, rec := range ds.REAL {
			s.AverageScore += rec.LearningScore
			if !rec.AssessmentDate.Before(latest) {
				latest, s.LatestScore = rec.AssessmentDate, rec.LearningScore
			}
			s.Records = append(s.Records, recordView{Student: visible(rec.StudentID), Date: rec.AssessmentDate.Format(time.DateOnly), Score: rec.LearningScore})
		}
		s.AverageScore /= float64(len(ds.REAL))
		out.REAL = s
	}

	if len(ds.SEL) > 0 {
		s := &selSummary{RecordCount: len(ds.SEL), AverageScores: map[string]float64{}}
		n := float64(len(ds.SEL))
		for _, rec := range ds.SEL {
			s.AverageScores["self_awareness"] += rec.SelfAwareness / n
			s.AverageScores["self_management"] += rec.SelfManagement / n
			s.AverageScores["social_awareness"] += rec.SocialAwareness / n
			s.AverageScores["relationship_skills"] += rec.RelationshipSkills / n
			s.AverageScores["responsible_decision_making"] += rec.ResponsibleDecisionMaking / n
			s.AverageSELScore += rec.SELScore / n
			s.Records = append(s.Records, selRecordView{
				Student:                   visible(rec.StudentID),
				AssignmentID:              rec.AssignmentID,
				Date:                      rec.AssessmentDate.Format(time.DateOnly),
				SelfAwareness:             rec.SelfAwareness,
				SelfManagement:            rec.SelfManagement,
				SocialAwareness:           rec.SocialAwareness,
				RelationshipSkills:        rec.RelationshipSkills,
				ResponsibleDecisionMaking: rec.ResponsibleDecisionMaking,
				SELScore:                  rec.SELScore,
				Observations:              rec.Observations,
			})
		}
		out.SEL = s
	}

	if ds.Aggregated != nil {
		out.Aggregated = &aggregatedSummary{
			Description:  "Aggregated class-level assessment data (Pre vs Post)",
			StudentCount: ds.Aggregated.Summary.TotalPost,
			Metrics:      ds.Aggregated.Metrics,
		}
	}
	if ds.PrePost != nil {
		out.PrePost = &prePostView{Grade: ds.PrePostFor, Summary: *ds.PrePost}
	}

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("format dataset: %w", err)
	}
	return string(b), nil
}

package service

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ErrScoresNotFound is returned when the score export file does not exist.
var ErrScoresNotFound = errors.New("scores export not found")

// Fixed columns of the score export. Every other column is an integer metric.
var fixedScoreColumns = map[string]bool{
	"ID": true, "School": true, "Grade": true, "Assessment": true, "Total Students": true, "Test Type": true,
}

// ScoreRow is one row of the aggregated PRE/POST export.
type ScoreRow struct {
	ID            string         `json:"id"`
	School        string         `json:"school"`
	Grade         string         `json:"grade"`
	Assessment    string         `json:"assessment"`
	TotalStudents int            `json:"total_students"`
	TestType      string         `json:"test_type"`
	Metrics       map[string]int `json:"metrics"`
}

// ScoreTable is a parsed export. MetricKeys keeps column order.
type ScoreTable struct {
	Source     string
	MetricKeys []string
	Rows       []ScoreRow
}

// ParseScores reads an export. Non-numeric metric cells count as 0.
func ParseScores(r io.Reader, source string) (*ScoreTable, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	table := &ScoreTable{Source: source}
	metricCol := make(map[int]string)
	for i, col := range header {
		col = strings.TrimSpace(col)
		header[i] = col
		if fixedScoreColumns[col] {
			continue
		}
		key := metricKey(col)
		metricCol[i] = key
		table.MetricKeys = append(table.MetricKeys, key)
	}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		row := ScoreRow{Metrics: make(map[string]int, len(metricCol))}
		for i, val := range rec {
			if i >= len(header) {
				break
			}
			switch header[i] {
			case "ID":
				row.ID = val
			case "School":
				row.School = val
			case "Grade":
				row.Grade = val
			case "Assessment":
				row.Assessment = val
			case "Total Students":
				row.TotalStudents = atoi(val)
			case "Test Type":
				row.TestType = val
			default:
				row.Metrics[metricCol[i]] = atoi(val)
			}
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

func metricKey(col string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(col)), " ", "_")
}

func atoi(v string) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return n
}

// ScoreFilter selects rows by exact, case-insensitive match. Empty fields
// match everything.
type ScoreFilter struct {
	School     string `json:"school,omitempty"`
	Grade      string `json:"grade,omitempty"`
	Assessment string `json:"assessment,omitempty"`
	TestType   string `json:"test_type,omitempty"`
}

func (t *ScoreTable) Filter(f ScoreFilter) []ScoreRow {
	if t == nil {
		return nil
	}
	var out []ScoreRow
	for _, r := range t.Rows {
		if !matchField(f.School, r.School) ||
			!matchField(f.Grade, r.Grade) ||
			!matchField(f.Assessment, r.Assessment) ||
			!matchField(f.TestType, r.TestType) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func matchField(want, have string) bool {
	return want == "" || strings.EqualFold(want, have)
}

// SplitPrePost partitions rows by test type.
func SplitPrePost(rows []ScoreRow) (pre, post []ScoreRow) {
	for _, r := range rows {
		switch strings.ToUpper(r.TestType) {
		case "PRE":
			pre = append(pre, r)
		case "POST":
			post = append(post, r)
		}
	}
	return pre, post
}

type MetricDelta struct {
	Pre   int `json:"pre"`
	Post  int `json:"post"`
	Delta int `json:"delta"`
}

type PrePostTotals struct {
	TotalPre  int `json:"total_pre"`
	TotalPost int `json:"total_post"`
	RowsPre   int `json:"rows_pre"`
	RowsPost  int `json:"rows_post"`
}

// PrePostComparison sums each metric per bucket. Notes is set when there
// were no rows to compare.
type PrePostComparison struct {
	Summary PrePostTotals          `json:"summary"`
	Metrics map[string]MetricDelta `json:"metrics"`
	Notes   []string               `json:"notes,omitempty"`
}

// ComparePrePost sums totals and metrics for the PRE and POST buckets of rows.
func ComparePrePost(rows []ScoreRow) PrePostComparison {
	out := PrePostComparison{Metrics: map[string]MetricDelta{}}
	if len(rows) == 0 {
		out.Notes = []string{"No matching records"}
		return out
	}
	pre, post := SplitPrePost(rows)
	out.Summary = PrePostTotals{
		TotalPre:  totalStudents(pre),
		TotalPost: totalStudents(post),
		RowsPre:   len(pre),
		RowsPost:  len(post),
	}
	for key := range rows[0].Metrics {
		p, q := sumMetric(pre, key), sumMetric(post, key)
		out.Metrics[key] = MetricDelta{Pre: p, Post: q, Delta: q - p}
	}
	return out
}

type RowSummary struct {
	TotalStudents int            `json:"total_students"`
	Metrics       map[string]int `json:"metrics"`
}

// SummarizeRows sums total students and every metric of the first row's shape.
func SummarizeRows(rows []ScoreRow) RowSummary {
	out := RowSummary{Metrics: map[string]int{}}
	if len(rows) == 0 {
		return out
	}
	for key := range rows[0].Metrics {
		out.Metrics[key] = sumMetric(rows, key)
	}
	out.TotalStudents = totalStudents(rows)
	return out
}

type StudentTotal struct {
	TotalStudents int `json:"total_students"`
}

// ComparisonSummary is the compact pre/post view handed to the model.
type ComparisonSummary struct {
	Pre     StudentTotal           `json:"pre"`
	Post    StudentTotal           `json:"post"`
	Metrics map[string]MetricDelta `json:"metrics"`
}

// MetricNames returns the metric keys in sorted order.
func (c ComparisonSummary) MetricNames() []string {
	names := make([]string, 0, len(c.Metrics))
	for k := range c.Metrics {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// BuildComparisonSummary compares pre and post rows over the union of their metrics.
func BuildComparisonSummary(pre, post []ScoreRow) ComparisonSummary {
	ps, qs := SummarizeRows(pre), SummarizeRows(post)
	out := ComparisonSummary{
		Pre:     StudentTotal{TotalStudents: ps.TotalStudents},
		Post:    StudentTotal{TotalStudents: qs.TotalStudents},
		Metrics: map[string]MetricDelta{},
	}
	for k, v := range ps.Metrics {
		out.Metrics[k] = MetricDelta{Pre: v, Post: qs.Metrics[k], Delta: qs.Metrics[k] - v}
	}
	for k, v := range qs.Metrics {
		if _, ok := out.Metrics[k]; !ok {
			out.Metrics[k] = MetricDelta{Post: v, Delta: v}
		}
	}
	return out
}

func totalStudents(rows []ScoreRow) int {
	n := 0
	for _, r := range rows {
		n += r.TotalStudents
	}
	return n
}

func sumMetric(rows []ScoreRow, key string) int {
	n := 0
	for _, r := range rows {
		n += r.Metrics[key]
	}
	return n
}

// ScoreSource loads the export on first use and keeps it. A failed load is
// retried on the next call.
type ScoreSource struct {
	path string

	mu    sync.Mutex
	table *ScoreTable
}

func NewScoreSource(path string) *ScoreSource {
	return &ScoreSource{path: path}
}

func (s *ScoreSource) Path() string { return s.path }

func (s *ScoreSource) Table() (*ScoreTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.table != nil {
		return s.table, nil
	}
	if s.path == "" {
		return nil, ErrScoresNotFound
	}
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrScoresNotFound, s.path)
	}
	if err != nil {
		return nil, fmt.Errorf("open scores: %w", err)
	}
	defer f.Close()

	table, err := ParseScores(f, s.path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	s.table = table
	return table, nil
}

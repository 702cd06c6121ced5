package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/tilli/master-agent/internal/models"
	"github.com/tilli/master-agent/internal/service"
	"github.com/tilli/master-agent/internal/util/logger"
)

// Router is the subset of *service.DataRouter the query endpoints need.
type Router interface {
	Classify(question string) []models.DataSource
	Explain(question string) map[models.DataSource][]string
	service.DataFetcher
}

// QueryHandler exposes the data router and the scores export for inspection.
type QueryHandler struct {
	sanitizer *service.Sanitizer
	router    Router
	scores    *service.ScoreSource
}

func NewQueryHandler(sanitizer *service.Sanitizer, router Router, scores *service.ScoreSource) *QueryHandler {
	return &QueryHandler{sanitizer: sanitizer, router: router, scores: scores}
}

// Sources handles GET /query/sources. No data is read.
func (h *QueryHandler) Sources(w http.ResponseWriter, r *http.Request) {
	question, err := h.sanitizer.Sanitize(r.URL.Query().Get("question"), service.FieldQuestion)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"question":     question,
		"data_sources": h.router.Classify(question),
		"reasoning":    h.router.Explain(question),
	})
}

// TestData handles GET /query/test-data. Unknown source names are ignored.
func (h *QueryHandler) TestData(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("sources")
	if strings.TrimSpace(raw) == "" {
		raw = "EMT,SEL"
	}
	var sources []models.DataSource
	for _, s := range strings.Split(raw, ",") {
		ds := models.DataSource(strings.ToUpper(strings.TrimSpace(s)))
		for _, known := range models.AllSources {
			if ds == known {
				sources = append(sources, ds)
			}
		}
	}
	if sources == nil {
		sources = []models.DataSource{}
	}

	ds, err := h.router.Fetch(r.Context(), sources, models.AccessScope{})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	summary, err := h.router.FormatForModel(ds)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sources":      sources,
		"data_summary": json.RawMessage(summary),
	})
}

// PrePost handles GET /query/prepost.
func (h *QueryHandler) PrePost(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := service.ScoreFilter{
		School:     q.Get("school"),
		Grade:      q.Get("grade"),
		Assessment: q.Get("assessment"),
	}
	table, ok := h.loadScores(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"filters": h.filters(filter),
		"result":  service.ComparePrePost(table.Filter(filter)),
	})
}

// DebugPrePost handles GET /debug/pre-post. grade is required.
func (h *QueryHandler) DebugPrePost(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	grade := strings.TrimSpace(q.Get("grade"))
	if grade == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_input", "grade is required")
		return
	}
	table, ok := h.loadScores(w, r)
	if !ok {
		return
	}

	filter := service.ScoreFilter{Grade: grade, Assessment: q.Get("assessment")}
	preFilter, postFilter := filter, filter
	preFilter.TestType, postFilter.TestType = "pre", "post"
	pre, post := table.Filter(preFilter), table.Filter(postFilter)

	writeJSON(w, http.StatusOK, map[string]any{
		"filters":    h.filters(filter),
		"counts":     map[string]int{"rows_pre": len(pre), "rows_post": len(post)},
		"pre":        service.SummarizeRows(pre),
		"post":       service.SummarizeRows(post),
		"comparison": service.BuildComparisonSummary(pre, post),
	})
}

func (h *QueryHandler) filters(f service.ScoreFilter) map[string]any {
	return map[string]any{
		"school":     nullable(f.School),
		"grade":      nullable(f.Grade),
		"assessment": nullable(f.Assessment),
		"file_name":  filepath.Base(h.scores.Path()),
	}
}

func (h *QueryHandler) loadScores(w http.ResponseWriter, r *http.Request) (*service.ScoreTable, bool) {
	table, err := h.scores.Table()
	if errors.Is(err, service.ErrScoresNotFound) {
		writeJSONError(w, http.StatusNotFound, "not_found", "Scores export not found.")
		return nil, false
	}
	if err != nil {
		logger.Errorw("load scores failed", "path", r.URL.Path, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "Failed to compute pre/post summary.")
		return nil, false
	}
	return table, true
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

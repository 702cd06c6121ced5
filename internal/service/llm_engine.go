package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tilli/master-agent/internal/config"
	"github.com/tilli/master-agent/internal/telemetry"
	"github.com/tilli/master-agent/internal/util/logger"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

const askInstruction = `You are an assistant for educators reviewing student assessment data.
Answer the educator's question using only the data provided below.
Describe trends and give practical, supportive suggestions for the classroom.
If the data does not answer the question, say so plainly.
Never guess at information about individual students that is not in the data.`

// ChatInstruction primes the SEL chat conversation.
const ChatInstruction = `You are an expert in Social Emotional Learning (SEL).
You will be given score data for 4 assessments at the school level.
Use these scores to provide emotionally intelligent and insightful answers.
If the question is in Arabic, respond in Arabic.
If in English, respond in English.

The 4 assessments:
1) child: a picture-based SEL assessment for Grade 1 students measuring the 8 foundational Tilli SEL skills through illustrated scenarios (Challenging Situation Tasks and Emotion Matching Tasks).
2) parent: a caregiver questionnaire on the same 8 skills as seen at home.
3) teacher_report: a teacher rating of each student on the same 8 skills in school settings.
4) teacher_survey: a teacher self-assessment of their own SEL competencies and classroom practice.

Each assessment's scores contain testType (PRE or POST), totalStudents, school, assessment,
overall_level_distribution {beginner, growth, expert} and category_level_distributions for
self_awareness, social_management, social_awareness, relationship_skills,
responsible_decision_making, metacognition, empathy and critical_thinking.
The numbers are counts of students at each level.`

// ErrEmptyCompletion is returned when the model answers with no text.
var ErrEmptyCompletion = errors.New("model returned no text")

// NewGenerator returns the Gemini client, or the deterministic mock in test
// mode or when no API key is configured.
func NewGenerator(cfg config.LLMConfig, testMode bool, metrics *telemetry.Metrics) Generator {
	if testMode {
		logger.Info("Test mode: language model calls are mocked")
		return MockGenerator{}
	}
	if cfg.APIKey == "" {
		logger.Warn("GEMINI_API_KEY not set; using mock language model")
		return MockGenerator{}
	}
	return NewGeminiGenerator(cfg, metrics)
}

// GeminiGenerator calls the generateContent REST endpoint. Calls are bounded
// by the configured timeout and never retried.
type GeminiGenerator struct {
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	client    *http.Client
	metrics   *telemetry.Metrics
}

func NewGeminiGenerator(cfg config.LLMConfig, metrics *telemetry.Metrics) *GeminiGenerator {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GeminiGenerator{
		apiKey:    cfg.APIKey,
		baseURL:   baseURL,
		model:     model,
		maxTokens: cfg.MaxTokens,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		metrics: metrics,
	}
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason,omitempty"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (g *GeminiGenerator) Name() string { return "gemini:" + g.model }

func (g *GeminiGenerator) Generate(ctx context.Context, question, contextSummary string) (string, error) {
	prompt := fmt.Sprintf("Assessment data:\n%s\n\nEducator question: %s", contextSummary, question)
	return g.call(ctx, "generate", geminiRequest{
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: askInstruction}}},
		Contents:          []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig:  g.generationConfig(),
	})
}

// Converse sends the flattened conversation as one user turn.
func (g *GeminiGenerator) Converse(ctx context.Context, conversation []string) (string, error) {
	return g.call(ctx, "converse", geminiRequest{
		Contents:         []geminiContent{{Role: "user", Parts: []geminiPart{{Text: strings.Join(conversation, "\n")}}}},
		GenerationConfig: g.generationConfig(),
	})
}

func (g *GeminiGenerator) generationConfig() *geminiGenerationConfig {
	if g.maxTokens <= 0 {
		return nil
	}
	return &geminiGenerationConfig{MaxOutputTokens: g.maxTokens}
}

func (g *GeminiGenerator) call(ctx context.Context, op string, body geminiRequest) (text string, err error) {
	ctx, span := tracer.Start(ctx, "llm."+op)
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", g.model))

	start := time.Now()
	defer func() {
		g.metrics.Upstream("llm", time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "llm call failed")
		}
	}()

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, g.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// header rather than query string so the key stays out of traces and access logs
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gemini status %d", resp.StatusCode)
	}

	var out geminiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("gemini error %d: %s", out.Error.Code, out.Error.Message)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", ErrEmptyCompletion
	}
	var sb strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	text = strings.TrimSpace(sb.String())
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

// MockGenerator returns fixed text derived from its input.
type MockGenerator struct{}

func (MockGenerator) Name() string { return "mock" }

func (MockGenerator) Generate(_ context.Context, question, contextSummary string) (string, error) {
	var sections []string
	for _, key := range []string{"emt_summary", "real_summary", "sel_summary", "aggregated_summary", "prepost_comparison"} {
		if strings.Contains(contextSummary, `"`+key+`"`) {
			sections = append(sections, key)
		}
	}
	if len(sections) == 0 {
		return "Mock response: no assessment data was available for this question.", nil
	}
	return fmt.Sprintf("Mock response to %q based on %s. Students show steady progress; continue reinforcing current classroom strategies.",
		question, strings.Join(sections, ", ")), nil
}

func (MockGenerator) Converse(_ context.Context, conversation []string) (string, error) {
	last := ""
	if n := len(conversation); n > 0 {
		last = strings.TrimPrefix(conversation[n-1], "User: ")
	}
	return fmt.Sprintf("Mock chat response (%d context messages): %s", len(conversation), last), nil
}

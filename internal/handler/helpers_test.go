package handler

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tilli/master-agent/internal/config"
	"github.com/tilli/master-agent/internal/models"
	"github.com/tilli/master-agent/internal/service"
)

const sampleCSV = "ID,School,Grade,Assessment,Total Students,Test Type,Overall Beginner,Overall Growth,Overall Expert\n" +
	"1,School 1,Grade 1,child,25,PRE,10,10,5\n" +
	"2,School 1,Grade 1,child,25,POST,4,12,9\n" +
	"3,School 2,Grade 2,child,30,PRE,12,12,6\n" +
	"4,School 2,Grade 2,child,30,POST,8,12,10\n"

func writeScores(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scores.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleCSV), 0o600))
	return path
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
	cfg.TLS.CSP = "default-src 'self'"
	return cfg
}

// stubAsker records the credential it was called with and returns canned results.
type stubAsker struct {
	credential string
	ask        *models.AskResponse
	chat       *models.ChatResponse
	err        error
}

func (s *stubAsker) Ask(_ context.Context, credential string, _ models.AskRequest) (*models.AskResponse, error) {
	s.credential = credential
	return s.ask, s.err
}

func (s *stubAsker) Chat(_ context.Context, credential string, _ models.ChatRequest) (*models.ChatResponse, error) {
	s.credential = credential
	return s.chat, s.err
}

type stubTester struct{ calledWith *bool }

func (s stubTester) SelfTest(_ context.Context, testMode bool) service.SelfTestReport {
	*s.calledWith = testMode
	return service.SelfTestReport{Overall: "ok", Tests: map[string]models.JSONMap{}}
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

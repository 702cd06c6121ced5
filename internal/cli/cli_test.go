package cli

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilli/master-agent/compliance/audit"
	"github.com/tilli/master-agent/internal/models"
	"github.com/tilli/master-agent/internal/util"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type env struct {
	config  string
	file    string
	archive string
}

func newEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	e := env{
		config:  filepath.Join(dir, "app-config.yaml"),
		file:    filepath.Join(dir, "audit.log"),
		archive: filepath.Join(dir, "archive"),
	}
	yaml := fmt.Sprintf("auth:\n  jwt_secret: %q\naudit:\n  file: %q\n  archive_dir: %q\n", testSecret, e.file, e.archive)
	require.NoError(t, os.WriteFile(e.config, []byte(yaml), 0o600))
	return e
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeAudit(t *testing.T, e env) {
	t.Helper()
	ctx := context.Background()
	s, err := audit.NewRotatingFileStore(ctx, audit.StoreConfig{Path: e.file, ArchiveDir: e.archive})
	require.NoError(t, err)
	for i, school := range []string{"school_1", "school_2", "school_1"} {
		require.NoError(t, s.Append(ctx, models.AuditEvent{
			ID:        fmt.Sprintf("evt-%d", i),
			Timestamp: time.Date(2025, 3, 1, 10, i, 0, 0, time.UTC),
			EventType: models.EventDataAccess,
			UserID:    "educator_alice",
			SchoolID:  school,
		}))
	}
	require.NoError(t, s.Rotate(ctx))
	require.NoError(t, s.Close())
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := NewRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"seed", "audit", "token"} {
		assert.True(t, names[want], want)
	}
	assert.Equal(t, defaultConfigPath, root.PersistentFlags().Lookup("config").DefValue)
}

func TestTokenMint(t *testing.T) {
	e := newEnv(t)
	out, err := run(t, "token", "mint", "--config", e.config, "--sub", "admin_1", "--role", "ADMIN", "--school", "school_1", "--ttl", "5m")
	require.NoError(t, err)

	tokens, err := util.NewJWTManager(util.JWTConfig{Secret: []byte(testSecret)})
	require.NoError(t, err)
	claims, err := tokens.ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "admin_1", claims.SubjectID())
	assert.Equal(t, "admin", claims.Role)
	assert.Equal(t, "school_1", claims.SchoolID)
	assert.Equal(t, "master-agent", claims.Issuer)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), claims.ExpiresAt.Time, time.Minute)
}

func TestTokenMint_Rejects(t *testing.T) {
	e := newEnv(t)
	_, err := run(t, "token", "mint", "--config", e.config, "--sub", "x", "--role", "teacher")
	assert.ErrorContains(t, err, "unknown role")

	_, err = run(t, "token", "mint", "--config", e.config)
	assert.Error(t, err)
}

func TestSeed_RequiresDatabase(t *testing.T) {
	e := newEnv(t)
	_, err := run(t, "seed", "--config", e.config)
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestAuditVerify(t *testing.T) {
	e := newEnv(t)
	writeAudit(t, e)

	out, err := run(t, "audit", "verify", "--config", e.config)
	require.NoError(t, err)
	var report struct {
		Events   int                   `json:"events"`
		Segments []audit.SegmentReport `json:"segments"`
		OK       bool                  `json:"ok"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.OK)
	assert.Equal(t, 3, report.Events)
	require.Len(t, report.Segments, 1)
	assert.True(t, report.Segments[0].ChecksumOK)

	segments, err := filepath.Glob(filepath.Join(e.archive, "audit.log.*.gz"))
	require.NoError(t, err)
	require.Len(t, segments, 1)
	require.NoError(t, os.WriteFile(segments[0], []byte("tampered"), 0o600))

	out, err = run(t, "audit", "verify", "--config", e.config)
	require.Error(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.OK)
	assert.NotEmpty(t, report.Segments[0].Error)
}

func TestAuditExport(t *testing.T) {
	e := newEnv(t)
	writeAudit(t, e)

	out, err := run(t, "audit", "export", "--config", e.config, "--school", "school_1", "--format", "csv")
	require.NoError(t, err)
	rows, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	dest := filepath.Join(t.TempDir(), "export.json")
	_, err = run(t, "audit", "export", "--config", e.config, "--since", "2025-03-01T10:01:00Z", "--out", dest)
	require.NoError(t, err)
	raw, err := os.ReadFile(dest)
	require.NoError(t, err)
	var events []models.AuditEvent
	require.NoError(t, json.Unmarshal(raw, &events))
	assert.Len(t, events, 2)
	assert.FileExists(t, dest+".sha256")

	_, err = run(t, "audit", "export", "--config", e.config, "--since", "yesterday")
	assert.ErrorContains(t, err, "--since")
}

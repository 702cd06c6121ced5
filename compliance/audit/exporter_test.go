package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilli/master-agent/internal/models"
)

func TestAuditExporter_FiltersAcrossSegments(t *testing.T) {
	s, path, archive := newStore(t, 600, nil)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		ev := event(i)
		if i%3 == 0 {
			ev.EventType = models.EventAccessDenied
			ev.SchoolID = "school_2"
		}
		require.NoError(t, s.Append(ctx, ev))
	}

	exp := NewAuditExporter(path, archive, nil)

	var buf bytes.Buffer
	res, err := exp.Export(ctx, ExportRequest{EventTypes: []models.AuditEventType{models.EventAccessDenied}}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Records)
	assert.NotEmpty(t, res.Segments)

	var got []models.AuditEvent
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	for _, ev := range got {
		assert.Equal(t, models.EventAccessDenied, ev.EventType)
	}

	buf.Reset()
	res, err = exp.Export(ctx, ExportRequest{SchoolID: "SCHOOL_1", Format: FormatCSV}, &buf)
	require.NoError(t, err)
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, res.Records+1)
	assert.Equal(t, 8, res.Records)
}

func TestAuditExporter_ExportFileWritesChecksum(t *testing.T) {
	s, path, archive := newStore(t, 0, nil)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, event(1)))

	out := filepath.Join(t.TempDir(), "export.json")
	res, err := NewAuditExporter(path, archive, nil).ExportFile(ctx, ExportRequest{}, out)
	require.NoError(t, err)

	sidecar, err := os.ReadFile(out + ".sha256")
	require.NoError(t, err)
	assert.Equal(t, res.Checksum+"  export.json\n", string(sidecar))
}

func TestAuditExporter_RejectsUnknownFormat(t *testing.T) {
	_, err := NewAuditExporter("x", "y", nil).Export(context.Background(), ExportRequest{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}

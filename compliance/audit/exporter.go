package audit

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tilli/master-agent/internal/models"
)

// ExportFormat represents the output format for audit exports
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
)

// ExportRequest selects which verified events to export.
type ExportRequest struct {
	EventTypes []models.AuditEventType
	SchoolID   string
	UserID     string
	StartTime  time.Time
	EndTime    time.Time
	Format     ExportFormat
}

// ExportResult summarises a finished export.
type ExportResult struct {
	Records  int             `json:"records"`
	Bytes    int64           `json:"bytes"`
	Checksum string          `json:"checksum"`
	Segments []SegmentReport `json:"segments"`
}

// AuditExporter produces compliance exports from a verified audit log.
type AuditExporter struct {
	path       string
	archiveDir string
	verifier   Verifier
}

func NewAuditExporter(path, archiveDir string, verifier Verifier) *AuditExporter {
	return &AuditExporter{path: path, archiveDir: archiveDir, verifier: verifier}
}

// Export verifies every segment, filters the events and writes them to w.
// A checksum or signature failure aborts the export.
func (ae *AuditExporter) Export(ctx context.Context, req ExportRequest, w io.Writer) (*ExportResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	events, reports, err := ReadDir(ctx, ae.path, ae.archiveDir, ae.verifier)
	if err != nil {
		return &ExportResult{Segments: reports}, fmt.Errorf("read audit log: %w", err)
	}

	selected := make([]models.AuditEvent, 0, len(events))
	for _, ev := range events {
		if matches(req, ev) {
			selected = append(selected, ev)
		}
	}

	h := sha256.New()
	cw := &countingWriter{w: io.MultiWriter(w, h)}
	switch req.Format {
	case FormatJSON, "":
		err = writeJSON(cw, selected)
	case FormatCSV:
		err = writeCSV(cw, selected)
	}
	if err != nil {
		return nil, err
	}
	return &ExportResult{
		Records:  len(selected),
		Bytes:    cw.n,
		Checksum: fmt.Sprintf("%x", h.Sum(nil)),
		Segments: reports,
	}, nil
}

// ExportFile writes the export to path and a sha256sum sidecar next to it.
func (ae *AuditExporter) ExportFile(ctx context.Context, req ExportRequest, path string) (*ExportResult, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	res, err := ae.Export(ctx, req, file)
	if cerr := file.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return res, err
	}
	sidecar := fmt.Sprintf("%s  %s\n", res.Checksum, filepath.Base(path))
	if err := os.WriteFile(path+".sha256", []byte(sidecar), 0o600); err != nil {
		return res, fmt.Errorf("write export checksum: %w", err)
	}
	return res, nil
}

func validateRequest(req ExportRequest) error {
	switch req.Format {
	case "", FormatJSON, FormatCSV:
	default:
		return fmt.Errorf("unsupported export format: %s", req.Format)
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.EndTime.Before(req.StartTime) {
		return fmt.Errorf("end time before start time")
	}
	return nil
}

func matches(req ExportRequest, ev models.AuditEvent) bool {
	if len(req.EventTypes) > 0 {
		found := false
		for _, t := range req.EventTypes {
			if t == ev.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if req.SchoolID != "" && !strings.EqualFold(req.SchoolID, ev.SchoolID) {
		return false
	}
	if req.UserID != "" && req.UserID != ev.UserID {
		return false
	}
	if !req.StartTime.IsZero() && ev.Timestamp.Before(req.StartTime) {
		return false
	}
	if !req.EndTime.IsZero() && ev.Timestamp.After(req.EndTime) {
		return false
	}
	return true
}

func writeJSON(w io.Writer, events []models.AuditEvent) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(events); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

var csvHeaders = []string{
	"id", "timestamp", "category", "event_type", "severity", "user_id", "school_id",
	"action", "purpose", "student_ids", "classroom_ids", "data_sources", "ip_address", "request_id",
}

func writeCSV(w io.Writer, events []models.AuditEvent) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeaders); err != nil {
		return fmt.Errorf("failed to write CSV headers: %w", err)
	}
	for _, ev := range events {
		row := []string{
			ev.ID,
			ev.Timestamp.Format(time.RFC3339Nano),
			ev.Category,
			string(ev.EventType),
			ev.Severity.String(),
			ev.UserID,
			ev.SchoolID,
			ev.Action,
			ev.Purpose,
			strings.Join(ev.StudentIDs, ";"),
			strings.Join(ev.ClassroomIDs, ";"),
			strings.Join(ev.DataSources, ";"),
			ev.IPAddress,
			ev.RequestID,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

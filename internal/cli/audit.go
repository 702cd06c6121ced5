package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tilli/master-agent/compliance/audit"
	"github.com/tilli/master-agent/internal/config"
	"github.com/tilli/master-agent/internal/loader"
	"github.com/tilli/master-agent/internal/models"
)

type auditTarget struct {
	file       string
	archiveDir string
}

func (t *auditTarget) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&t.file, "file", "", "active audit log (default from config)")
	cmd.Flags().StringVar(&t.archiveDir, "archive-dir", "", "archive directory (default from config)")
}

func (t *auditTarget) resolve(cfg *config.Config) {
	if t.file == "" {
		t.file = cfg.Audit.File
	}
	if t.archiveDir == "" {
		t.archiveDir = cfg.Audit.ArchiveDir
	}
}

// verifier returns the KMS verifier when a key is configured. The interface
// stays nil otherwise so segments are checked by checksum only.
func verifier(cmd *cobra.Command, cfg *config.Config) (audit.Verifier, error) {
	helper, err := loader.AuditSigner(cmd.Context(), cfg)
	if err != nil || helper == nil {
		return nil, err
	}
	return helper, nil
}

func newAuditCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Verify and export the audit trail",
	}
	cmd.AddCommand(newAuditVerifyCmd(opts), newAuditExportCmd(opts))
	return cmd
}

func newAuditVerifyCmd(opts *rootOptions) *cobra.Command {
	var target auditTarget
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check archived segment checksums and signatures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			target.resolve(cfg)
			v, err := verifier(cmd, cfg)
			if err != nil {
				return err
			}

			events, reports, err := audit.ReadDir(cmd.Context(), target.file, target.archiveDir, v)
			out := struct {
				Events   int                   `json:"events"`
				Segments []audit.SegmentReport `json:"segments"`
				OK       bool                  `json:"ok"`
			}{Events: len(events), Segments: reports, OK: err == nil}
			if perr := printJSON(cmd.OutOrStdout(), out); perr != nil {
				return perr
			}
			if err != nil {
				return fmt.Errorf("audit trail failed verification: %w", err)
			}
			return nil
		},
	}
	target.bind(cmd)
	return cmd
}

func newAuditExportCmd(opts *rootOptions) *cobra.Command {
	var (
		target     auditTarget
		format     string
		schoolID   string
		userID     string
		since      string
		until      string
		eventTypes []string
		outPath    string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export verified audit events as JSON or CSV",
		Example: `  agentctl audit export --school school_1 --since 2025-01-01T00:00:00Z --out export.json
  agentctl audit export --type harmful_content --format csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := audit.ExportRequest{
				SchoolID: schoolID,
				UserID:   userID,
				Format:   audit.ExportFormat(format),
			}
			var err error
			if req.StartTime, err = parseTime(since); err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			if req.EndTime, err = parseTime(until); err != nil {
				return fmt.Errorf("--until: %w", err)
			}
			for _, t := range eventTypes {
				req.EventTypes = append(req.EventTypes, models.AuditEventType(t))
			}

			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			target.resolve(cfg)
			v, err := verifier(cmd, cfg)
			if err != nil {
				return err
			}
			exporter := audit.NewAuditExporter(target.file, target.archiveDir, v)

			if outPath == "" {
				_, err := exporter.Export(cmd.Context(), req, cmd.OutOrStdout())
				return err
			}
			res, err := exporter.ExportFile(cmd.Context(), req, outPath)
			if err != nil {
				return err
			}
			return printJSON(cmd.ErrOrStderr(), res)
		},
	}
	target.bind(cmd)
	cmd.Flags().StringVar(&format, "format", string(audit.FormatJSON), "json or csv")
	cmd.Flags().StringVar(&schoolID, "school", "", "only events for this school")
	cmd.Flags().StringVar(&userID, "user", "", "only events for this user")
	cmd.Flags().StringVar(&since, "since", "", "RFC 3339 lower bound")
	cmd.Flags().StringVar(&until, "until", "", "RFC 3339 upper bound")
	cmd.Flags().StringSliceVar(&eventTypes, "type", nil, "event types to include (repeatable)")
	cmd.Flags().StringVar(&outPath, "out", "", "write to this file with a .sha256 sidecar instead of stdout")
	return cmd
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

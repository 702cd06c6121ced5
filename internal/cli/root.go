package cli

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/tilli/master-agent/internal/config"
	"github.com/tilli/master-agent/internal/loader"
)

const defaultConfigPath = "config/app-config.yaml"

type rootOptions struct {
	configPath string
}

// NewRootCmd builds the operator CLI.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "agentctl",
		Short: "Operator tooling for the educator QA service",
		Long: `agentctl runs maintenance tasks against the same configuration as the server:
seeding the membership graph, verifying and exporting the audit trail,
and minting local tokens for development.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "path to the YAML config file")

	root.AddCommand(newSeedCmd(opts), newAuditCmd(opts), newTokenCmd(opts))
	return root
}

func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := loader.LoadConfig(cmd.Context(), o.configPath)
	if err != nil {
		return nil, err
	}
	// stdout is reserved for command output
	cfg.Logger.Output = "stderr"
	loader.InitLogger(cfg)
	return cfg, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

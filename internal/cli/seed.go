package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tilli/master-agent/internal/loader"
	"github.com/tilli/master-agent/internal/repository"
)

func newSeedCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load the sample membership graph into DATABASE_URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is not set; the in-memory store is seeded at startup")
			}
			repo, db, err := loader.OpenMembership(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := repository.SeedSample(cmd.Context(), repo); err != nil {
				return fmt.Errorf("seed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "membership graph seeded")
			return nil
		},
	}
}

package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tilli/master-agent/internal/loader"
	"github.com/tilli/master-agent/internal/models"
	"github.com/tilli/master-agent/internal/util"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Work with locally signed tokens",
	}
	cmd.AddCommand(newTokenMintCmd(opts))
	return cmd
}

func newTokenMintCmd(opts *rootOptions) *cobra.Command {
	var (
		req  util.TokenRequest
		role string
	)
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Sign an HS256 token with JWT_SECRET_KEY",
		Example: `  agentctl token mint --sub educator_alice --school school_1
  agentctl token mint --sub admin_1 --role admin --ttl 15m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed := models.ParseRole(role)
			if parsed == models.RoleUnknown {
				return fmt.Errorf("unknown role %q", role)
			}
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			tokens, err := loader.LocalTokens(cfg)
			if err != nil {
				return err
			}
			if tokens == nil {
				return errors.New("JWT_SECRET_KEY is not set")
			}
			req.Role = parsed.String()
			token, err := tokens.CreateToken(req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Subject, "sub", "", "subject (user id)")
	cmd.Flags().StringVar(&req.Email, "email", "", "email claim")
	cmd.Flags().StringVar(&role, "role", models.RoleEducator.String(), "educator or admin")
	cmd.Flags().StringVar(&req.SchoolID, "school", "", "school id claim")
	cmd.Flags().DurationVar(&req.TTL, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

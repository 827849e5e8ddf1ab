package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vineethgoud568-prog/CureMos/internal/identity"
	"github.com/vineethgoud568-prog/CureMos/internal/models"
)

var (
	flagUser string
	flagRole string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a token signed with JWT_SECRET",
	Long: `Issue a token for a user and role, signed with the same secret as the
server. Useful for local development and scripted tests.

Example:
  export CUREMOS_TOKEN=$(consult token --user dr-osei --role doctor_b)`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagUser == "" {
			return fmt.Errorf("--user is required")
		}
		token, err := identity.NewIssuer(cfg.JWTSecret, identity.DefaultTTL).Issue(flagUser, models.Role(flagRole))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&flagUser, "user", "", "user id")
	tokenCmd.Flags().StringVar(&flagRole, "role", string(models.RoleDoctorA), "doctor_a or doctor_b")
	tokenCmd.Flags().StringVar(&cfg.JWTSecret, "secret", cfg.JWTSecret, "signing secret")
}

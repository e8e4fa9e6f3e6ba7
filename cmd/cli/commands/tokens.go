package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// PurgeTokensCmd creates the purgeTokens command
func PurgeTokensCmd(app *AppContext) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purgeTokens",
		Short: "Delete confirmation tokens that expired more than --older-than ago",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 0 {
				return fmt.Errorf("--older-than must not be negative")
			}
			n, err := app.Dispatcher.PurgeTokens(app.Ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Printf("\n✓ Purged %d expired token(s)\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Keep tokens that expired within this window")
	return cmd
}

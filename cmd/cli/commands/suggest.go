package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// SuggestRidersCmd creates the suggestRiders command
func SuggestRidersCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suggestRiders <request_id>",
		Short: "List free riders for a request, least busy first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			if limit < 1 {
				return fmt.Errorf("limit must be a positive integer, got: %d", limit)
			}

			suggestions, err := app.Dispatcher.SuggestRiders(app.Ctx, args[0], limit)
			if err != nil {
				return err
			}

			if len(suggestions) == 0 {
				fmt.Println("\nNo riders are free for this request.")
				return nil
			}

			fmt.Printf("\nFree riders for request %s:\n\n", args[0])
			for i, s := range suggestions {
				fmt.Printf("  %2d. %-24s (%s)  %d this week\n", i+1, s.Rider.Name, s.Rider.ID, s.WeekLoad)
			}
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().Int("limit", 10, "Maximum number of riders to list")

	return cmd
}

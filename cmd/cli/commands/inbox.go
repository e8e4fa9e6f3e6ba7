package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// IngestCmd creates the ingest command
func IngestCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <from_address> [body]",
		Short: "Reconcile a rider's reply (body from the argument or stdin)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := ""
			if len(args) > 1 {
				body = args[1]
			} else {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("failed to read message body: %w", err)
				}
				body = string(data)
			}
			if strings.TrimSpace(body) == "" {
				return fmt.Errorf("message body is empty")
			}

			result, err := app.Dispatcher.IngestInboundMessage(app.Ctx, args[0], body)
			if err != nil {
				return err
			}

			fmt.Printf("\n✓ %s: assignment %s is %s (was %s)\n\n",
				result.Outcome, result.Assignment.ID, result.Assignment.Status, result.Previous)
			return nil
		},
	}

	return cmd
}

// PollInboxCmd creates the pollInbox command
func PollInboxCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "pollInbox",
		Short: "Reconcile unread rider replies from the dispatch mailbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app.Logger.Debug("pollInbox command", zap.String("query", app.Cfg.InboxQuery))

			result, err := app.Dispatcher.PollInbox(app.Ctx)
			if err != nil {
				return err
			}

			fmt.Printf("\n📬 Inbox processed\n\n")
			fmt.Printf("Applied:    %d\n", result.Applied)
			fmt.Printf("Duplicates: %d\n", result.Duplicates)
			fmt.Printf("No change:  %d\n", result.NoChange)
			fmt.Printf("Unresolved: %d\n", result.Unresolved)
			fmt.Printf("Rejected:   %d\n", result.Rejected)

			if len(result.Failed) > 0 {
				fmt.Printf("\n⚠️  %d messages left unread after errors:\n", len(result.Failed))
				for _, f := range result.Failed {
					fmt.Printf("  ✗ %s (%s): %s\n", f.MessageID, f.From, f.Error)
				}
			}
			fmt.Println()
			return nil
		},
	}
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jakechorley/escort-dispatch/pkg/core/assignment"
)

// CancelRequestCmd creates the cancelRequest command
func CancelRequestCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancelRequest <request_id>",
		Short: "Cancel a request and every assignment on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := app.Dispatcher.CancelRequest(app.Ctx, assignment.RequestCommand{RequestID: args[0], Actor: "cli"})
			if err != nil {
				return err
			}
			printLifecycleResult("cancelled", result)
			return nil
		},
	}
}

// CompleteRequestCmd creates the completeRequest command
func CompleteRequestCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "completeRequest <request_id>",
		Short: "Mark a request as completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := app.Dispatcher.CompleteRequest(app.Ctx, assignment.RequestCommand{RequestID: args[0], Actor: "cli"})
			if err != nil {
				return err
			}
			printLifecycleResult("completed", result)
			return nil
		},
	}
}

// DeleteRequestCmd creates the deleteRequest command
func DeleteRequestCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "deleteRequest <request_id>",
		Short: "Delete a request that has no live assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Dispatcher.DeleteRequest(app.Ctx, assignment.RequestCommand{RequestID: args[0], Actor: "cli"}); err != nil {
				return err
			}
			fmt.Printf("\n✓ Request %s deleted\n\n", args[0])
			return nil
		},
	}
}

func printLifecycleResult(verb string, result *assignment.LifecycleResult) {
	if !result.Changed {
		fmt.Printf("\nNo change: request %s is already %s\n\n", result.Request.ID, result.Request.Status)
		return
	}
	fmt.Printf("\n✓ Request %s %s (%d assignments updated)\n", result.Request.ID, verb, len(result.Assignments))
	for _, w := range result.Warnings {
		fmt.Printf("  ⚠️  %s\n", w)
	}
	fmt.Println()
}

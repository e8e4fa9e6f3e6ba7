package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jakechorley/escort-dispatch/pkg/core/assignment"
	"github.com/jakechorley/escort-dispatch/pkg/core/model"
)

// AssignCmd creates the assign command
func AssignCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign <request_id> [rider_id...]",
		Short: "Set the riders assigned to a request",
		Long:  "Replace the rider set of a request. Riders left out are unassigned; giving no riders clears the request.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			override, _ := cmd.Flags().GetBool("override")
			actor, _ := cmd.Flags().GetString("actor")

			app.Logger.Debug("assign command",
				zap.String("request_id", args[0]),
				zap.Strings("rider_ids", args[1:]),
				zap.Bool("override", override))

			result, err := app.Dispatcher.Assign(app.Ctx, assignment.AssignCommand{
				RequestID:         args[0],
				RiderIDs:          splitRiderArgs(args[1:]),
				OverrideConflicts: override,
				Actor:             actor,
			})
			if err != nil {
				printConflicts(err)
				return err
			}

			printAssignResult(result)
			return nil
		},
	}

	cmd.Flags().Bool("override", false, "Assign even when riders are unavailable or double booked")
	cmd.Flags().String("actor", "cli", "Name recorded as the dispatcher making the change")

	return cmd
}

// UnassignCmd creates the unassign command
func UnassignCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "unassign <request_id> <rider_id>",
		Short: "Remove one rider from a request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := app.Dispatcher.Unassign(app.Ctx, assignment.UnassignCommand{
				RequestID: args[0],
				RiderID:   args[1],
				Actor:     "cli",
			})
			if err != nil {
				return err
			}

			printAssignResult(result)
			return nil
		},
	}
}

// IssueLinksCmd creates the issueLinks command
func IssueLinksCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "issueLinks <assignment_id>",
		Short: "Issue a fresh confirm/decline link pair for an assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			links, err := app.Dispatcher.IssueConfirmationLinks(app.Ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("\n✓ Links issued for rider %s\n\n", links.RiderID)
			fmt.Printf("Confirm: %s\n", links.ConfirmURL)
			fmt.Printf("Decline: %s\n\n", links.DeclineURL)
			return nil
		},
	}
}

// splitRiderArgs accepts riders as separate args or comma separated
func splitRiderArgs(args []string) []string {
	ids := []string{}
	for _, a := range args {
		for _, id := range strings.Split(a, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func printAssignResult(result *assignment.AssignResult) {
	req := result.Request
	if !result.Changed {
		fmt.Printf("\nNo change: request %s already has riders [%s]\n\n", req.ID, strings.Join(req.AssignedRiderIDs, ", "))
		return
	}

	fmt.Printf("\n✓ Request %s updated\n\n", req.ID)
	fmt.Printf("When:    %s\n", req.Window)
	fmt.Printf("Status:  %s\n", req.Status)
	fmt.Printf("Riders:  %d of %d [%s]\n\n", len(req.AssignedRiderIDs), req.RidersNeeded, strings.Join(req.AssignedRiderIDs, ", "))

	for _, a := range result.Added {
		fmt.Printf("  + %s (%s)\n", a.RiderID, a.Status)
	}
	for _, a := range result.Removed {
		fmt.Printf("  - %s\n", a.RiderID)
	}
	for _, a := range result.Kept {
		fmt.Printf("  = %s (%s)\n", a.RiderID, a.Status)
	}

	if len(result.Links) > 0 {
		fmt.Println("\nConfirmation links:")
		for _, l := range result.Links {
			fmt.Printf("  %s\n    confirm: %s\n    decline: %s\n", l.RiderID, l.ConfirmURL, l.DeclineURL)
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Printf("\n⚠️  %d side effects failed:\n", len(result.Warnings))
		for _, w := range result.Warnings {
			fmt.Printf("  ✗ %s\n", w)
		}
	}
	fmt.Println()
}

func printConflicts(err error) {
	conflicts := model.ConflictsOf(err)
	if len(conflicts) == 0 {
		return
	}
	fmt.Printf("\n❌ Riders are not free for this request:\n")
	for _, c := range conflicts {
		when := c.Date
		if c.Start != "" {
			when = fmt.Sprintf("%s %s-%s", c.Date, c.Start, c.End)
		}
		fmt.Printf("  • %s: %s %s (%s)\n", c.RiderID, c.Source, c.RefID, when)
	}
	fmt.Println("\nUse --override to assign anyway.")
	fmt.Println()
}

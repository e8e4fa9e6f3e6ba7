package commands

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jakechorley/escort-dispatch/pkg/core/model"
	"github.com/jakechorley/escort-dispatch/pkg/db"
)

// ViewResponsesCmd creates the viewResponses command
func ViewResponsesCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "viewResponses [request_id]",
		Short: "View the rider response log, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome, _ := cmd.Flags().GetString("outcome")
			limit, _ := cmd.Flags().GetInt("limit")
			var requestID string
			if len(args) > 0 {
				requestID = args[0]
			}

			app.Logger.Debug("viewResponses command",
				zap.String("request_id", requestID),
				zap.String("outcome", outcome))

			rows, err := db.Load[db.ResponseLog](app.Ctx, app.Store)
			if err != nil {
				return fmt.Errorf("failed to load response log: %w", err)
			}

			entries := make([]model.ResponseRecord, 0, len(rows))
			for _, row := range rows {
				rec, err := model.ResponseFromRow(row)
				if err != nil {
					app.Logger.Warn("Skipping unreadable response log row", zap.Error(err))
					continue
				}
				entries = append(entries, rec)
			}

			entries = filterResponses(entries, requestID, outcome, limit)
			if len(entries) == 0 {
				fmt.Println("\nNo responses found.")
				return nil
			}

			printResponses(entries, app.Cfg.Location())
			return nil
		},
	}

	cmd.Flags().String("outcome", "", "Only show entries with this outcome (applied, ignored, unresolved, rejected)")
	cmd.Flags().Int("limit", 50, "Maximum number of entries to show")

	return cmd
}

// filterResponses keeps matching entries, newest first, at most limit of them
func filterResponses(entries []model.ResponseRecord, requestID, outcome string, limit int) []model.ResponseRecord {
	out := []model.ResponseRecord{}
	for _, e := range entries {
		if requestID != "" && e.RequestID != requestID {
			continue
		}
		if outcome != "" && !strings.EqualFold(string(e.Outcome), outcome) {
			continue
		}
		out = append(out, e)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func outcomeColor(outcome model.LogOutcome, green, yellow, red string) string {
	switch outcome {
	case model.LogApplied:
		return green
	case model.LogIgnored:
		return yellow
	default:
		return red
	}
}

func printResponses(entries []model.ResponseRecord, loc *time.Location) {
	// ANSI color codes
	const (
		colorReset  = "\033[0m"
		colorGreen  = "\033[32m"
		colorRed    = "\033[31m"
		colorYellow = "\033[33m"
		colorDim    = "\033[2m"
	)

	nameColWidth := 12
	for _, e := range entries {
		if len(e.RiderName)+2 > nameColWidth {
			nameColWidth = len(e.RiderName) + 2
		}
	}

	fmt.Printf("\n%-22s%-16s%-*s%-10s%-10s%-12s\n", "Time", "Source", nameColWidth, "Rider", "Request", "Action", "Outcome")
	fmt.Println(strings.Repeat("-", 22+16+nameColWidth+10+10+12))

	for _, e := range entries {
		rider := e.RiderName
		if rider == "" {
			rider = e.RiderID
		}
		if rider == "" {
			rider = "?"
		}
		color := outcomeColor(e.Outcome, colorGreen, colorYellow, colorRed)
		fmt.Printf("%-22s%-16s%-*s%-10s%-10s%s%-12s%s\n",
			e.Timestamp.In(loc).Format("2006-01-02 15:04"), e.Source, nameColWidth, rider, e.RequestID, e.Action, color, e.Outcome, colorReset)
	}

	fmt.Println()
	fmt.Println("Legend:")
	fmt.Printf("  %sapplied%s    = assignment status changed\n", colorGreen, colorReset)
	fmt.Printf("  %signored%s    = duplicate or no change\n", colorYellow, colorReset)
	fmt.Printf("  %sunresolved%s = could not be matched, needs a dispatcher\n", colorRed, colorReset)
	fmt.Printf("  %srejected%s   = assignment was already closed\n", colorRed, colorReset)
	fmt.Printf("%s  raw payloads are kept in the response log%s\n", colorDim, colorReset)
}

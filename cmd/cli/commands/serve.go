package commands

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jakechorley/escort-dispatch/pkg/api"
)

// ServeCmd creates the serve command
func ServeCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve confirmation links and the dispatch API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			if addr == "" {
				addr = app.Cfg.HTTPAddr
			}
			pollEvery, _ := cmd.Flags().GetDuration("poll-inbox")

			gin.SetMode(gin.ReleaseMode)
			router := api.NewRouter(api.NewHandler(app.Dispatcher, app.Logger), app.Logger)

			ctx, stop := signal.NotifyContext(app.Ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return api.Serve(gctx, addr, router, app.Logger)
			})
			if pollEvery > 0 {
				g.Go(func() error {
					pollLoop(gctx, app, pollEvery)
					return nil
				})
			}
			return g.Wait()
		},
	}

	cmd.Flags().String("addr", "", "Listen address (defaults to httpAddr from config)")
	cmd.Flags().Duration("poll-inbox", 0, "Poll the mailbox for replies at this interval (0 disables)")

	return cmd
}

func pollLoop(ctx context.Context, app *AppContext, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := app.Dispatcher.PollInbox(ctx); err != nil {
				app.Logger.Warn("Inbox poll failed", zap.Error(err))
			}
		}
	}
}

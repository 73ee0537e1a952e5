package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jstrand/listcrawld/internal/registry"
	"github.com/jstrand/listcrawld/internal/server"
)

const pollInterval = 500 * time.Millisecond

// newCrawlCmd creates the 'crawl' subcommand: a one-shot session that runs
// to completion in the foreground. Interrupting it leaves a resume token, so
// rerunning with the same --session-id picks up where it stopped.
func newCrawlCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run a single crawl session to completion",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := server.Build(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if cerr := app.Close(closeCtx); cerr != nil {
					app.Logger().Warn("close failed", zap.Error(cerr))
				}
			}()

			return runSession(ctx, app, sessionID)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session-id", "", "session id to start or resume")
	return cmd
}

func runSession(ctx context.Context, app *server.App, sessionID string) error {
	manager := app.Manager()
	id, err := manager.StartCrawling(sessionID)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	app.Logger().Info("session started", zap.String("session_id", id))

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := manager.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("interrupt session: %w", err)
			}
			app.Logger().Info("session interrupted, resume token persisted",
				zap.String("session_id", id))
			return nil
		case <-ticker.C:
			snap, ok := manager.Status(id)
			if !ok || !snap.Status.Terminal() {
				continue
			}
			return report(app.Logger(), snap)
		}
	}
}

func report(logger *zap.Logger, snap registry.Snapshot) error {
	switch snap.Status {
	case registry.StatusCompleted:
		logger.Info("session completed",
			zap.String("session_id", snap.SessionID),
			zap.Int("processed_pages", snap.ProcessedPages),
			zap.Int("detail_tasks_completed", snap.DetailTasksCompleted),
		)
		return nil
	default:
		return fmt.Errorf("session %s ended %s: %s", snap.SessionID, snap.Status, snap.FailureReason)
	}
}

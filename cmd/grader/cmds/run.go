package cmds

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/itsec-board/scoreboard/internal/logger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the queue server and grade submissions until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		r, cfg, err := buildRunner()
		if err != nil {
			return err
		}

		// Clean up after any previous run of this instance before picking up
		// new work.
		if err := r.Sweep(ctx); err != nil {
			logger.Logger.WarnContext(ctx, "startup recovery sweep failed", "error", err)
		}

		interval := time.Duration(cfg.Grader.PollIntervalSecs) * time.Second
		logger.Logger.InfoContext(ctx, "entering poll loop",
			"server", cfg.Grader.ServerURL, "interval", interval)

		for {
			entries, err := r.Queue.List(ctx)
			if err != nil {
				logger.Logger.ErrorContext(ctx, "failed to list queue", "error", err)
			} else {
				logger.Logger.InfoContext(ctx, "fetched pending submissions", "count", len(entries))
				for _, entry := range entries {
					if ctx.Err() != nil {
						break
					}
					if err := r.Grade(ctx, entry); err != nil {
						logger.Logger.ErrorContext(ctx, "failed to grade submission",
							"submission", entry.ID, "error", err)
					}
				}
			}

			select {
			case <-ctx.Done():
				logger.Logger.InfoContext(ctx, "poll loop stopping")
				return nil
			case <-time.After(interval):
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

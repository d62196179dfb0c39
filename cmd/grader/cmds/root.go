package cmds

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/itsec-board/scoreboard/cmd/grader/internal/command"
	"github.com/itsec-board/scoreboard/cmd/grader/internal/queueclient"
	"github.com/itsec-board/scoreboard/cmd/grader/internal/runner"
	"github.com/itsec-board/scoreboard/cmd/grader/internal/sandbox"
	"github.com/itsec-board/scoreboard/internal/config"
	"github.com/itsec-board/scoreboard/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "grader",
	Short: "Execution worker for autograded scoreboard submissions",
}

func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// buildRunner loads config and wires the configured runtime backend to a
// queue client.
func buildRunner() (*runner.Runner, *config.Config, error) {
	cfg, err := config.GetConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.RequireGrader(); err != nil {
		return nil, nil, fmt.Errorf("incomplete grader config: %w", err)
	}

	logger.LogLevel.Set(slog.Level(cfg.Logging.App.Level))

	var runtime sandbox.Runtime
	switch cfg.Grader.Runtime {
	case "docker":
		runtime, err = sandbox.NewDockerRuntime()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to docker: %w", err)
		}
	case "podman":
		runtime = sandbox.NewPodmanRuntime(command.NewShellExecutor(), cfg.Grader.PodmanBinary)
	default:
		return nil, nil, fmt.Errorf("unknown runtime %q", cfg.Grader.Runtime)
	}

	queue := queueclient.New(cfg.Grader.ServerURL, cfg.APIKey)

	return runner.New(runtime, queue, cfg.Grader), cfg, nil
}

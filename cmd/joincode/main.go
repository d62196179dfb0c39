// joincode is the staff tool for course join and attendance codes. mint
// produces a code to announce in class; check decodes a code a student
// reports as not working and says why. Both read the shared secret and
// validity window from the deployment config.
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/itsec-board/scoreboard/internal/config"
	"github.com/itsec-board/scoreboard/internal/joincode"
	"github.com/itsec-board/scoreboard/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:          "joincode",
	Short:        "Mint and inspect join/attendance codes",
	SilenceUsage: true,
}

var mintCmd = &cobra.Command{
	Use:   "mint <subject-id>",
	Short: "Mint a fresh code for a subject",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		join, err := joinConfig()
		if err != nil {
			return err
		}

		subjectID, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("bad subject id %q: %w", args[0], err)
		}

		code, err := joincode.Generate([]byte(join.Key), uint32(subjectID), time.Now())
		if err != nil {
			return err
		}

		cmd.Println(code)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <code>",
	Short: "Decode a code and report its subject and validity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		join, err := joinConfig()
		if err != nil {
			return err
		}

		cmd.Println(describe(join, args[0], time.Now()))
		return nil
	},
}

func joinConfig() (*config.JoinConfig, error) {
	cfg, err := config.GetConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireJoin(); err != nil {
		return nil, err
	}
	return cfg.Join, nil
}

func describe(join *config.JoinConfig, code string, now time.Time) string {
	decoded, err := joincode.Decode([]byte(join.Key), code, now, join.MinutesValid)
	switch {
	case errors.Is(err, joincode.ErrExpired):
		return fmt.Sprintf("subject %d, issued %s, EXPIRED",
			decoded.SubjectID, decoded.IssuedAt.Format(time.RFC3339))
	case err != nil:
		return "malformed code"
	default:
		return fmt.Sprintf("subject %d, issued %s, valid",
			decoded.SubjectID, decoded.IssuedAt.Format(time.RFC3339))
	}
}

func init() {
	rootCmd.AddCommand(mintCmd, checkCmd)
}

func main() {
	logger.InitSlog()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

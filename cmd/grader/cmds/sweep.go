package cmds

import (
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove leftover sandboxes and staging directories for this instance",
	RunE: func(cmd *cobra.Command, _ []string) error {
		r, _, err := buildRunner()
		if err != nil {
			return err
		}

		return r.Sweep(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

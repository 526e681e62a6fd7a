package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"chainwatch/internal/app"
)

var (
	replayFrom      uint64
	replayTo        uint64
	replayPNGPath   string
	replayCSVPath   string
	replayMaxPoints int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a block range through the handlers and export oracle samples",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("from") || !cmd.Flags().Changed("to") {
			return errors.New("--from and --to are required")
		}

		summary, err := getApp().Replay(cmd.Context(), app.ReplayOptions{
			From:      replayFrom,
			To:        replayTo,
			CSVPath:   replayCSVPath,
			PNGPath:   replayPNGPath,
			MaxPoints: replayMaxPoints,
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "blocks: %d\nevents dispatched: %d\nfailures: %d\noracle samples: %d\n",
			summary.Blocks, summary.Dispatched, summary.Failures, summary.Points)
		return nil
	},
}

func init() {
	replayCmd.Flags().Uint64Var(&replayFrom, "from", 0, "First block to replay (inclusive)")
	replayCmd.Flags().Uint64Var(&replayTo, "to", 0, "Last block to replay (inclusive)")
	replayCmd.Flags().StringVar(&replayPNGPath, "png", "", "Path to write the divergence chart")
	replayCmd.Flags().StringVar(&replayCSVPath, "csv", "", "Path to write oracle samples")
	replayCmd.Flags().IntVar(&replayMaxPoints, "max-points", 0, "Maximum samples to export (0 keeps all)")
}

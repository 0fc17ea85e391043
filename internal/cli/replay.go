package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"navfund/internal/app"
)

var (
	replayFrom uint64
	replayTo   uint64
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Recompute consensus from the journaled submissions and compare with persisted records",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayTo > 0 && replayFrom > replayTo {
			return fmt.Errorf("--from-epoch must not exceed --to-epoch")
		}

		opts := app.ReplayOptions{
			FromEpoch: replayFrom,
			ToEpoch:   replayTo,
		}

		return getApp().Replay(cmd.Context(), opts)
	},
}

func init() {
	replayCmd.Flags().Uint64Var(&replayFrom, "from-epoch", 0, "First epoch to compare (earlier epochs are still replayed)")
	replayCmd.Flags().Uint64Var(&replayTo, "to-epoch", 0, "Last epoch to replay (0 replays everything)")
}

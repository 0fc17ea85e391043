package cli

import (
	"github.com/spf13/cobra"

	"navfund/internal/app"
)

var simulatePersist bool

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "按 genesis 脚本模拟报价、共识、申购与赎回",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Simulate(cmd.Context(), app.SimulateOptions{Persist: simulatePersist})
	},
}

func init() {
	simulateCmd.Flags().BoolVar(&simulatePersist, "persist", false, "写入配置的 journal，便于后续 show/export/replay")
}

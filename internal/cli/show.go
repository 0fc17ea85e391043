package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"navfund/internal/app"
)

var (
	showLimit   int
	showSlashes bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent NAV samples or slash events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:   showLimit,
			Slashes: showSlashes,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showSlashes, "slashes", false, "Show slash events instead of NAV samples")
}

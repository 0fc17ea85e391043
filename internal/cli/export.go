package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"navfund/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export NAV samples as CSV and/or a PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := parseTimeFlag("from", exportFrom)
		if err != nil {
			return err
		}
		to, err := parseTimeFlag("to", exportTo)
		if err != nil {
			return err
		}
		if from != nil && to != nil && !from.Before(*to) {
			return fmt.Errorf("--from must be before --to")
		}
		if exportMaxPoints < 0 {
			return fmt.Errorf("--max-points cannot be negative")
		}

		return getApp().Export(cmd.Context(), app.ExportOptions{
			From:      from,
			To:        to,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write the NAV chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write NAV samples as CSV")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum samples to export (defaults to config)")
}

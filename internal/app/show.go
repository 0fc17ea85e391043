package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"navfund/internal/storage"
)

// Show prints recent NAV samples, or recent slash events with --slashes.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	journal, closeJournal, err := a.openJournal(ctx)
	if err != nil {
		return err
	}
	if journal == nil {
		return errors.New("journal not configured; cannot show samples")
	}
	defer closeJournal()

	if opts.Slashes {
		return a.showSlashes(ctx, journal, opts.Limit)
	}

	samples, err := journal.ListRecentNAVSamples(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintln(a.Out, "no samples found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tEpoch\tNAV/share\tHoldings value\tSupply\tStatus\tError")

	for _, sample := range samples {
		errMsg := ""
		if sample.Error != nil {
			errMsg = sanitizeInline(*sample.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			sample.At.UTC().Format(time.RFC3339),
			sample.Epoch,
			formatDecimal(sample.NAVPerShare, 6),
			formatDecimal(sample.HoldingsValue, 6),
			formatDecimal(sample.Supply, 6),
			sample.Status,
			errMsg,
		)
	}

	writer.Flush()
	return nil
}

func (a *App) showSlashes(ctx context.Context, log storage.ConsensusLog, limit int) error {
	slashes, err := log.ListSlashes(ctx, limit)
	if err != nil {
		return err
	}
	if len(slashes) == 0 {
		fmt.Fprintln(a.Out, "no slash events found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tEpoch\tReporter\tReason\tAsset\tBps\tAmount\tStake after\tDeactivated")
	for _, s := range slashes {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\t%d\t%s\t%s\t%t\n",
			s.At.UTC().Format(time.RFC3339),
			s.Epoch,
			s.Reporter,
			s.Reason,
			s.Asset,
			s.Bps,
			s.Amount.String(),
			s.StakeAfter.String(),
			s.Deactivated,
		)
	}
	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

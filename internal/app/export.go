package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"navfund/internal/storage"
)

// Export renders NAV history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	journal, closeJournal, err := a.openJournal(ctx)
	if err != nil {
		return err
	}
	if journal == nil {
		return errors.New("journal not configured; cannot export")
	}
	defer closeJournal()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	samples, err := journal.ListNAVSamplesBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		a.Logger.Info().Msg("no nav samples found for export window")
		return nil
	}

	downsampled := downsampleSamples(samples, opts.MaxPoints)
	a.Logger.Info().Int("total", len(samples)).Int("exported", len(downsampled)).Msg("exporting nav samples")

	if opts.CSVPath != "" {
		if err := writeSamplesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSamplesPNG(opts.PNGPath, completeSamples(downsampled)); err != nil {
			return err
		}
	}

	return nil
}

func downsampleSamples(samples []storage.NAVSample, max int) []storage.NAVSample {
	if max <= 0 || len(samples) <= max {
		return samples
	}
	if max == 1 {
		return samples[len(samples)-1:]
	}

	result := make([]storage.NAVSample, 0, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		result = append(result, samples[idx])
	}
	return result
}

// completeSamples drops stale samples, which carry no NAV to plot.
func completeSamples(samples []storage.NAVSample) []storage.NAVSample {
	out := make([]storage.NAVSample, 0, len(samples))
	for _, s := range samples {
		if s.Status == storage.StatusComplete {
			out = append(out, s)
		}
	}
	return out
}

func writeSamplesCSV(path string, samples []storage.NAVSample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"at", "epoch", "nav_per_share", "holdings_value", "share_supply", "status", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, sample := range samples {
		errMsg := ""
		if sample.Error != nil {
			errMsg = *sample.Error
		}
		record := []string{
			sample.At.Format(time.RFC3339),
			strconv.FormatUint(sample.Epoch, 10),
			sample.NAVPerShare.String(),
			sample.HoldingsValue.String(),
			sample.Supply.String(),
			sample.Status,
			errMsg,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeSamplesPNG(path string, samples []storage.NAVSample) error {
	if len(samples) < 2 {
		return errors.New("need at least two complete nav samples to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(samples))
	perShare := make([]float64, len(samples))
	value := make([]float64, len(samples))

	for i, sample := range samples {
		x[i] = sample.At
		perShare[i] = sample.NAVPerShare.InexactFloat64()
		value[i] = sample.HoldingsValue.InexactFloat64()
	}

	navFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.6f")
	}
	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "NAV per share",
			ValueFormatter: navFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Holdings value",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "NAV/share",
				XValues: x,
				YValues: perShare,
			},
			chart.TimeSeries{
				Name:    "Holdings value",
				XValues: x,
				YValues: value,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

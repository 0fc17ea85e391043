package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"navfund/internal/config"
	"navfund/internal/storage"
)

func newTestApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	genesisPath, err := filepath.Abs(filepath.Join("..", "..", "genesis.example.yaml"))
	if err != nil {
		t.Fatalf("解析 genesis 路径失败: %v", err)
	}
	body := "journal:\n  backend: pebble\n  path: " + filepath.Join(dir, "journal") + "\ngenesis:\n  path: " + genesisPath + "\n"
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	out := &bytes.Buffer{}
	return &App{Config: cfg, Logger: zerolog.Nop(), Out: out}, out
}

func TestSimulateShowExportReplay(t *testing.T) {
	a, out := newTestApp(t)
	ctx := context.Background()

	if err := a.Simulate(ctx, SimulateOptions{Persist: true}); err != nil {
		t.Fatalf("simulate 失败: %v", err)
	}
	text := out.String()
	for _, want := range []string{"epoch 1 closed", "basket mint ", "routed mint ", "redeem ", "fee accrual "} {
		if !strings.Contains(text, want) {
			t.Fatalf("simulate 输出缺少 %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "rejected:") {
		t.Fatalf("脚本操作不应被拒绝:\n%s", text)
	}

	out.Reset()
	if err := a.Show(ctx, ShowOptions{Limit: 10}); err != nil {
		t.Fatalf("show 失败: %v", err)
	}
	if !strings.Contains(out.String(), "complete") {
		t.Fatalf("show 应输出完整的 NAV 样本:\n%s", out.String())
	}

	csvPath := filepath.Join(t.TempDir(), "out", "nav.csv")
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)
	if err := a.Export(ctx, ExportOptions{From: &from, To: &to, CSVPath: csvPath}); err != nil {
		t.Fatalf("export 失败: %v", err)
	}
	file, err := os.Open(csvPath)
	if err != nil {
		t.Fatalf("打开 CSV 失败: %v", err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("读取 CSV 失败: %v", err)
	}
	if len(records) != 2 || records[0][0] != "at" || records[1][1] != "1" {
		t.Fatalf("CSV 内容不符合预期: %v", records)
	}

	out.Reset()
	if err := a.Replay(ctx, ReplayOptions{}); err != nil {
		t.Fatalf("replay 失败: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "epoch 1: 3 submissions, 3 resolved, 3 persisted, 0 mismatches") {
		t.Fatalf("replay 输出不符合预期:\n%s", out.String())
	}
}

func TestExportRequiresTarget(t *testing.T) {
	a, _ := newTestApp(t)
	if err := a.Export(context.Background(), ExportOptions{}); err == nil {
		t.Fatal("未指定 --csv/--png 时应报错")
	}
}

func TestDownsampleSamples(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	samples := make([]storage.NAVSample, 10)
	for i := range samples {
		samples[i] = storage.NAVSample{At: start.Add(time.Duration(i) * time.Hour), Epoch: uint64(i + 1)}
	}
	got := downsampleSamples(samples, 4)
	if len(got) != 4 {
		t.Fatalf("应降采样到 4 个点, 实际 %d", len(got))
	}
	if got[0].Epoch != 1 || got[3].Epoch != 10 {
		t.Fatalf("首尾样本应保留, 实际 %d..%d", got[0].Epoch, got[3].Epoch)
	}
	if len(downsampleSamples(samples, 0)) != 10 {
		t.Fatal("max 为 0 时不应降采样")
	}
}

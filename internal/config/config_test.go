package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	if err != nil {
		t.Fatalf("加载默认配置失败: %v", err)
	}
	if cfg.App.Name != "test" {
		t.Fatalf("app.name 应为 test, 实际 %s", cfg.App.Name)
	}
	if cfg.Journal.Backend != JournalPebble {
		t.Fatalf("默认 journal 应为 pebble, 实际 %s", cfg.Journal.Backend)
	}
	if cfg.Scheduler.Interval != 5*time.Minute {
		t.Fatalf("默认 epoch 长度应为 5m, 实际 %s", cfg.Scheduler.Interval)
	}
	if cfg.Scheduler.Interval > cfg.Consensus.StalenessWindow {
		t.Fatalf("默认 epoch 长度 %s 不应超过 staleness window %s", cfg.Scheduler.Interval, cfg.Consensus.StalenessWindow)
	}
	if cfg.Consensus.QuorumBps != 3300 {
		t.Fatalf("默认 quorum 应为 3300, 实际 %d", cfg.Consensus.QuorumBps)
	}
	rp, err := cfg.ReporterParams()
	if err != nil {
		t.Fatalf("解析 reporter 参数失败: %v", err)
	}
	if rp.DeviationThreshold != 3 || rp.Cooldown != 24*time.Hour {
		t.Fatalf("reporter 默认参数不正确: %+v", rp)
	}
	vp := cfg.VaultParams()
	if vp.EmergencyCooldown != 24*time.Hour || vp.MgmtAprBps != 100 {
		t.Fatalf("vault 默认参数不正确: %+v", vp)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	t.Setenv("NAVFUND_CONSENSUS_QUORUM_BPS", "5000")
	path := writeConfig(t, `
journal:
  backend: none
scheduler:
  interval: 30m
consensus:
  staleness_window: 30m
fund:
  basket_size: 5
vault:
  composition_tolerance_bps: 1500
exchange:
  mode: http
  base_url: http://venue.local
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Consensus.QuorumBps != 5000 {
		t.Fatalf("环境变量应覆盖 quorum, 实际 %d", cfg.Consensus.QuorumBps)
	}
	if cfg.Scheduler.Interval != 30*time.Minute {
		t.Fatalf("interval 应为 30m, 实际 %s", cfg.Scheduler.Interval)
	}
	if cfg.Fund.BasketSize != 5 || cfg.Vault.CompositionToleranceBps != 1500 {
		t.Fatalf("文件配置未生效: %+v %+v", cfg.Fund, cfg.Vault)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"backend":   "journal:\n  backend: sqlite\n",
		"postgres":  "journal:\n  backend: postgres\n",
		"basket":    "fund:\n  basket_size: 0\n",
		"fee sink":  "fund:\n  fee_sink: nope\n",
		"quorum":    "consensus:\n  quorum_bps: 0\n",
		"slash":     "reporters:\n  base_slash_bps: 6000\n",
		"emergency": "vault:\n  emergency_cooldown: 0s\n",
		"exchange":  "exchange:\n  mode: http\n",
		"telegram":  "alerting:\n  telegram:\n    enabled: true\n",
		"interval":  "scheduler:\n  interval: 1h\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("%s 配置应校验失败", name)
			}
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 10}}
	if cfg.ResolveMaxPoints(0) != 10 {
		t.Fatal("无覆盖时应返回配置值")
	}
	if cfg.ResolveMaxPoints(3) != 3 {
		t.Fatal("覆盖值应优先")
	}
}

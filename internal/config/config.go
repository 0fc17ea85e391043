package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"navfund/internal/consensus"
	"navfund/internal/logging"
	"navfund/internal/registry"
	"navfund/internal/reporter"
	"navfund/internal/vault"
)

// Journal backends.
const (
	JournalNone     = "none"
	JournalPebble   = "pebble"
	JournalPostgres = "postgres"
)

// Exchange modes.
const (
	ExchangeSimulated = "simulated"
	ExchangeHTTP      = "http"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Fund      FundConfig      `mapstructure:"fund"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Reporters ReportersConfig `mapstructure:"reporters"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Fees      FeesConfig      `mapstructure:"fees"`
	Timelock  TimelockConfig  `mapstructure:"timelock"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
	Genesis   GenesisConfig   `mapstructure:"genesis"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// JournalConfig selects where submissions, records and receipts are persisted.
type JournalConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// SchedulerConfig governs the round cadence; Interval is the epoch length.
type SchedulerConfig struct {
	Interval               time.Duration `mapstructure:"interval"`
	AlignToBoundary        bool          `mapstructure:"align_to_boundary"`
	AdvisoryLockKey        int64         `mapstructure:"advisory_lock_key"`
	StartupDelay           time.Duration `mapstructure:"startup_delay"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
}

// FundConfig names the vault identities and the basket shape.
type FundConfig struct {
	BaseAsset      string        `mapstructure:"base_asset"`
	BasketSize     int           `mapstructure:"basket_size"`
	MinObservation time.Duration `mapstructure:"min_observation"`
	VaultAddress   string        `mapstructure:"vault_address"`
	Owner          string        `mapstructure:"owner"`
	Guardian       string        `mapstructure:"guardian"`
	FeeSink        string        `mapstructure:"fee_sink"`
}

// ConsensusConfig tunes resolution.
type ConsensusConfig struct {
	StalenessWindow  time.Duration `mapstructure:"staleness_window"`
	MaxClockSkew     time.Duration `mapstructure:"max_clock_skew"`
	QuorumBps        uint32        `mapstructure:"quorum_bps"`
	DeviationBandBps uint32        `mapstructure:"deviation_band_bps"`
	SevereBandBps    uint32        `mapstructure:"severe_band_bps"`
}

// ReportersConfig sets the stake floor and the slashing ladder.
type ReportersConfig struct {
	MinStake           string        `mapstructure:"min_stake"`
	DeviationThreshold uint32        `mapstructure:"deviation_threshold"`
	BaseSlashBps       uint32        `mapstructure:"base_slash_bps"`
	SlashStepBps       uint32        `mapstructure:"slash_step_bps"`
	MaxSlashBps        uint32        `mapstructure:"max_slash_bps"`
	Cooldown           time.Duration `mapstructure:"cooldown"`
}

// VaultConfig covers mint/redeem tolerances and pause cooldowns.
type VaultConfig struct {
	CompositionToleranceBps uint32        `mapstructure:"composition_tolerance_bps"`
	MintFeeBps              uint32        `mapstructure:"mint_fee_bps"`
	LegSlippageBps          uint32        `mapstructure:"leg_slippage_bps"`
	AggregateSlippageBps    uint32        `mapstructure:"aggregate_slippage_bps"`
	PauseCooldown           time.Duration `mapstructure:"pause_cooldown"`
	EmergencyCooldown       time.Duration `mapstructure:"emergency_cooldown"`
}

// FeesConfig sets the management fee.
type FeesConfig struct {
	MgmtAprBps    uint32 `mapstructure:"mgmt_apr_bps"`
	MaxAccrualBps uint32 `mapstructure:"max_accrual_bps"`
}

// TimelockConfig is the delay between proposing and applying parameter changes.
type TimelockConfig struct {
	Delay time.Duration `mapstructure:"delay"`
}

// ExchangeConfig selects the swap venue.
type ExchangeConfig struct {
	Mode           string        `mapstructure:"mode"`
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	APIKey         string        `mapstructure:"api_key"`
	HaircutBps     uint32        `mapstructure:"haircut_bps"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Timeout  time.Duration  `mapstructure:"timeout"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig exposes the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// GenesisConfig points at the YAML bootstrap file.
type GenesisConfig struct {
	Path string `mapstructure:"path"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NAVFUND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "navfund")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 30)

	v.SetDefault("journal.backend", JournalPebble)
	v.SetDefault("journal.path", "data/journal")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_boundary", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6e617666))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.max_consecutive_failures", 0)

	v.SetDefault("fund.base_asset", "TAO")
	v.SetDefault("fund.basket_size", 3)
	v.SetDefault("fund.min_observation", "720h")
	v.SetDefault("fund.vault_address", "0x00000000000000000000000000000000000000f0")
	v.SetDefault("fund.owner", "0x00000000000000000000000000000000000000a1")
	v.SetDefault("fund.guardian", "0x00000000000000000000000000000000000000a2")
	v.SetDefault("fund.fee_sink", "0x00000000000000000000000000000000000000fe")

	cp := consensus.DefaultParams()
	v.SetDefault("consensus.staleness_window", cp.StalenessWindow.String())
	v.SetDefault("consensus.max_clock_skew", cp.MaxClockSkew.String())
	v.SetDefault("consensus.quorum_bps", cp.QuorumBps)
	v.SetDefault("consensus.deviation_band_bps", cp.DeviationBandBps)
	v.SetDefault("consensus.severe_band_bps", cp.SevereBandBps)

	rp := reporter.DefaultParams()
	v.SetDefault("reporters.min_stake", rp.MinStake.String())
	v.SetDefault("reporters.deviation_threshold", rp.DeviationThreshold)
	v.SetDefault("reporters.base_slash_bps", rp.BaseSlashBps)
	v.SetDefault("reporters.slash_step_bps", rp.SlashStepBps)
	v.SetDefault("reporters.max_slash_bps", rp.MaxSlashBps)
	v.SetDefault("reporters.cooldown", rp.Cooldown.String())

	vp := vault.DefaultParams()
	v.SetDefault("vault.composition_tolerance_bps", vp.CompositionToleranceBps)
	v.SetDefault("vault.mint_fee_bps", vp.MintFeeBps)
	v.SetDefault("vault.leg_slippage_bps", vp.LegSlippageBps)
	v.SetDefault("vault.aggregate_slippage_bps", vp.AggregateSlippageBps)
	v.SetDefault("vault.pause_cooldown", vp.PauseCooldown.String())
	v.SetDefault("vault.emergency_cooldown", vp.EmergencyCooldown.String())
	v.SetDefault("fees.mgmt_apr_bps", vp.MgmtAprBps)
	v.SetDefault("fees.max_accrual_bps", vp.MaxAccrualBps)

	v.SetDefault("timelock.delay", "48h")

	v.SetDefault("exchange.mode", ExchangeSimulated)
	v.SetDefault("exchange.request_timeout", "10s")
	v.SetDefault("exchange.user_agent", "navfund/1.0")
	v.SetDefault("exchange.haircut_bps", 0)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9464")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("genesis.path", "genesis.yaml")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	switch c.Journal.Backend {
	case JournalNone:
	case JournalPebble:
		if c.Journal.Path == "" {
			return fmt.Errorf("journal.path is required for the pebble backend")
		}
	case JournalPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("journal.backend must be one of none, pebble, postgres")
	}
	if c.Fund.BasketSize <= 0 || c.Fund.BasketSize > registry.MaxBasketSize {
		return fmt.Errorf("fund.basket_size must be within 1..%d", registry.MaxBasketSize)
	}
	if registry.NormalizeAsset(c.Fund.BaseAsset) == "" {
		return fmt.Errorf("fund.base_asset is required")
	}
	for key, addr := range map[string]string{
		"fund.vault_address": c.Fund.VaultAddress,
		"fund.owner":         c.Fund.Owner,
		"fund.guardian":      c.Fund.Guardian,
		"fund.fee_sink":      c.Fund.FeeSink,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%s must be a hex address", key)
		}
	}
	if err := c.ConsensusParams().Validate(); err != nil {
		return err
	}
	// consensus prices expire StalenessWindow after the round that resolved them
	if c.Scheduler.Interval > c.Consensus.StalenessWindow {
		return fmt.Errorf("scheduler.interval (%s) must not exceed consensus.staleness_window (%s)",
			c.Scheduler.Interval, c.Consensus.StalenessWindow)
	}
	rp, err := c.ReporterParams()
	if err != nil {
		return err
	}
	if err := rp.Validate(); err != nil {
		return err
	}
	if err := c.VaultParams().Validate(); err != nil {
		return err
	}
	if c.Timelock.Delay < 0 {
		return fmt.Errorf("timelock.delay cannot be negative")
	}
	switch c.Exchange.Mode {
	case ExchangeSimulated:
	case ExchangeHTTP:
		if c.Exchange.BaseURL == "" {
			return fmt.Errorf("exchange.base_url is required for the http venue")
		}
	default:
		return fmt.Errorf("exchange.mode must be simulated or http")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ConsensusParams converts the consensus section.
func (c *Config) ConsensusParams() consensus.Params {
	return consensus.Params{
		StalenessWindow:  c.Consensus.StalenessWindow,
		MaxClockSkew:     c.Consensus.MaxClockSkew,
		QuorumBps:        c.Consensus.QuorumBps,
		DeviationBandBps: c.Consensus.DeviationBandBps,
		SevereBandBps:    c.Consensus.SevereBandBps,
	}
}

// ReporterParams converts the reporters section.
func (c *Config) ReporterParams() (reporter.Params, error) {
	minStake, err := decimal.NewFromString(c.Reporters.MinStake)
	if err != nil {
		return reporter.Params{}, fmt.Errorf("reporters.min_stake: %w", err)
	}
	return reporter.Params{
		MinStake:           minStake,
		DeviationThreshold: c.Reporters.DeviationThreshold,
		BaseSlashBps:       c.Reporters.BaseSlashBps,
		SlashStepBps:       c.Reporters.SlashStepBps,
		MaxSlashBps:        c.Reporters.MaxSlashBps,
		Cooldown:           c.Reporters.Cooldown,
	}, nil
}

// VaultParams merges the vault and fees sections.
func (c *Config) VaultParams() vault.Params {
	return vault.Params{
		CompositionToleranceBps: c.Vault.CompositionToleranceBps,
		MintFeeBps:              c.Vault.MintFeeBps,
		LegSlippageBps:          c.Vault.LegSlippageBps,
		AggregateSlippageBps:    c.Vault.AggregateSlippageBps,
		MgmtAprBps:              c.Fees.MgmtAprBps,
		MaxAccrualBps:           c.Fees.MaxAccrualBps,
		PauseCooldown:           c.Vault.PauseCooldown,
		EmergencyCooldown:       c.Vault.EmergencyCooldown,
	}
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

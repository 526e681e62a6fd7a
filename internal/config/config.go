package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"chainwatch/internal/alerts"
	"chainwatch/internal/chain"
	"chainwatch/internal/logging"
	"chainwatch/internal/version"
)

// EnvPrefix prefixes every environment override, e.g. CHAINWATCH_CHAIN_RPC_URL.
const EnvPrefix = "CHAINWATCH"

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Chain       ChainConfig       `mapstructure:"chain"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Borrowers   BorrowersConfig   `mapstructure:"borrowers"`
	Oracle      OracleConfig      `mapstructure:"oracle"`
	Aggregator  AggregatorConfig  `mapstructure:"aggregator"`
	Currencies  CurrenciesConfig  `mapstructure:"currencies"`
	Spot        SpotConfig        `mapstructure:"spot"`
	History     HistoryConfig     `mapstructure:"history"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	Shutdown    ShutdownConfig    `mapstructure:"shutdown"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// Block sources selectable with chain.source.
const (
	SourceEVM  = "evm"
	SourceFile = "file"
)

// ChainConfig covers the node connection and the watched contracts.
type ChainConfig struct {
	// Source selects the block source: "evm" polls rpc_url, "file" reads
	// recorded blocks from events_file.
	Source          string        `mapstructure:"source"`
	EventsFile      string        `mapstructure:"events_file"`
	RPCURL          string        `mapstructure:"rpc_url"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	FinalityDelay   uint64        `mapstructure:"finality_delay"`
	WatchdogTimeout time.Duration `mapstructure:"watchdog_timeout"`
	BlockCacheSize  int           `mapstructure:"block_cache_size"`
	MaxCatchUp      uint64        `mapstructure:"max_catch_up"`
	LendingPools    []string      `mapstructure:"lending_pools"`
	OracleContracts []string      `mapstructure:"oracle_contracts"`
	// ReserveAssets maps reserve token addresses that are not asset
	// precompiles to asset ids.
	ReserveAssets map[string]uint32 `mapstructure:"reserve_assets"`
}

// NotifyConfig routes community messages.
type NotifyConfig struct {
	Telegram      TelegramConfig `mapstructure:"telegram"`
	Mute          []string       `mapstructure:"mute"`
	OnceCacheSize int            `mapstructure:"once_cache_size"`
}

// TelegramConfig 描述 Telegram 推送参数。
type TelegramConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	BotToken  string        `mapstructure:"bot_token"`
	ChatID    string        `mapstructure:"chat_id"`
	APIBase   string        `mapstructure:"api_base"`
	ParseMode string        `mapstructure:"parse_mode"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// AlertingConfig defines operator alert thresholds and routing.
type AlertingConfig struct {
	Webhooks         []string           `mapstructure:"webhooks"`
	RatePerSecond    float64            `mapstructure:"rate_per_second"`
	Burst            int                `mapstructure:"burst"`
	Timeout          time.Duration      `mapstructure:"timeout"`
	HF               []alerts.HFRule    `mapstructure:"hf"`
	Rate             []alerts.RateRule  `mapstructure:"rate"`
	PriceDeltas      []alerts.DeltaRule `mapstructure:"price_deltas"`
	HistoryMax       int                `mapstructure:"history_max"`
	HistoryTrim      int                `mapstructure:"history_trim"`
	LockdownMentions string             `mapstructure:"lockdown_mentions"`
}

// Rules returns the threshold rules.
func (c AlertingConfig) Rules() alerts.Rules {
	return alerts.Rules{HF: c.HF, Rate: c.Rate, PriceDeltas: c.PriceDeltas}
}

// BorrowersConfig tunes the position health monitor.
type BorrowersConfig struct {
	LiquidationAlert float64       `mapstructure:"liquidation_alert"`
	Concurrency      int           `mapstructure:"concurrency"`
	TaskTimeout      time.Duration `mapstructure:"task_timeout"`
	Bootstrap        bool          `mapstructure:"bootstrap"`
}

// OracleConfig tunes the oracle divergence monitor.
type OracleConfig struct {
	DivergenceThreshold float64       `mapstructure:"divergence_threshold"`
	Concurrency         int           `mapstructure:"concurrency"`
	TaskTimeout         time.Duration `mapstructure:"task_timeout"`
	Bootstrap           bool          `mapstructure:"bootstrap"`
	SeriesSize          int           `mapstructure:"series_size"`
}

// AggregatorConfig sets the DCA and referral windows.
type AggregatorConfig struct {
	DCAWindow       uint64   `mapstructure:"dca_window"`
	ReferralWindows []uint64 `mapstructure:"referral_windows"`
	ReferralPot     string   `mapstructure:"referral_pot"`
	// HSMAccount is the stability module account whose stableswap buys are
	// batched over HSMWindow. Empty reports them like any other trade.
	HSMAccount string        `mapstructure:"hsm_account"`
	HSMWindow  time.Duration `mapstructure:"hsm_window"`
}

// AssetConfig preloads asset metadata.
type AssetConfig struct {
	ID       uint32 `mapstructure:"id"`
	Symbol   string `mapstructure:"symbol"`
	Decimals int32  `mapstructure:"decimals"`
}

// CurrenciesConfig controls asset metadata and value rendering.
type CurrenciesConfig struct {
	USDAssetID    uint32            `mapstructure:"usd_asset_id"`
	NativeAssetID uint32            `mapstructure:"native_asset_id"`
	WhaleAmount   float64           `mapstructure:"whale_amount"`
	CacheSize     int               `mapstructure:"cache_size"`
	Assets        []AssetConfig     `mapstructure:"assets"`
	Emojis        map[string]string `mapstructure:"emojis"`
}

// SpotConfig captures the router quote API.
type SpotConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// HistoryConfig encapsulates the read-only PostgreSQL index connection.
type HistoryConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DiagnosticsConfig controls the HTTP diagnostics server.
type DiagnosticsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// ShutdownConfig bounds the graceful shutdown.
type ShutdownConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// Load builds configuration from an optional .env file, the config file,
// environment and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("app.name", "chainwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_age_days", 14)

	v.SetDefault("chain.source", SourceEVM)
	v.SetDefault("chain.events_file", "")
	v.SetDefault("chain.poll_interval", "6s")
	v.SetDefault("chain.request_timeout", "10s")
	v.SetDefault("chain.finality_delay", 0)
	v.SetDefault("chain.watchdog_timeout", "60s")
	v.SetDefault("chain.block_cache_size", 1000)
	v.SetDefault("chain.max_catch_up", 100)
	v.SetDefault("chain.lending_pools", []string{})
	v.SetDefault("chain.oracle_contracts", []string{})
	v.SetDefault("chain.reserve_assets", map[string]any{})

	v.SetDefault("notify.telegram.enabled", false)
	v.SetDefault("notify.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("notify.telegram.parse_mode", "Markdown")
	v.SetDefault("notify.telegram.timeout", "10s")
	v.SetDefault("notify.mute", []string{})
	v.SetDefault("notify.once_cache_size", 10000)

	v.SetDefault("alerting.webhooks", []string{})
	v.SetDefault("alerting.rate_per_second", 1.0)
	v.SetDefault("alerting.burst", 5)
	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.hf", []any{})
	v.SetDefault("alerting.rate", []any{})
	v.SetDefault("alerting.price_deltas", []any{})
	v.SetDefault("alerting.history_max", 1000)
	v.SetDefault("alerting.history_trim", 500)

	v.SetDefault("borrowers.liquidation_alert", 1.05)
	v.SetDefault("borrowers.concurrency", 20)
	v.SetDefault("borrowers.task_timeout", "10s")
	v.SetDefault("borrowers.bootstrap", true)

	v.SetDefault("oracle.divergence_threshold", 0.1)
	v.SetDefault("oracle.concurrency", 20)
	v.SetDefault("oracle.task_timeout", "10s")
	v.SetDefault("oracle.bootstrap", true)
	v.SetDefault("oracle.series_size", 10000)

	v.SetDefault("aggregator.dca_window", 50)
	v.SetDefault("aggregator.referral_windows", []uint64{150, 7200, 15000})
	v.SetDefault("aggregator.referral_pot", "")
	v.SetDefault("aggregator.hsm_account", "")
	v.SetDefault("aggregator.hsm_window", "60s")

	v.SetDefault("currencies.usd_asset_id", 10)
	v.SetDefault("currencies.native_asset_id", 0)
	v.SetDefault("currencies.whale_amount", 10000.0)
	v.SetDefault("currencies.cache_size", 1024)
	v.SetDefault("currencies.assets", []any{})
	v.SetDefault("currencies.emojis", map[string]any{})

	v.SetDefault("spot.request_timeout", "10s")
	v.SetDefault("spot.user_agent", version.UserAgent())

	v.SetDefault("history.max_conns", 4)
	v.SetDefault("history.min_conns", 0)
	v.SetDefault("history.conn_max_lifetime", "30m")

	v.SetDefault("diagnostics.enabled", true)
	v.SetDefault("diagnostics.listen", ":3000")

	v.SetDefault("shutdown.grace_period", "500ms")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			jsonStringHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// jsonStringHookFunc decodes environment values such as
// CHAINWATCH_ALERTING_HF='[{"account":"0x..","threshold":1.1}]' into
// slices and maps.
func jsonStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String {
			return data, nil
		}
		if to.Kind() != reflect.Slice && to.Kind() != reflect.Map {
			return data, nil
		}
		s := strings.TrimSpace(data.(string))
		if !strings.HasPrefix(s, "[") && !strings.HasPrefix(s, "{") {
			return data, nil
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("decode json value: %w", err)
		}
		return out, nil
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Chain.PollInterval <= 0 {
		return fmt.Errorf("chain.poll_interval must be greater than zero")
	}
	if c.Chain.WatchdogTimeout <= 0 {
		return fmt.Errorf("chain.watchdog_timeout must be greater than zero")
	}
	switch c.Chain.Source {
	case SourceEVM:
	case SourceFile:
		if c.Chain.EventsFile == "" {
			return fmt.Errorf("chain.events_file 必须配置 (chain.source=file)")
		}
	default:
		return fmt.Errorf("chain.source must be %q or %q, got %q", SourceEVM, SourceFile, c.Chain.Source)
	}
	for _, addr := range append(append([]string(nil), c.Chain.LendingPools...), c.Chain.OracleContracts...) {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("chain: invalid contract address %q", addr)
		}
	}
	for addr := range c.Chain.ReserveAssets {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("chain.reserve_assets: invalid address %q", addr)
		}
	}
	if c.Notify.Telegram.Enabled {
		if c.Notify.Telegram.BotToken == "" {
			return fmt.Errorf("notify.telegram.bot_token 必须配置")
		}
		if c.Notify.Telegram.ChatID == "" {
			return fmt.Errorf("notify.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.RatePerSecond < 0 {
		return fmt.Errorf("alerting.rate_per_second cannot be negative")
	}
	if err := c.Alerting.Rules().Validate(); err != nil {
		return fmt.Errorf("alerting: %w", err)
	}
	if c.Borrowers.LiquidationAlert < 0 {
		return fmt.Errorf("borrowers.liquidation_alert cannot be negative")
	}
	if c.Oracle.DivergenceThreshold < 0 {
		return fmt.Errorf("oracle.divergence_threshold cannot be negative")
	}
	if c.Aggregator.HSMAccount != "" && c.Aggregator.HSMWindow <= 0 {
		return fmt.Errorf("aggregator.hsm_window must be greater than zero")
	}
	for _, w := range c.Aggregator.ReferralWindows {
		if w == 0 {
			return fmt.Errorf("aggregator.referral_windows must be greater than zero")
		}
	}
	if c.Currencies.WhaleAmount < 0 {
		return fmt.Errorf("currencies.whale_amount cannot be negative")
	}
	if c.Shutdown.GracePeriod <= 0 {
		return fmt.Errorf("shutdown.grace_period must be greater than zero")
	}
	return nil
}

// LendingPoolAddresses parses chain.lending_pools.
func (c ChainConfig) LendingPoolAddresses() []common.Address {
	return addresses(c.LendingPools)
}

// OracleAddresses parses chain.oracle_contracts.
func (c ChainConfig) OracleAddresses() []common.Address {
	return addresses(c.OracleContracts)
}

// ReserveAssetIDs parses chain.reserve_assets.
func (c ChainConfig) ReserveAssetIDs() map[common.Address]chain.AssetID {
	if len(c.ReserveAssets) == 0 {
		return nil
	}
	out := make(map[common.Address]chain.AssetID, len(c.ReserveAssets))
	for addr, id := range c.ReserveAssets {
		out[common.HexToAddress(addr)] = chain.AssetID(id)
	}
	return out
}

// Preload returns the configured asset metadata.
func (c CurrenciesConfig) Preload() []chain.Asset {
	out := make([]chain.Asset, 0, len(c.Assets))
	for _, a := range c.Assets {
		out = append(out, chain.Asset{ID: chain.AssetID(a.ID), Symbol: a.Symbol, Decimals: a.Decimals})
	}
	return out
}

func addresses(in []string) []common.Address {
	out := make([]common.Address, 0, len(in))
	for _, s := range in {
		out = append(out, common.HexToAddress(s))
	}
	return out
}

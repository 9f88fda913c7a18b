package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"moneybot/exchange"
	"moneybot/infrastructure/logger"
	"moneybot/order"
	"moneybot/risk"
	"moneybot/strategy"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env        string                  `yaml:"env"`
	Log        logger.Config           `yaml:"log"`
	Server     ServerConfig            `yaml:"server"`
	Storage    StorageConfig           `yaml:"storage"`
	Risk       RiskConfig              `yaml:"risk"`
	Portfolio  PortfolioConfig         `yaml:"portfolio"`
	Exchange   ExchangeConfig          `yaml:"exchange"`
	Strategies []strategy.Config       `yaml:"strategies"`
	Symbols    map[string]SymbolConfig `yaml:"symbols"`
	Alerts     AlertConfig             `yaml:"alerts"`
	HotReload  bool                    `yaml:"hotReload"`
}

// AlertConfig 告警：始终写日志，配置 webhookUrl 时额外推送。
type AlertConfig struct {
	ThrottleSec int    `yaml:"throttleSec"`
	History     int    `yaml:"history"`
	WebhookURL  string `yaml:"webhookUrl"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type StorageConfig struct {
	Path           string `yaml:"path"` // 为空时不持久化
	RetentionHours int    `yaml:"retentionHours"`
}

// RiskConfig 包含风控阈值以及附加的 guard 参数。
type RiskConfig struct {
	risk.Limits        `yaml:",inline"`
	MaxDailyVolume     float64   `yaml:"maxDailyVolume"`
	MinOrderIntervalMs int       `yaml:"minOrderIntervalMs"`
	MaxSpreadRatio     float64   `yaml:"maxSpreadRatio"`
	ShockPct1m         float64   `yaml:"shockPct1m"`
	ShockPct5m         float64   `yaml:"shockPct5m"`
	DrawdownBands      []float64 `yaml:"drawdownBands"`
	DrawdownFractions  []float64 `yaml:"drawdownFractions"`
	DrawdownCooldownMs int       `yaml:"drawdownCooldownMs"`
}

type PortfolioConfig struct {
	QuoteAsset         string             `yaml:"quoteAsset"`
	InitialBalances    map[string]float64 `yaml:"initialBalances"`
	SnapshotIntervalMs int                `yaml:"snapshotIntervalMs"`
}

type ExchangeConfig struct {
	exchange.Config `yaml:",inline"`
	TickIntervalMs  int `yaml:"tickIntervalMs"`
}

// SymbolConfig 保存交易对的精度/名义限制。
type SymbolConfig struct {
	Base        string  `yaml:"base"`
	TickSize    float64 `yaml:"tickSize"`
	StepSize    float64 `yaml:"stepSize"`
	MinQty      float64 `yaml:"minQty"`
	MaxQty      float64 `yaml:"maxQty"`
	MinNotional float64 `yaml:"minNotional"`
}

// Load reads YAML config from path, applies defaults and validates it.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides deployment fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("MONEYBOT_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("MONEYBOT_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("MONEYBOT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	return cfg, Validate(cfg)
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if c.Portfolio.SnapshotIntervalMs <= 0 {
		c.Portfolio.SnapshotIntervalMs = 60_000
	}
	if c.Alerts.ThrottleSec <= 0 {
		c.Alerts.ThrottleSec = 300
	}
	if c.Alerts.History <= 0 {
		c.Alerts.History = 100
	}
	if c.Exchange.TickIntervalMs <= 0 {
		c.Exchange.TickIntervalMs = 1000
	}
}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if err := cfg.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	l := cfg.Risk.Limits
	if l.MaxOrderSize < 0 || l.MaxOrderValue < 0 || l.MaxPositionSize < 0 || l.MaxDailyLoss < 0 ||
		l.MaxOrdersPerSecond < 0 || l.OrderBurst < 0 || cfg.Risk.MaxDailyVolume < 0 || cfg.Risk.MinOrderIntervalMs < 0 {
		return errors.New("risk limits must be >= 0")
	}
	if l.MaxDrawdown < 0 || l.MaxDrawdown >= 1 {
		return errors.New("risk.maxDrawdown must be within [0,1)")
	}
	if len(cfg.Risk.DrawdownBands) != len(cfg.Risk.DrawdownFractions) {
		return errors.New("risk.drawdownBands and drawdownFractions must have the same length")
	}
	if cfg.Portfolio.QuoteAsset == "" {
		return errors.New("portfolio.quoteAsset is required")
	}
	if len(cfg.Exchange.Symbols) == 0 {
		return errors.New("exchange.symbols is required")
	}
	for sym, sc := range cfg.Exchange.Symbols {
		if sc.StartPrice <= 0 {
			return fmt.Errorf("exchange symbol %s startPrice must be > 0", sym)
		}
		if sc.Volatility < 0 || sc.SpreadBps < 0 || sc.TickSize < 0 {
			return fmt.Errorf("exchange symbol %s parameters must be >= 0", sym)
		}
	}
	if cfg.Exchange.FeeRate < 0 || cfg.Exchange.FillRatio < 0 || cfg.Exchange.FillRatio > 1 {
		return errors.New("exchange.feeRate must be >= 0 and fillRatio within [0,1]")
	}
	for sym, sc := range cfg.Symbols {
		if sc.TickSize < 0 || sc.StepSize < 0 || sc.MinQty < 0 || sc.MaxQty < 0 || sc.MinNotional < 0 {
			return fmt.Errorf("symbol %s constraints must be >= 0", sym)
		}
		if sc.MaxQty > 0 && sc.MinQty > sc.MaxQty {
			return fmt.Errorf("symbol %s minQty > maxQty", sym)
		}
	}
	names := make(map[string]bool, len(cfg.Strategies))
	for i, st := range cfg.Strategies {
		if _, ok := cfg.Exchange.Symbols[st.Symbol]; !ok {
			return fmt.Errorf("strategy %d: symbol %q not configured on exchange", i, st.Symbol)
		}
		if st.Params.MinSpreadBps <= 0 || st.Params.BaseSize <= 0 {
			return fmt.Errorf("strategy %d (%s): minSpreadBps and baseSize must be > 0", i, st.Symbol)
		}
		if st.Name != "" {
			if names[st.Name] {
				return fmt.Errorf("duplicate strategy name %q", st.Name)
			}
			names[st.Name] = true
		}
	}
	return nil
}

// Constraints 转换为 order 包使用的交易对限制。
func (c AppConfig) Constraints() map[string]order.SymbolConstraints {
	res := make(map[string]order.SymbolConstraints, len(c.Symbols))
	for sym, sc := range c.Symbols {
		res[sym] = order.SymbolConstraints{
			TickSize:    sc.TickSize,
			StepSize:    sc.StepSize,
			MinQty:      sc.MinQty,
			MaxQty:      sc.MaxQty,
			MinNotional: sc.MinNotional,
		}
	}
	return res
}

func (c AppConfig) TickInterval() time.Duration {
	return time.Duration(c.Exchange.TickIntervalMs) * time.Millisecond
}

func (c AppConfig) SnapshotInterval() time.Duration {
	return time.Duration(c.Portfolio.SnapshotIntervalMs) * time.Millisecond
}

func (c AlertConfig) Throttle() time.Duration {
	return time.Duration(c.ThrottleSec) * time.Second
}

func (c RiskConfig) MinOrderInterval() time.Duration {
	return time.Duration(c.MinOrderIntervalMs) * time.Millisecond
}

func (c RiskConfig) DrawdownCooldown() time.Duration {
	return time.Duration(c.DrawdownCooldownMs) * time.Millisecond
}

package container

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"moneybot/config"
	"moneybot/exchange"
	"moneybot/infrastructure/alert"
	"moneybot/infrastructure/logger"
	"moneybot/internal/api"
	"moneybot/internal/engine"
	"moneybot/market"
	"moneybot/metrics"
	"moneybot/order"
	"moneybot/portfolio"
	"moneybot/posttrade"
	"moneybot/risk"
	"moneybot/storage"
	"moneybot/strategy"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	cfg        config.AppConfig
	configPath string

	// 基础设施
	logger  *logger.Logger
	metrics *metrics.Metrics
	alerts  *alert.Manager
	store   *storage.Store

	// 核心服务
	exchange  *exchange.MockExchange
	market    *market.Service
	orders    *order.Manager
	portfolio *portfolio.Manager
	risk      *risk.Manager
	postTrade *posttrade.Analyzer
	engine    *engine.TradingEngine

	lifecycle *LifecycleManager
}

// New 读取配置创建容器。
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return NewWithConfig(cfg, configPath), nil
}

// NewWithConfig 使用已加载的配置创建容器；configPath 仅用于热加载。
func NewWithConfig(cfg config.AppConfig, configPath string) *Container {
	return &Container{
		cfg:        cfg,
		configPath: configPath,
		lifecycle:  NewLifecycleManager(),
	}
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}
	c.registerLifecycleComponents()
	c.logger.Info("container built successfully", zap.String("env", c.cfg.Env))
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}
	c.metrics = metrics.New(metrics.DefaultConfig())

	channels := []alert.Channel{alert.NewLogChannel("log", c.logger.Named("alert").Logger)}
	if c.cfg.Alerts.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookChannel("webhook", c.cfg.Alerts.WebhookURL, 0))
	}
	c.alerts = alert.NewManager(channels, c.cfg.Alerts.Throttle(), c.cfg.Alerts.History)

	if c.cfg.Storage.Path != "" {
		c.store, err = storage.Open(c.cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open storage failed: %w", err)
		}
		c.logger.Info("storage opened", zap.String("path", c.cfg.Storage.Path))
	}
	return nil
}

func (c *Container) buildCoreServices() error {
	var err error
	c.exchange, err = exchange.NewMockExchange(c.cfg.Exchange.Config, c.logger.Named("exchange").Logger)
	if err != nil {
		return err
	}

	// 避免把 nil *Store 装进接口
	var tickStore market.TickStore
	pfOpts := []portfolio.Option{portfolio.WithLogger(c.logger.Named("portfolio").Logger)}
	if c.store != nil {
		tickStore = c.store
		pfOpts = append(pfOpts, portfolio.WithStore(c.store))
	}
	c.market = market.NewService(market.NewPublisher(), tickStore, market.ServiceConfig{})

	c.orders = order.NewManager(c.exchange)
	c.orders.SetConstraints(c.cfg.Constraints())

	c.portfolio = portfolio.NewManager(c.cfg.Portfolio.QuoteAsset, c.cfg.Portfolio.InitialBalances, pfOpts...)
	for sym, sc := range c.cfg.Symbols {
		if sc.Base != "" {
			c.portfolio.RegisterSymbol(sym, sc.Base)
		}
	}

	rc := c.cfg.Risk
	c.risk = risk.NewManager(rc.Limits, c.portfolio)
	var guards []risk.Guard
	if rc.MaxDailyVolume > 0 {
		guards = append(guards, risk.NewLimitChecker(rc.MaxDailyVolume))
	}
	if rc.MinOrderInterval() > 0 {
		guards = append(guards, risk.NewLatencyGuard(rc.MinOrderInterval()))
	}
	if rc.MaxSpreadRatio > 0 {
		guards = append(guards, &risk.SpreadGuard{
			MaxSpreadRatio: rc.MaxSpreadRatio,
			Books: func(symbol string) (risk.BookSource, bool) {
				ob, ok := c.market.Lookup(symbol)
				if !ok {
					return nil, false
				}
				return ob, true
			},
		})
	}
	var circuit *risk.CircuitBreaker
	if rc.ShockPct1m > 0 || rc.ShockPct5m > 0 {
		circuit = risk.NewCircuitBreaker(rc.ShockPct1m, rc.ShockPct5m)
	}
	var drawdown *risk.DrawdownManager
	if len(rc.DrawdownBands) > 0 {
		drawdown = risk.NewDrawdownManager(rc.DrawdownBands, rc.DrawdownFractions, rc.DrawdownCooldown(), c.portfolio)
	}

	strategies := make([]strategy.Strategy, 0, len(c.cfg.Strategies))
	for _, sc := range c.cfg.Strategies {
		if sym, ok := c.cfg.Symbols[sc.Symbol]; ok {
			if sc.Params.TickSize == 0 {
				sc.Params.TickSize = sym.TickSize
			}
			if sc.Params.StepSize == 0 {
				sc.Params.StepSize = sym.StepSize
			}
		}
		s, err := strategy.New(sc, c.portfolio)
		if err != nil {
			return fmt.Errorf("build strategy %s: %w", sc.Name, err)
		}
		strategies = append(strategies, s)
	}

	c.postTrade = posttrade.NewAnalyzer(posttrade.Config{})

	stale := 10 * c.cfg.TickInterval()
	if stale < 5*time.Second {
		stale = 5 * time.Second
	}
	c.engine, err = engine.New(engine.Config{StaleAfter: stale}, engine.Components{
		Market:     c.market,
		Orders:     c.orders,
		Portfolio:  c.portfolio,
		Risk:       c.risk,
		Guards:     guards,
		Circuit:    circuit,
		Drawdown:   drawdown,
		Strategies: strategies,
		Metrics:    c.metrics,
		Alerts:     c.alerts,
		PostTrade:  c.postTrade,
		Logger:     c.logger.Named("engine"),
	})
	if err != nil {
		return err
	}
	c.exchange.SetHandler(c.engine)
	c.logger.Info("core services built",
		zap.Strings("symbols", c.exchange.Symbols()),
		zap.Int("strategies", len(strategies)),
		zap.Int("guards", len(guards)))
	return nil
}

func (c *Container) registerLifecycleComponents() {
	c.lifecycle.Register(engineComponent{engine: c.engine})
	c.lifecycle.Register(newRunner("mock_exchange", c.logger, func(ctx context.Context) {
		c.exchange.Run(ctx, c.cfg.TickInterval())
	}))
	c.lifecycle.Register(newRunner("portfolio_snapshots", c.logger, func(ctx context.Context) {
		c.portfolio.Run(ctx, c.cfg.SnapshotInterval())
	}))
	if c.store != nil && c.cfg.Storage.RetentionHours > 0 {
		c.lifecycle.Register(newRunner("storage_retention", c.logger, c.runRetention))
	}
	if c.cfg.HotReload && c.configPath != "" {
		w := config.Watcher{Path: c.configPath, Cooldown: time.Second, Logger: c.logger.Named("config").Logger}
		c.lifecycle.Register(newRunner("config_watcher", c.logger, func(ctx context.Context) {
			if err := w.Run(ctx, c.applyConfig); err != nil && ctx.Err() == nil {
				c.logger.LogError(err, zap.String("component", "config_watcher"))
			}
		}))
	}
	srv := api.NewServer(api.Deps{
		Market:    c.market,
		Portfolio: c.portfolio,
		Risk:      c.risk,
		Orders:    c.orders,
		Engine:    c.engine,
		Metrics:   c.metrics,
		Alerts:    c.alerts,
		PostTrade: c.postTrade,
		Logger:    c.logger.Named("api"),
	})
	c.lifecycle.Register(&httpServerComponent{
		name:    "api_server",
		handler: srv.Handler(),
		addr:    c.cfg.Server.Addr,
		logger:  c.logger,
	})
}

// applyConfig 热加载：目前只更新风控阈值。
func (c *Container) applyConfig(cfg config.AppConfig) {
	c.risk.SetLimits(cfg.Risk.Limits)
	c.logger.LogRisk("limits_reloaded",
		zap.Float64("max_order_size", cfg.Risk.MaxOrderSize),
		zap.Float64("max_position_size", cfg.Risk.MaxPositionSize),
		zap.Float64("max_daily_loss", cfg.Risk.MaxDailyLoss),
		zap.Float64("max_drawdown", cfg.Risk.MaxDrawdown))
}

func (c *Container) runRetention(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	retention := time.Duration(c.cfg.Storage.RetentionHours) * time.Hour
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.store.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				c.metrics.StorageError("prune")
				c.logger.LogError(err, zap.String("action", "prune"))
				continue
			}
			c.logger.Info("storage pruned", zap.Int64("rows", n))
		}
	}
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")
	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	// 非 systemd 环境下返回 false, nil
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		c.logger.Warn("sd_notify ready failed", zap.Error(err))
	} else if ok {
		c.logger.Info("notified systemd ready")
	}
	c.logger.Info("container started")
	return nil
}

// Stop 停止组件、撤销挂单并落一次最终快照。
func (c *Container) Stop() error {
	c.logger.Info("stopping container...")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, zap.String("action", "stop"))
	}

	snap := c.portfolio.TakeSnapshot()
	c.logger.LogPortfolio("final", snap.Equity, snap.RealizedPnL, snap.UnrealizedPnL,
		zap.Int("positions", len(snap.Positions)))
	if c.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if serr := c.store.SaveSnapshot(ctx, snap); serr != nil {
			c.logger.LogError(serr, zap.String("action", "final_snapshot"))
		}
		cancel()
		if cerr := c.store.Close(); cerr != nil {
			c.logger.LogError(cerr, zap.String("action", "close_storage"))
		}
	}
	_ = c.logger.Close()
	return err
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

func (c *Container) Config() config.AppConfig { return c.cfg }

func (c *Container) Logger() *logger.Logger { return c.logger }

func (c *Container) Engine() *engine.TradingEngine { return c.engine }

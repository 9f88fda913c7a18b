package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 封装 zap 日志器，附带交易领域的结构化事件方法。
type Logger struct {
	*zap.Logger
	config Config
	files  []*os.File
}

// Config 日志配置
type Config struct {
	Level      string   `yaml:"level"`      // debug, info, warn, error
	Outputs    []string `yaml:"outputs"`    // stdout, stderr, file
	OutputFile string   `yaml:"outputFile"` // 日志文件路径
	ErrorFile  string   `yaml:"errorFile"`  // 错误日志单独文件
	Format     string   `yaml:"format"`     // json 或 console
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Outputs: []string{"stdout"},
		Format:  "json",
	}
}

// Validate 检查配置是否可用。
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("invalid log level %q", c.Level)
	}
	if c.Format != "" && c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("invalid log format %q", c.Format)
	}
	for _, out := range c.Outputs {
		switch out {
		case "stdout", "stderr":
		case "file":
			if c.OutputFile == "" {
				return errors.New("log output 'file' requires outputFile")
			}
		default:
			return fmt.Errorf("unknown log output %q", out)
		}
	}
	return nil
}

// New 创建新的Logger实例
func New(cfg Config) (*Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := zapcore.ParseLevel(cfg.Level)

	encoderConfig := zap.NewProductionEncoderConfig()
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	newEncoder := func(console bool) zapcore.Encoder {
		if console {
			return zapcore.NewConsoleEncoder(encoderConfig)
		}
		return zapcore.NewJSONEncoder(encoderConfig)
	}

	l := &Logger{config: cfg}
	var cores []zapcore.Core
	if slices.Contains(cfg.Outputs, "stdout") {
		cores = append(cores, zapcore.NewCore(newEncoder(cfg.Format == "console"), zapcore.Lock(os.Stdout), level))
	}
	if slices.Contains(cfg.Outputs, "stderr") {
		cores = append(cores, zapcore.NewCore(newEncoder(cfg.Format == "console"), zapcore.Lock(os.Stderr), level))
	}
	// 文件输出统一使用 JSON
	if slices.Contains(cfg.Outputs, "file") {
		f, err := l.openFile(cfg.OutputFile)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(newEncoder(false), zapcore.AddSync(f), level))
	}
	if cfg.ErrorFile != "" {
		f, err := l.openFile(cfg.ErrorFile)
		if err != nil {
			l.closeFiles()
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(newEncoder(false), zapcore.AddSync(f), zapcore.ErrorLevel))
	}
	if len(cores) == 0 {
		cores = append(cores, zapcore.NewNopCore())
	}

	l.Logger = zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return l, nil
}

// NewNop 返回丢弃所有输出的 Logger，测试用。
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop(), config: DefaultConfig()}
}

// Wrap 用现有 zap.Logger 构造 Logger。
func Wrap(z *zap.Logger) *Logger {
	return &Logger{Logger: z, config: DefaultConfig()}
}

func (l *Logger) openFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir failed: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file failed: %w", err)
	}
	l.files = append(l.files, f)
	return f, nil
}

func (l *Logger) closeFiles() {
	for _, f := range l.files {
		_ = f.Close()
	}
	l.files = nil
}

// Named 返回带组件名的子 logger。
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger.Named(component), config: l.config}
}

// LogOrder 记录订单相关事件
func (l *Logger) LogOrder(event, orderID string, fields ...zap.Field) {
	l.Info("order_event", append([]zap.Field{zap.String("event", event), zap.String("order_id", orderID)}, fields...)...)
}

// LogTrade 记录成交相关事件
func (l *Logger) LogTrade(event string, fields ...zap.Field) {
	l.Info("trade_event", append([]zap.Field{zap.String("event", event)}, fields...)...)
}

// LogRisk 记录风控事件
func (l *Logger) LogRisk(event string, fields ...zap.Field) {
	l.Warn("risk_event", append([]zap.Field{zap.String("event", event)}, fields...)...)
}

// LogPortfolio 记录组合快照事件
func (l *Logger) LogPortfolio(event string, equity, realized, unrealized float64, fields ...zap.Field) {
	base := []zap.Field{
		zap.String("event", event),
		zap.Float64("equity", equity),
		zap.Float64("realized_pnl", realized),
		zap.Float64("unrealized_pnl", unrealized),
	}
	l.Info("portfolio_event", append(base, fields...)...)
}

// LogError 记录错误并附带上下文
func (l *Logger) LogError(err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	l.Error("error_event", append([]zap.Field{zap.Error(err)}, fields...)...)
}

// Close 刷新并关闭日志文件。
func (l *Logger) Close() error {
	err := l.Sync()
	// stdout/stderr 上的 Sync 在部分平台返回 EINVAL，忽略
	if err != nil && (strings.Contains(err.Error(), "invalid argument") || strings.Contains(err.Error(), "inappropriate ioctl")) {
		err = nil
	}
	l.closeFiles()
	return err
}

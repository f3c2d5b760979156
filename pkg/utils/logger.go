package utils

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ============================================================
// Конфигурация логгера
// ============================================================

// LogConfig - настройки структурированного логирования
//
// Output:
//   - "" или "stderr" - стандартный поток ошибок
//   - "stdout" - стандартный вывод
//   - путь к файлу - запись с ротацией через lumberjack
type LogConfig struct {
	Level       string // debug, info, warn, error, fatal
	Format      string // json, text
	Output      string
	Development bool

	// Ротация (только для файлового вывода)
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Logger - обёртка над zap.Logger с доменными хелперами
type Logger struct {
	*zap.Logger
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// InitLogger создаёт логгер по конфигурации
//
// Никогда не возвращает nil: при ошибке открытия файла пишет в stderr.
func InitLogger(cfg LogConfig) *Logger {
	level := parseLevel(cfg.Level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.MillisDurationEncoder

	var encoder zapcore.Encoder
	if strings.EqualFold(cfg.Format, "text") || strings.EqualFold(cfg.Format, "console") {
		if cfg.Development {
			encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		}
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, openSink(cfg), level)

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	return &Logger{Logger: zap.New(core, opts...)}
}

// openSink выбирает приёмник логов
func openSink(cfg LogConfig) zapcore.WriteSyncer {
	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		return zapcore.Lock(os.Stderr)
	case "stdout":
		return zapcore.Lock(os.Stdout)
	}

	// lumberjack открывает файл лениво, поэтому проверяем доступность заранее
	f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zapcore.Lock(os.Stderr)
	}
	f.Close()

	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}

	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Output,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	})
}

// parseLevel переводит строку в уровень zap (по умолчанию info)
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ============================================================
// Глобальный логгер
// ============================================================

// GetGlobalLogger возвращает глобальный логгер, создавая его при первом обращении
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{Level: "info", Format: "json"})
	}
	return globalLogger
}

// L - короткий алиас для GetGlobalLogger
func L() *Logger {
	return GetGlobalLogger()
}

// InitGlobalLogger создаёт логгер и делает его глобальным
func InitGlobalLogger(cfg LogConfig) *Logger {
	l := InitLogger(cfg)
	setGlobalLogger(l)
	return l
}

func setGlobalLogger(l *Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// NewNopLogger - логгер без вывода для тестов
func NewNopLogger() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// ============================================================
// Методы Logger
// ============================================================

// With возвращает дочерний логгер с полями
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

func (l *Logger) WithComponent(name string) *Logger {
	return l.With(Component(name))
}

func (l *Logger) WithExchange(name string) *Logger {
	return l.With(Exchange(name))
}

func (l *Logger) WithSymbol(symbol string) *Logger {
	return l.With(Symbol(symbol))
}

func (l *Logger) WithMode(mode string) *Logger {
	return l.With(Mode(mode))
}

// ============================================================
// Доменные поля
// ============================================================

// Field - поле структурированного лога
type Field = zap.Field

func Exchange(name string) zap.Field               { return zap.String("exchange", name) }
func Symbol(symbol string) zap.Field               { return zap.String("symbol", symbol) }
func OrderID(id string) zap.Field                  { return zap.String("order_id", id) }
func SignalID(id string) zap.Field                 { return zap.String("signal_id", id) }
func PositionID(id string) zap.Field               { return zap.String("position_id", id) }
func Price(p float64) zap.Field                    { return zap.Float64("price", p) }
func Volume(v float64) zap.Field                   { return zap.Float64("volume", v) }
func PNL(p float64) zap.Field                      { return zap.Float64("pnl", p) }
func Side(side string) zap.Field                   { return zap.String("side", side) }
func State(state string) zap.Field                 { return zap.String("state", state) }
func Rule(rule string) zap.Field                   { return zap.String("rule", rule) }
func Mode(mode string) zap.Field                   { return zap.String("mode", mode) }
func Latency(ms float64) zap.Field                 { return zap.Float64("latency_ms", ms) }
func RequestID(id string) zap.Field                { return zap.String("request_id", id) }
func Component(name string) zap.Field              { return zap.String("component", name) }
func String(k, v string) zap.Field                 { return zap.String(k, v) }
func Int(k string, v int) zap.Field                { return zap.Int(k, v) }
func Int64(k string, v int64) zap.Field            { return zap.Int64(k, v) }
func Float64(k string, v float64) zap.Field        { return zap.Float64(k, v) }
func Bool(k string, v bool) zap.Field              { return zap.Bool(k, v) }
func Err(err error) zap.Field                      { return zap.Error(err) }
func Any(k string, v interface{}) zap.Field        { return zap.Any(k, v) }
func Duration(k string, d time.Duration) zap.Field { return zap.Duration(k, d) }

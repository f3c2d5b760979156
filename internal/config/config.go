package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tradeengine/pkg/crypto"
	"tradeengine/pkg/utils"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Security SecurityConfig
	Broker   BrokerConfig
	Engine   EngineConfig
	Logging  LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port            int
	Host            string
	UseHTTPS        bool
	CertFile        string
	KeyFile         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// AllowedOrigins - CORS и проверка Origin для /ws
	AllowedOrigins []string
}

// DatabaseConfig - настройки подключения к БД
//
// Driver "postgres" или "sqlite". Если DSN пуст, для postgres он
// собирается из Host/Port/..., для sqlite берётся Path.
type DatabaseConfig struct {
	Driver   string
	DSN      string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	Path     string
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	// EncryptionKey - 32 байта AES-256 для зашифрованного секрета брокера
	EncryptionKey string
	// OperatorTokenHash - bcrypt-хеш токена control API
	OperatorTokenHash string
}

// BrokerConfig - настройки live-брокера
type BrokerConfig struct {
	Name      string
	APIKey    string
	APISecret string // открытый текст или "enc:..." от pkg/crypto
	Testnet   bool
	BaseURL   string
	WSPublic  string
	WSPrivate string
	// RecvWindow в миллисекундах
	RecvWindow int
	OrderRate  float64
	ReadRate   float64
	// Symbols - подписка на цены, в paper тоже
	Symbols []string
}

// EngineConfig - настройки торгового движка
type EngineConfig struct {
	Mode           string
	InitialBalance float64
	TradingOnStart bool

	OrderTimeout       time.Duration
	BrokerTimeout      time.Duration
	ReconcileInterval  time.Duration
	BalanceTolerance   float64
	BreakerThreshold   int
	BreakerCooldown    time.Duration
	ProtectiveInterval time.Duration
	HealthInterval     time.Duration

	// Симуляция исполнения в paper
	SimSlippageBps float64
	SimFeeRate     float64
	SimLatency     time.Duration
	SimSeed        int64

	// SettingsFile - YAML с начальными риск-настройками
	SettingsFile       string
	NotificationBuffer int
	NotificationMaxAge time.Duration
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level      string
	Format     string
	Output     string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load загружает конфигурацию из переменных окружения
//
// Файлы envFiles (по умолчанию .env) читаются первыми и не перекрывают
// уже заданные переменные; отсутствие файла не ошибка.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			UseHTTPS:        getEnvAsBool("USE_HTTPS", false),
			CertFile:        getEnv("CERT_FILE", ""),
			KeyFile:         getEnv("KEY_FILE", ""),
			ReadTimeout:     getEnvAsDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "sqlite"),
			DSN:      getEnv("DB_DSN", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "tradeengine"),
			User:     getEnv("DB_USER", "tradeengine"),
			Password: getEnv("DB_PASSWORD", ""),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
			Path:     getEnv("DB_PATH", "tradeengine.db"),
		},
		Security: SecurityConfig{
			EncryptionKey:     getEnv("ENCRYPTION_KEY", ""),
			OperatorTokenHash: getEnv("OPERATOR_TOKEN_HASH", ""),
		},
		Broker: BrokerConfig{
			Name:       getEnv("BROKER", "bybit"),
			APIKey:     getEnv("BROKER_API_KEY", ""),
			APISecret:  getEnv("BROKER_API_SECRET", ""),
			Testnet:    getEnvAsBool("BROKER_TESTNET", true),
			BaseURL:    getEnv("BROKER_BASE_URL", ""),
			WSPublic:   getEnv("BROKER_WS_PUBLIC_URL", ""),
			WSPrivate:  getEnv("BROKER_WS_PRIVATE_URL", ""),
			RecvWindow: getEnvAsInt("BROKER_RECV_WINDOW", 5000),
			OrderRate:  getEnvAsFloat("BROKER_ORDER_RATE", 10),
			ReadRate:   getEnvAsFloat("BROKER_READ_RATE", 20),
			Symbols:    getEnvAsList("SYMBOLS", []string{"BTCUSDT", "ETHUSDT"}),
		},
		Engine: EngineConfig{
			Mode:               strings.ToLower(getEnv("TRADING_MODE", "paper")),
			InitialBalance:     getEnvAsFloat("PAPER_INITIAL_BALANCE", 10000),
			TradingOnStart:     getEnvAsBool("TRADING_ON_START", true),
			OrderTimeout:       getEnvAsDuration("ORDER_TIMEOUT", 10*time.Second),
			BrokerTimeout:      getEnvAsDuration("BROKER_TIMEOUT", 10*time.Second),
			ReconcileInterval:  getEnvAsDuration("RECONCILE_INTERVAL", 30*time.Second),
			BalanceTolerance:   getEnvAsFloat("BALANCE_TOLERANCE", 0.01),
			BreakerThreshold:   getEnvAsInt("BREAKER_THRESHOLD", 5),
			BreakerCooldown:    getEnvAsDuration("BREAKER_COOLDOWN", 60*time.Second),
			ProtectiveInterval: getEnvAsDuration("PROTECTIVE_INTERVAL", time.Second),
			HealthInterval:     getEnvAsDuration("HEALTH_INTERVAL", 10*time.Second),
			SimSlippageBps:     getEnvAsFloat("SIM_MAX_SLIPPAGE_BPS", 5),
			SimFeeRate:         getEnvAsFloat("SIM_FEE_RATE", 0.00055),
			SimLatency:         getEnvAsDuration("SIM_LATENCY", 0),
			SimSeed:            int64(getEnvAsInt("SIM_SEED", 0)),
			SettingsFile:       getEnv("SETTINGS_FILE", ""),
			NotificationBuffer: getEnvAsInt("NOTIFICATION_BUFFER", 256),
			NotificationMaxAge: getEnvAsDuration("NOTIFICATION_MAX_AGE", 30*24*time.Hour),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			Output:     getEnv("LOG_OUTPUT", "stderr"),
			MaxSizeMB:  getEnvAsInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvAsInt("LOG_MAX_AGE_DAYS", 30),
			Compress:   getEnvAsBool("LOG_COMPRESS", true),
		},
	}

	// Валидация критичных параметров безопасности
	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}

	// Валидация числовых диапазонов
	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	if c.Security.EncryptionKey != "" && len(c.Security.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes for AES-256")
	}

	if crypto.IsSealed(c.Broker.APISecret) && c.Security.EncryptionKey == "" {
		return fmt.Errorf("BROKER_API_SECRET is encrypted but ENCRYPTION_KEY is not set")
	}

	if c.Engine.Mode == "live" {
		if c.Broker.APIKey == "" || c.Broker.APISecret == "" {
			return fmt.Errorf("BROKER_API_KEY and BROKER_API_SECRET are required in live mode")
		}
		// live без токена оператора означает открытый control API
		if c.Security.OperatorTokenHash == "" {
			return fmt.Errorf("OPERATOR_TOKEN_HASH is required in live mode")
		}
	}

	if h := c.Security.OperatorTokenHash; h != "" && !strings.HasPrefix(h, "$2") {
		return fmt.Errorf("OPERATOR_TOKEN_HASH must be a bcrypt hash")
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" && (c.Database.Port < 1 || c.Database.Port > 65535) {
			return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
		}
	case "sqlite":
		if c.Database.DSN == "" && c.Database.Path == "" {
			return fmt.Errorf("DB_PATH or DB_DSN is required for sqlite")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.Database.Driver)
	}

	switch c.Engine.Mode {
	case "paper", "live":
	default:
		return fmt.Errorf("TRADING_MODE must be paper or live, got %q", c.Engine.Mode)
	}

	if c.Engine.Mode == "paper" && c.Engine.InitialBalance <= 0 {
		return fmt.Errorf("PAPER_INITIAL_BALANCE must be positive, got %v", c.Engine.InitialBalance)
	}

	// Валидация таймаутов (должны быть положительными)
	if c.Engine.OrderTimeout <= 0 {
		return fmt.Errorf("ORDER_TIMEOUT must be positive, got %v", c.Engine.OrderTimeout)
	}
	if c.Engine.BrokerTimeout <= 0 {
		return fmt.Errorf("BROKER_TIMEOUT must be positive, got %v", c.Engine.BrokerTimeout)
	}
	if c.Engine.ReconcileInterval < time.Second {
		return fmt.Errorf("RECONCILE_INTERVAL must be at least 1s, got %v", c.Engine.ReconcileInterval)
	}
	if c.Engine.ProtectiveInterval <= 0 || c.Engine.HealthInterval <= 0 {
		return fmt.Errorf("PROTECTIVE_INTERVAL and HEALTH_INTERVAL must be positive")
	}

	if c.Engine.BreakerThreshold < 1 {
		return fmt.Errorf("BREAKER_THRESHOLD must be at least 1, got %d", c.Engine.BreakerThreshold)
	}
	if c.Engine.BreakerCooldown <= 0 {
		return fmt.Errorf("BREAKER_COOLDOWN must be positive, got %v", c.Engine.BreakerCooldown)
	}

	if c.Engine.BalanceTolerance < 0 {
		return fmt.Errorf("BALANCE_TOLERANCE cannot be negative, got %v", c.Engine.BalanceTolerance)
	}
	if c.Engine.SimSlippageBps < 0 || c.Engine.SimSlippageBps > 1000 {
		return fmt.Errorf("SIM_MAX_SLIPPAGE_BPS must be between 0 and 1000, got %v", c.Engine.SimSlippageBps)
	}
	if c.Engine.SimFeeRate < 0 || c.Engine.SimFeeRate >= 0.01 {
		return fmt.Errorf("SIM_FEE_RATE must be in [0, 0.01), got %v", c.Engine.SimFeeRate)
	}
	if c.Engine.NotificationBuffer < 1 {
		return fmt.Errorf("NOTIFICATION_BUFFER must be at least 1, got %d", c.Engine.NotificationBuffer)
	}

	if c.Broker.OrderRate <= 0 || c.Broker.ReadRate <= 0 {
		return fmt.Errorf("BROKER_ORDER_RATE and BROKER_READ_RATE must be positive")
	}
	if len(c.Broker.Symbols) == 0 {
		return fmt.Errorf("SYMBOLS must list at least one symbol")
	}
	for _, s := range c.Broker.Symbols {
		if err := utils.ValidateSymbol(s); err != nil {
			return fmt.Errorf("SYMBOLS: %w", err)
		}
		// брокер работает только с линейными USDT-перпетуалами
		if q := utils.ExtractQuoteCurrency(s); q != "USDT" {
			return fmt.Errorf("SYMBOLS: %s is not a USDT perpetual", s)
		}
	}

	return nil
}

// DatabaseDSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DatabaseDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	if d.Driver == "sqlite" {
		return d.Path
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	if d.Driver == "sqlite" {
		return d.DatabaseDSN()
	}
	if d.DSN != "" {
		return "(DB_DSN)"
	}
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// BrokerSecret возвращает секрет брокера, расшифровывая "enc:..." значения
func (c *Config) BrokerSecret() (string, error) {
	if !crypto.IsSealed(c.Broker.APISecret) {
		return c.Broker.APISecret, nil
	}
	secret, err := crypto.OpenSecret(c.Broker.APISecret, []byte(c.Security.EncryptionKey))
	if err != nil {
		return "", fmt.Errorf("decrypt BROKER_API_SECRET: %w", err)
	}
	return secret, nil
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList читает список через запятую
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

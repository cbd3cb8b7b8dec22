// Package config содержит логику чтения конфигурации кассы.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/mmeshcher/zipos-register/internal/money"
)

// Config содержит параметры запуска кассы.
type Config struct {
	RunAddress   string `env:"RUN_ADDRESS"`
	DatabaseURI  string `env:"DATABASE_URI"`
	SQLitePath   string `env:"SQLITE_PATH"`
	SyncEndpoint string `env:"SYNC_ENDPOINT"`
	StoreID      string `env:"STORE_ID"`
	RegisterID   string `env:"REGISTER_ID"`
	AuthSecret   string `env:"AUTH_SECRET"`
	SettingsFile string `env:"SETTINGS_FILE"`
	LogLevel     string `env:"LOG_LEVEL"`

	SyncInterval        time.Duration `env:"SYNC_INTERVAL"`
	SyncBatchSize       int           `env:"SYNC_BATCH_SIZE"`
	SyncMaxAttempts     int           `env:"SYNC_MAX_ATTEMPTS"`
	SyncLivenessTimeout time.Duration `env:"SYNC_LIVENESS_TIMEOUT"`
	SyncTimeout         time.Duration `env:"SYNC_TIMEOUT"`
	ReserveTimeout      time.Duration `env:"RESERVE_TIMEOUT"`

	// Cashiers - пары кассир:хеш PIN через запятую.
	Cashiers map[string]string `env:"CASHIERS"`

	Settings Settings `env:"-"`
}

// Settings - настройки магазина из файла SETTINGS_FILE.
type Settings struct {
	AllowNegativeStock bool `toml:"allow_negative_stock"`
	// LowStockThreshold - порог LOW_STOCK для товаров без минимального остатка. Ноль отключает.
	LowStockThreshold int               `toml:"low_stock_threshold"`
	SyncInterval      time.Duration     `toml:"sync_interval"`
	Loyalty           LoyaltySettings   `toml:"loyalty"`
	Cashiers          map[string]string `toml:"cashiers"`
}

// LoyaltySettings - правила программы лояльности.
type LoyaltySettings struct {
	Enabled       bool   `toml:"enabled"`
	PointsPerUnit string `toml:"points_per_unit"`
}

// PointsRate разбирает points_per_unit. Пустое значение означает один балл за единицу валюты.
func (l LoyaltySettings) PointsRate() (money.Rate, error) {
	if l.PointsPerUnit == "" {
		return money.MustRate("1"), nil
	}
	return money.ParseRate(l.PointsPerUnit)
}

// DefaultSettings возвращает настройки магазина по умолчанию.
func DefaultSettings() Settings {
	return Settings{
		Loyalty: LoyaltySettings{Enabled: true, PointsPerUnit: "1"},
	}
}

// Parse считывает конфигурацию из аргументов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("zipos", flag.ContinueOnError)
	fs.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	fs.StringVar(&cfg.DatabaseURI, "d", "", "PostgreSQL URI; SQLite is used when empty")
	fs.StringVar(&cfg.SQLitePath, "s", "zipos.db", "SQLite database file")
	fs.StringVar(&cfg.SyncEndpoint, "r", "", "remote sync endpoint address")
	fs.StringVar(&cfg.StoreID, "store", "store-1", "store identifier")
	fs.StringVar(&cfg.RegisterID, "register", "R1", "register identifier")
	fs.StringVar(&cfg.AuthSecret, "secret", "", "cookie signing secret")
	fs.StringVar(&cfg.SettingsFile, "c", "", "store settings file (TOML)")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level")
	fs.DurationVar(&cfg.SyncInterval, "sync-interval", 0, "sync interval, overrides the settings file")
	fs.IntVar(&cfg.SyncBatchSize, "sync-batch", 100, "records per sync batch")
	fs.IntVar(&cfg.SyncMaxAttempts, "sync-attempts", 5, "automatic sync attempts per record")
	fs.DurationVar(&cfg.SyncLivenessTimeout, "sync-liveness", 2*time.Minute, "age after which an in-flight record is parked")
	fs.DurationVar(&cfg.SyncTimeout, "sync-timeout", 10*time.Second, "sync request timeout")
	fs.DurationVar(&cfg.ReserveTimeout, "reserve-timeout", 2*time.Second, "wait for a product lock")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	cfg.Settings = DefaultSettings()
	if cfg.SettingsFile != "" {
		if err := cfg.loadSettings(); err != nil {
			return nil, err
		}
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = cfg.Settings.SyncInterval
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 30 * time.Second
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadSettings() error {
	if _, err := toml.DecodeFile(c.SettingsFile, &c.Settings); err != nil {
		return fmt.Errorf("load settings %s: %w", c.SettingsFile, err)
	}

	// кассиры из окружения дополняют и переопределяют файл
	merged := make(map[string]string, len(c.Settings.Cashiers)+len(c.Cashiers))
	for id, hash := range c.Settings.Cashiers {
		merged[id] = hash
	}
	for id, hash := range c.Cashiers {
		merged[id] = hash
	}
	c.Cashiers = merged
	return nil
}

func (c *Config) validate() error {
	if c.StoreID == "" || c.RegisterID == "" {
		return errors.New("store and register identifiers are required")
	}
	if c.DatabaseURI == "" && c.SQLitePath == "" {
		return errors.New("either DATABASE_URI or SQLITE_PATH is required")
	}
	if c.Settings.LowStockThreshold < 0 {
		return fmt.Errorf("low_stock_threshold must not be negative, got %d", c.Settings.LowStockThreshold)
	}
	if _, err := c.Settings.Loyalty.PointsRate(); err != nil {
		return fmt.Errorf("loyalty points_per_unit: %w", err)
	}
	return nil
}

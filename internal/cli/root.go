// Package cli содержит команды кассы: HTTP-сервер и служебные операции.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mmeshcher/zipos-register/internal/checkout"
	"github.com/mmeshcher/zipos-register/internal/config"
	"github.com/mmeshcher/zipos-register/internal/customer"
	"github.com/mmeshcher/zipos-register/internal/ledger"
	"github.com/mmeshcher/zipos-register/internal/repository"
	"github.com/mmeshcher/zipos-register/internal/service"
	"github.com/mmeshcher/zipos-register/internal/syncqueue"
	"github.com/mmeshcher/zipos-register/internal/transport"
)

var rootCmd = &cobra.Command{
	Use:   "zipos",
	Short: "Offline point-of-sale register",
	Long: `zipos is a point-of-sale register that keeps selling while offline.
Sales, refunds and stock changes are stored locally and replayed to the
head office through the sync queue when the connection is back.

Configuration flags are shared by every command; environment variables
override them (see "zipos serve -h").`,
	SilenceUsage: true,
}

// Execute запускает корневую команду.
func Execute() error {
	return rootCmd.Execute()
}

// ─── shared wiring ──────────────────────────────────────────────────────────

// parseConfig разбирает флаги команды. Команды отключают разбор флагов cobra,
// чтобы флаги и переменные окружения обрабатывались в одном месте.
func parseConfig(args []string) (*config.Config, bool, error) {
	cfg, err := config.Parse(args)
	if errors.Is(err, flag.ErrHelp) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zcfg.Level = lvl
	return zcfg.Build()
}

// app собирает компоненты кассы поверх одного хранилища.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *repository.SQLStore
	ledger  *ledger.Ledger
	queue   *syncqueue.Queue
	engine  *checkout.Engine
	service *service.Service
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	var (
		st  *repository.SQLStore
		err error
	)
	if cfg.DatabaseURI != "" {
		st, err = repository.OpenPostgres(ctx, cfg.DatabaseURI, logger)
	} else {
		st, err = repository.OpenSQLite(ctx, cfg.SQLitePath, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rate, err := cfg.Settings.Loyalty.PointsRate()
	if err != nil {
		st.Close()
		return nil, err
	}

	l := ledger.New(st, ledger.Config{
		StoreID:            cfg.StoreID,
		ReserveTimeout:     cfg.ReserveTimeout,
		AllowNegativeStock: cfg.Settings.AllowNegativeStock,
		LowStockThreshold:  cfg.Settings.LowStockThreshold,
	}, logger.Named("ledger"))

	var tr syncqueue.Transport
	if cfg.SyncEndpoint != "" {
		tr = transport.NewClient(transport.Config{
			BaseURL:    cfg.SyncEndpoint,
			StoreID:    cfg.StoreID,
			RegisterID: cfg.RegisterID,
			Timeout:    cfg.SyncTimeout,
			RetryMax:   3,
		}, logger)
	}

	q := syncqueue.New(st, tr, syncqueue.Config{
		Interval:        cfg.SyncInterval,
		BatchSize:       cfg.SyncBatchSize,
		MaxAttempts:     cfg.SyncMaxAttempts,
		LivenessTimeout: cfg.SyncLivenessTimeout,
	}, logger.Named("sync"))

	engine := checkout.NewEngine(st, l, q, checkout.Config{
		StoreID:    cfg.StoreID,
		RegisterID: cfg.RegisterID,
		Loyalty: customer.Policy{
			LoyaltyEnabled: cfg.Settings.Loyalty.Enabled,
			PointsPerUnit:  rate,
		},
	}, logger.Named("checkout"))

	svc := service.NewService(service.Options{
		Store:    st,
		Engine:   engine,
		Queue:    q,
		Accounts: customer.NewAccounts(st, logger.Named("customer")),
		Cashiers: cfg.Cashiers,
		Logger:   logger,
	})

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		ledger:  l,
		queue:   q,
		engine:  engine,
		service: svc,
	}, nil
}

func (a *app) Close() error {
	return a.service.Close()
}

// authSecret возвращает секрет подписи cookie. Без настройки секрет случайный,
// и сессии кассиров не переживают перезапуск.
func authSecret(cfg *config.Config, logger *zap.Logger) string {
	if cfg.AuthSecret != "" {
		return cfg.AuthSecret
	}
	logger.Warn("AUTH_SECRET is not set, using a random secret")
	return uuid.NewString()
}

// runWithApp разбирает конфигурацию, собирает кассу и выполняет fn.
func runWithApp(cmd *cobra.Command, args []string, fn func(ctx context.Context, a *app) error) error {
	cfg, ok, err := parseConfig(args)
	if err != nil || !ok {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(cmd.Context(), a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

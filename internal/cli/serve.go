package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/zipos-register/internal/handler"
	"github.com/mmeshcher/zipos-register/internal/middleware"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

// ─── serve ──────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve [flags]",
	Short: "Run the register HTTP API and background sync",
	Long: `Start the register: finish transactions interrupted by a crash,
serve the HTTP API for cashiers and drain the sync queue on a timer.`,
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithApp(cmd, args, serve)
	},
}

func serve(ctx context.Context, a *app) error {
	sugar := a.logger.Sugar()

	report, err := a.service.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if len(report.Completed) > 0 || len(report.Failed) > 0 {
		sugar.Infow("interrupted transactions recovered",
			"completed", len(report.Completed), "failed", len(report.Failed))
	}
	for _, f := range report.Failed {
		sugar.Warnw("transaction left in progress",
			"transaction_id", f.TransactionID, "number", f.Number, "error", f.Error)
	}

	authMiddleware := middleware.NewAuthMiddleware(authSecret(a.cfg, a.logger))
	h := handler.NewHandler(a.service, a.logger, authMiddleware)

	server := &http.Server{
		Addr:              a.cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Синхронизация и журнал предупреждений об остатках
	g.Go(func() error {
		a.service.Start(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting register server",
			"addr", a.cfg.RunAddress, "store_id", a.cfg.StoreID, "register_id", a.cfg.RegisterID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		a.logger.Error("register terminated with error", zap.Error(err))
		return err
	}
	return nil
}

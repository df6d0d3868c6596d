package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/tripcarbon/internal/config"
	"github.com/hitoshi/tripcarbon/internal/database"
	"github.com/hitoshi/tripcarbon/internal/handler"
	"github.com/hitoshi/tripcarbon/internal/metrics"
	"github.com/hitoshi/tripcarbon/internal/middleware"
)

const shutdownTimeout = 30 * time.Second

// newServer はローカルセッションAPIのHTTPサーバーを組み立てる。
// 戻り値のstopはレートリミッターのクリーンアップを止める。
func newServer(rt *Runtime, addr string) (*http.Server, func()) {
	cfg := rt.Config
	rateLimiter := middleware.NewRateLimiter(
		middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitAuth),
		rt.logger,
	)

	router := handler.NewRouter(&handler.RouterDeps{
		Session:           rt.Controller,
		Logger:            rt.logger,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		StatusObserver:    rt.Collector,
		MetricsHandler:    metrics.Handler(rt.Registry),
		HealthCheck:       rt.Health,
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // Googleサインインはブラウザでの操作を待つ
		IdleTimeout:  60 * time.Second,
	}
	return server, rateLimiter.Stop
}

// runServe はローカルセッションAPIを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, rt *Runtime) error {
	// 起動時に永続化された状態を反映する
	snap := rt.Controller.Start(ctx)
	slog.Info("session restored", slog.String("state", string(snap.State)))

	// ループバックのみで待ち受ける
	server, stopLimiter := newServer(rt, "127.0.0.1:"+rt.Config.ServerPort)
	defer stopLimiter()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("local session API starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down local session API...")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("local session API stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// directionは"up"または"down"。
func runMigrate(cfg *config.Config, direction string) error {
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}

	slog.Info("running database migrations",
		slog.String("direction", direction),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	var err error
	switch direction {
	case "up":
		err = database.RunMigrations(cfg.DatabaseURL)
	case "down":
		err = database.RollbackMigrations(cfg.DatabaseURL)
	default:
		return fmt.Errorf("unknown migration direction %q", direction)
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.String("direction", direction))
	return nil
}

// migrationVersion は適用済みのマイグレーションのバージョンを返す。
func migrationVersion(cfg *config.Config) (uint, bool, error) {
	if err := cfg.RequireDatabase(); err != nil {
		return 0, false, err
	}
	return database.Version(cfg.DatabaseURL)
}

// runHealthcheck はヘルスチェックを実行する。
// 起動中のローカルセッションAPIの /health にHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/tripcarbon/internal/backend"
	"github.com/hitoshi/tripcarbon/internal/config"
	"github.com/hitoshi/tripcarbon/internal/database"
	"github.com/hitoshi/tripcarbon/internal/handler"
	"github.com/hitoshi/tripcarbon/internal/identity"
	"github.com/hitoshi/tripcarbon/internal/localstore"
	"github.com/hitoshi/tripcarbon/internal/logger"
	"github.com/hitoshi/tripcarbon/internal/metrics"
	"github.com/hitoshi/tripcarbon/internal/session"
)

// Init はアプリケーションの初期化を行う。
// 環境変数（と設定ファイル）からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		// 設定が読めなくてもエラーはログに出せるようにする
		logger.SetupDefault(w, slog.LevelInfo)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.SetupDefault(w, slog.LevelInfo)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.SetupDefault(w, level)

	return cfg, nil
}

// cacheStore はローカルセッションキャッシュとIdPセッションの両方を永続化するストア。
type cacheStore interface {
	localstore.Store
	identity.CredentialStore
}

var (
	_ cacheStore = (*localstore.BadgerStore)(nil)
	_ cacheStore = (*localstore.PostgresStore)(nil)
)

// Runtime はセッション操作に必要な依存関係一式。
type Runtime struct {
	Config     *config.Config
	Controller *session.Controller
	Collector  *metrics.Collector
	Registry   *prometheus.Registry
	Health     handler.HealthChecker

	store  cacheStore
	logger *slog.Logger
}

// NewRuntime は設定に従ってストア、IdP、バックエンドクライアント、セッションサガを組み立てる。
// openはGoogleサインインの認証URLをユーザーに提示する関数。
func NewRuntime(ctx context.Context, cfg *config.Config, open identity.URLOpener, log *slog.Logger) (*Runtime, error) {
	if err := cfg.RequireSession(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	// 1. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 2. ローカルストア（キャッシュとIdPセッション）
	store, health, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	// 3. IdP
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	restCfg := identity.RESTConfig{
		APIKey:             cfg.IdentityAPIKey,
		HTTPClient:         httpClient,
		IdentityBaseURL:    cfg.IdentityBaseURL,
		SecureTokenBaseURL: cfg.SecureTokenBaseURL,
	}
	if cfg.FederatedEnabled() {
		oauth := identity.NewGoogleOAuthProvider(identity.GoogleOAuthConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			HTTPClient:   httpClient,
		})
		restCfg.Federated = identity.NewLoopbackFlow(oauth, open, log)
	}
	idp := identity.NewRESTProvider(restCfg, store, log)

	// 4. バックエンド
	accounts := backend.NewClient(httpClient, cfg.BackendBaseURL, idp, log,
		backend.WithRateLimit(cfg.BackendRateLimit),
		backend.WithLatencyObserver(collector),
	)

	// 5. セッションサガ
	ctrl := session.NewController(idp, accounts, store, log, session.WithRecorder(collector))

	return &Runtime{
		Config:     cfg,
		Controller: ctrl,
		Collector:  collector,
		Registry:   registry,
		Health:     health,
		store:      store,
		logger:     log,
	}, nil
}

// Close はバックグラウンド処理の完了を待ってからストアを閉じる。
func (r *Runtime) Close() error {
	r.Controller.Wait()
	if err := r.store.Close(); err != nil {
		return fmt.Errorf("failed to close cache: %w", err)
	}
	return nil
}

// openStore はCACHE_BACKENDに応じたストアとヘルスチェック関数を返す。
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (cacheStore, handler.HealthChecker, error) {
	switch cfg.CacheBackend {
	case config.CacheBackendPostgres:
		db, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		log.Info("database connection established",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)
		return localstore.NewPostgresStore(db), db.PingContext, nil

	default:
		badgerCfg := localstore.DefaultBadgerConfig(filepath.Join(cfg.CacheDir, "session"))
		badgerCfg.Logger = log
		store, err := localstore.OpenBadger(badgerCfg)
		if err != nil {
			return nil, nil, err
		}
		check := func(ctx context.Context) error {
			_, err := store.Count(ctx)
			return err
		}
		return store, check, nil
	}
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}

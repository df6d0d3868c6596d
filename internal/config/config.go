package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileEnv は設定ファイル（YAML）のパスを指定する環境変数。
const FileEnv = "TRIPCARBON_CONFIG"

// キャッシュのバックエンド
const (
	CacheBackendBadger   = "badger"
	CacheBackendPostgres = "postgres"
)

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Identity provider
	IdentityAPIKey     string
	IdentityBaseURL    string
	SecureTokenBaseURL string

	// Google OAuth（両方設定された場合のみGoogleサインインを有効にする）
	GoogleClientID     string
	GoogleClientSecret string

	// Backend account service
	BackendBaseURL   string
	HTTPTimeout      time.Duration
	BackendRateLimit float64 // req/sec

	// Local session cache
	CacheBackend string
	CacheDir     string
	DatabaseURL  string

	// Server
	ServerPort        string
	CORSAllowedOrigin string

	// Rate Limit（req/min）
	RateLimitGeneral int
	RateLimitAuth    int

	// Logging
	LogLevel string
}

// Load は設定ファイルと環境変数からConfigを読み込む。
// TRIPCARBON_CONFIGが指定されていればそのYAMLを既定値として読み、環境変数で上書きする。
// 必須項目の検証は利用するコマンドごとにRequireSession・RequireDatabaseで行う。
func Load() (*Config, error) {
	file, err := readFile(os.Getenv(FileEnv))
	if err != nil {
		return nil, err
	}
	src := source{file: file}

	cfg := &Config{}

	cfg.IdentityAPIKey = src.string("IDENTITY_API_KEY", "")
	cfg.IdentityBaseURL = src.string("IDENTITY_BASE_URL", "https://identitytoolkit.googleapis.com")
	cfg.SecureTokenBaseURL = src.string("SECURE_TOKEN_BASE_URL", "https://securetoken.googleapis.com")
	cfg.GoogleClientID = src.string("GOOGLE_CLIENT_ID", "")
	cfg.GoogleClientSecret = src.string("GOOGLE_CLIENT_SECRET", "")

	cfg.BackendBaseURL = strings.TrimRight(src.string("BACKEND_BASE_URL", ""), "/")
	cfg.HTTPTimeout = src.duration("HTTP_TIMEOUT", 10*time.Second)
	cfg.BackendRateLimit = src.float("BACKEND_RATE_LIMIT", 5)

	cfg.CacheBackend = strings.ToLower(src.string("CACHE_BACKEND", CacheBackendBadger))
	cfg.CacheDir = src.string("CACHE_DIR", defaultCacheDir())
	cfg.DatabaseURL = src.string("DATABASE_URL", "")

	cfg.ServerPort = src.string("SERVER_PORT", "8787")
	cfg.CORSAllowedOrigin = src.string("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.RateLimitGeneral = src.int("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAuth = src.int("RATE_LIMIT_AUTH", 10)
	cfg.LogLevel = src.string("LOG_LEVEL", "info")

	switch cfg.CacheBackend {
	case CacheBackendBadger, CacheBackendPostgres:
	default:
		return nil, fmt.Errorf("unsupported CACHE_BACKEND %q: want %q or %q", cfg.CacheBackend, CacheBackendBadger, CacheBackendPostgres)
	}

	return cfg, nil
}

// RequireSession はセッション操作に必要な設定が揃っているかを検証する。
func (c *Config) RequireSession() error {
	var missing []string
	if c.IdentityAPIKey == "" {
		missing = append(missing, "IDENTITY_API_KEY")
	}
	if c.BackendBaseURL == "" {
		missing = append(missing, "BACKEND_BASE_URL")
	}
	if c.CacheBackend == CacheBackendPostgres && c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("required environment variables are not set: %v", missing)
	}
	return nil
}

// RequireDatabase はマイグレーションに必要な設定が揃っているかを検証する。
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return errors.New("required environment variables are not set: [DATABASE_URL]")
	}
	return nil
}

// FederatedEnabled はGoogleサインインが設定されているかを返す。
func (c *Config) FederatedEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// readFile はYAMLの設定ファイルを読む。キーは環境変数名の小文字（例: backend_base_url）。
func readFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	values := map[string]string{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return values, nil
}

// source は環境変数、設定ファイル、既定値の順に値を解決する。
type source struct {
	file map[string]string
}

func (s source) lookup(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return s.file[strings.ToLower(key)]
}

func (s source) string(key, defaultVal string) string {
	if v := s.lookup(key); v != "" {
		return v
	}
	return defaultVal
}

func (s source) int(key string, defaultVal int) int {
	v := s.lookup(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func (s source) float(key string, defaultVal float64) float64 {
	v := s.lookup(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func (s source) duration(key string, defaultVal time.Duration) time.Duration {
	v := s.lookup(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tripcarbon"
	}
	return filepath.Join(home, ".tripcarbon")
}

// Package backend はバックエンドのアカウントサービス（BAS）との連携を提供する。
// HTTP/JSONでユーザーの作成と現在ユーザーの取得を行う。
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hitoshi/tripcarbon/internal/model"
)

const (
	birthDateLayout = "2006-01-02"

	// maxResponseBytes はユーザーのレスポンスとして読み込む上限
	maxResponseBytes = 1 << 20
)

var (
	// ErrUnauthenticated はトークンが無い、またはバックエンドが認証を拒否した場合のエラー。
	ErrUnauthenticated = errors.New("backend: unauthenticated")
	// ErrUnavailable は通信失敗・タイムアウト・5xxの場合のエラー。
	ErrUnavailable = errors.New("backend: unavailable")
)

// StatusError は上記以外のステータスコードを表す。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d", e.StatusCode)
}

// NewUser はユーザー作成リクエストの入力。
type NewUser struct {
	FirstName      string
	LastName       string
	ProviderUserID string
}

// AccountService はセッションサガが利用するバックエンドの機能セット。
type AccountService interface {
	// CreateUser はユーザーを作成する。冪等キーは無いため、1回のサインアップにつき1回だけ呼ぶ。
	CreateUser(ctx context.Context, user NewUser) (*model.RemoteUser, error)
	// FetchCurrentUser は認証トークンの持ち主のユーザーを取得する。
	FetchCurrentUser(ctx context.Context) (*model.RemoteUser, error)
}

// TokenSource はバックエンド呼び出しに付与するBearerトークンを発行する。
type TokenSource interface {
	IDToken(ctx context.Context) (string, error)
}

// LatencyObserver は外部呼び出しのレイテンシを記録する。
type LatencyObserver interface {
	ObserveExternalCall(system string, d time.Duration)
}

// Client はAccountServiceのHTTP実装。
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	limiter    *rate.Limiter
	logger     *slog.Logger
	observer   LatencyObserver
}

// Option はClientのオプション。
type Option func(*Client)

// WithRateLimit は外部呼び出しの秒間上限を設定する。0以下の場合は無制限。
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithLatencyObserver はレイテンシの記録先を設定する。
func WithLatencyObserver(o LatencyObserver) Option {
	return func(c *Client) { c.observer = o }
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, baseURL string, tokens TokenSource, logger *slog.Logger, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		limiter:    rate.NewLimiter(rate.Inf, 0),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// userPayload はバックエンドのユーザー表現（JSON）。
type userPayload struct {
	ID             int64   `json:"id,omitempty"`
	FirstName      string  `json:"first_name"`
	LastName       string  `json:"last_name"`
	ProviderUserID string  `json:"provider_user_id"`
	BirthDate      string  `json:"birth_date,omitempty"`
	Gender         string  `json:"gender,omitempty"`
	Address        string  `json:"address,omitempty"`
	City           string  `json:"city,omitempty"`
	ZipCode        string  `json:"zip_code,omitempty"`
	Country        string  `json:"country,omitempty"`
	Score          float64 `json:"score"`
	WeeklyScore    float64 `json:"weekly_score"`
}

type createUserRequest struct {
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	ProviderUserID string `json:"provider_user_id"`
}

// CreateUser はPOST /usersでユーザーを作成する。
func (c *Client) CreateUser(ctx context.Context, user NewUser) (*model.RemoteUser, error) {
	body, err := json.Marshal(createUserRequest{
		FirstName:      user.FirstName,
		LastName:       user.LastName,
		ProviderUserID: user.ProviderUserID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode user: %w", err)
	}

	remote, err := c.doUser(ctx, http.MethodPost, "/users", body, http.StatusOK, http.StatusCreated)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return remote, nil
}

// FetchCurrentUser はGET /users/meで現在のユーザーを取得する。
func (c *Client) FetchCurrentUser(ctx context.Context) (*model.RemoteUser, error) {
	remote, err := c.doUser(ctx, http.MethodGet, "/users/me", nil, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("fetch current user: %w", err)
	}
	return remote, nil
}

func (c *Client) doUser(ctx context.Context, method, path string, body []byte, okStatuses ...int) (*model.RemoteUser, error) {
	token, err := c.tokens.IDToken(ctx)
	if err != nil || token == "" {
		c.logger.Warn("no identity token for backend call",
			slog.String("path", path),
			slog.Any("error", err),
		)
		return nil, ErrUnauthenticated
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if c.observer != nil {
		c.observer.ObserveExternalCall("backend", time.Since(start))
	}
	if err != nil {
		c.logger.Error("backend request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", ErrUnavailable, err)
	}
	if len(respBody) > maxResponseBytes {
		return nil, fmt.Errorf("backend response exceeds %d bytes", maxResponseBytes)
	}

	if !containsStatus(okStatuses, resp.StatusCode) {
		c.logger.Warn("backend returned error status",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("request_id", requestID),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, classifyStatus(resp.StatusCode, respBody)
	}

	var payload userPayload
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse user: %w", err)
	}
	return payload.toRemote()
}

func containsStatus(statuses []int, code int) bool {
	for _, s := range statuses {
		if s == code {
			return true
		}
	}
	return false
}

func classifyStatus(code int, body []byte) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrUnauthenticated
	case code >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, code)
	default:
		return &StatusError{StatusCode: code, Body: string(body)}
	}
}

func (p *userPayload) toRemote() (*model.RemoteUser, error) {
	remote := &model.RemoteUser{
		ID:             p.ID,
		FirstName:      p.FirstName,
		LastName:       p.LastName,
		ProviderUserID: p.ProviderUserID,
		Gender:         p.Gender,
		Address:        p.Address,
		City:           p.City,
		ZipCode:        p.ZipCode,
		Country:        p.Country,
		Score:          p.Score,
		WeeklyScore:    p.WeeklyScore,
	}
	if p.BirthDate != "" {
		t, err := time.Parse(birthDateLayout, p.BirthDate)
		if err != nil {
			return nil, fmt.Errorf("invalid birth_date %q: %w", p.BirthDate, err)
		}
		remote.BirthDate = &t
	}
	return remote, nil
}

// compile-time interface check
var _ AccountService = (*Client)(nil)

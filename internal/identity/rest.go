package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultIdentityBaseURL    = "https://identitytoolkit.googleapis.com"
	defaultSecureTokenBaseURL = "https://securetoken.googleapis.com"
	defaultRequestURI         = "http://localhost"

	oobVerifyEmail   = "VERIFY_EMAIL"
	oobPasswordReset = "PASSWORD_RESET"

	// maxResponseBytes はIdPのレスポンスとして読み込む上限
	maxResponseBytes = 1 << 20
)

// FederatedTokenSource は外部IdPのIDトークンを取得するインターフェース。
// 対話的なOAuthフロー（ブラウザ起動など）を隠蔽する。
type FederatedTokenSource interface {
	// FederatedIDToken は外部IdPのIDトークンとプロバイダーID（例: google.com）を返す。
	FederatedIDToken(ctx context.Context) (idToken string, providerID string, err error)
}

// RESTConfig はRESTProviderの設定。
type RESTConfig struct {
	APIKey     string
	HTTPClient *http.Client

	// テスト用にオーバーライド可能なURL
	IdentityBaseURL    string
	SecureTokenBaseURL string

	// signInWithIdpに渡すrequestUri
	RequestURI string

	// nilの場合、外部IdP連携サインインは ErrFederatedUnavailable を返す
	Federated FederatedTokenSource
}

// RESTProvider はIdentity Toolkit互換のREST APIでProviderを実装する。
// 現在のIdPセッションを保持し、CredentialStoreへ永続化する。
type RESTProvider struct {
	config RESTConfig
	store  CredentialStore
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	loaded bool
	creds  *Credentials
}

// NewRESTProvider はRESTProviderを生成する。
// storeがnilの場合、セッションはプロセス内でのみ保持される。
func NewRESTProvider(config RESTConfig, store CredentialStore, logger *slog.Logger) *RESTProvider {
	if config.IdentityBaseURL == "" {
		config.IdentityBaseURL = defaultIdentityBaseURL
	}
	if config.SecureTokenBaseURL == "" {
		config.SecureTokenBaseURL = defaultSecureTokenBaseURL
	}
	if config.RequestURI == "" {
		config.RequestURI = defaultRequestURI
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RESTProvider{
		config: config,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// authResponse はsignUp / signInWithPassword / signInWithIdpのレスポンス。
type authResponse struct {
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`

	// signInWithIdpのみ
	IsNewUser   bool   `json:"isNewUser"`
	FullName    string `json:"fullName"`
	DisplayName string `json:"displayName"`
}

// lookupResponse はaccounts:lookupのレスポンス。
type lookupResponse struct {
	Users []struct {
		LocalID       string `json:"localId"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"emailVerified"`
	} `json:"users"`
}

// refreshResponse はセキュアトークンエンドポイントのレスポンス。
type refreshResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

// errorResponse はREST APIのエラーレスポンス。
type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateAccount はメールアドレスとパスワードでアカウントを作成する。
// 作成したアカウントがそのまま現在のセッションになる。
// セッションの永続化に失敗した場合もメモリ上のセッションで続行し、IDを返す。
func (p *RESTProvider) CreateAccount(ctx context.Context, email, password string) (string, error) {
	var resp authResponse
	err := p.postJSON(ctx, p.accountsURL("signUp"), map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("failed to create account: %w", err)
	}

	// アカウントは作成済みなので、永続化に失敗してもIDを返して呼び出し元に補償させる
	if err := p.setSession(ctx, &resp); err != nil {
		p.logger.Warn("identity session kept in memory only",
			slog.String("provider_user_id", resp.LocalID),
			slog.String("error", err.Error()),
		)
	}

	p.logger.Info("identity account created", slog.String("provider_user_id", resp.LocalID))
	return resp.LocalID, nil
}

// Authenticate はメールアドレスとパスワードでサインインし、確認状態を返す。
func (p *RESTProvider) Authenticate(ctx context.Context, email, password string) (Verification, error) {
	var resp authResponse
	err := p.postJSON(ctx, p.accountsURL("signInWithPassword"), map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return Unverified, fmt.Errorf("failed to sign in: %w", err)
	}

	if err := p.setSession(ctx, &resp); err != nil {
		return Unverified, err
	}

	return p.lookupVerification(ctx, resp.IDToken)
}

// AuthenticateFederated は外部IdPのIDトークンをsignInWithIdpで交換する。
func (p *RESTProvider) AuthenticateFederated(ctx context.Context) (*FederatedResult, error) {
	if p.config.Federated == nil {
		return nil, ErrFederatedUnavailable
	}

	idpToken, providerID, err := p.config.Federated.FederatedIDToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain federated token: %w", err)
	}

	postBody := url.Values{
		"id_token":   {idpToken},
		"providerId": {providerID},
	}

	var resp authResponse
	err = p.postJSON(ctx, p.accountsURL("signInWithIdp"), map[string]any{
		"postBody":            postBody.Encode(),
		"requestUri":          p.config.RequestURI,
		"returnSecureToken":   true,
		"returnIdpCredential": true,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("failed to sign in with idp: %w", err)
	}

	if err := p.setSession(ctx, &resp); err != nil {
		p.logger.Warn("identity session kept in memory only",
			slog.String("provider_user_id", resp.LocalID),
			slog.String("error", err.Error()),
		)
	}

	fullName := resp.FullName
	if fullName == "" {
		fullName = resp.DisplayName
	}

	return &FederatedResult{
		IsNewAccount:   resp.IsNewUser,
		FullName:       fullName,
		ProviderUserID: resp.LocalID,
	}, nil
}

// SendVerificationEmail は現在のユーザーに確認メールを送信する。
func (p *RESTProvider) SendVerificationEmail(ctx context.Context) error {
	token, err := p.IDToken(ctx)
	if err != nil {
		return err
	}
	err = p.postJSON(ctx, p.accountsURL("sendOobCode"), map[string]any{
		"requestType": oobVerifyEmail,
		"idToken":     token,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to send verification email: %w", err)
	}
	return nil
}

// ReloadAndCheckVerified はセッションを再読み込みしてから確認状態を読む。
// 再読み込み（トークン再発行）と確認状態の取得はこの順序で行う必要がある。
func (p *RESTProvider) ReloadAndCheckVerified(ctx context.Context) (Verification, error) {
	// 1. セッションの再読み込み
	creds, err := p.refresh(ctx)
	if err != nil {
		return Unverified, fmt.Errorf("failed to reload session: %w", err)
	}

	// 2. 確認状態の取得
	return p.lookupVerification(ctx, creds.IDToken)
}

// SendPasswordReset はパスワードリセットメールを送信する。
// セッションの有無に関わらず実行できる。
func (p *RESTProvider) SendPasswordReset(ctx context.Context, email string) error {
	err := p.postJSON(ctx, p.accountsURL("sendOobCode"), map[string]any{
		"requestType": oobPasswordReset,
		"email":       email,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to send password reset email: %w", err)
	}
	return nil
}

// DeleteCurrentAccount は現在のユーザーをIdPから削除し、セッションを破棄する。
func (p *RESTProvider) DeleteCurrentAccount(ctx context.Context) error {
	token, err := p.IDToken(ctx)
	if err != nil {
		return err
	}

	err = p.postJSON(ctx, p.accountsURL("delete"), map[string]any{
		"idToken": token,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}

	p.logger.Info("identity account deleted")
	// 削除は完了しているので、ローカルの資格情報を消せなくても成功として扱う
	if err := p.SignOut(ctx); err != nil {
		p.logger.Warn("failed to clear credentials of deleted account", slog.String("error", err.Error()))
	}
	return nil
}

// IDToken は有効なIDトークンを返す。期限が近い場合は再発行する。
func (p *RESTProvider) IDToken(ctx context.Context) (string, error) {
	creds, err := p.current(ctx)
	if err != nil {
		return "", err
	}
	if !needsRefresh(creds, p.now()) {
		return creds.IDToken, nil
	}

	creds, err = p.refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to refresh id token: %w", err)
	}
	return creds.IDToken, nil
}

// HasSession はIdPのセッションが存在するかを返す。
// 永続化されたセッションが読み込めない場合はセッションなしとして扱う。
func (p *RESTProvider) HasSession(ctx context.Context) bool {
	_, err := p.current(ctx)
	return err == nil
}

// SignOut はローカルに保持しているセッションを破棄する。
func (p *RESTProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	p.creds = nil
	p.loaded = true
	p.mu.Unlock()

	if p.store == nil {
		return nil
	}
	if err := p.store.ClearCredentials(ctx); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}

// current は現在のセッションを返す。未読み込みの場合はstoreから読み込む。
func (p *RESTProvider) current(ctx context.Context) (*Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.loaded {
		if p.store != nil {
			creds, err := p.store.LoadCredentials(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to load credentials: %w", err)
			}
			p.creds = creds
		}
		p.loaded = true
	}

	if p.creds == nil || p.creds.RefreshToken == "" {
		return nil, ErrNoSession
	}
	c := *p.creds
	return &c, nil
}

// setSession は認証レスポンスから現在のセッションを更新し永続化する。
func (p *RESTProvider) setSession(ctx context.Context, resp *authResponse) error {
	expiresIn, _ := strconv.Atoi(resp.ExpiresIn)
	creds := &Credentials{
		UserID:       resp.LocalID,
		Email:        resp.Email,
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    expiryFor(resp.IDToken, expiresIn, p.now()),
	}
	return p.storeCredentials(ctx, creds)
}

func (p *RESTProvider) storeCredentials(ctx context.Context, creds *Credentials) error {
	p.mu.Lock()
	p.creds = creds
	p.loaded = true
	p.mu.Unlock()

	if p.store == nil {
		return nil
	}
	if err := p.store.SaveCredentials(ctx, creds); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

// refresh はリフレッシュトークンでIDトークンを再発行する。
func (p *RESTProvider) refresh(ctx context.Context) (*Credentials, error) {
	creds, err := p.current(ctx)
	if err != nil {
		return nil, err
	}

	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {creds.RefreshToken},
	}
	endpoint := p.config.SecureTokenBaseURL + "/v1/token?key=" + url.QueryEscape(p.config.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp refreshResponse
	if err := p.do(req, &resp); err != nil {
		return nil, err
	}
	if resp.IDToken == "" {
		return nil, fmt.Errorf("empty id token in refresh response")
	}

	expiresIn, _ := strconv.Atoi(resp.ExpiresIn)
	next := &Credentials{
		UserID:       creds.UserID,
		Email:        creds.Email,
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    expiryFor(resp.IDToken, expiresIn, p.now()),
	}
	if resp.UserID != "" {
		next.UserID = resp.UserID
	}
	if next.RefreshToken == "" {
		next.RefreshToken = creds.RefreshToken
	}

	if err := p.storeCredentials(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// lookupVerification はaccounts:lookupでメール確認状態を取得する。
func (p *RESTProvider) lookupVerification(ctx context.Context, idToken string) (Verification, error) {
	var resp lookupResponse
	err := p.postJSON(ctx, p.accountsURL("lookup"), map[string]any{
		"idToken": idToken,
	}, &resp)
	if err != nil {
		return Unverified, fmt.Errorf("failed to look up account: %w", err)
	}
	if len(resp.Users) == 0 {
		return Unverified, fmt.Errorf("account lookup returned no users")
	}
	if resp.Users[0].EmailVerified {
		return Verified, nil
	}
	return Unverified, nil
}

func (p *RESTProvider) accountsURL(method string) string {
	return p.config.IdentityBaseURL + "/v1/accounts:" + method + "?key=" + url.QueryEscape(p.config.APIKey)
}

// postJSON はJSONボディでPOSTし、レスポンスをoutにデコードする。outがnilの場合は読み捨てる。
func (p *RESTProvider) postJSON(ctx context.Context, endpoint string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return p.do(req, out)
}

func (p *RESTProvider) do(req *http.Request, out any) error {
	resp, err := p.config.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return fmt.Errorf("failed to read identity response: %w", err)
	}
	if len(body) > maxResponseBytes {
		return fmt.Errorf("identity response exceeds %d bytes", maxResponseBytes)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errResp errorResponse
		if json.Unmarshal(body, &errResp) == nil {
			apiErr.Code = errResp.Error.Message
		}
		p.logger.Warn("identity provider returned error",
			slog.Int("http_status", resp.StatusCode),
			slog.String("code", apiErr.Code),
		)
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse identity response: %w", err)
	}
	return nil
}

// compile-time interface check
var _ Provider = (*RESTProvider)(nil)

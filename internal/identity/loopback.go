package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const defaultLoopbackTimeout = 3 * time.Minute

// URLOpener は認証URLをユーザーに提示する関数（ブラウザ起動や画面表示）。
type URLOpener func(url string) error

// LoopbackFlow はループバックリダイレクトでGoogleの認可コードを受け取る。
// 127.0.0.1の空きポートで一時的なHTTPサーバーを起動し、
// stateを検証した上で認可コードをIDトークンに交換する。
type LoopbackFlow struct {
	oauth   *GoogleOAuthProvider
	open    URLOpener
	logger  *slog.Logger
	timeout time.Duration
}

// NewLoopbackFlow はLoopbackFlowを生成する。
func NewLoopbackFlow(oauth *GoogleOAuthProvider, open URLOpener, logger *slog.Logger) *LoopbackFlow {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoopbackFlow{
		oauth:   oauth,
		open:    open,
		logger:  logger,
		timeout: defaultLoopbackTimeout,
	}
}

type callbackResult struct {
	code string
	err  error
}

// FederatedIDToken は対話的なOAuthフローを実行し、GoogleのIDトークンを返す。
func (f *LoopbackFlow) FederatedIDToken(ctx context.Context) (string, string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", "", fmt.Errorf("failed to listen on loopback: %w", err)
	}
	redirectURL := fmt.Sprintf("http://%s/callback", ln.Addr().String())

	state, err := randomString(16)
	if err != nil {
		ln.Close()
		return "", "", fmt.Errorf("failed to generate state: %w", err)
	}
	pkce, err := NewPKCE()
	if err != nil {
		ln.Close()
		return "", "", fmt.Errorf("failed to generate pkce: %w", err)
	}

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var res callbackResult
		switch {
		case q.Get("state") != state:
			res.err = errors.New("oauth state mismatch")
		case q.Get("error") != "":
			res.err = fmt.Errorf("authorization denied: %s", q.Get("error"))
		case q.Get("code") == "":
			res.err = errors.New("missing authorization code")
		default:
			res.code = q.Get("code")
		}

		if res.err != nil {
			http.Error(w, "Sign-in failed. You can close this window.", http.StatusBadRequest)
		} else {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Write([]byte("Signed in. You can close this window."))
		}

		select {
		case results <- res:
		default:
		}
	})

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			f.logger.Error("loopback server error", slog.String("error", err.Error()))
		}
	}()
	defer server.Close()

	loginURL := f.oauth.GetLoginURL(state, redirectURL, pkce)
	if err := f.open(loginURL); err != nil {
		return "", "", fmt.Errorf("failed to open login url: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var res callbackResult
	select {
	case <-waitCtx.Done():
		return "", "", fmt.Errorf("waiting for oauth callback: %w", waitCtx.Err())
	case res = <-results:
	}
	if res.err != nil {
		return "", "", res.err
	}

	idToken, err := f.oauth.ExchangeCode(ctx, res.code, redirectURL, pkce)
	if err != nil {
		return "", "", err
	}
	return idToken, GoogleProviderID, nil
}

// compile-time interface check
var _ FederatedTokenSource = (*LoopbackFlow)(nil)

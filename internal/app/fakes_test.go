package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hitoshi/tripcarbon/internal/config"
	"github.com/hitoshi/tripcarbon/internal/validation"
)

// fakeServices はIdentity Toolkit互換のIdPとバックエンドを模したHTTPサーバー。
type fakeServices struct {
	identity *httptest.Server
	backend  *httptest.Server

	verified   atomic.Bool
	failSignIn atomic.Bool

	mu    sync.Mutex
	calls []string
}

func newFakeServices(t *testing.T) *fakeServices {
	t.Helper()
	f := &fakeServices{}
	f.verified.Store(true)

	f.identity = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.record(r.URL.Path)
		switch r.URL.Path {
		case "/v1/accounts:signUp", "/v1/accounts:signInWithPassword":
			if f.failSignIn.Load() {
				w.WriteHeader(http.StatusBadRequest)
				writeJSON(w, map[string]any{"error": map[string]any{"code": 400, "message": "INVALID_PASSWORD"}})
				return
			}
			writeJSON(w, map[string]any{
				"localId":      "uid-1",
				"email":        "jane@example.com",
				"idToken":      "id-token",
				"refreshToken": "refresh-token",
				"expiresIn":    "3600",
			})
		case "/v1/accounts:lookup":
			writeJSON(w, map[string]any{"users": []map[string]any{{
				"localId":       "uid-1",
				"email":         "jane@example.com",
				"emailVerified": f.verified.Load(),
			}}})
		case "/v1/accounts:sendOobCode", "/v1/accounts:delete":
			writeJSON(w, map[string]any{})
		case "/v1/token":
			writeJSON(w, map[string]any{
				"id_token":      "id-token-2",
				"refresh_token": "refresh-token",
				"expires_in":    "3600",
				"user_id":       "uid-1",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	f.backend = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.record(r.Method + " " + r.URL.Path)
		user := map[string]any{
			"id":               53,
			"first_name":       "Jane",
			"last_name":        "Doe",
			"provider_user_id": "uid-1",
			"score":            12.5,
			"weekly_score":     3,
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/users/me":
			writeJSON(w, user)
		case r.Method == http.MethodPost && r.URL.Path == "/users":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(user)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	t.Cleanup(func() {
		f.identity.Close()
		f.backend.Close()
	})
	return f
}

func (f *fakeServices) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeServices) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

// setEnv はfakeServicesとテスト用のキャッシュディレクトリを指す環境変数を設定する。
func (f *fakeServices) setEnv(t *testing.T) {
	t.Helper()
	t.Setenv(config.FileEnv, "")
	t.Setenv("IDENTITY_API_KEY", "test-api-key")
	t.Setenv("IDENTITY_BASE_URL", f.identity.URL)
	t.Setenv("SECURE_TOKEN_BASE_URL", f.identity.URL)
	t.Setenv("BACKEND_BASE_URL", f.backend.URL)
	t.Setenv("BACKEND_RATE_LIMIT", "0")
	t.Setenv("GOOGLE_CLIENT_ID", "")
	t.Setenv("GOOGLE_CLIENT_SECRET", "")
	t.Setenv("CACHE_BACKEND", "badger")
	t.Setenv("CACHE_DIR", t.TempDir())
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LOG_LEVEL", "error")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// fakePrompter はPrompterのモック。
type fakePrompter struct {
	signUp      validation.SignUpForm
	login       validation.LoginForm
	email       string
	actions     []PendingAction
	onAction    func(PendingAction)
	signUpCalls int
	loginCalls  int
	resetCalls  int
	pendingFor  []string
}

var _ Prompter = (*fakePrompter)(nil)

func (p *fakePrompter) SignUp(form *validation.SignUpForm) error {
	p.signUpCalls++
	*form = p.signUp
	return nil
}

func (p *fakePrompter) Login(form *validation.LoginForm) error {
	p.loginCalls++
	*form = p.login
	return nil
}

func (p *fakePrompter) PasswordReset(form *validation.PasswordResetForm) error {
	p.resetCalls++
	form.Email = p.email
	return nil
}

func (p *fakePrompter) PendingAction(email string) (PendingAction, error) {
	p.pendingFor = append(p.pendingFor, email)
	if len(p.actions) == 0 {
		return ActionQuit, nil
	}
	action := p.actions[0]
	p.actions = p.actions[1:]
	if p.onAction != nil {
		p.onAction(action)
	}
	return action, nil
}

// runCLI はルートコマンドを実行し、標準出力と標準エラーの内容を返す。
func runCLI(t *testing.T, p Prompter, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCommand(Options{Out: &out, Err: &errOut, Prompter: p})
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/tripcarbon/internal/backend"
	"github.com/hitoshi/tripcarbon/internal/identity"
	"github.com/hitoshi/tripcarbon/internal/localstore"
	"github.com/hitoshi/tripcarbon/internal/model"
	"github.com/hitoshi/tripcarbon/internal/validation"
)

var errFake = errors.New("fake failure")

// fakeProvider はidentity.Providerのモック。未設定のメソッドは成功を返す。
type fakeProvider struct {
	mu    sync.Mutex
	calls []string

	hasSession             bool
	createAccountFn        func(ctx context.Context, email, password string) (string, error)
	authenticateFn         func(ctx context.Context, email, password string) (identity.Verification, error)
	authenticateFederated  func(ctx context.Context) (*identity.FederatedResult, error)
	sendVerificationFn     func(ctx context.Context) error
	reloadAndCheckFn       func(ctx context.Context) (identity.Verification, error)
	sendPasswordResetFn    func(ctx context.Context, email string) error
	deleteCurrentAccountFn func(ctx context.Context) error
	signOutFn              func(ctx context.Context) error
}

var _ identity.Provider = (*fakeProvider)(nil)

func (f *fakeProvider) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeProvider) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeProvider) CreateAccount(ctx context.Context, email, password string) (string, error) {
	f.record("CreateAccount")
	if f.createAccountFn != nil {
		return f.createAccountFn(ctx, email, password)
	}
	return "uid-1", nil
}

func (f *fakeProvider) Authenticate(ctx context.Context, email, password string) (identity.Verification, error) {
	f.record("Authenticate")
	if f.authenticateFn != nil {
		return f.authenticateFn(ctx, email, password)
	}
	return identity.Verified, nil
}

func (f *fakeProvider) AuthenticateFederated(ctx context.Context) (*identity.FederatedResult, error) {
	f.record("AuthenticateFederated")
	if f.authenticateFederated != nil {
		return f.authenticateFederated(ctx)
	}
	return &identity.FederatedResult{ProviderUserID: "uid-google", FullName: "Jane Doe"}, nil
}

func (f *fakeProvider) SendVerificationEmail(ctx context.Context) error {
	f.record("SendVerificationEmail")
	if f.sendVerificationFn != nil {
		return f.sendVerificationFn(ctx)
	}
	return nil
}

func (f *fakeProvider) ReloadAndCheckVerified(ctx context.Context) (identity.Verification, error) {
	f.record("ReloadAndCheckVerified")
	if f.reloadAndCheckFn != nil {
		return f.reloadAndCheckFn(ctx)
	}
	return identity.Verified, nil
}

func (f *fakeProvider) SendPasswordReset(ctx context.Context, email string) error {
	f.record("SendPasswordReset")
	if f.sendPasswordResetFn != nil {
		return f.sendPasswordResetFn(ctx, email)
	}
	return nil
}

func (f *fakeProvider) DeleteCurrentAccount(ctx context.Context) error {
	f.record("DeleteCurrentAccount")
	if f.deleteCurrentAccountFn != nil {
		return f.deleteCurrentAccountFn(ctx)
	}
	return nil
}

func (f *fakeProvider) IDToken(ctx context.Context) (string, error) {
	f.record("IDToken")
	return "token", nil
}

func (f *fakeProvider) HasSession(ctx context.Context) bool {
	f.record("HasSession")
	return f.hasSession
}

func (f *fakeProvider) SignOut(ctx context.Context) error {
	f.record("SignOut")
	if f.signOutFn != nil {
		return f.signOutFn(ctx)
	}
	return nil
}

// fakeAccounts はbackend.AccountServiceのモック。
type fakeAccounts struct {
	mu          sync.Mutex
	created     []backend.NewUser
	fetchCalls  int
	createFn    func(ctx context.Context, u backend.NewUser) (*model.RemoteUser, error)
	fetchUserFn func(ctx context.Context) (*model.RemoteUser, error)
}

var _ backend.AccountService = (*fakeAccounts)(nil)

func (f *fakeAccounts) CreateUser(ctx context.Context, u backend.NewUser) (*model.RemoteUser, error) {
	f.mu.Lock()
	f.created = append(f.created, u)
	f.mu.Unlock()
	if f.createFn != nil {
		return f.createFn(ctx, u)
	}
	return &model.RemoteUser{ID: 53, FirstName: u.FirstName, LastName: u.LastName, ProviderUserID: u.ProviderUserID}, nil
}

func (f *fakeAccounts) FetchCurrentUser(ctx context.Context) (*model.RemoteUser, error) {
	f.mu.Lock()
	f.fetchCalls++
	f.mu.Unlock()
	if f.fetchUserFn != nil {
		return f.fetchUserFn(ctx)
	}
	return &model.RemoteUser{ID: 53, FirstName: "Jane", LastName: "Doe", ProviderUserID: "uid-1", Score: 12.5}, nil
}

func (f *fakeAccounts) createCalls() []backend.NewUser {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.NewUser(nil), f.created...)
}

// recordingRecorder は記録されたメトリクスを保持する。
type recordingRecorder struct {
	mu            sync.Mutex
	operations    []string
	compensations []bool
	orphaned      int
	cacheRecords  int
}

func (r *recordingRecorder) RecordOperation(op, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operations = append(r.operations, op+":"+outcome)
}

func (r *recordingRecorder) RecordCompensation(op string, succeeded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compensations = append(r.compensations, succeeded)
}

func (r *recordingRecorder) RecordOrphanedAccount() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orphaned++
}

func (r *recordingRecorder) SetCacheRecords(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cacheRecords = n
}

func (r *recordingRecorder) lastOperation() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.operations) == 0 {
		return ""
	}
	return r.operations[len(r.operations)-1]
}

// faultyStore は書き込みトランザクションの開始を失敗させられるキャッシュ。
type faultyStore struct {
	*localstore.BadgerStore
	failWrites atomic.Bool
}

func (s *faultyStore) Begin(ctx context.Context) (localstore.Tx, error) {
	if s.failWrites.Load() {
		return nil, errFake
	}
	return s.BadgerStore.Begin(ctx)
}

type fixture struct {
	ctrl     *Controller
	idp      *fakeProvider
	accounts *fakeAccounts
	cache    *faultyStore
	recorder *recordingRecorder
}

var fixedNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := localstore.OpenBadger(localstore.InMemoryBadgerConfig())
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	cache := &faultyStore{BadgerStore: db}

	f := &fixture{
		idp:      &fakeProvider{},
		accounts: &fakeAccounts{},
		cache:    cache,
		recorder: &recordingRecorder{},
	}
	f.ctrl = NewController(f.idp, f.accounts, cache,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithRecorder(f.recorder),
		WithClock(func() time.Time { return fixedNow }),
		WithAsync(func(fn func()) { fn() }),
	)
	return f
}

// toPending はサインアップを成功させてPendingVerificationにする。
func (f *fixture) toPending(t *testing.T) {
	t.Helper()
	snap := f.ctrl.SignUp(context.Background(), validSignUp())
	if snap.State != model.StatePendingVerification {
		t.Fatalf("State = %q, want %q", snap.State, model.StatePendingVerification)
	}
}

// toAuthenticated はログインを成功させてAuthenticatedにする。
func (f *fixture) toAuthenticated(t *testing.T) {
	t.Helper()
	snap := f.ctrl.Login(context.Background(), validLogin())
	if snap.State != model.StateAuthenticated {
		t.Fatalf("State = %q, want %q (message %q)", snap.State, model.StateAuthenticated, snap.Message)
	}
}

func (f *fixture) cacheCount(t *testing.T) int {
	t.Helper()
	n, err := f.cache.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	return n
}

func validSignUp() validation.SignUpForm {
	return validation.SignUpForm{
		Email:          "jane@example.com",
		Password:       "pw1",
		RepeatPassword: "pw1",
		FirstName:      "Jane",
		LastName:       "Doe",
	}
}

func validLogin() validation.LoginForm {
	return validation.LoginForm{Email: "jane@example.com", Password: "pw1"}
}

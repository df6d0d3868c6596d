// Package session はアカウント作成とセッション整合性のサガ（Session Saga Controller）を提供する。
//
// IdP、バックエンド、ローカルキャッシュは独立して失敗し得るため、共有トランザクションではなく
// 補償処理（IdPアカウントの削除）で整合性を保つ。各操作は補償を含めて最後まで実行され、
// 失敗はすべてユーザー向けのメッセージ1つに変換される。
package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hitoshi/tripcarbon/internal/backend"
	"github.com/hitoshi/tripcarbon/internal/identity"
	"github.com/hitoshi/tripcarbon/internal/localstore"
	"github.com/hitoshi/tripcarbon/internal/model"
	"github.com/hitoshi/tripcarbon/internal/validation"
)

// Option はControllerのオプション。
type Option func(*Controller)

// WithRecorder はメトリクスの記録先を設定する。
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithClock は現在時刻の取得関数を設定する（テスト用）。
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithAsync はバックグラウンド処理の起動方法を設定する（テスト用）。
func WithAsync(async func(func())) Option {
	return func(c *Controller) { c.async = async }
}

// Controller はセッションの状態機械。IdPのセッションは注入されたProviderが保持する。
// 操作は1つずつ直列に実行され、実行中に呼ばれた操作は前の操作の完了を待ってから新しい状態に対して実行される。
type Controller struct {
	idp       identity.Provider
	accounts  backend.AccountService
	cache     localstore.Store
	validator *validation.Validator
	recorder  Recorder
	logger    *slog.Logger
	now       func() time.Time
	async     func(func())

	// opMu はサガ操作を直列化する
	opMu sync.Mutex
	// bg は確認メール送信などのバックグラウンド処理
	bg sync.WaitGroup

	mu              sync.RWMutex
	state           model.SessionState
	user            *model.LocalUser
	pendingEmail    string
	pendingPassword string
	message         string
	secondary       string
	info            string
	busy            bool
	// inflight は実行中と待機中の操作数
	inflight int
	// opSeq は操作ごとに増える。バックグラウンド処理が古い操作の結果を書き込まないために使う
	opSeq uint64

	subMu      sync.Mutex
	subs       map[string]Subscriber
	queue      []model.Snapshot
	delivering bool
}

// NewController はControllerを生成する。初期状態はAnonymous。
// 永続化された状態を反映するにはStartを呼ぶ。
func NewController(idp identity.Provider, accounts backend.AccountService, cache localstore.Store, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		idp:       idp,
		accounts:  accounts,
		cache:     cache,
		validator: validation.New(),
		recorder:  nopRecorder{},
		logger:    logger,
		now:       time.Now,
		async:     func(fn func()) { go fn() },
		state:     model.StateAnonymous,
		subs:      make(map[string]Subscriber),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot は現在のセッション状態のコピーを返す。
func (c *Controller) Snapshot() model.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return model.Snapshot{
		State:            c.state,
		User:             c.user.Clone(),
		PendingEmail:     c.pendingEmail,
		Message:          c.message,
		SecondaryMessage: c.secondary,
		Info:             c.info,
		Busy:             c.busy,
	}
}

// Wait は確認メール送信などのバックグラウンド処理の完了を待つ。
func (c *Controller) Wait() {
	c.bg.Wait()
}

// Start はプロセス起動時にIdPのセッションとキャッシュから状態を復元する。
func (c *Controller) Start(ctx context.Context) model.Snapshot {
	return c.run(ctx, opStart, nil, c.start)
}

// SignUp はIdPアカウントとバックエンドのユーザーを作成し、メール確認待ちに遷移する。
func (c *Controller) SignUp(ctx context.Context, form validation.SignUpForm) model.Snapshot {
	return c.run(ctx, opSignUp, anyOf(model.StateAnonymous, model.StatePendingVerification),
		func(ctx context.Context) string { return c.signUp(ctx, form) })
}

// VerifyEmail はメール確認が完了したかを確認し、完了していればログインを完了する。
func (c *Controller) VerifyEmail(ctx context.Context) model.Snapshot {
	return c.run(ctx, opVerify, anyOf(model.StatePendingVerification), c.verifyEmail)
}

// ResendVerification は確認メールを再送する。
func (c *Controller) ResendVerification(ctx context.Context) model.Snapshot {
	return c.run(ctx, opResendVerification, anyOf(model.StatePendingVerification), c.resendVerification)
}

// Login はメールアドレスとパスワードでログインする。
func (c *Controller) Login(ctx context.Context, form validation.LoginForm) model.Snapshot {
	return c.run(ctx, opLogin, anyOf(model.StateAnonymous, model.StatePendingVerification),
		func(ctx context.Context) string { return c.login(ctx, form) })
}

// FederatedSignIn は外部IdP（Google）でサインインする。新規アカウントの場合はバックエンドにユーザーを作成する。
func (c *Controller) FederatedSignIn(ctx context.Context) model.Snapshot {
	return c.run(ctx, opFederated, anyOf(model.StateAnonymous, model.StatePendingVerification), c.federatedSignIn)
}

// Logout はキャッシュを空にしてAnonymousに遷移する。どの状態からでも実行できる。
func (c *Controller) Logout(ctx context.Context) model.Snapshot {
	return c.run(ctx, opLogout, nil, c.logout)
}

// ResetPassword はパスワードリセットメールを送信する。状態は変化しない。
func (c *Controller) ResetPassword(ctx context.Context, form validation.PasswordResetForm) model.Snapshot {
	return c.run(ctx, opPasswordReset, nil,
		func(ctx context.Context) string { return c.resetPassword(ctx, form) })
}

// RefreshProfile はバックエンドから最新のユーザーを取得してキャッシュを更新する。
func (c *Controller) RefreshProfile(ctx context.Context) model.Snapshot {
	return c.run(ctx, opRefresh, anyOf(model.StateAuthenticated), c.refreshProfile)
}

func anyOf(states ...model.SessionState) []model.SessionState {
	return states
}

// run は操作を直列に実行する。Busyは終了経路に関わらず必ず解除される。
// 購読者への通知はopMuを保持していない間だけ行うため、購読者から操作を呼び出せる。
func (c *Controller) run(ctx context.Context, op string, allowed []model.SessionState, fn func(context.Context) string) (snap model.Snapshot) {
	c.mu.Lock()
	c.inflight++
	c.busy = true
	c.mu.Unlock()
	c.publish()

	c.opMu.Lock()
	defer func() {
		c.mu.Lock()
		c.inflight--
		c.busy = c.inflight > 0
		c.mu.Unlock()
		snap = c.Snapshot()
		c.opMu.Unlock()
		c.publish()
	}()

	c.exec(ctx, op, allowed, fn)
	return snap
}

func (c *Controller) exec(ctx context.Context, op string, allowed []model.SessionState, fn func(context.Context) string) {
	c.mu.Lock()
	c.opSeq++
	c.message, c.secondary, c.info = "", "", ""
	state := c.state
	c.mu.Unlock()

	outcome := outcomeAborted
	defer func() {
		c.recorder.RecordOperation(op, outcome)
	}()

	if allowed != nil && !slices.Contains(allowed, state) {
		c.setError(model.NewInvalidStateError(state))
		outcome = outcomeInvalidState
		return
	}

	c.logger.Debug("session operation started", slog.String("operation", op), slog.String("state", string(state)))
	outcome = fn(ctx)
	c.logger.Info("session operation finished",
		slog.String("operation", op),
		slog.String("outcome", outcome),
		slog.String("state", string(c.Snapshot().State)),
	)
}

// --- 各操作 ---

func (c *Controller) start(ctx context.Context) string {
	if !c.idp.HasSession(ctx) {
		// IdPのセッションが無いのにキャッシュにユーザーが残っていれば消す
		n, err := localstore.DeleteAll(ctx, c.cache)
		if err != nil {
			c.logger.Error("failed to clear cache without identity session", slog.String("error", err.Error()))
			c.transition(model.StateAnonymous, nil)
			return outcomeCache
		}
		if n > 0 {
			c.logger.Info("cleared cached user without identity session", slog.Int("deleted", n))
		}
		c.transition(model.StateAnonymous, nil)
		c.syncCacheGauge(ctx)
		return outcomeSuccess
	}

	n, err := c.cache.Count(ctx)
	if err != nil {
		c.logger.Error("failed to count cached users", slog.String("error", err.Error()))
		c.transition(model.StateAnonymous, nil)
		return outcomeCache
	}

	switch n {
	case 0:
		c.transition(model.StateAnonymous, nil)
		c.syncCacheGauge(ctx)
		return outcomeSuccess
	case 1:
		user, err := c.cache.Current(ctx)
		if err != nil || user == nil {
			c.logger.Error("failed to read cached user", slog.Any("error", err))
			c.transition(model.StateAnonymous, nil)
			return outcomeCache
		}
		c.transition(model.StateAuthenticated, user)
		c.syncCacheGauge(ctx)
		return outcomeSuccess
	}

	// 複数件ある場合はバックエンドの最新値で置換して自己修復する
	c.logger.Warn("cache holds more than one user, repairing", slog.Int("records", n))
	remote, err := c.accounts.FetchCurrentUser(ctx)
	if err == nil {
		user := model.NewLocalUser(remote, c.now())
		if err = localstore.ReplaceUser(ctx, c.cache, user); err == nil {
			c.transition(model.StateAuthenticated, user)
			c.syncCacheGauge(ctx)
			return outcomeSuccess
		}
	}
	c.logger.Error("failed to repair cache, clearing it", slog.String("error", err.Error()))
	if _, err := localstore.DeleteAll(ctx, c.cache); err != nil {
		c.logger.Error("failed to clear cache", slog.String("error", err.Error()))
	}
	c.transition(model.StateAnonymous, nil)
	c.syncCacheGauge(ctx)
	return outcomeBackend
}

func (c *Controller) signUp(ctx context.Context, form validation.SignUpForm) string {
	if appErr := c.validator.SignUp(&form); appErr != nil {
		c.setError(appErr)
		return outcomeValidation
	}

	// 1. IdPアカウントの作成
	providerUserID, err := c.idp.CreateAccount(ctx, form.Email, form.Password)
	if err != nil {
		c.logger.Warn("identity account creation failed",
			slog.String("operation", opSignUp),
			slog.String("step", "create_account"),
			slog.String("provider_user_id", providerUserID),
			slog.String("error", err.Error()),
		)
		if providerUserID != "" {
			// IdP側では作成済み
			c.compensate(ctx, opSignUp, providerUserID, signUpCompensationAttempts)
		}
		c.transition(model.StateAnonymous, nil)
		c.setError(model.NewAccountCreationError())
		return outcomeProvider
	}

	// 2. バックエンドのユーザー作成。失敗したらIdPアカウントを削除する
	remote, err := c.accounts.CreateUser(ctx, backend.NewUser{
		FirstName:      form.FirstName,
		LastName:       form.LastName,
		ProviderUserID: providerUserID,
	})
	if err != nil {
		c.logger.Error("backend user creation failed, compensating",
			slog.String("operation", opSignUp),
			slog.String("step", "create_user"),
			slog.String("provider_user_id", providerUserID),
			slog.String("error", err.Error()),
		)
		c.compensate(ctx, opSignUp, providerUserID, signUpCompensationAttempts)
		c.transition(model.StateAnonymous, nil)
		c.setError(model.NewAccountCreationError())
		return outcomeBackend
	}

	c.logger.Info("account created",
		slog.String("operation", opSignUp),
		slog.String("provider_user_id", providerUserID),
		slog.Int64("user_id", remote.ID),
	)

	// 3. 確認メールは遷移を待たせずに送る
	c.mu.Lock()
	c.pendingEmail = form.Email
	c.pendingPassword = form.Password
	c.mu.Unlock()
	c.transition(model.StatePendingVerification, nil)
	c.sendVerificationInBackground(ctx)
	return outcomeSuccess
}

func (c *Controller) sendVerificationInBackground(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	c.mu.RLock()
	seq := c.opSeq
	c.mu.RUnlock()

	c.bg.Add(1)
	c.async(func() {
		defer c.bg.Done()
		err := c.idp.SendVerificationEmail(ctx)
		if err == nil {
			return
		}
		c.logger.Warn("failed to send verification email",
			slog.String("operation", opSignUp),
			slog.String("step", "send_verification_email"),
			slog.String("error", err.Error()),
		)

		c.mu.Lock()
		if c.opSeq != seq {
			// 後続の操作が始まっている場合、その操作の表示に混ぜない
			c.mu.Unlock()
			c.logger.Debug("dropped stale verification email error", slog.String("operation", opSignUp))
			return
		}
		c.secondary = model.NewVerificationEmailError().Message
		c.mu.Unlock()
		c.publish()
	})
}

func (c *Controller) verifyEmail(ctx context.Context) string {
	verification, err := c.idp.ReloadAndCheckVerified(ctx)
	if err != nil {
		c.logger.Warn("failed to check email verification",
			slog.String("operation", opVerify),
			slog.String("error", err.Error()),
		)
		c.setError(model.NewVerificationFailedError())
		return outcomeProvider
	}
	if verification == identity.Unverified {
		c.setError(model.NewNotVerifiedError())
		return outcomeUnverified
	}

	return c.completeLogin(ctx, opVerify, model.StatePendingVerification)
}

func (c *Controller) resendVerification(ctx context.Context) string {
	if err := c.idp.SendVerificationEmail(ctx); err != nil {
		c.logger.Warn("failed to resend verification email",
			slog.String("operation", opResendVerification),
			slog.String("error", err.Error()),
		)
		c.setError(model.NewVerificationEmailError())
		return outcomeProvider
	}
	c.setInfo(model.InfoVerificationEmailSent)
	return outcomeSuccess
}

func (c *Controller) login(ctx context.Context, form validation.LoginForm) string {
	if appErr := c.validator.Login(&form); appErr != nil {
		c.setError(appErr)
		return outcomeValidation
	}

	verification, err := c.idp.Authenticate(ctx, form.Email, form.Password)
	if err != nil {
		c.logger.Warn("authentication failed",
			slog.String("operation", opLogin),
			slog.String("error", err.Error()),
		)
		c.clearPending()
		c.transition(model.StateAnonymous, nil)
		c.setError(model.NewAuthenticationError())
		return outcomeProvider
	}

	if verification == identity.Unverified {
		c.mu.Lock()
		c.pendingEmail = form.Email
		c.pendingPassword = form.Password
		c.mu.Unlock()
		c.transition(model.StatePendingVerification, nil)
		return outcomeUnverified
	}

	return c.completeLogin(ctx, opLogin, model.StateAnonymous)
}

func (c *Controller) federatedSignIn(ctx context.Context) string {
	result, err := c.idp.AuthenticateFederated(ctx)
	if errors.Is(err, identity.ErrFederatedUnavailable) {
		c.setError(model.NewFederatedUnavailableError())
		return outcomeProvider
	}
	if err != nil {
		c.logger.Warn("federated sign-in failed",
			slog.String("operation", opFederated),
			slog.String("error", err.Error()),
		)
		c.clearPending()
		c.transition(model.StateAnonymous, nil)
		c.setError(model.NewFederatedSignInError())
		return outcomeProvider
	}

	if result.IsNewAccount {
		first, last := validation.SplitFullName(c.validator.SanitizeName(result.FullName))
		_, err := c.accounts.CreateUser(ctx, backend.NewUser{
			FirstName:      first,
			LastName:       last,
			ProviderUserID: result.ProviderUserID,
		})
		if err != nil {
			c.logger.Error("backend user creation failed, compensating",
				slog.String("operation", opFederated),
				slog.String("step", "create_user"),
				slog.String("provider_user_id", result.ProviderUserID),
				slog.String("error", err.Error()),
			)
			c.compensate(ctx, opFederated, result.ProviderUserID, federatedCompensationAttempts)
			c.clearPending()
			c.transition(model.StateAnonymous, nil)
			c.setError(model.NewFederatedSignInError())
			return outcomeBackend
		}
	}

	return c.completeLogin(ctx, opFederated, model.StateAnonymous)
}

// completeLogin はバックエンドから現在のユーザーを取得し、置換ルールでキャッシュしてAuthenticatedに遷移する。
// 失敗した場合はfailStateに留まる。
func (c *Controller) completeLogin(ctx context.Context, op string, failState model.SessionState) string {
	remote, err := c.accounts.FetchCurrentUser(ctx)
	if err != nil {
		c.logger.Error("failed to fetch current user",
			slog.String("operation", op),
			slog.String("step", "fetch_current_user"),
			slog.String("error", err.Error()),
		)
		c.transition(failState, nil)
		c.setError(model.NewLoginError(model.CategoryBackend))
		return outcomeBackend
	}

	user := model.NewLocalUser(remote, c.now())
	if err := localstore.ReplaceUser(ctx, c.cache, user); err != nil {
		c.logger.Error("failed to cache current user",
			slog.String("operation", op),
			slog.String("step", "replace_cached_user"),
			slog.Int64("user_id", remote.ID),
			slog.String("error", err.Error()),
		)
		c.transition(failState, nil)
		c.setError(model.NewLoginError(model.CategoryCache))
		return outcomeCache
	}

	c.clearPending()
	c.transition(model.StateAuthenticated, user)
	c.syncCacheGauge(ctx)
	c.logger.Info("signed in",
		slog.String("operation", op),
		slog.Int64("user_id", remote.ID),
		slog.String("provider_user_id", remote.ProviderUserID),
	)
	return outcomeSuccess
}

func (c *Controller) logout(ctx context.Context) string {
	n, err := localstore.DeleteAll(ctx, c.cache)
	if err != nil {
		c.logger.Error("failed to clear cache on logout",
			slog.String("operation", opLogout),
			slog.String("error", err.Error()),
		)
		c.setError(model.NewLogoutError())
		return outcomeCache
	}
	if n > 1 {
		c.logger.Warn("removed duplicated cached users on logout", slog.Int("deleted", n))
	}

	if err := c.idp.SignOut(ctx); err != nil {
		c.logger.Warn("failed to sign out of identity provider",
			slog.String("operation", opLogout),
			slog.String("error", err.Error()),
		)
	}

	c.clearPending()
	c.transition(model.StateAnonymous, nil)
	c.syncCacheGauge(ctx)
	return outcomeSuccess
}

func (c *Controller) resetPassword(ctx context.Context, form validation.PasswordResetForm) string {
	if appErr := c.validator.PasswordReset(&form); appErr != nil {
		c.setError(appErr)
		return outcomeValidation
	}

	if err := c.idp.SendPasswordReset(ctx, form.Email); err != nil {
		c.logger.Warn("failed to send password reset email",
			slog.String("operation", opPasswordReset),
			slog.String("error", err.Error()),
		)
		c.setError(model.NewPasswordResetError())
		return outcomeProvider
	}
	c.setInfo(model.InfoPasswordResetSent)
	return outcomeSuccess
}

func (c *Controller) refreshProfile(ctx context.Context) string {
	remote, err := c.accounts.FetchCurrentUser(ctx)
	if err != nil {
		attrs := []any{
			slog.String("operation", opRefresh),
			slog.String("error", err.Error()),
		}
		if errors.Is(err, backend.ErrUnauthenticated) {
			c.logger.Warn("backend rejected identity token on profile refresh", attrs...)
		} else {
			c.logger.Error("failed to fetch profile", attrs...)
		}
		c.setError(model.NewProfileRefreshError(model.CategoryBackend))
		return outcomeBackend
	}

	user, mode, err := localstore.RefreshUser(ctx, c.cache, remote, c.now())
	if err != nil {
		c.logger.Error("failed to update cached profile",
			slog.String("operation", opRefresh),
			slog.String("error", err.Error()),
		)
		c.setError(model.NewProfileRefreshError(model.CategoryCache))
		return outcomeCache
	}
	if mode == localstore.RefreshedByReplace {
		c.logger.Warn("cache was not a single record, replaced on refresh", slog.Int64("user_id", remote.ID))
	}

	c.transition(model.StateAuthenticated, user)
	c.syncCacheGauge(ctx)
	return outcomeSuccess
}

// --- 状態の更新 ---

func (c *Controller) transition(state model.SessionState, user *model.LocalUser) {
	c.mu.Lock()
	c.state = state
	c.user = user.Clone()
	c.mu.Unlock()
}

func (c *Controller) clearPending() {
	c.mu.Lock()
	c.pendingEmail = ""
	c.pendingPassword = ""
	c.mu.Unlock()
}

func (c *Controller) setError(appErr *model.AppError) {
	c.mu.Lock()
	c.message = appErr.Message
	c.mu.Unlock()
}

func (c *Controller) setInfo(info string) {
	c.mu.Lock()
	c.info = info
	c.mu.Unlock()
}

func (c *Controller) syncCacheGauge(ctx context.Context) {
	n, err := c.cache.Count(ctx)
	if err != nil {
		return
	}
	c.recorder.SetCacheRecords(n)
}

// Package identity は外部IdP（Identity Provider）との連携を提供する。
//
// IdPのセッションはプロセス全体のシングルトンではなく、Providerを実装する
// 構造体が保持し、セッションサガに明示的な依存として注入される。
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Verification はメールアドレス確認状態の判定結果を表す。
// 「未確認」はエラーではなく正常系の結果として返す。
type Verification int

const (
	// Unverified はメールアドレスが未確認であることを表す。
	Unverified Verification = iota
	// Verified はメールアドレスが確認済みであることを表す。
	Verified
)

// String はVerificationの文字列表現を返す。
func (v Verification) String() string {
	if v == Verified {
		return "verified"
	}
	return "unverified"
}

// FederatedResult は外部IdP連携サインインの結果を表す。
type FederatedResult struct {
	IsNewAccount   bool
	FullName       string
	ProviderUserID string
}

// Provider はセッションサガが利用するIdPの機能セット。
// すべての操作は失敗し得るが、エラーの分類は前提としない。
type Provider interface {
	// CreateAccount はメールアドレスとパスワードでアカウントを作成し、IdPのユーザーIDを返す。
	// エラーと共に空でないIDを返した場合、アカウントはIdPに作成済みである。
	CreateAccount(ctx context.Context, email, password string) (string, error)
	// Authenticate はメールアドレスとパスワードで認証し、メール確認状態を返す。
	Authenticate(ctx context.Context, email, password string) (Verification, error)
	// AuthenticateFederated は外部IdP（Google）でサインインする。
	AuthenticateFederated(ctx context.Context) (*FederatedResult, error)
	// SendVerificationEmail は現在のユーザーに確認メールを送信する。
	SendVerificationEmail(ctx context.Context) error
	// ReloadAndCheckVerified はセッションを再読み込みしてから確認状態を読む。
	ReloadAndCheckVerified(ctx context.Context) (Verification, error)
	// SendPasswordReset はパスワードリセットメールを送信する。
	SendPasswordReset(ctx context.Context, email string) error
	// DeleteCurrentAccount は現在のユーザーのアカウントをIdPから削除する。
	DeleteCurrentAccount(ctx context.Context) error
	// IDToken はバックエンド呼び出し用の認証トークンを発行する。
	IDToken(ctx context.Context) (string, error)
	// HasSession はIdPのセッションが存在するかを返す。
	HasSession(ctx context.Context) bool
	// SignOut はローカルに保持しているIdPのセッションを破棄する。
	SignOut(ctx context.Context) error
}

// Credentials はIdPのセッション情報を表す。
type Credentials struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	IDToken      string    `json:"id_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// CredentialStore はIdPセッション情報の永続化インターフェース。
// プロセス起動時に「IdPのセッションが存在するか」を判定するために使う。
type CredentialStore interface {
	// LoadCredentials は保存済みのセッションを返す。存在しない場合はnilを返す。
	LoadCredentials(ctx context.Context) (*Credentials, error)
	// SaveCredentials はセッションを保存する。
	SaveCredentials(ctx context.Context, creds *Credentials) error
	// ClearCredentials は保存済みのセッションを削除する。
	ClearCredentials(ctx context.Context) error
}

var (
	// ErrNoSession はIdPのセッションが存在しない場合のエラー。
	ErrNoSession = errors.New("identity: no active session")
	// ErrFederatedUnavailable は外部IdP連携が設定されていない場合のエラー。
	ErrFederatedUnavailable = errors.New("identity: federated sign-in is not configured")
)

// APIError はIdPのREST APIが返したエラーを表す。
type APIError struct {
	StatusCode int
	Code       string // 例: EMAIL_EXISTS, INVALID_PASSWORD
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("identity provider returned status %d: %s", e.StatusCode, e.Code)
}

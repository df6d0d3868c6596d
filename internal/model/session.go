package model

// SessionState はセッションサガの状態を表す。
type SessionState string

const (
	// StateAnonymous はログインしていない状態。初期状態でありログアウト後の状態。
	StateAnonymous SessionState = "anonymous"
	// StatePendingVerification はIdPアカウントは存在するがメール未確認の状態。
	// キャッシュにはユーザーが存在しない。
	StatePendingVerification SessionState = "pending_verification"
	// StateAuthenticated はバックエンド確認済みのユーザーがキャッシュに存在する状態。
	StateAuthenticated SessionState = "authenticated"
)

// Snapshot はUIなど他の機能に公開するセッションの観測値。
type Snapshot struct {
	State            SessionState
	User             *LocalUser
	PendingEmail     string // 確認待ちのメールアドレス
	Message          string // 直近のエラーメッセージ
	SecondaryMessage string // 遷移を妨げない副次的なエラー
	Info             string // 成功時の案内メッセージ
	Busy             bool
}

// LoggedIn はキャッシュにユーザーが存在するかを返す。
func (s Snapshot) LoggedIn() bool {
	return s.User != nil
}

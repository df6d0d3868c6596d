package session

// 操作名（メトリクスとログのラベル）
const (
	opStart              = "start"
	opSignUp             = "signup"
	opVerify             = "verify"
	opResendVerification = "resend_verification"
	opLogin              = "login"
	opFederated          = "federated"
	opLogout             = "logout"
	opPasswordReset      = "password_reset"
	opRefresh            = "refresh"
)

// 操作結果（メトリクスのラベル）
const (
	outcomeSuccess      = "success"
	outcomeValidation   = "validation_error"
	outcomeInvalidState = "invalid_state"
	outcomeProvider     = "provider_error"
	outcomeUnverified   = "unverified"
	outcomeBackend      = "backend_error"
	outcomeCache        = "cache_error"
	outcomeAborted      = "aborted"
)

// Recorder はサガの結果を記録する。metrics.Collectorが実装する。
type Recorder interface {
	RecordOperation(operation, outcome string)
	RecordCompensation(operation string, succeeded bool)
	RecordOrphanedAccount()
	SetCacheRecords(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordOperation(string, string) {}
func (nopRecorder) RecordCompensation(string, bool) {}
func (nopRecorder) RecordOrphanedAccount() {}
func (nopRecorder) SetCacheRecords(int) {}

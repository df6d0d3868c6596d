// Package model はドメインモデルを定義する。
package model

import "fmt"

// AppError はユーザーに表示するエラーの統一フォーマットを表す。
// どの外部システムで失敗したかはCategoryに留め、UIにはMessageのみを見せる。
type AppError struct {
	Code     string // エラーコード
	Message  string // ユーザー向けメッセージ
	Category string // カテゴリ: validation, provider, backend, cache, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *AppError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// エラーカテゴリ
const (
	CategoryValidation = "validation"
	CategoryProvider   = "provider"
	CategoryBackend    = "backend"
	CategoryCache      = "cache"
	CategorySystem     = "system"
)

// 定義済みエラーコード
const (
	ErrCodeMissingFields        = "MISSING_FIELDS"
	ErrCodePasswordMismatch     = "PASSWORD_MISMATCH"
	ErrCodeInvalidEmail         = "INVALID_EMAIL"
	ErrCodeMissingEmail         = "MISSING_EMAIL"
	ErrCodeAccountCreation      = "ACCOUNT_CREATION_FAILED"
	ErrCodeVerificationEmail    = "VERIFICATION_EMAIL_FAILED"
	ErrCodeNotVerified          = "EMAIL_NOT_VERIFIED"
	ErrCodeVerificationFailed   = "VERIFICATION_FAILED"
	ErrCodeAuthentication       = "AUTHENTICATION_FAILED"
	ErrCodeFederatedSignIn      = "FEDERATED_SIGN_IN_FAILED"
	ErrCodeLogin                = "LOGIN_FAILED"
	ErrCodeLogout               = "LOGOUT_FAILED"
	ErrCodePasswordReset        = "PASSWORD_RESET_FAILED"
	ErrCodeProfileRefresh       = "PROFILE_REFRESH_FAILED"
	ErrCodeInvalidState         = "INVALID_STATE"
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeFederatedUnavailable = "FEDERATED_UNAVAILABLE"
)

// 案内メッセージ
const (
	InfoVerificationEmailSent = "Verification email sent"
	InfoPasswordResetSent     = "Password reset email sent"
)

// NewMissingFieldsError は必須入力が空の場合のエラーを生成する。
func NewMissingFieldsError() *AppError {
	return &AppError{
		Code:     ErrCodeMissingFields,
		Message:  "Please fill in all fields",
		Category: CategoryValidation,
		Action:   "Fill in every field and try again.",
	}
}

// NewPasswordMismatchError はパスワードと確認用パスワードが一致しない場合のエラーを生成する。
func NewPasswordMismatchError() *AppError {
	return &AppError{
		Code:     ErrCodePasswordMismatch,
		Message:  "Passwords do not match",
		Category: CategoryValidation,
		Action:   "Type the same password in both fields.",
	}
}

// NewInvalidEmailError はメールアドレスの形式が不正な場合のエラーを生成する。
func NewInvalidEmailError() *AppError {
	return &AppError{
		Code:     ErrCodeInvalidEmail,
		Message:  "Please enter a valid email address",
		Category: CategoryValidation,
		Action:   "Check the email address for typos.",
	}
}

// NewMissingEmailError はパスワードリセット時にメールアドレスが空の場合のエラーを生成する。
func NewMissingEmailError() *AppError {
	return &AppError{
		Code:     ErrCodeMissingEmail,
		Message:  "Please enter your email",
		Category: CategoryValidation,
		Action:   "Enter the email address of your account.",
	}
}

// NewAccountCreationError はアカウント作成に失敗した場合のエラーを生成する。
func NewAccountCreationError() *AppError {
	return &AppError{
		Code:     ErrCodeAccountCreation,
		Message:  "Error creating account",
		Category: CategoryProvider,
		Action:   "Please try again later.",
	}
}

// NewVerificationEmailError は確認メールの送信に失敗した場合のエラーを生成する。
func NewVerificationEmailError() *AppError {
	return &AppError{
		Code:     ErrCodeVerificationEmail,
		Message:  "Error sending verification email",
		Category: CategoryProvider,
		Action:   "Use resend to request another verification email.",
	}
}

// NewNotVerifiedError はメールアドレスが未確認の場合のエラーを生成する。
func NewNotVerifiedError() *AppError {
	return &AppError{
		Code:     ErrCodeNotVerified,
		Message:  "Email not verified yet",
		Category: CategoryProvider,
		Action:   "Open the link in the verification email, then try again.",
	}
}

// NewVerificationFailedError はメール確認状態の取得に失敗した場合のエラーを生成する。
func NewVerificationFailedError() *AppError {
	return &AppError{
		Code:     ErrCodeVerificationFailed,
		Message:  "Error verifying email",
		Category: CategoryProvider,
		Action:   "Please try again later.",
	}
}

// NewAuthenticationError はIdPでの認証に失敗した場合のエラーを生成する。
func NewAuthenticationError() *AppError {
	return &AppError{
		Code:     ErrCodeAuthentication,
		Message:  "Authentication error",
		Category: CategoryProvider,
		Action:   "Check your email and password.",
	}
}

// NewFederatedSignInError は外部IdP連携サインインに失敗した場合のエラーを生成する。
func NewFederatedSignInError() *AppError {
	return &AppError{
		Code:     ErrCodeFederatedSignIn,
		Message:  "Error signing in with Google",
		Category: CategoryProvider,
		Action:   "Please try again later.",
	}
}

// NewFederatedUnavailableError は外部IdP連携が設定されていない場合のエラーを生成する。
func NewFederatedUnavailableError() *AppError {
	return &AppError{
		Code:     ErrCodeFederatedUnavailable,
		Message:  "Google sign-in is not configured",
		Category: CategorySystem,
		Action:   "Set GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET.",
	}
}

// NewLoginError はバックエンドまたはキャッシュの失敗でログインできなかった場合のエラーを生成する。
func NewLoginError(category string) *AppError {
	return &AppError{
		Code:     ErrCodeLogin,
		Message:  "Error logging in",
		Category: category,
		Action:   "Please try again later.",
	}
}

// NewLogoutError はキャッシュのクリアに失敗した場合のエラーを生成する。
func NewLogoutError() *AppError {
	return &AppError{
		Code:     ErrCodeLogout,
		Message:  "Error logging out",
		Category: CategoryCache,
		Action:   "Please try again.",
	}
}

// NewPasswordResetError はパスワードリセットメールの送信に失敗した場合のエラーを生成する。
func NewPasswordResetError() *AppError {
	return &AppError{
		Code:     ErrCodePasswordReset,
		Message:  "Error sending password reset email",
		Category: CategoryProvider,
		Action:   "Check the email address and try again.",
	}
}

// NewProfileRefreshError はプロフィール再取得に失敗した場合のエラーを生成する。
func NewProfileRefreshError(category string) *AppError {
	return &AppError{
		Code:     ErrCodeProfileRefresh,
		Message:  "Error refreshing profile",
		Category: category,
		Action:   "Please try again later.",
	}
}

// NewInvalidStateError は現在の状態では実行できない操作が要求された場合のエラーを生成する。
func NewInvalidStateError(state SessionState) *AppError {
	return &AppError{
		Code:     ErrCodeInvalidState,
		Message:  fmt.Sprintf("This action is not available while %s", state),
		Category: CategoryValidation,
		Action:   "Reload the session state and try again.",
	}
}

// NewInvalidRequestError はリクエストボディが不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *AppError {
	return &AppError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("Invalid request: %s", reason),
		Category: CategoryValidation,
		Action:   "Send a well-formed JSON body.",
	}
}

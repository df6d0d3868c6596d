// Package validation はサインアップ・ログインなどの入力検証を提供する。
// 検証は外部呼び出しの前に行い、失敗はユーザー向けのAppErrorとして返す。
package validation

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/tripcarbon/internal/model"
)

// SignUpForm はサインアップの入力。
type SignUpForm struct {
	Email          string `json:"email" validate:"required,email"`
	Password       string `json:"password" validate:"required"`
	RepeatPassword string `json:"repeat_password" validate:"required,eqfield=Password"`
	FirstName      string `json:"first_name" validate:"required"`
	LastName       string `json:"last_name" validate:"required"`
}

// LoginForm はメールアドレスとパスワードによるログインの入力。
type LoginForm struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// PasswordResetForm はパスワードリセットの入力。
type PasswordResetForm struct {
	Email string `json:"email" validate:"required"`
}

// Validator はフォームの検証と正規化を行う。並行利用可能。
type Validator struct {
	validate *validator.Validate
	names    *NameSanitizer
}

// New はValidatorを生成する。
func New() *Validator {
	return &Validator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		names:    NewNameSanitizer(),
	}
}

// SignUp はサインアップ入力を正規化して検証する。
// 判定順は「未入力」「パスワード不一致」「メール形式」の順。
func (v *Validator) SignUp(form *SignUpForm) *model.AppError {
	form.Email = strings.TrimSpace(form.Email)
	form.FirstName = v.names.Sanitize(form.FirstName)
	form.LastName = v.names.Sanitize(form.LastName)

	failed := v.failedTags(form)
	switch {
	case failed["required"]:
		return model.NewMissingFieldsError()
	case failed["eqfield"]:
		return model.NewPasswordMismatchError()
	case failed["email"]:
		return model.NewInvalidEmailError()
	}
	return nil
}

// Login はログイン入力を正規化して検証する。
func (v *Validator) Login(form *LoginForm) *model.AppError {
	form.Email = strings.TrimSpace(form.Email)

	if len(v.failedTags(form)) > 0 {
		return model.NewMissingFieldsError()
	}
	return nil
}

// PasswordReset はパスワードリセット入力を正規化して検証する。
func (v *Validator) PasswordReset(form *PasswordResetForm) *model.AppError {
	form.Email = strings.TrimSpace(form.Email)

	if len(v.failedTags(form)) > 0 {
		return model.NewMissingEmailError()
	}
	return nil
}

// SanitizeName は外部IdPから受け取った氏名などを正規化する。
func (v *Validator) SanitizeName(name string) string {
	return v.names.Sanitize(name)
}

// failedTags は検証に失敗したタグの集合を返す。
func (v *Validator) failedTags(form any) map[string]bool {
	failed := make(map[string]bool)

	err := v.validate.Struct(form)
	if err == nil {
		return failed
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		// 構造体以外が渡された場合など。未入力として扱う
		failed["required"] = true
		return failed
	}
	for _, fe := range verrs {
		failed[fe.Tag()] = true
	}
	return failed
}

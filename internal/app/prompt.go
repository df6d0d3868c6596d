package app

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"

	"github.com/hitoshi/tripcarbon/internal/validation"
)

// PendingAction はメール確認待ちの間にユーザーが選ぶ操作。
type PendingAction string

const (
	// ActionCheck は確認状態を再チェックする。
	ActionCheck PendingAction = "check"
	// ActionResend は確認メールを再送する。
	ActionResend PendingAction = "resend"
	// ActionQuit は確認を待たずに終了する。
	ActionQuit PendingAction = "quit"
)

// ErrPromptAborted はユーザーが入力を中断した場合のエラー。
var ErrPromptAborted = errors.New("prompt aborted")

// Prompter はフォームの未入力項目を対話的に補完する。
// 入力済みの値は初期値として表示される。
type Prompter interface {
	SignUp(form *validation.SignUpForm) error
	Login(form *validation.LoginForm) error
	PasswordReset(form *validation.PasswordResetForm) error
	PendingAction(email string) (PendingAction, error)
}

type huhPrompter struct{}

// NewHuhPrompter は端末上でhuhのフォームを表示するPrompterを返す。
func NewHuhPrompter() Prompter {
	return huhPrompter{}
}

func (huhPrompter) SignUp(form *validation.SignUpForm) error {
	return runForm(huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Email").Value(&form.Email),
		huh.NewInput().Title("Password").EchoMode(huh.EchoModePassword).Value(&form.Password),
		huh.NewInput().Title("Repeat password").EchoMode(huh.EchoModePassword).Value(&form.RepeatPassword),
		huh.NewInput().Title("First name").Value(&form.FirstName),
		huh.NewInput().Title("Last name").Value(&form.LastName),
	)))
}

func (huhPrompter) Login(form *validation.LoginForm) error {
	return runForm(huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Email").Value(&form.Email),
		huh.NewInput().Title("Password").EchoMode(huh.EchoModePassword).Value(&form.Password),
	)))
}

func (huhPrompter) PasswordReset(form *validation.PasswordResetForm) error {
	return runForm(huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Email").Value(&form.Email),
	)))
}

func (huhPrompter) PendingAction(email string) (PendingAction, error) {
	action := ActionCheck
	err := runForm(huh.NewForm(huh.NewGroup(
		huh.NewSelect[PendingAction]().
			Title(fmt.Sprintf("A verification email was sent to %s", email)).
			Options(
				huh.NewOption("I clicked the link, check again", ActionCheck),
				huh.NewOption("Resend the verification email", ActionResend),
				huh.NewOption("Quit", ActionQuit),
			).
			Value(&action),
	)))
	if err != nil {
		return ActionQuit, err
	}
	return action, nil
}

func runForm(form *huh.Form) error {
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return ErrPromptAborted
		}
		return fmt.Errorf("prompt failed: %w", err)
	}
	return nil
}

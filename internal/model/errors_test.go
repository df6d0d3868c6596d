package model

import (
	"errors"
	"testing"
)

func TestAppError_ImplementsError(t *testing.T) {
	var err error = NewAuthenticationError()

	var appErr *AppError
	if !errors.As(err, &appErr) {
		t.Fatal("errors.As should find *AppError")
	}
	if got := err.Error(); got != "[AUTHENTICATION_FAILED] Authentication error" {
		t.Errorf("Error() = %q", got)
	}
}

func TestErrorCatalogue(t *testing.T) {
	tests := []struct {
		err      *AppError
		code     string
		message  string
		category string
	}{
		{NewMissingFieldsError(), ErrCodeMissingFields, "Please fill in all fields", CategoryValidation},
		{NewPasswordMismatchError(), ErrCodePasswordMismatch, "Passwords do not match", CategoryValidation},
		{NewMissingEmailError(), ErrCodeMissingEmail, "Please enter your email", CategoryValidation},
		{NewAccountCreationError(), ErrCodeAccountCreation, "Error creating account", ""},
		{NewNotVerifiedError(), ErrCodeNotVerified, "Email not verified yet", ""},
		{NewVerificationFailedError(), ErrCodeVerificationFailed, "Error verifying email", ""},
		{NewFederatedSignInError(), ErrCodeFederatedSignIn, "Error signing in with Google", ""},
		{NewLoginError(CategoryBackend), ErrCodeLogin, "Error logging in", CategoryBackend},
		{NewLoginError(CategoryCache), ErrCodeLogin, "Error logging in", CategoryCache},
		{NewLogoutError(), ErrCodeLogout, "Error logging out", ""},
		{NewPasswordResetError(), ErrCodePasswordReset, "Error sending password reset email", ""},
		{NewProfileRefreshError(CategoryBackend), ErrCodeProfileRefresh, "Error refreshing profile", CategoryBackend},
		{NewInvalidStateError(StateAnonymous), ErrCodeInvalidState, "This action is not available while anonymous", CategoryValidation},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
			if tt.err.Message != tt.message {
				t.Errorf("Message = %q, want %q", tt.err.Message, tt.message)
			}
			if tt.category != "" && tt.err.Category != tt.category {
				t.Errorf("Category = %q, want %q", tt.err.Category, tt.category)
			}
			if tt.err.Action == "" {
				t.Error("Action should not be empty")
			}
		})
	}
}

func TestSnapshot_LoggedIn(t *testing.T) {
	if (Snapshot{State: StateAnonymous}).LoggedIn() {
		t.Error("LoggedIn() = true without a user")
	}
	if !(Snapshot{State: StateAuthenticated, User: &LocalUser{}}).LoggedIn() {
		t.Error("LoggedIn() = false with a user")
	}
}

// Package handler はローカルセッションAPIのHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/tripcarbon/internal/middleware"
	"github.com/hitoshi/tripcarbon/internal/model"
	"github.com/hitoshi/tripcarbon/internal/validation"
)

// maxRequestBodyBytes はリクエストボディの上限。
const maxRequestBodyBytes = 64 << 10

// SessionService はセッションハンドラーが必要とするサガ操作。session.Controllerが実装する。
type SessionService interface {
	Snapshot() model.Snapshot
	SignUp(ctx context.Context, form validation.SignUpForm) model.Snapshot
	VerifyEmail(ctx context.Context) model.Snapshot
	ResendVerification(ctx context.Context) model.Snapshot
	Login(ctx context.Context, form validation.LoginForm) model.Snapshot
	FederatedSignIn(ctx context.Context) model.Snapshot
	Logout(ctx context.Context) model.Snapshot
	ResetPassword(ctx context.Context, form validation.PasswordResetForm) model.Snapshot
	RefreshProfile(ctx context.Context) model.Snapshot
}

// SessionHandler はセッション操作のHTTPハンドラー。
// サガの失敗はレスポンスのmessageとして返し、HTTPステータスは200のまま。
type SessionHandler struct {
	service SessionService
	logger  *slog.Logger
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(service SessionService, logger *slog.Logger) *SessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHandler{service: service, logger: logger}
}

// userResponse はキャッシュされたユーザーのJSON表現。
type userResponse struct {
	ID             *int64  `json:"id"`
	FirstName      string  `json:"first_name"`
	LastName       string  `json:"last_name"`
	ProviderUserID string  `json:"provider_user_id"`
	BirthDate      *string `json:"birth_date"`
	Gender         string  `json:"gender"`
	Address        string  `json:"address"`
	City           string  `json:"city"`
	ZipCode        string  `json:"zip_code"`
	Country        string  `json:"country"`
	Score          float64 `json:"score"`
	WeeklyScore    float64 `json:"weekly_score"`
	UpdatedAt      string  `json:"updated_at"`
}

// SessionResponse はセッション状態のJSON表現。
type SessionResponse struct {
	State            model.SessionState `json:"state"`
	LoggedIn         bool               `json:"logged_in"`
	Busy             bool               `json:"busy"`
	PendingEmail     string             `json:"pending_email,omitempty"`
	Message          string             `json:"message,omitempty"`
	SecondaryMessage string             `json:"secondary_message,omitempty"`
	Info             string             `json:"info,omitempty"`
	User             *userResponse      `json:"user"`
}

// NewSessionResponse はSnapshotからレスポンスを生成する。
func NewSessionResponse(snap model.Snapshot) SessionResponse {
	resp := SessionResponse{
		State:            snap.State,
		LoggedIn:         snap.LoggedIn(),
		Busy:             snap.Busy,
		PendingEmail:     snap.PendingEmail,
		Message:          snap.Message,
		SecondaryMessage: snap.SecondaryMessage,
		Info:             snap.Info,
	}
	if u := snap.User; u != nil {
		resp.User = &userResponse{
			ID:             u.ID,
			FirstName:      u.FirstName,
			LastName:       u.LastName,
			ProviderUserID: u.ProviderUserID,
			Gender:         u.Gender,
			Address:        u.Address,
			City:           u.City,
			ZipCode:        u.ZipCode,
			Country:        u.Country,
			Score:          u.Score,
			WeeklyScore:    u.WeeklyScore,
			UpdatedAt:      u.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if u.BirthDate != nil {
			s := u.BirthDate.Format(time.DateOnly)
			resp.User.BirthDate = &s
		}
	}
	return resp
}

type signUpRequest struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	RepeatPassword string `json:"repeat_password"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type passwordResetRequest struct {
	Email string `json:"email"`
}

// Get は現在のセッション状態を返す。
// GET /api/session
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeSession(w, h.service.Snapshot())
}

// SignUp はアカウントを作成する。
// POST /api/session/signup
func (h *SessionHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if !h.decode(w, r, &req) {
		return
	}
	writeSession(w, h.service.SignUp(r.Context(), validation.SignUpForm{
		Email:          req.Email,
		Password:       req.Password,
		RepeatPassword: req.RepeatPassword,
		FirstName:      req.FirstName,
		LastName:       req.LastName,
	}))
}

// Login はメールアドレスとパスワードでログインする。
// POST /api/session/login
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	writeSession(w, h.service.Login(r.Context(), validation.LoginForm{
		Email:    req.Email,
		Password: req.Password,
	}))
}

// Verify はメール確認状態を確認する。
// POST /api/session/verify
func (h *SessionHandler) Verify(w http.ResponseWriter, r *http.Request) {
	writeSession(w, h.service.VerifyEmail(r.Context()))
}

// ResendVerification は確認メールを再送する。
// POST /api/session/verify/resend
func (h *SessionHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	writeSession(w, h.service.ResendVerification(r.Context()))
}

// Federated はGoogleでサインインする。ブラウザでの同意が終わるまで応答しない。
// POST /api/session/federated
func (h *SessionHandler) Federated(w http.ResponseWriter, r *http.Request) {
	writeSession(w, h.service.FederatedSignIn(r.Context()))
}

// Logout はログアウトする。
// POST /api/session/logout
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	writeSession(w, h.service.Logout(r.Context()))
}

// PasswordReset はパスワードリセットメールを送信する。
// POST /api/session/password-reset
func (h *SessionHandler) PasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequest
	if !h.decode(w, r, &req) {
		return
	}
	writeSession(w, h.service.ResetPassword(r.Context(), validation.PasswordResetForm{Email: req.Email}))
}

// Refresh はプロフィールを再取得する。
// POST /api/session/refresh
func (h *SessionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	writeSession(w, h.service.RefreshProfile(r.Context()))
}

// decode はJSONボディを読み込む。失敗した場合は400を書き込んでfalseを返す。
func (h *SessionHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		reason := "malformed JSON"
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			reason = "empty body"
		case errors.As(err, &maxErr):
			reason = "body too large"
		}
		h.logger.Warn("invalid session request",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(reason))
		return false
	}
	return true
}

func writeSession(w http.ResponseWriter, snap model.Snapshot) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(NewSessionResponse(snap))
}

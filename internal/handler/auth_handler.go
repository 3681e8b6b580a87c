package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/makeemnow/internal/gate"
	"github.com/hitoshi/makeemnow/internal/metrics"
	"github.com/hitoshi/makeemnow/internal/middleware"
	"github.com/hitoshi/makeemnow/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	// Login はサインインして管理者かどうかを判定する。
	Login(ctx context.Context, email, password string) (*gate.Decision, error)
	// Check は既存セッションを更新して管理者かどうかを再判定する。
	Check(ctx context.Context, sessionID string) *gate.Decision
	// Logout はセッションを破棄する。
	Logout(ctx context.Context, sessionID string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL       string
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler は管理者ログイン関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
	metrics metrics.MetricsCollector
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig, collector metrics.MetricsCollector) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
		metrics: collector,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// sessionUser はレスポンスに含めるログインユーザー情報。
type sessionUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// authStateResponse はログイン判定のレスポンス。
type authStateResponse struct {
	State           gate.State   `json:"state"`
	Message         string       `json:"message"`
	RedirectTo      string       `json:"redirect_to,omitempty"`
	RedirectAfterMS int64        `json:"redirect_after_ms,omitempty"`
	User            *sessionUser `json:"user,omitempty"`
	ExpiresAt       *time.Time   `json:"expires_at,omitempty"`
}

// Login はメールアドレスとパスワードで管理者ログインする。
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("Failed to parse the request body."))
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		h.recordLogin(metrics.LoginInvalid)
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewInvalidCredentialsError())
		return
	}

	d, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.recordLogin(metrics.LoginError)
		handleServiceError(w, err)
		return
	}

	switch d.State {
	case gate.StateAuthenticatedAdmin:
		h.recordLogin(metrics.LoginAdmin)
		h.setSessionCookie(w, d.Session.ID)
		writeJSON(w, http.StatusOK, toAuthStateResponse(d))
	case gate.StateUnauthenticated:
		h.recordLogin(metrics.LoginInvalid)
		h.clearSessionCookie(w)
		apiErr := model.NewInvalidCredentialsError()
		if d.Message != "" {
			apiErr.Message = d.Message
		}
		writeAPIErrorResponse(w, http.StatusUnauthorized, apiErr)
	default:
		h.recordLogin(metrics.LoginDenied)
		h.clearSessionCookie(w)
		writeAPIErrorResponse(w, http.StatusForbidden, model.NewAdminDeniedError(d.Message))
	}
}

// Logout はセッションを破棄してエントリー画面にリダイレクトする。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err == nil && cookie.Value != "" {
		if logoutErr := h.service.Logout(r.Context(), cookie.Value); logoutErr != nil {
			slog.Error("failed to logout", slog.String("error", logoutErr.Error()))
			// ログアウト失敗してもCookieはクリアする
		}
	}

	h.clearSessionCookie(w)
	http.Redirect(w, r, h.config.BaseURL, http.StatusSeeOther)
}

// Session は現在のセッションを更新して有効性を返す。
// GET /api/auth/session
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err != nil || cookie.Value == "" {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	d := h.service.Check(r.Context(), cookie.Value)
	switch d.State {
	case gate.StateAuthenticatedAdmin:
		writeJSON(w, http.StatusOK, toAuthStateResponse(d))
	case gate.StateUnauthenticated:
		h.clearSessionCookie(w)
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewSessionExpiredError())
	default:
		h.clearSessionCookie(w)
		writeAPIErrorResponse(w, http.StatusForbidden, model.NewAdminDeniedError(d.Message))
	}
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) recordLogin(result string) {
	if h.metrics != nil {
		h.metrics.RecordLogin(result)
	}
}

func toAuthStateResponse(d *gate.Decision) authStateResponse {
	resp := authStateResponse{
		State:           d.State,
		Message:         d.Message,
		RedirectTo:      d.RedirectTo,
		RedirectAfterMS: d.RedirectAfter.Milliseconds(),
	}
	if d.Session != nil {
		resp.User = &sessionUser{ID: d.Session.UserID, Email: d.Session.Email}
		expiresAt := d.Session.ExpiresAt
		resp.ExpiresAt = &expiresAt
	}
	return resp
}

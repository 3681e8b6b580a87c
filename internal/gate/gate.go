// Package gate は管理者ログインの可否判定を提供する。
// 認証に成功しても、プロフィール行のadminフラグが立っていなければ即座にサインアウトする。
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/makeemnow/internal/model"
)

// State はログイン判定の状態。
type State string

const (
	StateChecking           State = "checking"
	StateAuthenticatedAdmin State = "authenticated_admin"
	StateDenied             State = "denied"
	StateUnauthenticated    State = "unauthenticated"
)

const (
	// DashboardPath は管理者ログイン成功後の遷移先。
	DashboardPath = "/dashboard"

	MessageWelcome  = "Welcome back, you have successfully logged in!"
	MessageNotAdmin = "Access denied. You do not have admin privileges."

	fetchErrorPrefix = "Error fetching user data: "
)

// errProfileNotFound はログインしたアカウントにプロフィール行がない場合のエラー。
var errProfileNotFound = errors.New("user profile not found")

// Sessions はゲートが使うセッション操作のインターフェース。
type Sessions interface {
	SignIn(ctx context.Context, email, password string) (*model.Session, error)
	Validate(ctx context.Context, id string) (*model.Session, error)
	SignOut(ctx context.Context, id string) error
}

// ProfileFinder はメールアドレスでプロフィールを引くインターフェース。
type ProfileFinder interface {
	FindByEmail(ctx context.Context, email string) (*model.Profile, error)
}

// Decision はログイン判定の結果。
type Decision struct {
	State         State
	Session       *model.Session
	Profile       *model.Profile
	Message       string
	RedirectTo    string
	RedirectAfter time.Duration
	// Err は拒否理由。StateAuthenticatedAdminの場合はnil。
	Err error
}

// Allowed は管理者として認証されたかどうかを返す。
func (d *Decision) Allowed() bool {
	return d.State == StateAuthenticatedAdmin
}

// Gate は管理者ゲート。
type Gate struct {
	sessions      Sessions
	profiles      ProfileFinder
	redirectDelay time.Duration
	logger        *slog.Logger
}

// New はGateを生成する。
func New(sessions Sessions, profiles ProfileFinder, redirectDelay time.Duration, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		sessions:      sessions,
		profiles:      profiles,
		redirectDelay: redirectDelay,
		logger:        logger,
	}
}

// Login はサインインしてadminフラグを確認する。
// 認証情報の拒否やadmin権限なしはDecisionで表し、errorは返さない。
// errorを返すのはIdPやストアとの通信自体が失敗した場合のみ。
func (g *Gate) Login(ctx context.Context, email, password string) (*Decision, error) {
	d := &Decision{State: StateChecking}

	s, err := g.sessions.SignIn(ctx, email, password)
	if err != nil {
		if errors.Is(err, model.ErrInvalidCredentials) {
			d.State = StateUnauthenticated
			d.Message = unwrapMessage(err)
			d.Err = err
			g.logger.Info("admin login rejected", slog.String("email", email))
			return d, nil
		}
		return nil, fmt.Errorf("sign in failed: %w", err)
	}
	d.Session = s

	g.authorize(ctx, d, s)
	if d.Allowed() {
		d.Message = MessageWelcome
		d.RedirectTo = DashboardPath
		d.RedirectAfter = g.redirectDelay
	}
	return d, nil
}

// Check は既存セッションを検証し、adminフラグを再確認する。
// セッションが無効な場合はStateUnauthenticatedを返す。
func (g *Gate) Check(ctx context.Context, sessionID string) *Decision {
	d := &Decision{State: StateChecking}

	s, err := g.sessions.Validate(ctx, sessionID)
	if err != nil {
		d.State = StateUnauthenticated
		d.Err = err
		d.Message = "Session expired. Please log in again."
		return d
	}
	d.Session = s

	g.authorize(ctx, d, s)
	if d.Allowed() {
		d.Message = "Session is valid."
	}
	return d
}

// authorize はプロフィールのadminフラグを確認してdを更新する。
// 管理者でない場合やプロフィールが取得できない場合はセッションを破棄する。
func (g *Gate) authorize(ctx context.Context, d *Decision, s *model.Session) {
	profile, err := g.profiles.FindByEmail(ctx, s.Email)
	if err == nil && profile == nil {
		err = errProfileNotFound
	}
	if err != nil {
		g.logger.Error("failed to fetch admin profile",
			slog.String("user_id", s.UserID),
			slog.String("error", err.Error()),
		)
		g.deny(ctx, d, s, fetchErrorPrefix+err.Error(), err)
		return
	}
	d.Profile = profile

	if !profile.Admin {
		g.logger.Warn("non-admin login denied",
			slog.String("user_id", s.UserID),
			slog.String("email", s.Email),
		)
		g.deny(ctx, d, s, MessageNotAdmin, model.ErrAdminDenied)
		return
	}

	d.State = StateAuthenticatedAdmin
}

func (g *Gate) deny(ctx context.Context, d *Decision, s *model.Session, message string, reason error) {
	if err := g.sessions.SignOut(ctx, s.ID); err != nil {
		g.logger.Error("failed to sign out denied session", slog.String("error", err.Error()))
	}
	d.State = StateDenied
	d.Session = nil
	d.Message = message
	d.Err = reason
}

// unwrapMessage はIdPのメッセージ部分を取り出す。
// "invalid credentials: Invalid login credentials" のような形式を想定する。
func unwrapMessage(err error) string {
	if msg, ok := strings.CutPrefix(err.Error(), model.ErrInvalidCredentials.Error()+": "); ok && msg != "" {
		return msg
	}
	return "Invalid login credentials"
}

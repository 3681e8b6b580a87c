// Package session は管理者セッションの発行・更新・破棄と変更通知を提供する。
//
// セッションはadmin_sessionsに永続化し、ristrettoのキャッシュを前段に置く。
// アクセストークンとリフレッシュトークンはサーバー側にのみ保持し、
// クライアントにはセッションIDだけをCookieで渡す。
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/makeemnow/internal/auth"
	"github.com/hitoshi/makeemnow/internal/model"
	"github.com/hitoshi/makeemnow/internal/repository"
)

// Provider はIdPのセッション操作のインターフェース。
type Provider interface {
	SignInWithPassword(ctx context.Context, email, password string) (*auth.Tokens, error)
	RefreshSession(ctx context.Context, refreshToken string) (*auth.Tokens, error)
	SignOut(ctx context.Context, accessToken string) error
}

// EventType はセッション変更イベントの種類。
type EventType string

const (
	EventSignedIn       EventType = "signed_in"
	EventSignedOut      EventType = "signed_out"
	EventTokenRefreshed EventType = "token_refreshed"
)

// Event はセッション変更の通知内容。
type Event struct {
	Type      EventType
	SessionID string
	UserID    string
	Email     string
	At        time.Time
}

// Config はManagerの設定。
type Config struct {
	MaxAge      time.Duration // セッションの最大寿命。0なら無制限
	CacheTTL    time.Duration // キャッシュ保持期間
	MaxSessions int64         // キャッシュに保持するセッション数の上限
}

const (
	defaultCacheTTL    = 5 * time.Minute
	defaultMaxSessions = 10000
)

type listener struct {
	id uint64
	fn func(Event)
}

// Manager は管理者セッションを管理する。
type Manager struct {
	provider Provider
	store    repository.SessionRepository
	cache    *ristretto.Cache[string, *model.Session]
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	refreshGroup singleflight.Group

	mu        sync.Mutex
	listeners []listener
	nextID    uint64
}

// NewManager はManagerを生成する。
func NewManager(provider Provider, store repository.SessionRepository, config Config, logger *slog.Logger) (*Manager, error) {
	if config.CacheTTL <= 0 {
		config.CacheTTL = defaultCacheTTL
	}
	if config.MaxSessions <= 0 {
		config.MaxSessions = defaultMaxSessions
	}
	if logger == nil {
		logger = slog.Default()
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *model.Session]{
		NumCounters: config.MaxSessions * 10,
		MaxCost:     config.MaxSessions,
		BufferItems: 64,
		// コストはセッション数で数える
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}

	return &Manager{
		provider: provider,
		store:    store,
		cache:    cache,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Close はキャッシュを解放する。
func (m *Manager) Close() {
	m.cache.Close()
}

// SignIn はメールアドレスとパスワードでサインインし、セッションを発行する。
// IdPが認証情報を拒否した場合はmodel.ErrInvalidCredentialsを含むエラーを返す。
func (m *Manager) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	tokens, err := m.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}

	id, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := m.now()
	s := &model.Session{
		ID:           id,
		UserID:       tokens.User.ID,
		Email:        tokens.User.Email,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    tokens.Expiry(now),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if s.Email == "" {
		s.Email = email
	}

	if err := m.store.Create(ctx, s); err != nil {
		// IdP側に残ったセッションは破棄しておく
		if serr := m.provider.SignOut(ctx, s.AccessToken); serr != nil {
			m.logger.Warn("failed to revoke provider session", slog.String("error", serr.Error()))
		}
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	m.cacheSet(s)

	m.logger.Info("admin signed in",
		slog.String("user_id", s.UserID),
		slog.String("email", s.Email),
	)
	m.emit(EventSignedIn, s)
	return cloneSession(s), nil
}

// Get は現在のセッションを返す。IdPには問い合わせない。
// セッションがない場合はnil, nilを返す。
func (m *Manager) Get(ctx context.Context, id string) (*model.Session, error) {
	if id == "" {
		return nil, nil
	}
	if s, ok := m.cache.Get(id); ok {
		return cloneSession(s), nil
	}

	s, err := m.store.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if s == nil {
		return nil, nil
	}
	m.cacheSet(s)
	return cloneSession(s), nil
}

// Refresh はリフレッシュトークンでアクセストークンを更新する。
// 同じセッションへの同時呼び出しは1回のIdP呼び出しにまとめる。
// 更新が拒否された場合はmodel.ErrSessionExpiredを含むエラーを返す。
// 呼び出し側はエラー時にSignOutすること。
func (m *Manager) Refresh(ctx context.Context, id string) (*model.Session, error) {
	v, err, _ := m.refreshGroup.Do(id, func() (any, error) {
		return m.refresh(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return cloneSession(v.(*model.Session)), nil
}

func (m *Manager) refresh(ctx context.Context, id string) (*model.Session, error) {
	s, err := m.store.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if s == nil {
		return nil, fmt.Errorf("%w: session not found", model.ErrSessionExpired)
	}

	tokens, err := m.provider.RefreshSession(ctx, s.RefreshToken)
	if err != nil {
		return nil, err
	}

	now := m.now()
	s.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		s.RefreshToken = tokens.RefreshToken
	}
	s.ExpiresAt = tokens.Expiry(now)
	s.UpdatedAt = now

	if err := m.store.Update(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to save refreshed session: %w", err)
	}
	m.cacheSet(s)

	m.logger.Debug("session refreshed", slog.String("user_id", s.UserID))
	m.emit(EventTokenRefreshed, s)
	return s, nil
}

// SignOut はIdP側のセッションを無効化し、ローカルのセッションを破棄する。
// IdPへの通知は失敗しても続行する。存在しないセッションの場合は何もしない。
func (m *Manager) SignOut(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}

	s, err := m.store.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to find session: %w", err)
	}
	if s == nil {
		m.cache.Del(id)
		return nil
	}

	if err := m.provider.SignOut(ctx, s.AccessToken); err != nil {
		m.logger.Warn("failed to sign out from provider",
			slog.String("user_id", s.UserID),
			slog.String("error", err.Error()),
		)
	}

	if err := m.store.DeleteByID(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	m.cache.Del(id)

	m.logger.Info("admin signed out", slog.String("user_id", s.UserID))
	m.emit(EventSignedOut, s)
	return nil
}

// Validate はセッションが有効かどうかを確認する。
// セッションが存在し、かつトークン更新に成功した場合のみ有効とする。
// 更新に失敗した場合は同じ呼び出しの中でサインアウトし、
// model.ErrSessionExpiredを含むエラーを返す。
func (m *Manager) Validate(ctx context.Context, id string) (*model.Session, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: no active session", model.ErrSessionExpired)
	}

	if m.config.MaxAge > 0 && m.now().Sub(s.CreatedAt) >= m.config.MaxAge {
		m.signOutQuietly(ctx, id)
		return nil, fmt.Errorf("%w: session exceeded max age", model.ErrSessionExpired)
	}

	refreshed, err := m.Refresh(ctx, id)
	if err != nil {
		m.signOutQuietly(ctx, id)
		if errors.Is(err, model.ErrSessionExpired) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", model.ErrSessionExpired, err)
	}
	return refreshed, nil
}

// Active はリクエスト処理用にセッションを返す。
// アクセストークンが期限切れの場合のみValidateで更新する。
// セッションがない場合はnil, nilを返す。
func (m *Manager) Active(ctx context.Context, id string) (*model.Session, error) {
	s, err := m.Get(ctx, id)
	if err != nil || s == nil {
		return s, err
	}
	if !s.Expired(m.now()) {
		return s, nil
	}
	return m.Validate(ctx, id)
}

// Subscribe はセッション変更のリスナーを登録し、登録解除関数を返す。
// リスナーは変更を起こした呼び出しの中で同期的に呼ばれる。
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listener{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, l := range m.listeners {
				if l.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// CheckAll は保存されている全セッションをValidateし、有効数と破棄数を返す。
func (m *Manager) CheckAll(ctx context.Context) (valid, revoked int, err error) {
	ids, err := m.store.ListIDs(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return valid, revoked, ctx.Err()
		}
		if _, err := m.Validate(ctx, id); err != nil {
			revoked++
			continue
		}
		valid++
	}
	return valid, revoked, nil
}

// Watch はintervalごとにCheckAllを実行する。ctxがキャンセルされるまでブロックする。
func (m *Manager) Watch(ctx context.Context, interval time.Duration) {
	m.logger.Info("セッション監視を開始", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("セッション監視を停止")
			return
		case <-ticker.C:
			valid, revoked, err := m.CheckAll(ctx)
			if err != nil && ctx.Err() == nil {
				m.logger.Error("セッション確認に失敗", slog.String("error", err.Error()))
				continue
			}
			m.logger.Info("セッション確認完了",
				slog.Int("valid", valid),
				slog.Int("revoked", revoked),
			)
		}
	}
}

func (m *Manager) signOutQuietly(ctx context.Context, id string) {
	if err := m.SignOut(ctx, id); err != nil {
		m.logger.Error("failed to sign out invalid session", slog.String("error", err.Error()))
	}
}

// emit はリスナー一覧をコピーしてからロック外で通知する。
// リスナー内からのSubscribe/解除でデッドロックしない。
func (m *Manager) emit(t EventType, s *model.Session) {
	m.mu.Lock()
	ls := make([]listener, len(m.listeners))
	copy(ls, m.listeners)
	m.mu.Unlock()

	e := Event{Type: t, SessionID: s.ID, UserID: s.UserID, Email: s.Email, At: m.now()}
	for _, l := range ls {
		l.fn(e)
	}
}

func (m *Manager) cacheSet(s *model.Session) {
	m.cache.SetWithTTL(s.ID, cloneSession(s), 1, m.config.CacheTTL)
	m.cache.Wait()
}

func cloneSession(s *model.Session) *model.Session {
	cp := *s
	return &cp
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

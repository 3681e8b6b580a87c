// Package model はドメインモデルを定義する。
package model

import "time"

// AccountUser はIdPが管理するアカウントを表す。
// プロフィール行（Profile）とは別物で、Profile.UUIDがこのIDを参照する。
type AccountUser struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	Role             string     `json:"role,omitempty"`
	Aud              string     `json:"aud,omitempty"`
	EmailConfirmedAt *time.Time `json:"email_confirmed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Session は管理者のログインセッションを表す。
// IDはCookieに載せるサーバー側の識別子で、トークンはクライアントに渡さない。
type Session struct {
	ID           string
	UserID       string
	Email        string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // アクセストークンの有効期限
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Expired はアクセストークンが期限切れかどうかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Credentials は新規アカウント用に生成したメールアドレスとパスワードの組。
// 永続化せず、プロビジョニングが消費するまでの一時的な値。
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

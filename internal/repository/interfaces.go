// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/hitoshi/makeemnow/internal/model"
)

// ErrDuplicateProfile は一意制約に違反するプロフィール行を挿入しようとした場合のエラー。
var ErrDuplicateProfile = errors.New("profile already exists")

// ProfileRepository はusersテーブル（プロフィール行）の永続化インターフェース。
// テーブル自体はBaaS側が所有する。
type ProfileRepository interface {
	// FindByEmail はメールアドレスでプロフィールを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Profile, error)

	// FindByUUID はアカウントIDでプロフィールを取得する。見つからない場合はnilを返す。
	FindByUUID(ctx context.Context, uuid string) (*model.Profile, error)

	// LatestEmail はcreated_atが最も新しい行のメールアドレスを返す。
	// 行が存在しない場合は空文字列を返す。
	LatestEmail(ctx context.Context) (string, error)

	// Count はプロフィール行の総数を返す。
	Count(ctx context.Context) (int, error)

	// Insert はプロフィール行を挿入し、採番されたIDとcreated_atを反映した行を返す。
	Insert(ctx context.Context, profile *model.Profile) (*model.Profile, error)

	// UpdateByUUID はnilでないフィールドのみを更新し、更新後の行を返す。
	// 該当行がない場合はnilを返す。
	UpdateByUUID(ctx context.Context, uuid string, update model.ProfileUpdate) (*model.Profile, error)
}

// SessionRepository は管理者セッション（admin_sessions）の永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
	// アクセストークンの期限切れは更新で回復できるため、ここでは除外しない。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// Update はトークン更新後のセッションを保存する。
	Update(ctx context.Context, session *model.Session) error
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// ListIDs は保存されている全セッションのIDを返す。
	ListIDs(ctx context.Context) ([]string, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

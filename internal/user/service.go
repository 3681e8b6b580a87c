// Package user は作成済みアカウントのプロフィール管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hitoshi/makeemnow/internal/model"
	"github.com/hitoshi/makeemnow/internal/provision"
	"github.com/hitoshi/makeemnow/internal/repository"
	"github.com/hitoshi/makeemnow/internal/security"
)

// ProfileStore はプロフィールの参照と更新のインターフェース。
type ProfileStore interface {
	Count(ctx context.Context) (int, error)
	UpdateByUUID(ctx context.Context, uuid string, update model.ProfileUpdate) (*model.Profile, error)
}

var _ ProfileStore = (repository.ProfileRepository)(nil)

// Service はアカウント管理のサービス層。
// ユーザー数の集計とプロフィールの部分更新を提供する。
type Service struct {
	profiles  ProfileStore
	sanitizer security.TextSanitizer
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(profiles ProfileStore, sanitizer security.TextSanitizer) *Service {
	return &Service{
		profiles:  profiles,
		sanitizer: sanitizer,
	}
}

// CountUsers はプロフィール行の総数を返す。
func (s *Service) CountUsers(ctx context.Context) (int, error) {
	n, err := s.profiles.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("ユーザー数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// UpdateAccount はアカウントIDで指定したプロフィールを部分更新する。
// uuid・email・admin・photoは更新対象にしない。
func (s *Service) UpdateAccount(ctx context.Context, accountID string, update model.ProfileUpdate) (*model.Profile, error) {
	if _, err := uuid.Parse(accountID); err != nil {
		return nil, model.NewInvalidRequestError("Invalid account id.")
	}
	if update.Empty() {
		return nil, model.NewValidationError("No fields to update.")
	}
	if err := validateUpdate(update); err != nil {
		return nil, err
	}

	s.sanitizeUpdate(&update)

	slog.Info("プロフィールを更新します",
		slog.String("uuid", accountID),
	)

	profile, err := s.profiles.UpdateByUUID(ctx, accountID, update)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの更新に失敗しました: %w", err)
	}
	if profile == nil {
		return nil, model.NewUserNotFoundError()
	}

	slog.Info("プロフィールを更新しました",
		slog.String("uuid", accountID),
		slog.Int64("id", profile.ID),
	)

	return profile, nil
}

// validateUpdate は数値項目を作成時と同じ範囲で検証する。
func validateUpdate(u model.ProfileUpdate) error {
	if u.Age != nil && (*u.Age < 1 || *u.Age > 120) {
		return model.NewValidationError(provision.MsgAgeInvalid)
	}
	if u.Month != nil && (*u.Month < 1 || *u.Month > 12) {
		return model.NewValidationError(provision.MsgMonthInvalid)
	}
	if u.Day != nil && (*u.Day < 1 || *u.Day > 31) {
		return model.NewValidationError(provision.MsgDayInvalid)
	}
	return nil
}

func (s *Service) sanitizeUpdate(u *model.ProfileUpdate) {
	clean := func(p *string) *string {
		if p == nil {
			return nil
		}
		v := *p
		if s.sanitizer != nil {
			v = s.sanitizer.SanitizeText(v)
		}
		return &v
	}
	u.FirstName = clean(u.FirstName)
	u.MiddleName = clean(u.MiddleName)
	u.LastName = clean(u.LastName)
	u.Address = clean(u.Address)
	if u.PIN != nil {
		pin := provision.NormalizePIN(*u.PIN)
		u.PIN = &pin
	}
}

// Package createuser はサービスロール権限でアカウントとプロフィール行を作成する。
//
// IdPのアカウント作成とプロフィール行の挿入は別々の処理で、
// 挿入だけが失敗した場合もアカウントは残る（補償処理は行わない）。
// 呼び出し側はUserとErrorの両方が設定されたレスポンスで部分成功を判別する。
package createuser

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/makeemnow/internal/auth"
	"github.com/hitoshi/makeemnow/internal/metrics"
	"github.com/hitoshi/makeemnow/internal/model"
	"github.com/hitoshi/makeemnow/internal/provision"
	"github.com/hitoshi/makeemnow/internal/security"
)

// MsgMisconfigured はサービスキーが未設定の場合のエラーメッセージ。
const MsgMisconfigured = "Server misconfigured"

// ErrMisconfigured はサービスキーが未設定で特権操作ができない場合のエラー。
var ErrMisconfigured = errors.New("server misconfigured")

// AccountCreator はIdPにアカウントを作成する。auth.GoTrueClientが実装する。
type AccountCreator interface {
	AdminCreateUser(ctx context.Context, params auth.AdminUserParams) (*model.AccountUser, error)
}

// ProfileInserter はプロフィール行を挿入する。repository.ProfileRepositoryが実装する。
type ProfileInserter interface {
	Insert(ctx context.Context, profile *model.Profile) (*model.Profile, error)
}

// Deps はServiceの依存関係。
type Deps struct {
	Accounts  AccountCreator
	Profiles  ProfileInserter
	Sanitizer security.TextSanitizer
	Metrics   metrics.MetricsCollector
	Logger    *slog.Logger

	// ServiceKeyConfigured はサービスロールキーが設定されているかどうか。
	ServiceKeyConfigured bool
}

// Service は特権ユーザー作成のサービス層。
type Service struct {
	accounts   AccountCreator
	profiles   ProfileInserter
	sanitizer  security.TextSanitizer
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	configured bool
	now        func() time.Time
}

// NewService はServiceを生成する。
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		accounts:   deps.Accounts,
		profiles:   deps.Profiles,
		sanitizer:  deps.Sanitizer,
		metrics:    deps.Metrics,
		logger:     logger,
		configured: deps.ServiceKeyConfigured,
		now:        time.Now,
	}
}

// Configured は特権操作に必要な設定が揃っているかを返す。
func (s *Service) Configured() bool {
	return s.configured && s.accounts != nil && s.profiles != nil
}

// CreateUser はメール確認済みのアカウントを作成し、そのIDをuuidとしてプロフィール行を挿入する。
//
// 返すエラーはErrMisconfiguredのみで、それ以外の失敗はレスポンスに載せる。
//   - アカウント作成の失敗: Userなし、Errorあり
//   - プロフィール挿入の失敗: UserとErrorの両方、InsertResultなし
//   - 成功: UserとInsertResult
func (s *Service) CreateUser(ctx context.Context, req model.CreateUserRequest) (*model.CreateUserResponse, error) {
	if !s.Configured() {
		return nil, ErrMisconfigured
	}

	start := s.now()
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordCreateUserLatency(s.now().Sub(start))
		}
	}()

	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		return failure("email and password are required"), nil
	}

	user, err := s.accounts.AdminCreateUser(ctx, auth.AdminUserParams{
		Email:        email,
		Password:     req.Password,
		EmailConfirm: true,
	})
	if err != nil {
		if errors.Is(err, auth.ErrServiceKeyMissing) {
			return nil, ErrMisconfigured
		}
		s.logger.Warn("account creation failed",
			slog.String("email", email),
			slog.String("error", err.Error()),
		)
		return failure(providerMessage(err)), nil
	}
	if s.metrics != nil {
		s.metrics.RecordAccountCreated()
	}

	// プロフィールが渡されない場合はアカウントだけ作成する
	if req.Profile == nil {
		s.logger.Info("account created without profile",
			slog.String("user_id", user.ID),
			slog.String("email", email),
		)
		return &model.CreateUserResponse{User: user}, nil
	}

	profile := s.buildProfile(req.Profile, user, email)

	inserted, err := s.profiles.Insert(ctx, profile)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordProfileInsertFailure()
		}
		// アカウントは作成済みのまま残る
		s.logger.Error("profile insert failed after account creation",
			slog.String("user_id", user.ID),
			slog.String("email", email),
			slog.String("error", err.Error()),
		)
		return &model.CreateUserResponse{
			User:  user,
			Error: &model.ResponseError{Message: err.Error()},
		}, nil
	}

	s.logger.Info("account and profile created",
		slog.String("user_id", user.ID),
		slog.String("email", email),
		slog.Int64("profile_id", inserted.ID),
	)

	return &model.CreateUserResponse{
		User: user,
		InsertResult: &model.InsertResult{
			Data:   inserted,
			Status: 201,
		},
	}, nil
}

// buildProfile は挿入するプロフィール行を組み立てる。
// uuidは作成したアカウントのIDで上書きし、クライアントからの値は使わない。
// 管理者フラグは常にfalseで作成する。
func (s *Service) buildProfile(in *model.Profile, user *model.AccountUser, email string) *model.Profile {
	p := *in
	p.ID = 0
	p.CreatedAt = time.Time{}
	p.UUID = user.ID
	p.Admin = false
	if strings.TrimSpace(p.Email) == "" {
		p.Email = email
	}
	p.PIN = provision.NormalizePIN(p.PIN)
	if p.Photo != nil && strings.TrimSpace(*p.Photo) == "" {
		p.Photo = nil
	}
	if s.sanitizer != nil {
		s.sanitizer.SanitizeProfile(&p)
	}
	return &p
}

func failure(message string) *model.CreateUserResponse {
	return &model.CreateUserResponse{Error: &model.ResponseError{Message: message}}
}

// providerMessage はIdPのエラーメッセージを取り出す。
func providerMessage(err error) string {
	var perr *auth.ProviderError
	if errors.As(err, &perr) && perr.Message != "" {
		return perr.Message
	}
	return err.Error()
}

// Local はServiceをprovision.UserCreatorとして使うためのアダプタ。
// 作成関数のURLが設定されていない場合、HTTPを経由せずにプロセス内で呼び出す。
type Local struct {
	svc *Service
}

var _ provision.UserCreator = (*Local)(nil)

// NewLocal はLocalを生成する。
func NewLocal(svc *Service) *Local {
	return &Local{svc: svc}
}

// CreateUser はprovision.UserCreatorを実装する。
// 設定不備はHTTP経由の場合と同じく、ユーザーなしのエラーレスポンスとして返す。
func (l *Local) CreateUser(ctx context.Context, req model.CreateUserRequest) (*model.CreateUserResponse, error) {
	resp, err := l.svc.CreateUser(ctx, req)
	if errors.Is(err, ErrMisconfigured) {
		return failure(MsgMisconfigured), nil
	}
	return resp, err
}

package handler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/hitoshi/makeemnow/internal/gate"
	"github.com/hitoshi/makeemnow/internal/metrics"
	"github.com/hitoshi/makeemnow/internal/model"
	"github.com/hitoshi/makeemnow/internal/provision"
)

// AuthServiceAdapter は gate.Gate とセッション管理を AuthServiceInterface に適合させるアダプタ。
type AuthServiceAdapter struct {
	gate     *gate.Gate
	sessions SessionSignOuter
}

// SessionSignOuter はセッションの破棄インターフェース。session.Managerが実装する。
type SessionSignOuter interface {
	SignOut(ctx context.Context, id string) error
}

var _ AuthServiceInterface = (*AuthServiceAdapter)(nil)

// NewAuthServiceAdapter はAuthServiceAdapterを生成する。
func NewAuthServiceAdapter(g *gate.Gate, sessions SessionSignOuter) *AuthServiceAdapter {
	return &AuthServiceAdapter{gate: g, sessions: sessions}
}

// Login は管理者ログインを判定する。
func (a *AuthServiceAdapter) Login(ctx context.Context, email, password string) (*gate.Decision, error) {
	return a.gate.Login(ctx, email, password)
}

// Check は既存セッションを再判定する。
func (a *AuthServiceAdapter) Check(ctx context.Context, sessionID string) *gate.Decision {
	return a.gate.Check(ctx, sessionID)
}

// Logout はセッションを破棄する。
func (a *AuthServiceAdapter) Logout(ctx context.Context, sessionID string) error {
	return a.sessions.SignOut(ctx, sessionID)
}

// 送信結果のメトリクスラベル。
const (
	outcomeCreated       = "created"
	outcomeInvalid       = "invalid"
	outcomeInProgress    = "in_progress"
	outcomePhotoFailed   = "photo_upload_failed"
	outcomeCreateFailed  = "user_creation_failed"
	outcomeInsertFailed  = "profile_insert_failed"
	outcomeNetworkFailed = "network_failure"
	outcomeError         = "error"
)

// CredentialSource は次の認証情報を生成する。credential.Generatorが実装する。
type CredentialSource interface {
	Next(ctx context.Context) (model.Credentials, error)
}

// ProvisioningDeps はProvisioningServiceの依存関係。
type ProvisioningDeps struct {
	Credentials CredentialSource
	// Photos はアクセストークンで認可されたストレージクライアントを返す。
	Photos func(accessToken string) provision.PhotoStore
	// Creator はアクセストークンで認可されたユーザー作成クライアントを返す。
	Creator func(accessToken string) provision.UserCreator
	Metrics metrics.MetricsCollector
	Logger  *slog.Logger
}

// ProvisioningService はリクエストごとにprovision.Workflowを組み立てて実行する。
// 同じメールアドレスの送信が処理中の場合は後続を拒否する。
type ProvisioningService struct {
	credentials CredentialSource
	photos      func(accessToken string) provision.PhotoStore
	creator     func(accessToken string) provision.UserCreator
	metrics     metrics.MetricsCollector
	logger      *slog.Logger

	inFlight sync.Map // 小文字化したメールアドレス → struct{}
}

var _ ProvisioningServiceInterface = (*ProvisioningService)(nil)

// NewProvisioningService はProvisioningServiceを生成する。
func NewProvisioningService(deps ProvisioningDeps) *ProvisioningService {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ProvisioningService{
		credentials: deps.Credentials,
		photos:      deps.Photos,
		creator:     deps.Creator,
		metrics:     deps.Metrics,
		logger:      logger,
	}
}

// NextCredentials は次のメールアドレスとランダムなパスワードを返す。
func (s *ProvisioningService) NextCredentials(ctx context.Context) (model.Credentials, error) {
	return s.credentials.Next(ctx)
}

// UploadPhoto は写真を送信前にアップロードして公開URLを返す。
func (s *ProvisioningService) UploadPhoto(ctx context.Context, accessToken, userUUID string, photo provision.PhotoFile) (string, error) {
	draft := provision.NewDraft()
	draft.UUID = userUUID
	wf := provision.NewWorkflow(draft, s.photos(accessToken), s.creator(accessToken), s.logger)
	if err := wf.SelectPhoto(photo); err != nil {
		return "", err
	}
	return wf.UploadPhoto(ctx)
}

// Provision は下書きを検証し、写真のアップロードとユーザー作成を行う。
func (s *ProvisioningService) Provision(ctx context.Context, accessToken string, draft provision.Draft, photo *provision.PhotoFile) (*provision.Outcome, error) {
	key := strings.ToLower(strings.TrimSpace(draft.Email))
	if key != "" {
		if _, loaded := s.inFlight.LoadOrStore(key, struct{}{}); loaded {
			s.record(outcomeInProgress)
			return nil, model.ErrSubmitInProgress
		}
		defer s.inFlight.Delete(key)
	}

	wf := provision.NewWorkflow(draft, s.photos(accessToken), s.creator(accessToken), s.logger)
	if photo != nil {
		if err := wf.SelectPhoto(*photo); err != nil {
			return nil, err
		}
	}

	out, err := wf.Submit(ctx)
	s.record(outcomeLabel(err))
	return out, err
}

func (s *ProvisioningService) record(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordProvisioning(outcome)
	}
}

func outcomeLabel(err error) string {
	var verr *model.ValidationError
	switch {
	case err == nil:
		return outcomeCreated
	case errors.As(err, &verr):
		return outcomeInvalid
	case errors.Is(err, model.ErrSubmitInProgress):
		return outcomeInProgress
	case errors.Is(err, model.ErrPhotoUploadFailed):
		return outcomePhotoFailed
	case errors.Is(err, model.ErrUserCreationFailed):
		return outcomeCreateFailed
	case errors.Is(err, model.ErrProfileInsertFailed):
		return outcomeInsertFailed
	case errors.Is(err, model.ErrNetworkFailure):
		return outcomeNetworkFailed
	default:
		return outcomeError
	}
}

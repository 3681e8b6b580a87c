package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/makeemnow/internal/model"
	"github.com/hitoshi/makeemnow/internal/storage"
)

// State はワークフローの状態。
type State string

const (
	StateDraft          State = "draft"
	StateValidated      State = "validated"
	StatePhotoUploading State = "photo_uploading"
	StateSubmitting     State = "submitting"
	StateCreated        State = "created"
	StateFailed         State = "failed"
)

const (
	msgNoUserReturned      = "User creation failed: No user returned from auth function."
	msgProfileInsertFailed = "Server failed to insert profile"
	msgPhotoUploadPrefix   = "Photo upload failed: "
)

var (
	// ErrWorkflowCompleted は作成済みのワークフローを操作しようとした場合のエラー。
	ErrWorkflowCompleted = errors.New("account already created")
	// ErrNoPhotoSelected は写真を選択せずにアップロードしようとした場合のエラー。
	ErrNoPhotoSelected = errors.New("no photo selected")
)

// PhotoFile は選択された写真ファイル。
type PhotoFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

// PhotoStore は写真をアップロードして公開URLを返す。
type PhotoStore interface {
	UploadPublic(ctx context.Context, key, contentType string, body []byte) (string, error)
}

// UserCreator は特権ユーザー作成を呼び出す。
// レスポンスはHTTPステータスに関わらずデコードして返す。
type UserCreator interface {
	CreateUser(ctx context.Context, req model.CreateUserRequest) (*model.CreateUserResponse, error)
}

// Outcome は送信の結果。
type Outcome struct {
	State State
	User  *model.AccountUser
	// Profile は登録されたプロフィール行。登録に失敗した場合は送信した内容。
	Profile *model.Profile
	// Credentials は管理者に一度だけ表示する平文の認証情報。
	Credentials model.Credentials
	// AccountCreated はIdPのアカウントが作成済みかどうか。
	// プロフィール登録だけが失敗した場合もtrueになる。
	AccountCreated bool
	PhotoURL       string
	Message        string
}

// Workflow は1件のアカウント作成フォームに対応する状態機械。
// 送信中の二重送信はErrSubmitInProgressで拒否する。
type Workflow struct {
	photos  PhotoStore
	creator UserCreator
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	state State
	draft Draft
	photo *PhotoFile
	busy  bool
}

// NewWorkflow はWorkflowを生成する。
func NewWorkflow(draft Draft, photos PhotoStore, creator UserCreator, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		photos:  photos,
		creator: creator,
		logger:  logger,
		now:     time.Now,
		state:   StateDraft,
		draft:   draft,
	}
}

// State は現在の状態を返す。
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Draft は現在の下書きを返す。
func (w *Workflow) Draft() Draft {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.draft
}

// Edit は下書きを変更し、状態をStateDraftに戻す。
func (w *Workflow) Edit(fn func(d *Draft)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkIdleLocked(); err != nil {
		return err
	}
	fn(&w.draft)
	w.state = StateDraft
	return nil
}

// Validate は下書きを検証する。成功するとStateValidatedになる。
func (w *Workflow) Validate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkIdleLocked(); err != nil {
		return err
	}
	if verr := GetValidationError(w.draft); verr != nil {
		w.state = StateDraft
		return verr
	}
	w.state = StateValidated
	return nil
}

// SelectPhoto は写真ファイルを選択する。
// 既にアップロード済みのURLは破棄し、送信時に改めてアップロードする。
func (w *Workflow) SelectPhoto(f PhotoFile) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkIdleLocked(); err != nil {
		return err
	}
	w.photo = &f
	w.draft.Photo = ""
	w.state = StateDraft
	return nil
}

// ClearPhoto は選択中の写真とアップロード済みURLを破棄する。
func (w *Workflow) ClearPhoto() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkIdleLocked(); err != nil {
		return err
	}
	w.photo = nil
	w.draft.Photo = ""
	w.state = StateDraft
	return nil
}

// UploadPhoto は選択中の写真を送信前にアップロードし、公開URLを下書きに設定する。
func (w *Workflow) UploadPhoto(ctx context.Context) (string, error) {
	w.mu.Lock()
	if err := w.checkIdleLocked(); err != nil {
		w.mu.Unlock()
		return "", err
	}
	if w.photo == nil {
		w.mu.Unlock()
		return "", ErrNoPhotoSelected
	}
	prev := w.state
	w.busy = true
	w.state = StatePhotoUploading
	uuid, photo := w.draft.UUID, *w.photo
	w.mu.Unlock()

	url, err := w.uploadPhoto(ctx, uuid, photo)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.busy = false
	if err != nil {
		w.state = StateFailed
		return "", err
	}
	w.draft.Photo = url
	w.state = prev
	return url, nil
}

// Submit は写真のアップロード（必要な場合）とユーザー作成を順に行う。
// 失敗時はStateFailedのOutcomeとエラーの両方を返す。
// 検証エラーの場合は*model.ValidationErrorを返し、Outcomeはnil。
func (w *Workflow) Submit(ctx context.Context) (*Outcome, error) {
	w.mu.Lock()
	if err := w.checkIdleLocked(); err != nil {
		w.mu.Unlock()
		return nil, err
	}
	if verr := GetValidationError(w.draft); verr != nil {
		w.state = StateDraft
		w.mu.Unlock()
		return nil, verr
	}
	w.busy = true
	w.state = StateValidated
	draft := w.draft
	var photo *PhotoFile
	if w.photo != nil {
		cp := *w.photo
		photo = &cp
	}
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.busy = false
		w.mu.Unlock()
	}()

	creds := model.Credentials{Email: strings.TrimSpace(draft.Email), Password: draft.Password}
	out := &Outcome{Credentials: creds}

	if photo != nil && draft.Photo == "" {
		w.setState(StatePhotoUploading)
		url, err := w.uploadPhoto(ctx, draft.UUID, *photo)
		if err != nil {
			return w.fail(out, msgPhotoUploadPrefix+detail(err, model.ErrPhotoUploadFailed), err)
		}
		draft.Photo = url
		w.mu.Lock()
		w.draft.Photo = url
		w.mu.Unlock()
	}
	out.PhotoURL = draft.Photo

	w.setState(StateSubmitting)
	profile := draft.ToProfile()
	out.Profile = profile

	resp, err := w.creator.CreateUser(ctx, model.CreateUserRequest{
		Email:    creds.Email,
		Password: creds.Password,
		Profile:  profile,
	})
	if err != nil {
		if !errors.Is(err, model.ErrNetworkFailure) && !errors.Is(err, model.ErrUserCreationFailed) {
			err = fmt.Errorf("%w: %v", model.ErrNetworkFailure, err)
		}
		return w.fail(out, err.Error(), err)
	}

	if resp == nil || resp.User == nil {
		cause := msgNoUserReturned
		if resp != nil && resp.Error != nil && resp.Error.Message != "" {
			cause = resp.Error.Message
		}
		return w.fail(out, msgNoUserReturned, fmt.Errorf("%w: %s", model.ErrUserCreationFailed, cause))
	}
	out.User = resp.User
	out.AccountCreated = true

	if insertErr := insertError(resp); insertErr != nil {
		msg := insertErr.Message
		if msg == "" {
			msg = msgProfileInsertFailed
		}
		w.logger.Error("account created but profile insert failed",
			slog.String("user_id", resp.User.ID),
			slog.String("email", creds.Email),
			slog.String("error", msg),
		)
		return w.fail(out, msg, fmt.Errorf("%w: %s", model.ErrProfileInsertFailed, msg))
	}

	if resp.InsertResult != nil && resp.InsertResult.Data != nil {
		out.Profile = resp.InsertResult.Data
	} else {
		out.Profile.UUID = resp.User.ID
	}

	w.mu.Lock()
	w.state = StateCreated
	w.mu.Unlock()

	out.State = StateCreated
	out.Message = "Account created."
	w.logger.Info("account provisioned",
		slog.String("user_id", resp.User.ID),
		slog.String("email", creds.Email),
	)
	return out, nil
}

func (w *Workflow) uploadPhoto(ctx context.Context, uuid string, photo PhotoFile) (string, error) {
	key := storage.PhotoKey(uuid, w.now(), photo.Filename, photo.ContentType)
	url, err := w.photos.UploadPublic(ctx, key, photo.ContentType, photo.Data)
	if err != nil {
		if !errors.Is(err, model.ErrPhotoUploadFailed) {
			err = fmt.Errorf("%w: %v", model.ErrPhotoUploadFailed, err)
		}
		w.logger.Error("photo upload failed", slog.String("key", key), slog.String("error", err.Error()))
		return "", err
	}
	return url, nil
}

func (w *Workflow) fail(out *Outcome, message string, err error) (*Outcome, error) {
	w.mu.Lock()
	w.state = StateFailed
	w.mu.Unlock()

	out.State = StateFailed
	out.Message = message
	return out, err
}

func (w *Workflow) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Workflow) checkIdleLocked() error {
	if w.busy {
		return model.ErrSubmitInProgress
	}
	if w.state == StateCreated {
		return ErrWorkflowCompleted
	}
	return nil
}

// insertError はレスポンスからプロフィール登録のエラーを取り出す。
// 作成関数はinsertResult.errorかトップレベルのerrorのどちらかで返す。
func insertError(resp *model.CreateUserResponse) *model.ResponseError {
	if resp.InsertResult != nil && resp.InsertResult.Error != nil {
		return resp.InsertResult.Error
	}
	return resp.Error
}

// detail はエラーメッセージから番兵エラーの接頭辞を取り除く。
func detail(err, sentinel error) string {
	msg := err.Error()
	if rest, ok := strings.CutPrefix(msg, sentinel.Error()+": "); ok {
		return rest
	}
	return msg
}

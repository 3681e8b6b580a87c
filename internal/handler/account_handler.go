package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/makeemnow/internal/middleware"
	"github.com/hitoshi/makeemnow/internal/model"
	"github.com/hitoshi/makeemnow/internal/provision"
)

// defaultPhotoMaxBytes は写真ファイルサイズ上限のデフォルト値（5MB）。
const defaultPhotoMaxBytes = 5 << 20

const (
	msgPhotoTooLarge   = "The photo is too large."
	msgPhotoUnreadable = "Failed to read the photo."
)

// ProvisioningServiceInterface はアカウント作成ハンドラーが必要とするサービスインターフェース。
type ProvisioningServiceInterface interface {
	NextCredentials(ctx context.Context) (model.Credentials, error)
	UploadPhoto(ctx context.Context, accessToken, userUUID string, photo provision.PhotoFile) (string, error)
	Provision(ctx context.Context, accessToken string, draft provision.Draft, photo *provision.PhotoFile) (*provision.Outcome, error)
}

// AccountServiceInterface は作成済みアカウントの管理に必要なサービスインターフェース。
type AccountServiceInterface interface {
	CountUsers(ctx context.Context) (int, error)
	UpdateAccount(ctx context.Context, uuid string, update model.ProfileUpdate) (*model.Profile, error)
}

// AccountHandler はアカウント作成・管理のHTTPハンドラー。
type AccountHandler struct {
	provisioning  ProvisioningServiceInterface
	accounts      AccountServiceInterface
	photoMaxBytes int64
}

// NewAccountHandler はAccountHandlerを生成する。
func NewAccountHandler(provisioning ProvisioningServiceInterface, accounts AccountServiceInterface, photoMaxBytes int64) *AccountHandler {
	if photoMaxBytes <= 0 {
		photoMaxBytes = defaultPhotoMaxBytes
	}
	return &AccountHandler{
		provisioning:  provisioning,
		accounts:      accounts,
		photoMaxBytes: photoMaxBytes,
	}
}

// createAccountRequest はアカウント作成フォームの内容。
// addressInputがある場合は住所欄の値より優先して住所の各項目に反映する。
type createAccountRequest struct {
	provision.Draft
	AddressInput json.RawMessage `json:"addressInput,omitempty"`
}

// createAccountResponse はアカウント作成のレスポンス。
type createAccountResponse struct {
	State       provision.State    `json:"state"`
	Message     string             `json:"message"`
	Credentials model.Credentials  `json:"credentials"`
	User        *model.AccountUser `json:"user"`
	Profile     *model.Profile     `json:"profile"`
	PhotoURL    string             `json:"photo_url,omitempty"`
}

// provisionErrorResponse はアカウント作成失敗時のレスポンス。
// アカウントだけ作成された場合は、作成されたアカウントと認証情報も返す。
type provisionErrorResponse struct {
	middleware.ErrorResponseBody
	State          provision.State    `json:"state,omitempty"`
	AccountCreated bool               `json:"account_created"`
	User           *model.AccountUser `json:"user,omitempty"`
	Credentials    *model.Credentials `json:"credentials,omitempty"`
}

// updateAccountRequest はプロフィール更新のリクエスト。空の項目は更新しない。
type updateAccountRequest struct {
	FirstName  *string          `json:"firstname"`
	MiddleName *string          `json:"middlename"`
	LastName   *string          `json:"lastname"`
	Address    *string          `json:"address"`
	PIN        *string          `json:"pin"`
	Age        *model.FormValue `json:"age"`
	Month      *model.FormValue `json:"month"`
	Day        *model.FormValue `json:"day"`
}

// Credentials は次のアカウント用の認証情報を生成する。
// POST /api/accounts/credentials
func (h *AccountHandler) Credentials(w http.ResponseWriter, r *http.Request) {
	creds, err := h.provisioning.NextCredentials(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

// UploadPhoto は写真を送信前にアップロードする。
// POST /api/accounts/photo (multipart: photo, uuid)
func (h *AccountHandler) UploadPhoto(w http.ResponseWriter, r *http.Request) {
	s, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	if apiErr := h.parseMultipart(w, r); apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}
	photo, apiErr := h.readPhoto(r)
	if apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}
	if photo == nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("Please select a photo to upload."))
		return
	}

	url, err := h.provisioning.UploadPhoto(r.Context(), s.AccessToken, strings.TrimSpace(r.FormValue("uuid")), *photo)
	if err != nil {
		apiErr, status := toAPIError(err, "Photo upload failed: "+unwrapDetail(err, model.ErrPhotoUploadFailed))
		if apiErr == nil {
			handleServiceError(w, err)
			return
		}
		writeAPIErrorResponse(w, status, apiErr)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// Create はアカウントを作成する。
// POST /api/accounts (JSON、またはmultipart: profile + photo)
func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	s, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	req := createAccountRequest{Draft: provision.NewDraft()}
	var photo *provision.PhotoFile

	if isMultipart(r) {
		if apiErr := h.parseMultipart(w, r); apiErr != nil {
			writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
			return
		}
		if err := json.Unmarshal([]byte(r.FormValue("profile")), &req); err != nil {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("Failed to parse the profile field."))
			return
		}
		var apiErr *model.APIError
		if photo, apiErr = h.readPhoto(r); apiErr != nil {
			writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
			return
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("Failed to parse the request body."))
		return
	}

	if len(req.AddressInput) > 0 {
		in, err := provision.ParseAddressInput(req.AddressInput)
		if err != nil {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("Invalid address input."))
			return
		}
		req.Draft.ApplyAddress(in)
	}

	out, err := h.provisioning.Provision(r.Context(), s.AccessToken, req.Draft, photo)
	if err != nil {
		h.writeProvisionError(w, out, err)
		return
	}

	writeJSON(w, http.StatusCreated, createAccountResponse{
		State:       out.State,
		Message:     out.Message,
		Credentials: out.Credentials,
		User:        out.User,
		Profile:     out.Profile,
		PhotoURL:    out.PhotoURL,
	})
}

// Update は作成済みアカウントのプロフィールを部分更新する。
// PATCH /api/accounts/{uuid}
func (h *AccountHandler) Update(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "uuid")

	var req updateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("Failed to parse the request body."))
		return
	}

	update, err := req.toProfileUpdate()
	if err != nil {
		handleServiceError(w, err)
		return
	}

	profile, err := h.accounts.UpdateAccount(r.Context(), accountID, update)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

// UserCount は登録済みユーザー数を返す。
// GET /api/stats/users
func (h *AccountHandler) UserCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.accounts.CountUsers(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (h *AccountHandler) writeProvisionError(w http.ResponseWriter, out *provision.Outcome, err error) {
	message := ""
	if out != nil {
		message = out.Message
	}
	apiErr, status := toAPIError(err, message)
	if apiErr == nil {
		handleServiceError(w, err)
		return
	}

	body := provisionErrorResponse{
		ErrorResponseBody: middleware.ErrorResponseBody{
			Code:     apiErr.Code,
			Message:  apiErr.Message,
			Category: apiErr.Category,
			Action:   apiErr.Action,
		},
	}
	if out != nil {
		body.State = out.State
		body.AccountCreated = out.AccountCreated
		if out.AccountCreated {
			body.User = out.User
			creds := out.Credentials
			body.Credentials = &creds
		}
	}
	writeJSON(w, status, body)
}

// parseMultipart は写真サイズの上限にフォーム分の余裕を加えてmultipartを解析する。
func (h *AccountHandler) parseMultipart(w http.ResponseWriter, r *http.Request) *model.APIError {
	limit := h.photoMaxBytes + 1<<20
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return model.NewValidationError(msgPhotoTooLarge)
		}
		return model.NewInvalidRequestError("Failed to parse the multipart form.")
	}
	return nil
}

// readPhoto はmultipartのphotoフィールドを読み取る。未選択の場合はnilを返す。
func (h *AccountHandler) readPhoto(r *http.Request) (*provision.PhotoFile, *model.APIError) {
	f, fh, err := r.FormFile("photo")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, model.NewInvalidRequestError(msgPhotoUnreadable)
	}
	defer f.Close()

	if fh.Size > h.photoMaxBytes {
		return nil, model.NewValidationError(msgPhotoTooLarge)
	}
	data, err := io.ReadAll(io.LimitReader(f, h.photoMaxBytes+1))
	if err != nil {
		return nil, model.NewInvalidRequestError(msgPhotoUnreadable)
	}
	if int64(len(data)) > h.photoMaxBytes {
		return nil, model.NewValidationError(msgPhotoTooLarge)
	}

	contentType := fh.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		slog.Warn("rejected non-image upload",
			slog.String("filename", fh.Filename),
			slog.String("content_type", contentType),
		)
		return nil, model.NewValidationError("The photo must be an image.")
	}

	return &provision.PhotoFile{
		Filename:    fh.Filename,
		ContentType: contentType,
		Data:        data,
	}, nil
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

// unwrapDetail はセンチネルエラーの接頭辞を除いた詳細を返す。
func unwrapDetail(err, sentinel error) string {
	if msg, ok := strings.CutPrefix(err.Error(), sentinel.Error()+": "); ok {
		return msg
	}
	return err.Error()
}

// toProfileUpdate は空でない項目だけを更新対象にする。
func (req updateAccountRequest) toProfileUpdate() (model.ProfileUpdate, error) {
	var u model.ProfileUpdate
	text := func(p *string) *string {
		if p == nil || strings.TrimSpace(*p) == "" {
			return nil
		}
		v := strings.TrimSpace(*p)
		return &v
	}
	u.FirstName = text(req.FirstName)
	u.MiddleName = text(req.MiddleName)
	u.LastName = text(req.LastName)
	u.Address = text(req.Address)
	u.PIN = text(req.PIN)

	number := func(v *model.FormValue, field, msg string) (*int, error) {
		if v == nil || v.IsEmpty() {
			return nil, nil
		}
		n, ok := v.Int()
		if !ok {
			return nil, &model.ValidationError{Field: field, Message: msg}
		}
		return &n, nil
	}
	var err error
	if u.Age, err = number(req.Age, "age", provision.MsgAgeInvalid); err != nil {
		return u, err
	}
	if u.Month, err = number(req.Month, "month", provision.MsgMonthInvalid); err != nil {
		return u, err
	}
	if u.Day, err = number(req.Day, "day", provision.MsgDayInvalid); err != nil {
		return u, err
	}
	return u, nil
}

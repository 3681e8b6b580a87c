package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/makeemnow/internal/createuser"
	"github.com/hitoshi/makeemnow/internal/middleware"
	"github.com/hitoshi/makeemnow/internal/model"
)

// CreateUserServiceInterface は特権ユーザー作成ハンドラーが必要とするサービスインターフェース。
type CreateUserServiceInterface interface {
	Configured() bool
	CreateUser(ctx context.Context, req model.CreateUserRequest) (*model.CreateUserResponse, error)
}

// CreateUserHandler はユーザー作成関数のHTTPハンドラー。
// エラー時のボディは {"data": null, "error": "..."} 形式で、呼び出し側のクライアントと互換にしている。
type CreateUserHandler struct {
	service CreateUserServiceInterface
}

// NewCreateUserHandler はCreateUserHandlerを生成する。
func NewCreateUserHandler(service CreateUserServiceInterface) *CreateUserHandler {
	return &CreateUserHandler{service: service}
}

// functionErrorBody はユーザー作成関数のエラーレスポンス。
type functionErrorBody struct {
	Data  any    `json:"data"`
	Error string `json:"error"`
}

// Create はアカウントとプロフィール行を作成する。
// POST /functions/v1/create-user
func (h *CreateUserHandler) Create(w http.ResponseWriter, r *http.Request) {
	if !h.service.Configured() {
		slog.Error("create-user called without service role key")
		writeJSON(w, http.StatusInternalServerError, functionErrorBody{Error: createuser.MsgMisconfigured})
		return
	}

	var req model.CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, functionErrorBody{Error: "Invalid JSON body"})
		return
	}

	callerID, _ := middleware.UserIDFromContext(r.Context())
	slog.Info("create-user requested",
		slog.String("caller_id", callerID),
		slog.String("email", req.Email),
	)

	resp, err := h.service.CreateUser(r.Context(), req)
	if err != nil {
		message := err.Error()
		if errors.Is(err, createuser.ErrMisconfigured) {
			message = createuser.MsgMisconfigured
		}
		writeJSON(w, http.StatusInternalServerError, functionErrorBody{Error: message})
		return
	}

	if resp.User == nil {
		message := "User creation failed"
		if resp.Error != nil && resp.Error.Message != "" {
			message = resp.Error.Message
		}
		writeJSON(w, http.StatusInternalServerError, functionErrorBody{Error: message})
		return
	}

	if resp.Error != nil {
		// アカウントは作成済み。呼び出し側がuserとerrorの両方を受け取れるようにする。
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

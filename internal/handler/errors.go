// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/makeemnow/internal/middleware"
	"github.com/hitoshi/makeemnow/internal/model"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	apiErr, statusCode := toAPIError(err, "")
	if apiErr == nil {
		// ドメインエラー以外は内部サーバーエラーとして扱う
		slog.Error("internal server error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	writeAPIErrorResponse(w, statusCode, apiErr)
}

// toAPIError はドメインエラーをAPIErrorとHTTPステータスに変換する。
// messageが空でなければ表示メッセージとして優先する。
// ドメインエラーでない場合はnilを返す。
func toAPIError(err error, message string) (*model.APIError, int) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr, mapAPIErrorToHTTPStatus(apiErr)
	}

	var verr *model.ValidationError
	if errors.As(err, &verr) {
		return model.NewValidationError(verr.Message), http.StatusBadRequest
	}

	if message == "" {
		message = err.Error()
	}

	switch {
	case errors.Is(err, model.ErrInvalidCredentials):
		return model.NewInvalidCredentialsError(), http.StatusUnauthorized
	case errors.Is(err, model.ErrSessionExpired):
		return model.NewSessionExpiredError(), http.StatusUnauthorized
	case errors.Is(err, model.ErrAdminDenied):
		return model.NewAdminDeniedError(message), http.StatusForbidden
	case errors.Is(err, model.ErrSubmitInProgress):
		return model.NewSubmitInProgressError(), http.StatusConflict
	case errors.Is(err, model.ErrPhotoUploadFailed):
		return model.NewPhotoUploadFailedError(message), http.StatusBadGateway
	case errors.Is(err, model.ErrUserCreationFailed):
		return model.NewUserCreationFailedError(message), http.StatusBadGateway
	case errors.Is(err, model.ErrProfileInsertFailed):
		return model.NewProfileInsertFailedError(message), http.StatusBadGateway
	case errors.Is(err, model.ErrNetworkFailure):
		return model.NewNetworkFailureError(message), http.StatusBadGateway
	default:
		return nil, http.StatusInternalServerError
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidation, model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeInvalidCredentials, model.ErrCodeSessionExpired, model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeAdminDenied:
		return http.StatusForbidden
	case model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeSubmitInProgress:
		return http.StatusConflict
	case model.ErrCodePhotoUploadFailed, model.ErrCodeUserCreationFailed,
		model.ErrCodeProfileInsertFailed, model.ErrCodeNetworkFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

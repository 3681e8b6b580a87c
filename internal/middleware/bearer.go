package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/makeemnow/internal/auth"
	"github.com/hitoshi/makeemnow/internal/model"
)

// TokenVerifier はBearerトークンを検証する。auth.GoTrueClientが実装する。
type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, accessToken string) (*auth.Claims, error)
}

// NewBearerAuthMiddleware はAuthorizationヘッダーのアクセストークンを検証するミドルウェアを返す。
// 検証に成功するとトークンのsubjectをユーザーIDとしてコンテキストに注入する。
// Cookieを使わない作成関数のエンドポイントで使用する。
func NewBearerAuthMiddleware(verifier TokenVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			claims, err := verifier.VerifyAccessToken(r.Context(), token)
			if err != nil {
				slog.Warn("bearer token rejected",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			ctx := ContextWithUserID(r.Context(), claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

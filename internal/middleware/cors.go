package middleware

import (
	"net/http"
	"slices"
	"strconv"
)

// NewCORSMiddleware は指定されたオリジンに対するCORSミドルウェアを返す。
// credentials送信と共存するため、ワイルドカード(*)は使用しない。
// OPTIONSプリフライトリクエストには204で応答する。
func NewCORSMiddleware(allowedOrigin string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-CSRF-Token")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Max-Age", "86400")

			// OPTIONSプリフライトリクエストには204で応答
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AllowListCORSConfig は許可リスト方式のCORS設定。
type AllowListCORSConfig struct {
	AllowedOrigins []string
	AllowedMethods string
	AllowedHeaders string
	MaxAge         int
}

// DefaultFunctionCORSConfig は作成関数エンドポイント用の設定を返す。
func DefaultFunctionCORSConfig(origins []string) AllowListCORSConfig {
	return AllowListCORSConfig{
		AllowedOrigins: origins,
		AllowedMethods: "POST, OPTIONS",
		AllowedHeaders: "Content-Type, Authorization",
		MaxAge:         3600,
	}
}

// NewAllowListCORSMiddleware は許可リストに含まれるOriginをそのまま返し、
// それ以外には"*"を返すCORSミドルウェアを返す。
// Bearerトークンで認可するエンドポイント用で、credentialsは許可しない。
// OPTIONSプリフライトリクエストには204で応答する。
func NewAllowListCORSMiddleware(config AllowListCORSConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allow := "*"
			if origin != "" && slices.Contains(config.AllowedOrigins, origin) {
				allow = origin
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allow)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", config.AllowedMethods)
			h.Set("Access-Control-Allow-Headers", config.AllowedHeaders)
			h.Set("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

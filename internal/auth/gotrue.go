// Package auth はSupabase Auth（GoTrue）のHTTPクライアントを提供する。
// サインイン、トークン更新、サインアウト、特権ユーザー作成、アクセストークン検証を扱う。
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hitoshi/makeemnow/internal/model"
)

const (
	tokenPath      = "/auth/v1/token"
	logoutPath     = "/auth/v1/logout"
	userPath       = "/auth/v1/user"
	adminUsersPath = "/auth/v1/admin/users"

	// defaultTokenTTL はレスポンスとJWTのどちらからも有効期限を得られない場合の値。
	defaultTokenTTL = time.Hour
)

// ErrServiceKeyMissing はサービスロールキー未設定で特権操作を呼んだ場合のエラー。
var ErrServiceKeyMissing = errors.New("service role key is not configured")

// GoTrueConfig はGoTrueクライアントの設定。
type GoTrueConfig struct {
	BaseURL        string // SupabaseプロジェクトURL（/auth/v1は含まない）
	AnonKey        string
	ServiceRoleKey string // 特権ユーザー作成にのみ使用する
	JWTSecret      string // 設定時はアクセストークンをローカルで検証する

	// テスト用にオーバーライド可能なHTTPクライアント
	HTTPClient *http.Client
}

// GoTrueClient はGoTrueのREST APIクライアント。
type GoTrueClient struct {
	config     GoTrueConfig
	httpClient *http.Client
}

// NewGoTrueClient はGoTrueClientを生成する。
func NewGoTrueClient(config GoTrueConfig) *GoTrueClient {
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &GoTrueClient{config: config, httpClient: httpClient}
}

// Tokens はトークンエンドポイントのレスポンス。
type Tokens struct {
	AccessToken  string            `json:"access_token"`
	TokenType    string            `json:"token_type"`
	ExpiresIn    int               `json:"expires_in"`
	ExpiresAt    int64             `json:"expires_at"`
	RefreshToken string            `json:"refresh_token"`
	User         model.AccountUser `json:"user"`
}

// Expiry はアクセストークンの有効期限を返す。
// expires_at、expires_in、JWTのexpの順に参照する。
func (t *Tokens) Expiry(now time.Time) time.Time {
	if t.ExpiresAt > 0 {
		return time.Unix(t.ExpiresAt, 0)
	}
	if t.ExpiresIn > 0 {
		return now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	if exp, ok := TokenExpiry(t.AccessToken); ok {
		return exp
	}
	return now.Add(defaultTokenTTL)
}

// Claims はSupabaseが発行するアクセストークンのクレーム。
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// AdminUserParams は特権ユーザー作成のパラメータ。
type AdminUserParams struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	EmailConfirm bool   `json:"email_confirm"`
}

// ProviderError はGoTrueが返したエラーレスポンス。
type ProviderError struct {
	Status  int
	Code    string
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *ProviderError) Error() string {
	return fmt.Sprintf("auth provider returned status %d: %s", e.Status, e.Message)
}

// errorBody はGoTrueのエラーレスポンスの形式。エンドポイントによってキーが異なる。
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

// SignInWithPassword はメールアドレスとパスワードでサインインする。
// 認証情報が拒否された場合はmodel.ErrInvalidCredentialsをラップして返す。
func (c *GoTrueClient) SignInWithPassword(ctx context.Context, email, password string) (*Tokens, error) {
	var tokens Tokens
	err := c.do(ctx, http.MethodPost, tokenPath+"?grant_type=password", c.config.AnonKey, c.config.AnonKey,
		map[string]string{"email": email, "password": password}, &tokens)
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) && isRejection(perr.Status) {
			return nil, fmt.Errorf("%w: %s", model.ErrInvalidCredentials, perr.Message)
		}
		return nil, fmt.Errorf("sign in failed: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}
	return &tokens, nil
}

// RefreshSession はリフレッシュトークンで新しいトークンを取得する。
// 更新が拒否された場合はmodel.ErrSessionExpiredをラップして返す。
func (c *GoTrueClient) RefreshSession(ctx context.Context, refreshToken string) (*Tokens, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: missing refresh token", model.ErrSessionExpired)
	}
	var tokens Tokens
	err := c.do(ctx, http.MethodPost, tokenPath+"?grant_type=refresh_token", c.config.AnonKey, c.config.AnonKey,
		map[string]string{"refresh_token": refreshToken}, &tokens)
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) && isRejection(perr.Status) {
			return nil, fmt.Errorf("%w: %s", model.ErrSessionExpired, perr.Message)
		}
		return nil, fmt.Errorf("refresh failed: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}
	return &tokens, nil
}

// SignOut はアクセストークンに紐づくセッションをIdP側で無効化する。
// トークンが既に無効な場合は成功として扱う。
func (c *GoTrueClient) SignOut(ctx context.Context, accessToken string) error {
	err := c.do(ctx, http.MethodPost, logoutPath, c.config.AnonKey, accessToken, nil, nil)
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) && (perr.Status == http.StatusUnauthorized || perr.Status == http.StatusNotFound) {
			return nil
		}
		return fmt.Errorf("sign out failed: %w", err)
	}
	return nil
}

// GetUser はアクセストークンの持ち主のアカウントを取得する。
func (c *GoTrueClient) GetUser(ctx context.Context, accessToken string) (*model.AccountUser, error) {
	var user model.AccountUser
	err := c.do(ctx, http.MethodGet, userPath, c.config.AnonKey, accessToken, nil, &user)
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) && (perr.Status == http.StatusUnauthorized || perr.Status == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", model.ErrSessionExpired, perr.Message)
		}
		return nil, fmt.Errorf("get user failed: %w", err)
	}
	if user.ID == "" {
		return nil, fmt.Errorf("empty user id in response")
	}
	return &user, nil
}

// AdminCreateUser はサービスロールキーでアカウントを作成する。
// 失敗時は*ProviderErrorを含むエラーを返す。
func (c *GoTrueClient) AdminCreateUser(ctx context.Context, params AdminUserParams) (*model.AccountUser, error) {
	if c.config.ServiceRoleKey == "" {
		return nil, ErrServiceKeyMissing
	}
	var user model.AccountUser
	err := c.do(ctx, http.MethodPost, adminUsersPath, c.config.ServiceRoleKey, c.config.ServiceRoleKey, params, &user)
	if err != nil {
		return nil, fmt.Errorf("admin create user failed: %w", err)
	}
	if user.ID == "" {
		return nil, fmt.Errorf("empty user id in response")
	}
	return &user, nil
}

// VerifyAccessToken はアクセストークンを検証してクレームを返す。
// JWTシークレットが設定されていればHS256でローカル検証し、
// 未設定の場合はGoTrueの/userエンドポイントに問い合わせる。
func (c *GoTrueClient) VerifyAccessToken(ctx context.Context, accessToken string) (*Claims, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", model.ErrSessionExpired)
	}

	if c.config.JWTSecret != "" {
		claims := &Claims{}
		token, err := jwt.ParseWithClaims(accessToken, claims, func(t *jwt.Token) (any, error) {
			return []byte(c.config.JWTSecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrSessionExpired, err)
		}
		if !token.Valid || claims.Subject == "" {
			return nil, fmt.Errorf("%w: invalid token claims", model.ErrSessionExpired)
		}
		return claims, nil
	}

	user, err := c.GetUser(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	claims := &Claims{Email: user.Email, Role: user.Role}
	claims.Subject = user.ID
	return claims, nil
}

// TokenExpiry は署名を検証せずにJWTのexpを読み取る。
// 有効期限の表示や更新タイミングの判断にのみ使い、認可には使わない。
func TokenExpiry(accessToken string) (time.Time, bool) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// do はGoTrueへのリクエストを送信し、レスポンスをoutにデコードする。
// 2xx以外は*ProviderErrorを返す。
func (c *GoTrueClient) do(ctx context.Context, method, path, apiKey, bearer string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", apiKey)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newProviderError(resp.StatusCode, respBody)
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func newProviderError(status int, body []byte) *ProviderError {
	perr := &ProviderError{Status: status}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		perr.Code = eb.ErrorCode
		if perr.Code == "" {
			perr.Code = eb.Error
		}
		for _, m := range []string{eb.ErrorDescription, eb.Msg, eb.Message, eb.Error} {
			if m != "" {
				perr.Message = m
				break
			}
		}
	}
	if perr.Message == "" {
		perr.Message = strings.TrimSpace(string(body))
	}
	if perr.Message == "" {
		perr.Message = http.StatusText(status)
	}
	return perr
}

// isRejection は認証情報やトークンの拒否を表すステータスかどうかを判定する。
func isRejection(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity:
		return true
	default:
		return false
	}
}

// Package storage はSupabase Storageへのプロフィール写真のアップロードを提供する。
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/makeemnow/internal/model"
)

const (
	objectPath       = "/storage/v1/object/"
	publicObjectPath = "/storage/v1/object/public/"

	// DefaultBucket はプロフィール写真を格納するバケット名。
	DefaultBucket = "user-images"
)

// Config はStorageクライアントの設定。
type Config struct {
	BaseURL string
	APIKey  string
	Bucket  string

	HTTPClient *http.Client
}

// Client はSupabase StorageのRESTクライアント。
// Asで呼び出し元のアクセストークンを束ねた派生クライアントを作る。
type Client struct {
	config     Config
	httpClient *http.Client
	token      string
}

// NewClient はClientを生成する。
func NewClient(config Config) *Client {
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Bucket == "" {
		config.Bucket = DefaultBucket
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{config: config, httpClient: httpClient}
}

// As はアクセストークンで認可される派生クライアントを返す。
func (c *Client) As(accessToken string) *Client {
	cp := *c
	cp.token = accessToken
	return &cp
}

// Bucket はアップロード先バケット名を返す。
func (c *Client) Bucket() string {
	return c.config.Bucket
}

// Upload はオブジェクトを上書き許可でアップロードする。
func (c *Client) Upload(ctx context.Context, key, contentType string, body []byte) error {
	if key == "" {
		return fmt.Errorf("%w: empty object key", model.ErrPhotoUploadFailed)
	}

	endpoint := c.config.BaseURL + objectPath + url.PathEscape(c.config.Bucket) + "/" + escapeKey(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", c.config.APIKey)
	bearer := c.token
	if bearer == "" {
		bearer = c.config.APIKey
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")

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
		return fmt.Errorf("%w: %s", model.ErrPhotoUploadFailed, errorMessage(resp.StatusCode, respBody))
	}
	return nil
}

// PublicURL はオブジェクトの公開URLを返す。
func (c *Client) PublicURL(key string) string {
	return c.config.BaseURL + publicObjectPath + url.PathEscape(c.config.Bucket) + "/" + escapeKey(key)
}

// UploadPublic はアップロード後に公開URLを返す。
func (c *Client) UploadPublic(ctx context.Context, key, contentType string, body []byte) (string, error) {
	if err := c.Upload(ctx, key, contentType, body); err != nil {
		return "", err
	}
	return c.PublicURL(key), nil
}

// PhotoKey はプロフィール写真のオブジェクトキーを生成する。
// 形式は "{uuid}_{unixミリ秒}.{拡張子}"。uuidとして解釈できない値は "user" に置き換え、
// キーがバケットの外を指さないようにする。
// 拡張子はファイル名から取り、なければContent-Typeから推定する。
func PhotoKey(userUUID string, now time.Time, filename, contentType string) string {
	prefix := "user"
	if id, err := uuid.Parse(strings.TrimSpace(userUUID)); err == nil {
		prefix = id.String()
	}
	return fmt.Sprintf("%s_%d.%s", prefix, now.UnixMilli(), photoExtension(filename, contentType))
}

func photoExtension(filename, contentType string) string {
	if ext := strings.TrimPrefix(path.Ext(path.Base(filename)), "."); ext != "" {
		return strings.ToLower(ext)
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
			if sub == "jpeg" {
				return "jpg"
			}
			return sub
		}
	}
	return "bin"
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// errorMessage はStorageのエラーレスポンスからメッセージを取り出す。
func errorMessage(status int, body []byte) string {
	var eb struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &eb); err == nil {
		if eb.Message != "" {
			return eb.Message
		}
		if eb.Error != "" {
			return eb.Error
		}
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return msg
	}
	return http.StatusText(status)
}

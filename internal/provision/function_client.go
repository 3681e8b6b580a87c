package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hitoshi/makeemnow/internal/model"
)

// FunctionClient はユーザー作成関数（POST /functions/v1/create-user）のHTTPクライアント。
type FunctionClient struct {
	endpoint   string
	apiKey     string
	token      string
	httpClient *http.Client
}

// NewFunctionClient はFunctionClientを生成する。
func NewFunctionClient(endpoint, apiKey string, httpClient *http.Client) *FunctionClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &FunctionClient{endpoint: endpoint, apiKey: apiKey, httpClient: httpClient}
}

// As はアクセストークンで認可される派生クライアントを返す。
func (c *FunctionClient) As(accessToken string) *FunctionClient {
	cp := *c
	cp.token = accessToken
	return &cp
}

// CreateUser はユーザー作成関数を呼び出す。
// 関数は部分成功でも500を返すため、ステータスに関わらずボディをデコードする。
// 通信失敗とJSONとして解釈できないレスポンスはmodel.ErrNetworkFailureを返す。
func (c *FunctionClient) CreateUser(ctx context.Context, req model.CreateUserRequest) (*model.CreateUserResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("apikey", c.apiKey)
	}
	bearer := c.token
	if bearer == "" {
		bearer = c.apiKey
	}
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", model.ErrNetworkFailure, err)
	}

	var out model.CreateUserResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("%w: invalid response from create-user (status %d): %v", model.ErrNetworkFailure, resp.StatusCode, err)
	}

	if resp.StatusCode >= 400 && out.User == nil && out.Error == nil {
		out.Error = &model.ResponseError{Message: fmt.Sprintf("create-user returned status %d", resp.StatusCode)}
	}
	return &out, nil
}

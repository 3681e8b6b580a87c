package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newCSRFTestHandler(config CSRFConfig, called *bool) http.Handler {
	return NewCSRFMiddleware(config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	}))
}

func findCSRFCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == csrfCookieName {
			return c
		}
	}
	return nil
}

// assertCSRFRejected は403とJSON形式のCSRF_INVALIDエラーが返ることを検証する。
func assertCSRFRejected(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	resp := w.Result()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	if body.Code != "CSRF_INVALID" {
		t.Errorf("code = %q, want CSRF_INVALID", body.Code)
	}
	if body.Category != "auth" {
		t.Errorf("category = %q, want auth", body.Category)
	}
	if body.Action == "" {
		t.Error("action should tell the admin how to recover")
	}
}

func TestCSRFMiddleware_SafeMethods_PassWithoutToken(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			called := false
			h := newCSRFTestHandler(CSRFConfig{}, &called)

			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(method, "/api/stats/users", nil))

			if !called {
				t.Fatalf("%s should reach the handler without a token", method)
			}
			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
			}
		})
	}
}

func TestCSRFMiddleware_RejectsInvalidToken(t *testing.T) {
	tests := []struct {
		name   string
		method string
		cookie string
		header string
	}{
		{"Cookieなし", http.MethodPost, "", "token"},
		{"空のCookie", http.MethodPost, "", ""},
		{"ヘッダーなし", http.MethodPost, "token", ""},
		{"トークン不一致", http.MethodPost, "token", "other"},
		{"長さ違いの前方一致", http.MethodPost, "token", "token-extra"},
		{"大文字小文字違い", http.MethodPatch, "token", "TOKEN"},
		{"PUT トークンなし", http.MethodPut, "", ""},
		{"DELETE トークンなし", http.MethodDelete, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := newCSRFTestHandler(CSRFConfig{}, &called)

			req := httptest.NewRequest(tt.method, "/api/accounts", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set(csrfHeaderName, tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if called {
				t.Error("handler must not run when the CSRF check fails")
			}
			assertCSRFRejected(t, w)
		})
	}
}

func TestCSRFMiddleware_AcceptsMatchingToken(t *testing.T) {
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			called := false
			h := newCSRFTestHandler(CSRFConfig{}, &called)

			req := httptest.NewRequest(method, "/api/accounts", nil)
			req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "9f2c-token"})
			req.Header.Set(csrfHeaderName, "9f2c-token")
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if !called {
				t.Fatalf("%s with a matching token should reach the handler", method)
			}
			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
			}
		})
	}
}

func TestCSRFMiddleware_GETIssuesCookie(t *testing.T) {
	called := false
	h := newCSRFTestHandler(CSRFConfig{CookieSecure: true, CookieDomain: "admin.example.com"}, &called)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/auth/session", nil))

	c := findCSRFCookie(w.Result())
	if c == nil {
		t.Fatal("expected CSRF cookie on GET")
	}
	if len(c.Value) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(c.Value))
	}
	if c.HttpOnly {
		t.Error("CSRF cookie must be readable by the admin UI")
	}
	if !c.Secure || c.Domain != "admin.example.com" || c.Path != "/" {
		t.Errorf("cookie attrs = secure:%v domain:%q path:%q", c.Secure, c.Domain, c.Path)
	}
	if c.SameSite != http.SameSiteLaxMode {
		t.Errorf("SameSite = %v, want Lax", c.SameSite)
	}
}

func TestCSRFMiddleware_GETKeepsExistingCookie(t *testing.T) {
	called := false
	h := newCSRFTestHandler(CSRFConfig{}, &called)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing-token"})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if findCSRFCookie(w.Result()) != nil {
		t.Error("CSRF cookie should not be re-issued when already present")
	}
}

func TestCSRFTokenHandler(t *testing.T) {
	decodeToken := func(t *testing.T, resp *http.Response) string {
		t.Helper()
		if got := resp.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", got)
		}
		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		return body.Token
	}

	t.Run("新規発行", func(t *testing.T) {
		w := httptest.NewRecorder()
		NewCSRFTokenHandler(CSRFConfig{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

		resp := w.Result()
		token := decodeToken(t, resp)
		if token == "" {
			t.Fatal("expected a token in the response")
		}
		c := findCSRFCookie(resp)
		if c == nil || c.Value != token {
			t.Errorf("cookie = %v, want value %q", c, token)
		}
	})

	t.Run("既存トークンを返す", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
		req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing-csrf-token"})
		w := httptest.NewRecorder()
		NewCSRFTokenHandler(CSRFConfig{}).ServeHTTP(w, req)

		resp := w.Result()
		if got := decodeToken(t, resp); got != "existing-csrf-token" {
			t.Errorf("token = %q, want existing-csrf-token", got)
		}
		if findCSRFCookie(resp) != nil {
			t.Error("existing cookie should not be replaced")
		}
	})
}

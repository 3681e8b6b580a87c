package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/makeemnow/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUUID = "9b0c4f0e-1111-4c1a-9a55-1e2d3c4b5a69"

func TestPhotoKey(t *testing.T) {
	now := time.UnixMilli(1700000000123)

	tests := []struct {
		name        string
		uuid        string
		filename    string
		contentType string
		want        string
	}{
		{"extension from filename", testUUID, "me.PNG", "image/png", testUUID + "_1700000000123.png"},
		{"upper case uuid is normalised", strings.ToUpper(testUUID), "me.png", "", testUUID + "_1700000000123.png"},
		{"empty uuid", "", "me.jpg", "", "user_1700000000123.jpg"},
		{"blank uuid", "  ", "x.gif", "", "user_1700000000123.gif"},
		{"not a uuid", "abc", "x.gif", "", "user_1700000000123.gif"},
		{"parent directory", "../x", "me.png", "", "user_1700000000123.png"},
		{"other bucket", "../other-bucket/x", "me.png", "", "user_1700000000123.png"},
		{"nested path", "a/b", "me.png", "", "user_1700000000123.png"},
		{"extension from content type", testUUID, "blob", "image/jpeg", testUUID + "_1700000000123.jpg"},
		{"content type with params", testUUID, "", "image/webp; charset=binary", testUUID + "_1700000000123.webp"},
		{"unknown", testUUID, "", "", testUUID + "_1700000000123.bin"},
		{"path in filename", testUUID, "dir.v2/photo", "image/png", testUUID + "_1700000000123.png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PhotoKey(tt.uuid, now, tt.filename, tt.contentType))
		})
	}
}

func TestClient_UploadPublic(t *testing.T) {
	var gotPath, gotAuth, gotUpsert, gotType, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotUpsert = r.Header.Get("x-upsert")
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		json.NewEncoder(w).Encode(map[string]string{"Key": "user-images/abc_1.png"})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL + "/", APIKey: "anon"})
	publicURL, err := client.As("user-token").UploadPublic(context.Background(), "abc_1.png", "image/png", []byte("png-bytes"))
	require.NoError(t, err)

	assert.Equal(t, "/storage/v1/object/user-images/abc_1.png", gotPath)
	assert.Equal(t, "Bearer user-token", gotAuth)
	assert.Equal(t, "true", gotUpsert)
	assert.Equal(t, "image/png", gotType)
	assert.Equal(t, "png-bytes", gotBody)
	assert.Equal(t, server.URL+"/storage/v1/object/public/user-images/abc_1.png", publicURL)
}

func TestClient_UploadPublic_KeyStaysInBucket(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, APIKey: "anon"})
	key := PhotoKey("../other-bucket/x", time.UnixMilli(1), "me.png", "image/png")
	publicURL, err := client.UploadPublic(context.Background(), key, "image/png", nil)
	require.NoError(t, err)

	assert.Equal(t, "/storage/v1/object/user-images/user_1.png", gotPath)
	assert.NotContains(t, publicURL, "..")
	assert.NotContains(t, publicURL, "other-bucket")
}

func TestClient_Upload_UsesAPIKeyWithoutToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, APIKey: "anon", Bucket: "custom"})
	require.NoError(t, client.Upload(context.Background(), "k.png", "", nil))
	assert.Equal(t, "Bearer anon", gotAuth)
	assert.Equal(t, "custom", client.Bucket())
}

func TestClient_Upload_Failure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "InvalidMimeType", "message": "mime type not supported"})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, APIKey: "anon"})
	err := client.Upload(context.Background(), "k.exe", "application/x-msdownload", []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrPhotoUploadFailed))
	assert.True(t, strings.Contains(err.Error(), "mime type not supported"))
}

func TestClient_Upload_NetworkFailure(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:1", APIKey: "anon"})
	err := client.Upload(context.Background(), "k.png", "image/png", []byte("x"))
	assert.True(t, errors.Is(err, model.ErrNetworkFailure))
}

func TestClient_Upload_EmptyKey(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
	err := client.Upload(context.Background(), "", "image/png", nil)
	assert.True(t, errors.Is(err, model.ErrPhotoUploadFailed))
}

package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/makeemnow/internal/model"
	"github.com/hitoshi/makeemnow/internal/provision"
)

type stubPhotoStore struct {
	url string
}

func (s *stubPhotoStore) UploadPublic(_ context.Context, _, _ string, _ []byte) (string, error) {
	return s.url, nil
}

type blockingCreator struct {
	mu      sync.Mutex
	tokens  []string
	entered chan struct{}
	release chan struct{}
}

func (c *blockingCreator) CreateUser(_ context.Context, req model.CreateUserRequest) (*model.CreateUserResponse, error) {
	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.release != nil {
		<-c.release
	}
	return &model.CreateUserResponse{
		User:         &model.AccountUser{ID: "u-1", Email: req.Email},
		InsertResult: &model.InsertResult{Data: req.Profile, Status: 201},
	}, nil
}

func testDraft(email string) provision.Draft {
	d := provision.NewDraft()
	d.Email = email
	d.Password = "aB3dE5gH"
	d.Month = "7"
	d.Day = "14"
	d.Address = "12 Queen St"
	return d
}

func newTestProvisioningService(creator *blockingCreator, rec *mockMetrics) *ProvisioningService {
	return NewProvisioningService(ProvisioningDeps{
		Credentials: nil,
		Photos: func(accessToken string) provision.PhotoStore {
			return &stubPhotoStore{url: "https://cdn/p.png"}
		},
		Creator: func(accessToken string) provision.UserCreator {
			creator.mu.Lock()
			creator.tokens = append(creator.tokens, accessToken)
			creator.mu.Unlock()
			return creator
		},
		Metrics: rec,
	})
}

func TestProvisioningService_Provision_Success(t *testing.T) {
	creator := &blockingCreator{}
	rec := newMockMetrics()
	svc := newTestProvisioningService(creator, rec)

	photo := &provision.PhotoFile{Filename: "me.png", ContentType: "image/png", Data: []byte{1}}
	out, err := svc.Provision(context.Background(), "token-1", testDraft("user042@gmail.com"), photo)
	if err != nil {
		t.Fatalf("Provision returned error: %v", err)
	}
	if out.State != provision.StateCreated {
		t.Errorf("state = %q, want %q", out.State, provision.StateCreated)
	}
	if out.PhotoURL != "https://cdn/p.png" {
		t.Errorf("photo url = %q", out.PhotoURL)
	}
	if len(creator.tokens) != 1 || creator.tokens[0] != "token-1" {
		t.Errorf("creator tokens = %v, want [token-1]", creator.tokens)
	}
	if rec.provisioning[outcomeCreated] != 1 {
		t.Errorf("created metric = %d, want 1", rec.provisioning[outcomeCreated])
	}
}

func TestProvisioningService_Provision_RejectsSameEmailInFlight(t *testing.T) {
	creator := &blockingCreator{entered: make(chan struct{}, 1), release: make(chan struct{})}
	rec := newMockMetrics()
	svc := newTestProvisioningService(creator, rec)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Provision(context.Background(), "t", testDraft("user042@gmail.com"), nil)
		done <- err
	}()

	select {
	case <-creator.entered:
	case <-time.After(time.Second):
		t.Fatal("first submission did not reach the creator")
	}

	_, err := svc.Provision(context.Background(), "t", testDraft(" USER042@gmail.com "), nil)
	if !errors.Is(err, model.ErrSubmitInProgress) {
		t.Errorf("second submission error = %v, want ErrSubmitInProgress", err)
	}

	close(creator.release)
	if err := <-done; err != nil {
		t.Fatalf("first submission failed: %v", err)
	}

	// 完了後は同じメールアドレスでも受け付ける
	creator.entered = nil
	if _, err := svc.Provision(context.Background(), "t", testDraft("user042@gmail.com"), nil); err != nil {
		t.Errorf("submission after completion failed: %v", err)
	}
	if rec.provisioning[outcomeInProgress] != 1 {
		t.Errorf("in_progress metric = %d, want 1", rec.provisioning[outcomeInProgress])
	}
}

func TestOutcomeLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, outcomeCreated},
		{&model.ValidationError{Field: "email"}, outcomeInvalid},
		{model.ErrSubmitInProgress, outcomeInProgress},
		{fmt.Errorf("%w: x", model.ErrPhotoUploadFailed), outcomePhotoFailed},
		{fmt.Errorf("%w: x", model.ErrUserCreationFailed), outcomeCreateFailed},
		{fmt.Errorf("%w: x", model.ErrProfileInsertFailed), outcomeInsertFailed},
		{fmt.Errorf("%w: x", model.ErrNetworkFailure), outcomeNetworkFailed},
		{errors.New("other"), outcomeError},
	}
	for _, tt := range tests {
		if got := outcomeLabel(tt.err); got != tt.want {
			t.Errorf("outcomeLabel(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

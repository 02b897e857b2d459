package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relaydispatch/dispatch-engine/internal/domain"
	"go.uber.org/zap"
)

var errNotFoundFake = errors.New("not found")

type fakeSessionStore struct {
	sessions map[string]*domain.Session
}

func (f *fakeSessionStore) PutSession(_ context.Context, sess *domain.Session, _ time.Duration) error {
	f.sessions[sess.SessionID] = sess
	return nil
}

func (f *fakeSessionStore) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	sess, ok := f.sessions[sessionID]
	if !ok {
		return nil, errNotFoundFake
	}
	return sess, nil
}

func (f *fakeSessionStore) GetSessionStats(_ context.Context, _ string) (*domain.SessionStats, error) {
	return &domain.SessionStats{Status: map[string]int64{}}, nil
}

func (f *fakeSessionStore) ListSessionsByOwner(_ context.Context, ownerUserID string) ([]string, error) {
	var ids []string
	for id, s := range f.sessions {
		if s.OwnerUser == ownerUserID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type fakeJobStore struct{}

func (fakeJobStore) GetJobMetrics(_ context.Context, _ string) (map[string]string, error) {
	return map[string]string{}, nil
}
func (fakeJobStore) ListUserActionErrors(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}
func (fakeJobStore) GetUserActionError(_ context.Context, _ string) (*domain.UserActionError, error) {
	return nil, errNotFoundFake
}
func (fakeJobStore) ResolveUserActionError(_ context.Context, _, _ string, _ time.Time) error {
	return nil
}
func (fakeJobStore) GetRateLimiterSettings(_ context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}
func (fakeJobStore) GetAPIPerformance(_ context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}
func (fakeJobStore) ListEndpointPatterns(_ context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}
func (fakeJobStore) GetRecordErrorCounts(_ context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}

func newTestServer() (*Server, *fakeSessionStore) {
	sessions := &fakeSessionStore{sessions: map[string]*domain.Session{}}
	logger := zap.NewNop()
	cfg := Config{ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second, SessionTTL: time.Hour}
	s := New(cfg, sessions, fakeJobStore{}, nil, nil, logger)
	return s, sessions
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer()

	req := httptest.NewRequest("GET", "/healthz", nil)
	resp, err := s.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	s, _ := newTestServer()

	body, _ := json.Marshal(createSessionRequest{})
	req := httptest.NewRequest("POST", "/sessions/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Errorf("expected status 400 for missing fields, got %d", resp.StatusCode)
	}
}

func TestCreateAndGetSession(t *testing.T) {
	s, _ := newTestServer()

	body, _ := json.Marshal(createSessionRequest{
		APIURL:  "https://api.example.com",
		Auth:    domain.Auth{UserID: "u1", APIKey: "k1"},
		OwnerID: "owner-1",
	})
	req := httptest.NewRequest("POST", "/sessions/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != 201 {
		t.Fatalf("expected status 201, got %d", resp.StatusCode)
	}

	var created domain.Session
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.SessionID == "" {
		t.Fatal("expected a generated sessionId")
	}

	getReq := httptest.NewRequest("GET", "/sessions/"+created.SessionID, nil)
	getResp, err := s.app.Test(getReq)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if getResp.StatusCode != 200 {
		t.Fatalf("expected status 200, got %d", getResp.StatusCode)
	}
}

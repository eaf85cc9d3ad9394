package handlers

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirogateway/gateway/internal/credential"
	"github.com/kirogateway/gateway/internal/orchestrator"
	"github.com/kirogateway/gateway/internal/translator"
)

// buildTestKiroFrame mirrors internal/orchestrator's test helper, duplicated
// here for the same reason: the encoder kiroframe exposes for its own tests
// is package-private.
func buildTestKiroFrame(eventType string, payload []byte) []byte {
	name := []byte(":event-type")
	var headers []byte
	headers = append(headers, byte(len(name)))
	headers = append(headers, name...)
	headers = append(headers, byte(7))
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(eventType)))
	headers = append(headers, lenBuf...)
	headers = append(headers, []byte(eventType)...)

	totalLen := uint32(8 + 4 + len(headers) + len(payload) + 4)
	prelude := make([]byte, 8)
	binary.BigEndian.PutUint32(prelude[0:4], totalLen)
	binary.BigEndian.PutUint32(prelude[4:8], uint32(len(headers)))

	preludeCRC := make([]byte, 4)
	binary.BigEndian.PutUint32(preludeCRC, crc32.ChecksumIEEE(prelude))

	buf := append([]byte{}, prelude...)
	buf = append(buf, preludeCRC...)
	buf = append(buf, headers...)
	buf = append(buf, payload...)

	msgCRC := make([]byte, 4)
	binary.BigEndian.PutUint32(msgCRC, crc32.ChecksumIEEE(buf))
	return append(buf, msgCRC...)
}

type fakeStore struct {
	mu    sync.Mutex
	creds map[string]credential.Credential
}

func newFakeStore(creds ...credential.Credential) *fakeStore {
	s := &fakeStore{creds: make(map[string]credential.Credential)}
	for _, c := range creds {
		s.creds[c.ID] = c
	}
	return s
}

func (s *fakeStore) List(_ context.Context) ([]credential.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]credential.Credential, 0, len(s.creds))
	for _, c := range s.creds {
		out = append(out, c)
	}
	return out, nil
}

func (s *fakeStore) Update(_ context.Context, id string, patch credential.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return credential.ErrNotFound
	}
	c.AccessToken = patch.AccessToken
	s.creds[id] = c
	return nil
}

func (s *fakeStore) Fingerprint(_ context.Context) (string, error) { return "static", nil }

type fakeRefresher struct{}

func (fakeRefresher) Refresh(_ context.Context, _ credential.Credential) (credential.RefreshResult, error) {
	return credential.RefreshResult{AccessToken: "refreshed", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type fakeUpstream struct {
	status int
	body   []byte
}

func (f *fakeUpstream) Call(_ context.Context, _ string, _ []byte, _ map[string]string) (*orchestrator.UpstreamResponse, error) {
	return &orchestrator.UpstreamResponse{StatusCode: f.status, Body: io.NopCloser(strings.NewReader(string(f.body)))}, nil
}

func newTestMessagesHandler(t *testing.T, upstream orchestrator.Upstream) http.HandlerFunc {
	t.Helper()
	store := newFakeStore(credential.Credential{
		ID: "a", RefreshToken: "x", AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour),
	})
	pool := credential.NewPool(store, fakeRefresher{}, credential.PoolOptions{DisableThreshold: 5})
	if err := pool.LoadInitial(context.Background()); err != nil {
		t.Fatalf("LoadInitial() error = %v", err)
	}
	orc := orchestrator.New(pool, upstream, translator.Metadata{KiroVersion: "1.0"}, orchestrator.Options{})
	return Messages(orc)
}

func TestMessages_NonStreamingHappyPath(t *testing.T) {
	upstream := &fakeUpstream{status: 200, body: buildTestKiroFrame("assistantResponseEvent", []byte(`{"content":"pong"}`))}
	handler := newTestMessagesHandler(t, upstream)

	body := `{"model":"claude-sonnet-4-5-20250929","messages":[{"role":"user","content":"ping"}]}`
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp translator.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "pong" {
		t.Fatalf("Content = %+v, want one text block \"pong\"", resp.Content)
	}
}

func TestMessages_MissingModelIsBadRequest(t *testing.T) {
	handler := newTestMessagesHandler(t, &fakeUpstream{status: 200})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"messages":[]}`)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMessages_UpstreamRejectionSurfacesAnthropicError(t *testing.T) {
	upstream := &fakeUpstream{status: 400, body: []byte(`{"message":"bad request"}`)}
	handler := newTestMessagesHandler(t, upstream)

	body := `{"model":"claude-sonnet-4-5-20250929","messages":[{"role":"user","content":"ping"}]}`
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body2 struct {
		Type  string `json:"type"`
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body2); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body2.Type != "error" || body2.Error.Type != "invalid_request_error" {
		t.Fatalf("body = %+v, want Anthropic-shaped invalid_request_error", body2)
	}
}

package orchestrator

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirogateway/gateway/internal/credential"
	"github.com/kirogateway/gateway/internal/translator"
)

// buildKiroFrame assembles one raw event-stream frame carrying a single
// ":event-type" string header, mirroring the wire shape internal/kiroframe
// decodes (duplicated here rather than imported since the encoder pieces
// kiroframe exposes for tests are package-private).
func buildKiroFrame(eventType string, payload []byte) []byte {
	name := []byte(":event-type")
	var headers []byte
	headers = append(headers, byte(len(name)))
	headers = append(headers, name...)
	headers = append(headers, byte(7)) // string type tag
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

func textOnlyUpstreamBody() []byte {
	return buildKiroFrame("assistantResponseEvent", []byte(`{"content":"pong"}`))
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

// fakeUpstream returns a scripted sequence of responses, one per call,
// repeating the last entry once exhausted.
type fakeUpstream struct {
	mu        sync.Mutex
	responses []scriptedResponse
	calls     int
}

type scriptedResponse struct {
	status int
	body   []byte
}

func (f *fakeUpstream) Call(_ context.Context, _ string, _ []byte, _ map[string]string) (*UpstreamResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	r := f.responses[idx]
	return &UpstreamResponse{StatusCode: r.status, Body: io.NopCloser(bytes.NewReader(r.body))}, nil
}

func newTestOrchestrator(t *testing.T, store credential.Store, upstream Upstream) *Orchestrator {
	t.Helper()
	pool := credential.NewPool(store, fakeRefresher{}, credential.PoolOptions{DisableThreshold: 5})
	if err := pool.LoadInitial(context.Background()); err != nil {
		t.Fatalf("LoadInitial() error = %v", err)
	}
	return New(pool, upstream, translator.Metadata{KiroVersion: "1.0"}, Options{BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond})
}

func TestServe_NonStreamingHappyPath(t *testing.T) {
	store := newFakeStore(credential.Credential{
		ID: "a", RefreshToken: "x", AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour),
	})
	upstream := &fakeUpstream{responses: []scriptedResponse{{status: 200, body: textOnlyUpstreamBody()}}}
	orc := newTestOrchestrator(t, store, upstream)

	req := &translator.Request{Model: "claude-sonnet-4-20250514", Messages: []translator.Message{
		{Role: "user", Content: json.RawMessage(`"ping"`)},
	}}

	rec := httptest.NewRecorder()
	if err := orc.Serve(context.Background(), req, rec); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	var resp translator.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v (body=%s)", err, rec.Body.String())
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "pong" {
		t.Fatalf("Content = %+v, want one text block \"pong\"", resp.Content)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("StopReason = %q, want end_turn", resp.StopReason)
	}
}

func TestServe_StreamingHappyPath(t *testing.T) {
	store := newFakeStore(credential.Credential{
		ID: "a", RefreshToken: "x", AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour),
	})
	upstream := &fakeUpstream{responses: []scriptedResponse{{status: 200, body: textOnlyUpstreamBody()}}}
	orc := newTestOrchestrator(t, store, upstream)

	req := &translator.Request{Model: "claude-sonnet-4-20250514", Stream: true, Messages: []translator.Message{
		{Role: "user", Content: json.RawMessage(`"ping"`)},
	}}

	rec := httptest.NewRecorder()
	if err := orc.Serve(context.Background(), req, rec); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if !strings.Contains(rec.Body.String(), "event: message_stop") {
		t.Errorf("body missing message_stop:\n%s", rec.Body.String())
	}
}

func TestServe_FailsOverToNextCredentialOnAuthInvalid(t *testing.T) {
	store := newFakeStore(
		credential.Credential{ID: "a", Priority: 0, RefreshToken: "x", AccessToken: "bad", ExpiresAt: time.Now().Add(time.Hour)},
		credential.Credential{ID: "b", Priority: 1, RefreshToken: "y", AccessToken: "good", ExpiresAt: time.Now().Add(time.Hour)},
	)
	upstream := &fakeUpstream{responses: []scriptedResponse{
		{status: 401, body: []byte(`{}`)},
		{status: 200, body: textOnlyUpstreamBody()},
	}}
	orc := newTestOrchestrator(t, store, upstream)

	req := &translator.Request{Model: "claude-sonnet-4-20250514", Messages: []translator.Message{
		{Role: "user", Content: json.RawMessage(`"ping"`)},
	}}

	rec := httptest.NewRecorder()
	if err := orc.Serve(context.Background(), req, rec); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if upstream.calls != 2 {
		t.Errorf("upstream called %d times, want 2 (one failover)", upstream.calls)
	}
}

func TestServe_UpstreamRejectedIsNotRetried(t *testing.T) {
	store := newFakeStore(credential.Credential{
		ID: "a", RefreshToken: "x", AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour),
	})
	upstream := &fakeUpstream{responses: []scriptedResponse{{status: 400, body: []byte(`{"message":"bad request"}`)}}}
	orc := newTestOrchestrator(t, store, upstream)

	req := &translator.Request{Model: "claude-sonnet-4-20250514", Messages: []translator.Message{
		{Role: "user", Content: json.RawMessage(`"ping"`)},
	}}

	rec := httptest.NewRecorder()
	err := orc.Serve(context.Background(), req, rec)
	if err == nil {
		t.Fatal("Serve() error = nil, want UpstreamRejectedError")
	}
	var rejected *UpstreamRejectedError
	if !asUpstreamRejected(err, &rejected) {
		t.Fatalf("Serve() error = %v, want *UpstreamRejectedError", err)
	}
	if upstream.calls != 1 {
		t.Errorf("upstream called %d times, want 1 (no retry on non-auth 4xx)", upstream.calls)
	}
}

func TestServe_NoEnabledCredentialsIsConfigError(t *testing.T) {
	store := newFakeStore()
	upstream := &fakeUpstream{responses: []scriptedResponse{{status: 200, body: textOnlyUpstreamBody()}}}
	orc := newTestOrchestrator(t, store, upstream)

	req := &translator.Request{Model: "claude-sonnet-4-20250514"}
	rec := httptest.NewRecorder()
	err := orc.Serve(context.Background(), req, rec)
	var cfgErr *ConfigError
	if !asConfigError(err, &cfgErr) {
		t.Fatalf("Serve() error = %v, want *ConfigError", err)
	}
}

func asUpstreamRejected(err error, target **UpstreamRejectedError) bool {
	e, ok := err.(*UpstreamRejectedError)
	if !ok {
		return false
	}
	*target = e
	return true
}

func asConfigError(err error, target **ConfigError) bool {
	e, ok := err.(*ConfigError)
	if !ok {
		return false
	}
	*target = e
	return true
}

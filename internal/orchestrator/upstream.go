package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Endpoint is the fixed Kiro streaming endpoint and its AWS target header,
// grounded on the reference executor's kiroEndpoint/kiroTargetChat/
// kiroContentType/kiroAcceptStream constants.
type Endpoint struct {
	URL         string
	Target      string
	ContentType string
	Accept      string
	Timeout     time.Duration
}

// DefaultEndpoint matches the reference implementation's Amazon Q
// streaming endpoint for GenerateAssistantResponse.
func DefaultEndpoint() Endpoint {
	return Endpoint{
		URL:         "https://q.us-east-1.amazonaws.com",
		Target:      "AmazonCodeWhispererStreamingService.GenerateAssistantResponse",
		ContentType: "application/x-amz-json-1.0",
		Accept:      "application/vnd.amazon.eventstream",
		Timeout:     120 * time.Second,
	}
}

// UpstreamResponse is a raw Kiro HTTP response; Body is the caller's to
// close once it is done reading the event stream from it.
type UpstreamResponse struct {
	StatusCode int
	Body       io.ReadCloser
}

// Upstream performs the HTTP call to Kiro. A real HTTPUpstream and a test
// double both implement it.
type Upstream interface {
	Call(ctx context.Context, accessToken string, body []byte, extraHeaders map[string]string) (*UpstreamResponse, error)
}

// HTTPUpstream calls the real Kiro endpoint, grounded on the reference
// executor's executeWithRetry header set (Content-Type, x-amz-target,
// Authorization, Accept), generalized to accept the Translator's extra
// machine/profile headers.
type HTTPUpstream struct {
	endpoint Endpoint
	client   *http.Client
}

// NewHTTPUpstream constructs an Upstream against endpoint using httpClient,
// or a default client with endpoint.Timeout if httpClient is nil.
func NewHTTPUpstream(endpoint Endpoint, httpClient *http.Client) *HTTPUpstream {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: endpoint.Timeout}
	}
	return &HTTPUpstream{endpoint: endpoint, client: httpClient}
}

func (u *HTTPUpstream) Call(ctx context.Context, accessToken string, body []byte, extraHeaders map[string]string) (*UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", u.endpoint.ContentType)
	req.Header.Set("x-amz-target", u.endpoint.Target)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", u.endpoint.Accept)
	for k, v := range extraHeaders {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	return &UpstreamResponse{StatusCode: resp.StatusCode, Body: resp.Body}, nil
}

package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// RefreshResult is the refresher's normalized output for either dialect.
type RefreshResult struct {
	AccessToken          string
	ExpiresAt            time.Time
	ProfileARN           string
	RotatedRefreshToken  string
}

// RefreshErrorKind classifies a refresh failure for the Pool.
type RefreshErrorKind int

const (
	RefreshTransient RefreshErrorKind = iota
	RefreshAuthInvalid
	RefreshRejected
)

// RefreshError wraps a refresh failure with its classification.
type RefreshError struct {
	Kind RefreshErrorKind
	Err  error
}

func (e *RefreshError) Error() string { return e.Err.Error() }
func (e *RefreshError) Unwrap() error { return e.Err }

// Refresher performs an OAuth refresh exchange for a credential, dispatching
// to the social or enterprise-directory dialect per its AuthMethod.
type Refresher interface {
	Refresh(ctx context.Context, cred Credential) (RefreshResult, error)
}

// EndpointConfig carries the fixed/derived endpoints the two refresh
// dialects need, as configured rather than hardcoded.
type EndpointConfig struct {
	SocialRefreshURL string
	OIDCBaseDomain   string // refresh URL is built as https://oidc.<region>.<OIDCBaseDomain>/token
	DefaultRegion    string
	HTTPClient       *http.Client
}

// HTTPRefresher implements Refresher against the two real Kiro OAuth
// dialects over HTTPS, grounded on the teacher's token.Manager.refreshToken
// (oauth2.Token plumbing, expiry/rotation handling) adapted for Kiro's
// custom (non-generic-oauth2.Endpoint) request shapes.
type HTTPRefresher struct {
	cfg EndpointConfig
}

// NewHTTPRefresher constructs a Refresher using cfg. A zero-value
// cfg.HTTPClient defaults to a 15s-timeout client, matching spec.md §5's
// per-refresh-call timeout guidance.
func NewHTTPRefresher(cfg EndpointConfig) *HTTPRefresher {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPRefresher{cfg: cfg}
}

func (r *HTTPRefresher) Refresh(ctx context.Context, cred Credential) (RefreshResult, error) {
	switch cred.AuthMethod {
	case AuthEnterpriseDirectory:
		return r.refreshEnterpriseDirectory(ctx, cred)
	default:
		return r.refreshSocial(ctx, cred)
	}
}

type socialResponse struct {
	AccessToken  string `json:"accessToken"`
	ExpiresAt    string `json:"expiresAt"`
	ProfileARN   string `json:"profileArn"`
	RefreshToken string `json:"refreshToken"`
}

func (r *HTTPRefresher) refreshSocial(ctx context.Context, cred Credential) (RefreshResult, error) {
	body, _ := json.Marshal(map[string]string{"refreshToken": cred.RefreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.SocialRefreshURL, strings.NewReader(string(body)))
	if err != nil {
		return RefreshResult{}, &RefreshError{Kind: RefreshTransient, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return RefreshResult{}, &RefreshError{Kind: RefreshTransient, Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		return RefreshResult{}, &RefreshError{Kind: RefreshAuthInvalid, Err: fmt.Errorf("social refresh: 401: %s", raw)}
	}
	if resp.StatusCode >= 400 {
		return RefreshResult{}, &RefreshError{Kind: RefreshRejected, Err: fmt.Errorf("social refresh: status %d: %s", resp.StatusCode, raw)}
	}

	var out socialResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return RefreshResult{}, &RefreshError{Kind: RefreshTransient, Err: fmt.Errorf("social refresh: decode response: %w", err)}
	}

	expiresAt, err := time.Parse(time.RFC3339, out.ExpiresAt)
	if err != nil {
		return RefreshResult{}, &RefreshError{Kind: RefreshTransient, Err: fmt.Errorf("social refresh: parse expiresAt: %w", err)}
	}

	// Route the parsed token through oauth2.Token, mirroring the teacher's
	// token.Manager.refreshToken use of oauth2.Token as the expiry/validity
	// carrier even though Kiro's social dialect isn't a generic oauth2.Endpoint.
	token := &oauth2.Token{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken, Expiry: expiresAt}
	if !token.Valid() {
		log.Printf("⚠️ social refresh returned a token that is already expired or expires immediately")
	}

	return RefreshResult{
		AccessToken:         token.AccessToken,
		ExpiresAt:           token.Expiry,
		ProfileARN:          out.ProfileARN,
		RotatedRefreshToken: token.RefreshToken,
	}, nil
}

type oidcResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Error        string `json:"error"`
}

func (r *HTTPRefresher) refreshEnterpriseDirectory(ctx context.Context, cred Credential) (RefreshResult, error) {
	region := cred.Region
	if region == "" {
		region = r.cfg.DefaultRegion
	}
	endpoint := fmt.Sprintf("https://oidc.%s.%s/token", region, r.cfg.OIDCBaseDomain)

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
		"client_id":     {cred.ClientID},
		"client_secret": {cred.ClientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return RefreshResult{}, &RefreshError{Kind: RefreshTransient, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return RefreshResult{}, &RefreshError{Kind: RefreshTransient, Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	var out oidcResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode == http.StatusUnauthorized || out.Error == "invalid_grant" {
		return RefreshResult{}, &RefreshError{Kind: RefreshAuthInvalid, Err: fmt.Errorf("oidc refresh: %s", firstNonEmpty(out.Error, strconv.Itoa(resp.StatusCode)))}
	}
	if resp.StatusCode >= 400 {
		return RefreshResult{}, &RefreshError{Kind: RefreshRejected, Err: fmt.Errorf("oidc refresh: status %d: %s", resp.StatusCode, raw)}
	}

	return RefreshResult{
		AccessToken:         out.AccessToken,
		ExpiresAt:           time.Now().Add(time.Duration(out.ExpiresIn) * time.Second),
		RotatedRefreshToken: out.RefreshToken,
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

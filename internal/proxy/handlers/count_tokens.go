package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/kirogateway/gateway/internal/config"
	"github.com/kirogateway/gateway/internal/translator"
)

// CountTokens handles POST /v1/messages/count_tokens. When countTokensApiUrl
// is configured it delegates to that external counting service; otherwise
// it falls back to a rough local estimate, per spec §6's "may be delegated"
// wording.
func CountTokens(cfg *config.Config) http.HandlerFunc {
	client := &http.Client{Timeout: 15 * time.Second}
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "could not read request body")
			return
		}

		var req translator.CountTokensRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "could not parse request body: "+err.Error())
			return
		}

		if cfg.CountTokensAPIURL != "" {
			resp, err := delegateCountTokens(r.Context(), client, cfg, body)
			if err == nil {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(resp)
				return
			}
			log.Printf("⚠️ handlers: count_tokens delegation failed, falling back to local estimate: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(translator.CountTokensResponse{InputTokens: estimateTokens(req)})
	}
}

func delegateCountTokens(ctx context.Context, client *http.Client, cfg *config.Config, body []byte) (*translator.CountTokensResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.CountTokensAPIURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if cfg.CountTokensAPIKey != "" {
		switch cfg.CountTokensAuthType {
		case "x-api-key":
			httpReq.Header.Set("x-api-key", cfg.CountTokensAPIKey)
		default:
			httpReq.Header.Set("Authorization", "Bearer "+cfg.CountTokensAPIKey)
		}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("count_tokens delegate returned status %d: %s", resp.StatusCode, body)
	}

	var out translator.CountTokensResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// estimateTokens approximates input_tokens as roughly one token per four
// characters of message content, a string system prompt, and tool
// definitions, plus one, the common fallback heuristic used when no real
// tokenizer is available. A system prompt given as a block array is not
// counted.
func estimateTokens(req translator.CountTokensRequest) int64 {
	var chars int64
	for _, m := range req.Messages {
		blocks, err := m.Blocks()
		if err != nil {
			continue
		}
		for _, b := range blocks {
			chars += int64(len(b.Text)) + int64(len(b.Thinking)) + int64(len(b.Input))
		}
	}
	switch sys := req.System.(type) {
	case string:
		chars += int64(len(sys))
	}
	for _, t := range req.Tools {
		chars += int64(len(t.Name)) + int64(len(t.Description)) + int64(len(t.InputSchema))
	}
	return chars/4 + 1
}

// Package handlers wires the Anthropic-style /v1/messages surface to the
// orchestrator, in the teacher's proxy/handlers/claude.go idiom (decode
// request, dispatch through the core, write whatever the core produces).
package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/kirogateway/gateway/internal/orchestrator"
	"github.com/kirogateway/gateway/internal/translator"
)

// Messages handles POST /v1/messages: decode the Anthropic request body,
// hand it to the Orchestrator, and translate whatever error comes back into
// an Anthropic-shaped error body.
func Messages(orc *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req translator.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "could not parse request body: "+err.Error())
			return
		}
		if req.Model == "" {
			writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
			return
		}

		if err := orc.Serve(r.Context(), &req, newSafeResponseWriter(w)); err != nil {
			writeOrchestratorError(w, err)
		}
	}
}

// writeOrchestratorError maps an orchestrator error to an Anthropic-shaped
// JSON error body and status code. A *orchestrator.StreamTerminatedError
// means the Orchestrator already wrote a terminal SSE error event to w
// before giving up, so there is nothing left to write here — doing so
// would land a stray JSON blob inside the event stream.
func writeOrchestratorError(w http.ResponseWriter, err error) {
	var terminated *orchestrator.StreamTerminatedError
	if errors.As(err, &terminated) {
		log.Printf("⚠️ handlers: /v1/messages stream terminated mid-flight: %v", err)
		return
	}
	status, kind, msg := classifyForClient(err)
	log.Printf("⚠️ handlers: /v1/messages failed: %v", err)
	writeAnthropicError(w, status, kind, msg)
}

func classifyForClient(err error) (status int, kind, msg string) {
	switch e := err.(type) {
	case *orchestrator.UpstreamRejectedError:
		return e.StatusCode, "invalid_request_error", "upstream rejected the request: " + e.Body
	case *orchestrator.PolicyExhaustedError:
		return http.StatusServiceUnavailable, "overloaded_error", "no credential could complete the request"
	case *orchestrator.ConfigError:
		return http.StatusServiceUnavailable, "api_error", e.Reason
	case *orchestrator.DecodeError:
		return http.StatusBadGateway, "api_error", "upstream response could not be decoded"
	case *orchestrator.TransientUpstreamError:
		return http.StatusBadGateway, "api_error", "upstream request failed"
	case *orchestrator.AuthInvalidError:
		return http.StatusBadGateway, "authentication_error", "upstream credential rejected"
	default:
		return http.StatusInternalServerError, "api_error", err.Error()
	}
}

func writeAnthropicError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    kind,
			"message": message,
		},
	})
}

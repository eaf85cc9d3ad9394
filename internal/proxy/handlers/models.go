package handlers

import (
	"encoding/json"
	"net/http"
)

// modelCatalog is the static catalog GET /v1/models serves, per spec §6.
// Entries mirror the model names translator.ResolveModel recognizes.
var modelCatalog = []map[string]any{
	{"id": "claude-opus-4-1-20250805", "type": "model", "display_name": "Claude Opus 4.1"},
	{"id": "claude-sonnet-4-5-20250929", "type": "model", "display_name": "Claude Sonnet 4.5"},
	{"id": "claude-haiku-4-5-20251001", "type": "model", "display_name": "Claude Haiku 4.5"},
}

// Models handles GET /v1/models.
func Models() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data":     modelCatalog,
			"has_more": false,
		})
	}
}

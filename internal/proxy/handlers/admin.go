package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/kirogateway/gateway/internal/credential"
	"github.com/kirogateway/gateway/internal/version"
)

// Health reports the gateway's build version, in the teacher's
// VersionHandler idiom, narrowed to the fields this gateway exposes.
func Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":     "ok",
			"version":    version.Version,
			"commit":     version.Commit,
			"build_time": version.BuildTime,
		})
	}
}

// CredentialSnapshot is an admin-only view into the live Credential Pool,
// exposing enough of each credential's scheduling state to diagnose
// failovers without leaking secrets (access/refresh tokens are omitted).
func CredentialSnapshot(pool *credential.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := pool.Snapshot()
		out := make([]map[string]any, 0, len(snap))
		for _, c := range snap {
			out = append(out, map[string]any{
				"id":                  c.ID,
				"priority":            c.Priority,
				"region":              c.Region,
				"authMethod":          c.AuthMethod,
				"consecutiveFailures": c.ConsecutiveFailures,
				"disabledUntil":       c.DisabledUntil,
				"expiresAt":           c.ExpiresAt,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"credentials": out})
	}
}

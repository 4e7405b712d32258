// Package endpoints defines every HTTP operation the server exposes. Each
// endpoint also carries the cobra command that calls it over HTTP, so the
// route and the CLI stay in lockstep.
package endpoints

import (
	"encoding/json"
	"net/http"

	"github.com/lectern-ai/lectern/internal/api"
)

// All returns all endpoint instances.
func All() []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},

		// Job endpoints
		&CreateJobEndpoint{},
		&ListJobsEndpoint{},
		&GetJobEndpoint{},
		&RequeueJobEndpoint{},
		&CancelJobEndpoint{},
		&DeleteJobEndpoint{},

		// Worker endpoint
		&RunWorkerEndpoint{},

		// Quota endpoint
		&GetQuotaEndpoint{},

		// Skeleton endpoints
		&PutSkeletonEndpoint{},
		&GetSkeletonEndpoint{},
	}
}

// ErrorResponse is the error body returned by all endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

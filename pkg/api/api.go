package api

import (
	"context"
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

const (
	HeaderContentType = "Content-Type"
	HeaderAcceptJSON  = "application/json"

	HeaderAPIKey            = "X-API-KEY"
	HeaderAPIVersion        = "X-API-Version"
	HeaderSupportedVersions = "X-API-Supported-Versions"
	HeaderDeprecated        = "X-API-Deprecated"

	CurrentVersion    = "v2"
	SupportedVersions = "v1,v2"

	PathIngest       = "/api/v2/ingest"
	PathIngestLegacy = "/api/v1/ingest"
	PathConfig       = "/api/v2/config"
	PathHealth       = "/health"
	PathMetrics      = "/metrics"
)

// VersionHeaders stamps every response with the API version headers.
func VersionHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderAPIVersion, CurrentVersion)
		w.Header().Set(HeaderSupportedVersions, SupportedVersions)
		next.ServeHTTP(w, r)
	})
}

// Deprecated marks a legacy route. Callers are expected to migrate.
func Deprecated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderDeprecated, "true")
		next.ServeHTTP(w, r)
	})
}

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := jsoniter.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set(HeaderContentType, HeaderAcceptJSON)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// ErrorBody is the JSON error envelope for non-2xx responses.
type ErrorBody struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorBody{Status: "error", Error: msg})
}

// HealthCheck reports whether a backing store is reachable.
type HealthCheck func(ctx context.Context) error

// HealthHandler returns 200 when all checks pass and 503 otherwise.
func HealthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]string{}
		for name, check := range checks {
			if err := check(r.Context()); err != nil {
				status = http.StatusServiceUnavailable
				body[name] = err.Error()
				continue
			}
			body[name] = "ok"
		}
		WriteJSON(w, status, body)
	}
}

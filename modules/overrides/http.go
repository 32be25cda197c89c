package overrides

import (
	"io"
	"net/http"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"

	"github.com/muttproject/mutt/pkg/api"
)

// ListHandler returns every recognized key with its current value.
func (o *Overrides) ListHandler(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, o.All(r.Context()))
}

// GetHandler returns a single key's current value.
func (o *Overrides) GetHandler(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if _, known := registry[key]; !known {
		api.WriteError(w, http.StatusNotFound, "unrecognized config key")
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{key: o.Get(r.Context(), key)})
}

// SetHandler accepts the raw new value as the request body.
func (o *Overrides) SetHandler(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if err := o.Set(r.Context(), key, string(body)); err != nil {
		level.Warn(o.logger).Log("msg", "rejected config update", "key", key, "err", err)
		api.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{key: string(body)})
}

package httputils

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// HandleAPIResponse writes resp as JSON, or a plain error with the given
// status when err is non-nil. Handlers call it as their final statement.
func HandleAPIResponse(w http.ResponseWriter, r *http.Request, resp interface{}, err error, status int) {
	if err != nil {
		slog.Warn("request failed",
			"remote", r.RemoteAddr,
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		http.Error(w, err.Error(), status)
		return
	}
	body, err := json.Marshal(resp)
	if err != nil {
		slog.Error("response serialization failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// jsonError writes a JSON error envelope and status code, matching the
// shape every handler in this package uses for failures.
func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// nowRFC3339 stamps error envelopes and other boundary timestamps.
func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// warnOnErr logs a non-fatal error from a best-effort side effect (audit
// logging, metrics emission) without failing the request that triggered it.
func warnOnErr(what string, err error) {
	if err != nil {
		slog.Warn("background operation failed", slog.String("what", what), slog.String("error", err.Error()))
	}
}

package httpx

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// queryInt parses a positive integer query parameter, returning def when it
// is absent and ok=false when it is malformed.
func queryInt(req *http.Request, name string, def int) (int, bool) {
	raw := strings.TrimSpace(req.URL.Query().Get(name))
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

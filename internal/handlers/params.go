package handlers

import (
	"net/http"
	"strconv"
	"strings"
)

// getParam returns a pat path parameter (stored as ":name" in the query), a plain
// query parameter or a net/http PathValue, in that order.
func getParam(r *http.Request, name string) string {
	if r == nil {
		return ""
	}

	if val := r.URL.Query().Get(":" + name); val != "" {
		return val
	}

	if val := r.URL.Query().Get(name); val != "" {
		return val
	}

	return r.PathValue(name)
}

// limitParam reads ?limit=. Absent or malformed values yield def; callers clamp.
func limitParam(r *http.Request, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

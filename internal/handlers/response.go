package handlers

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
)

// setSecurityHeaders applies the scan-response headers exactly once; headers
// already present (e.g. set by a fronting proxy) are left untouched.
func setSecurityHeaders(h http.Header) {
	if h.Get("Referrer-Policy") == "" {
		h.Set("Referrer-Policy", "no-referrer")
	}
	if h.Get("Cache-Control") == "" {
		h.Set("Cache-Control", "no-store")
	}
	if h.Get("X-Robots-Tag") == "" {
		h.Set("X-Robots-Tag", "noindex, nofollow")
	}
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// writeMessage renders a terminal resolution outcome as JSON or a minimal
// HTML page, depending on the caller's Accept header.
func writeMessage(w http.ResponseWriter, r *http.Request, status int, title, message, code string) {
	if wantsJSON(r) {
		writeJSON(w, status, map[string]string{
			"title":   title,
			"message": message,
			"code":    code,
		})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<!doctype html><html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>",
		html.EscapeString(title), html.EscapeString(title), html.EscapeString(message))
}

// writeValue shows the destination as a plain value without redirecting.
func writeValue(w http.ResponseWriter, r *http.Request, value string) {
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]string{
			"mode":  "value",
			"value": value,
		})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "<!doctype html><html><head><title>QR</title></head><body><pre>%s</pre></body></html>",
		html.EscapeString(value))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

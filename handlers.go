package main

import (
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// newHTTPServer creates an HTTP server with the service status endpoints
func newHTTPServer(status *StatusTracker) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		completed, failed := status.Counts()
		current, ok := status.Current()
		writeJSON(w, http.StatusOK, struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Busy      bool      `json:"busy"`
			Completed int       `json:"completed"`
			Failed    int       `json:"failed"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Busy:      ok && current.Running,
			Completed: completed,
			Failed:    failed,
		})
	})

	// Latest job, with its last iteration and outcome
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		current, ok := status.Current()
		if !ok {
			http.Error(w, "No job has run yet", http.StatusNotFound)
			return
		}
		w.Header().Set("Cache-Control", "no-cache")
		writeJSON(w, http.StatusOK, current)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

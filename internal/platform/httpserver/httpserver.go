package httpserver

import (
	"net/http"
	"time"
)

// New builds the HTTP server for the liveness API. Every request carries at
// most a small JSON payload, so read and write timeouts are tight; idle is
// longer because well-behaved clients check in on a keep-alive connection at
// multi-second intervals.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
}

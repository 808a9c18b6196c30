package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mcdev12/pomosync/internal/gateway"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func setupServer(cfg *Config, handler *gateway.Handler) *http.Server {
	mux := http.NewServeMux()

	// Setup CORS middleware
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	if cfg.WSPort == cfg.Port {
		handler.RegisterRoutes(mux)
	} else {
		// The upgrade endpoint lives on the dedicated WebSocket listener.
		apiMux := http.NewServeMux()
		handler.RegisterRoutes(apiMux)
		mux.Handle("/api/", apiMux)
	}

	setupHealthCheck(mux)

	wrapped := c.Handler(mux)

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Handler:      h2c.NewHandler(wrapped, &http2.Server{}),
		ReadTimeout:  10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// setupWebSocketServer builds the second listener used when WS_PORT differs
// from PORT. It carries only the upgrade endpoint.
func setupWebSocketServer(cfg *Config, handler *gateway.Handler) *http.Server {
	mux := http.NewServeMux()
	handler.RegisterWebSocketRoute(mux)
	return &http.Server{
		Addr:    fmt.Sprintf("%s:%s", cfg.Host, cfg.WSPort),
		Handler: mux,
	}
}

func setupHealthCheck(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

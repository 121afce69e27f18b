// Package httpapi exposes the engine's HTTP surface: provider webhooks in,
// conversation event streams out.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/leadpulse/leadpulse/internal/config"
)

// Server is the webhook/events HTTP server.
type Server struct {
	cfg        config.GatewayConfig
	mux        *http.ServeMux
	httpServer *http.Server
}

func NewServer(cfg config.GatewayConfig, webhooks *WebhookHandler, events *EventsHandler) *Server {
	mux := http.NewServeMux()
	webhooks.RegisterRoutes(mux)
	events.RegisterRoutes(mux)

	s := &Server{cfg: cfg, mux: mux}
	mux.HandleFunc("GET /health", s.handleHealth)
	return s
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/frankensim/frankenrouter/internal/logger"
)

// Server is the control API HTTP server.
type Server struct {
	cfg  Config
	http *http.Server

	shutdownOnce sync.Once
}

// NewServer builds a control API server bound to the configured address.
func NewServer(cfg Config, ctrl RouterControl) *Server {
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	return &Server{
		cfg: cfg,
		http: &http.Server{
			Addr:         addr,
			Handler:      newRouter(ctrl),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Control API listening", "address", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errCh:
		return fmt.Errorf("control API server: %w", err)
	}
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	var err error
	s.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		err = s.http.Shutdown(ctx)
		logger.Info("Control API stopped")
	})
	return err
}

// Package api exposes the optional HTTP control surface of the router:
// a read-only view of connected clients and a write endpoint to swap the
// upstream at runtime.
package api

import (
	"time"

	"github.com/frankensim/frankenrouter/pkg/router"
)

// RouterControl is the surface the API needs from the running router.
type RouterControl interface {
	Clients() []router.ClientInfo
	SetUpstream(host string, port int) error
	UUID() string
}

// Config holds the HTTP server settings.
type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sane timeouts for the control API.
func DefaultConfig(port int) Config {
	return Config{
		Host:            "127.0.0.1",
		Port:            port,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

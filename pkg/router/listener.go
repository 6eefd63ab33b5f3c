package router

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/frankensim/frankenrouter/internal/logger"
	"github.com/frankensim/frankenrouter/pkg/config"
)

// listen accepts downstream clients until the context ends.
func (r *Router) listen(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", r.cfg.Listen.Host, r.cfg.Listen.Port)
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	logger.Info("Listening for clients", "address", addr)

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		r.mu.Lock()
		r.nextClientID++
		id := r.nextClientID
		r.mu.Unlock()

		c := newConn(id, nc, false, r.cfg.Performance.WriteBufferWarning)
		go r.handleClient(ctx, c)
	}
}

// handleClient runs one client session: access evaluation, welcome, then
// the line intake loop.
func (r *Router) handleClient(ctx context.Context, c *Conn) {
	res := evaluateAccess(r.cfg.Access, c.addr.Addr(), "", false)

	r.mu.Lock()
	c.access = res.level
	if res.displayName != "" {
		c.setDisplayName(res.displayName, nameFromConfig)
	}
	r.clients[c.id] = c
	r.lastConnect = time.Now()
	clientCount := len(r.clients)
	r.mu.Unlock()

	logger.Info("Client connected",
		"client", c.id, "address", c.addr.String(), "access", string(res.level), "clients", clientCount)
	if r.metrics != nil {
		r.metrics.ClientsConnected.Set(float64(clientCount))
	}

	switch res.level {
	case config.AccessBlocked:
		logger.Warn("Blocked client rejected", "client", c.id, "address", c.addr.String())
		c.WriteLine("access denied")
		c.Close()
		r.removeClient(c)
		return

	case AccessNone:
		if !r.cfg.HasPasswordRule() {
			logger.Warn("Client matched no access rule, closing", "client", c.id, "address", c.addr.String())
			c.Close()
			r.removeClient(c)
			return
		}
		// The client knows its id and may now authenticate.
		c.WriteLine(fmt.Sprintf("id=%d", c.id))
		c.setDisplayName("auth pending", nameFromSocket)

	default:
		go r.welcome(c)
	}

	err := c.readLines(func(line string) {
		select {
		case r.fromClients <- inbound{line: line, sender: c, recvAt: time.Now()}:
		case <-ctx.Done():
		}
	})
	if err != nil && ctx.Err() == nil {
		logger.Info("Client read failed", "client", c.id, "error", err)
	}

	c.Close()
	r.removeClient(c)
}

// removeClient drops a client from the registry.
func (r *Router) removeClient(c *Conn) {
	r.mu.Lock()
	delete(r.clients, c.id)
	clientCount := len(r.clients)
	r.mu.Unlock()

	logger.Info("Client disconnected", "client", c.id, "endpoint", c.endpoint(), "clients", clientCount)
	if r.metrics != nil {
		r.metrics.ClientsConnected.Set(float64(clientCount))
	}
}

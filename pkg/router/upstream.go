package router

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/frankensim/frankenrouter/internal/logger"
	"github.com/frankensim/frankenrouter/pkg/config"
	"github.com/frankensim/frankenrouter/pkg/protocol"
)

// connectUpstream maintains the single outbound session: dial, introduce,
// replay demands, pump lines; on loss pause the clients and retry forever.
func (r *Router) connectUpstream(ctx context.Context) {
	for ctx.Err() == nil {
		r.mu.Lock()
		host, port := r.upstreamHost, r.upstreamPort
		r.mu.Unlock()
		addr := fmt.Sprintf("%s:%d", host, port)

		var d net.Dialer
		nc, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Upstream connect failed, retrying", "address", addr, "delay", reconnectDelay, "error", err)
			r.sleepOrReconnect(ctx)
			continue
		}

		c := newConn(0, nc, true, r.cfg.Performance.WriteBufferWarning)
		c.access = config.AccessFull
		c.setDisplayName("upstream "+addr, nameFromSocket)

		r.mu.Lock()
		r.upstream = c
		r.lastConnect = time.Now()

		// Introduce ourselves so a parent router recognizes us, then
		// replay every demand our clients have standing.
		c.WriteLine("name=" + protocol.SelfName(r.cfg.Identity.Simulator, r.cfg.Identity.Router))
		for _, k := range r.demandUnion() {
			c.WriteLine("demand=" + k)
		}
		r.mu.Unlock()

		logger.Info("Upstream connected", "address", addr)
		if r.metrics != nil {
			r.metrics.UpstreamUp.Set(1)
		}

		readErr := c.readLines(func(line string) {
			select {
			case r.fromUpstream <- inbound{line: line, sender: c, recvAt: time.Now()}:
			case <-ctx.Done():
			}
		})

		c.Close()
		r.mu.Lock()
		if r.upstream == c {
			r.upstream = nil
		}
		r.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		logger.Warn("Upstream connection lost", "address", addr, "error", readErr)
		if r.metrics != nil {
			r.metrics.UpstreamUp.Set(0)
		}
		r.pauseClients()
		r.sleepOrReconnect(ctx)
	}
}

// sleepOrReconnect waits out the retry delay, cut short by an explicit
// reconnect request from the control surface.
func (r *Router) sleepOrReconnect(ctx context.Context) {
	timer := time.NewTimer(reconnectDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-r.reconnect:
	}
}

// demandUnion returns every keyword any client has demanded. Caller holds
// the lock.
func (r *Router) demandUnion() []string {
	set := make(map[string]struct{})
	for _, c := range r.clients {
		for k := range c.demands {
			set[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}

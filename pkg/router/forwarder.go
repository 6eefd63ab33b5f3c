package router

import (
	"context"
	"time"

	"github.com/frankensim/frankenrouter/internal/logger"
	"github.com/frankensim/frankenrouter/pkg/catalog"
	"github.com/frankensim/frankenrouter/pkg/protocol"
)

// forward drains one inbound queue through the rule engine. Two instances
// run, one per direction; each message is classified and dispatched under
// the router lock.
func (r *Router) forward(ctx context.Context, queue chan inbound, name string) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-queue:
			r.handleInbound(msg, name)
		}
	}
}

func (r *Router) handleInbound(msg inbound, queueName string) {
	start := time.Now()
	queueWait := start.Sub(msg.recvAt)

	if r.traffic != nil {
		r.traffic.Inbound(msg.sender.endpoint(), msg.line)
	}

	r.mu.Lock()
	if msg.sender.Closed() {
		r.mu.Unlock()
		return
	}
	m := protocol.ParseLine(msg.line)
	d := r.route(m, msg.sender, start)
	r.dispatch(m, msg.sender, d)
	grace := r.inGracePeriod(start)
	r.mu.Unlock()

	handling := time.Since(start)
	if r.metrics != nil {
		r.metrics.MessagesRouted.WithLabelValues(d.action.String()).Inc()
		r.metrics.QueueWait.Observe(queueWait.Seconds())
		r.metrics.HandlingTime.Observe(handling.Seconds())
		r.metrics.QueueDepth.WithLabelValues(queueName).Set(float64(len(r.fromUpstream) + len(r.fromClients)))
	}

	if !grace {
		if queueWait > r.cfg.Performance.QueueTimeWarning {
			logger.Warn("Message queued too long", "queue", queueName, "keyword", m.Keyword, "wait", queueWait)
		}
		if total := queueWait + handling; total > r.cfg.Performance.TotalDelayWarning {
			logger.Warn("Message handling too slow", "queue", queueName, "keyword", m.Keyword, "total", total)
		}
	}
}

// dispatch executes a routing decision. Caller holds the lock.
func (r *Router) dispatch(m protocol.Message, sender *Conn, d decision) {
	for _, line := range d.reply {
		sender.WriteLine(line)
	}

	switch d.action {
	case actDrop:
		switch d.code {
		case codeBang:
			r.sendBangReply(sender)
		case codeExit:
			logger.Info("Peer requested close", "endpoint", sender.endpoint())
			sender.Close()
		}

	case actDisconnect:
		logger.Warn("Disconnecting peer", "endpoint", sender.endpoint())
		sender.Close()

	case actUpstreamOnly:
		r.sendUpstream(m.Raw)

	case actNormal, actFilter:
		if !sender.upstream {
			r.sendUpstream(m.Raw)
		}
		r.broadcast(m.Raw, sender, d)
	}
}

// sendUpstream forwards one line up. Silently drops while disconnected;
// the connector replays what matters on reconnect.
func (r *Router) sendUpstream(line string) {
	if r.upstream == nil || r.upstream.Closed() {
		return
	}
	r.upstream.WriteLine(line)
	if r.traffic != nil {
		r.traffic.Outbound("upstream", line)
	}
}

// broadcast fans a line out to downstream clients, honoring the
// decision's filter and each client's welcome progress. Caller holds the
// lock.
func (r *Router) broadcast(line string, from *Conn, d decision) {
	var sentTo []int
	for _, c := range r.clients {
		if c == from || c.Closed() || !c.hasAccess() {
			continue
		}
		if d.nolong && c.nolong {
			continue
		}
		if d.nameRegexp != nil && d.nameRegexp.MatchString(c.displayName) {
			continue
		}
		if d.excludeNonRouterPeer && !c.isRouterPeer {
			continue
		}

		if d.startKey != "" {
			// START keywords go to router peers always (they relay) and
			// to ordinary clients only inside their awaiting-START window.
			if c.isRouterPeer {
				c.WriteLine(line)
				sentTo = append(sentTo, c.id)
				continue
			}
			if c.awaitingStart {
				c.sentKeys[d.startKey] = struct{}{}
				c.WriteLine(line)
				sentTo = append(sentTo, c.id)
			}
			continue
		}

		if !c.welcomed {
			// The welcome owns this client's stream; queue and let it
			// flush when done. Keys the welcome already sent are elided.
			key := keywordOf(line)
			if _, dup := c.sentKeys[key]; dup {
				continue
			}
			c.pendingLines = append(c.pendingLines, line)
			continue
		}

		c.WriteLine(line)
		sentTo = append(sentTo, c.id)
	}

	if r.traffic != nil && len(sentTo) > 0 {
		r.traffic.Outbound(logger.CompactIDs(sentTo), line)
	}
	if r.metrics != nil && len(sentTo) > 0 {
		r.metrics.BytesForwarded.WithLabelValues("downstream").Add(float64((len(line) + 2) * len(sentTo)))
	}
}

// sendBangReply answers a client's bang with every cached variable, in
// catalog order, instead of soliciting a full resend from the simulator.
func (r *Router) sendBangReply(sender *Conn) {
	keys := make([]string, 0, r.cache.Size())
	for _, k := range r.cache.Keys() {
		if protocol.IsKeywordVariable(k) && k[0] == 'Q' {
			keys = append(keys, k)
		}
	}
	catalog.SortKeywords(keys)

	for _, k := range keys {
		if v, ok := r.cache.Get(k); ok {
			sender.WriteLine(k + "=" + v)
		}
	}
	logger.Info("Answered bang from cache", "endpoint", sender.endpoint(), "keywords", len(keys))

	// Peer routers still need to know a bang happened.
	r.broadcastRDPToPeers(protocol.EncodeRDP(protocol.VerbBang, ""), sender)
}

// broadcastRDPToPeers sends a dialect line to every router peer except
// the originator. Caller holds the lock.
func (r *Router) broadcastRDPToPeers(line string, except *Conn) {
	if r.upstream != nil && !r.upstream.Closed() && r.upstream.isRouterPeer && r.upstream != except {
		r.upstream.WriteLine(line)
	}
	for _, c := range r.clients {
		if c == except || c.Closed() || !c.isRouterPeer {
			continue
		}
		c.WriteLine(line)
	}
}

// pauseClients broadcasts load1 so every client enters its pause state,
// used when the upstream drops and on shutdown.
func (r *Router) pauseClients() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastLoad1 = time.Now()
	for _, c := range r.clients {
		if !c.Closed() && c.hasAccess() && c.welcomed {
			c.WriteLine("load1")
		}
	}
}

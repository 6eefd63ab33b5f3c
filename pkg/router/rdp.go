package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/frankensim/frankenrouter/internal/logger"
	"github.com/frankensim/frankenrouter/pkg/config"
	"github.com/frankensim/frankenrouter/pkg/protocol"
)

// sharedInfo is the cluster-wide state the master router disseminates.
type sharedInfo struct {
	UUID        string `json:"uuid"`
	PilotFlying string `json:"pilot_flying_simulator"`
}

// clientInfo is sent by a helper process on a peer to put a friendly name
// on a connection identified only by its socket address.
type clientInfo struct {
	IP   string `json:"ip"`
	Port uint16 `json:"port"`
	Name string `json:"name"`
}

// routerInfo is the gossip blob routers exchange about themselves.
type routerInfo struct {
	UUID string `json:"uuid"`
}

// routeAddon handles addon= lines: foreign namespaces pass through,
// the FRANKENROUTER namespace is the inter-router dialect.
func (r *Router) routeAddon(m protocol.Message, sender *Conn, now time.Time) decision {
	a, ok := protocol.ParseAddon(m.Value)
	if !ok {
		return decision{action: actDrop, code: codeInvalid}
	}

	if a.Namespace != protocol.Namespace {
		if !sender.canWrite() {
			return decision{action: actDrop, code: codeNoWrite}
		}
		return decision{action: actNormal}
	}

	msg, err := protocol.ParseRDP(a.Rest)
	if err != nil {
		logger.Warn("Malformed router message", "endpoint", sender.endpoint(), "error", err)
		return decision{action: actDrop, code: codeInvalid}
	}
	if msg.Version != protocol.RDPVersion {
		logger.Warn("Router dialect version mismatch",
			"endpoint", sender.endpoint(), "got", msg.Version, "want", protocol.RDPVersion)
		return decision{action: actDisconnect, code: codeVersionMismatch}
	}

	// An unauthenticated client may only authenticate.
	if sender.access == AccessNone && !sender.upstream && msg.Verb != protocol.VerbAuth {
		return decision{action: actDrop, code: codeNoWrite}
	}

	// Speaking the dialect identifies the link as a router, except AUTH,
	// which ordinary clients use too.
	if msg.Verb != protocol.VerbAuth && !sender.isRouterPeer {
		sender.isRouterPeer = true
		logger.Info("Peer speaks router dialect", "endpoint", sender.endpoint(), "verb", msg.Verb)
	}

	switch msg.Verb {
	case protocol.VerbPing:
		return decision{action: actDrop, code: codeRouterControl,
			reply: []string{protocol.EncodeRDP(protocol.VerbPong, msg.Payload)}}

	case protocol.VerbPong:
		return r.handlePong(msg.Payload, sender, now)

	case protocol.VerbIdent:
		return r.handleIdent(msg.Payload, sender)

	case protocol.VerbClientInfo:
		if sender.upstream {
			return decision{action: actDrop, code: codeInvalid}
		}
		return r.handleClientInfo(msg.Payload)

	case protocol.VerbRouterInfo:
		var info routerInfo
		if err := json.Unmarshal([]byte(msg.Payload), &info); err != nil || info.UUID == "" {
			return decision{action: actDrop, code: codeInvalid}
		}
		r.routerInfo[info.UUID] = msg.Payload
		return decision{action: actFilter, excludeNonRouterPeer: true}

	case protocol.VerbSharedInfo:
		return r.handleSharedInfo(msg.Payload, sender)

	case protocol.VerbMyControls:
		sim := sender.peerSim
		if sim == "" {
			sim = r.cfg.Identity.Simulator
		}
		r.setPilotFlying(sim, sender)
		return decision{action: actDrop, code: codeRouterControl}

	case protocol.VerbAllControlLocks:
		r.setPilotFlying(AllControlLocks, sender)
		return decision{action: actDrop, code: codeRouterControl}

	case protocol.VerbNoControlLocks:
		r.setPilotFlying(NoControlLocks, sender)
		return decision{action: actDrop, code: codeRouterControl}

	case protocol.VerbFlightControls:
		r.setPilotFlying(msg.Payload, sender)
		return decision{action: actDrop, code: codeRouterControl}

	case protocol.VerbAuth:
		return r.handleAuth(msg.Payload, sender)

	case protocol.VerbJoin:
		return decision{action: actNormal}

	case protocol.VerbBang:
		// A peer's network saw a bang; relay to our peers only.
		r.lastBang = time.Now()
		return decision{action: actFilter, excludeNonRouterPeer: true}

	default:
		logger.Warn("Unknown router verb", "endpoint", sender.endpoint(), "verb", msg.Verb)
		return decision{action: actDrop, code: codeInvalid}
	}
}

func (r *Router) handlePong(id string, sender *Conn, now time.Time) decision {
	if id == "" || id != sender.lastPingID {
		logger.Warn("PONG with unexpected id", "endpoint", sender.endpoint(), "id", id)
		return decision{action: actDrop, code: codeInvalid}
	}
	rtt := now.Sub(sender.pingSentAt)
	sender.lastPingID = ""

	// Samples right after a connect measure backlog, not the link.
	if now.Sub(sender.connectedAt) > warningGrace {
		sender.recordRTT(rtt)
		if r.metrics != nil {
			r.metrics.RDPRoundTrip.Observe(rtt.Seconds())
		}
	}
	if rtt > r.cfg.Performance.FRDPRTTWarning {
		logger.Warn("Slow router link", "endpoint", sender.endpoint(), "rtt", rtt)
	}
	return decision{action: actDrop, code: codeRouterControl}
}

func (r *Router) handleIdent(payload string, sender *Conn) decision {
	parts := strings.SplitN(payload, ":", 3)
	if len(parts) != 3 {
		return decision{action: actDrop, code: codeInvalid}
	}
	sender.peerSim, sender.peerRouter, sender.peerUUID = parts[0], parts[1], parts[2]
	sender.setDisplayName(sender.peerRouter, nameFromRDP)
	logger.Info("Router peer identified",
		"endpoint", sender.endpoint(), "simulator", sender.peerSim, "router", sender.peerRouter, "uuid", sender.peerUUID)
	return decision{action: actDrop, code: codeRouterControl}
}

func (r *Router) handleClientInfo(payload string) decision {
	var info clientInfo
	if err := json.Unmarshal([]byte(payload), &info); err != nil || info.Name == "" {
		return decision{action: actDrop, code: codeInvalid}
	}
	for _, c := range r.clients {
		if c.addr.Addr().String() == info.IP && c.addr.Port() == info.Port {
			c.setDisplayName(info.Name, nameFromRDP)
			logger.Info("Client name learned from peer", "endpoint", c.endpoint())
			break
		}
	}
	return decision{action: actDrop, code: codeRouterControl}
}

func (r *Router) handleSharedInfo(payload string, sender *Conn) decision {
	var info sharedInfo
	if err := json.Unmarshal([]byte(payload), &info); err != nil || info.UUID == "" {
		return decision{action: actDrop, code: codeInvalid}
	}

	if r.masterUUID == r.uuid && info.UUID != r.uuid {
		// Two masters. The higher uuid keeps the role.
		if info.UUID > r.uuid {
			logger.Warn("Relinquishing shared-state mastership", "to", info.UUID)
			r.masterUUID = info.UUID
		} else {
			logger.Warn("Ignoring shared state from lower-ranked master", "from", info.UUID)
			return decision{action: actDrop, code: codeFiltered}
		}
	} else {
		r.masterUUID = info.UUID
	}

	if info.PilotFlying != "" && info.PilotFlying != r.pilotFlying {
		r.pilotFlying = info.PilotFlying
		r.updateControlsMessage(sender)
	}
	return decision{action: actFilter, excludeNonRouterPeer: true}
}

// setPilotFlying updates the shared pilot-flying state and re-emits the
// derived messages. Caller holds the lock.
func (r *Router) setPilotFlying(who string, origin *Conn) {
	if who == r.pilotFlying {
		return
	}
	logger.Info("Pilot flying changed", "from", r.pilotFlying, "to", who)
	r.pilotFlying = who

	r.broadcastRDPToPeers(protocol.EncodeRDP(protocol.VerbFlightControls, who), origin)
	r.updateControlsMessage(origin)

	if r.masterUUID == r.uuid {
		r.emitSharedInfo(origin)
	}
}

// updateControlsMessage refreshes the EICAS free-message keyword that
// shows crews who is flying.
func (r *Router) updateControlsMessage(origin *Conn) {
	var text string
	switch r.pilotFlying {
	case NoControlLocks:
		text = ""
	case AllControlLocks:
		text = "FLT CONTROLS LOCKED"
	default:
		text = fmt.Sprintf("PILOT FLYING %s", strings.ToUpper(r.pilotFlying))
	}
	line := kwFreeMessage + "=" + text
	_ = r.cache.Update(kwFreeMessage, text) // Qs keyword, never rejected
	r.broadcast(line, origin, decision{action: actNormal})
	r.sendUpstream(line)
}

// emitSharedInfo disseminates cluster state to router peers. Caller holds
// the lock.
func (r *Router) emitSharedInfo(except *Conn) {
	payload, err := json.Marshal(sharedInfo{UUID: r.uuid, PilotFlying: r.pilotFlying})
	if err != nil {
		return
	}
	r.broadcastRDPToPeers(protocol.EncodeRDP(protocol.VerbSharedInfo, string(payload)), except)
}

// handleAuth processes a client's password. Only clients without access
// may authenticate; success triggers the welcome, failure closes.
func (r *Router) handleAuth(password string, sender *Conn) decision {
	if sender.upstream {
		return decision{action: actDrop, code: codeInvalid}
	}
	if sender.access != AccessNone {
		logger.Warn("AUTH from client that already has access", "endpoint", sender.endpoint())
		return decision{action: actDrop, code: codeFiltered}
	}

	level := r.accessLevelForAuth(sender, password)
	if level != config.AccessFull && level != config.AccessObserver {
		logger.Warn("Authentication failed", "endpoint", sender.endpoint())
		return decision{action: actDisconnect, code: codeAuthFailed}
	}

	sender.access = level
	logger.Info("Client authenticated", "endpoint", sender.endpoint(), "level", level)
	go r.welcome(sender)
	return decision{action: actDrop, code: codeRouterControl}
}

// runRDPScheduler drives the periodic dialect traffic: PING per router
// peer, IDENT once per link, AUTH upstream once when a password is set.
func (r *Router) runRDPScheduler(ctx context.Context) {
	ticker := time.NewTicker(rdpPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.rdpTick(time.Now())
		}
	}
}

func (r *Router) rdpTick(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	links := make([]*Conn, 0, len(r.clients)+1)
	if r.upstream != nil && !r.upstream.Closed() {
		links = append(links, r.upstream)
	}
	for _, c := range r.clients {
		if !c.Closed() {
			links = append(links, c)
		}
	}

	for _, link := range links {
		if !link.isRouterPeer {
			continue
		}
		id := protocol.RandomID()
		link.lastPingID = id
		link.pingSentAt = now
		link.WriteLine(protocol.EncodeRDP(protocol.VerbPing, id))

		if !link.identSent {
			payload := fmt.Sprintf("%s:%s:%s", r.cfg.Identity.Simulator, r.cfg.Identity.Router, r.uuid)
			link.WriteLine(protocol.EncodeRDP(protocol.VerbIdent, payload))
			link.identSent = true
		}
	}

	if r.upstream != nil && !r.upstream.Closed() && r.upstream.isRouterPeer &&
		r.cfg.Upstream.Password != "" && !r.upstream.authSent {
		r.upstream.WriteLine(protocol.EncodeRDP(protocol.VerbAuth, r.cfg.Upstream.Password))
		r.upstream.authSent = true
	}
}

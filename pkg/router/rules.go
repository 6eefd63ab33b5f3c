package router

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/frankensim/frankenrouter/internal/logger"
	"github.com/frankensim/frankenrouter/pkg/catalog"
	"github.com/frankensim/frankenrouter/pkg/config"
	"github.com/frankensim/frankenrouter/pkg/protocol"
)

// action is what the dispatcher does with a classified message.
type action int

const (
	actDrop action = iota
	actDisconnect
	actUpstreamOnly
	actNormal
	actFilter
)

// code refines a decision for the dispatcher and for logging.
type code int

const (
	codeOK code = iota
	codeInvalid
	codeNoWrite
	codeBang
	codeExit
	codeVersionMismatch
	codeAuthFailed
	codeRouterControl
	codeFiltered
)

func (a action) String() string {
	switch a {
	case actDrop:
		return "drop"
	case actDisconnect:
		return "disconnect"
	case actUpstreamOnly:
		return "upstream_only"
	case actNormal:
		return "normal"
	case actFilter:
		return "filter"
	default:
		return "unknown"
	}
}

// decision is the rule engine's verdict on one message.
type decision struct {
	action action
	code   code

	// Filter extras, meaningful for actFilter (and reply for actDrop).
	nolong               bool
	startKey             string
	nameRegexp           *regexp.Regexp
	excludeNonRouterPeer bool
	reply                []string
}

// Well-known keywords the ingress filters act on.
const (
	kwTiller         = "Qh426"
	kwFlightControls = "Qs120"
	kwBACARSData     = "Qs119"
	kwElevation      = "Qi198"
	kwTrafficA       = "Qi201"
	kwTrafficB       = "Qi202"
	kwFreeMessage    = "Qs419"
	kwGroundSpeed    = "Qi191"
)

// bacarsQuietPeriod suppresses the BACARS data keyword for a fresh peer;
// the addon replays stale buffers right after connecting.
const bacarsQuietPeriod = 30 * time.Second

// startFilterWindow: START keywords within this long after a load3 belong
// to a situation load and are broadcast normally.
const startFilterWindow = 5 * time.Second

// soundAfterBangWindow: a ground-speed update arriving this soon after a
// bang gets the sound addon excluded, so it does not replay engine noise.
const soundAfterBangWindow = 2 * time.Second

var (
	flightControlKeywords = map[string]bool{
		kwFlightControls: true,
		"Qh78":           true,
		"Qh79":           true,
		"Qh80":           true,
		"Qh81":           true,
	}
	soundNameRe  = regexp.MustCompile(`.*PSX Sound.*`)
	bacarsNameRe = regexp.MustCompile(`(?i)bacars`)
)

// route classifies one line. Side effects are limited to per-sender
// session fields and the cache; sending and closing happen in dispatch.
// Caller holds the lock.
func (r *Router) route(m protocol.Message, sender *Conn, now time.Time) decision {
	// 1. Empty or multi-line payloads are invalid.
	if m.Raw == "" || strings.ContainsAny(m.Raw, "\r\n") {
		return decision{action: actDrop, code: codeInvalid}
	}

	switch m.Keyword {
	case "name", "clientName":
		return r.routeName(m, sender)
	case "addon":
		return r.routeAddon(m, sender, now)
	case "demand":
		if sender.upstream {
			return decision{action: actDrop, code: codeInvalid}
		}
		if sender.access == AccessNone {
			return decision{action: actDrop, code: codeNoWrite}
		}
		sender.demands[m.Value] = struct{}{}
		return decision{action: actUpstreamOnly}
	}

	// 5. Everything below requires write access.
	if !sender.canWrite() {
		return decision{action: actDrop, code: codeNoWrite}
	}

	switch m.Keyword {
	case "again", "start", "lexicon":
		// Requests flow up, never down.
		if sender.upstream {
			return decision{action: actDrop, code: codeInvalid}
		}
		return decision{action: actUpstreamOnly}

	case "pleaseBeSoKindAndQuit":
		if r.crossSimCommand(sender) {
			return decision{action: actDrop, code: codeFiltered}
		}
		return decision{action: actNormal}

	case "layout":
		if !m.HasValue {
			if r.crossSimCommand(sender) {
				return decision{action: actDrop, code: codeFiltered}
			}
			return decision{action: actNormal}
		}
		// layout=<n> is a value broadcast, handled as a keyword below.

	case "load1":
		r.lastLoad1 = now
		return decision{action: actNormal}
	case "load2":
		return decision{action: actNormal}
	case "load3":
		r.lastLoad3 = now
		return decision{action: actNormal}

	case "bang":
		r.lastBang = now
		if sender.upstream {
			return decision{action: actDrop, code: codeFiltered}
		}
		// The dispatcher answers from the cache instead of disturbing
		// the whole network.
		return decision{action: actDrop, code: codeBang}

	case "exit":
		return decision{action: actDrop, code: codeExit}

	case "keepalive":
		// Keepalives are per-link, never forwarded.
		return decision{action: actDrop}

	case "nolong":
		if sender.upstream {
			return decision{action: actDrop, code: codeInvalid}
		}
		sender.nolong = !sender.nolong
		logger.Info("Client toggled nolong", "endpoint", sender.endpoint(), "nolong", sender.nolong)
		return decision{action: actDrop}

	case "id":
		// Clients get their own id during welcome; the upstream's id
		// must never leak downstream.
		if sender.upstream {
			return decision{action: actDrop, code: codeFiltered}
		}
		return decision{action: actDrop, code: codeInvalid}
	}

	if !m.HasValue {
		logger.Warn("Unknown bare command forwarded", "keyword", m.Keyword, "endpoint", sender.endpoint())
		return decision{action: actNormal}
	}

	// 12. Unknown key=value pairs pass with a warning.
	if !r.isProtocolKeyword(m.Keyword) {
		logger.Warn("Forwarding unknown keyword", "keyword", m.Keyword, "endpoint", sender.endpoint())
		return decision{action: actNormal}
	}

	// 13. Known protocol keyword carrying a value.
	return r.routeKeyword(m, sender, now)
}

// routeName handles name= and clientName= self identification.
func (r *Router) routeName(m protocol.Message, sender *Conn) decision {
	if sender.access == AccessNone && !sender.upstream {
		return decision{action: actDrop, code: codeNoWrite}
	}
	if protocol.IsRouterName(m.Value) {
		if !sender.isRouterPeer {
			logger.Info("Peer identified as router", "endpoint", sender.endpoint(), "name", m.Value)
		}
		sender.isRouterPeer = true
		sender.setDisplayName(protocol.DisplayName(m.Value), nameFromName)
		return decision{action: actDrop}
	}
	if sender.isRouterPeer {
		// A router peer re-identifying as something else is relaying a
		// client's name line; never relearn from it.
		return decision{action: actDrop, code: codeFiltered}
	}
	sender.setDisplayName(protocol.DisplayName(m.Value), nameFromName)
	logger.Info("Client identified", "endpoint", sender.endpoint(), "name", m.Value)
	return decision{action: actDrop}
}

// crossSimCommand reports whether a shutdown/layout command came from a
// router peer that belongs to a different simulator.
func (r *Router) crossSimCommand(sender *Conn) bool {
	return sender.isRouterPeer && sender.peerSim != "" && sender.peerSim != r.cfg.Identity.Simulator
}

// isProtocolKeyword is the hot-path classifier: variable prefixes first,
// then the reserved word list.
func (r *Router) isProtocolKeyword(k string) bool {
	if protocol.IsKeywordVariable(k) {
		return true
	}
	return catalog.IsProtocolKeyword(k)
}

// routeKeyword applies ingress filters, updates the cache, and picks the
// egress policy for a key=value protocol message.
func (r *Router) routeKeyword(m protocol.Message, sender *Conn, now time.Time) decision {
	// Ingress filters, config gated.
	if d, dropped := r.ingressFilter(m, sender, now); dropped {
		return d
	}

	// Typed cache update; the cache rejects wrong-typed Qi/Qh values.
	if err := r.cache.UpdateAt(m.Keyword, m.Value, now); err != nil {
		logger.Warn("Rejecting value", "endpoint", sender.endpoint(), "error", err)
		return decision{action: actDrop, code: codeInvalid}
	}
	r.stats.Record(m.Keyword, now)

	// Ground speed right after a bang: keep the sound addon from
	// replaying noise it already reset.
	if m.Keyword == kwGroundSpeed && sender.upstream && now.Sub(r.lastBang) < soundAfterBangWindow {
		return decision{action: actFilter, nameRegexp: soundNameRe}
	}

	// Egress selection.
	if r.catalog.IsNolong(m.Keyword) {
		return decision{action: actFilter, nolong: true}
	}
	if r.catalog.ModeOf(m.Keyword) == catalog.ModeStart && now.Sub(r.lastLoad3) > startFilterWindow {
		return decision{action: actFilter, startKey: m.Keyword}
	}
	return decision{action: actNormal}
}

// ingressFilter drops noisy or unauthorized keyword traffic before it
// reaches the cache.
func (r *Router) ingressFilter(m protocol.Message, sender *Conn, now time.Time) (decision, bool) {
	drop := decision{action: actDrop, code: codeFiltered}

	switch {
	case m.Keyword == kwTiller && r.cfg.Filtering.Tiller:
		if r.tillerJitter(m.Value) {
			return drop, true
		}

	case flightControlKeywords[m.Keyword] && r.cfg.PSX.FilterFlightControls && !sender.upstream:
		switch r.pilotFlying {
		case NoControlLocks:
			// Controls are free.
		case AllControlLocks:
			return drop, true
		case r.cfg.Identity.Simulator:
			// We are pilot flying.
		default:
			// Another simulator has the controls.
			return drop, true
		}

	case m.Keyword == kwBACARSData && bacarsNameRe.MatchString(sender.displayName):
		if now.Sub(sender.connectedAt) < bacarsQuietPeriod {
			return drop, true
		}

	case m.Keyword == kwElevation && r.cfg.PSX.FilterElevation && !sender.upstream:
		return drop, true

	case (m.Keyword == kwTrafficA || m.Keyword == kwTrafficB) && r.cfg.PSX.FilterTraffic && !sender.upstream:
		return drop, true
	}
	return decision{}, false
}

// tillerJitter reports whether a tiller update is sub-threshold noise:
// the movement is tiny while the tiller is held away from center.
func (r *Router) tillerJitter(value string) bool {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return false
	}
	cached, ok := r.cache.Get(kwTiller)
	if !ok {
		return false
	}
	prev, err := strconv.ParseFloat(cached, 64)
	if err != nil {
		return false
	}
	delta := v - prev
	if delta < 0 {
		delta = -delta
	}
	abs := v
	if abs < 0 {
		abs = -abs
	}
	return delta < r.cfg.Filtering.TillerSmallestMovement && abs > r.cfg.Filtering.TillerCenter
}

// accessLevelForAuth re-evaluates the access policy with a presented
// password. Empty passwords never grant anything.
func (r *Router) accessLevelForAuth(sender *Conn, password string) config.AccessLevel {
	if password == "" {
		return AccessNone
	}
	res := evaluateAccess(r.cfg.Access, sender.addr.Addr(), password, sender.isRouterPeer)
	if res.matched && res.displayName != "" {
		sender.setDisplayName(res.displayName, nameFromConfig)
	}
	return res.level
}

package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankensim/frankenrouter/pkg/config"
	"github.com/frankensim/frankenrouter/pkg/protocol"
)

func TestRouteInvalidLines(t *testing.T) {
	r := newTestRouter(t, testConfig())
	client := newFakeConn(1, false)

	for _, line := range []string{"", "Qs1=a\nQs2=b", "Qs1=a\r\nQs2=b"} {
		d := routeOnly(r, client, line)
		assert.Equal(t, actDrop, d.action, "%q", line)
		assert.Equal(t, codeInvalid, d.code, "%q", line)
	}
}

func TestRouteNameLearnsClient(t *testing.T) {
	r := newTestRouter(t, testConfig())
	client := newFakeConn(1, false)

	d := routeOnly(r, client, "name=BACARS:1.4")
	assert.Equal(t, actDrop, d.action)
	assert.Equal(t, "BACARS", client.displayName)
	assert.False(t, client.isRouterPeer)
}

func TestRouteNameDetectsRouterPeer(t *testing.T) {
	r := newTestRouter(t, testConfig())
	client := newFakeConn(1, false)

	routeOnly(r, client, "name=othersim:FRANKEN.PY frankenrouter PSX router upstairs")
	assert.True(t, client.isRouterPeer)

	// A relayed client name must not overwrite the router identity.
	routeOnly(r, client, "name=PSX Sounds:PSX Sounds 1.2")
	assert.True(t, client.isRouterPeer)
	assert.NotEqual(t, "PSX Sounds", client.displayName)
}

func TestRouteDemand(t *testing.T) {
	r := newTestRouter(t, testConfig())
	client := newFakeConn(1, false)
	upstream := newFakeConn(0, true)

	d := routeOnly(r, client, "demand=Qi198")
	assert.Equal(t, actUpstreamOnly, d.action)
	assert.Contains(t, client.demands, "Qi198")

	d = routeOnly(r, upstream, "demand=Qi198")
	assert.Equal(t, actDrop, d.action)
}

func TestRouteObserverWritesDropped(t *testing.T) {
	r := newTestRouter(t, testConfig())
	observer := newFakeConn(1, false)
	observer.access = config.AccessObserver

	d := routeOnly(r, observer, "Qi0=5")
	assert.Equal(t, actDrop, d.action)
	assert.Equal(t, codeNoWrite, d.code)

	// Handshake messages still pass.
	d = routeOnly(r, observer, "demand=Qi198")
	assert.Equal(t, actUpstreamOnly, d.action)
	d = routeOnly(r, observer, "name=Some Client:v1")
	assert.Equal(t, actDrop, d.action)
	assert.NotEqual(t, codeNoWrite, d.code)
}

func TestRouteRequestsUpstreamOnly(t *testing.T) {
	r := newTestRouter(t, testConfig())
	client := newFakeConn(1, false)
	upstream := newFakeConn(0, true)

	for _, line := range []string{"again", "start", "lexicon"} {
		d := routeOnly(r, client, line)
		assert.Equal(t, actUpstreamOnly, d.action, line)

		d = routeOnly(r, upstream, line)
		assert.Equal(t, actDrop, d.action, line)
	}
}

func TestRouteCrossSimShutdownBlocked(t *testing.T) {
	r := newTestRouter(t, testConfig())
	peer := newFakeConn(1, false)
	peer.isRouterPeer = true
	peer.peerSim = "othersim"

	d := routeOnly(r, peer, "pleaseBeSoKindAndQuit")
	assert.Equal(t, actDrop, d.action)

	peer.peerSim = "mysim"
	d = routeOnly(r, peer, "pleaseBeSoKindAndQuit")
	assert.Equal(t, actNormal, d.action)
}

func TestRouteLoadsRecordTimestamps(t *testing.T) {
	r := newTestRouter(t, testConfig())
	upstream := newFakeConn(0, true)

	now := time.Now()
	d := routeOnlyAt(r, upstream, "load1", now)
	assert.Equal(t, actNormal, d.action)
	assert.Equal(t, now, r.lastLoad1)

	d = routeOnlyAt(r, upstream, "load3", now)
	assert.Equal(t, actNormal, d.action)
	assert.Equal(t, now, r.lastLoad3)
}

func TestRouteBang(t *testing.T) {
	r := newTestRouter(t, testConfig())
	r.cache.Update("Qi0", "7")
	r.cache.Update("Qs119", "text")
	client := newFakeConn(1, false)
	upstream := newFakeConn(0, true)

	d := routeOnly(r, upstream, "bang")
	assert.Equal(t, actDrop, d.action)
	assert.NotEqual(t, codeBang, d.code)

	// A client bang is answered from the cache, not forwarded.
	feed(r, client, "bang")
	lines := drainLines(client)
	assert.Contains(t, lines, "Qi0=7")
	assert.Contains(t, lines, "Qs119=text")
}

func TestRouteExitClosesSender(t *testing.T) {
	r := newTestRouter(t, testConfig())
	client := newFakeConn(1, false)

	d := feed(r, client, "exit")
	assert.Equal(t, codeExit, d.code)
	assert.True(t, client.Closed())
}

func TestRouteNolongToggle(t *testing.T) {
	r := newTestRouter(t, testConfig())
	client := newFakeConn(1, false)
	upstream := newFakeConn(0, true)

	routeOnly(r, client, "nolong")
	assert.True(t, client.nolong)
	routeOnly(r, client, "nolong")
	assert.False(t, client.nolong)

	d := routeOnly(r, upstream, "nolong")
	assert.Equal(t, codeInvalid, d.code)
}

func TestRouteUpstreamIDNeverLeaks(t *testing.T) {
	r := newTestRouter(t, testConfig())
	upstream := newFakeConn(0, true)
	client := newFakeConn(1, false)
	addClient(r, client)
	client.welcomed = true

	d := feed(r, upstream, "id=9")
	assert.Equal(t, actDrop, d.action)
	assert.Empty(t, drainLines(client))
}

func TestRouteUnknownKeywordForwarded(t *testing.T) {
	r := newTestRouter(t, testConfig())
	upstream := newFakeConn(0, true)

	d := routeOnly(r, upstream, "fancyNewKey=1")
	assert.Equal(t, actNormal, d.action)
}

func TestRouteKeywordUpdatesCache(t *testing.T) {
	r := newTestRouter(t, testConfig())
	upstream := newFakeConn(0, true)

	d := routeOnly(r, upstream, "Qi0=42")
	assert.Equal(t, actNormal, d.action)
	v, ok := r.cache.Get("Qi0")
	require.True(t, ok)
	assert.Equal(t, "42", v)

	// Integer keywords reject garbage.
	d = routeOnly(r, upstream, "Qi0=banana")
	assert.Equal(t, codeInvalid, d.code)
	v, _ = r.cache.Get("Qi0")
	assert.Equal(t, "42", v)
}

func TestRouteNolongEgressFilter(t *testing.T) {
	r := newTestRouter(t, testConfig())
	upstream := newFakeConn(0, true)

	d := routeOnly(r, upstream, "Qs411=humantext")
	assert.Equal(t, actFilter, d.action)
	assert.True(t, d.nolong)
}

// Fixture: a client that sent nolong stops seeing NOLONG keywords until
// it toggles back.
func TestNolongClientFiltering(t *testing.T) {
	r := newTestRouter(t, testConfig())
	upstream := newFakeConn(0, true)
	client := newFakeConn(1, false)
	client.welcomed = true
	addClient(r, client)

	feed(r, client, "nolong")
	drainLines(client)

	feed(r, upstream, "Qs411=other")
	assert.Empty(t, drainLines(client))

	feed(r, client, "nolong")
	feed(r, upstream, "Qs411=after")
	assert.Equal(t, []string{"Qs411=after"}, drainLines(client))
}

func TestRouteStartKeywordFilter(t *testing.T) {
	r := newTestRouter(t, testConfig())
	upstream := newFakeConn(0, true)

	// Long after a load3, START keywords are confined to awaiting clients.
	now := time.Now()
	r.lastLoad3 = now.Add(-time.Minute)
	d := routeOnlyAt(r, upstream, "Qs450=situ", now)
	assert.Equal(t, actFilter, d.action)
	assert.Equal(t, "Qs450", d.startKey)

	// Right after a load3 they are part of a situation load.
	r.lastLoad3 = now.Add(-time.Second)
	d = routeOnlyAt(r, upstream, "Qs450=situ", now)
	assert.Equal(t, actNormal, d.action)
}

func TestStartBroadcastPolicy(t *testing.T) {
	r := newTestRouter(t, testConfig())
	upstream := newFakeConn(0, true)

	awaiting := newFakeConn(1, false)
	awaiting.awaitingStart = true
	ordinary := newFakeConn(2, false)
	ordinary.welcomed = true
	peer := newFakeConn(3, false)
	peer.isRouterPeer = true
	peer.welcomed = true
	for _, c := range []*Conn{awaiting, ordinary, peer} {
		addClient(r, c)
	}

	r.mu.Lock()
	r.lastLoad3 = time.Now().Add(-time.Minute)
	r.mu.Unlock()
	feed(r, upstream, "Qs450=situ")

	assert.Equal(t, []string{"Qs450=situ"}, drainLines(awaiting), "awaiting client gets it")
	assert.Contains(t, awaiting.sentKeys, "Qs450")
	assert.Empty(t, drainLines(ordinary), "ordinary client filtered")
	assert.Equal(t, []string{"Qs450=situ"}, drainLines(peer), "router peer always relays")
}

func TestTillerJitterFilter(t *testing.T) {
	cfg := testConfig()
	cfg.Filtering.Tiller = true
	r := newTestRouter(t, cfg)
	client := newFakeConn(1, false)

	// Establish a cached position well away from center.
	d := routeOnly(r, client, "Qh426=100")
	assert.Equal(t, actNormal, d.action)

	// A tiny wiggle off-center is noise.
	d = routeOnly(r, client, "Qh426=102")
	assert.Equal(t, actDrop, d.action)
	assert.Equal(t, codeFiltered, d.code)

	// A real movement passes.
	d = routeOnly(r, client, "Qh426=200")
	assert.Equal(t, actNormal, d.action)

	// Near center, small movements pass too.
	routeOnly(r, client, "Qh426=2")
	d = routeOnly(r, client, "Qh426=3")
	assert.Equal(t, actNormal, d.action)
}

// Fixture: flight-control lockout via shared pilot-flying state.
func TestFlightControlLockout(t *testing.T) {
	cfg := testConfig()
	cfg.PSX.FilterFlightControls = true
	r := newTestRouter(t, cfg)
	client := newFakeConn(1, false)
	upstream := newFakeConn(0, true)
	setUpstreamConn(r, upstream)

	// Another simulator holds the controls.
	feed(r, upstream, `addon=FRANKENROUTER:1:SHAREDINFO:{"uuid":"zzz","pilot_flying_simulator":"OtherSim"}`)
	drainLines(upstream)

	d := feed(r, client, "Qs120=somecontrols")
	assert.Equal(t, actDrop, d.action)
	assert.Empty(t, drainLines(upstream), "upstream must not see locked controls")

	// Control locks released.
	feed(r, upstream, `addon=FRANKENROUTER:1:SHAREDINFO:{"uuid":"zzz","pilot_flying_simulator":"NO_CONTROL_LOCKS"}`)
	drainLines(upstream)

	d = feed(r, client, "Qs120=somecontrols")
	assert.Equal(t, actNormal, d.action)
	assert.Contains(t, drainLines(upstream), "Qs120=somecontrols")
}

func TestFlightControlsOwnSimPasses(t *testing.T) {
	cfg := testConfig()
	cfg.PSX.FilterFlightControls = true
	r := newTestRouter(t, cfg)
	client := newFakeConn(1, false)

	r.mu.Lock()
	r.pilotFlying = "mysim"
	r.mu.Unlock()
	d := routeOnly(r, client, "Qh78=10")
	assert.Equal(t, actNormal, d.action)

	r.mu.Lock()
	r.pilotFlying = AllControlLocks
	r.mu.Unlock()
	d = routeOnly(r, client, "Qh78=10")
	assert.Equal(t, actDrop, d.action)
}

func TestBACARSQuietPeriod(t *testing.T) {
	r := newTestRouter(t, testConfig())
	fresh := newFakeConn(1, false)
	fresh.displayName = "BACARS"
	fresh.connectedAt = time.Now()

	d := routeOnly(r, fresh, "Qs119=stale buffer")
	assert.Equal(t, codeFiltered, d.code)

	// After the quiet period the same traffic passes.
	fresh.connectedAt = time.Now().Add(-time.Minute)
	d = routeOnly(r, fresh, "Qs119=real message")
	assert.Equal(t, actNormal, d.action)

	// Non-BACARS senders are never quieted.
	other := newFakeConn(2, false)
	other.connectedAt = time.Now()
	d = routeOnly(r, other, "Qs119=hello")
	assert.Equal(t, actNormal, d.action)
}

func TestElevationAndTrafficFilters(t *testing.T) {
	cfg := testConfig()
	cfg.PSX.FilterElevation = true
	cfg.PSX.FilterTraffic = true
	r := newTestRouter(t, cfg)
	client := newFakeConn(1, false)
	upstream := newFakeConn(0, true)

	for _, line := range []string{"Qi198=500", "Qi201=1", "Qi202=2"} {
		d := routeOnly(r, client, line)
		assert.Equal(t, codeFiltered, d.code, line)

		// The upstream's own data always passes.
		d = routeOnly(r, upstream, line)
		assert.Equal(t, actNormal, d.action, line)
	}
}

func TestGroundSpeedAfterBangExcludesSounds(t *testing.T) {
	r := newTestRouter(t, testConfig())
	upstream := newFakeConn(0, true)
	sound := newFakeConn(1, false)
	sound.displayName = "PSX Sounds"
	sound.welcomed = true
	other := newFakeConn(2, false)
	other.welcomed = true
	addClient(r, sound)
	addClient(r, other)

	r.mu.Lock()
	r.lastBang = time.Now()
	r.mu.Unlock()

	feed(r, upstream, "Qi191=120")
	assert.Empty(t, drainLines(sound))
	assert.Equal(t, []string{"Qi191=120"}, drainLines(other))

	r.mu.Lock()
	r.lastBang = time.Now().Add(-time.Minute)
	r.mu.Unlock()
	feed(r, upstream, "Qi191=125")
	assert.Equal(t, []string{"Qi191=125"}, drainLines(sound))
}

func TestBroadcastFromClientReachesUpstreamAndOthers(t *testing.T) {
	r := newTestRouter(t, testConfig())
	upstream := newFakeConn(0, true)
	setUpstreamConn(r, upstream)
	sender := newFakeConn(1, false)
	sender.welcomed = true
	other := newFakeConn(2, false)
	other.welcomed = true
	addClient(r, sender)
	addClient(r, other)

	feed(r, sender, "Qi0=5")
	assert.Contains(t, drainLines(upstream), "Qi0=5")
	assert.Equal(t, []string{"Qi0=5"}, drainLines(other))
	assert.Empty(t, drainLines(sender), "no echo to the sender")
}

func TestBroadcastQueuesForUnwelcomedClient(t *testing.T) {
	r := newTestRouter(t, testConfig())
	upstream := newFakeConn(0, true)
	joining := newFakeConn(1, false)
	addClient(r, joining)

	joining.sentKeys["Qi0"] = struct{}{}
	feed(r, upstream, "Qi0=5")
	feed(r, upstream, "Qs119=fresh")

	assert.Empty(t, drainLines(joining), "nothing written directly during welcome")
	r.mu.Lock()
	pending := append([]string(nil), joining.pendingLines...)
	r.mu.Unlock()
	assert.Equal(t, []string{"Qs119=fresh"}, pending, "already-sent key elided, new key queued")
}

func TestNoAccessClientCanOnlyAuth(t *testing.T) {
	r := newTestRouter(t, testConfig())
	noaccess := newFakeConn(1, false)
	noaccess.access = AccessNone

	for _, line := range []string{"Qi0=5", "start", "bang", "name=sneaky", "demand=Qi198"} {
		d := routeOnly(r, noaccess, line)
		assert.Equal(t, actDrop, d.action, line)
	}
	d := routeOnly(r, noaccess, "addon=FRANKENROUTER:1:PING:abc")
	assert.Equal(t, codeNoWrite, d.code)
}

func TestVersionLayoutMetarCached(t *testing.T) {
	r := newTestRouter(t, testConfig())
	upstream := newFakeConn(0, true)

	feed(r, upstream, "version=10.182 NG")
	feed(r, upstream, "layout=2")
	feed(r, upstream, "metar=KORD 12Z")

	for k, want := range map[string]string{"version": "10.182 NG", "layout": "2", "metar": "KORD 12Z"} {
		v, ok := r.cache.Get(k)
		require.True(t, ok, k)
		assert.Equal(t, want, v)
	}
}

func TestValuedReservedKeywordsCached(t *testing.T) {
	r := newTestRouter(t, testConfig())
	client := newFakeConn(1, false)

	d := feed(r, client, "cduC=K17")
	assert.Equal(t, actNormal, d.action)
	v, ok := r.cache.Get("cduC")
	require.True(t, ok)
	assert.Equal(t, "K17", v)

	feed(r, client, "gid=7")
	assert.True(t, r.cache.Has("gid"))
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "normal", actNormal.String())
	assert.Equal(t, "drop", actDrop.String())
	assert.Equal(t, "filter", actFilter.String())
}

func TestRouteForeignAddonPassesThrough(t *testing.T) {
	r := newTestRouter(t, testConfig())
	client := newFakeConn(1, false)

	d := routeOnly(r, client, "addon=VPLG:some vatsim payload")
	assert.Equal(t, actNormal, d.action)

	observer := newFakeConn(2, false)
	observer.access = config.AccessObserver
	d = routeOnly(r, observer, "addon=VPLG:some vatsim payload")
	assert.Equal(t, codeNoWrite, d.code)
}

func TestSelfNameRoundTrip(t *testing.T) {
	// The router's own identification must be recognized by its peers.
	r := newTestRouter(t, testConfig())
	peer := newFakeConn(1, false)
	self := protocol.SelfName(r.cfg.Identity.Simulator, r.cfg.Identity.Router)
	routeOnly(r, peer, "name="+self)
	assert.True(t, peer.isRouterPeer)
}

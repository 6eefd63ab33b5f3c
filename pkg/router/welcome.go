package router

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/frankensim/frankenrouter/internal/logger"
	"github.com/frankensim/frankenrouter/pkg/catalog"
	"github.com/frankensim/frankenrouter/pkg/protocol"
)

// awaitStartPoll and awaitStartDeadline bound the window in which fresh
// START-mode variables from the upstream are relayed into a welcome.
const (
	awaitStartPoll     = 10 * time.Millisecond
	awaitStartDeadline = time.Second
)

// welcome replays the simulator handshake to a new client from the cache,
// so the client believes it is talking to the simulator directly. Runs in
// its own goroutine; other clients are serviced concurrently.
func (r *Router) welcome(c *Conn) {
	start := time.Now()
	sent := 0

	send := func(line string) {
		c.sentKeys[keywordOf(line)] = struct{}{}
		c.WriteLine(line)
		sent++
	}

	r.mu.Lock()
	if c.Closed() {
		r.mu.Unlock()
		return
	}

	// The client's own id, never the upstream's.
	send(fmt.Sprintf("id=%d", c.id))

	// Without a version line the simulator's own clients refuse to
	// proceed, so synthesize one when the cache is cold.
	version, ok := r.cache.Get("version")
	if !ok {
		version = r.cfg.PSX.Version
	}
	send("version=" + version)
	layout, ok := r.cache.Get("layout")
	if !ok {
		layout = strconv.Itoa(r.cfg.PSX.Layout)
	}
	send("layout=" + layout)

	// Lexicon entries, grouped by prefix.
	for _, prefix := range []string{"Ls", "Lh", "Li"} {
		for _, k := range r.cachedKeysWithPrefix(prefix) {
			if v, ok := r.cache.Get(k); ok {
				send(k + "=" + v)
			}
		}
	}

	send("load1")

	// Solicit fresh START variables and open the relay window.
	expected := r.startKeywords
	awaiting := r.upstream != nil && !r.upstream.Closed() && len(expected) > 0
	if awaiting {
		c.awaitingStart = true
		r.sendUpstream("start")
	}
	r.mu.Unlock()

	if awaiting {
		deadline := time.Now().Add(awaitStartDeadline)
		for time.Now().Before(deadline) {
			r.mu.Lock()
			missing := r.missingStartKeys(c, expected)
			r.mu.Unlock()
			if len(missing) == 0 {
				break
			}
			time.Sleep(awaitStartPoll)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c.Closed() {
		return
	}
	if awaiting {
		c.awaitingStart = false
		if missing := r.missingStartKeys(c, expected); len(missing) > 0 {
			logger.Warn("Welcome START window incomplete",
				"endpoint", c.endpoint(), "missing", len(missing), "first", missing[0])
		}
	}

	// First bank of integer variables before load2.
	for i := 0; i < 32; i++ {
		k := fmt.Sprintf("Qi%d", i)
		if v, ok := r.cache.Get(k); ok {
			send(k + "=" + v)
		}
	}

	send("load2")

	// Everything else the cache knows, Qi then Qh then Qs, catalog order.
	for _, prefix := range []string{"Qi", "Qh", "Qs"} {
		for _, k := range r.cachedKeysWithPrefix(prefix) {
			if _, done := c.sentKeys[k]; done {
				continue
			}
			if v, ok := r.cache.Get(k); ok {
				send(k + "=" + v)
			}
		}
	}

	send("load3")

	if metar, ok := r.cache.Get("metar"); ok {
		send("metar=" + metar)
	}

	// Identify ourselves last, so a peer router knows who it is talking
	// to without the line interleaving the replay.
	send("name=" + protocol.SelfName(r.cfg.Identity.Simulator, r.cfg.Identity.Router))

	// Hand the stream over to the broadcast path.
	pending := c.pendingLines
	c.pendingLines = nil
	c.sentKeys = make(map[string]struct{})
	c.welcomed = true
	for _, line := range pending {
		c.WriteLine(line)
	}

	elapsed := time.Since(start)
	rate := float64(sent) / elapsed.Seconds()
	logger.Info("Welcome complete",
		"endpoint", c.endpoint(), "lines", sent, "queued_flushed", len(pending),
		"duration", elapsed, "keywords_per_second", int(rate))
	if r.metrics != nil {
		r.metrics.WelcomesServed.Inc()
	}
}

// cachedKeysWithPrefix returns the cached keywords with a prefix, in
// catalog order. Caller holds the lock.
func (r *Router) cachedKeysWithPrefix(prefix string) []string {
	var keys []string
	for _, k := range r.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	catalog.SortKeywords(keys)
	return keys
}

// missingStartKeys lists the expected START keywords the welcome has not
// yet relayed. Caller holds the lock.
func (r *Router) missingStartKeys(c *Conn, expected []string) []string {
	var missing []string
	for _, k := range expected {
		if _, ok := c.sentKeys[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

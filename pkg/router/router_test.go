package router

import (
	"fmt"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/frankensim/frankenrouter/pkg/cache"
	"github.com/frankensim/frankenrouter/pkg/catalog"
	"github.com/frankensim/frankenrouter/pkg/config"
	"github.com/frankensim/frankenrouter/pkg/protocol"
)

func parseForTest(line string) protocol.Message {
	return protocol.ParseLine(line)
}

const testVariables = `[Network variables]
Name="Qs119"; Mode=ECON; Min=0; Max=999
Name="Qs120"; Mode=ECON; Min=0; Max=64
Name="Qs411"; Mode=ECON; Min=0; Max=100; NOLONG
Name="Qs419"; Mode=DELTA; Min=0; Max=999
Name="Qs450"; Mode=START; Min=0; Max=100
Name="Qi0"; Mode=ECON; Min=0; Max=999
Name="Qi191"; Mode=ECON; Min=-999; Max=999
Name="Qi198"; Mode=DEMAND; Min=-2000; Max=30000
Name="Qi201"; Mode=ECON; Min=0; Max=999
Name="Qi202"; Mode=ECON; Min=0; Max=999
Name="Qh78"; Mode=MIXED; Min=-999; Max=999
Name="Qh426"; Mode=ECON; Min=-999; Max=999
`

func testConfig() *config.Config {
	return &config.Config{
		Identity: config.IdentityConfig{Simulator: "mysim", Router: "testrouter"},
		Listen:   config.ListenConfig{Host: "127.0.0.1", Port: 0},
		Upstream: config.UpstreamConfig{Host: "127.0.0.1", Port: 10747},
		PSX: config.PSXConfig{
			Version: config.DefaultPSXVersion,
			Layout:  config.DefaultLayout,
		},
		Filtering: config.FilteringConfig{
			TillerSmallestMovement: 5,
			TillerCenter:           10,
		},
		Performance: config.PerformanceConfig{
			WriteBufferWarning:  100000,
			QueueTimeWarning:    16 * time.Millisecond,
			TotalDelayWarning:   24 * time.Millisecond,
			MonitorDelayWarning: 32 * time.Millisecond,
			FRDPRTTWarning:      100 * time.Millisecond,
		},
	}
}

func newTestRouter(t *testing.T, cfg *config.Config) *Router {
	t.Helper()
	cat, err := catalog.Parse(strings.NewReader(testVariables))
	require.NoError(t, err)
	return New(Options{
		Config:  cfg,
		Catalog: cat,
		Cache:   cache.New(),
	})
}

// newFakeConn builds a Conn with no socket and no writer goroutine; lines
// queued by WriteLine stay in the out channel for inspection.
func newFakeConn(id int, upstream bool) *Conn {
	c := &Conn{
		id:          id,
		upstream:    upstream,
		addr:        netip.MustParseAddrPort(fmt.Sprintf("127.0.0.1:%d", 20000+id)),
		out:         make(chan string, outQueueSize),
		closed:      make(chan struct{}),
		done:        make(chan struct{}),
		connectedAt: time.Now().Add(-time.Minute),
		displayName: fmt.Sprintf("client %d", id),
		access:      config.AccessFull,
		demands:     make(map[string]struct{}),
		sentKeys:    make(map[string]struct{}),
	}
	if upstream {
		c.displayName = "upstream"
	}
	return c
}

// addClient registers a fake client on the router.
func addClient(r *Router, c *Conn) {
	r.mu.Lock()
	r.clients[c.id] = c
	if c.id > r.nextClientID {
		r.nextClientID = c.id
	}
	r.mu.Unlock()
}

// setUpstreamConn installs a fake upstream on the router.
func setUpstreamConn(r *Router, c *Conn) {
	r.mu.Lock()
	r.upstream = c
	r.mu.Unlock()
}

// drainLines empties a fake connection's outbound queue.
func drainLines(c *Conn) []string {
	var out []string
	for {
		select {
		case line := <-c.out:
			out = append(out, line)
		default:
			return out
		}
	}
}

// feed pushes one line through the classifier and dispatcher, the way a
// forwarder would.
func feed(r *Router, sender *Conn, line string) decision {
	return feedAt(r, sender, line, time.Now())
}

func feedAt(r *Router, sender *Conn, line string, now time.Time) decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := parseForTest(line)
	d := r.route(m, sender, now)
	r.dispatch(m, sender, d)
	return d
}

// routeOnly classifies without dispatching.
func routeOnly(r *Router, sender *Conn, line string) decision {
	return routeOnlyAt(r, sender, line, time.Now())
}

func routeOnlyAt(r *Router, sender *Conn, line string, now time.Time) decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.route(parseForTest(line), sender, now)
}

// assertOrderedSubstrings checks that wants appear in lines in order.
func assertOrderedSubstrings(t *testing.T, lines []string, wants []string) {
	t.Helper()
	i := 0
	for _, want := range wants {
		found := false
		for ; i < len(lines); i++ {
			if strings.Contains(lines[i], want) {
				found = true
				i++
				break
			}
		}
		require.True(t, found, "expected %q in order, got lines: %v", want, lines)
	}
}

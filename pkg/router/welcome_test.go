package router

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Fixture: cold start with no upstream. The client still gets a complete
// synthesized handshake.
func TestWelcomeColdStart(t *testing.T) {
	r := newTestRouter(t, testConfig())
	client := newFakeConn(1, false)
	addClient(r, client)

	r.welcome(client)

	lines := drainLines(client)
	require.GreaterOrEqual(t, len(lines), 6)
	assert.Equal(t, "id=1", lines[0])
	assert.Equal(t, "version=10.182 NG", lines[1])
	assert.Equal(t, "layout=1", lines[2])
	assertOrderedSubstrings(t, lines, []string{"load1", "load2", "load3"})

	// No variable data on a cold cache.
	for _, line := range lines {
		assert.False(t, strings.HasPrefix(line, "Q"), "unexpected variable %q", line)
	}
	assert.True(t, client.welcomed)
	assert.Empty(t, client.sentKeys, "sent-set discarded after welcome")
}

// Fixture: warm cache welcome, everything in its prescribed order.
func TestWelcomeWarmCache(t *testing.T) {
	r := newTestRouter(t, testConfig())
	for k, v := range map[string]string{
		"Ls0":     "foo",
		"Li5":     "bar",
		"Qi0":     "10",
		"Qs119":   "a;b;c",
		"version": "10.182 NG",
		"layout":  "1",
		"metar":   "KORD 12Z",
	} {
		r.cache.Update(k, v)
	}
	client := newFakeConn(1, false)
	addClient(r, client)

	r.welcome(client)

	lines := drainLines(client)
	assertOrderedSubstrings(t, lines, []string{
		"id=1",
		"version=10.182 NG",
		"layout=1",
		"Ls0=foo",
		"Li5=bar",
		"load1",
		"Qi0=10",
		"load2",
		"Qs119=a;b;c",
		"load3",
		"metar=KORD 12Z",
		"name=mysim:FRANKEN.GO frankenrouter PSX router testrouter",
	})
}

func TestWelcomeFirstQiBankBeforeLoad2(t *testing.T) {
	r := newTestRouter(t, testConfig())
	r.cache.Update("Qi0", "1")
	r.cache.Update("Qi31", "2")
	r.cache.Update("Qi191", "3")
	client := newFakeConn(1, false)
	addClient(r, client)

	r.welcome(client)

	lines := drainLines(client)
	load2 := indexOf(lines, "load2")
	require.GreaterOrEqual(t, load2, 0)
	assert.Less(t, indexOf(lines, "Qi0=1"), load2)
	assert.Less(t, indexOf(lines, "Qi31=2"), load2)
	assert.Greater(t, indexOf(lines, "Qi191=3"), load2, "Qi32 and up come after load2")
}

func TestWelcomeGroupOrdering(t *testing.T) {
	r := newTestRouter(t, testConfig())
	for k, v := range map[string]string{
		"Qs119": "s", "Qh426": "4", "Qi191": "1", "Qi198": "2",
	} {
		r.cache.Update(k, v)
	}
	client := newFakeConn(1, false)
	addClient(r, client)

	r.welcome(client)
	lines := drainLines(client)

	// After load2: all Qi, then Qh, then Qs, each numerically sorted.
	assertOrderedSubstrings(t, lines, []string{"load2", "Qi191=1", "Qi198=2", "Qh426=4", "Qs119=s", "load3"})
}

func TestWelcomeFlushesPendingLines(t *testing.T) {
	r := newTestRouter(t, testConfig())
	upstream := newFakeConn(0, true)
	client := newFakeConn(1, false)
	addClient(r, client)

	// Traffic arriving mid-welcome is queued by the broadcast path.
	feed(r, upstream, "Qs119=while joining")
	r.mu.Lock()
	require.NotEmpty(t, client.pendingLines)
	r.mu.Unlock()

	r.welcome(client)

	lines := drainLines(client)
	assert.Equal(t, "Qs119=while joining", lines[len(lines)-1], "queued line flushed after welcome")
	assert.True(t, client.welcomed)
}

func TestWelcomeClosedClientIsSkipped(t *testing.T) {
	r := newTestRouter(t, testConfig())
	client := newFakeConn(1, false)
	addClient(r, client)
	client.Close()

	r.welcome(client)
	assert.False(t, client.welcomed)
}

func indexOf(lines []string, want string) int {
	for i, line := range lines {
		if line == want {
			return i
		}
	}
	return -1
}

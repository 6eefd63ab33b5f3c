package router

import (
	"bufio"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frankensim/frankenrouter/internal/logger"
	"github.com/frankensim/frankenrouter/pkg/config"
)

// AccessNone is the level of a client that matched no access rule. Such a
// client may only send an AUTH addon.
const AccessNone config.AccessLevel = "noaccess"

// outQueueSize bounds the per-connection outbound channel. The welcome
// burst can be thousands of lines, so this is generous.
const outQueueSize = 8192

// writeTimeout caps a single line write to a stuck peer.
const writeTimeout = 30 * time.Second

// rttWindowSize bounds the per-link PING round-trip sample history.
const rttWindowSize = 300

// nameSource records where a display name came from, so later sources of
// lower confidence do not overwrite better ones.
type nameSource int

const (
	nameFromSocket nameSource = iota
	nameFromConfig
	nameFromName
	nameFromRDP
)

// Conn wraps one framed peer connection, upstream or client. The writer
// goroutine owns the socket's write side; everything else goes through the
// out channel. Session state below the mutex comment is guarded by the
// Router's lock, not by the Conn.
type Conn struct {
	id       int
	upstream bool
	nc       net.Conn
	addr     netip.AddrPort

	out       chan string
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	connectedAt time.Time
	pendingOut  atomic.Int64
	bytesIn     atomic.Int64
	bytesOut    atomic.Int64
	msgsIn      atomic.Int64
	msgsOut     atomic.Int64

	warnThreshold int

	// Guarded by Router.mu.
	displayName   string
	nameOrigin    nameSource
	isRouterPeer  bool
	peerSim       string
	peerRouter    string
	peerUUID      string
	access        config.AccessLevel
	nolong        bool
	demands       map[string]struct{}
	sentKeys      map[string]struct{}
	awaitingStart bool
	welcomed      bool
	pendingLines  []string
	lastPingID    string
	pingSentAt    time.Time
	rttSamples    []time.Duration
	identSent     bool
	authSent      bool
	authPassword  string
}

// newConn wraps an accepted or dialed socket and starts its writer.
func newConn(id int, nc net.Conn, upstream bool, warnThreshold int) *Conn {
	addr, _ := netip.ParseAddrPort(nc.RemoteAddr().String())
	c := &Conn{
		id:            id,
		upstream:      upstream,
		nc:            nc,
		addr:          addr,
		out:           make(chan string, outQueueSize),
		closed:        make(chan struct{}),
		done:          make(chan struct{}),
		connectedAt:   time.Now(),
		warnThreshold: warnThreshold,
		displayName:   addr.String(),
		access:        AccessNone,
		demands:       make(map[string]struct{}),
		sentKeys:      make(map[string]struct{}),
	}
	go c.writeLoop()
	return c
}

// endpoint returns a short label for log lines.
func (c *Conn) endpoint() string {
	if c.upstream {
		return "upstream"
	}
	return c.displayName
}

// hasAccess reports whether the connection may receive broadcasts.
func (c *Conn) hasAccess() bool {
	return c.access == config.AccessFull || c.access == config.AccessObserver
}

// canWrite reports whether ordinary (non-handshake) messages from this
// connection are forwarded. The upstream always writes.
func (c *Conn) canWrite() bool {
	return c.upstream || c.access == config.AccessFull
}

// WriteLine queues one line for sending. Lines are dropped with a warning
// if the outbound queue is full, never blocking a forwarder.
func (c *Conn) WriteLine(line string) {
	select {
	case <-c.closed:
		return
	default:
	}

	pending := c.pendingOut.Add(int64(len(line) + 2))
	if c.warnThreshold > 0 && pending > int64(c.warnThreshold) {
		logger.Warn("Outbound buffer high", "endpoint", c.endpoint(), "pending_bytes", pending)
	}

	select {
	case c.out <- line:
	case <-c.closed:
		c.pendingOut.Add(-int64(len(line) + 2))
	default:
		c.pendingOut.Add(-int64(len(line) + 2))
		logger.Warn("Outbound queue full, dropping line", "endpoint", c.endpoint(), "keyword", keywordOf(line))
	}
}

// writeLoop is the only writer of the socket. On close it drains the
// queue, sends a final exit, and tears the socket down.
func (c *Conn) writeLoop() {
	defer close(c.done)
	w := bufio.NewWriter(c.nc)

	writeLine := func(line string) bool {
		_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := w.WriteString(line); err != nil {
			return false
		}
		if _, err := w.WriteString("\r\n"); err != nil {
			return false
		}
		c.pendingOut.Add(-int64(len(line) + 2))
		c.bytesOut.Add(int64(len(line) + 2))
		c.msgsOut.Add(1)
		return true
	}

	for {
		select {
		case line := <-c.out:
			if !writeLine(line) {
				<-c.closed
				_ = c.nc.Close()
				return
			}
			if len(c.out) == 0 {
				if err := w.Flush(); err != nil {
					<-c.closed
					_ = c.nc.Close()
					return
				}
			}
		case <-c.closed:
			for {
				select {
				case line := <-c.out:
					writeLine(line)
				default:
					_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
					_, _ = w.WriteString("exit\r\n")
					_ = w.Flush()
					_ = c.nc.Close()
					return
				}
			}
		}
	}
}

// Close initiates teardown: pending lines are drained, a final exit is
// sent, and the socket is closed. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// Closed reports whether teardown has started.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// readLines pumps complete lines from the socket into handle. A trailing
// line without a newline is discarded. Returns on EOF or error.
func (c *Conn) readLines(handle func(line string)) error {
	r := bufio.NewReader(c.nc)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			// Partial trailing line at EOF is discarded.
			if err == io.EOF {
				return nil
			}
			return err
		}
		c.bytesIn.Add(int64(len(line)))
		line = strings.TrimRight(line, "\r\n")
		c.msgsIn.Add(1)
		handle(line)
	}
}

// recordRTT appends one round-trip sample, keeping the window bounded.
func (c *Conn) recordRTT(rtt time.Duration) {
	c.rttSamples = append(c.rttSamples, rtt)
	if len(c.rttSamples) > rttWindowSize {
		c.rttSamples = c.rttSamples[len(c.rttSamples)-rttWindowSize:]
	}
}

// averageRTT returns the mean of the recorded samples.
func (c *Conn) averageRTT() time.Duration {
	if len(c.rttSamples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range c.rttSamples {
		total += s
	}
	return total / time.Duration(len(c.rttSamples))
}

// setDisplayName updates the display name if the new source is at least
// as trustworthy as the previous one.
func (c *Conn) setDisplayName(name string, origin nameSource) {
	if origin < c.nameOrigin {
		return
	}
	c.displayName = name
	c.nameOrigin = origin
}

func keywordOf(line string) string {
	if i := strings.IndexByte(line, '='); i >= 0 {
		return line[:i]
	}
	return line
}

// Package router implements the PSX protocol router: one upstream
// connection to the simulator (or a parent router), many downstream
// clients, a keyword cache that lets clients connect before the upstream
// is up, per-client access control and filtering, and the FRANKENROUTER
// inter-router dialect.
package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/frankensim/frankenrouter/internal/logger"
	"github.com/frankensim/frankenrouter/pkg/cache"
	"github.com/frankensim/frankenrouter/pkg/catalog"
	"github.com/frankensim/frankenrouter/pkg/config"
	"github.com/frankensim/frankenrouter/pkg/metrics"
)

// Task periods.
const (
	rdpPeriod          = 5 * time.Second
	housekeepingPeriod = 30 * time.Second
	statusPeriod       = 10 * time.Second
	reconnectDelay     = 5 * time.Second
)

// warningGrace suppresses slow-path warnings briefly after events that
// legitimately cause bursts: (re)connects, load1, bang.
const warningGrace = 3 * time.Second

// queueSize bounds the two inbound message queues.
const queueSize = 4096

// inbound is one received line waiting for a forwarder.
type inbound struct {
	line   string
	sender *Conn
	recvAt time.Time
}

// Pilot-flying sentinel values carried by FLIGHTCONTROLS and SHAREDINFO.
const (
	NoControlLocks  = "NO_CONTROL_LOCKS"
	AllControlLocks = "ALL_CONTROL_LOCKS"
)

// Router owns all shared state. The mutex is coarse: forwarders,
// welcome phases, and the periodic tasks each take it around their
// critical sections.
type Router struct {
	cfg     *config.Config
	catalog *catalog.Catalog
	cache   *cache.Cache
	metrics *metrics.Metrics
	traffic *logger.TrafficLog
	uuid    string

	fromUpstream chan inbound
	fromClients  chan inbound
	reconnect    chan struct{}

	mu           sync.Mutex
	clients      map[int]*Conn
	upstream     *Conn
	nextClientID int
	upstreamHost string
	upstreamPort int

	lastLoad1   time.Time
	lastLoad3   time.Time
	lastBang    time.Time
	lastConnect time.Time

	pilotFlying string
	masterUUID  string
	routerInfo  map[string]string

	stats *VariableStats

	startKeywords []string

	wg sync.WaitGroup
}

// Options carries the constructed collaborators for a Router.
type Options struct {
	Config  *config.Config
	Catalog *catalog.Catalog
	Cache   *cache.Cache
	Metrics *metrics.Metrics
	Traffic *logger.TrafficLog
}

// New assembles a Router. The cache may be pre-loaded from disk.
func New(opts Options) *Router {
	r := &Router{
		cfg:          opts.Config,
		catalog:      opts.Catalog,
		cache:        opts.Cache,
		metrics:      opts.Metrics,
		traffic:      opts.Traffic,
		uuid:         uuid.NewString(),
		fromUpstream: make(chan inbound, queueSize),
		fromClients:  make(chan inbound, queueSize),
		reconnect:    make(chan struct{}, 1),
		clients:      make(map[int]*Conn),
		upstreamHost: opts.Config.Upstream.Host,
		upstreamPort: opts.Config.Upstream.Port,
		pilotFlying:  NoControlLocks,
		routerInfo:   make(map[string]string),
		stats:        NewVariableStats(statsWindow),
	}
	if opts.Config.SharedInfo.Master {
		r.masterUUID = r.uuid
	}
	r.startKeywords = opts.Catalog.KeywordsWithMode(catalog.ModeStart)
	return r
}

// UUID returns this router instance's identity token.
func (r *Router) UUID() string {
	return r.uuid
}

// Run starts all tasks and blocks until ctx is cancelled or the listener
// fails. Subordinate tasks that panic are restarted.
func (r *Router) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.Info("Router starting",
		"simulator", r.cfg.Identity.Simulator,
		"router", r.cfg.Identity.Router,
		"uuid", r.uuid,
		"catalog_keywords", r.catalog.Len(),
		"cached_keywords", r.cache.Size())

	listenErr := make(chan error, 1)
	r.spawn(ctx, "listener", func() {
		if err := r.listen(ctx); err != nil {
			listenErr <- err
		}
	})
	r.spawn(ctx, "upstream-connector", func() { r.connectUpstream(ctx) })
	r.spawn(ctx, "forwarder-upstream", func() { r.forward(ctx, r.fromUpstream, "from_upstream") })
	r.spawn(ctx, "forwarder-clients", func() { r.forward(ctx, r.fromClients, "from_clients") })
	r.spawn(ctx, "rdp-scheduler", func() { r.runRDPScheduler(ctx) })
	r.spawn(ctx, "housekeeping", func() { r.runHousekeeping(ctx) })
	r.spawn(ctx, "status", func() { r.runStatus(ctx) })

	var err error
	select {
	case <-ctx.Done():
	case err = <-listenErr:
		cancel()
	}

	r.stop()
	r.wg.Wait()
	return err
}

// spawn runs a task in a goroutine, restarting it if it panics. Restart
// stops once the context is done.
func (r *Router) spawn(ctx context.Context, name string, task func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			panicked := func() (p bool) {
				defer func() {
					if rec := recover(); rec != nil {
						logger.Error("Task panicked, restarting",
							"task", name, "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
						p = true
					}
				}()
				task()
				return false
			}()
			if !panicked || ctx.Err() != nil {
				return
			}
		}
	}()
}

// stop performs the orderly shutdown: pause clients, close every client
// with a farewell exit, close the upstream, persist the cache.
func (r *Router) stop() {
	r.mu.Lock()
	clients := make([]*Conn, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	up := r.upstream
	r.mu.Unlock()

	for _, c := range clients {
		c.WriteLine("load1")
	}
	for _, c := range clients {
		c.Close()
	}
	if up != nil {
		up.Close()
	}

	if err := r.saveCache(); err != nil {
		logger.Error("Failed to persist cache on shutdown", "error", err)
	}
	logger.Info("Router stopped")
}

// runHousekeeping persists the cache and trims the variable stats window
// at a fixed cadence.
func (r *Router) runHousekeeping(ctx context.Context) {
	ticker := time.NewTicker(housekeepingPeriod)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if lag := now.Sub(last) - housekeepingPeriod; lag > r.cfg.Performance.MonitorDelayWarning {
				logger.Warn("Task loop running late", "lag", lag)
			}
			last = now
			if err := r.saveCache(); err != nil {
				logger.Error("Failed to persist cache", "error", err)
			}
			r.stats.TrimBefore(now.Add(-statsWindow))
			if r.metrics != nil {
				r.metrics.CacheKeywords.Set(float64(r.cache.Size()))
			}
		}
	}
}

func (r *Router) saveCache() error {
	return r.cache.Save(cache.FileName(r.cfg.Identity.Router))
}

// SetUpstream swaps the upstream endpoint and requests a reconnect.
func (r *Router) SetUpstream(host string, port int) error {
	if host == "" || port < 1 || port > 65535 {
		return fmt.Errorf("invalid upstream endpoint %s:%d", host, port)
	}
	r.mu.Lock()
	r.upstreamHost = host
	r.upstreamPort = port
	up := r.upstream
	r.mu.Unlock()

	logger.Info("Upstream endpoint changed", "host", host, "port", port)
	if up != nil {
		up.Close()
	}
	select {
	case r.reconnect <- struct{}{}:
	default:
	}
	return nil
}

// inGracePeriod reports whether slow-path warnings are currently
// suppressed. Caller holds the lock.
func (r *Router) inGracePeriod(now time.Time) bool {
	for _, t := range []time.Time{r.lastConnect, r.lastLoad1, r.lastBang} {
		if !t.IsZero() && now.Sub(t) < warningGrace {
			return true
		}
	}
	return false
}

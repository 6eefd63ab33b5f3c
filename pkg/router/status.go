package router

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/frankensim/frankenrouter/internal/cli/output"
	"github.com/frankensim/frankenrouter/internal/logger"
)

// ClientInfo is the external view of one connected client.
type ClientInfo struct {
	ID          int    `json:"id"`
	IP          string `json:"ip"`
	Port        uint16 `json:"port"`
	DisplayName string `json:"display_name"`
	Access      string `json:"access"`
	RouterPeer  bool   `json:"router_peer"`
}

// Clients returns a snapshot of the connected client set.
func (r *Router) Clients() []ClientInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		infos = append(infos, ClientInfo{
			ID:          c.id,
			IP:          c.addr.Addr().String(),
			Port:        c.addr.Port(),
			DisplayName: c.displayName,
			Access:      string(c.access),
			RouterPeer:  c.isRouterPeer,
		})
	}
	return infos
}

// runStatus prints the periodic status table and evaluates the configured
// warning checks.
func (r *Router) runStatus(ctx context.Context) {
	ticker := time.NewTicker(statusPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.printStatus()
			r.runChecks()
		}
	}
}

func (r *Router) printStatus() {
	r.mu.Lock()

	upstreamState := "down"
	if r.upstream != nil && !r.upstream.Closed() {
		upstreamState = fmt.Sprintf("%s:%d", r.upstreamHost, r.upstreamPort)
		if rtt := r.upstream.averageRTT(); rtt > 0 {
			upstreamState += fmt.Sprintf(" (rtt %s)", rtt.Round(time.Millisecond))
		}
	}

	table := output.NewTableData("ID", "NAME", "ACCESS", "PEER", "IN", "OUT", "RTT")
	for _, c := range r.clients {
		peer := ""
		if c.isRouterPeer {
			peer = "router"
		}
		rtt := ""
		if avg := c.averageRTT(); avg > 0 {
			rtt = avg.Round(time.Millisecond).String()
		}
		table.AddRow(
			fmt.Sprintf("%d", c.id),
			c.displayName,
			string(c.access),
			peer,
			fmt.Sprintf("%d", c.msgsIn.Load()),
			fmt.Sprintf("%d", c.msgsOut.Load()),
			rtt,
		)
	}
	clientCount := len(r.clients)
	cacheSize := r.cache.Size()
	pilotFlying := r.pilotFlying
	traffic := r.stats.Total()
	r.mu.Unlock()

	fmt.Fprintf(os.Stdout, "\n%s  clients=%d cache=%d pilot_flying=%s traffic_5m=%d upstream=%s\n",
		r.cfg.Identity.Router, clientCount, cacheSize, pilotFlying, traffic, upstreamState)
	if clientCount > 0 {
		_ = output.PrintTable(os.Stdout, table)
	}
}

// runChecks evaluates the configured [[check]] predicates against the
// client set and warns about violations.
func (r *Router) runChecks() {
	infos := r.Clients()

	for _, check := range r.cfg.Checks {
		var re *regexp.Regexp
		if check.NameRegexp != "" {
			var err error
			re, err = regexp.Compile(check.NameRegexp)
			if err != nil {
				logger.Warn("Bad check regexp", "check", check.Name, "error", err)
				continue
			}
		}

		count := 0
		for _, info := range infos {
			if check.IsRouterPeer && !info.RouterPeer {
				continue
			}
			if re != nil && !re.MatchString(info.DisplayName) {
				continue
			}
			count++
		}

		if check.LimitMin != nil && count < *check.LimitMin {
			logger.Warn("Check below minimum", "check", check.Name, "count", count, "min", *check.LimitMin)
		}
		if check.LimitMax != nil && count > *check.LimitMax {
			logger.Warn("Check above maximum", "check", check.Name, "count", count, "max", *check.LimitMax)
		}
	}
}

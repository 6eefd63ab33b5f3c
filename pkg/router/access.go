package router

import (
	"net/netip"

	"github.com/frankensim/frankenrouter/pkg/config"
)

// accessResult is the outcome of evaluating the ordered access policy.
type accessResult struct {
	level       config.AccessLevel
	displayName string
	matched     bool
}

// evaluateAccess walks the ordered access rules and returns the first
// match. Matching semantics per rule:
//
//   - IP patterns only: the peer address must match one of them.
//   - Password only: the presented password must equal the rule's.
//   - Both: both must match.
//   - is_router_peer, when set, must additionally agree.
//
// An empty rule list grants full access to everyone. No match yields
// AccessNone.
func evaluateAccess(rules []config.AccessRule, addr netip.Addr, password string, isRouterPeer bool) accessResult {
	if len(rules) == 0 {
		return accessResult{level: config.AccessFull, matched: true}
	}

	for _, rule := range rules {
		if rule.IsRouterPeer != nil && *rule.IsRouterPeer != isRouterPeer {
			continue
		}

		ipOK := matchIP(rule.MatchIPv4, addr)
		pwOK := rule.MatchPassword != "" && password != "" && password == rule.MatchPassword

		switch {
		case len(rule.MatchIPv4) > 0 && rule.MatchPassword != "":
			if !ipOK || !pwOK {
				continue
			}
		case len(rule.MatchIPv4) > 0:
			if !ipOK {
				continue
			}
		case rule.MatchPassword != "":
			if !pwOK {
				continue
			}
		}

		name := rule.DisplayName
		return accessResult{level: rule.Level, displayName: name, matched: true}
	}
	return accessResult{level: AccessNone}
}

func matchIP(patterns []string, addr netip.Addr) bool {
	for _, p := range patterns {
		if p == "ANY" {
			return true
		}
		if a, err := netip.ParseAddr(p); err == nil && a == addr {
			return true
		}
		if prefix, err := netip.ParsePrefix(p); err == nil && prefix.Contains(addr) {
			return true
		}
	}
	return false
}

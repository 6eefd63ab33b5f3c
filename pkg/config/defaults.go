package config

import (
	"net/netip"

	"github.com/spf13/viper"
)

// Default endpoints. 10747 is the stock PSX main-server port; the router
// listens one above it so both can run on the same machine.
const (
	DefaultListenPort   = 10748
	DefaultUpstreamHost = "127.0.0.1"
	DefaultUpstreamPort = 10747
)

// DefaultPSXVersion and DefaultLayout are synthesized for clients that
// connect while the upstream is down and no cached values exist.
const (
	DefaultPSXVersion = "10.182 NG"
	DefaultLayout     = 1
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen.host", "0.0.0.0")
	v.SetDefault("listen.port", DefaultListenPort)
	v.SetDefault("listen.rest_api_port", 0)

	v.SetDefault("upstream.host", DefaultUpstreamHost)
	v.SetDefault("upstream.port", DefaultUpstreamPort)

	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.traffic", false)

	v.SetDefault("psx.version", DefaultPSXVersion)
	v.SetDefault("psx.layout", DefaultLayout)
	v.SetDefault("psx.filter_flight_controls", false)
	v.SetDefault("psx.filter_elevation", false)
	v.SetDefault("psx.filter_traffic", false)

	v.SetDefault("filtering.tiller", false)
	v.SetDefault("filtering.tiller_smallest_movement", 0.01)
	v.SetDefault("filtering.tiller_center", 0.0)

	v.SetDefault("performance.write_buffer_warning", 100000)
	v.SetDefault("performance.queue_time_warning", "16ms")
	v.SetDefault("performance.total_delay_warning", "24ms")
	v.SetDefault("performance.monitor_delay_warning", "32ms")
	v.SetDefault("performance.frdp_rtt_warning", "100ms")

	v.SetDefault("sharedinfo.master", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9748)
}

// validIPPattern accepts the literal ANY, a plain IPv4 address, or a CIDR
// prefix.
func validIPPattern(pattern string) bool {
	if pattern == "ANY" {
		return true
	}
	if _, err := netip.ParseAddr(pattern); err == nil {
		return true
	}
	if _, err := netip.ParsePrefix(pattern); err == nil {
		return true
	}
	return false
}

// Package config loads and validates the frankenrouter TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// AccessLevel is what a matched access rule grants.
type AccessLevel string

const (
	// AccessFull clients send and receive everything their filters allow.
	AccessFull AccessLevel = "full"
	// AccessObserver clients receive traffic but their sends are dropped.
	AccessObserver AccessLevel = "observer"
	// AccessBlocked clients get a farewell line and are closed.
	AccessBlocked AccessLevel = "blocked"
)

// Config is the complete router configuration.
type Config struct {
	Identity    IdentityConfig    `mapstructure:"identity" validate:"required"`
	Listen      ListenConfig      `mapstructure:"listen"`
	Upstream    UpstreamConfig    `mapstructure:"upstream"`
	Log         LogConfig         `mapstructure:"log"`
	PSX         PSXConfig         `mapstructure:"psx"`
	Filtering   FilteringConfig   `mapstructure:"filtering"`
	Performance PerformanceConfig `mapstructure:"performance"`
	SharedInfo  SharedInfoConfig  `mapstructure:"sharedinfo"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Access      []AccessRule      `mapstructure:"access" validate:"dive"`
	Checks      []CheckRule       `mapstructure:"check" validate:"dive"`
}

// IdentityConfig names this router instance.
type IdentityConfig struct {
	Simulator string `mapstructure:"simulator" validate:"required"`
	Router    string `mapstructure:"router" validate:"required"`
}

// ListenConfig controls the inbound listener and the optional control API.
type ListenConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port" validate:"min=1,max=65535"`
	RestAPIPort int    `mapstructure:"rest_api_port" validate:"min=0,max=65535"`
}

// UpstreamConfig is the endpoint this router connects up to, usually the
// PSX main server or another router.
type UpstreamConfig struct {
	Host        string `mapstructure:"host" validate:"required"`
	Port        int    `mapstructure:"port" validate:"min=1,max=65535"`
	Password    string `mapstructure:"password"`
	Interactive bool   `mapstructure:"interactive"`
}

// LogConfig controls the application and traffic log streams.
type LogConfig struct {
	Level     string `mapstructure:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR"`
	Format    string `mapstructure:"format" validate:"omitempty,oneof=text json"`
	Directory string `mapstructure:"directory"`
	Traffic   bool   `mapstructure:"traffic"`
}

// PSXConfig covers the variable catalog and the built-in ingress filters.
type PSXConfig struct {
	Variables            string `mapstructure:"variables"`
	Version              string `mapstructure:"version"`
	Layout               int    `mapstructure:"layout"`
	FilterFlightControls bool   `mapstructure:"filter_flight_controls"`
	FilterElevation      bool   `mapstructure:"filter_elevation"`
	FilterTraffic        bool   `mapstructure:"filter_traffic"`
}

// FilteringConfig tunes the tiller jitter filter.
type FilteringConfig struct {
	Tiller                 bool    `mapstructure:"tiller"`
	TillerSmallestMovement float64 `mapstructure:"tiller_smallest_movement" validate:"min=0"`
	TillerCenter           float64 `mapstructure:"tiller_center"`
}

// PerformanceConfig holds the slow-path warning thresholds.
type PerformanceConfig struct {
	WriteBufferWarning  int           `mapstructure:"write_buffer_warning" validate:"min=0"`
	QueueTimeWarning    time.Duration `mapstructure:"queue_time_warning"`
	TotalDelayWarning   time.Duration `mapstructure:"total_delay_warning"`
	MonitorDelayWarning time.Duration `mapstructure:"monitor_delay_warning"`
	FRDPRTTWarning      time.Duration `mapstructure:"frdp_rtt_warning"`
}

// SharedInfoConfig controls SHAREDINFO mastership.
type SharedInfoConfig struct {
	Master bool `mapstructure:"master"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port" validate:"min=0,max=65535"`
}

// AccessRule is one entry of the ordered [[access]] list. First match wins.
type AccessRule struct {
	DisplayName   string      `mapstructure:"display_name"`
	MatchIPv4     []string    `mapstructure:"match_ipv4"`
	MatchPassword string      `mapstructure:"match_password"`
	IsRouterPeer  *bool       `mapstructure:"is_router_peer"`
	Level         AccessLevel `mapstructure:"level" validate:"required,oneof=full observer blocked"`
}

// CheckRule is one entry of the [[check]] list: a warning predicate
// evaluated against the connected client set at status time.
type CheckRule struct {
	Name         string `mapstructure:"name"`
	IsRouterPeer bool   `mapstructure:"is_router_peer"`
	NameRegexp   string `mapstructure:"name_regexp"`
	LimitMin     *int   `mapstructure:"limit_min"`
	LimitMax     *int   `mapstructure:"limit_max"`
}

// HasPasswordRule reports whether any access rule can match by password.
// Only then are unauthenticated clients kept open waiting for AUTH.
func (c *Config) HasPasswordRule() bool {
	for _, rule := range c.Access {
		if rule.MatchPassword != "" {
			return true
		}
	}
	return false
}

// Load reads, decodes, and validates a TOML configuration file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Exists reports whether a config file is present at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	for i, rule := range cfg.Access {
		for _, ip := range rule.MatchIPv4 {
			if !validIPPattern(ip) {
				return fmt.Errorf("invalid config: access rule %d: bad match_ipv4 %q", i, ip)
			}
		}
	}
	return nil
}

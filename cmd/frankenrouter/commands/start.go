package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/frankensim/frankenrouter/internal/cli/prompt"
	"github.com/frankensim/frankenrouter/internal/controlplane/api"
	"github.com/frankensim/frankenrouter/internal/logger"
	"github.com/frankensim/frankenrouter/pkg/cache"
	"github.com/frankensim/frankenrouter/pkg/catalog"
	"github.com/frankensim/frankenrouter/pkg/config"
	"github.com/frankensim/frankenrouter/pkg/metrics"
	"github.com/frankensim/frankenrouter/pkg/router"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the router",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	if !config.Exists(configPath) {
		fmt.Printf("No configuration found at %s, starting first-run setup.\n\n", configPath)
		if err := runFirstRunSetup(configPath); err != nil {
			return err
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger.Init(logger.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Directory: cfg.Log.Directory,
		Filename:  "frankenrouter.log",
	})
	defer logger.Close()
	if logLevel != "" {
		logger.SetLevel(logLevel)
	}

	if cfg.Upstream.Interactive {
		if err := promptUpstream(cfg); err != nil {
			return err
		}
	}

	cat, err := catalog.Load(cfg.PSX.Variables, "Variables.txt")
	if err != nil {
		return fmt.Errorf("loading variable catalog: %w", err)
	}

	c := cache.New()
	cachePath := cache.FileName(cfg.Identity.Router)
	if err := c.Load(cachePath); err != nil {
		logger.Warn("Starting with an empty cache", "error", err)
	} else if c.Size() > 0 {
		logger.Info("Cache restored", "path", cachePath, "keywords", c.Size())
	}

	var traffic *logger.TrafficLog
	if cfg.Log.Traffic {
		dir := cfg.Log.Directory
		if dir == "" {
			dir = "."
		}
		traffic = logger.NewTrafficLog(dir, "frankenrouter-traffic.log")
		defer traffic.Close()
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	r := router.New(router.Options{
		Config:  cfg,
		Catalog: cat,
		Cache:   c,
		Metrics: m,
		Traffic: traffic,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if m != nil {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Port); err != nil {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}
	if cfg.Listen.RestAPIPort > 0 {
		srv := api.NewServer(api.DefaultConfig(cfg.Listen.RestAPIPort), r)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("Control API failed", "error", err)
			}
		}()
	}

	return r.Run(ctx)
}

// promptUpstream lets the operator pick the upstream endpoint at startup.
func promptUpstream(cfg *config.Config) error {
	host, err := prompt.Input("Upstream host", cfg.Upstream.Host)
	if err != nil {
		return err
	}
	port, err := prompt.InputPort("Upstream port", cfg.Upstream.Port)
	if err != nil {
		return err
	}
	password, err := prompt.Password("Upstream password (empty for none)")
	if err != nil {
		return err
	}
	cfg.Upstream.Host = host
	cfg.Upstream.Port = port
	cfg.Upstream.Password = password
	return nil
}

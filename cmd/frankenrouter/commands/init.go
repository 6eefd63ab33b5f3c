package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/frankensim/frankenrouter/internal/cli/prompt"
	"github.com/frankensim/frankenrouter/pkg/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a configuration file interactively",
	RunE: func(cmd *cobra.Command, args []string) error {
		if config.Exists(configPath) {
			overwrite, err := prompt.Confirm(fmt.Sprintf("%s exists, overwrite", configPath), false)
			if err != nil {
				return err
			}
			if !overwrite {
				return nil
			}
		}
		return runFirstRunSetup(configPath)
	},
}

// runFirstRunSetup solicits the minimal identity and upstream settings
// and writes a starter configuration file.
func runFirstRunSetup(path string) error {
	simulator, err := prompt.InputRequired("Simulator name (shared by all routers of one aircraft)")
	if err != nil {
		return err
	}
	routerName, err := prompt.InputRequired("Router name (unique per router)")
	if err != nil {
		return err
	}
	listenPort, err := prompt.InputPort("Listen port for clients", config.DefaultListenPort)
	if err != nil {
		return err
	}
	upstreamHost, err := prompt.Input("Upstream host (PSX main server or parent router)", config.DefaultUpstreamHost)
	if err != nil {
		return err
	}
	upstreamPort, err := prompt.InputPort("Upstream port", config.DefaultUpstreamPort)
	if err != nil {
		return err
	}
	password, err := prompt.Password("Upstream password (empty for none)")
	if err != nil {
		return err
	}

	content := fmt.Sprintf(`[identity]
simulator = %q
router = %q

[listen]
port = %d

[upstream]
host = %q
port = %d
password = %q

[log]
traffic = false
`, simulator, routerName, listenPort, upstreamHost, upstreamPort, password)

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/frankensim/frankenrouter/internal/cli/output"
	"github.com/frankensim/frankenrouter/pkg/config"
	"github.com/frankensim/frankenrouter/pkg/router"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the clients of a running router",
	Long:  "Queries the control API of a running router instance.\nThe router must be started with listen.rest_api_port set.",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Listen.RestAPIPort == 0 {
		return fmt.Errorf("listen.rest_api_port is not configured")
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/clients", cfg.Listen.RestAPIPort))
	if err != nil {
		return fmt.Errorf("querying control API: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control API returned %s", resp.Status)
	}

	var infos []router.ClientInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		return fmt.Errorf("decoding control API response: %w", err)
	}

	if len(infos) == 0 {
		fmt.Println("No clients connected.")
		return nil
	}

	table := output.NewTableData("ID", "ADDRESS", "NAME", "ACCESS", "PEER")
	for _, info := range infos {
		peer := ""
		if info.RouterPeer {
			peer = "router"
		}
		table.AddRow(
			fmt.Sprintf("%d", info.ID),
			fmt.Sprintf("%s:%d", info.IP, info.Port),
			info.DisplayName,
			info.Access,
			peer,
		)
	}
	return output.PrintTable(os.Stdout, table)
}

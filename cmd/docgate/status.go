package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"docgate/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show docgate system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}

	// Gateway health.
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	resp, err := client.Get(healthURL)
	if err != nil {
		printStatus("Gateway", "stopped")
	} else {
		var health struct {
			Status string `json:"status"`
			Port   int    `json:"port"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&health)
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK && decodeErr == nil {
			printStatus("Gateway", "running on port %d", health.Port)
		} else {
			printStatus("Gateway", "error (HTTP %d)", resp.StatusCode)
		}
	}

	// PocketBase reachability.
	pbResp, err := client.Get(cfg.Queue.BaseURL + "/api/health")
	if err != nil {
		printStatus("PocketBase", "not reachable at %s", cfg.Queue.BaseURL)
	} else {
		pbResp.Body.Close()
		printStatus("PocketBase", "reachable at %s", cfg.Queue.BaseURL)
	}

	printStatus("Generator", "%s", cfg.Generator.Binary)
	printStatus("Poll interval", "%dms", cfg.Queue.PollIntervalMS)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/bakapiano/maimai-score-hub-sub000/internal/api"
)

func statusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show worker and bot status",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := fetchStatus(addr)
			if err != nil {
				return err
			}
			renderStatus(status)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "worker status API address")
	return cmd
}

func fetchStatus(addr string) (*api.StatusResponse, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(addr + "/status")
	if err != nil {
		return nil, fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status api returned %d", resp.StatusCode)
	}

	var status api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &status, nil
}

func renderStatus(status *api.StatusResponse) {
	stats := status.Scheduler

	summary := table.NewWriter()
	summary.SetOutputMirror(os.Stdout)
	summary.SetStyle(table.StyleLight)
	summary.AppendRows([]table.Row{
		{"Instance", stats.InstanceID},
		{"Paused", stats.Paused},
		{"In flight", fmt.Sprintf("%d/%d", stats.InFlight, stats.MaxConcurrent)},
		{"Dispatched", stats.JobsDispatched},
		{"Succeeded", stats.JobsSucceeded},
		{"Failed", stats.JobsFailed},
	})
	summary.Render()

	bots := table.NewWriter()
	bots.SetOutputMirror(os.Stdout)
	bots.SetStyle(table.StyleLight)
	bots.AppendHeader(table.Row{"Bot", "Available", "Friends"})
	for _, bot := range status.Bots {
		bots.AppendRow(table.Row{bot.FriendCode, bot.Available, bot.FriendCount})
	}
	bots.Render()
}

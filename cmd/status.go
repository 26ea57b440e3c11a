package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v3"

	"github.com/chatrelay/bridge/pkg/config"
	"github.com/chatrelay/bridge/pkg/storage"
)

// expectedHeartbeatInterval is the platform-agnostic interval a connection's
// heartbeat is expected to arrive within; a recorded heartbeat older than
// twice this is reported degraded.
const expectedHeartbeatInterval = 30 * time.Second

var (
	okStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")).Width(9)
	degradedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")).Width(9)
)

// StatusCommand creates the status command, reporting each platform
// connection's last known heartbeat without starting the bridge itself.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the last known connection status for each platform",
		Action: func(ctx context.Context, c *cli.Command) error {
			return showStatus(c.String("config"))
		},
	}
}

func showStatus(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store, err := storage.Open(cfg.DatabaseFile)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		_ = store.Close()
	}()

	heartbeats, err := store.AllHeartbeats()
	if err != nil {
		return fmt.Errorf("reading heartbeats: %w", err)
	}

	if len(heartbeats) == 0 {
		fmt.Println("No connection has ever reported a heartbeat.")
		return nil
	}

	now := time.Now()
	for _, h := range heartbeats {
		age := now.Sub(h.LastHeartbeatAt)
		state := okStyle.Render("ok")
		if age > 2*expectedHeartbeatInterval {
			state = degradedStyle.Render("degraded")
		}
		fmt.Printf("%-10s %s last seen %s, %s ago (%s)\n", h.Platform, state, formatTime(h.LastHeartbeatAt), age.Round(time.Second), h.RawStatus)
	}

	return nil
}

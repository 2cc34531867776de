package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"devhook/pkg/config"
	"devhook/pkg/webhook"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the "devhook status" subcommand. It queries a
// running serve process over HTTP and prints the slot snapshot.
func newStatusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue depths and sandbox state of a running daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				addr = cfg.ListenAddr
			}
			return runStatus(cmd.OutOrStdout(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "daemon address, host:port (default from config)")

	return cmd
}

func runStatus(w io.Writer, addr string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/status", addr))
	if err != nil {
		return fmt.Errorf("query %s: %w", addr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status endpoint returned %s", resp.Status)
	}

	var st webhook.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	names := make([]string, 0, len(st.Slots))
	for name := range st.Slots {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(w, "slots: %d\n", st.TotalSlots)
	for _, name := range names {
		slot := st.Slots[name]
		state := "stopped"
		switch {
		case slot.Active:
			state = "busy"
		case slot.Running:
			state = "idle"
		}
		fmt.Fprintf(w, "  %-10s %-8s queue=%d", name, state, slot.QueueDepth)
		if slot.RepoPath != "" {
			fmt.Fprintf(w, " repo=%s", slot.RepoPath)
		}
		if slot.LastUsed != nil {
			fmt.Fprintf(w, " last_used=%s", slot.LastUsed.Format(time.RFC3339))
		}
		fmt.Fprintln(w)
	}
	if len(st.SingleQueueRepos) > 0 {
		fmt.Fprintln(w, "pinned repos:")
		for repo, slot := range st.SingleQueueRepos {
			fmt.Fprintf(w, "  %s -> %s\n", repo, slot)
		}
	}
	if len(st.RecentEvents) > 0 {
		fmt.Fprintln(w, "recent events:")
		for _, e := range st.RecentEvents {
			fmt.Fprintf(w, "  %s %-10s task=%s slot=%s repo=%s", e.CreatedAt, e.Type, e.TaskID, e.Slot, e.Repo)
			if e.Detail != "" {
				fmt.Fprintf(w, " (%s)", e.Detail)
			}
			fmt.Fprintln(w)
		}
	}
	return nil
}

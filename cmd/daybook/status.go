package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/daybook/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show account, connectivity and sync position",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List changes waiting to be sent",
	Args:  cobra.NoArgs,
	RunE:  runQueue,
}

func init() {
	rootCmd.AddCommand(statusCmd, queueCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	session := apiClient.Session()

	online := false
	if !session.Local() && !offlineMode {
		online = session.Monitor.Probe(ctx)
	}

	queued := 0
	if session.Queue != nil {
		n, err := session.Queue.Len(ctx)
		if err != nil {
			return fmt.Errorf("read queue: %w", err)
		}
		queued = n
	}

	st := session.Coordinator.Status()

	if jsonOutput {
		marks := make(map[string]string, len(st.Watermarks))
		for c, at := range st.Watermarks {
			marks[string(c)] = models.FormatTime(at)
		}
		printJSON(map[string]interface{}{
			"identity":   session.Identity,
			"local_only": session.Local(),
			"online":     online,
			"queued":     queued,
			"watermarks": marks,
			"backend":    cfg.Remote.Kind,
		})
		return nil
	}

	if session.Local() {
		printInfo("Local-only mode (not logged in)")
	} else {
		if token, ok := apiClient.Auth.Current(); ok {
			printInfo("Logged in as %s, token expires %s", token.Account(), token.ExpiresAt.Local().Format("2006-01-02 15:04"))
		}
		if online {
			printSuccess("Remote %s reachable", cfg.Remote.Kind)
		} else {
			printWarning("Remote %s unreachable", cfg.Remote.Kind)
		}
		fmt.Printf("Queued changes: %d\n", queued)
	}

	if len(st.Watermarks) == 0 {
		return nil
	}
	fmt.Println("Synced up to:")
	collections := make([]string, 0, len(st.Watermarks))
	for c := range st.Watermarks {
		collections = append(collections, string(c))
	}
	sort.Strings(collections)
	for _, c := range collections {
		fmt.Printf("  %-14s %s\n", c, st.Watermarks[models.Collection(c)].Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runQueue(cmd *cobra.Command, args []string) error {
	session := apiClient.Session()
	if session.Queue == nil {
		if jsonOutput {
			printJSON([]models.QueueItem{})
		} else {
			printInfo("Local-only mode, nothing is queued")
		}
		return nil
	}

	items, err := session.Queue.Items(cmd.Context())
	if err != nil {
		return fmt.Errorf("read queue: %w", err)
	}

	if jsonOutput {
		printJSON(items)
		return nil
	}

	if len(items) == 0 {
		printSuccess("Queue is empty")
		return nil
	}
	for _, item := range items {
		line := fmt.Sprintf("#%-5d %-24s %-36s %s", item.Seq, item.Type, item.RecordID,
			item.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		if item.Attempts >= cfg.Sync.MaxAttempts {
			printWarning("%s  blocked after %d attempts: %s", line, item.Attempts, item.LastError)
			continue
		}
		if item.Attempts > 0 {
			line += fmt.Sprintf("  (%d failed: %s)", item.Attempts, item.LastError)
		}
		fmt.Println(line)
	}
	return nil
}

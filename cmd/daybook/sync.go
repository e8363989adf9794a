package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/daybook/internal/models"
	"github.com/TheMichaelB/daybook/internal/services/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Send queued changes and refresh local data",
	Long: `Sync replays changes queued while offline, then pulls what changed
on the account since the last sync. Use --full to discard the sync
position and read everything again.`,
	Example: `  daybook sync
  daybook sync --full`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay in sync until interrupted",
	Long: `Watch syncs once, then again whenever the connection comes back, and
follows the account's change feed when the backend offers one.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var syncFull bool

func init() {
	rootCmd.AddCommand(syncCmd, watchCmd)

	syncCmd.Flags().BoolVarP(&syncFull, "full", "f", false,
		"Force a full read instead of incremental")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	session := apiClient.Session()

	if syncFull {
		if err := apiClient.ResetWatermarks(); err != nil {
			return err
		}
	}

	result, err := session.Sync.Reconcile(ctx, true)
	evts := pendingEvents(session.Sync.Events())

	if jsonOutput {
		out := map[string]interface{}{
			"success":  err == nil,
			"identity": session.Identity,
			"events":   eventMaps(evts),
		}
		if result != nil {
			out["sent"] = result.Sent
			out["remaining"] = result.Remaining
			out["blocked"] = len(result.Blocked)
			out["auth_required"] = result.AuthRequired
		}
		if err != nil {
			out["error"] = err.Error()
		}
		printJSON(out)
		return err
	}

	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	if session.Local() {
		printInfo("Local-only mode, nothing to send")
	}

	fmt.Printf("\n📊 Sync Summary:\n")
	fmt.Printf("   Changes sent: %d\n", result.Sent)
	fmt.Printf("   Still queued: %d\n", result.Remaining)
	fmt.Printf("   Duration: %s\n", result.Duration.Round(time.Millisecond))

	for _, item := range result.Blocked {
		printWarning("   Blocked: %s %s after %d attempts: %s",
			item.Type, item.RecordID, item.Attempts, item.LastError)
	}
	if result.AuthRequired {
		printWarning("Session expired, run 'daybook login'")
		return nil
	}
	if result.Remaining > 0 {
		printWarning("Remote unreachable, changes stay queued")
		return nil
	}

	printSuccess("\n✅ Sync completed successfully!")
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	session := apiClient.Session()

	go func() {
		for event := range session.Sync.Events() {
			if jsonOutput {
				printJSON(eventMap(event))
				continue
			}
			printEvent(event)
		}
	}()

	if !jsonOutput {
		printInfo("Watching for changes, press Ctrl+C to stop")
	}

	err := session.Sync.Run(ctx)
	if errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

func printEvent(event sync.Event) {
	ts := event.Timestamp.Format("15:04:05")
	switch event.Type {
	case sync.EventDrained:
		if event.Drain != nil && event.Drain.Sent > 0 {
			fmt.Printf("%s sent %d queued changes\n", ts, event.Drain.Sent)
		}
	case sync.EventChanged:
		fmt.Printf("%s %s updated\n", ts, event.Collection)
	case sync.EventCompleted:
		logger.Debug("Reconcile completed")
	case sync.EventQueueBlocked:
		for _, item := range event.Blocked {
			printWarning("%s blocked: %s %s: %s", ts, item.Type, item.RecordID, item.LastError)
		}
	case sync.EventAuthRequired:
		printWarning("%s session expired, run 'daybook login'", ts)
	case sync.EventFailed:
		if event.Error != nil {
			printError("%s sync failed: %v", ts, event.Error)
		}
	}
}

// pendingEvents collects the events already buffered on ch.
func pendingEvents(ch <-chan sync.Event) []sync.Event {
	var out []sync.Event
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func eventMaps(evts []sync.Event) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(evts))
	for _, e := range evts {
		out = append(out, eventMap(e))
	}
	return out
}

func eventMap(event sync.Event) map[string]interface{} {
	data := map[string]interface{}{
		"type":      event.Type,
		"timestamp": models.FormatTime(event.Timestamp),
	}
	if event.Collection != "" {
		data["collection"] = event.Collection
	}
	if event.Error != nil {
		data["error"] = event.Error.Error()
	}
	if event.Drain != nil {
		data["sent"] = event.Drain.Sent
		data["remaining"] = event.Drain.Remaining
	}
	if len(event.Blocked) > 0 {
		data["blocked"] = len(event.Blocked)
	}
	return data
}

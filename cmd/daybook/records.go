package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/TheMichaelB/daybook/internal/models"
	"github.com/TheMichaelB/daybook/internal/provider"
)

var listCmd = &cobra.Command{
	Use:   "list [collection...]",
	Short: "List records",
	Long: `List prints the live records of the named collections, or of every
collection when none is named. Known collections: ` + collectionNames() + `.`,
	RunE: runList,
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskAdd,
}

var taskDoneCmd = &cobra.Command{
	Use:   "done <id>",
	Short: "Mark a task done",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskDone,
}

var taskRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRm,
}

var (
	taskDue   string
	taskNotes string
)

func init() {
	rootCmd.AddCommand(listCmd, taskCmd)
	taskCmd.AddCommand(taskAddCmd, taskDoneCmd, taskRmCmd)

	taskAddCmd.Flags().StringVar(&taskDue, "due", "",
		"Due date (YYYY-MM-DD)")
	taskAddCmd.Flags().StringVar(&taskNotes, "notes", "",
		"Free text notes")
}

func collectionNames() string {
	var names []string
	for _, c := range models.Collections() {
		names = append(names, string(c))
	}
	return strings.Join(names, ", ")
}

func parseCollections(args []string) ([]models.Collection, error) {
	if len(args) == 0 {
		return models.Collections(), nil
	}
	out := make([]models.Collection, 0, len(args))
	for _, arg := range args {
		c, err := models.ParseCollection(arg)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func heading(c models.Collection) string {
	return cases.Title(language.English).String(strings.ReplaceAll(string(c), "_", " "))
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	collections, err := parseCollections(args)
	if err != nil {
		return err
	}

	co := apiClient.Session().Coordinator
	out := make(map[models.Collection][]map[string]interface{})
	for _, c := range collections {
		records, err := co.HydrateTable(ctx, c, false)
		if err != nil && !models.IsUnauthorized(err) {
			return fmt.Errorf("read %s: %w", c, err)
		}

		if jsonOutput {
			rows := make([]map[string]interface{}, 0, len(records))
			for _, r := range records {
				rows = append(rows, map[string]interface{}{
					"id":         r.ID,
					"updated_at": models.FormatTime(r.UpdatedAt),
					"data":       models.Fields(r),
				})
			}
			out[c] = rows
			continue
		}

		printInfo("%s (%d)", heading(c), len(records))
		for _, r := range records {
			fmt.Printf("  %-36s  %s  %s\n", r.ID, r.UpdatedAt.Local().Format("2006-01-02 15:04"), summary(r))
		}
	}

	if jsonOutput {
		printJSON(out)
	} else if co.AuthRequired() {
		printWarning("Showing local data, session expired. Run 'daybook login'")
	}
	return nil
}

// summary renders the most telling fields of a payload on one line.
func summary(r models.Record) string {
	fields := models.Fields(r)
	var parts []string
	for _, key := range []string{"title", "name", "content"} {
		if v, ok := fields[key].(string); ok && v != "" {
			parts = append(parts, truncate(v, 60))
		}
	}
	if done, ok := fields["done"].(bool); ok && done {
		parts = append(parts, "[done]")
	}
	if len(parts) == 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return strings.Join(keys, ",")
	}
	return strings.Join(parts, "  ")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	task := models.Task{Title: args[0], Notes: taskNotes}
	if taskDue != "" {
		due, err := time.ParseInLocation("2006-01-02", taskDue, time.Local)
		if err != nil {
			return fmt.Errorf("invalid --due: %w", err)
		}
		task.Due = &due
	}

	return saveTask(cmd.Context(), models.NewID(), task)
}

func runTaskDone(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	co := apiClient.Session().Coordinator

	if _, err := co.HydrateTable(ctx, models.CollectionTasks, false); err != nil && !models.IsUnauthorized(err) {
		return err
	}
	r, ok, err := co.Lookup(models.CollectionTasks, args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: task %s", models.ErrRecordNotFound, args[0])
	}
	task, err := models.DecodeTask(r)
	if err != nil {
		return err
	}
	task.Done = true
	return saveTask(ctx, r.ID, task)
}

func saveTask(ctx context.Context, id string, task models.Task) error {
	data, err := models.EncodePayload(task)
	if err != nil {
		return err
	}
	outcome, err := apiClient.Session().Coordinator.Save(ctx, models.CollectionTasks, models.Record{ID: id, Data: data})
	return reportWrite("task", id, outcome, err)
}

func runTaskRm(cmd *cobra.Command, args []string) error {
	outcome, err := apiClient.Session().Coordinator.Delete(cmd.Context(), models.CollectionTasks, args[0])
	return reportWrite("task", args[0], outcome, err)
}

// reportWrite prints the result of a write. A credential rejection still
// leaves the local copy in place.
func reportWrite(kind, id string, outcome provider.Outcome, err error) error {
	if err != nil && !models.IsUnauthorized(err) {
		if models.IsFatalStorage(err) {
			return fmt.Errorf("local storage failure, %s not saved: %w", kind, err)
		}
		return fmt.Errorf("save %s: %w", kind, err)
	}

	if jsonOutput {
		out := map[string]interface{}{
			"id":      id,
			"outcome": outcome.String(),
		}
		if err != nil {
			out["error"] = err.Error()
		}
		printJSON(out)
		return nil
	}

	switch {
	case err != nil:
		printWarning("Saved %s %s locally. Session expired, run 'daybook login'", kind, id)
	case outcome == provider.Queued:
		printWarning("Saved %s %s locally, queued for sync", kind, id)
	default:
		printSuccess("Saved %s %s", kind, id)
	}
	return nil
}

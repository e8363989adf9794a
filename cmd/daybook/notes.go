package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/daybook/internal/models"
)

var noteCmd = &cobra.Command{
	Use:   "note",
	Short: "Write and edit notes",
}

var noteNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a note",
	Example: `  daybook note new --title "Groceries" --content "eggs, milk"
  echo "long text" | daybook note new --title "Draft" --content -`,
	Args: cobra.NoArgs,
	RunE: runNoteNew,
}

var noteEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Edit a note",
	Long: `Edit saves a new version of a note. If the note changed on another
device since it was last synced here, nothing is written and the other
version is shown. Re-run with --force to overwrite it.`,
	Args: cobra.ExactArgs(1),
	RunE: runNoteEdit,
}

var noteShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a note",
	Args:  cobra.ExactArgs(1),
	RunE:  runNoteShow,
}

var (
	noteTitle   string
	noteContent string
	noteAppend  string
	noteForce   bool
)

var errNoChanges = errors.New("nothing to change: pass --title, --content or --append")

func init() {
	rootCmd.AddCommand(noteCmd)
	noteCmd.AddCommand(noteNewCmd, noteEditCmd, noteShowCmd)

	for _, c := range []*cobra.Command{noteNewCmd, noteEditCmd} {
		c.Flags().StringVarP(&noteTitle, "title", "t", "", "Note title")
		c.Flags().StringVar(&noteContent, "content", "", "Note content, - reads stdin")
	}
	noteEditCmd.Flags().StringVar(&noteAppend, "append", "",
		"Text appended to the content")
	noteEditCmd.Flags().BoolVarP(&noteForce, "force", "f", false,
		"Overwrite a newer version from another device")
}

func readContent(flag string) (string, error) {
	if flag != "-" {
		return flag, nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

func runNoteNew(cmd *cobra.Command, args []string) error {
	content, err := readContent(noteContent)
	if err != nil {
		return err
	}
	if noteTitle == "" && content == "" {
		return errNoChanges
	}

	editor := apiClient.Session().Editor
	s := editor.Create()
	outcome, _, err := editor.Save(cmd.Context(), s, models.Note{Title: noteTitle, Content: content})
	return reportWrite("note", s.ID, outcome, err)
}

func runNoteEdit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	session := apiClient.Session()

	if _, err := session.Coordinator.HydrateTable(ctx, models.CollectionNotes, false); err != nil && !models.IsUnauthorized(err) {
		return err
	}

	s, note, err := session.Editor.Open(args[0])
	if err != nil {
		return err
	}

	changed := false
	if cmd.Flags().Changed("title") {
		note.Title = noteTitle
		changed = true
	}
	if cmd.Flags().Changed("content") {
		if note.Content, err = readContent(noteContent); err != nil {
			return err
		}
		changed = true
	}
	if noteAppend != "" {
		if note.Content != "" {
			note.Content += "\n"
		}
		note.Content += noteAppend
		changed = true
	}
	if !changed {
		return errNoChanges
	}

	save := session.Editor.Save
	if noteForce {
		save = session.Editor.ForceOverwrite
	}
	outcome, _, err := save(ctx, s, note)

	var conflict *models.ConflictError
	if errors.As(err, &conflict) {
		if jsonOutput {
			printJSON(map[string]interface{}{
				"conflict":       true,
				"id":             conflict.RecordID,
				"base":           models.FormatTime(conflict.BaseTimestamp),
				"remote_updated": models.FormatTime(conflict.Remote.UpdatedAt),
				"remote_title":   conflict.RemoteTitle,
				"remote_content": conflict.RemoteContent,
			})
		} else {
			printWarning("This note was changed on another device at %s",
				conflict.Remote.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
			fmt.Printf("\n  %s\n\n%s\n\n", conflict.RemoteTitle, indent(conflict.RemoteContent))
			printInfo("Nothing was saved. Re-run with --force to overwrite it.")
		}
		return err
	}
	return reportWrite("note", s.ID, outcome, err)
}

func runNoteShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	co := apiClient.Session().Coordinator

	if _, err := co.HydrateTable(ctx, models.CollectionNotes, false); err != nil && !models.IsUnauthorized(err) {
		return err
	}
	r, ok, err := co.Lookup(models.CollectionNotes, args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: note %s", models.ErrRecordNotFound, args[0])
	}
	note, err := models.DecodeNote(r)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"id":         r.ID,
			"updated_at": models.FormatTime(r.UpdatedAt),
			"title":      note.Title,
			"content":    note.Content,
			"tags":       note.Tags,
		})
		return nil
	}

	printInfo("%s", note.Title)
	fmt.Printf("%s\n\n%s\n", r.UpdatedAt.Local().Format("2006-01-02 15:04:05"), note.Content)
	return nil
}

func indent(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}

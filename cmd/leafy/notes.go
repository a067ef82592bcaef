package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/basket/leafy/internal/persistence"
)

func runNoteCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) == 0 || isHelpArg(args[0]) {
		fmt.Fprintln(os.Stderr, "usage: leafy note {save|get|search|list|delete} ...")
		return 2
	}
	action, rest := args[0], args[1:]

	fs := flag.NewFlagSet("note "+action, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	tags := fs.String("tags", "", "comma-separated tags (save)")
	limit := fs.Int("limit", persistence.DefaultNoteListLimit, "maximum notes (list)")
	pos, err := parseInterspersed(fs, rest)
	if err != nil {
		return 2
	}

	return withApp(ctx, func(a *app) int {
		switch action {
		case "save":
			if len(pos) < 2 {
				fmt.Fprintln(os.Stderr, "usage: leafy note save <title> <content> [-tags t]")
				return 2
			}
			content := strings.Join(pos[1:], " ")
			if err := a.store.SaveNote(ctx, pos[0], content, *tags); err != nil {
				fmt.Fprintf(os.Stderr, "save note: %v\n", err)
				return 1
			}
			fmt.Fprintf(out, "saved %q\n", pos[0])
		case "get":
			if len(pos) != 1 {
				fmt.Fprintln(os.Stderr, "usage: leafy note get <title>")
				return 2
			}
			n, err := a.store.GetNote(ctx, pos[0])
			if errors.Is(err, persistence.ErrNotFound) {
				fmt.Fprintf(os.Stderr, "no note titled %q\n", pos[0])
				return 1
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "get note: %v\n", err)
				return 1
			}
			renderKV(out, n.Title, []kv{
				{"content", n.Content},
				{"tags", n.Tags},
				{"created", n.CreatedAt.Local().Format(time.DateTime)},
				{"updated", n.UpdatedAt.Local().Format(time.DateTime)},
			})
		case "search":
			if len(pos) != 1 {
				fmt.Fprintln(os.Stderr, "usage: leafy note search <keyword>")
				return 2
			}
			notes, err := a.store.SearchNotes(ctx, pos[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "search notes: %v\n", err)
				return 1
			}
			printNotes(out, notes)
		case "list":
			notes, err := a.store.ListNotes(ctx, *limit)
			if err != nil {
				fmt.Fprintf(os.Stderr, "list notes: %v\n", err)
				return 1
			}
			printNotes(out, notes)
		case "delete":
			if len(pos) != 1 {
				fmt.Fprintln(os.Stderr, "usage: leafy note delete <title>")
				return 2
			}
			deleted, err := a.store.DeleteNote(ctx, pos[0])
			a.audit.Record("note.delete", pos[0], fmt.Sprintf("deleted=%t", deleted), err)
			if err != nil {
				fmt.Fprintf(os.Stderr, "delete note: %v\n", err)
				return 1
			}
			if !deleted {
				fmt.Fprintf(os.Stderr, "no note titled %q\n", pos[0])
				return 1
			}
			fmt.Fprintf(out, "deleted %q\n", pos[0])
		default:
			fmt.Fprintf(os.Stderr, "unknown note action %q\n", action)
			return 2
		}
		return 0
	})
}

func printNotes(out io.Writer, notes []persistence.Note) {
	if len(notes) == 0 {
		fmt.Fprintln(out, dimStyle.Render("no notes"))
		return
	}
	for _, n := range notes {
		fmt.Fprintf(out, "%s  %s  %s\n",
			dimStyle.Render(n.UpdatedAt.Local().Format(time.DateTime)),
			titleStyle.Render(n.Title),
			truncate(n.Content, 60))
	}
}

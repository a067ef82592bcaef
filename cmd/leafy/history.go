package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/basket/leafy/internal/persistence"
)

func runHistoryCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) == 0 || isHelpArg(args[0]) {
		fmt.Fprintln(os.Stderr, "usage: leafy history {add|list|search|top|prune} ...")
		return 2
	}
	action, rest := args[0], args[1:]

	fs := flag.NewFlagSet("history "+action, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	status := fs.String("status", persistence.DefaultCommandStatus, "command status (add)")
	duration := fs.Duration("duration", 0, "command duration, e.g. 120ms (add)")
	result := fs.String("result", "", "command result text (add)")
	limit := fs.Int("limit", 0, "maximum entries (list, search)")
	top := fs.Int("n", 10, "number of commands (top)")
	days := fs.Int("days", -1, "retention in days (prune); default from config")
	pos, err := parseInterspersed(fs, rest)
	if err != nil {
		return 2
	}

	return withApp(ctx, func(a *app) int {
		switch action {
		case "add":
			if len(pos) == 0 {
				fmt.Fprintln(os.Stderr, "usage: leafy history add <command> [-status s] [-duration d] [-result r]")
				return 2
			}
			if err := a.store.AddCommand(ctx, strings.Join(pos, " "), *status, *duration, *result); err != nil {
				fmt.Fprintf(os.Stderr, "add command: %v\n", err)
				return 1
			}
		case "list":
			n := *limit
			if n <= 0 {
				n = persistence.DefaultHistoryLimit
			}
			entries, err := a.store.CommandHistory(ctx, n)
			if err != nil {
				fmt.Fprintf(os.Stderr, "history: %v\n", err)
				return 1
			}
			printCommands(out, entries)
		case "search":
			if len(pos) != 1 {
				fmt.Fprintln(os.Stderr, "usage: leafy history search <keyword> [-limit n]")
				return 2
			}
			n := *limit
			if n <= 0 {
				n = persistence.DefaultSearchCommandLimit
			}
			entries, err := a.store.SearchCommands(ctx, pos[0], n)
			if err != nil {
				fmt.Fprintf(os.Stderr, "search history: %v\n", err)
				return 1
			}
			printCommands(out, entries)
		case "top":
			counts, err := a.store.MostUsedCommands(ctx, *top)
			if err != nil {
				fmt.Fprintf(os.Stderr, "top commands: %v\n", err)
				return 1
			}
			for _, c := range counts {
				fmt.Fprintf(out, "%5d  %s\n", c.Count, c.Command)
			}
		case "prune":
			d := *days
			if d < 0 {
				d = a.cfg.HistoryRetentionDays
			}
			res, err := a.store.RunRetention(ctx, d)
			a.audit.Record("history.prune", fmt.Sprintf("days=%d", d),
				fmt.Sprintf("commands=%d cache=%d", res.PurgedCommands, res.PurgedCacheEntries), err)
			if err != nil {
				fmt.Fprintf(os.Stderr, "prune: %v\n", err)
				return 1
			}
			fmt.Fprintf(out, "removed %d commands older than %d days and %d expired cache entries\n",
				res.PurgedCommands, d, res.PurgedCacheEntries)
		default:
			fmt.Fprintf(os.Stderr, "unknown history action %q\n", action)
			return 2
		}
		return 0
	})
}

func printCommands(out io.Writer, entries []persistence.CommandEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, dimStyle.Render("no commands"))
		return
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-9s %s", e.Timestamp.Local().Format(time.DateTime), e.Status, e.Command)
		if e.Duration > 0 {
			line += dimStyle.Render(fmt.Sprintf("  (%s)", e.Duration))
		}
		fmt.Fprintln(out, line)
	}
}

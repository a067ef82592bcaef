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

	"github.com/basket/leafy/internal/cache"
	"github.com/basket/leafy/internal/persistence"
)

func runCacheCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) == 0 || isHelpArg(args[0]) {
		fmt.Fprintln(os.Stderr, "usage: leafy cache {put|get|inspect|sweep|clear} ...")
		return 2
	}
	action, rest := args[0], args[1:]

	fs := flag.NewFlagSet("cache "+action, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	ttl := fs.Int64("ttl", cache.TTLDefault, "ttl in seconds (put); 0 uses the policy for the type")
	pos, err := parseInterspersed(fs, rest)
	if err != nil {
		return 2
	}

	return withApp(ctx, func(a *app) int {
		switch action {
		case "put":
			if len(pos) < 3 {
				fmt.Fprintln(os.Stderr, "usage: leafy cache put <type> <query> <response> [-ttl seconds]")
				return 2
			}
			if err := a.cache.CacheResult(ctx, pos[1], strings.Join(pos[2:], " "), pos[0], *ttl); err != nil {
				fmt.Fprintf(os.Stderr, "cache put: %v\n", err)
				return 1
			}
			fmt.Fprintf(out, "cached %s %s\n", pos[0], cache.HashQuery(pos[1], pos[0])[:12])
		case "get":
			if len(pos) != 2 {
				fmt.Fprintln(os.Stderr, "usage: leafy cache get <type> <query>")
				return 2
			}
			text, ok := a.cache.GetCached(ctx, pos[1], pos[0])
			if !ok {
				fmt.Fprintln(os.Stderr, "miss")
				return 1
			}
			fmt.Fprintln(out, text)
		case "inspect":
			if len(pos) != 2 {
				fmt.Fprintln(os.Stderr, "usage: leafy cache inspect <type> <query>")
				return 2
			}
			entry, err := a.store.CacheEntry(ctx, cache.HashQuery(pos[1], pos[0]))
			if errors.Is(err, persistence.ErrNotFound) {
				fmt.Fprintln(os.Stderr, "not cached")
				return 1
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "cache inspect: %v\n", err)
				return 1
			}
			status := statusStyles["PASS"].Render("fresh")
			if !entry.FreshAt(time.Now()) {
				status = statusStyles["WARN"].Render("expired")
			}
			renderKV(out, "Cache entry", []kv{
				{"hash", entry.QueryHash},
				{"type", entry.QueryType},
				{"created", entry.CreatedAt.Format(time.RFC3339)},
				{"ttl", fmt.Sprintf("%ds", entry.TTLSeconds)},
				{"expires", entry.ExpiresAt().Format(time.RFC3339)},
				{"status", status},
				{"response", truncate(entry.Response, 60)},
			})
		case "sweep":
			n, err := a.cache.ClearExpired(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "cache sweep: %v\n", err)
				return 1
			}
			fmt.Fprintf(out, "removed %d expired entries\n", n)
		case "clear":
			n, err := a.cache.ClearAll(ctx)
			a.audit.Record("cache.clear", "", fmt.Sprintf("removed=%d", n), err)
			if err != nil {
				fmt.Fprintf(os.Stderr, "cache clear: %v\n", err)
				return 1
			}
			fmt.Fprintf(out, "removed %d entries\n", n)
		default:
			fmt.Fprintf(os.Stderr, "unknown cache action %q\n", action)
			return 2
		}
		return 0
	})
}

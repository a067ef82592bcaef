package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
)

func runStatsCommand(ctx context.Context, args []string, out io.Writer) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(os.Stderr, "usage: leafy stats [-json]")
			return 2
		}
	}

	return withApp(ctx, func(a *app) int {
		st, err := a.store.Stats(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "stats: %v\n", err)
			return 1
		}
		if jsonOutput {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(st); err != nil {
				fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
				return 1
			}
			return 0
		}
		renderKV(out, "Leafy "+Version, []kv{
			{"database", a.store.Path()},
			{"notes", strconv.FormatInt(st.Notes, 10)},
			{"commands", strconv.FormatInt(st.Commands, 10)},
			{"cache entries", strconv.FormatInt(st.CacheEntries, 10)},
			{"settings", strconv.FormatInt(st.Settings, 10)},
		})
		return 0
	})
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/basket/leafy/internal/persistence"
)

func runSettingCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) == 0 || isHelpArg(args[0]) {
		fmt.Fprintln(os.Stderr, "usage: leafy setting {set|get|list} ...")
		return 2
	}
	action, rest := args[0], args[1:]

	fs := flag.NewFlagSet("setting "+action, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	kind := fs.String("type", "", "value type: string, int, float, bool or json (set); inferred when empty")
	def := fs.String("default", "", "printed when the key is not set (get)")
	schemaPath := fs.String("schema", "", "JSON Schema file the json value must satisfy (set)")
	pos, err := parseInterspersed(fs, rest)
	if err != nil {
		return 2
	}

	return withApp(ctx, func(a *app) int {
		switch action {
		case "set":
			if len(pos) < 2 {
				fmt.Fprintln(os.Stderr, "usage: leafy setting set <key> <value> [-type t] [-schema file]")
				return 2
			}
			v, err := parseSettingArg(persistence.SettingKind(*kind), strings.Join(pos[1:], " "))
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return 2
			}
			if *schemaPath != "" {
				raw, err := os.ReadFile(*schemaPath)
				if err != nil {
					fmt.Fprintf(os.Stderr, "read schema: %v\n", err)
					return 2
				}
				if err := a.store.RegisterSettingSchema(pos[0], raw); err != nil {
					fmt.Fprintf(os.Stderr, "setting schema: %v\n", err)
					return 2
				}
			}
			if err := a.store.SetSetting(ctx, pos[0], v); err != nil {
				fmt.Fprintf(os.Stderr, "set setting: %v\n", err)
				return 1
			}
			fmt.Fprintf(out, "%s = %s (%s)\n", pos[0], v.Text(), v.Kind())
		case "get":
			if len(pos) != 1 {
				fmt.Fprintln(os.Stderr, "usage: leafy setting get <key> [-default v]")
				return 2
			}
			v, err := a.store.GetSetting(ctx, pos[0], persistence.StringValue(*def))
			if err != nil {
				fmt.Fprintf(os.Stderr, "get setting: %v\n", err)
				return 1
			}
			fmt.Fprintln(out, v.Text())
		case "list":
			all, err := a.store.AllSettings(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "list settings: %v\n", err)
				return 1
			}
			keys := make([]string, 0, len(all))
			for k := range all {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			rows := make([]kv, 0, len(keys))
			for _, k := range keys {
				rows = append(rows, kv{k, all[k].Text() + dimStyle.Render(" "+string(all[k].Kind()))})
			}
			if len(rows) == 0 {
				fmt.Fprintln(out, dimStyle.Render("no settings"))
				return 0
			}
			renderKV(out, "Settings", rows)
		default:
			fmt.Fprintf(os.Stderr, "unknown setting action %q\n", action)
			return 2
		}
		return 0
	})
}

// parseSettingArg parses a command-line value. An empty kind infers int,
// float, bool or json from the text and falls back to string.
func parseSettingArg(kind persistence.SettingKind, text string) (persistence.SettingValue, error) {
	if kind != "" {
		if !kind.Valid() {
			return persistence.SettingValue{}, fmt.Errorf("unknown setting type %q", kind)
		}
		return persistence.ParseSettingValue(kind, text)
	}
	trimmed := strings.TrimSpace(text)
	if _, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return persistence.ParseSettingValue(persistence.SettingInt, trimmed)
	}
	if _, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return persistence.ParseSettingValue(persistence.SettingFloat, trimmed)
	}
	switch strings.ToLower(trimmed) {
	case "true", "false":
		return persistence.ParseSettingValue(persistence.SettingBool, trimmed)
	}
	if (strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")) && json.Valid([]byte(trimmed)) {
		return persistence.ParseSettingValue(persistence.SettingJSON, trimmed)
	}
	return persistence.StringValue(text), nil
}

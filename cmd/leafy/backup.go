package main

import (
	"context"
	"fmt"
	"io"
	"os"
)

func runBackupCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) > 1 || (len(args) == 1 && isHelpArg(args[0])) {
		fmt.Fprintln(os.Stderr, "usage: leafy backup [path]")
		return 2
	}
	dest := ""
	if len(args) == 1 {
		dest = args[0]
	}
	return withApp(ctx, func(a *app) int {
		path, err := a.store.Backup(ctx, dest)
		a.audit.Record("backup", path, "", err)
		if err != nil {
			fmt.Fprintf(os.Stderr, "backup: %v\n", err)
			return 1
		}
		fmt.Fprintf(out, "backup written to %s\n", path)
		return 0
	})
}

func runRestoreCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) != 1 || isHelpArg(args[0]) {
		fmt.Fprintln(os.Stderr, "usage: leafy restore <path>")
		return 2
	}
	return withApp(ctx, func(a *app) int {
		err := a.store.Restore(ctx, args[0])
		a.audit.Record("restore", args[0], a.store.Path(), err)
		if err != nil {
			fmt.Fprintf(os.Stderr, "restore: %v\n", err)
			return 1
		}
		fmt.Fprintf(out, "restored %s from %s\n", a.store.Path(), args[0])
		return 0
	})
}

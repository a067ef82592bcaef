package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/leafy/internal/config"
	"github.com/basket/leafy/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, out io.Writer) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	var cfgPtr *config.Config
	cfg, err := config.Load()
	if err != nil {
		// A config that fails validation is itself the diagnosis.
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	} else {
		cfgPtr = &cfg
	}

	diag := doctor.Run(ctx, cfgPtr, Version)

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("Leafy Doctor Report (%s)", diag.Timestamp.Format(time.RFC3339))))
	fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("System: %s/%s (%s)", diag.System.OS, diag.System.Arch, diag.System.Go)))
	fmt.Fprintln(out, "---")

	for _, res := range diag.Results {
		fmt.Fprintf(out, "%s %-12s %s\n", renderStatus(res.Status), res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(out, "     %s\n", dimStyle.Render(res.Detail))
		}
	}

	if diag.Failed() {
		return 1
	}
	return 0
}

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).Padding(0, 1)

	statusStyles = map[string]lipgloss.Style{
		"PASS": lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		"WARN": lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		"FAIL": lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		"SKIP": lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
)

type kv struct {
	key   string
	value string
}

// renderKV writes aligned key/value rows inside a rounded box.
func renderKV(w io.Writer, title string, rows []kv) {
	width := 0
	for _, r := range rows {
		width = max(width, lipgloss.Width(r.key))
	}
	lines := []string{titleStyle.Render(title)}
	for _, r := range rows {
		pad := strings.Repeat(" ", width-lipgloss.Width(r.key))
		lines = append(lines, labelStyle.Render(r.key)+pad+"  "+r.value)
	}
	fmt.Fprintln(w, boxStyle.Render(strings.Join(lines, "\n")))
}

func renderStatus(status string) string {
	style, ok := statusStyles[status]
	if !ok {
		return status
	}
	return style.Render(fmt.Sprintf("%-4s", status))
}

// truncate shortens s to n runes for single-line listings.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

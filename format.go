package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/width"
)

// Statusf prints a progress line to the status writer unless --quiet is set.
// Data output (tables, JSON) goes to the command's stdout instead.
func (cc *CLIContext) Statusf(format string, args ...any) {
	if cc.Flags.Quiet {
		return
	}

	fmt.Fprintf(cc.statusWriter(), format, args...)
}

// Warnf prints a line to the status writer even under --quiet.
func (cc *CLIContext) Warnf(format string, args ...any) {
	fmt.Fprintf(cc.statusWriter(), format, args...)
}

func (cc *CLIContext) statusWriter() io.Writer {
	if cc.Status == nil {
		return os.Stderr
	}

	return cc.Status
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

// Binary units, matching the KiB/MiB suffixes accepted in the config file.
var sizeUnits = []struct {
	suffix string
	size   int64
}{
	{"TiB", 1 << 40},
	{"GiB", 1 << 30},
	{"MiB", 1 << 20},
	{"KiB", 1 << 10},
}

// formatSize returns a human-readable size such as "4.0 MiB".
func formatSize(n int64) string {
	for _, u := range sizeUnits {
		if n >= u.size {
			return fmt.Sprintf("%.1f %s", float64(n)/float64(u.size), u.suffix)
		}
	}

	return strconv.FormatInt(n, 10) + " B"
}

// formatTime renders a ledger timestamp in local time, to the second.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	return t.Local().Format(time.DateTime)
}

// uploadVerb is the past-tense verb for one finished upload.
func uploadVerb(reused bool) string {
	if reused {
		return "Deduplicated"
	}

	return "Uploaded"
}

// uploadMode describes how the bytes reached the service: not at all
// (dedup), in one PUT, or in parts.
func uploadMode(reused, multipart bool, parts int) string {
	switch {
	case reused:
		return "dedup"
	case multipart:
		return strconv.Itoa(parts) + " parts"
	default:
		return "single"
	}
}

// displayWidth counts terminal columns: wide and full-width runes (CJK
// names, full-width substitutes from sanitizing) take two.
func displayWidth(s string) int {
	n := 0

	for _, r := range s {
		switch width.LookupRune(r).Kind() {
		case width.EastAsianWide, width.EastAsianFullwidth:
			n += 2
		default:
			n++
		}
	}

	return n
}

// printTable writes left-aligned columns separated by two spaces. Trailing
// padding is trimmed from every line.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = displayWidth(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], displayWidth(cell))
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = cell + strings.Repeat(" ", widths[i]-displayWidth(cell))
	}

	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}

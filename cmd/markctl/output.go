package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// ANSI escape codes, blanked when NO_COLOR is set.
var c = struct {
	Reset, Bold, Dim, Green, Yellow, Red, Cyan string
}{
	Reset:  "\033[0m",
	Bold:   "\033[1m",
	Dim:    "\033[2m",
	Green:  "\033[32m",
	Yellow: "\033[33m",
	Red:    "\033[31m",
	Cyan:   "\033[36m",
}

func init() {
	if os.Getenv("NO_COLOR") != "" {
		c.Reset, c.Bold, c.Dim, c.Green, c.Yellow, c.Red, c.Cyan = "", "", "", "", "", "", ""
	}
}

func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s%sError%s: %v\n", c.Bold, c.Red, c.Reset, err)
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "\n%s%s%s\n", c.Bold, title, c.Reset)
}

func printField(w io.Writer, label string, format string, args ...any) {
	fmt.Fprintf(w, "  %s%-14s%s %s\n", c.Dim, label, c.Reset, fmt.Sprintf(format, args...))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02 15:04")
}

func levelColor(level string) string {
	switch level {
	case "critical":
		return c.Red
	case "warning":
		return c.Yellow
	}
	return c.Green
}

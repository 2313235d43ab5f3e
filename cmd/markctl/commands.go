package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"markd/internal/anchor"
	"markd/internal/fsutil"
	"markd/internal/ipc"
)

// app carries the connection and output of one markctl invocation.
type app struct {
	client *ipc.IPCClient
	out    io.Writer
	json   bool
}

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"status":    cmdStatus,
	"ping":      cmdPing,
	"open":      cmdOpen,
	"close":     cmdClose,
	"list":      cmdList,
	"render":    cmdRender,
	"get":       cmdGet,
	"add":       cmdAdd,
	"restyle":   cmdRestyle,
	"focus":     cmdFocus,
	"delete":    cmdDelete,
	"clear":     cmdClear,
	"collect":   cmdCollect,
	"export":    cmdExport,
	"print":     cmdPrint,
	"storage":   cmdStorage,
	"backup":    cmdBackup,
	"clear-all": cmdClearAll,
	"reload":    cmdReload,
	"settings":  cmdSettings,
	"watch":     cmdWatch,
}

// parseArgs parses flags interleaved with positional arguments and checks
// the positional count is within [lo, hi]; hi < 0 means unbounded.
func parseArgs(fs *flag.FlagSet, args []string, lo, hi int, usage string) ([]string, error) {
	fs.SetOutput(io.Discard)
	var pos []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, fmt.Errorf("%v\nusage: markctl %s", err, usage)
		}
		args = fs.Args()
		if len(args) == 0 {
			break
		}
		pos = append(pos, args[0])
		args = args[1:]
	}
	if len(pos) < lo || (hi >= 0 && len(pos) > hi) {
		return nil, fmt.Errorf("usage: markctl %s", usage)
	}
	return pos, nil
}

func (a *app) emit(v any, text func(w io.Writer)) error {
	if a.json {
		return printJSON(a.out, v)
	}
	text(a.out)
	return nil
}

func cmdStatus(ctx context.Context, a *app, args []string) error {
	if _, err := parseArgs(flag.NewFlagSet("status", flag.ContinueOnError), args, 0, 0, "status"); err != nil {
		return err
	}
	st, err := a.client.Status(ctx)
	if err != nil {
		return err
	}
	return a.emit(st, func(w io.Writer) {
		printSection(w, "DAEMON STATUS")
		printField(w, "Version", "%s%s%s", c.Cyan, st.Version, c.Reset)
		printField(w, "Uptime", "%s", st.Uptime.Round(time.Second))
		printField(w, "Started", "%s", st.StartedAt.Format(time.RFC3339))
		printField(w, "Documents", "%d", st.Documents)

		printSection(w, "STORAGE")
		printField(w, "Backend", "%s (%s)", st.StorageType, st.Encoding)
		printStorage(w, &st.Storage)
		fmt.Fprintln(w)
	})
}

func printStorage(w io.Writer, s *ipc.StorageInfo) {
	printField(w, "Used", "%s of %s", formatBytes(s.Used), formatBytes(s.Quota))
	printField(w, "Level", "%s%.1f%% %s%s", levelColor(s.Level), s.Percent, s.Level, c.Reset)
}

func cmdPing(ctx context.Context, a *app, args []string) error {
	started := time.Now()
	ready, err := a.client.Ready(ctx)
	if err != nil {
		return err
	}
	rtt := time.Since(started)
	return a.emit(map[string]any{"ready": ready, "rtt_ms": rtt.Milliseconds()}, func(w io.Writer) {
		fmt.Fprintf(w, "%sready%s (%s) server %s\n", c.Green, c.Reset, rtt.Round(time.Microsecond), a.client.ServerVersion())
	})
}

func cmdOpen(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("open", flag.ContinueOnError)
	replace := fs.Bool("replace", false, "replace the markup of an open document")
	pos, err := parseArgs(fs, args, 2, 2, "open [-replace] <url> <file.html>")
	if err != nil {
		return err
	}
	markup, err := readInput(pos[1])
	if err != nil {
		return err
	}
	resp, err := a.client.OpenDocument(ctx, pos[0], string(markup), *replace)
	if err != nil {
		return err
	}
	return a.emit(resp, func(w io.Writer) {
		fmt.Fprintf(w, "Opened %s%s%s %q (%d highlights restored)\n", c.Cyan, resp.Key, c.Reset, resp.Title, resp.Count)
	})
}

// readInput reads a file, or stdin when path is "-", up to the protocol's
// payload limit.
func readInput(path string) ([]byte, error) {
	return fsutil.ReadFile(path, ipc.MaxPayload)
}

func cmdClose(ctx context.Context, a *app, args []string) error {
	pos, err := parseArgs(flag.NewFlagSet("close", flag.ContinueOnError), args, 1, 1, "close <url>")
	if err != nil {
		return err
	}
	if err := a.client.CloseDocument(ctx, pos[0]); err != nil {
		return err
	}
	return a.emit(ipc.AckResponse{OK: true}, func(w io.Writer) {
		fmt.Fprintf(w, "Closed %s\n", pos[0])
	})
}

func cmdList(ctx context.Context, a *app, args []string) error {
	if _, err := parseArgs(flag.NewFlagSet("list", flag.ContinueOnError), args, 0, 0, "list"); err != nil {
		return err
	}
	docs, err := a.client.ListDocuments(ctx)
	if err != nil {
		return err
	}
	return a.emit(docs, func(w io.Writer) {
		if len(docs) == 0 {
			fmt.Fprintln(w, "No open documents")
			return
		}
		for _, d := range docs {
			fmt.Fprintf(w, "%s%s%s\n", c.Cyan, d.URL, c.Reset)
			printField(w, "Title", "%s", d.Title)
			printField(w, "Highlights", "%d", d.Count)
			printField(w, "State", "%s", d.State)
			if d.Focused != "" {
				printField(w, "Focused", "%s", d.Focused)
			}
		}
	})
}

func cmdRender(ctx context.Context, a *app, args []string) error {
	pos, err := parseArgs(flag.NewFlagSet("render", flag.ContinueOnError), args, 1, 2, "render <url> [out.html]")
	if err != nil {
		return err
	}
	markup, err := a.client.RenderDocument(ctx, pos[0])
	if err != nil {
		return err
	}
	if len(pos) == 2 {
		if err := fsutil.WriteFile(pos[1], []byte(markup), 0o644); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Wrote %s\n", pos[1])
		return nil
	}
	return a.emit(ipc.RenderResponse{HTML: markup}, func(w io.Writer) {
		fmt.Fprintln(w, markup)
	})
}

func cmdGet(ctx context.Context, a *app, args []string) error {
	pos, err := parseArgs(flag.NewFlagSet("get", flag.ContinueOnError), args, 1, 1, "get <url>")
	if err != nil {
		return err
	}
	records, err := a.client.GetHighlights(ctx, pos[0])
	if err != nil {
		return err
	}
	return a.emit(records, func(w io.Writer) {
		if len(records) == 0 {
			fmt.Fprintln(w, "No highlights")
			return
		}
		for _, r := range records {
			fmt.Fprintf(w, "%s%s%s  %s%-10s%s %s  %q\n",
				c.Cyan, r.ID, c.Reset, c.Dim, r.Color, c.Reset, formatMillis(r.CreatedAt), r.TextSnippet)
		}
	})
}

// parsePosition reads "/0/1/0:4" into a text position.
func parsePosition(s string) (*anchor.Position, error) {
	path, offset, ok := strings.Cut(s, ":")
	if !ok || !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("invalid position %q (want /i/j/k:offset)", s)
	}
	p := &anchor.Position{Text: true}
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		i, err := strconv.Atoi(part)
		if err != nil || i < 0 {
			return nil, fmt.Errorf("invalid position %q", s)
		}
		p.Path = append(p.Path, i)
	}
	n, err := strconv.Atoi(offset)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("invalid position offset %q", s)
	}
	p.Offset = n
	return p, nil
}

func cmdAdd(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	text := fs.String("text", "", "text to highlight")
	occurrence := fs.Int("occurrence", 0, "which occurrence of -text, from 0")
	start := fs.String("start", "", "range start, /i/j/k:offset")
	end := fs.String("end", "", "range end, /i/j/k:offset")
	color := fs.String("color", "", "highlight color")
	pos, err := parseArgs(fs, args, 1, 1, "add <url> (-text <text> [-occurrence n] | -start <pos> -end <pos>) [-color name]")
	if err != nil {
		return err
	}

	req := &ipc.AddHighlightRequest{URL: pos[0], Text: *text, Occurrence: *occurrence, Color: *color}
	if *text == "" {
		if *start == "" || *end == "" {
			return errors.New("add needs -text or both -start and -end")
		}
		if req.Start, err = parsePosition(*start); err != nil {
			return err
		}
		if req.End, err = parsePosition(*end); err != nil {
			return err
		}
	}

	resp, err := a.client.AddHighlight(ctx, req)
	if err != nil {
		return err
	}
	return a.emit(resp, func(w io.Writer) {
		fmt.Fprintf(w, "Added %s%s%s (%s) %q\n", c.Cyan, resp.ID, c.Reset, resp.Record.Color, resp.Record.TextSnippet)
	})
}

func cmdRestyle(ctx context.Context, a *app, args []string) error {
	pos, err := parseArgs(flag.NewFlagSet("restyle", flag.ContinueOnError), args, 3, 3, "restyle <url> <id> <color>")
	if err != nil {
		return err
	}
	found, err := a.client.RestyleHighlight(ctx, pos[0], pos[1], pos[2])
	if err != nil {
		return err
	}
	return reportFound(a, found, fmt.Sprintf("Restyled %s as %s", pos[1], pos[2]), pos[1])
}

func reportFound(a *app, found bool, done, id string) error {
	return a.emit(ipc.FoundResponse{OK: true, Found: found}, func(w io.Writer) {
		if found {
			fmt.Fprintln(w, done)
		} else {
			fmt.Fprintf(w, "%sNo highlight %s%s\n", c.Yellow, id, c.Reset)
		}
	})
}

func cmdFocus(ctx context.Context, a *app, args []string) error {
	pos, err := parseArgs(flag.NewFlagSet("focus", flag.ContinueOnError), args, 2, 2, "focus <url> <id>")
	if err != nil {
		return err
	}
	resp, err := a.client.FocusHighlight(ctx, pos[0], pos[1])
	if err != nil {
		return err
	}
	return a.emit(resp, func(w io.Writer) {
		if !resp.Found {
			fmt.Fprintf(w, "%sNo highlight %s%s\n", c.Yellow, pos[1], c.Reset)
			return
		}
		fmt.Fprintf(w, "Focused %s at %s (%d markers)\n", pos[1], resp.Position, resp.Markers)
	})
}

func cmdDelete(ctx context.Context, a *app, args []string) error {
	pos, err := parseArgs(flag.NewFlagSet("delete", flag.ContinueOnError), args, 2, 2, "delete <url> <id>")
	if err != nil {
		return err
	}
	found, err := a.client.DeleteHighlight(ctx, pos[0], pos[1])
	if err != nil {
		return err
	}
	return reportFound(a, found, "Deleted "+pos[1], pos[1])
}

func cmdClear(ctx context.Context, a *app, args []string) error {
	pos, err := parseArgs(flag.NewFlagSet("clear", flag.ContinueOnError), args, 1, 1, "clear <url>")
	if err != nil {
		return err
	}
	n, err := a.client.ClearHighlights(ctx, pos[0])
	if err != nil {
		return err
	}
	return a.emit(ipc.CountResponse{OK: true, Count: n}, func(w io.Writer) {
		fmt.Fprintf(w, "Cleared %d highlights\n", n)
	})
}

func cmdCollect(ctx context.Context, a *app, args []string) error {
	pos, err := parseArgs(flag.NewFlagSet("collect", flag.ContinueOnError), args, 1, 1, "collect <url>")
	if err != nil {
		return err
	}
	resp, err := a.client.CollectHighlights(ctx, pos[0])
	if err != nil {
		return err
	}
	return a.emit(resp, func(w io.Writer) {
		printSection(w, resp.Title)
		for _, h := range resp.Highlights {
			fmt.Fprintf(w, "  %s%s%s %s%s%s\n", c.Cyan, h.ID, c.Reset, c.Dim, h.Color, c.Reset)
			fmt.Fprintf(w, "    %s\n", h.HTMLContent)
		}
		fmt.Fprintln(w)
	})
}

func cmdExport(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	format := fs.String("format", "markdown", "markdown, json, text or html")
	title := fs.String("title", "", "document title override")
	stdout := fs.Bool("stdout", false, "print instead of writing a file")
	pos, err := parseArgs(fs, args, 1, 2, "export [-format f] [-title t] [-stdout] <url> [file]")
	if err != nil {
		return err
	}
	resp, err := a.client.Export(ctx, &ipc.ExportRequest{URL: pos[0], Format: *format, Title: *title})
	if err != nil {
		return err
	}
	if *stdout {
		fmt.Fprint(a.out, resp.Content)
		return nil
	}

	name := resp.FileName
	if len(pos) == 2 {
		name = pos[1]
	}
	if err := fsutil.WriteFile(name, []byte(resp.Content), 0o644); err != nil {
		return err
	}
	return a.emit(map[string]any{"file": name, "format": resp.Format, "count": resp.Count}, func(w io.Writer) {
		fmt.Fprintf(w, "Exported %d highlights to %s\n", resp.Count, name)
	})
}

func cmdPrint(ctx context.Context, a *app, args []string) error {
	pos, err := parseArgs(flag.NewFlagSet("print", flag.ContinueOnError), args, 1, 1, "print <url>")
	if err != nil {
		return err
	}
	if err := a.client.PrintPage(ctx, pos[0]); err != nil {
		return err
	}
	return a.emit(ipc.AckResponse{OK: true}, func(w io.Writer) {
		fmt.Fprintln(w, "Print requested")
	})
}

func cmdStorage(ctx context.Context, a *app, args []string) error {
	if _, err := parseArgs(flag.NewFlagSet("storage", flag.ContinueOnError), args, 0, 0, "storage"); err != nil {
		return err
	}
	info, err := a.client.StorageInfo(ctx)
	if err != nil {
		return err
	}
	return a.emit(info, func(w io.Writer) {
		printSection(w, "STORAGE")
		printStorage(w, info)
		fmt.Fprintln(w)
	})
}

func cmdBackup(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: markctl backup export [file] | backup import <file>")
	}
	switch args[0] {
	case "export":
		pos, err := parseArgs(flag.NewFlagSet("backup export", flag.ContinueOnError), args[1:], 0, 1, "backup export [file]")
		if err != nil {
			return err
		}
		resp, err := a.client.BackupExport(ctx)
		if err != nil {
			return err
		}
		name := resp.FileName
		if len(pos) == 1 {
			name = pos[0]
		}
		data, err := json.MarshalIndent(resp.Data, "", "  ")
		if err != nil {
			return err
		}
		if err := fsutil.WriteFile(name, data, 0o600); err != nil {
			return err
		}
		return a.emit(map[string]any{"file": name, "pages": resp.Pages}, func(w io.Writer) {
			fmt.Fprintf(w, "Backed up %d pages to %s\n", resp.Pages, name)
		})

	case "import":
		pos, err := parseArgs(flag.NewFlagSet("backup import", flag.ContinueOnError), args[1:], 1, 1, "backup import <file>")
		if err != nil {
			return err
		}
		raw, err := readInput(pos[0])
		if err != nil {
			return err
		}
		resp, err := a.client.BackupImport(ctx, raw)
		if err != nil {
			return err
		}
		return a.emit(resp, func(w io.Writer) {
			fmt.Fprintf(w, "Imported %d pages\n", resp.Imported)
		})
	}
	return fmt.Errorf("unknown backup command: %s", args[0])
}

func cmdClearAll(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("clear-all", flag.ContinueOnError)
	yes := fs.Bool("yes", false, "confirm removing every stored highlight")
	if _, err := parseArgs(fs, args, 0, 0, "clear-all -yes"); err != nil {
		return err
	}
	if !*yes {
		return errors.New("clear-all removes every stored highlight; pass -yes to confirm")
	}
	resp, err := a.client.ClearAllData(ctx)
	if err != nil {
		return err
	}
	return a.emit(resp, func(w io.Writer) {
		fmt.Fprintf(w, "Removed %d stored pages, cleared %d open documents\n", resp.Removed, resp.Cleared)
	})
}

func cmdReload(ctx context.Context, a *app, args []string) error {
	pos, err := parseArgs(flag.NewFlagSet("reload", flag.ContinueOnError), args, 0, 1, "reload [url]")
	if err != nil {
		return err
	}
	url := ""
	if len(pos) == 1 {
		url = pos[0]
	}
	if err := a.client.Reload(ctx, url); err != nil {
		return err
	}
	return a.emit(ipc.AckResponse{OK: true}, func(w io.Writer) {
		fmt.Fprintln(w, "Reloaded")
	})
}

func cmdSettings(ctx context.Context, a *app, args []string) error {
	if _, err := parseArgs(flag.NewFlagSet("settings", flag.ContinueOnError), args, 0, 0, "settings"); err != nil {
		return err
	}
	s, err := a.client.SettingsUpdated(ctx)
	if err != nil {
		return err
	}
	return a.emit(s, func(w io.Writer) {
		printSection(w, "SETTINGS")
		printField(w, "Color", "%s", s.EffectiveColor())
		printField(w, "Animation", "%s", s.AnimationSpeed)
		printField(w, "Theme", "%s", s.Theme)
		names := make([]string, 0, len(s.Palette))
		for _, p := range s.Palette {
			names = append(names, p.Name)
		}
		printField(w, "Palette", "%s", strings.Join(names, ", "))
		fmt.Fprintln(w)
	})
}

func cmdWatch(ctx context.Context, a *app, args []string) error {
	events, err := parseArgs(flag.NewFlagSet("watch", flag.ContinueOnError), args, 0, -1, "watch [event...]")
	if err != nil {
		return err
	}
	if err := a.client.Subscribe(ctx, events...); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-a.client.Events():
			if !ok {
				return ipc.ErrConnectionLost
			}
			if err := a.emit(e, func(w io.Writer) { printEvent(w, e) }); err != nil {
				return err
			}
		}
	}
}

func printEvent(w io.Writer, e *ipc.Event) {
	fmt.Fprintf(w, "%s%s%s %s%-18s%s", c.Dim, e.Timestamp.Format("15:04:05.000"), c.Reset, c.Cyan, e.Type, c.Reset)
	if e.Key != "" {
		fmt.Fprintf(w, " %s", e.Key)
	}
	if e.ID != "" {
		fmt.Fprintf(w, " id=%s", e.ID)
	}
	if e.Color != "" {
		fmt.Fprintf(w, " color=%s", e.Color)
	}
	if e.Count != 0 {
		fmt.Fprintf(w, " count=%d", e.Count)
	}
	if e.Position != nil {
		fmt.Fprintf(w, " at=%s", e.Position)
	}
	fmt.Fprintln(w)
}

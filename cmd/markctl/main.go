// markctl is the control CLI for markd.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"markd/internal/config"
	"markd/internal/ipc"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			usage(os.Stderr)
			os.Exit(2)
		}
		printError(os.Stderr, err)
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			fmt.Fprintln(os.Stderr, "  Tip: start the daemon with: markd start")
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func usage(w io.Writer) {
	fmt.Fprintln(w, `markctl - Control utility for markd

Usage: markctl [options] <command> [args]

Documents:
  open <url> <file.html>     Host a document (-replace to swap markup)
  close <url>                Flush and close a document
  list                       List open documents
  render <url> [out.html]    Print the document with its highlight markers

Highlights:
  get <url>                  List highlights, newest first
  add <url>                  Highlight text (-text, -occurrence) or a range
                             (-start /0/1/0:4 -end /0/1/0:9); -color c
  restyle <url> <id> <color> Change a highlight's color
  focus <url> <id>           Focus a highlight
  delete <url> <id>          Erase a highlight
  clear <url>                Erase every highlight of a document
  collect <url>              Print highlights with their marked-up content
  export <url> [file]        Export highlights (-format markdown|json|text|html)
  print <url>                Ask subscribers to print the page

Storage:
  storage                    Show storage usage
  backup export [file]       Write every stored collection to a JSON file
  backup import <file>       Merge a backup file into the store
  clear-all                  Remove every stored collection (-yes required)

Daemon:
  status                     Show daemon status
  ping                       Check the daemon answers
  reload [url]               Re-read one document, or all, from the store
  settings                   Make the daemon re-read its settings
  watch [event...]           Stream document events
  version                    Print the version

Options:
  -config <path>  Path to config file (socket path default)
  -socket <path>  Daemon socket (overrides config)
  -json           Print JSON instead of text
  -timeout <dur>  Request timeout (default 30s)`)
}

// run parses the global options, connects and dispatches one command.
func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("markctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "path to config file")
	socket := fs.String("socket", "", "daemon socket path")
	jsonOut := fs.Bool("json", false, "print JSON")
	timeout := fs.Duration("timeout", 30*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() < 1 {
		return errUsage
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "help", "-h", "--help":
		usage(out)
		return nil
	case "version":
		fmt.Fprintf(out, "markctl %s\n", Version)
		return nil
	}

	handler, ok := commands[cmd]
	if !ok {
		return fmt.Errorf("unknown command: %s", cmd)
	}

	path := *socket
	if path == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		path = cfg.IPC.SocketPath
	}

	clientCfg := ipc.DefaultClientConfig(path)
	clientCfg.ClientVersion = Version
	clientCfg.RequestTimeout = *timeout
	client := ipc.NewClient(clientCfg)

	connectCtx, cancel := context.WithTimeout(ctx, clientCfg.ConnectTimeout)
	err := client.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("cannot connect to daemon: %w", err)
	}
	defer client.Close()

	a := &app{client: client, out: out, json: *jsonOut}
	return handler(ctx, a, rest)
}

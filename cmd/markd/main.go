// markd - highlight anchoring and persistence daemon
//
//	markd init      Write a default configuration file
//	markd run       Run the daemon in the foreground
//	markd start     Start the daemon in the background
//	markd stop      Stop a background daemon
//	markd status    Show configuration and daemon state
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"markd/internal/config"
	"markd/internal/fsutil"
	"markd/internal/logging"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "init":
		err = cmdInit(args)
	case "run":
		err = cmdRun(args)
	case "start":
		err = cmdStart(args)
	case "stop":
		err = cmdStop(args)
	case "status":
		err = cmdStatus(args)
	case "version":
		fmt.Printf("markd %s\n", Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "markd %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`markd - highlight anchoring and persistence daemon

USAGE:
    markd <command> [options]

COMMANDS:
    init        Write a default configuration file
    run         Run the daemon in the foreground
    start       Start the daemon in the background
    stop        Stop a background daemon
    status      Show configuration and daemon state
    version     Print the version
    help        Show this help message

OPTIONS (all commands):
    -config <path>   Configuration file (default: platform config dir)

Environment variables prefixed MARKD_ override configuration values,
for example MARKD_STORAGE_TYPE=memory or MARKD_HTTP_ADDR=127.0.0.1:7433.

Use markctl to open documents and manage highlights.`)
}

func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "", "configuration file")
}

func pidFile() string {
	return filepath.Join(config.MarkdDir(), "markd.pid")
}

func cmdInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	path := configFlag(fs)
	fs.Parse(args)

	if *path == "" {
		*path = config.ConfigPath()
	}
	cfg, created, err := config.LoadOrCreate(*path)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	if created {
		fmt.Printf("Wrote %s\n", *path)
	} else {
		fmt.Printf("Configuration already exists: %s\n", *path)
	}
	fmt.Printf("Storage: %s (%s)\n", cfg.Storage.Type, cfg.Storage.Path)
	fmt.Printf("Socket:  %s\n", cfg.IPC.SocketPath)
	return nil
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	path := configFlag(fs)
	socket := fs.String("socket", "", "override the socket path")
	httpAddr := fs.String("http", "", "serve the HTTP API on this address")
	level := fs.String("log-level", "", "override the log level")
	fs.Parse(args)

	if *path == "" {
		*path = config.ConfigPath()
	}
	if _, _, err := config.LoadOrCreate(*path); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	loader := config.NewLoader(*path)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *socket != "" {
		cfg.IPC.SocketPath = *socket
	}
	if *httpAddr != "" {
		cfg.HTTP.Enabled = true
		cfg.HTTP.Addr = *httpAddr
	}
	if *level != "" {
		cfg.Logging.Level = *level
	}

	logCfg, err := cfg.LoggingConfig()
	if err != nil {
		return err
	}
	logCfg.Component = "markd"
	log, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer log.Close()
	logging.SetDefault(log)

	lock, err := fsutil.LockPID(pidFile())
	if errors.Is(err, fsutil.ErrLocked) {
		pid, _ := fsutil.ReadPID(pidFile())
		return fmt.Errorf("already running (pid %d)", pid)
	}
	if err != nil {
		return fmt.Errorf("pid file: %w", err)
	}
	defer lock.Release()

	daemon, err := NewDaemon(Version, loader, log)
	if err != nil {
		return err
	}
	if err := daemon.Start(); err != nil {
		daemon.Stop(context.Background())
		return err
	}
	log.Info("markd started",
		"version", Version,
		"config", loader.Path(),
		"socket", daemon.SocketPath(),
		"storage", cfg.Storage.Type,
	)


	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigChan:
			log.Info("shutting down", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := daemon.Stop(ctx)
			cancel()
			if err != nil {
				log.Error("shutdown", "error", err)
				return err
			}
			log.Info("markd stopped")
			return nil

		case <-ticker.C:
			log.Debug("heartbeat", "clients", daemon.Clients(), "documents", daemon.Documents())

		case err := <-loader.Errors():
			log.Warn("config reload failed", "error", err)
		}
	}
}

// cmdStart re-executes markd run as a detached process.
func cmdStart(args []string) error {
	if pid, ok := runningPID(); ok {
		return fmt.Errorf("already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(config.MarkdDir(), 0o700); err != nil {
		return err
	}

	cmd := exec.Command(exe, append([]string{"run"}, args...)...)
	cmd.SysProcAttr = getDaemonSysProcAttr()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	fmt.Printf("markd started (pid %d)\n", cmd.Process.Pid)
	return cmd.Process.Release()
}

func cmdStop(args []string) error {
	pid, ok := runningPID()
	if !ok {
		return errors.New("not running")
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	fmt.Printf("Sent SIGTERM to pid %d\n", pid)
	return nil
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	path := configFlag(fs)
	fs.Parse(args)

	loader := config.NewLoader(*path)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fmt.Println("=== markd Status ===")
	fmt.Println()
	fmt.Printf("Config:   %s\n", loader.Path())
	fmt.Printf("Data dir: %s\n", config.MarkdDir())
	fmt.Printf("Storage:  %s %s (%s, quota %d bytes)\n",
		cfg.Storage.Type, cfg.Storage.Path, cfg.Storage.Encoding, cfg.Storage.QuotaBytes)
	fmt.Printf("Socket:   %s\n", cfg.IPC.SocketPath)
	if cfg.HTTP.Enabled {
		fmt.Printf("HTTP:     %s\n", cfg.HTTP.Addr)
	} else {
		fmt.Println("HTTP:     disabled")
	}
	if pid, ok := runningPID(); ok {
		fmt.Printf("Daemon:   running (pid %d)\n", pid)
	} else {
		fmt.Println("Daemon:   not running")
	}
	return nil
}

// runningPID reads the pid file and checks the process is alive.
func runningPID() (int, bool) {
	pid, err := fsutil.ReadPID(pidFile())
	if err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	// On Unix, FindProcess always succeeds. Signal 0 probes for the process.
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, true
}

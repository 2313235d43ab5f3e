package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"markd/internal/backup"
	"markd/internal/config"
	"markd/internal/export"
	"markd/internal/health"
	"markd/internal/httpapi"
	"markd/internal/ipc"
	"markd/internal/kv"
	"markd/internal/logging"
	"markd/internal/metrics"
	"markd/internal/session"
)

// Daemon wires the store, the document sessions and both transports.
type Daemon struct {
	version string
	loader  *config.Loader
	log     *logging.Logger

	store    kv.Store
	metrics  *metrics.Metrics
	sessions *session.Manager
	handler  *ipc.DaemonHandler
	health   *health.Checker
	server   *ipc.Server
	http     *httpapi.Server

	httpCancel context.CancelFunc
	httpDone   chan error
	stopOnce   sync.Once
}

// NewDaemon builds a daemon from the loaded configuration. Nothing listens
// until Start.
func NewDaemon(version string, loader *config.Loader, log *logging.Logger) (*Daemon, error) {
	cfg := loader.Config()
	if cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	d := &Daemon{
		version: version,
		loader:  loader,
		log:     log,
		metrics: metrics.New(),
		health:  health.NewChecker(),
	}

	codec, err := kv.CodecByName(cfg.Storage.Encoding)
	if err != nil {
		return nil, err
	}
	d.store, err = kv.Open(cfg.StoreOptions(log))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	d.sessions, err = session.NewManager(session.Options{
		Store:     d.store,
		Codec:     codec,
		Highlight: cfg.HighlightOptions(),
		Metrics:   d.metrics,
		Log:       log,
		Sanitize:  export.Sanitize,
		// handler is assigned below, before any document can be opened.
		Notify: func(e session.Event) { d.handler.Notify(e) },
	})
	if err != nil {
		d.store.Close()
		return nil, err
	}

	svc, err := backup.New(d.store, codec, log)
	if err != nil {
		d.store.Close()
		return nil, err
	}
	d.handler = ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{
		Version:  version,
		Sessions: d.sessions,
		Backup:   svc,
		Config:   loader,
		Log:      log,
	})

	d.health.RegisterFunc("storage", true, health.StorageCheck(d.store.BytesInUse, cfg.Highlight.QuotaThreshold*100))
	d.health.RegisterFunc("documents", false, health.DocumentsCheck(d.sessions.Len))
	return d, nil
}

// Start opens the socket and, when enabled, the HTTP API.
func (d *Daemon) Start() error {
	cfg := d.loader.Config()

	if cfg.IPC.Enabled {
		srvCfg := ipc.DefaultServerConfig(cfg.IPC.SocketPath)
		srvCfg.Version = d.version
		srvCfg.Mode = cfg.SocketMode()
		srvCfg.MaxConnections = cfg.IPC.MaxConnections
		srvCfg.WriteTimeout = time.Duration(cfg.IPC.TimeoutSec) * time.Second
		srvCfg.RateLimit = cfg.IPC.RateLimit
		srvCfg.RateBurst = cfg.IPC.RateBurst
		srvCfg.Log = d.log
		srvCfg.Metrics = d.metrics

		server, err := ipc.NewServer(srvCfg, d.handler)
		if err != nil {
			return fmt.Errorf("create server: %w", err)
		}
		d.server = server
		d.handler.SetBroadcaster(d.server.Broadcast)
		if err := d.server.Start(); err != nil {
			return fmt.Errorf("start server: %w", err)
		}
	}

	if cfg.HTTP.Enabled {
		api, err := httpapi.New(httpapi.Config{
			Addr:      cfg.HTTP.Addr,
			Executor:  d.handler,
			Health:    d.health,
			Metrics:   d.metrics,
			Log:       d.log,
			RateLimit: cfg.HTTP.RateLimit,
			RateBurst: cfg.HTTP.RateBurst,
		})
		if err != nil {
			return err
		}
		d.http = api

		ctx, cancel := context.WithCancel(context.Background())
		d.httpCancel = cancel
		d.httpDone = make(chan error, 1)
		go func() {
			err := api.ListenAndServe(ctx)
			if err != nil {
				d.log.Error("http api stopped", "error", err)
			}
			d.httpDone <- err
		}()
	}

	d.loader.OnChange(func(cfg *config.Config) {
		if err := d.sessions.ApplyConfig(context.Background(), cfg); err != nil {
			d.log.Warn("applying configuration", "error", err)
			return
		}
		d.log.Info("configuration reloaded")
	})
	if err := d.loader.Watch(); err != nil {
		d.log.Warn("config watch unavailable", "error", err)
	}

	d.health.SetReady(true)
	return nil
}

// Stop closes the transports, then flushes and closes every document.
func (d *Daemon) Stop(ctx context.Context) error {
	var errs []error
	d.stopOnce.Do(func() {
		d.health.SetReady(false)
		if d.server != nil {
			if err := d.server.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		if d.httpCancel != nil {
			d.httpCancel()
			<-d.httpDone
		}
		if err := d.sessions.CloseAll(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := d.loader.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := d.store.Close(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// SocketPath returns the socket path
func (d *Daemon) SocketPath() string {
	if d.server != nil {
		return d.server.SocketPath()
	}
	return ""
}

// Clients returns the number of connected socket clients.
func (d *Daemon) Clients() int {
	if d.server != nil {
		return d.server.ClientCount()
	}
	return 0
}

// Documents returns the number of open documents.
func (d *Daemon) Documents() int {
	return d.sessions.Len()
}

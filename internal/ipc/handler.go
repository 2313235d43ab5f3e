package ipc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"markd/internal/anchor"
	"markd/internal/backup"
	"markd/internal/config"
	"markd/internal/dom"
	"markd/internal/export"
	"markd/internal/highlight"
	"markd/internal/kv"
	"markd/internal/logging"
	"markd/internal/session"
)

// Error is a command failure with a protocol error code.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ipc error %d: %s", e.Code, e.Message)
}

// ErrUnknownCommand is returned by Execute for names it does not know.
var ErrUnknownCommand = &Error{Code: ErrInvalidRequest, Message: "unknown command"}

func invalid(format string, args ...any) *Error {
	return &Error{Code: ErrInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// AsError maps err onto a protocol error.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	code := ErrInternalError
	switch {
	case errors.Is(err, session.ErrNotOpen):
		code = ErrNotOpen
	case errors.Is(err, session.ErrAlreadyOpen):
		code = ErrAlreadyExists
	case errors.Is(err, session.ErrNoMatch):
		code = ErrNotFound
	case errors.Is(err, kv.ErrQuotaExceeded):
		code = ErrQuotaExceeded
	case errors.Is(err, anchor.ErrUnresolvable), errors.Is(err, anchor.ErrDetached):
		code = ErrUnresolvable
	case errors.Is(err, backup.ErrInvalidBackup):
		code = ErrInvalidBackup
	case errors.Is(err, kv.ErrBadKey),
		errors.Is(err, highlight.ErrCollapsed),
		errors.Is(err, highlight.ErrRenderFailed),
		errors.Is(err, dom.ErrInvalidRange):
		code = ErrInvalidRequest
	}
	return &Error{Code: code, Message: err.Error()}
}

// ConfigSource supplies the configuration. *config.Loader implements it.
type ConfigSource interface {
	Config() *config.Config
	Load() (*config.Config, error)
}

// DaemonHandler executes markd commands. The socket server and the HTTP
// API share one instance.
type DaemonHandler struct {
	version   string
	startedAt time.Time

	sessions *session.Manager
	backup   *backup.Service
	config   ConfigSource
	log      *logging.Logger
	now      func() time.Time

	mu          sync.RWMutex
	broadcaster func(*Event)
}

// DaemonHandlerConfig configures the daemon handler
type DaemonHandlerConfig struct {
	Version  string
	Sessions *session.Manager
	Backup   *backup.Service
	Config   ConfigSource
	Log      *logging.Logger
	Now      func() time.Time
}

func NewDaemonHandler(cfg DaemonHandlerConfig) *DaemonHandler {
	if cfg.Log == nil {
		cfg.Log = logging.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &DaemonHandler{
		version:   cfg.Version,
		startedAt: cfg.Now(),
		sessions:  cfg.Sessions,
		backup:    cfg.Backup,
		config:    cfg.Config,
		log:       cfg.Log.WithComponent("ipc"),
		now:       cfg.Now,
	}
}

// SetBroadcaster wires Notify to the server's subscribers.
func (h *DaemonHandler) SetBroadcaster(broadcaster func(*Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcaster = broadcaster
}

// Notify forwards a session event to the broadcaster. It is suitable as
// session.Options.Notify.
func (h *DaemonHandler) Notify(e session.Event) {
	h.mu.RLock()
	b := h.broadcaster
	h.mu.RUnlock()
	if b != nil {
		b(NewEvent(e))
	}
}

// HandleMessage decodes a command message, executes it and encodes the
// response in the request's encoding.
func (h *DaemonHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	flags := msg.Header.Flags
	c, ok := commands[msg.Header.Type]
	if !ok {
		return NewErrorMessage(msg.Header.RequestID, flags, ErrInvalidRequest, ErrUnknownCommand.Message), nil
	}
	if c.mutates && client.permission() < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, flags, ErrPermissionDenied, "read-only client"), nil
	}

	resp, err := h.Execute(ctx, c.name, func(v any) error {
		return Decode(flags, msg.Payload, v)
	})
	if err != nil {
		e := AsError(err)
		return NewErrorMessage(msg.Header.RequestID, flags, e.Code, e.Message), nil
	}
	return NewResponse(c.resp, msg.Header.RequestID, flags, resp)
}

// Execute runs the named command. decode fills the request payload; it
// is not called for commands without one.
func (h *DaemonHandler) Execute(ctx context.Context, name string, decode func(any) error) (any, error) {
	req := func(v any) error {
		if err := decode(v); err != nil {
			return invalid("decode %s request: %v", name, err)
		}
		return nil
	}

	switch name {
	case CmdPing:
		return &ReadyResponse{Ready: true}, nil
	case CmdStatus:
		return h.status(ctx)
	case CmdOpenDocument:
		var r OpenDocumentRequest
		if err := req(&r); err != nil {
			return nil, err
		}
		return h.openDocument(ctx, r)
	case CmdCloseDocument:
		var r DocumentRequest
		if err := req(&r); err != nil {
			return nil, err
		}
		if err := h.sessions.Close(ctx, r.URL); err != nil {
			return nil, err
		}
		return &AckResponse{OK: true}, nil
	case CmdListDocuments:
		docs, err := h.sessions.List(ctx)
		if err != nil {
			return nil, err
		}
		return &ListDocumentsResponse{Documents: docs}, nil
	case CmdRenderDocument:
		return withDocument(h, decode, name, func(s *session.Session, _ DocumentRequest) (any, error) {
			out, err := s.Render(ctx)
			if err != nil {
				return nil, err
			}
			return &RenderResponse{HTML: out}, nil
		})
	case CmdGetHighlights:
		return withDocument(h, decode, name, func(s *session.Session, _ DocumentRequest) (any, error) {
			recs, err := s.Sorted(ctx)
			if err != nil {
				return nil, err
			}
			return &HighlightsResponse{Key: s.Key(), Highlights: recs}, nil
		})
	case CmdAddHighlight:
		var r AddHighlightRequest
		if err := req(&r); err != nil {
			return nil, err
		}
		return h.addHighlight(ctx, r)
	case CmdRestyleHighlight:
		return withHighlight(h, decode, name, func(s *session.Session, r HighlightRequest) (any, error) {
			found, err := s.Restyle(ctx, r.ID, r.Color)
			if err != nil {
				return nil, err
			}
			return &FoundResponse{OK: true, Found: found}, nil
		})
	case CmdFocusHighlight:
		return withHighlight(h, decode, name, func(s *session.Session, r HighlightRequest) (any, error) {
			res, found, err := s.Focus(ctx, r.ID)
			if err != nil {
				return nil, err
			}
			out := &FocusResponse{OK: true, Found: found}
			if found {
				pos := res.Position
				out.Position = &pos
				out.Markers = res.Markers
			}
			return out, nil
		})
	case CmdDeleteHighlight:
		return withHighlight(h, decode, name, func(s *session.Session, r HighlightRequest) (any, error) {
			removed, err := s.Erase(ctx, r.ID)
			if err != nil {
				return nil, err
			}
			return &FoundResponse{OK: true, Found: removed}, nil
		})
	case CmdClearHighlights:
		return withDocument(h, decode, name, func(s *session.Session, _ DocumentRequest) (any, error) {
			n, err := s.ClearAll(ctx)
			if err != nil {
				return nil, err
			}
			return &CountResponse{OK: true, Count: n}, nil
		})
	case CmdCollectHighlights:
		return withDocument(h, decode, name, func(s *session.Session, _ DocumentRequest) (any, error) {
			items, err := s.Collect(ctx)
			if err != nil {
				return nil, err
			}
			return &CollectResponse{Key: s.Key(), Title: s.Title(), Highlights: items}, nil
		})
	case CmdExportMarkdown:
		var r ExportRequest
		if err := req(&r); err != nil {
			return nil, err
		}
		return h.exportDocument(ctx, r)
	case CmdExportPagePdf:
		return withDocument(h, decode, name, func(s *session.Session, _ DocumentRequest) (any, error) {
			if err := s.Print(ctx); err != nil {
				return nil, err
			}
			return &AckResponse{OK: true}, nil
		})
	case CmdStorageInfo:
		return h.storageInfo(ctx)
	case CmdBackupExport:
		data, err := h.backup.Export(ctx)
		if err != nil {
			return nil, err
		}
		return &BackupExportResponse{FileName: backup.FileName(h.now()), Pages: len(data), Data: data}, nil
	case CmdBackupImport:
		var r BackupImportRequest
		if err := req(&r); err != nil {
			return nil, err
		}
		return h.backupImport(ctx, r)
	case CmdClearAllData:
		return h.clearAllData(ctx)
	case CmdReload:
		var r ReloadRequest
		if err := req(&r); err != nil {
			return nil, err
		}
		return h.reload(ctx, r)
	case CmdSettingsUpdated:
		return h.settingsUpdated(ctx)
	}
	return nil, ErrUnknownCommand
}

func withDocument(h *DaemonHandler, decode func(any) error, name string,
	fn func(*session.Session, DocumentRequest) (any, error)) (any, error) {
	var r DocumentRequest
	if err := decode(&r); err != nil {
		return nil, invalid("decode %s request: %v", name, err)
	}
	s, err := h.sessions.Get(r.URL)
	if err != nil {
		return nil, err
	}
	return fn(s, r)
}

func withHighlight(h *DaemonHandler, decode func(any) error, name string,
	fn func(*session.Session, HighlightRequest) (any, error)) (any, error) {
	var r HighlightRequest
	if err := decode(&r); err != nil {
		return nil, invalid("decode %s request: %v", name, err)
	}
	if r.ID == "" {
		return nil, invalid("%s: id is required", name)
	}
	s, err := h.sessions.Get(r.URL)
	if err != nil {
		return nil, err
	}
	return fn(s, r)
}

func (h *DaemonHandler) status(ctx context.Context) (*StatusResponse, error) {
	info, err := h.storageInfo(ctx)
	if err != nil {
		return nil, err
	}
	resp := &StatusResponse{
		Version:   h.version,
		StartedAt: h.startedAt,
		Uptime:    h.now().Sub(h.startedAt),
		Documents: h.sessions.Len(),
		Storage:   *info,
	}
	if h.config != nil {
		if cfg := h.config.Config(); cfg != nil {
			resp.StorageType = cfg.Storage.Type
			resp.Encoding = cfg.Storage.Encoding
		}
	}
	return resp, nil
}

func (h *DaemonHandler) openDocument(ctx context.Context, r OpenDocumentRequest) (*OpenDocumentResponse, error) {
	if r.URL == "" {
		return nil, invalid("openDocument: url is required")
	}
	s, err := h.sessions.Open(ctx, r.URL, r.HTML, r.Replace)
	if err != nil {
		return nil, err
	}
	info, err := s.Info(ctx)
	if err != nil {
		return nil, err
	}
	return &OpenDocumentResponse{Key: info.Key, Title: info.Title, Count: info.Count}, nil
}

func (h *DaemonHandler) addHighlight(ctx context.Context, r AddHighlightRequest) (*AddHighlightResponse, error) {
	s, err := h.sessions.Get(r.URL)
	if err != nil {
		return nil, err
	}

	var rec highlight.Record
	switch {
	case r.Text != "":
		rec, err = s.AddText(ctx, r.Text, r.Occurrence, r.Color)
	case r.Start != nil && r.End != nil:
		rec, err = s.AddRange(ctx, *r.Start, *r.End, r.Color)
	default:
		return nil, invalid("addHighlight: text or start and end are required")
	}
	if err != nil {
		return nil, err
	}
	return &AddHighlightResponse{ID: rec.ID, Record: rec}, nil
}

func (h *DaemonHandler) exportDocument(ctx context.Context, r ExportRequest) (*ExportResponse, error) {
	format, err := export.ParseFormat(r.Format)
	if err != nil {
		return nil, invalid("%v", err)
	}
	s, err := h.sessions.Get(r.URL)
	if err != nil {
		return nil, err
	}
	items, err := s.Collect(ctx)
	if err != nil {
		return nil, err
	}

	page := export.Page{Title: r.Title, URL: s.URL()}
	if page.Title == "" {
		page.Title = s.Title()
	}
	var buf bytes.Buffer
	if err := export.NewGenerator(format).WithClock(h.now).Generate(page, items, &buf); err != nil {
		return nil, err
	}
	return &ExportResponse{
		FileName: export.FileName(page, format),
		Format:   string(format),
		Content:  buf.String(),
		Count:    len(items),
	}, nil
}

func (h *DaemonHandler) storageInfo(ctx context.Context) (*StorageInfo, error) {
	u, err := h.backup.StorageInfo(ctx)
	if err != nil {
		return nil, err
	}
	return &StorageInfo{Used: u.Used, Quota: u.Quota, Percent: u.Percent, Level: u.Level()}, nil
}

func (h *DaemonHandler) backupImport(ctx context.Context, r BackupImportRequest) (*BackupImportResponse, error) {
	keys, err := h.backup.Import(ctx, []byte(r.JSON))
	if len(keys) > 0 {
		if rerr := h.sessions.ReloadAll(ctx); rerr != nil {
			h.log.Warn("reload after import failed", "error", rerr)
		}
	}
	if err != nil {
		return nil, err
	}
	return &BackupImportResponse{OK: true, Imported: len(keys), Keys: keys}, nil
}

func (h *DaemonHandler) clearAllData(ctx context.Context) (*ClearAllDataResponse, error) {
	cleared, err := h.sessions.ClearAllLoaded(ctx)
	if err != nil {
		h.log.Warn("clearing open documents", "error", err)
	}
	removed, err := h.backup.ClearAll(ctx)
	if err != nil {
		return nil, err
	}
	return &ClearAllDataResponse{OK: true, Removed: removed, Cleared: cleared}, nil
}

func (h *DaemonHandler) reload(ctx context.Context, r ReloadRequest) (*AckResponse, error) {
	if r.URL == "" {
		if err := h.sessions.ReloadAll(ctx); err != nil {
			return nil, err
		}
		return &AckResponse{OK: true}, nil
	}
	s, err := h.sessions.Get(r.URL)
	if err != nil {
		return nil, err
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return &AckResponse{OK: true}, nil
}

func (h *DaemonHandler) settingsUpdated(ctx context.Context) (*SettingsResponse, error) {
	if h.config == nil {
		return nil, &Error{Code: ErrInternalError, Message: "no configuration source"}
	}
	cfg, err := h.config.Load()
	if err != nil {
		return nil, invalid("%v", err)
	}
	if err := h.sessions.ApplyConfig(ctx, cfg); err != nil {
		return nil, err
	}
	return &SettingsResponse{OK: true, Settings: cfg.Settings.Clone()}, nil
}

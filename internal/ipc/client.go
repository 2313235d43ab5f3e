package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"markd/internal/config"
	"markd/internal/highlight"
	"markd/internal/session"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// IPCClient talks to a markd daemon over its socket.
type IPCClient struct {
	mu         sync.RWMutex
	conn       net.Conn
	clientID   string
	version    string
	permission PermissionLevel

	writeMu sync.Mutex

	connected    atomic.Bool
	reconnecting atomic.Bool

	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32

	eventChan    chan *Event
	eventHandler EventHandler
	eventMu      sync.RWMutex
	closeOnce    sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	config ClientConfig
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// JSON selects JSON payloads instead of MessagePack.
	JSON bool

	AutoReconnect bool
	ReconnectWait time.Duration
	MaxReconnect  int
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "markctl",
		ClientVersion:  "dev",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
		ReconnectWait:  time.Second,
		MaxReconnect:   3,
	}
}

// EventHandler is called when events are received
type EventHandler func(event *Event)

// NewClient fills unset timeouts from DefaultClientConfig. Call Connect
// before issuing commands.
func NewClient(cfg ClientConfig) *IPCClient {
	def := DefaultClientConfig(cfg.SocketPath)
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}
	if cfg.ClientName == "" {
		cfg.ClientName = def.ClientName
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &IPCClient{
		pending:   make(map[uint32]chan *Message),
		eventChan: make(chan *Event, 100),
		ctx:       ctx,
		cancel:    cancel,
		config:    cfg,
	}
}

func (c *IPCClient) flags() uint8 {
	if c.config.JSON {
		return FlagJSON
	}
	return 0
}

// Connect dials the daemon, performs the handshake and authenticates.
func (c *IPCClient) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}

	conn, err := dialSocket(c.config.SocketPath, c.config.ConnectTimeout)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	c.wg.Add(1)
	go c.readLoop(conn)

	if err := c.handshake(ctx); err != nil {
		c.drop(conn)
		return fmt.Errorf("handshake: %w", err)
	}
	if err := c.authenticate(ctx); err != nil {
		c.drop(conn)
		return fmt.Errorf("authenticate: %w", err)
	}
	return nil
}

// Close closes the connection to the daemon and the event channel.
func (c *IPCClient) Close() error {
	c.cancel()
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		c.drop(conn)
	}
	c.wg.Wait()
	c.closeOnce.Do(func() { close(c.eventChan) })
	return nil
}

// drop closes conn and fails the requests waiting on it. It is a no-op
// when conn was already replaced.
func (c *IPCClient) drop(conn net.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected.Store(false)
	c.mu.Unlock()
	conn.Close()

	c.pendingMu.Lock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = make(map[uint32]chan *Message)
	c.pendingMu.Unlock()
}

// IsConnected returns whether the client is connected
func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

// ClientID returns the id the server assigned to this connection.
func (c *IPCClient) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// ServerVersion returns the version reported in the handshake.
func (c *IPCClient) ServerVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Permission returns the access level granted by the server.
func (c *IPCClient) Permission() PermissionLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.permission
}

// SetEventHandler also passes each event to handler on its own goroutine.
func (c *IPCClient) SetEventHandler(handler EventHandler) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.eventHandler = handler
}

// Events returns the event channel. It is closed by Close.
func (c *IPCClient) Events() <-chan *Event {
	return c.eventChan
}

func (c *IPCClient) handshake(ctx context.Context) error {
	var ack HandshakeResponse
	err := c.roundTrip(ctx, MsgHandshake, MsgHandshakeAck, &HandshakeRequest{
		ClientVersion:   c.config.ClientVersion,
		ClientName:      c.config.ClientName,
		ProtocolVersion: ProtocolVersion,
	}, &ack)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.clientID = ack.ClientID
	c.version = ack.ServerVersion
	c.permission = ack.Permission
	c.mu.Unlock()
	return nil
}

func (c *IPCClient) authenticate(ctx context.Context) error {
	var resp AuthResponse
	err := c.roundTrip(ctx, MsgAuthenticate, MsgAuthResponse, &AuthRequest{
		Method: "peercred",
		PID:    os.Getpid(),
	}, &resp)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("authentication failed: %s", resp.Error)
	}

	c.mu.Lock()
	c.permission = resp.Permission
	c.mu.Unlock()
	return nil
}

// request sends a message and waits for the reply with the same
// request ID. The configured timeout applies when ctx has no deadline.
func (c *IPCClient) request(ctx context.Context, msgType MessageType, payload any) (*Message, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	flags := c.flags()
	var data []byte
	if payload != nil {
		var err error
		if data, err = Encode(flags, payload); err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	reqID := c.nextReqID.Add(1)
	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(conn, NewMessage(msgType, reqID, flags, data)); err != nil {
		c.drop(conn)
		return nil, fmt.Errorf("write message: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrNotConnected
	}
}

// roundTrip sends a request and decodes a reply of type want into out. An
// error reply is returned as *Error.
func (c *IPCClient) roundTrip(ctx context.Context, msgType, want MessageType, req, out any) error {
	resp, err := c.request(ctx, msgType, req)
	if err != nil {
		return err
	}
	switch resp.Header.Type {
	case MsgError:
		var e ErrorResponse
		if err := Decode(resp.Header.Flags, resp.Payload, &e); err != nil {
			return fmt.Errorf("decode error reply: %w", err)
		}
		return &Error{Code: e.Code, Message: e.Message}
	case want:
	default:
		return fmt.Errorf("unexpected response type: 0x%04x", uint16(resp.Header.Type))
	}
	if out == nil {
		return nil
	}
	return Decode(resp.Header.Flags, resp.Payload, out)
}

// Call runs a command by name. req may be nil for commands without a
// payload; resp receives the decoded reply.
func (c *IPCClient) Call(ctx context.Context, name string, req, resp any) error {
	t, ok := CommandType(name)
	if !ok {
		return ErrUnknownCommand
	}
	return c.roundTrip(ctx, t, commands[t].resp, req, resp)
}

func (c *IPCClient) write(conn net.Conn, msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return msg.Write(conn)
}

// readLoop routes replies and events from conn until it fails.
func (c *IPCClient) readLoop(conn net.Conn) {
	defer c.wg.Done()

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			c.drop(conn)
			if c.ctx.Err() == nil && c.config.AutoReconnect {
				c.wg.Add(1)
				go c.reconnect()
			}
			return
		}
		c.handleMessage(conn, msg)
	}
}

// handleMessage routes a frame to its waiting request or, for events and
// server pings, handles it directly.
func (c *IPCClient) handleMessage(conn net.Conn, msg *Message) {
	switch msg.Header.Type {
	case MsgPing:
		c.write(conn, NewMessage(MsgPong, msg.Header.RequestID, msg.Header.Flags, nil))

	case MsgEvent:
		var event Event
		if err := Decode(msg.Header.Flags, msg.Payload, &event); err != nil {
			return
		}
		select {
		case c.eventChan <- &event:
		default:
			// nobody reading; drop
		}

		c.eventMu.RLock()
		handler := c.eventHandler
		c.eventMu.RUnlock()
		if handler != nil {
			go handler(&event)
		}

	default:
		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.Header.RequestID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}

// reconnect attempts to reconnect to the daemon
func (c *IPCClient) reconnect() {
	defer c.wg.Done()
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	for i := 0; i < c.config.MaxReconnect; i++ {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.config.ReconnectWait):
		}
		if err := c.Connect(c.ctx); err == nil {
			return
		}
	}
}

// Ping checks the connection with a control ping.
func (c *IPCClient) Ping(ctx context.Context) error {
	return c.roundTrip(ctx, MsgPing, MsgPong, nil, nil)
}

// Ready runs the ping command.
func (c *IPCClient) Ready(ctx context.Context) (bool, error) {
	var resp ReadyResponse
	err := c.Call(ctx, CmdPing, nil, &resp)
	return resp.Ready, err
}

// Status requests the daemon status
func (c *IPCClient) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.Call(ctx, CmdStatus, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OpenDocument hosts markup as the document at url.
func (c *IPCClient) OpenDocument(ctx context.Context, url, markup string, replace bool) (*OpenDocumentResponse, error) {
	var resp OpenDocumentResponse
	req := &OpenDocumentRequest{URL: url, HTML: markup, Replace: replace}
	if err := c.Call(ctx, CmdOpenDocument, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CloseDocument flushes and closes the document at url.
func (c *IPCClient) CloseDocument(ctx context.Context, url string) error {
	return c.Call(ctx, CmdCloseDocument, &DocumentRequest{URL: url}, nil)
}

// ListDocuments lists the open documents.
func (c *IPCClient) ListDocuments(ctx context.Context) ([]session.Info, error) {
	var resp ListDocumentsResponse
	if err := c.Call(ctx, CmdListDocuments, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

// RenderDocument returns the current markup of the document at url.
func (c *IPCClient) RenderDocument(ctx context.Context, url string) (string, error) {
	var resp RenderResponse
	if err := c.Call(ctx, CmdRenderDocument, &DocumentRequest{URL: url}, &resp); err != nil {
		return "", err
	}
	return resp.HTML, nil
}

// GetHighlights lists the records of the document at url, newest first.
func (c *IPCClient) GetHighlights(ctx context.Context, url string) ([]highlight.Record, error) {
	var resp HighlightsResponse
	if err := c.Call(ctx, CmdGetHighlights, &DocumentRequest{URL: url}, &resp); err != nil {
		return nil, err
	}
	return resp.Highlights, nil
}

// AddHighlight highlights a span of an open document.
func (c *IPCClient) AddHighlight(ctx context.Context, req *AddHighlightRequest) (*AddHighlightResponse, error) {
	var resp AddHighlightResponse
	if err := c.Call(ctx, CmdAddHighlight, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RestyleHighlight changes the color of a highlight.
func (c *IPCClient) RestyleHighlight(ctx context.Context, url, id, color string) (bool, error) {
	var resp FoundResponse
	err := c.Call(ctx, CmdRestyleHighlight, &HighlightRequest{URL: url, ID: id, Color: color}, &resp)
	return resp.Found, err
}

// FocusHighlight focuses a highlight.
func (c *IPCClient) FocusHighlight(ctx context.Context, url, id string) (*FocusResponse, error) {
	var resp FocusResponse
	if err := c.Call(ctx, CmdFocusHighlight, &HighlightRequest{URL: url, ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteHighlight erases a highlight.
func (c *IPCClient) DeleteHighlight(ctx context.Context, url, id string) (bool, error) {
	var resp FoundResponse
	err := c.Call(ctx, CmdDeleteHighlight, &HighlightRequest{URL: url, ID: id}, &resp)
	return resp.Found, err
}

// ClearHighlights erases every highlight of a document.
func (c *IPCClient) ClearHighlights(ctx context.Context, url string) (int, error) {
	var resp CountResponse
	err := c.Call(ctx, CmdClearHighlights, &DocumentRequest{URL: url}, &resp)
	return resp.Count, err
}

// CollectHighlights returns the records with their marker markup.
func (c *IPCClient) CollectHighlights(ctx context.Context, url string) (*CollectResponse, error) {
	var resp CollectResponse
	if err := c.Call(ctx, CmdCollectHighlights, &DocumentRequest{URL: url}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Export renders the highlights of a document.
func (c *IPCClient) Export(ctx context.Context, req *ExportRequest) (*ExportResponse, error) {
	var resp ExportResponse
	if err := c.Call(ctx, CmdExportMarkdown, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PrintPage asks subscribers to print the page with no highlight focused.
func (c *IPCClient) PrintPage(ctx context.Context, url string) error {
	return c.Call(ctx, CmdExportPagePdf, &DocumentRequest{URL: url}, nil)
}

// StorageInfo reports storage usage.
func (c *IPCClient) StorageInfo(ctx context.Context) (*StorageInfo, error) {
	var resp StorageInfo
	if err := c.Call(ctx, CmdStorageInfo, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BackupExport fetches every stored collection.
func (c *IPCClient) BackupExport(ctx context.Context) (*BackupExportResponse, error) {
	var resp BackupExportResponse
	if err := c.Call(ctx, CmdBackupExport, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BackupImport merges a backup file into the store.
func (c *IPCClient) BackupImport(ctx context.Context, raw []byte) (*BackupImportResponse, error) {
	var resp BackupImportResponse
	if err := c.Call(ctx, CmdBackupImport, &BackupImportRequest{JSON: string(raw)}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClearAllData removes every stored collection.
func (c *IPCClient) ClearAllData(ctx context.Context) (*ClearAllDataResponse, error) {
	var resp ClearAllDataResponse
	if err := c.Call(ctx, CmdClearAllData, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reload re-reads one document from the store, or all when url is empty.
func (c *IPCClient) Reload(ctx context.Context, url string) error {
	return c.Call(ctx, CmdReload, &ReloadRequest{URL: url}, nil)
}

// SettingsUpdated makes the daemon re-read its configuration.
func (c *IPCClient) SettingsUpdated(ctx context.Context) (*config.Settings, error) {
	var resp SettingsResponse
	if err := c.Call(ctx, CmdSettingsUpdated, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Settings, nil
}

// Subscribe asks for the named events, or all events when none are given.
func (c *IPCClient) Subscribe(ctx context.Context, events ...string) error {
	var resp SubscribeResponse
	if err := c.roundTrip(ctx, MsgSubscribe, MsgSubscribeResp, &SubscribeRequest{Events: events}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return errors.New("subscription failed")
	}
	return nil
}

// Unsubscribe unsubscribes from events
func (c *IPCClient) Unsubscribe(ctx context.Context) error {
	return c.roundTrip(ctx, MsgUnsubscribe, MsgUnsubscribeResp, nil, nil)
}

package ipc

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"markd/internal/logging"
	"markd/internal/metrics"
	"markd/internal/ratelimit"
)

// Handler executes commands for authenticated clients.
type Handler interface {
	// HandleMessage processes a message and returns a response
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// Server is the IPC server that manages client connections
type Server struct {
	mu          sync.RWMutex
	listener    net.Listener
	cfg         ServerConfig
	handler     Handler
	clients     map[string]*Client
	subscribers map[string]*subscription
	log         *logging.Logger
	metrics     *metrics.Metrics
	limiter     *ratelimit.Keyed

	// Shutdown coordination
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	// Request ID counter for server-initiated messages
	nextRequestID atomic.Uint32

	eventChan chan *Event
	eventMu   sync.RWMutex
	eventDone bool
}

// Client represents a connected client
type Client struct {
	mu            sync.Mutex
	ID            string
	conn          net.Conn
	Permission    PermissionLevel
	Authenticated bool
	Version       string
	Name          string
	ConnectedAt   time.Time
	LastActivity  time.Time

	// Write serialization
	writeMu sync.Mutex
}

func (c *Client) permission() PermissionLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Permission
}

// subscription tracks event subscriptions
type subscription struct {
	clientID string
	// events is nil when the client wants every event.
	events map[string]bool
}

func (s *subscription) wants(eventType string) bool {
	return s.events == nil || s.events[eventType]
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string      // Unix socket path or pipe name
	Mode           os.FileMode // socket file permissions
	Version        string
	IdleTimeout    time.Duration // read deadline before a keepalive ping
	WriteTimeout   time.Duration
	MaxConnections int
	Log            *logging.Logger
	Metrics        *metrics.Metrics

	// RateLimit caps commands per second per client; zero disables it.
	RateLimit float64
	RateBurst int
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig(socketPath string) ServerConfig {
	return ServerConfig{
		SocketPath:     socketPath,
		Mode:           0o600,
		Version:        "dev",
		IdleTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxConnections: 32,
	}
}

// NewServer applies defaults to cfg. Nothing listens until Start.
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("ipc: socket path is required")
	}
	def := DefaultServerConfig(cfg.SocketPath)
	if cfg.Mode == 0 {
		cfg.Mode = def.Mode
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.Log == nil {
		cfg.Log = logging.Nop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		handler:     handler,
		clients:     make(map[string]*Client),
		subscribers: make(map[string]*subscription),
		log:         cfg.Log.WithComponent("ipc"),
		metrics:     cfg.Metrics,
		limiter:     ratelimit.NewKeyed(cfg.RateLimit, cfg.RateBurst, 0),
		ctx:         ctx,
		cancel:      cancel,
		eventChan:   make(chan *Event, 256),
	}, nil
}

// Start begins listening for connections
func (s *Server) Start() error {
	listener, err := listen(s.cfg.SocketPath, s.cfg.Mode)
	if err != nil {
		return err
	}
	s.listener = listener
	s.running.Store(true)

	s.wg.Add(2)
	go s.eventBroadcaster()
	go s.acceptLoop()

	s.log.Info("listening", "socket", s.cfg.SocketPath)
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, client := range s.clients {
		client.conn.Close()
	}
	s.mu.Unlock()

	s.eventMu.Lock()
	s.eventDone = true
	close(s.eventChan)
	s.eventMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("timed out waiting for connections to close")
	}

	cleanupListener(s.cfg.SocketPath)
	s.log.Info("stopped")
	return nil
}

func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast queues an event for subscribed clients. Events are dropped
// when the queue is full or the server is stopped.
func (s *Server) Broadcast(event *Event) {
	s.eventMu.RLock()
	defer s.eventMu.RUnlock()
	if s.eventDone {
		return
	}
	select {
	case s.eventChan <- event:
	default:
		s.log.Warn("event queue full, dropping event", "type", event.Type)
	}
}

// acceptLoop accepts new connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		s.mu.RLock()
		count := len(s.clients)
		s.mu.RUnlock()
		if count >= s.cfg.MaxConnections {
			s.log.Warn("connection limit reached", "max", s.cfg.MaxConnections)
			conn.Close()
			continue
		}

		now := time.Now()
		client := &Client{
			ID:           "client-" + uuid.NewString(),
			conn:         conn,
			Permission:   PermReadOnly, // until authenticated
			ConnectedAt:  now,
			LastActivity: now,
		}

		s.mu.Lock()
		s.clients[client.ID] = client
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(client)
	}
}

// handleConnection handles a single client connection
func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		delete(s.subscribers, client.ID)
		s.mu.Unlock()
		s.limiter.Forget(client.ID)
		client.conn.Close()
	}()

	log := s.log.With("client", client.ID)
	log.Debug("client connected")

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		client.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		msg, err := ReadMessage(client.conn)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.sendPing(client)
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("read failed", "error", err)
			}
			return
		}

		client.mu.Lock()
		client.LastActivity = time.Now()
		client.mu.Unlock()

		started := time.Now()
		response, err := s.processMessage(client, msg)
		if err != nil {
			response = NewErrorMessage(msg.Header.RequestID, msg.Header.Flags, ErrInternalError, err.Error())
		}
		s.observe(msg, response, started)

		if response != nil {
			if err := s.sendMessage(client, response); err != nil {
				log.Debug("write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) observe(req, resp *Message, started time.Time) {
	name, ok := CommandName(req.Header.Type)
	if !ok {
		return
	}
	status := "ok"
	if resp != nil && resp.Header.Type == MsgError {
		status = "error"
	}
	s.metrics.ObserveRequest("ipc", name, status, started)
}

// processMessage answers control messages itself and hands commands to
// the handler once the client is authenticated and within its rate.
func (s *Server) processMessage(client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, msg.Header.Flags, nil), nil
	case MsgPong:
		return nil, nil
	case MsgHandshake:
		return s.handleHandshake(client, msg)
	case MsgAuthenticate:
		return s.handleAuthenticate(client, msg)
	case MsgSubscribe:
		return s.handleSubscribe(client, msg)
	case MsgUnsubscribe:
		return s.handleUnsubscribe(client, msg)
	}

	client.mu.Lock()
	authenticated := client.Authenticated
	client.mu.Unlock()
	if !authenticated && msg.Header.Type != MsgReady && msg.Header.Type != MsgStatusRequest {
		return NewErrorMessage(msg.Header.RequestID, msg.Header.Flags, ErrPermissionDenied, "not authenticated"), nil
	}
	if !s.limiter.Allow(client.ID) {
		return NewErrorMessage(msg.Header.RequestID, msg.Header.Flags, ErrRateLimited, "rate limit exceeded"), nil
	}

	if s.handler != nil {
		return s.handler.HandleMessage(s.ctx, client, msg)
	}
	return NewErrorMessage(msg.Header.RequestID, msg.Header.Flags, ErrInvalidRequest, "no handler"), nil
}

func (s *Server) handleHandshake(client *Client, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Header.Flags, msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, msg.Header.Flags, ErrInvalidRequest, "invalid handshake"), nil
	}

	client.mu.Lock()
	client.Version = req.ClientVersion
	client.Name = req.ClientName
	perm := client.Permission
	client.mu.Unlock()

	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, msg.Header.Flags, &HandshakeResponse{
		ServerVersion:   s.cfg.Version,
		ProtocolVersion: ProtocolVersion,
		ClientID:        client.ID,
		Permission:      perm,
	})
}

// handleAuthenticate grants full control to peers running as the daemon's
// user and read-only access to everyone else.
func (s *Server) handleAuthenticate(client *Client, msg *Message) (*Message, error) {
	var req AuthRequest
	if err := Decode(msg.Header.Flags, msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, msg.Header.Flags, ErrInvalidRequest, "invalid auth request"), nil
	}

	permission := PermReadOnly
	same, err := VerifyPeerIsCurrentUser(client.conn)
	switch {
	case err != nil:
		s.log.Warn("peer credentials unavailable", "client", client.ID, "error", err)
	case same:
		permission = PermFullControl
	}

	client.mu.Lock()
	client.Authenticated = true
	client.Permission = permission
	client.mu.Unlock()

	return NewResponse(MsgAuthResponse, msg.Header.RequestID, msg.Header.Flags, &AuthResponse{
		Success:    true,
		Permission: permission,
	})
}

// handleSubscribe replaces the client's event filter. No names means all.
func (s *Server) handleSubscribe(client *Client, msg *Message) (*Message, error) {
	var req SubscribeRequest
	if err := Decode(msg.Header.Flags, msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, msg.Header.Flags, ErrInvalidRequest, "invalid subscribe request"), nil
	}

	sub := &subscription{clientID: client.ID}
	if len(req.Events) > 0 {
		sub.events = make(map[string]bool, len(req.Events))
		for _, et := range req.Events {
			sub.events[et] = true
		}
	}
	s.mu.Lock()
	s.subscribers[client.ID] = sub
	s.mu.Unlock()

	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, msg.Header.Flags, &SubscribeResponse{
		Success:        true,
		SubscriptionID: client.ID,
	})
}

func (s *Server) handleUnsubscribe(client *Client, msg *Message) (*Message, error) {
	s.mu.Lock()
	delete(s.subscribers, client.ID)
	s.mu.Unlock()

	return NewMessage(MsgUnsubscribeResp, msg.Header.RequestID, msg.Header.Flags, nil), nil
}

// eventBroadcaster broadcasts events to subscribers
func (s *Server) eventBroadcaster() {
	defer s.wg.Done()

	for event := range s.eventChan {
		s.mu.RLock()
		var targets []*Client
		for clientID, sub := range s.subscribers {
			if !sub.wants(event.Type) {
				continue
			}
			if client, ok := s.clients[clientID]; ok {
				targets = append(targets, client)
			}
		}
		s.mu.RUnlock()

		for _, client := range targets {
			s.sendEvent(client, event)
		}
	}
}

// sendEvent sends an event to a client in MessagePack.
func (s *Server) sendEvent(client *Client, event *Event) {
	payload, err := Encode(0, event)
	if err != nil {
		s.log.Warn("encode event", "type", event.Type, "error", err)
		return
	}
	msg := NewMessage(MsgEvent, s.nextRequestID.Add(1), 0, payload)
	if err := s.sendMessage(client, msg); err != nil {
		s.log.Debug("event delivery failed", "client", client.ID, "error", err)
	}
}

// sendMessage sends a message to a client
func (s *Server) sendMessage(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return msg.Write(client.conn)
}

// sendPing sends a ping to keep connection alive
func (s *Server) sendPing(client *Client) {
	msg := NewMessage(MsgPing, s.nextRequestID.Add(1), 0, nil)
	s.sendMessage(client, msg)
}

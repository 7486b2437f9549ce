package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"crashlogd/internal/history"
	"crashlogd/internal/metrics"
)

const (
	readIdle     = 60 * time.Second
	writeTimeout = 10 * time.Second
	stopTimeout  = 5 * time.Second
	eventBacklog = 256
)

// Client represents a connected subscriber.
type Client struct {
	mu           sync.Mutex
	ID           string
	conn         net.Conn
	Peer         *PeerCredentials
	Version      string
	Name         string
	ConnectedAt  time.Time
	LastActivity time.Time

	// Write serialization
	writeMu sync.Mutex
}

// subscription tracks event subscriptions; an empty filter matches all.
type subscription struct {
	clientID string
	events   map[string]bool
}

func (s *subscription) matches(name string) bool {
	return len(s.events) == 0 || s.events[name]
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string
	Version        string
	Permissions    os.FileMode
	MaxConnections int

	// AllowedUIDs lists peer uids admitted besides root and the daemon's
	// own uid. Checked only where peer credentials are available.
	AllowedUIDs []int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server accepts subscribers and broadcasts history entries to them.
type Server struct {
	mu          sync.RWMutex
	listener    net.Listener
	cfg         ServerConfig
	logger      *slog.Logger
	metrics     *metrics.Metrics
	clients     map[string]*Client
	subscribers map[string]*subscription
	startedAt   time.Time

	// Shutdown coordination
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextRequestID atomic.Uint32
	sent          atomic.Uint64
	dropped       atomic.Uint64

	eventChan chan EventRecorded
}

var _ history.Sink = (*Server)(nil)

// NewServer creates a new IPC server
func NewServer(cfg ServerConfig) *Server {
	if cfg.Permissions == 0 {
		cfg.Permissions = 0o660
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		logger:      cfg.Logger.With("component", "notify"),
		metrics:     cfg.Metrics,
		clients:     make(map[string]*Client),
		subscribers: make(map[string]*subscription),
		ctx:         ctx,
		cancel:      cancel,
		eventChan:   make(chan EventRecorded, eventBacklog),
	}
}

// Start begins listening for connections
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if IsSocketListening(s.cfg.SocketPath) {
		return fmt.Errorf("socket %s already in use", s.cfg.SocketPath)
	}
	if err := CleanupSocket(s.cfg.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := SetSocketPermissions(s.cfg.SocketPath, s.cfg.Permissions); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(2)
	go s.eventBroadcaster()
	go s.acceptLoop()

	s.logger.Info("notifier listening", "socket", s.cfg.SocketPath)
	return nil
}

// Run starts the server and stops it when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
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

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		s.logger.Warn("notifier stop timed out")
	}

	os.Remove(s.cfg.SocketPath)
	s.metrics.SetSubscribers(0)
	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// SubscriberCount returns the number of subscribed clients
func (s *Server) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Send queues e for every matching subscriber. It never blocks: when the
// backlog is full the entry is dropped.
func (s *Server) Send(_ context.Context, e history.Entry) error {
	if !s.running.Load() {
		return nil
	}
	select {
	case s.eventChan <- NewEventRecorded(e):
	default:
		s.dropped.Add(1)
	}
	return nil
}

// Status returns the server's view of itself.
func (s *Server) Status() StatusResponse {
	return StatusResponse{
		Version:     s.cfg.Version,
		PID:         os.Getpid(),
		Uptime:      time.Since(s.startedAt),
		StartedAt:   s.startedAt,
		Subscribers: s.SubscriberCount(),
		EventsSent:  s.sent.Load(),
		Dropped:     s.dropped.Load(),
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		if s.ClientCount() >= s.cfg.MaxConnections {
			s.logger.Warn("connection limit reached", "max", s.cfg.MaxConnections)
			conn.Close()
			continue
		}

		peer, err := s.authorize(conn)
		if err != nil {
			s.logger.Warn("peer rejected", "error", err)
			conn.Close()
			continue
		}

		now := time.Now()
		client := &Client{
			ID:           uuid.NewString(),
			conn:         conn,
			Peer:         peer,
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

// authorize admits root, the daemon's own uid and AllowedUIDs. Platforms
// without peer credentials admit everyone the socket mode lets through.
func (s *Server) authorize(conn net.Conn) (*PeerCredentials, error) {
	peer, err := GetPeerCredentials(conn)
	if errors.Is(err, ErrUnsupported) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if peer.UID == 0 || peer.UID == os.Getuid() || slices.Contains(s.cfg.AllowedUIDs, peer.UID) {
		return peer, nil
	}
	return nil, fmt.Errorf("uid %d (pid %d) not allowed", peer.UID, peer.PID)
}

func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()
	defer s.dropClient(client)

	for {
		if s.ctx.Err() != nil {
			return
		}
		client.conn.SetReadDeadline(time.Now().Add(readIdle))

		msg, err := ReadMessage(client.conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if s.sendMessage(client, NewMessage(MsgPing, s.nextRequestID.Add(1), nil)) != nil {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("client read failed", "client", client.ID, "error", err)
			}
			return
		}

		client.mu.Lock()
		client.LastActivity = time.Now()
		client.mu.Unlock()

		response, err := s.processMessage(client, msg)
		if err != nil {
			response = NewErrorMessage(msg.Header.RequestID, ErrCodeInternal, err.Error())
		}
		if response != nil {
			if err := s.sendMessage(client, response); err != nil {
				return
			}
		}
	}
}

func (s *Server) dropClient(client *Client) {
	s.mu.Lock()
	delete(s.clients, client.ID)
	delete(s.subscribers, client.ID)
	n := len(s.subscribers)
	s.mu.Unlock()
	client.conn.Close()
	s.metrics.SetSubscribers(n)
}

func (s *Server) processMessage(client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil
	case MsgPong:
		return nil, nil
	case MsgHandshake:
		return s.handleHandshake(client, msg)
	case MsgSubscribe:
		return s.handleSubscribe(client, msg)
	case MsgUnsubscribe:
		return s.handleUnsubscribe(client, msg)
	case MsgStatusRequest:
		return NewResponse(MsgStatusResponse, msg.Header.RequestID, s.Status())
	default:
		return NewErrorMessage(msg.Header.RequestID, ErrCodeInvalidRequest,
			fmt.Sprintf("unexpected message type %#04x", uint16(msg.Header.Type))), nil
	}
}

func (s *Server) handleHandshake(client *Client, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrCodeInvalidRequest, "invalid handshake"), nil
	}

	client.mu.Lock()
	client.Version = req.ClientVersion
	client.Name = req.ClientName
	client.mu.Unlock()

	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, &HandshakeResponse{
		ServerVersion:   s.cfg.Version,
		ProtocolVersion: ProtocolVersion,
		ClientID:        client.ID,
	})
}

func (s *Server) handleSubscribe(client *Client, msg *Message) (*Message, error) {
	var req SubscribeRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrCodeInvalidRequest, "invalid subscribe request"), nil
		}
	}

	sub := &subscription{clientID: client.ID, events: make(map[string]bool)}
	for _, name := range req.Events {
		sub.events[name] = true
	}

	s.mu.Lock()
	s.subscribers[client.ID] = sub
	n := len(s.subscribers)
	s.mu.Unlock()
	s.metrics.SetSubscribers(n)

	s.logger.Debug("client subscribed", "client", client.ID, "name", client.Name, "events", req.Events)
	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{
		Success:        true,
		SubscriptionID: client.ID,
	})
}

func (s *Server) handleUnsubscribe(client *Client, msg *Message) (*Message, error) {
	s.mu.Lock()
	delete(s.subscribers, client.ID)
	n := len(s.subscribers)
	s.mu.Unlock()
	s.metrics.SetSubscribers(n)

	return NewMessage(MsgUnsubscribeResp, msg.Header.RequestID, nil), nil
}

func (s *Server) eventBroadcaster() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.eventChan:
			s.broadcast(ev)
		}
	}
}

func (s *Server) broadcast(ev EventRecorded) {
	payload, err := Encode(ev)
	if err != nil {
		s.logger.Error("encode event", "key", ev.Key, "error", err)
		return
	}

	s.mu.RLock()
	targets := make([]*Client, 0, len(s.subscribers))
	for id, sub := range s.subscribers {
		if !sub.matches(ev.Name) {
			continue
		}
		if c, ok := s.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		msg := NewMessage(MsgEvent, s.nextRequestID.Add(1), payload)
		if err := s.sendMessage(c, msg); err != nil {
			s.logger.Debug("event not delivered", "client", c.ID, "error", err)
			c.conn.Close()
			continue
		}
		s.sent.Add(1)
	}
}

func (s *Server) sendMessage(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return msg.Write(client.conn)
}

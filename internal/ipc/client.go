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
)

// Common errors
var (
	ErrNotConnected     = errors.New("ipc: not connected to daemon")
	ErrConnectionLost   = errors.New("ipc: connection to daemon lost")
	ErrTimeout          = errors.New("ipc: request timeout")
	ErrDaemonNotRunning = errors.New("ipc: daemon is not running")
)

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns defaults for socketPath.
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "crashlogd",
		ClientVersion:  "1",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// IPCClient talks to a running daemon. Requests are correlated by ID;
// events are delivered on Events.
type IPCClient struct {
	mu       sync.RWMutex
	conn     net.Conn
	config   ClientConfig
	clientID string
	version  string

	connected atomic.Bool

	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32

	eventChan chan *EventRecorded
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *IPCClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &IPCClient{
		config:    cfg,
		pending:   make(map[uint32]chan *Message),
		eventChan: make(chan *EventRecorded, 100),
		done:      make(chan struct{}),
	}
}

// Connect dials the socket and performs the handshake.
func (c *IPCClient) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.config.SocketPath)
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
		c.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

// Close closes the connection and the event channel.
func (c *IPCClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if !c.connected.CompareAndSwap(true, false) && conn == nil {
		return nil
	}
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	return nil
}

// IsConnected returns whether the client is connected
func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

// ClientID returns the ID assigned by the server.
func (c *IPCClient) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// ServerVersion returns the version the server reported.
func (c *IPCClient) ServerVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Events delivers subscribed events. It is closed when the connection ends.
func (c *IPCClient) Events() <-chan *EventRecorded {
	return c.eventChan
}

// Done is closed when the read loop exits.
func (c *IPCClient) Done() <-chan struct{} {
	return c.done
}

func (c *IPCClient) handshake(ctx context.Context) error {
	resp, err := c.request(ctx, MsgHandshake, &HandshakeRequest{
		ClientVersion:   c.config.ClientVersion,
		ClientName:      c.config.ClientName,
		ProtocolVersion: ProtocolVersion,
	})
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgHandshakeAck {
		return unexpected(resp)
	}

	var ack HandshakeResponse
	if err := Decode(resp.Payload, &ack); err != nil {
		return err
	}
	c.mu.Lock()
	c.clientID = ack.ClientID
	c.version = ack.ServerVersion
	c.mu.Unlock()
	return nil
}

// request sends a request and waits for the response with the same ID.
func (c *IPCClient) request(ctx context.Context, msgType MessageType, payload any) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	var data []byte
	if payload != nil {
		var err error
		if data, err = Encode(payload); err != nil {
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

	if err := c.write(NewMessage(msgType, reqID, data)); err != nil {
		return nil, fmt.Errorf("write message: %w", err)
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		if resp.Header.Type == MsgError {
			var e ErrorResponse
			if err := Decode(resp.Payload, &e); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("ipc: server error %d: %s", e.Code, e.Message)
		}
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *IPCClient) write(msg *Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return msg.Write(conn)
}

// readLoop owns reads on conn until it fails.
func (c *IPCClient) readLoop(conn net.Conn) {
	defer c.wg.Done()
	defer func() {
		c.connected.Store(false)
		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
		close(c.eventChan)
		close(c.done)
	}()

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			return
		}
		c.handleMessage(msg)
	}
}

func (c *IPCClient) handleMessage(msg *Message) {
	switch msg.Header.Type {
	case MsgPing:
		c.write(NewMessage(MsgPong, msg.Header.RequestID, nil))
	case MsgEvent:
		var ev EventRecorded
		if err := Decode(msg.Payload, &ev); err != nil {
			return
		}
		select {
		case c.eventChan <- &ev:
		default:
			// full, drop
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

// Ping round-trips a ping.
func (c *IPCClient) Ping(ctx context.Context) error {
	resp, err := c.request(ctx, MsgPing, nil)
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgPong {
		return unexpected(resp)
	}
	return nil
}

// Status requests the daemon status
func (c *IPCClient) Status(ctx context.Context) (*StatusResponse, error) {
	resp, err := c.request(ctx, MsgStatusRequest, nil)
	if err != nil {
		return nil, err
	}
	if resp.Header.Type != MsgStatusResponse {
		return nil, unexpected(resp)
	}
	var st StatusResponse
	if err := Decode(resp.Payload, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Subscribe subscribes to the named events, or all events when none are
// given.
func (c *IPCClient) Subscribe(ctx context.Context, events ...string) error {
	resp, err := c.request(ctx, MsgSubscribe, &SubscribeRequest{Events: events})
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgSubscribeResp {
		return unexpected(resp)
	}
	return nil
}

// Unsubscribe stops event delivery.
func (c *IPCClient) Unsubscribe(ctx context.Context) error {
	resp, err := c.request(ctx, MsgUnsubscribe, nil)
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgUnsubscribeResp {
		return unexpected(resp)
	}
	return nil
}

func unexpected(m *Message) error {
	return fmt.Errorf("ipc: unexpected response type %#04x", uint16(m.Header.Type))
}

package ipc

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashlogd/internal/history"
	"crashlogd/internal/metrics"
)

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg, err := NewResponse(MsgEvent, 7, EventRecorded{Name: "CRASH", Key: "abc"})
	require.NoError(t, err)
	require.NoError(t, msg.Write(&buf))
	assert.Equal(t, HeaderSize+len(msg.Payload), buf.Len())

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgEvent, got.Header.Type)
	assert.Equal(t, uint32(7), got.Header.RequestID)

	var ev EventRecorded
	require.NoError(t, Decode(got.Payload, &ev))
	assert.Equal(t, "CRASH", ev.Name)
	assert.Equal(t, "abc", ev.Key)
}

func TestReadHeaderRejects(t *testing.T) {
	raw := make([]byte, HeaderSize)
	_, err := ReadHeader(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrBadMagic)

	h := Header{Magic: ProtocolMagic, Version: ProtocolVersion + 1}
	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))
	_, err = ReadHeader(&buf)
	assert.ErrorIs(t, err, ErrVersion)

	h = Header{Magic: ProtocolMagic, Version: ProtocolVersion, Length: MaxPayload + 1}
	buf.Reset()
	require.NoError(t, h.Write(&buf))
	_, err = ReadMessage(&buf)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestHeaderLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewMessage(MsgSubscribe, 3, []byte("{}")).Write(&buf))
	b := buf.Bytes()
	assert.Equal(t, uint32(ProtocolMagic), binary.BigEndian.Uint32(b[0:4]))
	assert.Equal(t, uint16(MsgSubscribe), binary.BigEndian.Uint16(b[6:8]))
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(b[12:16]))
}

func TestNewEventRecorded(t *testing.T) {
	e := history.Entry{
		Name: "CRASH",
		Type: "ANR",
		Key:  "0123456789abcdef0123",
		Path: "/logs/crashlog0",
		Time: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	ev := NewEventRecorded(e)
	assert.Equal(t, e.Line(), ev.Line)
	assert.Equal(t, e.Path, ev.Path)
}

func startServer(t *testing.T, m *metrics.Metrics) *Server {
	t.Helper()
	dir, err := os.MkdirTemp("", "ipc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	s := NewServer(ServerConfig{
		SocketPath: filepath.Join(dir, "n.sock"),
		Version:    "test",
		Metrics:    m,
	})
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s
}

func connect(t *testing.T, s *Server) *IPCClient {
	t.Helper()
	c := NewClient(DefaultClientConfig(s.SocketPath()))
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSubscribeAndReceive(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := startServer(t, m)
	c := connect(t, s)
	ctx := context.Background()

	assert.NotEmpty(t, c.ClientID())
	assert.Equal(t, "test", c.ServerVersion())

	require.NoError(t, c.Subscribe(ctx, "CRASH"))
	assert.Equal(t, 1, s.SubscriberCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotifySubscribers))

	require.NoError(t, s.Send(ctx, history.Entry{Name: "INFO", Type: "APIMR", Key: "k1"}))
	require.NoError(t, s.Send(ctx, history.Entry{Name: "CRASH", Type: "ANR", Key: "k2"}))

	select {
	case ev := <-c.Events():
		require.NotNil(t, ev)
		assert.Equal(t, "CRASH", ev.Name)
		assert.Equal(t, "k2", ev.Key)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}

	require.Eventually(t, func() bool { return s.Status().EventsSent == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Unsubscribe(ctx))
	assert.Equal(t, 0, s.SubscriberCount())
}

func TestStatusAndPing(t *testing.T) {
	s := startServer(t, nil)
	c := connect(t, s)
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", st.Version)
	assert.Equal(t, os.Getpid(), st.PID)
	assert.Equal(t, 0, st.Subscribers)
}

func TestClientSeesServerStop(t *testing.T) {
	s := startServer(t, nil)
	c := connect(t, s)

	require.NoError(t, s.Stop())
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not notice stop")
	}
	assert.False(t, c.IsConnected())
	_, err := os.Stat(s.SocketPath())
	assert.True(t, os.IsNotExist(err))

	// Sends after stop are ignored.
	assert.NoError(t, s.Send(context.Background(), history.Entry{Name: "CRASH"}))
}

func TestConnectWithoutDaemon(t *testing.T) {
	c := NewClient(DefaultClientConfig(filepath.Join(t.TempDir(), "absent.sock")))
	assert.ErrorIs(t, c.Connect(context.Background()), ErrDaemonNotRunning)
}

func TestStartRefusesLiveSocket(t *testing.T) {
	s := startServer(t, nil)
	other := NewServer(ServerConfig{SocketPath: s.SocketPath()})
	assert.Error(t, other.Start())
}

func TestCleanupSocketRefusesRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	assert.Error(t, CleanupSocket(path))
	assert.NoError(t, CleanupSocket(filepath.Join(t.TempDir(), "absent")))
}

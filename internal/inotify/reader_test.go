package inotify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkSource returns its first chunk on the first Read and serves the
// remaining bytes to later reads.
type chunkSource struct {
	chunks [][]byte
	cur    []byte
	reads  int
}

func (s *chunkSource) Read(p []byte) (int, error) {
	s.reads++
	if len(s.cur) == 0 {
		if len(s.chunks) == 0 {
			return 0, io.EOF
		}
		s.cur, s.chunks = s.chunks[0], s.chunks[1:]
	}
	n := copy(p, s.cur)
	s.cur = s.cur[n:]
	return n, nil
}

func (s *chunkSource) drained() bool { return len(s.cur) == 0 && len(s.chunks) == 0 }

type fakeResolver struct {
	events  []Event
	self    []int
	failOn  string
	unknown map[string]bool
}

func (r *fakeResolver) OnSelfEvent(wd int) error {
	r.self = append(r.self, wd)
	return nil
}

func (r *fakeResolver) Dispatch(_ context.Context, ev Event) (bool, error) {
	if r.unknown[ev.Name] {
		return false, nil
	}
	r.events = append(r.events, ev)
	if r.failOn != "" && ev.Name == r.failOn {
		return true, errors.New("handler failed")
	}
	return true, nil
}

type fakeForwarder struct{ events []Event }

func (f *fakeForwarder) ForwardDir(_ context.Context, ev Event) error {
	f.events = append(f.events, ev)
	return nil
}

type consumeMovedFrom struct{}

func (consumeMovedFrom) Intercept(ev Event) bool { return ev.Mask&MaskMovedFrom != 0 }

func stream(evs ...Event) []byte {
	var b bytes.Buffer
	for _, ev := range evs {
		b.Write(Encode(ev, 16))
	}
	return b.Bytes()
}

func TestEncodeDecode(t *testing.T) {
	ev := Event{WD: 4, Mask: MaskCloseWrite, Cookie: 9, Name: "anr_1.txt"}
	rec := Encode(ev, 16)
	assert.Len(t, rec, HeaderSize+16)
	assert.Equal(t, ev, decode(rec))

	bare := Encode(Event{WD: 2, Mask: MaskDeleteSelf}, 16)
	assert.Len(t, bare, HeaderSize)
	assert.Equal(t, Event{WD: 2, Mask: MaskDeleteSelf}, decode(bare))
}

func TestPumpWholeChunk(t *testing.T) {
	evs := []Event{
		{WD: 1, Mask: MaskCloseWrite, Name: "anr_a"},
		{WD: 1, Mask: MaskMovedTo, Cookie: 3, Name: "tombstone_00"},
		{WD: 2, Mask: MaskCreate, Name: "x"},
	}
	src := &chunkSource{chunks: [][]byte{stream(evs...)}}
	res := &fakeResolver{}
	r := NewReader(src, Config{Resolver: res})

	require.NoError(t, r.Pump(context.Background()))
	assert.Equal(t, evs, res.events)
	assert.Equal(t, 1, src.reads)
}

func TestPumpReassemblesAtEveryOffset(t *testing.T) {
	want := Event{WD: 7, Mask: MaskCloseWrite | MaskIsDir, Cookie: 42, Name: "system_server_watchdog@1709296496000.txt"}
	rec := Encode(want, 16)

	unsplit := &fakeResolver{}
	require.NoError(t, NewReader(&chunkSource{chunks: [][]byte{rec}}, Config{Resolver: unsplit}).Pump(context.Background()))
	require.Equal(t, []Event{want}, unsplit.events)

	for k := 1; k < len(rec); k++ {
		t.Run(fmt.Sprintf("offset=%d", k), func(t *testing.T) {
			src := &chunkSource{chunks: [][]byte{rec[:k], rec[k:]}}
			res := &fakeResolver{}
			r := NewReader(src, Config{Resolver: res})

			require.NoError(t, r.Pump(context.Background()))
			assert.Equal(t, unsplit.events, res.events)
			assert.True(t, src.drained())
		})
	}
}

func TestPumpReassemblesAfterLeadingRecord(t *testing.T) {
	first := Event{WD: 1, Mask: MaskCloseWrite, Name: "anr_1"}
	second := Event{WD: 1, Mask: MaskCloseWrite, Name: "anr_2_with_a_longer_name"}
	data := stream(first, second)
	firstLen := len(Encode(first, 16))

	for k := firstLen + 1; k < len(data); k++ {
		src := &chunkSource{chunks: [][]byte{data[:k], data[k:]}}
		res := &fakeResolver{}
		require.NoError(t, NewReader(src, Config{Resolver: res}).Pump(context.Background()), "offset %d", k)
		assert.Equal(t, []Event{first, second}, res.events, "offset %d", k)
	}
}

func TestPumpFramingError(t *testing.T) {
	rec := Encode(Event{WD: 1, Mask: MaskCloseWrite, Name: "anr"}, 16)

	for _, k := range []int{4, HeaderSize + 2} {
		src := &chunkSource{chunks: [][]byte{rec[:k]}}
		res := &fakeResolver{}
		err := NewReader(src, Config{Resolver: res}).Pump(context.Background())

		var fe *FramingError
		require.True(t, errors.As(err, &fe), "offset %d", k)
		assert.ErrorIs(t, err, ErrShortRead)
		assert.Equal(t, k, fe.Have)
		assert.Empty(t, res.events)
	}
}

func TestPumpCorruptLength(t *testing.T) {
	rec := Encode(Event{WD: 1, Mask: MaskCloseWrite}, 16)
	rec[12], rec[13], rec[14], rec[15] = 0xff, 0xff, 0xff, 0x7f

	err := NewReader(&chunkSource{chunks: [][]byte{rec}}, Config{Resolver: &fakeResolver{}}).Pump(context.Background())
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestPumpCallbackErrorAbortsOnlyThatRecord(t *testing.T) {
	evs := []Event{
		{WD: 1, Mask: MaskCloseWrite, Name: "ok1"},
		{WD: 1, Mask: MaskCloseWrite, Name: "bad"},
		{WD: 1, Mask: MaskCloseWrite, Name: "ok2"},
	}
	res := &fakeResolver{failOn: "bad"}
	err := NewReader(&chunkSource{chunks: [][]byte{stream(evs...)}}, Config{Resolver: res}).Pump(context.Background())

	var ce *CallbackError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 1, ce.Failed)
	assert.Equal(t, "bad", ce.Event.Name)
	assert.Equal(t, evs, res.events)
}

func TestPumpSelfAndIgnored(t *testing.T) {
	evs := []Event{
		{WD: 5, Mask: MaskDeleteSelf},
		{WD: 5, Mask: MaskIgnored},
		{WD: 6, Mask: MaskMoveSelf | MaskIsDir},
		{WD: 6, Mask: MaskCloseWrite, Name: "after"},
	}
	res := &fakeResolver{}
	require.NoError(t, NewReader(&chunkSource{chunks: [][]byte{stream(evs...)}}, Config{Resolver: res}).Pump(context.Background()))

	assert.Equal(t, []int{5, 6}, res.self)
	assert.Equal(t, []Event{evs[3]}, res.events)
}

func TestPumpInterceptorAndForwarder(t *testing.T) {
	evs := []Event{
		{WD: 1, Mask: MaskMovedFrom, Cookie: 1, Name: "old"},
		{WD: 1, Mask: MaskCreate | MaskIsDir, Name: "mdmcrash_1"},
		{WD: 1, Mask: MaskCreate | MaskIsDir, Name: "other_dir"},
		{WD: 1, Mask: MaskCloseWrite, Name: "stray"},
	}
	res := &fakeResolver{unknown: map[string]bool{"mdmcrash_1": true, "other_dir": true, "stray": true}}
	fwd := &fakeForwarder{}
	r := NewReader(&chunkSource{chunks: [][]byte{stream(evs...)}}, Config{
		Resolver:      res,
		Interceptor:   consumeMovedFrom{},
		Forwarder:     fwd,
		ForwardPrefix: "mdmcrash",
	})

	require.NoError(t, r.Pump(context.Background()))
	assert.Empty(t, res.events)
	assert.Equal(t, []Event{evs[1]}, fwd.events)
}

func TestPumpReadError(t *testing.T) {
	err := NewReader(&chunkSource{}, Config{Resolver: &fakeResolver{}}).Pump(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestMaskString(t *testing.T) {
	assert.Equal(t, "CLOSE_WRITE|ISDIR", MaskString(MaskCloseWrite|MaskIsDir))
	assert.Equal(t, "0", MaskString(0))
	assert.Equal(t, "CREATE|0x10", MaskString(MaskCreate|0x10))
}

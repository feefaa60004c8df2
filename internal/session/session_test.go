package session

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxhub/internal/ring"
	"voxhub/internal/speaker"
	"voxhub/internal/wire"
)

// fakeDecoder satisfies speaker.Decoder; session tests never decode.
type fakeDecoder struct{}

func (fakeDecoder) DecodeFloat32(data []byte, pcm []float32) (int, error) { return len(pcm), nil }
func (fakeDecoder) DecodePLCFloat32(pcm []float32) error                  { return nil }

// fakeHub is a loopback TCP listener standing in for the hub side of one
// session: it accepts a single connection and sends the identity preamble.
type fakeHub struct {
	ln         net.Listener
	conn       net.Conn
	acceptedCh chan net.Conn
}

func newFakeHub(t *testing.T, assignID uint32) *fakeHub {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	h := &fakeHub{ln: ln}

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		wire.WriteID(conn, assignID)
		accepted <- conn
	}()

	t.Cleanup(func() {
		if h.conn != nil {
			h.conn.Close()
		}
		ln.Close()
	})
	h.acceptedCh = accepted
	return h
}

func (h *fakeHub) addr() string { return h.ln.Addr().String() }

func (h *fakeHub) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-h.acceptedCh:
		h.conn = conn
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func newTestRegistry() *speaker.Registry {
	return speaker.NewRegistry(8, func() (speaker.Decoder, error) { return fakeDecoder{}, nil }, log.New(io.Discard))
}

func TestDialReadsAssignedID(t *testing.T) {
	h := newFakeHub(t, 4)
	reg := newTestRegistry()

	s, err := Dial(h.addr(), reg, ring.New(1<<12), log.New(io.Discard))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, uint32(4), s.ID())
	assert.True(t, s.Running())
}

func TestDialRejectedWhenHubClosesBeforePreamble(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close() // full conference: immediate close, no preamble
		}
	}()

	_, err = Dial(ln.Addr().String(), newTestRegistry(), ring.New(1<<12), log.New(io.Discard))
	assert.Error(t, err)
}

func TestReceiverRoutesFramesToRegistry(t *testing.T) {
	h := newFakeHub(t, 0)
	reg := newTestRegistry()

	s, err := Dial(h.addr(), reg, ring.New(1<<12), log.New(io.Discard))
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	conn := h.accept(t)
	require.NoError(t, wire.WriteTagged(conn, 2, []byte("from-two")))
	require.NoError(t, wire.WriteTagged(conn, 3, []byte("from-three")))
	require.NoError(t, wire.WriteTagged(conn, 2, []byte("more-two")))

	require.Eventually(t, func() bool { return reg.Len() == 2 },
		2*time.Second, 5*time.Millisecond)

	counts := map[uint32]int{}
	reg.ForEach(func(sp *speaker.Remote) bool {
		counts[sp.ID] = sp.Jitter.Len()
		return false
	})
	assert.Equal(t, map[uint32]int{2: 2, 3: 1}, counts)

	cancel()
	assert.NoError(t, <-done)
}

func TestReceiverDiscardsOwnEcho(t *testing.T) {
	h := newFakeHub(t, 7)
	reg := newTestRegistry()

	s, err := Dial(h.addr(), reg, ring.New(1<<12), log.New(io.Discard))
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	conn := h.accept(t)
	// A buggy hub echoing our own id back must not create a speaker.
	require.NoError(t, wire.WriteTagged(conn, 7, []byte("echo")))
	require.NoError(t, wire.WriteTagged(conn, 1, []byte("real")))

	require.Eventually(t, func() bool { return reg.Len() == 1 },
		2*time.Second, 5*time.Millisecond)
	reg.ForEach(func(sp *speaker.Remote) bool {
		assert.Equal(t, uint32(1), sp.ID)
		return false
	})
}

func TestRunEndsCleanlyOnHubClose(t *testing.T) {
	h := newFakeHub(t, 0)
	reg := newTestRegistry()

	s, err := Dial(h.addr(), reg, ring.New(1<<12), log.New(io.Discard))
	require.NoError(t, err)
	defer s.Close()

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	conn := h.accept(t)
	conn.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after hub close")
	}
	assert.False(t, s.Running())
}

func TestRunFailsOnProtocolViolation(t *testing.T) {
	h := newFakeHub(t, 0)
	reg := newTestRegistry()

	s, err := Dial(h.addr(), reg, ring.New(1<<12), log.New(io.Discard))
	require.NoError(t, err)
	defer s.Close()

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	conn := h.accept(t)
	// Length below the minimum: unrecoverable framing error.
	conn.Write([]byte{0, 0, 0, 1})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, wire.ErrProtocol)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return on protocol violation")
	}
}

func TestSenderDrainsRingToSocket(t *testing.T) {
	h := newFakeHub(t, 0)
	reg := newTestRegistry()
	out := ring.New(1 << 12)

	s, err := Dial(h.addr(), reg, out, log.New(io.Discard))
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	conn := h.accept(t)

	// The capture path stores complete wire frames in the ring; the sender
	// must deliver them verbatim.
	out.Write(wire.AppendFrame(nil, []byte("tick-one")))
	out.Write(wire.AppendFrame(nil, []byte("tick-two")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, wire.MaxPayload)
	n, err := wire.ReadFrame(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("tick-one"), buf[:n])
	n, err = wire.ReadFrame(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("tick-two"), buf[:n])
}

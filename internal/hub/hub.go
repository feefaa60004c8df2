// Package hub implements the conference relay: it accepts TCP peers, assigns
// each a slot identity, reads their framed audio, and fans every frame out
// to all other live peers through a single broadcaster.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"voxhub/internal/wire"
)

const (
	// MaxPeers caps the conference size. Slot index doubles as the assigned
	// speaker identity, so identities are reused after a disconnect.
	MaxPeers = 10

	// broadcastBacklog is the depth of the fan-out queue. At 50 frames/s per
	// speaker this is several seconds of headroom; when it fills, inbound
	// frames are dropped rather than stalling the handlers.
	broadcastBacklog = 256
)

// slot is one peer table entry. A slot is occupied while conn is non-nil and
// eligible for fan-out while alive; a draining peer (dead but not yet
// cleaned up by its handler) keeps the slot reserved so the identity is not
// reassigned mid-teardown.
type slot struct {
	conn  net.Conn
	addr  string
	alive bool
}

// item is one inbound frame queued for fan-out.
type item struct {
	senderID uint32
	payload  []byte
}

// Hub is the relay runtime. Create with New, then Listen and Serve.
type Hub struct {
	mu    sync.Mutex
	slots [MaxPeers]slot
	count int // occupied slots, alive or draining

	bcast chan item
	ln    net.Listener

	frames  atomic.Uint64
	bytes   atomic.Uint64
	dropped atomic.Uint64

	logger *log.Logger
}

// New returns an idle Hub.
func New(logger *log.Logger) *Hub {
	return &Hub{
		bcast:  make(chan item, broadcastBacklog),
		logger: logger,
	}
}

// Listen binds the relay's TCP listener.
func (h *Hub) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	h.ln = ln
	h.logger.Info("listening", "addr", ln.Addr())
	return nil
}

// Addr returns the listener address. Valid after Listen.
func (h *Hub) Addr() net.Addr { return h.ln.Addr() }

// Serve runs the acceptor and broadcaster until ctx is cancelled or the
// listener fails, then closes every peer and returns.
func (h *Hub) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		h.ln.Close()
		return nil
	})
	g.Go(func() error {
		h.broadcaster(gctx)
		return nil
	})
	g.Go(func() error { return h.acceptLoop(gctx) })

	err := g.Wait()
	h.closeAll()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// acceptLoop admits peers until the listener closes.
func (h *Hub) acceptLoop(ctx context.Context) error {
	for {
		conn, err := h.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		h.admit(ctx, conn)
	}
}

// admit performs admission control, assigns the lowest free slot as the
// peer's identity, sends the identity preamble and spawns the read handler.
func (h *Hub) admit(ctx context.Context, conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	h.mu.Lock()
	if h.count == MaxPeers {
		h.mu.Unlock()
		h.logger.Warn("conference full, rejecting", "addr", conn.RemoteAddr())
		conn.Close()
		return
	}
	idx := -1
	for i := range h.slots {
		if h.slots[i].conn == nil {
			idx = i
			break
		}
	}
	// count < MaxPeers guarantees a free slot.
	if err := wire.WriteID(conn, uint32(idx)); err != nil {
		h.mu.Unlock()
		h.logger.Warn("identity preamble", "addr", conn.RemoteAddr(), "err", err)
		conn.Close()
		return
	}
	h.slots[idx] = slot{conn: conn, addr: conn.RemoteAddr().String(), alive: true}
	h.count++
	live := h.count
	h.mu.Unlock()

	h.logger.Info("peer connected", "peer", idx, "addr", conn.RemoteAddr(), "live", live)
	go h.handle(ctx, uint32(idx), conn)
}

// handle is the per-peer framed read loop. Every valid frame is stamped with
// the peer's identity and queued for fan-out.
func (h *Hub) handle(ctx context.Context, id uint32, conn net.Conn) {
	defer h.release(id, conn)
	buf := make([]byte, wire.MaxPayload)

	for {
		n, err := wire.ReadFrame(conn, buf)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				h.logger.Info("peer closed", "peer", id)
			case errors.Is(err, wire.ErrProtocol):
				h.logger.Warn("protocol violation, dropping peer", "peer", id, "err", err)
			default:
				if ctx.Err() == nil {
					h.logger.Warn("peer read", "peer", id, "err", err)
				}
			}
			return
		}
		h.frames.Add(1)
		h.bytes.Add(uint64(n))

		if ctx.Err() != nil {
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		select {
		case h.bcast <- item{senderID: id, payload: payload}:
		default:
			// Fan-out queue saturated: shed this frame, keep the peer.
			h.dropped.Add(1)
		}
	}
}

// release closes the peer and frees its slot. The identity becomes
// immediately reusable.
func (h *Hub) release(id uint32, conn net.Conn) {
	conn.Close()
	h.mu.Lock()
	if h.slots[id].conn == conn {
		h.slots[id] = slot{}
		h.count--
	}
	live := h.count
	h.mu.Unlock()
	h.logger.Info("peer disconnected", "peer", id, "live", live)
}

// target is a snapshot of one fan-out destination, captured under the mutex
// so sends happen outside it.
type target struct {
	id   uint32
	conn net.Conn
}

// broadcaster serialises all outbound traffic: one frame is materialised per
// queue item and written to every live peer except the sender. A single
// writer per connection gives each listener a totally ordered stream.
func (h *Hub) broadcaster(ctx context.Context) {
	frame := make([]byte, 0, wire.MaxPayload+8)
	targets := make([]target, 0, MaxPeers)

	for {
		var it item
		select {
		case <-ctx.Done():
			return
		case it = <-h.bcast:
		}

		frame = wire.AppendTagged(frame[:0], it.senderID, it.payload)

		targets = targets[:0]
		h.mu.Lock()
		for i := range h.slots {
			if !h.slots[i].alive || uint32(i) == it.senderID {
				continue
			}
			targets = append(targets, target{id: uint32(i), conn: h.slots[i].conn})
		}
		h.mu.Unlock()

		for _, t := range targets {
			if _, err := t.conn.Write(frame); err != nil {
				// Broken writer: this peer alone leaves the conference.
				h.logger.Warn("peer write, dropping", "peer", t.id, "err", err)
				h.kill(t.id, t.conn)
			}
		}
	}
}

// kill marks a peer's slot dead and closes its transport. The slot itself is
// freed by the peer's handler once its read loop notices.
func (h *Hub) kill(id uint32, conn net.Conn) {
	h.mu.Lock()
	if h.slots[id].conn == conn {
		h.slots[id].alive = false
	}
	h.mu.Unlock()
	conn.Close()
}

// closeAll tears down every peer connection during shutdown.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.slots {
		if h.slots[i].conn != nil {
			h.slots[i].conn.Close()
			h.slots[i].alive = false
		}
	}
}

// Peers returns the number of occupied slots.
func (h *Hub) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Stats returns and resets the relay counters.
func (h *Hub) Stats() (frames, bytes, dropped uint64, peers int) {
	return h.frames.Swap(0), h.bytes.Swap(0), h.dropped.Swap(0), h.Peers()
}

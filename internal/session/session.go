// Package session manages the client's connection to the hub: the dial and
// identity handshake, the receiver loop that routes inbound frames to the
// speaker registry, and the sender loop that drains the capture ring onto
// the socket.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"voxhub/internal/ring"
	"voxhub/internal/speaker"
	"voxhub/internal/wire"
)

// sendPark is how long the sender sleeps when the capture ring is empty.
// Frames arrive every 20 ms, so a 1 ms poll adds negligible latency.
const sendPark = time.Millisecond

// Session is one client connection to the hub.
type Session struct {
	conn     net.Conn
	id       uint32
	registry *speaker.Registry
	out      *ring.Buffer

	running atomic.Bool
	logger  *log.Logger
}

// Dial connects to the hub at addr, disables Nagle and reads the identity
// preamble. The returned session is ready for Run.
func Dial(addr string, reg *speaker.Registry, out *ring.Buffer, logger *log.Logger) (*Session, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	id, err := wire.ReadID(conn)
	if err != nil {
		conn.Close()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("dial %s: hub refused the connection (conference full)", addr)
		}
		return nil, fmt.Errorf("read identity: %w", err)
	}

	s := &Session{
		conn:     conn,
		id:       id,
		registry: reg,
		out:      out,
		logger:   logger,
	}
	s.running.Store(true)
	logger.Info("connected", "addr", addr, "id", id)
	return s, nil
}

// ID returns the hub-assigned speaker identity.
func (s *Session) ID() uint32 { return s.id }

// Running reports whether the session is still live. Cleared when the hub
// closes the connection or a terminal error occurs.
func (s *Session) Running() bool { return s.running.Load() }

// Run pumps the receiver and sender loops until the hub disconnects or ctx
// is cancelled. A graceful close returns nil.
func (s *Session) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// Closing the conn on cancellation is what unblocks the receiver.
	g.Go(func() error {
		<-gctx.Done()
		s.running.Store(false)
		s.conn.Close()
		return nil
	})
	g.Go(func() error { return s.receive(gctx) })
	g.Go(func() error { return s.send(gctx) })

	err := g.Wait()
	if errors.Is(err, errStop) || ctx.Err() != nil {
		// A clean close or our own teardown is not a failure.
		err = nil
	}
	return err
}

// Close tears the connection down. Safe to call more than once.
func (s *Session) Close() {
	s.running.Store(false)
	s.conn.Close()
}

// receive parses framed packets from the hub and routes them to the speaker
// registry. Returning (with running cleared) ends the session.
func (s *Session) receive(ctx context.Context) error {
	defer s.running.Store(false)
	buf := make([]byte, wire.MaxPayload)

	for {
		id, n, err := wire.ReadTagged(s.conn, buf)
		switch {
		case err == nil:
			if id == s.id {
				// The hub never echoes a speaker's own frames; defend in
				// depth anyway.
				continue
			}
			frame := make([]byte, n)
			copy(frame, buf[:n])
			s.registry.Push(id, frame)
		case errors.Is(err, wire.ErrShortBuffer):
			s.logger.Warn("oversized frame dropped", "err", err)
		case errors.Is(err, io.EOF):
			s.logger.Info("hub closed the connection")
			return errStop
		case errors.Is(err, wire.ErrProtocol):
			s.logger.Error("protocol violation", "err", err)
			return fmt.Errorf("receive: %w", err)
		default:
			if ctx.Err() != nil {
				return errStop
			}
			s.logger.Error("receive", "err", err)
			return fmt.Errorf("receive: %w", err)
		}
	}
}

// errStop makes errgroup cancel the session without surfacing an error for
// a clean shutdown.
var errStop = errors.New("session: stopped")

// send drains the capture ring onto the socket. The ring already holds
// length-prefixed wire frames, so views are written verbatim.
func (s *Session) send(ctx context.Context) error {
	for {
		view := s.out.Read()
		if len(view) == 0 {
			select {
			case <-ctx.Done():
				return errStop
			case <-time.After(sendPark):
			}
			continue
		}
		if _, err := s.conn.Write(view); err != nil {
			if ctx.Err() != nil || !s.running.Load() {
				return errStop
			}
			s.logger.Error("send", "err", err)
			return fmt.Errorf("send: %w", err)
		}
	}
}

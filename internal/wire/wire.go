// Package wire implements the length-prefixed frame protocol spoken between
// the hub and its clients over TCP.
//
// Every frame is a big-endian u32 length followed by the payload. Frames
// from the hub carry a 4-byte big-endian speaker id at the head of the
// payload so the client can demultiplex streams; frames towards the hub omit
// it (the hub stamps the id from the connection). On connect the hub sends a
// bare 4-byte big-endian identity preamble with no length prefix.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxPayload is the largest compressed audio payload carried in a frame.
	MaxPayload = 1500

	lenSize = 4
	idSize  = 4
)

var (
	// ErrProtocol reports a frame length outside the protocol bounds.
	// The connection cannot be resynchronised and must be torn down.
	ErrProtocol = errors.New("wire: frame length out of range")

	// ErrShortBuffer reports an in-protocol frame that does not fit the
	// caller's buffer. The frame has been consumed from the stream, so the
	// caller may drop it and keep reading.
	ErrShortBuffer = errors.New("wire: frame exceeds receive buffer")
)

// WriteID sends the one-time identity preamble.
func WriteID(w io.Writer, id uint32) error {
	var b [idSize]byte
	binary.BigEndian.PutUint32(b[:], id)
	_, err := w.Write(b[:])
	return err
}

// ReadID receives the one-time identity preamble.
func ReadID(r io.Reader) (uint32, error) {
	var b [idSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// AppendFrame appends a client-to-hub frame to dst and returns the extended
// slice: [be32 len][payload].
func AppendFrame(dst, payload []byte) []byte {
	var hdr [lenSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// AppendTagged appends a hub-to-client frame to dst and returns the extended
// slice: [be32 len+4][be32 speaker_id][payload].
func AppendTagged(dst []byte, speakerID uint32, payload []byte) []byte {
	var hdr [lenSize + idSize]byte
	binary.BigEndian.PutUint32(hdr[:lenSize], uint32(len(payload)+idSize))
	binary.BigEndian.PutUint32(hdr[lenSize:], speakerID)
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// WriteFrame sends one client-to-hub frame. The frame is emitted with a
// single Write so a broadcast never interleaves with another writer, and any
// error is terminal for the transport.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) < 1 || len(payload) > MaxPayload {
		return fmt.Errorf("%w: payload %d bytes", ErrProtocol, len(payload))
	}
	buf := make([]byte, 0, lenSize+len(payload))
	_, err := w.Write(AppendFrame(buf, payload))
	return err
}

// WriteTagged sends one hub-to-client frame with the speaker id stamped in.
func WriteTagged(w io.Writer, speakerID uint32, payload []byte) error {
	if len(payload) < 1 || len(payload) > MaxPayload {
		return fmt.Errorf("%w: payload %d bytes", ErrProtocol, len(payload))
	}
	buf := make([]byte, 0, lenSize+idSize+len(payload))
	_, err := w.Write(AppendTagged(buf, speakerID, payload))
	return err
}

// ReadFrame receives one client-to-hub frame into buf and returns the
// payload length. A clean close at a frame boundary surfaces as io.EOF; a
// close mid-frame as io.ErrUnexpectedEOF. A length outside [1, MaxPayload]
// is ErrProtocol. An in-range frame larger than buf is consumed from the
// stream and reported as ErrShortBuffer.
func ReadFrame(r io.Reader, buf []byte) (int, error) {
	n, err := readLen(r, 1, MaxPayload)
	if err != nil {
		return 0, err
	}
	if n > len(buf) {
		return 0, discard(r, n)
	}
	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		return 0, closedOr(err)
	}
	return n, nil
}

// ReadTagged receives one hub-to-client frame into buf and returns the
// speaker id and payload length. Error semantics match ReadFrame; the valid
// length range is [4, MaxPayload+4] including the id field.
func ReadTagged(r io.Reader, buf []byte) (uint32, int, error) {
	n, err := readLen(r, idSize, MaxPayload+idSize)
	if err != nil {
		return 0, 0, err
	}
	var idb [idSize]byte
	if _, err := io.ReadFull(r, idb[:]); err != nil {
		return 0, 0, closedOr(err)
	}
	id := binary.BigEndian.Uint32(idb[:])
	n -= idSize
	if n > len(buf) {
		return id, 0, discard(r, n)
	}
	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		return 0, 0, closedOr(err)
	}
	return id, n, nil
}

// readLen reads and validates the 4-byte length prefix.
func readLen(r io.Reader, min, max int) (int, error) {
	var b [lenSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	n := int(binary.BigEndian.Uint32(b[:]))
	if n < min || n > max {
		return 0, fmt.Errorf("%w: %d", ErrProtocol, n)
	}
	return n, nil
}

// discard consumes n payload bytes so the stream stays frame-aligned.
func discard(r io.Reader, n int) error {
	if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
		return closedOr(err)
	}
	return fmt.Errorf("%w: %d bytes", ErrShortBuffer, n)
}

// closedOr maps a bare EOF inside a frame to ErrUnexpectedEOF so callers can
// distinguish a mid-frame close from a clean one.
func closedOr(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

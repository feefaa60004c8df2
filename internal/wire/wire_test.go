package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestIDPreambleRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteID(&buf, 7))
	assert.Equal(t, []byte{0, 0, 0, 7}, buf.Bytes())

	id, err := ReadID(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), id)
}

func TestReadIDClosed(t *testing.T) {
	_, err := ReadID(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("opus bytes")
	require.NoError(t, WriteFrame(&buf, payload))

	out := make([]byte, MaxPayload)
	n, err := ReadFrame(&buf, out)
	require.NoError(t, err)
	assert.Equal(t, payload, out[:n])
}

func TestTaggedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("opus bytes")
	require.NoError(t, WriteTagged(&buf, 3, payload))

	out := make([]byte, MaxPayload)
	id, n, err := ReadTagged(&buf, out)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), id)
	assert.Equal(t, payload, out[:n])
}

func TestTaggedWireLayout(t *testing.T) {
	frame := AppendTagged(nil, 0x01020304, []byte{0xAA, 0xBB})
	want := []byte{
		0, 0, 0, 6, // length: id + 2 payload bytes
		0x01, 0x02, 0x03, 0x04, // speaker id
		0xAA, 0xBB,
	}
	assert.Equal(t, want, frame)
}

func TestWriteFrameRejectsBadPayloads(t *testing.T) {
	var buf bytes.Buffer
	assert.ErrorIs(t, WriteFrame(&buf, nil), ErrProtocol)
	assert.ErrorIs(t, WriteFrame(&buf, make([]byte, MaxPayload+1)), ErrProtocol)
	assert.ErrorIs(t, WriteTagged(&buf, 1, nil), ErrProtocol)
	assert.ErrorIs(t, WriteTagged(&buf, 1, make([]byte, MaxPayload+1)), ErrProtocol)
	assert.Zero(t, buf.Len())
}

func TestReadFrameLengthValidation(t *testing.T) {
	cases := []struct {
		name string
		len  uint32
	}{
		{"zero", 0},
		{"too large", MaxPayload + 1},
		{"huge", 1 << 30},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			binary.Write(&buf, binary.BigEndian, tc.len)
			_, err := ReadFrame(&buf, make([]byte, MaxPayload))
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestReadTaggedLengthValidation(t *testing.T) {
	cases := []struct {
		name string
		len  uint32
	}{
		{"below id size", 3},
		{"too large", MaxPayload + 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			binary.Write(&buf, binary.BigEndian, tc.len)
			_, _, err := ReadTagged(&buf, make([]byte, MaxPayload))
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestReadFrameCloseAtBoundaryIsEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil), make([]byte, MaxPayload))
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameCloseMidFrame(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(100))
	buf.Write([]byte("truncated"))
	_, err := ReadFrame(&buf, make([]byte, MaxPayload))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadFrameShortBufferConsumesFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 100)))
	require.NoError(t, WriteFrame(&buf, []byte("next")))

	small := make([]byte, 10)
	_, err := ReadFrame(&buf, small)
	assert.ErrorIs(t, err, ErrShortBuffer)

	// The oversized frame was consumed: the stream is still aligned.
	n, err := ReadFrame(&buf, small)
	require.NoError(t, err)
	assert.Equal(t, []byte("next"), small[:n])
}

func TestReadTaggedShortBufferConsumesFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTagged(&buf, 5, make([]byte, 100)))
	require.NoError(t, WriteTagged(&buf, 6, []byte("next")))

	small := make([]byte, 10)
	id, _, err := ReadTagged(&buf, small)
	assert.ErrorIs(t, err, ErrShortBuffer)
	assert.Equal(t, uint32(5), id)

	id, n, err := ReadTagged(&buf, small)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), id)
	assert.Equal(t, []byte("next"), small[:n])
}

// TestRoundTripProperty checks that any sequence of frames written to a
// stream is read back intact and in order, for both wire directions.
func TestRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payloads := rapid.SliceOfN(
			rapid.SliceOfN(rapid.Byte(), 1, MaxPayload), 1, 20,
		).Draw(t, "payloads")
		ids := rapid.SliceOfN(rapid.Uint32(), len(payloads), len(payloads)).Draw(t, "ids")

		var plain, tagged bytes.Buffer
		for i, p := range payloads {
			if err := WriteFrame(&plain, p); err != nil {
				t.Fatalf("write frame: %v", err)
			}
			if err := WriteTagged(&tagged, ids[i], p); err != nil {
				t.Fatalf("write tagged: %v", err)
			}
		}

		buf := make([]byte, MaxPayload)
		for i, p := range payloads {
			n, err := ReadFrame(&plain, buf)
			if err != nil {
				t.Fatalf("read frame %d: %v", i, err)
			}
			if !bytes.Equal(p, buf[:n]) {
				t.Fatalf("frame %d corrupted", i)
			}

			id, n, err := ReadTagged(&tagged, buf)
			if err != nil {
				t.Fatalf("read tagged %d: %v", i, err)
			}
			if id != ids[i] || !bytes.Equal(p, buf[:n]) {
				t.Fatalf("tagged frame %d corrupted", i)
			}
		}
		if _, err := ReadFrame(&plain, buf); err != io.EOF {
			t.Fatalf("expected EOF after last frame, got %v", err)
		}
	})
}

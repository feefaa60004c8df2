// Package audio drives microphone capture and speaker playback through
// PortAudio, compressing outbound frames with Opus and continuously mixing
// every remote speaker's decoded stream into the local output.
package audio

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"

	"voxhub/internal/ring"
	"voxhub/internal/speaker"
	"voxhub/internal/wire"
)

// Design constants shared end-to-end with the hub and every other client.
const (
	SampleRate = 48000
	Channels   = 1
	FrameSize  = 960 // 20 ms @ 48 kHz

	// JitterDepth bounds each remote speaker's queue; overflow drops the
	// oldest frame, capping added latency at JitterDepth frame periods.
	JitterDepth = 8

	// StaleTimeout is how long a speaker may yield no packets before the mix
	// pass reclaims their entry. Concealment frames stop at the same moment.
	StaleTimeout = 5 * time.Second
)

// Encoder is the slice of the Opus encoder the capture path needs.
// The concrete implementation is *opus.Encoder; tests inject fakes.
type Encoder interface {
	EncodeFloat32(pcm []float32, data []byte) (int, error)
	SetBitrate(bitrate int) error
}

// Stream abstracts a blocking PortAudio stream for testing.
type Stream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
	Write() error
}

// Engine owns the capture and playback loops. Capture encodes each 20 ms
// block and appends the framed bytes to the send ring; playback pops one
// frame per remote speaker each tick, decodes or conceals, sums and clips.
type Engine struct {
	mu sync.Mutex

	encoder  Encoder
	registry *speaker.Registry
	out      *ring.Buffer

	captureStream  Stream
	playbackStream Stream

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// captureDropped counts frames the send ring refused: a run larger than
	// the ring (which cannot happen with a sanely sized ring), or a write
	// released by the ring's Close during shutdown.
	captureDropped atomic.Uint64

	logger *log.Logger
}

// NewEngine returns an Engine that encodes with enc, mixes the speakers in
// reg and hands framed sends to out.
func NewEngine(enc Encoder, reg *speaker.Registry, out *ring.Buffer, logger *log.Logger) *Engine {
	return &Engine{
		encoder:  enc,
		registry: reg,
		out:      out,
		stopCh:   make(chan struct{}),
		logger:   logger,
	}
}

// SetBitrate changes the encoder target bitrate (kbps) on the fly, clamped
// to the valid Opus range [6, 510].
func (e *Engine) SetBitrate(kbps int) {
	if kbps < 6 {
		kbps = 6
	}
	if kbps > 510 {
		kbps = 510
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.encoder.SetBitrate(kbps * 1000); err != nil {
		e.logger.Warn("set bitrate", "kbps", kbps, "err", err)
	}
}

// Start opens the capture and playback devices and spawns the audio loops.
// inputID and outputID select devices by index; -1 means system default.
func (e *Engine) Start(inputID, outputID int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	inputDev, err := resolveDevice(devices, inputID, portaudio.DefaultInputDevice)
	if err != nil {
		return fmt.Errorf("input device: %w", err)
	}
	outputDev, err := resolveDevice(devices, outputID, portaudio.DefaultOutputDevice)
	if err != nil {
		return fmt.Errorf("output device: %w", err)
	}

	captureBuf := make([]float32, FrameSize)
	captureStream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   inputDev,
			Channels: Channels,
			Latency:  inputDev.DefaultLowInputLatency,
		},
		SampleRate:      SampleRate,
		FramesPerBuffer: FrameSize,
	}, captureBuf)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}

	playbackBuf := make([]float32, FrameSize)
	playbackStream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outputDev,
			Channels: Channels,
			Latency:  outputDev.DefaultLowOutputLatency,
		},
		SampleRate:      SampleRate,
		FramesPerBuffer: FrameSize,
	}, playbackBuf)
	if err != nil {
		captureStream.Close()
		return fmt.Errorf("open playback: %w", err)
	}

	if err := captureStream.Start(); err != nil {
		captureStream.Close()
		playbackStream.Close()
		return fmt.Errorf("start capture: %w", err)
	}
	if err := playbackStream.Start(); err != nil {
		captureStream.Stop()
		captureStream.Close()
		playbackStream.Close()
		return fmt.Errorf("start playback: %w", err)
	}

	e.startLoops(captureStream, playbackStream, captureBuf, playbackBuf)
	e.logger.Info("started", "capture", inputDev.Name, "playback", outputDev.Name)
	return nil
}

// startLoops wires the streams in and spawns the two loops. Split from Start
// so tests can drive the engine with fake streams.
func (e *Engine) startLoops(capture, playback Stream, captureBuf, playbackBuf []float32) {
	e.captureStream = capture
	e.playbackStream = playback
	e.stopCh = make(chan struct{})
	e.running.Store(true)

	e.wg.Add(2)
	go func() { defer e.wg.Done(); e.captureLoop(captureBuf) }()
	go func() { defer e.wg.Done(); e.playbackLoop(playbackBuf) }()
}

// Stop halts both loops and closes the streams.
//
// Sequence matters: Pa_StopStream unblocks any pending Read/Write so the
// goroutines can exit; the native stream objects must not be freed until
// both have, or a loop could touch a dead stream.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	close(e.stopCh)

	e.mu.Lock()
	if e.captureStream != nil {
		e.captureStream.Stop()
	}
	if e.playbackStream != nil {
		e.playbackStream.Stop()
	}
	e.mu.Unlock()

	// Release the capture loop if it is parked on a full send ring; nothing
	// drains the ring once the session is gone.
	e.out.Close()

	e.wg.Wait()

	e.mu.Lock()
	if e.captureStream != nil {
		e.captureStream.Close()
		e.captureStream = nil
	}
	if e.playbackStream != nil {
		e.playbackStream.Close()
		e.playbackStream = nil
	}
	e.mu.Unlock()

	e.logger.Info("stopped")
}

// DroppedFrames returns and resets the capture drop counter.
func (e *Engine) DroppedFrames() uint64 {
	return e.captureDropped.Swap(0)
}

func (e *Engine) captureLoop(buf []float32) {
	// Reuse allocations across frames; the loop body must not allocate.
	packet := make([]byte, wire.MaxPayload)
	framed := make([]byte, 0, wire.MaxPayload+4)

	if len(buf) != FrameSize {
		e.logger.Error("capture buffer size mismatch", "got", len(buf), "want", FrameSize)
		return
	}

	for e.running.Load() {
		if err := e.captureStream.Read(); err != nil {
			if e.running.Load() {
				e.logger.Warn("capture read", "err", err)
			}
			return
		}

		n, err := e.encoder.EncodeFloat32(buf, packet)
		if err != nil {
			e.logger.Warn("encode", "err", err)
			continue
		}
		if n == 0 {
			continue
		}

		framed = wire.AppendFrame(framed[:0], packet[:n])
		if !e.out.Write(framed) {
			e.captureDropped.Add(1)
		}
	}
}

func (e *Engine) playbackLoop(buf []float32) {
	pcm := make([]float32, FrameSize)

	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		e.mixTick(buf, pcm, time.Now())

		if err := e.playbackStream.Write(); err != nil {
			if e.running.Load() {
				e.logger.Warn("playback write", "err", err)
			}
			return
		}
	}
}

// mixTick fills buf with one 20 ms tick: one frame per active speaker,
// decoded or concealed, summed and hard-clipped. Holds the registry mutex
// for the duration of the pass.
func (e *Engine) mixTick(buf, pcm []float32, now time.Time) {
	zeroFloat32(buf)

	e.registry.ForEach(func(s *speaker.Remote) bool {
		frame, got := s.Jitter.Pop()

		var n int
		var err error
		if got {
			n, err = s.Decoder.DecodeFloat32(frame, pcm)
			if err == nil {
				s.LastHeard = now
			}
		} else {
			// Underrun: let Opus extrapolate a concealment frame. Once the
			// speaker has been silent past the stale window, reclaim them.
			if now.Sub(s.LastHeard) > StaleTimeout {
				return true
			}
			err = s.Decoder.DecodePLCFloat32(pcm)
			n = FrameSize
		}
		if err != nil {
			// A decoder fault is per-speaker, never fatal: flush their queue
			// so the stream resyncs on the next packet.
			e.logger.Warn("decode", "speaker", s.ID, "err", err)
			s.Jitter.Clear()
			return false
		}

		if n > FrameSize {
			n = FrameSize
		}
		for i := 0; i < n; i++ {
			buf[i] += pcm[i]
		}
		return false
	})

	// Saturate. Plain summation with a hard clip: normalising would couple
	// each speaker's loudness to the participant count.
	for i := range buf {
		buf[i] = clampFloat32(buf[i])
	}
}

// zeroFloat32 zeroes all elements of buf.
func zeroFloat32(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}

// clampFloat32 clamps v to [-1.0, 1.0].
func clampFloat32(v float32) float32 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}

// Package speaker tracks per-sender decoding state for every remote
// participant: a jitter queue for their compressed frames, an Opus decoder
// that carries their concealment history, and a last-heard timestamp that
// drives stale eviction.
package speaker

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"voxhub/internal/jitter"
)

// Decoder is the slice of the Opus decoder the mix path needs. The concrete
// implementation is *opus.Decoder; tests inject fakes.
type Decoder interface {
	// DecodeFloat32 decodes one packet into pcm and returns the number of
	// samples written.
	DecodeFloat32(data []byte, pcm []float32) (int, error)
	// DecodePLCFloat32 synthesises a concealment frame filling pcm from the
	// decoder's internal state.
	DecodePLCFloat32(pcm []float32) error
}

// Remote is the state for one remote speaker. Entries are only touched with
// the registry mutex held: the receiver pushes frames, the mix pass pops,
// decodes and evicts.
type Remote struct {
	ID        uint32
	Jitter    *jitter.Queue
	Decoder   Decoder
	LastHeard time.Time
}

// Registry owns all remote-speaker entries. The receiver inserts entries on
// the first frame from an unseen id; the mix pass removes them once they go
// stale. One mutex covers both: held briefly for a push, and for the whole
// decode-and-mix pass on the playback side.
type Registry struct {
	mu         sync.Mutex
	speakers   map[uint32]*Remote
	depth      int
	newDecoder func() (Decoder, error)
	logger     *log.Logger
}

// NewRegistry returns an empty registry. depth is the jitter queue capacity
// given to each new speaker; newDecoder constructs their decoder state.
func NewRegistry(depth int, newDecoder func() (Decoder, error), logger *log.Logger) *Registry {
	return &Registry{
		speakers:   make(map[uint32]*Remote),
		depth:      depth,
		newDecoder: newDecoder,
		logger:     logger,
	}
}

// Push enqueues a received frame for id, creating the speaker entry on first
// contact. A decoder construction failure drops the frame; the next packet
// retries.
func (r *Registry) Push(id uint32, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.speakers[id]
	if !ok {
		dec, err := r.newDecoder()
		if err != nil {
			r.logger.Error("create decoder", "speaker", id, "err", err)
			return
		}
		s = &Remote{
			ID:        id,
			Jitter:    jitter.NewQueue(r.depth),
			Decoder:   dec,
			LastHeard: time.Now(),
		}
		r.speakers[id] = s
		r.logger.Info("speaker joined", "speaker", id)
	}
	s.Jitter.Push(frame)
}

// ForEach runs fn for every speaker with the registry locked. Returning true
// removes the entry. This is the mix pass's whole-tick critical section.
func (r *Registry) ForEach(fn func(s *Remote) (remove bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.speakers {
		if fn(s) {
			delete(r.speakers, id)
			r.logger.Info("speaker evicted", "speaker", id)
		}
	}
}

// Len returns the number of tracked speakers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.speakers)
}

// Clear drops every speaker. Called on disconnect so a later session starts
// with fresh decoder state.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.speakers = make(map[uint32]*Remote)
	r.mu.Unlock()
}

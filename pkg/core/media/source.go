package media

import (
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-bridge/pkg/core/audio"
)

// OutboundSource answers the pacer's request for the next frame of browser
// audio. It never blocks: when the queue runs dry the remainder of the frame
// is silence.
type OutboundSource struct {
	q          *audio.Queue
	frameBytes int
	pending    []byte

	underruns atomic.Uint64
}

func NewOutboundSource(q *audio.Queue, frame time.Duration) *OutboundSource {
	return &OutboundSource{
		q:          q,
		frameBytes: q.Format().BytesFor(frame),
	}
}

// Next returns exactly one frame of PCM in the queue's format.
func (s *OutboundSource) Next() []byte {
	for len(s.pending) < s.frameBytes {
		f, ok := s.q.TryPop()
		if !ok {
			break
		}
		s.pending = append(s.pending, f.PCM...)
	}

	out := make([]byte, s.frameBytes)
	n := copy(out, s.pending)
	s.pending = s.pending[n:]
	if len(s.pending) == 0 {
		s.pending = nil
	}
	if n < s.frameBytes {
		s.underruns.Add(1)
	}
	return out
}

// Underruns counts frames that needed silence padding.
func (s *OutboundSource) Underruns() uint64 {
	return s.underruns.Load()
}

package media

import (
	"github.com/vango-go/vai-bridge/pkg/core/audio"
)

// pcmuRate is the G.711 clock rate.
const pcmuRate = 8000

// ingestor normalizes browser RTP payloads to the bridge format before they
// enter the browser->upstream queue.
type ingestor struct {
	q *audio.Queue
}

// write decodes one PCMU payload. It reports false once the queue is closed.
func (in *ingestor) write(payload []byte) (bool, error) {
	if len(payload) == 0 {
		return true, nil
	}
	format := in.q.Format()
	samples := audio.Resample(audio.ULawDecode(payload), pcmuRate, format.SampleRate)
	frame := audio.Frame{
		Format: format,
		PCM:    audio.PCM(samples),
		Origin: audio.OriginBrowser,
	}
	if _, err := in.q.TryPush(frame); err != nil {
		if err == audio.ErrClosed {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// encodePCMU converts one frame of bridge-format PCM to a PCMU payload.
func encodePCMU(pcm []byte, fromRate int) []byte {
	return audio.ULawEncode(audio.Resample(audio.Samples(pcm), fromRate, pcmuRate))
}

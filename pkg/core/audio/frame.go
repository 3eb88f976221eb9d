package audio

import (
	"encoding/binary"
	"time"
)

// Origin tags which side of the bridge produced a frame.
type Origin uint8

const (
	OriginBrowser Origin = iota + 1
	OriginUpstream
)

func (o Origin) String() string {
	switch o {
	case OriginBrowser:
		return "browser"
	case OriginUpstream:
		return "upstream"
	default:
		return "unknown"
	}
}

// Format describes interleaved signed 16-bit little-endian PCM.
type Format struct {
	SampleRate int `json:"sample_rate" yaml:"sample_rate"`
	Channels   int `json:"channels" yaml:"channels"`
}

// DefaultFormat is the canonical bridge format: 24kHz mono, which is what the
// realtime provider consumes and produces.
func DefaultFormat() Format {
	return Format{SampleRate: 24000, Channels: 1}
}

// BytesPerSecond returns the PCM byte rate.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// BytesFor returns the byte count covering d, rounded down to whole samples.
func (f Format) BytesFor(d time.Duration) int {
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	align := 2 * max(1, f.Channels)
	return n - n%align
}

// Duration returns the playback duration of n bytes.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Frame is one unit of relayed audio.
type Frame struct {
	Format Format
	PCM    []byte
	Origin Origin
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	return f.Format.Duration(len(f.PCM))
}

// Silence returns d worth of zeroed PCM in format f.
func Silence(f Format, d time.Duration) []byte {
	return make([]byte, f.BytesFor(d))
}

// Samples decodes little-endian PCM16 bytes.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

// PCM encodes samples as little-endian PCM16 bytes.
func PCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

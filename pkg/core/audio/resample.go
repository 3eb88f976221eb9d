package audio

// Resample converts mono PCM16 samples from one rate to another with linear
// interpolation. Downsampling by an integer factor averages each group of
// input samples, which is enough low-pass for 24kHz to 8kHz telephony audio.
func Resample(in []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(in) == 0 || fromRate <= 0 || toRate <= 0 {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	if fromRate > toRate && fromRate%toRate == 0 {
		return decimate(in, fromRate/toRate)
	}

	outLen := int(int64(len(in)) * int64(toRate) / int64(fromRate))
	out := make([]int16, outLen)
	step := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		a := float64(in[idx])
		b := a
		if idx+1 < len(in) {
			b = float64(in[idx+1])
		}
		out[i] = clamp16(a + (b-a)*frac)
	}
	return out
}

func decimate(in []int16, factor int) []int16 {
	out := make([]int16, len(in)/factor)
	for i := range out {
		var sum int
		for j := 0; j < factor; j++ {
			sum += int(in[i*factor+j])
		}
		out[i] = int16(sum / factor)
	}
	return out
}

// ResamplePCM is Resample over little-endian PCM16 bytes.
func ResamplePCM(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out
	}
	return PCM(Resample(Samples(pcm), fromRate, toRate))
}

func clamp16(v float64) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}

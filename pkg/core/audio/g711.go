package audio

// G.711 μ-law, the PCMU payload negotiated with browsers.

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// ULawEncode encodes PCM16 samples as μ-law bytes.
func ULawEncode(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = linearToULaw(s)
	}
	return out
}

// ULawDecode decodes μ-law bytes to PCM16 samples.
func ULawDecode(payload []byte) []int16 {
	out := make([]int16, len(payload))
	for i, b := range payload {
		out[i] = ulawTable[b]
	}
	return out
}

var ulawTable = func() [256]int16 {
	var t [256]int16
	for i := range t {
		t[i] = ulawToLinear(byte(i))
	}
	return t
}()

func linearToULaw(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias

	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

func ulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := int(u>>4) & 0x07
	mantissa := int(u & 0x0F)
	s := ((mantissa << 3) + ulawBias) << exponent
	s -= ulawBias
	if sign != 0 {
		return int16(-s)
	}
	return int16(s)
}

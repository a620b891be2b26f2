package tools

import "math"

const (
	TelephonyRate = 8000
	RealtimeRate  = 24000
)

// Resample converts between sample rates. Upsampling interpolates linearly
// between neighbours; downsampling averages the source window each output
// sample covers. Output order always follows input order.
func Resample(in []int16, inRate, outRate int) []int16 {
	if inRate == outRate || len(in) == 0 || inRate <= 0 || outRate <= 0 {
		return append([]int16(nil), in...)
	}
	ratio := float64(outRate) / float64(inRate)
	outLen := int(math.Round(float64(len(in)) * ratio))
	if outLen == 0 {
		return []int16{}
	}
	out := make([]int16, outLen)
	if ratio > 1 {
		for i := range out {
			srcPos := float64(i) / ratio
			i0 := int(math.Floor(srcPos))
			if i0 >= len(in) {
				i0 = len(in) - 1
			}
			i1 := i0 + 1
			if i1 >= len(in) {
				i1 = len(in) - 1
			}
			f := srcPos - float64(i0)
			out[i] = clampInt16(float64(in[i0])*(1.0-f) + float64(in[i1])*f)
		}
		return out
	}
	step := 1 / ratio
	for i := range out {
		start := int(math.Floor(float64(i) * step))
		end := int(math.Floor(float64(i+1) * step))
		if end <= start {
			end = start + 1
		}
		if end > len(in) {
			end = len(in)
		}
		if start >= end {
			out[i] = in[len(in)-1]
			continue
		}
		var acc float64
		for _, s := range in[start:end] {
			acc += float64(s)
		}
		out[i] = clampInt16(acc / float64(end-start))
	}
	return out
}

// MulawToRealtime turns one telephony frame into 24 kHz PCM16LE bytes.
func MulawToRealtime(frame []byte) []byte {
	return PCM16ToBytes(Resample(DecodeMulaw(frame), TelephonyRate, RealtimeRate))
}

// RealtimeToMulaw turns 24 kHz PCM16LE bytes into 8 kHz mu-law bytes.
func RealtimeToMulaw(pcm []byte) []byte {
	return EncodeMulaw(Resample(BytesToPCM16(pcm), RealtimeRate, TelephonyRate))
}

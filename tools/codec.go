package tools

import (
	"encoding/binary"
	"math"

	"github.com/zaf/g711"
)

const (
	mulawClip = 32635

	// MulawSilence is the mu-law code for a zero sample.
	MulawSilence byte = 0xFF
)

// MulawDecodeTable is the standard 256-entry G.711 mu-law expansion table.
var MulawDecodeTable = func() (table [256]int16) {
	for i := range table {
		table[i] = g711.DecodeUlawFrame(uint8(i))
	}
	return table
}()

// LinearToMulaw compands one 16-bit sample.
func LinearToMulaw(sample int16) byte {
	// the encoder negates before clipping, which overflows on MinInt16
	if sample < -mulawClip {
		sample = -mulawClip
	}
	return g711.EncodeUlawFrame(sample)
}

func DecodeMulaw(frame []byte) []int16 {
	out := make([]int16, len(frame))
	for i, b := range frame {
		out[i] = MulawDecodeTable[b]
	}
	return out
}

func EncodeMulaw(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = LinearToMulaw(s)
	}
	return out
}

// PCM16ToBytes packs samples as little-endian 16-bit PCM.
func PCM16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToPCM16 unpacks little-endian 16-bit PCM. A trailing odd byte is ignored.
func BytesToPCM16(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

func clampInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

package tools

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulawDecodeTable(t *testing.T) {
	assert.Equal(t, int16(0), MulawDecodeTable[0xFF])
	assert.Equal(t, int16(0), MulawDecodeTable[0x7F])
	assert.Equal(t, int16(-32124), MulawDecodeTable[0x00])
	assert.Equal(t, int16(32124), MulawDecodeTable[0x80])
}

func TestMulawReencodeIsStable(t *testing.T) {
	for b := 0; b < 256; b++ {
		if b == 0x7F {
			// negative zero re-encodes as positive zero
			assert.Equal(t, MulawSilence, LinearToMulaw(MulawDecodeTable[b]))
			continue
		}
		assert.Equal(t, byte(b), LinearToMulaw(MulawDecodeTable[b]), "code %#x", b)
	}
}

func TestLinearToMulawClips(t *testing.T) {
	assert.Equal(t, LinearToMulaw(32635), LinearToMulaw(math.MaxInt16))
	assert.Equal(t, LinearToMulaw(-32635), LinearToMulaw(math.MinInt16))
}

func TestPCM16Bytes(t *testing.T) {
	samples := []int16{0, 1, -1, math.MaxInt16, math.MinInt16}
	data := PCM16ToBytes(samples)
	require.Len(t, data, 10)
	assert.Equal(t, []byte{0x01, 0x00}, data[2:4])
	assert.Equal(t, []byte{0xFF, 0xFF}, data[4:6])
	assert.Equal(t, samples, BytesToPCM16(data))
	assert.Len(t, BytesToPCM16(append(data, 0x7F)), 5)
}

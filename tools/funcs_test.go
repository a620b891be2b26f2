package tools

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFrameSamples(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		rate     int
		channels int
		expected int
	}{
		{
			name:     "Zero duration",
			duration: 0,
			rate:     TelephonyRate,
			channels: 1,
			expected: 0,
		},
		{
			name:     "Zero rate",
			duration: time.Second,
			rate:     0,
			channels: 1,
			expected: 0,
		},
		{
			name:     "Telephony frame",
			duration: TelephonyFrame,
			rate:     TelephonyRate,
			channels: 1,
			expected: 160,
		},
		{
			name:     "Realtime frame",
			duration: TelephonyFrame,
			rate:     RealtimeRate,
			channels: 1,
			expected: 480,
		},
		{
			name:     "One second of mu-law",
			duration: time.Second,
			rate:     TelephonyRate,
			channels: 1,
			expected: 8000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FrameSamples(tt.duration, tt.rate, tt.channels)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestFramer(t *testing.T) {
	f := NewFramer(4, MulawSilence)
	assert.Empty(t, f.Write([]byte{1, 2, 3}))
	frames := f.Write([]byte{4, 5, 6, 7, 8, 9})
	assert.Equal(t, [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}}, frames)
	assert.Equal(t, []byte{9, MulawSilence, MulawSilence, MulawSilence}, f.Flush())
	assert.Nil(t, f.Flush())

	f.Write([]byte{1})
	f.Reset()
	assert.Nil(t, f.Flush())
}

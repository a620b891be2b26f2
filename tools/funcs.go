package tools

import "time"

// TelephonyFrame is the media-stream frame length.
const TelephonyFrame = 20 * time.Millisecond

func FrameSamples(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds() * float64(channels) * float64(rate))
}

// Framer cuts a byte stream into fixed-size frames, carrying the remainder
// over to the next Write.
type Framer struct {
	size int
	pad  byte
	buf  []byte
}

func NewFramer(size int, pad byte) *Framer {
	return &Framer{size: size, pad: pad}
}

func (f *Framer) Write(data []byte) [][]byte {
	f.buf = append(f.buf, data...)
	var frames [][]byte
	for len(f.buf) >= f.size {
		frame := make([]byte, f.size)
		copy(frame, f.buf[:f.size])
		frames = append(frames, frame)
		f.buf = f.buf[f.size:]
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return frames
}

// Flush returns the buffered remainder padded to a full frame, or nil.
func (f *Framer) Flush() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	frame := make([]byte, f.size)
	n := copy(frame, f.buf)
	for i := n; i < f.size; i++ {
		frame[i] = f.pad
	}
	f.buf = nil
	return frame
}

// Reset drops the buffered remainder.
func (f *Framer) Reset() {
	f.buf = nil
}

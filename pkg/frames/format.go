package frames

import (
	"fmt"
	"time"
)

const (
	BytesPerSample = 2

	SampleRate16k = 16000
	SampleRate24k = 24000

	DefaultFrameDuration = 20 * time.Millisecond
)

// Format describes the capture stream: mono PCM16 at SampleRate, cut into
// frames of FrameDuration.
type Format struct {
	SampleRate    int
	FrameDuration time.Duration
}

// DefaultFormat is 16 kHz mono PCM16 in 20 ms frames.
func DefaultFormat() Format {
	return Format{SampleRate: SampleRate16k, FrameDuration: DefaultFrameDuration}
}

func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.FrameDuration <= 0 {
		return fmt.Errorf("frame duration must be positive, got %s", f.FrameDuration)
	}
	if f.FrameSamples() == 0 {
		return fmt.Errorf("frame of %s at %d Hz holds no samples", f.FrameDuration, f.SampleRate)
	}
	return nil
}

// FrameSamples is the number of samples in one frame.
func (f Format) FrameSamples() int {
	return int(int64(f.SampleRate) * int64(f.FrameDuration) / int64(time.Second))
}

// FrameBytes is the byte length of one frame.
func (f Format) FrameBytes() int { return f.FrameSamples() * BytesPerSample }

// FramesFor converts a duration to a whole number of frames, rounding to the
// nearest frame and never returning less than one.
func (f Format) FramesFor(d time.Duration) int {
	if f.FrameDuration <= 0 || d <= 0 {
		return 1
	}
	n := int((d + f.FrameDuration/2) / f.FrameDuration)
	if n < 1 {
		return 1
	}
	return n
}

// Duration is the playback length of n bytes of PCM16 in this format.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	samples := n / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

package frames

import (
	"time"
)

// AudioFrame is one fixed time slice of mono little-endian PCM16 audio.
type AudioFrame struct {
	seq  uint64
	at   time.Time
	data []byte
	rate int
}

func NewAudioFrame(seq uint64, at time.Time, data []byte, rate int) AudioFrame {
	return AudioFrame{seq: seq, at: at, data: data, rate: rate}
}

func (a AudioFrame) Seq() uint64        { return a.seq }
func (a AudioFrame) At() time.Time      { return a.at }
func (a AudioFrame) Rate() int          { return a.rate }
func (a AudioFrame) Len() int           { return len(a.data) }
func (a AudioFrame) Data() []byte       { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte { return a.data }

// Samples returns the number of PCM16 samples in the frame.
func (a AudioFrame) Samples() int { return len(a.data) / BytesPerSample }

// Duration is the playback length of the frame at its sample rate.
func (a AudioFrame) Duration() time.Duration {
	if a.rate <= 0 {
		return 0
	}
	return time.Duration(a.Samples()) * time.Second / time.Duration(a.rate)
}

// RMS is the root-mean-square amplitude of the frame normalized to [0, 1].
func (a AudioFrame) RMS() float64 { return RMS(a.data) }

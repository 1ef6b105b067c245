package vad

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/danishberg/scraptraffic/pkg/frames"
	"github.com/maxhawkins/go-webrtcvad"
)

// WebRTCDetector wraps the WebRTC voice activity detector. It only accepts
// 10, 20 or 30 ms frames at 8, 16, 32 or 48 kHz.
type WebRTCDetector struct {
	mu     sync.Mutex
	vad    *webrtcvad.VAD
	rate   int
	size   int
	log    *slog.Logger
	errors uint64
}

func NewWebRTCDetector(format frames.Format, aggressiveness int, log *slog.Logger) (*WebRTCDetector, error) {
	if log == nil {
		log = slog.Default()
	}
	if aggressiveness < 0 || aggressiveness > 3 {
		return nil, fmt.Errorf("webrtc vad aggressiveness must be 0..3, got %d", aggressiveness)
	}
	v, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("webrtc vad: %w", err)
	}
	if !v.ValidRateAndFrameLength(format.SampleRate, format.FrameSamples()) {
		return nil, fmt.Errorf("webrtc vad cannot process %s frames at %d Hz", format.FrameDuration, format.SampleRate)
	}
	if err := v.SetMode(aggressiveness); err != nil {
		return nil, fmt.Errorf("webrtc vad mode: %w", err)
	}
	return &WebRTCDetector{vad: v, rate: format.SampleRate, size: format.FrameBytes(), log: log}, nil
}

func (d *WebRTCDetector) Name() string { return StrategyWebRTC }

// Classify treats a frame the detector rejects as unvoiced.
func (d *WebRTCDetector) Classify(frame frames.AudioFrame) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	payload := frame.RawPayload()
	if len(payload) != d.size {
		d.errors++
		if d.errors%100 == 1 {
			d.log.Debug("vad_frame_size_mismatch", "bytes", len(payload), "want", d.size, "count", d.errors)
		}
		return false
	}
	voiced, err := d.vad.Process(d.rate, payload)
	if err != nil {
		d.errors++
		if d.errors%100 == 1 {
			d.log.Debug("vad_process_failed", "error", err, "count", d.errors)
		}
		return false
	}
	return voiced
}

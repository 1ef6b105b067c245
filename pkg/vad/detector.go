// Package vad classifies capture frames as voiced or unvoiced and keeps the
// adaptive energy threshold calibrated against ambient noise.
package vad

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/danishberg/scraptraffic/pkg/frames"
)

// Detector classifies one frame. Implementations must not block: Classify
// runs on the capture goroutine once per frame period.
type Detector interface {
	Name() string
	Classify(frame frames.AudioFrame) bool
}

const (
	StrategyEnergy = "energy"
	StrategyWebRTC = "webrtc"
)

type Config struct {
	Strategy       string
	Aggressiveness int
	Format         frames.Format
}

// New builds the detector named by cfg.Strategy. The energy strategy reads
// its threshold from cal.
func New(cfg Config, cal *Calibration, log *slog.Logger) (Detector, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Strategy)) {
	case "", StrategyEnergy:
		if cal == nil {
			return nil, fmt.Errorf("energy detector requires a calibration")
		}
		return NewEnergyDetector(cal), nil
	case StrategyWebRTC:
		return NewWebRTCDetector(cfg.Format, cfg.Aggressiveness, log)
	default:
		return nil, fmt.Errorf("unknown vad strategy %q", cfg.Strategy)
	}
}

package vad

import "github.com/danishberg/scraptraffic/pkg/frames"

// EnergyDetector marks a frame voiced when its RMS exceeds the calibrated
// threshold.
type EnergyDetector struct {
	cal *Calibration
}

func NewEnergyDetector(cal *Calibration) *EnergyDetector {
	return &EnergyDetector{cal: cal}
}

func (d *EnergyDetector) Name() string { return StrategyEnergy }

func (d *EnergyDetector) Classify(frame frames.AudioFrame) bool {
	return frame.RMS() > d.cal.Threshold()
}

// ComputeThreshold derives the decision threshold from an ambient RMS level.
func ComputeThreshold(ambientRMS, multiplier, offset float64) float64 {
	return ambientRMS*multiplier + offset
}

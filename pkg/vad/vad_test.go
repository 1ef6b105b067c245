package vad

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danishberg/scraptraffic/pkg/errorsx"
	"github.com/danishberg/scraptraffic/pkg/frames"
	"github.com/danishberg/scraptraffic/pkg/metrics"
)

func toneFrame(amp int16) frames.AudioFrame {
	samples := make([]int16, 320)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amp
		} else {
			samples[i] = -amp
		}
	}
	return frames.NewAudioFrame(1, time.Now(), frames.Bytes(samples), frames.SampleRate16k)
}

func TestEnergyDetectorUsesThreshold(t *testing.T) {
	cal := NewCalibration(0.01)
	d := NewEnergyDetector(cal)
	if d.Classify(toneFrame(100)) {
		t.Fatalf("quiet frame classified voiced")
	}
	if !d.Classify(toneFrame(3000)) {
		t.Fatalf("loud frame classified unvoiced")
	}
	cal.Store(0.5)
	if d.Classify(toneFrame(3000)) {
		t.Fatalf("expected raised threshold to reject frame")
	}
}

func TestWebRTCDetectorClassifiesFrames(t *testing.T) {
	d, err := NewWebRTCDetector(frames.DefaultFormat(), 3, nil)
	if err != nil {
		t.Fatalf("new webrtc detector: %v", err)
	}
	if d.Name() != StrategyWebRTC {
		t.Fatalf("expected webrtc detector, got %s", d.Name())
	}
	if d.Classify(toneFrame(0)) {
		t.Fatalf("silent frame classified voiced")
	}
	short := frames.NewAudioFrame(2, time.Now(), make([]byte, 100), frames.SampleRate16k)
	if d.Classify(short) {
		t.Fatalf("malformed frame classified voiced")
	}
	if d.Classify(frames.NewAudioFrame(3, time.Now(), nil, frames.SampleRate16k)) {
		t.Fatalf("empty frame classified voiced")
	}
}

func TestWebRTCDetectorRejectsUnsupportedFormat(t *testing.T) {
	if _, err := NewWebRTCDetector(frames.Format{SampleRate: frames.SampleRate16k, FrameDuration: 25 * time.Millisecond}, 2, nil); err == nil {
		t.Fatalf("expected 25ms frames rejected")
	}
	if _, err := NewWebRTCDetector(frames.DefaultFormat(), 4, nil); err == nil {
		t.Fatalf("expected aggressiveness 4 rejected")
	}
}

func TestComputeThreshold(t *testing.T) {
	got := ComputeThreshold(0.002, 4.0, 0.003)
	if math.Abs(got-0.011) > 1e-12 {
		t.Fatalf("expected 0.011, got %f", got)
	}
}

func TestNewSelectsStrategy(t *testing.T) {
	d, err := New(Config{Strategy: "Energy"}, NewCalibration(0.01), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if d.Name() != StrategyEnergy {
		t.Fatalf("expected energy detector, got %s", d.Name())
	}
	if _, err := New(Config{Strategy: "spectral"}, NewCalibration(0), nil); err == nil {
		t.Fatalf("expected unknown strategy error")
	}
	if _, err := New(Config{Strategy: StrategyEnergy}, nil, nil); err == nil {
		t.Fatalf("expected error without calibration")
	}
}

func TestCalibrationAtomicStore(t *testing.T) {
	cal := NewCalibration(0)
	if cal.Calibrated() {
		t.Fatalf("zero calibration reported calibrated")
	}
	cal.Store(0.02)
	if !cal.Calibrated() || cal.Threshold() != 0.02 {
		t.Fatalf("unexpected calibration %v", cal.Threshold())
	}
	if cal.UpdatedAt().IsZero() {
		t.Fatalf("expected update time")
	}
}

type fakeSampler struct {
	pcm   []byte
	err   error
	calls atomic.Int64
	asked atomic.Int64
}

func (f *fakeSampler) Sample(ctx context.Context, n int) ([]byte, error) {
	f.calls.Add(1)
	f.asked.Store(int64(n))
	return f.pcm, f.err
}

func TestCalibratorStoresThreshold(t *testing.T) {
	cal := NewCalibration(0)
	sampler := &fakeSampler{pcm: toneFrame(16384).RawPayload()}
	mem := metrics.NewMemoryObserver()
	c := NewCalibrator(CalibratorConfig{Format: frames.DefaultFormat(), Multiplier: 4, Offset: 0.003}, cal, sampler, nil, mem, nil)

	got, err := c.Calibrate(context.Background())
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	if math.Abs(got-2.003) > 1e-9 || cal.Threshold() != got {
		t.Fatalf("unexpected threshold %f", got)
	}
	if sampler.asked.Load() != 75 {
		t.Fatalf("expected 1.5s window = 75 frames, got %d", sampler.asked.Load())
	}
	if len(mem.Named(metrics.EventCalibration)) != 1 {
		t.Fatalf("expected calibration metric")
	}
}

func TestCalibratorKeepsThresholdOnFailure(t *testing.T) {
	cal := NewCalibration(0.02)
	sampler := &fakeSampler{err: errors.New("speech in window")}
	c := NewCalibrator(CalibratorConfig{Format: frames.DefaultFormat()}, cal, sampler, nil, nil, nil)
	_, err := c.Calibrate(context.Background())
	if !errorsx.HasReason(err, errorsx.ReasonCalibrate) {
		t.Fatalf("expected calibrate reason, got %v", err)
	}
	if cal.Threshold() != 0.02 {
		t.Fatalf("threshold changed on failure: %f", cal.Threshold())
	}
}

func TestCalibratorRunSkipsWhenBusy(t *testing.T) {
	cal := NewCalibration(0.02)
	sampler := &fakeSampler{pcm: make([]byte, 640)}
	var idle atomic.Bool
	c := NewCalibrator(CalibratorConfig{Format: frames.DefaultFormat(), Interval: 5 * time.Millisecond}, cal, sampler, idle.Load, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	if sampler.calls.Load() != 0 {
		t.Fatalf("recalibrated while busy")
	}
	idle.Store(true)
	deadline := time.Now().Add(time.Second)
	for sampler.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no recalibration once idle")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
}

func TestCalibratorRunSurvivesFailures(t *testing.T) {
	cal := NewCalibration(0.02)
	sampler := &fakeSampler{err: errors.New("device busy")}
	c := NewCalibrator(CalibratorConfig{Format: frames.DefaultFormat(), Interval: 2 * time.Millisecond}, cal, sampler, nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("run returned %v", err)
	}
	if sampler.calls.Load() < 2 {
		t.Fatalf("expected repeated attempts, got %d", sampler.calls.Load())
	}
	if cal.Threshold() != 0.02 {
		t.Fatalf("threshold changed")
	}
}

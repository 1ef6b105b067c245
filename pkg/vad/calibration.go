package vad

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/danishberg/scraptraffic/pkg/errorsx"
	"github.com/danishberg/scraptraffic/pkg/frames"
	"github.com/danishberg/scraptraffic/pkg/metrics"
)

// Calibration holds the energy threshold. One writer replaces it while the
// capture goroutine reads it on every frame.
type Calibration struct {
	bits    atomic.Uint64
	updated atomic.Int64
}

// NewCalibration starts with threshold v (0 means not calibrated yet).
func NewCalibration(v float64) *Calibration {
	c := &Calibration{}
	if v > 0 {
		c.Store(v)
	}
	return c
}

func (c *Calibration) Threshold() float64 {
	return math.Float64frombits(c.bits.Load())
}

func (c *Calibration) Store(v float64) {
	c.bits.Store(math.Float64bits(v))
	c.updated.Store(time.Now().UnixNano())
}

func (c *Calibration) Calibrated() bool { return c.updated.Load() != 0 }

func (c *Calibration) UpdatedAt() time.Time {
	ns := c.updated.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// AmbientSampler records n frames of ambient audio.
type AmbientSampler interface {
	Sample(ctx context.Context, n int) ([]byte, error)
}

type CalibratorConfig struct {
	Format     frames.Format
	Window     time.Duration
	Interval   time.Duration
	Multiplier float64
	Offset     float64
}

func (c CalibratorConfig) withDefaults() CalibratorConfig {
	if c.Window <= 0 {
		c.Window = 1500 * time.Millisecond
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 4.0
	}
	if c.Offset < 0 {
		c.Offset = 0
	}
	return c
}

// Calibrator refreshes a Calibration from ambient samples: once at startup
// and then on every Interval tick while Idle reports true.
type Calibrator struct {
	cfg     CalibratorConfig
	cal     *Calibration
	sampler AmbientSampler
	idle    func() bool
	obs     metrics.Observer
	log     *slog.Logger
}

func NewCalibrator(cfg CalibratorConfig, cal *Calibration, sampler AmbientSampler, idle func() bool, obs metrics.Observer, log *slog.Logger) *Calibrator {
	if log == nil {
		log = slog.Default()
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	if idle == nil {
		idle = func() bool { return true }
	}
	return &Calibrator{cfg: cfg.withDefaults(), cal: cal, sampler: sampler, idle: idle, obs: obs, log: log}
}

// Calibrate samples the ambient window and stores a new threshold. On error
// the previous threshold stays in place.
func (c *Calibrator) Calibrate(ctx context.Context) (float64, error) {
	n := c.cfg.Format.FramesFor(c.cfg.Window)
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Window+2*time.Second)
	defer cancel()

	pcm, err := c.sampler.Sample(ctx, n)
	if err != nil {
		return c.cal.Threshold(), errorsx.Wrap(err, errorsx.ReasonCalibrate)
	}
	ambient := frames.RMS(pcm)
	prev := c.cal.Threshold()
	next := ComputeThreshold(ambient, c.cfg.Multiplier, c.cfg.Offset)
	c.cal.Store(next)
	c.log.Info("calibrated", "ambient_rms", ambient, "threshold", next, "previous", prev)
	c.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventCalibration,
		Time:  time.Now(),
		Value: next,
		Fields: map[string]any{
			"ambient_rms": ambient,
			"previous":    prev,
		},
	})
	return next, nil
}

// Run recalibrates on every tick until ctx is done. Ticks that find the
// engine busy are skipped. Failures are logged and never returned.
func (c *Calibrator) Run(ctx context.Context) error {
	if c.cfg.Interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if !c.idle() {
			c.log.Debug("recalibration_skipped")
			continue
		}
		if _, err := c.Calibrate(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("recalibration_failed", "error", err, "threshold", c.cal.Threshold())
		}
	}
}

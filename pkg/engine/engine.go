// Package engine wires capture, endpointing, the turn coordinator and the
// conversational session into one running voice agent.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danishberg/scraptraffic/pkg/audio"
	"github.com/danishberg/scraptraffic/pkg/errorsx"
	"github.com/danishberg/scraptraffic/pkg/frames"
	"github.com/danishberg/scraptraffic/pkg/logging"
	"github.com/danishberg/scraptraffic/pkg/metrics"
	"github.com/danishberg/scraptraffic/pkg/resilience"
	"github.com/danishberg/scraptraffic/pkg/session"
	"github.com/danishberg/scraptraffic/pkg/turn"
	"github.com/danishberg/scraptraffic/pkg/vad"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// fallbackThreshold is used when the startup calibration cannot complete.
const fallbackThreshold = 0.02

// One vad_frame event per second at 20 ms frames.
const vadFrameSampleEvery = 50

var errQuit = errors.New("operator quit")

// Capture is a started microphone stream.
type Capture interface {
	Start() error
	Err() <-chan error
	Close() error
}

// CaptureOpener opens the input device and arranges for handler to be
// called once per frame.
type CaptureOpener func(format frames.Format, handler audio.FrameHandler) (Capture, error)

// Captioner transcribes committed utterances out of band.
type Captioner interface {
	Start(ctx context.Context) error
	Caption(pcm []byte) bool
	Close() error
}

// Console is the interactive operator surface. Run returning nil while the
// engine context is still live means the operator asked to quit.
type Console interface {
	Run(ctx context.Context) error
}

type Options struct {
	Config      Config
	Session     session.Session
	Sink        turn.Sink
	OpenCapture CaptureOpener
	Captions    Captioner
	Talk        turn.TalkControl
	Display     turn.Display
	Console     Console
	// Detector replaces the configured VAD strategy.
	Detector         vad.Detector
	Observer         metrics.Observer
	Logger           *slog.Logger
	SessionID        string
	OutputSampleRate int
}

// Status is a point-in-time view for the console.
type Status struct {
	State      turn.State
	Level      float64
	Threshold  float64
	Voiced     bool
	Talking    bool
	PushToTalk bool
	Frames     uint64
	Gated      uint64
	Completed  uint64
}

type Engine struct {
	cfg        Config
	opts       Options
	log        *slog.Logger
	obs        metrics.Observer
	frameObs   metrics.Observer
	sessionID  string
	session    session.Session
	sink       turn.Sink
	coord      *turn.Coordinator
	acc        *turn.Accumulator
	detector   vad.Detector
	cal        *vad.Calibration
	calibrator *vad.Calibrator
	tap        *audio.AmbientTap
	talk       turn.TalkControl
	captions   Captioner

	capMu   sync.Mutex
	capture Capture

	ready      atomic.Bool
	captionsOn atomic.Bool
	accActive  atomic.Bool
	voiced     atomic.Bool
	talking    atomic.Bool
	level      atomic.Uint64
	frames     atomic.Uint64
	gated      atomic.Uint64

	// owned by the capture goroutine
	held     bool
	gatedRun int

	drainOnce sync.Once
	drainErr  error
}

func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if opts.Session == nil {
		return nil, errors.New("engine: session is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("engine: sink is required")
	}
	if opts.OpenCapture == nil {
		return nil, errors.New("engine: capture opener is required")
	}
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	obs := opts.Observer
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	talk := opts.Talk
	if talk == nil || !cfg.Controls.PushToTalk {
		talk = turn.AlwaysTalk{}
	}
	outRate := opts.OutputSampleRate
	if outRate <= 0 {
		if r, ok := opts.Session.(interface{ OutputSampleRate() int }); ok {
			outRate = r.OutputSampleRate()
		} else {
			outRate = frames.SampleRate24k
		}
	}
	policy, err := turn.ParseReopenPolicy(cfg.Turn.ReopenPolicy)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
	}

	cal := vad.NewCalibration(cfg.VAD.InitialThreshold)
	detector := opts.Detector
	if detector == nil {
		detector, err = vad.New(vad.Config{
			Strategy:       cfg.VAD.Strategy,
			Aggressiveness: cfg.VAD.Aggressiveness,
			Format:         cfg.Format(),
		}, cal, logging.NewComponentLogger(base, "vad"))
		if err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
		}
	}
	acc, err := turn.NewAccumulator(cfg.AccumulatorConfig())
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
	}

	e := &Engine{
		cfg:       cfg,
		opts:      opts,
		log:       logging.NewComponentLogger(base, "engine").With("session_id", sessionID),
		obs:       obs,
		frameObs:  metrics.NewSamplingObserver(obs, vadFrameSampleEvery, metrics.EventVADFrame),
		sessionID: sessionID,
		session:   opts.Session,
		sink:      opts.Sink,
		acc:       acc,
		detector:  detector,
		cal:       cal,
		tap:       audio.NewAmbientTap(),
		talk:      talk,
		captions:  opts.Captions,
	}
	e.coord = turn.NewCoordinator(opts.Session, opts.Sink, turn.CoordinatorOptions{
		Policy:           policy,
		ResponseTimeout:  time.Duration(cfg.Turn.ResponseTimeoutMS) * time.Millisecond,
		EchoGuard:        time.Duration(cfg.Turn.EchoGuardMS) * time.Millisecond,
		OutputSampleRate: outRate,
		SessionID:        sessionID,
		Observer:         obs,
		Display:          opts.Display,
		Logger:           logging.NewComponentLogger(base, "coordinator").With("session_id", sessionID),
	})
	if detector.Name() == vad.StrategyEnergy {
		e.calibrator = vad.NewCalibrator(cfg.CalibratorConfig(), cal, e.tap, e.Idle, obs,
			logging.NewComponentLogger(base, "calibrator"))
	}
	return e, nil
}

func (e *Engine) SessionID() string                { return e.sessionID }
func (e *Engine) Coordinator() *turn.Coordinator   { return e.coord }
func (e *Engine) Calibration() *vad.Calibration    { return e.cal }
func (e *Engine) AddListener(l turn.StateListener) { e.coord.AddListener(l) }

// Idle reports that nobody is talking: the gate is open and no utterance is
// being accumulated. Recalibration only runs while idle.
func (e *Engine) Idle() bool {
	return e.ready.Load() && e.coord.Gate() && !e.accActive.Load()
}

func (e *Engine) Status() Status {
	return Status{
		State:      e.coord.State(),
		Level:      math.Float64frombits(e.level.Load()),
		Threshold:  e.cal.Threshold(),
		Voiced:     e.voiced.Load(),
		Talking:    e.talking.Load(),
		PushToTalk: e.cfg.Controls.PushToTalk,
		Frames:     e.frames.Load(),
		Gated:      e.gated.Load(),
		Completed:  e.coord.Completed(),
	}
}

// Run starts capture, calibrates, connects the session and serves turns
// until ctx is done, the operator quits, or a fatal error occurs. Resources
// are released before it returns.
func (e *Engine) Run(ctx context.Context) error {
	defer func() { _ = e.Drain() }()
	if err := e.start(ctx); err != nil {
		if ctx.Err() != nil {
			e.log.Info("engine_start_interrupted")
			return nil
		}
		e.log.Error("engine_start_failed", "error", err, "reason", errorsx.Reason(err))
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.coord.Run(gctx, e.cfg.Turn.Greeting) })
	g.Go(func() error { return e.coord.Dispatch(gctx, e.session.Events()) })
	if e.calibrator != nil {
		g.Go(func() error { return e.calibrator.Run(gctx) })
	}
	capture := e.currentCapture()
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-capture.Err():
			if err == nil {
				return nil
			}
			return errorsx.Wrap(err, errorsx.ReasonCaptureStream)
		}
	})
	if e.opts.Console != nil {
		g.Go(func() error {
			if err := e.opts.Console.Run(gctx); err != nil {
				return err
			}
			if gctx.Err() == nil {
				return errQuit
			}
			return nil
		})
	}

	err := g.Wait()
	switch {
	case errors.Is(err, errQuit):
		e.log.Info("operator_quit")
		return nil
	case err != nil:
		e.log.Error("engine_stopped", "error", err, "reason", errorsx.Reason(err))
		return err
	}
	e.log.Info("engine_stopped", "turns", e.coord.Completed())
	return nil
}

func (e *Engine) start(ctx context.Context) error {
	capture, err := e.opts.OpenCapture(e.cfg.Format(), e.HandleFrame)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonCaptureOpen)
	}
	e.capMu.Lock()
	e.capture = capture
	e.capMu.Unlock()
	if err := capture.Start(); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonCaptureOpen)
	}

	if e.calibrator != nil && !e.cal.Calibrated() {
		if _, err := e.calibrator.Calibrate(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.cal.Store(fallbackThreshold)
			e.log.Warn("calibration_failed", "error", err, "threshold", fallbackThreshold)
		}
	}

	if err := e.connect(ctx); err != nil {
		return err
	}

	if e.captions != nil {
		if err := e.captions.Start(ctx); err != nil {
			e.log.Warn("captions_unavailable", "error", err)
		} else {
			e.captionsOn.Store(true)
		}
	}

	if e.cfg.Turn.Greeting {
		e.coord.BeginGreeting()
	}
	e.ready.Store(true)
	e.log.Info("engine_ready",
		"session", e.session.Name(),
		"vad", e.detector.Name(),
		"threshold", e.cal.Threshold(),
		"push_to_talk", e.cfg.Controls.PushToTalk,
	)
	return nil
}

func (e *Engine) connect(ctx context.Context) error {
	policy := resilience.NewRetryPolicy(e.cfg.Session.ConnectAttempts,
		time.Duration(e.cfg.Session.ConnectBackoffMS)*time.Millisecond)
	policy.OnRetry = func(attempt int, err error) {
		e.log.Warn("session_connect_retry", "attempt", attempt, "attempts", policy.Attempts, "error", err)
	}
	err := policy.DoContext(ctx, func(ctx context.Context, attempt int) error {
		err := e.session.Connect(ctx)
		e.obs.RecordEvent(metrics.MetricsEvent{
			Name:   metrics.EventConnectAttempt,
			Time:   time.Now(),
			Value:  float64(attempt),
			Tags:   map[string]string{metrics.TagSessionID: e.sessionID, "provider": e.session.Name()},
			Fields: map[string]any{"ok": err == nil},
		})
		return err
	})
	if err != nil {
		_ = e.session.Close()
		return errorsx.Wrapf(errorsx.ReasonSessionConnect, "connect %s: %w", e.session.Name(), err)
	}
	e.log.Info("session_connected", "provider", e.session.Name())
	return nil
}

// HandleFrame is the capture callback. It runs on the capture goroutine and
// never blocks.
func (e *Engine) HandleFrame(frame frames.AudioFrame) {
	level := frame.RMS()
	e.level.Store(math.Float64bits(level))
	e.frames.Add(1)

	if !e.ready.Load() {
		e.tap.Offer(frame, false)
		return
	}
	if !e.coord.AcceptingAudio(frame.At()) {
		e.gated.Add(1)
		e.gatedRun++
		e.voiced.Store(false)
		e.tap.Offer(frame, true)
		return
	}
	if e.gatedRun > 0 {
		e.obs.RecordEvent(metrics.MetricsEvent{
			Name:  metrics.EventFramesGated,
			Time:  frame.At(),
			Value: float64(e.gatedRun),
			Tags:  map[string]string{metrics.TagSessionID: e.sessionID},
		})
		e.gatedRun = 0
	}

	held := e.talk.Held()
	e.talking.Store(held)
	if !held {
		if e.held {
			outcome, u := e.acc.Flush()
			e.handleOutcome(outcome, u, "talk released")
		}
		e.held = false
		e.voiced.Store(false)
		e.tap.Offer(frame, false)
		return
	}
	e.held = true

	voiced := e.detector.Classify(frame)
	e.voiced.Store(voiced)
	e.frameObs.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventVADFrame,
		Time:   frame.At(),
		Value:  level,
		Tags:   map[string]string{metrics.TagSessionID: e.sessionID},
		Fields: map[string]any{"threshold": e.cal.Threshold(), "voiced": voiced},
	})

	outcome, u := e.acc.OnFrame(frame, voiced)
	e.handleOutcome(outcome, u, "too short")
	e.tap.Offer(frame, e.acc.Active())
}

func (e *Engine) handleOutcome(outcome turn.FrameOutcome, u *turn.Utterance, discardReason string) {
	switch outcome {
	case turn.OutcomeStarted:
		e.accActive.Store(true)
		e.coord.NoteAccumulating()
		e.log.Debug("speech_started")
	case turn.OutcomeCommitted:
		e.accActive.Store(false)
		e.commit(u)
	case turn.OutcomeDiscarded:
		e.accActive.Store(false)
		e.coord.NoteListening(discardReason)
		e.log.Debug("utterance_discarded", "reason", discardReason)
		e.obs.RecordEvent(metrics.MetricsEvent{
			Name: metrics.EventUtteranceDiscarded,
			Time: time.Now(),
			Tags: map[string]string{metrics.TagSessionID: e.sessionID, metrics.TagReason: discardReason},
		})
	}
}

func (e *Engine) commit(u *turn.Utterance) {
	if u == nil {
		return
	}
	e.log.Info("utterance_committed", "turn_id", u.ID, "duration_ms", u.Duration.Milliseconds(), "frames", u.Frames)
	e.obs.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventUtteranceCommitted,
		Time:   time.Now(),
		Value:  u.Duration.Seconds(),
		Tags:   map[string]string{metrics.TagSessionID: e.sessionID, metrics.TagTurnID: u.ID},
		Fields: map[string]any{"frames": u.Frames, "bytes": len(u.Samples)},
	})
	if !e.coord.Submit(u) {
		e.log.Warn("utterance_dropped", "turn_id", u.ID)
		e.coord.NoteListening("dropped")
		return
	}
	if e.captionsOn.Load() && !e.captions.Caption(u.Samples) {
		e.log.Debug("caption_skipped", "turn_id", u.ID)
	}
}

func (e *Engine) currentCapture() Capture {
	e.capMu.Lock()
	defer e.capMu.Unlock()
	return e.capture
}

// Drain stops capture, silences and closes the player, and closes the
// captioner and the session. Safe to call more than once.
func (e *Engine) Drain() error {
	e.drainOnce.Do(func() {
		e.ready.Store(false)
		var errs []error
		if c := e.currentCapture(); c != nil {
			errs = append(errs, c.Close())
		}
		e.sink.Flush()
		errs = append(errs, e.sink.Close())
		if e.captions != nil {
			errs = append(errs, e.captions.Close())
		}
		errs = append(errs, e.session.Close())
		e.drainErr = errors.Join(errs...)
		e.log.Info("engine_drained", "turns", e.coord.Completed(), "frames", e.frames.Load(), "gated", e.gated.Load())
	})
	return e.drainErr
}

package turn

import (
	"fmt"
	"time"

	"github.com/danishberg/scraptraffic/pkg/frames"
	"github.com/google/uuid"
)

// AccumulatorState is the endpointing state.
type AccumulatorState int

const (
	AccumulatorIdle AccumulatorState = iota
	AccumulatorActive
)

func (s AccumulatorState) String() string {
	if s == AccumulatorActive {
		return "ACCUMULATING"
	}
	return "IDLE"
}

// FrameOutcome says what OnFrame did with a frame.
type FrameOutcome int

const (
	// OutcomeIdle: frame observed while idle, not buffered.
	OutcomeIdle FrameOutcome = iota
	// OutcomeStarted: this frame completed the speech-start run.
	OutcomeStarted
	// OutcomeAppended: frame added to the active utterance.
	OutcomeAppended
	// OutcomeCommitted: hangover elapsed, utterance returned.
	OutcomeCommitted
	// OutcomeDiscarded: hangover elapsed but the utterance was too short.
	OutcomeDiscarded
)

func (o FrameOutcome) String() string {
	switch o {
	case OutcomeIdle:
		return "idle"
	case OutcomeStarted:
		return "started"
	case OutcomeAppended:
		return "appended"
	case OutcomeCommitted:
		return "committed"
	case OutcomeDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Utterance is one completed stretch of user speech.
type Utterance struct {
	ID        string
	Samples   []byte
	StartedAt time.Time
	Frames    int
	Duration  time.Duration
}

type AccumulatorConfig struct {
	Format frames.Format
	// StartSpeech is the contiguous voice needed to open an utterance.
	StartSpeech time.Duration
	// EndSilence is the hangover: contiguous silence that closes it.
	EndSilence time.Duration
	// MinUtterance is the shortest utterance that is forwarded.
	MinUtterance time.Duration
	// ReplayOnset keeps the frames of the speech-start run in the utterance
	// so the first syllable is not clipped.
	ReplayOnset bool
}

// DefaultAccumulatorConfig is 200 ms to start, 2 s hangover, 600 ms minimum.
func DefaultAccumulatorConfig() AccumulatorConfig {
	return AccumulatorConfig{
		Format:       frames.DefaultFormat(),
		StartSpeech:  200 * time.Millisecond,
		EndSilence:   2000 * time.Millisecond,
		MinUtterance: 600 * time.Millisecond,
		ReplayOnset:  true,
	}
}

// Accumulator turns a stream of classified frames into utterances. It is
// not safe for concurrent use; the capture goroutine owns it.
type Accumulator struct {
	format       frames.Format
	startFrames  int
	endFrames    int
	minFrames    int
	minDuration  time.Duration
	replayOnset  bool
	state        AccumulatorState
	voiceRun     int
	silenceRun   int
	priming      [][]byte
	primingStart time.Time
	buf          []byte
	frames       int
	startedAt    time.Time
}

func NewAccumulator(cfg AccumulatorConfig) (*Accumulator, error) {
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	if cfg.StartSpeech <= 0 || cfg.EndSilence <= 0 {
		return nil, fmt.Errorf("start speech and end silence must be positive")
	}
	if cfg.MinUtterance < 0 {
		return nil, fmt.Errorf("min utterance must not be negative")
	}
	a := &Accumulator{
		format:      cfg.Format,
		startFrames: cfg.Format.FramesFor(cfg.StartSpeech),
		endFrames:   cfg.Format.FramesFor(cfg.EndSilence),
		minDuration: cfg.MinUtterance,
		replayOnset: cfg.ReplayOnset,
	}
	if cfg.MinUtterance > 0 {
		a.minFrames = cfg.Format.FramesFor(cfg.MinUtterance)
	}
	return a, nil
}

func (a *Accumulator) State() AccumulatorState { return a.state }

// Active reports whether an utterance is being accumulated.
func (a *Accumulator) Active() bool { return a.state == AccumulatorActive }

// StartFrames, EndFrames and MinFrames expose the configured thresholds in
// frames.
func (a *Accumulator) StartFrames() int { return a.startFrames }
func (a *Accumulator) EndFrames() int   { return a.endFrames }
func (a *Accumulator) MinFrames() int   { return a.minFrames }

// OnFrame advances the state machine by one classified frame. A non-nil
// utterance is returned only with OutcomeCommitted; ownership of its samples
// passes to the caller.
func (a *Accumulator) OnFrame(frame frames.AudioFrame, voiced bool) (FrameOutcome, *Utterance) {
	if voiced {
		a.voiceRun++
		a.silenceRun = 0
		if a.state == AccumulatorActive {
			a.append(frame.RawPayload())
			return OutcomeAppended, nil
		}
		if len(a.priming) == 0 {
			a.primingStart = frame.At()
		}
		a.priming = append(a.priming, frame.RawPayload())
		if len(a.priming) > a.startFrames {
			a.priming = a.priming[1:]
		}
		if a.voiceRun < a.startFrames {
			return OutcomeIdle, nil
		}
		a.begin(frame)
		return OutcomeStarted, nil
	}

	a.silenceRun++
	if a.state == AccumulatorIdle {
		a.voiceRun = 0
		a.priming = a.priming[:0]
		return OutcomeIdle, nil
	}
	if a.silenceRun < a.endFrames {
		a.append(frame.RawPayload())
		return OutcomeAppended, nil
	}
	return a.commit()
}

// Flush closes the active utterance now, as if the hangover had elapsed.
// It returns OutcomeIdle when nothing is being accumulated.
func (a *Accumulator) Flush() (FrameOutcome, *Utterance) {
	if a.state != AccumulatorActive {
		a.Reset()
		return OutcomeIdle, nil
	}
	return a.commit()
}

// Reset drops any partial utterance and returns to idle.
func (a *Accumulator) Reset() {
	a.state = AccumulatorIdle
	a.voiceRun = 0
	a.silenceRun = 0
	a.priming = a.priming[:0]
	a.buf = nil
	a.frames = 0
	a.startedAt = time.Time{}
}

func (a *Accumulator) begin(frame frames.AudioFrame) {
	a.state = AccumulatorActive
	a.buf = make([]byte, 0, a.format.FrameBytes()*(a.endFrames+a.startFrames+64))
	a.frames = 0
	if a.replayOnset {
		a.startedAt = a.primingStart
		for _, p := range a.priming {
			a.append(p)
		}
	} else {
		a.startedAt = frame.At()
		a.append(frame.RawPayload())
	}
	a.priming = a.priming[:0]
}

func (a *Accumulator) append(pcm []byte) {
	a.buf = append(a.buf, pcm...)
	a.frames++
}

func (a *Accumulator) commit() (FrameOutcome, *Utterance) {
	u := &Utterance{
		Samples:   a.buf,
		StartedAt: a.startedAt,
		Frames:    a.frames,
		Duration:  a.format.Duration(len(a.buf)),
	}
	a.buf = nil
	a.Reset()
	if u.Duration < a.minDuration {
		return OutcomeDiscarded, nil
	}
	u.ID = uuid.NewString()
	return OutcomeCommitted, u
}

package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/danishberg/scraptraffic/pkg/metrics"
)

// LatencyObserver follows each turn from start to completion and logs how
// long the user waited for the first audio.
type LatencyObserver struct {
	mu      sync.Mutex
	turns   map[string]*turnTrace
	summary LatencySummary
	log     *slog.Logger
}

type turnTrace struct {
	started    time.Time
	firstAudio time.Duration
	sessionID  string
}

// LatencySummary aggregates completed turns.
type LatencySummary struct {
	Turns           int
	AnsweredTurns   int
	TotalFirstAudio time.Duration
	MaxFirstAudio   time.Duration
}

// MeanFirstAudio is the average time to first audio over answered turns.
func (s LatencySummary) MeanFirstAudio() time.Duration {
	if s.AnsweredTurns == 0 {
		return 0
	}
	return s.TotalFirstAudio / time.Duration(s.AnsweredTurns)
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		turns: make(map[string]*turnTrace),
		log:   log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	turnID := ev.Tags[metrics.TagTurnID]
	if turnID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.turns[turnID]
	switch ev.Name {
	case metrics.EventTurnStarted:
		o.turns[turnID] = &turnTrace{started: ev.Time, firstAudio: -1, sessionID: ev.Tags[metrics.TagSessionID]}
	case metrics.EventTurnFirstAudio:
		if t != nil && t.firstAudio < 0 {
			t.firstAudio = time.Duration(ev.Value) * time.Millisecond
		}
	case metrics.EventTurnCompleted:
		if t == nil {
			return
		}
		delete(o.turns, turnID)
		total := ev.Time.Sub(t.started)
		o.summary.Turns++
		if t.firstAudio >= 0 {
			o.summary.AnsweredTurns++
			o.summary.TotalFirstAudio += t.firstAudio
			if t.firstAudio > o.summary.MaxFirstAudio {
				o.summary.MaxFirstAudio = t.firstAudio
			}
		}
		o.log.Info("turn_latency",
			"session_id", t.sessionID,
			"turn_id", turnID,
			"reason", ev.Tags[metrics.TagReason],
			"first_audio_ms", t.firstAudio.Milliseconds(),
			"total_ms", total.Milliseconds(),
		)
	}
}

func (o *LatencyObserver) Summary() LatencySummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.summary
}

var _ metrics.Observer = (*LatencyObserver)(nil)

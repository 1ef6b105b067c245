package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/danishberg/scraptraffic/pkg/metrics"
)

// UsageSummary is the billable audio of one session.
type UsageSummary struct {
	SessionID      string  `json:"session_id"`
	InputAudioSec  float64 `json:"input_audio_seconds"`
	OutputAudioSec float64 `json:"output_audio_seconds"`
	Turns          int     `json:"turns"`
	Committed      int     `json:"utterances_committed"`
	Discarded      int     `json:"utterances_discarded"`
	RecordedAtUTC  string  `json:"recorded_at_utc"`
}

// UsageObserver totals audio sent and received per session and writes a
// summary file per session on Close.
type UsageObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*UsageSummary
}

func NewUsageObserver(dir string) *UsageObserver {
	return &UsageObserver{dir: dir, stats: make(map[string]*UsageSummary)}
}

func (o *UsageObserver) RecordEvent(ev metrics.MetricsEvent) {
	id := ev.Tags[metrics.TagSessionID]
	if id == "" {
		return
	}
	switch ev.Name {
	case metrics.EventAudioIn, metrics.EventAudioOut, metrics.EventTurnCompleted,
		metrics.EventUtteranceCommitted, metrics.EventUtteranceDiscarded:
	default:
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	stat := o.stats[id]
	if stat == nil {
		stat = &UsageSummary{SessionID: id}
		o.stats[id] = stat
	}
	switch ev.Name {
	case metrics.EventAudioIn:
		stat.InputAudioSec += ev.Value
	case metrics.EventAudioOut:
		stat.OutputAudioSec += ev.Value
	case metrics.EventTurnCompleted:
		stat.Turns++
	case metrics.EventUtteranceCommitted:
		stat.Committed++
	case metrics.EventUtteranceDiscarded:
		stat.Discarded++
	}
}

// Summary returns a copy of the totals for a session.
func (o *UsageObserver) Summary(sessionID string) (UsageSummary, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	stat := o.stats[sessionID]
	if stat == nil {
		return UsageSummary{}, false
	}
	return *stat, true
}

func (o *UsageObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	var errOut error
	for id, stat := range o.stats {
		stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
		b, err := json.MarshalIndent(stat, "", "  ")
		if err != nil {
			errOut = errors.Join(errOut, err)
			continue
		}
		path := filepath.Join(o.dir, sanitizeID(id)+".usage.json")
		if err := os.WriteFile(path, b, 0o644); err != nil {
			errOut = errors.Join(errOut, err)
		}
	}
	return errOut
}

var _ metrics.Observer = (*UsageObserver)(nil)

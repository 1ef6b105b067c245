package observers

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/danishberg/scraptraffic/pkg/metrics"
	"github.com/danishberg/scraptraffic/pkg/redact"
)

// TimelineObserver appends every turn event of a session to
// <dir>/<session_id>.jsonl. Events inside a turn carry their offset from
// turn_started, which is what the thresholds get tuned against.
type TimelineObserver struct {
	dir string

	mu         sync.Mutex
	sinks      map[string]*timelineSink
	turnStarts map[string]time.Time
}

type timelineSink struct {
	f *os.File
	w *bufio.Writer
}

type timelineEvent struct {
	Time        time.Time         `json:"time"`
	Event       string            `json:"event"`
	SessionID   string            `json:"session_id"`
	TurnID      string            `json:"turn_id,omitempty"`
	SinceTurnMS *int64            `json:"since_turn_ms,omitempty"`
	Value       float64           `json:"value,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	Fields      map[string]any    `json:"fields,omitempty"`
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{
		dir:        strings.TrimSpace(dir),
		sinks:      make(map[string]*timelineSink),
		turnStarts: make(map[string]time.Time),
	}
}

// RecordEvent drops per-frame events and events without a session.
func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	sessionID := ev.Tags[metrics.TagSessionID]
	if o.dir == "" || sessionID == "" || ev.Name == metrics.EventVADFrame {
		return
	}
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	entry := timelineEvent{
		Time:      at.UTC(),
		Event:     ev.Name,
		SessionID: sessionID,
		TurnID:    ev.Tags[metrics.TagTurnID],
		Value:     ev.Value,
		Tags:      extraTags(ev.Tags),
		Fields:    redactFields(ev.Fields),
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if entry.TurnID != "" {
		switch ev.Name {
		case metrics.EventTurnStarted:
			o.turnStarts[entry.TurnID] = at
		default:
			if start, ok := o.turnStarts[entry.TurnID]; ok {
				ms := at.Sub(start).Milliseconds()
				entry.SinceTurnMS = &ms
			}
			if ev.Name == metrics.EventTurnCompleted {
				delete(o.turnStarts, entry.TurnID)
			}
		}
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if s := o.sinkLocked(sessionID); s != nil {
		_, _ = s.w.Write(append(line, '\n'))
	}
}

// Flush pushes buffered lines to disk.
func (o *TimelineObserver) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var errs []error
	for _, s := range o.sinks {
		errs = append(errs, s.w.Flush())
	}
	return errors.Join(errs...)
}

func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var errs []error
	for id, s := range o.sinks {
		errs = append(errs, s.w.Flush(), s.f.Close())
		delete(o.sinks, id)
	}
	return errors.Join(errs...)
}

func (o *TimelineObserver) sinkLocked(sessionID string) *timelineSink {
	name := sanitizeID(sessionID)
	if name == "" {
		return nil
	}
	if s, ok := o.sinks[name]; ok {
		return s
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(o.dir, name+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	s := &timelineSink{f: f, w: bufio.NewWriter(f)}
	o.sinks[name] = s
	return s
}

// sanitizeID keeps ASCII letters, digits, dot, dash and underscore so the id
// is safe as a file name.
func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	var b strings.Builder
	for _, r := range id {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.'
		if !ok {
			r = '_'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// extraTags returns the tags not already promoted to entry fields.
func extraTags(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if k != metrics.TagSessionID && k != metrics.TagTurnID {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// redactFields masks string values such as transcripts.
func redactFields(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			v = redact.Text(s)
		}
		out[k] = v
	}
	return out
}

var (
	_ metrics.Observer = (*TimelineObserver)(nil)
	_ metrics.Flusher  = (*TimelineObserver)(nil)
)

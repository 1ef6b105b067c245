package metrics

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// JSONLObserver writes one JSON object per event, for offline tuning of
// thresholds and turn latency.
type JSONLObserver struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

type jsonlLine struct {
	Name   string            `json:"name"`
	Time   time.Time         `json:"time"`
	Value  float64           `json:"value"`
	Tags   map[string]string `json:"tags,omitempty"`
	Fields map[string]any    `json:"fields,omitempty"`
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	return &JSONLObserver{w: w, enc: json.NewEncoder(w)}
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	_ = o.enc.Encode(jsonlLine{Name: ev.Name, Time: at.UTC(), Value: ev.Value, Tags: ev.Tags, Fields: ev.Fields})
}

// Flush syncs the underlying file, if it is one.
func (o *JSONLObserver) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.w.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}

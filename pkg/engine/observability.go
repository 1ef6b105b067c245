package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danishberg/scraptraffic/pkg/metrics"
	"github.com/danishberg/scraptraffic/pkg/observers"
	"github.com/danishberg/scraptraffic/pkg/redact"
)

// Observability is the metrics observer stack: logger and latency always,
// plus the JSONL metrics file and the per-session timeline and usage files
// when configured. Everything sits behind one AsyncObserver.
type Observability struct {
	Latency *observers.LatencyObserver
	Usage   *observers.UsageObserver

	async    *metrics.AsyncObserver
	timeline *observers.TimelineObserver
	file     *os.File
	log      *slog.Logger
}

func NewObservability(cfg ObservabilityConfig, log *slog.Logger) (*Observability, error) {
	if log == nil {
		log = slog.Default()
	}
	redact.SetEnabled(cfg.RedactPII)

	o := &Observability{
		Latency: observers.NewLatencyObserver(log),
		log:     log,
	}
	list := []metrics.Observer{o.Latency, observers.NewLoggerObserver(log)}

	if path := strings.TrimSpace(cfg.MetricsJSONL); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("metrics dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("metrics file: %w", err)
		}
		o.file = f
		list = append(list, metrics.NewJSONLObserver(f))
	}

	if dir := strings.TrimSpace(cfg.TimelineDir); dir != "" {
		retention, _ := time.ParseDuration(strings.TrimSpace(cfg.TimelineRetention))
		if retention > 0 {
			if n, err := observers.PurgeArtifacts(dir, retention); err != nil {
				log.Warn("artifact_purge_failed", "dir", dir, "error", err)
			} else if n > 0 {
				log.Info("artifacts_purged", "dir", dir, "removed", n)
			}
		}
		o.timeline = observers.NewTimelineObserver(dir)
		o.Usage = observers.NewUsageObserver(dir)
		list = append(list, o.timeline, o.Usage)
	}

	o.async = metrics.NewAsyncObserver(observers.NewMultiObserver(list...), 2048)
	return o, nil
}

func (o *Observability) Observer() metrics.Observer { return o.async }

// Close flushes queued events and closes the files.
func (o *Observability) Close(timeout time.Duration) error {
	o.async.Close(timeout)
	if n := o.async.Dropped(); n > 0 {
		o.log.Warn("metrics_dropped", "count", n)
	}
	sum := o.Latency.Summary()
	o.log.Info("latency_summary",
		"turns", sum.Turns,
		"answered", sum.AnsweredTurns,
		"mean_first_audio_ms", sum.MeanFirstAudio().Milliseconds(),
		"max_first_audio_ms", sum.MaxFirstAudio.Milliseconds(),
	)
	var errs []error
	if o.timeline != nil {
		errs = append(errs, o.timeline.Close())
	}
	if o.Usage != nil {
		errs = append(errs, o.Usage.Close())
	}
	if o.file != nil {
		errs = append(errs, o.file.Close())
	}
	return errors.Join(errs...)
}

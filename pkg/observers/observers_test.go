package observers

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danishberg/scraptraffic/pkg/metrics"
	"github.com/danishberg/scraptraffic/pkg/redact"
)

func turnEvent(name, turnID string, at time.Time, value float64) metrics.MetricsEvent {
	return metrics.MetricsEvent{
		Name:  name,
		Time:  at,
		Value: value,
		Tags:  map[string]string{metrics.TagSessionID: "s1", metrics.TagTurnID: turnID, metrics.TagReason: "response_done"},
	}
}

func TestTimelineObserverWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	obs.RecordEvent(turnEvent(metrics.EventTurnStarted, "t1", time.Now(), 1))
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventVADFrame, Time: time.Now(), Tags: map[string]string{metrics.TagSessionID: "s1"}})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventTurnStarted, Time: time.Now()})
	_ = obs.Close()

	b, err := os.ReadFile(filepath.Join(dir, "s1.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d", len(lines))
	}
	var entry timelineEvent
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.Event != metrics.EventTurnStarted || entry.TurnID != "t1" || entry.Tags[metrics.TagReason] != "response_done" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if _, ok := entry.Tags[metrics.TagSessionID]; ok {
		t.Fatalf("expected session id promoted out of tags")
	}
}

func TestTimelineObserverRedactsText(t *testing.T) {
	redact.SetEnabled(true)
	defer redact.SetEnabled(false)
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	obs.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventTranscript,
		Time:   time.Now(),
		Tags:   map[string]string{metrics.TagSessionID: "s/1"},
		Fields: map[string]any{"text": "call me at +7 912 345 67 89"},
	})
	_ = obs.Close()
	b, err := os.ReadFile(filepath.Join(dir, "s_1.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if strings.Contains(string(b), "345") {
		t.Fatalf("expected phone number redacted: %s", b)
	}
}

func TestLatencyObserverSummary(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLatencyObserver(slog.New(slog.NewJSONHandler(&buf, nil)))
	start := time.Now()
	obs.RecordEvent(turnEvent(metrics.EventTurnStarted, "t1", start, 1))
	obs.RecordEvent(turnEvent(metrics.EventTurnFirstAudio, "t1", start.Add(700*time.Millisecond), 700))
	obs.RecordEvent(turnEvent(metrics.EventTurnFirstAudio, "t1", start.Add(900*time.Millisecond), 900))
	obs.RecordEvent(turnEvent(metrics.EventTurnCompleted, "t1", start.Add(3*time.Second), 3000))

	obs.RecordEvent(turnEvent(metrics.EventTurnStarted, "t2", start, 1))
	obs.RecordEvent(turnEvent(metrics.EventTurnCompleted, "t2", start.Add(time.Second), 1000))
	obs.RecordEvent(turnEvent(metrics.EventTurnCompleted, "unknown", start, 0))

	sum := obs.Summary()
	if sum.Turns != 2 || sum.AnsweredTurns != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if sum.MeanFirstAudio() != 700*time.Millisecond || sum.MaxFirstAudio != 700*time.Millisecond {
		t.Fatalf("unexpected first audio stats %+v", sum)
	}
	if !strings.Contains(buf.String(), `"turn_latency"`) || !strings.Contains(buf.String(), `"total_ms":3000`) {
		t.Fatalf("expected latency log line, got %s", buf.String())
	}
}

func TestUsageObserverTotalsAndWrites(t *testing.T) {
	dir := t.TempDir()
	obs := NewUsageObserver(dir)
	obs.RecordEvent(turnEvent(metrics.EventAudioIn, "t1", time.Now(), 1.5))
	obs.RecordEvent(turnEvent(metrics.EventAudioOut, "t1", time.Now(), 4))
	obs.RecordEvent(turnEvent(metrics.EventTurnCompleted, "t1", time.Now(), 10))
	obs.RecordEvent(turnEvent(metrics.EventTurnStarted, "t2", time.Now(), 1))
	obs.RecordEvent(turnEvent(metrics.EventUtteranceCommitted, "t2", time.Now(), 1))
	obs.RecordEvent(turnEvent(metrics.EventUtteranceDiscarded, "", time.Now(), 0.1))

	sum, ok := obs.Summary("s1")
	if !ok || sum.InputAudioSec != 1.5 || sum.OutputAudioSec != 4 || sum.Turns != 1 || sum.Committed != 1 || sum.Discarded != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "s1.usage.json"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var onDisk UsageSummary
	if err := json.Unmarshal(b, &onDisk); err != nil || onDisk.Turns != 1 {
		t.Fatalf("unexpected file %s (%v)", b, err)
	}
}

func TestPurgeArtifactsRemovesOnlyOldArtifacts(t *testing.T) {
	dir := t.TempDir()
	past := time.Now().Add(-48 * time.Hour)
	files := map[string]bool{
		"old.jsonl":      true,
		"old.usage.json": true,
		"new.jsonl":      false,
		"notes.txt":      false,
	}
	for name, old := range files {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("{}\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if name == "notes.txt" || old {
			if err := os.Chtimes(p, past, past); err != nil {
				t.Fatalf("chtimes: %v", err)
			}
		}
	}
	removed, err := PurgeArtifacts(dir, 24*time.Hour)
	if err != nil || removed != 2 {
		t.Fatalf("expected two removals, got %d (%v)", removed, err)
	}
	for name, old := range files {
		_, err := os.Stat(filepath.Join(dir, name))
		if old && err == nil {
			t.Fatalf("expected %s removed", name)
		}
		if !old && err != nil {
			t.Fatalf("expected %s kept: %v", name, err)
		}
	}
}

func TestPurgeArtifactsMissingDir(t *testing.T) {
	if n, err := PurgeArtifacts(filepath.Join(t.TempDir(), "absent"), time.Hour); n != 0 || err != nil {
		t.Fatalf("expected no-op for missing dir, got %d (%v)", n, err)
	}
	if n, err := PurgeArtifacts("", time.Hour); n != 0 || err != nil {
		t.Fatalf("expected no-op for empty dir")
	}
}

func TestMultiObserverFansOutAndFlushes(t *testing.T) {
	a, b := metrics.NewMemoryObserver(), metrics.NewMemoryObserver()
	var buf bytes.Buffer
	jsonl := metrics.NewJSONLObserver(&buf)
	m := NewMultiObserver(a, nil, b, jsonl)
	m.RecordEvent(metrics.MetricsEvent{Name: metrics.EventCalibration, Value: 0.03})
	if len(a.Named(metrics.EventCalibration)) != 1 || len(b.Named(metrics.EventCalibration)) != 1 {
		t.Fatalf("expected both observers to receive the event")
	}
	if err := m.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if !strings.Contains(buf.String(), `"name":"calibration"`) {
		t.Fatalf("expected flushed jsonl line, got %q", buf.String())
	}
}

func TestLoggerObserverLevels(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLoggerObserver(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventVADFrame, Value: 0.1})
	obs.RecordEvent(turnEvent(metrics.EventTurnCompleted, "t9", time.Now(), 1))
	out := buf.String()
	if strings.Contains(out, metrics.EventVADFrame) {
		t.Fatalf("expected vad frames at debug only: %s", out)
	}
	if !strings.Contains(out, `"msg":"turn_completed"`) || !strings.Contains(out, `"turn_id":"t9"`) {
		t.Fatalf("unexpected log output: %s", out)
	}
}

func TestTimelineObserverTurnOffsets(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	start := time.Unix(1700000000, 0)
	obs.RecordEvent(turnEvent(metrics.EventTurnStarted, "t2", start, 1))
	obs.RecordEvent(turnEvent(metrics.EventTurnFirstAudio, "t2", start.Add(300*time.Millisecond), 1))
	if err := obs.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "s1.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two lines, got %d", len(lines))
	}
	var first, second timelineEvent
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.SinceTurnMS != nil {
		t.Fatalf("expected no offset on turn_started")
	}
	if second.SinceTurnMS == nil || *second.SinceTurnMS != 300 {
		t.Fatalf("expected 300ms offset, got %v", second.SinceTurnMS)
	}
	_ = obs.Close()
}

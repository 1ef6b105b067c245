package metrics

import "time"

// Event names emitted by the engine.
const (
	EventCalibration        = "calibration"
	EventVADFrame           = "vad_frame"
	EventUtteranceCommitted = "utterance_committed"
	EventUtteranceDiscarded = "utterance_discarded"
	EventTurnStarted        = "turn_started"
	EventTurnFirstAudio     = "turn_first_audio"
	EventTurnCompleted      = "turn_completed"
	EventAudioIn            = "audio_in"
	EventAudioOut           = "audio_out"
	EventTranscript         = "transcript"
	EventConnectAttempt     = "session_connect_attempt"
	EventFramesGated        = "frames_gated"
	EventCaption            = "caption"
)

// Tag keys.
const (
	TagSessionID = "session_id"
	TagTurnID    = "turn_id"
	TagReason    = "reason"
	TagRole      = "role"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

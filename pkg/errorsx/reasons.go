package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonConfigInvalid ReasonCode = "config_invalid"

	ReasonCaptureOpen   ReasonCode = "capture_open"
	ReasonCaptureStream ReasonCode = "capture_stream"
	ReasonPlaybackOpen  ReasonCode = "playback_open"
	ReasonPlaybackWrite ReasonCode = "playback_write"
	ReasonCalibrate     ReasonCode = "calibrate"

	ReasonSessionConnect ReasonCode = "session_connect"
	ReasonSessionSend    ReasonCode = "session_send"
	ReasonSessionClosed  ReasonCode = "session_closed"
	ReasonResponseCreate ReasonCode = "response_create"

	ReasonCaptionsConnect ReasonCode = "captions_connect"
)

// Fatal reports whether an error with this reason should stop the engine.
func (r ReasonCode) Fatal() bool {
	switch r {
	case ReasonConfigInvalid, ReasonCaptureOpen, ReasonCaptureStream, ReasonPlaybackOpen, ReasonSessionConnect:
		return true
	default:
		return false
	}
}

package openai

import "fmt"

// Client event types.
const (
	typeSessionUpdate     = "session.update"
	typeAudioAppend       = "input_audio_buffer.append"
	typeAudioCommit       = "input_audio_buffer.commit"
	typeResponseCreate    = "response.create"
	typeResponseCancel    = "response.cancel"
	codeActiveResponse    = "conversation_already_has_active_response"
	defaultTranscribeWith = "whisper-1"
)

// Server event types.
const (
	typeSessionCreated     = "session.created"
	typeResponseCreated    = "response.created"
	typeAudioDelta         = "response.audio.delta"
	typeAudioDone          = "response.audio.done"
	typeTranscriptDelta    = "response.audio_transcript.delta"
	typeTextDelta          = "response.text.delta"
	typeInputTranscription = "conversation.item.input_audio_transcription.completed"
	typeResponseDone       = "response.done"
	typeInterrupted        = "response.interrupted"
	typeError              = "error"
)

type clientEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

type sessionUpdateEvent struct {
	Type    string        `json:"type"`
	EventID string        `json:"event_id,omitempty"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
	// Always null: turns are committed by the client.
	TurnDetection *struct{} `json:"turn_detection"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type audioAppendEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
	Audio   string `json:"audio"`
}

type serverEvent struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id"`
	ResponseID string          `json:"response_id"`
	Delta      string          `json:"delta"`
	Transcript string          `json:"transcript"`
	Response   *serverResponse `json:"response"`
	Error      *serverError    `json:"error"`
}

type serverResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// responseID returns the id carried either at the top level or in the
// embedded response object.
func (e serverEvent) responseID() string {
	if e.ResponseID != "" {
		return e.ResponseID
	}
	if e.Response != nil {
		return e.Response.ID
	}
	return ""
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	EventID string `json:"event_id"`
}

// APIError is an error event reported by the realtime service.
type APIError struct {
	Type    string
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("openai realtime: %s (%s)", e.Message, e.Code)
	}
	return "openai realtime: " + e.Message
}

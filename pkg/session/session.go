// Package session defines the contract between the turn engine and a remote
// conversational speech service.
package session

import (
	"context"
	"errors"
	"time"
)

// Session is a connection to the conversational backend. Events are
// delivered on the channel returned by Events, which is closed once the
// session is closed or its connection is lost.
type Session interface {
	Name() string
	Connect(ctx context.Context) error
	// SendUtterance streams one completed utterance of capture-format PCM16.
	SendUtterance(ctx context.Context, pcm []byte) error
	// RequestResponse asks the backend to answer what it has received.
	RequestResponse(ctx context.Context) error
	Events() <-chan Event
	Close() error
}

var ErrNotConnected = errors.New("session not connected")

type EventKind int

const (
	EventAudioChunk EventKind = iota
	EventAudioDone
	EventResponseDone
	EventInterrupted
	EventTextDelta
	EventTranscript
	EventError
	// EventResponseCreated announces the id of the response the backend is
	// about to stream.
	EventResponseCreated
)

func (k EventKind) String() string {
	switch k {
	case EventAudioChunk:
		return "audio_chunk"
	case EventAudioDone:
		return "audio_done"
	case EventResponseDone:
		return "response_done"
	case EventInterrupted:
		return "interrupted"
	case EventTextDelta:
		return "text_delta"
	case EventTranscript:
		return "transcript"
	case EventError:
		return "error"
	case EventResponseCreated:
		return "response_created"
	default:
		return "unknown"
	}
}

// Event is one asynchronous notification from the backend. ResponseID is
// set when the backend identifies responses; it lets the engine ignore
// events for turns it already closed.
type Event struct {
	Kind       EventKind
	ResponseID string
	Audio      []byte
	Text       string
	Err        error
	// Terminal marks an error that ends the current response.
	Terminal bool
	At       time.Time
}

// IsTerminal reports whether the event ends a response cycle on its own.
func (e Event) IsTerminal() bool {
	switch e.Kind {
	case EventInterrupted:
		return true
	case EventError:
		return e.Terminal
	default:
		return false
	}
}

// ResponseCreated should precede the other events of a response when the
// backend tags responses with ids.
func ResponseCreated(responseID string) Event {
	return Event{Kind: EventResponseCreated, ResponseID: responseID, At: time.Now()}
}

func AudioChunk(responseID string, pcm []byte) Event {
	return Event{Kind: EventAudioChunk, ResponseID: responseID, Audio: pcm, At: time.Now()}
}

func AudioDone(responseID string) Event {
	return Event{Kind: EventAudioDone, ResponseID: responseID, At: time.Now()}
}

func ResponseDone(responseID string) Event {
	return Event{Kind: EventResponseDone, ResponseID: responseID, At: time.Now()}
}

func Interrupted(responseID string) Event {
	return Event{Kind: EventInterrupted, ResponseID: responseID, At: time.Now()}
}

func TextDelta(responseID, text string) Event {
	return Event{Kind: EventTextDelta, ResponseID: responseID, Text: text, At: time.Now()}
}

func Transcript(text string) Event {
	return Event{Kind: EventTranscript, Text: text, At: time.Now()}
}

func Failure(responseID string, err error, terminal bool) Event {
	return Event{Kind: EventError, ResponseID: responseID, Err: err, Terminal: terminal, At: time.Now()}
}

// Package openai implements the conversational session over the OpenAI
// Realtime websocket API with client-side turn detection.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/danishberg/scraptraffic/pkg/configutil"
	"github.com/danishberg/scraptraffic/pkg/errorsx"
	"github.com/danishberg/scraptraffic/pkg/frames"
	"github.com/danishberg/scraptraffic/pkg/logging"
	"github.com/danishberg/scraptraffic/pkg/resilience"
	"github.com/danishberg/scraptraffic/pkg/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-realtime-preview"
	BetaHeader   = "realtime=v1"

	maxMessageSize = 16 * 1024 * 1024
	closeGrace     = 2 * time.Second
)

type Config struct {
	APIKey           string
	Model            string
	URL              string
	Voice            string
	Instructions     string
	InputSampleRate  int
	OutputSampleRate int
	TranscribeInput  bool
	ConnectTimeout   time.Duration
	WriteTimeout     time.Duration
	AppendChunk      time.Duration
	Heartbeat        time.Duration
	Logger           *slog.Logger
}

// Settings is the provider settings map as written in the config file.
type Settings struct {
	APIKey           string `mapstructure:"api_key"`
	Model            string `mapstructure:"model"`
	URL              string `mapstructure:"url"`
	Voice            string `mapstructure:"voice"`
	Instructions     string `mapstructure:"instructions"`
	InputSampleRate  int    `mapstructure:"input_sample_rate"`
	OutputSampleRate int    `mapstructure:"output_sample_rate"`
	TranscribeInput  *bool  `mapstructure:"transcribe_input"`
	ConnectTimeoutMS int    `mapstructure:"connect_timeout_ms"`
	WriteTimeoutMS   int    `mapstructure:"write_timeout_ms"`
	AppendChunkMS    int    `mapstructure:"append_chunk_ms"`
	HeartbeatMS      int    `mapstructure:"heartbeat_ms"`
}

var SettingsSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{
		"model", "url", "voice", "instructions", "input_sample_rate", "output_sample_rate",
		"transcribe_input", "connect_timeout_ms", "write_timeout_ms", "append_chunk_ms", "heartbeat_ms",
	},
}

// ConfigFromSettings decodes, validates and defaults a settings map.
func ConfigFromSettings(raw map[string]any) (Config, error) {
	if err := configutil.ValidateSettings(raw, SettingsSchema); err != nil {
		return Config{}, fmt.Errorf("openai settings: %w", err)
	}
	var s Settings
	if err := configutil.DecodeSettings(raw, &s); err != nil {
		return Config{}, fmt.Errorf("openai settings: %w", err)
	}
	if err := configutil.RequireString(s.APIKey, "session.settings.api_key"); err != nil {
		return Config{}, err
	}
	return Config{
		APIKey:           s.APIKey,
		Model:            s.Model,
		URL:              s.URL,
		Voice:            s.Voice,
		Instructions:     s.Instructions,
		InputSampleRate:  s.InputSampleRate,
		OutputSampleRate: s.OutputSampleRate,
		TranscribeInput:  configutil.BoolValue(s.TranscribeInput, true),
		ConnectTimeout:   configutil.Millis(s.ConnectTimeoutMS, 0),
		WriteTimeout:     configutil.Millis(s.WriteTimeoutMS, 0),
		AppendChunk:      configutil.Millis(s.AppendChunkMS, 0),
		Heartbeat:        configutil.Millis(s.HeartbeatMS, 0),
	}.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	c.Model = configutil.StringValue(c.Model, DefaultModel)
	c.URL = configutil.StringValue(c.URL, DefaultURL)
	c.Voice = configutil.StringValue(c.Voice, "alloy")
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = frames.SampleRate16k
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = frames.SampleRate24k
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.AppendChunk <= 0 {
		c.AppendChunk = 500 * time.Millisecond
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 20 * time.Second
	}
	return c
}

// Session is a realtime conversation. Responses are created explicitly by
// RequestResponse; server-side turn detection is disabled.
type Session struct {
	cfg Config
	log *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu            sync.Mutex
	closed        bool
	activeID      string
	responding    bool
	pendingCreate string
	createRetried bool

	events     chan session.Event
	done       chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
	eventsOnce sync.Once
}

func New(cfg Config) *Session {
	cfg = cfg.withDefaults()
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	return &Session{
		cfg:    cfg,
		log:    logging.NewComponentLogger(base, "session.openai"),
		events: make(chan session.Event, 256),
		done:   make(chan struct{}),
	}
}

func (s *Session) Name() string { return "openai_realtime" }

// OutputSampleRate is the rate of PCM16 carried by audio chunk events.
func (s *Session) OutputSampleRate() int { return s.cfg.OutputSampleRate }

func (s *Session) Events() <-chan session.Event { return s.events }

func (s *Session) endpoint() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", s.cfg.Model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the service, waits for session.created and configures the
// session. Authentication failures are permanent.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return session.ErrNotConnected
	}
	s.writeMu.Lock()
	connected := s.conn != nil
	s.writeMu.Unlock()
	if connected {
		return nil
	}

	endpoint, err := s.endpoint()
	if err != nil {
		return resilience.Permanent(fmt.Errorf("openai realtime url: %w", err))
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+s.cfg.APIKey)
	headers.Set("OpenAI-Beta", BetaHeader)
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.ConnectTimeout}

	s.log.Info("session_connecting", "model", s.cfg.Model)
	conn, resp, err := dialer.DialContext(ctx, endpoint, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return resilience.Permanent(fmt.Errorf("openai realtime handshake: %s: %w", resp.Status, err))
		}
		return fmt.Errorf("openai realtime dial: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	if err := s.awaitCreated(conn); err != nil {
		_ = conn.Close()
		return err
	}

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()

	if err := s.send(s.sessionUpdate()); err != nil {
		s.writeMu.Lock()
		s.conn = nil
		s.writeMu.Unlock()
		_ = conn.Close()
		return err
	}

	s.wg.Add(2)
	go s.readLoop(conn)
	go s.heartbeat()
	s.log.Info("session_connected", "model", s.cfg.Model, "voice", s.cfg.Voice)
	return nil
}

func (s *Session) awaitCreated(conn *websocket.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ConnectTimeout)); err != nil {
		return err
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("openai realtime: waiting for session.created: %w", err)
		}
		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case typeSessionCreated:
			return conn.SetReadDeadline(time.Time{})
		case typeError:
			return apiError(ev.Error)
		}
	}
}

func (s *Session) sessionUpdate() sessionUpdateEvent {
	cfg := sessionConfig{
		Modalities:        []string{"text", "audio"},
		Voice:             s.cfg.Voice,
		Instructions:      s.cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if s.cfg.TranscribeInput {
		cfg.InputAudioTranscription = &transcriptionConfig{Model: defaultTranscribeWith}
	}
	return sessionUpdateEvent{Type: typeSessionUpdate, EventID: uuid.NewString(), Session: cfg}
}

// SendUtterance resamples capture audio to the service rate and appends it
// to the input buffer in chunks, then commits the buffer.
func (s *Session) SendUtterance(ctx context.Context, pcm []byte) error {
	data := frames.Resample(pcm, s.cfg.InputSampleRate, s.cfg.OutputSampleRate)
	chunk := frames.BytesPerSample * int(int64(s.cfg.OutputSampleRate)*int64(s.cfg.AppendChunk)/int64(time.Second))
	if chunk <= 0 {
		chunk = len(data)
	}
	for off := 0; off < len(data); off += chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		if err := s.send(audioAppendEvent{Type: typeAudioAppend, Audio: base64.StdEncoding.EncodeToString(data[off:end])}); err != nil {
			return err
		}
	}
	return s.send(clientEvent{Type: typeAudioCommit, EventID: uuid.NewString()})
}

// RequestResponse cancels a response still in progress, then creates a new
// one. A create rejected because a response is active is retried once.
func (s *Session) RequestResponse(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	responding := s.responding
	s.createRetried = false
	s.mu.Unlock()
	if responding {
		s.log.Debug("response_cancel_before_create")
		if err := s.send(clientEvent{Type: typeResponseCancel, EventID: uuid.NewString()}); err != nil {
			return err
		}
	}
	return s.createResponse()
}

func (s *Session) createResponse() error {
	id := uuid.NewString()
	s.mu.Lock()
	s.pendingCreate = id
	s.mu.Unlock()
	if err := s.send(clientEvent{Type: typeResponseCreate, EventID: id}); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonResponseCreate)
	}
	return nil
}

func (s *Session) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return session.ErrNotConnected
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSessionSend)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSessionSend)
	}
	return nil
}

func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	defer s.closeEvents()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			s.log.Error("session_read_failed", "error", err)
			s.emit(session.Failure("", errorsx.Wrap(err, errorsx.ReasonSessionClosed), true))
			return
		}
		s.handle(data)
	}
}

func (s *Session) handle(data []byte) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.log.Warn("session_event_invalid", "error", err)
		return
	}
	switch ev.Type {
	case typeResponseCreated:
		s.mu.Lock()
		s.responding = true
		s.activeID = ev.responseID()
		s.pendingCreate = ""
		s.mu.Unlock()
		s.log.Debug("response_created", "response_id", ev.responseID())
		s.emit(session.ResponseCreated(ev.responseID()))
	case typeAudioDelta:
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			s.log.Warn("audio_delta_invalid", "error", err)
			return
		}
		s.emit(session.AudioChunk(ev.responseID(), pcm))
	case typeAudioDone:
		s.emit(session.AudioDone(ev.responseID()))
	case typeTranscriptDelta, typeTextDelta:
		s.emit(session.TextDelta(ev.responseID(), ev.Delta))
	case typeInputTranscription:
		s.emit(session.Transcript(ev.Transcript))
	case typeResponseDone:
		id := ev.responseID()
		s.mu.Lock()
		if s.activeID == id || id == "" {
			s.responding = false
			s.activeID = ""
		}
		s.mu.Unlock()
		if ev.Response != nil {
			s.log.Debug("response_done", "response_id", id, "status", ev.Response.Status)
		}
		s.emit(session.ResponseDone(id))
	case typeInterrupted:
		s.mu.Lock()
		s.responding = false
		s.activeID = ""
		s.mu.Unlock()
		s.emit(session.Interrupted(ev.responseID()))
	case typeError:
		s.handleError(ev.Error)
	default:
		s.log.Debug("session_event", "type", ev.Type)
	}
}

func (s *Session) handleError(e *serverError) {
	err := apiError(e)
	code, eventID := "", ""
	if e != nil {
		code, eventID = e.Code, e.EventID
	}

	s.mu.Lock()
	pending := s.pendingCreate
	retry := code == codeActiveResponse && pending != "" && !s.createRetried
	if retry {
		s.createRetried = true
	}
	terminal := pending != "" && !retry && (eventID == "" || eventID == pending)
	if terminal {
		s.pendingCreate = ""
	}
	s.mu.Unlock()

	if retry {
		s.log.Warn("response_create_conflict", "action", "cancel_and_retry")
		if err := s.send(clientEvent{Type: typeResponseCancel, EventID: uuid.NewString()}); err != nil {
			s.emit(session.Failure("", err, true))
			return
		}
		if err := s.createResponse(); err != nil {
			s.emit(session.Failure("", err, true))
		}
		return
	}
	s.log.Warn("session_error", "code", code, "error", err, "terminal", terminal)
	s.emit(session.Failure("", err, terminal))
}

func apiError(e *serverError) error {
	if e == nil {
		return &APIError{Message: "unknown error"}
	}
	return &APIError{Type: e.Type, Code: e.Code, Message: e.Message}
}

func (s *Session) emit(ev session.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) heartbeat() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			var err error
			if s.conn != nil {
				err = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
			}
			s.writeMu.Unlock()
			if err != nil {
				s.log.Warn("session_ping_failed", "error", err)
				return
			}
		}
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) closeEvents() {
	s.eventsOnce.Do(func() { close(s.events) })
}

// Close sends a normal closure, closes the connection and waits for the
// read loop. The events channel is closed afterwards.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)

		s.writeMu.Lock()
		if s.conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
			err = s.conn.Close()
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
		}
		s.writeMu.Unlock()
		s.wg.Wait()
		s.closeEvents()
		s.log.Info("session_closed")
	})
	return err
}

var _ session.Session = (*Session)(nil)

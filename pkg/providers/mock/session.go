// Package mock provides a scripted in-memory session for tests and offline
// runs without a backend.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danishberg/scraptraffic/pkg/configutil"
	"github.com/danishberg/scraptraffic/pkg/session"
)

var ErrConnectRefused = errors.New("mock: connect refused")

type SessionConfig struct {
	// ConnectFailures makes the first N Connect calls fail.
	ConnectFailures int
	ConnectErr      error
	ChunkCount      int
	ChunkBytes      int
	// Latency delays the first reply event after RequestResponse.
	Latency       time.Duration
	ChunkInterval time.Duration
	// DuplicateTerminal emits response-done twice per reply.
	DuplicateTerminal bool
	ReplyText         string
	Transcript        string
}

// Settings is the config-file form of SessionConfig.
type Settings struct {
	ConnectFailures   int    `mapstructure:"connect_failures"`
	ChunkCount        int    `mapstructure:"chunk_count"`
	ChunkBytes        int    `mapstructure:"chunk_bytes"`
	LatencyMS         int    `mapstructure:"latency_ms"`
	ChunkIntervalMS   int    `mapstructure:"chunk_interval_ms"`
	DuplicateTerminal bool   `mapstructure:"duplicate_terminal"`
	ReplyText         string `mapstructure:"reply_text"`
	Transcript        string `mapstructure:"transcript"`
}

var SettingsSchema = configutil.Schema{
	Optional: []string{
		"connect_failures", "chunk_count", "chunk_bytes", "latency_ms",
		"chunk_interval_ms", "duplicate_terminal", "reply_text", "transcript",
	},
}

// ConfigFromSettings decodes and validates a provider settings map.
func ConfigFromSettings(raw map[string]any) (SessionConfig, error) {
	if err := configutil.ValidateSettings(raw, SettingsSchema); err != nil {
		return SessionConfig{}, fmt.Errorf("mock settings: %w", err)
	}
	var s Settings
	if err := configutil.DecodeSettings(raw, &s); err != nil {
		return SessionConfig{}, fmt.Errorf("mock settings: %w", err)
	}
	return SessionConfig{
		ConnectFailures:   s.ConnectFailures,
		ChunkCount:        s.ChunkCount,
		ChunkBytes:        s.ChunkBytes,
		Latency:           configutil.Millis(s.LatencyMS, 0),
		ChunkInterval:     configutil.Millis(s.ChunkIntervalMS, 0),
		DuplicateTerminal: s.DuplicateTerminal,
		ReplyText:         s.ReplyText,
		Transcript:        s.Transcript,
	}, nil
}

type Session struct {
	cfg SessionConfig

	mu         sync.Mutex
	connected  bool
	closed     bool
	attempts   int
	requests   int
	utterances [][]byte

	events chan session.Event
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.ChunkCount <= 0 {
		cfg.ChunkCount = 3
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 960
	}
	if cfg.ConnectErr == nil {
		cfg.ConnectErr = ErrConnectRefused
	}
	return &Session{
		cfg:    cfg,
		events: make(chan session.Event, 64),
		stop:   make(chan struct{}),
	}
}

func (s *Session) Name() string { return "mock" }

func (s *Session) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return session.ErrNotConnected
	}
	s.attempts++
	if s.attempts <= s.cfg.ConnectFailures {
		return s.cfg.ConnectErr
	}
	s.connected = true
	return nil
}

func (s *Session) SendUtterance(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.closed {
		return session.ErrNotConnected
	}
	s.utterances = append(s.utterances, append([]byte(nil), pcm...))
	return nil
}

func (s *Session) RequestResponse(ctx context.Context) error {
	s.mu.Lock()
	if !s.connected || s.closed {
		s.mu.Unlock()
		return session.ErrNotConnected
	}
	s.requests++
	id := fmt.Sprintf("resp_%d", s.requests)
	withTranscript := len(s.utterances) > 0 && s.cfg.Transcript != ""
	s.wg.Add(1)
	s.mu.Unlock()

	go s.reply(id, withTranscript)
	return nil
}

func (s *Session) reply(id string, withTranscript bool) {
	defer s.wg.Done()
	if !s.sleep(s.cfg.Latency) {
		return
	}
	if !s.emit(session.ResponseCreated(id)) {
		return
	}
	if withTranscript && !s.emit(session.Transcript(s.cfg.Transcript)) {
		return
	}
	if s.cfg.ReplyText != "" && !s.emit(session.TextDelta(id, s.cfg.ReplyText)) {
		return
	}
	for i := 0; i < s.cfg.ChunkCount; i++ {
		if i > 0 && !s.sleep(s.cfg.ChunkInterval) {
			return
		}
		if !s.emit(session.AudioChunk(id, make([]byte, s.cfg.ChunkBytes))) {
			return
		}
	}
	if !s.emit(session.AudioDone(id)) || !s.emit(session.ResponseDone(id)) {
		return
	}
	if s.cfg.DuplicateTerminal {
		s.emit(session.ResponseDone(id))
	}
}

func (s *Session) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.stop:
		return false
	}
}

func (s *Session) emit(ev session.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stop:
		return false
	}
}

func (s *Session) Events() <-chan session.Event { return s.events }

func (s *Session) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.connected = false
		s.mu.Unlock()
		close(s.stop)
		s.wg.Wait()
		close(s.events)
	})
	return nil
}

// ConnectAttempts returns how many times Connect was called.
func (s *Session) ConnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Session) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Utterances returns copies of the utterances received so far.
func (s *Session) Utterances() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.utterances))
	copy(out, s.utterances)
	return out
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ session.Session = (*Session)(nil)

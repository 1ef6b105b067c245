// Package deepgram captions committed utterances with Deepgram live
// transcription. Captions are advisory: failures never reach turn-taking.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/danishberg/scraptraffic/pkg/configutil"
	"github.com/danishberg/scraptraffic/pkg/errorsx"
	"github.com/danishberg/scraptraffic/pkg/frames"
	"github.com/danishberg/scraptraffic/pkg/logging"
	"github.com/danishberg/scraptraffic/pkg/resilience"
)

var ErrNotStarted = errors.New("deepgram: captioner not started")

type Config struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int
	// Tail is silence appended after each utterance so the service
	// finalizes it without waiting for more audio.
	Tail      time.Duration
	OnCaption func(text string)
	Logger    *slog.Logger
}

type Settings struct {
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
	Language string `mapstructure:"language"`
	TailMS   int    `mapstructure:"tail_ms"`
}

var SettingsSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"model", "language", "tail_ms"},
}

func ConfigFromSettings(raw map[string]any) (Config, error) {
	if err := configutil.ValidateSettings(raw, SettingsSchema); err != nil {
		return Config{}, fmt.Errorf("deepgram settings: %w", err)
	}
	var s Settings
	if err := configutil.DecodeSettings(raw, &s); err != nil {
		return Config{}, fmt.Errorf("deepgram settings: %w", err)
	}
	if err := configutil.RequireString(s.APIKey, "captions.settings.api_key"); err != nil {
		return Config{}, err
	}
	return Config{
		APIKey:   s.APIKey,
		Model:    s.Model,
		Language: s.Language,
		Tail:     configutil.Millis(s.TailMS, 0),
	}, nil
}

// liveClient is the part of the SDK websocket client the captioner drives.
type liveClient interface {
	Connect() bool
	Stream(r io.Reader) error
	Stop()
}

type dialFunc func(ctx context.Context, cfg Config, cb msginterfaces.LiveMessageCallback) (liveClient, error)

func dialDeepgram(ctx context.Context, cfg Config, cb msginterfaces.LiveMessageCallback) (liveClient, error) {
	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          cfg.Model,
		Language:       cfg.Language,
		Encoding:       "linear16",
		SampleRate:     cfg.SampleRate,
		InterimResults: false,
		SmartFormat:    true,
	}
	return client.NewWSUsingCallback(ctx, cfg.APIKey, clientOptions, transcriptOptions, cb)
}

type Captioner struct {
	cfg     Config
	log     *slog.Logger
	dial    dialFunc
	breaker *resilience.CircuitBreaker
	queue   chan []byte

	mu      sync.Mutex
	started bool
	closed  bool
	client  liveClient
	pr      *io.PipeReader
	pw      *io.PipeWriter
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config) *Captioner {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = frames.SampleRate16k
	}
	cfg.Model = configutil.StringValue(cfg.Model, "nova-2")
	if cfg.Tail <= 0 {
		cfg.Tail = time.Second
	}
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	return &Captioner{
		cfg:     cfg,
		log:     logging.NewComponentLogger(base, "captions.deepgram"),
		dial:    dialDeepgram,
		breaker: resilience.NewCircuitBreaker(3, 30*time.Second),
		queue:   make(chan []byte, 8),
	}
}

func (c *Captioner) Name() string { return "deepgram" }

// Start opens the live socket and begins streaming queued utterances.
func (c *Captioner) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotStarted
	}
	if c.started {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	cl, err := c.dial(ctx, c.cfg, &callback{parent: c})
	if err != nil {
		cancel()
		return errorsx.Wrapf(errorsx.ReasonCaptionsConnect, "deepgram client: %w", err)
	}
	if !cl.Connect() {
		cancel()
		return errorsx.New(errorsx.ReasonCaptionsConnect, "deepgram connection failed")
	}
	c.client = cl
	c.cancel = cancel
	c.pr, c.pw = io.Pipe()
	c.started = true

	c.wg.Add(2)
	go c.stream(ctx, cl, c.pr)
	go c.writeLoop(ctx, c.pw)
	c.log.Info("captions_connected", "model", c.cfg.Model, "language", c.cfg.Language)
	return nil
}

func (c *Captioner) stream(ctx context.Context, cl liveClient, pr *io.PipeReader) {
	defer c.wg.Done()
	err := cl.Stream(pr)
	if err != nil && ctx.Err() == nil {
		c.log.Error("captions_stream_error", "error", err)
	}
	if err == nil {
		err = io.ErrClosedPipe
	}
	_ = pr.CloseWithError(err)
}

func (c *Captioner) writeLoop(ctx context.Context, pw *io.PipeWriter) {
	defer c.wg.Done()
	tail := make([]byte, frames.BytesPerSample*int(int64(c.cfg.SampleRate)*int64(c.cfg.Tail)/int64(time.Second)))
	for {
		select {
		case <-ctx.Done():
			return
		case pcm := <-c.queue:
			if !c.breaker.Allow() {
				c.log.Debug("captions_skipped", "breaker", c.breaker.State().String())
				continue
			}
			_, err := pw.Write(pcm)
			if err == nil {
				_, err = pw.Write(tail)
			}
			if err != nil {
				c.breaker.OnError(err)
				c.log.Warn("captions_write_failed", "error", err)
				continue
			}
			c.breaker.OnSuccess()
		}
	}
}

// Caption queues an utterance for transcription. It never blocks; false
// means the utterance was dropped.
func (c *Captioner) Caption(pcm []byte) bool {
	c.mu.Lock()
	started := c.started && !c.closed
	c.mu.Unlock()
	if !started || len(pcm) == 0 {
		return false
	}
	select {
	case c.queue <- pcm:
		return true
	default:
		c.log.Warn("captions_queue_full")
		return false
	}
}

func (c *Captioner) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, pw, cl := c.cancel, c.pw, c.client
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pw != nil {
		_ = pw.Close()
	}
	if cl != nil {
		cl.Stop()
	}
	c.wg.Wait()
	c.log.Info("captions_closed")
	return nil
}

func (c *Captioner) deliver(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if c.cfg.OnCaption != nil {
		c.cfg.OnCaption(text)
	}
}

type callback struct {
	parent     *Captioner
	metaLogged bool
}

func (cb *callback) Open(or *msginterfaces.OpenResponse) error {
	cb.parent.log.Debug("captions_socket_opened")
	return nil
}

func (cb *callback) Message(mr *msginterfaces.MessageResponse) error {
	if mr == nil || len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	if !(mr.IsFinal || mr.SpeechFinal) {
		return nil
	}
	cb.parent.deliver(mr.Channel.Alternatives[0].Transcript)
	return nil
}

func (cb *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !cb.metaLogged && md != nil {
		cb.metaLogged = true
		cb.parent.log.Debug("captions_metadata", "request_id", md.RequestID)
	}
	return nil
}

func (cb *callback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error { return nil }

func (cb *callback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error { return nil }

func (cb *callback) Close(*msginterfaces.CloseResponse) error {
	cb.parent.log.Debug("captions_socket_closed")
	return nil
}

func (cb *callback) Error(er *msginterfaces.ErrorResponse) error {
	if er != nil {
		cb.parent.log.Warn("captions_error", "error_code", er.ErrCode, "error_message", er.ErrMsg)
	}
	return nil
}

func (cb *callback) UnhandledEvent(byData []byte) error { return nil }

var _ msginterfaces.LiveMessageCallback = (*callback)(nil)

package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danishberg/scraptraffic/pkg/errorsx"
	"github.com/danishberg/scraptraffic/pkg/metrics"
	"github.com/danishberg/scraptraffic/pkg/redact"
	"github.com/danishberg/scraptraffic/pkg/session"
	"github.com/google/uuid"
)

// Sink renders assistant audio. Write must not block.
type Sink interface {
	Write(chunk []byte)
	// WaitIdle returns once everything written so far has been played.
	WaitIdle(ctx context.Context) error
	// Flush drops audio that has not been played yet.
	Flush()
	Close() error
}

// Display shows conversation text to the operator.
type Display interface {
	AssistantText(delta string)
	UserTranscript(text string)
}

// ReopenPolicy decides which completion signals reopen the gate.
type ReopenPolicy string

const (
	// ReopenBoth waits for response-done and for local playback to drain.
	ReopenBoth ReopenPolicy = "both"
	// ReopenEither reopens on whichever of the two arrives first.
	ReopenEither ReopenPolicy = "either"
)

func ParseReopenPolicy(v string) (ReopenPolicy, error) {
	switch ReopenPolicy(strings.ToLower(strings.TrimSpace(v))) {
	case "", ReopenBoth:
		return ReopenBoth, nil
	case ReopenEither:
		return ReopenEither, nil
	default:
		return "", fmt.Errorf("unknown reopen policy %q", v)
	}
}

var ErrSessionClosed = errors.New("session event stream closed")

type CoordinatorOptions struct {
	Policy ReopenPolicy
	// ResponseTimeout bounds how long a cycle waits for its terminal
	// events. Zero waits until shutdown.
	ResponseTimeout time.Duration
	// EchoGuard ignores capture for this long after the gate reopens, so the
	// tail of the assistant's voice in the room is not taken as speech.
	EchoGuard time.Duration
	// DrainTimeout bounds the wait for local playback after audio-done.
	DrainTimeout     time.Duration
	OutputSampleRate int
	SessionID        string
	Observer         metrics.Observer
	Display          Display
	Logger           *slog.Logger
}

// Coordinator owns the turn discipline: the speaking and awaitingResponse
// flags read by the capture path, the single-flight send lock, and the
// completion signal of the cycle in flight.
type Coordinator struct {
	session session.Session
	sink    Sink
	opts    CoordinatorOptions
	log     *slog.Logger
	obs     metrics.Observer
	fsm     *stateMachine

	speaking   atomic.Bool
	awaiting   atomic.Bool
	reopenedAt atomic.Int64
	completed  atomic.Uint64

	sendLock chan struct{}
	pending  chan *Utterance

	mu         sync.Mutex
	cycle      *cycle
	nextCycle  uint64
	closedResp []string

	// orphaned is set when a cycle ended with its response requested but
	// never identified; that response may still report in.
	orphaned bool
}

type cycle struct {
	id           uint64
	turnID       string
	greeting     bool
	requested    bool
	strict       bool
	responseID   string
	audioSeen    bool
	audioEnded   bool
	audioDone    bool
	responseDone bool
	audioBytes   int
	startedAt    time.Time
	sentAt       time.Time
	done         chan struct{}
	once         sync.Once
}

const closedResponseMemory = 8

func NewCoordinator(sess session.Session, sink Sink, opts CoordinatorOptions) *Coordinator {
	if opts.Policy == "" {
		opts.Policy = ReopenBoth
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	return &Coordinator{
		session:  sess,
		sink:     sink,
		opts:     opts,
		log:      opts.Logger,
		obs:      opts.Observer,
		fsm:      newStateMachine(),
		sendLock: make(chan struct{}, 1),
		pending:  make(chan *Utterance, 1),
	}
}

// Gate reports whether capture may feed the accumulator.
func (c *Coordinator) Gate() bool {
	return !c.speaking.Load() && !c.awaiting.Load()
}

// AcceptingAudio is Gate plus the post-reopen echo guard.
func (c *Coordinator) AcceptingAudio(now time.Time) bool {
	if !c.Gate() {
		return false
	}
	if c.opts.EchoGuard <= 0 {
		return true
	}
	reopened := c.reopenedAt.Load()
	return reopened == 0 || now.Sub(time.Unix(0, reopened)) >= c.opts.EchoGuard
}

func (c *Coordinator) Speaking() bool         { return c.speaking.Load() }
func (c *Coordinator) AwaitingResponse() bool { return c.awaiting.Load() }
func (c *Coordinator) State() State           { return c.fsm.State() }

// Completed is the number of cycles that reached a terminal state.
func (c *Coordinator) Completed() uint64 { return c.completed.Load() }

func (c *Coordinator) AddListener(l StateListener) { c.fsm.AddListener(l) }

// NoteAccumulating and NoteListening let the capture path report
// accumulator transitions for observers.
func (c *Coordinator) NoteAccumulating() {
	_ = c.fsm.Transition(StateAccumulating, "speech start")
}

func (c *Coordinator) NoteListening(reason string) {
	_ = c.fsm.Transition(StateListening, reason)
}

// BeginGreeting closes the gate ahead of the greeting turn so that no frame
// slips into the accumulator before Run picks it up.
func (c *Coordinator) BeginGreeting() {
	c.awaiting.Store(true)
}

// Submit hands a committed utterance to the turn loop. It closes the gate
// before returning and never blocks. False means a cycle is already pending
// and the utterance was dropped.
func (c *Coordinator) Submit(u *Utterance) bool {
	if u == nil {
		return false
	}
	if !c.awaiting.CompareAndSwap(false, true) {
		return false
	}
	select {
	case c.pending <- u:
		return true
	default:
		c.awaiting.Store(false)
		return false
	}
}

// Run serves turns until ctx is done. With greet set, the first turn asks
// the backend to speak first.
func (c *Coordinator) Run(ctx context.Context, greet bool) error {
	if greet {
		c.BeginGreeting()
		if err := c.runTurn(ctx, nil); err != nil {
			return nil
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-c.pending:
			if err := c.runTurn(ctx, u); err != nil {
				return nil
			}
		}
	}
}

// runTurn performs one send/response cycle. It returns an error only when
// ctx ended the cycle.
func (c *Coordinator) runTurn(ctx context.Context, u *Utterance) error {
	select {
	case c.sendLock <- struct{}{}:
	case <-ctx.Done():
		c.awaiting.Store(false)
		return ctx.Err()
	}
	cy := c.openCycle(u)

	if u != nil {
		c.log.Info("utterance_sending", "turn_id", cy.turnID, "duration_ms", u.Duration.Milliseconds(), "bytes", len(u.Samples))
		if err := c.session.SendUtterance(ctx, u.Samples); err != nil {
			c.log.Error("utterance_send_failed", "turn_id", cy.turnID, "error", errorsx.Wrap(err, errorsx.ReasonSessionSend))
			c.finish(cy, "send_failed")
			return ctx.Err()
		}
		c.obs.RecordEvent(metrics.MetricsEvent{
			Name:   metrics.EventAudioIn,
			Time:   time.Now(),
			Value:  u.Duration.Seconds(),
			Tags:   c.tags(cy),
			Fields: map[string]any{"bytes": len(u.Samples)},
		})
	}
	c.mu.Lock()
	cy.sentAt = time.Now()
	c.mu.Unlock()
	if err := c.session.RequestResponse(ctx); err != nil {
		c.log.Error("response_request_failed", "turn_id", cy.turnID, "error", errorsx.Wrap(err, errorsx.ReasonResponseCreate))
		c.finish(cy, "request_failed")
		return ctx.Err()
	}
	c.mu.Lock()
	cy.requested = true
	c.mu.Unlock()

	var timeout <-chan time.Time
	if c.opts.ResponseTimeout > 0 {
		timer := time.NewTimer(c.opts.ResponseTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-cy.done:
		return nil
	case <-ctx.Done():
		c.finish(cy, "shutdown")
		return ctx.Err()
	case <-timeout:
		c.log.Warn("response_timeout", "turn_id", cy.turnID, "timeout", c.opts.ResponseTimeout)
		c.sink.Flush()
		c.finish(cy, "timeout")
		return nil
	}
}

func (c *Coordinator) openCycle(u *Utterance) *cycle {
	c.mu.Lock()
	c.nextCycle++
	cy := &cycle{
		id:        c.nextCycle,
		greeting:  u == nil,
		startedAt: time.Now(),
		strict:    c.orphaned,
		done:      make(chan struct{}),
	}
	if u != nil {
		cy.turnID = u.ID
	} else {
		cy.turnID = uuid.NewString()
	}
	c.cycle = cy
	c.speaking.Store(false)
	c.awaiting.Store(true)
	c.mu.Unlock()

	_ = c.fsm.Transition(StateSendingAwaitingResponse, "turn "+strconv.FormatUint(cy.id, 10))
	c.obs.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventTurnStarted,
		Time:   cy.startedAt,
		Value:  1,
		Tags:   c.tags(cy),
		Fields: map[string]any{"greeting": cy.greeting},
	})
	return cy
}

// Dispatch feeds session events into HandleEvent until ctx is done. A closed
// event stream while running is an error.
func (c *Coordinator) Dispatch(ctx context.Context, events <-chan session.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				c.abort("session_closed")
				return errorsx.Wrap(ErrSessionClosed, errorsx.ReasonSessionClosed)
			}
			c.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent applies one session event to the cycle in flight. Events for
// closed cycles, and repeated terminal events, are ignored.
func (c *Coordinator) HandleEvent(ctx context.Context, ev session.Event) {
	switch ev.Kind {
	case session.EventTextDelta:
		if c.opts.Display != nil && ev.Text != "" {
			c.opts.Display.AssistantText(ev.Text)
		}
		return
	case session.EventTranscript:
		c.log.Info("user_transcript", "text", redact.Text(ev.Text))
		if c.opts.Display != nil && ev.Text != "" {
			c.opts.Display.UserTranscript(ev.Text)
		}
		return
	}

	c.mu.Lock()
	cy := c.cycle
	if cy == nil || !c.acceptLocked(cy, ev) {
		c.mu.Unlock()
		c.log.Debug("session_event_ignored", "kind", ev.Kind.String(), "response_id", ev.ResponseID)
		return
	}

	switch ev.Kind {
	case session.EventAudioChunk:
		first := !cy.audioSeen
		cy.audioSeen = true
		cy.audioBytes += len(ev.Audio)
		sentAt := cy.sentAt
		c.speaking.Store(true)
		c.mu.Unlock()
		if first {
			_ = c.fsm.Transition(StatePlaying, "first audio")
			if !sentAt.IsZero() {
				latency := time.Since(sentAt)
				c.log.Debug("turn_first_audio", "turn_id", cy.turnID, "latency_ms", latency.Milliseconds())
				c.obs.RecordEvent(metrics.MetricsEvent{
					Name:  metrics.EventTurnFirstAudio,
					Time:  time.Now(),
					Value: float64(latency.Milliseconds()),
					Tags:  c.tags(cy),
				})
			}
		}
		c.sink.Write(ev.Audio)

	case session.EventResponseCreated:
		c.mu.Unlock()
		c.log.Debug("response_bound", "turn_id", cy.turnID, "response_id", ev.ResponseID)

	case session.EventAudioDone:
		if cy.audioEnded {
			c.mu.Unlock()
			return
		}
		cy.audioEnded = true
		c.mu.Unlock()
		go c.awaitPlayback(ctx, cy)

	case session.EventResponseDone:
		cy.responseDone = true
		ready := c.completeLocked(cy)
		c.mu.Unlock()
		if ready {
			c.finish(cy, "response_done")
		}

	case session.EventInterrupted:
		c.mu.Unlock()
		c.sink.Flush()
		c.finish(cy, "interrupted")

	case session.EventError:
		c.mu.Unlock()
		c.log.Warn("session_error", "turn_id", cy.turnID, "error", ev.Err, "terminal", ev.Terminal)
		if ev.Terminal {
			c.sink.Flush()
			c.finish(cy, "error")
		}

	default:
		c.mu.Unlock()
	}
}

// acceptLocked binds the cycle to the first response id it sees and rejects
// ids of other or already closed responses. A strict cycle follows an
// orphaned request: until EventResponseCreated names its response, any id it
// sees belongs to the orphan and is retired.
func (c *Coordinator) acceptLocked(cy *cycle, ev session.Event) bool {
	id := ev.ResponseID
	if id == "" {
		return ev.Kind != session.EventResponseCreated
	}
	if c.isClosedLocked(id) {
		return false
	}
	if cy.responseID != "" {
		return cy.responseID == id
	}
	if cy.strict && ev.Kind != session.EventResponseCreated {
		c.closeResponseLocked(id)
		return false
	}
	cy.responseID = id
	c.orphaned = false
	return true
}

func (c *Coordinator) isClosedLocked(id string) bool {
	for _, closed := range c.closedResp {
		if closed == id {
			return true
		}
	}
	return false
}

func (c *Coordinator) closeResponseLocked(id string) {
	c.closedResp = append(c.closedResp, id)
	if len(c.closedResp) > closedResponseMemory {
		c.closedResp = c.closedResp[len(c.closedResp)-closedResponseMemory:]
	}
}

func (c *Coordinator) completeLocked(cy *cycle) bool {
	switch c.opts.Policy {
	case ReopenEither:
		return cy.responseDone || cy.audioDone
	default:
		return cy.responseDone && (cy.audioDone || !cy.audioSeen)
	}
}

// awaitPlayback marks the cycle's audio done once local playback drained.
func (c *Coordinator) awaitPlayback(ctx context.Context, cy *cycle) {
	wctx, cancel := context.WithTimeout(ctx, c.opts.DrainTimeout)
	defer cancel()
	if err := c.sink.WaitIdle(wctx); err != nil && ctx.Err() == nil {
		c.log.Warn("playback_drain_timeout", "turn_id", cy.turnID, "error", err)
	}

	c.mu.Lock()
	if c.cycle != cy {
		c.mu.Unlock()
		return
	}
	cy.audioDone = true
	c.speaking.Store(false)
	ready := c.completeLocked(cy)
	c.mu.Unlock()
	if ready {
		c.finish(cy, "audio_done")
	}
}

// abort ends the cycle in flight, if any.
func (c *Coordinator) abort(reason string) {
	c.mu.Lock()
	cy := c.cycle
	c.mu.Unlock()
	if cy != nil {
		c.sink.Flush()
		c.finish(cy, reason)
	}
}

// finish closes a cycle exactly once: flags cleared, send lock released,
// completion signalled, gate reopened.
func (c *Coordinator) finish(cy *cycle, reason string) {
	cy.once.Do(func() {
		c.mu.Lock()
		if c.cycle == cy {
			c.cycle = nil
			c.speaking.Store(false)
		}
		switch {
		case cy.responseID != "":
			c.closeResponseLocked(cy.responseID)
		case cy.requested && !cy.responseDone:
			c.orphaned = true
		}
		audioBytes := cy.audioBytes
		c.mu.Unlock()

		c.reopenedAt.Store(time.Now().UnixNano())
		c.awaiting.Store(false)
		<-c.sendLock
		close(cy.done)
		_ = c.fsm.Transition(StateListening, reason)

		elapsed := time.Since(cy.startedAt)
		c.log.Info("turn_completed", "turn_id", cy.turnID, "reason", reason, "greeting", cy.greeting, "elapsed_ms", elapsed.Milliseconds())
		tags := c.tags(cy)
		tags[metrics.TagReason] = reason
		c.obs.RecordEvent(metrics.MetricsEvent{
			Name:   metrics.EventTurnCompleted,
			Time:   time.Now(),
			Value:  float64(elapsed.Milliseconds()),
			Tags:   tags,
			Fields: map[string]any{"audio_bytes": audioBytes},
		})
		if audioBytes > 0 && c.opts.OutputSampleRate > 0 {
			c.obs.RecordEvent(metrics.MetricsEvent{
				Name:  metrics.EventAudioOut,
				Time:  time.Now(),
				Value: float64(audioBytes/2) / float64(c.opts.OutputSampleRate),
				Tags:  c.tags(cy),
			})
		}
		c.completed.Add(1)
	})
}

func (c *Coordinator) tags(cy *cycle) map[string]string {
	tags := map[string]string{metrics.TagTurnID: cy.turnID}
	if c.opts.SessionID != "" {
		tags[metrics.TagSessionID] = c.opts.SessionID
	}
	return tags
}

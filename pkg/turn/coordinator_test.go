package turn

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/danishberg/scraptraffic/pkg/errorsx"
	"github.com/danishberg/scraptraffic/pkg/metrics"
	"github.com/danishberg/scraptraffic/pkg/session"
)

type fakeSession struct {
	mu       sync.Mutex
	sent     [][]byte
	requests int
	sendErr  error
	events   chan session.Event
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan session.Event, 16)}
}

func (s *fakeSession) Name() string                      { return "fake" }
func (s *fakeSession) Connect(ctx context.Context) error { return nil }
func (s *fakeSession) Events() <-chan session.Event      { return s.events }
func (s *fakeSession) Close() error                      { return nil }

func (s *fakeSession) SendUtterance(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, pcm)
	return nil
}

func (s *fakeSession) RequestResponse(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	return nil
}

func (s *fakeSession) counts() (sent, requests int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent), s.requests
}

type fakeSink struct {
	mu      sync.Mutex
	written int
	flushes int
	idle    chan struct{}
}

func (s *fakeSink) Write(chunk []byte) {
	s.mu.Lock()
	s.written += len(chunk)
	s.mu.Unlock()
}

func (s *fakeSink) WaitIdle(ctx context.Context) error {
	if s.idle == nil {
		return nil
	}
	select {
	case <-s.idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeSink) Flush() {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
}

func (s *fakeSink) Close() error { return nil }

func (s *fakeSink) stats() (written, flushes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written, s.flushes
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type harness struct {
	coord  *Coordinator
	sess   *fakeSession
	sink   *fakeSink
	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

func startCoordinator(t *testing.T, opts CoordinatorOptions, greet bool) *harness {
	t.Helper()
	h := &harness{sess: newFakeSession(), sink: &fakeSink{}, done: make(chan error, 1)}
	return h.start(t, opts, greet)
}

func (h *harness) start(t *testing.T, opts CoordinatorOptions, greet bool) *harness {
	t.Helper()
	h.coord = NewCoordinator(h.sess, h.sink, opts)
	h.ctx, h.cancel = context.WithCancel(context.Background())
	go func() { h.done <- h.coord.Run(h.ctx, greet) }()
	t.Cleanup(func() {
		h.cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Errorf("coordinator did not stop")
		}
	})
	return h
}

func (h *harness) event(ev session.Event) { h.coord.HandleEvent(h.ctx, ev) }

func testUtterance(id string) *Utterance {
	return &Utterance{ID: id, Samples: make([]byte, 640*40), Frames: 40, Duration: 800 * time.Millisecond}
}

func TestCoordinatorSubmitClosesGateImmediately(t *testing.T) {
	h := startCoordinator(t, CoordinatorOptions{}, false)
	if !h.coord.Gate() {
		t.Fatalf("expected open gate before any turn")
	}
	if !h.coord.Submit(testUtterance("u1")) {
		t.Fatalf("expected submit to be accepted")
	}
	if h.coord.Gate() {
		t.Fatalf("expected gate closed as soon as submit returns")
	}
	if h.coord.Submit(testUtterance("u2")) {
		t.Fatalf("expected second submit to be rejected while awaiting")
	}
	waitFor(t, "request", func() bool { _, r := h.sess.counts(); return r == 1 })
	if sent, _ := h.sess.counts(); sent != 1 {
		t.Fatalf("expected one utterance sent, got %d", sent)
	}
	if h.coord.State() != StateSendingAwaitingResponse {
		t.Fatalf("expected awaiting state, got %s", h.coord.State())
	}

	h.event(session.AudioChunk("r1", make([]byte, 480)))
	if !h.coord.Speaking() || h.coord.State() != StatePlaying {
		t.Fatalf("expected speaking after first chunk")
	}
	h.event(session.AudioDone("r1"))
	h.event(session.ResponseDone("r1"))
	waitFor(t, "completion", func() bool { return h.coord.Completed() == 1 })
	if !h.coord.Gate() {
		t.Fatalf("expected gate reopened")
	}
	if h.coord.State() != StateListening {
		t.Fatalf("expected listening, got %s", h.coord.State())
	}
	if written, _ := h.sink.stats(); written != 480 {
		t.Fatalf("expected chunk routed to sink, got %d bytes", written)
	}
}

func TestCoordinatorDuplicateResponseDoneReopensOnce(t *testing.T) {
	h := startCoordinator(t, CoordinatorOptions{}, false)
	h.coord.Submit(testUtterance("u1"))
	waitFor(t, "request", func() bool { _, r := h.sess.counts(); return r == 1 })

	h.event(session.ResponseDone("r1"))
	h.event(session.ResponseDone("r1"))
	h.event(session.ResponseDone(""))
	waitFor(t, "completion", func() bool { return h.coord.Completed() == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := h.coord.Completed(); got != 1 {
		t.Fatalf("expected exactly one reopen, got %d", got)
	}

	// The send lock was released once, so the next turn runs normally.
	if !h.coord.Submit(testUtterance("u2")) {
		t.Fatalf("expected next submit accepted")
	}
	waitFor(t, "second request", func() bool { _, r := h.sess.counts(); return r == 2 })
	h.event(session.ResponseDone("r2"))
	waitFor(t, "second completion", func() bool { return h.coord.Completed() == 2 })
}

func TestCoordinatorReplayedTerminalEventsAreIdempotent(t *testing.T) {
	h := startCoordinator(t, CoordinatorOptions{}, false)
	h.coord.Submit(testUtterance("u1"))
	waitFor(t, "request", func() bool { _, r := h.sess.counts(); return r == 1 })

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				h.event(session.ResponseDone("r1"))
			} else {
				h.event(session.Interrupted("r1"))
			}
		}(i)
	}
	wg.Wait()
	waitFor(t, "completion", func() bool { return h.coord.Completed() == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := h.coord.Completed(); got != 1 {
		t.Fatalf("expected one completion, got %d", got)
	}
	if !h.coord.Gate() {
		t.Fatalf("expected gate open")
	}
}

func TestCoordinatorBothPolicyWaitsForPlayback(t *testing.T) {
	h := &harness{sess: newFakeSession(), sink: &fakeSink{idle: make(chan struct{})}, done: make(chan error, 1)}
	h.start(t, CoordinatorOptions{Policy: ReopenBoth}, false)
	h.coord.Submit(testUtterance("u1"))
	waitFor(t, "request", func() bool { _, r := h.sess.counts(); return r == 1 })

	h.event(session.AudioChunk("r1", make([]byte, 960)))
	h.event(session.ResponseDone("r1"))
	h.event(session.AudioDone("r1"))
	time.Sleep(20 * time.Millisecond)
	if h.coord.Gate() {
		t.Fatalf("expected gate closed while playback drains")
	}
	if h.coord.Completed() != 0 {
		t.Fatalf("expected cycle still open")
	}
	close(h.sink.idle)
	waitFor(t, "completion", func() bool { return h.coord.Completed() == 1 })
	if h.coord.Speaking() || !h.coord.Gate() {
		t.Fatalf("expected gate open after playback drained")
	}
}

func TestCoordinatorBothPolicyWithoutAudio(t *testing.T) {
	h := startCoordinator(t, CoordinatorOptions{Policy: ReopenBoth}, false)
	h.coord.Submit(testUtterance("u1"))
	waitFor(t, "request", func() bool { _, r := h.sess.counts(); return r == 1 })
	h.event(session.ResponseDone("r1"))
	waitFor(t, "completion", func() bool { return h.coord.Completed() == 1 })
}

func TestCoordinatorEitherPolicy(t *testing.T) {
	h := &harness{sess: newFakeSession(), sink: &fakeSink{idle: make(chan struct{})}, done: make(chan error, 1)}
	h.start(t, CoordinatorOptions{Policy: ReopenEither}, false)
	h.coord.Submit(testUtterance("u1"))
	waitFor(t, "request", func() bool { _, r := h.sess.counts(); return r == 1 })

	h.event(session.AudioChunk("r1", make([]byte, 960)))
	h.event(session.ResponseDone("r1"))
	waitFor(t, "completion", func() bool { return h.coord.Completed() == 1 })
	if !h.coord.Gate() {
		t.Fatalf("expected gate open on first completion signal")
	}
	h.event(session.AudioDone("r1"))
	close(h.sink.idle)
	time.Sleep(20 * time.Millisecond)
	if h.coord.Completed() != 1 {
		t.Fatalf("expected late audio done ignored")
	}
}

func TestCoordinatorGreeting(t *testing.T) {
	h := startCoordinator(t, CoordinatorOptions{}, true)
	waitFor(t, "greeting request", func() bool { _, r := h.sess.counts(); return r == 1 })
	if sent, _ := h.sess.counts(); sent != 0 {
		t.Fatalf("expected no utterance for greeting, got %d", sent)
	}
	if h.coord.Gate() {
		t.Fatalf("expected gate closed during greeting")
	}
	if h.coord.Submit(testUtterance("u1")) {
		t.Fatalf("expected submit rejected during greeting")
	}
	h.event(session.AudioChunk("g1", make([]byte, 480)))
	h.event(session.AudioDone("g1"))
	h.event(session.ResponseDone("g1"))
	waitFor(t, "greeting completion", func() bool { return h.coord.Completed() == 1 })
	if !h.coord.Gate() {
		t.Fatalf("expected gate open after greeting")
	}
}

func TestCoordinatorSendFailureReopens(t *testing.T) {
	h := &harness{sess: newFakeSession(), sink: &fakeSink{}, done: make(chan error, 1)}
	h.sess.sendErr = errors.New("broken pipe")
	h.start(t, CoordinatorOptions{}, false)
	h.coord.Submit(testUtterance("u1"))
	waitFor(t, "completion", func() bool { return h.coord.Completed() == 1 })
	if !h.coord.Gate() {
		t.Fatalf("expected gate reopened after send failure")
	}
	if _, r := h.sess.counts(); r != 0 {
		t.Fatalf("expected no response request after send failure, got %d", r)
	}
}

func TestCoordinatorInterruptedFlushesSink(t *testing.T) {
	h := startCoordinator(t, CoordinatorOptions{}, false)
	h.coord.Submit(testUtterance("u1"))
	waitFor(t, "request", func() bool { _, r := h.sess.counts(); return r == 1 })
	h.event(session.AudioChunk("r1", make([]byte, 480)))
	h.event(session.Interrupted("r1"))
	waitFor(t, "completion", func() bool { return h.coord.Completed() == 1 })
	if _, flushes := h.sink.stats(); flushes != 1 {
		t.Fatalf("expected one flush, got %d", flushes)
	}
	if h.coord.Speaking() {
		t.Fatalf("expected speaking cleared")
	}
}

func TestCoordinatorErrorEvents(t *testing.T) {
	h := startCoordinator(t, CoordinatorOptions{}, false)
	h.coord.Submit(testUtterance("u1"))
	waitFor(t, "request", func() bool { _, r := h.sess.counts(); return r == 1 })

	h.event(session.Failure("", errors.New("rate limited"), false))
	time.Sleep(10 * time.Millisecond)
	if h.coord.Completed() != 0 {
		t.Fatalf("expected non-terminal error to keep cycle open")
	}
	h.event(session.Failure("", errors.New("server error"), true))
	waitFor(t, "completion", func() bool { return h.coord.Completed() == 1 })
}

func TestCoordinatorIgnoresStaleResponseIDs(t *testing.T) {
	h := startCoordinator(t, CoordinatorOptions{Policy: ReopenEither}, false)
	h.coord.Submit(testUtterance("u1"))
	waitFor(t, "request", func() bool { _, r := h.sess.counts(); return r == 1 })
	h.event(session.ResponseDone("r1"))
	waitFor(t, "first completion", func() bool { return h.coord.Completed() == 1 })

	h.coord.Submit(testUtterance("u2"))
	waitFor(t, "second request", func() bool { _, r := h.sess.counts(); return r == 2 })
	h.event(session.AudioChunk("r1", make([]byte, 480)))
	h.event(session.AudioDone("r1"))
	h.event(session.ResponseDone("r1"))
	time.Sleep(20 * time.Millisecond)
	if h.coord.Completed() != 1 {
		t.Fatalf("expected stale events ignored")
	}
	if written, _ := h.sink.stats(); written != 0 {
		t.Fatalf("expected stale audio dropped, got %d bytes", written)
	}
	h.event(session.ResponseDone("r2"))
	waitFor(t, "second completion", func() bool { return h.coord.Completed() == 2 })
}

func TestCoordinatorDropsEventsWithoutCycle(t *testing.T) {
	h := startCoordinator(t, CoordinatorOptions{}, false)
	h.event(session.AudioChunk("r0", make([]byte, 480)))
	h.event(session.ResponseDone("r0"))
	if h.coord.Speaking() || h.coord.Completed() != 0 {
		t.Fatalf("expected events without a cycle to be dropped")
	}
	if written, _ := h.sink.stats(); written != 0 {
		t.Fatalf("expected nothing played")
	}
}

func TestCoordinatorEchoGuard(t *testing.T) {
	h := startCoordinator(t, CoordinatorOptions{EchoGuard: 200 * time.Millisecond}, false)
	if !h.coord.AcceptingAudio(time.Now()) {
		t.Fatalf("expected audio accepted before first turn")
	}
	h.coord.Submit(testUtterance("u1"))
	waitFor(t, "request", func() bool { _, r := h.sess.counts(); return r == 1 })
	if h.coord.AcceptingAudio(time.Now().Add(time.Hour)) {
		t.Fatalf("expected closed gate to reject audio")
	}
	h.event(session.ResponseDone("r1"))
	waitFor(t, "completion", func() bool { return h.coord.Completed() == 1 })
	now := time.Now()
	if h.coord.AcceptingAudio(now) {
		t.Fatalf("expected echo guard right after reopen")
	}
	if !h.coord.AcceptingAudio(now.Add(300 * time.Millisecond)) {
		t.Fatalf("expected audio accepted after echo guard")
	}
}

func TestCoordinatorResponseTimeout(t *testing.T) {
	h := startCoordinator(t, CoordinatorOptions{ResponseTimeout: 30 * time.Millisecond}, false)
	h.coord.Submit(testUtterance("u1"))
	waitFor(t, "timeout completion", func() bool { return h.coord.Completed() == 1 })
	if !h.coord.Gate() {
		t.Fatalf("expected gate open after timeout")
	}
	if _, flushes := h.sink.stats(); flushes != 1 {
		t.Fatalf("expected sink flushed on timeout")
	}
}

func TestCoordinatorTimedOutResponseDoesNotEndNextTurn(t *testing.T) {
	h := startCoordinator(t, CoordinatorOptions{ResponseTimeout: 30 * time.Millisecond}, false)
	h.coord.Submit(testUtterance("u1"))
	waitFor(t, "timeout completion", func() bool { return h.coord.Completed() == 1 })

	h.coord.opts.ResponseTimeout = 0
	h.coord.Submit(testUtterance("u2"))
	waitFor(t, "second request", func() bool { _, r := h.sess.counts(); return r == 2 })

	h.event(session.AudioChunk("r1", make([]byte, 480)))
	h.event(session.ResponseDone("r1"))
	time.Sleep(20 * time.Millisecond)
	if h.coord.Completed() != 1 {
		t.Fatalf("late reply of the timed out turn ended the next one")
	}
	if h.coord.Gate() {
		t.Fatalf("expected gate closed while the second reply is pending")
	}
	if written, _ := h.sink.stats(); written != 0 {
		t.Fatalf("expected late audio dropped, got %d bytes", written)
	}

	h.event(session.ResponseCreated("r2"))
	h.event(session.AudioChunk("r2", make([]byte, 480)))
	if written, _ := h.sink.stats(); written != 480 {
		t.Fatalf("expected second reply played, got %d bytes", written)
	}
	h.event(session.AudioDone("r2"))
	h.event(session.ResponseDone("r2"))
	waitFor(t, "second completion", func() bool { return h.coord.Completed() == 2 })
	if !h.coord.Gate() {
		t.Fatalf("expected gate open after second reply")
	}
}

func TestCoordinatorLateChunkLeavesSpeakingCleared(t *testing.T) {
	h := startCoordinator(t, CoordinatorOptions{}, false)
	for i := 1; i <= 50; i++ {
		id := "r" + strconv.Itoa(i)
		h.coord.Submit(testUtterance("u" + strconv.Itoa(i)))
		waitFor(t, "request", func() bool { _, r := h.sess.counts(); return r == i })

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); h.event(session.AudioChunk(id, make([]byte, 480))) }()
		go func() { defer wg.Done(); h.event(session.Interrupted(id)) }()
		wg.Wait()
		waitFor(t, "completion", func() bool { return h.coord.Completed() == uint64(i) })
		if h.coord.Speaking() {
			t.Fatalf("turn %d: speaking left set after the turn ended", i)
		}
		if !h.coord.Gate() {
			t.Fatalf("turn %d: expected gate open", i)
		}
	}
}

func TestCoordinatorBeginGreetingClosesGate(t *testing.T) {
	c := NewCoordinator(newFakeSession(), &fakeSink{}, CoordinatorOptions{})
	if !c.Gate() {
		t.Fatalf("expected gate open on a fresh coordinator")
	}
	c.BeginGreeting()
	if c.Gate() || c.AcceptingAudio(time.Now().Add(time.Hour)) {
		t.Fatalf("expected gate closed once the greeting is pending")
	}
	if c.Submit(testUtterance("u1")) {
		t.Fatalf("expected submit rejected while the greeting is pending")
	}
}

func TestCoordinatorShutdownWhileAwaiting(t *testing.T) {
	h := startCoordinator(t, CoordinatorOptions{}, false)
	h.coord.Submit(testUtterance("u1"))
	waitFor(t, "request", func() bool { _, r := h.sess.counts(); return r == 1 })
	h.cancel()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("unexpected run error: %v", err)
		}
		h.done <- nil
	case <-time.After(time.Second):
		t.Fatalf("run did not return on shutdown")
	}
	if !h.coord.Gate() || h.coord.Completed() != 1 {
		t.Fatalf("expected cycle finished by shutdown")
	}
}

func TestCoordinatorDispatchSessionClosed(t *testing.T) {
	h := startCoordinator(t, CoordinatorOptions{}, false)
	errCh := make(chan error, 1)
	go func() { errCh <- h.coord.Dispatch(h.ctx, h.sess.Events()) }()

	h.coord.Submit(testUtterance("u1"))
	waitFor(t, "request", func() bool { _, r := h.sess.counts(); return r == 1 })
	h.sess.events <- session.AudioChunk("r1", make([]byte, 480))
	waitFor(t, "speaking", h.coord.Speaking)
	close(h.sess.events)

	select {
	case err := <-errCh:
		if !errorsx.HasReason(err, errorsx.ReasonSessionClosed) {
			t.Fatalf("expected session closed reason, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("dispatch did not return")
	}
	if !h.coord.Gate() || h.coord.Completed() != 1 {
		t.Fatalf("expected cycle aborted")
	}
}

func TestCoordinatorMetrics(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	h := startCoordinator(t, CoordinatorOptions{Observer: obs, SessionID: "s1", OutputSampleRate: 24000}, false)
	h.coord.Submit(testUtterance("u1"))
	waitFor(t, "request", func() bool { _, r := h.sess.counts(); return r == 1 })
	h.event(session.AudioChunk("r1", make([]byte, 48000)))
	h.event(session.AudioDone("r1"))
	h.event(session.ResponseDone("r1"))
	waitFor(t, "completion", func() bool { return h.coord.Completed() == 1 })

	completed := obs.Named(metrics.EventTurnCompleted)
	if len(completed) != 1 {
		t.Fatalf("expected one turn_completed event, got %d", len(completed))
	}
	if completed[0].Tags[metrics.TagReason] != "audio_done" && completed[0].Tags[metrics.TagReason] != "response_done" {
		t.Fatalf("unexpected reason %q", completed[0].Tags[metrics.TagReason])
	}
	if completed[0].Tags[metrics.TagSessionID] != "s1" || completed[0].Tags[metrics.TagTurnID] != "u1" {
		t.Fatalf("unexpected tags %v", completed[0].Tags)
	}
	if got := len(obs.Named(metrics.EventTurnFirstAudio)); got != 1 {
		t.Fatalf("expected one first-audio event, got %d", got)
	}
	out := obs.Named(metrics.EventAudioOut)
	if len(out) != 1 || out[0].Value != 1.0 {
		t.Fatalf("expected one second of output audio, got %+v", out)
	}
}

func TestParseReopenPolicy(t *testing.T) {
	cases := map[string]ReopenPolicy{"": ReopenBoth, "both": ReopenBoth, " Either ": ReopenEither}
	for in, want := range cases {
		got, err := ParseReopenPolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParseReopenPolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseReopenPolicy("sometimes"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}

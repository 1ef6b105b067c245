// Package console is the operator's terminal: push-to-talk and quit keys,
// a throttled microphone status line, and the conversation text.
package console

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danishberg/scraptraffic/pkg/engine"
	"github.com/danishberg/scraptraffic/pkg/turn"
)

// StatusSource is polled for the status line.
type StatusSource interface {
	Status() engine.Status
	AddListener(l turn.StateListener)
}

type Options struct {
	In  io.Reader
	Out io.Writer
	// Keyboard reads operator keys from In.
	Keyboard   bool
	PushToTalk bool
	// Debug is one of engine.DebugNone, DebugEnergy, DebugStatus.
	Debug          string
	StatusInterval time.Duration
}

type Console struct {
	opts Options

	mu         sync.Mutex
	out        io.Writer
	raw        bool
	statusLen  int
	assistant  bool
	lastStatus string

	held atomic.Bool
	src  atomic.Pointer[sourceBox]
}

type sourceBox struct{ StatusSource }

func New(opts Options) *Console {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 100 * time.Millisecond
	}
	if opts.Debug == "" {
		opts.Debug = engine.DebugNone
	}
	return &Console{opts: opts, out: opts.Out}
}

// Attach connects the console to the running engine.
func (c *Console) Attach(src StatusSource) {
	c.src.Store(&sourceBox{src})
	src.AddListener(c)
}

// Held reports whether push-to-talk is engaged.
func (c *Console) Held() bool { return c.held.Load() }

// Writer returns a writer for log output that keeps the status line intact
// and translates line endings while the terminal is raw.
func (c *Console) Writer() io.Writer { return consoleWriter{c} }

type consoleWriter struct{ c *Console }

func (w consoleWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	w.c.clearStatusLocked()
	if w.c.assistant {
		w.c.writeLocked("\n")
		w.c.assistant = false
	}
	if _, err := w.c.writeLocked(string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Console) AssistantText(delta string) {
	if delta == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearStatusLocked()
	if !c.assistant {
		c.writeLocked("agent: ")
		c.assistant = true
	}
	c.writeLocked(delta)
}

func (c *Console) UserTranscript(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.printLine("you: " + text)
}

// Caption shows an out-of-band transcript of the user's utterance.
func (c *Console) Caption(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.printLine("you (caption): " + text)
}

// OnStateChange prints the turn prompt when the gate reopens.
func (c *Console) OnStateChange(ev turn.StateChange) {
	if ev.ToState != turn.StateListening {
		return
	}
	if ev.FromState != turn.StateSendingAwaitingResponse && ev.FromState != turn.StatePlaying {
		return
	}
	if c.opts.PushToTalk {
		c.printLine("-- your turn (SPACE to talk) --")
		return
	}
	c.printLine("-- your turn --")
}

func (c *Console) printLine(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearStatusLocked()
	if c.assistant {
		c.writeLocked("\n")
		c.assistant = false
	}
	c.writeLocked(s + "\n")
}

func (c *Console) writeLocked(s string) (int, error) {
	if c.raw {
		s = strings.ReplaceAll(s, "\n", "\r\n")
	}
	return io.WriteString(c.out, s)
}

func (c *Console) clearStatusLocked() {
	if c.statusLen == 0 {
		return
	}
	io.WriteString(c.out, "\r"+strings.Repeat(" ", c.statusLen)+"\r")
	c.statusLen = 0
	c.lastStatus = ""
}

func (c *Console) renderStatus() {
	box := c.src.Load()
	if box == nil {
		return
	}
	line := FormatStatus(box.Status(), c.opts.Debug)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assistant || line == c.lastStatus {
		return
	}
	c.clearStatusLocked()
	io.WriteString(c.out, line)
	c.statusLen = len(line)
	c.lastStatus = line
}

const meterWidth = 20

// FormatStatus renders one status line. The meter is scaled so the
// threshold sits in the middle.
func FormatStatus(st engine.Status, debug string) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "[%-17s] ", st.State)
	if st.PushToTalk && !st.Talking {
		b.WriteString("mic off (SPACE) ")
	} else {
		b.WriteString("mic ")
		b.WriteString(meter(st.Level, st.Threshold))
		if st.Voiced {
			b.WriteString(" *")
		} else {
			b.WriteString("  ")
		}
	}
	switch debug {
	case engine.DebugEnergy:
		fmt.Fprintf(&b, " rms=%.4f thr=%.4f", st.Level, st.Threshold)
	case engine.DebugStatus:
		fmt.Fprintf(&b, " frames=%d gated=%d turns=%d", st.Frames, st.Gated, st.Completed)
	}
	return b.String()
}

func meter(level, threshold float64) string {
	scale := threshold * 2
	if scale <= 0 {
		scale = 0.1
	}
	n := int(level / scale * meterWidth)
	if n > meterWidth {
		n = meterWidth
	}
	if n < 0 {
		n = 0
	}
	return "|" + strings.Repeat("#", n) + strings.Repeat(".", meterWidth-n) + "|"
}

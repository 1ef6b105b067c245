package console

import (
	"context"
	"os"
	"time"

	"github.com/danishberg/scraptraffic/pkg/engine"
	"golang.org/x/term"
)

const (
	keyCtrlC = 0x03
	keySpace = ' '
)

// Run serves operator keys and the status line until ctx is done or the
// operator quits. A quit returns nil while ctx is still live.
func (c *Console) Run(ctx context.Context) error {
	if c.opts.Keyboard {
		if f, ok := c.opts.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			fd := int(f.Fd())
			state, err := term.MakeRaw(fd)
			if err == nil {
				c.setRaw(true)
				defer func() {
					c.mu.Lock()
					c.clearStatusLocked()
					c.mu.Unlock()
					_ = term.Restore(fd, state)
					c.setRaw(false)
				}()
			}
		}
	}

	var keys <-chan byte
	if c.opts.Keyboard {
		keys = c.readKeys(ctx)
	}
	var tick <-chan time.Time
	if c.statusEnabled() {
		ticker := time.NewTicker(c.opts.StatusInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			c.renderStatus()
		case k, ok := <-keys:
			if !ok {
				keys = nil
				continue
			}
			if c.handleKey(k) {
				c.printLine("bye")
				return nil
			}
		}
	}
}

// handleKey reports whether the operator asked to quit.
func (c *Console) handleKey(k byte) bool {
	switch k {
	case 'q', 'Q', keyCtrlC:
		return true
	case keySpace:
		if !c.opts.PushToTalk {
			return false
		}
		if c.held.Load() {
			c.held.Store(false)
			c.printLine("[mic off]")
		} else {
			c.held.Store(true)
			c.printLine("[talking]")
		}
	}
	return false
}

// readKeys forwards single bytes from In. The reader goroutine blocks in
// Read and ends with the process or on the next key after ctx is done.
func (c *Console) readKeys(ctx context.Context) <-chan byte {
	keys := make(chan byte, 8)
	go func() {
		defer close(keys)
		buf := make([]byte, 1)
		for {
			n, err := c.opts.In.Read(buf)
			if err != nil {
				return
			}
			if n == 0 {
				continue
			}
			select {
			case keys <- buf[0]:
			case <-ctx.Done():
				return
			}
		}
	}()
	return keys
}

func (c *Console) setRaw(v bool) {
	c.mu.Lock()
	c.raw = v
	c.mu.Unlock()
}

func (c *Console) statusEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw || c.opts.Debug != "" && c.opts.Debug != engine.DebugNone
}

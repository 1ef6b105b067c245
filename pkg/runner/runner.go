// Package runner supervises the engine process: start, run until signalled,
// drain within a deadline.
package runner

import (
	"bytes"
	"context"
	"io"

	"github.com/dimiro1/banner"
)

type State int32

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Service is the long-running work a runner supervises. Run returns when
// ctx is done or the service fails.
type Service interface {
	Run(ctx context.Context) error
}

// Hooks run on the runner's goroutine around the service lifetime.
type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer releases devices and connections after the service stopped.
type Drainer interface {
	Drain() error
}

type DrainerFunc func() error

func (f DrainerFunc) Drain() error { return f() }

// Version is overridden at build time with -ldflags "-X".
var Version = "dev"

const bannerTemplate = `{{ .Title "PHONEAGENT" "" 0 }}
scraptraffic voice agent {{ .AnsiColor.BrightBlack }}%s{{ .AnsiColor.Default }}
`

// PrintBanner writes the startup banner. Colors are dropped when w is not a
// terminal.
func PrintBanner(w io.Writer) {
	tpl := bytes.ReplaceAll([]byte(bannerTemplate), []byte("%s"), []byte(Version))
	banner.Init(w, true, true, bytes.NewReader(tpl))
}

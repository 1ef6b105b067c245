package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrDrainTimeout means the drainer did not return within the timeout.
	ErrDrainTimeout = errors.New("runner: drain timed out")
	// ErrServiceTimeout means the service ignored cancellation for longer
	// than the timeout.
	ErrServiceTimeout = errors.New("runner: service did not stop")
	ErrAlreadyStarted = errors.New("runner: already started")
)

// LifecycleRunner supervises one Service. When the parent context ends or
// the service returns, the runner drains once. Each wait is bounded by the
// same timeout so a wedged audio device cannot hold the process open.
type LifecycleRunner struct {
	service Service
	drainer Drainer
	hooks   Hooks
	timeout time.Duration

	state    atomic.Int32
	cancel   atomic.Pointer[context.CancelFunc]
	stopOnce sync.Once
	drainErr error
}

func NewLifecycleRunner(service Service, drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &LifecycleRunner{service: service, drainer: drainer, hooks: hooks, timeout: timeout}
}

// Run blocks until ctx ends or the service stops, then drains. The service
// error takes precedence over the drain error.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel.Store(&cancel)
	defer cancel()

	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.state.Store(int32(StateRunning))

	result := make(chan error, 1)
	go func() {
		if r.service == nil {
			<-ctx.Done()
			result <- nil
			return
		}
		result <- r.service.Run(ctx)
	}()

	var runErr error
	select {
	case runErr = <-result:
	case <-ctx.Done():
		r.state.Store(int32(StateDraining))
		var ok bool
		if runErr, ok = waitErr(result, r.timeout); !ok {
			runErr = ErrServiceTimeout
		}
	}
	cancel()
	if err := r.stop(); runErr == nil {
		runErr = err
	}
	return runErr
}

// Stop cancels a running service and drains. Safe to call more than once.
func (r *LifecycleRunner) Stop() error {
	if c := r.cancel.Load(); c != nil {
		(*c)()
	}
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) stop() error {
	r.stopOnce.Do(func() {
		r.state.Store(int32(StateDraining))
		if r.drainer != nil {
			done := make(chan error, 1)
			go func() { done <- r.drainer.Drain() }()
			var ok bool
			if r.drainErr, ok = waitErr(done, r.timeout); !ok {
				r.drainErr = ErrDrainTimeout
			}
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.state.Store(int32(StateStopped))
	})
	return r.drainErr
}

// waitErr receives from ch for at most d. ok is false on timeout.
func waitErr(ch <-chan error, d time.Duration) (err error, ok bool) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case err = <-ch:
		return err, true
	case <-t.C:
		return nil, false
	}
}

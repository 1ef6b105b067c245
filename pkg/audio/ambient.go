package audio

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/danishberg/scraptraffic/pkg/frames"
)

var (
	// ErrAmbientDisturbed means speech or an assistant turn started while the
	// ambient window was being recorded.
	ErrAmbientDisturbed = errors.New("ambient sample disturbed")
	ErrAmbientBusy      = errors.New("ambient sample already running")
)

// AmbientTap records ambient noise from the live capture stream for
// calibration, so no second handle on the input device is needed.
type AmbientTap struct {
	req atomic.Pointer[ambientRequest]
}

type ambientRequest struct {
	need int
	got  int
	buf  []byte
	err  error
	done chan struct{}
	// finished is only touched from the capture goroutine.
	finished bool
}

func NewAmbientTap() *AmbientTap { return &AmbientTap{} }

// Sample blocks until n frames were offered or ctx is done.
func (t *AmbientTap) Sample(ctx context.Context, n int) ([]byte, error) {
	if n <= 0 {
		n = 1
	}
	req := &ambientRequest{need: n, done: make(chan struct{})}
	if !t.req.CompareAndSwap(nil, req) {
		return nil, ErrAmbientBusy
	}
	select {
	case <-req.done:
		return req.buf, req.err
	case <-ctx.Done():
		t.req.CompareAndSwap(req, nil)
		return nil, ctx.Err()
	}
}

// Active reports whether a sample is being recorded.
func (t *AmbientTap) Active() bool { return t.req.Load() != nil }

// Offer hands one frame to a pending sample. disturbed taints the sample.
// Called from the capture goroutine only.
func (t *AmbientTap) Offer(frame frames.AudioFrame, disturbed bool) {
	req := t.req.Load()
	if req == nil || req.finished {
		return
	}
	if disturbed {
		req.err = ErrAmbientDisturbed
		t.finish(req)
		return
	}
	req.buf = append(req.buf, frame.RawPayload()...)
	req.got++
	if req.got >= req.need {
		t.finish(req)
	}
}

func (t *AmbientTap) finish(req *ambientRequest) {
	req.finished = true
	t.req.CompareAndSwap(req, nil)
	close(req.done)
}

package audio

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danishberg/scraptraffic/pkg/errorsx"
	"github.com/danishberg/scraptraffic/pkg/frames"
	"github.com/gordonklaus/portaudio"
)

// FrameHandler receives every captured frame on the capture goroutine. It
// must return well within one frame period.
type FrameHandler func(frames.AudioFrame)

type CaptureConfig struct {
	Device int
	Format frames.Format
}

type inputStream interface {
	Start() error
	Read() error
	Stop() error
	Close() error
}

// Capture is the microphone frame source: a mono PCM16 input stream whose
// buffer is exactly one frame, read on a dedicated goroutine.
type Capture struct {
	stream  inputStream
	buf     []int16
	format  frames.Format
	handler FrameHandler
	log     *slog.Logger
	ownsPA  bool

	errCh     chan error
	done      chan struct{}
	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	overflows atomic.Uint64
	seq       atomic.Uint64
	now       func() time.Time
}

// OpenCapture opens the input device. Device errors are reported here,
// before any frame is delivered.
func OpenCapture(cfg CaptureConfig, handler FrameHandler, log *slog.Logger) (*Capture, error) {
	if err := cfg.Format.Validate(); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonCaptureOpen)
	}
	if err := acquire(); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonCaptureOpen)
	}
	dev, err := resolveDevice(cfg.Device, true)
	if err != nil {
		release()
		return nil, errorsx.Wrap(err, errorsx.ReasonCaptureOpen)
	}
	buf := make([]int16, cfg.Format.FrameSamples())
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(cfg.Format.SampleRate),
		FramesPerBuffer: len(buf),
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		release()
		return nil, errorsx.Wrap(err, errorsx.ReasonCaptureOpen)
	}
	c := newCapture(stream, buf, cfg.Format, handler, log)
	c.ownsPA = true
	c.log.Info("capture_opened", "device", dev.Name, "sample_rate", cfg.Format.SampleRate, "frame_ms", cfg.Format.FrameDuration.Milliseconds())
	return c, nil
}

func newCapture(stream inputStream, buf []int16, format frames.Format, handler FrameHandler, log *slog.Logger) *Capture {
	if log == nil {
		log = slog.Default()
	}
	return &Capture{
		stream:  stream,
		buf:     buf,
		format:  format,
		handler: handler,
		log:     log,
		errCh:   make(chan error, 1),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Start begins frame delivery.
func (c *Capture) Start() error {
	if c.closed.Load() {
		return errorsx.New(errorsx.ReasonCaptureOpen, "capture closed")
	}
	if c.started.Load() {
		return nil
	}
	if err := c.stream.Start(); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonCaptureOpen)
	}
	c.started.Store(true)
	go c.readLoop()
	return nil
}

// Err delivers at most one fatal stream error.
func (c *Capture) Err() <-chan error { return c.errCh }

// Overflows reports how many reads hit an input overflow.
func (c *Capture) Overflows() uint64 { return c.overflows.Load() }

func (c *Capture) readLoop() {
	defer close(c.done)
	for {
		if c.closed.Load() {
			return
		}
		if err := c.stream.Read(); err != nil {
			if c.closed.Load() {
				return
			}
			if errors.Is(err, portaudio.InputOverflowed) {
				if c.overflows.Add(1)%50 == 1 {
					c.log.Debug("capture_overflow", "count", c.overflows.Load())
				}
				continue
			}
			c.log.Error("capture_stream_failed", "error", err)
			c.errCh <- errorsx.Wrap(err, errorsx.ReasonCaptureStream)
			return
		}
		seq := c.seq.Add(1)
		data := make([]byte, len(c.buf)*frames.BytesPerSample)
		frames.PutInt16s(data, c.buf)
		if c.handler != nil {
			c.handler(frames.NewAudioFrame(seq, c.now(), data, c.format.SampleRate))
		}
	}
}

// Close stops frame delivery and releases the device. Safe to call twice.
func (c *Capture) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.started.Load() {
			select {
			case <-c.done:
			case <-time.After(time.Second):
				c.log.Warn("capture_close_timeout")
			}
			err = c.stream.Stop()
		}
		if cerr := c.stream.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if c.ownsPA {
			release()
		}
		c.log.Info("capture_closed", "frames", c.seq.Load())
	})
	return err
}

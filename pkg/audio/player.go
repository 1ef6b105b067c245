package audio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danishberg/scraptraffic/pkg/errorsx"
	"github.com/danishberg/scraptraffic/pkg/frames"
	"github.com/gordonklaus/portaudio"
)

const (
	// playerBufferDuration is the device write size.
	playerBufferDuration = 40 * time.Millisecond
	playerQueueSize      = 512
	// A partial buffer is padded with silence and played once no new audio
	// arrived for this long.
	playerIdleFlush = 60 * time.Millisecond
)

type outputStream interface {
	Start() error
	Write() error
	Stop() error
	Close() error
}

// Player renders PCM16 chunks to an output device. Write never blocks: the
// chunk is queued for the playback goroutine or dropped when the queue is full.
type Player struct {
	stream outputStream
	out    []int16
	log    *slog.Logger
	ownsPA bool

	queue     chan []byte
	flushCh   chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	pending   atomic.Int64
	dropped   atomic.Uint64
	writeErrs atomic.Uint64
}

// OpenPlayer opens the output device at the sample rate of the remote
// service's audio and starts the playback goroutine.
func OpenPlayer(device, sampleRate int, log *slog.Logger) (*Player, error) {
	if sampleRate <= 0 {
		sampleRate = frames.SampleRate24k
	}
	if err := acquire(); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonPlaybackOpen)
	}
	dev, err := resolveDevice(device, false)
	if err != nil {
		release()
		return nil, errorsx.Wrap(err, errorsx.ReasonPlaybackOpen)
	}
	format := frames.Format{SampleRate: sampleRate, FrameDuration: playerBufferDuration}
	out := make([]int16, format.FrameSamples())
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: len(out),
	}
	stream, err := portaudio.OpenStream(params, out)
	if err != nil {
		release()
		return nil, errorsx.Wrap(err, errorsx.ReasonPlaybackOpen)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		release()
		return nil, errorsx.Wrap(err, errorsx.ReasonPlaybackOpen)
	}
	p := newPlayer(stream, out, log)
	p.ownsPA = true
	p.log.Info("player_opened", "device", dev.Name, "sample_rate", sampleRate)
	return p, nil
}

func newPlayer(stream outputStream, out []int16, log *slog.Logger) *Player {
	if log == nil {
		log = slog.Default()
	}
	p := &Player{
		stream:  stream,
		out:     out,
		log:     log,
		queue:   make(chan []byte, playerQueueSize),
		flushCh: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.loop()
	return p
}

// Write queues a chunk for playback. It is best effort: nothing is returned
// and a full queue drops the chunk.
func (p *Player) Write(chunk []byte) {
	if len(chunk) == 0 || p.closed.Load() {
		return
	}
	data := append([]byte(nil), chunk...)
	p.pending.Add(int64(len(data)))
	select {
	case p.queue <- data:
	default:
		p.pending.Add(-int64(len(data)))
		if p.dropped.Add(1)%20 == 1 {
			p.log.Warn("playback_queue_full", "dropped", p.dropped.Load())
		}
	}
}

// Pending is the number of queued bytes not yet handed to the device.
func (p *Player) Pending() int64 { return p.pending.Load() }

// WaitIdle blocks until everything written so far reached the device.
func (p *Player) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.pending.Load() <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return nil
		case <-ticker.C:
		}
	}
}

// Flush drops queued audio that has not been played yet.
func (p *Player) Flush() {
	for drained := false; !drained; {
		select {
		case data := <-p.queue:
			p.pending.Add(-int64(len(data)))
		default:
			drained = true
		}
	}
	select {
	case p.flushCh <- struct{}{}:
	default:
	}
}

// Close stops playback and releases the device. Safe to call twice.
func (p *Player) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.stop)
		select {
		case <-p.done:
		case <-time.After(time.Second):
			p.log.Warn("player_close_timeout")
		}
		err = errors.Join(p.stream.Stop(), p.stream.Close())
		if p.ownsPA {
			release()
		}
		p.log.Info("player_closed", "dropped", p.dropped.Load(), "write_errors", p.writeErrs.Load())
	})
	return err
}

func (p *Player) loop() {
	defer close(p.done)
	frameBytes := len(p.out) * frames.BytesPerSample
	buf := make([]byte, 0, frameBytes*4)
	idle := time.NewTimer(playerIdleFlush)
	idle.Stop()

	for {
		select {
		case <-p.stop:
			idle.Stop()
			return
		case <-p.flushCh:
			p.pending.Add(-int64(len(buf)))
			buf = buf[:0]
		case data := <-p.queue:
			buf = append(buf, data...)
			for len(buf) >= frameBytes {
				p.render(buf[:frameBytes], frameBytes)
				n := copy(buf, buf[frameBytes:])
				buf = buf[:n]
			}
			if len(buf) > 0 {
				idle.Reset(playerIdleFlush)
			}
		case <-idle.C:
			if len(buf) == 0 {
				continue
			}
			n := len(buf)
			for len(buf) < frameBytes {
				buf = append(buf, 0)
			}
			p.render(buf[:frameBytes], n)
			buf = buf[:0]
		}
	}
}

// render copies one device buffer into the stream and writes it. accounted is
// the number of real (non padding) bytes it carries.
func (p *Player) render(chunk []byte, accounted int) {
	samples := frames.Int16s(chunk)
	copy(p.out, samples)
	if err := p.stream.Write(); err != nil {
		if errors.Is(err, portaudio.OutputUnderflowed) {
			p.log.Debug("playback_underflow")
		} else if p.writeErrs.Add(1)%50 == 1 {
			p.log.Warn("playback_write_failed", "error", errorsx.Wrap(err, errorsx.ReasonPlaybackWrite), "count", p.writeErrs.Load())
		}
	}
	p.pending.Add(-int64(accounted))
}

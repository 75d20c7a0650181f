// Package capture handles microphone capture with backpressure.
package capture

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/GriffinCanCode/converse/internal/codec"
)

// Capture stream parameters fixed by the remote service protocol.
const (
	SampleRate      = codec.CaptureSampleRate
	FramesPerBuffer = 1024 // ~64ms at 16kHz
)

// Capturer reads fixed-size mono buffers from the default input device and
// hands them off on a buffered channel. A full channel drops the chunk so a
// slow consumer never stalls the audio hardware callback cadence.
type Capturer struct {
	stream      *portaudio.Stream
	buf         []float32
	outCh       chan []float32
	startStream func() error

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New acquires the default input device at the capture rate. The returned
// error indicates the microphone is unavailable.
func New(bufferDepth int) (*Capturer, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}

	c := &Capturer{
		buf:   make([]float32, FramesPerBuffer),
		outCh: make(chan []float32, bufferDepth),
	}

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(SampleRate), FramesPerBuffer, c.buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}
	c.stream = stream
	c.startStream = stream.Start
	return c, nil
}

// Output returns the channel of captured sample buffers.
func (c *Capturer) Output() <-chan []float32 { return c.outCh }

// Start begins the hardware read loop.
func (c *Capturer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	if err := c.startStream(); err != nil {
		// Roll back so a retrying caller gets a real attempt, not a no-op.
		c.mu.Lock()
		c.running = false
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		c.mu.Unlock()
		return err
	}

	go c.readLoop(ctx)
	slog.Info("started microphone capture", "sample_rate", SampleRate, "frames", FramesPerBuffer)
	return nil
}

func (c *Capturer) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.stream.Read(); err != nil {
			if ctx.Err() == nil {
				slog.Debug("capture read error", "error", err)
			}
			return
		}

		chunk := append([]float32(nil), c.buf...)
		select {
		case c.outCh <- chunk:
		default:
			slog.Debug("capture buffer full, dropping chunk")
		}
	}
}

// Stop releases the capture device. Safe to call more than once.
func (c *Capturer) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		if c.cancel != nil {
			c.cancel()
		}
		c.running = false
		c.mu.Unlock()

		_ = c.stream.Stop()
		_ = c.stream.Close()
		_ = portaudio.Terminate()
	})
}

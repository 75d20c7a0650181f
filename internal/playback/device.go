package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

// framesPerWrite is the portaudio output buffer size in samples.
const framesPerWrite = 1024

// Device is a portaudio output sink at the playback sample rate, mono.
// Segment goroutines serialize their writes through one shared stream;
// because the scheduler never overlaps segment start times, writes for
// consecutive segments naturally follow each other.
type Device struct {
	stream *portaudio.Stream
	buf    []float32

	mu     sync.Mutex // serializes stream writes
	closed bool
}

// NewDevice opens the default output device.
func NewDevice() (*Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}

	d := &Device{buf: make([]float32, framesPerWrite)}
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(SampleRate), framesPerWrite, d.buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, err
	}

	d.stream = stream
	return d, nil
}

// Play schedules samples to begin at the given time. Implements Sink.
func (d *Device) Play(samples []float32, at time.Time, done func()) (Handle, error) {
	h := &deviceHandle{stopped: make(chan struct{})}
	go d.run(samples, at, h, done)
	return h, nil
}

func (d *Device) run(samples []float32, at time.Time, h *deviceHandle, done func()) {
	timer := time.NewTimer(time.Until(at))
	defer timer.Stop()

	select {
	case <-h.stopped:
		return
	case <-timer.C:
	}

	for off := 0; off < len(samples); off += framesPerWrite {
		select {
		case <-h.stopped:
			return
		default:
		}

		end := off + framesPerWrite
		if end > len(samples) {
			end = len(samples)
		}

		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return
		}
		n := copy(d.buf, samples[off:end])
		// Zero-pad the tail so a short final write stays silent.
		for i := n; i < len(d.buf); i++ {
			d.buf[i] = 0
		}
		if err := d.stream.Write(); err != nil {
			d.mu.Unlock()
			slog.Debug("playback write error", "error", err)
			return
		}
		d.mu.Unlock()
	}

	select {
	case <-h.stopped:
	default:
		done()
	}
}

// Close stops the output stream and releases the device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	_ = d.stream.Stop()
	err := d.stream.Close()
	_ = portaudio.Terminate()
	return err
}

type deviceHandle struct {
	once    sync.Once
	stopped chan struct{}
}

func (h *deviceHandle) Stop() {
	h.once.Do(func() { close(h.stopped) })
}

// Package session owns the conversation lifecycle: it connects capture,
// transport, playback, and transcription into one live session and drives
// the Disconnected/Connecting/Connected state machine.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/GriffinCanCode/converse/internal/codec"
	apperrors "github.com/GriffinCanCode/converse/internal/errors"
	"github.com/GriffinCanCode/converse/internal/observe"
	"github.com/GriffinCanCode/converse/internal/playback"
	"github.com/GriffinCanCode/converse/internal/transcript"
	"github.com/GriffinCanCode/converse/internal/transport"
	"github.com/GriffinCanCode/converse/internal/wire"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Dialer establishes the channel to the remote service.
type Dialer func(ctx context.Context) (transport.Transport, error)

// Capturer produces captured audio buffers. Satisfied by capture.Capturer.
type Capturer interface {
	Start(ctx context.Context) error
	Output() <-chan []float32
	Stop()
}

// Config wires the controller's collaborators.
type Config struct {
	// Dial opens the remote channel. Required.
	Dial Dialer

	// NewCapturer acquires the input device for a session. Required.
	NewCapturer func() (Capturer, error)

	// Sink receives scheduled playback segments. Required.
	Sink playback.Sink

	// Metrics defaults to observe.Default().
	Metrics *observe.Metrics
}

// Controller runs one conversation session at a time. All incoming events
// are dispatched by a single goroutine in arrival order, so no handler ever
// races another; the capture path runs separately and never blocks on the
// network.
type Controller struct {
	cfg   Config
	sched *playback.Scheduler
	agg   *transcript.Aggregator

	state atomic.Int32
	muted atomic.Bool

	mu      sync.Mutex
	lastErr error
	cancel  context.CancelFunc
	tr      transport.Transport
	capt    Capturer

	stateCh chan State
}

// New creates an idle controller.
func New(cfg Config) *Controller {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.Default()
	}
	return &Controller{
		cfg:     cfg,
		sched:   playback.NewScheduler(cfg.Sink),
		agg:     transcript.NewAggregator(16),
		stateCh: make(chan State, 8),
	}
}

// Start acquires the input device, dials the remote service, and begins
// streaming. A no-op when a session is already connecting or connected.
// On failure every acquired resource is released and the controller returns
// to Disconnected.
func (c *Controller) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return nil
	}
	c.notify(StateConnecting)

	capt, err := c.cfg.NewCapturer()
	if err != nil {
		c.abortStart()
		return apperrors.Wrap(err, apperrors.CodeDeviceUnavailable, "input device unavailable")
	}

	tr, err := c.cfg.Dial(ctx)
	if err != nil {
		capt.Stop()
		c.abortStart()
		return apperrors.Wrap(err, apperrors.CodeRemoteConnectFailure, "connecting to remote service failed")
	}

	// The session outlives the Start call; teardown cancels it.
	sessCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.cancel = cancel
	c.tr = tr
	c.capt = capt
	c.lastErr = nil
	c.mu.Unlock()

	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		// Stop raced the handshake; release everything we just acquired.
		cancel()
		capt.Stop()
		_ = tr.Close()
		return nil
	}
	c.notify(StateConnected)
	c.sched.Resume()
	c.cfg.Metrics.ActiveSessions.Add(sessCtx, 1)

	if err := capt.Start(sessCtx); err != nil {
		wrapped := apperrors.Wrap(err, apperrors.CodeDeviceUnavailable, "starting capture failed")
		c.teardown(wrapped)
		return wrapped
	}

	go c.captureLoop(sessCtx, capt, tr)
	go c.receiveLoop(sessCtx, tr)

	slog.Info("session connected")
	return nil
}

// abortStart rolls Connecting back to Disconnected after a failed Start.
func (c *Controller) abortStart() {
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnected))
	c.notify(StateDisconnected)
}

// Stop ends the session and releases all resources. Idempotent.
func (c *Controller) Stop() {
	c.teardown(nil)
}

// captureLoop forwards captured buffers to the transport. A saturated send
// queue drops the frame; the capture cadence never blocks on the network.
func (c *Controller) captureLoop(ctx context.Context, capt Capturer, tr transport.Transport) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-capt.Output():
			if !ok {
				return
			}
			if c.muted.Load() {
				continue
			}

			frame, err := wire.EncodeMedia(codec.EncodePCM16(chunk))
			if err != nil {
				slog.Warn("encoding media frame failed", "error", err)
				continue
			}

			switch err := tr.Send(frame); err {
			case nil:
				c.cfg.Metrics.FramesSent.Add(ctx, 1)
			case transport.ErrSendQueueFull:
				c.cfg.Metrics.FramesDropped.Add(ctx, 1)
				slog.Debug("send queue full, dropping frame")
			case transport.ErrClosed:
				return
			default:
				slog.Debug("transport send failed", "error", err)
			}
		}
	}
}

// receiveLoop is the sole dispatcher of incoming events. Processing one
// event at a time in arrival order is what keeps playback scheduling and
// transcript assembly free of handler races.
func (c *Controller) receiveLoop(ctx context.Context, tr transport.Transport) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-tr.Events():
			if !ok {
				c.teardown(apperrors.New(apperrors.CodeRemoteClosed, "remote closed the connection"))
				return
			}
			if err := c.dispatch(ctx, ev); err != nil {
				c.teardown(err)
				return
			}
		}
	}
}

// dispatch handles one incoming event. A non-nil return is terminal and
// tears the session down.
func (c *Controller) dispatch(ctx context.Context, ev wire.Event) error {
	switch ev := ev.(type) {
	case wire.AudioChunk:
		samples, err := codec.DecodePCM16(ev.Data)
		if err != nil {
			c.cfg.Metrics.MalformedFrames.Add(ctx, 1)
			slog.Warn("malformed audio frame", "bytes", len(ev.Data), "error", err)
		}
		if ctx.Err() != nil {
			// Session tore down while this event was queued; stale audio
			// must not restart playback.
			return nil
		}
		if err := c.sched.Enqueue(samples); err != nil {
			slog.Warn("scheduling playback failed", "error", err)
			return nil
		}
		c.cfg.Metrics.ChunksReceived.Add(ctx, 1)
		c.cfg.Metrics.PlaybackLead.Record(ctx, c.sched.Lead().Seconds())

	case wire.TranscriptFragment:
		speaker := transcript.SpeakerUser
		if ev.Speaker == wire.SpeakerModel {
			speaker = transcript.SpeakerModel
		}
		c.agg.AppendFragment(speaker, ev.Text)

	case wire.TurnComplete:
		c.agg.CompleteTurn()
		c.cfg.Metrics.TurnsCompleted.Add(ctx, 1)

	case wire.Interrupted:
		// The user spoke over the model: silence pending audio immediately
		// and discard the partial model text. The user buffer survives.
		c.sched.Flush()
		c.agg.ResetOutput()
		c.cfg.Metrics.Interruptions.Add(ctx, 1)
		slog.Debug("interrupted, playback flushed")

	case wire.Closed:
		return apperrors.New(apperrors.CodeRemoteClosed, "remote closed the connection")

	case wire.RemoteError:
		return apperrors.New(apperrors.CodeRemoteError, ev.Message)
	}
	return nil
}

// teardown transitions to Disconnected and releases the session's resources.
// Exactly one caller wins the transition; the rest are no-ops. Unfinalized
// turn buffers are dropped, never emitted as utterances.
func (c *Controller) teardown(cause error) {
	var prev int32
	for {
		prev = c.state.Load()
		if prev == int32(StateDisconnected) {
			return
		}
		if c.state.CompareAndSwap(prev, int32(StateDisconnected)) {
			break
		}
	}

	c.mu.Lock()
	cancel, tr, capt := c.cancel, c.tr, c.capt
	c.cancel, c.tr, c.capt = nil, nil, nil
	c.lastErr = cause
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if capt != nil {
		capt.Stop()
	}
	if tr != nil {
		_ = tr.Close()
	}
	// Halt, not Flush: a decode that raced past the context check must find
	// the scheduler already refusing work, not an empty queue to refill.
	c.sched.Halt()
	c.agg.Reset()

	if prev == int32(StateConnected) {
		c.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
	}
	c.notify(StateDisconnected)

	if cause != nil {
		slog.Warn("session ended", "error", cause)
	} else {
		slog.Info("session ended")
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Err returns the error that ended the last session, or nil after a clean
// stop.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// SetMuted toggles the capture mute flag. Takes effect on the next captured
// buffer; capture itself keeps running so unmuting is instantaneous.
func (c *Controller) SetMuted(muted bool) {
	c.muted.Store(muted)
}

// Muted reports the capture mute flag.
func (c *Controller) Muted() bool {
	return c.muted.Load()
}

// LiveUserText returns the user's in-progress turn text.
func (c *Controller) LiveUserText() string {
	return c.agg.Live(transcript.SpeakerUser)
}

// LiveModelText returns the model's in-progress turn text.
func (c *Controller) LiveModelText() string {
	return c.agg.Live(transcript.SpeakerModel)
}

// Transcript returns a copy of the finalized utterance sequence.
func (c *Controller) Transcript() []transcript.Utterance {
	return c.agg.Transcript()
}

// Utterances returns the stream of finalized utterances.
func (c *Controller) Utterances() <-chan transcript.Utterance {
	return c.agg.Events()
}

// Activity returns the current playback amplitude signal in [0, 1].
func (c *Controller) Activity() float64 {
	return c.sched.Activity()
}

// StateEvents returns a stream of lifecycle transitions. Best effort: slow
// consumers miss intermediate states, never current ones (poll State).
func (c *Controller) StateEvents() <-chan State {
	return c.stateCh
}

func (c *Controller) notify(s State) {
	select {
	case c.stateCh <- s:
	default:
	}
}

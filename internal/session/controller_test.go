package session

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/GriffinCanCode/converse/internal/codec"
	apperrors "github.com/GriffinCanCode/converse/internal/errors"
	"github.com/GriffinCanCode/converse/internal/playback"
	"github.com/GriffinCanCode/converse/internal/transcript"
	"github.com/GriffinCanCode/converse/internal/transport"
	"github.com/GriffinCanCode/converse/internal/wire"
)

// fakeTransport records sent frames and lets tests inject incoming events.
type fakeTransport struct {
	mu        sync.Mutex
	sent      [][]byte
	events    chan wire.Event
	closed    bool
	queueFull bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan wire.Event, 16)}
}

func (f *fakeTransport) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	if f.queueFull {
		return transport.ErrSendQueueFull
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTransport) Events() <-chan wire.Event { return f.events }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeCapturer hands out a test-fed channel instead of a device stream.
type fakeCapturer struct {
	out      chan []float32
	mu       sync.Mutex
	started  bool
	stopped  bool
	startErr error
}

func newFakeCapturer() *fakeCapturer {
	return &fakeCapturer{out: make(chan []float32, 16)}
}

func (f *fakeCapturer) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeCapturer) Output() <-chan []float32 { return f.out }

func (f *fakeCapturer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeCapturer) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// recordSink counts plays and stops; segments never complete on their own.
type recordSink struct {
	mu    sync.Mutex
	plays int
	stops int
}

type recordHandle struct{ sink *recordSink }

func (h *recordHandle) Stop() {
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	h.sink.stops++
}

func (s *recordSink) Play(samples []float32, at time.Time, done func()) (playback.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plays++
	return &recordHandle{sink: s}, nil
}

func (s *recordSink) counts() (plays, stops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plays, s.stops
}

type testHarness struct {
	ctrl *Controller
	tr   *fakeTransport
	capt *fakeCapturer
	sink *recordSink
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		tr:   newFakeTransport(),
		capt: newFakeCapturer(),
		sink: &recordSink{},
	}
	h.ctrl = New(Config{
		Dial:        func(ctx context.Context) (transport.Transport, error) { return h.tr, nil },
		NewCapturer: func() (Capturer, error) { return h.capt, nil },
		Sink:        h.sink,
	})
	t.Cleanup(h.ctrl.Stop)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartConnects(t *testing.T) {
	h := newHarness(t)

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := h.ctrl.State(); got != StateConnected {
		t.Errorf("State() = %v, want connected", got)
	}
}

func TestStartWhileConnectedIsNoop(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.ctrl.cfg.NewCapturer = func() (Capturer, error) {
		calls++
		return h.capt, nil
	}

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("capturer acquired %d times, want 1", calls)
	}
}

func TestStartDeviceFailure(t *testing.T) {
	h := newHarness(t)
	h.ctrl.cfg.NewCapturer = func() (Capturer, error) {
		return nil, stderrors.New("no input device")
	}

	err := h.ctrl.Start(context.Background())
	if !apperrors.IsCode(err, apperrors.CodeDeviceUnavailable) {
		t.Errorf("Start() error = %v, want DEVICE_UNAVAILABLE", err)
	}
	if got := h.ctrl.State(); got != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", got)
	}
}

func TestStartDialFailure(t *testing.T) {
	h := newHarness(t)
	h.ctrl.cfg.Dial = func(ctx context.Context) (transport.Transport, error) {
		return nil, stderrors.New("connection refused")
	}

	err := h.ctrl.Start(context.Background())
	if !apperrors.IsCode(err, apperrors.CodeRemoteConnectFailure) {
		t.Errorf("Start() error = %v, want REMOTE_CONNECT_FAILURE", err)
	}
	if !h.capt.isStopped() {
		t.Error("capturer should be released when dialing fails")
	}
	if got := h.ctrl.State(); got != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", got)
	}
}

func TestStopReleasesEverything(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	h.ctrl.Stop()
	h.ctrl.Stop() // idempotent

	if got := h.ctrl.State(); got != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", got)
	}
	if !h.capt.isStopped() {
		t.Error("capturer should be stopped")
	}
	if !h.tr.isClosed() {
		t.Error("transport should be closed")
	}
	if err := h.ctrl.Err(); err != nil {
		t.Errorf("Err() after clean stop = %v, want nil", err)
	}
}

func TestCaptureForwardsEncodedFrames(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	chunk := []float32{0, 0.5, -0.5, 0.25}
	h.capt.out <- chunk

	waitFor(t, "frame to arrive", func() bool { return h.tr.sentCount() == 1 })

	want, _ := wire.EncodeMedia(codec.EncodePCM16(chunk))
	h.tr.mu.Lock()
	got := h.tr.sent[0]
	h.tr.mu.Unlock()
	if string(got) != string(want) {
		t.Errorf("sent frame = %s, want %s", got, want)
	}
}

func TestMuteDiscardsFrames(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	h.ctrl.SetMuted(true)
	h.capt.out <- []float32{0.1}
	h.capt.out <- []float32{0.2}
	time.Sleep(50 * time.Millisecond)
	if n := h.tr.sentCount(); n != 0 {
		t.Fatalf("sent %d frames while muted, want 0", n)
	}

	h.ctrl.SetMuted(false)
	h.capt.out <- []float32{0.3}
	waitFor(t, "frame after unmute", func() bool { return h.tr.sentCount() == 1 })
}

func TestFragmentsAssembleAcrossSpeakers(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	h.tr.events <- wire.TranscriptFragment{Speaker: wire.SpeakerUser, Text: "Hel"}
	h.tr.events <- wire.TranscriptFragment{Speaker: wire.SpeakerModel, Text: "Hi "}
	h.tr.events <- wire.TranscriptFragment{Speaker: wire.SpeakerUser, Text: "lo"}
	h.tr.events <- wire.TranscriptFragment{Speaker: wire.SpeakerModel, Text: "there"}
	h.tr.events <- wire.TurnComplete{}

	waitFor(t, "turn to finalize", func() bool { return len(h.ctrl.Transcript()) == 2 })

	got := h.ctrl.Transcript()
	want := []transcript.Utterance{
		{Speaker: transcript.SpeakerUser, Text: "Hello"},
		{Speaker: transcript.SpeakerModel, Text: "Hi there"},
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("utterance[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
	if h.ctrl.LiveUserText() != "" || h.ctrl.LiveModelText() != "" {
		t.Error("live buffers should be empty after turn completion")
	}
}

func TestInterruptionFlushesPlaybackAndModelText(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	pcm := codec.EncodePCM16(make([]float32, 2400)) // 100ms of silence
	h.tr.events <- wire.AudioChunk{Data: pcm}
	h.tr.events <- wire.AudioChunk{Data: pcm}
	h.tr.events <- wire.TranscriptFragment{Speaker: wire.SpeakerUser, Text: "wait"}
	h.tr.events <- wire.TranscriptFragment{Speaker: wire.SpeakerModel, Text: "as I was"}

	waitFor(t, "segments scheduled", func() bool {
		plays, _ := h.sink.counts()
		return plays == 2
	})

	h.tr.events <- wire.Interrupted{}

	waitFor(t, "segments stopped", func() bool {
		_, stops := h.sink.counts()
		return stops == 2
	})
	waitFor(t, "model text cleared", func() bool { return h.ctrl.LiveModelText() == "" })
	if got := h.ctrl.LiveUserText(); got != "wait" {
		t.Errorf("LiveUserText() = %q, want %q", got, "wait")
	}
	if got := h.ctrl.State(); got != StateConnected {
		t.Errorf("State() = %v, interruption must not end the session", got)
	}
}

func TestMalformedChunkDoesNotEndSession(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// 3 bytes: one whole sample plus a dangling byte.
	h.tr.events <- wire.AudioChunk{Data: []byte{0x00, 0x40, 0x7f}}

	waitFor(t, "truncated chunk scheduled", func() bool {
		plays, _ := h.sink.counts()
		return plays == 1
	})
	if got := h.ctrl.State(); got != StateConnected {
		t.Errorf("State() = %v, want connected", got)
	}
}

func TestStaleChunkAfterStopIsDiscarded(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	h.ctrl.Stop()

	// A decode that was in flight when teardown began lands on the scheduler
	// after the flush; it must be refused, not played.
	if err := h.ctrl.sched.Enqueue(make([]float32, 2400)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if plays, _ := h.sink.counts(); plays != 0 {
		t.Errorf("scheduled %d segments after stop, want 0", plays)
	}

	// A fresh session schedules again.
	h.tr = newFakeTransport()
	h.capt = newFakeCapturer()
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	h.tr.events <- wire.AudioChunk{Data: codec.EncodePCM16(make([]float32, 2400))}

	waitFor(t, "chunk scheduled after restart", func() bool {
		plays, _ := h.sink.counts()
		return plays == 1
	})
}

func TestRemoteClosedTearsDown(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	h.tr.events <- wire.Closed{}

	waitFor(t, "teardown", func() bool { return h.ctrl.State() == StateDisconnected })
	if err := h.ctrl.Err(); !apperrors.IsCode(err, apperrors.CodeRemoteClosed) {
		t.Errorf("Err() = %v, want REMOTE_CLOSED", err)
	}
	if !h.capt.isStopped() {
		t.Error("capturer should be stopped after remote close")
	}
}

func TestRemoteErrorTearsDown(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	h.tr.events <- wire.RemoteError{Message: "quota exceeded"}

	waitFor(t, "teardown", func() bool { return h.ctrl.State() == StateDisconnected })
	if err := h.ctrl.Err(); !apperrors.IsCode(err, apperrors.CodeRemoteError) {
		t.Errorf("Err() = %v, want REMOTE_ERROR", err)
	}
}

func TestStopMidTurnDropsUnfinalizedText(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	h.tr.events <- wire.TranscriptFragment{Speaker: wire.SpeakerUser, Text: "never fini"}
	waitFor(t, "fragment applied", func() bool { return h.ctrl.LiveUserText() == "never fini" })

	h.ctrl.Stop()

	if got := h.ctrl.LiveUserText(); got != "" {
		t.Errorf("LiveUserText() after stop = %q, want empty", got)
	}
	if got := h.ctrl.Transcript(); len(got) != 0 {
		t.Errorf("Transcript() after stop = %+v, want empty", got)
	}
}

func TestStateEventsObserveTransitions(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.ctrl.Stop()

	want := []State{StateConnecting, StateConnected, StateDisconnected}
	for _, w := range want {
		select {
		case got := <-h.ctrl.StateEvents():
			if got != w {
				t.Fatalf("state event = %v, want %v", got, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for state %v", w)
		}
	}
}

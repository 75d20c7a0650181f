package transport

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/GriffinCanCode/converse/internal/resilience"
	"github.com/GriffinCanCode/converse/internal/wire"
)

const (
	defaultSendQueue  = 64
	defaultEventQueue = 64

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// Options configures Dial.
type Options struct {
	// URL is the ws:// or wss:// endpoint of the remote service.
	URL string

	// APIKey, when set, is appended as a "key" query parameter.
	APIKey string

	// SetupFrame, when non-nil, is written once immediately after the
	// channel opens, before any media frames.
	SetupFrame []byte

	// SendQueue sizes the outgoing frame buffer. Default 64.
	SendQueue int

	// KeepaliveInterval is the ping cadence. Default 20s.
	KeepaliveInterval time.Duration

	// Retry controls dial retry policy. Zero value uses DialRetryConfig.
	Retry resilience.RetryConfig
}

// WebSocket implements Transport over a coder/websocket connection.
type WebSocket struct {
	conn           *websocket.Conn
	sendCh         chan []byte
	events         chan wire.Event
	keepaliveEvery time.Duration
	ctx            context.Context
	cancel         context.CancelFunc
	done           chan struct{}
	mu             sync.Mutex
	closed         bool
	closeFn        sync.Once
}

var _ Transport = (*WebSocket)(nil)

// Dial opens the channel, retrying transient failures per the configured
// policy, and starts the read, write, and keepalive loops.
func Dial(ctx context.Context, opts Options) (*WebSocket, error) {
	endpoint, err := buildURL(opts.URL, opts.APIKey)
	if err != nil {
		return nil, err
	}

	retryCfg := opts.Retry
	if retryCfg.MaxRetries == 0 && retryCfg.BaseDelay == 0 {
		retryCfg = resilience.DialRetryConfig()
	}

	var conn *websocket.Conn
	err = resilience.Retry(ctx, retryCfg, func() error {
		c, _, dialErr := websocket.Dial(ctx, endpoint, nil)
		if dialErr != nil {
			return dialErr
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	sendQueue := opts.SendQueue
	if sendQueue <= 0 {
		sendQueue = defaultSendQueue
	}

	keepaliveEvery := opts.KeepaliveInterval
	if keepaliveEvery <= 0 {
		keepaliveEvery = keepaliveInterval
	}

	wsCtx, cancel := context.WithCancel(context.Background())
	ws := &WebSocket{
		conn:           conn,
		sendCh:         make(chan []byte, sendQueue),
		events:         make(chan wire.Event, defaultEventQueue),
		keepaliveEvery: keepaliveEvery,
		ctx:            wsCtx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	if opts.SetupFrame != nil {
		if err := conn.Write(ctx, websocket.MessageText, opts.SetupFrame); err != nil {
			cancel()
			_ = conn.Close(websocket.StatusInternalError, "setup failed")
			return nil, err
		}
	}

	go ws.readLoop()
	go ws.writeLoop()
	go ws.keepaliveLoop()

	return ws, nil
}

// buildURL validates the endpoint and appends the API key.
func buildURL(raw, apiKey string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if apiKey != "" {
		q := u.Query()
		q.Set("key", apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Send enqueues one frame without blocking.
func (ws *WebSocket) Send(frame []byte) error {
	ws.mu.Lock()
	closed := ws.closed
	ws.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case ws.sendCh <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Events returns the incoming event stream.
func (ws *WebSocket) Events() <-chan wire.Event { return ws.events }

// readLoop owns the events channel: it closes it when it exits. Events are
// emitted strictly in arrival order.
func (ws *WebSocket) readLoop() {
	defer close(ws.events)

	for {
		_, data, err := ws.conn.Read(ws.ctx)
		if err != nil {
			if ws.ctx.Err() != nil {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				ws.emit(wire.Closed{})
			default:
				ws.emit(wire.RemoteError{Message: err.Error()})
			}
			return
		}

		events, err := wire.Parse(data)
		if err != nil {
			slog.Debug("skipping malformed server message", "error", err)
			continue
		}
		for _, ev := range events {
			if !ws.emit(ev) {
				return
			}
		}
	}
}

// emit delivers one event, preserving order. Reports false when the
// transport is shutting down.
func (ws *WebSocket) emit(ev wire.Event) bool {
	select {
	case ws.events <- ev:
		return true
	case <-ws.ctx.Done():
		return false
	}
}

func (ws *WebSocket) writeLoop() {
	for {
		select {
		case <-ws.ctx.Done():
			return
		case frame := <-ws.sendCh:
			if err := ws.conn.Write(ws.ctx, websocket.MessageText, frame); err != nil {
				if ws.ctx.Err() == nil {
					slog.Debug("transport write error", "error", err)
				}
				return
			}
		}
	}
}

// keepaliveLoop pings periodically to keep the channel alive. A failed ping
// means the connection is dead; closing it here makes readLoop surface the
// failure instead of waiting for a read or write to notice.
func (ws *WebSocket) keepaliveLoop() {
	ticker := time.NewTicker(ws.keepaliveEvery)
	defer ticker.Stop()

	timeout := keepaliveTimeout
	if ws.keepaliveEvery < timeout {
		timeout = ws.keepaliveEvery
	}

	for {
		select {
		case <-ws.done:
			return
		case <-ws.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ws.ctx, timeout)
			err := ws.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ws.ctx.Err() != nil {
					return
				}
				slog.Debug("keepalive ping failed, closing connection", "error", err)
				_ = ws.conn.Close(websocket.StatusPolicyViolation, "keepalive timeout")
				return
			}
		}
	}
}

// Close terminates the transport and releases all resources. Idempotent.
func (ws *WebSocket) Close() error {
	ws.closeFn.Do(func() {
		ws.mu.Lock()
		ws.closed = true
		ws.mu.Unlock()

		ws.cancel()
		close(ws.done)
		_ = ws.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

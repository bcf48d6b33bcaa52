package signaling

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/huddlechat/callcore"
)

const (
	defaultDialAttempts = 3
	defaultDialBackoff  = time.Second
	defaultPingInterval = 25 * time.Second
	writeWait           = 10 * time.Second
	sendBufferSize      = 64
)

// WebsocketRelayOptions configure DialWebsocketRelay.
type WebsocketRelayOptions struct {
	// URL is the ws:// or wss:// relay endpoint.
	URL string
	// Token is sent as a bearer token when non-empty.
	Token  string
	UserID string

	DialAttempts int
	DialBackoff  time.Duration
	PingInterval time.Duration

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// A WebsocketRelay is a Relay over a single websocket connection. The socket
// may carry other application traffic; events this package does not know are
// skipped.
type WebsocketRelay struct {
	userID string
	conn   *websocket.Conn
	logger golog.Logger

	pingInterval time.Duration
	send         chan []byte
	events       chan Event

	connected atomic.Bool
	errMu     sync.Mutex
	err       error
	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	workers   *callcore.StoppableWorkers
}

// DialWebsocketRelay connects to the relay, retrying failed dials.
func DialWebsocketRelay(ctx context.Context, opts WebsocketRelayOptions, logger golog.Logger) (*WebsocketRelay, error) {
	if opts.UserID == "" {
		return nil, errors.New("user id required to connect to relay")
	}
	target, err := url.Parse(opts.URL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid relay url")
	}
	if target.Scheme != "ws" && target.Scheme != "wss" {
		return nil, errors.Errorf("relay url must be ws or wss but got %q", target.Scheme)
	}
	query := target.Query()
	query.Set("userId", opts.UserID)
	target.RawQuery = query.Encode()

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	attempts := opts.DialAttempts
	if attempts <= 0 {
		attempts = defaultDialAttempts
	}
	backoff := opts.DialBackoff
	if backoff <= 0 {
		backoff = defaultDialBackoff
	}

	conn, err := callcore.RetryNTimesWithSleep(ctx, func() (*websocket.Conn, error) {
		conn, resp, err := dialer.DialContext(ctx, target.String(), header)
		if resp != nil && resp.Body != nil {
			callcore.UncheckedError(resp.Body.Close())
		}
		if err != nil {
			logger.Debugw("relay dial failed", "url", opts.URL, "error", err)
			return nil, err
		}
		return conn, nil
	}, attempts, backoff)
	if err != nil {
		return nil, errors.Wrap(err, "error connecting to relay")
	}

	pingInterval := opts.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	r := &WebsocketRelay{
		userID:       opts.UserID,
		conn:         conn,
		logger:       logger,
		pingInterval: pingInterval,
		send:         make(chan []byte, sendBufferSize),
		events:       make(chan Event),
		done:         make(chan struct{}),
		workers:      callcore.NewStoppableWorkers(context.Background()),
	}
	r.connected.Store(true)
	callcore.UncheckedError(r.workers.Add(r.readPump))
	callcore.UncheckedError(r.workers.Add(r.writePump))
	logger.Debugw("connected to relay", "url", opts.URL, "user_id", opts.UserID)
	return r, nil
}

// UserID returns the user the relay was dialed as.
func (r *WebsocketRelay) UserID() string {
	return r.userID
}

// Send queues an event for the write pump.
func (r *WebsocketRelay) Send(ctx context.Context, ev Event) error {
	if !r.connected.Load() {
		return ErrNotConnected
	}
	raw, err := Encode(ev)
	if err != nil {
		return err
	}
	select {
	case r.send <- raw:
		return nil
	case <-r.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the decoded call events read from the socket.
func (r *WebsocketRelay) Events() <-chan Event {
	return r.events
}

// Connected reports whether the socket is still up.
func (r *WebsocketRelay) Connected() bool {
	return r.connected.Load()
}

// Err returns the error that broke the connection. It is nil after a local Close.
func (r *WebsocketRelay) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// Close sends a close frame and tears the connection down.
func (r *WebsocketRelay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.connected.Load() {
			callcore.UncheckedError(r.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			))
		}
		err = r.shutdown(nil)
		r.workers.Stop()
	})
	return err
}

// shutdown records the first failure and unblocks both pumps.
func (r *WebsocketRelay) shutdown(cause error) error {
	var err error
	r.doneOnce.Do(func() {
		r.connected.Store(false)
		r.errMu.Lock()
		r.err = cause
		r.errMu.Unlock()
		close(r.done)
		err = r.conn.Close()
	})
	return err
}

func (r *WebsocketRelay) readPump(ctx context.Context) {
	defer close(r.events)

	pongWait := 2 * r.pingInterval
	callcore.UncheckedError(r.conn.SetReadDeadline(time.Now().Add(pongWait)))
	r.conn.SetPongHandler(func(string) error {
		return r.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := r.conn.ReadMessage()
		if err != nil {
			select {
			case <-r.done:
			default:
				r.logger.Debugw("relay read failed", "error", err)
				callcore.UncheckedError(r.shutdown(errors.Wrap(err, "relay connection lost")))
			}
			return
		}
		ev, err := Decode(raw)
		if err != nil {
			if errors.Is(err, ErrUnknownEvent) {
				r.logger.Debugw("skipping non-call event", "error", err)
			} else {
				r.logger.Warnw("dropping malformed event", "error", err)
			}
			continue
		}
		select {
		case r.events <- ev:
		case <-r.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *WebsocketRelay) writePump(ctx context.Context) {
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case raw := <-r.send:
			callcore.UncheckedError(r.conn.SetWriteDeadline(time.Now().Add(writeWait)))
			if err := r.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				callcore.UncheckedError(r.shutdown(errors.Wrap(err, "relay write failed")))
				return
			}
		case <-ticker.C:
			if err := r.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				callcore.UncheckedError(r.shutdown(errors.Wrap(err, "relay ping failed")))
				return
			}
		}
	}
}

package stream

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/throttle"
	"main/pkg/exception"
)

// State tracks a session's position in the connect/auth/subscribe loop.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateSubscribing
	StateLive
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateLive:
		return "LIVE"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Conn is a minimal message-oriented connection.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
}

// Dialer opens connections. The production implementation wraps
// gorilla's dialer; tests substitute scripted connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// Authenticator produces the credentials of the login handshake and
// validates the venue's response to it.
type Authenticator interface {
	Headers() (http.Header, error)
	LoginPayload() ([]byte, error)
	VerifyLogin(ack []byte) error
}

// Subscription is one channel subscription request.
type Subscription struct {
	Channel string
	Payload []byte
}

// Option configures a session.
type Option struct {
	URL    string
	Dialer Dialer
	// Auth is optional; a nil Auth skips the login phase entirely.
	Auth          Authenticator
	Subscriptions []Subscription

	// ReadTimeout is how long the session tolerates silence before
	// probing with a ping. PingTimeout bounds the wait for any traffic
	// after the probe.
	ReadTimeout time.Duration
	PingTimeout time.Duration

	// MaxReconnects bounds consecutive failed connection attempts. A
	// message reaching LIVE resets the count.
	MaxReconnects int

	// ChannelTag extracts the routing tag from a raw frame. Frames it
	// rejects are dropped. Defaults to reading a top-level "kind" field.
	ChannelTag func(payload []byte) (string, bool)

	Throttler     *throttle.Throttler
	ConnectPool   string
	LoginPool     string
	SubscribePool string

	QueueSize int
}

const (
	defaultReadTimeout = 30 * time.Second
	defaultPingTimeout = 10 * time.Second
	defaultQueueSize   = 1024
)

func kindChannelTag(payload []byte) (string, bool) {
	var frame struct {
		Kind string `json:"kind"`
	}
	if err := sonic.Unmarshal(payload, &frame); err != nil || frame.Kind == "" {
		return "", false
	}
	return frame.Kind, true
}

// Session maintains one authenticated streaming connection, replaying
// every subscription after each reconnect and publishing inbound frames
// to a bounded queue keyed by channel tag.
type Session struct {
	opt   Option
	queue *bus.Queue

	state   uint32
	running uint32

	mu      sync.Mutex
	cancel  context.CancelFunc
	subs    []Subscription
	pending []Subscription
	kick    chan struct{}
}

// NewSession builds a session. Run starts it.
func NewSession(opt Option) (*Session, error) {
	if opt.URL == "" || opt.Dialer == nil {
		return nil, exception.ErrInvalidArgument
	}
	if opt.ReadTimeout <= 0 {
		opt.ReadTimeout = defaultReadTimeout
	}
	if opt.PingTimeout <= 0 {
		opt.PingTimeout = defaultPingTimeout
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = defaultQueueSize
	}
	if opt.ChannelTag == nil {
		opt.ChannelTag = kindChannelTag
	}
	return &Session{
		opt:   opt,
		queue: bus.NewQueue(opt.QueueSize),
		subs:  append([]Subscription(nil), opt.Subscriptions...),
		kick:  make(chan struct{}, 1),
	}, nil
}

// Queue returns the inbound message queue.
func (s *Session) Queue() *bus.Queue {
	return s.queue
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	return State(atomic.LoadUint32(&s.state))
}

func (s *Session) setState(st State) {
	atomic.StoreUint32(&s.state, uint32(st))
}

// Stop cancels the running session. The active socket is torn down by
// the run loop on the way out, never left half-open.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Subscribe adds a channel subscription. A live session sends it right
// away; otherwise it is queued and replayed on the next connect, like
// every other subscription.
func (s *Session) Subscribe(sub Subscription) {
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.pending = append(s.pending, sub)
	s.mu.Unlock()
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run drives the session until the context is canceled or a fatal
// error occurs. Authentication rejection is fatal; connection loss is
// not, up to MaxReconnects consecutive failures.
func (s *Session) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&s.running, 0, 1) {
		return exception.ErrStreamAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.setState(StateDisconnected)
		atomic.StoreUint32(&s.running, 0)
	}()

	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempts > s.opt.MaxReconnects {
			return exception.ErrStreamReconnectsExhausted
		}
		if attempts > 0 {
			s.setState(StateReconnecting)
			logs.Infof("stream reconnecting, attempt %d/%d", attempts, s.opt.MaxReconnects)
		}

		err := s.runOnce(ctx)
		switch {
		case err == nil:
			// connection served traffic and then dropped
			attempts = 1
		case ctx.Err() != nil:
			return err
		case err == exception.ErrStreamAuthFailed:
			return err
		default:
			logs.Errorf("stream connection failed: %+v", err)
			attempts++
		}
	}
}

// runOnce performs one full connect, auth, subscribe, live cycle. A nil
// return means the connection reached LIVE and later dropped; callers
// treat that as one reconnect attempt, not a streak.
func (s *Session) runOnce(ctx context.Context) error {
	// every attempt, first or reconnect, restarts from CONNECTING
	s.setState(StateConnecting)
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	msgs := make(chan []byte)
	go func() {
		defer close(msgs)
		for {
			payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case msgs <- payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := s.login(ctx, conn, msgs); err != nil {
		return err
	}
	if err := s.subscribeAll(ctx, conn); err != nil {
		return err
	}

	s.setState(StateLive)
	live := s.live(ctx, conn, msgs)
	conn.Close()
	// drain until the reader goroutine exits
	for range msgs {
	}
	return live
}

func (s *Session) connect(ctx context.Context) (Conn, error) {
	if err := s.acquire(ctx, s.opt.ConnectPool); err != nil {
		return nil, err
	}
	var header http.Header
	if s.opt.Auth != nil {
		h, err := s.opt.Auth.Headers()
		if err != nil {
			return nil, errors.Wrap(err, "build auth headers")
		}
		header = h
	}
	conn, err := s.opt.Dialer.Dial(ctx, s.opt.URL, header)
	if err != nil {
		return nil, errors.Wrap(err, "dial stream")
	}
	return conn, nil
}

func (s *Session) login(ctx context.Context, conn Conn, msgs <-chan []byte) error {
	if s.opt.Auth == nil {
		return nil
	}
	s.setState(StateAuthenticating)
	if err := s.acquire(ctx, s.opt.LoginPool); err != nil {
		return err
	}
	payload, err := s.opt.Auth.LoginPayload()
	if err != nil {
		return errors.Wrap(err, "build login payload")
	}
	if err := conn.WriteMessage(payload); err != nil {
		return errors.Wrap(err, "send login")
	}

	timer := time.NewTimer(s.opt.ReadTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("login ack timed out")
	case ack, ok := <-msgs:
		if !ok {
			return errors.New("connection dropped before login ack")
		}
		if err := s.opt.Auth.VerifyLogin(ack); err != nil {
			logs.Errorf("stream login rejected: %+v", err)
			return exception.ErrStreamAuthFailed
		}
	}
	return nil
}

// subscribeAll replays the full subscription set, each send admitted
// through the subscribe pool. Pending one-off additions are folded in
// since the set already contains them.
func (s *Session) subscribeAll(ctx context.Context, conn Conn) error {
	s.setState(StateSubscribing)
	s.mu.Lock()
	subs := append([]Subscription(nil), s.subs...)
	s.pending = nil
	s.mu.Unlock()

	for _, sub := range subs {
		if err := s.acquire(ctx, s.opt.SubscribePool); err != nil {
			return err
		}
		if err := conn.WriteMessage(sub.Payload); err != nil {
			return errors.Wrapf(err, "subscribe %s", sub.Channel)
		}
	}
	return nil
}

// live pumps inbound frames into the queue. Silence beyond ReadTimeout
// triggers exactly one plaintext ping probe; silence beyond PingTimeout
// after the probe abandons the connection. Any inbound traffic, not
// just a pong, proves liveness.
func (s *Session) live(ctx context.Context, conn Conn, msgs <-chan []byte) error {
	timer := time.NewTimer(s.opt.ReadTimeout)
	defer timer.Stop()
	pinged := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.kick:
			if err := s.sendPending(ctx, conn); err != nil {
				return nil
			}

		case payload, ok := <-msgs:
			if !ok {
				return nil
			}
			s.dispatch(payload)
			pinged = false
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.opt.ReadTimeout)

		case <-timer.C:
			if pinged {
				logs.Warnf("stream silent after ping probe, reconnecting")
				return nil
			}
			if err := conn.WriteMessage([]byte("ping")); err != nil {
				return nil
			}
			pinged = true
			timer.Reset(s.opt.PingTimeout)
		}
	}
}

func (s *Session) sendPending(ctx context.Context, conn Conn) error {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, sub := range pending {
		if err := s.acquire(ctx, s.opt.SubscribePool); err != nil {
			return err
		}
		if err := conn.WriteMessage(sub.Payload); err != nil {
			return errors.Wrapf(err, "subscribe %s", sub.Channel)
		}
	}
	return nil
}

func (s *Session) dispatch(payload []byte) {
	tag, ok := s.opt.ChannelTag(payload)
	if !ok {
		logs.Debugf("dropping untagged stream frame: %s", string(payload))
		return
	}
	if err := s.queue.TryPublish(bus.Message{Channel: tag, Payload: payload}); err != nil {
		logs.Warnf("shedding %s frame: %+v", tag, err)
	}
}

func (s *Session) acquire(ctx context.Context, pool string) error {
	if s.opt.Throttler == nil || pool == "" {
		return nil
	}
	return s.opt.Throttler.Acquire(ctx, pool)
}

// WebsocketDialer is the production Dialer backed by gorilla.
type WebsocketDialer struct {
	dialer *websocket.Dialer
}

// NewWebsocketDialer builds a dialer with the default handshake settings.
func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{dialer: &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, _, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return &websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *websocketConn) ReadMessage() ([]byte, error) {
	_, payload, err := c.conn.ReadMessage()
	return payload, err
}

func (c *websocketConn) WriteMessage(payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *websocketConn) Close() error {
	return c.conn.Close()
}

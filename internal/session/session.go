// Package session drives one logical client connection to the relay.
//
// A Session owns at most one live link at a time. A link is created by
// Connect, carries the socket, the per-connection continuation table and a
// cancel func for its goroutines, and is torn down exactly once when the
// socket fails. Run supervises the cycle: it connects, authenticates and
// reconnects on the configured policy until its context ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/clipsync/internal/conn"
	"github.com/gaspardpetit/clipsync/internal/content"
	"github.com/gaspardpetit/clipsync/internal/dispatch"
	"github.com/gaspardpetit/clipsync/internal/logx"
	"github.com/gaspardpetit/clipsync/internal/reconnect"
	"github.com/gaspardpetit/clipsync/internal/wire"
)

var (
	ErrNotConnected = errors.New("session: not connected")
	ErrGiveUp       = errors.New("session: reconnect attempts exhausted")
	ErrAuthRejected = errors.New("session: authentication rejected")
	ErrNoAddress    = errors.New("session: no relay address")
)

// DefaultPingInterval is the keepalive period.
const DefaultPingInterval = 3 * time.Second

// DefaultMaxContentSize caps the payload accepted from a sync response.
const DefaultMaxContentSize = 64 << 20

// State is the lifecycle state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Credentials identify the user and device to the relay.
type Credentials struct {
	UserID   uint64
	DeviceID uint64
	Secret   uint64
}

// Dialer opens the raw socket. Tests substitute their own.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// Config configures a Session.
type Config struct {
	// Address is the relay host:port. When empty, Resolve is asked.
	Address string
	// Resolve finds the relay address at connect time, for instance through mDNS.
	Resolve func(ctx context.Context) (string, error)

	Credentials Credentials

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// AuthTimeout bounds the authenticate step of a reconnect attempt.
	// Zero waits for as long as the connection lives.
	AuthTimeout time.Duration
	// PingInterval defaults to DefaultPingInterval. Negative disables keepalive.
	PingInterval time.Duration
	// MaxContentSize defaults to DefaultMaxContentSize.
	MaxContentSize int

	Reconnect reconnect.Policy

	// Store serves inbound sync requests. Defaults to an unbounded memory store.
	Store content.Store

	Dial Dialer

	// OnDisconnect is called once per lost connection, including failed connects.
	OnDisconnect func(err error)
}

type link struct {
	conn    *conn.Conn
	pending *dispatch.Pending
	ctx     context.Context
	cancel  context.CancelFunc
	addr    string
}

type eventKind int

const (
	evDisconnected eventKind = iota
	evAttemptDone
)

type event struct {
	kind eventKind
	err  error
}

// Session is safe for concurrent use.
type Session struct {
	cfg   Config
	id    string
	disp  *dispatch.Dispatcher
	store content.Store
	token atomic.Uint64

	authMu sync.Mutex
	syncMu sync.Mutex

	mu          sync.Mutex
	state       State
	link        *link
	server      string
	lastErr     string
	lastPing    time.Time
	attempts    int
	disconnects int
	available   []func(Available)

	events chan event
}

// New builds a Session. It does not connect.
func New(cfg Config) *Session {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.MaxContentSize <= 0 {
		cfg.MaxContentSize = DefaultMaxContentSize
	}
	if cfg.Reconnect.Interval <= 0 {
		cfg.Reconnect.Interval = reconnect.DefaultInterval
	}
	if cfg.Store == nil {
		cfg.Store = content.NewMemoryStore(0, 0)
	}
	s := &Session{
		cfg:    cfg,
		id:     uuid.NewString(),
		disp:   dispatch.New(),
		store:  cfg.Store,
		events: make(chan event, 64),
	}
	s.disp.Subscribe(wire.KindNotifyAvailableRequest, s.handleNotify)
	s.disp.Subscribe(wire.KindSyncRequest, s.handleSyncRequest)
	s.disp.Subscribe(wire.KindPing, s.handlePing)
	return s
}

// ID is a random per-process instance id used to correlate logs.
func (s *Session) ID() string { return s.id }

// Store returns the content cache serving inbound sync requests.
func (s *Session) Store() content.Store { return s.store }

// Token returns the session token, zero until authentication completes.
func (s *Session) Token() uint64 { return s.token.Load() }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe adds a broadcast handler for inbound messages of kind. Handlers
// run on the read loop and must not block.
func (s *Session) Subscribe(kind wire.Kind, h dispatch.Handler) {
	s.disp.Subscribe(kind, h)
}

// setStateFor changes the state only while l is still the current link.
func (s *Session) setStateFor(l *link, st State) {
	s.mu.Lock()
	if s.link != l {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	observeState(st)
}

func (s *Session) current() *link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

func (s *Session) address(ctx context.Context) (string, error) {
	if s.cfg.Address != "" {
		return s.cfg.Address, nil
	}
	if s.cfg.Resolve != nil {
		return s.cfg.Resolve(ctx)
	}
	return "", ErrNoAddress
}

// Connect opens a new link and starts its reader and keepalive. A previous
// link is closed silently once the new one is up. A failed connect is
// reported as a disconnect only when no link is left; a live link keeps
// its state.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	prev := s.state
	s.state = StateConnecting
	s.mu.Unlock()
	observeState(StateConnecting)

	l := &link{pending: dispatch.NewPending()}
	opts := conn.Options{
		DialTimeout:  s.cfg.DialTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		OnDisconnect: func(_ *conn.Conn, err error) { s.lost(l, err) },
	}

	addr, err := s.address(ctx)
	if err == nil {
		l.addr = addr
		if s.cfg.Dial != nil {
			var nc net.Conn
			if nc, err = s.cfg.Dial(ctx, addr); err == nil {
				l.conn = conn.New(nc, opts)
			}
		} else {
			l.conn, err = conn.Dial(ctx, addr, opts)
		}
	}
	if err != nil {
		s.mu.Lock()
		live := s.link != nil
		if live {
			s.state = prev
		} else {
			s.state = StateDisconnected
		}
		s.lastErr = err.Error()
		st := s.state
		s.mu.Unlock()
		observeState(st)
		logx.Log.Warn().Err(err).Str("server", addr).Msg("connect failed")
		if !live {
			s.disconnected(err)
		}
		return fmt.Errorf("connect: %w", err)
	}

	l.ctx, l.cancel = context.WithCancel(context.Background())
	s.mu.Lock()
	old := s.link
	s.link = l
	s.server = addr
	s.state = StateConnected
	s.mu.Unlock()
	observeState(StateConnected)
	if old != nil {
		_ = old.conn.Close()
	}

	connectedGauge.Set(1)
	logx.Log.Info().Str("server", addr).Str("session", s.id).Msg("connected")
	go s.readLoop(l)
	go s.keepalive(l)
	return nil
}

// Authenticate sends the credentials and waits for the token. Only one
// authentication is outstanding at a time; later callers queue.
func (s *Session) Authenticate(ctx context.Context, cred Credentials) error {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	l := s.current()
	if l == nil {
		return ErrNotConnected
	}
	s.setStateFor(l, StateAuthenticating)

	done := make(chan error, 1)
	withdraw, err := l.pending.Expect(wire.KindAuthenticateResponse, func(msg *wire.Message, err error) error {
		if err != nil {
			done <- err
			return nil
		}
		var resp wire.AuthenticateResponse
		if err := msg.Decode(&resp); err != nil {
			done <- err
			return err
		}
		if !resp.Accepted() {
			s.setStateFor(l, StateConnected)
			done <- ErrAuthRejected
			return nil
		}
		s.token.Store(resp.Token)
		s.setStateFor(l, StateReady)
		done <- nil
		return nil
	})
	if err != nil {
		return err
	}

	req := wire.AuthenticateRequest{UserID: cred.UserID, DeviceID: cred.DeviceID, Secret: cred.Secret}
	if err := s.send(ctx, l, req, nil); err != nil {
		withdraw()
		return fmt.Errorf("authenticate: %w", err)
	}

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}
		logx.Log.Info().Str("server", l.addr).Msg("authenticated")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) send(ctx context.Context, l *link, m wire.Outbound, raw []byte) error {
	if err := l.conn.SendMessage(ctx, m, raw); err != nil {
		return err
	}
	framesOut.WithLabelValues(m.Kind().String()).Inc()
	return nil
}

type linkKey struct{}

func linkFrom(ctx context.Context) *link {
	l, _ := ctx.Value(linkKey{}).(*link)
	return l
}

// readLoop is the single reader of a link. Continuations run here so a
// sync response and its raw payload are consumed back to back.
func (s *Session) readLoop(l *link) {
	ctx := context.WithValue(l.ctx, linkKey{}, l)
	for {
		b, err := l.conn.RecvFrame()
		if err != nil {
			return
		}
		msg, err := wire.Parse(b)
		if err != nil {
			l.conn.Fail(err)
			return
		}
		framesIn.WithLabelValues(msg.Kind.String()).Inc()
		if err := s.disp.Dispatch(ctx, msg, l.pending); err != nil {
			l.conn.Fail(err)
			return
		}
	}
}

func (s *Session) keepalive(l *link) {
	if s.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case t := <-ticker.C:
			if err := s.send(l.ctx, l, wire.Ping{Token: s.token.Load()}, nil); err != nil {
				if !errors.Is(err, context.Canceled) {
					l.conn.Fail(fmt.Errorf("keepalive: %w", err))
				}
				return
			}
			s.mu.Lock()
			s.lastPing = t
			s.mu.Unlock()
		}
	}
}

// lost tears l down. It runs once per link, from the goroutine that saw
// the failure.
func (s *Session) lost(l *link, err error) {
	if l.cancel != nil {
		l.cancel()
	}
	l.pending.Abort(fmt.Errorf("%w: %v", dispatch.ErrDisconnected, err))

	s.mu.Lock()
	current := s.link == l
	if current {
		s.link = nil
		s.state = StateDisconnected
		s.lastErr = err.Error()
	}
	s.mu.Unlock()
	if !current {
		return
	}
	s.token.Store(0)
	connectedGauge.Set(0)
	observeState(StateDisconnected)
	logx.Log.Warn().Err(err).Str("server", l.addr).Msg("disconnected")
	s.disconnected(err)
}

func (s *Session) disconnected(err error) {
	s.mu.Lock()
	s.disconnects++
	s.mu.Unlock()
	disconnectsCounter.Inc()
	if s.cfg.OnDisconnect != nil {
		s.cfg.OnDisconnect(err)
	}
	s.post(event{kind: evDisconnected, err: err})
}

func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	default:
		logx.Log.Debug().Msg("session event dropped")
	}
}

// Close drops the current link without raising a disconnect.
func (s *Session) Close() error {
	s.mu.Lock()
	l := s.link
	s.link = nil
	s.state = StateDisconnected
	s.mu.Unlock()
	s.token.Store(0)
	observeState(StateDisconnected)
	if l != nil {
		connectedGauge.Set(0)
		return l.conn.Close()
	}
	return nil
}

// Status is a point-in-time snapshot for the status server.
type Status struct {
	Session           string    `json:"session"`
	State             string    `json:"state"`
	Server            string    `json:"server,omitempty"`
	Authenticated     bool      `json:"authenticated"`
	LastError         string    `json:"last_error,omitempty"`
	LastPing          time.Time `json:"last_ping,omitempty"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	Disconnects       int       `json:"disconnects"`
	CachedContents    int       `json:"cached_contents"`
}

func (s *Session) Status(ctx context.Context) Status {
	s.mu.Lock()
	st := Status{
		Session:           s.id,
		State:             s.state.String(),
		Server:            s.server,
		LastError:         s.lastErr,
		LastPing:          s.lastPing,
		ReconnectAttempts: s.attempts,
		Disconnects:       s.disconnects,
	}
	s.mu.Unlock()
	st.Authenticated = s.token.Load() != 0
	if n, err := s.store.Len(ctx); err == nil {
		st.CachedContents = n
	}
	return st
}

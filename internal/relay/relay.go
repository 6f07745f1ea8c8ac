// Package relay is a small in-process relay speaking the client protocol.
// Devices of the same user see each other's announcements and pull content
// through it. It backs the end-to-end tests and the `clipsync relay`
// command for local use; it keeps everything in memory and does not check
// secrets.
package relay

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/gaspardpetit/clipsync/internal/conn"
	"github.com/gaspardpetit/clipsync/internal/identity"
	"github.com/gaspardpetit/clipsync/internal/logx"
	"github.com/gaspardpetit/clipsync/internal/wire"
)

type peer struct {
	c      *conn.Conn
	user   uint64
	device uint64
	token  uint64
}

type entry struct {
	id          uint64
	types       []string
	description string
	holders     map[uint64]bool
	payload     []byte
	cached      bool
	waiting     []*peer
}

type account struct {
	id       uint64
	secret   uint64
	contents map[uint64]*entry
	peers    map[*peer]bool
}

// Server accepts client connections.
type Server struct {
	ln net.Listener

	mu       sync.Mutex
	accounts map[uint64]*account
	tokens   map[uint64]*peer
	devices  map[uint64]*peer
	conns    map[*conn.Conn]*peer

	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

// Listen opens the listening socket. Call Serve to accept.
func Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		ln:       ln,
		accounts: make(map[uint64]*account),
		tokens:   make(map[uint64]*peer),
		devices:  make(map[uint64]*peer),
		conns:    make(map[*conn.Conn]*peer),
		closed:   make(chan struct{}),
	}, nil
}

// Start listens on addr and serves until ctx ends or Close is called.
func Start(ctx context.Context, addr string) (*Server, error) {
	s, err := Listen(addr)
	if err != nil {
		return nil, err
	}
	go func() { _ = s.Serve(ctx) }()
	return s, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

// Port returns the TCP port the server listens on.
func (s *Server) Port() int {
	if a, ok := s.ln.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Serve accepts connections until ctx ends or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.closed:
		}
	}()
	logx.Log.Info().Str("addr", s.Addr()).Msg("relay listening")
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			return err
		}
		c := conn.New(nc, conn.Options{OnDisconnect: func(c *conn.Conn, err error) { s.drop(c, err) }})
		s.mu.Lock()
		s.conns[c] = nil
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(c)
		}()
	}
}

// Close stops accepting, drops every connection and waits for them.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.ln.Close()
		s.mu.Lock()
		conns := make([]*conn.Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
		s.wg.Wait()
	})
	return err
}

// Connections returns the number of authenticated devices.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// Disconnect drops the connection of device, if any.
func (s *Server) Disconnect(device uint64) bool {
	s.mu.Lock()
	p := s.devices[device]
	s.mu.Unlock()
	if p == nil {
		return false
	}
	_ = p.c.Close()
	return true
}

func (s *Server) serveConn(c *conn.Conn) {
	for {
		b, err := c.RecvFrame()
		if err != nil {
			return
		}
		msg, err := wire.Parse(b)
		if err != nil {
			c.Fail(err)
			return
		}
		if err := s.handle(c, msg); err != nil {
			logx.Log.Debug().Err(err).Stringer("kind", msg.Kind).Msg("relay dropping client")
			c.Fail(err)
			return
		}
	}
}

var errProtocol = errors.New("relay: unexpected message")

func (s *Server) handle(c *conn.Conn, msg *wire.Message) error {
	switch msg.Kind {
	case wire.KindAuthenticateRequest:
		var req wire.AuthenticateRequest
		if err := msg.Decode(&req); err != nil {
			return err
		}
		return s.authenticate(c, req)
	case wire.KindNotifyAvailableRequest:
		var req wire.NotifyAvailableRequest
		if err := msg.Decode(&req); err != nil {
			return err
		}
		s.notify(req)
		return nil
	case wire.KindSyncRequest:
		var req wire.SyncRequest
		if err := msg.Decode(&req); err != nil {
			return err
		}
		s.syncRequest(c, req)
		return nil
	case wire.KindSyncResponse:
		var resp wire.SyncResponse
		if err := msg.Decode(&resp); err != nil {
			return err
		}
		return s.syncResponse(c, resp)
	case wire.KindRefreshIndexRequest:
		var req wire.RefreshIndexRequest
		if err := msg.Decode(&req); err != nil {
			return err
		}
		s.refreshIndex(c, req)
		return nil
	case wire.KindPing:
		return nil
	case wire.KindAuthenticateResponse, wire.KindRefreshIndexResponse:
		return errProtocol
	default:
		logx.Log.Debug().Stringer("kind", msg.Kind).Msg("relay ignoring message")
		return nil
	}
}

func (s *Server) authenticate(c *conn.Conn, req wire.AuthenticateRequest) error {
	token := identity.Rand63()
	accepted := wire.AuthAccepted
	p := &peer{c: c, user: req.UserID, device: req.DeviceID, token: token}

	s.mu.Lock()
	acct := s.accounts[req.UserID]
	if acct == nil {
		acct = &account{id: req.UserID, secret: req.Secret, contents: make(map[uint64]*entry), peers: make(map[*peer]bool)}
		s.accounts[req.UserID] = acct
	}
	if old := s.conns[c]; old != nil {
		s.forgetLocked(old)
	}
	acct.peers[p] = true
	s.tokens[token] = p
	s.devices[req.DeviceID] = p
	s.conns[c] = p
	s.mu.Unlock()

	logx.Log.Info().Uint64("user", req.UserID).Uint64("device", req.DeviceID).Msg("relay authenticated device")
	return c.SendMessage(context.Background(), wire.AuthenticateResponse{Token: token, Message: &accepted}, nil)
}

func (s *Server) notify(req wire.NotifyAvailableRequest) {
	s.mu.Lock()
	p := s.tokens[req.Token]
	if p == nil {
		s.mu.Unlock()
		return
	}
	acct := s.accounts[p.user]
	e := acct.contents[req.ContentID]
	if e == nil {
		e = &entry{id: req.ContentID, types: req.ContentType, description: req.Description, holders: make(map[uint64]bool)}
		acct.contents[req.ContentID] = e
	}
	e.holders[p.device] = true
	var targets []*peer
	for other := range acct.peers {
		if other.device != p.device {
			targets = append(targets, other)
		}
	}
	s.mu.Unlock()

	for _, t := range targets {
		if err := t.c.SendMessage(context.Background(), req, nil); err != nil {
			logx.Log.Debug().Err(err).Uint64("device", t.device).Msg("relay notify failed")
		}
	}
}

func (s *Server) syncRequest(c *conn.Conn, req wire.SyncRequest) {
	miss := wire.SyncResponse{ContentID: req.ContentID, DatasetID: req.DatasetID, Message: wire.SyncMiss}

	s.mu.Lock()
	p := s.tokens[req.Token]
	if p == nil || p.c != c {
		s.mu.Unlock()
		_ = c.SendMessage(context.Background(), miss, nil)
		return
	}
	e := s.accounts[p.user].contents[req.ContentID]
	if e == nil {
		s.mu.Unlock()
		_ = c.SendMessage(context.Background(), miss, nil)
		return
	}
	if e.cached {
		payload := e.payload
		s.mu.Unlock()
		hit := wire.SyncResponse{ContentID: e.id, ContentSize: uint32(len(payload)), DatasetID: req.DatasetID, Message: wire.SyncHit}
		_ = c.SendMessage(context.Background(), hit, payload)
		return
	}
	var holders []*peer
	for dev := range e.holders {
		if h := s.devices[dev]; h != nil && dev != p.device {
			holders = append(holders, h)
		}
	}
	if len(holders) == 0 {
		s.mu.Unlock()
		_ = c.SendMessage(context.Background(), miss, nil)
		return
	}
	e.waiting = append(e.waiting, p)
	s.mu.Unlock()

	for _, h := range holders {
		if err := h.c.SendMessage(context.Background(), req, nil); err != nil {
			logx.Log.Debug().Err(err).Uint64("device", h.device).Msg("relay sync forward failed")
		}
	}
}

func (s *Server) syncResponse(c *conn.Conn, resp wire.SyncResponse) error {
	var payload []byte
	if resp.Hit() {
		b, err := c.RecvRaw(int(resp.ContentSize))
		if err != nil {
			return err
		}
		payload = b
	}

	s.mu.Lock()
	p := s.conns[c]
	if p == nil {
		s.mu.Unlock()
		return nil
	}
	e := s.accounts[p.user].contents[resp.ContentID]
	if e == nil {
		s.mu.Unlock()
		return nil
	}
	if resp.Hit() {
		e.payload = payload
		e.cached = true
	}
	waiting := e.waiting
	e.waiting = nil
	s.mu.Unlock()

	out := resp
	out.Token = 0
	for _, w := range waiting {
		if err := w.c.SendMessage(context.Background(), out, payload); err != nil {
			logx.Log.Debug().Err(err).Uint64("device", w.device).Msg("relay sync reply failed")
		}
	}
	return nil
}

func (s *Server) refreshIndex(c *conn.Conn, req wire.RefreshIndexRequest) {
	resp := wire.RefreshIndexResponse{Contents: []wire.IndexEntry{}}
	s.mu.Lock()
	if p := s.tokens[req.Token]; p != nil {
		for _, e := range s.accounts[p.user].contents {
			resp.Contents = append(resp.Contents, wire.IndexEntry{ID: e.id, ContentType: e.types, Description: e.description})
		}
		resp.Message = 1
	}
	s.mu.Unlock()
	_ = c.SendMessage(context.Background(), resp, nil)
}

func (s *Server) drop(c *conn.Conn, err error) {
	type orphan struct {
		id      uint64
		waiting []*peer
	}
	var orphans []orphan

	s.mu.Lock()
	p := s.conns[c]
	delete(s.conns, c)
	if p != nil {
		s.forgetLocked(p)
		// Waiters of content nobody connected can serve any more get a miss.
		for _, e := range s.accounts[p.user].contents {
			if !e.holders[p.device] || len(e.waiting) == 0 || s.servableLocked(e) {
				continue
			}
			orphans = append(orphans, orphan{id: e.id, waiting: e.waiting})
			e.waiting = nil
		}
	}
	s.mu.Unlock()
	if p == nil {
		return
	}
	logx.Log.Info().Err(err).Uint64("device", p.device).Msg("relay lost device")
	for _, o := range orphans {
		miss := wire.SyncResponse{ContentID: o.id, DatasetID: wire.DatasetClipboard, Message: wire.SyncMiss}
		for _, w := range o.waiting {
			_ = w.c.SendMessage(context.Background(), miss, nil)
		}
	}
}

func (s *Server) servableLocked(e *entry) bool {
	for dev := range e.holders {
		if s.devices[dev] != nil {
			return true
		}
	}
	return false
}

func (s *Server) forgetLocked(p *peer) {
	if acct := s.accounts[p.user]; acct != nil {
		delete(acct.peers, p)
		for _, e := range acct.contents {
			kept := e.waiting[:0]
			for _, w := range e.waiting {
				if w != p {
					kept = append(kept, w)
				}
			}
			e.waiting = kept
		}
	}
	delete(s.tokens, p.token)
	if s.devices[p.device] == p {
		delete(s.devices, p.device)
	}
}

// Package conn owns the TCP socket of one connect cycle.
//
// A Conn allows one reader and one writer at a time. Writers queue on a
// single write slot; a second concurrent reader is refused with ErrBusy.
// The first failure closes the socket and fires the disconnect callback
// exactly once. After that every operation fails with ErrClosed.
package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaspardpetit/clipsync/internal/logx"
	"github.com/gaspardpetit/clipsync/internal/wire"
)

var (
	ErrClosed = errors.New("conn: closed")
	ErrBusy   = errors.New("conn: receive already in flight")
)

// Options tune a Conn.
type Options struct {
	// DialTimeout bounds Dial. Zero means no timeout beyond ctx.
	DialTimeout time.Duration
	// WriteTimeout bounds a single Send once the write slot is held.
	WriteTimeout time.Duration
	// OnDisconnect is called once, from the goroutine that saw the failure.
	OnDisconnect func(c *Conn, err error)
}

// Conn is one live socket.
type Conn struct {
	nc   net.Conn
	r    *bufio.Reader
	opts Options

	wslot   chan struct{}
	reading atomic.Bool

	once sync.Once
	done chan struct{}
	err  error
}

// Dial connects to addr and wraps the socket.
func Dial(ctx context.Context, addr string, opts Options) (*Conn, error) {
	d := net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return New(nc, opts), nil
}

// New wraps an already connected socket.
func New(nc net.Conn, opts Options) *Conn {
	c := &Conn{
		nc:    nc,
		r:     bufio.NewReaderSize(nc, 8192),
		opts:  opts,
		wslot: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	return c
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.nc.RemoteAddr().String() }

// Done is closed when the connection failed or was closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the cause of the failure, or nil while the connection is usable.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Send writes all chunks back to back while holding the write slot, so a
// frame and the raw payload that follows it reach the peer contiguously.
func (c *Conn) Send(ctx context.Context, chunks ...[]byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.wslot <- struct{}{}:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.wslot }()

	if c.opts.WriteTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	for _, b := range chunks {
		if err := wire.WriteRaw(c.nc, b); err != nil {
			c.fail(err)
			return fmt.Errorf("send: %w", err)
		}
	}
	return nil
}

// SendMessage frames m and sends it, optionally followed by raw bytes.
// A message that cannot be framed is rejected without touching the socket.
func (c *Conn) SendMessage(ctx context.Context, m wire.Outbound, raw []byte) error {
	b, err := wire.EncodeMessage(m)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return c.Send(ctx, b)
	}
	return c.Send(ctx, b, raw)
}

// RecvFrame reads one frame header and its payload.
func (c *Conn) RecvFrame() ([]byte, error) {
	if err := c.beginRecv(); err != nil {
		return nil, err
	}
	defer c.reading.Store(false)

	b, err := wire.ReadFrame(c.r)
	if err != nil {
		c.fail(err)
		return nil, fmt.Errorf("recv frame: %w", err)
	}
	return b, nil
}

// RecvRaw reads exactly n unframed bytes.
func (c *Conn) RecvRaw(n int) ([]byte, error) {
	if err := c.beginRecv(); err != nil {
		return nil, err
	}
	defer c.reading.Store(false)

	b, err := wire.ReadRaw(c.r, n)
	if err != nil {
		c.fail(err)
		return nil, fmt.Errorf("recv raw: %w", err)
	}
	return b, nil
}

func (c *Conn) beginRecv() error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if !c.reading.CompareAndSwap(false, true) {
		return ErrBusy
	}
	return nil
}

// Fail marks the connection unusable with the given cause, for failures
// detected above the socket (for instance a malformed frame).
func (c *Conn) Fail(err error) { c.fail(err) }

// Close shuts the connection down. The disconnect callback still fires.
func (c *Conn) Close() error {
	c.fail(ErrClosed)
	return nil
}

func (c *Conn) fail(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
		_ = c.nc.Close()
		logx.Log.Debug().Err(err).Str("remote", c.nc.RemoteAddr().String()).Msg("connection lost")
		if c.opts.OnDisconnect != nil {
			c.opts.OnDisconnect(c, err)
		}
	})
}

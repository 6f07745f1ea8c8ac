// Package client is the application-facing side of clipsync: publish what
// lands on the local clipboard, learn about and pull what other devices of
// the same account publish.
package client

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gaspardpetit/clipsync/internal/clipboard"
	"github.com/gaspardpetit/clipsync/internal/content"
	"github.com/gaspardpetit/clipsync/internal/identity"
	"github.com/gaspardpetit/clipsync/internal/logx"
	"github.com/gaspardpetit/clipsync/internal/session"
)

// EventKind names what happened.
type EventKind string

const (
	// EventAvailable: another device announced content.
	EventAvailable EventKind = "available"
	// EventSynced: announced content was pulled; Payload holds it.
	EventSynced EventKind = "synced"
	// EventPublished: this device announced content.
	EventPublished EventKind = "published"
)

// Event is delivered to subscribers.
type Event struct {
	Kind        EventKind `json:"kind"`
	ContentID   uint64    `json:"content_id"`
	Types       []string  `json:"content_type,omitempty"`
	Description string    `json:"description,omitempty"`
	Payload     []byte    `json:"payload,omitempty"`
	Time        time.Time `json:"time"`
}

// Config configures a Client.
type Config struct {
	Session session.Config
	// AutoSync pulls every announced content as soon as it is available.
	AutoSync bool
	// RecentSize is how many descriptions echo suppression remembers.
	RecentSize int
	// Device is shown in status output.
	Device string
}

// Client is safe for concurrent use.
type Client struct {
	cfg    Config
	sess   *session.Session
	recent *clipboard.Recent

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// New builds a client. Nothing connects until Run.
func New(cfg Config) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		sess:   session.New(cfg.Session),
		recent: clipboard.NewRecent(cfg.RecentSize),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[int]chan Event),
	}
	c.sess.OnAvailable(c.onAvailable)
	return c
}

// Session exposes the underlying session.
func (c *Client) Session() *session.Session { return c.sess }

// Run keeps the client connected until ctx ends or reconnecting is given up.
func (c *Client) Run(ctx context.Context) error {
	return c.sess.Run(ctx)
}

// Close stops background pulls and releases the content cache.
func (c *Client) Close() error {
	c.cancel()
	err := c.sess.Close()
	if cerr := c.sess.Store().Close(); err == nil {
		err = cerr
	}
	c.mu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.mu.Unlock()
	return err
}

// Publish announces a text-described content whose payload is the
// description itself, under a fresh random id.
func (c *Client) Publish(ctx context.Context, description string, types []string) (uint64, error) {
	return c.PublishRecord(ctx, content.Record{Types: types, Description: description})
}

// PublishRecord announces rec. A zero id is replaced by a fresh random one.
// The record is cached even when the announcement cannot be sent.
func (c *Client) PublishRecord(ctx context.Context, rec content.Record) (uint64, error) {
	if rec.ID == 0 {
		rec.ID = identity.Rand63()
	}
	c.recent.Add(rec.Description)
	if err := c.sess.Notify(ctx, rec); err != nil {
		return rec.ID, err
	}
	c.emit(Event{Kind: EventPublished, ContentID: rec.ID, Types: rec.Types, Description: rec.Description})
	return rec.ID, nil
}

// ClipboardChanged publishes a local clipboard change unless its
// description was seen recently, which is the case for content that was
// just pulled from another device. It reports whether it published.
func (c *Client) ClipboardChanged(ctx context.Context, snap clipboard.Snapshot) (uint64, bool, error) {
	types, description := clipboard.Coerce(snap)
	if c.recent.Contains(description) {
		logx.Log.Debug().Str("description", description).Msg("skipping recent clipboard content")
		return 0, false, nil
	}
	id, err := c.Publish(ctx, description, types)
	return id, err == nil, err
}

// Sync pulls the payload of id from whichever device holds it.
func (c *Client) Sync(ctx context.Context, id uint64) ([]byte, bool, error) {
	return c.sess.Sync(ctx, id)
}

// Subscribe returns a channel of events and a func to stop receiving.
// Events are dropped for a subscriber whose buffer is full.
func (c *Client) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan Event, buf)
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
			c.mu.Unlock()
		})
	}
}

func (c *Client) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			logx.Log.Warn().Str("kind", string(ev.Kind)).Msg("subscriber lagging, event dropped")
		}
	}
}

// onAvailable runs on the session read loop; pulling happens elsewhere.
func (c *Client) onAvailable(a session.Available) {
	c.emit(Event{Kind: EventAvailable, ContentID: a.ContentID, Types: a.Types, Description: a.Description})
	if c.cfg.AutoSync {
		go c.pull(a)
	}
}

func (c *Client) pull(a session.Available) {
	payload, hit, err := c.sess.Sync(c.ctx, a.ContentID)
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		logx.Log.Warn().Err(err).Uint64("content_id", a.ContentID).Msg("pull failed")
		return
	case !hit:
		logx.Log.Info().Uint64("content_id", a.ContentID).Msg("content no longer available")
		return
	}
	rec := content.Record{ID: a.ContentID, Types: a.Types, Description: a.Description, Payload: payload}
	if _, err := c.sess.Store().Add(c.ctx, rec); err != nil {
		logx.Log.Warn().Err(err).Uint64("content_id", a.ContentID).Msg("caching synced content failed")
	}
	c.recent.Add(a.Description)
	if utf8.Valid(payload) && string(payload) != a.Description {
		c.recent.Add(string(payload))
	}
	logx.Log.Info().Uint64("content_id", a.ContentID).Int("bytes", len(payload)).Msg("content synced")
	c.emit(Event{Kind: EventSynced, ContentID: a.ContentID, Types: a.Types, Description: a.Description, Payload: payload})
}

// Status is a snapshot for the status server.
type Status struct {
	session.Status
	Device   string   `json:"device,omitempty"`
	AutoSync bool     `json:"auto_sync"`
	Recent   []string `json:"recent"`
}

func (c *Client) Status(ctx context.Context) Status {
	return Status{
		Status:   c.sess.Status(ctx),
		Device:   c.cfg.Device,
		AutoSync: c.cfg.AutoSync,
		Recent:   c.recent.List(),
	}
}

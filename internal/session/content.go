package session

import (
	"context"
	"fmt"

	"github.com/gaspardpetit/clipsync/internal/content"
	"github.com/gaspardpetit/clipsync/internal/logx"
	"github.com/gaspardpetit/clipsync/internal/wire"
)

// Available is an announcement of content held by another device.
type Available struct {
	ContentID   uint64
	Types       []string
	Description string
}

// OnAvailable registers fn for every inbound announcement. fn runs on the
// read loop; it must hand off any blocking work, Sync in particular.
func (s *Session) OnAvailable(fn func(Available)) {
	s.mu.Lock()
	s.available = append(s.available, fn)
	s.mu.Unlock()
}

// Notify caches rec so later sync requests can be served, then announces it
// to the relay. The cache keeps the first record stored under an id.
func (s *Session) Notify(ctx context.Context, rec content.Record) error {
	if rec.ID == 0 {
		return content.ErrInvalidRecord
	}
	if added, err := s.store.Add(ctx, rec); err != nil {
		logx.Log.Warn().Err(err).Uint64("content_id", rec.ID).Msg("cache insert failed")
	} else if !added {
		logx.Log.Debug().Uint64("content_id", rec.ID).Msg("content already cached")
	}

	l := s.current()
	if l == nil {
		return ErrNotConnected
	}
	types := rec.Types
	if types == nil {
		// Peers expect a list, never null.
		types = []string{}
	}
	req := wire.NotifyAvailableRequest{
		Token:       s.token.Load(),
		DatasetID:   wire.DatasetClipboard,
		ContentID:   rec.ID,
		ContentType: types,
		Description: rec.Description,
	}
	if err := s.send(ctx, l, req, nil); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	logx.Log.Debug().Uint64("content_id", rec.ID).Msg("announced")
	return nil
}

type syncResult struct {
	payload []byte
	hit     bool
	err     error
}

// Sync asks the relay for the payload of id. It returns (payload, true, nil)
// on a hit and (nil, false, nil) when no device holds the content. Only one
// sync is outstanding at a time; later callers queue.
func (s *Session) Sync(ctx context.Context, id uint64) ([]byte, bool, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	l := s.current()
	if l == nil {
		return nil, false, ErrNotConnected
	}

	done := make(chan syncResult, 1)
	withdraw, err := l.pending.Expect(wire.KindSyncResponse, func(msg *wire.Message, err error) error {
		if err != nil {
			done <- syncResult{err: err}
			return nil
		}
		var resp wire.SyncResponse
		if err := msg.Decode(&resp); err != nil {
			done <- syncResult{err: err}
			return err
		}
		if resp.ContentID != id {
			logx.Log.Warn().Uint64("content_id", id).Uint64("got", resp.ContentID).Msg("sync response for another content")
		}
		if !resp.Hit() {
			syncMisses.Inc()
			done <- syncResult{}
			return nil
		}
		if int64(resp.ContentSize) > int64(s.cfg.MaxContentSize) {
			err := fmt.Errorf("sync: content of %d bytes exceeds limit", resp.ContentSize)
			done <- syncResult{err: err}
			return err
		}
		payload, err := l.conn.RecvRaw(int(resp.ContentSize))
		if err != nil {
			done <- syncResult{err: err}
			return err
		}
		syncHits.Inc()
		syncBytes.Add(float64(len(payload)))
		done <- syncResult{payload: payload, hit: true}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	req := wire.SyncRequest{Token: s.token.Load(), ContentID: id, DatasetID: wire.DatasetClipboard}
	if err := s.send(ctx, l, req, nil); err != nil {
		withdraw()
		return nil, false, fmt.Errorf("sync: %w", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			return nil, false, fmt.Errorf("sync %d: %w", id, r.err)
		}
		return r.payload, r.hit, nil
	case <-ctx.Done():
		// The continuation stays queued and drains the response.
		return nil, false, ctx.Err()
	}
}

func (s *Session) handleNotify(_ context.Context, msg *wire.Message) error {
	var req wire.NotifyAvailableRequest
	if err := msg.Decode(&req); err != nil {
		return err
	}
	a := Available{ContentID: req.ContentID, Types: req.ContentType, Description: req.Description}
	logx.Log.Info().Uint64("content_id", a.ContentID).Strs("types", a.Types).Msg("content available")

	s.mu.Lock()
	subs := append([]func(Available){}, s.available...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(a)
	}
	return nil
}

// handleSyncRequest answers from the cache. The reply is written from its
// own goroutine so the read loop never waits on the write slot.
func (s *Session) handleSyncRequest(ctx context.Context, msg *wire.Message) error {
	var req wire.SyncRequest
	if err := msg.Decode(&req); err != nil {
		return err
	}
	l := linkFrom(ctx)
	if l == nil {
		return ErrNotConnected
	}
	go s.serveSync(l, req)
	return nil
}

func (s *Session) serveSync(l *link, req wire.SyncRequest) {
	resp := wire.SyncResponse{
		Token:     s.token.Load(),
		ContentID: req.ContentID,
		DatasetID: wire.DatasetClipboard,
		Message:   wire.SyncMiss,
	}
	var payload []byte
	rec, ok, err := s.store.Get(l.ctx, req.ContentID)
	if err != nil {
		logx.Log.Warn().Err(err).Uint64("content_id", req.ContentID).Msg("cache lookup failed")
	}
	if ok {
		payload = rec.Bytes()
		resp.ContentSize = uint32(len(payload))
		resp.Message = wire.SyncHit
	}
	if err := s.send(l.ctx, l, resp, payload); err != nil {
		logx.Log.Warn().Err(err).Uint64("content_id", req.ContentID).Msg("sync reply failed")
		return
	}
	logx.Log.Debug().Uint64("content_id", req.ContentID).Bool("hit", ok).Msg("served sync request")
}

func (s *Session) handlePing(_ context.Context, msg *wire.Message) error {
	var p wire.Ping
	_ = msg.Decode(&p)
	logx.Log.Trace().Uint64("token", p.Token).Msg("ping")
	return nil
}

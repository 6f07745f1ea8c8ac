package session

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/gaspardpetit/clipsync/internal/logx"
)

// Run connects, authenticates and keeps the session alive until ctx ends
// or the reconnect policy gives up. Lifecycle events are handled on this
// goroutine only, so at most one reconnect attempt is ever in flight.
func (s *Session) Run(ctx context.Context) error {
	s.drain()
	defer func() { _ = s.Close() }()

	bo := s.cfg.Reconnect.NewBackOff()
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, timerC = nil, nil
	}
	defer stopTimer()

	// reconnecting covers both the backoff wait and the attempt itself.
	reconnecting := true
	go s.attempt(ctx)

	schedule := func(cause error) bool {
		d := bo.NextBackOff()
		if d == backoff.Stop {
			logx.Log.Error().Err(cause).Msg("giving up on relay")
			return false
		}
		reconnecting = true
		s.mu.Lock()
		s.attempts++
		s.mu.Unlock()
		reconnectsCounter.Inc()
		logx.Log.Warn().Err(cause).Dur("backoff", d).Msg("reconnecting")
		timer = time.NewTimer(d)
		timerC = timer.C
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timerC:
			timer, timerC = nil, nil
			go s.attempt(ctx)
		case ev := <-s.events:
			switch ev.kind {
			case evDisconnected:
				if reconnecting {
					continue
				}
				if !schedule(ev.err) {
					return ErrGiveUp
				}
			case evAttemptDone:
				reconnecting = false
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if ev.err == nil {
					bo.Reset()
					if s.current() != nil {
						continue
					}
					// Lost again before this event was handled.
					ev.err = ErrNotConnected
				}
				if !schedule(ev.err) {
					return ErrGiveUp
				}
			}
		}
	}
}

// attempt runs one connect and authenticate cycle and reports the result.
func (s *Session) attempt(ctx context.Context) {
	err := s.connectAndAuthenticate(ctx)
	if ctx.Err() != nil {
		_ = s.Close()
	}
	s.post(event{kind: evAttemptDone, err: err})
}

func (s *Session) connectAndAuthenticate(ctx context.Context) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}
	l := s.current()
	actx := ctx
	if s.cfg.AuthTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, s.cfg.AuthTimeout)
		defer cancel()
	}
	if err := s.Authenticate(actx, s.cfg.Credentials); err != nil {
		// A half-open link is of no use; the next attempt starts clean.
		if l != nil {
			l.conn.Fail(err)
		}
		return err
	}
	return nil
}

func (s *Session) drain() {
	for {
		select {
		case <-s.events:
		default:
			return
		}
	}
}

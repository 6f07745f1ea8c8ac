// Package status serves the local HTTP surface of a running client:
// /status and /version as JSON, /metrics for Prometheus, and /events, a
// websocket that streams client events to a UI and accepts text to publish.
package status

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/clipsync/client"
	"github.com/gaspardpetit/clipsync/internal/clipboard"
	"github.com/gaspardpetit/clipsync/internal/logx"
	"github.com/gaspardpetit/clipsync/internal/session"
)

type VersionInfo struct {
	Version   string `json:"version"`
	BuildSHA  string `json:"build_sha"`
	BuildDate string `json:"build_date"`
}

var buildInfo = VersionInfo{Version: "dev", BuildSHA: "unknown", BuildDate: "unknown"}

func SetBuildInfo(v, sha, date string) {
	buildInfo = VersionInfo{Version: v, BuildSHA: sha, BuildDate: date}
}

func GetVersionInfo() VersionInfo {
	return buildInfo
}

// Backend is the client as seen by the status server.
type Backend interface {
	Status(ctx context.Context) client.Status
	Subscribe(buf int) (<-chan client.Event, func())
	Publish(ctx context.Context, description string, types []string) (uint64, error)
}

// Options tune the router.
type Options struct {
	// AllowedOrigins enables CORS and websocket access for browser UIs.
	AllowedOrigins []string
	// Registry is served on /metrics. Defaults to one holding the session metrics.
	Registry *prometheus.Registry
}

// NewRegistry returns a registry holding the session metrics.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(session.Collectors()...)
	return reg
}

// NewRouter builds the status HTTP handler.
func NewRouter(b Backend, opts Options) http.Handler {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(b.Status(req.Context()))
	})
	r.Get("/version", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(GetVersionInfo())
	})
	r.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	r.Get("/events", eventsHandler(b, opts.AllowedOrigins))
	return r
}

// Command is sent by a UI over /events.
type Command struct {
	Type        string   `json:"type"`
	Text        string   `json:"text"`
	ContentType []string `json:"content_type,omitempty"`
}

func eventsHandler(b Backend, origins []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: origins})
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusInternalError, "server error")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		events, stop := b.Subscribe(32)
		defer stop()

		go func() {
			defer cancel()
			for {
				_, data, err := c.Read(ctx)
				if err != nil {
					return
				}
				var cmd Command
				if err := json.Unmarshal(data, &cmd); err != nil || cmd.Type != "publish" {
					logx.Log.Debug().Str("remote_addr", r.RemoteAddr).Msg("ignoring ui command")
					continue
				}
				types := cmd.ContentType
				if len(types) == 0 {
					types = []string{clipboard.TypeText}
				}
				if _, err := b.Publish(ctx, cmd.Text, types); err != nil {
					logx.Log.Warn().Err(err).Msg("ui publish failed")
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				_ = c.Close(websocket.StatusNormalClosure, "")
				return
			case ev, ok := <-events:
				if !ok {
					_ = c.Close(websocket.StatusGoingAway, "client closed")
					return
				}
				msg, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				if err := c.Write(ctx, websocket.MessageText, msg); err != nil {
					return
				}
			}
		}
	}
}

// Start serves the status router on addr until ctx ends. It returns the
// address it is listening on.
func Start(ctx context.Context, addr string, b Backend, opts Options) (string, error) {
	srv := &http.Server{Handler: NewRouter(b, opts), ReadHeaderTimeout: 10 * time.Second}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	actual := ln.Addr().String()
	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(c)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logx.Log.Error().Err(err).Str("addr", actual).Msg("status server error")
		}
	}()
	logx.Log.Info().Str("addr", actual).Msg("status server started")
	return actual, nil
}

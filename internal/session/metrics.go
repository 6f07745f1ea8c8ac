package session

import "github.com/prometheus/client_golang/prometheus"

var (
	connectedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clipsync_connected",
		Help: "Whether the client holds a connection to the relay (1 or 0)",
	})
	stateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clipsync_session_state",
		Help: "Session state: 0 disconnected, 1 connecting, 2 connected, 3 authenticating, 4 ready",
	})
	framesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clipsync_frames_received_total",
		Help: "Frames received from the relay by kind",
	}, []string{"kind"})
	framesOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clipsync_frames_sent_total",
		Help: "Frames sent to the relay by kind",
	}, []string{"kind"})
	disconnectsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clipsync_disconnects_total",
		Help: "Connections lost or refused",
	})
	reconnectsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clipsync_reconnect_attempts_total",
		Help: "Reconnect attempts scheduled",
	})
	syncHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clipsync_sync_hits_total",
		Help: "Sync requests answered with content",
	})
	syncMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clipsync_sync_misses_total",
		Help: "Sync requests answered without content",
	})
	syncBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clipsync_sync_bytes_total",
		Help: "Payload bytes received through sync",
	})
)

// Collectors returns the session metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		connectedGauge,
		stateGauge,
		framesIn,
		framesOut,
		disconnectsCounter,
		reconnectsCounter,
		syncHits,
		syncMisses,
		syncBytes,
	}
}

func observeState(s State) {
	stateGauge.Set(float64(s))
}

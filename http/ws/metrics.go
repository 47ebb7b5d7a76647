package ws

import (
	"net/http"
	"time"

	"github.com/pulsarf/waterfall/log"
	"github.com/pulsarf/waterfall/metrics"
)

const metricsInterval = time.Second

// MetricsHandler pushes a collector snapshot as JSON every interval.
func MetricsHandler(m *metrics.MetricsCollector, interval time.Duration) http.HandlerFunc {
	if interval <= 0 {
		interval = metricsInterval
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Errorf("Failed to upgrade metrics WebSocket: %v", err)
			return
		}
		defer conn.Close()
		log.Tracef("Metrics WebSocket client connected: %s", r.RemoteAddr)

		done := make(chan struct{})
		go func() {
			readUntilClosed(conn)
			close(done)
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(m.GetSnapshot()); err != nil {
				return
			}
			select {
			case <-done:
				return
			case <-ticker.C:
			}
		}
	}
}

// HandleMetricsWebSocket streams the process-wide collector.
func HandleMetricsWebSocket(w http.ResponseWriter, r *http.Request) {
	MetricsHandler(metrics.GetMetricsCollector(), metricsInterval)(w, r)
}


// Package http serves the control plane: REST endpoints over the live
// configuration, Prometheus metrics, and WebSocket streams of logs and
// metric snapshots.
package http

import (
	"errors"
	"fmt"
	"io"
	"net"
	stdhttp "net/http"
	"strconv"
	"time"

	"github.com/pulsarf/waterfall/config"
	"github.com/pulsarf/waterfall/http/handler"
	"github.com/pulsarf/waterfall/http/ws"
	"github.com/pulsarf/waterfall/log"
	"github.com/pulsarf/waterfall/metrics"
)

// NewHandler builds the full route table with CORS applied.
func NewHandler(src handler.Sources) stdhttp.Handler {
	if src.Metrics == nil {
		src.Metrics = metrics.GetMetricsCollector()
	}
	mux := stdhttp.NewServeMux()

	registerWebSocketEndpoints(mux, src.Metrics)
	handler.NewAPIHandler(src).RegisterEndpoints(mux)

	return cors(mux)
}

// StartServer listens on the configured address and serves in the
// background. Port 0 disables the server and returns nil.
func StartServer(cfg config.WebServerConfig, src handler.Sources) (*stdhttp.Server, error) {
	if cfg.Port == 0 {
		log.Infof("Web server disabled (port 0)")
		return nil, nil
	}

	addr := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("web server listen: %w", err)
	}
	log.Infof("Starting web server on %s", ln.Addr())

	m := src.Metrics
	if m == nil {
		m = metrics.GetMetricsCollector()
	}
	m.RecordEvent("info", fmt.Sprintf("Web server started on %s", ln.Addr()))

	srv := &stdhttp.Server{
		Addr:              ln.Addr().String(),
		Handler:           NewHandler(src),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			log.Errorf("Web server error: %v", err)
			m.RecordEvent("error", fmt.Sprintf("Web server error: %v", err))
		}
	}()

	return srv, nil
}

func registerWebSocketEndpoints(mux *stdhttp.ServeMux, m *metrics.MetricsCollector) {
	mux.HandleFunc("/api/ws/logs", ws.HandleLogsWebSocket)
	mux.HandleFunc("/api/ws/metrics", ws.MetricsHandler(m, time.Second))

	log.Tracef("WebSocket endpoints registered: /api/ws/logs, /api/ws/metrics")
}

func cors(next stdhttp.Handler) stdhttp.Handler {
	return stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == stdhttp.MethodOptions {
			w.WriteHeader(stdhttp.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func LogWriter() io.Writer {
	return ws.LogWriter()
}

func Shutdown() {
	ws.Shutdown()
}

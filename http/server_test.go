package http

import (
	"bytes"
	"encoding/json"
	"io"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulsarf/waterfall/capture"
	"github.com/pulsarf/waterfall/config"
	"github.com/pulsarf/waterfall/desync"
	"github.com/pulsarf/waterfall/http/handler"
	"github.com/pulsarf/waterfall/metrics"
	"github.com/pulsarf/waterfall/sni"
	"github.com/pulsarf/waterfall/strategy"
)

func newTestServer(t *testing.T) (*httptest.Server, *metrics.MetricsCollector, *capture.Store) {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Strategies = []strategy.Spec{
		{Method: "split", Offset: "1+s"},
		{Method: "oob", Offset: "2", Protocol: "tcp", Ports: "443"},
	}
	cfg.Targets.Domains = []string{"example.com", "example.org"}
	engine, err := cfg.Engine()
	if err != nil {
		t.Fatal(err)
	}
	targets := cfg.BuildTargets(nil)

	store, err := capture.OpenStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	m := metrics.NewCollector()
	srv := httptest.NewServer(NewHandler(handler.Sources{
		Config:  func() *config.Config { return &cfg },
		Engine:  func() *desync.Engine { return engine },
		Targets: func() *sni.Targets { return targets },
		Metrics: m,
		Store:   store,
	}))
	t.Cleanup(srv.Close)
	return srv, m, store
}

func do(t *testing.T, method, url string, body interface{}) (*stdhttp.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, err := stdhttp.NewRequest(method, url, r)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := stdhttp.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestRESTEndpoints(t *testing.T) {
	srv, m, _ := newTestServer(t)
	m.RecordConnection("c1", "example.com", "127.0.0.1:1", "192.0.2.1:443", true)
	m.StrategyApplied(strategy.Split)

	t.Run("healthz", func(t *testing.T) {
		resp, body := do(t, "GET", srv.URL+"/healthz", nil)
		if resp.StatusCode != 200 || !strings.Contains(string(body), `"ok"`) {
			t.Errorf("status %d body %s", resp.StatusCode, body)
		}
	})

	t.Run("config", func(t *testing.T) {
		_, body := do(t, "GET", srv.URL+"/api/config", nil)
		var got struct {
			Socks5      config.Socks5Config       `json:"socks5"`
			TargetStats handler.TargetStatistics `json:"target_stats"`
		}
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatalf("%v: %s", err, body)
		}
		if got.Socks5.Port != config.DefaultConfig.Socks5.Port {
			t.Errorf("socks5 port = %d", got.Socks5.Port)
		}
		if got.TargetStats.ManualDomains != 2 || got.TargetStats.TotalDomains != 2 {
			t.Errorf("stats = %+v", got.TargetStats)
		}
	})

	t.Run("strategies", func(t *testing.T) {
		_, body := do(t, "GET", srv.URL+"/api/strategies", nil)
		var got handler.StrategiesResponse
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatal(err)
		}
		if len(got.Strategies) != 2 {
			t.Fatalf("strategies = %+v", got.Strategies)
		}
		if s := got.Strategies[0]; s.Method != "split" || s.Offset != 1 || !s.AddSNI {
			t.Errorf("first = %+v", s)
		}
		if s := got.Strategies[1]; s.Method != "oob" || s.Protocol != "tcp" || s.Ports != "443" {
			t.Errorf("second = %+v", s)
		}
		if len(got.Methods) == 0 {
			t.Error("no method names")
		}
	})

	t.Run("metrics snapshot", func(t *testing.T) {
		_, body := do(t, "GET", srv.URL+"/api/metrics", nil)
		var got metrics.MetricsCollector
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatal(err)
		}
		if got.TotalConnections != 1 || got.StrategyCounts["split"] != 1 {
			t.Errorf("snapshot = %+v", &got)
		}
	})

	t.Run("prometheus", func(t *testing.T) {
		_, body := do(t, "GET", srv.URL+"/metrics", nil)
		if !strings.Contains(string(body), `waterfall_strategy_applied_total{method="split"} 1`) {
			t.Errorf("exposition missing strategy counter:\n%s", body)
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		resp, _ := do(t, "POST", srv.URL+"/api/metrics", nil)
		if resp.StatusCode != stdhttp.StatusMethodNotAllowed {
			t.Errorf("status %d", resp.StatusCode)
		}
	})

	t.Run("cors preflight", func(t *testing.T) {
		resp, _ := do(t, "OPTIONS", srv.URL+"/api/config", nil)
		if resp.StatusCode != stdhttp.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
			t.Errorf("status %d headers %v", resp.StatusCode, resp.Header)
		}
	})
}

func TestStrategyCheck(t *testing.T) {
	srv, _, _ := newTestServer(t)
	tests := []struct {
		name      string
		req       handler.CheckRequest
		success   bool
		wantIndex int
	}{
		{"valid", handler.CheckRequest{Strategies: "split:1+s,disorder:3"}, true, -1},
		{"bad offset", handler.CheckRequest{Strategies: "split:1,fake:x"}, false, -1},
		{"unknown method", handler.CheckRequest{Strategies: "bogus:1"}, false, -1},
		{"signature", handler.CheckRequest{Strategies: "split:1,disorder:2", Signature: "0123"}, false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, body := do(t, "POST", srv.URL+"/api/strategies/check", tt.req)
			var got handler.CheckResponse
			if err := json.Unmarshal(body, &got); err != nil {
				t.Fatal(err)
			}
			if got.Success != tt.success {
				t.Fatalf("success = %v (%s)", got.Success, got.Message)
			}
			if tt.wantIndex >= 0 && (got.Index == nil || *got.Index != tt.wantIndex) {
				t.Errorf("index = %v, want %d", got.Index, tt.wantIndex)
			}
		})
	}
}

func TestCaptureEndpoints(t *testing.T) {
	srv, _, store := newTestServer(t)

	resp, body := do(t, "POST", srv.URL+"/api/captures/arm", handler.CaptureRequest{Domain: "https://Example.com/path"})
	if resp.StatusCode != 200 {
		t.Fatalf("arm: %d %s", resp.StatusCode, body)
	}
	if !store.Offer("www.example.com", []byte{0x16, 0x03, 0x01}) {
		t.Fatal("armed domain not captured")
	}

	_, body = do(t, "GET", srv.URL+"/api/captures", nil)
	var list []capture.Capture
	if err := json.Unmarshal(body, &list); err != nil || len(list) != 1 || list[0].HexData != "160301" {
		t.Fatalf("list = %s (%v)", body, err)
	}

	resp, body = do(t, "GET", srv.URL+"/api/captures/download?domain=www.example.com", nil)
	if resp.StatusCode != 200 || !bytes.Equal(body, []byte{0x16, 0x03, 0x01}) {
		t.Errorf("download: %d %x", resp.StatusCode, body)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, ".bin") {
		t.Errorf("content disposition = %q", cd)
	}

	resp, _ = do(t, "DELETE", srv.URL+"/api/captures?domain=www.example.com", nil)
	if resp.StatusCode != 200 {
		t.Errorf("delete: %d", resp.StatusCode)
	}
	resp, _ = do(t, "DELETE", srv.URL+"/api/captures?domain=www.example.com", nil)
	if resp.StatusCode != stdhttp.StatusNotFound {
		t.Errorf("second delete: %d", resp.StatusCode)
	}
	resp, _ = do(t, "POST", srv.URL+"/api/captures/arm", handler.CaptureRequest{})
	if resp.StatusCode != stdhttp.StatusBadRequest {
		t.Errorf("empty domain: %d", resp.StatusCode)
	}
}

func TestCaptureWithoutStore(t *testing.T) {
	srv := httptest.NewServer(NewHandler(handler.Sources{Metrics: metrics.NewCollector()}))
	defer srv.Close()
	resp, _ := do(t, "GET", srv.URL+"/api/captures", nil)
	if resp.StatusCode != stdhttp.StatusServiceUnavailable {
		t.Errorf("status %d", resp.StatusCode)
	}
}

func TestMetricsWebSocket(t *testing.T) {
	srv, m, _ := newTestServer(t)
	m.RecordConnection("c1", "example.com", "127.0.0.1:1", "192.0.2.1:443", true)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/metrics"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snap metrics.MetricsCollector
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.TotalConnections != 1 || snap.TargetedConnections != 1 {
		t.Errorf("snapshot = %+v", &snap)
	}
}

func TestStartServerDisabled(t *testing.T) {
	srv, err := StartServer(config.WebServerConfig{Port: 0}, handler.Sources{Metrics: metrics.NewCollector()})
	if srv != nil || err != nil {
		t.Errorf("got %v, %v", srv, err)
	}
}

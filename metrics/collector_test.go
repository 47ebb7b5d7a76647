package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pulsarf/waterfall/sock"
	"github.com/pulsarf/waterfall/sock/socktest"
	"github.com/pulsarf/waterfall/strategy"
)

func TestCollector(t *testing.T) {
	m := NewCollector()

	m.RecordConnection("a", "example.com", "127.0.0.1:5000", "93.184.216.34:443", true)
	m.RecordConnection("b", "other.org", "127.0.0.1:5001", "1.1.1.1:443", false)
	m.CloseConnection()
	m.StrategyApplied(strategy.Split)
	m.StrategyApplied(strategy.Split)
	m.StrategyApplied(strategy.Fake)
	m.Dispatched(nil)
	m.Dispatched(errors.New("broken pipe"))
	m.RecordRelay(100, 2000)

	snap := m.GetSnapshot()
	if snap.TotalConnections != 2 || snap.ActiveConnections != 1 || snap.TargetedConnections != 1 {
		t.Errorf("connections: %+v", snap)
	}
	if snap.Dispatches != 2 || snap.DispatchErrors != 1 {
		t.Errorf("dispatches = %d errors = %d", snap.Dispatches, snap.DispatchErrors)
	}
	if snap.StrategyCounts["split"] != 2 || snap.StrategyCounts["fake"] != 1 {
		t.Errorf("strategy counts = %v", snap.StrategyCounts)
	}
	if snap.BytesUp != 100 || snap.BytesDown != 2000 {
		t.Errorf("bytes = %d/%d", snap.BytesUp, snap.BytesDown)
	}
	if len(snap.RecentConnections) != 2 || snap.RecentConnections[0].ID != "b" {
		t.Errorf("recent connections = %+v", snap.RecentConnections)
	}
	if len(snap.RecentEvents) != 1 || snap.RecentEvents[0].Level != "error" {
		t.Errorf("recent events = %+v", snap.RecentEvents)
	}

	if got := testutil.ToFloat64(m.prom.strategyApplied.WithLabelValues("split")); got != 2 {
		t.Errorf("strategy_applied_total{split} = %v", got)
	}
	if got := testutil.ToFloat64(m.prom.active); got != 1 {
		t.Errorf("connections_active = %v", got)
	}
	if got := testutil.ToFloat64(m.prom.dispatchErrors); got != 1 {
		t.Errorf("dispatch_errors_total = %v", got)
	}

	t.Run("exposition", func(t *testing.T) {
		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
		body, _ := io.ReadAll(rec.Body)
		for _, want := range []string{
			`waterfall_connections_total{targeted="true"} 1`,
			`waterfall_strategy_applied_total{method="fake"} 1`,
			`waterfall_relay_bytes_total{direction="down"} 2000`,
			"go_goroutines",
		} {
			if !strings.Contains(string(body), want) {
				t.Errorf("missing %q", want)
			}
		}
	})
}

func TestTopDomainsPruned(t *testing.T) {
	m := NewCollector()
	m.RecordConnection("x", "keep.org", "", "", false)
	m.RecordConnection("x", "keep.org", "", "", false)
	for i := 0; i < 25; i++ {
		m.RecordConnection("x", strings.Repeat("d", i+1)+".org", "", "", false)
	}
	snap := m.GetSnapshot()
	if len(snap.TopDomains) > 20 {
		t.Errorf("top domains = %d", len(snap.TopDomains))
	}
	if snap.TopDomains["keep.org"] != 2 {
		t.Error("most frequent domain pruned")
	}
	if len(snap.RecentConnections) != 10 {
		t.Errorf("recent connections = %d", len(snap.RecentConnections))
	}
}

func TestUpdateRates(t *testing.T) {
	m := NewCollector()
	start := m.lastUpdate
	for i := 0; i < 4; i++ {
		m.RecordConnection("x", "", "", "", false)
	}
	m.updateRates(start.Add(2 * time.Second))
	if m.CurrentCPS != 2 {
		t.Errorf("cps = %v", m.CurrentCPS)
	}
	if len(m.ConnectionRate) != 1 {
		t.Errorf("series = %v", m.ConnectionRate)
	}
}

func TestWrapConn(t *testing.T) {
	m := NewCollector()
	conn := socktest.New()
	c := m.WrapConn(conn)
	e := sock.Emitter{DefaultTTL: 64, GhostTTL: 1}
	if err := e.SendGhost(c, []byte("abcd")); err != nil {
		t.Fatal(err)
	}
	if err := e.SendOOB(c, []byte("z")); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.prom.emissions.WithLabelValues("ttl")); got != 2 {
		t.Errorf("ttl changes = %v", got)
	}
	if got := testutil.ToFloat64(m.prom.emissionBytes.WithLabelValues("write")); got != 4 {
		t.Errorf("write bytes = %v", got)
	}
	if got := testutil.ToFloat64(m.prom.emissions.WithLabelValues("oob")); got != 1 {
		t.Errorf("oob = %v", got)
	}
	if len(conn.Ops()) != 2 {
		t.Errorf("ops = %v", conn.Ops())
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{5 * time.Second, "5s"},
		{90 * time.Second, "1m 30s"},
		{2*time.Hour + 3*time.Minute, "2h 3m 0s"},
		{50 * time.Hour, "2d 2h 0m 0s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstrumentFormats(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	shutdown, err := Instrument(context.Background(), Options{Level: slog.LevelInfo, Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	slog.Debug("hidden")
	slog.Info("visible", "tenant", "brightfuture")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec["msg"] != "visible" || rec["tenant"] != "brightfuture" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestInstrumentRejectsUnknownOptions(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	if _, err := Instrument(context.Background(), Options{Format: "xml"}); err == nil {
		t.Error("unknown format accepted")
	}
	if _, err := Instrument(context.Background(), Options{Exporter: "carrier-pigeon"}); err == nil {
		t.Error("unknown exporter accepted")
	}
}

func TestFanoutHonorsLevels(t *testing.T) {
	var debugBuf, warnBuf bytes.Buffer
	h := fanout{
		slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&warnBuf, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}
	logger := slog.New(h).With("component", "refresh")

	logger.Info("refreshed")
	logger.Warn("slow refresh")

	if !strings.Contains(debugBuf.String(), "refreshed") || !strings.Contains(debugBuf.String(), "slow refresh") {
		t.Errorf("debug handler missed records: %q", debugBuf.String())
	}
	if strings.Contains(warnBuf.String(), "msg=refreshed") {
		t.Errorf("warn handler received info record: %q", warnBuf.String())
	}
	if !strings.Contains(warnBuf.String(), "component=refresh") {
		t.Errorf("attrs not propagated: %q", warnBuf.String())
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m.ObserveRequest("default", "ok")
	m.ObserveRequest("default", "ok")
	m.ObserveRefresh("success", 20*time.Millisecond)
	m.ObserveTermination("refresh_failed")

	if got := testutil.ToFloat64(m.requests.WithLabelValues("default", "ok")); got != 2 {
		t.Errorf("requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.refreshes.WithLabelValues("success")); got != 1 {
		t.Errorf("refreshes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.terminations.WithLabelValues("refresh_failed")); got != 1 {
		t.Errorf("terminations = %v, want 1", got)
	}

	// Registering twice on the same registry is tolerated
	if _, err := NewMetrics(reg); err != nil {
		t.Errorf("second NewMetrics: %v", err)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("default", "ok")
	m.ObserveRefresh("failure", time.Second)
	m.ObserveTermination("logout")
}

package sim

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wudi/weightedsocket/internal/config"
	"github.com/wudi/weightedsocket/weighted"
)

func mustParse(t *testing.T, doc string) *Scenario {
	t.Helper()
	sc, err := ParseScenario([]byte(doc))
	if err != nil {
		t.Fatalf("ParseScenario: %v", err)
	}
	return sc
}

func run(t *testing.T, sc *Scenario) ([]Report, *Runner) {
	t.Helper()
	r, err := NewRunner(config.DefaultConfig(), sc, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	reports, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return reports, r
}

func TestParseScenario(t *testing.T) {
	sc := mustParse(t, `
connections:
  - name: fast
    latency: 10ms
  - name: flaky
    latencies: [5ms, 50ms]
    availability: 0.5
    fail_every: 3
steps:
  - submit: {conn: fast, count: 4}
  - advance: 1s
  - availability: {conn: flaky, value: 0.25}
  - report: true
  - close: fast
`)
	if len(sc.Connections) != 2 || len(sc.Steps) != 5 {
		t.Fatalf("unexpected scenario %+v", sc)
	}
	flaky := sc.Connections[1]
	if len(flaky.Latencies) != 2 || flaky.Latencies[1] != 50*time.Millisecond {
		t.Errorf("unexpected latencies %v", flaky.Latencies)
	}
	if flaky.FailEvery != 3 || flaky.Availability == nil || *flaky.Availability != 0.5 {
		t.Errorf("unexpected flaky spec %+v", flaky)
	}
	if sc.Steps[0].Submit.Count != 4 || sc.Steps[1].Advance != time.Second {
		t.Errorf("unexpected steps %+v %+v", sc.Steps[0], sc.Steps[1])
	}
	if sc.Steps[2].Availability.Value != 0.25 || !sc.Steps[3].Report || sc.Steps[4].Close != "fast" {
		t.Errorf("unexpected steps %+v", sc.Steps[2:])
	}
}

func TestParseScenarioErrors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
		unknown bool
	}{
		{"no connections", "steps: []", "at least one connection", false},
		{"missing name", "connections: [{latency: 1ms}]", "name is required", false},
		{"duplicate name", "connections: [{name: a}, {name: a}]", "duplicate connection name", false},
		{"negative latency", "connections: [{name: a, latency: -1ms}]", "latency must not be negative", false},
		{"bad availability", "connections: [{name: a, availability: 2}]", "availability must be in [0,1]", false},
		{"unknown submit", "connections: [{name: a}]\nsteps: [{submit: {conn: b}}]", "unknown connection", true},
		{"unknown close", "connections: [{name: a}]\nsteps: [{close: b}]", "unknown connection", true},
		{"two actions", "connections: [{name: a}]\nsteps: [{report: true, advance: 1s}]", "exactly one action", false},
		{"no action", "connections: [{name: a}]\nsteps: [{}]", "exactly one action", false},
		{"negative advance", "connections: [{name: a}]\nsteps: [{advance: -1s}]", "advance must be positive", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.doc))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
			if errors.Is(err, ErrUnknownConn) != tt.unknown {
				t.Errorf("errors.Is(ErrUnknownConn) = %v, want %v", !tt.unknown, tt.unknown)
			}
		})
	}
}

func TestParseScenarioEnvExpansion(t *testing.T) {
	t.Setenv("SIM_LATENCY", "15ms")
	sc := mustParse(t, "connections: [{name: a, latency: ${SIM_LATENCY}}]")
	if sc.Connections[0].Latency != 15*time.Millisecond {
		t.Errorf("expected 15ms, got %v", sc.Connections[0].Latency)
	}
}

func TestLoadScenarioFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	if err := os.WriteFile(path, []byte("connections: [{name: a}]"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadScenario(path); err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	if _, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRunOrdersByWeight(t *testing.T) {
	reports, _ := run(t, mustParse(t, `
connections:
  - name: slow
    latency: 100ms
  - name: fast
    latency: 10ms
steps:
  - submit: {conn: slow}
  - submit: {conn: fast}
  - advance: 200ms
  - report: true
`))
	if len(reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(reports))
	}
	rep := reports[0]
	if rep.At != 200*time.Millisecond {
		t.Errorf("expected report at 200ms, got %v", rep.At)
	}
	if len(rep.Rows) != 2 || rep.Rows[0].Conn != "fast" || rep.Rows[1].Conn != "slow" {
		t.Fatalf("unexpected order %+v", rep.Rows)
	}
	if rep.Rows[0].Weight != 10*time.Millisecond || rep.Rows[1].Weight != 100*time.Millisecond {
		t.Errorf("unexpected weights %v %v", rep.Rows[0].Weight, rep.Rows[1].Weight)
	}
	for _, row := range rep.Rows {
		if row.Pending != 0 {
			t.Errorf("%s: expected nothing pending, got %d", row.Conn, row.Pending)
		}
	}
}

func TestRunStartupPenalty(t *testing.T) {
	reports, _ := run(t, mustParse(t, `
connections:
  - name: cold
    latency: 1s
  - name: idle
steps:
  - submit: {conn: cold, count: 2}
  - report: true
`))
	rows := reports[0].Rows
	if rows[0].Conn != "idle" || rows[0].Weight != 0 {
		t.Errorf("expected fresh idle connection first with weight 0, got %+v", rows[0])
	}
	if rows[1].Conn != "cold" || rows[1].Weight != weighted.StartupPenalty+2 || rows[1].Pending != 2 {
		t.Errorf("expected cold connection with penalty+2, got %+v", rows[1])
	}

	var buf bytes.Buffer
	if err := WriteReports(&buf, reports); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "penalty+2") {
		t.Errorf("expected symbolic penalty in output:\n%s", buf.String())
	}
}

func TestAdvanceStopsAtEachDeadline(t *testing.T) {
	reports, _ := run(t, mustParse(t, `
connections:
  - name: a
    latencies: [10ms, 30ms]
steps:
  - submit: {conn: a, count: 2}
  - advance: 20ms
  - report: true
`))
	row := reports[0].Rows[0]
	if row.Pending != 1 {
		t.Fatalf("expected 1 pending, got %d", row.Pending)
	}
	// the first request must have been observed at 10ms, not when the
	// advance step ended
	if row.Estimate != 10*time.Millisecond {
		t.Errorf("expected estimate 10ms, got %v", row.Estimate)
	}
	// the survivor is 20ms old, above the 10ms estimate
	if row.Weight != 20*time.Millisecond {
		t.Errorf("expected weight 20ms, got %v", row.Weight)
	}
}

func TestZeroLatencyCompletesOnSubmit(t *testing.T) {
	reports, _ := run(t, mustParse(t, `
connections:
  - name: a
steps:
  - submit: {conn: a, count: 3}
  - report: true
`))
	if p := reports[0].Rows[0].Pending; p != 0 {
		t.Errorf("expected zero-latency requests to complete, got %d pending", p)
	}
}

func TestFailuresAndClose(t *testing.T) {
	reports, r := run(t, mustParse(t, `
connections:
  - name: a
    latency: 10ms
    fail_every: 2
  - name: b
    latency: 1s
steps:
  - submit: {conn: a, count: 2}
  - submit: {conn: b}
  - advance: 10ms
  - availability: {conn: a, value: 0.5}
  - close: b
  - report: true
`))
	byName := map[string]Row{}
	for _, row := range reports[0].Rows {
		byName[row.Conn] = row
	}
	a, b := byName["a"], byName["b"]
	if a.Pending != 0 || a.Estimate != 10*time.Millisecond || a.Availability != 0.5 {
		t.Errorf("unexpected row for a: %+v", a)
	}
	if b.Pending != 0 || b.Availability != 0 {
		t.Errorf("expected closed b to have nothing pending and availability 0, got %+v", b)
	}
	if b.Estimate != 0 {
		t.Errorf("expected no latency sample from a closed request, got %v", b.Estimate)
	}
	if r.Tracker("a") == nil || r.Tracker("missing") != nil {
		t.Error("unexpected Tracker lookup result")
	}
}

func TestRunCollector(t *testing.T) {
	_, r := run(t, mustParse(t, `
connections: [{name: a}, {name: b}, {name: c}]
steps: [{report: true}]
`))
	if n := testutil.CollectAndCount(r.Collector(), "weightedsocket_pending_requests"); n != 3 {
		t.Errorf("expected 3 pending series, got %d", n)
	}
}

func TestCloseStopsExportingConn(t *testing.T) {
	_, r := run(t, mustParse(t, `
connections: [{name: a}, {name: b}]
steps: [{close: b}]
`))
	expected := `
# HELP weightedsocket_pending_requests Requests submitted on the connection and not yet terminated.
# TYPE weightedsocket_pending_requests gauge
weightedsocket_pending_requests{conn="a"} 0
`
	if err := testutil.CollectAndCompare(r.Collector(), strings.NewReader(expected), "weightedsocket_pending_requests"); err != nil {
		t.Error(err)
	}
}

func TestDeclaredAvailability(t *testing.T) {
	reports, _ := run(t, mustParse(t, `
connections:
  - name: down
    availability: 0
  - name: default
  - name: half
    availability: 0.5
steps: [{report: true}]
`))
	got := map[string]float64{}
	for _, row := range reports[0].Rows {
		got[row.Conn] = row.Availability
	}
	want := map[string]float64{"down": 0, "default": 1, "half": 0.5}
	for name, v := range want {
		if got[name] != v {
			t.Errorf("%s: expected availability %v, got %v", name, v, got[name])
		}
	}
}

func TestRunCancelled(t *testing.T) {
	sc := mustParse(t, "connections: [{name: a}]\nsteps: [{report: true}]")
	r, err := NewRunner(config.DefaultConfig(), sc, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestNewRunnerBadTrackerConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tracker.Estimator.Kind = "mean"
	if _, err := NewRunner(cfg, mustParse(t, "connections: [{name: a}]"), nil); err == nil {
		t.Error("expected error for unknown estimator kind")
	}
}

func TestRunLogsSummary(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sc := mustParse(t, `
connections: [{name: a, latency: 10s}]
steps: [{submit: {conn: a, count: 2}}, {advance: 5s}, {report: true}]
`)
	r, err := NewRunner(config.DefaultConfig(), sc, zap.New(core))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	entries := logs.FilterMessage("scenario finished").All()
	if len(entries) != 1 {
		t.Fatalf("expected one summary log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["reports"] != int64(1) || fields["inflight"] != int64(2) || fields["simulated"] != 5*time.Second {
		t.Errorf("unexpected summary fields %v", fields)
	}
}

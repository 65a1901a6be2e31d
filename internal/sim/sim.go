// Package sim replays a scripted workload against weighted trackers wrapped
// around simulated connections, on a fake clock, and reports the weights a
// balancer would see.
package sim

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/wudi/weightedsocket/internal/config"
	"github.com/wudi/weightedsocket/internal/metrics"
	"github.com/wudi/weightedsocket/internal/simconn"
	"github.com/wudi/weightedsocket/socket"
	"github.com/wudi/weightedsocket/weighted"
)

// Row is one connection's line in a report.
type Row struct {
	Conn         string
	Pending      int64
	Estimate     time.Duration
	Weight       time.Duration
	Availability float64
}

// Report is the state of all connections at one point of the scenario,
// ordered from most to least attractive.
type Report struct {
	At   time.Duration
	Rows []Row
}

type endpoint struct {
	conn    *simconn.Conn
	tracker *weighted.Tracker
}

// Runner executes one scenario.
type Runner struct {
	clock     *clockwork.FakeClock
	start     time.Time
	scenario  *Scenario
	endpoints map[string]*endpoint
	names     []string
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewRunner builds trackers for every scenario connection using the tracker
// section of cfg. All trackers share one fake clock.
func NewRunner(cfg *config.Config, sc *Scenario, logger *zap.Logger) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := clockwork.NewFakeClock()
	r := &Runner{
		clock:     clock,
		start:     clock.Now(),
		scenario:  sc,
		endpoints: make(map[string]*endpoint, len(sc.Connections)),
		collector: metrics.NewCollector("weightedsocket"),
		logger:    logger,
	}

	for _, spec := range sc.Connections {
		conn := simconn.New(clock, connConfig(spec))
		if spec.Availability != nil {
			conn.SetAvailability(*spec.Availability)
		}

		tc, err := cfg.Tracker.ForConn(spec.Name)
		if err != nil {
			return nil, fmt.Errorf("connection %s: %w", spec.Name, err)
		}
		tc.Clock = clock
		tc.Logger = logger

		tr := weighted.New(conn, tc)
		r.endpoints[spec.Name] = &endpoint{conn: conn, tracker: tr}
		r.names = append(r.names, spec.Name)
		r.collector.Add(tr)
	}
	sort.Strings(r.names)
	return r, nil
}

func connConfig(spec ConnSpec) simconn.Config {
	cfg := simconn.Config{
		Latency:   spec.Latency,
		FailEvery: spec.FailEvery,
	}
	if len(spec.Latencies) > 0 {
		lat := spec.Latencies
		cfg.LatencyFunc = func(seq int64) time.Duration {
			return lat[(seq-1)%int64(len(lat))]
		}
	}
	return cfg
}

// Collector exposes the runner's trackers for Prometheus.
func (r *Runner) Collector() *metrics.Collector { return r.collector }

// Tracker returns the tracker of the named connection, or nil.
func (r *Runner) Tracker(name string) *weighted.Tracker {
	if ep, ok := r.endpoints[name]; ok {
		return ep.tracker
	}
	return nil
}

// Run executes every step and returns the reports in order.
func (r *Runner) Run(ctx context.Context) ([]Report, error) {
	var reports []Report
	for i, st := range r.scenario.Steps {
		if err := ctx.Err(); err != nil {
			return reports, err
		}

		switch {
		case st.Submit != nil:
			ep, ok := r.endpoints[st.Submit.Conn]
			if !ok {
				return reports, fmt.Errorf("step %d: %w %q", i, ErrUnknownConn, st.Submit.Conn)
			}
			n := st.Submit.Count
			if n == 0 {
				n = 1
			}
			for j := 0; j < n; j++ {
				ep.tracker.Submit(socket.Payload{})
			}
			// zero-latency requests complete right away
			ep.conn.Flush()

		case st.Advance > 0:
			r.advance(st.Advance)

		case st.Report:
			reports = append(reports, r.report())

		case st.Close != "":
			ep, ok := r.endpoints[st.Close]
			if !ok {
				return reports, fmt.Errorf("step %d: %w %q", i, ErrUnknownConn, st.Close)
			}
			ep.tracker.Close(func(err error) {
				r.logger.Debug("connection closed", zap.String("conn", st.Close), zap.Error(err))
			})
			r.collector.Remove(st.Close)

		case st.Availability != nil:
			ep, ok := r.endpoints[st.Availability.Conn]
			if !ok {
				return reports, fmt.Errorf("step %d: %w %q", i, ErrUnknownConn, st.Availability.Conn)
			}
			ep.conn.SetAvailability(st.Availability.Value)
		}
	}

	inflight := 0
	for _, name := range r.names {
		inflight += r.endpoints[name].conn.Inflight()
	}
	r.logger.Info("scenario finished",
		zap.Int("steps", len(r.scenario.Steps)),
		zap.Int("reports", len(reports)),
		zap.Int("inflight", inflight),
		zap.Duration("simulated", r.clock.Since(r.start)))
	return reports, nil
}

// advance moves the clock forward by d, stopping at every completion
// deadline on the way so each request terminates at its exact time.
func (r *Runner) advance(d time.Duration) {
	target := r.clock.Now().Add(d)
	for {
		next, ok := r.nextDeadline()
		if !ok || next.After(target) {
			break
		}
		if wait := next.Sub(r.clock.Now()); wait > 0 {
			r.clock.Advance(wait)
		}
		r.flush()
	}
	if wait := target.Sub(r.clock.Now()); wait > 0 {
		r.clock.Advance(wait)
	}
	r.flush()
}

func (r *Runner) nextDeadline() (time.Time, bool) {
	var (
		best  time.Time
		found bool
	)
	for _, name := range r.names {
		if d, ok := r.endpoints[name].conn.NextDeadline(); ok && (!found || d.Before(best)) {
			best, found = d, true
		}
	}
	return best, found
}

func (r *Runner) flush() {
	for _, name := range r.names {
		r.endpoints[name].conn.Flush()
	}
}

func (r *Runner) report() Report {
	rep := Report{At: r.clock.Since(r.start)}
	for _, name := range r.names {
		tr := r.endpoints[name].tracker
		rep.Rows = append(rep.Rows, Row{
			Conn:         name,
			Pending:      tr.Pending(),
			Weight:       tr.PredictedLatency(),
			Estimate:     tr.Snapshot().Estimate,
			Availability: tr.Availability(),
		})
	}
	sort.SliceStable(rep.Rows, func(i, j int) bool {
		return rep.Rows[i].Weight < rep.Rows[j].Weight
	})
	return rep
}

// WriteReports renders reports as aligned text tables.
func WriteReports(w io.Writer, reports []Report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for i, rep := range reports {
		if i > 0 {
			fmt.Fprintln(tw)
		}
		fmt.Fprintf(tw, "t=%v\n", rep.At)
		fmt.Fprintln(tw, "CONN\tPENDING\tESTIMATE\tWEIGHT\tAVAILABILITY")
		for _, row := range rep.Rows {
			fmt.Fprintf(tw, "%s\t%d\t%v\t%s\t%.2f\n",
				row.Conn, row.Pending, row.Estimate, formatWeight(row.Weight), row.Availability)
		}
	}
	return tw.Flush()
}

// formatWeight prints the startup penalty symbolically instead of as a
// century-long duration.
func formatWeight(w time.Duration) string {
	if w >= weighted.StartupPenalty {
		return fmt.Sprintf("penalty+%d", int64(w-weighted.StartupPenalty))
	}
	return w.String()
}

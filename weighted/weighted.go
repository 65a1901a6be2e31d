// Package weighted wraps a socket.Conn with latency-aware bookkeeping so a
// pool can rank its connections by predicted latency.
//
// A Tracker counts the requests in flight on its connection, keeps the
// integral of that count over time, and feeds each observed round trip into
// a streaming estimator. PredictedLatency blends the estimate with the
// observed in-flight load; lower weights are more attractive.
package weighted

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/wudi/weightedsocket/estimator"
	"github.com/wudi/weightedsocket/internal/invariant"
	"github.com/wudi/weightedsocket/internal/logging"
	"github.com/wudi/weightedsocket/socket"
)

const (
	// StartupPenalty is the weight floor of a busy connection that has no
	// latency history yet. It is half the Duration range (about 146 years),
	// so any real estimate outranks it while StartupPenalty+outstanding still
	// fits in an int64 for every realistic outstanding count.
	StartupPenalty = time.Duration(math.MaxInt64 >> 1)

	// DefaultInactivityPeriod is how long a connection must go without new
	// requests before its estimate starts to decay.
	DefaultInactivityPeriod = 30 * time.Second

	maxDuration = time.Duration(math.MaxInt64)
)

// Clock supplies monotonic timestamps. Every tracker of one pool must share
// the same Clock for their weights to be comparable.
type Clock interface {
	Now() time.Time
}

// Estimator is the streaming latency summary a Tracker feeds.
type Estimator interface {
	Insert(d time.Duration)
	Estimate() time.Duration
}

// DecayPolicy controls how often an idle connection's estimate decays.
type DecayPolicy int

const (
	// DecayEveryCall decays on every PredictedLatency call made while the
	// connection is idle past the inactivity period.
	DecayEveryCall DecayPolicy = iota
	// DecayOncePerPeriod decays at most once per inactivity period.
	DecayOncePerPeriod
)

func (p DecayPolicy) String() string {
	switch p {
	case DecayEveryCall:
		return "every_call"
	case DecayOncePerPeriod:
		return "once_per_period"
	default:
		return fmt.Sprintf("DecayPolicy(%d)", int(p))
	}
}

// ParseDecayPolicy parses the configuration name of a policy. The empty
// string selects DecayEveryCall.
func ParseDecayPolicy(s string) (DecayPolicy, error) {
	switch s {
	case "", "every_call":
		return DecayEveryCall, nil
	case "once_per_period":
		return DecayOncePerPeriod, nil
	default:
		return 0, fmt.Errorf("unknown decay policy %q", s)
	}
}

// Config configures a Tracker. Zero fields take defaults.
type Config struct {
	Name             string
	Clock            Clock         // default: real clock
	Estimator        Estimator     // default: sliding median; owned by the tracker
	InactivityPeriod time.Duration // default: DefaultInactivityPeriod
	DecayPolicy      DecayPolicy
	Logger           *zap.Logger // default: global logger
}

// State is a point-in-time view of a tracker's bookkeeping.
type State struct {
	Outstanding int64
	LastRequest time.Time
	LastEvent   time.Time
	// BusyTime is the concurrency-time integral as of LastEvent, net of the
	// durations of requests that have already terminated.
	BusyTime time.Duration
	Estimate time.Duration
}

// Tracker wraps one connection and computes its predicted latency.
// It does not own the connection's lifecycle.
type Tracker struct {
	conn       socket.Conn
	name       string
	clock      Clock
	inactivity time.Duration
	decay      DecayPolicy
	logger     *zap.Logger

	mu          sync.Mutex
	est         Estimator
	outstanding int64
	lastRequest time.Time
	lastEvent   time.Time
	lastDecay   time.Time
	busy        time.Duration
}

// New wraps conn in a Tracker.
func New(conn socket.Conn, cfg Config) *Tracker {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Estimator == nil {
		cfg.Estimator = estimator.NewSlidingMedian(estimator.DefaultWindow)
	}
	if cfg.InactivityPeriod <= 0 {
		cfg.InactivityPeriod = DefaultInactivityPeriod
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Global()
	}

	now := cfg.Clock.Now()
	return &Tracker{
		conn:        conn,
		name:        cfg.Name,
		clock:       cfg.Clock,
		inactivity:  cfg.InactivityPeriod,
		decay:       cfg.DecayPolicy,
		logger:      cfg.Logger.With(zap.String("conn", cfg.Name)),
		est:         cfg.Estimator,
		lastRequest: now,
		lastEvent:   now,
	}
}

// Name returns the label given in Config.
func (t *Tracker) Name() string { return t.name }

// Submit forwards req to the underlying connection and tracks the returned
// stream until it terminates. The stream is returned unchanged.
func (t *Tracker) Submit(req socket.Payload) socket.Stream {
	stream := t.conn.Submit(req)
	if !invariant.Check(t.logger, stream != nil, "connection returned a nil stream") {
		return nil
	}
	start := t.incr()
	stream.Subscribe(&requestObserver{tracker: t, start: start})
	return stream
}

// Availability reports the underlying connection's health.
func (t *Tracker) Availability() float64 {
	return t.conn.Availability()
}

// Close closes the underlying connection. Tracker state is kept, so
// PredictedLatency keeps reporting the last known values afterwards.
func (t *Tracker) Close(onDone func(error)) {
	t.conn.Close(onDone)
}

// Pending returns the number of requests in flight.
func (t *Tracker) Pending() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outstanding
}

// PredictedLatency returns this connection's weight.
//
// Without history an idle connection weighs 0 and a busy one weighs
// StartupPenalty plus its outstanding count. An idle connection whose last
// request is older than the inactivity period has its estimate decayed by
// inserting half of it, and weighs the new estimate. Otherwise the weight is
// the estimate, unless the mean age of the in-flight requests already
// exceeds it, in which case that mean age is used.
func (t *Tracker) PredictedLatency() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	prediction := t.est.Estimate()

	switch {
	case prediction == 0:
		if t.outstanding == 0 {
			return 0
		}
		return t.startupWeightLocked()

	case t.outstanding == 0 && t.idleLocked(now):
		// Floored at 1ns: an estimate of 0 would read as no history.
		t.est.Insert(max(prediction/2, 1))
		t.lastDecay = now
		weight := t.est.Estimate()
		if ce := t.logger.Check(zap.DebugLevel, "latency estimate decayed"); ce != nil {
			ce.Write(zap.Duration("from", prediction), zap.Duration("to", weight))
		}
		return weight

	default:
		predicted := mulSat(prediction, t.outstanding)
		instant := t.instantaneousLocked(now)
		if predicted < instant {
			if !invariant.Check(t.logger, t.outstanding > 0, "division by zero outstanding") {
				return prediction
			}
			return instant / time.Duration(t.outstanding)
		}
		return prediction
	}
}

// Snapshot returns the current bookkeeping without side effects.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return State{
		Outstanding: t.outstanding,
		LastRequest: t.lastRequest,
		LastEvent:   t.lastEvent,
		BusyTime:    t.busy,
		Estimate:    t.est.Estimate(),
	}
}

func (t *Tracker) startupWeightLocked() time.Duration {
	n := time.Duration(t.outstanding)
	if !invariant.Check(t.logger, n <= maxDuration-StartupPenalty, "startup weight overflow",
		zap.Int64("outstanding", t.outstanding)) {
		return maxDuration
	}
	return StartupPenalty + n
}

func (t *Tracker) idleLocked(now time.Time) bool {
	anchor := t.lastRequest
	if t.decay == DecayOncePerPeriod && t.lastDecay.After(anchor) {
		anchor = t.lastDecay
	}
	return now.Sub(anchor) > t.inactivity
}

func (t *Tracker) instantaneousLocked(now time.Time) time.Duration {
	return addSat(t.busy, mulSat(t.sinceLastEventLocked(now), t.outstanding))
}

func (t *Tracker) sinceLastEventLocked(now time.Time) time.Duration {
	elapsed := now.Sub(t.lastEvent)
	if !invariant.Check(t.logger, elapsed >= 0, "clock went backwards",
		zap.Duration("elapsed", elapsed)) {
		return 0
	}
	return elapsed
}

// chargeLocked adds the time since the last event, weighted by the
// concurrency level that held over it, to the busy integral.
func (t *Tracker) chargeLocked(now time.Time) {
	t.busy = addSat(t.busy, mulSat(t.sinceLastEventLocked(now), t.outstanding))
}

func (t *Tracker) incr() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	t.chargeLocked(now)
	t.outstanding++
	t.lastRequest = now
	t.lastEvent = now

	if ce := t.logger.Check(zap.DebugLevel, "request submitted"); ce != nil {
		ce.Write(zap.Int64("outstanding", t.outstanding))
	}
	return now
}

// decr closes the accounting of the request submitted at start.
func (t *Tracker) decr(start time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	t.chargeLocked(now)
	// Drop this request's own share so the integral only covers requests
	// still in flight.
	t.busy -= now.Sub(start)
	if !invariant.Check(t.logger, t.busy >= 0, "negative busy time", zap.Duration("busy", t.busy)) {
		t.busy = 0
	}
	if invariant.Check(t.logger, t.outstanding > 0, "outstanding would go negative") {
		t.outstanding--
	}
	t.lastEvent = now

	if ce := t.logger.Check(zap.DebugLevel, "request terminated"); ce != nil {
		ce.Write(zap.Int64("outstanding", t.outstanding), zap.Duration("busy", t.busy))
	}
}

func (t *Tracker) observe(start time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rtt := t.clock.Now().Sub(start)
	if rtt < 0 {
		rtt = 0
	}
	t.est.Insert(rtt)

	if ce := t.logger.Check(zap.DebugLevel, "response observed"); ce != nil {
		ce.Write(zap.Duration("rtt", rtt))
	}
}

// requestObserver ties one submitted request's stream events back to its
// tracker and guards against streams that break the event contract.
type requestObserver struct {
	tracker    *Tracker
	start      time.Time
	responded  atomic.Bool
	terminated atomic.Bool
}

func (o *requestObserver) OnResponse(socket.Payload) {
	if !invariant.Check(o.tracker.logger, !o.terminated.Load(), "response after terminate") {
		return
	}
	if !invariant.Check(o.tracker.logger, !o.responded.Swap(true), "duplicate response") {
		return
	}
	o.tracker.observe(o.start)
}

func (o *requestObserver) OnTerminate(error) {
	if !invariant.Check(o.tracker.logger, !o.terminated.Swap(true), "duplicate terminate") {
		return
	}
	o.tracker.decr(o.start)
}

var _ socket.Conn = (*Tracker)(nil)

package watcher

import (
	"MarginWatch/internal/ledger"
	"MarginWatch/internal/observability"
	"MarginWatch/internal/risk"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// State is the watcher lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	ErrTickInProgress = errors.New("watcher: tick already in progress")
	ErrNotRunning     = errors.New("watcher: not running")
)

// runtime is the configuration a running watcher ticks with. It is swapped
// as a whole on Start so ticks never observe a half-applied config.
type runtime struct {
	cfg       Config
	evaluator *risk.Evaluator
}

// Watcher periodically scans at-risk accounts, revoking credit or
// liquidating positions when the margin level crosses the configured tiers.
type Watcher struct {
	store   ledger.Store
	sinks   []Sink
	metrics *observability.Metrics
	log     zerolog.Logger
	now     func() time.Time
	onState func(State)

	state   atomic.Int32
	ticking atomic.Bool
	rt      atomic.Pointer[runtime]
	last    atomic.Pointer[TickReport]

	// tickMu is held for the whole of a tick so the loop can wait for the
	// in-flight tick on shutdown.
	tickMu sync.Mutex

	// mu serializes Start and Stop.
	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

type Option func(*Watcher)

// WithSinks registers outcome sinks (event publisher, audit log).
func WithSinks(sinks ...Sink) Option {
	return func(w *Watcher) { w.sinks = append(w.sinks, sinks...) }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(w *Watcher) { w.metrics = m }
}

func WithLogger(log zerolog.Logger) Option {
	return func(w *Watcher) { w.log = log }
}

// WithClock overrides the clock used to stamp reports and closures.
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) { w.now = now }
}

// WithStateListener registers a callback invoked on every lifecycle
// transition.
func WithStateListener(fn func(State)) Option {
	return func(w *Watcher) { w.onState = fn }
}

func New(store ledger.Store, opts ...Option) *Watcher {
	w := &Watcher{
		store: store,
		log:   zerolog.Nop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// State returns the current lifecycle state.
func (w *Watcher) State() State {
	return State(w.state.Load())
}

// Config returns the configuration of the current or last run.
func (w *Watcher) Config() (Config, bool) {
	rt := w.rt.Load()
	if rt == nil {
		return Config{}, false
	}
	return rt.cfg, true
}

// LastReport returns the report of the most recently finished tick, or nil.
func (w *Watcher) LastReport() *TickReport {
	return w.last.Load()
}

// Start validates cfg and launches the loop. It is a no-op when the watcher
// is already running. The loop exits when Stop is called or ctx is done.
func (w *Watcher) Start(ctx context.Context, cfg Config) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.State() == StateRunning {
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if w.done != nil {
		// Previous loop ended with its context; let it finish shutting down.
		<-w.done
	}

	w.rt.Store(&runtime{cfg: cfg, evaluator: risk.NewEvaluator(cfg.policy())})
	if !w.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		return nil
	}

	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(ctx, cfg.TickInterval, w.stop, w.done)

	w.log.Info().
		Dur("tick_interval", cfg.TickInterval).
		Str("alert_percent", cfg.Thresholds.AlertPercent.String()).
		Str("close_percent", cfg.Thresholds.ClosePercent.String()).
		Int("workers", cfg.Workers).
		Bool("strict_sides", cfg.StrictSides).
		Msg("watcher started")
	w.transitioned(StateRunning)
	return nil
}

// Stop halts future ticks and waits for the in-flight tick, if any, to
// finish. It is safe to call when the watcher is not running.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stop == nil {
		return
	}
	close(w.stop)
	<-w.done
	w.stop, w.done = nil, nil
}

func (w *Watcher) loop(ctx context.Context, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			w.shutdown("stopped")
			return
		case <-ctx.Done():
			w.shutdown("context done")
			return
		case <-ticker.C:
			// Ticks run off the loop goroutine so a slow tick cannot hold
			// back the ticker; overlap is resolved inside RunTick.
			go w.fire(ctx, stop)
		}
	}
}

// fire runs one loop tick unless the loop that spawned it has ended.
func (w *Watcher) fire(ctx context.Context, stop <-chan struct{}) {
	if loopEnded(ctx, stop) {
		w.log.Debug().Msg("tick fired after stop")
		return
	}
	_, err := w.runTick(ctx, stop)
	switch {
	case errors.Is(err, ErrTickInProgress):
		w.log.Warn().Msg("previous tick still running, skipping")
	case errors.Is(err, ErrNotRunning):
		w.log.Debug().Msg("tick fired after stop")
	}
}

func loopEnded(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (w *Watcher) shutdown(reason string) {
	w.state.Store(int32(StateStopped))

	// Wait for the in-flight tick.
	w.tickMu.Lock()
	w.tickMu.Unlock()

	w.log.Info().Str("reason", reason).Msg("watcher stopped")
	w.transitioned(StateStopped)
}

func (w *Watcher) transitioned(s State) {
	if w.metrics != nil {
		if s == StateRunning {
			w.metrics.WatcherRunning.Set(1)
		} else {
			w.metrics.WatcherRunning.Set(0)
		}
	}
	if w.onState != nil {
		w.onState(s)
	}
}

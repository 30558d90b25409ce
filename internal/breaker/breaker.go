// Package breaker provides per-dependency circuit breakers.
//
// A Registry owns one breaker per dependency name (for example "llm" or
// "tts"). Breakers are created lazily on first use and live for the lifetime
// of the registry. Each breaker tracks outcomes in a rolling window of time
// buckets and trips to Open once the failure percentage crosses the
// configured threshold with enough volume. After ResetTimeout a single trial
// call is let through; its outcome decides between Closed and Open.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nadzzz/parley/internal/metrics"
)

var (
	// ErrCircuitOpen is matched by errors returned when a call is short-circuited.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrTimeout is wrapped by errors returned when a call exceeds its timeout.
	ErrTimeout = errors.New("call timed out")
)

// OpenError reports a call rejected by an open breaker.
type OpenError struct {
	Name string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, ErrCircuitOpen)
}

// Is makes errors.Is(err, ErrCircuitOpen) hold for *OpenError.
func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// State is the breaker state.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Settings configures a single breaker.
type Settings struct {
	Timeout                  time.Duration `mapstructure:"timeout"`
	ResetTimeout             time.Duration `mapstructure:"reset_timeout"`
	ErrorThresholdPercentage int           `mapstructure:"error_threshold_percentage"`
	RollingWindow            time.Duration `mapstructure:"rolling_window"`
	RollingBuckets           int           `mapstructure:"rolling_buckets"`
	VolumeThreshold          int           `mapstructure:"volume_threshold"`
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Timeout:                  5 * time.Second,
		ResetTimeout:             30 * time.Second,
		ErrorThresholdPercentage: 50,
		RollingWindow:            10 * time.Second,
		RollingBuckets:           10,
		VolumeThreshold:          5,
	}
}

// Validate reports settings that cannot work.
func (s Settings) Validate() error {
	switch {
	case s.Timeout <= 0:
		return fmt.Errorf("timeout must be positive, got %s", s.Timeout)
	case s.ResetTimeout <= 0:
		return fmt.Errorf("reset_timeout must be positive, got %s", s.ResetTimeout)
	case s.ErrorThresholdPercentage < 1 || s.ErrorThresholdPercentage > 100:
		return fmt.Errorf("error_threshold_percentage must be in [1,100], got %d", s.ErrorThresholdPercentage)
	case s.RollingBuckets < 1:
		return fmt.Errorf("rolling_buckets must be at least 1, got %d", s.RollingBuckets)
	case s.RollingWindow < time.Duration(s.RollingBuckets)*time.Millisecond:
		return fmt.Errorf("rolling_window %s too short for %d buckets", s.RollingWindow, s.RollingBuckets)
	case s.VolumeThreshold < 0:
		return fmt.Errorf("volume_threshold must not be negative, got %d", s.VolumeThreshold)
	}
	return nil
}

// Merge fills zero fields of s from d.
func (s Settings) Merge(d Settings) Settings {
	if s.Timeout == 0 {
		s.Timeout = d.Timeout
	}
	if s.ResetTimeout == 0 {
		s.ResetTimeout = d.ResetTimeout
	}
	if s.ErrorThresholdPercentage == 0 {
		s.ErrorThresholdPercentage = d.ErrorThresholdPercentage
	}
	if s.RollingWindow == 0 {
		s.RollingWindow = d.RollingWindow
	}
	if s.RollingBuckets == 0 {
		s.RollingBuckets = d.RollingBuckets
	}
	if s.VolumeThreshold == 0 {
		s.VolumeThreshold = d.VolumeThreshold
	}
	return s
}

// Stats is a snapshot of one breaker.
type Stats struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	Successes        int64     `json:"successes"`
	Failures         int64     `json:"failures"`
	Timeouts         int64     `json:"timeouts"`
	Rejects          int64     `json:"rejects"`
	LatencyP50Ms     float64   `json:"latency_p50_ms"`
	LatencyP90Ms     float64   `json:"latency_p90_ms"`
	LatencyP99Ms     float64   `json:"latency_p99_ms"`
	LastTransitionAt time.Time `json:"last_transition_at"`
}

// StateChangeFunc observes breaker transitions. It is called without any
// breaker lock held.
type StateChangeFunc func(name string, from, to State)

// Registry holds the breakers for all dependencies.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*circuit
	defaults  Settings
	overrides map[string]Settings
	hooks     []StateChangeFunc

	now func() time.Time
}

// NewRegistry creates a registry. Overrides are keyed by dependency name;
// their zero fields fall back to defaults.
func NewRegistry(defaults Settings, overrides map[string]Settings) *Registry {
	o := make(map[string]Settings, len(overrides))
	for name, s := range overrides {
		o[name] = s.Merge(defaults)
	}
	return &Registry{
		breakers:  make(map[string]*circuit),
		defaults:  defaults,
		overrides: o,
		now:       time.Now,
	}
}

// OnStateChange registers fn to be called on every transition.
func (r *Registry) OnStateChange(fn StateChangeFunc) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

// Stats returns a snapshot of the named breaker.
func (r *Registry) Stats(name string) Stats {
	return r.get(name).stats()
}

// State returns the current state of the named breaker.
func (r *Registry) State(name string) State {
	return r.get(name).currentState()
}

// Reset forces the named breaker to Closed and clears its counters.
func (r *Registry) Reset(name string) {
	b := r.get(name)
	b.mu.Lock()
	from := b.state
	b.transitionLocked(Closed)
	b.window.reset()
	b.latency.reset()
	b.mu.Unlock()

	r.notify(name, from, Closed)
}

// Names returns the names of all breakers created so far.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) get(name string) *circuit {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	settings, ok := r.overrides[name]
	if !ok {
		settings = r.defaults
	}
	b = newCircuit(name, settings, r.now)
	r.breakers[name] = b
	metrics.BreakerState.WithLabelValues(name).Set(float64(Closed))
	return b
}

func (r *Registry) notify(name string, from, to State) {
	if from == to {
		return
	}
	slog.Info("circuit breaker state change", "dependency", name, "from", from.String(), "to", to.String())
	metrics.BreakerState.WithLabelValues(name).Set(float64(to))

	r.mu.RLock()
	hooks := make([]StateChangeFunc, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.RUnlock()

	for _, fn := range hooks {
		fn(name, from, to)
	}
}

// Execute runs fn through the named breaker.
//
// fn receives a context bounded by the breaker timeout. If the call fails,
// times out or is short-circuited, fallback is invoked with the cause when it
// is non-nil; otherwise the cause is returned. A cancelled parent context is
// returned as is and does not count against the breaker.
func Execute[T any](
	ctx context.Context,
	r *Registry,
	name string,
	fn func(context.Context) (T, error),
	fallback func(context.Context, error) (T, error),
) (T, error) {
	var zero T
	b := r.get(name)

	tok, err := b.acquire()
	if tok.changed {
		r.notify(name, tok.from, tok.to)
	}
	if err != nil {
		metrics.BreakerCalls.WithLabelValues(name, "reject").Inc()
		if fallback != nil {
			return fallback(ctx, err)
		}
		return zero, err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.settings.Timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	start := r.now()
	go func() {
		v, err := fn(callCtx)
		done <- result{val: v, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-callCtx.Done():
		res.err = callCtx.Err()
	}
	elapsed := r.now().Sub(start)

	var out outcome
	switch {
	case res.err == nil:
		out = outcomeSuccess
	case ctx.Err() != nil:
		out = outcomeAbandoned
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		out = outcomeTimeout
		res.err = fmt.Errorf("%s after %s: %w", name, b.settings.Timeout, ErrTimeout)
	default:
		out = outcomeFailure
	}

	if from, to, changed := b.record(tok, out, elapsed); changed {
		r.notify(name, from, to)
	}

	if out != outcomeAbandoned {
		metrics.BreakerCalls.WithLabelValues(name, out.String()).Inc()
		metrics.BreakerLatency.WithLabelValues(name).Observe(elapsed.Seconds())
	}

	switch out {
	case outcomeSuccess:
		return res.val, nil
	case outcomeAbandoned:
		return zero, ctx.Err()
	}
	if fallback != nil {
		return fallback(ctx, res.err)
	}
	return zero, res.err
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeTimeout
	outcomeAbandoned
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeFailure:
		return "failure"
	case outcomeTimeout:
		return "timeout"
	default:
		return "abandoned"
	}
}

// circuit is one breaker.
type circuit struct {
	name     string
	settings Settings
	now      func() time.Time

	mu             sync.Mutex
	state          State
	generation     uint64
	openedAt       time.Time
	lastTransition time.Time
	trialInFlight  bool
	window         *window
	latency        latencyRing
}

func newCircuit(name string, s Settings, now func() time.Time) *circuit {
	return &circuit{
		name:           name,
		settings:       s,
		now:            now,
		state:          Closed,
		lastTransition: now(),
		window:         newWindow(s.RollingWindow, s.RollingBuckets),
	}
}

// token describes a granted call and any transition made while granting it.
type token struct {
	trial      bool
	generation uint64

	changed  bool
	from, to State
}

// acquire decides whether a call may proceed.
func (b *circuit) acquire() (token, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var tok token

	if b.state == Open {
		if now.Sub(b.openedAt) < b.settings.ResetTimeout {
			b.window.current(now).rejects++
			return tok, &OpenError{Name: b.name}
		}
		tok.changed, tok.from, tok.to = true, Open, HalfOpen
		b.transitionLocked(HalfOpen)
	}

	if b.state == HalfOpen {
		if b.trialInFlight {
			b.window.current(now).rejects++
			return tok, &OpenError{Name: b.name}
		}
		b.trialInFlight = true
		tok.trial = true
	}

	tok.generation = b.generation
	return tok, nil
}

// record applies the outcome of a granted call.
func (b *circuit) record(tok token, out outcome, elapsed time.Duration) (from, to State, changed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	from = b.state
	current := tok.generation == b.generation

	if out == outcomeAbandoned {
		if tok.trial && current {
			b.trialInFlight = false
		}
		return from, from, false
	}

	bkt := b.window.current(now)
	switch out {
	case outcomeSuccess:
		bkt.successes++
		b.latency.add(elapsed)
	case outcomeFailure:
		bkt.failures++
		b.latency.add(elapsed)
	case outcomeTimeout:
		bkt.timeouts++
	}

	if !current {
		return from, from, false
	}

	if tok.trial {
		b.trialInFlight = false
		if out == outcomeSuccess {
			b.transitionLocked(Closed)
			b.window.reset()
		} else {
			b.transitionLocked(Open)
		}
		return from, b.state, true
	}

	if b.state == Closed && out != outcomeSuccess && b.shouldTripLocked(now) {
		b.transitionLocked(Open)
		return from, Open, true
	}
	return from, from, false
}

func (b *circuit) shouldTripLocked(now time.Time) bool {
	t := b.window.totals(now)
	total := t.successes + t.failures + t.timeouts
	if total == 0 || total < int64(b.settings.VolumeThreshold) {
		return false
	}
	bad := t.failures + t.timeouts
	return bad*100 >= int64(b.settings.ErrorThresholdPercentage)*total
}

func (b *circuit) transitionLocked(to State) {
	now := b.now()
	b.state = to
	b.generation++
	b.lastTransition = now
	b.trialInFlight = false
	if to == Open {
		b.openedAt = now
	}
}

func (b *circuit) currentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.settings.ResetTimeout {
		return HalfOpen
	}
	return b.state
}

func (b *circuit) stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.window.totals(b.now())
	p50, p90, p99 := b.latency.percentiles()
	return Stats{
		Name:             b.name,
		State:            b.state,
		Successes:        t.successes,
		Failures:         t.failures,
		Timeouts:         t.timeouts,
		Rejects:          t.rejects,
		LatencyP50Ms:     millis(p50),
		LatencyP90Ms:     millis(p90),
		LatencyP99Ms:     millis(p99),
		LastTransitionAt: b.lastTransition,
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// internal/reconcile/reconciler.go
package reconcile

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Phase is the synchronisation phase of a Reconciler.
type Phase int

const (
	// PhaseUninitialized means no snapshot has been applied yet.
	PhaseUninitialized Phase = iota
	// PhaseSynced means a snapshot exists and deltas are folded in order.
	PhaseSynced
	// PhaseStale means the source is down; the last state is kept but unverified.
	PhaseStale
	// PhaseResyncing means the source is back and a fresh snapshot was requested.
	PhaseResyncing
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseSynced:
		return "synced"
	case PhaseStale:
		return "stale"
	case PhaseResyncing:
		return "resyncing"
	default:
		return "unknown"
	}
}

// PendingPolicy decides what happens to deltas that arrive while no verified
// snapshot is available.
type PendingPolicy int

const (
	// DropPending discards such deltas.
	DropPending PendingPolicy = iota
	// BufferPending keeps them in a bounded buffer and replays the ones newer
	// than the next snapshot once it lands.
	BufferPending
)

const (
	DefaultLogSize    = 200
	DefaultMaxPending = 100
)

// Event is a delta together with its arrival time.
type Event[D any] struct {
	Delta D
	At    time.Time
}

// View is an immutable picture of a Reconciler at one instant.
type View[S, D any] struct {
	Phase       Phase
	HasSnapshot bool
	// Snapshot is the last snapshot exactly as received.
	Snapshot S
	// State is Snapshot folded with every accepted delta since, in arrival order.
	State  S
	AsOf   time.Time
	Events []Event[D]
}

// Stale reports whether the view should be presented as "as of last known state".
func (v View[S, D]) Stale() bool {
	return v.Phase == PhaseStale || v.Phase == PhaseResyncing
}

// Options configure a Reconciler.
type Options[S, D any] struct {
	// Fold applies one delta. It returns false to reject the delta, in which
	// case the returned state is ignored. Fold must not mutate its input.
	Fold func(state S, delta D) (S, bool)
	// Clone deep-copies a state for views. Nil means S is copied by value.
	Clone      func(S) S
	Policy     PendingPolicy
	MaxPending int
	LogSize    int
	Logger     *zap.Logger
}

// Reconciler merges snapshots with an ordered delta stream and publishes a
// consistent derived view after every update.
type Reconciler[S, D any] struct {
	opts   Options[S, D]
	logger *zap.Logger

	// notifyMu orders updates with their notifications. Listeners must not
	// call back into the reconciler's mutating methods.
	notifyMu sync.Mutex
	mu       sync.Mutex

	phase       Phase
	hasSnapshot bool
	snapshot    S
	state       S
	asOf        time.Time
	pending     []Event[D]
	log         *Ring[Event[D]]

	listeners []changeListener[S, D]
	nextID    uint64
}

type changeListener[S, D any] struct {
	id uint64
	fn func(View[S, D])
}

// New creates a reconciler. opts.Fold is required.
func New[S, D any](opts Options[S, D]) *Reconciler[S, D] {
	if opts.Fold == nil {
		panic("reconcile: Fold is required")
	}
	if opts.Clone == nil {
		opts.Clone = func(s S) S { return s }
	}
	if opts.LogSize <= 0 {
		opts.LogSize = DefaultLogSize
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Reconciler[S, D]{
		opts:   opts,
		logger: opts.Logger.Named("reconciler"),
		log:    NewRing[Event[D]](opts.LogSize),
	}
}

// ApplySnapshot replaces the snapshot wholesale and re-derives the state.
// Buffered deltas received at or after asOf are replayed in arrival order.
func (r *Reconciler[S, D]) ApplySnapshot(s S, asOf time.Time) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	view := r.installLocked(s, asOf, PhaseSynced)
	r.mu.Unlock()

	r.notify(view)
}

// ApplyStaleSnapshot installs a snapshot that did not come from the live
// source, e.g. a REST poll while the stream is down. The snapshot and the
// Stale phase are published as one view. It is ignored, and returns false,
// unless the reconciler is Stale or Uninitialized: once the source is back
// only a resync snapshot may replace the state.
func (r *Reconciler[S, D]) ApplyStaleSnapshot(s S, asOf time.Time) bool {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	if r.phase != PhaseStale && r.phase != PhaseUninitialized {
		phase := r.phase
		r.mu.Unlock()
		r.logger.Debug("Stale snapshot ignored", zap.Stringer("phase", phase))
		return false
	}
	view := r.installLocked(s, asOf, PhaseStale)
	r.mu.Unlock()

	r.notify(view)
	return true
}

func (r *Reconciler[S, D]) installLocked(s S, asOf time.Time, phase Phase) View[S, D] {
	r.snapshot = r.opts.Clone(s)
	r.state = r.opts.Clone(s)
	r.asOf = asOf
	r.hasSnapshot = true
	r.phase = phase

	replayed, skipped := 0, 0
	for _, ev := range r.pending {
		if ev.At.Before(asOf) {
			skipped++
			continue
		}
		if r.foldLocked(ev) {
			replayed++
		}
	}
	r.pending = nil

	r.logger.Debug("Snapshot applied",
		zap.Stringer("phase", phase),
		zap.Time("as_of", asOf),
		zap.Int("replayed", replayed),
		zap.Int("skipped", skipped))
	return r.viewLocked()
}

// ApplyDelta folds d when synced. Otherwise d is buffered or dropped per the
// pending policy. It returns true when d changed the derived state.
func (r *Reconciler[S, D]) ApplyDelta(d D, at time.Time) bool {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	ev := Event[D]{Delta: d, At: at}

	if r.phase != PhaseSynced {
		if r.opts.Policy == BufferPending {
			if len(r.pending) >= r.opts.MaxPending {
				r.pending = r.pending[1:]
			}
			r.pending = append(r.pending, ev)
		}
		phase, buffered := r.phase, len(r.pending)
		r.mu.Unlock()
		r.logger.Debug("Delta held back until snapshot",
			zap.Stringer("phase", phase),
			zap.Bool("buffered", r.opts.Policy == BufferPending),
			zap.Int("pending", buffered))
		return false
	}

	applied := r.foldLocked(ev)
	view := r.viewLocked()
	r.mu.Unlock()

	if !applied {
		r.logger.Debug("Delta rejected by fold")
		return false
	}
	r.notify(view)
	return true
}

func (r *Reconciler[S, D]) foldLocked(ev Event[D]) bool {
	next, ok := r.opts.Fold(r.state, ev.Delta)
	if !ok {
		return false
	}
	r.state = next
	r.log.Add(ev)
	return true
}

// MarkStale records that the source went away. The current state is retained.
func (r *Reconciler[S, D]) MarkStale() {
	r.transition(PhaseStale)
}

// BeginResync records that the source is back and a fresh snapshot is pending.
// The view stays stale until ApplySnapshot.
func (r *Reconciler[S, D]) BeginResync() {
	r.transition(PhaseResyncing)
}

func (r *Reconciler[S, D]) transition(to Phase) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	if !r.hasSnapshot || r.phase == to {
		r.mu.Unlock()
		return
	}
	from := r.phase
	r.phase = to
	view := r.viewLocked()
	r.mu.Unlock()

	r.logger.Debug("Phase changed", zap.Stringer("from", from), zap.Stringer("to", to))
	r.notify(view)
}

// Reset forgets the snapshot, the derived state, pending deltas and the event log.
func (r *Reconciler[S, D]) Reset() {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	var zero S
	r.snapshot, r.state = zero, zero
	r.asOf = time.Time{}
	r.hasSnapshot = false
	r.phase = PhaseUninitialized
	r.pending = nil
	r.log.Clear()
	view := r.viewLocked()
	r.mu.Unlock()

	r.notify(view)
}

// View returns the current view.
func (r *Reconciler[S, D]) View() View[S, D] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewLocked()
}

// Phase returns the current phase.
func (r *Reconciler[S, D]) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Pending returns the number of buffered deltas.
func (r *Reconciler[S, D]) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Reconciler[S, D]) viewLocked() View[S, D] {
	return View[S, D]{
		Phase:       r.phase,
		HasSnapshot: r.hasSnapshot,
		Snapshot:    r.opts.Clone(r.snapshot),
		State:       r.opts.Clone(r.state),
		AsOf:        r.asOf,
		Events:      r.log.Items(),
	}
}

// OnChange registers fn to receive every new view and returns a func removing it.
func (r *Reconciler[S, D]) OnChange(fn func(View[S, D])) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners = append(r.listeners, changeListener[S, D]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, l := range r.listeners {
				if l.id == id {
					r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (r *Reconciler[S, D]) notify(view View[S, D]) {
	r.mu.Lock()
	listeners := make([]changeListener[S, D], len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, l := range listeners {
		l.fn(view)
	}
}

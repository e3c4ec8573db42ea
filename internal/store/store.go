// Package store is the single authority over control-plane state. All
// mutations pass through one write lane: each either commits (audit
// appended, snapshot saved, subscribers notified) or fails with a typed
// error leaving state untouched. Committed snapshots are immutable;
// readers and subscribers may hold them without copying.
package store

import (
	"context"
	"sync"
	"time"

	"missionctl/internal/breaker"
	"missionctl/internal/domain/state"
	"missionctl/internal/errors"
	"missionctl/internal/graph"
	"missionctl/internal/persist"
	"missionctl/internal/shared/logging"
)

const subscriberBuffer = 8

// Store owns the authoritative state and the mutation pipeline.
type Store struct {
	persist *persist.Store
	audit   *persist.AuditLog
	graphs  *graph.Engine
	limits  breaker.Limits
	logger  logging.Logger

	now func() time.Time

	mu sync.Mutex // the write lane
	st *state.State

	subMu   sync.Mutex
	subs    map[int]chan *state.State
	nextSub int
}

// Options configures a Store.
type Options struct {
	Limits breaker.Limits
	Logger logging.Logger
}

// New loads state from the snapshot store and wires the audit log. A
// corrupt snapshot is fatal: the caller should exit rather than run on
// guessed state.
func New(ps *persist.Store, audit *persist.AuditLog, opts Options) (*Store, error) {
	st, err := ps.Load()
	if err != nil {
		return nil, err
	}
	limits := opts.Limits
	if limits.MaxMutationsPerHour == 0 {
		limits = breaker.DefaultLimits()
	}
	return &Store{
		persist: ps,
		audit:   audit,
		graphs:  graph.NewEngine(),
		limits:  limits,
		logger:  logging.OrNop(opts.Logger),
		now:     func() time.Time { return time.Now().UTC() },
		st:      st,
		subs:    make(map[int]chan *state.State),
	}, nil
}

// Limits returns the configured breaker limits.
func (s *Store) Limits() breaker.Limits {
	return s.limits
}

// Audit exposes the audit log so the router can record blocked calls.
func (s *Store) Audit() *persist.AuditLog {
	return s.audit
}

// Persist exposes the snapshot store for export and listing.
func (s *Store) Persist() *persist.Store {
	return s.persist
}

// Snapshot returns the current committed state. The returned value is
// immutable: the store never modifies a committed snapshot in place.
func (s *Store) Snapshot() *state.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// Clock overrides the store's time source; tests use this to drive
// cooldowns and windows deterministically.
func (s *Store) Clock(now func() time.Time) {
	s.now = now
}

// Subscribe registers for committed-state notifications. The channel is
// buffered and lossy: a subscriber that cannot keep up misses snapshots
// rather than blocking the write lane. The returned func unsubscribes.
func (s *Store) Subscribe() (<-chan *state.State, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan *state.State, subscriberBuffer)
	s.subs[id] = ch
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
	}
}

func (s *Store) notify(st *state.State) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
			// Lossy on purpose: slow subscribers drop snapshots.
		}
	}
}

// Txn is the working context handed to a mutation function. The mutation
// operates on a deep copy of committed state; the copy becomes the new
// committed state only if the function returns nil.
type Txn struct {
	State *state.State
	Now   time.Time

	snapshotLabel    string
	beforeSnapshotID string
	resultArtifactID string
	approvedBy       string
	actionOverride   string
}

// OverrideAction replaces the audited action name. The breaker-trip path
// uses this when a request commits a trip instead of its own effect.
func (tx *Txn) OverrideAction(name string) {
	tx.actionOverride = name
}

// SnapshotBefore requests a retained snapshot of the pre-mutation state,
// written before the mutation commits.
func (tx *Txn) SnapshotBefore(label string) {
	tx.snapshotLabel = label
}

// ResultArtifact records the artifact id produced by this mutation for
// the audit trail.
func (tx *Txn) ResultArtifact(id string) {
	tx.resultArtifactID = id
}

// ApprovedBy records the approver identity for the audit trail.
func (tx *Txn) ApprovedBy(who string) {
	tx.approvedBy = who
}

// mutate runs one transaction through the write lane:
// cancellation check, copy-on-write apply, optional pre-mutation
// snapshot, audit append, snapshot save, swap, notify. The audit record
// is durable before the caller is acknowledged.
func (s *Store) mutate(ctx context.Context, action, actor string, params map[string]any, fn func(tx *Txn) error) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(errors.CodeCancelled, "cancelled before validation", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	tx := &Txn{State: s.st.Clone(), Now: now}

	if err := fn(tx); err != nil {
		return err
	}

	work := tx.State
	breaker.NoteMutation(&work.CircuitBreaker, now)
	work.Version++
	work.LastUpdated = now

	if tx.snapshotLabel != "" {
		info, err := s.persist.WriteSnapshot(s.st, tx.snapshotLabel)
		if err != nil {
			return errors.Wrap(errors.CodeInternal, "write pre-mutation snapshot", err)
		}
		tx.beforeSnapshotID = info.ID
		at := now
		work.LastSnapshotAt = &at
	}

	if tx.actionOverride != "" {
		action = tx.actionOverride
	}
	if err := s.audit.Append(persist.AuditRecord{
		Timestamp:        now,
		Action:           action,
		Actor:            actor,
		ArmedMode:        work.ArmedMode,
		ApprovedBy:       tx.approvedBy,
		ParamsHash:       persist.HashParams(params),
		BeforeSnapshotID: tx.beforeSnapshotID,
		ResultArtifactID: tx.resultArtifactID,
		Outcome:          persist.OutcomeSuccess,
	}); err != nil {
		return errors.Wrap(errors.CodeInternal, "append audit record", err)
	}

	if err := s.persist.Save(work); err != nil {
		return errors.Wrap(errors.CodeInternal, "save state snapshot", err)
	}

	s.st = work
	s.notify(work)
	return nil
}

// MutationPressure reports how close the hourly mutation window is to its
// ceiling; the router sheds non-read calls above a threshold.
func (s *Store) MutationPressure() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Pruning mutates the window slice, so work on a copy to keep the
	// committed snapshot immutable.
	cb := s.st.CircuitBreaker
	cb.MutationTimes = append([]time.Time(nil), cb.MutationTimes...)
	return breaker.MutationPressure(&cb, s.now(), s.limits)
}

package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"aegis/collab/internal/lock"
	"aegis/collab/internal/store"
)

// DocumentStore is the slice of the store the engine needs.
type DocumentStore interface {
	GetThreatModel(ctx context.Context, id string) (*store.ThreatModel, error)
	SaveThreatModel(ctx context.Context, tm *store.ThreatModel) error
}

// AppliedFunc is notified after an operation persists, outside the lock.
type AppliedFunc func(documentID string, state *store.ThreatModel, actorID string)

// pendingTTL bounds how long a conflicted operation stays resolvable.
const pendingTTL = 10 * time.Minute

// Engine serializes mutations per document through the distributed lock and
// runs the conflict detectors before any write. Conflicted operations are
// remembered so Resolve can act on them later.
type Engine struct {
	locks   lock.Locker
	store   DocumentStore
	lockTTL time.Duration
	applied AppliedFunc

	mu      sync.Mutex
	pending map[string]pendingOp
}

type pendingOp struct {
	op       Operation
	storedAt time.Time
}

func NewEngine(locks lock.Locker, docs DocumentStore, lockTTL time.Duration) *Engine {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Engine{
		locks:   locks,
		store:   docs,
		lockTTL: lockTTL,
		pending: make(map[string]pendingOp),
	}
}

// OnApplied registers a hook invoked after every successful apply.
func (e *Engine) OnApplied(fn AppliedFunc) {
	e.applied = fn
}

// Process runs the full lock-detect-apply-persist cycle for one operation.
// The lock is released on every exit path; a conflicted operation is kept in
// the pending registry for later resolution.
func (e *Engine) Process(ctx context.Context, op Operation) Result {
	if err := op.Validate(); err != nil {
		return failed(err.Error())
	}

	token := uuid.NewString()
	key := lock.Key(op.DocumentID)
	ok, err := e.locks.Acquire(ctx, key, token, e.lockTTL)
	if err != nil {
		return failed(fmt.Sprintf("lock unavailable: %v", err))
	}
	if !ok {
		return busy()
	}
	defer e.release(key, token)

	tm, err := e.store.GetThreatModel(ctx, op.DocumentID)
	if err != nil {
		return failed(fmt.Sprintf("read document: %v", err))
	}

	report := detect(op, tm)
	if report.HasConflict() {
		e.remember(op)
		return conflicted(report)
	}

	return e.applyAndPersist(ctx, op, tm)
}

type Strategy string

const (
	StrategyAccept Strategy = "accept"
	StrategyReject Strategy = "reject"
	StrategyMerge  Strategy = "merge"
)

// Resolve acts on a previously conflicted operation. accept force-writes the
// original edit; reject discards it without touching the document; merge
// overlays mergeData onto the original payload and re-runs the apply path.
// Detection is not re-run for accept or merge: the caller has already
// acknowledged the conflict.
func (e *Engine) Resolve(ctx context.Context, documentID, operationID string, strategy Strategy, mergeData json.RawMessage) Result {
	switch strategy {
	case StrategyAccept, StrategyReject, StrategyMerge:
	default:
		return failed(fmt.Sprintf("unknown resolution strategy %q", strategy))
	}

	if strategy == StrategyReject {
		e.forget(operationID)
		return failed("operation rejected by submitter")
	}

	op, ok := e.take(operationID)
	if !ok {
		return failed(fmt.Sprintf("no pending operation %s", operationID))
	}
	if op.DocumentID != documentID {
		// Put it back: the caller addressed the wrong document.
		e.remember(op)
		return failed(fmt.Sprintf("operation %s does not belong to document %s", operationID, documentID))
	}

	if strategy == StrategyMerge {
		merged, err := mergePayload(op, mergeData)
		if err != nil {
			e.remember(op)
			return failed(err.Error())
		}
		// Merge data can null out a required field; the merged operation
		// must hold to the same shape rules as a fresh submission.
		if err := merged.Validate(); err != nil {
			e.remember(op)
			return failed(err.Error())
		}
		op = merged
	}

	token := uuid.NewString()
	key := lock.Key(op.DocumentID)
	ok, err := e.locks.Acquire(ctx, key, token, e.lockTTL)
	if err != nil {
		e.remember(op)
		return failed(fmt.Sprintf("lock unavailable: %v", err))
	}
	if !ok {
		e.remember(op)
		return busy()
	}
	defer e.release(key, token)

	tm, err := e.store.GetThreatModel(ctx, op.DocumentID)
	if err != nil {
		return failed(fmt.Sprintf("read document: %v", err))
	}
	return e.applyAndPersist(ctx, op, tm)
}

func (e *Engine) applyAndPersist(ctx context.Context, op Operation, tm *store.ThreatModel) Result {
	next := tm.Clone()
	entityID, err := applyOperation(op, next, time.Now().UTC())
	if err != nil {
		return failed(err.Error())
	}
	if err := e.store.SaveThreatModel(ctx, next); err != nil {
		return failed(fmt.Sprintf("persist document: %v", err))
	}
	if e.applied != nil {
		go e.applied(op.DocumentID, next, op.ActorID)
	}
	return applied(entityID, next)
}

// release runs on its own timeout context so caller cancellation cannot leak
// the lock. ErrNotHeld after TTL expiry is expected and only logged.
func (e *Engine) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.locks.Release(ctx, key, token); err != nil && !errors.Is(err, lock.ErrNotHeld) {
		log.Printf("conflict: release %s: %v", key, err)
	}
}

func (e *Engine) remember(op Operation) {
	if op.ID == "" {
		return
	}
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, p := range e.pending {
		if now.Sub(p.storedAt) > pendingTTL {
			delete(e.pending, id)
		}
	}
	e.pending[op.ID] = pendingOp{op: op, storedAt: now}
}

func (e *Engine) take(operationID string) (Operation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pending[operationID]
	if !ok || time.Since(p.storedAt) > pendingTTL {
		delete(e.pending, operationID)
		return Operation{}, false
	}
	delete(e.pending, operationID)
	return p.op, true
}

func (e *Engine) forget(operationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, operationID)
}

package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/soin8293/jd-tech-sub001/internal/clock"
	"github.com/soin8293/jd-tech-sub001/internal/domain"
	"github.com/soin8293/jd-tech-sub001/internal/store"
)

// identityKey is the stable identity field every mutation payload must carry.
const identityKey = "id"

// MergeFunc combines a local optimistic value with the server value when
// the engine runs under the merge strategy.
type MergeFunc func(local, server map[string]any) map[string]any

// ConflictChoice selects the manual resolution for a prompted conflict.
type ConflictChoice string

const (
	ChoiceKeepLocal ConflictChoice = "keep_local"
	ChoiceUseServer ConflictChoice = "use_server"
	ChoiceCustom    ConflictChoice = "custom"
)

// OptimisticEngine applies mutations to a local view immediately and
// reconciles them against the store through the offline queue. Terminal
// failures fail closed: the view rolls back to the last known-good state
// rather than staying diverged from the store.
type OptimisticEngine struct {
	gateway  store.Gateway
	sched    clock.Scheduler
	notifier Notifier
	strategy domain.ConflictStrategy
	merge    MergeFunc

	// queue is set by AttachQueue after construction; the queue's submit
	// function loops back into submitOperation.
	queue *OfflineQueue

	mu        sync.Mutex
	view      map[string]store.Record
	pending   map[string]*domain.PendingOperation
	byTarget  map[string][]string
	conflicts map[string]*domain.ConflictRecord

	// settledOrigins remembers recently settled operation ids so a late
	// feed echo of our own write is still recognized as ours after the
	// pending entry cleared.
	settledOrigins map[string]struct{}
	settledLog     []string
}

// settledOriginCap bounds the settled-origin memory.
const settledOriginCap = 256

type EngineOption func(*OptimisticEngine)

// WithMergeFunc supplies the merge function for the merge strategy.
// Without one the engine falls back to prompting the user.
func WithMergeFunc(fn MergeFunc) EngineOption {
	return func(e *OptimisticEngine) { e.merge = fn }
}

func NewOptimisticEngine(gateway store.Gateway, sched clock.Scheduler, notifier Notifier, strategy domain.ConflictStrategy, opts ...EngineOption) *OptimisticEngine {
	e := &OptimisticEngine{
		gateway:        gateway,
		sched:          sched,
		notifier:       notifier,
		strategy:       strategy,
		view:           make(map[string]store.Record),
		pending:        make(map[string]*domain.PendingOperation),
		byTarget:       make(map[string][]string),
		conflicts:      make(map[string]*domain.ConflictRecord),
		settledOrigins: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AttachQueue wires the submission pipeline. The queue must have been
// built with this engine's SubmitOperation and Rollback.
func (e *OptimisticEngine) AttachQueue(q *OfflineQueue) {
	e.queue = q
}

// ExecuteOptimistic applies the mutation to the local view, records it
// as pending and hands it to the submission pipeline. The returned
// operation id identifies the mutation through retries and conflicts.
func (e *OptimisticEngine) ExecuteOptimistic(ctx context.Context, kind domain.OperationKind, payload map[string]any) (domain.PendingOperation, error) {
	targetID, _ := payload[identityKey].(string)
	if targetID == "" {
		return domain.PendingOperation{}, domain.ErrMissingIdentityKey
	}

	e.mu.Lock()
	if e.hasUnresolvedConflict(targetID) {
		e.mu.Unlock()
		return domain.PendingOperation{}, domain.ErrConflictPending
	}

	op := domain.PendingOperation{
		ID:         newID(),
		Kind:       kind,
		TargetID:   targetID,
		Payload:    clonePayload(payload),
		MaxRetries: domain.DefaultMaxRetries,
		CreatedAt:  e.sched.Now(),
		State:      domain.OperationQueued,
	}

	current, exists := e.view[targetID]
	switch kind {
	case domain.OperationCreate:
		if exists {
			e.mu.Unlock()
			e.notify(ctx, Notice{
				Level:   NoticeWarning,
				Code:    "create_conflict",
				Message: fmt.Sprintf("item %s already exists locally", targetID),
				Ref:     targetID,
			})
			return domain.PendingOperation{}, domain.ErrDuplicateCreate
		}
		op.Optimistic = clonePayload(payload)
		e.view[targetID] = store.Record{ID: targetID, Fields: clonePayload(payload)}

	case domain.OperationUpdate:
		if exists {
			op.Rollback = clonePayload(current.Fields)
		}
		// Absent target: an implicit create, rolled back by removal.
		op.Optimistic = clonePayload(payload)
		next := current
		next.ID = targetID
		next.Fields = clonePayload(payload)
		e.view[targetID] = next

	case domain.OperationDelete:
		if !exists {
			e.mu.Unlock()
			return domain.PendingOperation{}, store.ErrNotFound
		}
		op.Rollback = clonePayload(current.Fields)
		delete(e.view, targetID)

	default:
		e.mu.Unlock()
		return domain.PendingOperation{}, fmt.Errorf("unknown operation kind %q", kind)
	}

	e.pending[op.ID] = &op
	e.byTarget[targetID] = append(e.byTarget[targetID], op.ID)
	e.mu.Unlock()

	if e.queue != nil {
		if err := e.queue.QueueOperation(ctx, op); err != nil {
			e.Rollback(op, err)
			return domain.PendingOperation{}, err
		}
	}
	return op, nil
}

// SubmitOperation performs one store submission attempt for op; it is
// the queue's SubmitFunc. Version conflicts are resolved here per the
// configured strategy and never bubble back as queue failures.
func (e *OptimisticEngine) SubmitOperation(ctx context.Context, op domain.PendingOperation) error {
	e.mu.Lock()
	if tracked, ok := e.pending[op.ID]; ok {
		tracked.State = domain.OperationInFlight
		tracked.RetryCount = op.RetryCount
	}
	baseVersion := e.baseVersion(op.TargetID)
	e.mu.Unlock()

	rec := store.Record{ID: op.TargetID, Fields: clonePayload(op.Payload)}

	switch op.Kind {
	case domain.OperationCreate:
		created, err := e.gateway.Create(ctx, rec, op.ID)
		if errors.Is(err, store.ErrAlreadyExists) {
			return e.conflictFromServer(ctx, op)
		}
		if err != nil {
			return err
		}
		e.commit(op, created)
		return nil

	case domain.OperationUpdate:
		updated, err := e.gateway.Update(ctx, rec, baseVersion, op.ID)
		if errors.Is(err, store.ErrNotFound) {
			// Implicit create carried through to the store.
			created, cErr := e.gateway.Create(ctx, rec, op.ID)
			if cErr != nil {
				return cErr
			}
			e.commit(op, created)
			return nil
		}
		if errors.Is(err, store.ErrVersionMismatch) {
			return e.conflictFromServer(ctx, op)
		}
		if err != nil {
			return err
		}
		e.commit(op, updated)
		return nil

	case domain.OperationDelete:
		err := e.gateway.Delete(ctx, op.TargetID, baseVersion, op.ID)
		if errors.Is(err, store.ErrNotFound) {
			// Already gone server-side; the intent is satisfied.
			e.commit(op, store.Record{ID: op.TargetID})
			return nil
		}
		if errors.Is(err, store.ErrVersionMismatch) {
			return e.conflictFromServer(ctx, op)
		}
		if err != nil {
			return err
		}
		e.clearPending(op.ID)
		return nil

	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// Rollback restores the local view to a state consistent with "this
// operation never happened". It is the queue's terminal-failure hook.
func (e *OptimisticEngine) Rollback(op domain.PendingOperation, cause error) {
	e.mu.Lock()
	switch op.Kind {
	case domain.OperationCreate:
		delete(e.view, op.TargetID)
	case domain.OperationUpdate:
		if op.Rollback == nil {
			// Implicit create: undo by removal.
			delete(e.view, op.TargetID)
		} else {
			rec := e.view[op.TargetID]
			rec.ID = op.TargetID
			rec.Fields = clonePayload(op.Rollback)
			e.view[op.TargetID] = rec
		}
	case domain.OperationDelete:
		e.view[op.TargetID] = store.Record{ID: op.TargetID, Fields: clonePayload(op.Rollback)}
	}
	if tracked, ok := e.pending[op.ID]; ok {
		tracked.State = domain.OperationRolledBack
	}
	e.removePending(op.ID, op.TargetID)
	e.mu.Unlock()

	e.notify(context.Background(), Notice{
		Level:   NoticeError,
		Code:    "operation_rolled_back",
		Message: fmt.Sprintf("local change to %s was undone: %v", op.TargetID, cause),
		Ref:     op.ID,
	})
}

// ResolveConflict finishes a prompted conflict with the user's choice:
// keep the local value, adopt the server value, or apply a custom value.
func (e *OptimisticEngine) ResolveConflict(ctx context.Context, operationID string, choice ConflictChoice, custom map[string]any) error {
	e.mu.Lock()
	conflict, ok := e.conflicts[operationID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("no conflict for operation %s", operationID)
	}
	targetID := conflict.TargetID
	local := clonePayload(conflict.LocalValue)
	server := clonePayload(conflict.ServerValue)
	delete(e.conflicts, operationID)
	e.removePending(operationID, targetID)
	e.mu.Unlock()

	switch choice {
	case ChoiceKeepLocal:
		return e.pushValue(ctx, targetID, local, operationID)
	case ChoiceUseServer:
		e.adoptServerValue(ctx, targetID, server)
		return nil
	case ChoiceCustom:
		if custom == nil {
			return domain.ErrMissingIdentityKey
		}
		return e.pushValue(ctx, targetID, clonePayload(custom), operationID)
	default:
		return fmt.Errorf("unknown conflict choice %q", choice)
	}
}

// Conflicts lists unresolved conflicts for display.
func (e *OptimisticEngine) Conflicts() []domain.ConflictRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.ConflictRecord, 0, len(e.conflicts))
	for _, c := range e.conflicts {
		out = append(out, *c)
	}
	return out
}

// Item returns the local view of a record.
func (e *OptimisticEngine) Item(id string) (store.Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.view[id]
	if !ok {
		return store.Record{}, false
	}
	return rec.Clone(), true
}

// Items snapshots the whole local view.
func (e *OptimisticEngine) Items() []store.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]store.Record, 0, len(e.view))
	for _, rec := range e.view {
		out = append(out, rec.Clone())
	}
	return out
}

// PendingFor returns the oldest pending operation targeting id, if any.
// The reconciler uses it to tell foreign changes from echoes of our own.
func (e *OptimisticEngine) PendingFor(targetID string) (domain.PendingOperation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := e.byTarget[targetID]
	if len(ids) == 0 {
		return domain.PendingOperation{}, false
	}
	op, ok := e.pending[ids[0]]
	if !ok {
		return domain.PendingOperation{}, false
	}
	return *op, true
}

// AcceptRemote folds a non-conflicting server change into the local view.
func (e *OptimisticEngine) AcceptRemote(change store.Change) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch change.Type {
	case store.ChangeRemoved:
		delete(e.view, change.Record.ID)
	default:
		e.view[change.Record.ID] = change.Record.Clone()
	}
}

// OwnOrigin reports whether origin identifies one of this engine's
// operations, pending or recently settled. The reconciler uses it to
// tell foreign changes from late echoes of our own writes.
func (e *OptimisticEngine) OwnOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[origin]; ok {
		return true
	}
	_, ok := e.settledOrigins[origin]
	return ok
}

// RaiseRemoteConflict handles a server-side change that landed while a
// local mutation on the same target was pending, per the configured
// strategy.
func (e *OptimisticEngine) RaiseRemoteConflict(ctx context.Context, op domain.PendingOperation, serverValue store.Record) {
	if err := e.resolveByStrategy(ctx, op, serverValue); err != nil {
		e.notify(ctx, Notice{
			Level:   NoticeError,
			Code:    "conflict_resolution_failed",
			Message: fmt.Sprintf("remote change to %s could not be reconciled: %v", op.TargetID, err),
			Ref:     op.ID,
		})
	}
}

// conflictFromServer fetches the server's current value for op's target
// and resolves per strategy. Called on a version-mismatch commit response.
func (e *OptimisticEngine) conflictFromServer(ctx context.Context, op domain.PendingOperation) error {
	server, err := e.gateway.Get(ctx, op.TargetID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return e.resolveByStrategy(ctx, op, server)
}

func (e *OptimisticEngine) resolveByStrategy(ctx context.Context, op domain.PendingOperation, server store.Record) error {
	e.mu.Lock()
	local := clonePayload(op.Optimistic)
	if op.Kind == domain.OperationDelete {
		local = nil
	}
	strategy := e.strategy
	if strategy == domain.StrategyMerge && e.merge == nil {
		strategy = domain.StrategyPromptUser
	}
	e.mu.Unlock()

	switch strategy {
	case domain.StrategyUserWins:
		// Local value stands; force it over the server's newer version.
		e.mu.Lock()
		e.removePending(op.ID, op.TargetID)
		e.mu.Unlock()
		if op.Kind == domain.OperationDelete {
			err := e.gateway.Delete(ctx, op.TargetID, store.AnyVersion, op.ID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			return nil
		}
		return e.pushValue(ctx, op.TargetID, local, op.ID)

	case domain.StrategyServerWins:
		e.adoptServerValue(ctx, op.TargetID, server.Fields)
		e.mu.Lock()
		if tracked, ok := e.pending[op.ID]; ok {
			tracked.State = domain.OperationRolledBack
		}
		e.removePending(op.ID, op.TargetID)
		if server.Fields != nil {
			e.view[op.TargetID] = server.Clone()
		}
		e.mu.Unlock()
		return nil

	case domain.StrategyMerge:
		merged := e.merge(local, clonePayload(server.Fields))
		e.mu.Lock()
		e.removePending(op.ID, op.TargetID)
		e.mu.Unlock()
		return e.pushValue(ctx, op.TargetID, merged, op.ID)

	default: // prompt_user
		e.mu.Lock()
		e.conflicts[op.ID] = &domain.ConflictRecord{
			OperationID: op.ID,
			TargetID:    op.TargetID,
			LocalValue:  local,
			ServerValue: clonePayload(server.Fields),
			Strategy:    domain.StrategyPromptUser,
			DetectedAt:  e.sched.Now(),
		}
		e.mu.Unlock()
		e.notify(ctx, Notice{
			Level:   NoticeWarning,
			Code:    "conflict_detected",
			Message: fmt.Sprintf("item %s changed on the server while you edited it", op.TargetID),
			Ref:     op.ID,
		})
		return nil
	}
}

// pushValue force-writes value for targetID, creating the record if the
// server no longer has it, and updates the local view with the result.
func (e *OptimisticEngine) pushValue(ctx context.Context, targetID string, value map[string]any, origin string) error {
	rec := store.Record{ID: targetID, Fields: clonePayload(value)}
	written, err := e.gateway.Update(ctx, rec, store.AnyVersion, origin)
	if errors.Is(err, store.ErrNotFound) {
		written, err = e.gateway.Create(ctx, rec, origin)
	}
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.view[targetID] = written.Clone()
	e.mu.Unlock()
	return nil
}

func (e *OptimisticEngine) adoptServerValue(ctx context.Context, targetID string, server map[string]any) {
	e.mu.Lock()
	if server == nil {
		delete(e.view, targetID)
	} else {
		rec := e.view[targetID]
		rec.ID = targetID
		rec.Fields = clonePayload(server)
		e.view[targetID] = rec
	}
	e.mu.Unlock()
	e.notify(ctx, Notice{
		Level:   NoticeInfo,
		Code:    "server_value_adopted",
		Message: fmt.Sprintf("item %s refreshed from the server", targetID),
		Ref:     targetID,
	})
}

// commit records success: the view adopts the store's version token and
// the pending entry clears.
func (e *OptimisticEngine) commit(op domain.PendingOperation, written store.Record) {
	e.mu.Lock()
	if op.Kind != domain.OperationDelete {
		e.view[op.TargetID] = written.Clone()
	}
	if tracked, ok := e.pending[op.ID]; ok {
		tracked.State = domain.OperationCommitted
	}
	e.removePending(op.ID, op.TargetID)
	e.mu.Unlock()
}

func (e *OptimisticEngine) clearPending(opID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if op, ok := e.pending[opID]; ok {
		op.State = domain.OperationCommitted
		e.removePending(opID, op.TargetID)
	}
}

// baseVersion is the last server version the view saw for a target; zero
// means the target is unknown locally. Caller holds e.mu.
func (e *OptimisticEngine) baseVersion(targetID string) int64 {
	if rec, ok := e.view[targetID]; ok && rec.Version > 0 {
		return rec.Version
	}
	return store.AnyVersion
}

// removePending drops op from the maps and remembers its id as a
// settled origin. Caller holds e.mu.
func (e *OptimisticEngine) removePending(opID, targetID string) {
	delete(e.pending, opID)
	if _, seen := e.settledOrigins[opID]; !seen {
		e.settledOrigins[opID] = struct{}{}
		e.settledLog = append(e.settledLog, opID)
		if len(e.settledLog) > settledOriginCap {
			delete(e.settledOrigins, e.settledLog[0])
			e.settledLog = e.settledLog[1:]
		}
	}
	ids := e.byTarget[targetID]
	for i, id := range ids {
		if id == opID {
			e.byTarget[targetID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(e.byTarget[targetID]) == 0 {
		delete(e.byTarget, targetID)
	}
}

func (e *OptimisticEngine) hasUnresolvedConflict(targetID string) bool {
	for _, c := range e.conflicts {
		if c.TargetID == targetID && !c.Resolved {
			return true
		}
	}
	return false
}

func (e *OptimisticEngine) notify(ctx context.Context, n Notice) {
	if e.notifier != nil {
		e.notifier.Notify(ctx, n)
	}
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/soin8293/jd-tech-sub001/internal/clock"
	"github.com/soin8293/jd-tech-sub001/internal/domain"
)

// OperationJournal is the durable backing for queued operations; the
// sqlite implementation keeps them across process restarts.
type OperationJournal interface {
	Append(ctx context.Context, op domain.PendingOperation) error
	List(ctx context.Context) ([]domain.PendingOperation, error)
	MarkRetry(ctx context.Context, id string, retryCount int) error
	MarkState(ctx context.Context, id string, state domain.OperationState) error
	Remove(ctx context.Context, id string) error
}

// SubmitFunc performs one submission attempt for an operation. A nil
// return removes the operation from the queue; a transient error
// re-queues it under the retry cap; anything else is terminal.
type SubmitFunc func(ctx context.Context, op domain.PendingOperation) error

// retryDelay is the fixed wait before re-flushing after a transient failure.
const retryDelay = 30 * time.Second

// flushBatchSize bounds how many operations one flush pass submits.
const flushBatchSize = 5

// OfflineQueue is a durable FIFO of mutations awaiting submission.
// While offline it only accumulates; going online triggers a full flush.
// Operation ids stay stable across retries so the store can deduplicate
// a mutation that partially succeeded before a network failure.
type OfflineQueue struct {
	journal  OperationJournal
	submit   SubmitFunc
	sched    clock.Scheduler
	notifier Notifier

	// onTerminal fires when an operation is dropped after retry
	// exhaustion or a non-retryable failure; the engine rolls back there.
	onTerminal func(op domain.PendingOperation, err error)

	mu         sync.Mutex
	online     bool
	flushing   bool
	retryTimer clock.Timer
}

func NewOfflineQueue(journal OperationJournal, submit SubmitFunc, sched clock.Scheduler, notifier Notifier, onTerminal func(domain.PendingOperation, error)) *OfflineQueue {
	return &OfflineQueue{
		journal:    journal,
		submit:     submit,
		sched:      sched,
		notifier:   notifier,
		onTerminal: onTerminal,
		online:     true,
	}
}

// QueueOperation persists op durably, then flushes if connected.
// Persistence happens before any submission attempt so a crash between
// the two cannot lose the mutation.
func (q *OfflineQueue) QueueOperation(ctx context.Context, op domain.PendingOperation) error {
	if op.ID == "" {
		return domain.ErrInvalidID
	}
	op.State = domain.OperationQueued
	if err := q.journal.Append(ctx, op); err != nil {
		return fmt.Errorf("queue operation: %w", err)
	}

	q.mu.Lock()
	online := q.online
	q.mu.Unlock()
	if online {
		q.ProcessQueue(ctx)
	}
	return nil
}

// SetOnline records a connectivity transition. Going offline pauses
// submission and surfaces a notice; going online flushes the whole queue.
func (q *OfflineQueue) SetOnline(ctx context.Context, online bool) {
	q.mu.Lock()
	was := q.online
	q.online = online
	if !online && q.retryTimer != nil {
		q.retryTimer.Stop()
		q.retryTimer = nil
	}
	q.mu.Unlock()

	if was == online {
		return
	}
	if online {
		q.notify(ctx, Notice{Level: NoticeInfo, Code: "back_online", Message: "connection restored, syncing queued changes"})
		q.ProcessQueue(ctx)
	} else {
		q.notify(ctx, Notice{Level: NoticeWarning, Code: "offline", Message: "connection lost, changes will sync when back online"})
	}
}

// Online reports current connectivity as last signaled.
func (q *OfflineQueue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// Len returns the number of persisted operations awaiting submission.
func (q *OfflineQueue) Len(ctx context.Context) (int, error) {
	ops, err := q.journal.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(ops), nil
}

// ProcessQueue submits queued operations in FIFO order, at most
// flushBatchSize per pass. A transient failure stops the pass (order on
// the same target must hold) and schedules a retry after the fixed delay.
func (q *OfflineQueue) ProcessQueue(ctx context.Context) {
	q.mu.Lock()
	if q.flushing || !q.online {
		q.mu.Unlock()
		return
	}
	q.flushing = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	for {
		ops, err := q.journal.List(ctx)
		if err != nil {
			q.notify(ctx, Notice{Level: NoticeError, Code: "queue_read_failed", Message: err.Error()})
			return
		}
		if len(ops) == 0 {
			return
		}
		if len(ops) > flushBatchSize {
			ops = ops[:flushBatchSize]
		}

		for _, op := range ops {
			if !q.Online() {
				return
			}
			if done := q.submitOne(ctx, op); !done {
				return
			}
		}
	}
}

// submitOne attempts a single operation. Returns false when the flush
// pass must stop (transient failure, retry scheduled).
func (q *OfflineQueue) submitOne(ctx context.Context, op domain.PendingOperation) bool {
	op.State = domain.OperationInFlight
	_ = q.journal.MarkState(ctx, op.ID, domain.OperationInFlight)

	err := q.submit(ctx, op)
	if err == nil {
		if rmErr := q.journal.Remove(ctx, op.ID); rmErr != nil {
			q.notify(ctx, Notice{Level: NoticeError, Code: "queue_cleanup_failed", Message: rmErr.Error(), Ref: op.ID})
		}
		return true
	}

	if domain.Retryable(err) && op.CanRetry() {
		op.RetryCount++
		if mErr := q.journal.MarkRetry(ctx, op.ID, op.RetryCount); mErr != nil {
			q.notify(ctx, Notice{Level: NoticeError, Code: "queue_persist_failed", Message: mErr.Error(), Ref: op.ID})
		}
		q.scheduleRetry()
		return false
	}

	// Non-retryable or cap exhausted: drop and report.
	if rmErr := q.journal.Remove(ctx, op.ID); rmErr != nil {
		q.notify(ctx, Notice{Level: NoticeError, Code: "queue_cleanup_failed", Message: rmErr.Error(), Ref: op.ID})
	}
	q.notify(ctx, Notice{
		Level:   NoticeError,
		Code:    "operation_failed",
		Message: fmt.Sprintf("change to %s could not be saved: %v", op.TargetID, err),
		Ref:     op.ID,
	})
	if q.onTerminal != nil {
		q.onTerminal(op, err)
	}
	return true
}

func (q *OfflineQueue) scheduleRetry() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.retryTimer != nil {
		return
	}
	q.retryTimer = q.sched.AfterFunc(retryDelay, func() {
		q.mu.Lock()
		q.retryTimer = nil
		q.mu.Unlock()
		q.ProcessQueue(context.Background())
	})
}

// Close cancels any scheduled retry flush.
func (q *OfflineQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.retryTimer != nil {
		q.retryTimer.Stop()
		q.retryTimer = nil
	}
}

func (q *OfflineQueue) notify(ctx context.Context, n Notice) {
	if q.notifier != nil {
		q.notifier.Notify(ctx, n)
	}
}

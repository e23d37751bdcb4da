package executor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/taskstore"
)

// storeTimeout bounds a single execution record write
const storeTimeout = 5 * time.Second

// ExecutionUpdater is the slice of the store the record writer needs
type ExecutionUpdater interface {
	UpdateExecution(ctx context.Context, id string, patch domain.ExecutionPatch) error
}

// recordOp is one queued update to an execution record
type recordOp struct {
	executionID string
	patch       domain.ExecutionPatch
	done        chan error // nil for fire-and-forget appends
}

// recordWriter serializes execution record writes through one goroutine so
// per-stream chunks land in the order they were produced. When the queue is
// full writers block instead of writing around it, which would reorder.
type recordWriter struct {
	store   ExecutionUpdater
	ops     chan recordOp
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newRecordWriter(store ExecutionUpdater, buffer int) *recordWriter {
	w := &recordWriter{
		store:   store,
		ops:     make(chan recordOp, buffer),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *recordWriter) run() {
	defer close(w.stopped)
	for {
		select {
		case op := <-w.ops:
			w.handle(op)
		case <-w.quit:
			// Drain what was queued before close
			for {
				select {
				case op := <-w.ops:
					w.handle(op)
				default:
					return
				}
			}
		}
	}
}

func (w *recordWriter) handle(op recordOp) {
	err := w.apply(op)
	if op.done != nil {
		op.done <- err
	}
}

func (w *recordWriter) apply(op recordOp) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err := w.store.UpdateExecution(ctx, op.executionID, op.patch)
	if err != nil && !errors.Is(err, taskstore.ErrExecutionTerminal) {
		log.Printf("[records] failed to update execution %s: %v", op.executionID, err)
	}
	return err
}

func (w *recordWriter) enqueue(op recordOp) bool {
	select {
	case <-w.quit:
		return false
	default:
	}
	select {
	case w.ops <- op:
		return true
	case <-w.quit:
		return false
	}
}

// appendChunk queues a chunk of process output for the execution
func (w *recordWriter) appendChunk(executionID string, stream streamKind, text string) {
	patch := domain.ExecutionPatch{}
	if stream == streamStderr {
		patch.AppendError = text
	} else {
		patch.AppendOutput = text
	}
	if !w.enqueue(recordOp{executionID: executionID, patch: patch}) {
		_ = w.apply(recordOp{executionID: executionID, patch: patch})
	}
}

// write queues patch behind every earlier append and waits for it to land.
// After close it writes directly.
func (w *recordWriter) write(executionID string, patch domain.ExecutionPatch) error {
	op := recordOp{executionID: executionID, patch: patch, done: make(chan error, 1)}
	if !w.enqueue(op) {
		return w.apply(op)
	}
	select {
	case err := <-op.done:
		return err
	case <-w.stopped:
		select {
		case err := <-op.done:
			return err
		default:
		}
		// Enqueued after the final drain
		return w.apply(op)
	}
}

// close stops the writer after draining queued operations
func (w *recordWriter) close() {
	w.once.Do(func() { close(w.quit) })
	<-w.stopped
}

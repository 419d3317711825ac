package task

import (
	"context"
	"fmt"

	uuid "github.com/satori/go.uuid"

	"github.com/dtle-io/hbase-replicator/internal/metrics"
)

// SubmitTasksThatAreReadyForPickUp walks every task; each READY_FOR_PICK_UP
// task with rows is transitioned to TASK_SUBMITTED and handed to the
// flush worker pool. A READY_FOR_PICK_UP task without rows is a fatal
// invariant violation (spec §4.4 "Submission") — the normal task-cut
// path never produces one, since step 2 no-ops an empty task before it
// is ever marked READY_FOR_PICK_UP, so tripping this is always a bug
// elsewhere in the applier.
func (a *Applier) SubmitTasksThatAreReadyForPickUp() error {
	for id, t := range a.tasks {
		if t.Status() != ReadyForPickUp {
			continue
		}
		if t.RowCount == 0 {
			return fmt.Errorf("%w: task %s is READY_FOR_PICK_UP with zero rows", ErrInvariantViolation, id)
		}
		t.SetStatus(TaskSubmitted)
		if a.metrics != nil {
			a.metrics.Incr(a.nowFn(), metrics.TasksSubmitted, 1)
		}
		a.jobs <- t
	}
	return nil
}

// flushWorker is one member of the fixed-size flush pool (spec §5
// "a fixed-size pool of flush workers, size = POOL_SIZE"). Each job
// carries its own *Task pointer rather than an id looked up from the
// shared task map, so a worker never touches that map concurrently
// with the orchestrator goroutine's own reads and writes of it.
func (a *Applier) flushWorker() {
	for t := range a.jobs {
		a.results <- a.flushTask(t)
	}
}

// flushTask runs the flush job algorithm for one task (spec §4.4
// "Flush job algorithm"), checking all four chaos checkpoints at the
// points the spec names them.
func (a *Applier) flushTask(t *Task) *Result {
	id := t.ID

	if outcome, failed := checkpoint(a.chaos.AfterSubmission()); failed {
		t.SetStatus(WriteFailed)
		return outcome.result(id)
	}

	numberOfRows, perTable := countRows(t)

	if a.dryRun {
		t.SetStatus(WriteSucceeded)
		return &Result{TaskID: id, Succeeded: true, NumberOfRowsInTask: numberOfRows, PerTableStats: perTable}
	}

	t.SetStatus(WriteInProgress)
	if a.metrics != nil {
		a.metrics.Incr(a.nowFn(), metrics.TasksInProgress, 1)
	}

	if outcome, failed := checkpoint(a.chaos.DuringInProgress()); failed {
		t.SetStatus(WriteFailed)
		return outcome.result(id)
	}
	if outcome, failed := checkpoint(a.chaos.BeforeFlush()); failed {
		t.SetStatus(WriteFailed)
		return outcome.result(id)
	}

	ctx := context.Background()
	flushedTables, expectedTables := 0, 0
	for _, txID := range t.Transactions() {
		tx := t.Transaction(txID)
		for _, table := range tx.Tables() {
			expectedTables++
			if outcome, failed := checkpoint(a.chaos.DuringFlush()); failed {
				t.SetStatus(WriteFailed)
				return outcome.result(id)
			}
			if err := a.sink.Table(table).Put(ctx, tx.Mutations(table)); err != nil {
				t.AppendMessage(fmt.Sprintf("put %s: %v", table, err))
				continue
			}
			flushedTables++
		}
	}

	if flushedTables != expectedTables {
		t.SetStatus(WriteFailed)
		return &Result{TaskID: id, Succeeded: false, Err: fmt.Errorf("flushed %d/%d tables", flushedTables, expectedTables)}
	}
	if len(t.Messages) > 0 {
		t.SetStatus(WriteFailed)
		return &Result{TaskID: id, Succeeded: false, Err: fmt.Errorf("task %s has %d logged errors", id, len(t.Messages))}
	}

	t.SetStatus(WriteSucceeded)
	return &Result{TaskID: id, Succeeded: true, NumberOfRowsInTask: numberOfRows, PerTableStats: perTable}
}

// chaosFailure distinguishes the two failure flavours so flushTask can
// build the right Result without repeating itself at every checkpoint.
type chaosFailure int

const (
	noFailure chaosFailure = iota
	silentFailure
	exceptionFailure
)

func checkpoint(o Outcome) (chaosFailure, bool) {
	switch o {
	case OutcomeSilentFailure:
		return silentFailure, true
	case OutcomeException:
		return exceptionFailure, true
	default:
		return noFailure, false
	}
}

func (f chaosFailure) result(id uuid.UUID) *Result {
	if f == exceptionFailure {
		return &Result{TaskID: id, Succeeded: false, Err: fmt.Errorf("chaos monkey raised")}
	}
	return &Result{TaskID: id, Succeeded: false}
}

func countRows(t *Task) (int, PerTableStats) {
	stats := PerTableStats{}
	for _, txID := range t.Transactions() {
		tx := t.Transaction(txID)
		for _, table := range tx.Tables() {
			stats[table] += len(tx.RowKeys(table))
		}
	}
	return t.RowCount, stats
}

// UpdateTaskStatuses is the completion reaper (spec §4.4 "Completion
// reaper"): it drains every result currently available without
// blocking, reconciling each against the task map.
func (a *Applier) UpdateTaskStatuses() error {
	for {
		select {
		case res := <-a.results:
			if err := a.reconcile(res); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (a *Applier) reconcile(res *Result) error {
	t := a.tasks[res.TaskID]
	if t == nil {
		return fmt.Errorf("%w: completion reaper saw unknown task %s", ErrInvariantViolation, res.TaskID)
	}

	status := t.Status()
	switch {
	case status == WriteSucceeded && res.Succeeded:
		if a.metrics != nil {
			a.metrics.Incr(a.nowFn(), metrics.TasksSucceeded, 1)
			for table, rows := range res.PerTableStats {
				a.metrics.IncrTable(table, metrics.RowOpsCommitted, int64(rows))
			}
		}
		delete(a.tasks, res.TaskID)
	case status == WriteFailed || res.Err != nil:
		t.SetStatus(ReadyForPickUp)
		if a.metrics != nil {
			a.metrics.Incr(a.nowFn(), metrics.TasksFailed, 1)
		}
	default:
		return fmt.Errorf("%w: task %s status %s disagrees with result succeeded=%v", ErrInvariantViolation, res.TaskID, status, res.Succeeded)
	}
	return nil
}

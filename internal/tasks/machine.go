// Package tasks drives the completion protocol of chat tasks and projects
// task lists through the active filter.
package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/todosync/internal/apperr"
	"github.com/matheus3301/todosync/internal/loop"
	"github.com/matheus3301/todosync/internal/store"
	"go.uber.org/zap"
)

// State is the client-side state of one task.
type State string

const (
	Pending            State = "PENDING"
	AwaitingCompletion State = "AWAITING_COMPLETION"
	Completed          State = "COMPLETED"
)

// Writer performs the two server writes of a completion and reads a task
// back when their outcome is unknown.
type Writer interface {
	UpdateTaskStatus(ctx context.Context, taskID int64, status string) (*store.Task, error)
	AddCompletionNote(ctx context.Context, taskID int64, note string) (*store.Task, error)
	GetTask(ctx context.Context, taskID int64) (*store.Task, error)
}

// revertTimeout bounds the compensating writes, which outlive the caller.
const revertTimeout = 10 * time.Second

// Cache is the part of the entity cache the machine reads and merges into.
type Cache interface {
	GetTask(id int64) (*store.Task, error)
	MergeTask(t store.Task) (bool, error)
}

// Machine tracks which task awaits confirmation. Everything except Confirm
// must be called on the loop goroutine; Confirm is called off the loop and
// re-enters it through the executor.
type Machine struct {
	exec   loop.Executor
	cache  Cache
	writer Writer
	log    *zap.Logger

	awaiting    int64
	confirming  bool
	unconfirmed map[int64]bool
	errs        map[int64]string
}

// NewMachine creates a machine with no task awaiting completion.
func NewMachine(exec loop.Executor, cache Cache, writer Writer, log *zap.Logger) *Machine {
	return &Machine{
		exec:        exec,
		cache:       cache,
		writer:      writer,
		log:         log,
		unconfirmed: make(map[int64]bool),
		errs:        make(map[int64]string),
	}
}

// Awaiting returns the task awaiting confirmation, or 0.
func (m *Machine) Awaiting() int64 { return m.awaiting }

// Confirming reports whether a confirmation is being written.
func (m *Machine) Confirming() bool { return m.confirming }

// StateOf derives the client state of a cached task. The server may report
// completed before the note is attached; such a task is not Completed here.
func (m *Machine) StateOf(t store.Task) State {
	switch {
	case m.awaiting == t.ID:
		return AwaitingCompletion
	case t.Done():
		return Completed
	default:
		return Pending
	}
}

// Unconfirmed reports whether the task is in the completed-without-note
// error state.
func (m *Machine) Unconfirmed(t store.Task) bool {
	if m.unconfirmed[t.ID] {
		return true
	}
	return t.Completed() && t.CompletionNote == "" && m.awaiting != t.ID
}

// Err returns the last completion error recorded for a task.
func (m *Machine) Err(id int64) string { return m.errs[id] }

// Begin moves a pending task to AwaitingCompletion. Only one task can await
// confirmation: beginning a second one is a UsageError until the first is
// confirmed or cancelled, and nothing may begin while a confirmation is being
// written.
func (m *Machine) Begin(id int64) error {
	const op = "tasks.begin"
	if m.confirming {
		return apperr.NewUsage(op, "another completion is in progress")
	}
	t, err := m.cache.GetTask(id)
	if err != nil {
		return fmt.Errorf("load task %d: %w", id, err)
	}
	if t == nil {
		return apperr.NewNotFound(op, fmt.Sprintf("task %d is not loaded", id))
	}
	if m.StateOf(*t) == Completed {
		return apperr.NewValidation(op, "task is already completed")
	}
	if m.awaiting != 0 && m.awaiting != id {
		return apperr.NewUsage(op, "another task is awaiting confirmation")
	}
	m.awaiting = id
	delete(m.errs, id)
	return nil
}

// Cancel returns the awaiting task to Pending without any network call.
func (m *Machine) Cancel() error {
	if m.confirming {
		return apperr.NewUsage("tasks.cancel", "completion is being saved")
	}
	m.awaiting = 0
	return nil
}

// Confirm completes the awaiting task with a note. It writes the status and
// then the note, and marks the task Completed only when both succeed. If the
// note write fails the status is written back to pending; if that fails too
// the task is read back from the server and flagged unconfirmed unless the
// server shows it pending or done.
func (m *Machine) Confirm(ctx context.Context, note string) error {
	const op = "tasks.confirm"
	note = strings.TrimSpace(note)

	var (
		id     int64
		preErr error
	)
	if err := m.exec.Do(func() {
		switch {
		case m.awaiting == 0:
			preErr = apperr.NewUsage(op, "no task is awaiting confirmation")
		case m.confirming:
			preErr = apperr.NewUsage(op, "completion is already being saved")
		case note == "":
			preErr = apperr.NewValidation(op, "a completion note is required")
			m.errs[m.awaiting] = "a completion note is required"
		default:
			id = m.awaiting
			m.confirming = true
		}
	}); err != nil {
		return err
	}
	if preErr != nil {
		return preErr
	}

	if _, err := m.writer.UpdateTaskStatus(ctx, id, store.StatusCompleted); err != nil {
		m.log.Warn("task status write failed", zap.Int64("task", id), zap.Error(err))
		m.finish(id, "could not complete task: "+err.Error(), false)
		return err
	}

	updated, err := m.writer.AddCompletionNote(ctx, id, note)
	if err != nil {
		m.log.Warn("task note write failed, reverting status", zap.Int64("task", id), zap.Error(err))
		// The caller may already be gone; the revert must still run.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), revertTimeout)
		defer cancel()
		if _, rerr := m.writer.UpdateTaskStatus(rctx, id, store.StatusPending); rerr != nil {
			m.log.Error("task status revert failed", zap.Int64("task", id), zap.Error(rerr))
			return m.recover(rctx, id, err)
		}
		m.finish(id, "could not save completion note: "+err.Error(), false)
		return err
	}
	return m.complete(id, updated, note)
}

// complete records a completion both writes of which succeeded.
func (m *Machine) complete(id int64, updated *store.Task, note string) error {
	var mergeErr error
	if err := m.exec.Do(func() {
		m.confirming = false
		m.awaiting = 0
		delete(m.unconfirmed, id)
		delete(m.errs, id)

		t := store.Task{ID: id}
		if updated != nil {
			t = *updated
		}
		if t.ChatID == 0 {
			if cached, err := m.cache.GetTask(id); err == nil && cached != nil {
				t.ChatID = cached.ChatID
			}
		}
		t.Status = store.StatusCompleted
		t.CompletionNote = note
		_, mergeErr = m.cache.MergeTask(t)
	}); err != nil {
		return err
	}
	return mergeErr
}

// recover reads the task back after the note write and its revert both
// failed. The task is flagged unconfirmed unless the server shows a
// consistent state: pending means the revert landed after all, done means
// the note did.
func (m *Machine) recover(ctx context.Context, id int64, noteErr error) error {
	const stuck = "task marked completed without its note; confirm again to retry"
	remote, err := m.writer.GetTask(ctx, id)
	if err != nil || remote == nil {
		if err != nil {
			m.log.Warn("task read-back failed", zap.Int64("task", id), zap.Error(err))
		}
		m.finish(id, stuck, true)
		return noteErr
	}
	if remote.Done() {
		return m.complete(id, remote, remote.CompletionNote)
	}

	msg := "could not save completion note: " + noteErr.Error()
	if remote.Completed() {
		msg = stuck
	}
	m.finish(id, msg, remote.Completed())
	_ = m.exec.Do(func() {
		t := *remote
		if t.ChatID == 0 {
			if cached, err := m.cache.GetTask(id); err == nil && cached != nil {
				t.ChatID = cached.ChatID
			}
		}
		if _, err := m.cache.MergeTask(t); err != nil {
			m.log.Warn("merge read-back task failed", zap.Int64("task", id), zap.Error(err))
		}
	})
	return noteErr
}

func (m *Machine) finish(id int64, msg string, unconfirmed bool) {
	_ = m.exec.Do(func() {
		m.confirming = false
		if m.awaiting == id {
			m.awaiting = 0
		}
		m.errs[id] = msg
		if unconfirmed {
			m.unconfirmed[id] = true
		} else {
			delete(m.unconfirmed, id)
		}
	})
}

// Reconcile applies an inbound task snapshot that has already been merged
// into the cache. A task completed elsewhere leaves AwaitingCompletion, and
// a flagged task whose server state is consistent again is unflagged.
func (m *Machine) Reconcile(t store.Task) {
	completed := t.Done()
	if completed && m.awaiting == t.ID && !m.confirming {
		m.awaiting = 0
	}
	if m.unconfirmed[t.ID] && (completed || t.Status == store.StatusPending) {
		delete(m.unconfirmed, t.ID)
	}
}

// Reset forgets all client-side task state.
func (m *Machine) Reset() {
	m.awaiting = 0
	m.confirming = false
	clear(m.unconfirmed)
	clear(m.errs)
}

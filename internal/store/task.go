package store

import (
	"database/sql"
	"fmt"

	"github.com/matheus3301/todosync/internal/bus"
)

const taskColumns = `id, chat_id, message_id, creator_id, creator_name, description, status, due_at, completion_note, completed_at`

func scanTask(r rowScanner) (*Task, error) {
	var (
		t           Task
		due         sql.NullInt64
		completedAt sql.NullInt64
	)
	if err := r.Scan(&t.ID, &t.ChatID, &t.MessageID, &t.CreatorID, &t.CreatorName,
		&t.Description, &t.Status, &due, &t.CompletionNote, &completedAt); err != nil {
		return nil, err
	}
	t.DueDate = fromNullMillis(due)
	t.CompletedAt = fromNullMillis(completedAt)
	return &t, nil
}

// GetTask returns a cached task, or nil if it is not cached.
func (db *DB) GetTask(id int64) (*Task, error) {
	return getTask(db.DB, id)
}

func getTask(q querier, id int64) (*Task, error) {
	t, err := scanTask(q.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// mergeTask folds an incoming snapshot into the cached task. A done task
// never goes back to pending: such a snapshot was read before the completion
// and is stale. A completed task without a note may still be reverted.
func mergeTask(old *Task, in Task) Task {
	if old == nil {
		if in.Status == "" {
			in.Status = StatusPending
		}
		return in
	}
	out := *old
	if in.ChatID != 0 {
		out.ChatID = in.ChatID
	}
	if in.MessageID != 0 {
		out.MessageID = in.MessageID
	}
	if in.CreatorID != 0 {
		out.CreatorID = in.CreatorID
	}
	if in.CreatorName != "" {
		out.CreatorName = in.CreatorName
	}
	if in.Description != "" {
		out.Description = in.Description
	}
	if in.Status != "" && !(old.Done() && in.Status == StatusPending) {
		out.Status = in.Status
	}
	if in.DueDate != nil {
		out.DueDate = in.DueDate
	}
	if in.CompletionNote != "" {
		out.CompletionNote = in.CompletionNote
	}
	if in.CompletedAt != nil {
		out.CompletedAt = in.CompletedAt
	}
	return out
}

func mergeTaskIn(q querier, in Task) (bool, error) {
	old, err := getTask(q, in.ID)
	if err != nil {
		return false, err
	}
	merged := mergeTask(old, in)
	if old != nil {
		if old.equal(merged) {
			return false, nil
		}
		_, err = q.Exec(`
			UPDATE tasks SET
				chat_id = ?, message_id = ?, creator_id = ?, creator_name = ?,
				description = ?, status = ?, due_at = ?, completion_note = ?, completed_at = ?
			WHERE id = ?`,
			merged.ChatID, merged.MessageID, merged.CreatorID, merged.CreatorName,
			merged.Description, merged.Status, nullMillis(merged.DueDate), merged.CompletionNote,
			nullMillis(merged.CompletedAt), merged.ID)
		return err == nil, err
	}
	// New tasks go to the head of their chat's list.
	_, err = q.Exec(`
		INSERT INTO tasks (id, chat_id, message_id, creator_id, creator_name, description, status, due_at, completion_note, completed_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			COALESCE((SELECT MAX(seq) FROM tasks WHERE chat_id = ?), 0) + 1)`,
		merged.ID, merged.ChatID, merged.MessageID, merged.CreatorID, merged.CreatorName,
		merged.Description, merged.Status, nullMillis(merged.DueDate), merged.CompletionNote,
		nullMillis(merged.CompletedAt), merged.ChatID)
	return err == nil, err
}

// MergeTask inserts or merges a task and reports whether the cached value
// changed. A task seen for the first time is placed at the head of its chat's
// list; a known task keeps its position.
func (db *DB) MergeTask(t Task) (bool, error) {
	changed, err := mergeTaskIn(db.DB, t)
	if err != nil {
		return false, fmt.Errorf("merge task %d: %w", t.ID, err)
	}
	if changed {
		db.emit(bus.KindCacheTask, Change{ID: t.ID, ChatID: t.ChatID})
	}
	return changed, nil
}

// MergeTasks merges a fetched task list, given newest first, so that the
// resulting order of previously unseen tasks matches the fetch.
func (db *DB) MergeTasks(tasks []Task) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var changed []Task
	for i := len(tasks) - 1; i >= 0; i-- {
		ok, err := mergeTaskIn(tx, tasks[i])
		if err != nil {
			return 0, fmt.Errorf("merge task %d: %w", tasks[i].ID, err)
		}
		if ok {
			changed = append(changed, tasks[i])
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	for _, t := range changed {
		db.emit(bus.KindCacheTask, Change{ID: t.ID, ChatID: t.ChatID})
	}
	return len(changed), nil
}

// ListTasks returns the cached tasks of a chat, newest first.
func (db *DB) ListTasks(chatID int64) ([]Task, error) {
	rows, err := db.Query(`
		SELECT `+taskColumns+`
		FROM tasks
		WHERE chat_id = ?
		ORDER BY seq DESC`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

package rest

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/matheus3301/todosync/internal/apperr"
	"github.com/matheus3301/todosync/internal/store"
)

func taskPath(id int64) string { return "/api/tasks/" + strconv.FormatInt(id, 10) }

// ListTasks fetches the tasks of a chat, newest first.
func (c *Client) ListTasks(ctx context.Context, chatID int64) ([]store.Task, error) {
	const op = "tasks.list"
	data, err := c.do(ctx, call{op: op, method: http.MethodGet, path: "/api/tasks/chat/" + strconv.FormatInt(chatID, 10)})
	if apperr.KindOf(err) == apperr.KindNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var dtos []taskDTO
	if err := decode(op, data, &dtos); err != nil {
		return nil, err
	}
	out := make([]store.Task, 0, len(dtos))
	for _, d := range dtos {
		t, err := c.task(d)
		if err != nil {
			return nil, err
		}
		if t.ChatID == 0 {
			t.ChatID = chatID
		}
		out = append(out, t)
	}
	return out, nil
}

// GetTask fetches one task, or nil if the server does not know it.
func (c *Client) GetTask(ctx context.Context, id int64) (*store.Task, error) {
	data, err := c.do(ctx, call{op: "tasks.get", method: http.MethodGet, path: taskPath(id)})
	if apperr.KindOf(err) == apperr.KindNotFound {
		return nil, nil
	}
	return c.optionalTask(data, err)
}

// UpdateTaskStatus sets a task's status.
func (c *Client) UpdateTaskStatus(ctx context.Context, id int64, status string) (*store.Task, error) {
	data, err := c.do(ctx, call{
		op:     "tasks.update_status",
		method: http.MethodPut,
		path:   taskPath(id) + "/status",
		query:  url.Values{"status": {status}},
	})
	return c.optionalTask(data, err)
}

// AddCompletionNote attaches the completion note to a task.
func (c *Client) AddCompletionNote(ctx context.Context, id int64, note string) (*store.Task, error) {
	data, err := c.do(ctx, call{
		op:     "tasks.add_note",
		method: http.MethodPut,
		path:   taskPath(id) + "/note",
		query:  url.Values{"note": {note}},
	})
	return c.optionalTask(data, err)
}

func (c *Client) optionalTask(data []byte, err error) (*store.Task, error) {
	if err != nil || data == nil {
		return nil, err
	}
	t, err := c.DecodeTask(data)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

package sync

import (
	"context"

	"github.com/matheus3301/todosync/internal/apperr"
	"github.com/matheus3301/todosync/internal/store"
	"github.com/matheus3301/todosync/internal/tasks"
)

// ChatRow is one entry of the chat list.
type ChatRow struct {
	Chat        store.Chat
	DisplayName string
	Open        bool
}

// View is an immutable snapshot of everything a presenter renders.
type View struct {
	Generation uint64
	LocalUser  store.User
	Connected  bool

	Selection Selection
	Draft     *store.DraftChat
	Header    *store.Chat
	Title     string

	Chats    []ChatRow
	Messages []store.Message
	Tasks    tasks.View
	// Facets holds the error of each chat facet that failed to load.
	Facets map[string]string
	Notice string
}

// Snapshot builds the current view.
func (e *Engine) Snapshot() (View, error) {
	var (
		v   View
		err error
	)
	if derr := e.do(func() { v, err = e.snapshot() }); derr != nil {
		return View{}, derr
	}
	return v, err
}

func (e *Engine) snapshot() (View, error) {
	s := e.sess
	v := View{
		Generation: s.gen,
		LocalUser:  s.LocalUser,
		Connected:  e.ch.Connected(),
		Selection:  s.Selection,
		Facets:     make(map[string]string, len(s.Facets)),
		Tasks:      tasks.View{Filter: s.Filter},
	}
	for k, msg := range s.Facets {
		v.Facets[k] = msg
	}
	if s.Notice.Text != "" && e.now().Before(s.Notice.Expires) {
		v.Notice = s.Notice.Text
	}

	chats, err := e.db.ListChats()
	if err != nil {
		return View{}, err
	}
	v.Chats = make([]ChatRow, 0, len(chats))
	for _, c := range chats {
		v.Chats = append(v.Chats, ChatRow{
			Chat:        c,
			DisplayName: c.DisplayName(s.LocalUser.ID),
			Open:        s.isOpen(c.ID),
		})
	}

	switch s.Selection {
	case DraftSelected:
		d := *s.Draft
		v.Draft = &d
		v.Title = d.FullName
		if v.Title == "" {
			v.Title = d.Username
		}
	case ChatOpen:
		if s.Header != nil {
			h := *s.Header
			v.Header = &h
			v.Title = h.DisplayName(s.LocalUser.ID)
		}
		if s.Timeline != nil {
			v.Messages = s.Timeline.Messages()
		}
		all, err := e.db.ListTasks(s.OpenChatID)
		if err != nil {
			return View{}, err
		}
		v.Tasks = e.tasks.View(all, s.Filter)
	}
	return v, nil
}

// SetFilter changes which tasks the open chat shows. Counts are unaffected.
func (e *Engine) SetFilter(f tasks.Filter) error {
	parsed, err := tasks.ParseFilter(string(f))
	if err != nil {
		return apperr.NewValidation("sync.set_filter", err.Error())
	}
	return e.do(func() {
		e.sess.Filter = parsed
		e.emitView()
	})
}

// BeginCompletion checks a pending task's box, opening its confirmation.
func (e *Engine) BeginCompletion(taskID int64) error {
	var err error
	if derr := e.do(func() {
		if err = e.tasks.Begin(taskID); err != nil {
			e.noticeLocked(err)
		}
		e.emitView()
	}); derr != nil {
		return derr
	}
	return err
}

// CancelCompletion unchecks the awaiting task without any network call.
func (e *Engine) CancelCompletion() error {
	var err error
	if derr := e.do(func() {
		err = e.tasks.Cancel()
		e.emitView()
	}); derr != nil {
		return derr
	}
	return err
}

// ConfirmCompletion completes the awaiting task with note.
func (e *Engine) ConfirmCompletion(ctx context.Context, note string) error {
	err := e.tasks.Confirm(ctx, note)
	_ = e.do(func() {
		if err != nil && apperr.KindOf(err) != apperr.KindValidation {
			e.noticeLocked(err)
		}
		e.emitView()
	})
	return err
}

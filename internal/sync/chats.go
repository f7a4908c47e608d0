package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/matheus3301/todosync/internal/apperr"
	"github.com/matheus3301/todosync/internal/store"
	"github.com/matheus3301/todosync/internal/transport"
	"go.uber.org/zap"
)

// RefreshChats reloads the chat list. Chats missing from the response stay
// cached but leave the visible list.
func (e *Engine) RefreshChats(ctx context.Context) error {
	chats, err := e.api.ListChats(ctx)
	if err != nil {
		return fmt.Errorf("list chats: %w", err)
	}
	var mergeErr error
	if err := e.do(func() {
		if _, mergeErr = e.db.MergeChats(chats); mergeErr != nil {
			return
		}
		if e.opts.SubscribeAll {
			for _, c := range chats {
				e.ensureSubscribed(c.ID)
			}
		}
		if id := e.sess.openChat(); id != 0 {
			if c, err := e.db.GetChat(id); err == nil && c != nil {
				e.sess.Header = c
			}
		}
		e.emitView()
	}); err != nil {
		return err
	}
	return mergeErr
}

// ensureSubscribed follows a chat's message, read-receipt and task topics.
// Must run on the loop.
func (e *Engine) ensureSubscribed(chatID int64) {
	if _, ok := e.sess.subscribed[chatID]; ok {
		return
	}
	e.sess.subscribed[chatID] = []func(){
		e.ch.Subscribe(transport.ChatTopic(chatID), func(body []byte) {
			e.post(func() { e.applyMessage(chatID, body) })
		}),
		e.ch.Subscribe(transport.ReadTopic(chatID), func(body []byte) {
			e.post(func() { e.applyReadReceipt(body) })
		}),
		e.ch.Subscribe(transport.TaskTopic(chatID), func(body []byte) {
			e.post(func() { e.applyTask(chatID, body) })
		}),
	}
}

// SelectChat opens an existing chat. Detail, messages, tasks and the read
// mark are loaded one after another; a failure in one facet is recorded on
// the session and does not stop the others. If the user selects something
// else meanwhile, the remaining results are discarded and a
// StaleSelection error is returned.
func (e *Engine) SelectChat(ctx context.Context, chatID int64) error {
	const op = "sync.select_chat"
	var (
		gen    uint64
		cached *store.Chat
	)
	if err := e.do(func() {
		gen = e.sess.selectChat(chatID)
		e.ensureSubscribed(chatID)
		cached, _ = e.db.GetChat(chatID)
		e.sess.Header = cached
		if !e.tasks.Confirming() {
			_ = e.tasks.Cancel()
		}
		e.emitView()
	}); err != nil {
		return err
	}
	e.logger.Debug("chat selected", zap.Int64("chat", chatID), zap.Uint64("gen", gen))

	var failed []error
	facets := []struct {
		name string
		load func(context.Context, uint64, int64) error
	}{
		{FacetDetail, func(ctx context.Context, gen uint64, chatID int64) error {
			if cached != nil {
				return nil
			}
			return e.loadDetail(ctx, gen, chatID)
		}},
		{FacetMessages, e.loadMessages},
		{FacetTasks, e.loadTasks},
		{FacetRead, e.markRead},
	}
	for _, f := range facets {
		facetErr := f.load(ctx, gen, chatID)
		if errors.Is(facetErr, apperr.StaleSelection) {
			return facetErr
		}
		if facetErr != nil {
			e.logger.Warn("chat facet failed", zap.Int64("chat", chatID), zap.String("facet", f.name), zap.Error(facetErr))
			if !apperr.Silent(facetErr) {
				failed = append(failed, fmt.Errorf("%s: %w", f.name, facetErr))
			}
		}
		stale := false
		if err := e.do(func() {
			if !e.sess.current(gen, chatID) {
				stale = true
				return
			}
			if facetErr != nil && !apperr.Silent(facetErr) {
				e.sess.Facets[f.name] = facetErr.Error()
			}
			e.emitView()
		}); err != nil {
			return err
		}
		if stale {
			return apperr.NewStaleSelection(op)
		}
	}
	return errors.Join(failed...)
}

// apply runs fn on the loop if the selection is still (gen, chatID).
func (e *Engine) apply(op string, gen uint64, chatID int64, fn func() error) error {
	var (
		stale bool
		err   error
	)
	if derr := e.do(func() {
		if !e.sess.current(gen, chatID) {
			stale = true
			return
		}
		err = fn()
	}); derr != nil {
		return derr
	}
	if stale {
		return apperr.NewStaleSelection(op)
	}
	return err
}

func (e *Engine) loadDetail(ctx context.Context, gen uint64, chatID int64) error {
	const op = "sync.load_detail"
	c, err := e.api.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if c == nil {
		return apperr.NewNotFound(op, fmt.Sprintf("chat %d not found", chatID))
	}
	return e.apply(op, gen, chatID, func() error {
		if _, err := e.db.MergeChat(*c); err != nil {
			return err
		}
		merged, err := e.db.GetChat(chatID)
		if err != nil {
			return err
		}
		e.sess.Header = merged
		return nil
	})
}

func (e *Engine) loadMessages(ctx context.Context, gen uint64, chatID int64) error {
	const op = "sync.load_messages"
	msgs, fetchErr := e.api.ListMessages(ctx, chatID, 0, e.opts.PageSize)
	err := e.apply(op, gen, chatID, func() error {
		if fetchErr == nil {
			if _, err := e.db.MergeMessages(msgs); err != nil {
				return err
			}
		}
		// On a failed fetch whatever the cache already holds is shown.
		cached, err := e.db.ListMessages(chatID)
		if err != nil {
			return err
		}
		e.sess.Timeline.Load(cached)
		return nil
	})
	if err != nil {
		return err
	}
	return fetchErr
}

func (e *Engine) loadTasks(ctx context.Context, gen uint64, chatID int64) error {
	const op = "sync.load_tasks"
	list, err := e.api.ListTasks(ctx, chatID)
	if err != nil {
		return err
	}
	return e.apply(op, gen, chatID, func() error {
		if _, err := e.db.MergeTasks(list); err != nil {
			return err
		}
		for _, t := range list {
			e.tasks.Reconcile(t)
		}
		return nil
	})
}

func (e *Engine) markRead(_ context.Context, gen uint64, chatID int64) error {
	const op = "sync.mark_read"
	var userID int64
	if err := e.apply(op, gen, chatID, func() error {
		userID = e.sess.LocalUser.ID
		_, err := e.db.MarkChatRead(chatID)
		return err
	}); err != nil {
		return err
	}
	return e.ch.Publish(transport.DestMarkRead, transport.MarkRead{ChatID: chatID, UserID: userID})
}

// StartDraft selects a prospective private chat with a user. Nothing is
// created until the first message is sent.
func (e *Engine) StartDraft(d store.DraftChat) error {
	const op = "sync.start_draft"
	if d.UserID == 0 {
		return apperr.NewValidation(op, "draft needs a target user")
	}
	var err error
	if derr := e.do(func() {
		if d.UserID == e.sess.LocalUser.ID {
			err = apperr.NewValidation(op, "cannot start a chat with yourself")
			return
		}
		e.sess.selectDraft(d)
		if !e.tasks.Confirming() {
			_ = e.tasks.Cancel()
		}
		e.emitView()
	}); derr != nil {
		return derr
	}
	return err
}

// SendMessage sends content to the open chat, or promotes the draft into a
// chat first. Sending with neither is a usage error.
func (e *Engine) SendMessage(ctx context.Context, content string) error {
	const op = "sync.send_message"
	content = strings.TrimSpace(content)
	if content == "" {
		return apperr.NewValidation(op, "message is empty")
	}
	var (
		sel    Selection
		chatID int64
		draft  store.DraftChat
		gen    uint64
	)
	if err := e.do(func() {
		sel, chatID, gen = e.sess.Selection, e.sess.OpenChatID, e.sess.gen
		if e.sess.Draft != nil {
			draft = *e.sess.Draft
		}
	}); err != nil {
		return err
	}
	switch sel {
	case ChatOpen:
		return e.publishMessage(chatID, content)
	case DraftSelected:
		return e.sendFirstMessage(ctx, gen, draft, content)
	default:
		err := apperr.NewUsage(op, "no chat is open")
		e.notice(err)
		return err
	}
}

func (e *Engine) publishMessage(chatID int64, content string) error {
	err := e.ch.Publish(transport.DestSendMessage, transport.SendMessage{
		ChatID:      chatID,
		Content:     content,
		MessageType: "TEXT",
	})
	if err != nil {
		e.notice(err)
		return fmt.Errorf("send to chat %d: %w", chatID, err)
	}
	return nil
}

// sendFirstMessage creates the private chat behind a draft, opens it and
// publishes the message. If creation fails the draft stays selected and
// nothing is cached.
func (e *Engine) sendFirstMessage(ctx context.Context, gen uint64, d store.DraftChat, content string) error {
	c, err := e.api.CreatePrivateChat(ctx, d.UserID)
	if err != nil {
		e.notice(err)
		return fmt.Errorf("create chat with user %d: %w", d.UserID, err)
	}

	var stillDraft bool
	if err := e.do(func() {
		if _, err := e.db.MergeChat(c); err != nil {
			e.logger.Warn("cache created chat", zap.Int64("chat", c.ID), zap.Error(err))
		}
		e.ensureSubscribed(c.ID)
		stillDraft = e.sess.gen == gen && e.sess.Selection == DraftSelected
	}); err != nil {
		return err
	}

	if stillDraft {
		if err := e.SelectChat(ctx, c.ID); err != nil && errors.Is(err, apperr.StaleSelection) {
			e.logger.Debug("promoted chat superseded", zap.Int64("chat", c.ID))
		}
	}
	// The chat exists on the server now, so the message goes out even if the
	// user moved on.
	sendErr := e.publishMessage(c.ID, content)

	if err := e.RefreshChats(ctx); err != nil {
		e.logger.Warn("refresh after chat creation", zap.Error(err))
	}
	return sendErr
}

// CreateGroup creates a group chat and opens it.
func (e *Engine) CreateGroup(ctx context.Context, name string, memberIDs []int64) (store.Chat, error) {
	const op = "sync.create_group"
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Chat{}, apperr.NewValidation(op, "group name is required")
	}
	members := slices.Clone(memberIDs)
	slices.Sort(members)
	members = slices.Compact(members)
	members = slices.DeleteFunc(members, func(id int64) bool { return id <= 0 })
	if len(members) == 0 {
		return store.Chat{}, apperr.NewValidation(op, "a group needs at least one member")
	}

	c, err := e.api.CreateGroupChat(ctx, name, members)
	if err != nil {
		e.notice(err)
		return store.Chat{}, fmt.Errorf("create group %q: %w", name, err)
	}
	if err := e.do(func() {
		if _, err := e.db.MergeChat(c); err != nil {
			e.logger.Warn("cache created group", zap.Int64("chat", c.ID), zap.Error(err))
		}
	}); err != nil {
		return c, err
	}
	if err := e.RefreshChats(ctx); err != nil {
		e.logger.Warn("refresh after group creation", zap.Error(err))
	}
	if err := e.SelectChat(ctx, c.ID); err != nil && !errors.Is(err, apperr.StaleSelection) {
		return c, err
	}
	return c, nil
}

// SearchUsers finds users to start a draft with. The local user is never
// part of the result.
func (e *Engine) SearchUsers(ctx context.Context, term string) ([]store.User, error) {
	users, err := e.api.SearchUsers(ctx, term)
	if err != nil {
		return nil, err
	}
	var self int64
	if err := e.do(func() { self = e.sess.LocalUser.ID }); err != nil {
		return nil, err
	}
	return slices.DeleteFunc(users, func(u store.User) bool { return u.ID == self }), nil
}

// CloseChat returns to having nothing selected.
func (e *Engine) CloseChat() error {
	return e.do(func() {
		e.sess.clearSelection()
		if !e.tasks.Confirming() {
			_ = e.tasks.Cancel()
		}
		e.emitView()
	})
}

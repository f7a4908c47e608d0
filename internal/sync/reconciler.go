package sync

import (
	"github.com/matheus3301/todosync/internal/notify"
	"github.com/matheus3301/todosync/internal/store"
	"github.com/matheus3301/todosync/internal/transport"
	"go.uber.org/zap"
)

// Inbound frames are applied on the loop, in delivery order per topic. Every
// apply is idempotent: a redelivered frame merges to no change and stops
// there.

func (e *Engine) applyMessage(chatID int64, body []byte) {
	m, err := e.codec.DecodeMessage(body)
	if err != nil {
		e.logger.Warn("undecodable message frame", zap.Error(err))
		return
	}
	if m.ChatID == 0 {
		m.ChatID = chatID
	}
	changed, err := e.db.MergeMessage(m)
	if err != nil {
		e.logger.Error("merge inbound message", zap.Int64("message", m.ID), zap.Error(err))
		return
	}
	if !changed {
		return
	}

	open := e.sess.isOpen(m.ChatID)
	own := m.SenderID == e.sess.LocalUser.ID
	created, err := e.db.TouchChat(m.ChatID, m.Summary(), !open && !own)
	if err != nil {
		e.logger.Error("update chat summary", zap.Int64("chat", m.ChatID), zap.Error(err))
	}
	if open {
		e.sess.Timeline.Insert(m)
		if !own {
			// The user is looking at it, so the server learns it was read.
			if err := e.ch.Publish(transport.DestMarkRead, transport.MarkRead{ChatID: m.ChatID, UserID: e.sess.LocalUser.ID}); err != nil {
				e.logger.Debug("mark read on arrival", zap.Error(err))
			}
		}
		if c, err := e.db.GetChat(m.ChatID); err == nil && c != nil {
			e.sess.Header = c
		}
	}
	if created {
		// A chat we had not listed yet, e.g. someone else opened it with us.
		e.background("refresh chats", e.RefreshChats)
	}

	title := m.SenderName
	if c, err := e.db.GetChat(m.ChatID); err == nil && c != nil && c.Kind == store.KindGroup {
		title = c.DisplayName(e.sess.LocalUser.ID) + ": " + m.SenderName
	}
	e.gate.Message(notify.Event{
		ChatID:  m.ChatID,
		ID:      m.ID,
		ActorID: m.SenderID,
		Title:   title,
		Body:    m.Content,
	}, e.sess.openChat(), e.sess.LocalUser.ID)
	e.emitView()
}

func (e *Engine) applyReadReceipt(body []byte) {
	r, err := e.codec.DecodeReadReceipt(body)
	if err != nil {
		e.logger.Warn("undecodable read receipt", zap.Error(err))
		return
	}
	if r.UserID != e.sess.LocalUser.ID {
		return
	}
	changed, err := e.db.MarkChatRead(r.ChatID)
	if err != nil {
		e.logger.Error("mark chat read", zap.Int64("chat", r.ChatID), zap.Error(err))
		return
	}
	if changed {
		e.emitView()
	}
}

func (e *Engine) applyTask(chatID int64, body []byte) {
	t, err := e.codec.DecodeTask(body)
	if err != nil {
		e.logger.Warn("undecodable task frame", zap.Error(err))
		return
	}
	if t.ChatID == 0 {
		t.ChatID = chatID
	}
	prev, err := e.db.GetTask(t.ID)
	if err != nil {
		e.logger.Error("load cached task", zap.Int64("task", t.ID), zap.Error(err))
		return
	}
	changed, err := e.db.MergeTask(t)
	if err != nil {
		e.logger.Error("merge inbound task", zap.Int64("task", t.ID), zap.Error(err))
		return
	}
	if !changed {
		return
	}
	if merged, err := e.db.GetTask(t.ID); err == nil && merged != nil {
		e.tasks.Reconcile(*merged)
	}
	if prev == nil {
		e.gate.Task(notify.Event{
			ChatID:  t.ChatID,
			ID:      t.ID,
			ActorID: t.CreatorID,
			Title:   "New task from " + t.CreatorName,
			Body:    t.Description,
		}, e.sess.openChat(), e.sess.LocalUser.ID)
	}
	e.emitView()
}

package store

import (
	"database/sql"
	"fmt"

	"github.com/matheus3301/todosync/internal/bus"
)

const messageColumns = `id, chat_id, sender_id, sender_name, content, message_type, sent_at`

func scanMessage(r rowScanner) (*Message, error) {
	var (
		m      Message
		sentAt int64
	)
	if err := r.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.SenderName, &m.Content, &m.MessageType, &sentAt); err != nil {
		return nil, err
	}
	m.SentAt = fromMillis(sentAt)
	return &m, nil
}

// GetMessage returns a cached message, or nil if it is not cached.
func (db *DB) GetMessage(id int64) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func mergeMessage(old *Message, in Message) Message {
	if old == nil {
		if in.MessageType == "" {
			in.MessageType = "TEXT"
		}
		return in
	}
	out := *old
	if in.ChatID != 0 {
		out.ChatID = in.ChatID
	}
	if in.SenderID != 0 {
		out.SenderID = in.SenderID
	}
	if in.SenderName != "" {
		out.SenderName = in.SenderName
	}
	if in.Content != "" {
		out.Content = in.Content
	}
	if in.MessageType != "" {
		out.MessageType = in.MessageType
	}
	if !in.SentAt.IsZero() {
		out.SentAt = in.SentAt
	}
	return out
}

// MergeMessage inserts or merges a message by id and reports whether the
// cached value changed. Redelivery of the same message is a no-op.
func (db *DB) MergeMessage(m Message) (bool, error) {
	old, err := db.GetMessage(m.ID)
	if err != nil {
		return false, fmt.Errorf("merge message %d: %w", m.ID, err)
	}
	merged := mergeMessage(old, m)
	if old != nil && old.equal(merged) {
		return false, nil
	}
	_, err = db.Exec(`
		INSERT INTO messages (id, chat_id, sender_id, sender_name, content, message_type, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			chat_id = excluded.chat_id,
			sender_id = excluded.sender_id,
			sender_name = excluded.sender_name,
			content = excluded.content,
			message_type = excluded.message_type,
			sent_at = excluded.sent_at`,
		merged.ID, merged.ChatID, merged.SenderID, merged.SenderName, merged.Content, merged.MessageType, toMillis(merged.SentAt))
	if err != nil {
		return false, fmt.Errorf("merge message %d: %w", m.ID, err)
	}
	db.emit(bus.KindCacheMessage, Change{ID: merged.ID, ChatID: merged.ChatID})
	return true, nil
}

// MergeMessages merges a fetched page and returns how many entries changed.
func (db *DB) MergeMessages(msgs []Message) (int, error) {
	n := 0
	for _, m := range msgs {
		changed, err := db.MergeMessage(m)
		if err != nil {
			return n, err
		}
		if changed {
			n++
		}
	}
	return n, nil
}

// ListMessages returns the cached messages of a chat in timeline order:
// timestamp ascending, ties broken by id.
func (db *DB) ListMessages(chatID int64) ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = ?
		ORDER BY sent_at ASC, id ASC`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

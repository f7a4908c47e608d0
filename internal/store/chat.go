package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/todosync/internal/bus"
)

const chatColumns = `id, kind, name, participants, last_message, unread_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(r rowScanner) (*Chat, error) {
	var (
		c            Chat
		kind         string
		participants string
		last         string
	)
	if err := r.Scan(&c.ID, &kind, &c.Name, &participants, &last, &c.UnreadCount); err != nil {
		return nil, err
	}
	c.Kind = ChatKind(kind)
	if participants != "" {
		if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
			return nil, fmt.Errorf("decode participants of chat %d: %w", c.ID, err)
		}
	}
	if last != "" {
		var s MessageSummary
		if err := json.Unmarshal([]byte(last), &s); err != nil {
			return nil, fmt.Errorf("decode last message of chat %d: %w", c.ID, err)
		}
		s.SentAt = fromMillis(toMillis(s.SentAt))
		c.LastMessage = &s
	}
	return &c, nil
}

// GetChat returns a cached chat, or nil if it is not cached.
func (db *DB) GetChat(id int64) (*Chat, error) {
	return getChat(db.DB, id)
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
	Exec(query string, args ...any) (sql.Result, error)
}

func getChat(q querier, id int64) (*Chat, error) {
	c, err := scanChat(q.QueryRow(`SELECT `+chatColumns+` FROM chats WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// mergeChat folds an incoming snapshot into the cached one. Fields absent
// from the incoming snapshot keep their cached value; everything else is
// last writer wins.
func mergeChat(old *Chat, in Chat) Chat {
	if old == nil {
		return in
	}
	out := *old
	if in.Kind != "" {
		out.Kind = in.Kind
	}
	if in.Name != "" {
		out.Name = in.Name
	}
	if len(in.Participants) > 0 {
		out.Participants = in.Participants
	}
	if in.LastMessage != nil {
		out.LastMessage = in.LastMessage
	}
	out.UnreadCount = in.UnreadCount
	return out
}

func writeChat(q querier, c Chat) error {
	var participants, last string
	var lastAt int64
	if len(c.Participants) > 0 {
		b, err := json.Marshal(c.Participants)
		if err != nil {
			return err
		}
		participants = string(b)
	}
	if c.LastMessage != nil {
		b, err := json.Marshal(c.LastMessage)
		if err != nil {
			return err
		}
		last = string(b)
		lastAt = toMillis(c.LastMessage.SentAt)
	}
	_, err := q.Exec(`
		INSERT INTO chats (id, kind, name, participants, last_message, last_message_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			participants = excluded.participants,
			last_message = excluded.last_message,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.ID, string(c.Kind), c.Name, participants, last, lastAt, c.UnreadCount, time.Now().UnixMilli())
	return err
}

func mergeChatIn(q querier, in Chat) (bool, error) {
	old, err := getChat(q, in.ID)
	if err != nil {
		return false, err
	}
	merged := mergeChat(old, in)
	if old != nil && old.equal(merged) {
		return false, nil
	}
	return true, writeChat(q, merged)
}

// MergeChat inserts or merges a chat. It reports whether the cached value
// changed; merging the same snapshot twice is a no-op.
func (db *DB) MergeChat(c Chat) (bool, error) {
	changed, err := mergeChatIn(db.DB, c)
	if err != nil {
		return false, fmt.Errorf("merge chat %d: %w", c.ID, err)
	}
	if changed {
		db.emit(bus.KindCacheChat, Change{ID: c.ID, ChatID: c.ID})
	}
	return changed, nil
}

// MergeChats merges a full chat list fetch and makes it the visible list, in
// the given order. Chats missing from the fetch stay cached but leave the list.
func (db *DB) MergeChats(chats []Chat) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`UPDATE chats SET list_rank = NULL`); err != nil {
		return 0, err
	}
	var changedIDs []int64
	for i, c := range chats {
		changed, err := mergeChatIn(tx, c)
		if err != nil {
			return 0, fmt.Errorf("merge chat %d: %w", c.ID, err)
		}
		if changed {
			changedIDs = append(changedIDs, c.ID)
		}
		if _, err := tx.Exec(`UPDATE chats SET list_rank = ? WHERE id = ?`, i, c.ID); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	for _, id := range changedIDs {
		db.emit(bus.KindCacheChat, Change{ID: id, ChatID: id})
	}
	db.emit(bus.KindCacheChat, Change{List: true})
	return len(changedIDs), nil
}

// ListChats returns the visible chat list in display order.
func (db *DB) ListChats() ([]Chat, error) {
	rows, err := db.Query(`
		SELECT ` + chatColumns + `
		FROM chats
		WHERE list_rank IS NOT NULL
		ORDER BY list_rank ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

// TouchChat records a new last message for a chat and moves it to the top of
// the visible list. bumpUnread increments the unread counter. A chat that is
// not cached yet gets a placeholder row that a later list fetch fills in; the
// returned bool is true in that case.
func (db *DB) TouchChat(chatID int64, last MessageSummary, bumpUnread bool) (created bool, err error) {
	old, err := db.GetChat(chatID)
	if err != nil {
		return false, err
	}
	var c Chat
	if old != nil {
		c = *old
	} else {
		c = Chat{ID: chatID}
		created = true
	}
	// A message that arrives late does not displace a newer preview.
	newest := c.LastMessage == nil || !c.LastMessage.SentAt.After(last.SentAt)
	if newest {
		c.LastMessage = &last
	}
	if bumpUnread {
		c.UnreadCount++
	}
	if err := writeChat(db.DB, c); err != nil {
		return false, fmt.Errorf("touch chat %d: %w", chatID, err)
	}
	if newest || created {
		if err := db.raise(chatID); err != nil {
			return false, err
		}
	}
	db.emit(bus.KindCacheChat, Change{ID: chatID, ChatID: chatID, List: true})
	return created, nil
}

func (db *DB) raise(chatID int64) error {
	if _, err := db.Exec(`
		UPDATE chats SET list_rank = COALESCE((SELECT MIN(list_rank) FROM chats), 0) - 1
		WHERE id = ?`, chatID); err != nil {
		return fmt.Errorf("rank chat %d: %w", chatID, err)
	}
	return nil
}

// MarkChatRead clears the unread counter of a chat.
func (db *DB) MarkChatRead(chatID int64) (bool, error) {
	res, err := db.Exec(`UPDATE chats SET unread_count = 0 WHERE id = ? AND unread_count <> 0`, chatID)
	if err != nil {
		return false, fmt.Errorf("mark chat %d read: %w", chatID, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		db.emit(bus.KindCacheChat, Change{ID: chatID, ChatID: chatID})
	}
	return n > 0, nil
}

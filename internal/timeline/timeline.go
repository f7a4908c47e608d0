// Package timeline holds the ordered message sequence of the open chat.
package timeline

import "github.com/matheus3301/todosync/internal/store"

// Timeline is kept in (SentAt, ID) ascending order with no duplicate ids.
type Timeline struct {
	chatID int64
	msgs   []store.Message
	seen   map[int64]struct{}
}

// New returns an empty timeline for a chat.
func New(chatID int64) *Timeline {
	return &Timeline{chatID: chatID, seen: make(map[int64]struct{})}
}

func (t *Timeline) ChatID() int64 { return t.chatID }
func (t *Timeline) Len() int      { return len(t.msgs) }

// Contains reports whether a message id is already in the timeline.
func (t *Timeline) Contains(id int64) bool {
	_, ok := t.seen[id]
	return ok
}

// Messages returns a copy of the timeline.
func (t *Timeline) Messages() []store.Message {
	out := make([]store.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Load replaces the timeline with a fetched page. Messages for other chats
// and repeated ids are dropped.
func (t *Timeline) Load(msgs []store.Message) {
	t.msgs = t.msgs[:0]
	clear(t.seen)
	for _, m := range msgs {
		t.Insert(m)
	}
}

func before(a, b store.Message) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.Before(b.SentAt)
	}
	return a.ID < b.ID
}

// Insert places a message by timestamp and returns its position. A message
// already present, or belonging to another chat, is ignored and inserted is
// false.
//
// Messages mostly arrive in order, so the scan starts from the tail: the
// message goes right after the last element not after it, or at the head
// when every element is after it.
func (t *Timeline) Insert(m store.Message) (pos int, inserted bool) {
	if m.ChatID != t.chatID {
		return -1, false
	}
	if t.Contains(m.ID) {
		return -1, false
	}
	pos = 0
	for i := len(t.msgs) - 1; i >= 0; i-- {
		if !before(m, t.msgs[i]) {
			pos = i + 1
			break
		}
	}
	t.msgs = append(t.msgs, store.Message{})
	copy(t.msgs[pos+1:], t.msgs[pos:])
	t.msgs[pos] = m
	t.seen[m.ID] = struct{}{}
	return pos, true
}

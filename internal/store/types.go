package store

import (
	"slices"
	"time"
)

// ChatKind distinguishes one-to-one chats from groups.
type ChatKind string

const (
	KindPrivate ChatKind = "PRIVATE"
	KindGroup   ChatKind = "GROUP"
)

// Task statuses as the server names them.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// User is the authenticated account or a search result.
type User struct {
	ID        int64
	Username  string
	FullName  string
	Email     string
	AvatarURL string
}

// DisplayName prefers the full name over the username.
func (u User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Username
}

// Participant is a chat member as listed in chat summaries.
type Participant struct {
	UserID    int64  `json:"userId"`
	Username  string `json:"username,omitempty"`
	FullName  string `json:"fullName,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// MessageSummary is the preview of the most recent message in a chat.
type MessageSummary struct {
	MessageID  int64     `json:"messageId"`
	SenderID   int64     `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	Content    string    `json:"content"`
	SentAt     time.Time `json:"sentAt"`
}

func (s *MessageSummary) equal(o *MessageSummary) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.MessageID == o.MessageID && s.SenderID == o.SenderID &&
		s.SenderName == o.SenderName && s.Content == o.Content &&
		s.SentAt.UnixMilli() == o.SentAt.UnixMilli()
}

// Chat is a cached chat summary.
type Chat struct {
	ID           int64
	Kind         ChatKind
	Name         string
	Participants []Participant
	LastMessage  *MessageSummary
	UnreadCount  int
}

// DisplayName resolves the label shown for the chat. Private chats show the
// other participant; groups show their name.
func (c Chat) DisplayName(localUserID int64) string {
	if c.Kind == KindGroup {
		if c.Name != "" {
			return c.Name
		}
		return "Group"
	}
	for _, p := range c.Participants {
		if p.UserID == localUserID {
			continue
		}
		if p.FullName != "" {
			return p.FullName
		}
		if p.Username != "" {
			return p.Username
		}
	}
	if c.Name != "" {
		return c.Name
	}
	return "Unknown"
}

// HasParticipant reports whether the user is a member of the chat.
func (c Chat) HasParticipant(userID int64) bool {
	return slices.ContainsFunc(c.Participants, func(p Participant) bool { return p.UserID == userID })
}

func (c Chat) equal(o Chat) bool {
	return c.ID == o.ID && c.Kind == o.Kind && c.Name == o.Name &&
		c.UnreadCount == o.UnreadCount &&
		slices.Equal(c.Participants, o.Participants) &&
		c.LastMessage.equal(o.LastMessage)
}

// DraftChat is a prospective private chat with a user who has no chat yet.
// It is never cached; it becomes a Chat once the first message is sent.
type DraftChat struct {
	UserID    int64
	Username  string
	FullName  string
	AvatarURL string
}

// Message is a cached chat message.
type Message struct {
	ID          int64
	ChatID      int64
	SenderID    int64
	SenderName  string
	Content     string
	MessageType string
	SentAt      time.Time
}

// Summary builds the chat preview for this message.
func (m Message) Summary() MessageSummary {
	return MessageSummary{
		MessageID:  m.ID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Content:    m.Content,
		SentAt:     m.SentAt,
	}
}

func (m Message) equal(o Message) bool {
	return m.ID == o.ID && m.ChatID == o.ChatID && m.SenderID == o.SenderID &&
		m.SenderName == o.SenderName && m.Content == o.Content &&
		m.MessageType == o.MessageType && m.SentAt.UnixMilli() == o.SentAt.UnixMilli()
}

// Task is a cached task attached to a chat.
type Task struct {
	ID             int64
	ChatID         int64
	MessageID      int64
	CreatorID      int64
	CreatorName    string
	Description    string
	Status         string
	DueDate        *time.Time
	CompletionNote string
	CompletedAt    *time.Time
}

// Completed reports whether the server considers the task done.
func (t Task) Completed() bool { return t.Status == StatusCompleted }

// Done reports whether the task is completed with its note attached. A
// completed status without a note is a half-written completion, not a done
// task.
func (t Task) Done() bool { return t.Completed() && t.CompletionNote != "" }

func (t Task) equal(o Task) bool {
	return t.ID == o.ID && t.ChatID == o.ChatID && t.MessageID == o.MessageID &&
		t.CreatorID == o.CreatorID && t.CreatorName == o.CreatorName &&
		t.Description == o.Description && t.Status == o.Status &&
		t.CompletionNote == o.CompletionNote &&
		sameInstant(t.DueDate, o.DueDate) && sameInstant(t.CompletedAt, o.CompletedAt)
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.UnixMilli() == b.UnixMilli()
}

// Change is the payload of cache.* bus events.
type Change struct {
	ID     int64
	ChatID int64
	// List is set when the visible chat list was recomposed.
	List bool
}

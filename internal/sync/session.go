package sync

import (
	"time"

	"github.com/matheus3301/todosync/internal/store"
	"github.com/matheus3301/todosync/internal/tasks"
	"github.com/matheus3301/todosync/internal/timeline"
)

// Selection is the state of the chat synchronizer.
type Selection string

const (
	NoChatSelected Selection = "NO_CHAT_SELECTED"
	DraftSelected  Selection = "DRAFT_SELECTED"
	ChatOpen       Selection = "CHAT_OPEN"
)

// Facets of an open chat. Each one fails on its own.
const (
	FacetDetail   = "detail"
	FacetMessages = "messages"
	FacetTasks    = "tasks"
	FacetRead     = "read"
)

// Notice is a transient user-visible message.
type Notice struct {
	Text    string
	Expires time.Time
}

// Session is the state of one signed-in user's view. It is owned by the
// engine's loop goroutine and never touched from anywhere else.
type Session struct {
	LocalUser store.User

	Selection  Selection
	Draft      *store.DraftChat
	OpenChatID int64
	Header     *store.Chat
	Timeline   *timeline.Timeline
	Filter     tasks.Filter
	Facets     map[string]string
	Notice     Notice

	// gen increases with every selection change; results of a fetch started
	// under an older generation are stale.
	gen        uint64
	subscribed map[int64][]func()
}

func newSession() *Session {
	return &Session{
		Selection:  NoChatSelected,
		Filter:     tasks.FilterAll,
		Facets:     make(map[string]string),
		subscribed: make(map[int64][]func()),
	}
}

// isOpen reports whether chatID is the chat currently open.
func (s *Session) isOpen(chatID int64) bool {
	return s.Selection == ChatOpen && s.OpenChatID == chatID
}

// openChat returns the open chat id, or 0.
func (s *Session) openChat() int64 {
	if s.Selection != ChatOpen {
		return 0
	}
	return s.OpenChatID
}

// current reports whether a result fetched for chatID under gen still
// belongs to the active selection.
func (s *Session) current(gen uint64, chatID int64) bool {
	return s.gen == gen && s.isOpen(chatID)
}

func (s *Session) selectChat(chatID int64) uint64 {
	s.gen++
	s.Selection = ChatOpen
	s.OpenChatID = chatID
	s.Draft = nil
	s.Header = nil
	s.Timeline = timeline.New(chatID)
	clear(s.Facets)
	return s.gen
}

func (s *Session) selectDraft(d store.DraftChat) uint64 {
	s.gen++
	s.Selection = DraftSelected
	s.Draft = &d
	s.OpenChatID = 0
	s.Header = nil
	s.Timeline = nil
	clear(s.Facets)
	return s.gen
}

func (s *Session) clearSelection() {
	s.gen++
	s.Selection = NoChatSelected
	s.Draft = nil
	s.OpenChatID = 0
	s.Header = nil
	s.Timeline = nil
	clear(s.Facets)
}

// Package notify decides which inbound events deserve a user notification.
package notify

import (
	"github.com/matheus3301/todosync/internal/bus"
	"go.uber.org/zap"
)

// DefaultPreview is the body budget, in runes, of a message notification.
const DefaultPreview = 100

// Alert is a notification request.
type Alert struct {
	Kind   string // "message" or "task"
	ChatID int64
	ID     int64
	Title  string
	Body   string
}

// Notifier surfaces alerts to the user.
type Notifier interface {
	Notify(a Alert)
}

// Event is an inbound message or task event as the gate sees it.
type Event struct {
	ChatID  int64
	ID      int64
	ActorID int64
	Title   string
	Body    string
}

// Gate suppresses notifications for the open chat and for the local user's
// own actions.
type Gate struct {
	notifier Notifier
	preview  int
}

// NewGate creates a gate truncating message bodies to preview runes.
func NewGate(n Notifier, preview int) *Gate {
	if preview <= 0 {
		preview = DefaultPreview
	}
	return &Gate{notifier: n, preview: preview}
}

// Message gates an inbound chat message. It reports whether an alert was sent.
func (g *Gate) Message(e Event, openChatID, localUserID int64) bool {
	if suppressed(e, openChatID, localUserID) {
		return false
	}
	g.notifier.Notify(Alert{Kind: "message", ChatID: e.ChatID, ID: e.ID, Title: e.Title, Body: Truncate(e.Body, g.preview)})
	return true
}

// Task gates an inbound task event.
func (g *Gate) Task(e Event, openChatID, localUserID int64) bool {
	if suppressed(e, openChatID, localUserID) {
		return false
	}
	g.notifier.Notify(Alert{Kind: "task", ChatID: e.ChatID, ID: e.ID, Title: e.Title, Body: e.Body})
	return true
}

func suppressed(e Event, openChatID, localUserID int64) bool {
	if openChatID != 0 && e.ChatID == openChatID {
		return true
	}
	return localUserID != 0 && e.ActorID == localUserID
}

// Truncate cuts s to limit runes, marking the cut with "...".
func Truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}

// BusNotifier logs alerts and publishes them as notify.* events.
type BusNotifier struct {
	bus *bus.Bus
	log *zap.Logger
}

func NewBusNotifier(b *bus.Bus, log *zap.Logger) *BusNotifier {
	return &BusNotifier{bus: b, log: log}
}

func (n *BusNotifier) Notify(a Alert) {
	n.log.Info("notification",
		zap.String("kind", a.Kind),
		zap.Int64("chat", a.ChatID),
		zap.String("title", a.Title),
	)
	kind := bus.KindNotifyMessage
	if a.Kind == "task" {
		kind = bus.KindNotifyTask
	}
	n.bus.Emit(kind, a)
}

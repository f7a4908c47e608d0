package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/todosync/internal/apperr"
	"github.com/matheus3301/todosync/internal/auth"
	"github.com/matheus3301/todosync/internal/bus"
	"github.com/matheus3301/todosync/internal/loop"
	"github.com/matheus3301/todosync/internal/notify"
	"github.com/matheus3301/todosync/internal/rest"
	"github.com/matheus3301/todosync/internal/rest/resttest"
	"github.com/matheus3301/todosync/internal/store"
	"github.com/matheus3301/todosync/internal/tasks"
	"github.com/matheus3301/todosync/internal/transport"
	"go.uber.org/zap"
)

var (
	alice = resttest.User{UserID: 1, Username: "alice", FullName: "Alice"}
	bob   = resttest.User{UserID: 2, Username: "bob", FullName: "Bob"}
	carol = resttest.User{UserID: 3, Username: "carol", FullName: "Carol"}

	base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
)

type published struct {
	dest    string
	payload any
}

// fakeChannel delivers frames synchronously to whatever is subscribed.
type fakeChannel struct {
	mu       gosync.Mutex
	handlers map[string]map[int]transport.Handler
	next     int
	sent     []published
	down     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]map[int]transport.Handler)}
}

func (f *fakeChannel) Subscribe(topic string, h transport.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers[topic] == nil {
		f.handlers[topic] = make(map[int]transport.Handler)
	}
	id := f.next
	f.next++
	f.handlers[topic][id] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[topic], id)
		if len(f.handlers[topic]) == 0 {
			delete(f.handlers, topic)
		}
	}
}

func (f *fakeChannel) Publish(dest string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return apperr.NewNetwork("transport.publish", transport.ErrNotConnected)
	}
	f.sent = append(f.sent, published{dest: dest, payload: payload})
	return nil
}

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.down
}

func (f *fakeChannel) deliver(t *testing.T, topic string, v any) {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	hs := make([]transport.Handler, 0, len(f.handlers[topic]))
	for _, h := range f.handlers[topic] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	if len(hs) == 0 {
		t.Fatalf("nothing subscribed to %s", topic)
	}
	for _, h := range hs {
		h(body)
	}
}

func (f *fakeChannel) sentTo(dest string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.sent {
		if p.dest == dest {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeChannel) topicCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

type recordingNotifier struct {
	mu     gosync.Mutex
	alerts []notify.Alert
}

func (n *recordingNotifier) Notify(a notify.Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

type harness struct {
	t        *testing.T
	srv      *resttest.Server
	bus      *bus.Bus
	db       *store.DB
	ch       *fakeChannel
	notifier *recordingNotifier
	engine   *Engine
}

// newHarness creates the fake server; seed it, then call start.
func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := resttest.New(t, alice)
	srv.AddUser(bob)
	srv.AddUser(carol)
	return &harness{t: t, srv: srv, bus: bus.New(), ch: newFakeChannel(), notifier: &recordingNotifier{}}
}

func (h *harness) start() *Engine {
	t := h.t
	t.Helper()
	log := zap.NewNop()

	sess := auth.NewSession(h.bus, log)
	if err := sess.Set(resttest.Token); err != nil {
		t.Fatal(err)
	}
	client, err := rest.New(rest.Options{BaseURL: h.srv.URL, Timeout: 5 * time.Second, Location: time.UTC}, sess, log)
	if err != nil {
		t.Fatal(err)
	}
	db, err := store.OpenMigrated(h.bus)
	if err != nil {
		t.Fatal(err)
	}
	h.db = db

	ctx, cancel := context.WithCancel(context.Background())
	l := loop.New(0)
	l.Start(ctx)

	h.engine = NewEngine(l, db, client, client.Codec, h.ch, notify.NewGate(h.notifier, 0), h.bus, log, Options{SubscribeAll: true})
	t.Cleanup(func() {
		h.engine.Stop()
		cancel()
		<-l.Done()
		db.Close()
	})
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h.engine
}

func (h *harness) view() View {
	h.t.Helper()
	v, err := h.engine.Snapshot()
	if err != nil {
		h.t.Fatalf("Snapshot: %v", err)
	}
	return v
}

func (h *harness) chatRow(id int64) ChatRow {
	h.t.Helper()
	for _, r := range h.view().Chats {
		if r.Chat.ID == id {
			return r
		}
	}
	h.t.Fatalf("chat %d not listed", id)
	return ChatRow{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func messageIDs(msgs []store.Message) []int64 {
	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids
}

func frame(id, chatID int64, sender resttest.User, content string, at time.Time) resttest.Message {
	return resttest.Message{
		MessageID:      id,
		ChatID:         chatID,
		SenderID:       sender.UserID,
		SenderUsername: sender.Username,
		SenderFullName: sender.FullName,
		Content:        content,
		MessageType:    "TEXT",
		SentAt:         resttest.Stamp(at),
	}
}

func privateChat(id int64, other resttest.User) resttest.Chat {
	return resttest.Chat{ChatID: id, Participants: []resttest.User{alice, other}}
}

func TestStartLoadsUserAndChats(t *testing.T) {
	h := newHarness(t)
	h.srv.AddChat(privateChat(10, bob))
	h.start()

	v := h.view()
	if v.LocalUser.ID != 1 {
		t.Errorf("local user = %d, want 1", v.LocalUser.ID)
	}
	if v.Selection != NoChatSelected {
		t.Errorf("selection = %s", v.Selection)
	}
	if len(v.Chats) != 1 || v.Chats[0].DisplayName != "Bob" {
		t.Fatalf("chats = %+v", v.Chats)
	}
	// Every listed chat is followed on all three topics.
	if got := h.ch.topicCount(); got != 3 {
		t.Errorf("subscribed topics = %d, want 3", got)
	}
}

func TestSendFirstMessagePromotesDraft(t *testing.T) {
	h := newHarness(t)
	h.start()
	ctx := context.Background()

	if err := h.engine.StartDraft(store.DraftChat{UserID: bob.UserID, Username: bob.Username, FullName: bob.FullName}); err != nil {
		t.Fatal(err)
	}
	if v := h.view(); v.Selection != DraftSelected || v.Title != "Bob" {
		t.Fatalf("after draft: selection %s title %q", v.Selection, v.Title)
	}
	if h.srv.ChatCount() != 0 {
		t.Fatal("draft must not create a chat")
	}

	if err := h.engine.SendMessage(ctx, "  hi "); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if h.srv.ChatCount() != 1 {
		t.Fatalf("server chats = %d, want 1", h.srv.ChatCount())
	}
	v := h.view()
	if v.Selection != ChatOpen || v.Header == nil {
		t.Fatalf("selection = %s header = %v, want open chat", v.Selection, v.Header)
	}
	if len(v.Chats) != 1 || v.Chats[0].Chat.ID != v.Header.ID {
		t.Errorf("chat list = %+v", v.Chats)
	}
	sent := h.ch.sentTo(transport.DestSendMessage)
	if len(sent) != 1 {
		t.Fatalf("published %d messages, want 1", len(sent))
	}
	msg := sent[0].payload.(transport.SendMessage)
	if msg.ChatID != v.Header.ID || msg.Content != "hi" || msg.MessageType != "TEXT" {
		t.Errorf("published %+v", msg)
	}
}

func TestDraftCreationFailureKeepsDraft(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.srv.Fail("create_private", http.StatusInternalServerError)

	if err := h.engine.StartDraft(store.DraftChat{UserID: bob.UserID, Username: "bob"}); err != nil {
		t.Fatal(err)
	}
	err := h.engine.SendMessage(context.Background(), "hi")
	if !errors.Is(err, apperr.Rejected) {
		t.Fatalf("SendMessage = %v, want rejected", err)
	}
	v := h.view()
	if v.Selection != DraftSelected {
		t.Errorf("selection = %s, want draft kept", v.Selection)
	}
	if len(v.Chats) != 0 {
		t.Errorf("chats = %+v, want none cached", v.Chats)
	}
	if v.Notice == "" {
		t.Error("failure not surfaced")
	}
	if n := len(h.ch.sentTo(transport.DestSendMessage)); n != 0 {
		t.Errorf("published %d messages", n)
	}
}

func TestSendWithoutSelectionIsUsageError(t *testing.T) {
	h := newHarness(t)
	h.start()

	err := h.engine.SendMessage(context.Background(), "hello")
	if !errors.Is(err, apperr.Usage) {
		t.Fatalf("SendMessage = %v, want usage error", err)
	}
	if h.view().Notice == "" {
		t.Error("usage error not surfaced")
	}
	if err := h.engine.SendMessage(context.Background(), "   "); !errors.Is(err, apperr.Validation) {
		t.Errorf("blank message = %v, want validation error", err)
	}
	if n := len(h.ch.sentTo(transport.DestSendMessage)); n != 0 {
		t.Errorf("published %d messages", n)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	h := newHarness(t)
	h.srv.AddChat(privateChat(10, bob))
	h.start()
	if err := h.engine.SelectChat(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	h.ch.mu.Lock()
	h.ch.down = true
	h.ch.mu.Unlock()

	err := h.engine.SendMessage(context.Background(), "hello")
	if !errors.Is(err, apperr.Network) {
		t.Fatalf("SendMessage = %v, want network error", err)
	}
	if v := h.view(); v.Notice == "" || v.Connected {
		t.Errorf("notice %q connected %v", v.Notice, v.Connected)
	}
}

func TestSelectChatLoadsFacets(t *testing.T) {
	h := newHarness(t)
	c := privateChat(10, bob)
	c.UnreadCount = 3
	h.srv.AddChat(c)
	h.srv.AddMessage(frame(1, 10, bob, "first", base))
	h.srv.AddMessage(frame(2, 10, alice, "second", base.Add(time.Minute)))
	h.srv.AddTask(resttest.Task{TaskID: 7, ChatID: 10, Description: "buy milk", Status: "pending", User: &bob})
	h.start()

	if got := h.chatRow(10).Chat.UnreadCount; got != 3 {
		t.Fatalf("unread before open = %d", got)
	}
	if err := h.engine.SelectChat(context.Background(), 10); err != nil {
		t.Fatalf("SelectChat: %v", err)
	}
	v := h.view()
	if v.Title != "Bob" {
		t.Errorf("title = %q", v.Title)
	}
	if got := messageIDs(v.Messages); !slices.Equal(got, []int64{1, 2}) {
		t.Errorf("messages = %v", got)
	}
	if len(v.Tasks.Items) != 1 || v.Tasks.Items[0].State != tasks.Pending || !v.Tasks.Items[0].Interactive {
		t.Errorf("tasks = %+v", v.Tasks.Items)
	}
	if got := h.chatRow(10).Chat.UnreadCount; got != 0 {
		t.Errorf("unread after open = %d", got)
	}
	reads := h.ch.sentTo(transport.DestMarkRead)
	if len(reads) != 1 {
		t.Fatalf("mark-read published %d times", len(reads))
	}
	if r := reads[0].payload.(transport.MarkRead); r.ChatID != 10 || r.UserID != 1 {
		t.Errorf("mark-read = %+v", r)
	}
}

func TestSelectChatFetchesUncachedDetail(t *testing.T) {
	h := newHarness(t)
	h.start()
	// Created after the list was loaded, so only the detail fetch knows it.
	h.srv.AddChat(resttest.Chat{ChatID: 30, ChatName: "Team", IsGroup: true, Participants: []resttest.User{alice, bob}})

	if err := h.engine.SelectChat(context.Background(), 30); err != nil {
		t.Fatal(err)
	}
	if got := h.srv.CallCount("chat"); got != 1 {
		t.Errorf("detail fetches = %d, want 1", got)
	}
	if v := h.view(); v.Title != "Team" {
		t.Errorf("title = %q", v.Title)
	}

	// Cached now, so a second open skips the network.
	if err := h.engine.SelectChat(context.Background(), 30); err != nil {
		t.Fatal(err)
	}
	if got := h.srv.CallCount("chat"); got != 1 {
		t.Errorf("detail fetches = %d after cache hit, want 1", got)
	}
}

func TestFacetFailureDoesNotBlockSiblings(t *testing.T) {
	h := newHarness(t)
	h.srv.AddChat(privateChat(10, bob))
	h.srv.AddMessage(frame(1, 10, bob, "hello", base))
	h.start()
	h.srv.Fail("tasks", http.StatusInternalServerError)

	err := h.engine.SelectChat(context.Background(), 10)
	if !errors.Is(err, apperr.Rejected) {
		t.Fatalf("SelectChat = %v, want rejected tasks facet", err)
	}
	v := h.view()
	if got := messageIDs(v.Messages); !slices.Equal(got, []int64{1}) {
		t.Errorf("messages = %v, want loaded despite task failure", got)
	}
	if v.Facets[FacetTasks] == "" {
		t.Error("task facet error not recorded")
	}
	if _, ok := v.Facets[FacetMessages]; ok {
		t.Error("messages facet marked failed")
	}
	if n := len(h.ch.sentTo(transport.DestMarkRead)); n != 1 {
		t.Errorf("mark-read published %d times, want 1", n)
	}
}

func TestMissingTaskListIsEmpty(t *testing.T) {
	h := newHarness(t)
	h.srv.AddChat(privateChat(10, bob))
	h.start()
	h.srv.Fail("tasks:10", http.StatusNotFound)

	if err := h.engine.SelectChat(context.Background(), 10); err != nil {
		t.Fatalf("SelectChat = %v, want 404 treated as empty", err)
	}
	v := h.view()
	if len(v.Tasks.Items) != 0 || len(v.Facets) != 0 {
		t.Errorf("tasks %+v facets %v", v.Tasks.Items, v.Facets)
	}
}

func TestSupersededSelectionIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.srv.AddChat(privateChat(10, bob))
	h.srv.AddChat(privateChat(20, carol))
	h.srv.AddMessage(frame(1, 10, bob, "from X", base))
	h.srv.AddMessage(frame(2, 20, carol, "from Y", base))
	h.start()

	release := h.srv.Hold("messages:10")
	defer release()
	errc := make(chan error, 1)
	go func() { errc <- h.engine.SelectChat(context.Background(), 10) }()
	waitFor(t, "message fetch of X", func() bool { return h.srv.CallCount("messages:10") == 1 })

	if err := h.engine.SelectChat(context.Background(), 20); err != nil {
		t.Fatalf("SelectChat(Y): %v", err)
	}
	release()

	if err := <-errc; !errors.Is(err, apperr.StaleSelection) {
		t.Fatalf("SelectChat(X) = %v, want stale selection", err)
	}
	v := h.view()
	if v.Header == nil || v.Header.ID != 20 {
		t.Fatalf("open chat = %+v, want 20", v.Header)
	}
	if got := messageIDs(v.Messages); !slices.Equal(got, []int64{2}) {
		t.Errorf("messages = %v, want only Y's", got)
	}
	cached, err := h.db.ListMessages(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(cached) != 0 {
		t.Errorf("stale page was merged: %v", messageIDs(cached))
	}
	// The remaining facets of X were never fetched.
	if got := h.srv.CallCount("tasks:10"); got != 0 {
		t.Errorf("tasks of X fetched %d times", got)
	}
}

func TestInboundMessagesAreOrdered(t *testing.T) {
	h := newHarness(t)
	h.srv.AddChat(privateChat(10, bob))
	h.start()
	if err := h.engine.SelectChat(context.Background(), 10); err != nil {
		t.Fatal(err)
	}

	topic := transport.ChatTopic(10)
	h.ch.deliver(t, topic, frame(1, 10, bob, "A", base))
	h.ch.deliver(t, topic, frame(2, 10, bob, "B", base.Add(-time.Hour)))
	h.ch.deliver(t, topic, frame(3, 10, bob, "C", base))

	v := h.view()
	if got := messageIDs(v.Messages); !slices.Equal(got, []int64{2, 1, 3}) {
		t.Errorf("order = %v, want [2 1 3]", got)
	}
	if v.Header == nil || v.Header.LastMessage == nil || v.Header.LastMessage.MessageID != 3 {
		t.Errorf("header preview = %+v", v.Header)
	}
	if got := h.chatRow(10).Chat.UnreadCount; got != 0 {
		t.Errorf("unread of open chat = %d", got)
	}
}

func TestRedeliveryIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.srv.AddChat(privateChat(20, carol))
	h.start()

	f := frame(5, 20, carol, "ping", base)
	h.ch.deliver(t, transport.ChatTopic(20), f)
	first := h.view()
	h.ch.deliver(t, transport.ChatTopic(20), f)
	second := h.view()

	if got := h.chatRow(20).Chat.UnreadCount; got != 1 {
		t.Errorf("unread = %d, want 1", got)
	}
	if h.notifier.count() != 1 {
		t.Errorf("alerts = %d, want 1", h.notifier.count())
	}
	msgs, err := h.db.ListMessages(20)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("cached %d messages", len(msgs))
	}
	if first.Generation != second.Generation {
		t.Error("redelivery changed the selection")
	}
}

func TestNotificationGate(t *testing.T) {
	h := newHarness(t)
	h.srv.AddChat(privateChat(10, bob))
	h.srv.AddChat(privateChat(20, carol))
	h.start()
	if err := h.engine.SelectChat(context.Background(), 10); err != nil {
		t.Fatal(err)
	}

	h.ch.deliver(t, transport.ChatTopic(10), frame(1, 10, bob, "in the open chat", base))
	h.ch.deliver(t, transport.ChatTopic(20), frame(2, 20, alice, "my own", base))
	h.view()
	if n := h.notifier.count(); n != 0 {
		t.Fatalf("alerts = %d, want 0", n)
	}

	long := make([]rune, 150)
	for i := range long {
		long[i] = 'x'
	}
	h.ch.deliver(t, transport.ChatTopic(20), frame(3, 20, carol, string(long), base))
	h.ch.deliver(t, transport.TaskTopic(20), resttest.Task{TaskID: 9, ChatID: 20, Description: "review", Status: "pending", User: &carol})
	h.ch.deliver(t, transport.TaskTopic(10), resttest.Task{TaskID: 8, ChatID: 10, Description: "in open chat", Status: "pending", User: &bob})
	h.view()

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	if len(h.notifier.alerts) != 2 {
		t.Fatalf("alerts = %+v, want 2", h.notifier.alerts)
	}
	msg, task := h.notifier.alerts[0], h.notifier.alerts[1]
	if msg.Kind != "message" || len([]rune(msg.Body)) != notify.DefaultPreview+3 {
		t.Errorf("message alert = %+v", msg)
	}
	if task.Kind != "task" || task.ChatID != 20 || task.Body != "review" {
		t.Errorf("task alert = %+v", task)
	}
}

func TestReadReceiptClearsUnread(t *testing.T) {
	h := newHarness(t)
	h.srv.AddChat(privateChat(20, carol))
	h.start()

	h.ch.deliver(t, transport.ChatTopic(20), frame(1, 20, carol, "hi", base))
	h.ch.deliver(t, transport.ReadTopic(20), rest.ReadReceipt{UserID: carol.UserID, ChatID: 20})
	h.view()
	if got := h.chatRow(20).Chat.UnreadCount; got != 1 {
		t.Fatalf("unread after someone else read = %d, want 1", got)
	}

	h.ch.deliver(t, transport.ReadTopic(20), rest.ReadReceipt{UserID: alice.UserID, ChatID: 20})
	if got := h.chatRow(20).Chat.UnreadCount; got != 0 {
		t.Errorf("unread after own receipt = %d, want 0", got)
	}
}

func TestMessageForUnknownChatListsIt(t *testing.T) {
	h := newHarness(t)
	h.srv.AddChat(privateChat(10, bob))
	h.start()

	// Bob opened a group with us; it only shows up in the next list.
	h.srv.AddChat(resttest.Chat{ChatID: 40, ChatName: "Plans", IsGroup: true, Participants: []resttest.User{alice, bob}})
	h.engine.post(func() { h.engine.applyMessage(40, mustJSON(t, frame(1, 40, bob, "welcome", base))) })

	waitFor(t, "group listed", func() bool {
		for _, r := range h.view().Chats {
			if r.Chat.ID == 40 && r.DisplayName == "Plans" {
				return true
			}
		}
		return false
	})
	if got := h.chatRow(40).Chat.LastMessage; got == nil || got.Content != "welcome" {
		t.Errorf("preview = %+v", got)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestCompletionThroughEngine(t *testing.T) {
	h := newHarness(t)
	h.srv.AddChat(privateChat(10, bob))
	h.srv.AddTask(resttest.Task{TaskID: 7, ChatID: 10, Description: "ship it", Status: "pending", User: &bob})
	h.srv.AddTask(resttest.Task{TaskID: 8, ChatID: 10, Description: "test it", Status: "pending", User: &bob})
	h.start()
	ctx := context.Background()
	if err := h.engine.SelectChat(ctx, 10); err != nil {
		t.Fatal(err)
	}

	if err := h.engine.BeginCompletion(7); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.BeginCompletion(8); !errors.Is(err, apperr.Usage) {
		t.Errorf("second Begin = %v, want usage error", err)
	}

	if err := h.engine.ConfirmCompletion(ctx, "  "); !errors.Is(err, apperr.Validation) {
		t.Fatalf("empty note = %v, want validation error", err)
	}
	item := findItem(t, h.view(), 7)
	if item.State != tasks.AwaitingCompletion || item.Err == "" {
		t.Errorf("after empty note: %+v", item)
	}
	if h.srv.CallCount("status") != 0 {
		t.Error("empty note reached the server")
	}

	if err := h.engine.ConfirmCompletion(ctx, "Done"); err != nil {
		t.Fatalf("ConfirmCompletion: %v", err)
	}
	st, _ := h.srv.Task(7)
	if st.Status != "completed" || st.CompletionNote != "Done" {
		t.Errorf("server task = %+v", st)
	}
	v := h.view()
	if item := findItem(t, v, 7); item.State != tasks.Completed || item.Interactive {
		t.Errorf("completed item = %+v", item)
	}
	if item := findItem(t, v, 8); !item.Interactive {
		t.Error("other task still locked")
	}
	if v.Tasks.Counts != (tasks.Counts{Total: 2, Pending: 1, Completed: 1}) {
		t.Errorf("counts = %+v", v.Tasks.Counts)
	}
}

func TestCancelCompletion(t *testing.T) {
	h := newHarness(t)
	h.srv.AddChat(privateChat(10, bob))
	h.srv.AddTask(resttest.Task{TaskID: 7, ChatID: 10, Description: "ship it", Status: "pending"})
	h.start()
	if err := h.engine.SelectChat(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.BeginCompletion(7); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.CancelCompletion(); err != nil {
		t.Fatal(err)
	}
	if item := findItem(t, h.view(), 7); item.State != tasks.Pending || !item.Interactive {
		t.Errorf("after cancel: %+v", item)
	}
	if calls := h.srv.CallCount("status"); calls != 0 {
		t.Errorf("cancel made %d status writes", calls)
	}
}

func TestStatusFailureRevertsToPending(t *testing.T) {
	h := newHarness(t)
	h.srv.AddChat(privateChat(10, bob))
	h.srv.AddTask(resttest.Task{TaskID: 7, ChatID: 10, Description: "ship it", Status: "pending"})
	h.start()
	ctx := context.Background()
	if err := h.engine.SelectChat(ctx, 10); err != nil {
		t.Fatal(err)
	}
	h.srv.Fail("status_completed", http.StatusInternalServerError)

	if err := h.engine.BeginCompletion(7); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.ConfirmCompletion(ctx, "Done"); err == nil {
		t.Fatal("ConfirmCompletion succeeded")
	}
	v := h.view()
	if item := findItem(t, v, 7); item.State != tasks.Pending || item.Err == "" {
		t.Errorf("after failure: %+v", item)
	}
	if v.Notice == "" {
		t.Error("failure not surfaced")
	}
}

func findItem(t *testing.T, v View, id int64) tasks.Item {
	t.Helper()
	for _, it := range v.Tasks.Items {
		if it.Task.ID == id {
			return it
		}
	}
	t.Fatalf("task %d not in view", id)
	return tasks.Item{}
}

func TestFilterKeepsCounts(t *testing.T) {
	h := newHarness(t)
	h.srv.AddChat(privateChat(10, bob))
	h.srv.AddTask(resttest.Task{TaskID: 1, ChatID: 10, Description: "a", Status: "completed", CompletionNote: "ok"})
	h.srv.AddTask(resttest.Task{TaskID: 2, ChatID: 10, Description: "b", Status: "pending"})
	h.srv.AddTask(resttest.Task{TaskID: 3, ChatID: 10, Description: "c", Status: "pending"})
	h.start()
	if err := h.engine.SelectChat(context.Background(), 10); err != nil {
		t.Fatal(err)
	}

	want := tasks.Counts{Total: 3, Pending: 2, Completed: 1}
	for _, tc := range []struct {
		filter tasks.Filter
		ids    []int64
	}{
		{tasks.FilterAll, []int64{3, 2, 1}},
		{tasks.FilterPending, []int64{3, 2}},
		{tasks.FilterCompleted, []int64{1}},
	} {
		if err := h.engine.SetFilter(tc.filter); err != nil {
			t.Fatal(err)
		}
		v := h.view()
		var ids []int64
		for _, it := range v.Tasks.Items {
			ids = append(ids, it.Task.ID)
		}
		if !slices.Equal(ids, tc.ids) {
			t.Errorf("%s: ids = %v, want %v", tc.filter, ids, tc.ids)
		}
		if v.Tasks.Counts != want {
			t.Errorf("%s: counts = %+v, want %+v", tc.filter, v.Tasks.Counts, want)
		}
	}
	if err := h.engine.SetFilter("done"); !errors.Is(err, apperr.Validation) {
		t.Errorf("SetFilter(done) = %v", err)
	}
}

func TestInboundTaskEntersAtHead(t *testing.T) {
	h := newHarness(t)
	h.srv.AddChat(privateChat(10, bob))
	h.srv.AddTask(resttest.Task{TaskID: 1, ChatID: 10, Description: "old", Status: "pending"})
	h.start()
	if err := h.engine.SelectChat(context.Background(), 10); err != nil {
		t.Fatal(err)
	}

	h.ch.deliver(t, transport.TaskTopic(10), resttest.Task{TaskID: 2, Description: "new", Status: "pending", User: &bob})
	v := h.view()
	if len(v.Tasks.Items) != 2 || v.Tasks.Items[0].Task.ID != 2 || v.Tasks.Items[0].Task.ChatID != 10 {
		t.Errorf("tasks = %+v", v.Tasks.Items)
	}
}

func TestReconnectRefetchesOpenChat(t *testing.T) {
	h := newHarness(t)
	h.srv.AddChat(privateChat(10, bob))
	h.srv.AddMessage(frame(1, 10, bob, "before", base))
	h.start()
	if err := h.engine.SelectChat(context.Background(), 10); err != nil {
		t.Fatal(err)
	}

	// Sent while the channel was down.
	h.srv.AddMessage(frame(2, 10, bob, "during outage", base.Add(time.Minute)))
	h.bus.Emit(bus.KindTransportConnected, nil)

	waitFor(t, "gap closed", func() bool {
		return slices.Equal(messageIDs(h.view().Messages), []int64{1, 2})
	})
}

func TestInvalidationResetsSession(t *testing.T) {
	h := newHarness(t)
	h.srv.AddChat(privateChat(10, bob))
	h.srv.AddMessage(frame(1, 10, bob, "hello", base))
	h.start()
	if err := h.engine.SelectChat(context.Background(), 10); err != nil {
		t.Fatal(err)
	}

	h.bus.Emit(bus.KindSessionInvalidated, auth.Invalidation{Reason: "test"})

	waitFor(t, "session reset", func() bool {
		v := h.view()
		return v.LocalUser.ID == 0 && v.Selection == NoChatSelected && len(v.Chats) == 0
	})
	waitFor(t, "topics released", func() bool { return h.ch.topicCount() == 0 })
	msgs, err := h.db.ListMessages(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("cache kept %d messages", len(msgs))
	}
	if h.view().Notice == "" {
		t.Error("logout not surfaced")
	}
}

func TestCreateGroup(t *testing.T) {
	h := newHarness(t)
	h.start()
	ctx := context.Background()

	if _, err := h.engine.CreateGroup(ctx, " ", []int64{2}); !errors.Is(err, apperr.Validation) {
		t.Errorf("blank name = %v", err)
	}
	if _, err := h.engine.CreateGroup(ctx, "Team", nil); !errors.Is(err, apperr.Validation) {
		t.Errorf("no members = %v", err)
	}
	if h.srv.CallCount("create_group") != 0 {
		t.Fatal("invalid group reached the server")
	}

	c, err := h.engine.CreateGroup(ctx, "Team", []int64{3, 2, 3})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if c.Kind != store.KindGroup || len(c.Participants) != 3 {
		t.Errorf("group = %+v", c)
	}
	v := h.view()
	if v.Selection != ChatOpen || v.Title != "Team" {
		t.Errorf("selection %s title %q", v.Selection, v.Title)
	}
}

func TestSearchUsers(t *testing.T) {
	h := newHarness(t)
	h.start()

	users, err := h.engine.SearchUsers(context.Background(), "o")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 0 {
		t.Errorf("short term returned %v", users)
	}
	users, err = h.engine.SearchUsers(context.Background(), "car")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].ID != carol.UserID {
		t.Errorf("users = %+v", users)
	}
}

func TestDraftWithSelfRejected(t *testing.T) {
	h := newHarness(t)
	h.start()
	if err := h.engine.StartDraft(store.DraftChat{UserID: alice.UserID}); !errors.Is(err, apperr.Validation) {
		t.Errorf("StartDraft(self) = %v", err)
	}
	if v := h.view(); v.Selection != NoChatSelected {
		t.Errorf("selection = %s", v.Selection)
	}
}

func TestCloseChatClearsSelection(t *testing.T) {
	h := newHarness(t)
	h.srv.AddChat(privateChat(10, bob))
	h.srv.AddTask(resttest.Task{TaskID: 7, ChatID: 10, Description: "buy milk", Status: "pending", User: &bob})
	h.start()
	if err := h.engine.SelectChat(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.BeginCompletion(7); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.CloseChat(); err != nil {
		t.Fatal(err)
	}

	v := h.view()
	if v.Selection != NoChatSelected || v.Header != nil || len(v.Messages) != 0 || len(v.Tasks.Items) != 0 {
		t.Errorf("view after close = %+v", v)
	}

	// A closed chat counts unread again.
	h.ch.deliver(t, transport.ChatTopic(10), frame(1, 10, bob, "later", base))
	if got := h.chatRow(10).Chat.UnreadCount; got != 1 {
		t.Errorf("unread after close = %d, want 1", got)
	}

	if err := h.engine.SelectChat(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	items := h.view().Tasks.Items
	if len(items) != 1 || items[0].State != tasks.Pending {
		t.Errorf("awaiting completion survived close: %+v", items)
	}
}

// Package resttest provides an in-process fake of the server's REST API for
// tests.
package resttest

import (
	"cmp"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
)

// Token is the bearer token the fake accepts by default.
const Token = "test-token"

// TimeLayout is the zone-less layout the server uses for timestamps.
const TimeLayout = "2006-01-02T15:04:05"

type User struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	FullName string `json:"fullName,omitempty"`
}

type Message struct {
	MessageID      int64  `json:"messageId"`
	ChatID         int64  `json:"chatId"`
	SenderID       int64  `json:"senderId"`
	SenderUsername string `json:"senderUsername,omitempty"`
	SenderFullName string `json:"senderFullName,omitempty"`
	Content        string `json:"content"`
	MessageType    string `json:"messageType"`
	SentAt         string `json:"sentAt"`
}

type Chat struct {
	ChatID       int64    `json:"chatId"`
	ChatName     string   `json:"chatName,omitempty"`
	IsGroup      bool     `json:"isGroup"`
	Participants []User   `json:"participants"`
	LastMessage  *Message `json:"lastMessage,omitempty"`
	UnreadCount  int      `json:"unreadCount"`
}

type Task struct {
	TaskID         int64  `json:"taskId"`
	MessageID      int64  `json:"messageId"`
	ChatID         int64  `json:"chatId"`
	User           *User  `json:"user,omitempty"`
	Description    string `json:"description"`
	Status         string `json:"status"`
	DueDate        string `json:"dueDate,omitempty"`
	CompletionNote string `json:"completionNote,omitempty"`
}

// Server is a fake REST API backed by in-memory state.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	token    string
	me       User
	users    map[int64]User
	chats    map[int64]*Chat
	order    []int64
	messages map[int64][]Message
	tasks    map[int64][]*Task
	nextID   int64
	fail     map[string]int
	holds    map[string]chan struct{}
	calls    []string
	// Envelope wraps message pages in {"content": [...]}.
	envelope bool
}

// New starts a fake server that is closed when the test ends. me is the
// user the token belongs to.
func New(t testing.TB, me User) *Server {
	t.Helper()
	s := &Server{
		token:    Token,
		me:       me,
		users:    map[int64]User{me.UserID: me},
		chats:    make(map[int64]*Chat),
		messages: make(map[int64][]Message),
		tasks:    make(map[int64][]*Task),
		nextID:   1000,
		fail:     make(map[string]int),
		holds:    make(map[string]chan struct{}),
		envelope: true,
	}
	s.Server = httptest.NewServer(s.router())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/auth/login", s.login).Methods(http.MethodPost)
	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/users/me", s.getMe).Methods(http.MethodGet)
	api.HandleFunc("/users/search", s.searchUsers).Methods(http.MethodGet)
	api.HandleFunc("/chats", s.listChats).Methods(http.MethodGet)
	api.HandleFunc("/chats/private", s.createPrivate).Methods(http.MethodPost)
	api.HandleFunc("/chats/group", s.createGroup).Methods(http.MethodPost)
	api.HandleFunc("/chats/{id:[0-9]+}", s.getChat).Methods(http.MethodGet)
	api.HandleFunc("/messages/chat/{id:[0-9]+}", s.listMessages).Methods(http.MethodGet)
	api.HandleFunc("/tasks/chat/{id:[0-9]+}", s.listTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id:[0-9]+}", s.getTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id:[0-9]+}/status", s.updateStatus).Methods(http.MethodPut)
	api.HandleFunc("/tasks/{id:[0-9]+}/note", s.addNote).Methods(http.MethodPut)
	return r
}

// Seeding and inspection.

func (s *Server) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.UserID] = u
}

func (s *Server) AddChat(c Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[c.ChatID] = &c
	s.order = append(s.order, c.ChatID)
}

func (s *Server) AddMessage(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ChatID] = append(s.messages[m.ChatID], m)
}

// AddTask puts a task at the head of its chat's list.
func (s *Server) AddTask(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ChatID] = append([]*Task{&t}, s.tasks[t.ChatID]...)
}

// Task returns a copy of a task's server state.
func (s *Server) Task(id int64) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.findTask(id); t != nil {
		return *t, true
	}
	return Task{}, false
}

// ChatCount returns how many chats the server holds.
func (s *Server) ChatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chats)
}

// SetEnvelope selects between the paged envelope and the bare array for
// message pages.
func (s *Server) SetEnvelope(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelope = on
}

// SetToken changes the accepted token.
func (s *Server) SetToken(tok string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = tok
}

// Fail makes a route answer with status. Routes are named like "messages"
// or, for one resource, "messages:7".
func (s *Server) Fail(route string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.fail, route)
		return
	}
	s.fail[route] = status
}

// Hold blocks a route until the returned release func is called.
func (s *Server) Hold(route string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.holds[route] = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.holds, route)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Calls returns the routes served so far.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// CallCount counts served calls of a route.
func (s *Server) CallCount(route string) int {
	n := 0
	for _, c := range s.Calls() {
		if c == route || strings.HasPrefix(c, route+":") {
			n++
		}
	}
	return n
}

// Handlers.

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		want := "Bearer " + s.token
		s.mu.Unlock()
		if r.Header.Get("Authorization") != want {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// enter records the call, applies holds and failures, and reports whether
// the handler should continue.
func (s *Server) enter(w http.ResponseWriter, r *http.Request, route string, id int64) bool {
	key := route
	if id != 0 {
		key = route + ":" + strconv.FormatInt(id, 10)
	}
	s.mu.Lock()
	s.calls = append(s.calls, key)
	hold := s.holds[key]
	if hold == nil {
		hold = s.holds[route]
	}
	s.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return false
		}
	}

	s.mu.Lock()
	status := s.fail[key]
	if status == 0 {
		status = s.fail[route]
	}
	s.mu.Unlock()
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return false
	}
	return true
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, r, "login", 0) {
		return
	}
	var req struct {
		UsernameOrEmail string `json:"usernameOrEmail"`
		Password        string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, map[string]any{"token": s.token, "type": "Bearer", "user": s.me})
}

func (s *Server) getMe(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, r, "me", 0) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, s.me)
}

func (s *Server) searchUsers(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, r, "search", 0) {
		return
	}
	term := strings.ToLower(r.URL.Query().Get("searchTerm"))
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []User{}
	for _, u := range s.users {
		if u.UserID == s.me.UserID {
			continue
		}
		if strings.Contains(strings.ToLower(u.Username), term) || strings.Contains(strings.ToLower(u.FullName), term) {
			out = append(out, u)
		}
	}
	slices.SortFunc(out, func(a, b User) int { return cmp.Compare(a.UserID, b.UserID) })
	writeJSON(w, out)
}

func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, r, "chats", 0) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Chat, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, *s.chats[s.order[i]])
	}
	writeJSON(w, out)
}

func (s *Server) getChat(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if !s.enter(w, r, "chat", id) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, c)
}

func (s *Server) createPrivate(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, r, "create_private", 0) {
		return
	}
	other, err := strconv.ParseInt(r.FormValue("otherUserId"), 10, 64)
	if err != nil {
		http.Error(w, "otherUserId", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[other]
	if !ok {
		http.NotFound(w, r)
		return
	}
	for _, c := range s.chats {
		if !c.IsGroup && slices.ContainsFunc(c.Participants, func(p User) bool { return p.UserID == other }) {
			writeJSON(w, c)
			return
		}
	}
	s.nextID++
	c := &Chat{ChatID: s.nextID, Participants: []User{s.me, u}}
	s.chats[c.ChatID] = c
	s.order = append(s.order, c.ChatID)
	writeJSON(w, c)
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, r, "create_group", 0) {
		return
	}
	name := r.FormValue("chatName")
	s.mu.Lock()
	defer s.mu.Unlock()
	members := []User{s.me}
	for _, raw := range strings.Split(r.FormValue("memberIds"), ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			http.Error(w, "memberIds", http.StatusBadRequest)
			return
		}
		u, ok := s.users[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		members = append(members, u)
	}
	s.nextID++
	c := &Chat{ChatID: s.nextID, ChatName: name, IsGroup: true, Participants: members}
	s.chats[c.ChatID] = c
	s.order = append(s.order, c.ChatID)
	writeJSON(w, c)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if !s.enter(w, r, "messages", id) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := slices.Clone(s.messages[id])
	if msgs == nil {
		msgs = []Message{}
	}
	if s.envelope {
		writeJSON(w, map[string]any{"content": msgs, "number": 0, "size": len(msgs)})
		return
	}
	writeJSON(w, msgs)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if !s.enter(w, r, "tasks", id) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks[id]))
	for _, t := range s.tasks[id] {
		out = append(out, *t)
	}
	writeJSON(w, out)
}

func (s *Server) findTask(id int64) *Task {
	for _, list := range s.tasks {
		for _, t := range list {
			if t.TaskID == id {
				return t
			}
		}
	}
	return nil
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if !s.enter(w, r, "task", id) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.findTask(id)
	if t == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, t)
}

func (s *Server) updateStatus(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	status := r.URL.Query().Get("status")
	if !s.enter(w, r, "status", id) {
		return
	}
	// The two writes are distinguished so tests can fail only one of them.
	if !s.enter(w, r, "status_"+status, id) {
		return
	}
	if status != "pending" && status != "completed" {
		http.Error(w, fmt.Sprintf("bad status %q", status), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.findTask(id)
	if t == nil {
		http.NotFound(w, r)
		return
	}
	t.Status = status
	writeJSON(w, t)
}

func (s *Server) addNote(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if !s.enter(w, r, "note", id) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.findTask(id)
	if t == nil {
		http.NotFound(w, r)
		return
	}
	t.CompletionNote = r.URL.Query().Get("note")
	writeJSON(w, t)
}

// Stamp formats a time the way the server does.
func Stamp(t time.Time) string { return t.Format(TimeLayout) }

package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/todosync/internal/store"
)

// Wire shapes are lenient: the server has used several field names for the
// same value over time. Everything is normalized into store types here and
// nowhere else.

type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	switch strings.ToLower(s) {
	case "true", "1":
		*b = true
	case "false", "0", "null", "":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}

type userDTO struct {
	UserID    int64  `json:"userId"`
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	AvatarURL string `json:"avatarUrl"`
}

func (d userDTO) user() store.User {
	id := d.UserID
	if id == 0 {
		id = d.ID
	}
	return store.User{ID: id, Username: d.Username, FullName: d.FullName, Email: d.Email, AvatarURL: d.AvatarURL}
}

type messageDTO struct {
	MessageID      int64           `json:"messageId"`
	ID             int64           `json:"id"`
	ChatID         int64           `json:"chatId"`
	SenderID       int64           `json:"senderId"`
	SenderUsername string          `json:"senderUsername"`
	SenderFullName string          `json:"senderFullName"`
	Content        string          `json:"content"`
	MessageType    string          `json:"messageType"`
	SentAt         json.RawMessage `json:"sentAt"`
	CreatedAt      json.RawMessage `json:"createdAt"`
	Timestamp      json.RawMessage `json:"timestamp"`
}

type chatDTO struct {
	ChatID          int64       `json:"chatId"`
	ID              int64       `json:"id"`
	ChatName        string      `json:"chatName"`
	Name            string      `json:"name"`
	IsGroup         flexBool    `json:"isGroup"`
	Group           flexBool    `json:"group"`
	Participants    []userDTO   `json:"participants"`
	Members         []userDTO   `json:"members"`
	ParticipantList []userDTO   `json:"participantList"`
	LastMessage     *messageDTO `json:"lastMessage"`
	UnreadCount     int         `json:"unreadCount"`
}

type taskDTO struct {
	TaskID         int64           `json:"taskId"`
	ID             int64           `json:"id"`
	MessageID      int64           `json:"messageId"`
	ChatID         int64           `json:"chatId"`
	User           *userDTO        `json:"user"`
	Description    string          `json:"description"`
	Status         string          `json:"status"`
	DueDate        json.RawMessage `json:"dueDate"`
	CompletionNote string          `json:"completionNote"`
	CompletedAt    json.RawMessage `json:"completedAt"`
}

// ReadReceipt is the payload of a chat's read topic.
type ReadReceipt struct {
	UserID int64 `json:"userId"`
	ChatID int64 `json:"chatId"`
}

// Codec turns server payloads into cache entities. Zone-less timestamps are
// read in Location.
type Codec struct {
	Location *time.Location
}

func (c Codec) loc() *time.Location {
	if c.Location == nil {
		return time.Local
	}
	return c.Location
}

var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseTime accepts an ISO string with or without zone, epoch milliseconds,
// or the [y, m, d, h, min, s, nanos] array form.
func (c Codec) parseTime(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if s == "" {
			return time.Time{}, nil
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, nil
		}
		for _, layout := range localLayouts {
			if t, err := time.ParseInLocation(layout, s, c.loc()); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized time %q", s)
	case '[':
		var parts []int
		if err := json.Unmarshal(raw, &parts); err != nil {
			return time.Time{}, err
		}
		for len(parts) < 7 {
			parts = append(parts, 0)
		}
		if len(parts) > 7 || parts[0] == 0 {
			return time.Time{}, fmt.Errorf("unrecognized time %s", raw)
		}
		return time.Date(parts[0], time.Month(parts[1]), parts[2], parts[3], parts[4], parts[5], parts[6], c.loc()), nil
	default:
		ms, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("unrecognized time %s", raw)
		}
		return time.UnixMilli(ms), nil
	}
}

func (c Codec) optionalTime(raw json.RawMessage) (*time.Time, error) {
	t, err := c.parseTime(raw)
	if err != nil || t.IsZero() {
		return nil, err
	}
	return &t, nil
}

func (c Codec) message(d messageDTO) (store.Message, error) {
	id := d.MessageID
	if id == 0 {
		id = d.ID
	}
	if id == 0 {
		return store.Message{}, fmt.Errorf("message without id")
	}
	var sentAt time.Time
	for _, raw := range []json.RawMessage{d.SentAt, d.CreatedAt, d.Timestamp} {
		t, err := c.parseTime(raw)
		if err != nil {
			return store.Message{}, fmt.Errorf("message %d: %w", id, err)
		}
		if !t.IsZero() {
			sentAt = t
			break
		}
	}
	name := d.SenderFullName
	if name == "" {
		name = d.SenderUsername
	}
	return store.Message{
		ID:          id,
		ChatID:      d.ChatID,
		SenderID:    d.SenderID,
		SenderName:  name,
		Content:     d.Content,
		MessageType: strings.ToUpper(d.MessageType),
		SentAt:      sentAt,
	}, nil
}

func (c Codec) chat(d chatDTO) (store.Chat, error) {
	id := d.ChatID
	if id == 0 {
		id = d.ID
	}
	if id == 0 {
		return store.Chat{}, fmt.Errorf("chat without id")
	}
	out := store.Chat{ID: id, Name: d.ChatName, UnreadCount: d.UnreadCount, Kind: store.KindPrivate}
	if out.Name == "" {
		out.Name = d.Name
	}
	if d.IsGroup || d.Group {
		out.Kind = store.KindGroup
	}
	members := d.Participants
	if len(members) == 0 {
		members = d.Members
	}
	if len(members) == 0 {
		members = d.ParticipantList
	}
	for _, m := range members {
		u := m.user()
		out.Participants = append(out.Participants, store.Participant{
			UserID: u.ID, Username: u.Username, FullName: u.FullName, AvatarURL: u.AvatarURL,
		})
	}
	if d.LastMessage != nil {
		m, err := c.message(*d.LastMessage)
		if err != nil {
			return store.Chat{}, fmt.Errorf("chat %d: %w", id, err)
		}
		s := m.Summary()
		out.LastMessage = &s
	}
	return out, nil
}

func (c Codec) task(d taskDTO) (store.Task, error) {
	id := d.TaskID
	if id == 0 {
		id = d.ID
	}
	if id == 0 {
		return store.Task{}, fmt.Errorf("task without id")
	}
	due, err := c.optionalTime(d.DueDate)
	if err != nil {
		return store.Task{}, fmt.Errorf("task %d due date: %w", id, err)
	}
	completedAt, err := c.optionalTime(d.CompletedAt)
	if err != nil {
		return store.Task{}, fmt.Errorf("task %d completion time: %w", id, err)
	}
	out := store.Task{
		ID:             id,
		ChatID:         d.ChatID,
		MessageID:      d.MessageID,
		Description:    d.Description,
		Status:         strings.ToLower(d.Status),
		DueDate:        due,
		CompletionNote: d.CompletionNote,
		CompletedAt:    completedAt,
	}
	if d.User != nil {
		u := d.User.user()
		out.CreatorID = u.ID
		out.CreatorName = u.DisplayName()
	}
	return out, nil
}

// DecodeMessage decodes a message frame or response body.
func (c Codec) DecodeMessage(body []byte) (store.Message, error) {
	var d messageDTO
	if err := json.Unmarshal(body, &d); err != nil {
		return store.Message{}, fmt.Errorf("decode message: %w", err)
	}
	return c.message(d)
}

// DecodeTask decodes a task frame or response body.
func (c Codec) DecodeTask(body []byte) (store.Task, error) {
	var d taskDTO
	if err := json.Unmarshal(body, &d); err != nil {
		return store.Task{}, fmt.Errorf("decode task: %w", err)
	}
	return c.task(d)
}

// DecodeChat decodes a chat response body.
func (c Codec) DecodeChat(body []byte) (store.Chat, error) {
	var d chatDTO
	if err := json.Unmarshal(body, &d); err != nil {
		return store.Chat{}, fmt.Errorf("decode chat: %w", err)
	}
	return c.chat(d)
}

// DecodeReadReceipt decodes a read-receipt frame.
func (c Codec) DecodeReadReceipt(body []byte) (ReadReceipt, error) {
	var r ReadReceipt
	if err := json.Unmarshal(body, &r); err != nil {
		return ReadReceipt{}, fmt.Errorf("decode read receipt: %w", err)
	}
	return r, nil
}

// DecodeMessagePage accepts both a bare array and a page envelope with a
// content field.
func (c Codec) DecodeMessagePage(body []byte) ([]store.Message, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	var dtos []messageDTO
	if body[0] == '[' {
		if err := json.Unmarshal(body, &dtos); err != nil {
			return nil, fmt.Errorf("decode message page: %w", err)
		}
	} else {
		var env struct {
			Content []messageDTO `json:"content"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("decode message page: %w", err)
		}
		dtos = env.Content
	}
	msgs := make([]store.Message, 0, len(dtos))
	for _, d := range dtos {
		m, err := c.message(d)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

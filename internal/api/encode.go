package api

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/matheus3301/todosync/internal/store"
	intsync "github.com/matheus3301/todosync/internal/sync"
	"github.com/matheus3301/todosync/internal/tasks"
	"google.golang.org/protobuf/types/known/structpb"
)

// Documents are built as map[string]any holding only the types structpb
// accepts, then converted in one place.

func toStruct(doc map[string]any) (*structpb.Struct, error) {
	return structpb.NewStruct(doc)
}

func millis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func optMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func userDoc(u store.User) map[string]any {
	return map[string]any{
		"id":           u.ID,
		"username":     u.Username,
		"full_name":    u.FullName,
		"email":        u.Email,
		"display_name": u.DisplayName(),
	}
}

func chatDoc(c store.Chat, localUserID int64) map[string]any {
	participants := make([]any, 0, len(c.Participants))
	for _, p := range c.Participants {
		participants = append(participants, map[string]any{
			"user_id":   p.UserID,
			"username":  p.Username,
			"full_name": p.FullName,
		})
	}
	doc := map[string]any{
		"id":           c.ID,
		"kind":         string(c.Kind),
		"name":         c.Name,
		"display_name": c.DisplayName(localUserID),
		"unread_count": c.UnreadCount,
		"participants": participants,
	}
	if c.LastMessage != nil {
		doc["last_message"] = map[string]any{
			"message_id":  c.LastMessage.MessageID,
			"sender_id":   c.LastMessage.SenderID,
			"sender_name": c.LastMessage.SenderName,
			"content":     c.LastMessage.Content,
			"sent_at_ms":  millis(c.LastMessage.SentAt),
		}
	}
	return doc
}

func messageDoc(m store.Message) map[string]any {
	return map[string]any{
		"id":           m.ID,
		"chat_id":      m.ChatID,
		"sender_id":    m.SenderID,
		"sender_name":  m.SenderName,
		"content":      m.Content,
		"message_type": m.MessageType,
		"sent_at_ms":   millis(m.SentAt),
	}
}

func taskItemDoc(it tasks.Item) map[string]any {
	t := it.Task
	return map[string]any{
		"id":              t.ID,
		"chat_id":         t.ChatID,
		"message_id":      t.MessageID,
		"creator_id":      t.CreatorID,
		"creator_name":    t.CreatorName,
		"description":     t.Description,
		"status":          t.Status,
		"due_at_ms":       optMillis(t.DueDate),
		"completion_note": t.CompletionNote,
		"completed_at_ms": optMillis(t.CompletedAt),
		"state":           string(it.State),
		"interactive":     it.Interactive,
		"unconfirmed":     it.Unconfirmed,
		"error":           it.Err,
	}
}

func viewDoc(v intsync.View) map[string]any {
	chats := make([]any, 0, len(v.Chats))
	for _, r := range v.Chats {
		doc := chatDoc(r.Chat, v.LocalUser.ID)
		doc["open"] = r.Open
		chats = append(chats, doc)
	}
	messages := make([]any, 0, len(v.Messages))
	for _, m := range v.Messages {
		messages = append(messages, messageDoc(m))
	}
	items := make([]any, 0, len(v.Tasks.Items))
	for _, it := range v.Tasks.Items {
		items = append(items, taskItemDoc(it))
	}
	facets := make(map[string]any, len(v.Facets))
	for k, msg := range v.Facets {
		facets[k] = msg
	}

	doc := map[string]any{
		"generation": float64(v.Generation),
		"local_user": userDoc(v.LocalUser),
		"connected":  v.Connected,
		"selection":  string(v.Selection),
		"title":      v.Title,
		"chats":      chats,
		"messages":   messages,
		"tasks": map[string]any{
			"filter": string(v.Tasks.Filter),
			"items":  items,
			"counts": map[string]any{
				"total":     v.Tasks.Counts.Total,
				"pending":   v.Tasks.Counts.Pending,
				"completed": v.Tasks.Counts.Completed,
			},
		},
		"facets": facets,
		"notice": v.Notice,
	}
	if v.Header != nil {
		doc["header"] = chatDoc(*v.Header, v.LocalUser.ID)
	}
	if v.Draft != nil {
		doc["draft"] = map[string]any{
			"user_id":   v.Draft.UserID,
			"username":  v.Draft.Username,
			"full_name": v.Draft.FullName,
		}
	}
	return doc
}

// payloadValue turns an arbitrary bus payload into a struct value through
// its JSON form.
func payloadValue(payload any) (*structpb.Value, error) {
	if payload == nil {
		return structpb.NewNullValue(), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return structpb.NewValue(generic)
}

// Request argument helpers.

func intArg(in *structpb.Struct, key string) (int64, error) {
	v, ok := in.GetFields()[key]
	if !ok {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || n.NumberValue != math.Trunc(n.NumberValue) {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return int64(n.NumberValue), nil
}

func stringArg(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func intListArg(in *structpb.Struct, key string) ([]int64, error) {
	list := in.GetFields()[key].GetListValue()
	out := make([]int64, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok || n.NumberValue != math.Trunc(n.NumberValue) {
			return nil, fmt.Errorf("%s must hold integers", key)
		}
		out = append(out, int64(n.NumberValue))
	}
	return out, nil
}

func stringListArg(in *structpb.Struct, key string) []string {
	var out []string
	for _, v := range in.GetFields()[key].GetListValue().GetValues() {
		if s := v.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

package transport

import "strconv"

// Server destinations. Every chat has a message topic with read-receipt and
// task siblings.
const (
	DestSendMessage = "/app/chat.sendMessage"
	DestMarkRead    = "/app/chat.markRead"
)

func ChatTopic(chatID int64) string { return "/topic/chat/" + strconv.FormatInt(chatID, 10) }
func ReadTopic(chatID int64) string { return ChatTopic(chatID) + "/read" }
func TaskTopic(chatID int64) string { return ChatTopic(chatID) + "/tasks" }

// SendMessage is the payload published to DestSendMessage.
type SendMessage struct {
	ChatID      int64  `json:"chatId"`
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
}

// MarkRead is the payload published to DestMarkRead.
type MarkRead struct {
	ChatID int64 `json:"chatId"`
	UserID int64 `json:"userId"`
}

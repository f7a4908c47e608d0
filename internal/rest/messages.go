package rest

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/matheus3301/todosync/internal/apperr"
	"github.com/matheus3301/todosync/internal/store"
)

// ListMessages fetches one page of a chat's messages. Both the bare array
// and the paged envelope are accepted; a missing or empty page is empty.
func (c *Client) ListMessages(ctx context.Context, chatID int64, page, size int) ([]store.Message, error) {
	const op = "messages.list"
	data, err := c.do(ctx, call{
		op:     op,
		method: http.MethodGet,
		path:   "/api/messages/chat/" + strconv.FormatInt(chatID, 10),
		query:  url.Values{"page": {strconv.Itoa(page)}, "size": {strconv.Itoa(size)}},
	})
	if apperr.KindOf(err) == apperr.KindNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	msgs, err := c.DecodeMessagePage(data)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if msgs[i].ChatID == 0 {
			msgs[i].ChatID = chatID
		}
	}
	return msgs, nil
}

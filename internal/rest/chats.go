package rest

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/matheus3301/todosync/internal/apperr"
	"github.com/matheus3301/todosync/internal/store"
)

// ListChats returns the user's chats in server order.
func (c *Client) ListChats(ctx context.Context) ([]store.Chat, error) {
	const op = "chats.list"
	data, err := c.do(ctx, call{op: op, method: http.MethodGet, path: "/api/chats"})
	if apperr.KindOf(err) == apperr.KindNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var dtos []chatDTO
	if err := decode(op, data, &dtos); err != nil {
		return nil, err
	}
	chats := make([]store.Chat, 0, len(dtos))
	for _, d := range dtos {
		ch, err := c.chat(d)
		if err != nil {
			return nil, err
		}
		chats = append(chats, ch)
	}
	return chats, nil
}

// GetChat fetches one chat. A chat the server does not know is returned as
// nil without error.
func (c *Client) GetChat(ctx context.Context, id int64) (*store.Chat, error) {
	const op = "chats.get"
	data, err := c.do(ctx, call{op: op, method: http.MethodGet, path: "/api/chats/" + strconv.FormatInt(id, 10)})
	if apperr.KindOf(err) == apperr.KindNotFound {
		return nil, nil
	}
	if err != nil || data == nil {
		return nil, err
	}
	ch, err := c.DecodeChat(data)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// CreatePrivateChat creates (or returns the existing) one-to-one chat with a
// user.
func (c *Client) CreatePrivateChat(ctx context.Context, otherUserID int64) (store.Chat, error) {
	const op = "chats.create_private"
	data, err := c.do(ctx, call{
		op:     op,
		method: http.MethodPost,
		path:   "/api/chats/private",
		form:   url.Values{"otherUserId": {strconv.FormatInt(otherUserID, 10)}},
	})
	if err != nil {
		return store.Chat{}, err
	}
	return c.createdChat(op, data)
}

// CreateGroupChat creates a group chat with the given members.
func (c *Client) CreateGroupChat(ctx context.Context, name string, memberIDs []int64) (store.Chat, error) {
	const op = "chats.create_group"
	ids := make([]string, 0, len(memberIDs))
	for _, id := range memberIDs {
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	data, err := c.do(ctx, call{
		op:     op,
		method: http.MethodPost,
		path:   "/api/chats/group",
		form:   url.Values{"chatName": {name}, "memberIds": {strings.Join(ids, ",")}},
	})
	if err != nil {
		return store.Chat{}, err
	}
	return c.createdChat(op, data)
}

func (c *Client) createdChat(op string, data []byte) (store.Chat, error) {
	if data == nil {
		return store.Chat{}, apperr.NewRejected(op, http.StatusNoContent)
	}
	return c.DecodeChat(data)
}

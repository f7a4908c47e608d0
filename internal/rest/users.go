package rest

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/matheus3301/todosync/internal/apperr"
	"github.com/matheus3301/todosync/internal/store"
)

// MinSearchTerm is the shortest term a user search is sent for.
const MinSearchTerm = 2

// Me resolves the signed-in user.
func (c *Client) Me(ctx context.Context) (store.User, error) {
	const op = "users.me"
	data, err := c.do(ctx, call{op: op, method: http.MethodGet, path: "/api/users/me"})
	if err != nil {
		return store.User{}, err
	}
	var d userDTO
	if err := decode(op, data, &d); err != nil {
		return store.User{}, err
	}
	u := d.user()
	if u.ID == 0 {
		return store.User{}, apperr.NewUnauthorized(op, "server returned no user")
	}
	return u, nil
}

// Login exchanges credentials for a token and installs it in the session.
func (c *Client) Login(ctx context.Context, usernameOrEmail, password string) (store.User, error) {
	const op = "auth.login"
	data, err := c.do(ctx, call{
		op:        op,
		method:    http.MethodPost,
		path:      "/api/auth/login",
		body:      map[string]string{"usernameOrEmail": usernameOrEmail, "password": password},
		anonymous: true,
	})
	if err != nil {
		return store.User{}, err
	}
	var resp struct {
		Token string  `json:"token"`
		Type  string  `json:"type"`
		User  userDTO `json:"user"`
	}
	if err := decode(op, data, &resp); err != nil {
		return store.User{}, err
	}
	if err := c.auth.Set(resp.Token); err != nil {
		return store.User{}, err
	}
	return resp.User.user(), nil
}

// SearchUsers finds users by name. Terms shorter than MinSearchTerm return
// no results without a request.
func (c *Client) SearchUsers(ctx context.Context, term string) ([]store.User, error) {
	const op = "users.search"
	term = strings.TrimSpace(term)
	if len([]rune(term)) < MinSearchTerm {
		return nil, nil
	}
	data, err := c.do(ctx, call{
		op:     op,
		method: http.MethodGet,
		path:   "/api/users/search",
		query:  url.Values{"searchTerm": {term}},
	})
	if apperr.KindOf(err) == apperr.KindNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var dtos []userDTO
	if err := decode(op, data, &dtos); err != nil {
		return nil, err
	}
	users := make([]store.User, 0, len(dtos))
	for _, d := range dtos {
		users = append(users, d.user())
	}
	return users, nil
}

// Package rest is the request/response side of the transport: typed calls
// against the server's REST API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/matheus3301/todosync/internal/apperr"
	"github.com/matheus3301/todosync/internal/auth"
	"go.uber.org/zap"
)

// Options configures a Client.
type Options struct {
	BaseURL  string
	Timeout  time.Duration
	Location *time.Location
	// HTTPClient overrides the default client; its Jar is replaced when nil.
	HTTPClient *http.Client
}

// Client calls the server API with the session's bearer token.
type Client struct {
	Codec

	base *url.URL
	http *http.Client
	auth *auth.Session
	log  *zap.Logger
}

// New creates a client for the server at opts.BaseURL.
func New(opts Options, sess *auth.Session, log *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", opts.BaseURL)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	if hc.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		hc.Jar = jar
	}
	return &Client{
		Codec: Codec{Location: opts.Location},
		base:  base,
		http:  hc,
		auth:  sess,
		log:   log,
	}, nil
}

// BaseURL returns the server root.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

type call struct {
	op        string
	method    string
	path      string
	query     url.Values
	form      url.Values
	body      any
	anonymous bool
}

// do performs one call and returns the response body. An empty body (204 or
// zero length) is returned as nil without error.
func (c *Client) do(ctx context.Context, r call) ([]byte, error) {
	u := c.base.JoinPath(r.path)
	if len(r.query) > 0 {
		u.RawQuery = r.query.Encode()
	}

	var (
		body        io.Reader
		contentType string
	)
	switch {
	case r.form != nil:
		body = strings.NewReader(r.form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case r.body != nil:
		b, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode body: %w", r.op, err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.op, err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if !r.anonymous {
		token, err := c.auth.Token()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.NewNetwork(r.op, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.NewNetwork(r.op, err)
	}
	c.log.Debug("api call",
		zap.String("op", r.op),
		zap.String("method", r.method),
		zap.String("path", u.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.auth.Invalidate(r.op + ": server rejected credentials")
		return nil, apperr.NewUnauthorized(r.op, "server rejected credentials")
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperr.NewNotFound(r.op, u.Path)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, apperr.NewRejected(r.op, resp.StatusCode)
	case resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(data)) == 0:
		return nil, nil
	}
	return data, nil
}

func decode(op string, data []byte, out any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

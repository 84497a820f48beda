// Package notes is the client of the notes REST API: note CRUD,
// collaborator management and user lookups.
package notes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/orchestra-mcp/notesync/src/auth"
	"github.com/orchestra-mcp/notesync/src/editor"
	"github.com/orchestra-mcp/notesync/src/presence"
	"github.com/orchestra-mcp/notesync/src/types"
)

// StatusError is a non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == fasthttp.StatusNotFound
}

// IsUnauthorized reports whether err is a 401 from the API.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == fasthttp.StatusUnauthorized
}

// Client calls the notes API with a bearer token from the gate.
type Client struct {
	baseURL string
	tokens  auth.Source
	http    *fasthttp.Client
	timeout time.Duration
	logger  zerolog.Logger
}

var (
	_ editor.Persister    = (*Client)(nil)
	_ presence.UserLookup = (*Client)(nil)
)

// New creates a Client for the API rooted at baseURL, e.g.
// "http://localhost:5000/api".
func New(baseURL string, tokens auth.Source, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http: &fasthttp.Client{
			Name:                "notesync",
			MaxIdleConnDuration: 30 * time.Second,
		},
		timeout: timeout,
		logger:  logger.With().Str("component", "notes-client").Logger(),
	}
}

// CreateNote creates a note owned by the caller.
func (c *Client) CreateNote(ctx context.Context, title, content string) (*types.Note, error) {
	var n types.Note
	if err := c.do(ctx, fasthttp.MethodPost, "/notes", editor.Document{Title: title, Content: content}, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// GetNote fetches one note.
func (c *Client) GetNote(ctx context.Context, noteID string) (*types.Note, error) {
	var n types.Note
	if err := c.do(ctx, fasthttp.MethodGet, "/notes/"+url.PathEscape(noteID), nil, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// ListNotes returns the notes the caller owns or collaborates on.
func (c *Client) ListNotes(ctx context.Context) ([]types.Note, error) {
	var out []types.Note
	if err := c.do(ctx, fasthttp.MethodGet, "/notes", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateNote replaces a note's title and content.
func (c *Client) UpdateNote(ctx context.Context, noteID string, doc editor.Document) error {
	return c.do(ctx, fasthttp.MethodPut, "/notes/"+url.PathEscape(noteID), doc, nil)
}

// DeleteNote removes a note.
func (c *Client) DeleteNote(ctx context.Context, noteID string) error {
	return c.do(ctx, fasthttp.MethodDelete, "/notes/"+url.PathEscape(noteID), nil, nil)
}

// AddCollaborator grants userID access to a note.
func (c *Client) AddCollaborator(ctx context.Context, noteID, userID string) (*types.Note, error) {
	var n types.Note
	path := "/notes/" + url.PathEscape(noteID) + "/collaborators/" + url.PathEscape(userID)
	if err := c.do(ctx, fasthttp.MethodPost, path, struct{}{}, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// RemoveCollaborator revokes userID's access to a note.
func (c *Client) RemoveCollaborator(ctx context.Context, noteID, userID string) (*types.Note, error) {
	var n types.Note
	path := "/notes/" + url.PathEscape(noteID) + "/collaborators/" + url.PathEscape(userID)
	if err := c.do(ctx, fasthttp.MethodDelete, path, nil, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// LookupUser resolves a user id.
func (c *Client) LookupUser(ctx context.Context, userID string) (types.UserInfo, error) {
	var u types.UserInfo
	err := c.do(ctx, fasthttp.MethodGet, "/users/lookup/"+url.PathEscape(userID), nil, &u)
	return u, err
}

// LookupUserByEmail resolves an email address to a user.
func (c *Client) LookupUserByEmail(ctx context.Context, email string) (types.UserInfo, error) {
	var u types.UserInfo
	err := c.do(ctx, fasthttp.MethodPost, "/users/lookup", map[string]string{"email": email}, &u)
	return u, err
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (types.UserInfo, error) {
	var u types.UserInfo
	err := c.do(ctx, fasthttp.MethodGet, "/users/me", nil, &u)
	return u, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	token, err := c.tokens.CurrentToken(ctx)
	if err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set(types.HeaderAuthorization, "Bearer "+token)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return &types.TransportError{Op: method + " " + path, Err: err}
	}

	status := resp.StatusCode()
	c.logger.Debug().Str("method", method).Str("path", path).Int("status", status).Msg("api call")
	if status < 200 || status >= 300 {
		return &StatusError{Method: method, Path: path, StatusCode: status, Message: errorMessage(resp.Body())}
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return &types.MalformedMessageError{Destination: path, Err: err}
	}
	return nil
}

// errorMessage extracts a message from a JSON {"error":...} or
// {"message":...} body, or returns the trimmed text.
func errorMessage(body []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

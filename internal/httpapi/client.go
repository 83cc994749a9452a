package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/leafsync/internal/sync"
)

// Client talks to one document scope over HTTP. Implements sync.Pusher
// and sync.Puller; Listen additionally feeds pokes into an engine.
type Client struct {
	baseURL string
	scopeID string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient binds a client to a scope on a server base URL.
func NewClient(baseURL, scopeID string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		scopeID: scopeID,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
}

// Push implements sync.Pusher.
func (c *Client) Push(ctx context.Context, clientID string, records []sync.MutationRecord) (sync.PushResult, error) {
	var res sync.PushResult
	err := c.post(ctx, "push", PushRequest{ClientID: clientID, Records: records}, &res)
	return res, err
}

// Pull implements sync.Puller.
func (c *Client) Pull(ctx context.Context, clientID string, since int64) (sync.PullResult, error) {
	var res sync.PullResult
	err := c.post(ctx, "pull", PullRequest{ClientID: clientID, Since: since}, &res)
	return res, err
}

func (c *Client) post(ctx context.Context, op string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", op, err)
	}
	u := fmt.Sprintf("%s/sync/%s/%s", c.baseURL, url.PathEscape(c.scopeID), op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr errorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: server: %s", op, apiErr.Error)
		}
		return fmt.Errorf("%s: unexpected status %d", op, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// Listen dials the scope's poke websocket and pokes the engine on every
// message. Redials on failure until the context ends. Run in its own
// goroutine.
func (c *Client) Listen(ctx context.Context, engine *sync.Engine) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) +
		"/sync/" + url.PathEscape(c.scopeID) + "/poke"

	for ctx.Err() == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			c.logger.Debug("poke dial failed", "scope", c.scopeID, "error", err)
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		go func() {
			<-ctx.Done()
			conn.Close()
		}()

		for {
			var poke Poke
			if err := conn.ReadJSON(&poke); err != nil {
				conn.Close()
				break
			}
			engine.Poke()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

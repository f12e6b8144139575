// Package signaling is the participant side of the relay connection.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/webrtc-roulette/internal/models"
	"github.com/mossy-p/webrtc-roulette/internal/util"
)

const writeWait = 10 * time.Second

// Client is one participant's WebSocket session with the relay. Send is safe
// for concurrent use; Listen must be called from a single goroutine.
type Client struct {
	conn *websocket.Conn

	mu sync.Mutex
}

// Dial connects to the relay at url.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	return &Client{conn: conn}, nil
}

// DialRetry dials with exponential backoff, giving up after retries failed
// attempts or when ctx is done.
func DialRetry(ctx context.Context, url string, retries uint64) (*Client, error) {
	var c *Client
	op := func() error {
		var err error
		c, err = Dial(ctx, url)
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries), ctx)
	notify := func(err error, next time.Duration) {
		util.LogWarning("%v, retrying in %s", err, next.Round(time.Millisecond))
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return c, nil
}

// Send writes msg as one JSON frame.
func (c *Client) Send(msg models.SignalMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// Listen reads frames and passes each decoded message to handle until the
// connection fails. Malformed frames are skipped. The returned error is never
// nil.
func (c *Client) Listen(handle func(models.SignalMessage)) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("relay closed the connection: %w", err)
			}
			return fmt.Errorf("read from relay: %w", err)
		}
		var msg models.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			util.LogWarning("dropped malformed frame: %v", err)
			continue
		}
		handle(msg)
	}
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.conn.Close()
}

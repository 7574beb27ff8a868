package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/rendis/dispatch/internal/bus"
)

// Stream opens the server's websocket event stream. The returned channel is
// closed when ctx is done or the connection drops.
func (c *Client) Stream(ctx context.Context, filter bus.Filter) (<-chan bus.Notification, error) {
	u, err := url.Parse(c.baseURL + "/api/events/stream")
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	if filter.ExecutionID != "" {
		q.Set("execution_id", filter.ExecutionID)
	}
	if len(filter.EventTypes) > 0 {
		q.Set("type", strings.Join(filter.EventTypes, ","))
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}

	out := make(chan bus.Notification, 64)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var n bus.Notification
			if err := conn.ReadJSON(&n); err != nil {
				return
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

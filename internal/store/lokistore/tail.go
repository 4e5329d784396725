package lokistore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/oicur0t/devlogs/internal/store"
	"github.com/oicur0t/devlogs/pkg/models"
	"go.uber.org/zap"
)

// Tail opens a dedicated websocket tail for sel. Loki only replays entries
// newer than start, which is set to the time of the call.
func (c *Client) Tail(ctx context.Context, sel models.Labels) (store.Tail, error) {
	q := url.Values{}
	q.Set("query", sel.String())
	q.Set("start", strconv.FormatInt(c.now().UnixNano(), 10))
	q.Set("delay_for", "0")

	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = c.base.Path + tailPath
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), c.header())
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("tail: dial returned %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("tail: %w", err)
	}

	feed := store.NewFeed(c.buffer, func() {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	})
	go c.readTail(conn, feed, sel)
	go func() {
		select {
		case <-ctx.Done():
			feed.Close()
		case <-feed.Done():
		}
	}()

	c.logger.Debug("Tail opened", zap.String("query", sel.String()))
	return feed, nil
}

// readTail forwards tail messages until the connection fails or the feed is
// closed. A read error after Close is the expected shutdown path.
func (c *Client) readTail(conn *websocket.Conn, feed *store.Feed, sel models.Labels) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-feed.Done():
			default:
				c.logger.Warn("Tail connection lost", zap.String("query", sel.String()), zap.Error(err))
				feed.End(fmt.Errorf("tail: %w", err))
			}
			return
		}

		var msg tailResponse
		if err := decodeJSON(data, &msg); err != nil {
			c.logger.Warn("Skipping undecodable tail message", zap.Error(err))
			continue
		}
		if n := len(msg.DroppedEntries); n > 0 {
			c.logger.Warn("Loki dropped tail entries", zap.String("query", sel.String()), zap.Int("dropped", n))
		}

		streams, err := mergeStreams(msg.Streams)
		if err != nil {
			c.logger.Warn("Skipping undecodable tail message", zap.Error(err))
			continue
		}
		for _, s := range streams {
			if !feed.Send(s) {
				return
			}
		}
	}
}

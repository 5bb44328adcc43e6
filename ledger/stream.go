package ledger

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/openalpha/clob-dex/errs"
)

// streamBuffer bounds updates held between the socket reader and the
// consumer.
const streamBuffer = 256

// StreamUpdates opens the ledger update stream starting after fromOffset.
//
// Updates arrive strictly monotone in offset; out-of-order frames indicate a
// broken server and terminate the stream. The returned channel is closed when
// the connection drops or ctx is cancelled; the consumer reconnects from its
// last processed offset.
func (c *Client) StreamUpdates(ctx context.Context, fromOffset uint64) (<-chan Update, error) {
	url := wsURL(c.config.BaseURL) + fmt.Sprintf("/v1/updates?from=%d", fromOffset)

	header := http.Header{}
	if err := c.authorize(ctx, header); err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, errs.ErrTransient.Wrapf("dial update stream: %v", err)
	}

	ch := make(chan Update, streamBuffer)
	go c.readUpdates(ctx, conn, fromOffset, ch)
	return ch, nil
}

func (c *Client) readUpdates(ctx context.Context, conn *websocket.Conn, fromOffset uint64, ch chan<- Update) {
	defer close(ch)
	defer conn.Close()

	// Close the socket when the context ends so ReadJSON unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	last := fromOffset
	for {
		var update Update
		if err := conn.ReadJSON(&update); err != nil {
			if ctx.Err() == nil {
				c.log.Warn("update stream closed", "err", err, "offset", last)
			}
			return
		}
		if update.Offset <= last {
			c.log.Error("update stream went backwards", "offset", update.Offset, "last", last)
			return
		}
		last = update.Offset

		select {
		case ch <- update:
		case <-ctx.Done():
			return
		}
	}
}

func wsURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

package signal

import (
	"encoding/json"
	"time"

	"github.com/dkeye/talkcaster/internal/domain"
	"github.com/gorilla/websocket"
)

func (c *Client) writePump() {
	ping := time.NewTicker(c.params.ReceiveTimeout * 2 / 3)
	defer func() {
		ping.Stop()
		close(c.writerDone)
	}()

	for {
		select {
		case <-c.done:
			c.logger.Debug().Msg("writePump connection done")
			return
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error().Err(err).Msg("writePump set deadline")
				c.writeFailed(err)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error().Err(err).Msg("writePump write error")
				c.writeFailed(err)
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Warn().Err(err).Msg("writePump ping")
				c.writeFailed(err)
				return
			}
		}
	}
}

func (c *Client) writeFailed(err error) {
	c.fail(err)
	_ = c.conn.Close()
}

func (c *Client) readPump() {
	defer func() {
		close(c.recv)
		c.logger.Debug().Msg("readPump closing")
	}()

	extend := func() { _ = c.conn.SetReadDeadline(time.Now().Add(c.params.ReceiveTimeout)) }
	extend()
	c.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("readPump read error")
			}
			c.fail(err)
			return
		}
		extend()

		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("bad json")
			continue
		}
		select {
		case c.recv <- &msg:
		case <-c.stopped:
			c.fail(errClosed)
			return
		}
	}
}

// forward replays messages held back during the handshake, then relays
// everything else in arrival order. Inbound is closed when the socket is.
func (c *Client) forward(backlog []*domain.Message) {
	defer close(c.inbound)
	deliver := func(m *domain.Message) bool {
		select {
		case c.inbound <- m:
			return true
		case <-c.stopped:
			return false
		}
	}
	for _, m := range backlog {
		if !deliver(m) {
			return
		}
	}
	for m := range c.recv {
		if !deliver(m) {
			return
		}
	}
}

package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one client's websocket connection. It is the delivery channel the
// rest of the system refers to by ID.
type Conn struct {
	conn             *websocket.Conn
	context          context.Context
	id               string
	writeStream      chan *Event
	readStream       chan<- *Event
	closing          chan struct{}
	closeOnce        sync.Once
	notifyDisconnect func()
	ticker           *time.Ticker
	logger           *slog.Logger
	maxMessageSize   int64
}

func (c *Conn) ID() string {
	return c.id
}

// send queues e for writing without blocking. It returns false if the
// connection is closing or its write stream is full.
func (c *Conn) send(e *Event) bool {
	select {
	case <-c.closing:
		return false
	default:
	}
	select {
	case c.writeStream <- e:
		return true
	default:
		return false
	}
}

// close asks the write loop to send a close message and tear the connection
// down. It does not block and may be called more than once.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closing)
	})
}

func (c *Conn) readLoop() {
	c.logger.Debug("read loop started")
	defer func() {
		c.notifyDisconnect()
		c.conn.Close()
		c.logger.Debug("read loop stopped")
	}()

	c.conn.SetReadLimit(c.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		format, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug(fmt.Sprintf("expected close: %v", err))
				return
			}
			if websocket.IsUnexpectedCloseError(err) {
				c.logger.Info(fmt.Sprintf("unexpected close: %v", err))
				return
			}
			if !errors.Is(err, websocket.ErrCloseSent) {
				c.logger.Debug(fmt.Sprintf("NextReader: %v", err))
			}
			return
		}

		if format != websocket.TextMessage {
			c.logger.Warn(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		var event Event
		if err := DecodeEvent(r, &event); err != nil {
			c.logger.Warn(err.Error())
			continue
		}
		event.Channel = c.id
		event.ReceivedAt = time.Now()

		select {
		case c.readStream <- &event:
		case <-c.context.Done():
			return
		}
	}
}

func (c *Conn) writeLoop() {
	c.logger.Debug("write loop started")
	defer func() {
		c.ticker.Stop()
		c.logger.Debug("write loop stopped")
	}()

	for {
		select {
		case e := <-c.writeStream:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Debug(fmt.Sprintf("getting next writer: %v", err))
				c.conn.Close()
				return
			}
			if err := EncodeEvent(w, e); err != nil {
				c.logger.Error(err.Error())
			}
			if err := w.Close(); err != nil {
				c.logger.Debug(fmt.Sprintf("flushing frame: %v", err))
				c.conn.Close()
				return
			}
		case <-c.closing:
			c.writeClose(websocket.CloseNormalClosure)
			return
		case <-c.context.Done():
			c.writeClose(websocket.CloseGoingAway)
			return
		case <-c.ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug(fmt.Sprintf("writing ping: %v", err))
				c.conn.Close()
				return
			}
		}
	}
}

// writeClose sends a close message and closes the underlying connection,
// which unblocks the read loop.
func (c *Conn) writeClose(code int) {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
	c.conn.Close()
}

package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	inboxSize  = 64
)

// ErrClosed is returned by Send after Close or a read failure.
var ErrClosed = errors.New("signaling connection closed")

// Client is one websocket connection to the signaling server.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	inbox   chan Message
	done    chan struct{}
	closing chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial connects to url. header carries e.g. an Authorization bearer token.
func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		fields := logrus.Fields{
			"function": "Dial",
			"url":      url,
			"error":    err.Error(),
		}
		if resp != nil {
			fields["status"] = resp.StatusCode
		}
		logrus.WithFields(fields).Warn("Signaling dial failed")
		return nil, err
	}

	c := &Client{
		conn:    conn,
		inbox:   make(chan Message, inboxSize),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	go c.readPump()
	go c.pingPump()

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"url":      url,
	}).Info("Signaling connected")

	return c, nil
}

// Messages delivers inbound envelopes. It is closed when the connection
// ends.
func (c *Client) Messages() <-chan Message {
	return c.inbox
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send writes one envelope. Safe for concurrent use.
func (c *Client) Send(msg Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Send",
			"type":     string(msg.Type),
			"error":    err.Error(),
		}).Warn("Failed to write signaling message")
		return err
	}
	return nil
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	<-c.done
	return err
}

func (c *Client) readPump() {
	defer func() {
		close(c.inbox)
		close(c.done)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closing:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logrus.WithFields(logrus.Fields{
						"function": "readPump",
						"error":    err.Error(),
					}).Warn("Signaling connection lost")
					c.setErr(err)
				}
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readPump",
				"error":    err.Error(),
			}).Warn("Dropping malformed signaling message")
			continue
		}

		select {
		case c.inbox <- msg:
		case <-c.closing:
			return
		}
	}
}

func (c *Client) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

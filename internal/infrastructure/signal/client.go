package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"peercall/internal/core/domain"
	"peercall/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ClientConfig struct {
	URL          string
	Header       http.Header
	WriteTimeout time.Duration
	Retry        retry.Config
}

// Client is the peer side of the signaling socket.
type Client struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *zap.SugaredLogger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial connects to the relay, backing off between failed attempts. A 4xx
// handshake response is not retried.
func Dial(ctx context.Context, cfg ClientConfig, logger *zap.SugaredLogger) (*Client, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}

	attempt := 0
	conn, err := retry.Do(ctx, cfg.Retry, func() (*websocket.Conn, error) {
		attempt++
		conn, resp, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
		if err == nil {
			return conn, nil
		}
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, retry.Permanent(fmt.Errorf("handshake rejected with %s: %w", resp.Status, err))
		}
		logger.Infow("dial failed", "url", cfg.URL, "attempt", attempt, "error", err)
		return nil, err
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Client{conn: conn, writeTimeout: writeTimeout, logger: logger}, nil
}

// Send writes one event. Safe for concurrent use.
func (c *Client) Send(ctx context.Context, ev domain.Event) error {
	frame, err := EncodeEvent(ev)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Run reads relay messages and passes them to handle until ctx ends or the
// socket fails. Frames that cannot be decoded are skipped.
func (c *Client) Run(ctx context.Context, handle func(domain.Message)) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				c.logger.Debugw("skipping frame", "error", err)
				continue
			}
			return err
		}
		handle(msg)
	}
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

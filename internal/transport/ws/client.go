// Package ws implements transport.Transport over a WebSocket carrying JSON
// event envelopes.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/vedran77/chatsync/internal/transport"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 1 << 20
	sendBufSize    = 256
)

var ErrSendBufferFull = errors.New("ws: send buffer full")

// TokenSource returns the bearer token appended to the dial URL.
type TokenSource func() (string, error)

// Client is a single logical WebSocket connection to the service.
// It never reconnects on its own; a drop is reported to the sink as a
// disconnect event and the connection manager decides what happens next.
type Client struct {
	endpoint string
	tokens   TokenSource
	sink     transport.Sink
	log      zerolog.Logger

	mu      sync.Mutex
	session *session
}

type session struct {
	conn    *websocket.Conn
	send    chan []byte
	cancel  context.CancelFunc
	closing bool
}

func NewClient(endpoint string, tokens TokenSource, sink transport.Sink, log zerolog.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		tokens:   tokens,
		sink:     sink,
		log:      log.With().Str("component", "transport").Logger(),
	}
}

// Connect dials the endpoint and starts the read/write pumps.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialURL, err := c.dialURL()
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, dialURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.endpoint, err)
	}
	conn.SetReadLimit(maxMessageSize)

	runCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:   conn,
		send:   make(chan []byte, sendBufSize),
		cancel: cancel,
	}

	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return c.readPump(gctx, s) })
	g.Go(func() error { return c.writePump(gctx, s) })

	go func() {
		err := g.Wait()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "")

		c.mu.Lock()
		closing := s.closing
		if c.session == s {
			c.session = nil
		}
		c.mu.Unlock()

		if closing {
			return
		}
		c.log.Warn().Err(err).Msg("Connection dropped")
		reason := ""
		if err != nil {
			reason = err.Error()
		}
		evt, _ := transport.NewEvent(transport.EventDisconnect, transport.ErrorPayload{Code: "DROPPED", Message: reason})
		c.sink(*evt)
	}()

	c.log.Info().Str("endpoint", c.endpoint).Msg("Connected")
	return nil
}

// Emit queues an event for the write pump. It never blocks.
func (c *Client) Emit(_ context.Context, evt *transport.Event) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return transport.ErrNotConnected
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", evt.Type, err)
	}
	select {
	case s.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close tears the connection down without reporting a disconnect.
func (c *Client) Close() error {
	c.mu.Lock()
	s := c.session
	if s != nil {
		s.closing = true
		c.session = nil
	}
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	err := s.conn.Close(websocket.StatusNormalClosure, "client closing")
	s.cancel()
	return err
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if c.tokens == nil {
		return u.String(), nil
	}
	token, err := c.tokens()
	if err != nil {
		return "", fmt.Errorf("access token: %w", err)
	}
	// WebSocket can't send headers from browsers, so the server reads ?token=.
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readPump reads events from the WebSocket and hands them to the sink.
func (c *Client) readPump(ctx context.Context, s *session) error {
	for {
		var evt transport.Event
		if err := wsjson.Read(ctx, s.conn, &evt); err != nil {
			if websocket.CloseStatus(err) != -1 {
				return fmt.Errorf("closed by server: %w", err)
			}
			return err
		}
		if evt.Type == "" {
			c.log.Debug().Msg("Dropping event without type")
			continue
		}
		c.sink(evt)
	}
}

// writePump writes queued events and keeps the connection alive with pings.
func (c *Client) writePump(ctx context.Context, s *session) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case message := <-s.send:
			wctx, cancel := context.WithTimeout(ctx, writeWait)
			err := s.conn.Write(wctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				return fmt.Errorf("write: %w", err)
			}

		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeWait)
			err := s.conn.Ping(pctx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

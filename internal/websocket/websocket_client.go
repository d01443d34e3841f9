// Package websocket provides the websocket client used to talk to the upstream price feed.
//
// A Client dials one endpoint, sends its subscription messages, and then decodes every
// incoming frame through a Handler into price ticks on TickChan. Keepalive pings, read
// limits and a single idempotent shutdown path are handled here so the feed package
// only deals with the message format.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"chartfeed/internal/model"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// defaultPingPeriod defines the default interval for sending WebSocket ping messages.
	defaultPingPeriod = 15 * time.Second

	// defaultSendTimeout defines the default timeout for WebSocket write operations.
	defaultSendTimeout = 5 * time.Second

	// defaultReadLimit defines the maximum size of incoming WebSocket messages.
	defaultReadLimit = 1 << 20 // 1MB

	// defaultHandshakeTimeout defines the maximum time allowed for WebSocket handshake.
	defaultHandshakeTimeout = 10 * time.Second

	// tickBuffer is the capacity of TickChan.
	tickBuffer = 1000
)

var (
	// ErrClientShuttingDown indicates that the client is in the process of shutting down.
	ErrClientShuttingDown = errors.New("client is shutting down")
)

// Handler decodes one raw frame and pushes the resulting ticks to ticks.
type Handler func(raw []byte, ticks chan<- model.PriceTick) error

// Config defines settings for the WebSocket client.
type Config struct {
	// Endpoint is the WebSocket URL to connect to. Required.
	Endpoint string

	// Handler is called for each incoming frame. Required.
	Handler Handler

	// TLSInsecureSkip disables TLS certificate verification.
	TLSInsecureSkip bool

	// PingPeriod is the interval between WebSocket ping messages.
	PingPeriod time.Duration

	// SendTimeout is the maximum time allowed for WebSocket write operations.
	SendTimeout time.Duration

	// SubscriptionMessages are written immediately after the connection is established.
	SubscriptionMessages [][]byte
}

// Client wraps a websocket.Conn with lifecycle and message handling logic.
type Client struct {
	conn atomic.Pointer[websocket.Conn]

	// TickChan delivers decoded price ticks in arrival order. It is closed when the
	// read loop exits.
	TickChan chan model.PriceTick

	disconnect chan struct{}
	errChan    chan error

	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	once sync.Once
	wg   sync.WaitGroup
}

// NewWebsocketClient dials cfg.Endpoint, sends the subscription messages and starts
// reading. The client runs until ctx is cancelled or Close is called.
func NewWebsocketClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("message handler is required")
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	ctx, cancel := context.WithCancel(ctx)

	client := &Client{
		TickChan:   make(chan model.PriceTick, tickBuffer),
		disconnect: make(chan struct{}),
		errChan:    make(chan error, 1),
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		logger:     log.With().Str("endpoint", cfg.Endpoint).Logger(),
	}

	if err := client.run(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start client: %w", err)
	}

	return client, nil
}

// run establishes the connection, subscribes, and starts the background goroutines.
func (c *Client) run() error {
	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("initial dial failed: %w", err)
	}

	conn.SetReadLimit(defaultReadLimit)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PingPeriod * 2))
	})

	for _, msg := range c.cfg.SubscriptionMessages {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.logger.Error().Err(err).Msg("subscription error")
			if closeErr := conn.Close(); closeErr != nil {
				c.logger.Warn().Err(closeErr).Msg("error closing connection during cleanup")
			}
			return err
		}
	}

	c.conn.Store(conn)

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.readLoop(conn)
	}()
	go func() {
		defer c.wg.Done()
		c.pingLoop()
	}()
	go func() {
		defer c.wg.Done()
		<-c.ctx.Done()
		c.Close()
	}()

	return nil
}

// readLoop reads frames until the connection fails or the client is closed.
func (c *Client) readLoop(conn *websocket.Conn) {
	logger := c.logger.With().Str("component", "readLoop").Logger()
	defer func() {
		close(c.disconnect)
		close(c.TickChan)
		select {
		case c.errChan <- ErrClientShuttingDown:
		default:
		}
		logger.Debug().Msg("read loop exiting")
	}()

	for {
		if c.ctx.Err() != nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case c.ctx.Err() != nil:
				logger.Debug().Err(err).Msg("read interrupted by shutdown")
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Info().Err(err).Msg("websocket closed normally")
			case websocket.IsUnexpectedCloseError(err):
				logger.Warn().Err(err).Msg("unexpected websocket closure")
			default:
				logger.Error().Err(err).Msg("read error")
			}
			select {
			case c.errChan <- err:
			default:
			}
			return
		}

		c.handle(data)
	}
}

// handle runs the handler on one frame, recovering from handler panics.
func (c *Client) handle(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Any("recover", r).Msg("panic in message handler")
		}
	}()

	if err := c.cfg.Handler(data, c.TickChan); err != nil {
		c.logger.Warn().Err(err).Msg("error handling feed message")
	}
}

// pingLoop keeps the connection alive until the client is closed.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			conn := c.conn.Load()
			if conn == nil {
				continue
			}
			deadline := time.Now().Add(c.cfg.SendTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Warn().Err(err).Msg("ping error")
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Close shuts the client down. It is safe to call more than once and from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		c.cancel()

		if conn := c.conn.Load(); conn != nil {
			if err := conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			); err != nil {
				c.logger.Debug().Err(err).Msg("failed to send close frame")
			}
			if err := conn.Close(); err != nil {
				c.logger.Debug().Err(err).Msg("error closing websocket connection")
			}
		}

		c.logger.Debug().Msg("websocket client closed")
	})
}

// Wait blocks until every background goroutine has exited or timeout elapses.
func (c *Client) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// dial establishes the WebSocket connection.
func (c *Client) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(c.ctx, c.cfg.Endpoint, make(http.Header))
	if err != nil {
		if resp != nil {
			c.logger.Error().Err(err).Int("statusCode", resp.StatusCode).Msg("connection failed")
		} else {
			c.logger.Error().Err(err).Msg("connection failed")
		}
		return nil, err
	}

	c.logger.Info().Msg("websocket connection established")
	return conn, nil
}

// DisconnectChan returns a channel that is closed when the connection is lost or closed.
func (c *Client) DisconnectChan() <-chan struct{} {
	return c.disconnect
}

// ErrChan returns a channel that emits the terminal read error.
func (c *Client) ErrChan() <-chan error {
	return c.errChan
}

package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"collabSync/backend/internal/protocol"
)

var ErrNotConnected = errors.New("NOT_CONNECTED")

type ClientOptions struct {
	PongWait  time.Duration
	WriteWait time.Duration
	// 重连退避
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 200 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	return o
}

// Client 客户端 websocket 传输，断线后指数退避重连。实现 collab.Transport
type Client struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	opts   ClientOptions
	log    zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewClient(url string, header http.Header, opts ClientOptions, log zerolog.Logger) *Client {
	return &Client{
		url:    url,
		header: header,
		dialer: websocket.DefaultDialer,
		opts:   opts.withDefaults(),
		log:    log,
	}
}

func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(c.opts.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, protocol.Encode(msg)); err != nil {
		return xerrors.Errorf("send %s: %w", msg.Type(), err)
	}
	return nil
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run 连接并读消息直到 ctx 结束；每次（重新）连上后先调 onConnect
func (c *Client) Run(ctx context.Context, onConnect func(context.Context) error, onMessage func(context.Context, protocol.Message) error) error {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			return err
		}
		c.setConn(conn)
		if onConnect != nil {
			if err := onConnect(ctx); err != nil {
				c.log.Warn().Err(err).Msg("on connect")
			}
		}
		err = c.readLoop(ctx, conn, onMessage)
		c.setConn(nil)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn().Err(err).Msg("connection lost, reconnecting")
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	// 一直重试，直到 ctx 结束
	b.MaxElapsedTime = 0

	var conn *websocket.Conn
	op := func() error {
		ws, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return err
		}
		conn = ws
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.Debug().Err(err).Dur("wait", wait).Str("url", c.url).Msg("dial failed")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, xerrors.Errorf("dial %s: %w", c.url, err)
	}
	c.log.Info().Str("url", c.url).Msg("connected")
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, onMessage func(context.Context, protocol.Message) error) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.WriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		if typ != websocket.BinaryMessage {
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("drop malformed frame")
			continue
		}
		if onMessage == nil {
			continue
		}
		if err := onMessage(ctx, msg); err != nil {
			c.log.Warn().Err(err).Str("type", msg.Type().String()).Msg("handle message")
		}
	}
}

// Close 主动断开当前连接；Run 会按 ctx 决定是否重连
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.opts.WriteWait))
	return c.conn.Close()
}

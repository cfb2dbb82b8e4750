package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/protocol"
)

const (
	defaultPingInterval   = 10 * time.Second
	defaultPongWait       = 30 * time.Second
	defaultWriteWait      = 5 * time.Second
	defaultSendQueue      = 256
	defaultMaxMessageSize = 4 << 20
	defaultPresenceTTL    = 60 * time.Second
	actorCallTimeout      = 5 * time.Second
)

type Options struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	// 每条连接的发送队列长度，满了丢消息，客户端按修订号缺口补拉
	SendQueue      int
	MaxMessageSize int64
	PresenceTTL    time.Duration
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.SendQueue <= 0 {
		o.SendQueue = defaultSendQueue
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = defaultPresenceTTL
	}
	return o
}

// Conn 一条服务端 websocket 连接，也是它订阅的各个对象 actor 眼里的 Peer。
// 订阅关系只在读循环里修改，不需要加锁。
type Conn struct {
	ws        *websocket.Conn
	hub       *Hub
	objects   *collab.Manager
	sessionID string
	userID    uint64
	username  string
	opts      Options
	log       zerolog.Logger

	send chan []byte
	done chan struct{}
	once sync.Once

	subs map[string]*collab.ServerHandle
}

func NewConn(ws *websocket.Conn, hub *Hub, objects *collab.Manager, userID uint64, username string, opts Options, log zerolog.Logger) *Conn {
	opts = opts.withDefaults()
	id := xid.New().String()
	return &Conn{
		ws:        ws,
		hub:       hub,
		objects:   objects,
		sessionID: id,
		userID:    userID,
		username:  username,
		opts:      opts,
		log:       log.With().Str("session_id", id).Uint64("user_id", userID).Logger(),
		send:      make(chan []byte, opts.SendQueue),
		done:      make(chan struct{}),
		subs:      make(map[string]*collab.ServerHandle),
	}
}

func (c *Conn) SessionID() string { return c.sessionID }

// Deliver actor 调用，不能阻塞
func (c *Conn) Deliver(msg protocol.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- protocol.Encode(msg):
		return true
	default:
		return false
	}
}

// Serve 启动写循环并阻塞在读循环上，连接断开后退订全部对象
func (c *Conn) Serve(ctx context.Context) {
	go c.writeLoop()
	defer c.shutdown()
	c.readLoop(ctx)
}

func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.refreshPresence(ctx)
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("read message")
			} else {
				c.log.Debug().Err(err).Msg("connection closed")
			}
			return
		}
		if typ != websocket.BinaryMessage {
			c.log.Debug().Int("frame_type", typ).Msg("ignore non-binary frame")
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("drop malformed frame")
			continue
		}
		if err := c.handle(ctx, msg); err != nil {
			c.log.Warn().Err(err).Str("object_id", msg.Object()).Str("type", msg.Type().String()).Msg("handle message")
		}
	}
}

func (c *Conn) handle(ctx context.Context, msg protocol.Message) error {
	ctx, cancel := context.WithTimeout(ctx, actorCallTimeout)
	defer cancel()
	switch m := msg.(type) {
	case protocol.PushRev:
		h, err := c.subscribe(ctx, m.Object())
		if err != nil {
			return err
		}
		return h.ApplyRemoteRevision(ctx, m.Revision, c)
	case protocol.PullRev:
		h, err := c.subscribe(ctx, m.Object())
		if err != nil {
			return err
		}
		_, err = h.PullRevisions(ctx, m.Start, m.End, c)
		return err
	case protocol.NewObjectUser:
		_, err := c.subscribe(ctx, m.Object())
		return err
	case protocol.Acked, protocol.Conflict:
		return nil
	default:
		return xerrors.Errorf("message %T: %w", msg, protocol.ErrUnknownType)
	}
}

// subscribe 第一次收到某对象的消息时订阅它
func (c *Conn) subscribe(ctx context.Context, objectID string) (*collab.ServerHandle, error) {
	if h, ok := c.subs[objectID]; ok && !h.Closed() {
		return h, nil
	}
	h, err := c.objects.Acquire(ctx, objectID)
	if err != nil {
		return nil, xerrors.Errorf("acquire %s: %w", objectID, err)
	}
	if err := h.Subscribe(ctx, c, c.userID, c.username); err != nil {
		c.objects.Release(ctx, objectID)
		return nil, xerrors.Errorf("subscribe %s: %w", objectID, err)
	}
	c.subs[objectID] = h
	c.hub.Join(ctx, objectID, c)
	c.log.Info().Str("object_id", objectID).Msg("subscribed")
	return h, nil
}

func (c *Conn) refreshPresence(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	for objectID := range c.subs {
		c.hub.touch(ctx, objectID, c)
	}
}

// shutdown 退订全部对象；最后一个订阅者离开时 actor 关闭
func (c *Conn) shutdown() {
	c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), actorCallTimeout)
	defer cancel()
	for objectID, h := range c.subs {
		if _, err := h.Unsubscribe(ctx, c.sessionID); err != nil && !errors.Is(err, collab.ErrActorClosed) {
			c.log.Warn().Err(err).Str("object_id", objectID).Msg("unsubscribe")
		}
		c.hub.Leave(ctx, objectID, c)
		c.objects.Release(ctx, objectID)
	}
	c.subs = nil
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
				c.log.Debug().Err(err).Msg("write message")
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug().Err(err).Msg("write ping")
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

var _ collab.Peer = (*Conn)(nil)

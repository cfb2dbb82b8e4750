package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/protocol"
	"collabSync/backend/internal/revision"
)

var (
	ErrActorClosed    = errors.New("ACTOR_CLOSED")
	ErrMailboxTimeout = errors.New("MAILBOX_TIMEOUT")
)

// Peer 订阅了某个对象的一条连接
type Peer interface {
	SessionID() string
	// Deliver 不能阻塞；投递失败返回 false，由客户端按修订号缺口自行补拉
	Deliver(msg protocol.Message) bool
}

// Command actor 邮箱里的消息，只有本包内的类型实现。
// 每个命令自带容量为 1 的回复通道，actor 回复时不会阻塞。
type Command interface {
	fail(err error)
}

type EditResult struct {
	RevID int64
	Text  string
	Err   error
}

type Snapshot struct {
	ObjectID string
	RevID    int64
	Content  delta.Delta
	Text     string
	// 客户端：没有在途和待发送的本地编辑
	Synced bool
}

type PullResult struct {
	Revisions []*revision.Revision
	Err       error
}

// ApplyLocalEdit 本端发起的编辑，delta 作用在当前文档上
type ApplyLocalEdit struct {
	Delta    delta.Delta
	AuthorID string
	reply    chan EditResult
}

// ApplyRemoteRevision 对端发来的修订；服务端上 From 为发送方连接
type ApplyRemoteRevision struct {
	Revision *revision.Revision
	From     Peer
	reply    chan error
}

type Undo struct {
	AuthorID string
	reply    chan EditResult
}

type Redo struct {
	AuthorID string
	reply    chan EditResult
}

type ReadSnapshot struct {
	reply chan Snapshot
}

type Close struct {
	reply chan error
}

// Subscribe 服务端：登记一个订阅者，并向其他订阅者广播新用户
type Subscribe struct {
	Peer     Peer
	UserID   uint64
	Username string
	reply    chan error
}

type Unsubscribe struct {
	SessionID string
	reply     chan int
}

// PullRevisions 服务端：To 非 nil 时把修订逐个推给它，否则通过回复返回
type PullRevisions struct {
	Start int64
	End   int64
	To    Peer
	reply chan PullResult
}

// AckRevision 客户端：服务端确认了在途编辑
type AckRevision struct {
	RevID int64
	reply chan error
}

// Connected 客户端：传输层（重新）连上，补拉并重发在途编辑
type Connected struct {
	reply chan error
}

func (c ApplyLocalEdit) fail(err error)      { c.reply <- EditResult{Err: err} }
func (c ApplyRemoteRevision) fail(err error) { c.reply <- err }
func (c Undo) fail(err error)                { c.reply <- EditResult{Err: err} }
func (c Redo) fail(err error)                { c.reply <- EditResult{Err: err} }
func (c ReadSnapshot) fail(error)            { c.reply <- Snapshot{} }
func (c Close) fail(err error)               { c.reply <- err }
func (c Subscribe) fail(err error)           { c.reply <- err }
func (c Unsubscribe) fail(error)             { c.reply <- 0 }
func (c PullRevisions) fail(err error)       { c.reply <- PullResult{Err: err} }
func (c AckRevision) fail(err error)         { c.reply <- err }
func (c Connected) fail(err error)           { c.reply <- err }

const (
	defaultMailboxSize    = 256
	defaultMailboxTimeout = 5 * time.Second
)

// mailbox 有界邮箱：满了以后发送方阻塞，直到 actor 取走、actor 退出或超时
type mailbox struct {
	objectID string
	ch       chan Command
	done     chan struct{}
	timeout  time.Duration
}

func newMailbox(objectID string, size int, timeout time.Duration) *mailbox {
	if size <= 0 {
		size = defaultMailboxSize
	}
	if timeout <= 0 {
		timeout = defaultMailboxTimeout
	}
	return &mailbox{objectID: objectID, ch: make(chan Command, size), done: make(chan struct{}), timeout: timeout}
}

func (m *mailbox) send(ctx context.Context, cmd Command) error {
	select {
	case <-m.done:
		return fmt.Errorf("send to %s: %w", m.objectID, ErrActorClosed)
	default:
	}
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case m.ch <- cmd:
		return nil
	case <-m.done:
		return fmt.Errorf("send to %s: %w", m.objectID, ErrActorClosed)
	case <-timer.C:
		return fmt.Errorf("send to %s after %s: %w", m.objectID, m.timeout, ErrMailboxTimeout)
	case <-ctx.Done():
		return fmt.Errorf("send to %s: %w", m.objectID, ctx.Err())
	}
}

func (m *mailbox) closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// drain actor 退出后把邮箱里剩下的命令全部以 ErrActorClosed 回复
func (m *mailbox) drain() {
	for {
		select {
		case cmd := <-m.ch:
			cmd.fail(ErrActorClosed)
		default:
			return
		}
	}
}

// await 等回复。actor 已退出时先看一眼回复通道，避免丢掉退出前发出的回复
func await[T any](ctx context.Context, m *mailbox, reply chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-m.done:
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, fmt.Errorf("await %s: %w", m.objectID, ErrActorClosed)
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func call[T any](ctx context.Context, m *mailbox, cmd Command, reply chan T) (T, error) {
	if err := m.send(ctx, cmd); err != nil {
		var zero T
		return zero, err
	}
	return await(ctx, m, reply)
}

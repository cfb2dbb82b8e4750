package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/protocol"
	"collabSync/backend/internal/revision"
)

const (
	eventEnqueueTimeout = 50 * time.Millisecond
	snapshotSaveTimeout = 5 * time.Second
)

// SnapshotSaver 定期保存整篇文本，供外部查询
type SnapshotSaver interface {
	SaveDocumentSnapshot(ctx context.Context, objectID string, revID int64, content string) error
}

type ServerOptions struct {
	MailboxSize    int
	MailboxTimeout time.Duration
	// 每提交 SnapshotEvery 个修订保存一次文本快照，0 表示只在关闭时保存
	SnapshotEvery int
	HistoryLimit  int
}

// pushRecord 作者最近一次推送及给它的回复，用于识别重发
type pushRecord struct {
	base  int64
	md5   string
	reply protocol.Message
}

// serverActor 一个对象的权威副本，所有状态只在 run 所在的 goroutine 上读写
type serverActor struct {
	objectID  string
	doc       *Document
	cache     *revision.Cache
	histories map[string]*History // 按作者分开的撤销栈
	peers     map[string]Peer
	lastPush  map[string]pushRecord
	events    EventPublisher
	snapshots SnapshotSaver
	opts      ServerOptions
	box       *mailbox
	sinceSave int
	log       zerolog.Logger
}

// ServerHandle 服务端 actor 的对外句柄，可以并发使用
type ServerHandle struct {
	objectID string
	box      *mailbox
}

func startServerActor(doc *Document, cache *revision.Cache, objectID string, events EventPublisher, snapshots SnapshotSaver, opts ServerOptions, log zerolog.Logger) *ServerHandle {
	a := &serverActor{
		objectID:  objectID,
		doc:       doc,
		cache:     cache,
		histories: make(map[string]*History),
		peers:     make(map[string]Peer),
		lastPush:  make(map[string]pushRecord),
		events:    events,
		snapshots: snapshots,
		opts:      opts,
		box:       newMailbox(objectID, opts.MailboxSize, opts.MailboxTimeout),
		log:       log.With().Str("object_id", objectID).Logger(),
	}
	go a.run()
	return &ServerHandle{objectID: objectID, box: a.box}
}

func (h *ServerHandle) ObjectID() string { return h.objectID }

func (h *ServerHandle) Closed() bool { return h.box.closed() }

func (h *ServerHandle) ApplyLocalEdit(ctx context.Context, d delta.Delta, authorID string) (EditResult, error) {
	reply := make(chan EditResult, 1)
	res, err := call(ctx, h.box, ApplyLocalEdit{Delta: d, AuthorID: authorID, reply: reply}, reply)
	if err != nil {
		return res, err
	}
	return res, res.Err
}

// ApplyRemoteRevision 结果（Acked / 修正 / 快照）通过 from.Deliver 发回；返回的错误只表示修订被拒绝
func (h *ServerHandle) ApplyRemoteRevision(ctx context.Context, rev *revision.Revision, from Peer) error {
	reply := make(chan error, 1)
	err, callErr := call(ctx, h.box, ApplyRemoteRevision{Revision: rev, From: from, reply: reply}, reply)
	if callErr != nil {
		return callErr
	}
	return err
}

func (h *ServerHandle) Undo(ctx context.Context, authorID string) (EditResult, error) {
	reply := make(chan EditResult, 1)
	res, err := call(ctx, h.box, Undo{AuthorID: authorID, reply: reply}, reply)
	if err != nil {
		return res, err
	}
	return res, res.Err
}

func (h *ServerHandle) Redo(ctx context.Context, authorID string) (EditResult, error) {
	reply := make(chan EditResult, 1)
	res, err := call(ctx, h.box, Redo{AuthorID: authorID, reply: reply}, reply)
	if err != nil {
		return res, err
	}
	return res, res.Err
}

func (h *ServerHandle) ReadSnapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	return call(ctx, h.box, ReadSnapshot{reply: reply}, reply)
}

func (h *ServerHandle) Subscribe(ctx context.Context, p Peer, userID uint64, username string) error {
	reply := make(chan error, 1)
	err, callErr := call(ctx, h.box, Subscribe{Peer: p, UserID: userID, Username: username, reply: reply}, reply)
	if callErr != nil {
		return callErr
	}
	return err
}

// Unsubscribe 返回剩余订阅者数量
func (h *ServerHandle) Unsubscribe(ctx context.Context, sessionID string) (int, error) {
	reply := make(chan int, 1)
	return call(ctx, h.box, Unsubscribe{SessionID: sessionID, reply: reply}, reply)
}

// PullRevisions to 为 nil 时通过返回值拿到修订
func (h *ServerHandle) PullRevisions(ctx context.Context, start, end int64, to Peer) ([]*revision.Revision, error) {
	reply := make(chan PullResult, 1)
	res, err := call(ctx, h.box, PullRevisions{Start: start, End: end, To: to, reply: reply}, reply)
	if err != nil {
		return nil, err
	}
	return res.Revisions, res.Err
}

// Close 做最后一次 checkpoint 并退出；重复调用返回 ErrActorClosed
func (h *ServerHandle) Close(ctx context.Context) error {
	reply := make(chan error, 1)
	err, callErr := call(ctx, h.box, Close{reply: reply}, reply)
	if callErr != nil {
		return callErr
	}
	return err
}

func (a *serverActor) run() {
	defer func() {
		close(a.box.done)
		a.box.drain()
	}()
	for cmd := range a.box.ch {
		if stop := a.handle(cmd); stop {
			return
		}
	}
}

func (a *serverActor) handle(cmd Command) (stop bool) {
	ctx := context.Background()
	switch c := cmd.(type) {
	case ApplyLocalEdit:
		if err := delta.Validate(c.Delta); err != nil {
			c.reply <- EditResult{RevID: a.doc.RevID(), Text: a.doc.Text(), Err: err}
			break
		}
		c.reply <- a.applyLocal(ctx, delta.Normalize(c.Delta), c.AuthorID, false)
	case ApplyRemoteRevision:
		c.reply <- a.applyRemote(ctx, c.Revision, c.From)
	case Undo:
		c.reply <- a.undoRedo(ctx, c.AuthorID, true)
	case Redo:
		c.reply <- a.undoRedo(ctx, c.AuthorID, false)
	case ReadSnapshot:
		c.reply <- a.snapshot()
	case Subscribe:
		a.subscribe(c)
		c.reply <- nil
	case Unsubscribe:
		delete(a.peers, c.SessionID)
		c.reply <- len(a.peers)
	case PullRevisions:
		revs, err := a.pull(ctx, c.Start, c.End, c.To)
		c.reply <- PullResult{Revisions: revs, Err: err}
	case Close:
		c.reply <- a.shutdown()
		return true
	default:
		cmd.fail(fmt.Errorf("server actor: unsupported command %T", cmd))
	}
	return false
}

func (a *serverActor) snapshot() Snapshot {
	return Snapshot{ObjectID: a.objectID, RevID: a.doc.RevID(), Content: a.doc.Content(), Text: a.doc.Text(), Synced: true}
}

func (a *serverActor) subscribe(c Subscribe) {
	a.peers[c.Peer.SessionID()] = c.Peer
	if c.UserID == 0 && c.Username == "" {
		return
	}
	a.broadcast(protocol.NewObjectUser{ObjectID: a.objectID, UserID: c.UserID, Username: c.Username}, c.Peer.SessionID())
}

// applyLocal 服务端本地发起的编辑（HTTP 接口、撤销/重做），提交后广播给所有订阅者
func (a *serverActor) applyLocal(ctx context.Context, d delta.Delta, authorID string, fromHistory bool) EditResult {
	before := a.doc.Content()
	rev, err := a.commit(ctx, d, authorID)
	if err != nil {
		return EditResult{Err: err}
	}
	if !fromHistory {
		a.historyOf(authorID).Record(d, before)
	}
	a.rebaseHistories(d, authorID)
	a.ack(ctx, rev.RevID)
	a.broadcast(protocol.PushRev{Revision: rev}, "")
	return EditResult{RevID: rev.RevID, Text: a.doc.Text()}
}

func (a *serverActor) undoRedo(ctx context.Context, authorID string, undo bool) EditResult {
	var (
		d   delta.Delta
		err = ErrNothingToUndo
	)
	h, ok := a.histories[authorID]
	switch {
	case !ok:
	case undo:
		d, err = h.Undo()
	default:
		d, err = h.Redo()
	}
	if err != nil {
		return EditResult{RevID: a.doc.RevID(), Text: a.doc.Text(), Err: err}
	}
	before := a.doc.Content()
	res := a.applyLocal(ctx, d, authorID, true)
	if res.Err != nil {
		h.Clear()
		return res
	}
	if undo {
		h.Undone(d, before)
	} else {
		h.Redone(d, before)
	}
	return res
}

// historyOf 作者的撤销栈，不存在时创建
func (a *serverActor) historyOf(authorID string) *History {
	h, ok := a.histories[authorID]
	if !ok {
		h = NewHistory(a.opts.HistoryLimit)
		a.histories[authorID] = h
	}
	return h
}

// rebaseHistories committed 已经作用到文档上，把除 skip 之外所有作者的栈变换到它之后。
// 作者自己的编辑不需要变换：栈里下一项本来就作用在撤销这次编辑之后的文档上
func (a *serverActor) rebaseHistories(committed delta.Delta, skip string) {
	for author, h := range a.histories {
		if author == skip {
			continue
		}
		if err := h.Rebase(committed); err != nil {
			a.log.Warn().Err(err).Str("author_id", author).Msg("undo history dropped")
		}
	}
}

// applyRemote 处理客户端推来的编辑：
// base 等于当前修订时直接提交并回 Acked；base 落后时把 base 之后的历史和它做变换，
// 提交变换后的编辑，给作者回一个修正；其他无法对齐的情况给作者发快照。
func (a *serverActor) applyRemote(ctx context.Context, rev *revision.Revision, from Peer) error {
	if err := rev.Verify(); err != nil {
		a.log.Warn().Err(err).Str("author_id", rev.AuthorID).Msg("drop revision")
		return err
	}
	if rev.Kind != revision.KindEdit {
		return fmt.Errorf("client pushed %s: %w", rev, revision.ErrMalformedRevision)
	}
	if rec, ok := a.lastPush[rev.AuthorID]; ok && rec.base == rev.BaseRevID && rec.md5 == rev.MD5 {
		a.log.Debug().Str("author_id", rev.AuthorID).Int64("base_rev_id", rev.BaseRevID).Msg("resend, reply again")
		a.deliver(from, rec.reply)
		return nil
	}
	c, err := rev.Delta()
	if err != nil {
		return err
	}

	n := a.doc.RevID()
	switch {
	case rev.BaseRevID > n:
		a.log.Warn().Str("author_id", rev.AuthorID).Int64("base_rev_id", rev.BaseRevID).Int64("rev_id", n).
			Msg("client ahead of server, send snapshot")
		a.sendSnapshot(from)
		return nil

	case rev.BaseRevID == n:
		if c.BaseLength() != a.doc.Len() {
			a.sendSnapshot(from)
			return nil
		}
		committed, err := a.commit(ctx, c, rev.AuthorID)
		if err != nil {
			return err
		}
		a.rebaseHistories(c, "")
		reply := protocol.Acked{ObjectID: a.objectID, RevID: committed.RevID}
		a.replyTo(ctx, from, rev, reply, committed)
		return nil

	default:
		history, err := a.cache.GetRange(ctx, revision.RevRange{Start: rev.BaseRevID + 1, End: n})
		if err != nil {
			a.log.Warn().Err(err).Int64("base_rev_id", rev.BaseRevID).Msg("history unavailable, send snapshot")
			a.sendSnapshot(from)
			return nil
		}
		if reply := a.findCommitted(history, rev, c); reply != nil {
			// 之前已经提交过，只是回复丢了（actor 可能已经重启过）
			a.log.Debug().Str("author_id", rev.AuthorID).Int64("base_rev_id", rev.BaseRevID).Msg("already committed, reply again")
			a.replyTo(ctx, from, rev, reply, nil)
			return nil
		}
		serverPrime, clientPrime, err := ResolveStale(history, c)
		if err != nil {
			a.log.Warn().Err(err).Int64("base_rev_id", rev.BaseRevID).Msg("cannot transform, send snapshot")
			a.sendSnapshot(from)
			return nil
		}
		committed, err := a.commit(ctx, serverPrime, rev.AuthorID)
		if err != nil {
			return err
		}
		a.rebaseHistories(serverPrime, "")
		corr := revision.New(a.objectID, rev.BaseRevID, committed.RevID, clientPrime, "", revision.KindCorrection)
		a.replyTo(ctx, from, rev, protocol.PushRev{Revision: corr}, committed)
		return nil
	}
}

// replyTo 先回作者，再把 committed 广播给其他订阅者
func (a *serverActor) replyTo(ctx context.Context, from Peer, rev *revision.Revision, reply protocol.Message, committed *revision.Revision) {
	a.lastPush[rev.AuthorID] = pushRecord{base: rev.BaseRevID, md5: rev.MD5, reply: reply}
	a.deliver(from, reply)
	if committed == nil {
		return
	}
	a.ack(ctx, committed.RevID)
	exclude := ""
	if from != nil {
		exclude = from.SessionID()
	}
	a.broadcast(protocol.PushRev{Revision: committed}, exclude)
}

// findCommitted 在 base 之后的历史里找同一作者、同一次推送的提交记录，找到时返回当时应回的消息。
// 过期推送提交的是变换后的 serverPrime，所以对历史里第 i 条候选，
// 用它之前的 history[:i] 重新做一次 ResolveStale，结果的 md5 相同就说明是同一次推送。
// 只依赖已提交的修订，actor 重启后仍然成立
func (a *serverActor) findCommitted(history []*revision.Revision, rev *revision.Revision, c delta.Delta) protocol.Message {
	for i, h := range history {
		if h.AuthorID != rev.AuthorID || h.Kind != revision.KindEdit {
			continue
		}
		if i == 0 {
			if h.BaseRevID == rev.BaseRevID && h.MD5 == rev.MD5 {
				return protocol.Acked{ObjectID: a.objectID, RevID: h.RevID}
			}
			continue
		}
		serverPrime, clientPrime, err := ResolveStale(history[:i], c)
		if err != nil || revision.Checksum(serverPrime.Bytes()) != h.MD5 {
			continue
		}
		corr := revision.New(a.objectID, rev.BaseRevID, h.RevID, clientPrime, "", revision.KindCorrection)
		return protocol.PushRev{Revision: corr}
	}
	return nil
}

// commit 作用到文档并记为下一个修订
func (a *serverActor) commit(ctx context.Context, d delta.Delta, authorID string) (*revision.Revision, error) {
	n := a.doc.RevID()
	if err := a.doc.Apply(d); err != nil {
		return nil, err
	}
	rev := revision.New(a.objectID, n, n+1, d, authorID, revision.KindEdit)
	a.doc.SetRevID(rev.RevID)
	if err := a.cache.Add(ctx, rev, revision.StateSync, true); err != nil {
		a.log.Error().Err(err).Int64("rev_id", rev.RevID).Msg("add revision to cache")
	}
	a.publish(rev, d)
	a.sinceSave++
	if a.opts.SnapshotEvery > 0 && a.sinceSave >= a.opts.SnapshotEvery {
		a.saveSnapshotAsync()
	}
	return rev, nil
}

func (a *serverActor) ack(ctx context.Context, revID int64) {
	if err := a.cache.Ack(ctx, revID); err != nil {
		a.log.Error().Err(err).Int64("rev_id", revID).Msg("ack revision")
	}
}

func (a *serverActor) publish(rev *revision.Revision, d delta.Delta) {
	if a.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventEnqueueTimeout)
	defer cancel()
	if err := a.events.Enqueue(ctx, newRevisionEvent(rev, d, time.Now())); err != nil {
		a.log.Warn().Err(err).Int64("rev_id", rev.RevID).Msg("enqueue revision event")
	}
}

func (a *serverActor) saveSnapshotAsync() {
	a.sinceSave = 0
	if a.snapshots == nil {
		return
	}
	objectID, revID, text := a.objectID, a.doc.RevID(), a.doc.Text()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotSaveTimeout)
		defer cancel()
		if err := a.snapshots.SaveDocumentSnapshot(ctx, objectID, revID, text); err != nil {
			a.log.Warn().Err(err).Int64("rev_id", revID).Msg("save document snapshot")
		}
	}()
}

// pull start 为 0 时回一个快照；历史不全时也回快照
func (a *serverActor) pull(ctx context.Context, start, end int64, to Peer) ([]*revision.Revision, error) {
	n := a.doc.RevID()
	r := protocol.PullRev{Start: start, End: end}.Range(n)
	if start <= 0 {
		snap := a.snapshotRevision()
		a.deliver(to, protocol.PushRev{Revision: snap})
		return []*revision.Revision{snap}, nil
	}
	if r.Start > r.End {
		return nil, nil
	}
	revs, err := a.cache.GetRange(ctx, r)
	if errors.Is(err, revision.ErrRangeIncomplete) {
		snap := a.snapshotRevision()
		a.deliver(to, protocol.PushRev{Revision: snap})
		return []*revision.Revision{snap}, nil
	}
	if err != nil {
		return nil, err
	}
	for _, rev := range revs {
		a.deliver(to, protocol.PushRev{Revision: rev})
	}
	return revs, nil
}

func (a *serverActor) snapshotRevision() *revision.Revision {
	n := a.doc.RevID()
	return revision.New(a.objectID, n, n, a.doc.Content(), "", revision.KindSnapshot)
}

func (a *serverActor) sendSnapshot(to Peer) {
	a.deliver(to, protocol.PushRev{Revision: a.snapshotRevision()})
}

func (a *serverActor) deliver(to Peer, msg protocol.Message) {
	if to == nil {
		return
	}
	if !to.Deliver(msg) {
		a.log.Warn().Str("session_id", to.SessionID()).Str("type", msg.Type().String()).Msg("peer queue full, message dropped")
	}
}

func (a *serverActor) broadcast(msg protocol.Message, exclude string) {
	for id, p := range a.peers {
		if id == exclude {
			continue
		}
		a.deliver(p, msg)
	}
}

func (a *serverActor) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotSaveTimeout)
	defer cancel()
	err := a.cache.Close(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("final checkpoint")
	}
	if a.snapshots != nil && a.sinceSave > 0 {
		if serr := a.snapshots.SaveDocumentSnapshot(ctx, a.objectID, a.doc.RevID(), a.doc.Text()); serr != nil {
			a.log.Warn().Err(serr).Msg("save document snapshot on close")
		}
	}
	a.peers = nil
	a.log.Info().Int64("rev_id", a.doc.RevID()).Msg("actor closed")
	return err
}

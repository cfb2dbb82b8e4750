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

var ErrNotSynced = errors.New("NOT_SYNCED")

const (
	defaultResendInterval = 2 * time.Second
	transportSendTimeout  = 5 * time.Second
)

// Transport 客户端到服务端的发送通道；发送失败的编辑由重发定时器或重连后补发
type Transport interface {
	Send(ctx context.Context, msg protocol.Message) error
}

type ClientOptions struct {
	ResendInterval time.Duration
	MailboxSize    int
	MailboxTimeout time.Duration
	HistoryLimit   int
	Cache          revision.CacheOptions
	// 文档内容变化后在 actor goroutine 上调用，不能阻塞
	OnChange func(Snapshot)
}

// clientActor 客户端副本。
// confirmed 是服务端在 serverRev 时的内容；doc = confirmed ∘ inflight ∘ pending。
// 同一时间最多一个在途修订，其间收到的远端编辑先暂存，等确认或修正之后再按序应用。
type clientActor struct {
	objectID  string
	authorID  string
	doc       *Document
	confirmed delta.Delta
	serverRev int64

	inflight      *revision.Revision
	inflightDelta delta.Delta
	resolver      *Resolver
	held          map[int64]*revision.Revision
	history       *History

	cache     *revision.Cache
	transport Transport
	opts      ClientOptions
	box       *mailbox
	log       zerolog.Logger
}

type ClientHandle struct {
	objectID string
	box      *mailbox
}

// StartClient source/disk 为 nil 时不做本地持久化，每次启动都从服务端拉快照
func StartClient(ctx context.Context, objectID, authorID string, transport Transport, source ObjectSource, disk revision.DiskStore, opts ClientOptions, log zerolog.Logger) (*ClientHandle, error) {
	if opts.ResendInterval <= 0 {
		opts.ResendInterval = defaultResendInterval
	}
	log = log.With().Str("object_id", objectID).Str("author_id", authorID).Logger()
	a := &clientActor{
		objectID:  objectID,
		authorID:  authorID,
		serverRev: -1,
		resolver:  NewResolver(),
		held:      make(map[int64]*revision.Revision),
		history:   NewHistory(opts.HistoryLimit),
		transport: transport,
		opts:      opts,
		box:       newMailbox(objectID, opts.MailboxSize, opts.MailboxTimeout),
		log:       log,
	}
	doc, _ := NewDocument(nil, -1)
	a.doc = doc

	if disk != nil {
		a.cache = revision.NewCache(objectID, disk, opts.Cache, log)
	}
	if source != nil {
		snap, err := source.FetchObject(ctx, objectID)
		switch {
		case errors.Is(err, revision.ErrObjectNotFound):
		case err != nil:
			a.closeCache()
			return nil, fmt.Errorf("load local copy of %s: %w", objectID, err)
		default:
			content, err := snap.Delta()
			if err == nil {
				err = a.doc.Reset(content, snap.RevID)
			}
			if err != nil {
				a.closeCache()
				return nil, fmt.Errorf("load local copy of %s: %w", objectID, err)
			}
			a.confirmed = a.doc.Content()
			a.serverRev = snap.RevID
			if a.cache != nil {
				a.cache.MarkDurable(snap.RevID)
			}
			log.Info().Int64("rev_id", snap.RevID).Msg("loaded local copy")
		}
	}

	go a.run()
	return &ClientHandle{objectID: objectID, box: a.box}, nil
}

func (h *ClientHandle) ObjectID() string { return h.objectID }

func (h *ClientHandle) ApplyLocalEdit(ctx context.Context, d delta.Delta) (EditResult, error) {
	reply := make(chan EditResult, 1)
	res, err := call(ctx, h.box, ApplyLocalEdit{Delta: d, reply: reply}, reply)
	if err != nil {
		return res, err
	}
	return res, res.Err
}

func (h *ClientHandle) ApplyRemoteRevision(ctx context.Context, rev *revision.Revision) error {
	reply := make(chan error, 1)
	err, callErr := call(ctx, h.box, ApplyRemoteRevision{Revision: rev, reply: reply}, reply)
	if callErr != nil {
		return callErr
	}
	return err
}

func (h *ClientHandle) Ack(ctx context.Context, revID int64) error {
	reply := make(chan error, 1)
	err, callErr := call(ctx, h.box, AckRevision{RevID: revID, reply: reply}, reply)
	if callErr != nil {
		return callErr
	}
	return err
}

// Connected 传输层连上后调用：拉取缺失的修订并重发在途编辑
func (h *ClientHandle) Connected(ctx context.Context) error {
	reply := make(chan error, 1)
	err, callErr := call(ctx, h.box, Connected{reply: reply}, reply)
	if callErr != nil {
		return callErr
	}
	return err
}

func (h *ClientHandle) Undo(ctx context.Context) (EditResult, error) {
	reply := make(chan EditResult, 1)
	res, err := call(ctx, h.box, Undo{reply: reply}, reply)
	if err != nil {
		return res, err
	}
	return res, res.Err
}

func (h *ClientHandle) Redo(ctx context.Context) (EditResult, error) {
	reply := make(chan EditResult, 1)
	res, err := call(ctx, h.box, Redo{reply: reply}, reply)
	if err != nil {
		return res, err
	}
	return res, res.Err
}

func (h *ClientHandle) ReadSnapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	return call(ctx, h.box, ReadSnapshot{reply: reply}, reply)
}

func (h *ClientHandle) Close(ctx context.Context) error {
	reply := make(chan error, 1)
	err, callErr := call(ctx, h.box, Close{reply: reply}, reply)
	if callErr != nil {
		return callErr
	}
	return err
}

// Dispatch 把服务端发来的消息交给 actor
func (h *ClientHandle) Dispatch(ctx context.Context, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.PushRev:
		return h.ApplyRemoteRevision(ctx, m.Revision)
	case protocol.Acked:
		return h.Ack(ctx, m.RevID)
	case protocol.NewObjectUser, protocol.PullRev, protocol.Conflict:
		return nil
	default:
		return fmt.Errorf("dispatch %T: %w", msg, protocol.ErrUnknownType)
	}
}

func (a *clientActor) run() {
	ticker := time.NewTicker(a.opts.ResendInterval)
	defer func() {
		ticker.Stop()
		close(a.box.done)
		a.box.drain()
	}()
	for {
		select {
		case cmd := <-a.box.ch:
			if stop := a.handle(cmd); stop {
				return
			}
		case <-ticker.C:
			if a.inflight != nil {
				a.log.Debug().Int64("base_rev_id", a.inflight.BaseRevID).Msg("resend inflight revision")
				a.send(protocol.PushRev{Revision: a.inflight})
			}
		}
	}
}

func (a *clientActor) handle(cmd Command) (stop bool) {
	ctx := context.Background()
	switch c := cmd.(type) {
	case ApplyLocalEdit:
		c.reply <- a.applyLocal(c.Delta)
	case ApplyRemoteRevision:
		c.reply <- a.applyRemote(ctx, c.Revision)
	case AckRevision:
		c.reply <- a.ack(ctx, c.RevID)
	case Connected:
		a.connected()
		c.reply <- nil
	case Undo:
		c.reply <- a.undoRedo(true)
	case Redo:
		c.reply <- a.undoRedo(false)
	case ReadSnapshot:
		c.reply <- a.snapshot()
	case Close:
		c.reply <- a.closeCache()
		return true
	default:
		cmd.fail(fmt.Errorf("client actor: unsupported command %T", cmd))
	}
	return false
}

func (a *clientActor) snapshot() Snapshot {
	return Snapshot{
		ObjectID: a.objectID,
		RevID:    a.serverRev,
		Content:  a.doc.Content(),
		Text:     a.doc.Text(),
		Synced:   a.serverRev >= 0 && a.inflight == nil && !a.resolver.HasPending(),
	}
}

func (a *clientActor) changed() {
	if a.opts.OnChange != nil {
		a.opts.OnChange(a.snapshot())
	}
}

func (a *clientActor) applyLocal(d delta.Delta) EditResult {
	if a.serverRev < 0 {
		return EditResult{RevID: a.serverRev, Err: ErrNotSynced}
	}
	before := a.doc.Content()
	if err := a.doc.Apply(d); err != nil {
		return EditResult{RevID: a.serverRev, Text: a.doc.Text(), Err: err}
	}
	a.history.Record(d, before)
	if err := a.resolver.Stage(d); err != nil {
		a.resync(err)
		return EditResult{RevID: a.serverRev, Text: a.doc.Text(), Err: err}
	}
	a.flush()
	a.changed()
	return EditResult{RevID: a.serverRev, Text: a.doc.Text()}
}

func (a *clientActor) undoRedo(undo bool) EditResult {
	if a.serverRev < 0 {
		return EditResult{RevID: a.serverRev, Err: ErrNotSynced}
	}
	var (
		d   delta.Delta
		err error
	)
	if undo {
		d, err = a.history.Undo()
	} else {
		d, err = a.history.Redo()
	}
	if err != nil {
		return EditResult{RevID: a.serverRev, Text: a.doc.Text(), Err: err}
	}
	before := a.doc.Content()
	if err := a.doc.Apply(d); err != nil {
		a.history.Clear()
		return EditResult{RevID: a.serverRev, Text: a.doc.Text(), Err: err}
	}
	if undo {
		a.history.Undone(d, before)
	} else {
		a.history.Redone(d, before)
	}
	if err := a.resolver.Stage(d); err != nil {
		a.resync(err)
		return EditResult{RevID: a.serverRev, Text: a.doc.Text(), Err: err}
	}
	a.flush()
	a.changed()
	return EditResult{RevID: a.serverRev, Text: a.doc.Text()}
}

// flush 没有在途修订时把 pending 作为下一个修订发出去
func (a *clientActor) flush() {
	if a.inflight != nil || a.serverRev < 0 || !a.resolver.HasPending() {
		return
	}
	p := a.resolver.Take()
	a.inflightDelta = p
	a.inflight = revision.New(a.objectID, a.serverRev, a.serverRev+1, p, a.authorID, revision.KindEdit)
	a.send(protocol.PushRev{Revision: a.inflight})
}

func (a *clientActor) send(msg protocol.Message) {
	if a.transport == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), transportSendTimeout)
	defer cancel()
	if err := a.transport.Send(ctx, msg); err != nil {
		a.log.Debug().Err(err).Str("type", msg.Type().String()).Msg("send failed, will retry")
	}
}

func (a *clientActor) connected() {
	start := a.serverRev + 1
	if a.serverRev < 0 {
		start = 0
	}
	a.send(protocol.PullRev{ObjectID: a.objectID, Start: start, End: protocol.LatestRev})
	if a.inflight != nil {
		a.send(protocol.PushRev{Revision: a.inflight})
	}
}

func (a *clientActor) applyRemote(ctx context.Context, rev *revision.Revision) error {
	if err := rev.Verify(); err != nil {
		a.log.Warn().Err(err).Msg("drop revision")
		return err
	}
	if rev.ObjectID != a.objectID {
		return fmt.Errorf("revision for %s on %s: %w", rev.ObjectID, a.objectID, revision.ErrMalformedRevision)
	}
	switch rev.Kind {
	case revision.KindSnapshot:
		return a.reset(ctx, rev)
	case revision.KindCorrection:
		return a.applyCorrection(ctx, rev)
	default:
		if rev.RevID <= a.serverRev {
			return nil
		}
		if a.inflight != nil || rev.BaseRevID != a.serverRev || rev.RevID != a.serverRev+1 {
			a.held[rev.RevID] = rev
			if a.inflight == nil {
				a.requestMissing()
			}
			return nil
		}
		if err := a.applyNext(ctx, rev); err != nil {
			return err
		}
		a.drainHeld(ctx)
		a.changed()
		return nil
	}
}

// applyNext rev 紧接在 serverRev 之后，且没有在途修订
func (a *clientActor) applyNext(ctx context.Context, rev *revision.Revision) error {
	res, err := a.resolver.Resolve(rev, a.serverRev)
	if err != nil {
		return err
	}
	switch res.Outcome {
	case OutcomeDuplicate:
		return nil
	case OutcomeReset:
		a.resync(delta.ErrLengthMismatch)
		return nil
	}
	remote, err := rev.Delta()
	if err != nil {
		return err
	}
	confirmed, err := delta.Compose(a.confirmed, remote)
	if err != nil {
		a.resync(err)
		return nil
	}
	if err := a.doc.Apply(res.Remote); err != nil {
		a.resync(err)
		return nil
	}
	if err := a.history.Rebase(res.Remote); err != nil {
		a.log.Debug().Err(err).Msg("history dropped")
	}
	a.confirmed = confirmed
	a.advance(rev.RevID)
	a.store(ctx, rev)
	return nil
}

// applyCorrection 在途修订基于旧修订，服务端回了变换后的历史
func (a *clientActor) applyCorrection(ctx context.Context, rev *revision.Revision) error {
	if a.inflight == nil || rev.BaseRevID != a.inflight.BaseRevID || rev.RevID <= a.serverRev {
		return nil
	}
	res, err := a.resolver.Resolve(rev, a.serverRev)
	if err != nil {
		return err
	}
	if res.Outcome != OutcomeComposed {
		a.resync(delta.ErrLengthMismatch)
		return nil
	}
	corr, err := rev.Delta()
	if err != nil {
		return err
	}
	withOwn, err := delta.Compose(a.confirmed, a.inflightDelta)
	if err != nil {
		a.resync(err)
		return nil
	}
	confirmed, err := delta.Compose(withOwn, corr)
	if err != nil {
		a.resync(err)
		return nil
	}
	if err := a.doc.Apply(res.Remote); err != nil {
		a.resync(err)
		return nil
	}
	if err := a.history.Rebase(res.Remote); err != nil {
		a.log.Debug().Err(err).Msg("history dropped")
	}
	a.confirmed = confirmed
	a.inflight, a.inflightDelta = nil, nil
	a.advance(rev.RevID)
	// 本地没有 rev.RevID 之前的服务端修订，落一个快照
	a.store(ctx, revision.New(a.objectID, rev.RevID, rev.RevID, confirmed, "", revision.KindSnapshot))
	a.log.Debug().Int64("rev_id", rev.RevID).Msg("inflight revision corrected")

	a.drainHeld(ctx)
	a.flush()
	a.changed()
	return nil
}

// ack 重复或过期的确认忽略
func (a *clientActor) ack(ctx context.Context, revID int64) error {
	if a.inflight == nil || revID <= a.serverRev {
		return nil
	}
	confirmed, err := delta.Compose(a.confirmed, a.inflightDelta)
	if err != nil {
		a.resync(err)
		return nil
	}
	committed := revision.New(a.objectID, a.serverRev, revID, a.inflightDelta, a.authorID, revision.KindEdit)
	a.confirmed = confirmed
	a.inflight, a.inflightDelta = nil, nil
	a.advance(revID)
	a.store(ctx, committed)

	a.drainHeld(ctx)
	a.flush()
	a.changed()
	return nil
}

func (a *clientActor) reset(ctx context.Context, rev *revision.Revision) error {
	if rev.RevID < a.serverRev {
		return nil
	}
	res, err := a.resolver.Resolve(rev, a.serverRev)
	if err != nil {
		return err
	}
	if err := a.doc.Reset(res.Content, rev.RevID); err != nil {
		return err
	}
	if a.inflight != nil {
		a.log.Warn().Int64("base_rev_id", a.inflight.BaseRevID).Msg("inflight revision discarded by snapshot")
	}
	a.confirmed = a.doc.Content()
	a.inflight, a.inflightDelta = nil, nil
	a.history.Clear()
	a.advance(rev.RevID)
	if a.cache != nil {
		if err := a.cache.Reset(ctx, []*revision.Revision{rev}); err != nil {
			a.log.Warn().Err(err).Msg("reset local store")
		}
	}
	a.drainHeld(ctx)
	a.changed()
	return nil
}

// resync 本地状态和服务端对不上，丢弃本地编辑并重新拉快照
func (a *clientActor) resync(cause error) {
	a.log.Warn().Err(cause).Int64("rev_id", a.serverRev).Msg("out of sync, request snapshot")
	a.resolver.Discard()
	a.inflight, a.inflightDelta = nil, nil
	a.send(protocol.PullRev{ObjectID: a.objectID, Start: 0, End: protocol.LatestRev})
}

func (a *clientActor) advance(revID int64) {
	a.serverRev = revID
	a.doc.SetRevID(revID)
	for id := range a.held {
		if id <= revID {
			delete(a.held, id)
		}
	}
}

func (a *clientActor) drainHeld(ctx context.Context) {
	for a.inflight == nil {
		next, ok := a.held[a.serverRev+1]
		if !ok {
			break
		}
		delete(a.held, next.RevID)
		if err := a.applyNext(ctx, next); err != nil {
			a.log.Warn().Err(err).Int64("rev_id", next.RevID).Msg("apply held revision")
			break
		}
	}
	if a.inflight == nil {
		a.requestMissing()
	}
}

// requestMissing 暂存区里有修订但接不上时，补拉中间缺的那一段
func (a *clientActor) requestMissing() {
	if len(a.held) == 0 {
		return
	}
	lowest := int64(-1)
	for id := range a.held {
		if lowest < 0 || id < lowest {
			lowest = id
		}
	}
	if lowest > a.serverRev+1 {
		a.send(protocol.PullRev{ObjectID: a.objectID, Start: a.serverRev + 1, End: lowest - 1})
	}
}

func (a *clientActor) store(ctx context.Context, rev *revision.Revision) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Add(ctx, rev, revision.StateAck, true); err != nil && !errors.Is(err, revision.ErrDuplicateRevision) {
		a.log.Warn().Err(err).Int64("rev_id", rev.RevID).Msg("store revision")
	}
}

func (a *clientActor) closeCache() error {
	if a.cache == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotSaveTimeout)
	defer cancel()
	return a.cache.Close(ctx)
}

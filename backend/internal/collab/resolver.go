package collab

import (
	"fmt"

	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/revision"
)

type ResolveState uint8

const (
	ResolveIdle ResolveState = iota
	// 有本地未确认的编辑
	ResolvePending
	ResolveTransforming
	ResolveComposed
	// 本地编辑已丢弃，需要用快照重置
	ResolveReset
)

func (s ResolveState) String() string {
	switch s {
	case ResolveIdle:
		return "idle"
	case ResolvePending:
		return "pending"
	case ResolveTransforming:
		return "transforming"
	case ResolveComposed:
		return "composed"
	case ResolveReset:
		return "reset"
	default:
		return fmt.Sprintf("resolve_state(%d)", uint8(s))
	}
}

type Outcome uint8

const (
	OutcomeDuplicate Outcome = iota
	OutcomeComposed
	OutcomeReset
)

// Resolution Resolve 的结果。
// Composed: Remote 是变换到本地 pending 之后的远端编辑，直接作用到本地文档；
// Reset: Content 非 nil 时为新的文档内容，nil 表示本地无法对齐，需要重新拉快照。
type Resolution struct {
	Outcome Outcome
	Remote  delta.Delta
	Content delta.Delta
	RevID   int64
}

// Resolver 客户端侧：把远端修订和本地尚未发送的编辑对齐
type Resolver struct {
	state   ResolveState
	pending delta.Delta
}

func NewResolver() *Resolver {
	return &Resolver{}
}

func (r *Resolver) State() ResolveState { return r.state }

func (r *Resolver) Pending() delta.Delta { return r.pending }

func (r *Resolver) HasPending() bool { return len(r.pending) > 0 && !r.pending.IsNoop() }

// Stage 追加一次本地编辑，local 作用在 pending 之后的文档上
func (r *Resolver) Stage(local delta.Delta) error {
	if r.pending == nil {
		r.pending = local
		r.state = ResolvePending
		return nil
	}
	next, err := delta.Compose(r.pending, local)
	if err != nil {
		return err
	}
	r.pending = next
	r.state = ResolvePending
	return nil
}

// Take 取走 pending 用于发送
func (r *Resolver) Take() delta.Delta {
	p := r.pending
	r.pending = nil
	r.state = ResolveIdle
	return p
}

func (r *Resolver) Discard() {
	r.pending = nil
	r.state = ResolveIdle
}

// Resolve 处理一个远端修订。localRevID 是本地已确认的最新修订号。
// 校验失败直接返回错误，状态不变。
func (r *Resolver) Resolve(remote *revision.Revision, localRevID int64) (Resolution, error) {
	if err := remote.Verify(); err != nil {
		return Resolution{}, err
	}
	if remote.Kind == revision.KindSnapshot {
		content, err := remote.Delta()
		if err != nil {
			return Resolution{}, err
		}
		r.Discard()
		r.state = ResolveReset
		return Resolution{Outcome: OutcomeReset, Content: content, RevID: remote.RevID}, nil
	}
	if remote.RevID <= localRevID {
		return Resolution{Outcome: OutcomeDuplicate, RevID: remote.RevID}, nil
	}
	d, err := remote.Delta()
	if err != nil {
		return Resolution{}, err
	}
	if !r.HasPending() {
		r.state = ResolveComposed
		return Resolution{Outcome: OutcomeComposed, Remote: d, RevID: remote.RevID}, nil
	}

	r.state = ResolveTransforming
	remotePrime, localPrime, err := delta.Transform(d, r.pending)
	if err != nil {
		// 远端和本地不在同一个 base 上，本地编辑无法保留
		r.Discard()
		r.state = ResolveReset
		return Resolution{Outcome: OutcomeReset, RevID: remote.RevID}, nil
	}
	r.pending = localPrime
	r.state = ResolveComposed
	return Resolution{Outcome: OutcomeComposed, Remote: remotePrime, RevID: remote.RevID}, nil
}

// ResolveStale 服务端侧：作者基于旧修订提交了 client，history 是其 base 之后已提交的修订（按序）。
// 返回 serverPrime（作用到服务端当前文档）和 clientPrime（发回作者，作用在作者的文档上）。
// 服务端历史视为先发生，同位置插入时排在前面。
func ResolveStale(history []*revision.Revision, client delta.Delta) (serverPrime, clientPrime delta.Delta, err error) {
	var composed delta.Delta
	for i, rev := range history {
		d, err := rev.Delta()
		if err != nil {
			return nil, nil, err
		}
		if i == 0 {
			composed = d
			continue
		}
		if composed, err = delta.Compose(composed, d); err != nil {
			return nil, nil, fmt.Errorf("compose history at %d: %w", rev.RevID, err)
		}
	}
	if len(history) == 0 {
		return client, nil, nil
	}
	historyPrime, clientAfter, err := delta.Transform(composed, client)
	if err != nil {
		return nil, nil, err
	}
	return clientAfter, historyPrime, nil
}

package collab

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/logx"
	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/protocol"
	"collabSync/backend/internal/revision"
	"collabSync/backend/internal/store"
)

const testObject = "doc-1"

func build() *delta.Builder { return &delta.Builder{} }

func ins(text string) delta.Delta { return build().Insert(text, nil).Build() }

func edit(base int64, d delta.Delta, author string) *revision.Revision {
	return revision.New(testObject, base, base+1, d, author, revision.KindEdit)
}

func applyText(t *testing.T, text string, d delta.Delta) string {
	t.Helper()
	out, err := delta.Apply(text, d)
	require.NoError(t, err)
	return out
}

// recordPeer 记录服务端投递给它的所有消息
type recordPeer struct {
	id   string
	mu   sync.Mutex
	msgs []protocol.Message
}

func newPeer(id string) *recordPeer { return &recordPeer{id: id} }

func (p *recordPeer) SessionID() string { return p.id }

func (p *recordPeer) Deliver(msg protocol.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return true
}

func (p *recordPeer) messages() []protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Message(nil), p.msgs...)
}

func (p *recordPeer) last(t *testing.T) protocol.Message {
	t.Helper()
	msgs := p.messages()
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

func (p *recordPeer) lastRevision(t *testing.T) *revision.Revision {
	t.Helper()
	push, ok := p.last(t).(protocol.PushRev)
	require.True(t, ok, "last message is %T", p.last(t))
	return push.Revision
}

// seededStore 里放一个内容为 text 的对象
func seededStore(t *testing.T, text string) *store.MemoryRevisionStore {
	t.Helper()
	s := store.NewMemoryRevisionStore()
	if text != "" {
		require.NoError(t, s.WriteRevisions(context.Background(), testObject,
			[]*revision.Revision{revision.Initial(testObject, ins(text), "")}))
	}
	return s
}

func newTestManager(t *testing.T, s *store.MemoryRevisionStore, opts ManagerOptions) *Manager {
	t.Helper()
	m := NewManager(s, s, nil, nil, opts, logx.Nop())
	t.Cleanup(func() { _ = m.CloseAll(context.Background()) })
	return m
}

func openServer(t *testing.T, text string) *ServerHandle {
	t.Helper()
	m := newTestManager(t, seededStore(t, text), ManagerOptions{})
	h, err := m.Acquire(context.Background(), testObject)
	require.NoError(t, err)
	return h
}

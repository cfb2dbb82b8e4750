package collab

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/revision"
)

func TestManager_ConcurrentAcquireSharesActor(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, seededStore(t, "Hello"), ManagerOptions{})

	const n = 16
	handles := make([]*ServerHandle, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = m.Acquire(ctx, testObject)
		}(i)
	}
	wg.Wait()
	for i, h := range handles {
		require.NoError(t, errs[i])
		require.Same(t, handles[0], h)
	}
	require.Equal(t, 1, m.Open())
}

func TestManager_ReleaseClosesAndPersists(t *testing.T) {
	ctx := context.Background()
	s := seededStore(t, "Hello")
	m := newTestManager(t, s, ManagerOptions{})

	h, err := m.Acquire(ctx, testObject)
	require.NoError(t, err)
	again, err := m.Acquire(ctx, testObject)
	require.NoError(t, err)
	require.Same(t, h, again)

	_, err = h.ApplyLocalEdit(ctx, build().Retain(5, nil).Insert("!", nil).Build(), "api")
	require.NoError(t, err)

	m.Release(ctx, testObject)
	_, ok := m.Lookup(testObject)
	require.True(t, ok)
	m.Release(ctx, testObject)
	_, ok = m.Lookup(testObject)
	require.False(t, ok)
	require.True(t, h.Closed())

	// 关闭时做了最后一次 checkpoint，重新打开能读到
	snap, err := s.FetchObject(ctx, testObject)
	require.NoError(t, err)
	require.Equal(t, int64(1), snap.RevID)

	h, err = m.Acquire(ctx, testObject)
	require.NoError(t, err)
	got, err := h.ReadSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "Hello!", got.Text)
	require.Equal(t, int64(1), got.RevID)
}

func TestManager_CreatesMissingObject(t *testing.T) {
	ctx := context.Background()
	s := seededStore(t, "")
	m := newTestManager(t, s, ManagerOptions{})

	h, err := m.Acquire(ctx, testObject)
	require.NoError(t, err)
	snap, err := h.ReadSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "", snap.Text)
	require.Equal(t, int64(0), snap.RevID)

	require.NoError(t, m.CloseAll(ctx))
	revs, err := s.ReadRevisions(ctx, testObject, nil)
	require.NoError(t, err)
	require.Len(t, revs, 1)
	require.Equal(t, revision.KindSnapshot, revs[0].Kind)

	_, err = m.Acquire(ctx, "")
	require.ErrorIs(t, err, revision.ErrObjectNotFound)
}

func TestManager_StaleHistoryReadFromDisk(t *testing.T) {
	ctx := context.Background()
	s := seededStore(t, "Hello")
	m := newTestManager(t, s, ManagerOptions{})

	h, err := m.Acquire(ctx, testObject)
	require.NoError(t, err)
	bob := newPeer("s-bob")
	require.NoError(t, h.ApplyRemoteRevision(ctx, edit(0, build().Retain(5, nil).Insert("!", nil).Build(), "bob"), bob))
	m.Release(ctx, testObject)

	// 冷启动后内存里没有 rev1，过期的推送要从持久层取历史
	h, err = m.Acquire(ctx, testObject)
	require.NoError(t, err)
	alice := newPeer("s-alice")
	require.NoError(t, h.ApplyRemoteRevision(ctx, edit(0, build().Retain(5, nil).Insert(" World", nil).Build(), "alice"), alice))
	require.Equal(t, revision.KindCorrection, alice.lastRevision(t).Kind)

	snap, err := h.ReadSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "Hello! World", snap.Text)
}

func TestManager_ResentStalePushAfterReopenIsNotCommittedTwice(t *testing.T) {
	ctx := context.Background()
	s := seededStore(t, "Hello")
	m := newTestManager(t, s, ManagerOptions{})

	h, err := m.Acquire(ctx, testObject)
	require.NoError(t, err)
	bob, alice := newPeer("s-bob"), newPeer("s-alice")
	require.NoError(t, h.ApplyRemoteRevision(ctx, edit(0, build().Retain(5, nil).Insert("!", nil).Build(), "bob"), bob))
	push := edit(0, build().Retain(5, nil).Insert(" World", nil).Build(), "alice")
	require.NoError(t, h.ApplyRemoteRevision(ctx, push, alice))
	first := alice.lastRevision(t)
	require.Equal(t, revision.KindCorrection, first.Kind)
	require.Equal(t, int64(2), first.RevID)

	// 修正没送到，最后一个订阅者离开，actor 关闭
	m.Release(ctx, testObject)
	require.True(t, h.Closed())

	// 重连后客户端重发同一个修订
	h, err = m.Acquire(ctx, testObject)
	require.NoError(t, err)
	again := newPeer("s-alice-2")
	require.NoError(t, h.ApplyRemoteRevision(ctx, push, again))

	corr := again.lastRevision(t)
	require.Equal(t, revision.KindCorrection, corr.Kind)
	require.Equal(t, int64(0), corr.BaseRevID)
	require.Equal(t, int64(2), corr.RevID)
	require.Equal(t, first.MD5, corr.MD5)
	d, err := corr.Delta()
	require.NoError(t, err)
	require.Equal(t, "Hello! World", applyText(t, "Hello World", d))

	snap, err := h.ReadSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "Hello! World", snap.Text)
	require.Equal(t, int64(2), snap.RevID)
}

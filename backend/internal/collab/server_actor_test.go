package collab

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/protocol"
	"collabSync/backend/internal/revision"
)

func subscribeAll(t *testing.T, h *ServerHandle, peers ...*recordPeer) {
	t.Helper()
	for _, p := range peers {
		require.NoError(t, h.Subscribe(context.Background(), p, 0, ""))
	}
}

func TestServer_CurrentClientIsAcked(t *testing.T) {
	ctx := context.Background()
	h := openServer(t, "Hello")
	bob, alice := newPeer("s-bob"), newPeer("s-alice")
	subscribeAll(t, h, bob, alice)

	require.NoError(t, h.ApplyRemoteRevision(ctx, edit(0, build().Retain(5, nil).Insert("!", nil).Build(), "bob"), bob))

	require.Equal(t, []protocol.Message{protocol.Acked{ObjectID: testObject, RevID: 1}}, bob.messages())
	rev := alice.lastRevision(t)
	require.Equal(t, revision.KindEdit, rev.Kind)
	require.Equal(t, int64(0), rev.BaseRevID)
	require.Equal(t, int64(1), rev.RevID)
	require.Equal(t, "bob", rev.AuthorID)

	snap, err := h.ReadSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "Hello!", snap.Text)
	require.Equal(t, int64(1), snap.RevID)
}

func TestServer_StaleClientGetsCorrection(t *testing.T) {
	ctx := context.Background()
	h := openServer(t, "Hello")
	bob, alice, carol := newPeer("s-bob"), newPeer("s-alice"), newPeer("s-carol")
	subscribeAll(t, h, bob, alice, carol)

	require.NoError(t, h.ApplyRemoteRevision(ctx, edit(0, build().Retain(5, nil).Insert("!", nil).Build(), "bob"), bob))
	require.NoError(t, h.ApplyRemoteRevision(ctx, edit(0, build().Retain(5, nil).Insert(" World", nil).Build(), "alice"), alice))

	corr := alice.lastRevision(t)
	require.Equal(t, revision.KindCorrection, corr.Kind)
	require.Equal(t, int64(0), corr.BaseRevID)
	require.Equal(t, int64(2), corr.RevID)
	require.NoError(t, corr.Verify())
	d, err := corr.Delta()
	require.NoError(t, err)
	require.Equal(t, "Hello! World", applyText(t, "Hello World", d))

	// 其他人都收到变换后的服务端修订
	for _, p := range []*recordPeer{bob, carol} {
		rev := p.lastRevision(t)
		require.Equal(t, revision.KindEdit, rev.Kind)
		require.Equal(t, int64(1), rev.BaseRevID)
		require.Equal(t, int64(2), rev.RevID)
		d, err := rev.Delta()
		require.NoError(t, err)
		require.Equal(t, "Hello! World", applyText(t, "Hello!", d))
	}

	snap, err := h.ReadSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "Hello! World", snap.Text)
	require.Equal(t, int64(2), snap.RevID)
}

func TestServer_ResendIsAnsweredAgain(t *testing.T) {
	ctx := context.Background()
	h := openServer(t, "Hello")
	bob, alice := newPeer("s-bob"), newPeer("s-alice")
	subscribeAll(t, h, bob, alice)

	push := edit(0, build().Retain(5, nil).Insert("!", nil).Build(), "bob")
	require.NoError(t, h.ApplyRemoteRevision(ctx, push, bob))
	require.NoError(t, h.ApplyRemoteRevision(ctx, push, bob))

	require.Equal(t, []protocol.Message{
		protocol.Acked{ObjectID: testObject, RevID: 1},
		protocol.Acked{ObjectID: testObject, RevID: 1},
	}, bob.messages())
	require.Len(t, alice.messages(), 1)

	snap, err := h.ReadSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "Hello!", snap.Text)
}

func TestServer_LostAckRecoveredFromHistory(t *testing.T) {
	ctx := context.Background()
	h := openServer(t, "Hello")
	bob, alice := newPeer("s-bob"), newPeer("s-alice")
	subscribeAll(t, h, bob, alice)

	first := edit(0, build().Retain(5, nil).Insert("!", nil).Build(), "bob")
	require.NoError(t, h.ApplyRemoteRevision(ctx, first, bob))
	require.NoError(t, h.ApplyRemoteRevision(ctx, edit(1, build().Insert(">", nil).Retain(6, nil).Build(), "bob"), bob))
	require.NoError(t, h.ApplyRemoteRevision(ctx, edit(2, build().Retain(7, nil).Insert("?", nil).Build(), "alice"), alice))

	// 第一次推送的回复丢了，重发时不能再提交一次
	require.NoError(t, h.ApplyRemoteRevision(ctx, first, bob))
	require.Equal(t, protocol.Acked{ObjectID: testObject, RevID: 1}, bob.last(t))

	snap, err := h.ReadSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, ">Hello!?", snap.Text)
	require.Equal(t, int64(3), snap.RevID)
}

func TestServer_ChecksumMismatchIsDropped(t *testing.T) {
	ctx := context.Background()
	h := openServer(t, "Hello")
	bob, alice := newPeer("s-bob"), newPeer("s-alice")
	subscribeAll(t, h, bob, alice)

	bad := edit(0, build().Retain(5, nil).Insert("!", nil).Build(), "bob")
	bad.DeltaBytes = build().Retain(5, nil).Insert("?", nil).Build().Bytes()
	err := h.ApplyRemoteRevision(ctx, bad, bob)
	require.ErrorIs(t, err, revision.ErrChecksumMismatch)

	require.Empty(t, bob.messages())
	require.Empty(t, alice.messages())
	snap, err := h.ReadSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "Hello", snap.Text)
	require.Equal(t, int64(0), snap.RevID)
}

func TestServer_UnalignedClientGetsSnapshot(t *testing.T) {
	ctx := context.Background()
	h := openServer(t, "Hello")
	bob := newPeer("s-bob")
	subscribeAll(t, h, bob)

	// base 在服务端前面
	require.NoError(t, h.ApplyRemoteRevision(ctx, edit(9, build().Retain(5, nil).Build(), "bob"), bob))
	snap := bob.lastRevision(t)
	require.Equal(t, revision.KindSnapshot, snap.Kind)
	d, err := snap.Delta()
	require.NoError(t, err)
	require.Equal(t, "Hello", d.Text())

	// 长度对不上
	require.NoError(t, h.ApplyRemoteRevision(ctx, edit(0, build().Retain(3, nil).Insert("x", nil).Build(), "bob"), bob))
	require.Equal(t, revision.KindSnapshot, bob.lastRevision(t).Kind)

	got, err := h.ReadSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), got.RevID)
}

func TestServer_PullRevisions(t *testing.T) {
	ctx := context.Background()
	h := openServer(t, "Hello")
	bob := newPeer("s-bob")
	require.NoError(t, h.ApplyRemoteRevision(ctx, edit(0, build().Retain(5, nil).Insert("!", nil).Build(), "bob"), bob))
	require.NoError(t, h.ApplyRemoteRevision(ctx, edit(1, build().Retain(6, nil).Insert("?", nil).Build(), "bob"), bob))

	revs, err := h.PullRevisions(ctx, 1, protocol.LatestRev, nil)
	require.NoError(t, err)
	require.Len(t, revs, 2)
	require.Equal(t, int64(1), revs[0].RevID)
	require.Equal(t, int64(2), revs[1].RevID)

	revs, err = h.PullRevisions(ctx, 3, protocol.LatestRev, nil)
	require.NoError(t, err)
	require.Empty(t, revs)

	alice := newPeer("s-alice")
	revs, err = h.PullRevisions(ctx, 0, protocol.LatestRev, alice)
	require.NoError(t, err)
	require.Len(t, revs, 1)
	snap := alice.lastRevision(t)
	require.Equal(t, revision.KindSnapshot, snap.Kind)
	require.Equal(t, int64(2), snap.RevID)
	d, err := snap.Delta()
	require.NoError(t, err)
	require.Equal(t, "Hello!?", d.Text())
}

func TestServer_SubscribeAnnouncesUser(t *testing.T) {
	ctx := context.Background()
	h := openServer(t, "")
	bob, alice := newPeer("s-bob"), newPeer("s-alice")
	require.NoError(t, h.Subscribe(ctx, bob, 1, "bob"))
	require.NoError(t, h.Subscribe(ctx, alice, 2, "alice"))

	require.Equal(t, []protocol.Message{protocol.NewObjectUser{ObjectID: testObject, UserID: 2, Username: "alice"}}, bob.messages())
	require.Empty(t, alice.messages())

	left, err := h.Unsubscribe(ctx, "s-bob")
	require.NoError(t, err)
	require.Equal(t, 1, left)
}

func TestServer_LocalEditUndoRedo(t *testing.T) {
	ctx := context.Background()
	h := openServer(t, "Hello")
	bob := newPeer("s-bob")
	subscribeAll(t, h, bob)

	res, err := h.ApplyLocalEdit(ctx, build().Retain(5, nil).Insert(" World", nil).Build(), "api")
	require.NoError(t, err)
	require.Equal(t, "Hello World", res.Text)
	require.Equal(t, int64(1), res.RevID)
	require.Equal(t, int64(1), bob.lastRevision(t).RevID)

	// 远端在开头插入后再撤销
	require.NoError(t, h.ApplyRemoteRevision(ctx, edit(1, build().Insert(">", nil).Retain(11, nil).Build(), "bob"), bob))

	res, err = h.Undo(ctx, "api")
	require.NoError(t, err)
	require.Equal(t, ">Hello", res.Text)
	require.Equal(t, int64(3), res.RevID)

	res, err = h.Redo(ctx, "api")
	require.NoError(t, err)
	require.Equal(t, ">Hello World", res.Text)

	_, err = h.Redo(ctx, "api")
	require.ErrorIs(t, err, ErrNothingToUndo)
}

func TestServer_UndoIsPerAuthor(t *testing.T) {
	ctx := context.Background()
	h := openServer(t, "Hello")

	_, err := h.ApplyLocalEdit(ctx, build().Retain(5, nil).Insert(" World", nil).Build(), "alice")
	require.NoError(t, err)
	_, err = h.ApplyLocalEdit(ctx, build().Insert(">", nil).Retain(11, nil).Build(), "bob")
	require.NoError(t, err)

	// 没有编辑过的作者没有东西可撤销
	_, err = h.Undo(ctx, "carol")
	require.ErrorIs(t, err, ErrNothingToUndo)

	res, err := h.Undo(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, "Hello World", res.Text)
	_, err = h.Undo(ctx, "bob")
	require.ErrorIs(t, err, ErrNothingToUndo)

	res, err = h.Undo(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "Hello", res.Text)

	res, err = h.Redo(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, ">Hello", res.Text)
}

func TestServer_MalformedLocalEditIsRejected(t *testing.T) {
	ctx := context.Background()
	h := openServer(t, "Hello")

	bad := delta.Delta{{Kind: delta.KindRetain, Count: -3}, {Kind: delta.KindRetain, Count: 8}}
	_, err := h.ApplyLocalEdit(ctx, bad, "api")
	require.ErrorIs(t, err, delta.ErrMalformed)

	// actor 仍然可用
	res, err := h.ApplyLocalEdit(ctx, build().Retain(5, nil).Insert("!", nil).Build(), "api")
	require.NoError(t, err)
	require.Equal(t, "Hello!", res.Text)
	require.Equal(t, int64(1), res.RevID)
}

func TestServer_ClosedActorRejectsCommands(t *testing.T) {
	ctx := context.Background()
	h := openServer(t, "Hello")
	require.NoError(t, h.Close(ctx))
	require.True(t, h.Closed())

	_, err := h.ReadSnapshot(ctx)
	require.ErrorIs(t, err, ErrActorClosed)
	require.ErrorIs(t, h.Close(ctx), ErrActorClosed)
}

package collab

import (
	"testing"

	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/revision"
)

func TestResolver_StageComposesPending(t *testing.T) {
	r := NewResolver()
	require.Equal(t, ResolveIdle, r.State())
	require.False(t, r.HasPending())

	require.NoError(t, r.Stage(build().Retain(5, nil).Insert("!", nil).Build()))
	require.NoError(t, r.Stage(build().Retain(6, nil).Insert("?", nil).Build()))
	require.Equal(t, ResolvePending, r.State())
	require.Equal(t, "Hello!?", applyText(t, "Hello", r.Pending()))

	p := r.Take()
	require.Equal(t, "Hello!?", applyText(t, "Hello", p))
	require.Equal(t, ResolveIdle, r.State())
	require.False(t, r.HasPending())
}

func TestResolver_Duplicate(t *testing.T) {
	r := NewResolver()
	res, err := r.Resolve(edit(2, build().Insert("x", nil).Build(), "bob"), 5)
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, res.Outcome)
}

func TestResolver_ChecksumMismatchLeavesStateAlone(t *testing.T) {
	r := NewResolver()
	local := build().Retain(5, nil).Insert("?", nil).Build()
	require.NoError(t, r.Stage(local))

	bad := edit(0, build().Retain(5, nil).Insert("!", nil).Build(), "bob")
	bad.MD5 = "00000000000000000000000000000000"
	_, err := r.Resolve(bad, 0)
	require.ErrorIs(t, err, revision.ErrChecksumMismatch)
	require.Equal(t, ResolvePending, r.State())
	require.True(t, r.Pending().Equal(local))
}

func TestResolver_TransformsAgainstPending(t *testing.T) {
	r := NewResolver()
	local := build().Retain(5, nil).Insert(" World", nil).Build()
	require.NoError(t, r.Stage(local))
	remote := build().Retain(5, nil).Insert("!", nil).Build()

	res, err := r.Resolve(edit(0, remote, "bob"), 0)
	require.NoError(t, err)
	require.Equal(t, OutcomeComposed, res.Outcome)
	require.Equal(t, ResolveComposed, r.State())

	// 本地视图：Hello World + remote'
	mine := applyText(t, applyText(t, "Hello", local), res.Remote)
	// 服务端视图：Hello! + local'
	theirs := applyText(t, applyText(t, "Hello", remote), r.Pending())
	require.Equal(t, "Hello! World", mine)
	require.Equal(t, mine, theirs)
}

func TestResolver_NoPendingPassesThrough(t *testing.T) {
	r := NewResolver()
	remote := build().Retain(5, nil).Insert("!", nil).Build()
	res, err := r.Resolve(edit(0, remote, "bob"), 0)
	require.NoError(t, err)
	require.Equal(t, OutcomeComposed, res.Outcome)
	require.True(t, res.Remote.Equal(remote))
}

func TestResolver_SnapshotResets(t *testing.T) {
	r := NewResolver()
	require.NoError(t, r.Stage(ins("lost")))
	snap := revision.New(testObject, 7, 7, ins("fresh"), "", revision.KindSnapshot)

	res, err := r.Resolve(snap, 3)
	require.NoError(t, err)
	require.Equal(t, OutcomeReset, res.Outcome)
	require.Equal(t, "fresh", res.Content.Text())
	require.Equal(t, int64(7), res.RevID)
	require.False(t, r.HasPending())
	require.Equal(t, ResolveReset, r.State())
}

func TestResolver_LengthMismatchResets(t *testing.T) {
	r := NewResolver()
	require.NoError(t, r.Stage(build().Retain(5, nil).Insert("?", nil).Build()))
	res, err := r.Resolve(edit(0, build().Retain(9, nil).Insert("!", nil).Build(), "bob"), 0)
	require.NoError(t, err)
	require.Equal(t, OutcomeReset, res.Outcome)
	require.Nil(t, res.Content)
	require.False(t, r.HasPending())
}

func TestResolveStale_HelloWorld(t *testing.T) {
	// rev0 = "Hello"，bob 已提交 rev1 = "!"，alice 基于 rev0 提交 " World"
	history := []*revision.Revision{edit(0, build().Retain(5, nil).Insert("!", nil).Build(), "bob")}
	client := build().Retain(5, nil).Insert(" World", nil).Build()

	serverPrime, clientPrime, err := ResolveStale(history, client)
	require.NoError(t, err)
	require.False(t, clientPrime.IsNoop())

	require.Equal(t, "Hello! World", applyText(t, "Hello!", serverPrime))
	require.Equal(t, "Hello! World", applyText(t, "Hello World", clientPrime))
}

func TestResolveStale_ComposesLongHistory(t *testing.T) {
	history := []*revision.Revision{
		edit(0, build().Retain(5, nil).Insert("!", nil).Build(), "bob"),
		edit(1, build().Delete(1).Retain(5, nil).Build(), "carol"),
		edit(2, build().Insert(">", nil).Retain(5, nil).Build(), "bob"),
	}
	client := build().Retain(5, nil).Insert("?", nil).Build()
	serverPrime, clientPrime, err := ResolveStale(history, client)
	require.NoError(t, err)

	server := applyText(t, ">ello!", serverPrime)
	author := applyText(t, "Hello?", clientPrime)
	require.Equal(t, server, author)
	require.Equal(t, ">ello!?", server)
}

func TestResolveStale_LengthMismatch(t *testing.T) {
	history := []*revision.Revision{edit(0, build().Retain(5, nil).Insert("!", nil).Build(), "bob")}
	_, _, err := ResolveStale(history, build().Retain(3, nil).Build())
	require.ErrorIs(t, err, delta.ErrLengthMismatch)
}

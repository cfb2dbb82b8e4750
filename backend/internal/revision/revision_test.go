package revision

import (
	"testing"

	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/ot/delta"
)

func TestRevision_CodecRoundTrip(t *testing.T) {
	var b delta.Builder
	r := New("doc-1", 3, 5, b.Retain(2, delta.Attributes{"bold": true}).Insert("你好", nil).Build(), "alice", KindCorrection)

	got, err := FromBytes(r.Bytes())
	require.NoError(t, err)
	require.Equal(t, r, got)
	require.NoError(t, got.Verify())

	d, err := got.Delta()
	require.NoError(t, err)
	require.Equal(t, 2, d.BaseLength())
}

func TestRevision_ChecksumMismatch(t *testing.T) {
	r := New("doc-1", 0, 1, (&delta.Builder{}).Insert("x", nil).Build(), "alice", KindEdit)
	r.DeltaBytes = (&delta.Builder{}).Insert("y", nil).Build().Bytes()
	require.ErrorIs(t, r.Verify(), ErrChecksumMismatch)
}

func TestRevision_BaseAfterRevIsMalformed(t *testing.T) {
	r := New("doc-1", 4, 3, nil, "alice", KindEdit)
	require.ErrorIs(t, r.Verify(), ErrMalformedRevision)
}

func TestRevision_InitialIsZero(t *testing.T) {
	r := Initial("doc-1", (&delta.Builder{}).Insert("Hello", nil).Build(), "")
	require.Equal(t, int64(0), r.BaseRevID)
	require.Equal(t, int64(0), r.RevID)
	require.NoError(t, r.Verify())
}

func TestRevRange(t *testing.T) {
	r := RevRange{Start: 2, End: 4}
	require.True(t, r.Valid())
	require.Equal(t, 3, r.Len())
	require.True(t, r.Contains(4))
	require.False(t, r.Contains(5))
	require.Equal(t, 0, RevRange{Start: 5, End: 4}.Len())
}

func TestSnapshot_ComposesHistory(t *testing.T) {
	revs := []*Revision{
		Initial("doc-1", (&delta.Builder{}).Insert("Hello", nil).Build(), ""),
		New("doc-1", 0, 1, (&delta.Builder{}).Retain(5, nil).Insert("!", nil).Build(), "bob", KindEdit),
		New("doc-1", 1, 2, (&delta.Builder{}).Retain(6, nil).Insert(" World", nil).Build(), "alice", KindEdit),
	}
	snap, err := Snapshot("doc-1", revs)
	require.NoError(t, err)
	require.Equal(t, int64(2), snap.RevID)
	require.Equal(t, KindSnapshot, snap.Kind)

	d, err := snap.Delta()
	require.NoError(t, err)
	require.Equal(t, "Hello! World", d.Text())
}

func TestSnapshot_RestartsAtSnapshotAndDetectsGaps(t *testing.T) {
	revs := []*Revision{
		Initial("doc-1", (&delta.Builder{}).Insert("old", nil).Build(), ""),
		New("doc-1", 9, 9, (&delta.Builder{}).Insert("new", nil).Build(), "", KindSnapshot),
		New("doc-1", 9, 10, (&delta.Builder{}).Retain(3, nil).Insert("er", nil).Build(), "bob", KindEdit),
	}
	snap, err := Snapshot("doc-1", revs)
	require.NoError(t, err)
	d, err := snap.Delta()
	require.NoError(t, err)
	require.Equal(t, "newer", d.Text())

	_, err = Snapshot("doc-1", []*Revision{revs[0], revs[2]})
	require.ErrorIs(t, err, ErrRangeIncomplete)

	_, err = Snapshot("doc-1", nil)
	require.ErrorIs(t, err, ErrObjectNotFound)
}

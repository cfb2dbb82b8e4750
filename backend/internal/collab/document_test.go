package collab

import (
	"testing"

	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/ot/delta"
)

func TestDocument_ApplyKeepsMirrorInSync(t *testing.T) {
	doc, err := NewDocument(ins("Hello"), 0)
	require.NoError(t, err)
	require.Equal(t, "Hello", doc.Text())
	require.Equal(t, 5, doc.Len())

	require.NoError(t, doc.Apply(build().Retain(5, nil).Insert("!", map[string]any{"bold": true}).Build()))
	require.Equal(t, "Hello!", doc.Text())
	require.Equal(t, "Hello!", doc.Content().Text())
	require.Len(t, doc.Content(), 2)
}

func TestDocument_RejectsMismatchWithoutChange(t *testing.T) {
	doc, err := NewDocument(ins("Hello"), 3)
	require.NoError(t, err)
	err = doc.Apply(build().Retain(7, nil).Build())
	require.ErrorIs(t, err, delta.ErrLengthMismatch)
	require.Equal(t, "Hello", doc.Text())
	require.Equal(t, int64(3), doc.RevID())
}

func TestDocument_ContentMustBeInserts(t *testing.T) {
	_, err := NewDocument(build().Retain(3, nil).Build(), 0)
	require.ErrorIs(t, err, delta.ErrMalformed)
}

func TestDocument_Reset(t *testing.T) {
	doc, err := NewDocument(ins("old"), 1)
	require.NoError(t, err)
	require.NoError(t, doc.Reset(ins("brand new"), 9))
	require.Equal(t, "brand new", doc.Text())
	require.Equal(t, int64(9), doc.RevID())
}

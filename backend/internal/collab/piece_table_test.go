package collab

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/ot/delta"
)

func TestPieceTable_BasicString(t *testing.T) {
	pt := NewPieceTable("Hello world")
	require.Equal(t, "Hello world", pt.String())
	require.Equal(t, 11, pt.Len())

	require.Equal(t, 0, NewPieceTable("").Len())
	require.Equal(t, "", NewPieceTable("").String())
}

func TestPieceTable_InsertMiddle(t *testing.T) {
	pt := NewPieceTable("Hello world")
	d := (&delta.Builder{}).Retain(5, nil).Insert(" collaborative", nil).Retain(6, nil).Build()
	require.NoError(t, pt.Apply(d))
	require.Equal(t, "Hello collaborative world", pt.String())
	require.Equal(t, 25, pt.Len())
}

func TestPieceTable_DeleteMiddle(t *testing.T) {
	pt := NewPieceTable("Hello collaborative world")
	// 保留 "Hello"，删掉 " collaborative"
	d := (&delta.Builder{}).Retain(5, nil).Delete(14).Retain(6, nil).Build()
	require.NoError(t, pt.Apply(d))
	require.Equal(t, "Hello world", pt.String())
}

func TestPieceTable_DeleteAcrossPieces(t *testing.T) {
	pt := NewPieceTable("abcdef")
	require.NoError(t, pt.Apply((&delta.Builder{}).Retain(3, nil).Insert("XYZ", nil).Retain(3, nil).Build()))
	require.Equal(t, "abcXYZdef", pt.String())

	require.NoError(t, pt.Apply((&delta.Builder{}).Retain(2, nil).Delete(5).Retain(2, nil).Build()))
	require.Equal(t, "abef", pt.String())
}

func TestPieceTable_LengthMismatchLeavesTextAlone(t *testing.T) {
	pt := NewPieceTable("Hello")
	err := pt.Apply((&delta.Builder{}).Retain(9, nil).Insert("!", nil).Build())
	require.ErrorIs(t, err, delta.ErrLengthMismatch)
	require.Equal(t, "Hello", pt.String())
}

func TestPieceTable_MatchesDeltaApply(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	text := "héllo 你好"
	pt := NewPieceTable(text)
	for i := 0; i < 300; i++ {
		d := randomEdit(rng, []rune(text))
		want, err := delta.Apply(text, d)
		require.NoError(t, err)
		require.NoError(t, pt.Apply(d))
		require.Equal(t, want, pt.String(), "step %d delta %s", i, d)
		text = want
	}
}

// randomEdit 在长度为 len(base) 的文本上随机生成一个完整的编辑
func randomEdit(rng *rand.Rand, base []rune) delta.Delta {
	const alphabet = "abcxyz é你"
	letters := []rune(alphabet)
	var b delta.Builder
	pos := 0
	for pos < len(base) {
		n := 1 + rng.Intn(len(base)-pos)
		switch rng.Intn(3) {
		case 0:
			b.Retain(n, nil)
			pos += n
		case 1:
			b.Delete(n)
			pos += n
		default:
			s := make([]rune, 1+rng.Intn(3))
			for i := range s {
				s[i] = letters[rng.Intn(len(letters))]
			}
			b.Insert(string(s), nil)
		}
	}
	if rng.Intn(2) == 0 {
		b.Insert("end", nil)
	}
	return b.Build()
}

package collab

import (
	"fmt"
	"strings"

	"collabSync/backend/internal/ot/delta"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	// 从 original 还是 add 上取
	buf    bufferKind
	offset int
	length int
}

// PieceTable Document 的纯文本镜像。插入只追加到 add，删除只调整 piece，原文不动。
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
	length   int
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r, length: len(r)}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	return pt.length
}

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		sb.WriteString(string(pt.runes(p)))
	}
	return sb.String()
}

func (pt *PieceTable) runes(p piece) []rune {
	if p.buf == bufAdd {
		return pt.add[p.offset : p.offset+p.length]
	}
	return pt.original[p.offset : p.offset+p.length]
}

// Apply delta 的 base 长度必须等于当前文本长度，否则不做任何修改
func (pt *PieceTable) Apply(d delta.Delta) error {
	if d.BaseLength() != pt.length {
		return fmt.Errorf("piece table of length %d, delta %s: %w", pt.length, d, delta.ErrLengthMismatch)
	}
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			n := pt.insert(pos, []rune(op.Text))
			pos += n
		case delta.KindDelete:
			pt.delete(pos, op.Count)
		}
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text []rune) int {
	if len(text) == 0 {
		return 0
	}
	np := piece{buf: bufAdd, offset: len(pt.add), length: len(text)}
	pt.add = append(pt.add, text...)
	pt.length += len(text)

	idx, offset := pt.locate(pos)
	if idx == len(pt.pieces) {
		pt.pieces = append(pt.pieces, np)
		return len(text)
	}
	cur := pt.pieces[idx]
	out := make([]piece, 0, len(pt.pieces)+2)
	out = append(out, pt.pieces[:idx]...)
	if offset > 0 {
		out = append(out, piece{buf: cur.buf, offset: cur.offset, length: offset})
	}
	out = append(out, np)
	out = append(out, piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset})
	out = append(out, pt.pieces[idx+1:]...)
	pt.pieces = out
	return len(text)
}

func (pt *PieceTable) delete(pos, count int) {
	remain := count
	idx, offset := pt.locate(pos)
	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		take := min(remain, cur.length-offset)
		left := piece{buf: cur.buf, offset: cur.offset, length: offset}
		right := piece{buf: cur.buf, offset: cur.offset + offset + take, length: cur.length - offset - take}

		repl := make([]piece, 0, 2)
		if left.length > 0 {
			repl = append(repl, left)
		}
		if right.length > 0 {
			repl = append(repl, right)
		}
		pt.pieces = append(pt.pieces[:idx], append(repl, pt.pieces[idx+1:]...)...)
		// 左半段留下时，下一段从 idx+1 开始
		if left.length > 0 {
			idx++
		}
		offset = 0
		remain -= take
		pt.length -= take
	}
}

// locate 逻辑位置 pos 对应的 piece 下标和片内偏移；pos 在末尾时返回 len(pieces)
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}

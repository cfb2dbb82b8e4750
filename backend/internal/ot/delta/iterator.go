package delta

import "math"

const infinity = math.MaxInt

// iterator 按长度切分地遍历 delta，offset 以 rune 计
type iterator struct {
	ops    Delta
	index  int
	offset int
}

func newIterator(ops Delta) *iterator {
	return &iterator{ops: ops}
}

func (it *iterator) hasNext() bool {
	return it.peekLength() < infinity
}

func (it *iterator) peekLength() int {
	if it.index < len(it.ops) {
		return it.ops[it.index].Len() - it.offset
	}
	return infinity
}

// 走完之后视为无限长的 retain
func (it *iterator) peekKind() Kind {
	if it.index < len(it.ops) {
		return it.ops[it.index].Kind
	}
	return KindRetain
}

func (it *iterator) nextAll() Op {
	return it.next(infinity)
}

func (it *iterator) next(length int) Op {
	if it.index >= len(it.ops) {
		return Op{Kind: KindRetain, Count: infinity}
	}
	op := it.ops[it.index]
	opLen := op.Len()
	offset := it.offset
	if length >= opLen-offset {
		length = opLen - offset
		it.index++
		it.offset = 0
	} else {
		it.offset += length
	}
	switch op.Kind {
	case KindDelete:
		return Op{Kind: KindDelete, Count: length}
	case KindRetain:
		return Op{Kind: KindRetain, Count: length, Attrs: op.Attrs}
	default:
		text := op.Text
		if offset != 0 || length != opLen {
			text = string([]rune(op.Text)[offset : offset+length])
		}
		return Op{Kind: KindInsert, Text: text, Attrs: op.Attrs}
	}
}

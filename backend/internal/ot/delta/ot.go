package delta

import "fmt"

// Compose 返回 c，使得 apply(apply(S, a), b) == apply(S, c)。
// 要求 a.TargetLength() == b.BaseLength()。
func Compose(a, b Delta) (Delta, error) {
	if a.TargetLength() != b.BaseLength() {
		return nil, fmt.Errorf("compose %s then %s: target %d != base %d: %w",
			a, b, a.TargetLength(), b.BaseLength(), ErrLengthMismatch)
	}
	var out Builder
	ai, bi := newIterator(a), newIterator(b)
	for ai.hasNext() || bi.hasNext() {
		switch {
		case bi.peekKind() == KindInsert:
			out.Push(bi.nextAll())
		case ai.peekKind() == KindDelete:
			out.Push(ai.nextAll())
		default:
			length := min(ai.peekLength(), bi.peekLength())
			if length == infinity {
				return nil, fmt.Errorf("compose %s then %s: %w", a, b, ErrLengthMismatch)
			}
			aOp := ai.next(length)
			bOp := bi.next(length)
			switch bOp.Kind {
			case KindRetain:
				if aOp.Kind == KindRetain {
					out.Retain(length, composeAttributes(aOp.Attrs, bOp.Attrs, true))
				} else {
					out.Insert(aOp.Text, composeAttributes(aOp.Attrs, bOp.Attrs, false))
				}
			case KindDelete:
				// 删掉 a 新插入的内容：两者抵消
				if aOp.Kind == KindRetain {
					out.Push(bOp)
				}
			}
		}
	}
	return out.Build(), nil
}

// Transform 针对同一 base 的两个并发 delta，返回 (a', b')：
// a' 作用在 b 之后，b' 作用在 a 之后，且 apply(apply(S,a), b') == apply(apply(S,b), a')。
//
// 两边在同一位置插入时，第一个参数 a 视为先发生：a 的插入在前，b 的插入被挪到其后。
// 交换参数顺序会得到不同的结果，收敛依赖双方使用同一顺序。
func Transform(a, b Delta) (aPrime, bPrime Delta, err error) {
	if a.BaseLength() != b.BaseLength() {
		return nil, nil, fmt.Errorf("transform %s against %s: base %d != base %d: %w",
			a, b, a.BaseLength(), b.BaseLength(), ErrLengthMismatch)
	}
	bPrime = transformAfter(a, b, true)
	aPrime = transformAfter(b, a, false)
	return aPrime, bPrime, nil
}

// transformAfter 把 other 变换到 this 之后；priority 为 true 时 this 的插入在前
func transformAfter(this, other Delta, priority bool) Delta {
	var out Builder
	ti, oi := newIterator(this), newIterator(other)
	for ti.hasNext() || oi.hasNext() {
		switch {
		case ti.peekKind() == KindInsert && (priority || oi.peekKind() != KindInsert):
			out.Retain(ti.nextAll().Len(), nil)
		case oi.peekKind() == KindInsert:
			out.Push(oi.nextAll())
		default:
			length := min(ti.peekLength(), oi.peekLength())
			tOp := ti.next(length)
			oOp := oi.next(length)
			switch {
			case tOp.Kind == KindDelete:
				// this 已经删掉了，other 对这段的操作作废
			case oOp.Kind == KindDelete:
				out.Push(oOp)
			default:
				out.Retain(length, transformAttributes(tOp.Attrs, oOp.Attrs, priority))
			}
		}
	}
	return out.Build()
}

// Invert 求 d 的逆：Compose(Compose(base, d), Invert(d, base)) == base。
// base 是 d 作用前的文档内容（只含 insert）。用于撤销。
func Invert(d, base Delta) Delta {
	var out Builder
	baseIndex := 0
	for _, op := range d {
		switch {
		case op.Kind == KindInsert:
			out.Delete(op.Len())
		case op.Kind == KindRetain && len(op.Attrs) == 0:
			out.Retain(op.Count, nil)
			baseIndex += op.Count
		default:
			for _, baseOp := range base.Slice(baseIndex, baseIndex+op.Count) {
				if op.Kind == KindDelete {
					out.Push(baseOp)
				} else {
					out.Retain(baseOp.Len(), invertAttributes(op.Attrs, baseOp.Attrs))
				}
			}
			baseIndex += op.Count
		}
	}
	return out.Build()
}

package collab

import (
	"errors"

	"collabSync/backend/internal/ot/delta"
)

var ErrNothingToUndo = errors.New("NOTHING_TO_UNDO")

const defaultHistoryLimit = 100

// History 本地撤销/重做栈。栈里存的是逆操作，栈顶总是作用在当前文档上。
type History struct {
	undo  []delta.Delta
	redo  []delta.Delta
	limit int
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &History{limit: limit}
}

// Record 记录一次本地编辑；before 是编辑前的文档内容。新的编辑会清空重做栈。
func (h *History) Record(change, before delta.Delta) {
	if change.IsNoop() {
		return
	}
	h.undo = h.push(h.undo, delta.Invert(change, before))
	h.redo = nil
}

// Undo 弹出撤销栈顶，调用方应用返回值后再调 Undone 把它的逆放进重做栈
func (h *History) Undo() (delta.Delta, error) {
	return pop(&h.undo)
}

func (h *History) Redo() (delta.Delta, error) {
	return pop(&h.redo)
}

// Undone before 为应用撤销之前的内容
func (h *History) Undone(applied, before delta.Delta) {
	h.redo = h.push(h.redo, delta.Invert(applied, before))
}

func (h *History) Redone(applied, before delta.Delta) {
	h.undo = h.push(h.undo, delta.Invert(applied, before))
}

func (h *History) CanUndo() bool { return len(h.undo) > 0 }
func (h *History) CanRedo() bool { return len(h.redo) > 0 }

func (h *History) Clear() {
	h.undo, h.redo = nil, nil
}

// Rebase 远端修订 remote 已作用到当前文档，把两个栈都变换到它之后。
// 栈顶和 remote 作用在同一状态上；往下每一层，remote 也要先变换过上一层。
func (h *History) Rebase(remote delta.Delta) error {
	var err error
	if h.undo, err = rebaseStack(h.undo, remote); err != nil {
		h.Clear()
		return err
	}
	if h.redo, err = rebaseStack(h.redo, remote); err != nil {
		h.Clear()
		return err
	}
	return nil
}

func rebaseStack(stack []delta.Delta, remote delta.Delta) ([]delta.Delta, error) {
	out := make([]delta.Delta, len(stack))
	cur := remote
	for i := len(stack) - 1; i >= 0; i-- {
		next, item, err := delta.Transform(cur, stack[i])
		if err != nil {
			return nil, err
		}
		out[i] = item
		cur = next
	}
	return out, nil
}

func (h *History) push(stack []delta.Delta, d delta.Delta) []delta.Delta {
	stack = append(stack, d)
	if len(stack) > h.limit {
		stack = stack[len(stack)-h.limit:]
	}
	return stack
}

func pop(stack *[]delta.Delta) (delta.Delta, error) {
	s := *stack
	if len(s) == 0 {
		return nil, ErrNothingToUndo
	}
	d := s[len(s)-1]
	*stack = s[:len(s)-1]
	return d, nil
}

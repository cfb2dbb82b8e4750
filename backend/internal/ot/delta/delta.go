package delta

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

var (
	// 前置条件不满足（长度对不上），说明调用方或数据本身有问题
	ErrLengthMismatch = errors.New("LENGTH_MISMATCH")
	ErrMalformed      = errors.New("MALFORMED_DELTA")
)

// Attributes 样式属性，value 为 nil 表示“移除该属性”
type Attributes map[string]any

type Op struct {
	Kind  Kind       `json:"kind"`            // "retain" / "insert" / "delete"
	Count int        `json:"count,omitempty"` // retain/delete 的长度
	Text  string     `json:"text,omitempty"`  // insert 的文本
	Attrs Attributes `json:"attrs,omitempty"` // 样式属性（粗体/颜色等）
}

// Len 按 rune 计数
func (o Op) Len() int {
	if o.Kind == KindInsert {
		return utf8.RuneCountInString(o.Text)
	}
	return o.Count
}

// Delta 有序的操作序列。
// "ops":[{"retain":5},{"insert":"Hello"}]
type Delta []Op

// BaseLength 期望作用的文档长度 = retain + delete
func (d Delta) BaseLength() int {
	n := 0
	for _, op := range d {
		if op.Kind != KindInsert {
			n += op.Count
		}
	}
	return n
}

// TargetLength 作用后的文档长度 = retain + insert
func (d Delta) TargetLength() int {
	n := 0
	for _, op := range d {
		if op.Kind != KindDelete {
			n += op.Len()
		}
	}
	return n
}

// IsNoop 只包含不带属性的 retain
func (d Delta) IsNoop() bool {
	for _, op := range d {
		if op.Kind != KindRetain || len(op.Attrs) > 0 {
			return false
		}
	}
	return true
}

func (d Delta) Equal(other Delta) bool {
	if len(d) != len(other) {
		return false
	}
	for i := range d {
		a, b := d[i], other[i]
		if a.Kind != b.Kind || a.Count != b.Count || a.Text != b.Text || !a.Attrs.Equal(b.Attrs) {
			return false
		}
	}
	return true
}

// Text 拼接所有 insert，文档内容（全是 insert 的 delta）用它取纯文本
func (d Delta) Text() string {
	var sb strings.Builder
	for _, op := range d {
		if op.Kind == KindInsert {
			sb.WriteString(op.Text)
		}
	}
	return sb.String()
}

// Slice 取 [start, end) 区间内的操作，用于 invert 时截取 base
func (d Delta) Slice(start, end int) Delta {
	var b Builder
	it := newIterator(d)
	index := 0
	for index < end && it.hasNext() {
		var next Op
		if index < start {
			next = it.next(start - index)
		} else {
			next = it.next(end - index)
			b.Push(next)
		}
		index += next.Len()
	}
	return b.Build()
}

func (d Delta) String() string {
	parts := make([]string, 0, len(d))
	for _, op := range d {
		var s string
		switch op.Kind {
		case KindInsert:
			s = fmt.Sprintf("insert(%q)", op.Text)
		case KindRetain:
			s = fmt.Sprintf("retain(%d)", op.Count)
		case KindDelete:
			s = fmt.Sprintf("delete(%d)", op.Count)
		}
		if len(op.Attrs) > 0 {
			s += fmt.Sprintf("%v", map[string]any(op.Attrs))
		}
		parts = append(parts, s)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Builder 保证规范形式：相邻可合并的操作合并，insert 总在相邻 delete 之前
type Builder struct {
	ops Delta
}

func (b *Builder) Retain(n int, attrs Attributes) *Builder {
	if n <= 0 {
		return b
	}
	return b.Push(Op{Kind: KindRetain, Count: n, Attrs: attrs})
}

func (b *Builder) Insert(text string, attrs Attributes) *Builder {
	if text == "" {
		return b
	}
	return b.Push(Op{Kind: KindInsert, Text: text, Attrs: attrs})
}

func (b *Builder) Delete(n int) *Builder {
	if n <= 0 {
		return b
	}
	return b.Push(Op{Kind: KindDelete, Count: n})
}

func (b *Builder) Push(op Op) *Builder {
	if op.Len() <= 0 {
		return b
	}
	op.Attrs = op.Attrs.canonical()
	if op.Kind == KindDelete {
		op.Attrs = nil
	}
	index := len(b.ops)
	if index > 0 {
		last := &b.ops[index-1]
		if op.Kind == KindDelete && last.Kind == KindDelete {
			last.Count += op.Count
			return b
		}
		// delete 后面跟 insert：insert 挪到 delete 前面
		if last.Kind == KindDelete && op.Kind == KindInsert {
			index--
			if index == 0 {
				b.ops = append(Delta{op}, b.ops...)
				return b
			}
			last = &b.ops[index-1]
		}
		if last.Kind == op.Kind && op.Kind != KindDelete && last.Attrs.Equal(op.Attrs) {
			if op.Kind == KindInsert {
				last.Text += op.Text
			} else {
				last.Count += op.Count
			}
			return b
		}
	}
	if index == len(b.ops) {
		b.ops = append(b.ops, op)
		return b
	}
	b.ops = append(b.ops, Op{})
	copy(b.ops[index+1:], b.ops[index:])
	b.ops[index] = op
	return b
}

func (b *Builder) Build() Delta {
	return b.ops
}

// Normalize 重新走一遍 Builder，得到规范形式
func Normalize(d Delta) Delta {
	var b Builder
	for _, op := range d {
		b.Push(op)
	}
	return b.Build()
}

// Validate 检查外部传入（JSON）的 delta：kind 必须已知，retain/delete 的 count 必须为正，
// insert 的文本不能为空，属性值必须能编码。不合法时返回包装了 ErrMalformed 的错误
func Validate(d Delta) error {
	for i, op := range d {
		switch op.Kind {
		case KindRetain, KindDelete:
			if op.Count <= 0 {
				return fmt.Errorf("op %d: %s count %d: %w", i, op.Kind, op.Count, ErrMalformed)
			}
			if op.Text != "" {
				return fmt.Errorf("op %d: %s with text: %w", i, op.Kind, ErrMalformed)
			}
		case KindInsert:
			if op.Text == "" {
				return fmt.Errorf("op %d: empty insert: %w", i, ErrMalformed)
			}
			if op.Count != 0 {
				return fmt.Errorf("op %d: insert with count: %w", i, ErrMalformed)
			}
		default:
			return fmt.Errorf("op %d: unknown kind %q: %w", i, op.Kind, ErrMalformed)
		}
		if op.Kind == KindDelete && len(op.Attrs) > 0 {
			return fmt.Errorf("op %d: delete with attributes: %w", i, ErrMalformed)
		}
		for k, v := range op.Attrs {
			if _, err := canonicalValue(v); err != nil {
				return fmt.Errorf("op %d: attribute %q: %w", i, k, ErrMalformed)
			}
		}
	}
	return nil
}

// Apply 把 delta 作用到纯文本上
func Apply(text string, d Delta) (string, error) {
	runes := []rune(text)
	if d.BaseLength() != len(runes) {
		return "", fmt.Errorf("apply %s to text of length %d: %w", d, len(runes), ErrLengthMismatch)
	}
	var sb strings.Builder
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case KindRetain:
			sb.WriteString(string(runes[pos : pos+op.Count]))
			pos += op.Count
		case KindInsert:
			sb.WriteString(op.Text)
		case KindDelete:
			pos += op.Count
		}
	}
	return sb.String(), nil
}

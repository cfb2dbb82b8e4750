package delta

import (
	"encoding/json"
	"reflect"
	"sort"
)

func (a Attributes) Equal(b Attributes) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !reflect.DeepEqual(av, bv) {
			return false
		}
	}
	return true
}

func (a Attributes) clone() Attributes {
	if len(a) == 0 {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// canonical 复制一份并把值规范化：数字统一成 float64，map/slice 统一成 JSON 解码后的形态。
// 这样编码再解码之后 Equal 仍然成立
func (a Attributes) canonical() Attributes {
	if len(a) == 0 {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		if c, err := canonicalValue(v); err == nil {
			out[k] = c
		} else {
			out[k] = v
		}
	}
	return out
}

func canonicalValue(v any) (any, error) {
	switch n := v.(type) {
	case nil, bool, string, float64:
		return v, nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Keys 按字典序返回，编码时保证字节稳定
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// composeAttributes 后者显式给出的值覆盖前者；后者没提到的 key 保留前者。
// keepNull=false 时丢掉 nil（作用在 insert 上的 retain 不需要“移除”标记）
func composeAttributes(a, b Attributes, keepNull bool) Attributes {
	out := Attributes{}
	for k, v := range b {
		if v == nil && !keepNull {
			continue
		}
		out[k] = v
	}
	for k, v := range a {
		if _, ok := b[k]; !ok {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// transformAttributes 把 b 的属性变换到 a 之后；priority 表示 a 先发生，冲突的 key 以 a 为准
func transformAttributes(a, b Attributes, priority bool) Attributes {
	if len(a) == 0 {
		return b.clone()
	}
	if len(b) == 0 {
		return nil
	}
	if !priority {
		return b.clone()
	}
	out := Attributes{}
	for k, v := range b {
		if _, ok := a[k]; !ok {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// invertAttributes 求把 attrs 作用到 base 上的逆
func invertAttributes(attrs, base Attributes) Attributes {
	out := Attributes{}
	for k, bv := range base {
		if av, ok := attrs[k]; ok && !reflect.DeepEqual(av, bv) {
			out[k] = bv
		}
	}
	for k := range attrs {
		if _, ok := base[k]; !ok {
			out[k] = nil
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

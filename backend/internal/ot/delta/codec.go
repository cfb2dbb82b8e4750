package delta

import (
	"encoding/json"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// 二进制格式沿用 protobuf wire format（自描述，未知字段可跳过）：
//
//	Delta     { repeated bytes op = 1 }
//	Op        { varint kind = 1; varint count = 2; string text = 3; repeated bytes attr = 4 }
//	Attribute { string key = 1; varint type = 2; string s = 3; varint b = 4; fixed64 n = 5; bytes json = 6 }
//
// 嵌套的对象/数组属性以 JSON 文本存放在 json 字段里
const (
	fieldDeltaOp = 1

	fieldOpKind  = 1
	fieldOpCount = 2
	fieldOpText  = 3
	fieldOpAttr  = 4

	fieldAttrKey    = 1
	fieldAttrType   = 2
	fieldAttrString = 3
	fieldAttrBool   = 4
	fieldAttrNumber = 5
	fieldAttrJSON   = 6
)

const (
	wireInsert = 1
	wireRetain = 2
	wireDelete = 3
)

const (
	attrNull   = 0
	attrString = 1
	attrBool   = 2
	attrNumber = 3
	attrJSON   = 4
)

// Bytes 规范字节形式：属性按 key 排序，FromBytes(d.Bytes()) 与 d 完全一致
func (d Delta) Bytes() []byte {
	var b []byte
	for _, op := range d {
		b = protowire.AppendTag(b, fieldDeltaOp, protowire.BytesType)
		b = protowire.AppendBytes(b, appendOp(nil, op))
	}
	return b
}

func appendOp(b []byte, op Op) []byte {
	var kind uint64
	switch op.Kind {
	case KindInsert:
		kind = wireInsert
	case KindRetain:
		kind = wireRetain
	case KindDelete:
		kind = wireDelete
	}
	b = protowire.AppendTag(b, fieldOpKind, protowire.VarintType)
	b = protowire.AppendVarint(b, kind)
	if op.Kind == KindInsert {
		b = protowire.AppendTag(b, fieldOpText, protowire.BytesType)
		b = protowire.AppendString(b, op.Text)
	} else {
		b = protowire.AppendTag(b, fieldOpCount, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(op.Count))
	}
	for _, key := range op.Attrs.Keys() {
		b = protowire.AppendTag(b, fieldOpAttr, protowire.BytesType)
		b = protowire.AppendBytes(b, appendAttr(nil, key, op.Attrs[key]))
	}
	return b
}

func appendAttr(b []byte, key string, value any) []byte {
	b = protowire.AppendTag(b, fieldAttrKey, protowire.BytesType)
	b = protowire.AppendString(b, key)
	if c, err := canonicalValue(value); err == nil {
		value = c
	}
	switch v := value.(type) {
	case nil:
		b = protowire.AppendTag(b, fieldAttrType, protowire.VarintType)
		b = protowire.AppendVarint(b, attrNull)
	case bool:
		b = protowire.AppendTag(b, fieldAttrType, protowire.VarintType)
		b = protowire.AppendVarint(b, attrBool)
		b = protowire.AppendTag(b, fieldAttrBool, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(v))
	case float64:
		b = appendNumber(b, v)
	case string:
		b = appendString(b, v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			// Validate 已经挡掉了编码不了的值
			return appendString(b, fmt.Sprint(v))
		}
		b = protowire.AppendTag(b, fieldAttrType, protowire.VarintType)
		b = protowire.AppendVarint(b, attrJSON)
		b = protowire.AppendTag(b, fieldAttrJSON, protowire.BytesType)
		b = protowire.AppendBytes(b, raw)
	}
	return b
}

func appendNumber(b []byte, v float64) []byte {
	b = protowire.AppendTag(b, fieldAttrType, protowire.VarintType)
	b = protowire.AppendVarint(b, attrNumber)
	b = protowire.AppendTag(b, fieldAttrNumber, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendString(b []byte, v string) []byte {
	b = protowire.AppendTag(b, fieldAttrType, protowire.VarintType)
	b = protowire.AppendVarint(b, attrString)
	b = protowire.AppendTag(b, fieldAttrString, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// FromBytes 解析 Bytes 的输出，结果经过 Builder 规范化
func FromBytes(b []byte) (Delta, error) {
	var out Builder
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("delta tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num == fieldDeltaOp && typ == protowire.BytesType {
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("delta op: %w", protowire.ParseError(n))
			}
			op, err := parseOp(raw)
			if err != nil {
				return nil, err
			}
			out.Push(op)
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, fmt.Errorf("delta field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return out.Build(), nil
}

func parseOp(b []byte) (Op, error) {
	var (
		op   Op
		kind uint64
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Op{}, fmt.Errorf("op tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldOpKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Op{}, protowire.ParseError(n)
			}
			kind = v
			b = b[n:]
		case num == fieldOpCount && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Op{}, protowire.ParseError(n)
			}
			if v > math.MaxInt32 {
				return Op{}, fmt.Errorf("op count %d: %w", v, ErrMalformed)
			}
			op.Count = int(v)
			b = b[n:]
		case num == fieldOpText && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Op{}, protowire.ParseError(n)
			}
			op.Text = v
			b = b[n:]
		case num == fieldOpAttr && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Op{}, protowire.ParseError(n)
			}
			key, value, err := parseAttr(raw)
			if err != nil {
				return Op{}, err
			}
			if op.Attrs == nil {
				op.Attrs = Attributes{}
			}
			op.Attrs[key] = value
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Op{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	switch kind {
	case wireInsert:
		op.Kind = KindInsert
	case wireRetain:
		op.Kind = KindRetain
	case wireDelete:
		op.Kind = KindDelete
	default:
		return Op{}, fmt.Errorf("op kind %d: %w", kind, ErrMalformed)
	}
	return op, nil
}

func parseAttr(b []byte) (string, any, error) {
	var (
		key   string
		typ   uint64
		str   string
		bv    bool
		num   float64
		raw   []byte
		value any
	)
	for len(b) > 0 {
		field, wt, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case field == fieldAttrKey && wt == protowire.BytesType:
			key, n = protowire.ConsumeString(b)
		case field == fieldAttrType && wt == protowire.VarintType:
			typ, n = protowire.ConsumeVarint(b)
		case field == fieldAttrString && wt == protowire.BytesType:
			str, n = protowire.ConsumeString(b)
		case field == fieldAttrBool && wt == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			bv = protowire.DecodeBool(v)
		case field == fieldAttrNumber && wt == protowire.Fixed64Type:
			var v uint64
			v, n = protowire.ConsumeFixed64(b)
			num = math.Float64frombits(v)
		case field == fieldAttrJSON && wt == protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(field, wt, b)
		}
		if n < 0 {
			return "", nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	switch typ {
	case attrNull:
		value = nil
	case attrString:
		value = str
	case attrBool:
		value = bv
	case attrNumber:
		value = num
	case attrJSON:
		if err := json.Unmarshal(raw, &value); err != nil {
			return "", nil, fmt.Errorf("attribute %q: %v: %w", key, err, ErrMalformed)
		}
	default:
		return "", nil, fmt.Errorf("attribute %q type %d: %w", key, typ, ErrMalformed)
	}
	return key, value, nil
}

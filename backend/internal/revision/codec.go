package revision

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

//	Revision { string object_id = 1; varint base_rev_id = 2; varint rev_id = 3;
//	           bytes delta = 4; string md5 = 5; string author_id = 6; varint kind = 7 }
const (
	fieldObjectID  = 1
	fieldBaseRevID = 2
	fieldRevID     = 3
	fieldDelta     = 4
	fieldMD5       = 5
	fieldAuthorID  = 6
	fieldKind      = 7
)

func (r *Revision) Bytes() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldObjectID, protowire.BytesType)
	b = protowire.AppendString(b, r.ObjectID)
	b = protowire.AppendTag(b, fieldBaseRevID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.BaseRevID))
	b = protowire.AppendTag(b, fieldRevID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.RevID))
	b = protowire.AppendTag(b, fieldDelta, protowire.BytesType)
	b = protowire.AppendBytes(b, r.DeltaBytes)
	b = protowire.AppendTag(b, fieldMD5, protowire.BytesType)
	b = protowire.AppendString(b, r.MD5)
	b = protowire.AppendTag(b, fieldAuthorID, protowire.BytesType)
	b = protowire.AppendString(b, r.AuthorID)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Kind))
	return b
}

// FromBytes 只做解码，不校验 md5；调用方需要 Verify
func FromBytes(b []byte) (*Revision, error) {
	r := &Revision{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("revision tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldObjectID && typ == protowire.BytesType:
			r.ObjectID, n = protowire.ConsumeString(b)
		case num == fieldBaseRevID && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			r.BaseRevID = int64(v)
		case num == fieldRevID && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			r.RevID = int64(v)
		case num == fieldDelta && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			r.DeltaBytes = append([]byte(nil), v...)
		case num == fieldMD5 && typ == protowire.BytesType:
			r.MD5, n = protowire.ConsumeString(b)
		case num == fieldAuthorID && typ == protowire.BytesType:
			r.AuthorID, n = protowire.ConsumeString(b)
		case num == fieldKind && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			if v > uint64(KindSnapshot) {
				return nil, fmt.Errorf("revision kind %d: %w", v, ErrMalformedRevision)
			}
			r.Kind = Kind(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("revision field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return r, nil
}

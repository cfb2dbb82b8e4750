package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"collabSync/backend/internal/revision"
)

var (
	ErrUnknownType = errors.New("UNKNOWN_MESSAGE_TYPE")
	ErrMalformed   = errors.New("MALFORMED_MESSAGE")
)

type MessageType uint8

const (
	TypePushRev MessageType = iota + 1
	TypeAcked
	TypePullRev
	TypeNewObjectUser
	TypeConflict
)

func (t MessageType) String() string {
	switch t {
	case TypePushRev:
		return "PushRev"
	case TypeAcked:
		return "Acked"
	case TypePullRev:
		return "PullRev"
	case TypeNewObjectUser:
		return "NewObjectUser"
	case TypeConflict:
		return "Conflict"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// LatestRev 作为 PullRev.End 表示“拉到最新”
const LatestRev int64 = -1

// Message 封闭的消息集合，只有本包内的类型实现
type Message interface {
	Object() string
	Type() MessageType
	isMessage()
}

// PushRev 推送一个修订（客户端->服务端的编辑，服务端->客户端的广播/修正/快照）
type PushRev struct {
	Revision *revision.Revision
}

type Acked struct {
	ObjectID string
	RevID    int64
}

type PullRev struct {
	ObjectID string
	Start    int64
	End      int64
}

type NewObjectUser struct {
	ObjectID string
	UserID   uint64
	Username string
}

// Conflict 预留，收到后不做处理
type Conflict struct {
	ObjectID string
}

func (m PushRev) Object() string       { return m.Revision.ObjectID }
func (m Acked) Object() string         { return m.ObjectID }
func (m PullRev) Object() string       { return m.ObjectID }
func (m NewObjectUser) Object() string { return m.ObjectID }
func (m Conflict) Object() string      { return m.ObjectID }

func (PushRev) Type() MessageType       { return TypePushRev }
func (Acked) Type() MessageType         { return TypeAcked }
func (PullRev) Type() MessageType       { return TypePullRev }
func (NewObjectUser) Type() MessageType { return TypeNewObjectUser }
func (Conflict) Type() MessageType      { return TypeConflict }

func (PushRev) isMessage()       {}
func (Acked) isMessage()         {}
func (PullRev) isMessage()       {}
func (NewObjectUser) isMessage() {}
func (Conflict) isMessage()      {}

// Range 把 LatestRev 换成 latest
func (m PullRev) Range(latest int64) revision.RevRange {
	end := m.End
	if end == LatestRev || end > latest {
		end = latest
	}
	return revision.RevRange{Start: m.Start, End: end}
}

const (
	fieldEnvObjectID = 1
	fieldEnvType     = 2
	fieldEnvPayload  = 3

	fieldPullStart = 1
	fieldPullEnd   = 2

	fieldUserID   = 1
	fieldUsername = 2
)

// Envelope 线上帧：{object_id, type, payload}
type Envelope struct {
	ObjectID string
	Type     MessageType
	Payload  []byte
}

func (e Envelope) Bytes() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldEnvObjectID, protowire.BytesType)
	b = protowire.AppendString(b, e.ObjectID)
	b = protowire.AppendTag(b, fieldEnvType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Type))
	b = protowire.AppendTag(b, fieldEnvPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	return b
}

func decodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Envelope{}, fmt.Errorf("envelope tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldEnvObjectID && typ == protowire.BytesType:
			e.ObjectID, n = protowire.ConsumeString(b)
		case num == fieldEnvType && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			e.Type = MessageType(v)
		case num == fieldEnvPayload && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			e.Payload = v
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return Envelope{}, fmt.Errorf("envelope field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return e, nil
}

func Encode(m Message) []byte {
	env := Envelope{ObjectID: m.Object(), Type: m.Type()}
	switch m := m.(type) {
	case PushRev:
		env.Payload = m.Revision.Bytes()
	case Acked:
		env.Payload = binary.BigEndian.AppendUint64(nil, uint64(m.RevID))
	case PullRev:
		var p []byte
		p = protowire.AppendTag(p, fieldPullStart, protowire.VarintType)
		p = protowire.AppendVarint(p, protowire.EncodeZigZag(m.Start))
		p = protowire.AppendTag(p, fieldPullEnd, protowire.VarintType)
		p = protowire.AppendVarint(p, protowire.EncodeZigZag(m.End))
		env.Payload = p
	case NewObjectUser:
		var p []byte
		p = protowire.AppendTag(p, fieldUserID, protowire.VarintType)
		p = protowire.AppendVarint(p, m.UserID)
		p = protowire.AppendTag(p, fieldUsername, protowire.BytesType)
		p = protowire.AppendString(p, m.Username)
		env.Payload = p
	case Conflict:
	}
	return env.Bytes()
}

func Decode(b []byte) (Message, error) {
	env, err := decodeEnvelope(b)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case TypePushRev:
		rev, err := revision.FromBytes(env.Payload)
		if err != nil {
			return nil, err
		}
		if rev.ObjectID != env.ObjectID {
			return nil, fmt.Errorf("revision for %q in envelope for %q: %w", rev.ObjectID, env.ObjectID, ErrMalformed)
		}
		return PushRev{Revision: rev}, nil
	case TypeAcked:
		if len(env.Payload) != 8 {
			return nil, fmt.Errorf("acked payload of %d bytes: %w", len(env.Payload), ErrMalformed)
		}
		return Acked{ObjectID: env.ObjectID, RevID: int64(binary.BigEndian.Uint64(env.Payload))}, nil
	case TypePullRev:
		return decodePullRev(env)
	case TypeNewObjectUser:
		return decodeNewObjectUser(env)
	case TypeConflict:
		return Conflict{ObjectID: env.ObjectID}, nil
	default:
		return nil, fmt.Errorf("%s: %w", env.Type, ErrUnknownType)
	}
}

func decodePullRev(env Envelope) (Message, error) {
	m := PullRev{ObjectID: env.ObjectID}
	b := env.Payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldPullStart && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			m.Start = protowire.DecodeZigZag(v)
		case num == fieldPullEnd && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			m.End = protowire.DecodeZigZag(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return m, nil
}

func decodeNewObjectUser(env Envelope) (Message, error) {
	m := NewObjectUser{ObjectID: env.ObjectID}
	b := env.Payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldUserID && typ == protowire.VarintType:
			m.UserID, n = protowire.ConsumeVarint(b)
		case num == fieldUsername && typ == protowire.BytesType:
			m.Username, n = protowire.ConsumeString(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return m, nil
}

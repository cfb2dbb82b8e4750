package revision

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"

	"collabSync/backend/internal/ot/delta"
)

var (
	ErrChecksumMismatch  = errors.New("CHECKSUM_MISMATCH")
	ErrDuplicateRevision = errors.New("DUPLICATE_REVISION")
	ErrRevisionNotFound  = errors.New("REVISION_NOT_FOUND")
	// 存储层丢了历史，拿不到完整连续的区间
	ErrRangeIncomplete   = errors.New("RANGE_INCOMPLETE")
	ErrObjectNotFound    = errors.New("OBJECT_NOT_FOUND")
	ErrMalformedRevision = errors.New("MALFORMED_REVISION")
)

type Kind uint8

const (
	// KindEdit 基于 BaseRevID 的一次编辑
	KindEdit Kind = iota
	// KindCorrection 服务端回给过期作者的修正：服务端历史变换到作者编辑之后的结果
	KindCorrection
	// KindSnapshot 整篇文档内容，接收方据此重置
	KindSnapshot
)

func (k Kind) String() string {
	switch k {
	case KindEdit:
		return "edit"
	case KindCorrection:
		return "correction"
	case KindSnapshot:
		return "snapshot"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// State 生命周期：Local(未发送) -> Sync(已发送等待确认) -> Ack(权威端已确认)
type State uint8

const (
	StateLocal State = iota
	StateSync
	StateAck
)

func (s State) String() string {
	switch s {
	case StateLocal:
		return "local"
	case StateSync:
		return "sync"
	case StateAck:
		return "ack"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

type Revision struct {
	ObjectID   string
	BaseRevID  int64
	RevID      int64
	DeltaBytes []byte
	MD5        string
	AuthorID   string
	Kind       Kind
}

func Checksum(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func New(objectID string, baseRevID, revID int64, d delta.Delta, authorID string, kind Kind) *Revision {
	b := d.Bytes()
	return &Revision{
		ObjectID:   objectID,
		BaseRevID:  baseRevID,
		RevID:      revID,
		DeltaBytes: b,
		MD5:        Checksum(b),
		AuthorID:   authorID,
		Kind:       kind,
	}
}

// Initial 对象的第一个修订：base = rev = 0，内容为 content
func Initial(objectID string, content delta.Delta, authorID string) *Revision {
	return New(objectID, 0, 0, content, authorID, KindSnapshot)
}

// Verify 校验 md5 与 id 关系，不通过的修订不能被信任
func (r *Revision) Verify() error {
	if got := Checksum(r.DeltaBytes); got != r.MD5 {
		return fmt.Errorf("revision %s@%d: md5 %s, want %s: %w", r.ObjectID, r.RevID, got, r.MD5, ErrChecksumMismatch)
	}
	if r.BaseRevID > r.RevID {
		return fmt.Errorf("revision %s@%d: base %d ahead of rev: %w", r.ObjectID, r.RevID, r.BaseRevID, ErrMalformedRevision)
	}
	return nil
}

func (r *Revision) Delta() (delta.Delta, error) {
	return delta.FromBytes(r.DeltaBytes)
}

func (r *Revision) String() string {
	return fmt.Sprintf("%s %s@%d(base %d) by %q", r.Kind, r.ObjectID, r.RevID, r.BaseRevID, r.AuthorID)
}

// RevRange 闭区间 [Start, End]
type RevRange struct {
	Start int64
	End   int64
}

func (r RevRange) Valid() bool {
	return r.Start >= 0 && r.Start <= r.End
}

func (r RevRange) Len() int {
	if !r.Valid() {
		return 0
	}
	return int(r.End - r.Start + 1)
}

func (r RevRange) Contains(revID int64) bool {
	return revID >= r.Start && revID <= r.End
}

func (r RevRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.Start, r.End)
}

// Snapshot 按顺序合并修订，得到最后一个修订对应的整篇文档。
// 中途遇到 KindSnapshot 时从它重新开始。
func Snapshot(objectID string, revs []*Revision) (*Revision, error) {
	if len(revs) == 0 {
		return nil, fmt.Errorf("snapshot %s: %w", objectID, ErrObjectNotFound)
	}
	var doc delta.Delta
	for i, r := range revs {
		if i > 0 && r.RevID != revs[i-1].RevID+1 && r.Kind != KindSnapshot {
			return nil, fmt.Errorf("snapshot %s: gap between %d and %d: %w",
				objectID, revs[i-1].RevID, r.RevID, ErrRangeIncomplete)
		}
		if err := r.Verify(); err != nil {
			return nil, err
		}
		d, err := r.Delta()
		if err != nil {
			return nil, err
		}
		if r.Kind == KindSnapshot {
			doc = d
			continue
		}
		if doc, err = delta.Compose(doc, d); err != nil {
			return nil, fmt.Errorf("snapshot %s at %d: %w", objectID, r.RevID, err)
		}
	}
	last := revs[len(revs)-1]
	return New(objectID, last.RevID, last.RevID, doc, "", KindSnapshot), nil
}

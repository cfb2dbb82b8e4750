package collab

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/revision"
)

const EventRevisionApplied = "REVISION_APPLIED"

// RevisionEvent 每提交一个修订发一条，key 为 objectId，同一对象的事件在同一分区内有序
type RevisionEvent struct {
	EventID   string      `json:"eventId"`
	EventType string      `json:"eventType"`
	ObjectID  string      `json:"objectId"`
	RevID     int64       `json:"revId"`
	BaseRevID int64       `json:"baseRevId"`
	AuthorID  string      `json:"authorId"`
	Kind      string      `json:"kind"`
	MD5       string      `json:"md5"`
	Ops       delta.Delta `json:"ops"`
	AppliedAt time.Time   `json:"appliedAt"`
}

func newRevisionEvent(rev *revision.Revision, ops delta.Delta, now time.Time) RevisionEvent {
	return RevisionEvent{
		EventID:   ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		EventType: EventRevisionApplied,
		ObjectID:  rev.ObjectID,
		RevID:     rev.RevID,
		BaseRevID: rev.BaseRevID,
		AuthorID:  rev.AuthorID,
		Kind:      rev.Kind.String(),
		MD5:       rev.MD5,
		Ops:       ops,
		AppliedAt: now,
	}
}

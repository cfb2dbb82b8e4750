package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"collabSync/backend/internal/revision"
)

// RevisionRecord revisions 表，(object_id, rev_id) 唯一
type RevisionRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	ObjectID  string `gorm:"size:64;not null;uniqueIndex:idx_object_rev,priority:1"`
	RevID     int64  `gorm:"not null;uniqueIndex:idx_object_rev,priority:2"`
	BaseRevID int64  `gorm:"not null"`
	Delta     []byte `gorm:"type:mediumblob"`
	MD5       string `gorm:"size:32;not null"`
	AuthorID  string `gorm:"size:64"`
	Kind      uint8  `gorm:"not null"`
	CreatedAt time.Time
}

func (RevisionRecord) TableName() string { return "revisions" }

func toRecord(r *revision.Revision) RevisionRecord {
	return RevisionRecord{
		ObjectID:  r.ObjectID,
		RevID:     r.RevID,
		BaseRevID: r.BaseRevID,
		Delta:     r.DeltaBytes,
		MD5:       r.MD5,
		AuthorID:  r.AuthorID,
		Kind:      uint8(r.Kind),
	}
}

func (rec RevisionRecord) toRevision() *revision.Revision {
	return &revision.Revision{
		ObjectID:   rec.ObjectID,
		BaseRevID:  rec.BaseRevID,
		RevID:      rec.RevID,
		DeltaBytes: rec.Delta,
		MD5:        rec.MD5,
		AuthorID:   rec.AuthorID,
		Kind:       revision.Kind(rec.Kind),
	}
}

func OpenMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&RevisionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate revisions: %w", err)
	}
	return db, nil
}

type GormRevisionStore struct{ db *gorm.DB }

func NewGormRevisionStore(db *gorm.DB) *GormRevisionStore {
	return &GormRevisionStore{db: db}
}

func (s *GormRevisionStore) WriteRevisions(ctx context.Context, objectID string, revs []*revision.Revision) error {
	if len(revs) == 0 {
		return nil
	}
	records := make([]RevisionRecord, 0, len(revs))
	for _, r := range revs {
		records = append(records, toRecord(r))
	}
	// 重试的批次里可能有已经写过的修订，忽略唯一键冲突
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(records, 100).Error
}

func (s *GormRevisionStore) ReadRevisions(ctx context.Context, objectID string, revIDs []int64) ([]*revision.Revision, error) {
	if revIDs != nil && len(revIDs) == 0 {
		return nil, nil
	}
	q := s.db.WithContext(ctx).Where("object_id = ?", objectID)
	if revIDs != nil {
		q = q.Where("rev_id IN ?", revIDs)
	}
	var records []RevisionRecord
	if err := q.Order("rev_id").Find(&records).Error; err != nil {
		return nil, err
	}
	return fromRecords(records), nil
}

func (s *GormRevisionStore) ReadRevisionsInRange(ctx context.Context, objectID string, r revision.RevRange) ([]*revision.Revision, error) {
	var records []RevisionRecord
	err := s.db.WithContext(ctx).
		Where("object_id = ? AND rev_id BETWEEN ? AND ?", objectID, r.Start, r.End).
		Order("rev_id").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return fromRecords(records), nil
}

func (s *GormRevisionStore) DeleteAndReset(ctx context.Context, objectID string, revs []*revision.Revision) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("object_id = ?", objectID).Delete(&RevisionRecord{}).Error; err != nil {
			return err
		}
		if len(revs) == 0 {
			return nil
		}
		records := make([]RevisionRecord, 0, len(revs))
		for _, r := range revs {
			records = append(records, toRecord(r))
		}
		return tx.CreateInBatches(records, 100).Error
	})
}

// FetchObject 从最近一个 Snapshot 修订开始合并到最新
func (s *GormRevisionStore) FetchObject(ctx context.Context, objectID string) (*revision.Revision, error) {
	var latest RevisionRecord
	err := s.db.WithContext(ctx).
		Where("object_id = ? AND kind = ?", objectID, uint8(revision.KindSnapshot)).
		Order("rev_id DESC").
		Take(&latest).Error
	start := int64(0)
	switch {
	case err == nil:
		start = latest.RevID
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}

	var records []RevisionRecord
	err = s.db.WithContext(ctx).
		Where("object_id = ? AND rev_id >= ?", objectID, start).
		Order("rev_id").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return snapshotFromLatest(objectID, fromRecords(records))
}

func fromRecords(records []RevisionRecord) []*revision.Revision {
	out := make([]*revision.Revision, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.toRevision())
	}
	return out
}

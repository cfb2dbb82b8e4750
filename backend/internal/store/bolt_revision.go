package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"collabSync/backend/internal/revision"
)

// BoltRevisionStore 客户端本地的持久层：每个对象一个 bucket，key 为 8 字节大端 rev_id，value 为修订编码
type BoltRevisionStore struct{ db *bolt.DB }

func OpenBolt(path string) (*BoltRevisionStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	return &BoltRevisionStore{db: db}, nil
}

func (s *BoltRevisionStore) Close() error {
	return s.db.Close()
}

func revKey(revID int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(revID))
	return k
}

func bucketName(objectID string) []byte {
	return []byte("object/" + objectID)
}

func (s *BoltRevisionStore) WriteRevisions(ctx context.Context, objectID string, revs []*revision.Revision) error {
	if len(revs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(objectID))
		if err != nil {
			return err
		}
		for _, r := range revs {
			k := revKey(r.RevID)
			if b.Get(k) != nil {
				continue
			}
			if err := b.Put(k, r.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltRevisionStore) ReadRevisions(ctx context.Context, objectID string, revIDs []int64) ([]*revision.Revision, error) {
	var out []*revision.Revision
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(objectID))
		if b == nil {
			return nil
		}
		if revIDs == nil {
			return b.ForEach(func(k, v []byte) error {
				r, err := revision.FromBytes(v)
				if err != nil {
					return err
				}
				out = append(out, r)
				return nil
			})
		}
		for _, id := range revIDs {
			v := b.Get(revKey(id))
			if v == nil {
				continue
			}
			r, err := revision.FromBytes(v)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRevisions(out)
	return out, nil
}

func (s *BoltRevisionStore) ReadRevisionsInRange(ctx context.Context, objectID string, r revision.RevRange) ([]*revision.Revision, error) {
	var out []*revision.Revision
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(objectID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(revKey(r.Start)); k != nil; k, v = c.Next() {
			if int64(binary.BigEndian.Uint64(k)) > r.End {
				break
			}
			rev, err := revision.FromBytes(v)
			if err != nil {
				return err
			}
			out = append(out, rev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltRevisionStore) DeleteAndReset(ctx context.Context, objectID string, revs []*revision.Revision) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		name := bucketName(objectID)
		if tx.Bucket(name) != nil {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket(name)
		if err != nil {
			return err
		}
		for _, r := range revs {
			if err := b.Put(revKey(r.RevID), r.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltRevisionStore) FetchObject(ctx context.Context, objectID string) (*revision.Revision, error) {
	revs, err := s.ReadRevisions(ctx, objectID, nil)
	if err != nil {
		return nil, err
	}
	return snapshotFromLatest(objectID, revs)
}

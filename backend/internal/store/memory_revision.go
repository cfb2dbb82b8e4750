package store

import (
	"context"
	"sort"
	"sync"

	"collabSync/backend/internal/revision"
)

// MemoryRevisionStore 进程内实现，单机部署和测试使用
type MemoryRevisionStore struct {
	mu      sync.RWMutex
	objects map[string]map[int64]*revision.Revision
}

func NewMemoryRevisionStore() *MemoryRevisionStore {
	return &MemoryRevisionStore{objects: make(map[string]map[int64]*revision.Revision)}
}

func (s *MemoryRevisionStore) WriteRevisions(ctx context.Context, objectID string, revs []*revision.Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.objects[objectID]
	if m == nil {
		m = make(map[int64]*revision.Revision)
		s.objects[objectID] = m
	}
	for _, r := range revs {
		// 与数据库实现一致：已存在的修订不覆盖
		if _, ok := m[r.RevID]; !ok {
			m[r.RevID] = r
		}
	}
	return nil
}

func (s *MemoryRevisionStore) ReadRevisions(ctx context.Context, objectID string, revIDs []int64) ([]*revision.Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.objects[objectID]
	var out []*revision.Revision
	if revIDs == nil {
		for _, r := range m {
			out = append(out, r)
		}
	} else {
		for _, id := range revIDs {
			if r, ok := m[id]; ok {
				out = append(out, r)
			}
		}
	}
	sortRevisions(out)
	return out, nil
}

func (s *MemoryRevisionStore) ReadRevisionsInRange(ctx context.Context, objectID string, r revision.RevRange) ([]*revision.Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*revision.Revision
	for id, rev := range s.objects[objectID] {
		if r.Contains(id) {
			out = append(out, rev)
		}
	}
	sortRevisions(out)
	return out, nil
}

func (s *MemoryRevisionStore) DeleteAndReset(ctx context.Context, objectID string, revs []*revision.Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[int64]*revision.Revision, len(revs))
	for _, r := range revs {
		m[r.RevID] = r
	}
	s.objects[objectID] = m
	return nil
}

func (s *MemoryRevisionStore) FetchObject(ctx context.Context, objectID string) (*revision.Revision, error) {
	revs, err := s.ReadRevisions(ctx, objectID, nil)
	if err != nil {
		return nil, err
	}
	return snapshotFromLatest(objectID, revs)
}

func sortRevisions(revs []*revision.Revision) {
	sort.Slice(revs, func(i, j int) bool { return revs[i].RevID < revs[j].RevID })
}

// snapshotFromLatest 从最后一个 Snapshot 修订开始合并，revs 需有序
func snapshotFromLatest(objectID string, revs []*revision.Revision) (*revision.Revision, error) {
	if len(revs) == 0 {
		return nil, revision.ErrObjectNotFound
	}
	start := 0
	for i := len(revs) - 1; i >= 0; i-- {
		if revs[i].Kind == revision.KindSnapshot {
			start = i
			break
		}
	}
	return revision.Snapshot(objectID, revs[start:])
}

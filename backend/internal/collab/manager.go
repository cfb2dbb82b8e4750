package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"collabSync/backend/internal/revision"
)

// ObjectSource 冷启动时取对象当前内容
type ObjectSource interface {
	FetchObject(ctx context.Context, objectID string) (*revision.Revision, error)
}

type ManagerOptions struct {
	Server ServerOptions
	Cache  revision.CacheOptions
	// 同时冷启动加载的对象数上限
	MaxConcurrentOpens int
}

type managedActor struct {
	handle *ServerHandle
	refs   int
}

// Manager objectID -> actor。Acquire/Release 成对调用，引用数归零时关闭 actor
type Manager struct {
	mu      sync.Mutex
	actors  map[string]*managedActor
	// 正在做最后一次 checkpoint 的对象，关闭完成前不能重新加载
	closing map[string]chan struct{}
	group   singleflight.Group

	source    ObjectSource
	disk      revision.DiskStore
	events    EventPublisher
	snapshots SnapshotSaver
	openSem   *SemaphoreControl
	opts      ManagerOptions
	log       zerolog.Logger
}

func NewManager(source ObjectSource, disk revision.DiskStore, events EventPublisher, snapshots SnapshotSaver, opts ManagerOptions, log zerolog.Logger) *Manager {
	return &Manager{
		actors:    make(map[string]*managedActor),
		closing:   make(map[string]chan struct{}),
		source:    source,
		disk:      disk,
		events:    events,
		snapshots: snapshots,
		openSem:   NewSemaphoreControl(opts.MaxConcurrentOpens),
		opts:      opts,
		log:       log,
	}
}

// Acquire 拿到对象的 actor，不存在时加载；并发的冷启动只加载一次
func (m *Manager) Acquire(ctx context.Context, objectID string) (*ServerHandle, error) {
	if objectID == "" {
		return nil, fmt.Errorf("acquire: empty object id: %w", revision.ErrObjectNotFound)
	}
	for {
		if h, ok := m.ref(objectID); ok {
			return h, nil
		}
		_, err, _ := m.group.Do(objectID, func() (any, error) {
			return nil, m.open(ctx, objectID)
		})
		if err != nil {
			return nil, err
		}
	}
}

// ref 已打开且未关闭时引用数加一
func (m *Manager) ref(objectID string) (*ServerHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.actors[objectID]
	if !ok {
		return nil, false
	}
	if e.handle.Closed() {
		delete(m.actors, objectID)
		return nil, false
	}
	e.refs++
	return e.handle, true
}

func (m *Manager) open(ctx context.Context, objectID string) error {
	m.mu.Lock()
	if e, ok := m.actors[objectID]; ok && !e.handle.Closed() {
		m.mu.Unlock()
		return nil
	}
	closing := m.closing[objectID]
	m.mu.Unlock()
	if closing != nil {
		select {
		case <-closing:
		case <-ctx.Done():
			return fmt.Errorf("open %s: %w", objectID, ctx.Err())
		}
	}

	if err := m.openSem.Acquire(ctx); err != nil {
		return fmt.Errorf("open %s: %w", objectID, err)
	}
	defer m.openSem.Release()

	log := m.log.With().Str("object_id", objectID).Logger()
	cache := revision.NewCache(objectID, m.disk, m.opts.Cache, log)

	snap, err := m.source.FetchObject(ctx, objectID)
	switch {
	case errors.Is(err, revision.ErrObjectNotFound):
		snap = revision.Initial(objectID, nil, "")
		if err := cache.Add(ctx, snap, revision.StateAck, true); err != nil {
			_ = cache.Close(ctx)
			return err
		}
		log.Info().Msg("create object")
	case err != nil:
		_ = cache.Close(ctx)
		return fmt.Errorf("fetch object %s: %w", objectID, err)
	default:
		cache.MarkDurable(snap.RevID)
	}

	content, err := snap.Delta()
	if err != nil {
		_ = cache.Close(ctx)
		return err
	}
	doc, err := NewDocument(content, snap.RevID)
	if err != nil {
		_ = cache.Close(ctx)
		return err
	}
	h := startServerActor(doc, cache, objectID, m.events, m.snapshots, m.opts.Server, log)

	m.mu.Lock()
	m.actors[objectID] = &managedActor{handle: h}
	m.mu.Unlock()
	log.Info().Int64("rev_id", snap.RevID).Msg("actor opened")
	return nil
}

// Release 引用数归零时关闭 actor（最后一次 checkpoint 在 Close 里完成）
func (m *Manager) Release(ctx context.Context, objectID string) {
	m.mu.Lock()
	e, ok := m.actors[objectID]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.actors, objectID)
	done := make(chan struct{})
	m.closing[objectID] = done
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.closing, objectID)
		m.mu.Unlock()
		close(done)
	}()
	if err := e.handle.Close(ctx); err != nil && !errors.Is(err, ErrActorClosed) {
		m.log.Warn().Err(err).Str("object_id", objectID).Msg("close actor")
	}
}

// Lookup 只查不加载，也不增加引用
func (m *Manager) Lookup(objectID string) (*ServerHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.actors[objectID]
	if !ok || e.handle.Closed() {
		return nil, false
	}
	return e.handle, true
}

func (m *Manager) Open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actors)
}

// CloseAll 服务退出时调用
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	actors := m.actors
	m.actors = make(map[string]*managedActor)
	m.mu.Unlock()

	var errs []error
	for id, e := range actors {
		if err := e.handle.Close(ctx); err != nil && !errors.Is(err, ErrActorClosed) {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

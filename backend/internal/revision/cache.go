package revision

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// DiskStore 持久层，cache 的 checkpoint 是它唯一的写入方
type DiskStore interface {
	WriteRevisions(ctx context.Context, objectID string, revs []*Revision) error
	// revIDs 为 nil 表示全部
	ReadRevisions(ctx context.Context, objectID string, revIDs []int64) ([]*Revision, error)
	ReadRevisionsInRange(ctx context.Context, objectID string, r RevRange) ([]*Revision, error)
	// DeleteAndReset 删除该对象全部修订并写入 revs
	DeleteAndReset(ctx context.Context, objectID string, revs []*Revision) error
}

var (
	checkpointRevisionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_revision_checkpoint_revisions_total",
		Help: "Revisions written to the durable store by checkpoints",
	})
	checkpointFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_revision_checkpoint_failures_total",
		Help: "Failed checkpoint batches",
	})
	pendingRevisionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_revision_pending",
		Help: "Revisions waiting for the next checkpoint",
	})
)

const (
	defaultCheckpointInterval  = 600 * time.Millisecond
	defaultCheckpointThreshold = 32
	defaultHotWindow           = 256
	checkpointWriteTimeout     = 5 * time.Second
)

type CacheOptions struct {
	CheckpointInterval time.Duration
	// pending 数量达到阈值时立即触发一次 checkpoint
	CheckpointThreshold int
	// 最近 HotWindow 个修订即使已落盘也留在内存
	HotWindow int
}

func (o CacheOptions) withDefaults() CacheOptions {
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = defaultCheckpointInterval
	}
	if o.CheckpointThreshold <= 0 {
		o.CheckpointThreshold = defaultCheckpointThreshold
	}
	if o.HotWindow <= 0 {
		o.HotWindow = defaultHotWindow
	}
	return o
}

type record struct {
	rev         *Revision
	state       State
	writeToDisk bool
}

// Cache 单个对象的修订缓存：内存索引 + 持久层，后台定时 checkpoint
type Cache struct {
	objectID string
	disk     DiskStore
	opts     CacheOptions
	log      zerolog.Logger

	mu       sync.Mutex
	records  map[int64]*record
	latest   int64
	durable  int64
	pending  int
	failures int

	// checkpoint 与 Reset 互斥，保证同一时间只有一个写入方
	ioMu sync.Mutex

	flush     chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewCache(objectID string, disk DiskStore, opts CacheOptions, log zerolog.Logger) *Cache {
	c := &Cache{
		objectID: objectID,
		disk:     disk,
		opts:     opts.withDefaults(),
		log:      log.With().Str("object", objectID).Logger(),
		records:  make(map[int64]*record),
		latest:   -1,
		durable:  -1,
		flush:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// MarkDurable 冷启动时使用：持久层里已有到 revID 为止的修订
func (c *Cache) MarkDurable(revID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if revID > c.latest {
		c.latest = revID
	}
	if revID > c.durable {
		c.durable = revID
	}
}

func (c *Cache) Add(ctx context.Context, rev *Revision, state State, writeToDisk bool) error {
	c.mu.Lock()
	if _, ok := c.records[rev.RevID]; ok || rev.RevID <= c.durable {
		c.mu.Unlock()
		return fmt.Errorf("add %s: %w", rev, ErrDuplicateRevision)
	}
	c.records[rev.RevID] = &record{rev: rev, state: state, writeToDisk: writeToDisk}
	if rev.RevID > c.latest {
		c.latest = rev.RevID
	}
	trigger := false
	if writeToDisk {
		c.pending++
		pendingRevisionsGauge.Inc()
		trigger = c.pending >= c.opts.CheckpointThreshold
	}
	c.mu.Unlock()

	if trigger {
		select {
		case c.flush <- struct{}{}:
		default:
		}
	}
	return nil
}

// Get 先查内存，再查持久层；从持久层读到的记录以 Ack 状态放回内存，不会重复写盘
func (c *Cache) Get(ctx context.Context, revID int64) (*Revision, error) {
	c.mu.Lock()
	if rec, ok := c.records[revID]; ok {
		c.mu.Unlock()
		return rec.rev, nil
	}
	c.mu.Unlock()

	revs, err := c.disk.ReadRevisions(ctx, c.objectID, []int64{revID})
	if err != nil {
		return nil, fmt.Errorf("read %s@%d: %w", c.objectID, revID, err)
	}
	for _, rev := range revs {
		if rev.RevID != revID {
			continue
		}
		c.mu.Lock()
		if _, ok := c.records[revID]; !ok {
			c.records[revID] = &record{rev: rev, state: StateAck}
		}
		c.mu.Unlock()
		return rev, nil
	}
	return nil, fmt.Errorf("get %s@%d: %w", c.objectID, revID, ErrRevisionNotFound)
}

// GetRange 返回 [r.Start, r.End] 内有序且连续的修订，缺任何一个都返回 ErrRangeIncomplete
func (c *Cache) GetRange(ctx context.Context, r RevRange) ([]*Revision, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("range %s of %s: %w", r, c.objectID, ErrRangeIncomplete)
	}

	c.mu.Lock()
	out := make([]*Revision, 0, r.Len())
	for id := r.Start; id <= r.End; id++ {
		rec, ok := c.records[id]
		if !ok {
			break
		}
		out = append(out, rec.rev)
	}
	if len(out) == r.Len() {
		c.mu.Unlock()
		return out, nil
	}
	// 内存不全：持久层为主，内存中尚未落盘的覆盖上去
	memory := make(map[int64]*Revision)
	for id, rec := range c.records {
		if r.Contains(id) {
			memory[id] = rec.rev
		}
	}
	c.mu.Unlock()

	revs, err := c.disk.ReadRevisionsInRange(ctx, c.objectID, r)
	if err != nil {
		return nil, fmt.Errorf("read range %s of %s: %w", r, c.objectID, err)
	}
	byID := make(map[int64]*Revision, len(revs)+len(memory))
	for _, rev := range revs {
		byID[rev.RevID] = rev
	}
	for id, rev := range memory {
		byID[id] = rev
	}
	out = out[:0]
	for id := r.Start; id <= r.End; id++ {
		rev, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("range %s of %s missing %d: %w", r, c.objectID, id, ErrRangeIncomplete)
		}
		out = append(out, rev)
	}
	return out, nil
}

// Ack 重复 Ack 是 no-op
func (c *Cache) Ack(ctx context.Context, revID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[revID]
	if !ok {
		if revID <= c.durable {
			return nil
		}
		return fmt.Errorf("ack %s@%d: %w", c.objectID, revID, ErrRevisionNotFound)
	}
	rec.state = StateAck
	return nil
}

func (c *Cache) State(revID int64) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[revID]
	if !ok {
		return 0, false
	}
	return rec.state, true
}

// LatestRevID 没有任何修订时为 -1
func (c *Cache) LatestRevID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// DurableRevID 已确认写入持久层的最大修订号
func (c *Cache) DurableRevID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.durable
}

func (c *Cache) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

func (c *Cache) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// Reset 用 revs 替换该对象的全部历史（持久层与内存）
func (c *Cache) Reset(ctx context.Context, revs []*Revision) error {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	if err := c.disk.DeleteAndReset(ctx, c.objectID, revs); err != nil {
		return fmt.Errorf("reset %s: %w", c.objectID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	pendingRevisionsGauge.Sub(float64(c.pending))
	c.records = make(map[int64]*record, len(revs))
	c.latest, c.durable, c.pending = -1, -1, 0
	for _, rev := range revs {
		c.records[rev.RevID] = &record{rev: rev, state: StateAck}
		if rev.RevID > c.latest {
			c.latest = rev.RevID
		}
	}
	c.durable = c.latest
	return nil
}

// Checkpoint 把所有待写记录一次性写入持久层。
// 写成功之后才清除标记并淘汰热窗口之外已 Ack 的记录；失败则原样保留，下次重试。
func (c *Cache) Checkpoint(ctx context.Context) error {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	c.mu.Lock()
	batch := make([]*record, 0, c.pending)
	for _, rec := range c.records {
		if rec.writeToDisk {
			batch = append(batch, rec)
		}
	}
	c.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].rev.RevID < batch[j].rev.RevID })
	revs := make([]*Revision, len(batch))
	for i, rec := range batch {
		revs[i] = rec.rev
	}

	if err := c.disk.WriteRevisions(ctx, c.objectID, revs); err != nil {
		c.mu.Lock()
		c.failures++
		failures := c.failures
		c.mu.Unlock()
		checkpointFailuresTotal.Inc()
		c.log.Warn().Err(err).Int("batch", len(revs)).Int("failures", failures).Msg("checkpoint failed, will retry")
		return fmt.Errorf("checkpoint %s: %w", c.objectID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range batch {
		if !rec.writeToDisk {
			continue
		}
		rec.writeToDisk = false
		c.pending--
		if rec.rev.RevID > c.durable {
			c.durable = rec.rev.RevID
		}
	}
	pendingRevisionsGauge.Sub(float64(len(batch)))
	checkpointRevisionsTotal.Add(float64(len(batch)))
	c.failures = 0
	c.evictLocked()
	c.log.Debug().Int("batch", len(revs)).Int64("durable", c.durable).Msg("checkpoint done")
	return nil
}

func (c *Cache) evictLocked() {
	floor := c.latest - int64(c.opts.HotWindow)
	for id, rec := range c.records {
		if id <= floor && rec.state == StateAck && !rec.writeToDisk {
			delete(c.records, id)
		}
	}
}

func (c *Cache) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		case <-c.flush:
		}
		ctx, cancel := context.WithTimeout(context.Background(), checkpointWriteTimeout)
		_ = c.Checkpoint(ctx)
		cancel()
	}
}

// Close 停掉后台 checkpoint 并做最后一次写入
func (c *Cache) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
	return c.Checkpoint(ctx)
}

package ws

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"collabSync/backend/internal/cache"
)

// Hub 本进程内的连接登记：objectID -> 连接集合，另外把在线成员同步到 presence（可选）
type Hub struct {
	presence cache.PresenceCache
	ttlOpts  Options
	log      zerolog.Logger

	mu sync.RWMutex
	// 一个用户可以开多个标签页，按连接而不是按 userID 记
	rooms map[string]map[*Conn]struct{}
}

func NewHub(presence cache.PresenceCache, opts Options, log zerolog.Logger) *Hub {
	return &Hub{
		presence: presence,
		ttlOpts:  opts.withDefaults(),
		log:      log,
		rooms:    make(map[string]map[*Conn]struct{}),
	}
}

func (h *Hub) Join(ctx context.Context, objectID string, c *Conn) {
	h.mu.Lock()
	if h.rooms[objectID] == nil {
		h.rooms[objectID] = make(map[*Conn]struct{})
	}
	h.rooms[objectID][c] = struct{}{}
	h.mu.Unlock()
	h.touch(ctx, objectID, c)
}

func (h *Hub) Leave(ctx context.Context, objectID string, c *Conn) {
	h.mu.Lock()
	stillHere := false
	if conns, ok := h.rooms[objectID]; ok {
		delete(conns, c)
		for other := range conns {
			if other.userID == c.userID {
				stillHere = true
				break
			}
		}
		if len(conns) == 0 {
			delete(h.rooms, objectID)
		}
	}
	h.mu.Unlock()

	if h.presence == nil || stillHere || c.userID == 0 {
		return
	}
	if err := h.presence.RemoveMember(ctx, objectID, c.userID); err != nil {
		h.log.Warn().Err(err).Str("object_id", objectID).Uint64("user_id", c.userID).Msg("remove presence member")
	}
}

// touch 登记或刷新在线状态
func (h *Hub) touch(ctx context.Context, objectID string, c *Conn) {
	if h.presence == nil || c.userID == 0 {
		return
	}
	if err := h.presence.AddMember(ctx, objectID, c.userID, c.username, h.ttlOpts.PresenceTTL); err != nil {
		h.log.Warn().Err(err).Str("object_id", objectID).Uint64("user_id", c.userID).Msg("add presence member")
	}
}

// Members 在线成员。配置了 presence 时以它为准（多实例共享），否则只看本进程的连接
func (h *Hub) Members(ctx context.Context, objectID string) ([]cache.PresenceMember, error) {
	if h.presence != nil {
		return h.presence.AliveMembers(ctx, objectID)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[uint64]bool)
	var out []cache.PresenceMember
	for c := range h.rooms[objectID] {
		if seen[c.userID] {
			continue
		}
		seen[c.userID] = true
		out = append(out, cache.PresenceMember{UserID: c.userID, Username: c.username})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (h *Hub) Connections(objectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[objectID])
}

// CloseAll 服务退出时断开全部连接
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var conns []*Conn
	for _, room := range h.rooms {
		for c := range room {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}

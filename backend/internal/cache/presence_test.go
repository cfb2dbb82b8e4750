package cache

import (
	"context"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/xid"
	"github.com/stretchr/testify/require"
)

func testRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	addr := os.Getenv("COLLAB_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestPresence_AddAndList(t *testing.T) {
	ctx := context.Background()
	rdb := testRedis(t)
	p := NewRedisPresence(rdb)
	objectID := "doc-" + xid.New().String()
	t.Cleanup(func() {
		rdb.Del(ctx, roomKey(objectID), namesKey(objectID))
		rdb.SRem(ctx, objectsKey(), objectID)
	})

	require.NoError(t, p.AddMember(ctx, objectID, 1, "alice", time.Minute))
	require.NoError(t, p.AddMember(ctx, objectID, 2, "bob", time.Minute))

	members, err := p.AliveMembers(ctx, objectID)
	require.NoError(t, err)
	require.ElementsMatch(t, []PresenceMember{{UserID: 1, Username: "alice"}, {UserID: 2, Username: "bob"}}, members)

	objects, err := p.Objects(ctx)
	require.NoError(t, err)
	require.Contains(t, objects, objectID)

	require.NoError(t, p.RemoveMember(ctx, objectID, 2))
	members, err = p.AliveMembers(ctx, objectID)
	require.NoError(t, err)
	require.Equal(t, []PresenceMember{{UserID: 1, Username: "alice"}}, members)
}

func TestPresence_ExpiredMembersAreDropped(t *testing.T) {
	ctx := context.Background()
	rdb := testRedis(t)
	p := NewRedisPresence(rdb)
	objectID := "doc-" + xid.New().String()
	t.Cleanup(func() {
		rdb.Del(ctx, roomKey(objectID), namesKey(objectID))
		rdb.SRem(ctx, objectsKey(), objectID)
	})

	// ttl 为负，写进去就已经过期
	require.NoError(t, p.AddMember(ctx, objectID, 7, "ghost", -time.Second))
	members, err := p.AliveMembers(ctx, objectID)
	require.NoError(t, err)
	require.Empty(t, members)

	names, err := rdb.HLen(ctx, namesKey(objectID)).Result()
	require.NoError(t, err)
	require.Zero(t, names)
}

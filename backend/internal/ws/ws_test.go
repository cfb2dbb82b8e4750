package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/logx"
	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/revision"
	"collabSync/backend/internal/store"
)

const e2eObject = "doc-e2e"

type e2eServer struct {
	url     string
	hub     *Hub
	objects *collab.Manager
}

func startServer(t *testing.T, text string) *e2eServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	revs := store.NewMemoryRevisionStore()
	require.NoError(t, revs.WriteRevisions(context.Background(), e2eObject, []*revision.Revision{
		revision.Initial(e2eObject, (&delta.Builder{}).Insert(text, nil).Build(), ""),
	}))
	objects := collab.NewManager(revs, revs, nil, nil, collab.ManagerOptions{}, logx.Nop())
	opts := Options{PingInterval: 200 * time.Millisecond, PongWait: time.Second}
	hub := NewHub(nil, opts, logx.Nop())
	srv := NewServer(hub, objects, nil, opts, logx.Nop())

	r := gin.New()
	r.GET("/collab/ws", func(c *gin.Context) {
		id, _ := strconv.ParseUint(c.Query("userId"), 10, 64)
		c.Set("userId", id)
		c.Set("username", c.Query("username"))
		c.Next()
	}, srv.WebSocketConnect)
	hs := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.CloseAll()
		hs.Close()
		_ = objects.CloseAll(context.Background())
	})
	return &e2eServer{url: "ws" + strings.TrimPrefix(hs.URL, "http") + "/collab/ws", hub: hub, objects: objects}
}

type e2eClient struct {
	handle *collab.ClientHandle
	conn   *Client
	done   chan struct{}
}

func (s *e2eServer) connect(t *testing.T, ctx context.Context, userID uint64, name string) *e2eClient {
	t.Helper()
	url := s.url + "?userId=" + strconv.FormatUint(userID, 10) + "&username=" + name
	conn := NewClient(url, http.Header{}, ClientOptions{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 100 * time.Millisecond}, logx.Nop())
	h, err := collab.StartClient(ctx, e2eObject, name, conn, nil, nil,
		collab.ClientOptions{ResendInterval: 100 * time.Millisecond}, logx.Nop())
	require.NoError(t, err)
	c := &e2eClient{handle: h, conn: conn, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		_ = conn.Run(ctx, h.Connected, h.Dispatch)
	}()
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return c
}

func (c *e2eClient) snapshot() collab.Snapshot {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, _ := c.handle.ReadSnapshot(ctx)
	return snap
}

func (c *e2eClient) synced(text string) func() bool {
	return func() bool {
		snap := c.snapshot()
		return snap.Synced && snap.Text == text
	}
}

func TestWebSocketConvergence(t *testing.T) {
	s := startServer(t, "Hello")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := s.connect(t, ctx, 1, "alice")
	bob := s.connect(t, ctx, 2, "bob")
	require.Eventually(t, alice.synced("Hello"), 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, bob.synced("Hello"), 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		members, err := s.hub.Members(ctx, e2eObject)
		return err == nil && len(members) == 2
	}, 3*time.Second, 10*time.Millisecond)

	// 两边基于同一版本并发编辑
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := alice.handle.ApplyLocalEdit(ctx, (&delta.Builder{}).Retain(5, nil).Insert(" World", nil).Build())
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := bob.handle.ApplyLocalEdit(ctx, (&delta.Builder{}).Retain(5, nil).Insert("!", nil).Build())
		errs <- err
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	server := func() collab.Snapshot {
		h, ok := s.objects.Lookup(e2eObject)
		if !ok {
			return collab.Snapshot{}
		}
		snap, _ := h.ReadSnapshot(ctx)
		return snap
	}
	require.Eventually(t, func() bool {
		want := server()
		if want.RevID != 2 {
			return false
		}
		return alice.synced(want.Text)() && bob.synced(want.Text)()
	}, 5*time.Second, 20*time.Millisecond)

	text := server().Text
	require.Contains(t, []string{"Hello World!", "Hello! World"}, text)
	require.Equal(t, int64(2), alice.snapshot().RevID)
	require.Equal(t, int64(2), bob.snapshot().RevID)
}

func TestWebSocketDisconnectReleasesObject(t *testing.T) {
	s := startServer(t, "Hi")
	ctx, cancel := context.WithCancel(context.Background())

	c := s.connect(t, ctx, 1, "alice")
	require.Eventually(t, c.synced("Hi"), 3*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, s.objects.Open())
	require.Equal(t, 1, s.hub.Connections(e2eObject))

	cancel()
	<-c.done
	require.Eventually(t, func() bool {
		return s.hub.Connections(e2eObject) == 0 && s.objects.Open() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWebSocketReconnectResync(t *testing.T) {
	s := startServer(t, "Hi")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := s.connect(t, ctx, 1, "alice")
	require.Eventually(t, c.synced("Hi"), 3*time.Second, 10*time.Millisecond)

	// 服务端断开所有连接，客户端按退避重连后继续同步
	s.hub.CloseAll()
	_, err := c.handle.ApplyLocalEdit(ctx, (&delta.Builder{}).Retain(2, nil).Insert("!", nil).Build())
	require.NoError(t, err)
	require.Eventually(t, c.synced("Hi!"), 5*time.Second, 20*time.Millisecond)
	require.Equal(t, int64(1), c.snapshot().RevID)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/logx"
	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/revision"
	"collabSync/backend/internal/store"
	"collabSync/backend/internal/ws"
)

const syncTimeout = 10 * time.Second

// session 一个已连接并开始同步的客户端副本
type session struct {
	handle  *collab.ClientHandle
	changes chan collab.Snapshot
	done    chan struct{}
	close   func()
}

func open(c *cli.Context, log zerolog.Logger) (*session, error) {
	objectID := c.String("object")
	author := c.String("author")
	if author == "" {
		author = uuid.NewString()
	}

	u, err := url.Parse(c.String("server"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	if tok := c.String("token"); tok != "" {
		q.Set("token", tok)
	}
	if name := c.String("username"); name != "" {
		q.Set("username", name)
	}
	if id := c.Uint64("user-id"); id != 0 {
		q.Set("userId", fmt.Sprint(id))
	}
	u.RawQuery = q.Encode()

	// 接口变量只在打开本地库时赋值，避免带类型的 nil
	var (
		source collab.ObjectSource
		disk   revision.DiskStore
		bolt   *store.BoltRevisionStore
	)
	if path := c.String("db"); path != "" {
		if bolt, err = store.OpenBolt(path); err != nil {
			return nil, fmt.Errorf("open local store: %w", err)
		}
		source, disk = bolt, bolt
	}

	s := &session{changes: make(chan collab.Snapshot, 64), done: make(chan struct{})}
	conn := ws.NewClient(u.String(), http.Header{}, ws.ClientOptions{}, logx.Component(log, "ws"))
	opts := collab.ClientOptions{
		OnChange: func(snap collab.Snapshot) {
			select {
			case s.changes <- snap:
			default:
			}
		},
	}
	h, err := collab.StartClient(c.Context, objectID, author, conn, source, disk, opts, log)
	if err != nil {
		if bolt != nil {
			_ = bolt.Close()
		}
		return nil, err
	}
	s.handle = h

	ctx, cancel := context.WithCancel(c.Context)
	go func() {
		defer close(s.done)
		if err := conn.Run(ctx, h.Connected, h.Dispatch); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("connection stopped")
		}
	}()
	s.close = func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ccancel()
		// 先关 actor，在途修订落到本地库
		_ = h.Close(cctx)
		cancel()
		<-s.done
		if bolt != nil {
			_ = bolt.Close()
		}
	}
	return s, nil
}

// waitSynced 等到没有在途或待发的本地编辑
func (s *session) waitSynced(ctx context.Context) (collab.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		snap, err := s.handle.ReadSnapshot(ctx)
		if err != nil {
			return snap, err
		}
		if snap.Synced {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, fmt.Errorf("wait for sync: %w", ctx.Err())
		case <-ticker.C:
		case <-s.changes:
		}
	}
}

func catAction(c *cli.Context, log zerolog.Logger) error {
	s, err := open(c, log)
	if err != nil {
		return err
	}
	defer s.close()
	snap, err := s.waitSynced(c.Context)
	if err != nil {
		return err
	}
	fmt.Println(snap.Text)
	return nil
}

func insertAction(c *cli.Context, log zerolog.Logger) error {
	s, err := open(c, log)
	if err != nil {
		return err
	}
	defer s.close()
	snap, err := s.waitSynced(c.Context)
	if err != nil {
		return err
	}

	at := c.Int("at")
	length := snap.Content.TargetLength()
	if at < 0 || at > length {
		at = length
	}
	b := &delta.Builder{}
	if at > 0 {
		b.Retain(at, nil)
	}
	b.Insert(c.String("text"), nil)
	if length-at > 0 {
		b.Retain(length-at, nil)
	}
	if _, err := s.handle.ApplyLocalEdit(c.Context, b.Build()); err != nil {
		return err
	}
	snap, err = s.waitSynced(c.Context)
	if err != nil {
		return err
	}
	fmt.Printf("rev %d\n%s\n", snap.RevID, snap.Text)
	return nil
}

func watchAction(c *cli.Context, log zerolog.Logger) error {
	s, err := open(c, log)
	if err != nil {
		return err
	}
	defer s.close()
	last := int64(-1)
	for {
		select {
		case <-c.Context.Done():
			return nil
		case snap := <-s.changes:
			if snap.RevID == last {
				continue
			}
			last = snap.RevID
			fmt.Printf("--- rev %d\n%s\n", snap.RevID, snap.Text)
		}
	}
}

func main() {
	var log zerolog.Logger
	withLog := func(fn func(*cli.Context, zerolog.Logger) error) cli.ActionFunc {
		return func(c *cli.Context) error { return fn(c, log) }
	}
	app := &cli.App{
		Name:  "collab_client",
		Usage: "command line replica of a collaborative document",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Value: "ws://localhost:8082/collab/ws", Usage: "websocket endpoint"},
			&cli.StringFlag{Name: "object", Aliases: []string{"o"}, Required: true, Usage: "object id"},
			&cli.StringFlag{Name: "author", Usage: "author id, random uuid when empty"},
			&cli.StringFlag{Name: "db", Usage: "bolt file keeping a local copy of the revisions"},
			&cli.StringFlag{Name: "token", EnvVars: []string{"COLLAB_TOKEN"}, Usage: "access token"},
			&cli.StringFlag{Name: "username", Usage: "username when the server runs without auth"},
			&cli.Uint64Flag{Name: "user-id", Usage: "user id when the server runs without auth"},
			&cli.StringFlag{Name: "log-level", Value: "warn"},
		},
		Before: func(c *cli.Context) error {
			log = logx.FromConfig(c.String("log-level"), true)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "cat",
				Usage:  "print the current text",
				Action: withLog(catAction),
			},
			{
				Name:  "insert",
				Usage: "insert text and wait for the server to accept it",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "at", Value: -1, Usage: "rune offset, -1 appends"},
					&cli.StringFlag{Name: "text", Required: true},
				},
				Action: withLog(insertAction),
			},
			{
				Name:   "watch",
				Usage:  "print every change until interrupted",
				Action: withLog(watchAction),
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

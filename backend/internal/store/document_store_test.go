package store

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/xid"
	"github.com/stretchr/testify/require"
)

type documentDirectory interface {
	GetDocumentID(ctx context.Context, title string) (string, error)
	CreateDocument(ctx context.Context, ownerID uint64, title string) (Document, error)
}

func runDirectoryContract(t *testing.T, s documentDirectory) {
	ctx := context.Background()
	title := "notes-" + xid.New().String()

	_, err := s.GetDocumentID(ctx, title)
	require.ErrorIs(t, err, ErrDocumentNotFound)

	doc, err := s.CreateDocument(ctx, 7, title)
	require.NoError(t, err)
	require.NotEmpty(t, doc.ID)
	require.Equal(t, title, doc.Title)

	id, err := s.GetDocumentID(ctx, title)
	require.NoError(t, err)
	require.Equal(t, doc.ID, id)

	_, err = s.CreateDocument(ctx, 8, title)
	require.ErrorIs(t, err, ErrDocumentExists)

	other, err := s.CreateDocument(ctx, 7, title+"-2")
	require.NoError(t, err)
	require.NotEqual(t, doc.ID, other.ID)
}

func TestMemoryDocumentStore(t *testing.T) {
	runDirectoryContract(t, NewMemoryDocumentStore())
}

func TestMySQLDocumentStore(t *testing.T) {
	dsn := os.Getenv("COLLAB_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("COLLAB_TEST_MYSQL_DSN not set, skip mysql test")
	}
	db, err := sql.Open("mysql", dsn)
	require.NoError(t, err)
	defer db.Close()
	if err := db.Ping(); err != nil {
		t.Skipf("mysql not available: %v", err)
	}

	docs := NewDocumentStore(db)
	require.NoError(t, docs.Migrate(context.Background()))
	runDirectoryContract(t, docs)

	snaps := NewSnapshotStore(db)
	require.NoError(t, snaps.Migrate(context.Background()))
	objectID := "doc-" + xid.New().String()
	require.NoError(t, snaps.SaveDocumentSnapshot(context.Background(), objectID, 3, "Hello"))
	// 重复保存同一版本视为成功
	require.NoError(t, snaps.SaveDocumentSnapshot(context.Background(), objectID, 3, "Hello"))
	rev, content, err := snaps.LatestSnapshot(context.Background(), objectID)
	require.NoError(t, err)
	require.Equal(t, int64(3), rev)
	require.Equal(t, "Hello", content)
}

package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

const snapshotSchema = `CREATE TABLE IF NOT EXISTS document_snapshots (
	object_id  VARCHAR(64) NOT NULL,
	revision   BIGINT      NOT NULL,
	content    MEDIUMTEXT  NOT NULL,
	created_at TIMESTAMP   NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (object_id, revision)
)`

// SnapshotStore 保存文档纯文本快照，供只读查询和离线导出
type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, snapshotSchema)
	return err
}

func (s *SnapshotStore) SaveDocumentSnapshot(ctx context.Context, objectID string, rev int64, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (object_id, revision, content)
		VALUES (?, ?, ?)`,
		objectID,
		rev,
		content,
	)
	if err != nil {
		// 同一版本重复保存视为成功
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

// LatestSnapshot 没有快照时返回 sql.ErrNoRows
func (s *SnapshotStore) LatestSnapshot(ctx context.Context, objectID string) (int64, string, error) {
	var (
		rev     int64
		content string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT revision, content FROM document_snapshots WHERE object_id = ? ORDER BY revision DESC LIMIT 1`,
		objectID,
	).Scan(&rev, &content)
	return rev, content, err
}

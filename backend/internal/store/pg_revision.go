package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"collabSync/backend/internal/revision"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS revisions (
	object_id   TEXT        NOT NULL,
	rev_id      BIGINT      NOT NULL,
	base_rev_id BIGINT      NOT NULL,
	delta       BYTEA       NOT NULL,
	md5         TEXT        NOT NULL,
	author_id   TEXT        NOT NULL DEFAULT '',
	kind        SMALLINT    NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (object_id, rev_id)
)`

const pgColumns = `object_id, rev_id, base_rev_id, delta, md5, author_id, kind`

type PgRevisionStore struct{ pool *pgxpool.Pool }

func OpenPostgres(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create revisions table: %w", err)
	}
	return pool, nil
}

func NewPgRevisionStore(pool *pgxpool.Pool) *PgRevisionStore {
	return &PgRevisionStore{pool: pool}
}

func (s *PgRevisionStore) WriteRevisions(ctx context.Context, objectID string, revs []*revision.Revision) error {
	if len(revs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range revs {
		queueInsert(batch, r)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func queueInsert(batch *pgx.Batch, r *revision.Revision) {
	batch.Queue(`INSERT INTO revisions (`+pgColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (object_id, rev_id) DO NOTHING`,
		r.ObjectID, r.RevID, r.BaseRevID, r.DeltaBytes, r.MD5, r.AuthorID, int16(r.Kind))
}

func (s *PgRevisionStore) ReadRevisions(ctx context.Context, objectID string, revIDs []int64) ([]*revision.Revision, error) {
	if revIDs == nil {
		return s.query(ctx, `SELECT `+pgColumns+` FROM revisions WHERE object_id = $1 ORDER BY rev_id`, objectID)
	}
	if len(revIDs) == 0 {
		return nil, nil
	}
	return s.query(ctx, `SELECT `+pgColumns+` FROM revisions WHERE object_id = $1 AND rev_id = ANY($2) ORDER BY rev_id`,
		objectID, revIDs)
}

func (s *PgRevisionStore) ReadRevisionsInRange(ctx context.Context, objectID string, r revision.RevRange) ([]*revision.Revision, error) {
	return s.query(ctx, `SELECT `+pgColumns+` FROM revisions WHERE object_id = $1 AND rev_id BETWEEN $2 AND $3 ORDER BY rev_id`,
		objectID, r.Start, r.End)
}

func (s *PgRevisionStore) DeleteAndReset(ctx context.Context, objectID string, revs []*revision.Revision) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM revisions WHERE object_id = $1`, objectID); err != nil {
			return err
		}
		if len(revs) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for _, r := range revs {
			queueInsert(batch, r)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *PgRevisionStore) FetchObject(ctx context.Context, objectID string) (*revision.Revision, error) {
	var start int64
	err := s.pool.QueryRow(ctx,
		`SELECT rev_id FROM revisions WHERE object_id = $1 AND kind = $2 ORDER BY rev_id DESC LIMIT 1`,
		objectID, int16(revision.KindSnapshot)).Scan(&start)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	revs, err := s.query(ctx, `SELECT `+pgColumns+` FROM revisions WHERE object_id = $1 AND rev_id >= $2 ORDER BY rev_id`,
		objectID, start)
	if err != nil {
		return nil, err
	}
	return snapshotFromLatest(objectID, revs)
}

func (s *PgRevisionStore) query(ctx context.Context, sql string, args ...any) ([]*revision.Revision, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*revision.Revision
	for rows.Next() {
		var (
			r    revision.Revision
			kind int16
		)
		if err := rows.Scan(&r.ObjectID, &r.RevID, &r.BaseRevID, &r.DeltaBytes, &r.MD5, &r.AuthorID, &kind); err != nil {
			return nil, err
		}
		r.Kind = revision.Kind(kind)
		out = append(out, &r)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"sync"

	"github.com/go-sql-driver/mysql"
)

var (
	ErrDocumentNotFound = errors.New("DOCUMENT_NOT_FOUND")
	ErrDocumentExists   = errors.New("DOCUMENT_EXISTS")
)

const documentSchema = `CREATE TABLE IF NOT EXISTS documents (
	id         BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
	owner_id   BIGINT UNSIGNED NOT NULL,
	title      VARCHAR(255)    NOT NULL,
	created_at TIMESTAMP       NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (id),
	UNIQUE KEY uk_title (title)
)`

// Document 文档目录项，ID 即协作对象的 objectID
type Document struct {
	ID      string `json:"id"`
	OwnerID uint64 `json:"ownerId"`
	Title   string `json:"title"`
}

// DocumentStore 标题 -> 文档 id 的目录
type DocumentStore struct{ db *sql.DB }

func NewDocumentStore(db *sql.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, documentSchema)
	return err
}

func (s *DocumentStore) GetDocumentID(ctx context.Context, title string) (string, error) {
	var docID uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM documents WHERE title = ?`,
		title,
	).Scan(&docID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrDocumentNotFound
	}
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(docID, 10), nil
}

func (s *DocumentStore) CreateDocument(ctx context.Context, ownerID uint64, title string) (Document, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (owner_id, title) VALUES (?, ?)`,
		ownerID,
		title,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return Document{}, ErrDocumentExists
		}
		return Document{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Document{}, err
	}
	return Document{ID: strconv.FormatInt(id, 10), OwnerID: ownerID, Title: title}, nil
}

// MemoryDocumentStore 没有配置 MySQL 时的目录实现
type MemoryDocumentStore struct {
	mu     sync.Mutex
	nextID uint64
	docs   map[string]Document
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{docs: make(map[string]Document)}
}

func (s *MemoryDocumentStore) GetDocumentID(ctx context.Context, title string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[title]
	if !ok {
		return "", ErrDocumentNotFound
	}
	return d.ID, nil
}

func (s *MemoryDocumentStore) CreateDocument(ctx context.Context, ownerID uint64, title string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[title]; ok {
		return Document{}, ErrDocumentExists
	}
	s.nextID++
	d := Document{ID: strconv.FormatUint(s.nextID, 10), OwnerID: ownerID, Title: title}
	s.docs[title] = d
	return d, nil
}

// Package pgstore backs the docstore contract with Postgres through gorm.
// Documents live in a single table keyed by (container, doc_id) with a JSONB
// body, a uuid etag, and a global commit sequence that drives the change feed.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"horse.fit/newswire/internal/docstore"
)

const (
	defaultPollInterval = time.Second
	feedBatchLimit      = 100
)

// Config controls the connection pool and logging verbosity.
type Config struct {
	DSN          string
	MinConns     int32
	MaxConns     int32
	LogLevel     string
	Environment  string
	PollInterval time.Duration
}

// Store implements docstore.Store on Postgres.
type Store struct {
	gdb          *gorm.DB
	sqlDB        *sql.DB
	logger       zerolog.Logger
	pollInterval time.Duration
}

func Open(ctx context.Context, cfg Config, log zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("pgstore: DSN is required")
	}

	gdb, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(resolveGormLogLevel(cfg.LogLevel, cfg.Environment)),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get gorm sql db: %w", err)
	}

	maxOpen := int(cfg.MaxConns)
	if maxOpen <= 0 {
		maxOpen = 8
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(max(1, min(int(cfg.MinConns), maxOpen)))
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{
		gdb:          gdb,
		sqlDB:        sqlDB,
		logger:       log.With().Str("component", "pgstore").Logger(),
		pollInterval: cfg.PollInterval,
	}
	if store.pollInterval <= 0 {
		store.pollInterval = defaultPollInterval
	}
	if err := store.migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return store, nil
}

func (s *Store) Get(ctx context.Context, container, id, partition string) (docstore.Doc, error) {
	q := `
SELECT partition, etag, ts, data
FROM nw_documents
WHERE container = ? AND doc_id = ?
`
	args := []any{container, id}
	if partition != "" {
		q += " AND partition = ?"
		args = append(args, partition)
	}

	doc := docstore.Doc{ID: id}
	row := s.gdb.WithContext(ctx).Raw(q, args...).Row()
	if err := row.Scan(&doc.Partition, &doc.ETag, &doc.Ts, &doc.Data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return docstore.Doc{}, docstore.ErrNotFound
		}
		return docstore.Doc{}, fmt.Errorf("get %s/%s: %w", container, id, err)
	}
	return doc, nil
}

func (s *Store) Query(ctx context.Context, container string, q docstore.Query) ([]docstore.Doc, error) {
	// No ORDER BY: the contract leaves result order to the caller.
	sqlText := `
SELECT doc_id, partition, etag, ts, data
FROM nw_documents
WHERE container = ?
`
	args := []any{container}
	if q.Partition != "" {
		sqlText += " AND partition = ?"
		args = append(args, q.Partition)
	}
	if !q.UpdatedAfter.IsZero() {
		sqlText += " AND ts >= ?"
		args = append(args, q.UpdatedAfter)
	}

	rows, err := s.gdb.WithContext(ctx).Raw(sqlText, args...).Rows()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", container, err)
	}
	defer rows.Close()

	var out []docstore.Doc
	for rows.Next() {
		var doc docstore.Doc
		if err := rows.Scan(&doc.ID, &doc.Partition, &doc.ETag, &doc.Ts, &doc.Data); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", container, err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s *Store) Create(ctx context.Context, container string, doc docstore.Doc) error {
	const q = `
INSERT INTO nw_documents (container, doc_id, partition, etag, ts, data, seq)
VALUES (?, ?, ?, ?, ?, ?, nextval('nw_commit_seq'))
ON CONFLICT (container, doc_id) DO NOTHING
`
	res := s.gdb.WithContext(ctx).Exec(q, container, doc.ID, doc.Partition, uuid.NewString(), doc.Ts, string(doc.Data))
	if res.Error != nil {
		return fmt.Errorf("create %s/%s: %w", container, doc.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return docstore.ErrConflict
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, container string, doc docstore.Doc) (string, error) {
	newETag := uuid.NewString()
	if doc.ETag == "" {
		const q = `
INSERT INTO nw_documents (container, doc_id, partition, etag, ts, data, seq)
VALUES (?, ?, ?, ?, ?, ?, nextval('nw_commit_seq'))
ON CONFLICT (container, doc_id) DO UPDATE
SET partition = EXCLUDED.partition,
    etag = EXCLUDED.etag,
    ts = EXCLUDED.ts,
    data = EXCLUDED.data,
    seq = nextval('nw_commit_seq')
`
		res := s.gdb.WithContext(ctx).Exec(q, container, doc.ID, doc.Partition, newETag, doc.Ts, string(doc.Data))
		if res.Error != nil {
			return "", fmt.Errorf("upsert %s/%s: %w", container, doc.ID, res.Error)
		}
		return newETag, nil
	}

	const q = `
UPDATE nw_documents
SET partition = ?, etag = ?, ts = ?, data = ?, seq = nextval('nw_commit_seq')
WHERE container = ? AND doc_id = ? AND etag = ?
`
	res := s.gdb.WithContext(ctx).Exec(q, doc.Partition, newETag, doc.Ts, string(doc.Data), container, doc.ID, doc.ETag)
	if res.Error != nil {
		return "", fmt.Errorf("conditional upsert %s/%s: %w", container, doc.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return "", docstore.ErrPreconditionFailed
	}
	return newETag, nil
}

func (s *Store) ChangeFeed(ctx context.Context, container, leasePrefix string) (docstore.Feed, error) {
	cursor, err := s.loadCheckpoint(ctx, container, leasePrefix)
	if err != nil {
		return nil, err
	}
	return &feed{
		store:     s,
		container: container,
		lease:     leasePrefix,
		cursor:    cursor,
	}, nil
}

func (s *Store) loadCheckpoint(ctx context.Context, container, lease string) (int64, error) {
	const insertQ = `
INSERT INTO nw_leases (container, lease, checkpoint_seq, updated_at)
VALUES (?, ?, 0, now())
ON CONFLICT (container, lease) DO NOTHING
`
	if res := s.gdb.WithContext(ctx).Exec(insertQ, container, lease); res.Error != nil {
		return 0, fmt.Errorf("ensure lease %s/%s: %w", container, lease, res.Error)
	}

	var cursor int64
	row := s.gdb.WithContext(ctx).Raw(
		`SELECT checkpoint_seq FROM nw_leases WHERE container = ? AND lease = ?`,
		container, lease,
	).Row()
	if err := row.Scan(&cursor); err != nil {
		return 0, fmt.Errorf("load lease %s/%s: %w", container, lease, err)
	}
	return cursor, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping verifies connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("pgstore is not initialized")
	}
	return s.sqlDB.PingContext(ctx)
}

type feed struct {
	store     *Store
	container string
	lease     string
	cursor    int64
}

func (f *feed) Next(ctx context.Context) (docstore.Batch, error) {
	for {
		batch, err := f.poll(ctx)
		if err != nil {
			return docstore.Batch{}, err
		}
		if len(batch.Docs) > 0 {
			f.cursor = batch.EndSeq
			return batch, nil
		}
		select {
		case <-ctx.Done():
			return docstore.Batch{}, ctx.Err()
		case <-time.After(f.store.pollInterval):
		}
	}
}

func (f *feed) poll(ctx context.Context) (docstore.Batch, error) {
	// ORDER BY seq here is the change feed's own commit-order guarantee, not
	// the client-facing Query path.
	const q = `
SELECT doc_id, partition, etag, ts, data, seq
FROM nw_documents
WHERE container = ? AND seq > ?
ORDER BY seq
LIMIT ?
`
	rows, err := f.store.gdb.WithContext(ctx).Raw(q, f.container, f.cursor, feedBatchLimit).Rows()
	if err != nil {
		return docstore.Batch{}, fmt.Errorf("poll change feed %s/%s: %w", f.container, f.lease, err)
	}
	defer rows.Close()

	var batch docstore.Batch
	for rows.Next() {
		var doc docstore.Doc
		var seq int64
		if err := rows.Scan(&doc.ID, &doc.Partition, &doc.ETag, &doc.Ts, &doc.Data, &seq); err != nil {
			return docstore.Batch{}, fmt.Errorf("scan change feed row: %w", err)
		}
		batch.Docs = append(batch.Docs, doc)
		batch.EndSeq = seq
	}
	return batch, rows.Err()
}

func (f *feed) Checkpoint(ctx context.Context, batch docstore.Batch) error {
	const q = `
UPDATE nw_leases
SET checkpoint_seq = GREATEST(checkpoint_seq, ?), updated_at = now()
WHERE container = ? AND lease = ?
`
	res := f.store.gdb.WithContext(ctx).Exec(q, batch.EndSeq, f.container, f.lease)
	if res.Error != nil {
		return fmt.Errorf("checkpoint %s/%s: %w", f.container, f.lease, res.Error)
	}
	return nil
}

func (f *feed) Close() error { return nil }

func resolveGormLogLevel(appLogLevel, environment string) logger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(appLogLevel)) {
	case "trace", "debug":
		return logger.Info
	case "warn", "warning", "info", "":
		return logger.Warn
	case "error":
		return logger.Error
	case "silent":
		return logger.Silent
	default:
		if strings.EqualFold(strings.TrimSpace(environment), "local") {
			return logger.Warn
		}
		return logger.Error
	}
}

package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// document maps nw_documents.
type document struct {
	Container string          `gorm:"column:container;type:text;primaryKey"`
	DocID     string          `gorm:"column:doc_id;type:text;primaryKey"`
	Partition string          `gorm:"column:partition;type:text;not null;index:idx_nw_documents_partition"`
	ETag      string          `gorm:"column:etag;type:uuid;not null"`
	Ts        time.Time       `gorm:"column:ts;type:timestamptz;not null;index:idx_nw_documents_ts"`
	Data      json.RawMessage `gorm:"column:data;type:jsonb;not null"`
	Seq       int64           `gorm:"column:seq;type:bigint;not null;index:idx_nw_documents_seq"`
}

func (document) TableName() string { return "nw_documents" }

// lease maps nw_leases.
type lease struct {
	Container     string    `gorm:"column:container;type:text;primaryKey"`
	Lease         string    `gorm:"column:lease;type:text;primaryKey"`
	CheckpointSeq int64     `gorm:"column:checkpoint_seq;type:bigint;not null;default:0"`
	UpdatedAt     time.Time `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (lease) TableName() string { return "nw_leases" }

const preMigrateSQL = `
CREATE SEQUENCE IF NOT EXISTS nw_commit_seq;
`

func (s *Store) migrate(ctx context.Context) error {
	if err := s.executeMigrationSQL(ctx, "pre-auto-migrate", preMigrateSQL); err != nil {
		return err
	}
	if err := s.gdb.WithContext(ctx).AutoMigrate(&document{}, &lease{}); err != nil {
		return fmt.Errorf("gorm auto-migrate models: %w", err)
	}
	return nil
}

func (s *Store) executeMigrationSQL(ctx context.Context, label, sqlText string) error {
	trimmed := strings.TrimSpace(sqlText)
	if trimmed == "" {
		return nil
	}
	if err := s.gdb.WithContext(ctx).Exec(trimmed).Error; err != nil {
		return fmt.Errorf("execute %s SQL: %w", label, err)
	}
	return nil
}

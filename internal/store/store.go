// Package store persists records and executes compiled filter expressions
// against PostgreSQL. Each record is one JSONB payload plus relational
// metadata columns; versions accumulate as rows and exactly one row per
// (tenant, type, id) is current at any time.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/healthgrid-eu/healthgrid/internal/database"
	"github.com/healthgrid-eu/healthgrid/internal/observability"
	"github.com/healthgrid-eu/healthgrid/internal/predicate"
)

// ErrNotFound is returned when no current record matches a write target.
var ErrNotFound = errors.New("record not found")

// Record is one stored version of a resource.
type Record struct {
	TenantID     string          `json:"tenantId"`
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId"`
	VersionID    string          `json:"versionId"`
	IsCurrent    bool            `json:"isCurrent"`
	IsDeleted    bool            `json:"isDeleted"`
	LastUpdated  time.Time       `json:"lastUpdated"`
	Content      json.RawMessage `json:"content"`
}

// SortField orders results by a metadata column.
type SortField struct {
	Column string
	Desc   bool
}

// SearchOptions carry ordering and pagination; filtering is entirely in the
// filter expression.
type SearchOptions struct {
	Sort   []SortField
	Offset int
	Limit  int
}

// Page is one page of matching records plus the total match count.
type Page struct {
	Total   int64
	Records []Record
}

// Store executes searches and maintains the record lifecycle.
type Store struct {
	conn *database.Connection
}

// New returns a store over the given connection.
func New(conn *database.Connection) *Store {
	return &Store{conn: conn}
}

// Search executes a compiled filter expression and returns the total match
// count plus the requested page. Count and page run concurrently; the
// resourceType argument only labels metrics.
func (s *Store) Search(ctx context.Context, resourceType string, filter predicate.Expression, opts SearchOptions) (Page, error) {
	started := time.Now()

	countSQL, countArgs, err := buildCount(filter)
	if err != nil {
		return Page{}, err
	}
	selectSQL, selectArgs, err := buildSelect(filter, opts)
	if err != nil {
		return Page{}, err
	}

	var page Page
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.conn.Pool.QueryRow(gctx, countSQL, countArgs...).Scan(&page.Total); err != nil {
			return fmt.Errorf("count query: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		rows, err := s.conn.Pool.Query(gctx, selectSQL, selectArgs...)
		if err != nil {
			return fmt.Errorf("page query: %w", err)
		}
		defer rows.Close()
		page.Records, err = scanRecords(rows)
		return err
	})
	if err := g.Wait(); err != nil {
		return Page{}, err
	}

	observability.ObserveSearchDuration(resourceType, time.Since(started))
	log.Debug().
		Str("resource_type", resourceType).
		Int64("total", page.Total).
		Int("page_size", len(page.Records)).
		Dur("duration", time.Since(started)).
		Msg("Search executed")
	return page, nil
}

func scanRecords(rows pgx.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(
			&r.TenantID, &r.ResourceType, &r.ResourceID, &r.VersionID,
			&r.IsCurrent, &r.IsDeleted, &r.LastUpdated, &r.Content,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	return records, nil
}

const insertSQL = `INSERT INTO ` + table + `
	("tenant_id", "resource_type", "resource_id", "version_id",
	 "is_current", "is_deleted", "last_updated", "content")
	VALUES ($1, $2, $3, $4, TRUE, FALSE, $5, $6)`

// Create stores a new record and returns it. The record id is generated.
func (s *Store) Create(ctx context.Context, tenantID, resourceType string, content json.RawMessage) (Record, error) {
	r := Record{
		TenantID:     tenantID,
		ResourceType: resourceType,
		ResourceID:   uuid.NewString(),
		VersionID:    uuid.NewString(),
		IsCurrent:    true,
		LastUpdated:  time.Now().UTC(),
		Content:      content,
	}
	_, err := s.conn.Pool.Exec(ctx, insertSQL,
		r.TenantID, r.ResourceType, r.ResourceID, r.VersionID, r.LastUpdated, r.Content)
	if err != nil {
		return Record{}, fmt.Errorf("insert record: %w", err)
	}
	return r, nil
}

// Update adds a new version row and marks the previous one not current, in
// one transaction so the single-current invariant holds at every commit
// point. Returns ErrNotFound when no current record exists.
func (s *Store) Update(ctx context.Context, tenantID, resourceType, resourceID string, content json.RawMessage) (Record, error) {
	r := Record{
		TenantID:     tenantID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		VersionID:    uuid.NewString(),
		IsCurrent:    true,
		LastUpdated:  time.Now().UTC(),
		Content:      content,
	}

	err := pgx.BeginFunc(ctx, s.conn.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE `+table+` SET "is_current" = FALSE
			 WHERE "tenant_id" = $1 AND "resource_type" = $2 AND "resource_id" = $3
			   AND "is_current" = TRUE AND "is_deleted" = FALSE`,
			tenantID, resourceType, resourceID)
		if err != nil {
			return fmt.Errorf("supersede current version: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		if _, err := tx.Exec(ctx, insertSQL,
			r.TenantID, r.ResourceType, r.ResourceID, r.VersionID, r.LastUpdated, r.Content); err != nil {
			return fmt.Errorf("insert new version: %w", err)
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return r, nil
}

// Delete soft-deletes the current version. Rows are never physically
// removed here. Returns ErrNotFound when no current record exists.
func (s *Store) Delete(ctx context.Context, tenantID, resourceType, resourceID string) error {
	tag, err := s.conn.Pool.Exec(ctx,
		`UPDATE `+table+` SET "is_deleted" = TRUE, "last_updated" = $4
		 WHERE "tenant_id" = $1 AND "resource_type" = $2 AND "resource_id" = $3
		   AND "is_current" = TRUE AND "is_deleted" = FALSE`,
		tenantID, resourceType, resourceID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("soft delete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PutCatalog stores a playbook version, replacing content for an existing (path, version).
func (s *SQLStore) PutCatalog(ctx context.Context, entry *CatalogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.conn().exec(ctx,
		`INSERT INTO catalog (catalog_id, path, version, content, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(path, version) DO UPDATE SET content = excluded.content`,
		entry.CatalogID, entry.Path, entry.Version, entry.Content, millis(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put catalog: %w", err)
	}
	return nil
}

// GetCatalog returns an entry by id.
func (s *SQLStore) GetCatalog(ctx context.Context, catalogID string) (*CatalogEntry, error) {
	return s.catalogRow(ctx, catalogID,
		`SELECT catalog_id, path, version, content, created_at FROM catalog WHERE catalog_id = ?`, catalogID)
}

// FindCatalog returns an entry by path and exact version.
func (s *SQLStore) FindCatalog(ctx context.Context, path, version string) (*CatalogEntry, error) {
	return s.catalogRow(ctx, path+"@"+version,
		`SELECT catalog_id, path, version, content, created_at FROM catalog WHERE path = ? AND version = ?`,
		path, version)
}

func (s *SQLStore) catalogRow(ctx context.Context, label, q string, args ...any) (*CatalogEntry, error) {
	e := &CatalogEntry{}
	var created int64
	err := s.conn().queryRow(ctx, q, args...).Scan(&e.CatalogID, &e.Path, &e.Version, &e.Content, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("playbook", label)
	}
	if err != nil {
		return nil, err
	}
	e.CreatedAt = fromMillis(created)
	return e, nil
}

// ListCatalog returns entries without content, ordered by path then creation.
func (s *SQLStore) ListCatalog(ctx context.Context, filter CatalogFilter) ([]*CatalogEntry, error) {
	q := `SELECT catalog_id, path, version, created_at FROM catalog`
	var args []any
	if filter.Path != "" {
		q += ` WHERE path = ?`
		args = append(args, filter.Path)
	}
	q += ` ORDER BY path ASC, created_at ASC`
	if filter.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.conn().query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CatalogEntry
	for rows.Next() {
		e := &CatalogEntry{}
		var created int64
		if err := rows.Scan(&e.CatalogID, &e.Path, &e.Version, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = fromMillis(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

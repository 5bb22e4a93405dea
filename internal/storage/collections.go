package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// CollectionRepo persists collections and their schema versions.
type CollectionRepo struct {
	tx *sql.Tx
}

const collectionColumns = `id, name, description, latest_version_id, created_at, updated_at`

// Insert stores a new collection.
func (r CollectionRepo) Insert(ctx context.Context, c Collection) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO collections (`+collectionColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Description, c.LatestVersionID, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting collection %s: %w", c.ID, err)
	}
	return nil
}

// Replace overwrites the collection with c's id, or returns ErrNotFound.
func (r CollectionRepo) Replace(ctx context.Context, c Collection) error {
	res, err := r.tx.ExecContext(ctx, `
		UPDATE collections SET name = ?, description = ?, latest_version_id = ?, updated_at = ? WHERE id = ?`,
		c.Name, c.Description, c.LatestVersionID, formatTime(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return fmt.Errorf("replacing collection %s: %w", c.ID, err)
	}
	return checkAffected(res)
}

// Delete removes a collection and its versions, or returns ErrNotFound.
func (r CollectionRepo) Delete(ctx context.Context, id string) error {
	res, err := r.tx.ExecContext(ctx, `DELETE FROM collections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting collection %s: %w", id, err)
	}
	return checkAffected(res)
}

// Find returns the collection with id, or ErrNotFound.
func (r CollectionRepo) Find(ctx context.Context, id string) (Collection, error) {
	row := r.tx.QueryRowContext(ctx, `SELECT `+collectionColumns+` FROM collections WHERE id = ?`, id)
	return scanCollection(row)
}

// Exists reports whether a collection with id exists.
func (r CollectionRepo) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := r.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM collections WHERE id = ?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns every collection ordered by id.
func (r CollectionRepo) List(ctx context.Context) ([]Collection, error) {
	rows, err := r.tx.QueryContext(ctx, `SELECT `+collectionColumns+` FROM collections ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	defer rows.Close()

	var out []Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertVersion stores a schema version of a collection.
func (r CollectionRepo) InsertVersion(ctx context.Context, v CollectionVersion) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO collection_versions (id, collection_id, previous_version_id, schema_source, key_script, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID, v.CollectionID, nullString(v.PreviousVersionID), v.Schema, v.KeyScript, formatTime(v.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting collection version %s: %w", v.ID, err)
	}
	return nil
}

// FindVersion returns the collection version with id, or ErrNotFound.
func (r CollectionRepo) FindVersion(ctx context.Context, id string) (CollectionVersion, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT id, collection_id, previous_version_id, schema_source, key_script, created_at
		FROM collection_versions WHERE id = ?`, id)
	return scanCollectionVersion(row)
}

// ListVersions returns a collection's versions oldest first.
func (r CollectionRepo) ListVersions(ctx context.Context, collectionID string) ([]CollectionVersion, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT id, collection_id, previous_version_id, schema_source, key_script, created_at
		FROM collection_versions WHERE collection_id = ? ORDER BY created_at ASC, rowid ASC`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("listing collection versions: %w", err)
	}
	defer rows.Close()

	var out []CollectionVersion
	for rows.Next() {
		v, err := scanCollectionVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanCollection(s scanner) (Collection, error) {
	var c Collection
	var createdAt, updatedAt string
	err := s.Scan(&c.ID, &c.Name, &c.Description, &c.LatestVersionID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Collection{}, ErrNotFound
	}
	if err != nil {
		return Collection{}, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Collection{}, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Collection{}, err
	}
	return c, nil
}

func scanCollectionVersion(s scanner) (CollectionVersion, error) {
	var v CollectionVersion
	var prev sql.NullString
	var createdAt string
	err := s.Scan(&v.ID, &v.CollectionID, &prev, &v.Schema, &v.KeyScript, &createdAt)
	if err == sql.ErrNoRows {
		return CollectionVersion{}, ErrNotFound
	}
	if err != nil {
		return CollectionVersion{}, err
	}
	v.PreviousVersionID = stringPtr(prev)
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return CollectionVersion{}, err
	}
	return v, nil
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// DocumentRepo persists documents, their versions and their blocking keys.
type DocumentRepo struct {
	tx *sql.Tx
}

const documentVersionColumns = `id, document_id, collection_version_id, previous_version_id, content_json, created_by, created_at, conversation_id, is_latest`

// Insert stores a new document. Its versions are inserted separately.
func (r DocumentRepo) Insert(ctx context.Context, d Document) error {
	_, err := r.tx.ExecContext(ctx, `INSERT INTO documents (id, collection_id, created_at) VALUES (?, ?, ?)`,
		d.ID, d.CollectionID, formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting document %s: %w", d.ID, err)
	}
	return nil
}

// Delete removes a document together with its versions and blocking keys.
func (r DocumentRepo) Delete(ctx context.Context, id string) error {
	res, err := r.tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	return checkAffected(res)
}

// Find returns the document with id, or ErrNotFound.
func (r DocumentRepo) Find(ctx context.Context, id string) (Document, error) {
	var d Document
	var createdAt string
	err := r.tx.QueryRowContext(ctx, `SELECT id, collection_id, created_at FROM documents WHERE id = ?`, id).
		Scan(&d.ID, &d.CollectionID, &createdAt)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return Document{}, err
	}
	return d, nil
}

// Exists reports whether a document with id exists.
func (r DocumentRepo) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := r.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE id = ?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountInCollection returns the number of documents in a collection.
func (r DocumentRepo) CountInCollection(ctx context.Context, collectionID string) (int, error) {
	var n int
	err := r.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE collection_id = ?`, collectionID).Scan(&n)
	return n, err
}

// ListInCollection returns the latest version of every document in a
// collection, oldest document first.
func (r DocumentRepo) ListInCollection(ctx context.Context, collectionID string) ([]DocumentVersion, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT v.id, v.document_id, v.collection_version_id, v.previous_version_id, v.content_json,
		       v.created_by, v.created_at, v.conversation_id, v.is_latest
		FROM documents d
		JOIN document_versions v ON v.document_id = d.id AND v.is_latest = 1
		WHERE d.collection_id = ?
		ORDER BY d.created_at ASC, d.id ASC`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	return collectVersions(rows)
}

// InsertVersion stores a document version. At most one version per document
// may be latest.
func (r DocumentRepo) InsertVersion(ctx context.Context, v DocumentVersion) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO document_versions (`+documentVersionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.DocumentID, v.CollectionVersionID, nullString(v.PreviousVersionID), string(v.Content),
		string(v.CreatedBy), formatTime(v.CreatedAt), nullString(v.ConversationID), boolInt(v.IsLatest),
	)
	if err != nil {
		return fmt.Errorf("inserting document version %s: %w", v.ID, err)
	}
	return nil
}

// ClearLatest unmarks versionID as the latest version of documentID. It
// returns ErrNotFound when versionID is not the latest version at the time of
// the call, so concurrent writers cannot both advance the same version.
func (r DocumentRepo) ClearLatest(ctx context.Context, documentID, versionID string) error {
	res, err := r.tx.ExecContext(ctx, `
		UPDATE document_versions SET is_latest = 0
		WHERE document_id = ? AND id = ? AND is_latest = 1`, documentID, versionID)
	if err != nil {
		return fmt.Errorf("clearing latest version of %s: %w", documentID, err)
	}
	return checkAffected(res)
}

// FindVersion returns the document version with id, or ErrNotFound.
func (r DocumentRepo) FindVersion(ctx context.Context, id string) (DocumentVersion, error) {
	row := r.tx.QueryRowContext(ctx, `SELECT `+documentVersionColumns+` FROM document_versions WHERE id = ?`, id)
	return scanDocumentVersion(row)
}

// FindLatestVersion returns the latest version of a document, or
// ErrNotFound.
func (r DocumentRepo) FindLatestVersion(ctx context.Context, documentID string) (DocumentVersion, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT `+documentVersionColumns+` FROM document_versions
		WHERE document_id = ? AND is_latest = 1`, documentID)
	return scanDocumentVersion(row)
}

// ListVersions returns a document's versions oldest first.
func (r DocumentRepo) ListVersions(ctx context.Context, documentID string) ([]DocumentVersion, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT `+documentVersionColumns+` FROM document_versions
		WHERE document_id = ? ORDER BY created_at ASC, rowid ASC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("listing document versions: %w", err)
	}
	return collectVersions(rows)
}

// ReplaceBlockingKeys sets the blocking keys indexed for a document.
func (r DocumentRepo) ReplaceBlockingKeys(ctx context.Context, documentID, collectionID string, keys []string) error {
	if _, err := r.tx.ExecContext(ctx, `DELETE FROM document_blocking_keys WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("clearing blocking keys: %w", err)
	}
	for _, k := range dedupe(keys) {
		if _, err := r.tx.ExecContext(ctx, `
			INSERT INTO document_blocking_keys (document_id, collection_id, blocking_key) VALUES (?, ?, ?)`,
			documentID, collectionID, k); err != nil {
			return fmt.Errorf("inserting blocking key: %w", err)
		}
	}
	return nil
}

// BlockingKeys returns the keys indexed for a document, sorted.
func (r DocumentRepo) BlockingKeys(ctx context.Context, documentID string) ([]string, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT blocking_key FROM document_blocking_keys WHERE document_id = ? ORDER BY blocking_key`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// FindByBlockingKeys returns the documents in a collection sharing at least
// one key with keys, skipping any document whose id is in exclude. Candidates
// are ordered by document id.
func (r DocumentRepo) FindByBlockingKeys(ctx context.Context, collectionID string, keys, exclude []string) ([]DuplicateCandidate, error) {
	keys = dedupe(keys)
	if len(keys) == 0 {
		return nil, nil
	}

	args := []any{collectionID}
	for _, k := range keys {
		args = append(args, k)
	}
	query := `
		SELECT bk.document_id, bk.blocking_key, v.id, v.content_json
		FROM document_blocking_keys bk
		JOIN document_versions v ON v.document_id = bk.document_id AND v.is_latest = 1
		WHERE bk.collection_id = ? AND bk.blocking_key IN (` + placeholders(len(keys)) + `)`
	if len(exclude) > 0 {
		query += ` AND bk.document_id NOT IN (` + placeholders(len(exclude)) + `)`
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	query += ` ORDER BY bk.document_id, bk.blocking_key`

	rows, err := r.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("finding documents by blocking keys: %w", err)
	}
	defer rows.Close()

	var out []DuplicateCandidate
	for rows.Next() {
		var docID, key, versionID, content string
		if err := rows.Scan(&docID, &key, &versionID, &content); err != nil {
			return nil, err
		}
		if n := len(out); n > 0 && out[n-1].DocumentID == docID {
			out[n-1].MatchingKeys = append(out[n-1].MatchingKeys, key)
			continue
		}
		out = append(out, DuplicateCandidate{
			DocumentID:      docID,
			LatestVersionID: versionID,
			Content:         json.RawMessage(content),
			MatchingKeys:    []string{key},
		})
	}
	return out, rows.Err()
}

func collectVersions(rows *sql.Rows) ([]DocumentVersion, error) {
	defer rows.Close()
	var out []DocumentVersion
	for rows.Next() {
		v, err := scanDocumentVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanDocumentVersion(s scanner) (DocumentVersion, error) {
	var v DocumentVersion
	var prev, conv sql.NullString
	var content, createdBy, createdAt string
	var latest int
	err := s.Scan(&v.ID, &v.DocumentID, &v.CollectionVersionID, &prev, &content, &createdBy, &createdAt, &conv, &latest)
	if err == sql.ErrNoRows {
		return DocumentVersion{}, ErrNotFound
	}
	if err != nil {
		return DocumentVersion{}, err
	}
	v.PreviousVersionID = stringPtr(prev)
	v.ConversationID = stringPtr(conv)
	v.Content = json.RawMessage(content)
	v.CreatedBy = Author(createdBy)
	v.IsLatest = latest == 1
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return DocumentVersion{}, err
	}
	return v, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

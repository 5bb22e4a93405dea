package document

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/quirehq/quire/internal/collection"
	"github.com/quirehq/quire/internal/result"
	"github.com/quirehq/quire/internal/storage"
	"github.com/quirehq/quire/internal/usecase"
)

// CreateNewVersionInput replaces a document's content. LatestVersionID is
// the version the caller read; the write is rejected when it is stale.
type CreateNewVersionInput struct {
	CollectionID    string          `json:"collection_id"`
	DocumentID      string          `json:"document_id"`
	LatestVersionID string          `json:"latest_version_id"`
	Content         json.RawMessage `json:"content"`
	Origin
}

func conflict(documentID, expected, actual string) error {
	return result.New(NameVersionConflict, map[string]string{
		"document_id":       documentID,
		"expected_version":  expected,
		"latest_version_id": actual,
	})
}

// CreateNewVersion appends a version to a document and makes it the latest.
// It fails with DocumentVersionConflict, writing nothing, when
// LatestVersionID is not the current latest version.
func CreateNewVersion(ctx context.Context, env *usecase.Env, in CreateNewVersionInput) (storage.DocumentVersion, error) {
	l, err := collection.Load(ctx, env, in.CollectionID)
	if err != nil {
		return storage.DocumentVersion{}, err
	}
	doc, err := find(ctx, env, GetInput{CollectionID: in.CollectionID, DocumentID: in.DocumentID})
	if err != nil {
		return storage.DocumentVersion{}, err
	}
	content, err := validate(l, in.Content)
	if err != nil {
		return storage.DocumentVersion{}, err
	}

	current, err := latest(ctx, env, doc.ID)
	if err != nil {
		return storage.DocumentVersion{}, err
	}
	if current.ID != in.LatestVersionID {
		return storage.DocumentVersion{}, conflict(doc.ID, in.LatestVersionID, current.ID)
	}

	keys, err := blockingKeys(ctx, env, l, content)
	if err != nil {
		return storage.DocumentVersion{}, err
	}

	docs := env.Tx.Documents()
	if err := docs.ClearLatest(ctx, doc.ID, current.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.DocumentVersion{}, conflict(doc.ID, in.LatestVersionID, "")
		}
		return storage.DocumentVersion{}, err
	}
	prev := current.ID
	version := storage.DocumentVersion{
		ID:                  env.NewID(),
		DocumentID:          doc.ID,
		CollectionVersionID: l.Version.ID,
		PreviousVersionID:   &prev,
		Content:             content,
		CreatedBy:           in.author(),
		CreatedAt:           env.Now(),
		ConversationID:      in.ConversationID,
		IsLatest:            true,
	}
	if err := docs.InsertVersion(ctx, version); err != nil {
		return storage.DocumentVersion{}, err
	}
	if err := docs.ReplaceBlockingKeys(ctx, doc.ID, l.Collection.ID, keys); err != nil {
		return storage.DocumentVersion{}, err
	}
	env.Logger.Debug("document version created", "document_id", doc.ID, "version_id", version.ID, "previous", prev)
	return version, nil
}

// Versions returns a document's history newest first, following the
// previous-version chain from the latest version.
func Versions(ctx context.Context, env *usecase.Env, in GetInput) ([]storage.DocumentVersion, error) {
	doc, err := find(ctx, env, in)
	if err != nil {
		return nil, err
	}
	v, err := latest(ctx, env, doc.ID)
	if err != nil {
		return nil, err
	}

	out := []storage.DocumentVersion{v}
	seen := map[string]bool{v.ID: true}
	for v.PreviousVersionID != nil {
		prev := *v.PreviousVersionID
		if seen[prev] {
			return nil, usecase.Invariantf("document %s has a cycle at version %s", doc.ID, prev)
		}
		v, err = env.Tx.Documents().FindVersion(ctx, prev)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, usecase.Invariantf("document %s references missing version %s", doc.ID, prev)
		}
		if err != nil {
			return nil, err
		}
		seen[v.ID] = true
		out = append(out, v)
	}
	return out, nil
}

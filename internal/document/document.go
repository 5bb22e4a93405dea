// Package document implements document creation with duplicate detection
// and versioning with optimistic concurrency.
package document

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/quirehq/quire/internal/collection"
	"github.com/quirehq/quire/internal/result"
	"github.com/quirehq/quire/internal/storage"
	"github.com/quirehq/quire/internal/usecase"
)

// Domain error names.
const (
	NameNotFound          = "DocumentNotFound"
	NameContentInvalid    = "DocumentContentInvalid"
	NameVersionConflict   = "DocumentVersionConflict"
	NameDuplicateDetected = "DuplicateDocumentDetected"
	NameBatchEmpty        = "DocumentBatchEmpty"
)

// View is a document with its latest version.
type View struct {
	storage.Document
	Latest storage.DocumentVersion `json:"latest"`
}

// NotFound returns the DocumentNotFound domain error.
func NotFound(collectionID, documentID string) error {
	return result.New(NameNotFound, map[string]string{"collection_id": collectionID, "document_id": documentID})
}

// validate checks content against the collection schema and returns it
// compacted.
func validate(l collection.Loaded, content json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, content); err != nil {
		return nil, result.New(NameContentInvalid, map[string]any{
			"issues": []map[string]string{{"path": "", "message": "content is not valid JSON"}},
		})
	}
	compact := json.RawMessage(buf.Bytes())
	if issues := l.Schema.Validate(compact); len(issues) > 0 {
		return nil, result.New(NameContentInvalid, map[string]any{"issues": issues})
	}
	return compact, nil
}

// Origin records who is writing.
type Origin struct {
	CreatedBy      storage.Author `json:"created_by,omitempty"`
	ConversationID *string        `json:"conversation_id,omitempty"`
}

func (o Origin) author() storage.Author {
	if o.CreatedBy == "" {
		return storage.AuthorUser
	}
	return o.CreatedBy
}

// CreateInput describes a new document.
type CreateInput struct {
	CollectionID       string          `json:"collection_id"`
	Content            json.RawMessage `json:"content"`
	SkipDuplicateCheck bool            `json:"skip_duplicate_check,omitempty"`
	// AllowList holds document ids never reported as duplicates.
	AllowList []string `json:"allow_list,omitempty"`
	Origin
}

// Create validates content, rejects it when its blocking keys collide with
// an existing document (unless SkipDuplicateCheck is set), and inserts the
// document with its first version.
func Create(ctx context.Context, env *usecase.Env, in CreateInput) (View, error) {
	l, err := collection.Load(ctx, env, in.CollectionID)
	if err != nil {
		return View{}, err
	}
	return create(ctx, env, l, in)
}

func create(ctx context.Context, env *usecase.Env, l collection.Loaded, in CreateInput) (View, error) {
	content, err := validate(l, in.Content)
	if err != nil {
		return View{}, err
	}
	keys, err := blockingKeys(ctx, env, l, content)
	if err != nil {
		return View{}, err
	}

	docs := env.Tx.Documents()
	if !in.SkipDuplicateCheck && len(keys) > 0 {
		candidates, err := docs.FindByBlockingKeys(ctx, l.Collection.ID, keys, in.AllowList)
		if err != nil {
			return View{}, err
		}
		if len(candidates) > 0 {
			return View{}, result.New(NameDuplicateDetected, map[string]any{
				"collection_id": l.Collection.ID,
				"candidates":    candidates,
			})
		}
	}

	now := env.Now()
	doc := storage.Document{ID: env.NewID(), CollectionID: l.Collection.ID, CreatedAt: now}
	version := storage.DocumentVersion{
		ID:                  env.NewID(),
		DocumentID:          doc.ID,
		CollectionVersionID: l.Version.ID,
		Content:             content,
		CreatedBy:           in.author(),
		CreatedAt:           now,
		ConversationID:      in.ConversationID,
		IsLatest:            true,
	}
	if err := docs.Insert(ctx, doc); err != nil {
		return View{}, err
	}
	if err := docs.InsertVersion(ctx, version); err != nil {
		return View{}, err
	}
	if err := docs.ReplaceBlockingKeys(ctx, doc.ID, l.Collection.ID, keys); err != nil {
		return View{}, err
	}
	env.Logger.Debug("document created", "collection_id", l.Collection.ID, "document_id", doc.ID, "keys", len(keys))
	return View{Document: doc, Latest: version}, nil
}

// CreateManyInput describes a batch of documents for one collection.
type CreateManyInput struct {
	CollectionID       string            `json:"collection_id"`
	Contents           []json.RawMessage `json:"contents"`
	SkipDuplicateCheck bool              `json:"skip_duplicate_check,omitempty"`
	Origin
}

// CreateMany creates every document or none. Documents earlier in the batch
// are not reported as duplicates of later ones. A rejected item undoes the
// whole batch and its error carries the item index.
func CreateMany(ctx context.Context, env *usecase.Env, in CreateManyInput) ([]View, error) {
	if len(in.Contents) == 0 {
		return nil, result.New(NameBatchEmpty, nil)
	}
	l, err := collection.Load(ctx, env, in.CollectionID)
	if err != nil {
		return nil, err
	}

	var out []View
	err = env.WithSavepoint(ctx, func() error {
		created := make([]string, 0, len(in.Contents))
		for i, content := range in.Contents {
			v, err := create(ctx, env, l, CreateInput{
				CollectionID:       in.CollectionID,
				Content:            content,
				SkipDuplicateCheck: in.SkipDuplicateCheck,
				AllowList:          created,
				Origin:             in.Origin,
			})
			if err != nil {
				if e, ok := result.As(err); ok {
					return result.New(e.Name, map[string]any{"index": i, "details": e.Details})
				}
				return err
			}
			created = append(created, v.ID)
			out = append(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetInput identifies a document inside its collection.
type GetInput struct {
	CollectionID string `json:"collection_id"`
	DocumentID   string `json:"document_id"`
}

func find(ctx context.Context, env *usecase.Env, in GetInput) (storage.Document, error) {
	doc, err := env.Tx.Documents().Find(ctx, in.DocumentID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && doc.CollectionID != in.CollectionID) {
		return storage.Document{}, NotFound(in.CollectionID, in.DocumentID)
	}
	return doc, err
}

func latest(ctx context.Context, env *usecase.Env, documentID string) (storage.DocumentVersion, error) {
	v, err := env.Tx.Documents().FindLatestVersion(ctx, documentID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.DocumentVersion{}, usecase.Invariantf("document %s has no latest version", documentID)
	}
	return v, err
}

// Get returns a document with its latest version.
func Get(ctx context.Context, env *usecase.Env, in GetInput) (View, error) {
	doc, err := find(ctx, env, in)
	if err != nil {
		return View{}, err
	}
	v, err := latest(ctx, env, doc.ID)
	if err != nil {
		return View{}, err
	}
	return View{Document: doc, Latest: v}, nil
}

// ListInput identifies a collection.
type ListInput struct {
	CollectionID string `json:"collection_id"`
}

// List returns the latest version of every document in a collection.
func List(ctx context.Context, env *usecase.Env, in ListInput) ([]storage.DocumentVersion, error) {
	ok, err := env.Tx.Collections().Exists(ctx, in.CollectionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, collection.NotFound(in.CollectionID)
	}
	vs, err := env.Tx.Documents().ListInCollection(ctx, in.CollectionID)
	if err != nil {
		return nil, err
	}
	if vs == nil {
		vs = []storage.DocumentVersion{}
	}
	return vs, nil
}

// Delete removes a document with its whole history.
func Delete(ctx context.Context, env *usecase.Env, in GetInput) (struct{}, error) {
	doc, err := find(ctx, env, in)
	if err != nil {
		return struct{}{}, err
	}
	if err := env.Tx.Documents().Delete(ctx, doc.ID); err != nil {
		return struct{}{}, err
	}
	env.Logger.Info("document deleted", "collection_id", in.CollectionID, "document_id", doc.ID)
	return struct{}{}, nil
}

// Package collection holds the operations that define and evolve
// collections: their CUE schema and optional blocking-key script.
package collection

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/quirehq/quire/internal/result"
	"github.com/quirehq/quire/internal/sandbox"
	"github.com/quirehq/quire/internal/schema"
	"github.com/quirehq/quire/internal/storage"
	"github.com/quirehq/quire/internal/usecase"
)

// Domain error names.
const (
	NameNotFound         = "CollectionNotFound"
	NameNotEmpty         = "CollectionNotEmpty"
	NameNameRequired     = "CollectionNameRequired"
	NameSchemaInvalid    = "SchemaInvalid"
	NameKeyScriptInvalid = "KeyScriptInvalid"
)

// View is a collection with its current schema.
type View struct {
	storage.Collection
	Schema        string   `json:"schema"`
	KeyScript     string   `json:"key_script,omitempty"`
	Fields        []string `json:"fields"`
	DocumentCount int      `json:"document_count"`
}

// Loaded is a collection resolved for document operations: its latest
// version, compiled schema, and compiled key script (nil when none).
type Loaded struct {
	Collection storage.Collection
	Version    storage.CollectionVersion
	Schema     *schema.Schema
	KeyScript  *sandbox.Module
}

// NotFound returns the CollectionNotFound domain error.
func NotFound(id string) error {
	return result.New(NameNotFound, map[string]string{"collection_id": id})
}

// Load resolves a collection's latest version. Stored schemas and scripts
// compiled when they were saved, so a failure here is an invariant
// violation.
func Load(ctx context.Context, env *usecase.Env, id string) (Loaded, error) {
	c, err := env.Tx.Collections().Find(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Loaded{}, NotFound(id)
	}
	if err != nil {
		return Loaded{}, err
	}
	v, err := env.Tx.Collections().FindVersion(ctx, c.LatestVersionID)
	if errors.Is(err, storage.ErrNotFound) {
		return Loaded{}, usecase.Invariantf("collection %s points at missing version %s", c.ID, c.LatestVersionID)
	}
	if err != nil {
		return Loaded{}, err
	}
	s, err := schema.Compile(v.Schema)
	if err != nil {
		return Loaded{}, usecase.Invariantf("stored schema of collection version %s: %v", v.ID, err)
	}
	l := Loaded{Collection: c, Version: v, Schema: s}
	if v.KeyScript != "" {
		m, err := env.Sandbox.Compile(keyScriptName(c.ID), v.KeyScript)
		if err != nil {
			return Loaded{}, usecase.Invariantf("stored key script of collection version %s: %v", v.ID, err)
		}
		l.KeyScript = m
	}
	return l, nil
}

func keyScriptName(collectionID string) string {
	return "collections/" + collectionID + "/keys.js"
}

// checkDefinition compiles a schema and key script before they are stored.
func checkDefinition(ctx context.Context, env *usecase.Env, collectionID, src, keyScript string) (*schema.Schema, error) {
	s, err := schema.Compile(src)
	if err != nil {
		details := map[string]any{"message": err.Error()}
		var ce *schema.CompileError
		if errors.As(err, &ce) {
			details = map[string]any{"message": ce.Message, "line": ce.Line, "column": ce.Column}
		}
		return nil, result.New(NameSchemaInvalid, details)
	}
	if strings.TrimSpace(keyScript) == "" {
		return s, nil
	}
	m, err := env.Sandbox.Compile(keyScriptName(collectionID), keyScript)
	if err != nil {
		return nil, result.New(NameKeyScriptInvalid, map[string]string{"message": err.Error()})
	}
	if !env.Sandbox.ExportsCallableDefault(ctx, m) {
		return nil, result.New(NameKeyScriptInvalid, map[string]string{
			"message": "script must export a function as exports.default or module.exports",
		})
	}
	return s, nil
}

// CreateInput defines a new collection.
type CreateInput struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Schema      string `json:"schema"`
	KeyScript   string `json:"key_script,omitempty"`
}

// Create stores a collection and its first version.
func Create(ctx context.Context, env *usecase.Env, in CreateInput) (View, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return View{}, result.New(NameNameRequired, nil)
	}
	id := env.NewID()
	s, err := checkDefinition(ctx, env, id, in.Schema, in.KeyScript)
	if err != nil {
		return View{}, err
	}

	now := env.Now()
	version := storage.CollectionVersion{
		ID:           env.NewID(),
		CollectionID: id,
		Schema:       in.Schema,
		KeyScript:    strings.TrimSpace(in.KeyScript),
		CreatedAt:    now,
	}
	c := storage.Collection{
		ID:              id,
		Name:            name,
		Description:     in.Description,
		LatestVersionID: version.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := env.Tx.Collections().Insert(ctx, c); err != nil {
		return View{}, err
	}
	if err := env.Tx.Collections().InsertVersion(ctx, version); err != nil {
		return View{}, err
	}
	env.Logger.Info("collection created", "collection_id", id, "name", name)
	return View{Collection: c, Schema: version.Schema, KeyScript: version.KeyScript, Fields: s.Fields()}, nil
}

// UpdateSchemaInput replaces a collection's schema. A nil KeyScript keeps
// the current script; an empty one removes it.
type UpdateSchemaInput struct {
	CollectionID string  `json:"collection_id"`
	Schema       string  `json:"schema"`
	KeyScript    *string `json:"key_script,omitempty"`
}

// UpdateSchema appends a collection version. Existing documents keep
// pointing at the version they were written against.
func UpdateSchema(ctx context.Context, env *usecase.Env, in UpdateSchemaInput) (View, error) {
	current, err := Load(ctx, env, in.CollectionID)
	if err != nil {
		return View{}, err
	}
	keyScript := current.Version.KeyScript
	if in.KeyScript != nil {
		keyScript = strings.TrimSpace(*in.KeyScript)
	}
	s, err := checkDefinition(ctx, env, in.CollectionID, in.Schema, keyScript)
	if err != nil {
		return View{}, err
	}

	now := env.Now()
	prev := current.Version.ID
	version := storage.CollectionVersion{
		ID:                env.NewID(),
		CollectionID:      in.CollectionID,
		PreviousVersionID: &prev,
		Schema:            in.Schema,
		KeyScript:         keyScript,
		CreatedAt:         now,
	}
	if err := env.Tx.Collections().InsertVersion(ctx, version); err != nil {
		return View{}, err
	}
	c := current.Collection
	c.LatestVersionID = version.ID
	c.UpdatedAt = now
	if err := env.Tx.Collections().Replace(ctx, c); err != nil {
		return View{}, fmt.Errorf("advancing collection %s: %w", c.ID, err)
	}
	count, err := env.Tx.Documents().CountInCollection(ctx, c.ID)
	if err != nil {
		return View{}, err
	}
	env.Logger.Info("collection schema updated", "collection_id", c.ID, "version_id", version.ID)
	return View{Collection: c, Schema: version.Schema, KeyScript: keyScript, Fields: s.Fields(), DocumentCount: count}, nil
}

// GetInput identifies a collection.
type GetInput struct {
	CollectionID string `json:"collection_id"`
}

// Get returns one collection with its current schema.
func Get(ctx context.Context, env *usecase.Env, in GetInput) (View, error) {
	l, err := Load(ctx, env, in.CollectionID)
	if err != nil {
		return View{}, err
	}
	return view(ctx, env, l)
}

// List returns every collection.
func List(ctx context.Context, env *usecase.Env, _ struct{}) ([]View, error) {
	cs, err := env.Tx.Collections().List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(cs))
	for _, c := range cs {
		l, err := Load(ctx, env, c.ID)
		if err != nil {
			return nil, err
		}
		v, err := view(ctx, env, l)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func view(ctx context.Context, env *usecase.Env, l Loaded) (View, error) {
	count, err := env.Tx.Documents().CountInCollection(ctx, l.Collection.ID)
	if err != nil {
		return View{}, err
	}
	return View{
		Collection:    l.Collection,
		Schema:        l.Version.Schema,
		KeyScript:     l.Version.KeyScript,
		Fields:        l.Schema.Fields(),
		DocumentCount: count,
	}, nil
}

// Delete removes an empty collection and its versions.
func Delete(ctx context.Context, env *usecase.Env, in GetInput) (struct{}, error) {
	ok, err := env.Tx.Collections().Exists(ctx, in.CollectionID)
	if err != nil {
		return struct{}{}, err
	}
	if !ok {
		return struct{}{}, NotFound(in.CollectionID)
	}
	count, err := env.Tx.Documents().CountInCollection(ctx, in.CollectionID)
	if err != nil {
		return struct{}{}, err
	}
	if count > 0 {
		return struct{}{}, result.New(NameNotEmpty, map[string]any{"collection_id": in.CollectionID, "document_count": count})
	}
	if err := env.Tx.Collections().Delete(ctx, in.CollectionID); err != nil {
		return struct{}{}, err
	}
	env.Logger.Info("collection deleted", "collection_id", in.CollectionID)
	return struct{}{}, nil
}

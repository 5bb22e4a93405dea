package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/quirehq/quire/internal/llm"
	"github.com/quirehq/quire/internal/result"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// inTx runs fn in a committed transaction and fails the test on error.
func inTx(t *testing.T, s *Store, fn func(tx *Tx) error) {
	t.Helper()
	err := s.RunInTransaction(context.Background(), func(tx *Tx) (Decision, error) {
		if err := fn(tx); err != nil {
			return Rollback, err
		}
		return Commit, nil
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
}

// TestMigrationsIdempotent opens the same database twice and checks that the
// schema version is unchanged and no migration is applied again.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v1 < 1 {
		t.Fatalf("schema version = %d, want >= 1", v1)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v1 != v2 {
		t.Errorf("schema version changed: %d -> %d", v1, v2)
	}
	var rows int
	if err := s2.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&rows); err != nil {
		t.Fatalf("counting schema_version: %v", err)
	}
	if rows != v2 {
		t.Errorf("schema_version rows = %d, want %d", rows, v2)
	}
}

// TestReadTransaction_DoesNotWaitForWriter holds a write transaction open and
// checks that a read on the pool sees the last committed state meanwhile.
func TestReadTransaction_DoesNotWaitForWriter(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	now := time.Now().UTC()
	inTx(t, s, func(tx *Tx) error {
		return tx.Jobs().Insert(ctx, BackgroundJob{ID: "j1", Name: "n", Status: JobEnqueued, EnqueuedAt: now})
	})

	writing := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.RunInTransaction(ctx, func(tx *Tx) (Decision, error) {
			if err := tx.Jobs().Insert(ctx, BackgroundJob{ID: "j2", Name: "n", Status: JobEnqueued, EnqueuedAt: now}); err != nil {
				return Rollback, err
			}
			close(writing)
			<-release
			return Commit, nil
		})
	}()
	<-writing

	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var n int
	err = s.RunInReadTransaction(readCtx, func(tx *Tx) error {
		var err error
		n, err = tx.Jobs().CountByStatus(readCtx, JobEnqueued)
		return err
	})
	close(release)
	if err != nil {
		t.Fatalf("read during write: %v", err)
	}
	if n != 1 {
		t.Errorf("enqueued during write = %d, want 1 (uncommitted job hidden)", n)
	}
	if err := <-done; err != nil {
		t.Fatalf("write transaction: %v", err)
	}

	err = s.RunInReadTransaction(ctx, func(tx *Tx) error {
		if err := tx.Jobs().Insert(ctx, BackgroundJob{ID: "j3", Name: "n", Status: JobEnqueued, EnqueuedAt: now}); err == nil {
			t.Error("insert through a read transaction succeeded")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunInReadTransaction: %v", err)
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{
		"idx_background_jobs_status_enqueued",
		"idx_background_jobs_single_processing",
		"idx_document_versions_latest",
		"idx_document_blocking_keys_lookup",
	}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestRunInTransaction_RollbackDiscardsWrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := s.RunInTransaction(ctx, func(tx *Tx) (Decision, error) {
		return Rollback, tx.Jobs().Insert(ctx, BackgroundJob{ID: "j1", Name: "x", Status: JobEnqueued, EnqueuedAt: now})
	})
	if err != nil {
		t.Fatalf("RunInTransaction: %v", err)
	}

	inTx(t, s, func(tx *Tx) error {
		_, err := tx.Jobs().Find(ctx, "j1")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Find after rollback error = %v, want ErrNotFound", err)
		}
		return nil
	})
}

func TestRunInTransaction_ErrorRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.RunInTransaction(ctx, func(tx *Tx) (Decision, error) {
		if err := tx.Jobs().Insert(ctx, BackgroundJob{ID: "j1", Name: "x", Status: JobEnqueued, EnqueuedAt: time.Now()}); err != nil {
			return Rollback, err
		}
		return Commit, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}

	inTx(t, s, func(tx *Tx) error {
		if _, err := tx.Jobs().Find(ctx, "j1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Find error = %v, want ErrNotFound", err)
		}
		return nil
	})
}

func TestRunInTransaction_PanicRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = s.RunInTransaction(ctx, func(tx *Tx) (Decision, error) {
			_ = tx.Jobs().Insert(ctx, BackgroundJob{ID: "j1", Name: "x", Status: JobEnqueued, EnqueuedAt: time.Now()})
			panic("kaboom")
		})
	}()

	inTx(t, s, func(tx *Tx) error {
		if _, err := tx.Jobs().Find(ctx, "j1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Find error = %v, want ErrNotFound", err)
		}
		return nil
	})
}

func TestSavepoint_RollbackKeepsEarlierWrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	inTx(t, s, func(tx *Tx) error {
		if err := tx.Jobs().Insert(ctx, BackgroundJob{ID: "before", Name: "x", Status: JobEnqueued, EnqueuedAt: now}); err != nil {
			return err
		}
		sp, err := tx.CreateSavepoint(ctx)
		if err != nil {
			return err
		}
		if err := tx.Jobs().Insert(ctx, BackgroundJob{ID: "inside", Name: "x", Status: JobEnqueued, EnqueuedAt: now}); err != nil {
			return err
		}
		if err := tx.RollbackToSavepoint(ctx, sp); err != nil {
			return err
		}
		return tx.ReleaseSavepoint(ctx, sp)
	})

	inTx(t, s, func(tx *Tx) error {
		if _, err := tx.Jobs().Find(ctx, "before"); err != nil {
			t.Errorf("Find(before): %v", err)
		}
		if _, err := tx.Jobs().Find(ctx, "inside"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Find(inside) error = %v, want ErrNotFound", err)
		}
		return nil
	})
}

func TestJobs_RoundTripAndOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	inTx(t, s, func(tx *Tx) error {
		for i := 0; i < 3; i++ {
			j := BackgroundJob{
				ID:         fmt.Sprintf("job-%d", i),
				Name:       "conversation.process",
				Input:      []byte(fmt.Sprintf(`{"conversation_id":"c%d"}`, i)),
				Status:     JobEnqueued,
				EnqueuedAt: base.Add(time.Duration(2-i) * time.Minute),
			}
			if err := tx.Jobs().Insert(ctx, j); err != nil {
				return err
			}
		}
		return nil
	})

	inTx(t, s, func(tx *Tx) error {
		j, err := tx.Jobs().FindOldestEnqueued(ctx)
		if err != nil {
			t.Fatalf("FindOldestEnqueued: %v", err)
		}
		if j.ID != "job-2" {
			t.Errorf("oldest = %q, want job-2", j.ID)
		}

		started := base.Add(time.Hour)
		j.Status = JobFailed
		j.StartedProcessingAt = &started
		j.FinishedProcessingAt = &started
		j.Error = result.New("Boom", map[string]string{"why": "test"})
		if err := tx.Jobs().Replace(ctx, j); err != nil {
			t.Fatalf("Replace: %v", err)
		}

		got, err := tx.Jobs().Find(ctx, "job-2")
		if err != nil {
			t.Fatalf("Find: %v", err)
		}
		if got.Status != JobFailed {
			t.Errorf("Status = %q, want failed", got.Status)
		}
		if got.Error == nil || got.Error.Name != "Boom" {
			t.Errorf("Error = %+v, want Boom", got.Error)
		}
		if got.StartedProcessingAt == nil || !got.StartedProcessingAt.Equal(started) {
			t.Errorf("StartedProcessingAt = %v, want %v", got.StartedProcessingAt, started)
		}
		if string(got.Input) != `{"conversation_id":"c2"}` {
			t.Errorf("Input = %s", got.Input)
		}
		return nil
	})
}

func TestJobs_SingleProcessingEnforced(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := s.RunInTransaction(ctx, func(tx *Tx) (Decision, error) {
		for _, id := range []string{"a", "b"} {
			j := BackgroundJob{ID: id, Name: "x", Status: JobProcessing, EnqueuedAt: now, StartedProcessingAt: &now}
			if err := tx.Jobs().Insert(ctx, j); err != nil {
				return Rollback, err
			}
		}
		return Commit, nil
	})
	if err == nil {
		t.Fatal("expected unique index violation for two processing jobs")
	}
}

func seedCollection(t *testing.T, s *Store, id string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	inTx(t, s, func(tx *Tx) error {
		if err := tx.Collections().Insert(ctx, Collection{ID: id, Name: id, LatestVersionID: id + "-v1", CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		return tx.Collections().InsertVersion(ctx, CollectionVersion{ID: id + "-v1", CollectionID: id, Schema: "{}", CreatedAt: now})
	})
}

func seedDocument(t *testing.T, tx *Tx, collectionID, docID, versionID, content string, keys []string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	if err := tx.Documents().Insert(ctx, Document{ID: docID, CollectionID: collectionID, CreatedAt: now}); err != nil {
		t.Fatalf("Insert document: %v", err)
	}
	v := DocumentVersion{
		ID: versionID, DocumentID: docID, CollectionVersionID: collectionID + "-v1",
		Content: []byte(content), CreatedBy: AuthorUser, CreatedAt: now, IsLatest: true,
	}
	if err := tx.Documents().InsertVersion(ctx, v); err != nil {
		t.Fatalf("InsertVersion: %v", err)
	}
	if err := tx.Documents().ReplaceBlockingKeys(ctx, docID, collectionID, keys); err != nil {
		t.Fatalf("ReplaceBlockingKeys: %v", err)
	}
}

func TestDocuments_ClearLatestIsCompareAndSwap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedCollection(t, s, "people")

	inTx(t, s, func(tx *Tx) error {
		seedDocument(t, tx, "people", "d1", "d1-v1", `{"name":"Ada"}`, nil)

		if err := tx.Documents().ClearLatest(ctx, "d1", "d1-v1"); err != nil {
			t.Fatalf("first ClearLatest: %v", err)
		}
		if err := tx.Documents().ClearLatest(ctx, "d1", "d1-v1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("second ClearLatest error = %v, want ErrNotFound", err)
		}
		return nil
	})
}

func TestDocuments_SecondLatestVersionRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedCollection(t, s, "people")

	err := s.RunInTransaction(ctx, func(tx *Tx) (Decision, error) {
		seedDocument(t, tx, "people", "d1", "d1-v1", `{}`, nil)
		prev := "d1-v1"
		v := DocumentVersion{
			ID: "d1-v2", DocumentID: "d1", CollectionVersionID: "people-v1", PreviousVersionID: &prev,
			Content: []byte(`{}`), CreatedBy: AuthorUser, CreatedAt: time.Now(), IsLatest: true,
		}
		return Commit, tx.Documents().InsertVersion(ctx, v)
	})
	if err == nil {
		t.Fatal("expected unique index violation for two latest versions")
	}
}

func TestDocuments_FindByBlockingKeys(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedCollection(t, s, "people")
	seedCollection(t, s, "companies")

	inTx(t, s, func(tx *Tx) error {
		seedDocument(t, tx, "people", "d1", "d1-v1", `{"email":"a@x.io"}`, []string{"email:a@x.io", "name:ada"})
		seedDocument(t, tx, "people", "d2", "d2-v1", `{"email":"b@x.io"}`, []string{"email:b@x.io"})
		seedDocument(t, tx, "companies", "d3", "d3-v1", `{}`, []string{"name:ada"})
		return nil
	})

	inTx(t, s, func(tx *Tx) error {
		got, err := tx.Documents().FindByBlockingKeys(ctx, "people", []string{"name:ada", "email:a@x.io", "email:zzz"}, nil)
		if err != nil {
			t.Fatalf("FindByBlockingKeys: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("got %d candidates, want 1", len(got))
		}
		if got[0].DocumentID != "d1" || got[0].LatestVersionID != "d1-v1" {
			t.Errorf("candidate = %+v", got[0])
		}
		if len(got[0].MatchingKeys) != 2 {
			t.Errorf("MatchingKeys = %v, want 2 keys", got[0].MatchingKeys)
		}

		got, err = tx.Documents().FindByBlockingKeys(ctx, "people", []string{"name:ada"}, []string{"d1"})
		if err != nil {
			t.Fatalf("FindByBlockingKeys with exclusion: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("got %d candidates with d1 excluded, want 0", len(got))
		}
		return nil
	})
}

func TestDocuments_DeleteCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedCollection(t, s, "people")

	inTx(t, s, func(tx *Tx) error {
		seedDocument(t, tx, "people", "d1", "d1-v1", `{}`, []string{"k"})
		return tx.Documents().Delete(ctx, "d1")
	})

	inTx(t, s, func(tx *Tx) error {
		if _, err := tx.Documents().FindVersion(ctx, "d1-v1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("FindVersion after delete error = %v, want ErrNotFound", err)
		}
		keys, err := tx.Documents().BlockingKeys(ctx, "d1")
		if err != nil {
			t.Fatalf("BlockingKeys: %v", err)
		}
		if len(keys) != 0 {
			t.Errorf("blocking keys survived delete: %v", keys)
		}
		return nil
	})
}

func TestConversations_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	want := Conversation{
		ID:                 "conv-1",
		AssistantKind:      "editor",
		Format:             FormatText,
		ContextFingerprint: "abc",
		Messages: []llm.Message{
			llm.UserMessage{Content: "hello", CreatedAt: now},
			llm.ToolCallAssistantMessage{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "list_collections", Arguments: []byte(`{}`)}}, CreatedAt: now},
			llm.ToolMessage{Results: []llm.ToolResult{{CallID: "c1", Name: "list_collections", Success: true, Data: []byte(`[]`)}}, CreatedAt: now},
			llm.ContentAssistantMessage{Content: "hi", CreatedAt: now},
		},
		Status:    ConversationIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}

	inTx(t, s, func(tx *Tx) error { return tx.Conversations().Insert(ctx, want) })

	inTx(t, s, func(tx *Tx) error {
		got, err := tx.Conversations().Find(ctx, "conv-1")
		if err != nil {
			t.Fatalf("Find: %v", err)
		}
		if len(got.Messages) != len(want.Messages) {
			t.Fatalf("len(Messages) = %d, want %d", len(got.Messages), len(want.Messages))
		}
		for i := range want.Messages {
			if got.Messages[i].Kind() != want.Messages[i].Kind() {
				t.Errorf("message %d kind = %s, want %s", i, got.Messages[i].Kind(), want.Messages[i].Kind())
			}
		}
		if got.Status != ConversationIdle {
			t.Errorf("Status = %q, want idle", got.Status)
		}

		got.Status = ConversationError
		got.Error = result.Unexpected(errors.New("late"))
		if err := tx.Conversations().Replace(ctx, got); err != nil {
			t.Fatalf("Replace: %v", err)
		}
		again, err := tx.Conversations().Find(ctx, "conv-1")
		if err != nil {
			t.Fatalf("Find: %v", err)
		}
		if again.Error == nil || again.Error.Name != result.NameUnexpected {
			t.Errorf("Error = %+v, want UnexpectedError", again.Error)
		}
		return nil
	})
}

func TestConversations_FindMissing(t *testing.T) {
	s := openTestStore(t)
	inTx(t, s, func(tx *Tx) error {
		if _, err := tx.Conversations().Find(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
		return nil
	})
}

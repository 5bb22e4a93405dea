package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/quirehq/quire/internal/result"
	"github.com/quirehq/quire/internal/storage"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewBackend(store, Options{Now: func() time.Time { return fixed }})
}

func jobCount(t *testing.T, b *Backend) int {
	t.Helper()
	res := Run(context.Background(), b, func(ctx context.Context, env *Env, _ struct{}) (int, error) {
		jobs, err := env.Tx.Jobs().List(ctx, "", 100)
		return len(jobs), err
	}, struct{}{})
	if !res.Success {
		t.Fatalf("listing jobs: %v", res.Error)
	}
	return res.Data
}

func enqueueThen(err error) Func[struct{}, string] {
	return func(ctx context.Context, env *Env, _ struct{}) (string, error) {
		job, e := env.Enqueue(ctx, "test", map[string]int{"n": 1})
		if e != nil {
			return "", e
		}
		if err != nil {
			return "", err
		}
		return job.ID, nil
	}
}

func TestRun_SuccessCommits(t *testing.T) {
	b := newTestBackend(t)

	res := Run(context.Background(), b, enqueueThen(nil), struct{}{})
	if !res.Success {
		t.Fatalf("Run failed: %v", res.Error)
	}
	if res.Data == "" {
		t.Error("Data is empty, want the job id")
	}
	if got := jobCount(t, b); got != 1 {
		t.Errorf("jobs = %d, want 1", got)
	}
}

func TestRun_DomainErrorRollsBack(t *testing.T) {
	b := newTestBackend(t)

	res := Run(context.Background(), b, enqueueThen(result.New("CollectionNotFound", nil)), struct{}{})
	if res.Success {
		t.Fatal("Run succeeded, want failure")
	}
	if res.Error.Name != "CollectionNotFound" {
		t.Errorf("error = %s, want CollectionNotFound", res.Error.Name)
	}
	if got := jobCount(t, b); got != 0 {
		t.Errorf("jobs = %d, want 0 after rollback", got)
	}
}

func TestRun_WrappedDomainErrorKeepsName(t *testing.T) {
	b := newTestBackend(t)

	wrapped := errors.Join(errors.New("context"), result.New("DocumentNotFound", nil))
	res := Run(context.Background(), b, enqueueThen(wrapped), struct{}{})
	if res.Success || res.Error.Name != "DocumentNotFound" {
		t.Errorf("result = %+v, want DocumentNotFound", res)
	}
}

func TestRun_UnexpectedErrorRollsBack(t *testing.T) {
	b := newTestBackend(t)

	res := Run(context.Background(), b, enqueueThen(errors.New("io failure")), struct{}{})
	if res.Success {
		t.Fatal("Run succeeded, want failure")
	}
	if res.Error.Name != result.NameUnexpected {
		t.Errorf("error = %s, want %s", res.Error.Name, result.NameUnexpected)
	}
	if got := jobCount(t, b); got != 0 {
		t.Errorf("jobs = %d, want 0 after rollback", got)
	}
}

func TestRun_InvariantIsUnexpected(t *testing.T) {
	b := newTestBackend(t)

	err := errors.Join(Invariantf("document %s has no latest version", "d1"), result.New("DocumentNotFound", nil))
	res := Run(context.Background(), b, enqueueThen(err), struct{}{})
	if res.Success || res.Error.Name != result.NameUnexpected {
		t.Errorf("result = %+v, want %s", res, result.NameUnexpected)
	}
}

func TestRun_PanicBecomesUnexpected(t *testing.T) {
	b := newTestBackend(t)

	op := func(ctx context.Context, env *Env, _ struct{}) (string, error) {
		if _, err := env.Enqueue(ctx, "test", nil); err != nil {
			return "", err
		}
		panic("boom")
	}
	res := Run(context.Background(), b, op, struct{}{})
	if res.Success || res.Error.Name != result.NameUnexpected {
		t.Errorf("result = %+v, want %s", res, result.NameUnexpected)
	}
	if got := jobCount(t, b); got != 0 {
		t.Errorf("jobs = %d, want 0 after panic", got)
	}
}

func TestEnqueue_NotifyRunsAfterCommit(t *testing.T) {
	b := newTestBackend(t)
	notified := 0
	b.SetJobNotifier(func() { notified++ })

	Run(context.Background(), b, enqueueThen(result.New("Rejected", nil)), struct{}{})
	if notified != 0 {
		t.Errorf("notified = %d after rollback, want 0", notified)
	}

	Run(context.Background(), b, enqueueThen(nil), struct{}{})
	if notified != 1 {
		t.Errorf("notified = %d after commit, want 1", notified)
	}
}

func TestEnqueue_StoresInput(t *testing.T) {
	b := newTestBackend(t)

	res := Run(context.Background(), b, func(ctx context.Context, env *Env, _ struct{}) (storage.BackgroundJob, error) {
		job, err := env.Enqueue(ctx, "conversation.process", map[string]string{"conversation_id": "c1"})
		if err != nil {
			return storage.BackgroundJob{}, err
		}
		return env.Tx.Jobs().Find(ctx, job.ID)
	}, struct{}{})
	if !res.Success {
		t.Fatalf("Run failed: %v", res.Error)
	}
	job := res.Data
	if job.Status != storage.JobEnqueued {
		t.Errorf("Status = %s, want enqueued", job.Status)
	}
	var in map[string]string
	if err := json.Unmarshal(job.Input, &in); err != nil || in["conversation_id"] != "c1" {
		t.Errorf("Input = %s, want conversation_id c1", job.Input)
	}
}

func TestWithSavepoint_DomainErrorUndoesPartialWork(t *testing.T) {
	b := newTestBackend(t)

	op := func(ctx context.Context, env *Env, _ struct{}) (int, error) {
		if _, err := env.Enqueue(ctx, "kept", nil); err != nil {
			return 0, err
		}
		err := env.WithSavepoint(ctx, func() error {
			if _, err := env.Enqueue(ctx, "discarded", nil); err != nil {
				return err
			}
			return result.New("BatchRejected", nil)
		})
		if !result.Is(err, "BatchRejected") {
			return 0, err
		}
		jobs, err := env.Tx.Jobs().List(ctx, "", 10)
		return len(jobs), err
	}
	res := Run(context.Background(), b, op, struct{}{})
	if !res.Success {
		t.Fatalf("Run failed: %v", res.Error)
	}
	if res.Data != 1 {
		t.Errorf("jobs inside tx = %d, want 1", res.Data)
	}
	if got := jobCount(t, b); got != 1 {
		t.Errorf("jobs after commit = %d, want 1", got)
	}
}

func TestHandlerFor_DecodesInput(t *testing.T) {
	b := newTestBackend(t)

	var got string
	h := HandlerFor(func(ctx context.Context, env *Env, in struct {
		ConversationID string `json:"conversation_id"`
	}) (struct{}, error) {
		got = in.ConversationID
		return struct{}{}, nil
	})

	err := b.Transaction(context.Background(), func(env *Env) (storage.Decision, error) {
		return storage.Rollback, h(context.Background(), env, json.RawMessage(`{"conversation_id":"c9"}`))
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got != "c9" {
		t.Errorf("ConversationID = %q, want c9", got)
	}
}

func TestRead_MapsOutcome(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	b := NewBackend(store, Options{})

	res := Read(context.Background(), b, func(ctx context.Context, env *Env, _ struct{}) (int, error) {
		return 0, result.New("JobNotFound", nil)
	}, struct{}{})
	if res.Success || res.Error.Name != "JobNotFound" {
		t.Errorf("domain error = %+v, want JobNotFound", res)
	}

	res = Read(context.Background(), b, func(ctx context.Context, env *Env, _ struct{}) (int, error) {
		panic("boom")
	}, struct{}{})
	if res.Success || res.Error.Name != result.NameUnexpected {
		t.Errorf("panic = %+v, want %s", res, result.NameUnexpected)
	}

	notified := false
	b.SetJobNotifier(func() { notified = true })
	res2 := Read(context.Background(), b, enqueueThen(nil), struct{}{})
	if res2.Success || res2.Error.Name != result.NameUnexpected {
		t.Errorf("enqueue in read = %+v, want %s", res2, result.NameUnexpected)
	}
	if notified {
		t.Error("notifier ran for a read")
	}
}

type preparedInput struct {
	Text     string
	Prepared bool
}

func (in preparedInput) Prepare(ctx context.Context, inference InferenceFactory) (preparedInput, error) {
	if in.Text == "" {
		return in, result.New("MessageRequired", nil)
	}
	in.Prepared = true
	return in, nil
}

func TestRun_PreparesInputBeforeTransaction(t *testing.T) {
	b := newTestBackend(t)
	op := func(ctx context.Context, env *Env, in preparedInput) (bool, error) {
		return in.Prepared, nil
	}

	res := Run(context.Background(), b, op, preparedInput{Text: "hi"})
	if !res.Success || !res.Data {
		t.Errorf("Run = %+v, want prepared input", res)
	}
	res = Run(context.Background(), b, op, preparedInput{})
	if res.Success || res.Error.Name != "MessageRequired" {
		t.Errorf("Run(empty) = %+v, want MessageRequired", res)
	}
}

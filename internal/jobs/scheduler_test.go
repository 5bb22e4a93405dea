package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quirehq/quire/internal/result"
	"github.com/quirehq/quire/internal/storage"
	"github.com/quirehq/quire/internal/usecase"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestScheduler(t *testing.T) (*Scheduler, *usecase.Backend, *fakeClock) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := usecase.NewBackend(store, usecase.Options{Now: clock.Now})
	return New(b, time.Hour), b, clock
}

func enqueue(t *testing.T, b *usecase.Backend, name string, input any) storage.BackgroundJob {
	t.Helper()
	var job storage.BackgroundJob
	err := b.Transaction(context.Background(), func(env *usecase.Env) (storage.Decision, error) {
		j, err := env.Enqueue(context.Background(), name, input)
		if err != nil {
			return storage.Rollback, err
		}
		job = j
		return storage.Commit, nil
	})
	if err != nil {
		t.Fatalf("enqueue %s: %v", name, err)
	}
	return job
}

func findJob(t *testing.T, b *usecase.Backend, id string) storage.BackgroundJob {
	t.Helper()
	var job storage.BackgroundJob
	err := b.Transaction(context.Background(), func(env *usecase.Env) (storage.Decision, error) {
		j, err := env.Tx.Jobs().Find(context.Background(), id)
		job = j
		return storage.Rollback, err
	})
	if err != nil {
		t.Fatalf("find job %s: %v", id, err)
	}
	return job
}

func countJobs(t *testing.T, b *usecase.Backend, status storage.JobStatus) int {
	t.Helper()
	var n int
	err := b.Transaction(context.Background(), func(env *usecase.Env) (storage.Decision, error) {
		c, err := env.Tx.Jobs().CountByStatus(context.Background(), status)
		n = c
		return storage.Rollback, err
	})
	if err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	return n
}

func TestDrain_RunsJobsInEnqueueOrder(t *testing.T) {
	s, b, clock := newTestScheduler(t)

	var order []string
	s.Register("record", func(ctx context.Context, env *usecase.Env, input json.RawMessage) error {
		var in struct{ Label string }
		if err := json.Unmarshal(input, &in); err != nil {
			return err
		}
		order = append(order, in.Label)
		return nil
	})

	for _, label := range []string{"a", "b", "c"} {
		enqueue(t, b, "record", map[string]string{"label": label})
		clock.Advance(time.Second)
	}

	n, err := s.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n != 3 {
		t.Errorf("Drain processed %d jobs, want 3", n)
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("order = %v, want [a b c]", order)
	}
	if got := countJobs(t, b, storage.JobSucceeded); got != 3 {
		t.Errorf("succeeded = %d, want 3", got)
	}
}

func TestDrain_PicksUpJobsEnqueuedMidDrain(t *testing.T) {
	s, b, _ := newTestScheduler(t)

	ran := 0
	s.Register("chain", func(ctx context.Context, env *usecase.Env, input json.RawMessage) error {
		ran++
		if ran < 3 {
			_, err := env.Enqueue(ctx, "chain", nil)
			return err
		}
		return nil
	})
	enqueue(t, b, "chain", nil)

	n, err := s.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n != 3 || ran != 3 {
		t.Errorf("processed = %d, ran = %d, want 3 and 3", n, ran)
	}
	if got := countJobs(t, b, storage.JobEnqueued); got != 0 {
		t.Errorf("enqueued after drain = %d, want 0", got)
	}
}

func TestClaimNext_ActiveProcessingBlocksClaim(t *testing.T) {
	s, b, clock := newTestScheduler(t)

	first := enqueue(t, b, "noop", nil)
	enqueue(t, b, "noop", nil)

	claimed, err := s.ClaimNext(context.Background())
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext = %v, %v; want a job", claimed, err)
	}
	if claimed.ID != first.ID {
		t.Errorf("claimed %s, want oldest %s", claimed.ID, first.ID)
	}

	clock.Advance(4 * time.Minute)
	again, err := s.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if again != nil {
		t.Errorf("ClaimNext = %s, want nil while a job is processing", again.ID)
	}
	if got := countJobs(t, b, storage.JobProcessing); got != 1 {
		t.Errorf("processing = %d, want 1", got)
	}
}

func TestClaimNext_FailsStuckJobBeforeClaiming(t *testing.T) {
	s, b, clock := newTestScheduler(t)

	stuck := enqueue(t, b, "noop", nil)
	next := enqueue(t, b, "noop", nil)

	if _, err := s.ClaimNext(context.Background()); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	clock.Advance(5*time.Minute + time.Second)

	claimed, err := s.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed == nil || claimed.ID != next.ID {
		t.Fatalf("claimed = %v, want %s", claimed, next.ID)
	}

	old := findJob(t, b, stuck.ID)
	if old.Status != storage.JobFailed {
		t.Errorf("stuck job status = %s, want failed", old.Status)
	}
	if old.Error == nil || old.Error.Name != result.NameStuckProcessing {
		t.Errorf("stuck job error = %v, want %s", old.Error, result.NameStuckProcessing)
	}
	if old.FinishedProcessingAt == nil {
		t.Error("stuck job has no finished_processing_at")
	}
	if got := countJobs(t, b, storage.JobProcessing); got != 1 {
		t.Errorf("processing = %d, want 1", got)
	}
}

func TestDrain_DomainErrorRollsBackToSavepoint(t *testing.T) {
	s, b, _ := newTestScheduler(t)

	s.Register("reject", func(ctx context.Context, env *usecase.Env, input json.RawMessage) error {
		if _, err := env.Enqueue(ctx, "side-effect", nil); err != nil {
			return err
		}
		return result.New("CollectionNotFound", map[string]string{"collection_id": "c1"})
	})
	job := enqueue(t, b, "reject", nil)

	if _, err := s.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	got := findJob(t, b, job.ID)
	if got.Status != storage.JobFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.Error == nil || got.Error.Name != "CollectionNotFound" {
		t.Errorf("error = %v, want CollectionNotFound", got.Error)
	}
	if n := countJobs(t, b, storage.JobSucceeded) + countJobs(t, b, storage.JobEnqueued); n != 0 {
		t.Errorf("side-effect job survived the rollback (%d rows)", n)
	}
}

func TestDrain_UnexpectedErrorRecordedSeparately(t *testing.T) {
	s, b, _ := newTestScheduler(t)

	s.Register("crash", func(ctx context.Context, env *usecase.Env, input json.RawMessage) error {
		if _, err := env.Enqueue(ctx, "side-effect", nil); err != nil {
			return err
		}
		return errors.New("disk on fire")
	})
	job := enqueue(t, b, "crash", nil)

	if _, err := s.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	got := findJob(t, b, job.ID)
	if got.Status != storage.JobFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.Error == nil || got.Error.Name != result.NameUnexpected {
		t.Errorf("error = %v, want %s", got.Error, result.NameUnexpected)
	}
	if n := countJobs(t, b, storage.JobSucceeded) + countJobs(t, b, storage.JobEnqueued); n != 0 {
		t.Errorf("side-effect job survived the rollback (%d rows)", n)
	}
}

func TestDrain_PanicRecordedAndQueueContinues(t *testing.T) {
	s, b, _ := newTestScheduler(t)

	s.Register("panic", func(ctx context.Context, env *usecase.Env, input json.RawMessage) error {
		panic("boom")
	})
	s.Register("noop", func(ctx context.Context, env *usecase.Env, input json.RawMessage) error {
		return nil
	})
	bad := enqueue(t, b, "panic", nil)
	good := enqueue(t, b, "noop", nil)

	n, err := s.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n != 2 {
		t.Errorf("processed = %d, want 2", n)
	}
	if got := findJob(t, b, bad.ID); got.Status != storage.JobFailed || got.Error.Name != result.NameUnexpected {
		t.Errorf("panicking job = %s/%v, want failed/%s", got.Status, got.Error, result.NameUnexpected)
	}
	if got := findJob(t, b, good.ID); got.Status != storage.JobSucceeded {
		t.Errorf("next job status = %s, want succeeded", got.Status)
	}
}

func TestDrain_MissingHandler(t *testing.T) {
	s, b, _ := newTestScheduler(t)
	job := enqueue(t, b, "nobody.handles.this", nil)

	if _, err := s.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	got := findJob(t, b, job.ID)
	if got.Status != storage.JobFailed || got.Error == nil || got.Error.Name != NameJobHandlerNotFound {
		t.Errorf("job = %s/%v, want failed/%s", got.Status, got.Error, NameJobHandlerNotFound)
	}
}

func TestEnqueue_NotifiesAfterCommitOnly(t *testing.T) {
	s, b, _ := newTestScheduler(t)

	err := b.Transaction(context.Background(), func(env *usecase.Env) (storage.Decision, error) {
		_, err := env.Enqueue(context.Background(), "noop", nil)
		return storage.Rollback, err
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	select {
	case <-s.wake:
		t.Fatal("scheduler woken by a rolled-back enqueue")
	default:
	}

	enqueue(t, b, "noop", nil)
	select {
	case <-s.wake:
	default:
		t.Fatal("scheduler not woken after commit")
	}
}

func TestRun_DrainsOnNotify(t *testing.T) {
	s, b, _ := newTestScheduler(t)

	done := make(chan struct{}, 1)
	s.Register("signal", func(ctx context.Context, env *usecase.Env, input json.RawMessage) error {
		done <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(stopped)
	}()

	enqueue(t, b, "signal", nil)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job not executed after notify")
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestGet_UnknownJob(t *testing.T) {
	_, b, _ := newTestScheduler(t)

	res := usecase.Run(context.Background(), b, Get, GetInput{JobID: "missing"})
	if res.Success {
		t.Fatal("Get succeeded for a missing job")
	}
	if res.Error.Name != NameJobNotFound {
		t.Errorf("error = %s, want %s", res.Error.Name, NameJobNotFound)
	}
}

func TestList_DoesNotWaitForRunningJob(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	b := usecase.NewBackend(store, usecase.Options{})
	s := New(b, time.Hour)

	started := make(chan struct{})
	release := make(chan struct{})
	s.Register("slow", func(ctx context.Context, env *usecase.Env, _ json.RawMessage) error {
		close(started)
		<-release
		return nil
	})
	job := enqueue(t, b, "slow", nil)

	drained := make(chan error, 1)
	go func() {
		_, err := s.Drain(context.Background())
		drained <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	list := usecase.Read(ctx, b, List, ListInput{Status: storage.JobProcessing})
	get := usecase.Read(ctx, b, Get, GetInput{JobID: job.ID})
	close(release)

	if !list.Success {
		t.Fatalf("List while job runs: %v", list.Error)
	}
	if len(list.Data) != 1 || list.Data[0].ID != job.ID {
		t.Errorf("processing jobs = %v, want [%s]", list.Data, job.ID)
	}
	if !get.Success || get.Data.Status != storage.JobProcessing {
		t.Errorf("Get while job runs = %+v, want processing", get)
	}

	if err := <-drained; err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got := findJob(t, b, job.ID).Status; got != storage.JobSucceeded {
		t.Errorf("status = %s, want succeeded", got)
	}
}

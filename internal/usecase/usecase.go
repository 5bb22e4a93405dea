// Package usecase runs business operations inside a transaction and maps
// their outcome onto a result.Result.
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quirehq/quire/internal/llm"
	"github.com/quirehq/quire/internal/result"
	"github.com/quirehq/quire/internal/sandbox"
	"github.com/quirehq/quire/internal/storage"
)

// ErrInvariant marks a violated internal invariant, such as a document
// without a latest version. It is never turned into a domain error.
var ErrInvariant = errors.New("invariant violated")

// Invariantf returns an error wrapping ErrInvariant.
func Invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvariant}, args...)...)
}

// InferenceFactory returns the inference service operations talk to.
type InferenceFactory func(ctx context.Context) (llm.Service, error)

// Settings are the tunables operations read at run time.
type Settings struct {
	StuckTimeout    time.Duration
	MaxTurns        int
	ToolConcurrency int
}

// DefaultSettings mirror the config defaults.
func DefaultSettings() Settings {
	return Settings{StuckTimeout: 5 * time.Minute, MaxTurns: 25, ToolConcurrency: 1}
}

// Env is what an operation can reach: the open transaction and the
// capabilities around it.
type Env struct {
	Tx        *storage.Tx
	Sandbox   *sandbox.Runtime
	Inference InferenceFactory
	Settings  Settings
	Logger    *slog.Logger

	now    func() time.Time
	notify func()

	mu          sync.Mutex
	afterCommit []func()
}

// Now returns the current time in UTC.
func (e *Env) Now() time.Time {
	return e.now().UTC()
}

// NewID returns a fresh entity id.
func (e *Env) NewID() string {
	return uuid.NewString()
}

// OnCommit registers fn to run after the transaction commits. It does not run
// on rollback.
func (e *Env) OnCommit(fn func()) {
	e.mu.Lock()
	e.afterCommit = append(e.afterCommit, fn)
	e.mu.Unlock()
}

func (e *Env) runAfterCommit() {
	e.mu.Lock()
	fns := e.afterCommit
	e.afterCommit = nil
	e.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Enqueue inserts an Enqueued background job and wakes the scheduler once the
// transaction commits.
func (e *Env) Enqueue(ctx context.Context, name string, input any) (storage.BackgroundJob, error) {
	b, err := json.Marshal(input)
	if err != nil {
		return storage.BackgroundJob{}, fmt.Errorf("encoding %s input: %w", name, err)
	}
	job := storage.BackgroundJob{
		ID:         e.NewID(),
		Name:       name,
		Input:      b,
		Status:     storage.JobEnqueued,
		EnqueuedAt: e.Now(),
	}
	if err := e.Tx.Jobs().Insert(ctx, job); err != nil {
		return storage.BackgroundJob{}, err
	}
	if e.notify != nil {
		e.OnCommit(e.notify)
	}
	return job, nil
}

// WithSavepoint runs fn under a savepoint and rolls back to it when fn
// returns a domain error. Other errors are returned untouched; the enclosing
// transaction is expected to roll back.
func (e *Env) WithSavepoint(ctx context.Context, fn func() error) error {
	sp, err := e.Tx.CreateSavepoint(ctx)
	if err != nil {
		return err
	}
	if err := fn(); err != nil {
		if _, ok := result.As(err); ok {
			if rbErr := e.Tx.RollbackToSavepoint(ctx, sp); rbErr != nil {
				return rbErr
			}
			if relErr := e.Tx.ReleaseSavepoint(ctx, sp); relErr != nil {
				return relErr
			}
		}
		return err
	}
	return e.Tx.ReleaseSavepoint(ctx, sp)
}

// Func is one business operation.
type Func[In, Out any] func(ctx context.Context, env *Env, in In) (Out, error)

// Options configure a Backend.
type Options struct {
	Sandbox   *sandbox.Runtime
	Inference InferenceFactory
	Settings  Settings
	Now       func() time.Time
	Logger    *slog.Logger
}

// Backend is the facade every public operation goes through.
type Backend struct {
	store     *storage.Store
	sandbox   *sandbox.Runtime
	inference InferenceFactory
	settings  Settings
	now       func() time.Time
	logger    *slog.Logger

	mu     sync.RWMutex
	notify func()
}

// NewBackend wires a facade over store.
func NewBackend(store *storage.Store, opts Options) *Backend {
	b := &Backend{
		store:     store,
		sandbox:   opts.Sandbox,
		inference: opts.Inference,
		settings:  opts.Settings,
		now:       opts.Now,
		logger:    opts.Logger,
	}
	if b.sandbox == nil {
		b.sandbox = sandbox.New(0)
	}
	if b.inference == nil {
		b.inference = func(context.Context) (llm.Service, error) {
			return nil, errors.New("no inference service configured")
		}
	}
	if b.settings == (Settings{}) {
		b.settings = DefaultSettings()
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// SetJobNotifier registers the function called after a transaction that
// enqueued a job commits.
func (b *Backend) SetJobNotifier(fn func()) {
	b.mu.Lock()
	b.notify = fn
	b.mu.Unlock()
}

// Settings returns the backend's tunables.
func (b *Backend) Settings() Settings { return b.settings }

// Now returns the backend clock in UTC.
func (b *Backend) Now() time.Time { return b.now().UTC() }

// Logger returns the backend logger.
func (b *Backend) Logger() *slog.Logger { return b.logger }

func (b *Backend) newEnv(tx *storage.Tx) *Env {
	b.mu.RLock()
	notify := b.notify
	b.mu.RUnlock()
	return &Env{
		Tx:        tx,
		Sandbox:   b.sandbox,
		Inference: b.inference,
		Settings:  b.settings,
		Logger:    b.logger,
		now:       b.now,
		notify:    notify,
	}
}

// Transaction runs fn in a serializable transaction with a fresh Env. fn
// decides whether to commit. A panic in fn rolls back and is returned as an
// error.
func (b *Backend) Transaction(ctx context.Context, fn func(env *Env) (storage.Decision, error)) error {
	var env *Env
	committed := false
	err := b.store.RunInTransaction(ctx, func(tx *storage.Tx) (d storage.Decision, err error) {
		env = b.newEnv(tx)
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("panic in transaction", "panic", r, "stack", string(debug.Stack()))
				d, err = storage.Rollback, fmt.Errorf("panic: %v", r)
			}
		}()
		d, err = fn(env)
		committed = err == nil && d == storage.Commit
		return d, err
	})
	if err != nil {
		return err
	}
	if committed {
		env.runAfterCommit()
	}
	return nil
}

// Preparer is implemented by inputs that need slow work, such as a call to
// the inference service, before their operation runs. Run calls Prepare
// outside the transaction and hands the returned input to the operation.
type Preparer[In any] interface {
	Prepare(ctx context.Context, inference InferenceFactory) (In, error)
}

// Run executes op in its own transaction. Success commits. A domain error
// rolls back and is returned as the failure. Any other error, and any panic,
// rolls back and is returned as an UnexpectedError.
func Run[In, Out any](ctx context.Context, b *Backend, op Func[In, Out], in In) result.Result[Out] {
	if p, ok := any(in).(Preparer[In]); ok {
		prepared, err := p.Prepare(ctx, b.inference)
		if err != nil {
			return outcome[Out](b, err)
		}
		in = prepared
	}

	var out Out
	var domainErr error
	err := b.Transaction(ctx, func(env *Env) (storage.Decision, error) {
		v, err := op(ctx, env, in)
		if err != nil {
			if isDomain(err) {
				domainErr = err
				return storage.Rollback, nil
			}
			return storage.Rollback, err
		}
		out = v
		return storage.Commit, nil
	})
	if err == nil {
		err = domainErr
	}
	if err != nil {
		return outcome[Out](b, err)
	}
	return result.OK(out)
}

// Read executes a read-only op on a snapshot of committed data. It does not
// wait for a write transaction in progress, such as a running job. Writes
// made by op fail.
func Read[In, Out any](ctx context.Context, b *Backend, op Func[In, Out], in In) result.Result[Out] {
	var out Out
	err := b.ReadTransaction(ctx, func(env *Env) error {
		v, err := op(ctx, env, in)
		out = v
		return err
	})
	if err != nil {
		return outcome[Out](b, err)
	}
	return result.OK(out)
}

// ReadTransaction runs fn in a read transaction with a fresh Env. Nothing
// registered with OnCommit runs. A panic in fn is returned as an error.
func (b *Backend) ReadTransaction(ctx context.Context, fn func(env *Env) error) error {
	return b.store.RunInReadTransaction(ctx, func(tx *storage.Tx) (err error) {
		env := b.newEnv(tx)
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("panic in read transaction", "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(env)
	})
}

func isDomain(err error) bool {
	_, ok := result.As(err)
	return ok && !errors.Is(err, ErrInvariant)
}

// outcome maps a failed operation onto its Result.
func outcome[Out any](b *Backend, err error) result.Result[Out] {
	if isDomain(err) {
		e, _ := result.As(err)
		b.logger.Debug("operation rejected", "error", e.Name)
		return result.Fail[Out](e)
	}
	b.logger.Error("operation failed", "error", err)
	return result.Fail[Out](result.Unexpected(err))
}

// JobHandler executes a background job's operation against its stored input.
type JobHandler func(ctx context.Context, env *Env, input json.RawMessage) error

// HandlerFor adapts an operation into a JobHandler that decodes the job input
// into In and discards the output.
func HandlerFor[In, Out any](op Func[In, Out]) JobHandler {
	return func(ctx context.Context, env *Env, input json.RawMessage) error {
		var in In
		if len(input) > 0 {
			if err := json.Unmarshal(input, &in); err != nil {
				return fmt.Errorf("decoding job input: %w", err)
			}
		}
		_, err := op(ctx, env, in)
		return err
	}
}

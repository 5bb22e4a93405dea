package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/quirehq/quire/internal/llm"
	"github.com/quirehq/quire/internal/usecase"
)

// ErrTurnLimit is returned when the model keeps calling tools past the
// configured number of turns.
var ErrTurnLimit = errors.New("assistant exceeded its turn limit")

// Loop drives one assistant through tool calls until it answers.
type Loop struct {
	Inference llm.Service
	// MaxTurns bounds the model calls of one Run.
	MaxTurns int
	// ToolConcurrency bounds the tool calls of one turn dispatched at once.
	ToolConcurrency int
	Logger          *slog.Logger
}

// NewLoop returns a Loop configured from env's settings.
func NewLoop(svc llm.Service, env *usecase.Env) Loop {
	return Loop{
		Inference:       svc,
		MaxTurns:        env.Settings.MaxTurns,
		ToolConcurrency: env.Settings.ToolConcurrency,
		Logger:          env.Logger,
	}
}

// Run extends history until the model replies with content or calls
// complete_conversation on its own, and returns the extended history. The
// developer and user-context prompts are sent with every request but are
// not part of the returned history.
func (l Loop) Run(ctx context.Context, env *usecase.Env, a Assistant, conversationID string, history []llm.Message) ([]llm.Message, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userCtx, err := a.UserContextPrompt(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("building user context: %w", err)
	}
	prefix := []llm.Message{
		llm.DeveloperMessage{Content: a.DeveloperPrompt()},
		llm.UserContextMessage{Content: userCtx},
	}
	tools := a.Tools()
	out := append([]llm.Message(nil), history...)

	for turn := 1; ; turn++ {
		if l.MaxTurns > 0 && turn > l.MaxTurns {
			return nil, fmt.Errorf("%w (%d)", ErrTurnLimit, l.MaxTurns)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		prompt := make([]llm.Message, 0, len(prefix)+len(out))
		prompt = append(append(prompt, prefix...), out...)
		next, err := l.Inference.GenerateNextMessage(ctx, prompt, tools)
		if err != nil {
			return nil, fmt.Errorf("generating message: %w", err)
		}

		switch m := next.(type) {
		case llm.ContentAssistantMessage:
			m.CreatedAt = env.Now()
			logger.Debug("assistant replied", "conversation_id", conversationID, "turns", turn)
			return append(out, m), nil
		case llm.ToolCallAssistantMessage:
			if len(m.ToolCalls) == 0 {
				return nil, errors.New("model returned a tool-call message without calls")
			}
			m.CreatedAt = env.Now()
			results, err := l.dispatch(ctx, env, a, conversationID, m.ToolCalls)
			if err != nil {
				return nil, err
			}
			out = append(out, m, llm.ToolMessage{Results: results, CreatedAt: env.Now()})
			logger.Debug("assistant called tools", "conversation_id", conversationID, "turn", turn, "calls", len(m.ToolCalls))
			if len(m.ToolCalls) == 1 && m.ToolCalls[0].Name == ToolCompleteConversation {
				return out, nil
			}
		default:
			return nil, fmt.Errorf("model returned unexpected message %T", next)
		}
	}
}

// dispatch executes every call of one turn. Results keep the order of
// calls and carry their call ids. Each call runs under its own savepoint so
// a rejected call leaves no partial writes; savepoints on the shared
// transaction are taken one at a time.
func (l Loop) dispatch(ctx context.Context, env *usecase.Env, a Assistant, conversationID string, calls []llm.ToolCall) ([]llm.ToolResult, error) {
	results := make([]llm.ToolResult, len(calls))
	var txMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	limit := l.ToolConcurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	for i, call := range calls {
		g.Go(func() error {
			txMu.Lock()
			defer txMu.Unlock()

			var r llm.ToolResult
			var dispatchErr error
			spErr := env.WithSavepoint(gctx, func() error {
				r, dispatchErr = a.DispatchToolCall(gctx, env, conversationID, call)
				if dispatchErr != nil {
					return dispatchErr
				}
				if !r.Success && r.Error != nil {
					return r.Error
				}
				return nil
			})
			if dispatchErr != nil {
				return dispatchErr
			}
			if spErr != nil && spErr != error(r.Error) {
				return spErr
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func isInvariant(err error) bool {
	return errors.Is(err, usecase.ErrInvariant)
}

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/quirehq/quire/internal/assistant"
	"github.com/quirehq/quire/internal/llm"
	"github.com/quirehq/quire/internal/result"
	"github.com/quirehq/quire/internal/storage"
	"github.com/quirehq/quire/internal/usecase"
)

// ErrContextChanged is the cause recorded when the collections changed
// between enqueueing and processing a conversation.
var ErrContextChanged = errors.New("visible collections changed since the conversation was enqueued")

// ProcessInput is the stored input of a JobProcess job.
type ProcessInput struct {
	ConversationID string `json:"conversation_id"`
}

// Process runs the assistant on a Processing conversation. The assistant's
// writes and the new history are kept when it finishes; otherwise they are
// rolled back and the conversation is parked in Error with the cause. Either
// way the outcome is recorded on the conversation and Process succeeds.
func Process(ctx context.Context, env *usecase.Env, in ProcessInput) (struct{}, error) {
	c, err := find(ctx, env, in.ConversationID)
	if err != nil {
		return struct{}{}, err
	}
	if c.Status != storage.ConversationProcessing {
		return struct{}{}, result.New(NameStatusNotProcessing, map[string]string{
			"conversation_id": c.ID, "status": string(c.Status),
		})
	}

	sp, err := env.Tx.CreateSavepoint(ctx)
	if err != nil {
		return struct{}{}, err
	}
	history, runErr := runAssistant(ctx, env, c)
	if runErr != nil {
		if err := env.Tx.RollbackToSavepoint(ctx, sp); err != nil {
			return struct{}{}, err
		}
	}
	if err := env.Tx.ReleaseSavepoint(ctx, sp); err != nil {
		return struct{}{}, err
	}

	c.UpdatedAt = env.Now()
	if runErr != nil {
		c.Status = storage.ConversationError
		c.Error = conversationError(runErr)
		env.Logger.Warn("conversation failed", "conversation_id", c.ID, "error", runErr)
	} else {
		c.Messages = history
		c.Status = storage.ConversationIdle
		c.Error = nil
		env.Logger.Info("conversation processed", "conversation_id", c.ID, "messages", len(history))
	}
	if err := env.Tx.Conversations().Replace(ctx, c); err != nil {
		return struct{}{}, err
	}
	return struct{}{}, nil
}

func runAssistant(ctx context.Context, env *usecase.Env, c storage.Conversation) ([]llm.Message, error) {
	fp, err := ContextFingerprint(ctx, env.Tx)
	if err != nil {
		return nil, err
	}
	if fp != c.ContextFingerprint {
		return nil, ErrContextChanged
	}
	a, err := assistant.New(c.AssistantKind)
	if err != nil {
		return nil, err
	}
	svc, err := env.Inference(ctx)
	if err != nil {
		return nil, fmt.Errorf("inference service: %w", err)
	}
	return assistant.NewLoop(svc, env).Run(ctx, env, a, c.ID, c.Messages)
}

// conversationError keeps domain errors as they are and wraps anything else
// as UnexpectedError.
func conversationError(err error) *result.Error {
	if e, ok := result.As(err); ok && !errors.Is(err, usecase.ErrInvariant) {
		return e
	}
	return result.Unexpected(err)
}

// outstandingJob returns the Enqueued or Processing process job for the
// conversation, if there is one. A stuck one is failed by the scheduler at
// its next claim, after which Recover may proceed.
func outstandingJob(ctx context.Context, env *usecase.Env, conversationID string) (storage.BackgroundJob, bool, error) {
	jobs, err := env.Tx.Jobs().ListOutstanding(ctx, JobProcess)
	if err != nil {
		return storage.BackgroundJob{}, false, err
	}
	for _, j := range jobs {
		var in ProcessInput
		if err := json.Unmarshal(j.Input, &in); err != nil {
			return storage.BackgroundJob{}, false, fmt.Errorf("decoding input of job %s: %w", j.ID, err)
		}
		if in.ConversationID == conversationID {
			return j, true, nil
		}
	}
	return storage.BackgroundJob{}, false, nil
}

// RecoverInput identifies the conversation to recover.
type RecoverInput struct {
	ConversationID string `json:"conversation_id"`
}

// Recover re-enqueues a conversation that failed, or one that has been
// Processing for longer than the stuck timeout, provided no process job for
// it is still outstanding and its context fingerprint still matches the
// collections.
func Recover(ctx context.Context, env *usecase.Env, in RecoverInput) (storage.Conversation, error) {
	c, err := find(ctx, env, in.ConversationID)
	if err != nil {
		return storage.Conversation{}, err
	}

	switch c.Status {
	case storage.ConversationIdle:
		return storage.Conversation{}, result.New(NameIsIdle, map[string]string{"conversation_id": c.ID})
	case storage.ConversationProcessing:
		last := llm.LastTime(c.Messages)
		if last.IsZero() {
			last = c.UpdatedAt
		}
		if age := env.Now().Sub(last); age <= env.Settings.StuckTimeout {
			return storage.Conversation{}, result.New(NameIsProcessing, map[string]any{
				"conversation_id": c.ID,
				"retry_after":     (env.Settings.StuckTimeout - age).String(),
			})
		}
	case storage.ConversationError:
	default:
		return storage.Conversation{}, usecase.Invariantf("conversation %s has status %q", c.ID, c.Status)
	}

	if job, ok, err := outstandingJob(ctx, env, c.ID); err != nil {
		return storage.Conversation{}, err
	} else if ok {
		return storage.Conversation{}, result.New(NameIsProcessing, map[string]any{
			"conversation_id": c.ID,
			"job_id":          job.ID,
			"job_status":      job.Status,
		})
	}

	fp, err := ContextFingerprint(ctx, env.Tx)
	if err != nil {
		return storage.Conversation{}, err
	}
	if fp != c.ContextFingerprint {
		return storage.Conversation{}, result.New(NameHasOutdatedContext, map[string]string{"conversation_id": c.ID})
	}

	c.Status = storage.ConversationProcessing
	c.Error = nil
	c.UpdatedAt = env.Now()
	if err := env.Tx.Conversations().Replace(ctx, c); err != nil {
		return storage.Conversation{}, err
	}
	if _, err := env.Enqueue(ctx, JobProcess, ProcessInput{ConversationID: c.ID}); err != nil {
		return storage.Conversation{}, err
	}
	env.Logger.Info("conversation recovered", "conversation_id", c.ID)
	return c, nil
}

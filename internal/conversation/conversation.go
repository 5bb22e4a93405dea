// Package conversation implements the conversation lifecycle: starting a
// conversation, processing it in a background job, and recovering it after
// a failure.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/quirehq/quire/internal/assistant"
	"github.com/quirehq/quire/internal/llm"
	"github.com/quirehq/quire/internal/result"
	"github.com/quirehq/quire/internal/storage"
	"github.com/quirehq/quire/internal/usecase"
)

// JobProcess is the background job that runs the assistant on a
// conversation.
const JobProcess = "conversation.process"

// Domain error names.
const (
	NameNotFound            = "ConversationNotFound"
	NameStatusNotProcessing = "ConversationStatusNotProcessing"
	NameStatusNotIdle       = "ConversationStatusNotIdle"
	NameIsIdle              = "ConversationIsIdle"
	NameIsProcessing        = "ConversationIsProcessing"
	NameHasOutdatedContext  = "ConversationHasOutdatedContext"
	NameMessageRequired     = "ConversationMessageRequired"
	NameUnsupportedFormat   = "ConversationFormatUnsupported"
)

const maxTitleLen = 60

// Audio is a recorded user message. Data is base64 in JSON.
type Audio struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// NotFound returns the ConversationNotFound domain error.
func NotFound(id string) error {
	return result.New(NameNotFound, map[string]string{"conversation_id": id})
}

func find(ctx context.Context, env *usecase.Env, id string) (storage.Conversation, error) {
	c, err := env.Tx.Conversations().Find(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Conversation{}, NotFound(id)
	}
	return c, err
}

// transcribe turns audio into text with the inference service.
func transcribe(ctx context.Context, inference usecase.InferenceFactory, audio *Audio) (string, error) {
	svc, err := inference(ctx)
	if err != nil {
		return "", fmt.Errorf("inference service: %w", err)
	}
	text, err := svc.SpeechToText(ctx, llm.Audio{MIMEType: audio.MIMEType, Data: audio.Data})
	if err != nil {
		return "", fmt.Errorf("transcribing audio: %w", err)
	}
	return text, nil
}

func hasAudio(a *Audio) bool { return a != nil && len(a.Data) > 0 }

// userMessage builds a user turn from text. Audio must already have been
// transcribed by Prepare.
func userMessage(env *usecase.Env, text string, audio *Audio) (llm.UserMessage, error) {
	if hasAudio(audio) {
		return llm.UserMessage{}, usecase.Invariantf("audio message was not transcribed before the transaction")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return llm.UserMessage{}, result.New(NameMessageRequired, nil)
	}
	return llm.UserMessage{Content: text, CreatedAt: env.Now()}, nil
}

func titleFrom(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= maxTitleLen {
		return text
	}
	r := []rune(text)
	return strings.TrimSpace(string(r[:maxTitleLen-1])) + "…"
}

// StartInput opens a conversation with its first user message, given as
// text or as audio to transcribe.
type StartInput struct {
	AssistantKind string                     `json:"assistant_kind"`
	Format        storage.ConversationFormat `json:"format,omitempty"`
	Title         string                     `json:"title,omitempty"`
	Message       string                     `json:"message,omitempty"`
	Audio         *Audio                     `json:"audio,omitempty"`
}

// Prepare transcribes audio into Message so Start never waits on the
// inference service inside its transaction.
func (in StartInput) Prepare(ctx context.Context, inference usecase.InferenceFactory) (StartInput, error) {
	if !hasAudio(in.Audio) {
		return in, nil
	}
	text, err := transcribe(ctx, inference, in.Audio)
	if err != nil {
		return in, err
	}
	if in.Format == "" {
		in.Format = storage.FormatVoice
	}
	in.Message, in.Audio = text, nil
	return in, nil
}

// Start stores a Processing conversation seeded with the user's message,
// records the current context fingerprint, and enqueues processing.
func Start(ctx context.Context, env *usecase.Env, in StartInput) (storage.Conversation, error) {
	if _, err := assistant.New(in.AssistantKind); err != nil {
		return storage.Conversation{}, err
	}
	format := in.Format
	switch format {
	case "":
		format = storage.FormatText
		if in.Audio != nil {
			format = storage.FormatVoice
		}
	case storage.FormatText, storage.FormatVoice:
	default:
		return storage.Conversation{}, result.New(NameUnsupportedFormat, map[string]string{"format": string(format)})
	}

	msg, err := userMessage(env, in.Message, in.Audio)
	if err != nil {
		return storage.Conversation{}, err
	}
	fp, err := ContextFingerprint(ctx, env.Tx)
	if err != nil {
		return storage.Conversation{}, err
	}

	now := env.Now()
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = titleFrom(msg.Content)
	}
	c := storage.Conversation{
		ID:                 env.NewID(),
		AssistantKind:      in.AssistantKind,
		Format:             format,
		Title:              title,
		ContextFingerprint: fp,
		Messages:           []llm.Message{msg},
		Status:             storage.ConversationProcessing,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := env.Tx.Conversations().Insert(ctx, c); err != nil {
		return storage.Conversation{}, err
	}
	if _, err := env.Enqueue(ctx, JobProcess, ProcessInput{ConversationID: c.ID}); err != nil {
		return storage.Conversation{}, err
	}
	env.Logger.Info("conversation started", "conversation_id", c.ID, "assistant", c.AssistantKind, "format", c.Format)
	return c, nil
}

// SendMessageInput adds a user turn to an idle conversation.
type SendMessageInput struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message,omitempty"`
	Audio          *Audio `json:"audio,omitempty"`
}

// Prepare transcribes audio into Message before SendMessage runs.
func (in SendMessageInput) Prepare(ctx context.Context, inference usecase.InferenceFactory) (SendMessageInput, error) {
	if !hasAudio(in.Audio) {
		return in, nil
	}
	text, err := transcribe(ctx, inference, in.Audio)
	if err != nil {
		return in, err
	}
	in.Message, in.Audio = text, nil
	return in, nil
}

// SendMessage appends a user message to an Idle conversation, refreshes its
// context fingerprint, and enqueues processing.
func SendMessage(ctx context.Context, env *usecase.Env, in SendMessageInput) (storage.Conversation, error) {
	c, err := find(ctx, env, in.ConversationID)
	if err != nil {
		return storage.Conversation{}, err
	}
	if c.Status != storage.ConversationIdle {
		return storage.Conversation{}, result.New(NameStatusNotIdle, map[string]string{
			"conversation_id": c.ID, "status": string(c.Status),
		})
	}
	msg, err := userMessage(env, in.Message, in.Audio)
	if err != nil {
		return storage.Conversation{}, err
	}
	fp, err := ContextFingerprint(ctx, env.Tx)
	if err != nil {
		return storage.Conversation{}, err
	}

	c.Messages = append(c.Messages, msg)
	c.ContextFingerprint = fp
	c.Status = storage.ConversationProcessing
	c.Error = nil
	c.UpdatedAt = env.Now()
	if err := env.Tx.Conversations().Replace(ctx, c); err != nil {
		return storage.Conversation{}, err
	}
	if _, err := env.Enqueue(ctx, JobProcess, ProcessInput{ConversationID: c.ID}); err != nil {
		return storage.Conversation{}, err
	}
	return c, nil
}

// GetInput identifies a conversation.
type GetInput struct {
	ConversationID string `json:"conversation_id"`
}

// Get returns a conversation with its full history.
func Get(ctx context.Context, env *usecase.Env, in GetInput) (storage.Conversation, error) {
	return find(ctx, env, in.ConversationID)
}

// ListInput bounds List.
type ListInput struct {
	Limit int `json:"limit,omitempty"`
}

// List returns conversations, most recently updated first.
func List(ctx context.Context, env *usecase.Env, in ListInput) ([]storage.Conversation, error) {
	limit := in.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	cs, err := env.Tx.Conversations().List(ctx, limit)
	if err != nil {
		return nil, err
	}
	if cs == nil {
		cs = []storage.Conversation{}
	}
	return cs, nil
}

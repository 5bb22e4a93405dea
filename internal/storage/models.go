package storage

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/quirehq/quire/internal/llm"
	"github.com/quirehq/quire/internal/result"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// JobStatus is the lifecycle state of a BackgroundJob.
type JobStatus string

const (
	JobEnqueued   JobStatus = "enqueued"
	JobProcessing JobStatus = "processing"
	JobSucceeded  JobStatus = "succeeded"
	JobFailed     JobStatus = "failed"
)

type BackgroundJob struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Input                json.RawMessage `json:"input"`
	Status               JobStatus       `json:"status"`
	EnqueuedAt           time.Time       `json:"enqueued_at"`
	StartedProcessingAt  *time.Time      `json:"started_processing_at,omitempty"`
	FinishedProcessingAt *time.Time      `json:"finished_processing_at,omitempty"`
	Error                *result.Error   `json:"error,omitempty"`
}

type Collection struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	LatestVersionID string    `json:"latest_version_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CollectionVersion pins the schema (CUE source) and the blocking-key script
// (JavaScript source, optional) a collection had at one point in time.
type CollectionVersion struct {
	ID                string    `json:"id"`
	CollectionID      string    `json:"collection_id"`
	PreviousVersionID *string   `json:"previous_version_id,omitempty"`
	Schema            string    `json:"schema"`
	KeyScript         string    `json:"key_script,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

type Document struct {
	ID           string    `json:"id"`
	CollectionID string    `json:"collection_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// Author identifies who wrote a document version.
type Author string

const (
	AuthorUser      Author = "user"
	AuthorAssistant Author = "assistant"
)

type DocumentVersion struct {
	ID                  string          `json:"id"`
	DocumentID          string          `json:"document_id"`
	CollectionVersionID string          `json:"collection_version_id"`
	PreviousVersionID   *string         `json:"previous_version_id,omitempty"`
	Content             json.RawMessage `json:"content"`
	CreatedBy           Author          `json:"created_by"`
	CreatedAt           time.Time       `json:"created_at"`
	ConversationID      *string         `json:"conversation_id,omitempty"`
	IsLatest            bool            `json:"is_latest"`
}

// DuplicateCandidate is an existing document sharing blocking keys with new content.
type DuplicateCandidate struct {
	DocumentID      string          `json:"document_id"`
	LatestVersionID string          `json:"latest_version_id"`
	Content         json.RawMessage `json:"content"`
	MatchingKeys    []string        `json:"matching_keys"`
}

// ConversationStatus is the lifecycle state of a Conversation.
type ConversationStatus string

const (
	ConversationProcessing ConversationStatus = "processing"
	ConversationIdle       ConversationStatus = "idle"
	ConversationError      ConversationStatus = "error"
)

// ConversationFormat is how the user talks to the assistant.
type ConversationFormat string

const (
	FormatText  ConversationFormat = "text"
	FormatVoice ConversationFormat = "voice"
)

type Conversation struct {
	ID                 string             `json:"id"`
	AssistantKind      string             `json:"assistant_kind"`
	Format             ConversationFormat `json:"format"`
	Title              string             `json:"title"`
	ContextFingerprint string             `json:"context_fingerprint"`
	Messages           []llm.Message      `json:"-"`
	Status             ConversationStatus `json:"status"`
	Error              *result.Error      `json:"error,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// MarshalJSON renders Messages with the tagged message codec.
func (c Conversation) MarshalJSON() ([]byte, error) {
	type plain Conversation
	msgs, err := llm.MarshalMessages(c.Messages)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		plain
		Messages json.RawMessage `json:"messages"`
	}{plain: plain(c), Messages: msgs})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	type plain Conversation
	var aux struct {
		plain
		Messages json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*c = Conversation(aux.plain)
	if len(aux.Messages) > 0 {
		msgs, err := llm.UnmarshalMessages(aux.Messages)
		if err != nil {
			return err
		}
		c.Messages = msgs
	}
	return nil
}

package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/quirehq/quire/internal/llm"
)

// ConversationRepo persists conversations with their full message history.
type ConversationRepo struct {
	tx *sql.Tx
}

const conversationColumns = `id, assistant_kind, format, title, context_fingerprint, messages_json, status, error_json, created_at, updated_at`

// Insert stores a new conversation with its history.
func (r ConversationRepo) Insert(ctx context.Context, c Conversation) error {
	msgs, errJSON, err := encodeConversation(c)
	if err != nil {
		return err
	}
	_, err = r.tx.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AssistantKind, string(c.Format), c.Title, c.ContextFingerprint, msgs,
		string(c.Status), errJSON, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation %s: %w", c.ID, err)
	}
	return nil
}

// Replace overwrites the conversation with c's id, history included, or
// returns ErrNotFound.
func (r ConversationRepo) Replace(ctx context.Context, c Conversation) error {
	msgs, errJSON, err := encodeConversation(c)
	if err != nil {
		return err
	}
	res, err := r.tx.ExecContext(ctx, `
		UPDATE conversations
		SET assistant_kind = ?, format = ?, title = ?, context_fingerprint = ?, messages_json = ?,
		    status = ?, error_json = ?, updated_at = ?
		WHERE id = ?`,
		c.AssistantKind, string(c.Format), c.Title, c.ContextFingerprint, msgs,
		string(c.Status), errJSON, formatTime(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return fmt.Errorf("replacing conversation %s: %w", c.ID, err)
	}
	return checkAffected(res)
}

// Find returns the conversation with id, or ErrNotFound.
func (r ConversationRepo) Find(ctx context.Context, id string) (Conversation, error) {
	row := r.tx.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// Exists reports whether a conversation with id exists.
func (r ConversationRepo) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := r.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE id = ?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns conversations most recently updated first.
func (r ConversationRepo) List(ctx context.Context, limit int) ([]Conversation, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations ORDER BY updated_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func encodeConversation(c Conversation) (string, sql.NullString, error) {
	msgs, err := llm.MarshalMessages(c.Messages)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("encoding messages of %s: %w", c.ID, err)
	}
	errJSON, err := marshalError(c.Error)
	if err != nil {
		return "", sql.NullString{}, err
	}
	return string(msgs), errJSON, nil
}

func scanConversation(s scanner) (Conversation, error) {
	var c Conversation
	var format, msgs, status, createdAt, updatedAt string
	var errJSON sql.NullString
	err := s.Scan(&c.ID, &c.AssistantKind, &format, &c.Title, &c.ContextFingerprint, &msgs,
		&status, &errJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	c.Format = ConversationFormat(format)
	c.Status = ConversationStatus(status)
	if c.Messages, err = llm.UnmarshalMessages([]byte(msgs)); err != nil {
		return Conversation{}, fmt.Errorf("decoding messages of %s: %w", c.ID, err)
	}
	if c.Error, err = unmarshalError(errJSON); err != nil {
		return Conversation{}, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Conversation{}, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

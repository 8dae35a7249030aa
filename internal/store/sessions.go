package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/nuka-crew/internal/provider"
)

// AppendMessages stores conversation turns in the given session.
func (s *Store) AppendMessages(ctx context.Context, sessionID string, msgs ...provider.Message) error {
	for _, msg := range msgs {
		content, err := json.Marshal(msg.Content)
		if err != nil {
			return fmt.Errorf("marshal content: %w", err)
		}
		if msg.ID == "" {
			msg.ID = provider.NewMessageID()
		}
		_, err = s.db.Exec(ctx,
			`INSERT INTO session_messages (session_id, message_id, role, content) VALUES ($1, $2, $3, $4)`,
			sessionID, msg.ID, string(msg.Role), string(content))
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
	}
	return nil
}

// History returns the latest limit messages of a session, oldest first.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]provider.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
		SELECT COALESCE(message_id, id::text), role, content, created_at FROM (
			SELECT id, message_id, role, content, created_at
			FROM session_messages
			WHERE session_id = $1
			ORDER BY id DESC
			LIMIT $2
		) recent ORDER BY id ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var msgs []provider.Message
	for rows.Next() {
		var (
			msg     provider.Message
			role    string
			content []byte
		)
		if err := rows.Scan(&msg.ID, &role, &content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = provider.Role(role)
		if err := json.Unmarshal(content, &msg.Content); err != nil {
			return nil, fmt.Errorf("decode message content: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

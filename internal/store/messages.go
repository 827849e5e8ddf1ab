package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/vineethgoud568-prog/CureMos/internal/models"
	"go.uber.org/zap"
)

const messageColumns = `id, consultation_id, sender_id, content, file_url, read_status, client_key, created_at`

func scanMessage(row scanner) (models.Message, error) {
	var (
		m       models.Message
		key     sql.NullString
		created int64
	)
	if err := row.Scan(&m.ID, &m.ConsultationID, &m.SenderID, &m.Content, &m.FileURL,
		&m.ReadStatus, &key, &created); err != nil {
		return models.Message{}, err
	}
	m.ClientKey = key.String
	m.CreatedAt = fromMicros(created)
	return m, nil
}

// InsertMessage stores a message from senderID. A request repeating a client
// key already stored returns the stored message with created false and
// publishes nothing.
func (s *Store) InsertMessage(ctx context.Context, consultationID, senderID string, req models.SendMessageRequest) (m models.Message, created bool, err error) {
	c, err := s.GetConsultation(ctx, consultationID)
	if err != nil {
		return models.Message{}, false, err
	}
	if !c.IsParticipant(senderID) {
		return models.Message{}, false, ErrNotParticipant
	}

	if req.ClientKey != "" {
		existing, err := s.messageByKey(ctx, req.ClientKey)
		switch {
		case err == nil:
			return existing, false, nil
		case !errors.Is(err, models.ErrNotFound):
			return models.Message{}, false, err
		}
	}

	m = models.Message{
		ID:             uuid.New().String(),
		ConsultationID: consultationID,
		SenderID:       senderID,
		Content:        req.Content,
		FileURL:        req.FileURL,
		ClientKey:      req.ClientKey,
		CreatedAt:      s.now(),
	}
	key := sql.NullString{String: m.ClientKey, Valid: m.ClientKey != ""}

	res, err := s.db.ExecContext(ctx, `INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?) ON CONFLICT(client_key) DO NOTHING`,
		m.ID, m.ConsultationID, m.SenderID, m.Content, m.FileURL, key, micros(m.CreatedAt))
	if err != nil {
		return models.Message{}, false, fmt.Errorf("insert message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// lost a race with the same client key
		existing, err := s.messageByKey(ctx, req.ClientKey)
		return existing, false, err
	}

	s.logger.Debug("message stored", zap.String("id", m.ID), zap.String("consultation", consultationID))
	s.publish(ctx, models.TableMessages, models.ChangeInsert, m.ID, m)
	return m, true, nil
}

func (s *Store) messageByKey(ctx context.Context, key string) (models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE client_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, models.ErrNotFound
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("get message by key: %w", err)
	}
	return m, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, models.ErrNotFound
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// ListMessages returns the messages matching f, oldest first.
func (s *Store) ListMessages(ctx context.Context, f models.Filter) ([]models.Message, error) {
	clause, args, err := where(models.TableMessages, f)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages`+clause+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkRead sets the read flag of a message on behalf of a participant of its
// consultation. Marking an already read message publishes nothing.
func (s *Store) MarkRead(ctx context.Context, id, readerID string) (models.Message, error) {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return models.Message{}, err
	}
	c, err := s.GetConsultation(ctx, m.ConsultationID)
	if err != nil {
		return models.Message{}, err
	}
	if !c.IsParticipant(readerID) {
		return models.Message{}, ErrNotParticipant
	}
	if m.ReadStatus {
		return m, nil
	}

	res, err := s.db.ExecContext(ctx, `UPDATE messages SET read_status = 1 WHERE id = ? AND read_status = 0`, id)
	if err != nil {
		return models.Message{}, fmt.Errorf("mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Message{}, fmt.Errorf("mark read: %w", err)
	}
	m.ReadStatus = true
	// a concurrent reader got there first and published the change
	if n == 0 {
		return m, nil
	}
	s.publish(ctx, models.TableMessages, models.ChangeUpdate, m.ID, m)
	return m, nil
}

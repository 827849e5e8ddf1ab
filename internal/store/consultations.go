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

const consultationColumns = `id, doctor_a_id, doctor_b_id, patient_id, status, consultation_type,
	urgency_level, start_time, end_time, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanConsultation(row scanner) (models.Consultation, error) {
	var (
		c                models.Consultation
		start, end       sql.NullInt64
		created, updated int64
		status           string
	)
	err := row.Scan(&c.ID, &c.DoctorAID, &c.DoctorBID, &c.PatientID, &status, &c.ConsultationType,
		&c.UrgencyLevel, &start, &end, &created, &updated)
	if err != nil {
		return models.Consultation{}, err
	}
	c.Status = models.ConsultationStatus(status)
	c.StartTime = fromNullMicros(start)
	c.EndTime = fromNullMicros(end)
	c.CreatedAt = fromMicros(created)
	c.UpdatedAt = fromMicros(updated)
	return c, nil
}

// CreateConsultation opens a pending consultation requested by doctorAID.
func (s *Store) CreateConsultation(ctx context.Context, doctorAID string, req models.CreateConsultationRequest) (models.Consultation, error) {
	now := s.now()
	c := models.Consultation{
		ID:               uuid.New().String(),
		DoctorAID:        doctorAID,
		DoctorBID:        req.DoctorBID,
		PatientID:        req.PatientID,
		Status:           models.StatusPending,
		ConsultationType: req.ConsultationType,
		UrgencyLevel:     req.UrgencyLevel,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if c.UrgencyLevel == "" {
		c.UrgencyLevel = "normal"
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO consultations (`+consultationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.DoctorAID, c.DoctorBID, c.PatientID, string(c.Status), c.ConsultationType,
		c.UrgencyLevel, nullMicros(c.StartTime), nullMicros(c.EndTime), micros(c.CreatedAt), micros(c.UpdatedAt))
	if err != nil {
		return models.Consultation{}, fmt.Errorf("insert consultation: %w", err)
	}

	s.logger.Info("consultation created",
		zap.String("id", c.ID), zap.String("doctor_a", c.DoctorAID), zap.String("doctor_b", c.DoctorBID))
	s.publish(ctx, models.TableConsultations, models.ChangeInsert, c.ID, c)
	return c, nil
}

func (s *Store) GetConsultation(ctx context.Context, id string) (models.Consultation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+consultationColumns+` FROM consultations WHERE id = ?`, id)
	c, err := scanConsultation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Consultation{}, models.ErrNotFound
	}
	if err != nil {
		return models.Consultation{}, fmt.Errorf("get consultation: %w", err)
	}
	return c, nil
}

// ListConsultations returns the consultations matching f, oldest first.
func (s *Store) ListConsultations(ctx context.Context, f models.Filter) ([]models.Consultation, error) {
	clause, args, err := where(models.TableConsultations, f)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+consultationColumns+` FROM consultations`+clause+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list consultations: %w", err)
	}
	defer rows.Close()

	out := []models.Consultation{}
	for rows.Next() {
		c, err := scanConsultation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan consultation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateConsultationStatus moves a consultation along its lifecycle. Moving
// to active stamps the start time; a terminal status stamps the end time.
func (s *Store) UpdateConsultationStatus(ctx context.Context, id string, to models.ConsultationStatus) (models.Consultation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Consultation{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	c, err := scanConsultation(tx.QueryRowContext(ctx, `SELECT `+consultationColumns+` FROM consultations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Consultation{}, models.ErrNotFound
	}
	if err != nil {
		return models.Consultation{}, fmt.Errorf("get consultation: %w", err)
	}
	if !c.Status.CanTransition(to) {
		return models.Consultation{}, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, c.Status, to)
	}

	now := s.now()
	c.Status = to
	c.UpdatedAt = now
	if to == models.StatusActive {
		c.StartTime = &now
	}
	if to.Terminal() {
		c.EndTime = &now
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE consultations SET status = ?, start_time = ?, end_time = ?, updated_at = ? WHERE id = ?`,
		string(c.Status), nullMicros(c.StartTime), nullMicros(c.EndTime), micros(c.UpdatedAt), c.ID); err != nil {
		return models.Consultation{}, fmt.Errorf("update consultation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Consultation{}, fmt.Errorf("commit: %w", err)
	}

	s.logger.Info("consultation status changed", zap.String("id", c.ID), zap.String("status", string(to)))
	s.publish(ctx, models.TableConsultations, models.ChangeUpdate, c.ID, c)
	return c, nil
}

// DeleteConsultation removes a consultation and, through the foreign key,
// its messages. Only the requesting doctor may delete.
func (s *Store) DeleteConsultation(ctx context.Context, id, userID string) error {
	c, err := s.GetConsultation(ctx, id)
	if err != nil {
		return err
	}
	if c.DoctorAID != userID {
		return ErrNotParticipant
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM consultations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete consultation: %w", err)
	}

	s.logger.Info("consultation deleted", zap.String("id", id))
	s.publish(ctx, models.TableConsultations, models.ChangeDelete, id, nil)
	return nil
}

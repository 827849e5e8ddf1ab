package store

import (
	"context"

	"github.com/vineethgoud568-prog/CureMos/internal/livesync"
	"github.com/vineethgoud568-prog/CureMos/internal/models"
)

type consultationSource struct{ s *Store }

func (c consultationSource) List(ctx context.Context, f models.Filter) ([]models.Consultation, error) {
	return c.s.ListConsultations(ctx, f)
}

func (c consultationSource) Get(ctx context.Context, id string) (models.Consultation, error) {
	return c.s.GetConsultation(ctx, id)
}

type messageSource struct{ s *Store }

func (m messageSource) List(ctx context.Context, f models.Filter) ([]models.Message, error) {
	return m.s.ListMessages(ctx, f)
}

func (m messageSource) Get(ctx context.Context, id string) (models.Message, error) {
	return m.s.GetMessage(ctx, id)
}

// Consultations exposes the consultations table to synchronized views.
func (s *Store) Consultations() livesync.Source[models.Consultation] {
	return consultationSource{s}
}

func (s *Store) Messages() livesync.Source[models.Message] {
	return messageSource{s}
}

// MessagesParent ties a message view to its consultation so that deleting
// the consultation empties the view with models.ErrNotFound.
func (s *Store) MessagesParent(consultationID string) *livesync.Parent {
	return &livesync.Parent{
		Table: models.TableConsultations,
		ID:    consultationID,
		Check: func(ctx context.Context) error {
			_, err := s.GetConsultation(ctx, consultationID)
			return err
		},
	}
}

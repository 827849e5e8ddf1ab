package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vineethgoud568-prog/CureMos/internal/middleware"
	"github.com/vineethgoud568-prog/CureMos/internal/models"
	"github.com/vineethgoud568-prog/CureMos/internal/notify"
	"github.com/vineethgoud568-prog/CureMos/internal/store"
	"go.uber.org/zap"
)

// API serves the consultation and message endpoints.
type API struct {
	store    *store.Store
	notifier notify.Notifier
	logger   *zap.Logger
}

func NewAPI(s *store.Store, n notify.Notifier, logger *zap.Logger) *API {
	if n == nil {
		n = notify.Nop{}
	}
	return &API{store: s, notifier: n, logger: logger.Named("api")}
}

// respondError maps store errors to status codes.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, store.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a participant of this consultation"})
	case errors.Is(err, store.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrInvalidFilter):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

// participantConsultation loads the consultation named by the :id param and
// checks that the caller takes part in it.
func (a *API) participantConsultation(c *gin.Context, userID string) (models.Consultation, bool) {
	consultation, err := a.store.GetConsultation(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return models.Consultation{}, false
	}
	if !consultation.IsParticipant(userID) {
		respondError(c, store.ErrNotParticipant)
		return models.Consultation{}, false
	}
	return consultation, true
}

// ListConsultations returns the caller's consultations for their role.
func (a *API) ListConsultations(c *gin.Context) {
	userID, role, _ := middleware.Caller(c)
	list, err := a.store.ListConsultations(c.Request.Context(), models.ConsultationFilter(userID, role))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// CreateConsultation opens a consultation requested by doctor A and notifies
// doctor B.
func (a *API) CreateConsultation(c *gin.Context) {
	userID, role, _ := middleware.Caller(c)
	if role != models.RoleDoctorA {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only doctor A may request a consultation"})
		return
	}

	var req models.CreateConsultationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.DoctorBID == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot consult yourself"})
		return
	}

	consultation, err := a.store.CreateConsultation(c.Request.Context(), userID, req)
	if err != nil {
		respondError(c, err)
		return
	}

	// the request may finish before delivery does
	ctx := context.WithoutCancel(c.Request.Context())
	a.notifier.Notify(ctx, notify.Event{
		Kind:      notify.KindConsultationCreated,
		UserID:    consultation.DoctorBID,
		SessionID: consultation.ID,
		Message:   fmt.Sprintf("%s consultation requested by %s (%s)", consultation.ConsultationType, userID, consultation.UrgencyLevel),
		At:        time.Now().UTC(),
	})

	c.JSON(http.StatusCreated, consultation)
}

func (a *API) GetConsultation(c *gin.Context) {
	userID, _, _ := middleware.Caller(c)
	consultation, ok := a.participantConsultation(c, userID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, consultation)
}

// DeleteConsultation deletes a consultation (requesting doctor only)
func (a *API) DeleteConsultation(c *gin.Context) {
	userID, _, _ := middleware.Caller(c)
	if err := a.store.DeleteConsultation(c.Request.Context(), c.Param("id"), userID); err != nil {
		respondError(c, err)
		return
	}
	a.logger.Info("consultation deleted", zap.String("id", c.Param("id")), zap.String("user", userID))
	c.JSON(http.StatusOK, gin.H{"message": "Consultation deleted"})
}

func (a *API) UpdateStatus(c *gin.Context) {
	userID, _, _ := middleware.Caller(c)
	if _, ok := a.participantConsultation(c, userID); !ok {
		return
	}

	var req models.UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	consultation, err := a.store.UpdateConsultationStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, consultation)
}

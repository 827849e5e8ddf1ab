package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vineethgoud568-prog/CureMos/internal/middleware"
	"github.com/vineethgoud568-prog/CureMos/internal/models"
)

func (a *API) ListMessages(c *gin.Context) {
	userID, _, _ := middleware.Caller(c)
	if _, ok := a.participantConsultation(c, userID); !ok {
		return
	}

	msgs, err := a.store.ListMessages(c.Request.Context(), models.MessageFilter(c.Param("id")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// SendMessage stores a chat message. Retrying with the same client_key
// returns the original message with 200 instead of 201.
func (a *API) SendMessage(c *gin.Context) {
	userID, _, _ := middleware.Caller(c)

	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, created, err := a.store.InsertMessage(c.Request.Context(), c.Param("id"), userID, req)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, msg)
}

func (a *API) MarkRead(c *gin.Context) {
	userID, _, _ := middleware.Caller(c)
	msg, err := a.store.MarkRead(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

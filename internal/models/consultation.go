package models

import (
	"fmt"
	"time"
)

type Role string

const (
	RoleDoctorA Role = "doctor_a"
	RoleDoctorB Role = "doctor_b"
)

func (r Role) Valid() bool {
	return r == RoleDoctorA || r == RoleDoctorB
}

type ConsultationStatus string

const (
	StatusPending   ConsultationStatus = "pending"
	StatusActive    ConsultationStatus = "active"
	StatusCompleted ConsultationStatus = "completed"
	StatusCancelled ConsultationStatus = "cancelled"
)

var statusTransitions = map[ConsultationStatus][]ConsultationStatus{
	StatusPending: {StatusActive, StatusCancelled},
	StatusActive:  {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether a consultation may move from one status to
// another. Completed and cancelled are terminal.
func (s ConsultationStatus) CanTransition(to ConsultationStatus) bool {
	for _, next := range statusTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s ConsultationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Consultation is one doctor A / doctor B engagement.
type Consultation struct {
	ID               string             `json:"id"`
	DoctorAID        string             `json:"doctor_a_id"`
	DoctorBID        string             `json:"doctor_b_id,omitempty"`
	PatientID        string             `json:"patient_id,omitempty"`
	Status           ConsultationStatus `json:"status"`
	ConsultationType string             `json:"consultation_type"`
	UrgencyLevel     string             `json:"urgency_level"`
	StartTime        *time.Time         `json:"start_time,omitempty"`
	EndTime          *time.Time         `json:"end_time,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

func (c Consultation) RecordID() string       { return c.ID }
func (c Consultation) CreatedTime() time.Time { return c.CreatedAt }
func (c Consultation) IdempotencyKey() string { return "" }

func (c Consultation) IsParticipant(userID string) bool {
	return userID != "" && (c.DoctorAID == userID || c.DoctorBID == userID)
}

// Column returns the value of a filterable column.
func (c Consultation) Column(name string) string {
	switch name {
	case "id":
		return c.ID
	case "doctor_a_id":
		return c.DoctorAID
	case "doctor_b_id":
		return c.DoctorBID
	case "patient_id":
		return c.PatientID
	case "status":
		return string(c.Status)
	}
	return ""
}

// Message belongs to exactly one consultation. Only ReadStatus changes
// after insert. ClientKey is generated by the sending client and survives
// the round trip through the store, so an optimistic local copy can be
// matched with its echo.
type Message struct {
	ID             string    `json:"id"`
	ConsultationID string    `json:"consultation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	FileURL        string    `json:"file_url,omitempty"`
	ReadStatus     bool      `json:"read_status"`
	ClientKey      string    `json:"client_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (m Message) RecordID() string       { return m.ID }
func (m Message) CreatedTime() time.Time { return m.CreatedAt }
func (m Message) IdempotencyKey() string { return m.ClientKey }

func (m Message) Column(name string) string {
	switch name {
	case "id":
		return m.ID
	case "consultation_id":
		return m.ConsultationID
	case "sender_id":
		return m.SenderID
	}
	return ""
}

// Filter is a single equality predicate, the only kind the change feed
// subscriptions need.
type Filter struct {
	Column string
	Value  string
}

func (f Filter) String() string {
	if f.Column == "" {
		return "*"
	}
	return fmt.Sprintf("%s=eq.%s", f.Column, f.Value)
}

// ConsultationFilter selects the consultations a user takes part in.
func ConsultationFilter(userID string, role Role) Filter {
	if role == RoleDoctorB {
		return Filter{Column: "doctor_b_id", Value: userID}
	}
	return Filter{Column: "doctor_a_id", Value: userID}
}

func MessageFilter(consultationID string) Filter {
	return Filter{Column: "consultation_id", Value: consultationID}
}

// CreateConsultationRequest is the request body for creating a consultation
type CreateConsultationRequest struct {
	DoctorBID        string `json:"doctor_b_id" binding:"required"`
	PatientID        string `json:"patient_id"`
	ConsultationType string `json:"consultation_type" binding:"required,oneof=chat voice video"`
	UrgencyLevel     string `json:"urgency_level" binding:"omitempty,oneof=low normal high emergency"`
}

type UpdateStatusRequest struct {
	Status ConsultationStatus `json:"status" binding:"required"`
}

type SendMessageRequest struct {
	Content   string `json:"content" binding:"required"`
	FileURL   string `json:"file_url"`
	ClientKey string `json:"client_key"`
}

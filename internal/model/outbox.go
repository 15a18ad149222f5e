package model

import (
	"encoding/json"
	"time"
)

// Outbox event types. They double as NATS subject suffixes.
const (
	EventManuscriptSubmitted = "manuscript.submitted"
	EventStatusChanged       = "manuscript.status_changed"
	EventVersionAppended     = "version.appended"
	EventAssignmentCreated   = "assignment.created"
	EventReviewSubmitted     = "review.submitted"
	EventReviewValidated     = "review.validated"
)

// EffectKind names the collaborator an Effect is addressed to.
type EffectKind string

const (
	EffectCertificate  EffectKind = "certificate"
	EffectNotification EffectKind = "notification"
)

// CertificateType is the credential type requested from the issuer.
type CertificateType string

const (
	CertificateAuthor   CertificateType = "AUTHOR"
	CertificateReviewer CertificateType = "REVIEWER"
)

// CertificateRequest asks the certificate issuer to mint one credential.
// RecipientUserID is empty for unclaimed authors; RecipientEmail is then the
// only handle on the recipient.
type CertificateRequest struct {
	RecipientUserID string          `json:"recipientUserId,omitempty"`
	RecipientEmail  string          `json:"recipientEmail,omitempty"`
	Type            CertificateType `json:"type"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	ManuscriptID    string          `json:"manuscriptId"`
	IdempotencyKey  string          `json:"idempotencyKey"`
}

// Notification is one message for the notification dispatcher.
type Notification struct {
	RecipientUserID string `json:"recipientUserId,omitempty"`
	RecipientEmail  string `json:"recipientEmail,omitempty"`
	Title           string `json:"title"`
	Message         string `json:"message"`
	Link            string `json:"link,omitempty"`
	IdempotencyKey  string `json:"idempotencyKey"`
}

// Effect is one side effect to deliver after the owning transition commits.
type Effect struct {
	Kind         EffectKind          `json:"kind"`
	Certificate  *CertificateRequest `json:"certificate,omitempty"`
	Notification *Notification       `json:"notification,omitempty"`
}

// OutboxEvent is written in the same atomic unit as the mutation it describes
// and drained by the relay once committed.
type OutboxEvent struct {
	ID           string          `json:"id"` // ULID, sortable by creation
	Type         string          `json:"type"`
	ManuscriptID string          `json:"manuscriptId"`
	Payload      json.RawMessage `json:"payload"`
	Effects      []Effect        `json:"effects"`
	CreatedAt    time.Time       `json:"createdAt"`
	Attempts     int             `json:"attempts"`
	LastError    string          `json:"lastError,omitempty"`
	DeliveredAt  *time.Time      `json:"deliveredAt,omitempty"`
	ParkedAt     *time.Time      `json:"parkedAt,omitempty"`
}

// Pending reports whether the relay should still try to deliver the event.
func (e OutboxEvent) Pending() bool {
	return e.DeliveredAt == nil && e.ParkedAt == nil
}

// CertificateEffects returns the certificate requests carried by the event.
func (e OutboxEvent) CertificateEffects() []CertificateRequest {
	var out []CertificateRequest
	for _, eff := range e.Effects {
		if eff.Kind == EffectCertificate && eff.Certificate != nil {
			out = append(out, *eff.Certificate)
		}
	}
	return out
}

// NotificationEffects returns the notifications carried by the event.
func (e OutboxEvent) NotificationEffects() []Notification {
	var out []Notification
	for _, eff := range e.Effects {
		if eff.Kind == EffectNotification && eff.Notification != nil {
			out = append(out, *eff.Notification)
		}
	}
	return out
}

package editorial

import (
	"encoding/json"
	"fmt"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/model"
	"github.com/oklog/ulid/v2"
)

// statusPayload is the body of manuscript.status_changed events.
type statusPayload struct {
	ManuscriptID string                 `json:"manuscriptId"`
	JournalID    string                 `json:"journalId"`
	From         model.ManuscriptStatus `json:"from"`
	To           model.ManuscriptStatus `json:"to"`
	Round        int                    `json:"round"`
	ActorID      string                 `json:"actorId"`
	Reason       string                 `json:"reason,omitempty"`
}

type versionPayload struct {
	ManuscriptID string `json:"manuscriptId"`
	Number       int    `json:"number"`
	FileRef      string `json:"fileRef"`
	ActorID      string `json:"actorId"`
}

type assignmentPayload struct {
	ManuscriptID string `json:"manuscriptId"`
	AssignmentID string `json:"assignmentId"`
	ReviewerID   string `json:"reviewerId"`
	Round        int    `json:"round"`
}

type reviewPayload struct {
	ManuscriptID   string               `json:"manuscriptId"`
	AssignmentID   string               `json:"assignmentId"`
	ReviewID       string               `json:"reviewId"`
	Round          int                  `json:"round"`
	Recommendation model.Recommendation `json:"recommendation"`
	Late           bool                 `json:"late"`
}

type validationPayload struct {
	ManuscriptID    string             `json:"manuscriptId"`
	AssignmentID    string             `json:"assignmentId"`
	ReviewID        string             `json:"reviewId"`
	Status          model.ReviewStatus `json:"status"`
	RejectionReason string             `json:"rejectionReason,omitempty"`
	ActorID         string             `json:"actorId"`
}

type submittedPayload struct {
	ManuscriptID string `json:"manuscriptId"`
	JournalID    string `json:"journalId"`
	Title        string `json:"title"`
	Authors      int    `json:"authors"`
}

// newEvent builds an outbox event and stamps each effect with the
// idempotency key <eventID>:<index>.
func newEvent(eventType, manuscriptID string, payload any, effects ...model.Effect) model.OutboxEvent {
	id := ulid.Make().String()
	// payloads are flat structs of strings and ints
	raw, _ := json.Marshal(payload)
	for i := range effects {
		key := fmt.Sprintf("%s:%d", id, i)
		if effects[i].Certificate != nil {
			cp := *effects[i].Certificate
			cp.IdempotencyKey = key
			effects[i].Certificate = &cp
		}
		if effects[i].Notification != nil {
			cp := *effects[i].Notification
			cp.IdempotencyKey = key
			effects[i].Notification = &cp
		}
	}
	return model.OutboxEvent{
		ID:           id,
		Type:         eventType,
		ManuscriptID: manuscriptID,
		Payload:      raw,
		Effects:      effects,
		CreatedAt:    timeNow(),
	}
}

func notification(userID, email, title, message, link string) model.Effect {
	return model.Effect{
		Kind: model.EffectNotification,
		Notification: &model.Notification{
			RecipientUserID: userID,
			RecipientEmail:  email,
			Title:           title,
			Message:         message,
			Link:            link,
		},
	}
}

func certificate(userID, email string, typ model.CertificateType, m *model.Manuscript, title, description string) model.Effect {
	return model.Effect{
		Kind: model.EffectCertificate,
		Certificate: &model.CertificateRequest{
			RecipientUserID: userID,
			RecipientEmail:  email,
			Type:            typ,
			Title:           title,
			Description:     description,
			ManuscriptID:    m.ID,
		},
	}
}

// decisionEffects lists the side effects of an editorial decision landing on to.
func (s *Service) decisionEffects(m *model.Manuscript, to model.ManuscriptStatus, comments string) []model.Effect {
	link := s.link("manuscripts", m.ID)
	corresponding, hasCorresponding := m.CorrespondingAuthor()
	var effects []model.Effect

	switch to {
	case model.StatusRevisionRequested:
		msg := fmt.Sprintf("Revisions have been requested for %q.", m.Title)
		if comments != "" {
			msg += " Editor comments: " + comments
		}
		for _, a := range m.Authors {
			effects = append(effects, notification(a.UserID, a.Email, "Revision requested", msg, link))
		}
	case model.StatusAccepted:
		if hasCorresponding {
			effects = append(effects, notification(corresponding.UserID, corresponding.Email,
				"Manuscript accepted", fmt.Sprintf("%q has been accepted for publication.", m.Title), link))
		}
	case model.StatusRejected:
		if hasCorresponding {
			effects = append(effects, notification(corresponding.UserID, corresponding.Email,
				"Editorial decision", fmt.Sprintf("%q was not accepted for publication.", m.Title), link))
		}
	case model.StatusPublished:
		for _, a := range m.Authors {
			effects = append(effects, certificate(a.UserID, a.Email, model.CertificateAuthor, m,
				"Author certificate", fmt.Sprintf("Author of %q", m.Title)))
		}
		if hasCorresponding {
			effects = append(effects, notification(corresponding.UserID, corresponding.Email,
				"Manuscript published", fmt.Sprintf("%q has been published.", m.Title), link))
		}
	}
	return effects
}

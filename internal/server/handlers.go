package server

import (
	"errors"
	"net/http"
	"strings"

	errordefs "github.com/RegistryAccord/registryaccord-editorial-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/media"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/model"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/schema"
	"go.opentelemetry.io/otel/attribute"
)

// handleSubmitManuscript handles POST /v1/manuscripts
func (m *Mux) handleSubmitManuscript(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.span(r, "handleSubmitManuscript")
	defer span.End()

	var req model.SubmitManuscriptRequest
	if err := m.decode(w, r, schema.SubmitManuscript, &req); err != nil {
		m.fail(w, r, span, err)
		return
	}
	span.SetAttributes(attribute.String("journal_id", req.JournalID), attribute.Int("co_authors", len(req.CoAuthors)))
	if err := m.verifyFile(ctx, "initialFileRef", req.InitialFileRef); err != nil {
		m.fail(w, r, span, err)
		return
	}
	ms, err := m.svc.SubmitManuscript(ctx, actorFrom(ctx), req)
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, ms)
}

// handleListManuscripts handles GET /v1/manuscripts?journalId=&status=
func (m *Mux) handleListManuscripts(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.span(r, "handleListManuscripts")
	defer span.End()

	q := r.URL.Query()
	filter := model.ManuscriptFilter{
		JournalID: q.Get("journalId"),
		Status:    model.ManuscriptStatus(strings.ToUpper(q.Get("status"))),
	}
	out, err := m.svc.ListManuscripts(ctx, actorFrom(ctx), filter)
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, out)
}

// handleGetManuscript handles GET /v1/manuscripts/{id}
func (m *Mux) handleGetManuscript(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.span(r, "handleGetManuscript")
	defer span.End()

	ms, err := m.svc.GetManuscript(ctx, actorFrom(ctx), r.PathValue("id"))
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, ms)
}

// handleAppendVersion handles POST /v1/manuscripts/{id}/versions
func (m *Mux) handleAppendVersion(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.span(r, "handleAppendVersion")
	defer span.End()

	var req model.AppendVersionRequest
	if err := m.decode(w, r, schema.AppendVersion, &req); err != nil {
		m.fail(w, r, span, err)
		return
	}
	if err := m.verifyFile(ctx, "fileRef", req.FileRef); err != nil {
		m.fail(w, r, span, err)
		return
	}
	v, err := m.svc.AppendVersion(ctx, actorFrom(ctx), r.PathValue("id"), req)
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, v)
}

// handleListVersions handles GET /v1/manuscripts/{id}/versions
func (m *Mux) handleListVersions(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.span(r, "handleListVersions")
	defer span.End()

	out, err := m.svc.ListVersions(ctx, actorFrom(ctx), r.PathValue("id"))
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, out)
}

// handleTransition handles POST /v1/manuscripts/{id}/status
func (m *Mux) handleTransition(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.span(r, "handleTransition")
	defer span.End()

	var req model.TransitionRequest
	if err := m.decode(w, r, schema.Transition, &req); err != nil {
		m.fail(w, r, span, err)
		return
	}
	req.To = model.ManuscriptStatus(strings.ToUpper(strings.TrimSpace(string(req.To))))
	req.ExpectedFrom = model.ManuscriptStatus(strings.ToUpper(strings.TrimSpace(string(req.ExpectedFrom))))
	span.SetAttributes(attribute.String("to", string(req.To)))

	ms, err := m.svc.TransitionStatus(ctx, actorFrom(ctx), r.PathValue("id"), req)
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, ms)
}

// handleHistory handles GET /v1/manuscripts/{id}/history
func (m *Mux) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.span(r, "handleHistory")
	defer span.End()

	out, err := m.svc.GetStatusHistory(ctx, actorFrom(ctx), r.PathValue("id"))
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, out)
}

// handleTimeline handles GET /v1/manuscripts/{id}/timeline
func (m *Mux) handleTimeline(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.span(r, "handleTimeline")
	defer span.End()

	out, err := m.svc.Timeline(ctx, actorFrom(ctx), r.PathValue("id"))
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, out)
}

// handleAssignReviewer handles POST /v1/manuscripts/{id}/assignments
func (m *Mux) handleAssignReviewer(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.span(r, "handleAssignReviewer")
	defer span.End()

	var req model.AssignReviewerRequest
	if err := m.decode(w, r, schema.AssignReviewer, &req); err != nil {
		m.fail(w, r, span, err)
		return
	}
	req.Priority = model.Priority(strings.ToUpper(strings.TrimSpace(string(req.Priority))))

	a, err := m.svc.AssignReviewer(ctx, actorFrom(ctx), r.PathValue("id"), req)
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, a)
}

// handleListAssignments handles GET /v1/manuscripts/{id}/assignments?status=&reviewerId=&round=
func (m *Mux) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.span(r, "handleListAssignments")
	defer span.End()

	round, err := queryInt(r, "round")
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	q := r.URL.Query()
	filter := model.AssignmentFilter{
		ReviewerID: q.Get("reviewerId"),
		Status:     model.AssignmentStatus(strings.ToUpper(q.Get("status"))),
		Round:      round,
	}
	out, err := m.svc.ListAssignments(ctx, actorFrom(ctx), r.PathValue("id"), filter)
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, out)
}

// handleSubmitReview handles POST /v1/assignments/{id}/review
func (m *Mux) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.span(r, "handleSubmitReview")
	defer span.End()

	var req model.SubmitReviewRequest
	if err := m.decode(w, r, schema.SubmitReview, &req); err != nil {
		m.fail(w, r, span, err)
		return
	}
	req.Recommendation = model.Recommendation(strings.ToUpper(strings.TrimSpace(string(req.Recommendation))))

	rv, err := m.svc.SubmitReview(ctx, actorFrom(ctx), r.PathValue("id"), req)
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, rv)
}

// handleValidateReview handles POST /v1/assignments/{id}/review/validate
func (m *Mux) handleValidateReview(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.span(r, "handleValidateReview")
	defer span.End()

	var req model.ValidateReviewRequest
	if err := m.decode(w, r, schema.ValidateReview, &req); err != nil {
		m.fail(w, r, span, err)
		return
	}
	rv, err := m.svc.ValidateReview(ctx, actorFrom(ctx), r.PathValue("id"), req)
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, rv)
}

// handleGetReview handles GET /v1/assignments/{id}/review
func (m *Mux) handleGetReview(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.span(r, "handleGetReview")
	defer span.End()

	rv, err := m.svc.GetReview(ctx, actorFrom(ctx), r.PathValue("id"))
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, rv)
}

// handlePendingReviews handles GET /v1/reviews/pending?journalId=
func (m *Mux) handlePendingReviews(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.span(r, "handlePendingReviews")
	defer span.End()

	out, err := m.svc.ListPendingReviews(ctx, actorFrom(ctx), r.URL.Query().Get("journalId"))
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, out)
}

// handleDashboard handles GET /v1/reviewer/dashboard
func (m *Mux) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.span(r, "handleDashboard")
	defer span.End()

	out, err := m.svc.ReviewerDashboard(ctx, actorFrom(ctx))
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, out)
}

// handleUploadInit handles POST /v1/files/uploadInit
func (m *Mux) handleUploadInit(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.span(r, "handleUploadInit")
	defer span.End()

	var req media.UploadRequest
	if err := m.decode(w, r, schema.UploadInit, &req); err != nil {
		m.fail(w, r, span, err)
		return
	}
	req.ContentType = strings.ToLower(strings.TrimSpace(req.ContentType))
	if strings.TrimSpace(req.Filename) == "" {
		m.fail(w, r, span, errordefs.NewWithDetails(errordefs.EDT_VALIDATION, "filename is required", "", errordefs.Field("filename")))
		return
	}
	if req.ContentType == "" {
		m.fail(w, r, span, errordefs.NewWithDetails(errordefs.EDT_VALIDATION, "contentType is required", "", errordefs.Field("contentType")))
		return
	}
	span.SetAttributes(attribute.String("content_type", req.ContentType), attribute.Int64("size", req.Size))

	up, err := m.files.InitUpload(ctx, actorFrom(ctx).ID, req)
	switch {
	case errors.Is(err, media.ErrTypeNotAllowed):
		m.fail(w, r, span, errordefs.NewWithDetails(errordefs.EDT_MEDIA_TYPE, err.Error(), "", errordefs.Field("contentType")))
		return
	case errors.Is(err, media.ErrTooLarge):
		m.fail(w, r, span, errordefs.NewWithDetails(errordefs.EDT_MEDIA_SIZE, err.Error(), "", errordefs.Field("size")))
		return
	case err != nil:
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, up)
}

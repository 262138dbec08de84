package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/orthotrack/treatment-timeline/internal/backend"
	redisclient "github.com/orthotrack/treatment-timeline/internal/redis"
	"github.com/orthotrack/treatment-timeline/internal/timeline"
)

// maxUploadBytes caps the multipart form kept in memory during a video
// upload proxy; the rest spills to disk per net/http defaults.
const maxUploadBytes = 32 << 20

type Handler struct {
	registry      *timeline.Registry
	sessionCookie string
}

func NewHandler(registry *timeline.Registry, sessionCookie string) *Handler {
	return &Handler{registry: registry, sessionCookie: sessionCookie}
}

// backendSession pulls the clinical backend's session cookie off the client
// request. The gateway forwards it verbatim; all auth lives backend-side.
func (h *Handler) backendSession(r *http.Request) (string, bool) {
	ck, err := r.Cookie(h.sessionCookie)
	if err != nil || ck.Value == "" {
		return "", false
	}
	return ck.Value, true
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.backendSession(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_session", "backend session cookie is required")
		return
	}

	caseID, err := strconv.Atoi(chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_case_id", "caseID must be an integer")
		return
	}

	c, err := h.registry.Start(r.Context(), session, caseID)
	if err != nil {
		handleOpError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, c.Snapshot())
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*timeline.Controller, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_session_id", "sessionID must be a valid UUID")
		return nil, false
	}
	c, err := h.registry.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	return c, true
}

func (h *Handler) slotID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "slotID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_slot_id", "slotID must be an integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	c, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (h *Handler) endSession(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_session_id", "sessionID must be a valid UUID")
		return
	}
	if err := h.registry.End(id); err != nil {
		writeError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) toggleSlot(w http.ResponseWriter, r *http.Request) {
	c, ok := h.session(w, r)
	if !ok {
		return
	}
	slotID, ok := h.slotID(w, r)
	if !ok {
		return
	}
	if err := c.ToggleSlot(slotID); err != nil {
		handleOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (h *Handler) setViewMode(w http.ResponseWriter, r *http.Request) {
	c, ok := h.session(w, r)
	if !ok {
		return
	}
	var req ViewModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	if err := c.SetViewMode(timeline.ViewMode(req.Mode)); err != nil {
		handleOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (h *Handler) comments(w http.ResponseWriter, r *http.Request) {
	c, ok := h.session(w, r)
	if !ok {
		return
	}
	slotID, ok := h.slotID(w, r)
	if !ok {
		return
	}

	msgs, loaded := c.Messages(slotID)
	resp := CommentsResponse{
		Loaded:  loaded,
		Loading: c.MessagesLoading(slotID),
	}
	if loaded {
		resp.Comments = msgs
	} else {
		resp.Comments = []backend.Comment{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) completeSlot(w http.ResponseWriter, r *http.Request) {
	c, ok := h.session(w, r)
	if !ok {
		return
	}
	slotID, ok := h.slotID(w, r)
	if !ok {
		return
	}
	if err := c.CompleteTreatment(r.Context(), slotID); err != nil {
		handleOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (h *Handler) verifySlot(w http.ResponseWriter, r *http.Request) {
	c, ok := h.session(w, r)
	if !ok {
		return
	}
	slotID, ok := h.slotID(w, r)
	if !ok {
		return
	}
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	if req.QRCode == "" {
		writeError(w, http.StatusBadRequest, "missing_qr_code", "qr_code is required")
		return
	}
	if err := c.VerifySlot(r.Context(), slotID, req.QRCode); err != nil {
		handleOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (h *Handler) setFinalized(w http.ResponseWriter, r *http.Request) {
	c, ok := h.session(w, r)
	if !ok {
		return
	}
	slotID, ok := h.slotID(w, r)
	if !ok {
		return
	}
	var req FinalizedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	if err := c.FinalizeSubmission(r.Context(), slotID, req.Finalized); err != nil {
		handleOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (h *Handler) uploadVideo(w http.ResponseWriter, r *http.Request) {
	c, ok := h.session(w, r)
	if !ok {
		return
	}
	slotID, ok := h.slotID(w, r)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_multipart", "could not parse multipart form")
		return
	}
	videoType := r.FormValue("video_type")
	file, header, err := r.FormFile("video")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing_video", "a video file part is required")
		return
	}
	defer file.Close()

	videoID, err := c.Upload(r.Context(), slotID, videoType, header.Filename, file)
	if err != nil {
		handleOpError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, UploadResponse{VideoID: videoID})
}

func (h *Handler) uploadProgress(w http.ResponseWriter, r *http.Request) {
	c, ok := h.session(w, r)
	if !ok {
		return
	}
	st, err := c.UploadProgress(chi.URLParam(r, "videoID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "upload_not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleOpError maps controller and backend errors onto the wire. The client
// renders the envelope as a toast; cached state on the session survives every
// failure.
func handleOpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, timeline.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, timeline.ErrUnknownSlot):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, backend.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, timeline.ErrInvalidMode),
		errors.Is(err, timeline.ErrInvalidVideoType):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, timeline.ErrSessionClosed):
		writeError(w, http.StatusGone, "session_closed", err.Error())
	case errors.Is(err, backend.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "session_rejected", err.Error())
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "slot_busy", "slot is being updated elsewhere, please retry shortly")
	case errors.Is(err, backend.ErrBackendStatus):
		writeError(w, http.StatusBadGateway, "backend_error", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

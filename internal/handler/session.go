package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/romvault/netplay-server-go/internal/errors"
	"github.com/romvault/netplay-server-go/internal/middleware"
	"github.com/romvault/netplay-server-go/internal/model"
	"github.com/romvault/netplay-server-go/internal/service"
)

type SessionHandler struct {
	sessionService *service.SessionService
}

func NewSessionHandler(sessionService *service.SessionService) *SessionHandler {
	return &SessionHandler{
		sessionService: sessionService,
	}
}

// Routes expects AuthMiddleware to have run.
func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.CreateSession)
	r.Get("/", h.ListSessions)
	r.Route("/{sessionID}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Post("/invite", h.Invite)
		r.Post("/join", h.Join)
		r.Post("/heartbeat", h.Heartbeat)
		r.Post("/close", h.Close)
	})

	return r
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, r, apperrors.AuthenticationRequired())
		return "", false
	}
	return userID, true
}

// POST /v1/netplay/sessions
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		ContentID string  `json:"contentId"`
		ResumeRef *string `json:"resumeRef"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ResumeRef != nil && *req.ResumeRef == "" {
		req.ResumeRef = nil
	}

	result, err := h.sessionService.Create(r.Context(), userID, req.ContentID, req.ResumeRef)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// GET /v1/netplay/sessions
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	sessions, err := h.sessionService.List(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// GET /v1/netplay/sessions/{sessionID}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	snapshot, err := h.sessionService.Snapshot(r.Context(), chi.URLParam(r, "sessionID"), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

// POST /v1/netplay/sessions/{sessionID}/invite
func (h *SessionHandler) Invite(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		UserID string `json:"userId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	snapshot, err := h.sessionService.Invite(r.Context(), chi.URLParam(r, "sessionID"), userID, req.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

// POST /v1/netplay/sessions/{sessionID}/join
func (h *SessionHandler) Join(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	result, err := h.sessionService.Join(r.Context(), chi.URLParam(r, "sessionID"), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// POST /v1/netplay/sessions/{sessionID}/heartbeat
func (h *SessionHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		PeerToken string `json:"peerToken"`
		Status    string `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	// An empty token still goes through the service so expiry is checked first.
	if err := h.sessionService.Heartbeat(r.Context(), chi.URLParam(r, "sessionID"), userID, req.PeerToken, req.Status); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// POST /v1/netplay/sessions/{sessionID}/close
func (h *SessionHandler) Close(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	if err := h.sessionService.Close(r.Context(), chi.URLParam(r, "sessionID"), userID); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Package web serves the review UI and its REST API.
package web

import (
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/filipc77/cowrite/internal/comments"
	"github.com/filipc77/cowrite/internal/workspace"
)

//go:embed templates/*
var templatesFS embed.FS

// Handler handles review UI requests
type Handler struct {
	store     *comments.Store
	ws        *workspace.Workspace
	hub       *Hub
	templates *template.Template
}

// NewHandler creates a new web handler
func NewHandler(store *comments.Store, ws *workspace.Workspace, hub *Hub) (*Handler, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Handler{
		store:     store,
		ws:        ws,
		hub:       hub,
		templates: tmpl,
	}, nil
}

// RegisterRoutes registers UI and API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/", h.handleIndex).Methods("GET")
	r.HandleFunc("/ws", h.hub.ServeWS).Methods("GET")

	r.HandleFunc("/api/file", h.handleGetFile).Methods("GET")
	r.HandleFunc("/api/file", h.handlePutFile).Methods("PUT")
	r.HandleFunc("/api/edit", h.handleEdit).Methods("POST")
	r.HandleFunc("/api/annotated", h.handleAnnotated).Methods("GET")

	r.HandleFunc("/api/comments", h.handleListComments).Methods("GET")
	r.HandleFunc("/api/comments", h.handleAddComment).Methods("POST")
	r.HandleFunc("/api/comments/{id}", h.handleDeleteComment).Methods("DELETE")
	r.HandleFunc("/api/comments/{id}/replies", h.handleAddReply).Methods("POST")
	r.HandleFunc("/api/comments/{id}/resolve", h.handleResolve).Methods("POST")
	r.HandleFunc("/api/comments/{id}/reopen", h.handleReopen).Methods("POST")
	r.HandleFunc("/api/comments/{id}/replies/{replyID}/proposal", h.handleProposalAction).Methods("POST")
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	if err := h.templates.ExecuteTemplate(w, "index.html", nil); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) handleGetFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path query parameter is required")
		return
	}
	content, err := h.ws.Read(path)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path, "content": content})
}

type writeFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (h *Handler) handlePutFile(w http.ResponseWriter, r *http.Request) {
	var req writeFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	if err := h.ws.Write(req.Path, req.Content); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type editRequest struct {
	Path    string `json:"path"`
	Offset  int    `json:"offset"`
	Length  int    `json:"length"`
	NewText string `json:"newText"`
}

func (h *Handler) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	content, err := h.ws.ApplyEdit(req.Path, req.Offset, req.Length, req.NewText)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": req.Path, "content": content})
}

func (h *Handler) handleAnnotated(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path query parameter is required")
		return
	}
	content, err := h.ws.Read(path)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	annotated := comments.Annotate(content, h.store.ForFile(path))
	writeJSON(w, http.StatusOK, map[string]string{"path": path, "content": annotated})
}

func (h *Handler) handleListComments(w http.ResponseWriter, r *http.Request) {
	status := comments.Status(r.URL.Query().Get("status"))
	switch status {
	case "", comments.StatusAll, comments.StatusPending, comments.StatusAnswered, comments.StatusResolved:
	default:
		writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}
	list := h.store.List(comments.Filter{
		File:   r.URL.Query().Get("file"),
		Status: status,
	})
	writeJSON(w, http.StatusOK, list)
}

type addCommentRequest struct {
	File         string `json:"file"`
	Offset       int    `json:"offset"`
	Length       int    `json:"length"`
	SelectedText string `json:"selectedText"`
	Comment      string `json:"comment"`
}

func (h *Handler) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var req addCommentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.File == "" {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	if req.Comment == "" {
		writeError(w, http.StatusBadRequest, "comment text is required")
		return
	}
	c := h.store.Add(req.File, req.Offset, req.Length, req.SelectedText, req.Comment)
	log.Info().Str("comment", c.ID).Str("file", c.File).Msg("comment added")
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.store.Delete(id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type replyRequest struct {
	From string `json:"from"`
	Text string `json:"text"`
}

func (h *Handler) handleAddReply(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req replyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	from := comments.Origin(req.From)
	if from == "" {
		from = comments.OriginUser
	}
	if from != comments.OriginUser && from != comments.OriginAgent {
		writeError(w, http.StatusBadRequest, "from must be user or agent")
		return
	}
	c, err := h.store.AddReply(id, from, req.Text)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, err := h.store.Resolve(id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleReopen(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, err := h.store.Reopen(id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type proposalActionRequest struct {
	Action string `json:"action"`
}

// handleProposalAction applies or rejects an agent proposal. On apply, the
// store re-anchors the comment first, then the old span is spliced out of
// the file; reconciliation then finds the new text already anchored.
func (h *Handler) handleProposalAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	commentID, replyID := vars["id"], vars["replyID"]

	var req proposalActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	status := comments.ProposalStatus(req.Action)
	if status != comments.ProposalApplied && status != comments.ProposalRejected {
		writeError(w, http.StatusBadRequest, "action must be applied or rejected")
		return
	}

	// Capture the anchor before the store rewrites it.
	before, err := h.store.Get(commentID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	var prop *comments.Proposal
	for i := range before.Replies {
		if before.Replies[i].ID == replyID {
			prop = before.Replies[i].Proposal
		}
	}
	if prop == nil {
		writeError(w, http.StatusNotFound, "reply has no proposal")
		return
	}

	updated, err := h.store.UpdateProposalStatus(commentID, replyID, status)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	if status == comments.ProposalRejected {
		writeJSON(w, http.StatusOK, map[string]any{"comment": updated})
		return
	}

	content, err := h.ws.ApplyEdit(before.File, before.Offset, before.Length, prop.NewText)
	if err != nil {
		log.Warn().Err(err).Str("comment", commentID).Msg("proposal applied but splice failed")
		writeError(w, statusFor(err), err.Error())
		return
	}
	log.Info().Str("comment", commentID).Str("file", before.File).Msg("proposal applied")
	writeJSON(w, http.StatusOK, map[string]any{"comment": updated, "content": content})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode response failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, comments.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, comments.ErrFileComment):
		return http.StatusUnprocessableEntity
	case errors.Is(err, comments.ErrNotResolved):
		return http.StatusConflict
	case errors.Is(err, workspace.ErrOutOfRange):
		return http.StatusUnprocessableEntity
	case errors.Is(err, workspace.ErrEscapesRoot):
		return http.StatusBadRequest
	case errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

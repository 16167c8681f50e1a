package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
)

type conversationRequest struct {
	ParticipantID string `json:"participant_id" validate:"required"`
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Chats.Inbox(r.Context(), userIDFromContext(r.Context())))
}

func (s *Server) handleEnsureConversation(w http.ResponseWriter, r *http.Request) {
	var req conversationRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	conv, err := s.core.Chats.EnsureConversation(r.Context(), userIDFromContext(r.Context()), req.ParticipantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.core.Chats.Messages(r.Context(), mux.Vars(r)["id"], userIDFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// Blank content is left to the store so it reports empty_content rather
// than a field validation error.
type messageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.core.Chats.PostMessage(r.Context(), mux.Vars(r)["id"], userIDFromContext(r.Context()), req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

type readRequest struct {
	UptoMessageID string `json:"upto_message_id" validate:"required"`
}

type readResponse struct {
	Marked int `json:"marked"`
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req readRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.core.Chats.MarkRead(r.Context(), mux.Vars(r)["id"], userIDFromContext(r.Context()), req.UptoMessageID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, readResponse{Marked: n})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if err := s.core.Chats.Archive(r.Context(), mux.Vars(r)["id"], userIDFromContext(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

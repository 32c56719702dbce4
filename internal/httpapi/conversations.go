package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type flagsResponse struct {
	Person     string `json:"person"`
	TotalFlags int    `json:"total_flags"`
}

type relinkResponse struct {
	ConversationID string   `json:"conversation_id"`
	Linked         []string `json:"linked"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.repo.ListConversations(r.Context())
	if err != nil {
		s.respondFailure(w, r, "conversations", err)
		return
	}
	respondJSON(w, http.StatusOK, convs)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := s.repo.GetConversation(r.Context(), id)
	if err != nil {
		s.respondFailure(w, r, "conversation "+id, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

// handleConversationsForPerson answers an empty list for unknown people.
func (s *Server) handleConversationsForPerson(w http.ResponseWriter, r *http.Request) {
	convs, err := s.repo.FindConversationsForPerson(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.respondFailure(w, r, "conversations", err)
		return
	}
	respondJSON(w, http.StatusOK, convs)
}

func (s *Server) handleCountFlags(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	total, err := s.repo.CountFlagsForPerson(r.Context(), name)
	if err != nil {
		s.respondFailure(w, r, "person "+name, err)
		return
	}
	respondJSON(w, http.StatusOK, flagsResponse{Person: name, TotalFlags: total})
}

func (s *Server) handleRelink(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	linked, err := s.ingest.Relink(r.Context(), id)
	if err != nil {
		s.respondFailure(w, r, "conversation "+id, err)
		return
	}
	respondJSON(w, http.StatusOK, relinkResponse{ConversationID: id, Linked: linked})
}

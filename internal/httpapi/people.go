package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/elderwatch/internal/store"
)

type createPersonRequest struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

type updatePersonResponse struct {
	Updated bool `json:"updated"`
	Changed bool `json:"changed"`
}

func (s *Server) handleListPeople(w http.ResponseWriter, r *http.Request) {
	people, err := s.repo.ListPeople(r.Context())
	if err != nil {
		s.respondFailure(w, r, "people", err)
		return
	}
	respondJSON(w, http.StatusOK, people)
}

func (s *Server) handleGetPerson(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "person")
	p, err := s.repo.FindPersonByName(r.Context(), name)
	if err != nil {
		s.respondFailure(w, r, "person "+name, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleCreatePerson(w http.ResponseWriter, r *http.Request) {
	var req createPersonRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Role = strings.TrimSpace(req.Role)
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}

	p := store.Person{ID: store.NewID(), Name: req.Name, Role: req.Role, Conversations: []string{}}
	if _, err := s.repo.InsertPerson(r.Context(), p); err != nil {
		s.respondFailure(w, r, "person", err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

// handleUpdatePersonByID patches name and role of the person with the given id.
func (s *Server) handleUpdatePersonByID(w http.ResponseWriter, r *http.Request) {
	s.updatePerson(w, r, store.ByID(chi.URLParam(r, "person")))
}

func (s *Server) handleUpdatePersonByName(w http.ResponseWriter, r *http.Request) {
	s.updatePerson(w, r, store.ByName(chi.URLParam(r, "name")))
}

func (s *Server) updatePerson(w http.ResponseWriter, r *http.Request, ref store.PersonRef) {
	var patch store.PersonPatch
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if patch.Name == nil && patch.Role == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "name or role is required")
		return
	}
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "name must not be empty")
		return
	}

	changed, err := s.repo.UpdatePerson(r.Context(), ref, patch)
	if err != nil {
		s.respondFailure(w, r, "person", err)
		return
	}
	respondJSON(w, http.StatusOK, updatePersonResponse{Updated: true, Changed: changed})
}

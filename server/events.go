package server

import (
	"net/http"

	"github.com/google/uuid"

	"rezrewards/auth"
	"rezrewards/catalog"
	"rezrewards/models"
)

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())
	var input catalog.ProgramInput
	if !decodeBody(w, r, &input) {
		return
	}
	// Partner submissions go through review; admin-created events publish
	// immediately.
	input.NeedsApproval = identity.Role != auth.RoleAdmin
	program, err := s.cfg.Catalog.CreateProgram(r.Context(), input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, program)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := catalog.ProgramFilter{
		Status:    models.ProgramStatus(query.Get("status")),
		EventType: query.Get("eventType"),
		City:      query.Get("city"),
		Page:      queryInt(query.Get("page")),
		Limit:     queryInt(query.Get("limit")),
	}
	if raw := query.Get("sponsorId"); raw != "" {
		sponsorID, err := uuid.Parse(raw)
		if err != nil {
			writeBadRequest(w, "invalid sponsor id")
			return
		}
		filter.SponsorID = &sponsorID
	}
	if raw := query.Get("featured"); raw != "" {
		featured := raw == "true"
		filter.Featured = &featured
	}
	programs, total, err := s.cfg.Catalog.Programs(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": programs, "total": total})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	program, err := s.cfg.Catalog.Program(r.Context(), eventID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, program)
}

func (s *Server) handleApproveEvent(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	program, err := s.cfg.Catalog.ApproveProgram(r.Context(), eventID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, program)
}

func (s *Server) handleRejectEvent(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	program, err := s.cfg.Catalog.RejectProgram(r.Context(), eventID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, program)
}

func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	status := models.EnrollmentStatus(r.URL.Query().Get("status"))
	participants, err := s.cfg.Enrollments.Participants(r.Context(), eventID, status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": participants})
}

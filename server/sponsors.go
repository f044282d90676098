package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"rezrewards/auth"
	"rezrewards/catalog"
	"rezrewards/ledger"
	"rezrewards/models"
)

func (s *Server) handleCreateSponsor(w http.ResponseWriter, r *http.Request) {
	var input catalog.SponsorInput
	if !decodeBody(w, r, &input) {
		return
	}
	sponsor, err := s.cfg.Catalog.CreateSponsor(r.Context(), input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sponsor)
}

func (s *Server) handleListSponsors(w http.ResponseWriter, r *http.Request) {
	// Non-admin callers only see active sponsors.
	activeOnly := true
	if identity, ok := auth.FromContext(r.Context()); ok && identity.Role == auth.RoleAdmin {
		activeOnly = r.URL.Query().Get("active") == "true"
	}
	sponsors, err := s.cfg.Catalog.Sponsors(r.Context(), activeOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sponsors": sponsors})
}

func (s *Server) handleGetSponsor(w http.ResponseWriter, r *http.Request) {
	sponsorID, ok := pathUUID(w, r, "sponsorID")
	if !ok {
		return
	}
	sponsor, err := s.cfg.Catalog.Sponsor(r.Context(), sponsorID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sponsor)
}

func (s *Server) handleSponsorActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sponsorID, ok := pathUUID(w, r, "sponsorID")
		if !ok {
			return
		}
		sponsor, err := s.cfg.Catalog.SetSponsorActive(r.Context(), sponsorID, active)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sponsor)
	}
}

type fundRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	sponsorID, ok := pathUUID(w, r, "sponsorID")
	if !ok {
		return
	}
	identity, _ := auth.FromContext(r.Context())
	var input fundRequest
	if !decodeBody(w, r, &input) {
		return
	}
	entry, err := s.cfg.Ledger.Fund(r.Context(), sponsorID, input.Amount, identity.UserID, input.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

type allocationRequest struct {
	EventID     uuid.UUID `json:"eventId"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description"`
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	sponsorID, ok := pathUUID(w, r, "sponsorID")
	if !ok {
		return
	}
	identity, _ := auth.FromContext(r.Context())
	var input allocationRequest
	if !decodeBody(w, r, &input) {
		return
	}
	entry, err := s.cfg.Ledger.Allocate(r.Context(), sponsorID, input.EventID, input.Amount, identity.UserID, input.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	sponsorID, ok := pathUUID(w, r, "sponsorID")
	if !ok {
		return
	}
	identity, _ := auth.FromContext(r.Context())
	var input allocationRequest
	if !decodeBody(w, r, &input) {
		return
	}
	entry, err := s.cfg.Ledger.Refund(r.Context(), sponsorID, input.EventID, input.Amount, identity.UserID, input.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleSponsorBalance(w http.ResponseWriter, r *http.Request) {
	sponsorID, ok := pathUUID(w, r, "sponsorID")
	if !ok {
		return
	}
	balance, err := s.cfg.Ledger.SponsorBalance(r.Context(), sponsorID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sponsorId": sponsorID, "balance": balance})
}

func (s *Server) handleSponsorLedger(w http.ResponseWriter, r *http.Request) {
	sponsorID, ok := pathUUID(w, r, "sponsorID")
	if !ok {
		return
	}
	query := r.URL.Query()
	filter := ledger.EntryFilter{
		Type:  models.EntryType(query.Get("type")),
		Page:  queryInt(query.Get("page")),
		Limit: queryInt(query.Get("limit")),
	}
	if filter.Type != "" && !filter.Type.Valid() {
		writeBadRequest(w, "unknown entry type")
		return
	}
	if raw := query.Get("eventId"); raw != "" {
		eventID, err := uuid.Parse(raw)
		if err != nil {
			writeBadRequest(w, "invalid event id")
			return
		}
		filter.ProgramID = &eventID
	}
	entries, total, err := s.cfg.Ledger.Entries(r.Context(), sponsorID, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "total": total})
}

func (s *Server) handleEventBudget(w http.ResponseWriter, r *http.Request) {
	sponsorID, ok := pathUUID(w, r, "sponsorID")
	if !ok {
		return
	}
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	budget, err := s.cfg.Ledger.EventBudget(r.Context(), sponsorID, eventID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, budget)
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeBadRequest(w, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(raw string) int {
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return value
}

package server

import (
	"net/http"

	"github.com/google/uuid"

	"rezrewards/auth"
	"rezrewards/models"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	identity, _ := auth.FromContext(r.Context())
	enr, err := s.cfg.Enrollments.Register(r.Context(), identity.UserID, eventID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, enr)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	identity, _ := auth.FromContext(r.Context())
	var input cancelRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &input) {
		return
	}
	enr, err := s.cfg.Enrollments.Cancel(r.Context(), identity.UserID, eventID, input.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enr)
}

func (s *Server) handleGenerateQR(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	identity, _ := auth.FromContext(r.Context())
	credential, err := s.cfg.Enrollments.GenerateQR(r.Context(), identity.UserID, eventID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, credential)
}

func (s *Server) handleGenerateOTP(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	identity, _ := auth.FromContext(r.Context())
	credential, err := s.cfg.Enrollments.GenerateOTP(r.Context(), identity.UserID, eventID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, credential)
}

type verifyQRRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleVerifyQR(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())
	var input verifyQRRequest
	if !decodeBody(w, r, &input) {
		return
	}
	enr, err := s.cfg.Enrollments.VerifyQR(r.Context(), input.Token, identity.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enr)
}

type verifyOTPRequest struct {
	UserID uuid.UUID `json:"userId"`
	Code   string    `json:"code"`
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	identity, _ := auth.FromContext(r.Context())
	var input verifyOTPRequest
	if !decodeBody(w, r, &input) {
		return
	}
	enr, err := s.cfg.Enrollments.VerifyOTP(r.Context(), input.UserID, eventID, input.Code, identity.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enr)
}

type verifyGeoRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (s *Server) handleVerifyGeo(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	identity, _ := auth.FromContext(r.Context())
	var input verifyGeoRequest
	if !decodeBody(w, r, &input) {
		return
	}
	enr, err := s.cfg.Enrollments.VerifyGeo(r.Context(), identity.UserID, eventID, input.Latitude, input.Longitude)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enr)
}

type participantRequest struct {
	UserID uuid.UUID `json:"userId"`
}

func (s *Server) handleManualCheckIn(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	identity, _ := auth.FromContext(r.Context())
	var input participantRequest
	if !decodeBody(w, r, &input) {
		return
	}
	enr, err := s.cfg.Enrollments.CheckIn(r.Context(), input.UserID, eventID, identity.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enr)
}

type completeRequest struct {
	UserID      uuid.UUID `json:"userId"`
	ImpactValue float64   `json:"impactValue"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	identity, _ := auth.FromContext(r.Context())
	var input completeRequest
	if !decodeBody(w, r, &input) {
		return
	}
	enr, err := s.cfg.Enrollments.Complete(r.Context(), input.UserID, eventID, identity.UserID, input.ImpactValue)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enr)
}

type bulkCompleteRequest struct {
	UserIDs     []uuid.UUID `json:"userIds"`
	ImpactValue float64     `json:"impactValue"`
}

func (s *Server) handleBulkComplete(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	identity, _ := auth.FromContext(r.Context())
	var input bulkCompleteRequest
	if !decodeBody(w, r, &input) {
		return
	}
	if len(input.UserIDs) == 0 {
		writeBadRequest(w, "userIds must not be empty")
		return
	}
	result := s.cfg.Enrollments.BulkComplete(r.Context(), eventID, input.UserIDs, identity.UserID, input.ImpactValue)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleNoShow(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	var input participantRequest
	if !decodeBody(w, r, &input) {
		return
	}
	enr, err := s.cfg.Enrollments.MarkNoShow(r.Context(), input.UserID, eventID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enr)
}

func (s *Server) handleMyEnrollments(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())
	status := models.EnrollmentStatus(r.URL.Query().Get("status"))
	enrollments, err := s.cfg.Enrollments.ForUser(r.Context(), identity.UserID, status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enrollments": enrollments})
}

func (s *Server) handleMyImpact(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())
	stats, err := s.cfg.Impact.Stats(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	metric := query.Get("metric")
	if metric == "" {
		metric = "events_completed"
	}
	rows, err := s.cfg.Impact.Leaderboard(r.Context(), metric, queryInt(query.Get("limit")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metric": metric, "leaderboard": rows})
}

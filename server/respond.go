package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"rezrewards/catalog"
	"rezrewards/enrollment"
	"rezrewards/impact"
	"rezrewards/ledger"
	"rezrewards/rewards"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps domain errors onto HTTP statuses: unknown resources are
// 404, state machine and uniqueness violations are 409, business rule
// rejections that carry a well-formed request are 422, and everything
// unrecognised is a 500 with the detail kept out of the response.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, catalog.ErrInvalidInput),
		errors.Is(err, impact.ErrUnknownMetric):
		status = http.StatusBadRequest
		message = err.Error()
	case errors.Is(err, ledger.ErrSponsorNotFound),
		errors.Is(err, ledger.ErrProgramNotFound),
		errors.Is(err, catalog.ErrSponsorNotFound),
		errors.Is(err, catalog.ErrProgramNotFound),
		errors.Is(err, enrollment.ErrProgramNotFound),
		errors.Is(err, enrollment.ErrNotRegistered):
		status = http.StatusNotFound
		message = err.Error()
	case errors.Is(err, ledger.ErrConflict),
		errors.Is(err, enrollment.ErrAlreadyRegistered),
		errors.Is(err, enrollment.ErrAlreadyCompleted),
		errors.Is(err, enrollment.ErrInvalidTransition),
		errors.Is(err, rewards.ErrAlreadyAwarded),
		errors.Is(err, catalog.ErrNotPendingApproval),
		errors.Is(err, catalog.ErrSlugTaken):
		status = http.StatusConflict
		message = err.Error()
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientEventBudget),
		errors.Is(err, ledger.ErrSponsorInactive),
		errors.Is(err, catalog.ErrSponsorInactive),
		errors.Is(err, enrollment.ErrEventFull),
		errors.Is(err, enrollment.ErrEventClosed),
		errors.Is(err, enrollment.ErrInvalidToken),
		errors.Is(err, enrollment.ErrInvalidOTP),
		errors.Is(err, enrollment.ErrExpiredOTP),
		errors.Is(err, enrollment.ErrOutOfRange),
		errors.Is(err, enrollment.ErrGeoNotConfigured):
		status = http.StatusUnprocessableEntity
		message = err.Error()
	}

	writeJSON(w, status, errorBody{Error: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeBadRequest(w, "invalid request body")
		return false
	}
	return true
}

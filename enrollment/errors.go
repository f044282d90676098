package enrollment

import "errors"

var (
	// ErrProgramNotFound indicates the program does not exist.
	ErrProgramNotFound = errors.New("enrollment: program not found")
	// ErrEventClosed indicates the program is not accepting registrations.
	ErrEventClosed = errors.New("enrollment: event is not open for registration")
	// ErrEventFull indicates the program has reached its capacity goal.
	ErrEventFull = errors.New("enrollment: event is full")
	// ErrAlreadyRegistered indicates a live enrollment already exists for the
	// user and program.
	ErrAlreadyRegistered = errors.New("enrollment: user already registered")
	// ErrNotRegistered indicates no enrollment exists for the user and
	// program.
	ErrNotRegistered = errors.New("enrollment: user is not registered")
	// ErrAlreadyCompleted indicates the enrollment has already been completed
	// and rewarded.
	ErrAlreadyCompleted = errors.New("enrollment: already completed")
	// ErrInvalidTransition indicates the requested status change is not
	// permitted from the enrollment's current state.
	ErrInvalidTransition = errors.New("enrollment: illegal status transition")
	// ErrInvalidToken indicates the presented QR token matches no pending
	// check-in, or has expired.
	ErrInvalidToken = errors.New("enrollment: invalid check-in token")
	// ErrInvalidOTP indicates the presented code does not match the issued
	// one.
	ErrInvalidOTP = errors.New("enrollment: invalid verification code")
	// ErrExpiredOTP indicates the issued code's validity window has passed.
	ErrExpiredOTP = errors.New("enrollment: verification code expired")
	// ErrOutOfRange indicates the reported position lies outside the
	// program's check-in radius.
	ErrOutOfRange = errors.New("enrollment: location outside check-in radius")
	// ErrGeoNotConfigured indicates neither the program nor the service
	// defines a check-in radius, so geofence verification cannot be used.
	ErrGeoNotConfigured = errors.New("enrollment: geofence check-in not configured")
)

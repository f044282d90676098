package ledger

import "errors"

var (
	// ErrInvalidAmount indicates a zero or negative amount was supplied.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrSponsorNotFound indicates the sponsor does not exist.
	ErrSponsorNotFound = errors.New("ledger: sponsor not found")
	// ErrSponsorInactive indicates the sponsor has been deactivated.
	ErrSponsorInactive = errors.New("ledger: sponsor is inactive")
	// ErrProgramNotFound indicates the program does not exist or does not
	// belong to the sponsor.
	ErrProgramNotFound = errors.New("ledger: program not found for sponsor")
	// ErrInsufficientBalance indicates the sponsor's unallocated balance
	// cannot cover the requested amount.
	ErrInsufficientBalance = errors.New("ledger: insufficient sponsor balance")
	// ErrInsufficientEventBudget indicates the program's remaining allocation
	// cannot cover the requested disbursement.
	ErrInsufficientEventBudget = errors.New("ledger: insufficient event budget")
	// ErrConflict indicates a concurrent append raced on the same sponsor
	// sequence. The operation is safe to retry.
	ErrConflict = errors.New("ledger: concurrent ledger append, retry")
)

package enrollment

import (
	"fmt"

	"rezrewards/models"
)

// allowedTransitions defines the participation lifecycle. Completed and
// no_show are terminal; a cancelled enrollment may be revived by registering
// again.
var allowedTransitions = map[models.EnrollmentStatus][]models.EnrollmentStatus{
	models.StatusRegistered: {
		models.StatusCheckedIn,
		models.StatusCompleted,
		models.StatusCancelled,
		models.StatusNoShow,
	},
	models.StatusCheckedIn: {
		models.StatusCompleted,
		models.StatusCancelled,
		models.StatusNoShow,
	},
	models.StatusCancelled: {
		models.StatusRegistered,
	},
}

// ValidateTransition returns ErrInvalidTransition when current cannot move to
// next.
func ValidateTransition(current, next models.EnrollmentStatus) error {
	for _, candidate := range allowedTransitions[current] {
		if candidate == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
}

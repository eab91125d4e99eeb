package trip

import (
	"fmt"

	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/types"
)

// transitions is the complete edge list of the trip lifecycle. Any edge
// not listed here is invalid.
var transitions = map[types.TripStatus][]types.TripStatus{
	types.StatusDraft: {
		types.StatusWaitingForDriver,
		types.StatusCancelled,
	},
	types.StatusWaitingForDriver: {
		types.StatusApproved,
		types.StatusDriverNotFound,
		types.StatusCancelled,
	},
	types.StatusDriverNotFound: {
		types.StatusWaitingForDriver, // re-request
		types.StatusCancelled,
	},
	types.StatusApproved: {
		types.StatusDriverOnWay,
		types.StatusCancelled,
	},
	types.StatusDriverOnWay: {
		types.StatusArrivedAtPickup,
		types.StatusCancelled,
	},
	types.StatusArrivedAtPickup: {
		types.StatusTripInProgress,
		types.StatusCancelled,
	},
	types.StatusTripInProgress: {
		types.StatusPayment,
	},
	types.StatusPayment: {
		types.StatusCompleted,
		types.StatusPaymentRetry,
	},
	types.StatusPaymentRetry: {
		types.StatusPayment,
		types.StatusCompleted,
	},
	types.StatusCompleted: {},
	types.StatusCancelled: {},
}

// CanTransition validates a single lifecycle edge. The reason is
// human-readable and safe to surface to API clients.
func CanTransition(from, to types.TripStatus) (bool, string) {
	allowed, ok := transitions[from]
	if !ok {
		return false, fmt.Sprintf("unknown status %q", from)
	}

	for _, s := range allowed {
		if s == to {
			return true, ""
		}
	}

	if from.IsTerminal() {
		return false, fmt.Sprintf("trip is already %s", from)
	}
	return false, fmt.Sprintf("cannot move trip from %s to %s", from, to)
}

// ValidateStatuses reports whether current is one of the allowed source
// statuses for an operation. Used as a guard before irreversible work.
func ValidateStatuses(current types.TripStatus, allowed ...types.TripStatus) bool {
	for _, s := range allowed {
		if current == s {
			return true
		}
	}
	return false
}

package trip

import (
	"testing"

	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/types"
)

func TestCanTransition_HappyPath(t *testing.T) {
	path := []types.TripStatus{
		types.StatusDraft,
		types.StatusWaitingForDriver,
		types.StatusApproved,
		types.StatusDriverOnWay,
		types.StatusArrivedAtPickup,
		types.StatusTripInProgress,
		types.StatusPayment,
		types.StatusCompleted,
	}

	for i := 0; i < len(path)-1; i++ {
		ok, reason := CanTransition(path[i], path[i+1])
		if !ok {
			t.Fatalf("expected %s -> %s to be valid, got reason %q", path[i], path[i+1], reason)
		}
	}
}

func TestCanTransition_InvalidEdges(t *testing.T) {
	cases := []struct {
		from, to types.TripStatus
	}{
		{types.StatusDraft, types.StatusApproved},
		{types.StatusWaitingForDriver, types.StatusTripInProgress},
		{types.StatusApproved, types.StatusWaitingForDriver},
		{types.StatusTripInProgress, types.StatusCancelled},
		{types.StatusPayment, types.StatusCancelled},
		{types.StatusCompleted, types.StatusWaitingForDriver},
		{types.StatusCancelled, types.StatusDraft},
		{types.StatusCompleted, types.StatusCompleted},
	}

	for _, c := range cases {
		ok, reason := CanTransition(c.from, c.to)
		if ok {
			t.Errorf("expected %s -> %s to be invalid", c.from, c.to)
		}
		if reason == "" {
			t.Errorf("expected a reason for invalid edge %s -> %s", c.from, c.to)
		}
	}
}

func TestCanTransition_ReRequestAfterNotFound(t *testing.T) {
	if ok, _ := CanTransition(types.StatusDriverNotFound, types.StatusWaitingForDriver); !ok {
		t.Fatal("DRIVER_NOT_FOUND must allow re-requesting drivers")
	}
}

func TestCanTransition_CancellableStatuses(t *testing.T) {
	cancellable := []types.TripStatus{
		types.StatusDraft,
		types.StatusWaitingForDriver,
		types.StatusDriverNotFound,
		types.StatusApproved,
		types.StatusDriverOnWay,
		types.StatusArrivedAtPickup,
	}
	for _, s := range cancellable {
		if ok, _ := CanTransition(s, types.StatusCancelled); !ok {
			t.Errorf("expected %s to be cancellable", s)
		}
	}

	notCancellable := []types.TripStatus{
		types.StatusTripInProgress,
		types.StatusPayment,
		types.StatusCompleted,
		types.StatusCancelled,
	}
	for _, s := range notCancellable {
		if ok, _ := CanTransition(s, types.StatusCancelled); ok {
			t.Errorf("expected %s to not be cancellable", s)
		}
	}
}

func TestCanTransition_UnknownStatus(t *testing.T) {
	ok, reason := CanTransition(types.TripStatus("NOPE"), types.StatusDraft)
	if ok {
		t.Fatal("unknown status must not transition anywhere")
	}
	if reason == "" {
		t.Fatal("expected a reason for unknown status")
	}
}

func TestValidateStatuses(t *testing.T) {
	if !ValidateStatuses(types.StatusDraft, types.StatusDraft, types.StatusDriverNotFound) {
		t.Fatal("expected DRAFT to be allowed")
	}
	if ValidateStatuses(types.StatusApproved, types.StatusDraft, types.StatusDriverNotFound) {
		t.Fatal("expected APPROVED to be rejected")
	}
	if ValidateStatuses(types.StatusDraft) {
		t.Fatal("empty allowed list must reject everything")
	}
}

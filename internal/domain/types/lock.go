package types

import "github.com/google/uuid"

// Lock key layout. Every trip mutation runs under the trip key; the
// cancel keys additionally serialize user-initiated cancellation per
// entity.

func TripLockKey(tripID uuid.UUID) string {
	return "trip:" + tripID.String()
}

func DriverCancelKey(driverID uuid.UUID) string {
	return "driver:" + driverID.String() + ":cancel"
}

func CustomerCancelKey(customerID uuid.UUID) string {
	return "customer:" + customerID.String() + ":cancel"
}

// CustomerTripsKey serializes trip creation per customer so the
// one-active-trip check cannot race a concurrent create.
func CustomerTripsKey(customerID uuid.UUID) string {
	return "customer:" + customerID.String() + ":trips"
}

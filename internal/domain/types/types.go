package types

type ServiceMode string

// Dispatch Service - HTTP/WS surface plus the offer orchestration engine
// Timeout Worker - consumes delayed timeout jobs and runs the backstop sweep
const (
	DispatchService ServiceMode = "dispatch-service"
	TimeoutWorker   ServiceMode = "timeout-worker"
)

// TripStatus is the trip lifecycle state.
type TripStatus string

const (
	StatusDraft            TripStatus = "DRAFT"
	StatusWaitingForDriver TripStatus = "WAITING_FOR_DRIVER"
	StatusDriverNotFound   TripStatus = "DRIVER_NOT_FOUND"
	StatusApproved         TripStatus = "APPROVED"
	StatusDriverOnWay      TripStatus = "DRIVER_ON_WAY_TO_PICKUP"
	StatusArrivedAtPickup  TripStatus = "ARRIVED_AT_PICKUP"
	StatusTripInProgress   TripStatus = "TRIP_IN_PROGRESS"
	StatusPayment          TripStatus = "PAYMENT"
	StatusPaymentRetry     TripStatus = "PAYMENT_RETRY"
	StatusCompleted        TripStatus = "COMPLETED"
	StatusCancelled        TripStatus = "CANCELLED"
)

func (s TripStatus) String() string {
	return string(s)
}

// IsTerminal reports whether the trip can never change status again.
func (s TripStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// DriverAvailability is reported by the availability oracle, never inferred
// from queue state.
type DriverAvailability string

const (
	DriverAvailable DriverAvailability = "AVAILABLE"
	DriverBusy      DriverAvailability = "BUSY"
	DriverOnTrip    DriverAvailability = "ON_TRIP"
	DriverOffline   DriverAvailability = "OFFLINE"
)

type UserRole string

func (r UserRole) String() string {
	return string(r)
}

const (
	RoleCustomer UserRole = "CUSTOMER"
	RoleDriver   UserRole = "DRIVER"
	RoleAdmin    UserRole = "ADMIN"
)

// NotificationEvent names the outbound notification kinds.
type NotificationEvent string

const (
	EventOffer          NotificationEvent = "trip_offer"
	EventTripTaken      NotificationEvent = "trip_taken"
	EventDriverNotFound NotificationEvent = "driver_not_found"
	EventStatusChanged  NotificationEvent = "status_changed"
)

package server

import (
	"net/http"

	"github.com/Temutjin2k/trip-dispatch-system/internal/adapter/http/middleware"
	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRoutes - setups http routes
func setupRoutes(mux *http.ServeMux, routes Handlers, m *middleware.Middleware, mode types.ServiceMode) {
	// System Health
	mux.HandleFunc("/health", routes.Health.HealthCheck)
	mux.Handle("/metrics", promhttp.Handler())

	switch mode {
	case types.DispatchService:
		setupTripRoutes(mux, routes, m)
		setupDriverRoutes(mux, routes, m)
		setupQueueAdminRoutes(mux, routes, m)
	case types.TimeoutWorker:
		setupWorkerAdminRoutes(mux, routes, m)
	}
}

// setupTripRoutes - customer-facing trip lifecycle
func setupTripRoutes(mux *http.ServeMux, routes Handlers, m *middleware.Middleware) {
	mux.Handle("POST /trips", m.RequireRoles(routes.Trip.Create, types.RoleCustomer))                                              // Create a new trip in DRAFT
	mux.Handle("POST /trips/{trip_id}/request", m.RequireRoles(routes.Trip.RequestDriver, types.RoleCustomer))                     // Start driver dispatch
	mux.Handle("POST /trips/{trip_id}/cancel", m.RequireRoles(routes.Trip.Cancel, types.RoleCustomer, types.RoleAdmin))            // Cancel a trip
	mux.Handle("GET /trips/{trip_id}", m.RequireRoles(routes.Trip.Get, types.RoleCustomer, types.RoleDriver, types.RoleAdmin))     // Fetch a trip
	mux.Handle("GET /ws/customers/{customer_id}", m.RequireRoles(routes.CustomerWS.HandleWS, types.RoleCustomer, types.RoleAdmin)) // WebSocket connection for customers
}

// setupDriverRoutes - driver presence and offer responses
func setupDriverRoutes(mux *http.ServeMux, routes Handlers, m *middleware.Middleware) {
	mux.Handle("POST /drivers/{driver_id}/online", m.RequireRoles(routes.Driver.GoOnline, types.RoleDriver, types.RoleAdmin))      // Driver goes online
	mux.Handle("POST /drivers/{driver_id}/offline", m.RequireRoles(routes.Driver.GoOffline, types.RoleDriver, types.RoleAdmin))    // Driver goes offline
	mux.Handle("POST /drivers/{driver_id}/location", m.RequireRoles(routes.Driver.UpdateLocation, types.RoleDriver))               // Update driver location
	mux.Handle("POST /drivers/{driver_id}/offers/{trip_id}/accept", m.RequireRoles(routes.Driver.AcceptOffer, types.RoleDriver))   // Accept the active offer
	mux.Handle("POST /drivers/{driver_id}/offers/{trip_id}/decline", m.RequireRoles(routes.Driver.DeclineOffer, types.RoleDriver)) // Decline the active offer
	mux.Handle("POST /drivers/{driver_id}/trips/{trip_id}/cancel", m.RequireRoles(routes.Driver.CancelTrip, types.RoleDriver))     // Cancel an assigned trip
	mux.Handle("POST /drivers/{driver_id}/trips/{trip_id}/status", m.RequireRoles(routes.Driver.AdvanceStatus, types.RoleDriver))  // Advance the ride lifecycle
	mux.Handle("GET /ws/drivers/{driver_id}", m.RequireRoles(routes.DriverWS.HandleWS, types.RoleDriver, types.RoleAdmin))         // WebSocket connection for drivers
}

// setupQueueAdminRoutes - offer queue introspection for operators
func setupQueueAdminRoutes(mux *http.ServeMux, routes Handlers, m *middleware.Middleware) {
	mux.Handle("GET /admin/queues", m.RequireRoles(routes.Admin.QueueStats, types.RoleAdmin))              // Per-driver queue depths and active offers
	mux.Handle("GET /admin/queues/{driver_id}", m.RequireRoles(routes.Admin.DriverQueue, types.RoleAdmin)) // One driver's queue in detail
	mux.Handle("POST /admin/queues/purge", m.RequireRoles(routes.Admin.PurgeStale, types.RoleAdmin))       // Drop offers older than max_age
}

// setupWorkerAdminRoutes - timeout worker control surface
func setupWorkerAdminRoutes(mux *http.ServeMux, routes Handlers, m *middleware.Middleware) {
	mux.Handle("GET /admin/queues", m.RequireRoles(routes.Admin.QueueStats, types.RoleAdmin))           // Queue view from the worker side
	mux.Handle("POST /admin/worker/pause", m.RequireRoles(routes.Admin.PauseWorker, types.RoleAdmin))   // Stop claiming timeout jobs
	mux.Handle("POST /admin/worker/resume", m.RequireRoles(routes.Admin.ResumeWorker, types.RoleAdmin)) // Resume claiming timeout jobs
}

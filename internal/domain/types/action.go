package types

const (
	ActionRabbitMQConnected       = "rabbitmq_connected"
	ActionRabbitConnectionClosed  = "rabbitmq_connection_closed"
	ActionRabbitConnectionClosing = "rabbitmq_connection_closing"
	ActionRabbitReconnected       = "rabbitmq_reconnection_success"

	ActionDatabaseTransactionFailed = "database_transaction_failed"
	ActionLockAcquire               = "lock_acquire"
	ActionTimeoutJobFired           = "timeout_job_fired"
	ActionDispatchSweep             = "dispatch_sweep"
)

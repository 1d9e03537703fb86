package logging

// Field names shared across packages.
const (
	FieldService   = "service"
	FieldComponent = "component"

	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	FieldConnID   = "conn_id"
	FieldUsername = "username"
	FieldRoom     = "room"
	FieldEvent    = "event"
)

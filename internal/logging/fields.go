package logging

// Standardized structured logging field names. Keeping these centralized
// makes log output greppable across components.
const (
	FieldComponent = "component"
	FieldEventType = "event_type"
	FieldErrorHint = "error_hint"

	FieldJobID     = "job_id"
	FieldHandlerID = "handler_id"
	FieldVersion   = "version"
	FieldTenantID  = "tenant_id"
	FieldAttempt   = "attempt"
	FieldState     = "state"
	FieldStage     = "stage"
	FieldPriority  = "priority"
)

package logger

// Standard field names for consistent structured logging across the
// fabric. Use these constants instead of raw strings so grep-ing logs
// for a given dimension (e.g. "conn_id") works the same way everywhere.
const (
	FieldComponent  = "component"
	FieldEntityID   = "entity_id"
	FieldScopeID    = "scope_id"
	FieldConnID     = "conn_id"
	FieldCutID      = "cut_id"
	FieldSnapshotID = "snapshot_id"
	FieldStreamID   = "stream_id"
	FieldSource     = "source"
	FieldDurationMS = "duration_ms"
	FieldError      = "error"
	FieldCount      = "count"
)

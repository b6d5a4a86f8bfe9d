package model

// Tenant status constants.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Workflow definition status constants.
const (
	DefinitionActive  = "active"
	DefinitionRetired = "retired"
)

// Workflow instance status constants.
const (
	InstancePending    = "pending"
	InstanceInProgress = "in_progress"
	InstanceCompleted  = "completed"
)

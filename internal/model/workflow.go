package model

import "time"

// WorkflowDefinition is a named template describing the ordered stages a
// workflow of a given type moves through. The last entry of Stages is the
// terminal stage. Definitions are seeded or created from built-in defaults
// and are read-only at runtime; changing the stage list of a definition that
// already has instances is an operational hazard and must be done by
// migration, not through this application.
type WorkflowDefinition struct {
	ID            string    `json:"id" db:"id"`
	WorkflowType  string    `json:"workflow_type" db:"workflow_type"`
	Stages        []string  `json:"stages" db:"stages"`
	TerminalStage string    `json:"terminal_stage" db:"terminal_stage"`
	Status        string    `json:"status" db:"status"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// FirstStage returns the entry stage of the definition.
func (d *WorkflowDefinition) FirstStage() string {
	if len(d.Stages) == 0 {
		return ""
	}
	return d.Stages[0]
}

// StageIndex returns the position of stage in the ordered stage list, or -1
// if the stage is not part of the definition.
func (d *WorkflowDefinition) StageIndex(stage string) int {
	for i, s := range d.Stages {
		if s == stage {
			return i
		}
	}
	return -1
}

// WorkflowInstance tracks one business entity's progress through one
// WorkflowDefinition. At most one instance exists per
// (entity_type, entity_id, workflow_type) triple.
type WorkflowInstance struct {
	ID           string                  `json:"id" db:"id"`
	WorkflowID   string                  `json:"workflow_id" db:"workflow_id"`
	WorkflowType string                  `json:"workflow_type" db:"workflow_type"`
	EntityType   string                  `json:"entity_type" db:"entity_type"`
	EntityID     string                  `json:"entity_id" db:"entity_id"`
	CurrentStage string                  `json:"current_stage" db:"current_stage"`
	Status       string                  `json:"status" db:"status"`
	StageData    map[string]any          `json:"stage_data" db:"stage_data"`
	StageHistory []StageTransitionRecord `json:"stage_history" db:"stage_history"`
	Version      int                     `json:"version" db:"version"`
	StartedAt    time.Time               `json:"started_at" db:"started_at"`
	CompletedAt  *time.Time              `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt    time.Time               `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at" db:"updated_at"`
}

// StageTransitionRecord is one append-only history entry. Records are never
// mutated or removed once written.
type StageTransitionRecord struct {
	Stage         string         `json:"stage"`
	PreviousStage string         `json:"previous_stage,omitempty"`
	UserID        string         `json:"user_id"`
	Notes         string         `json:"notes,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

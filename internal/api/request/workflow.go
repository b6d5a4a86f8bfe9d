package request

// SetStage moves a whole-entity workflow to the named stage.
type SetStage struct {
	Stage    string         `json:"stage" validate:"required,stagekey"`
	Notes    string         `json:"notes,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SetSubStageFlags records per-sub-item stage flags (e.g. per line item).
type SetSubStageFlags struct {
	SubKey string          `json:"sub_key" validate:"required"`
	Flags  map[string]bool `json:"flags" validate:"required,min=1"`
	Notes  string          `json:"notes,omitempty"`
}

// InitializeWorkflows bootstraps missing workflow instances for an entity.
type InitializeWorkflows struct {
	UserID string `json:"user_id,omitempty"`
}

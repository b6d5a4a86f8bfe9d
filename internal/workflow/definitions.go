package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/edvin/ordertrack/internal/model"
	"github.com/edvin/ordertrack/internal/platform"
)

// DB is the tenant-scoped query surface the workflow layer operates on. The
// handle comes from the tenant registry and therefore varies per request, so
// it is passed into every operation rather than held by the services.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Workflow types shipped with built-in templates.
const (
	TypeInstallation = "installation"
	TypePayment      = "payment"
)

// Installation stages, in order.
const (
	StageOrderConfirmed    = "order_confirmed"
	StageStartInstallation = "start_installation"
	StageQualityChecked    = "quality_checked"
	StageDelivered         = "delivered"
)

// Payment stages, in order.
const (
	StageDraft         = "draft"
	StageInvoiced      = "invoiced"
	StagePartiallyPaid = "partially_paid"
	StagePaid          = "paid"
)

// Template is a built-in stage list used when a tenant database has no seeded
// definition for a workflow type. The last stage is terminal.
type Template struct {
	Stages []string
}

// DefaultTemplates maps workflow types to their built-in templates.
var DefaultTemplates = map[string]Template{
	TypeInstallation: {Stages: []string{StageOrderConfirmed, StageStartInstallation, StageQualityChecked, StageDelivered}},
	TypePayment:      {Stages: []string{StageDraft, StageInvoiced, StagePartiallyPaid, StagePaid}},
}

var ErrDefinitionNotFound = errors.New("workflow definition not found")

// DefinitionStore looks up and creates workflow templates in a tenant
// database. Stage lists must not change incompatibly once instances exist;
// that is an operational constraint on seeding and migrations, not enforced
// here.
type DefinitionStore struct {
	templates map[string]Template
}

func NewDefinitionStore() *DefinitionStore {
	return &DefinitionStore{templates: DefaultTemplates}
}

// NewDefinitionStoreWithTemplates overrides the built-in templates.
func NewDefinitionStoreWithTemplates(templates map[string]Template) *DefinitionStore {
	return &DefinitionStore{templates: templates}
}

func (s *DefinitionStore) GetByType(ctx context.Context, db DB, workflowType string) (*model.WorkflowDefinition, error) {
	var (
		d      model.WorkflowDefinition
		stages []byte
	)
	err := db.QueryRow(ctx,
		`SELECT id, workflow_type, stages, terminal_stage, status, created_at, updated_at
		 FROM workflow_definitions WHERE workflow_type = $1`, workflowType,
	).Scan(&d.ID, &d.WorkflowType, &stages, &d.TerminalStage, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, workflowType)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow definition %s: %w", workflowType, err)
	}

	if err := json.Unmarshal(stages, &d.Stages); err != nil {
		return nil, fmt.Errorf("decode stages for definition %s: %w", workflowType, err)
	}
	return &d, nil
}

// EnsureExists returns the definition for workflowType, creating it from the
// built-in template if the tenant database has not been seeded with one.
func (s *DefinitionStore) EnsureExists(ctx context.Context, db DB, workflowType string) (*model.WorkflowDefinition, error) {
	d, err := s.GetByType(ctx, db, workflowType)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, ErrDefinitionNotFound) {
		return nil, err
	}

	tmpl, ok := s.templates[workflowType]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no built-in template", ErrDefinitionNotFound, workflowType)
	}

	now := time.Now()
	d = &model.WorkflowDefinition{
		ID:            platform.NewID(),
		WorkflowType:  workflowType,
		Stages:        tmpl.Stages,
		TerminalStage: tmpl.Stages[len(tmpl.Stages)-1],
		Status:        model.DefinitionActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	stages, err := json.Marshal(d.Stages)
	if err != nil {
		return nil, fmt.Errorf("encode stages for definition %s: %w", workflowType, err)
	}

	tag, err := db.Exec(ctx,
		`INSERT INTO workflow_definitions (id, workflow_type, stages, terminal_stage, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (workflow_type) DO NOTHING`,
		d.ID, d.WorkflowType, stages, d.TerminalStage, d.Status, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert workflow definition %s: %w", workflowType, err)
	}
	if tag.RowsAffected() == 0 {
		// Lost a creation race; the winner's row is authoritative.
		return s.GetByType(ctx, db, workflowType)
	}
	return d, nil
}

// EnsureDefaults makes sure every built-in template has a definition row.
func (s *DefinitionStore) EnsureDefaults(ctx context.Context, db DB) error {
	for workflowType := range s.templates {
		if _, err := s.EnsureExists(ctx, db, workflowType); err != nil {
			return err
		}
	}
	return nil
}

// ListActive returns all active definitions in the tenant database.
func (s *DefinitionStore) ListActive(ctx context.Context, db DB) ([]model.WorkflowDefinition, error) {
	rows, err := db.Query(ctx,
		`SELECT id, workflow_type, stages, terminal_stage, status, created_at, updated_at
		 FROM workflow_definitions WHERE status = $1 ORDER BY workflow_type`, model.DefinitionActive,
	)
	if err != nil {
		return nil, fmt.Errorf("list workflow definitions: %w", err)
	}
	defer rows.Close()

	var defs []model.WorkflowDefinition
	for rows.Next() {
		var (
			d      model.WorkflowDefinition
			stages []byte
		)
		if err := rows.Scan(&d.ID, &d.WorkflowType, &stages, &d.TerminalStage, &d.Status, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow definition: %w", err)
		}
		if err := json.Unmarshal(stages, &d.Stages); err != nil {
			return nil, fmt.Errorf("decode stages for definition %s: %w", d.WorkflowType, err)
		}
		defs = append(defs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow definitions: %w", err)
	}
	return defs, nil
}

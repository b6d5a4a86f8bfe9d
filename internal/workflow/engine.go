package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/edvin/ordertrack/internal/model"
	"github.com/edvin/ordertrack/internal/notify"
	"github.com/edvin/ordertrack/internal/platform"
)

var (
	ErrInstanceNotFound = errors.New("workflow instance not found")
	ErrUnknownStage     = errors.New("stage is not part of the workflow definition")
	// ErrConcurrentUpdate is returned when the version check fails on every
	// retry, meaning another writer kept winning.
	ErrConcurrentUpdate = errors.New("workflow instance was concurrently updated")
)

const maxUpdateAttempts = 3

// stageDataItemsKey is where per-sub-item flag maps live inside StageData.
const stageDataItemsKey = "items"

// EngineConfig carries mutation policy.
type EngineConfig struct {
	// AllowStageRegression permits flag-derived stages to move an instance
	// to an earlier stage in the definition order. When false (the default)
	// the flags are still recorded but the current stage does not move
	// backward.
	AllowStageRegression bool
}

// Engine is the state machine over workflow instances. It holds no tenant
// state; every operation takes the tenant-scoped DB handle resolved by the
// caller. Instances move pending -> in_progress -> completed, where
// completed is entered exactly once on reaching the definition's terminal
// stage.
type Engine struct {
	defs     *DefinitionStore
	notifier notify.Notifier
	logger   zerolog.Logger
	cfg      EngineConfig
}

func NewEngine(defs *DefinitionStore, notifier notify.Notifier, logger zerolog.Logger, cfg EngineConfig) *Engine {
	return &Engine{defs: defs, notifier: notifier, logger: logger, cfg: cfg}
}

// StageUpdate is a whole-entity stage transition request.
type StageUpdate struct {
	EntityType   string
	EntityID     string
	WorkflowType string
	Stage        string
	UserID       string
	Notes        string
	Metadata     map[string]any
}

// FlagUpdate sets per-sub-item "stage reached" flags for workflows tracked
// at finer granularity than one stage per entity.
type FlagUpdate struct {
	EntityType   string
	EntityID     string
	WorkflowType string
	SubKey       string
	Flags        map[string]bool
	UserID       string
	Notes        string
}

// InitializeMissing creates an instance at the first stage for every active
// definition that has none for (entityType, entityID). Repeated calls create
// nothing new. Returns the number of instances created.
func (e *Engine) InitializeMissing(ctx context.Context, db DB, tenantKey, entityType, entityID, userID string) (int, error) {
	if err := e.defs.EnsureDefaults(ctx, db); err != nil {
		return 0, fmt.Errorf("ensure default definitions: %w", err)
	}

	defs, err := e.defs.ListActive(ctx, db)
	if err != nil {
		return 0, err
	}

	created := 0
	for i := range defs {
		def := &defs[i]

		_, err := e.loadInstance(ctx, db, entityType, entityID, def.WorkflowType)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrInstanceNotFound) {
			return created, err
		}

		inst := e.newInstance(def, entityType, entityID)
		inst.StageHistory = append(inst.StageHistory, model.StageTransitionRecord{
			Stage:     def.FirstStage(),
			UserID:    userID,
			Notes:     "initialized",
			Timestamp: inst.StartedAt,
		})

		inserted, err := e.insertInstance(ctx, db, inst)
		if err != nil {
			return created, err
		}
		if !inserted {
			// Concurrent bootstrap created it first.
			continue
		}
		created++
		e.emit(tenantKey, inst)
	}
	return created, nil
}

// SetStage loads or lazily creates the instance, appends a transition record
// and moves the current stage. Reaching the definition's terminal stage
// completes the instance; completion is idempotent and CompletedAt never
// moves once set.
func (e *Engine) SetStage(ctx context.Context, db DB, tenantKey string, upd StageUpdate) (*model.WorkflowInstance, error) {
	def, err := e.defs.EnsureExists(ctx, db, upd.WorkflowType)
	if err != nil {
		return nil, err
	}
	if def.StageIndex(upd.Stage) < 0 {
		return nil, fmt.Errorf("%w: %q (workflow %s)", ErrUnknownStage, upd.Stage, upd.WorkflowType)
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		inst, err := e.loadInstance(ctx, db, upd.EntityType, upd.EntityID, upd.WorkflowType)
		if errors.Is(err, ErrInstanceNotFound) {
			inst = e.newInstance(def, upd.EntityType, upd.EntityID)
			e.applyStage(inst, def, upd.Stage, upd.UserID, upd.Notes, upd.Metadata)

			inserted, insErr := e.insertInstance(ctx, db, inst)
			if insErr != nil {
				return nil, insErr
			}
			if !inserted {
				continue
			}
			e.emit(tenantKey, inst)
			return inst, nil
		}
		if err != nil {
			return nil, err
		}

		e.applyStage(inst, def, upd.Stage, upd.UserID, upd.Notes, upd.Metadata)

		updated, err := e.updateInstance(ctx, db, inst)
		if err != nil {
			return nil, err
		}
		if !updated {
			continue
		}
		inst.Version++
		e.emit(tenantKey, inst)
		return inst, nil
	}
	return nil, fmt.Errorf("%w: %s/%s %s", ErrConcurrentUpdate, upd.EntityType, upd.EntityID, upd.WorkflowType)
}

// SetSubStageFlags merges the given flags into the named sub-item map,
// appends a history entry with the full flag snapshot, and derives the
// current stage by scanning the definition's stage order from the terminal
// stage backward for the first stage any sub-item has reached. The flag maps
// are an audit annex; the derived stage index is what moves the instance.
func (e *Engine) SetSubStageFlags(ctx context.Context, db DB, tenantKey string, upd FlagUpdate) (*model.WorkflowInstance, error) {
	def, err := e.defs.EnsureExists(ctx, db, upd.WorkflowType)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		inst, err := e.loadInstance(ctx, db, upd.EntityType, upd.EntityID, upd.WorkflowType)
		fresh := false
		if errors.Is(err, ErrInstanceNotFound) {
			inst = e.newInstance(def, upd.EntityType, upd.EntityID)
			fresh = true
		} else if err != nil {
			return nil, err
		}

		items := e.mergeFlags(inst, upd.SubKey, upd.Flags)
		derived := e.deriveStage(def, inst.CurrentStage, items)
		e.applyStage(inst, def, derived, upd.UserID, upd.Notes, map[string]any{
			"sub_key": upd.SubKey,
			"flags":   items,
		})

		if fresh {
			inserted, insErr := e.insertInstance(ctx, db, inst)
			if insErr != nil {
				return nil, insErr
			}
			if !inserted {
				continue
			}
		} else {
			updated, updErr := e.updateInstance(ctx, db, inst)
			if updErr != nil {
				return nil, updErr
			}
			if !updated {
				continue
			}
			inst.Version++
		}
		e.emit(tenantKey, inst)
		return inst, nil
	}
	return nil, fmt.Errorf("%w: %s/%s %s", ErrConcurrentUpdate, upd.EntityType, upd.EntityID, upd.WorkflowType)
}

// GetOrDefault returns the instance for the triple, or a synthesized,
// unsaved "not started" instance at the definition's first stage. A read for
// an entity that has not begun a workflow is a valid result, not an error.
func (e *Engine) GetOrDefault(ctx context.Context, db DB, entityType, entityID, workflowType string) (*model.WorkflowInstance, error) {
	def, err := e.defs.GetByType(ctx, db, workflowType)
	if errors.Is(err, ErrDefinitionNotFound) {
		tmpl, ok := e.defs.templates[workflowType]
		if !ok {
			return nil, err
		}
		def = &model.WorkflowDefinition{
			WorkflowType:  workflowType,
			Stages:        tmpl.Stages,
			TerminalStage: tmpl.Stages[len(tmpl.Stages)-1],
			Status:        model.DefinitionActive,
		}
	} else if err != nil {
		return nil, err
	}

	inst, err := e.loadInstance(ctx, db, entityType, entityID, workflowType)
	if err == nil {
		return inst, nil
	}
	if !errors.Is(err, ErrInstanceNotFound) {
		return nil, err
	}

	return &model.WorkflowInstance{
		WorkflowID:   def.ID,
		WorkflowType: workflowType,
		EntityType:   entityType,
		EntityID:     entityID,
		CurrentStage: def.FirstStage(),
		Status:       model.InstancePending,
		StageData:    map[string]any{},
		StageHistory: []model.StageTransitionRecord{},
	}, nil
}

func (e *Engine) newInstance(def *model.WorkflowDefinition, entityType, entityID string) *model.WorkflowInstance {
	now := time.Now()
	return &model.WorkflowInstance{
		ID:           platform.NewID(),
		WorkflowID:   def.ID,
		WorkflowType: def.WorkflowType,
		EntityType:   entityType,
		EntityID:     entityID,
		CurrentStage: def.FirstStage(),
		Status:       model.InstanceInProgress,
		StageData:    map[string]any{},
		Version:      1,
		StartedAt:    now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// applyStage appends the transition record and moves the stage. A completed
// instance stays completed: the stage and history still update for audit,
// but Status and CompletedAt are frozen.
func (e *Engine) applyStage(inst *model.WorkflowInstance, def *model.WorkflowDefinition, stage, userID, notes string, metadata map[string]any) {
	now := time.Now()
	inst.StageHistory = append(inst.StageHistory, model.StageTransitionRecord{
		Stage:         stage,
		PreviousStage: inst.CurrentStage,
		UserID:        userID,
		Notes:         notes,
		Metadata:      metadata,
		Timestamp:     now,
	})
	inst.CurrentStage = stage
	inst.UpdatedAt = now

	if stage == def.TerminalStage && inst.CompletedAt == nil {
		inst.Status = model.InstanceCompleted
		completedAt := now
		inst.CompletedAt = &completedAt
	}
}

// mergeFlags folds upd flags into StageData["items"][subKey] and returns the
// normalized items map.
func (e *Engine) mergeFlags(inst *model.WorkflowInstance, subKey string, flags map[string]bool) map[string]map[string]bool {
	items := make(map[string]map[string]bool)
	if raw, ok := inst.StageData[stageDataItemsKey]; ok {
		// StageData round-trips through JSON, so nested maps may come back
		// as map[string]any.
		switch existing := raw.(type) {
		case map[string]map[string]bool:
			for k, v := range existing {
				copied := make(map[string]bool, len(v))
				for stage, reached := range v {
					copied[stage] = reached
				}
				items[k] = copied
			}
		case map[string]any:
			for k, v := range existing {
				sub, ok := v.(map[string]any)
				if !ok {
					continue
				}
				copied := make(map[string]bool, len(sub))
				for stage, reached := range sub {
					if b, ok := reached.(bool); ok {
						copied[stage] = b
					}
				}
				items[k] = copied
			}
		}
	}

	sub := items[subKey]
	if sub == nil {
		sub = make(map[string]bool, len(flags))
	}
	for stage, reached := range flags {
		sub[stage] = reached
	}
	items[subKey] = sub

	if inst.StageData == nil {
		inst.StageData = map[string]any{}
	}
	inst.StageData[stageDataItemsKey] = items
	return items
}

// deriveStage scans the definition's stage order from the terminal stage
// backward and returns the first stage any sub-item has reached. When
// regression is disallowed, a derived stage earlier than the current one
// leaves the current stage in place.
func (e *Engine) deriveStage(def *model.WorkflowDefinition, currentStage string, items map[string]map[string]bool) string {
	derived := currentStage
	for i := len(def.Stages) - 1; i >= 0; i-- {
		stage := def.Stages[i]
		reached := false
		for _, flags := range items {
			if flags[stage] {
				reached = true
				break
			}
		}
		if reached {
			derived = stage
			break
		}
	}

	if !e.cfg.AllowStageRegression {
		if def.StageIndex(derived) < def.StageIndex(currentStage) {
			return currentStage
		}
	}
	return derived
}

func (e *Engine) loadInstance(ctx context.Context, db DB, entityType, entityID, workflowType string) (*model.WorkflowInstance, error) {
	var (
		inst      model.WorkflowInstance
		stageData []byte
		history   []byte
	)
	err := db.QueryRow(ctx,
		`SELECT id, workflow_id, workflow_type, entity_type, entity_id, current_stage, status,
		        stage_data, stage_history, version, started_at, completed_at, created_at, updated_at
		 FROM workflow_instances WHERE entity_type = $1 AND entity_id = $2 AND workflow_type = $3`,
		entityType, entityID, workflowType,
	).Scan(&inst.ID, &inst.WorkflowID, &inst.WorkflowType, &inst.EntityType, &inst.EntityID,
		&inst.CurrentStage, &inst.Status, &stageData, &history, &inst.Version,
		&inst.StartedAt, &inst.CompletedAt, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s %s", ErrInstanceNotFound, entityType, entityID, workflowType)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow instance %s/%s %s: %w", entityType, entityID, workflowType, err)
	}

	if len(stageData) > 0 {
		if err := json.Unmarshal(stageData, &inst.StageData); err != nil {
			return nil, fmt.Errorf("decode stage data for instance %s: %w", inst.ID, err)
		}
	}
	if inst.StageData == nil {
		inst.StageData = map[string]any{}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &inst.StageHistory); err != nil {
			return nil, fmt.Errorf("decode stage history for instance %s: %w", inst.ID, err)
		}
	}
	return &inst, nil
}

// insertInstance writes a new instance row. Returns false when the unique
// (entity_type, entity_id, workflow_type) constraint means another writer
// created it first.
func (e *Engine) insertInstance(ctx context.Context, db DB, inst *model.WorkflowInstance) (bool, error) {
	stageData, history, err := marshalInstancePayloads(inst)
	if err != nil {
		return false, err
	}

	tag, err := db.Exec(ctx,
		`INSERT INTO workflow_instances (id, workflow_id, workflow_type, entity_type, entity_id, current_stage, status,
		                                 stage_data, stage_history, version, started_at, completed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (entity_type, entity_id, workflow_type) DO NOTHING`,
		inst.ID, inst.WorkflowID, inst.WorkflowType, inst.EntityType, inst.EntityID, inst.CurrentStage, inst.Status,
		stageData, history, inst.Version, inst.StartedAt, inst.CompletedAt, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert workflow instance %s/%s %s: %w", inst.EntityType, inst.EntityID, inst.WorkflowType, err)
	}
	return tag.RowsAffected() > 0, nil
}

// updateInstance persists a mutation guarded by the version counter. Returns
// false when another writer won; the caller reloads and retries.
func (e *Engine) updateInstance(ctx context.Context, db DB, inst *model.WorkflowInstance) (bool, error) {
	stageData, history, err := marshalInstancePayloads(inst)
	if err != nil {
		return false, err
	}

	tag, err := db.Exec(ctx,
		`UPDATE workflow_instances
		 SET current_stage = $1, status = $2, stage_data = $3, stage_history = $4,
		     completed_at = $5, updated_at = $6, version = version + 1
		 WHERE id = $7 AND version = $8`,
		inst.CurrentStage, inst.Status, stageData, history,
		inst.CompletedAt, inst.UpdatedAt, inst.ID, inst.Version,
	)
	if err != nil {
		return false, fmt.Errorf("update workflow instance %s: %w", inst.ID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func marshalInstancePayloads(inst *model.WorkflowInstance) ([]byte, []byte, error) {
	stageData, err := json.Marshal(inst.StageData)
	if err != nil {
		return nil, nil, fmt.Errorf("encode stage data for instance %s: %w", inst.ID, err)
	}
	history, err := json.Marshal(inst.StageHistory)
	if err != nil {
		return nil, nil, fmt.Errorf("encode stage history for instance %s: %w", inst.ID, err)
	}
	return stageData, history, nil
}

func (e *Engine) emit(tenantKey string, inst *model.WorkflowInstance) {
	e.notifier.Notify(notify.Change{
		TenantKey:    tenantKey,
		EntityType:   inst.EntityType,
		EntityID:     inst.EntityID,
		WorkflowType: inst.WorkflowType,
		Stage:        inst.CurrentStage,
		Timestamp:    time.Now(),
	})
}

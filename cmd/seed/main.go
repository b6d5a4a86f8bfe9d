package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"github.com/edvin/ordertrack/internal/db"
	"github.com/edvin/ordertrack/internal/platform"
)

type seedFile struct {
	Tenants   []tenantEntry   `yaml:"tenants"`
	Workflows []workflowEntry `yaml:"workflows"`
}

type tenantEntry struct {
	ID          string          `yaml:"id"`
	RoutingKey  string          `yaml:"routing_key"`
	Name        string          `yaml:"name"`
	DatabaseURL string          `yaml:"database_url"`
	Status      string          `yaml:"status"`
	Features    map[string]bool `yaml:"features"`
}

type workflowEntry struct {
	WorkflowType string   `yaml:"workflow_type"`
	Stages       []string `yaml:"stages"`
}

func main() {
	seedPath := flag.String("seeds", "seeds/dev.yaml", "Seed file")
	tenantMigrations := flag.String("tenant-migrations", "migrations/tenant", "Tenant migration files directory")
	flag.Parse()

	databaseURL := os.Getenv("DIRECTORY_DATABASE_URL")
	if databaseURL == "" {
		fmt.Fprintln(os.Stderr, "DIRECTORY_DATABASE_URL is required")
		os.Exit(1)
	}

	raw, err := os.ReadFile(*seedPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read seed file: %v\n", err)
		os.Exit(1)
	}
	var seeds seedFile
	if err := yaml.Unmarshal(raw, &seeds); err != nil {
		fmt.Fprintf(os.Stderr, "parse seed file: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	fmt.Println("Seeding tenant directory...")
	for _, t := range seeds.Tenants {
		if err := seedTenant(ctx, pool, t); err != nil {
			fmt.Fprintf(os.Stderr, "seed tenant %s: %v\n", t.RoutingKey, err)
			os.Exit(1)
		}
		fmt.Printf("  tenant %s (%s)\n", t.RoutingKey, t.Status)

		if t.Status != "active" {
			continue
		}
		if err := seedTenantDatabase(ctx, t, *tenantMigrations, seeds.Workflows); err != nil {
			fmt.Fprintf(os.Stderr, "seed tenant database %s: %v\n", t.RoutingKey, err)
			os.Exit(1)
		}
	}

	fmt.Println("Done.")
}

func seedTenant(ctx context.Context, pool *pgxpool.Pool, t tenantEntry) error {
	features, err := json.Marshal(t.Features)
	if err != nil {
		return fmt.Errorf("encode features: %w", err)
	}
	if t.Features == nil {
		features = []byte("{}")
	}

	_, err = pool.Exec(ctx,
		`INSERT INTO tenants (id, routing_key, name, database_url, status, features, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		 ON CONFLICT (routing_key) DO UPDATE
		 SET name = EXCLUDED.name, database_url = EXCLUDED.database_url,
		     status = EXCLUDED.status, features = EXCLUDED.features, updated_at = now()`,
		t.ID, t.RoutingKey, t.Name, t.DatabaseURL, t.Status, features,
	)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

func seedTenantDatabase(ctx context.Context, t tenantEntry, migrationsDir string, workflows []workflowEntry) error {
	if err := db.RunMigrations(t.DatabaseURL, migrationsDir); err != nil {
		return err
	}

	pool, err := pgxpool.New(ctx, t.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect tenant db: %w", err)
	}
	defer pool.Close()

	for _, w := range workflows {
		if len(w.Stages) == 0 {
			return fmt.Errorf("workflow %s has no stages", w.WorkflowType)
		}
		stages, err := json.Marshal(w.Stages)
		if err != nil {
			return fmt.Errorf("encode stages: %w", err)
		}
		_, err = pool.Exec(ctx,
			`INSERT INTO workflow_definitions (id, workflow_type, stages, terminal_stage, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, 'active', now(), now())
			 ON CONFLICT (workflow_type) DO UPDATE
			 SET stages = EXCLUDED.stages, terminal_stage = EXCLUDED.terminal_stage, updated_at = now()`,
			platform.NewID(), w.WorkflowType, stages, w.Stages[len(w.Stages)-1],
		)
		if err != nil {
			return fmt.Errorf("upsert workflow definition %s: %w", w.WorkflowType, err)
		}
		fmt.Printf("    workflow %s (%d stages)\n", w.WorkflowType, len(w.Stages))
	}
	return nil
}

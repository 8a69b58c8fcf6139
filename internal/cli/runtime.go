package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/opencode-ai/followup/internal/actions"
	"github.com/opencode-ai/followup/internal/collab"
	"github.com/opencode-ai/followup/internal/db"
	"github.com/opencode-ai/followup/internal/engine"
	"github.com/opencode-ai/followup/internal/flows"
)

// openDatabase opens the configured database and applies pending migrations.
func openDatabase() (*db.DB, error) {
	cfg := GetConfig()
	database, err := db.Open(db.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := database.MigrateUp(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return database, nil
}

// localRuntime is the engine wired against the local database, for commands
// run without --addr.
type localRuntime struct {
	db        *db.DB
	flows     *flows.Service
	instances *db.InstanceRepository
	engine    *engine.Engine
}

func openRuntime() (*localRuntime, error) {
	database, err := openDatabase()
	if err != nil {
		return nil, err
	}
	rt, err := newRuntime(database)
	if err != nil {
		database.Close()
		return nil, err
	}
	return rt, nil
}

func newRuntime(database *db.DB) (*localRuntime, error) {
	cfg := GetConfig()
	collabs, err := collab.Build(cfg.Collaborators)
	if err != nil {
		return nil, err
	}

	flowRepo := db.NewFlowRepository(database)
	instanceRepo := db.NewInstanceRepository(database)
	eventRepo := db.NewEventRepository(database)

	executor := actions.NewExecutor(collabs, actions.WithTimeout(cfg.Scheduler.ActionTimeout))
	eng := engine.New(flowRepo, instanceRepo, executor,
		engine.WithEventRepository(eventRepo),
		engine.WithRetryPolicy(engine.RetryPolicy{
			MaxRetries: cfg.Scheduler.MaxRetries,
			BaseDelay:  cfg.Scheduler.RetryBaseDelay,
			MaxDelay:   cfg.Scheduler.RetryMaxDelay,
			Jitter:     true,
		}),
	)

	return &localRuntime{
		db:        database,
		flows:     flows.NewService(flowRepo, eventRepo),
		instances: instanceRepo,
		engine:    eng,
	}, nil
}

func (r *localRuntime) Close() error {
	return r.db.Close()
}

func projectDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return wd
}

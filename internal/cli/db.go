package cli

import (
	"context"
	"fmt"

	"github.com/tarberg/loopd/internal/db"
	"github.com/tarberg/loopd/internal/models"
)

func openDatabase() (*db.DB, error) {
	if appConfig == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}

	database, err := db.Open(db.Config{
		Path:          appConfig.DatabasePath(),
		MaxOpenConns:  appConfig.Database.MaxConnections,
		BusyTimeoutMs: appConfig.Database.BusyTimeoutMs,
	})
	if err != nil {
		return nil, err
	}

	if err := database.Migrate(context.Background()); err != nil {
		_ = database.Close()
		return nil, err
	}

	return database, nil
}

// resolveLoop finds a loop by name or ID.
func resolveLoop(ctx context.Context, database *db.DB, ref string) (*models.Loop, error) {
	repo := db.NewLoopRepository(database)

	loop, err := repo.GetByName(ctx, ref)
	if err == nil {
		return loop, nil
	}

	loop, err = repo.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("no loop matching %q", ref)
	}
	return loop, nil
}

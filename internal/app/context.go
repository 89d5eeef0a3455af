package app

import (
	"database/sql"
	"fmt"

	"clipline/internal/config"
	"clipline/internal/db"
	"clipline/internal/engine"
	"clipline/internal/migrate"
)

// App bundles the opened store, effective config and engine for a workspace.
type App struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open prepares a workspace: ensures the directory, opens the database, runs
// migrations and loads the immutable config. The caller owns Close.
func Open(workspace string) (*App, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &App{
		DB:     conn,
		Config: cfg,
		Engine: engine.New(conn, cfg),
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

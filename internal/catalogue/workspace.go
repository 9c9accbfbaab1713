package catalogue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kaliintelsuite/kiscollect/internal/model"
)

// CreateWorkspace returns the workspace with the name, creating it when missing
func (db *DB) CreateWorkspace(ctx context.Context, name string) (model.Workspace, error) {
	var ws model.Workspace
	err := db.QueryRowContext(ctx,
		`INSERT INTO workspace (name, created_at) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET name=excluded.name
		 RETURNING id, name`,
		name, db.now().UnixMilli(),
	).Scan(&ws.ID, &ws.Name)
	if err != nil {
		return model.Workspace{}, fmt.Errorf("create workspace: %w", err)
	}
	return ws, nil
}

// Workspace returns ErrNotFound for an unknown name
func (db *DB) Workspace(ctx context.Context, name string) (model.Workspace, error) {
	var ws model.Workspace
	err := db.QueryRowContext(ctx,
		`SELECT id, name FROM workspace WHERE name = ?`, name,
	).Scan(&ws.ID, &ws.Name)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Workspace{}, fmt.Errorf("workspace %q: %w", name, ErrNotFound)
	case err != nil:
		return model.Workspace{}, fmt.Errorf("get workspace: %w", err)
	}
	return ws, nil
}

func (db *DB) ListWorkspaces(ctx context.Context) ([]model.Workspace, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, name FROM workspace ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var ret []model.Workspace
	for rows.Next() {
		var ws model.Workspace
		if err := rows.Scan(&ws.ID, &ws.Name); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		ret = append(ret, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	return ret, nil
}

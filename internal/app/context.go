package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"planline/internal/config"
	"planline/internal/repo"
)

// ResolveBoardConfig picks the active board and ensures its config exists in
// the DB, seeding defaults if missing. It prefers the override, then the
// workspace config file, then a single-board DB.
func ResolveBoardConfig(ctx context.Context, workspace, boardOverride string, r repo.Repo) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}

	boardID := boardOverride
	if boardID == "" && fileCfg != nil {
		boardID = fileCfg.Board.ID
	}
	if boardID == "" {
		boardID, err = singleBoardID(ctx, r)
		if err != nil {
			return "", nil, err
		}
	}
	if boardID == "" {
		// Fresh workspace: seed the default board so first runs work
		// without a config import.
		boardID = "board-1"
	}

	cfg, err := r.GetBoardConfig(ctx, boardID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		seed := fileCfg
		if seed == nil || seed.Board.ID != boardID {
			seed = config.Default(boardID)
		}
		if err := r.UpsertBoardConfig(ctx, boardID, seed); err != nil {
			return "", nil, fmt.Errorf("seed board config: %w", err)
		}
		cfg = seed
	}
	cfg.Board.ID = boardID
	return boardID, cfg, nil
}

// singleBoardID returns the board id when exactly one board is configured.
func singleBoardID(ctx context.Context, r repo.Repo) (string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT board_id FROM board_configs LIMIT 2`)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	if len(ids) == 1 {
		return ids[0], nil
	}
	return "", nil
}

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fieldline/internal/config"
	"fieldline/internal/domain"
	"fieldline/internal/repo"
)

// ResolveFarmAndConfig picks the active farm and ensures a farm + crop
// catalog config exist in DB, seeding defaults if missing. It prefers the
// override, then the single-farm DB. If the farm does not exist, it is
// created on the fly.
func ResolveFarmAndConfig(ctx context.Context, farmOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	farmID := farmOverride
	if farmID == "" {
		if f, err := r.SingleFarm(ctx); err == nil {
			farmID = f.ID
		} else {
			return "", nil, fmt.Errorf("farm not specified; use --farm")
		}
	}
	seedCfg := config.Default(farmID)

	if _, err := r.GetFarm(ctx, farmID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createFarm(ctx, r, farmID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetFarmConfig(ctx, farmID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertFarmConfig(ctx, farmID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed farm config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Farm.ID = farmID
	return farmID, cfg, nil
}

// createFarm inserts a minimal farm/rbac footprint using the seed config.
func createFarm(ctx context.Context, r repo.Repo, farmID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(farmID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	f := domain.Farm{
		ID:        farmID,
		Name:      seedCfg.Farm.Name,
		Status:    "active",
		CreatedAt: now,
	}
	if f.Name == "" {
		f.Name = farmID
	}
	if err := r.InsertFarm(ctx, tx, f); err != nil {
		return fmt.Errorf("insert farm: %w", err)
	}
	if err := r.UpsertFarmConfigTx(ctx, tx, farmID, seedCfg); err != nil {
		return fmt.Errorf("insert farm config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureActor(ctx, tx, actorID, "", now); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	if err := r.AssignFarmRole(ctx, tx, farmID, actorID, repo.RoleManager); err != nil {
		return fmt.Errorf("assign farm role: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

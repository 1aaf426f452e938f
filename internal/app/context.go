package app

import (
	"context"
	"errors"
	"fmt"

	"dlab/internal/config"
	"dlab/internal/engine"
	"dlab/internal/repo"
)

// ResolveExperimentAndConfig picks the active experiment and makes sure it
// exists in the DB with a config. It prefers the override, then the only
// experiment in the workspace. A missing experiment is created from
// configPath, or from the default template when no path is given.
func ResolveExperimentAndConfig(ctx context.Context, eng engine.Engine, experimentOverride, configPath, actorID string) (string, *config.Config, error) {
	experimentID := experimentOverride
	if experimentID == "" {
		e, err := eng.Repo.SingleExperiment(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("experiment not specified; use --experiment")
		}
		experimentID = e.ID
	}

	if _, err := eng.Repo.GetExperiment(ctx, experimentID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		seed, err := seedConfig(experimentID, configPath)
		if err != nil {
			return "", nil, err
		}
		if _, err := eng.CreateExperiment(ctx, seed, actorID); err != nil {
			return "", nil, fmt.Errorf("create experiment: %w", err)
		}
		return experimentID, seed, nil
	}

	cfg, err := eng.Repo.GetExperimentConfig(ctx, experimentID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		seed, err := seedConfig(experimentID, configPath)
		if err != nil {
			return "", nil, err
		}
		if err := eng.UpdateExperimentConfig(ctx, experimentID, seed, actorID); err != nil {
			return "", nil, fmt.Errorf("seed experiment config: %w", err)
		}
		cfg = seed
	}
	cfg.Experiment.ID = experimentID
	return experimentID, cfg, nil
}

func seedConfig(experimentID, configPath string) (*config.Config, error) {
	if configPath == "" {
		return config.Default(experimentID), nil
	}
	cfg, err := config.FromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	if cfg.Experiment.ID != "" && cfg.Experiment.ID != experimentID {
		return nil, fmt.Errorf("config %s is for experiment %s, not %s", configPath, cfg.Experiment.ID, experimentID)
	}
	cfg.Experiment.ID = experimentID
	return cfg, nil
}

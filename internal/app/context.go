package app

import (
	"context"
	"errors"
	"fmt"

	"siteline/internal/config"
	"siteline/internal/repo"
)

// ResolveProjectAndConfig picks the active project and loads its persisted
// settlement config, seeding defaults if missing. It prefers overrides,
// then a single-project DB.
func ResolveProjectAndConfig(ctx context.Context, projectOverride string, r repo.Repo) (string, *config.Config, error) {
	projectID := projectOverride
	if projectID == "" {
		projects, err := r.ListProjects(ctx)
		if err != nil {
			return "", nil, err
		}
		if len(projects) != 1 {
			return "", nil, fmt.Errorf("project not specified; use --project")
		}
		projectID = projects[0].ID
	}
	if _, err := r.GetProject(ctx, projectID); err != nil {
		return "", nil, err
	}
	cfg, err := r.GetProjectConfig(ctx, projectID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(projectID)
		if err := r.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed project config: %w", err)
		}
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"siteline/internal/domain"
	"siteline/internal/events"
)

// AddPunchItem records a closeout defect. Items can only be added while
// the project is active.
func (e Engine) AddPunchItem(ctx context.Context, projectID, title, location, actorID string) (domain.PunchListItem, error) {
	if projectID == "" {
		return domain.PunchListItem{}, errors.New("project is required")
	}
	if title == "" {
		return domain.PunchListItem{}, errors.New("title is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PunchListItem{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.PunchListItem{}, err
	}
	if p.Status != "active" {
		return domain.PunchListItem{}, invariant("project %s is not active", p.ID)
	}
	it := domain.PunchListItem{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Title:     title,
		Location:  location,
		Status:    "open",
		CreatedBy: actorID,
		CreatedAt: e.ts(),
	}
	if err := e.Repo.InsertPunchItemTx(ctx, tx, it); err != nil {
		return domain.PunchListItem{}, fmt.Errorf("insert punch item: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "punch_item.create", it.ProjectID, "punch_item", it.ID, actorID, events.EventPayload{
		"title":    it.Title,
		"location": it.Location,
	}); err != nil {
		return domain.PunchListItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PunchListItem{}, err
	}
	return it, nil
}

// CompletePunchItem closes an open item. Completing twice is a no-op.
func (e Engine) CompletePunchItem(ctx context.Context, itemID, actorID string) (domain.PunchListItem, error) {
	it, err := e.Repo.GetPunchItem(ctx, itemID)
	if err != nil {
		return domain.PunchListItem{}, err
	}
	unlock := e.lockProject(it.ProjectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PunchListItem{}, err
	}
	defer tx.Rollback()

	it, err = e.Repo.GetPunchItemTx(ctx, tx, itemID)
	if err != nil {
		return domain.PunchListItem{}, err
	}
	if it.Status == "completed" {
		return it, tx.Rollback()
	}
	now := e.ts()
	it.Status = "completed"
	it.CompletedAt = &now
	if err := e.Repo.UpdatePunchItemTx(ctx, tx, it); err != nil {
		return domain.PunchListItem{}, err
	}
	if err := e.Events.Append(ctx, tx, "punch_item.complete", it.ProjectID, "punch_item", it.ID, actorID, events.EventPayload{
		"title": it.Title,
	}); err != nil {
		return domain.PunchListItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PunchListItem{}, err
	}
	return it, nil
}

func validateJSON(in string) error {
	var tmp any
	if err := json.Unmarshal([]byte(in), &tmp); err != nil {
		return err
	}
	return nil
}

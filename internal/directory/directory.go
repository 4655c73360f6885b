// Package directory resolves sectors, collaborators and work orders for the
// scheduling engine. The data is owned elsewhere and imported read-only.
package directory

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"pcpline/internal/domain"
	"pcpline/internal/repo"
)

// Store reads the directory tables.
type Store struct {
	Repo repo.Repo
}

func (s Store) ResolveCollaborator(ctx context.Context, id string) (domain.Collaborator, error) {
	c, err := s.Repo.GetCollaborator(ctx, id)
	if err != nil {
		return c, fmt.Errorf("collaborator %s: %w", id, err)
	}
	return c, nil
}

func (s Store) ResolveSector(ctx context.Context, id string) (domain.Sector, error) {
	sec, err := s.Repo.GetSector(ctx, id)
	if err != nil {
		return sec, fmt.Errorf("sector %s: %w", id, err)
	}
	return sec, nil
}

// Exists reports whether the work order is registered.
func (s Store) Exists(ctx context.Context, workOrderID string) (bool, error) {
	_, err := s.Repo.GetWorkOrder(ctx, workOrderID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s Store) Summary(ctx context.Context, workOrderID string) (domain.WorkOrderSummary, error) {
	w, err := s.Repo.GetWorkOrder(ctx, workOrderID)
	if err != nil {
		return domain.WorkOrderSummary{}, fmt.Errorf("work order %s: %w", workOrderID, err)
	}
	return domain.WorkOrderSummary{Number: w.Number, Description: w.Description}, nil
}

// File is the YAML layout accepted by Import.
type File struct {
	Sectors       []domain.Sector       `yaml:"sectors"`
	Collaborators []domain.Collaborator `yaml:"collaborators"`
	WorkOrders    []domain.WorkOrder    `yaml:"work_orders"`
	// Inactive collaborators are kept for history but no longer resolve.
	Inactive []string `yaml:"inactive"`
}

type ImportResult struct {
	Sectors       int `json:"sectors"`
	Collaborators int `json:"collaborators"`
	WorkOrders    int `json:"work_orders"`
	Deactivated   int `json:"deactivated"`
}

func ParseFile(path string) (File, error) {
	var f File
	data, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("invalid directory yaml: %w", err)
	}
	return f, nil
}

func (f File) validate() error {
	sectors := map[string]bool{}
	for i, s := range f.Sectors {
		if s.ID == "" || s.DepartmentID == "" {
			return fmt.Errorf("sectors[%d]: id and department_id are required", i)
		}
		sectors[s.ID] = true
	}
	for i, c := range f.Collaborators {
		if c.ID == "" || c.SectorID == "" {
			return fmt.Errorf("collaborators[%d]: id and sector_id are required", i)
		}
		if len(f.Sectors) > 0 && !sectors[c.SectorID] {
			return fmt.Errorf("collaborators[%d]: unknown sector %s", i, c.SectorID)
		}
	}
	for i, w := range f.WorkOrders {
		if w.ID == "" || w.Number == "" {
			return fmt.Errorf("work_orders[%d]: id and number are required", i)
		}
	}
	return nil
}

// Import upserts the file contents in one transaction.
func (s Store) Import(ctx context.Context, f File) (ImportResult, error) {
	var res ImportResult
	if err := f.validate(); err != nil {
		return res, err
	}
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	for _, sec := range f.Sectors {
		if sec.Name == "" {
			sec.Name = sec.ID
		}
		if err := s.Repo.UpsertSector(ctx, tx, sec); err != nil {
			return res, fmt.Errorf("sector %s: %w", sec.ID, err)
		}
		res.Sectors++
	}
	for _, c := range f.Collaborators {
		if c.Name == "" {
			c.Name = c.ID
		}
		if err := s.Repo.UpsertCollaborator(ctx, tx, c); err != nil {
			return res, fmt.Errorf("collaborator %s: %w", c.ID, err)
		}
		res.Collaborators++
	}
	for _, w := range f.WorkOrders {
		if err := s.Repo.UpsertWorkOrder(ctx, tx, w); err != nil {
			return res, fmt.Errorf("work order %s: %w", w.ID, err)
		}
		res.WorkOrders++
	}
	for _, id := range f.Inactive {
		if err := s.Repo.DeactivateCollaborator(ctx, tx, id); err != nil {
			return res, fmt.Errorf("deactivate %s: %w", id, err)
		}
		res.Deactivated++
	}
	return res, tx.Commit()
}

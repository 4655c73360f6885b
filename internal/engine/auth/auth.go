package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"pcpline/internal/config"
	"pcpline/internal/domain"
	"pcpline/internal/repo"
)

// Permissions checked by the engine.
const (
	PermSchedule = "schedule.create"
	PermApprove  = "schedule.approve"
	PermOverride = "assignment.override"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
	ActorID    string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required for actor %s", e.Permission, e.ActorID)
}

// Resolver is the directory lookup the role checks need.
type Resolver interface {
	ResolveCollaborator(ctx context.Context, id string) (domain.Collaborator, error)
}

// Service maps directory roles onto engine permissions using the configured role lists.
type Service struct {
	Directory Resolver
	Roles     *config.Config
}

func (s Service) roles(perm string) []string {
	if s.Roles == nil {
		return nil
	}
	switch perm {
	case PermSchedule:
		return s.Roles.Roles.Schedulers
	case PermApprove:
		return s.Roles.Roles.Approvers
	case PermOverride:
		return s.Roles.Roles.Overrides
	}
	return nil
}

func (s Service) actorRole(ctx context.Context, actorID string) (string, bool, error) {
	if s.Directory == nil || actorID == "" {
		return "", false, nil
	}
	c, err := s.Directory.ResolveCollaborator(ctx, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return c.Role, true, nil
}

// Require fails with ForbiddenError unless the actor holds a role allowed for perm.
// An empty role list leaves the permission open.
func (s Service) Require(ctx context.Context, actorID, perm string) error {
	allowed := s.roles(perm)
	if len(allowed) == 0 {
		return nil
	}
	role, ok, err := s.actorRole(ctx, actorID)
	if err != nil {
		return err
	}
	if !ok || !config.HasRole(allowed, role) {
		return ForbiddenError{Permission: perm, ActorID: actorID}
	}
	return nil
}

// CanOverride reports whether the actor may assign across sectors.
// Unlike Require, an empty override list grants nobody.
func (s Service) CanOverride(ctx context.Context, actorID string) (bool, error) {
	allowed := s.roles(PermOverride)
	if len(allowed) == 0 {
		return false, nil
	}
	role, ok, err := s.actorRole(ctx, actorID)
	if err != nil || !ok {
		return false, err
	}
	return slices.Contains(allowed, role), nil
}

package authz

import (
	"context"
	"errors"

	"fleetwatch-backend/internal/auth"
	"fleetwatch-backend/internal/models"
)

// ErrUnauthorized is returned when a session's owner does not hold the
// agent. Distinct from registry.ErrNotFound on purpose; handlers surface
// 403 vs 404 accordingly.
var ErrUnauthorized = errors.New("owner does not hold this agent")

// OwnerSource reports an agent's recorded owner; satisfied by the registry.
type OwnerSource interface {
	Owner(ctx context.Context, fingerprint string) (*string, error)
}

// Guard is the single ownership predicate consulted before every
// owner-scoped operation. Centralized so new endpoints cannot drift into
// their own, subtly different, checks.
type Guard struct {
	registry OwnerSource
}

func New(registry OwnerSource) *Guard {
	return &Guard{registry: registry}
}

// Authorize passes iff the identity owns the agent. Admins bypass
// ownership (they assign agents, so they see all of them). Unknown agents
// surface the registry's not-found error unchanged.
func (g *Guard) Authorize(ctx context.Context, identity *auth.Identity, fingerprint string) error {
	if identity == nil {
		return ErrUnauthorized
	}
	if identity.Role == models.RoleAdmin {
		return nil
	}

	owner, err := g.registry.Owner(ctx, fingerprint)
	if err != nil {
		return err
	}
	if owner == nil || *owner != identity.OwnerID {
		return ErrUnauthorized
	}
	return nil
}

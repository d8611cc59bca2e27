package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dmitrijs2005/budgetsync/internal/common"
	"github.com/dmitrijs2005/budgetsync/internal/server/models"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/memberships"
	"github.com/patrickmn/go-cache"
)

// Authorizer answers role questions for the sync core, caching each user's
// memberships for a short TTL.
type Authorizer struct {
	repo  memberships.Repository
	cache *cache.Cache
}

// NewAuthorizer builds an Authorizer. A non-positive ttl disables caching.
func NewAuthorizer(repo memberships.Repository, ttl time.Duration) *Authorizer {
	a := &Authorizer{repo: repo}
	if ttl > 0 {
		a.cache = cache.New(ttl, 2*ttl)
	}
	return a
}

// Budgets returns every budget the user belongs to with the user's role.
// The returned map must not be modified.
func (a *Authorizer) Budgets(ctx context.Context, userID string) (map[string]models.Role, error) {
	if a.cache != nil {
		if v, ok := a.cache.Get(userID); ok {
			return v.(map[string]models.Role), nil
		}
	}

	roles, err := a.repo.Budgets(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load memberships: %w", err)
	}
	if roles == nil {
		roles = map[string]models.Role{}
	}

	if a.cache != nil {
		a.cache.Set(userID, roles, cache.DefaultExpiration)
	}
	return roles, nil
}

// Role returns the user's role on one budget, RoleNone when not a member.
func (a *Authorizer) Role(ctx context.Context, userID, budgetID string) (models.Role, error) {
	roles, err := a.Budgets(ctx, userID)
	if err != nil {
		return models.RoleNone, err
	}
	return roles[budgetID], nil
}

// Invalidate drops the cached memberships of a user.
func (a *Authorizer) Invalidate(userID string) {
	if a.cache != nil {
		a.cache.Delete(userID)
	}
}

// readable returns the sorted budgets the user may read. With a non-empty
// filter every listed budget must be readable, otherwise ErrForbidden.
func (a *Authorizer) readable(ctx context.Context, userID string, filter []string) ([]string, error) {
	roles, err := a.Budgets(ctx, userID)
	if err != nil {
		return nil, err
	}

	var budgets []string
	if len(filter) == 0 {
		for id, role := range roles {
			if role.CanRead() {
				budgets = append(budgets, id)
			}
		}
	} else {
		seen := make(map[string]struct{}, len(filter))
		for _, id := range filter {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if !roles[id].CanRead() {
				return nil, fmt.Errorf("%w: budget %s", common.ErrForbidden, id)
			}
			budgets = append(budgets, id)
		}
	}
	sort.Strings(budgets)
	return budgets, nil
}

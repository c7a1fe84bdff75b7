package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"missioncontrol/internal/repo"
)

const (
	RoleAdmin    = "admin"
	RoleAttorney = "attorney"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Roles lists every role that can be granted.
var Roles = []string{RoleAdmin, RoleAttorney, RoleOperator, RoleViewer}

// Approvers may move a work order out of awaiting_approval.
var Approvers = []string{RoleAdmin, RoleAttorney}

// ForbiddenError indicates the caller holds none of the required roles.
type ForbiddenError struct {
	Action string
	Roles  []string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s required to %s", strings.Join(e.Roles, " or "), e.Action)
}

// Principal is an authenticated caller.
type Principal struct {
	ActorID string
	Roles   []string
}

// Has reports whether the principal holds any of roles.
func (p Principal) Has(roles ...string) bool {
	for _, r := range roles {
		if slices.Contains(p.Roles, r) {
			return true
		}
	}
	return false
}

// Require returns a ForbiddenError unless p holds one of roles.
func Require(p Principal, action string, roles ...string) error {
	if p.Has(roles...) {
		return nil
	}
	return ForbiddenError{Action: action, Roles: roles}
}

// ValidRole reports whether role can be granted.
func ValidRole(role string) bool {
	return slices.Contains(Roles, role)
}

// Service resolves principals against granted roles.
type Service struct {
	Repo repo.Repo
}

// Resolve merges roles carried by a credential with roles granted in the store.
func (s Service) Resolve(ctx context.Context, actorID string, credentialRoles []string) (Principal, error) {
	if strings.TrimSpace(actorID) == "" {
		return Principal{}, errors.New("actor_id required")
	}
	granted, err := s.Repo.ActorRoles(ctx, actorID)
	if err != nil {
		return Principal{}, fmt.Errorf("load roles: %w", err)
	}
	seen := map[string]bool{}
	var roles []string
	for _, r := range append(append([]string{}, credentialRoles...), granted...) {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return Principal{ActorID: actorID, Roles: roles}, nil
}

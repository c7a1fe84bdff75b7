package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"missioncontrol/internal/domain"
	"missioncontrol/internal/engine/auth"
	"missioncontrol/internal/events"
	"missioncontrol/internal/repo"
)

func (e Engine) GrantRole(ctx context.Context, actor auth.Principal, actorID, role string) (domain.RoleGrant, error) {
	if err := auth.Require(actor, "grant roles", auth.RoleAdmin); err != nil {
		return domain.RoleGrant{}, err
	}
	actorID, role = strings.TrimSpace(actorID), strings.TrimSpace(role)
	if actorID == "" {
		return domain.RoleGrant{}, fmt.Errorf("%w: actor_id is required", ErrInvalidInput)
	}
	if !auth.ValidRole(role) {
		return domain.RoleGrant{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RoleGrant{}, err
	}
	defer tx.Rollback()

	g := domain.RoleGrant{ActorID: actorID, Role: role, GrantedBy: actor.ActorID, CreatedAt: e.timestamp()}
	if err := e.Repo.GrantRole(ctx, tx, g); err != nil {
		return domain.RoleGrant{}, err
	}
	e.Events.Record(ctx, tx, events.RoleGranted, "actor", actorID, actor.ActorID, events.EventPayload{"role": role})
	if err := tx.Commit(); err != nil {
		return domain.RoleGrant{}, err
	}
	return g, nil
}

func (e Engine) RevokeRole(ctx context.Context, actor auth.Principal, actorID, role string) error {
	if err := auth.Require(actor, "revoke roles", auth.RoleAdmin); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.RevokeRole(ctx, tx, actorID, role); err != nil {
		return err
	}
	e.Events.Record(ctx, tx, events.RoleRevoked, "actor", actorID, actor.ActorID, events.EventPayload{"role": role})
	return tx.Commit()
}

func (e Engine) ListRoleGrants(ctx context.Context) ([]domain.RoleGrant, error) {
	grants, err := e.Repo.ListRoleGrants(ctx)
	return nonNil(grants), err
}

// CreateAPIKey issues a key for actorID. The plain secret is returned once;
// only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actor auth.Principal, actorID, name string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		actorID = actor.ActorID
	}
	if actorID != actor.ActorID {
		if err := auth.Require(actor, "issue keys for other actors", auth.RoleAdmin); err != nil {
			return domain.APIKey{}, "", err
		}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("generate api key: %w", err)
	}
	secret := "mc_" + hex.EncodeToString(buf)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()

	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.timestamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

// ListAPIKeys lists the caller's keys; admins may list any actor's keys.
func (e Engine) ListAPIKeys(ctx context.Context, actor auth.Principal, actorID string) ([]domain.APIKey, error) {
	if actorID != actor.ActorID {
		if err := auth.Require(actor, "list keys of other actors", auth.RoleAdmin); err != nil {
			return nil, err
		}
	}
	keys, err := e.Repo.ListAPIKeys(ctx, actorID)
	return nonNil(keys), err
}

func (e Engine) DeleteAPIKey(ctx context.Context, actor auth.Principal, id string) error {
	if err := auth.Require(actor, "delete api keys", auth.RoleAdmin); err != nil {
		return err
	}
	return e.Repo.DeleteAPIKey(ctx, id)
}

// ListEvents returns the audit trail, newest first.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	evts, err := e.Repo.LatestEvents(ctx, f)
	return nonNil(evts), err
}

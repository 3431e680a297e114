// Package access answers whether a principal may use a tenant and mutates
// tenant membership. It always talks to the remote replica directly,
// bypassing the local offline path: membership is a trust decision and
// must reflect authoritative remote state, never a stale local cache.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/froz-husain/sketchsync/internal/model"
	"github.com/froz-husain/sketchsync/internal/store"
)

// RelationDatabase is the distinguished remote-only database holding one
// tenant document per tenant key.
const RelationDatabase = "sketchsync_tenants"

// Service verifies and mutates tenant membership against the remote
// tenant relation database. Transport failures are surfaced verbatim to
// the caller; unlike the replication driver, nothing here retries.
type Service struct {
	relations store.Store
	logger    *zap.Logger
}

// NewService creates a tenant access service bound to the relation store
func NewService(relations store.Store, logger *zap.Logger) *Service {
	return &Service{relations: relations, logger: logger}
}

// VerifyAccess reports whether principal is a member of the tenant.
// A tenant that does not exist is "not verified" (false, nil), distinct
// from a failed verification (transport error).
func (s *Service) VerifyAccess(ctx context.Context, tenantKey, principal string) (bool, error) {
	doc, err := s.relations.Get(ctx, model.Key(model.KindTenant, tenantKey))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("verify access to %s: %w", tenantKey, err)
	}

	tenant, err := doc.Tenant()
	if err != nil {
		return false, err
	}
	return tenant.HasMember(principal), nil
}

// CreateTenant creates the tenant owned by principal. Returns false
// without error if the tenant already exists; the store's conditional put
// is the enforcement point for the creation race, and a conflict on it
// means "already exists", not failure.
func (s *Service) CreateTenant(ctx context.Context, tenantKey, principal string) (bool, error) {
	now := time.Now().UTC()
	tenant := &model.Tenant{
		Kind:      model.KindTenant,
		Owner:     principal,
		Members:   []string{principal},
		CreatedAt: now,
		UpdatedAt: now,
	}

	doc, err := model.NewDocument(model.Key(model.KindTenant, tenantKey), tenant)
	if err != nil {
		return false, err
	}

	if _, err := s.relations.Put(ctx, doc); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("create tenant %s: %w", tenantKey, err)
	}

	s.logger.Info("tenant created",
		zap.String("tenant", tenantKey),
		zap.String("owner", principal))
	return true, nil
}

// AddMember performs an idempotent union-add of principal into the tenant
// member set. Returns whether the membership changed.
func (s *Service) AddMember(ctx context.Context, tenantKey, principal string) (bool, error) {
	added := false
	_, err := store.UpdateWithRetry(ctx, s.relations, model.Key(model.KindTenant, tenantKey),
		func(current *model.Document) (*model.Document, error) {
			if current == nil {
				return nil, fmt.Errorf("add member to %s: %w", tenantKey, store.ErrNotFound)
			}
			tenant, err := current.Tenant()
			if err != nil {
				return nil, err
			}
			if !tenant.AddMember(principal) {
				added = false
				return nil, nil // already present, leave untouched
			}
			added = true
			tenant.UpdatedAt = time.Now().UTC()
			return model.NewDocument(current.Key, tenant)
		}, store.DefaultUpdateAttempts)
	if err != nil {
		return false, err
	}

	if added {
		s.logger.Info("tenant member added",
			zap.String("tenant", tenantKey),
			zap.String("principal", principal))
	}
	return added, nil
}

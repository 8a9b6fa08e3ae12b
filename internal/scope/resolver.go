// Package scope turns a reset scope into the exact partition of
// objects to delete and objects to preserve. The operating identity
// and its role bindings can never end up on the delete side.
package scope

import (
	"context"
	"fmt"

	"cloudwipe/internal/cloud"
	"cloudwipe/internal/domain"
	"cloudwipe/internal/identity"
)

type Resolver struct {
	Resources cloud.ResourceAPI
	Directory cloud.DirectoryAPI
	Guard     *identity.Guard
}

// Resolve enumerates the scope fresh (no caching across calls) and
// partitions the candidates. It fails with SecurityError before any
// enumeration call when the target is the operating identity itself.
func (r *Resolver) Resolve(ctx context.Context, s domain.ResetScope) (domain.ScopeResolution, domain.IdentityFingerprint, error) {
	var none domain.ScopeResolution
	if err := s.Validate(); err != nil {
		return none, domain.IdentityFingerprint{}, err
	}
	// The locally configured id is known without any API call; a direct
	// self-target must fail before the first remote request.
	if s.Level == domain.LevelResource && s.ResourceID == r.Guard.Operator.ID {
		return none, domain.IdentityFingerprint{}, domain.SecurityError{
			Reason: "refusing to target the operating identity for deletion",
		}
	}
	self, err := r.Guard.IdentifySelf(ctx)
	if err != nil {
		return none, domain.IdentityFingerprint{}, err
	}
	if s.Level == domain.LevelResource && s.ResourceID == self.ID {
		return none, domain.IdentityFingerprint{}, domain.SecurityError{
			Reason: "refusing to target the operating identity for deletion",
		}
	}
	if s.Level == domain.LevelResourceGroup {
		for _, rg := range s.ResourceGroupNames {
			ok, err := r.Resources.GroupExists(ctx, s.SubscriptionIDs[0], rg)
			if err != nil {
				return none, domain.IdentityFingerprint{}, fmt.Errorf("check resource group %s: %w", rg, err)
			}
			if !ok {
				return none, domain.IdentityFingerprint{}, domain.ValidationError{
					Field: "resource_group_name", Value: rg,
					Reason: fmt.Sprintf("does not belong to subscription %s", s.SubscriptionIDs[0]),
				}
			}
		}
	}

	candidates, err := r.Resources.List(ctx, s)
	if err != nil {
		return none, domain.IdentityFingerprint{}, fmt.Errorf("enumerate resources: %w", err)
	}
	if s.Level == domain.LevelTenant {
		directoryObjects, err := r.listDirectory(ctx)
		if err != nil {
			return none, domain.IdentityFingerprint{}, err
		}
		candidates = append(candidates, directoryObjects...)
	}

	bindings, err := r.Directory.ListRoleAssignments(ctx, self.ID)
	if err != nil {
		return none, domain.IdentityFingerprint{}, fmt.Errorf("list self role assignments: %w", err)
	}

	preserve := []domain.Object{{ID: self.ID, Type: domain.TypeServicePrincipal, DisplayName: self.DisplayName}}
	preserved := map[string]bool{self.ID: true}
	for _, b := range bindings {
		if !preserved[b.ID] {
			preserve = append(preserve, b)
			preserved[b.ID] = true
		}
	}

	res := domain.ScopeResolution{ToPreserve: preserve}
	seen := map[string]bool{}
	for _, c := range candidates {
		if preserved[c.ID] || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		res.ToDelete = append(res.ToDelete, c)
	}
	return res, self, nil
}

func (r *Resolver) listDirectory(ctx context.Context) ([]domain.Object, error) {
	var out []domain.Object
	users, err := r.Directory.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate users: %w", err)
	}
	out = append(out, users...)
	groups, err := r.Directory.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate groups: %w", err)
	}
	out = append(out, groups...)
	principals, err := r.Directory.ListServicePrincipals(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate service principals: %w", err)
	}
	out = append(out, principals...)
	return out, nil
}

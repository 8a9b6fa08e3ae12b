// Package cloud defines the contracts this tool consumes from the
// remote resource-management API, the identity directory, and the
// graph mirror, plus HTTP clients for each.
package cloud

import (
	"context"
	"errors"

	"cloudwipe/internal/domain"
)

// ErrNotFound is returned by Delete when the remote object is already
// gone. Callers treat it as success (idempotent deletion).
var ErrNotFound = errors.New("object not found")

// ResourceAPI enumerates and deletes management-plane resources.
type ResourceAPI interface {
	// List enumerates all candidate objects inside the scope. Never cached.
	List(ctx context.Context, scope domain.ResetScope) ([]domain.Object, error)
	// Delete removes one object. ErrNotFound means it was already gone.
	Delete(ctx context.Context, id string) error
	// GroupExists reports whether a resource group belongs to a subscription.
	GroupExists(ctx context.Context, subscriptionID, groupName string) (bool, error)
}

// DirectoryAPI enumerates and deletes identity objects.
type DirectoryAPI interface {
	ListUsers(ctx context.Context) ([]domain.Object, error)
	ListGroups(ctx context.Context) ([]domain.Object, error)
	ListServicePrincipals(ctx context.Context) ([]domain.Object, error)
	// GetServicePrincipalByAppID resolves a service principal from its
	// application id. Used as the directory-side identity source.
	GetServicePrincipalByAppID(ctx context.Context, appID string) (domain.IdentityFingerprint, error)
	// ListRoleAssignments returns the role-binding objects naming a principal.
	ListRoleAssignments(ctx context.Context, principalID string) ([]domain.Object, error)
	Delete(ctx context.Context, id string) error
}

// GraphMirror is the discovered-resource mirror; only its cleanup call
// is consumed here.
type GraphMirror interface {
	DeleteWhere(ctx context.Context, ids []string) error
}

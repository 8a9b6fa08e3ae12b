package domain

import "time"

// ScopeLevel is the hierarchical boundary of a reset operation.
type ScopeLevel string

const (
	LevelTenant        ScopeLevel = "tenant"
	LevelSubscription  ScopeLevel = "subscription"
	LevelResourceGroup ScopeLevel = "resource_group"
	LevelResource      ScopeLevel = "resource"
)

// ResetScope selects what a reset run is allowed to touch.
type ResetScope struct {
	Level              ScopeLevel `json:"level" enum:"tenant,subscription,resource_group,resource"`
	TenantID           string     `json:"tenant_id"`
	SubscriptionIDs    []string   `json:"subscription_ids,omitempty"`
	ResourceGroupNames []string   `json:"resource_group_names,omitempty"`
	ResourceID         string     `json:"resource_id,omitempty"`
}

// MaxResetObjects is the hard ceiling on how many objects a single
// reset may delete. Larger scopes are refused outright, regardless of
// operator input or confirmation path.
const MaxResetObjects = 1000

// ObjectType classifies remote objects for dependency ordering.
type ObjectType string

const (
	TypeInstance         ObjectType = "compute.instance"
	TypeVolume           ObjectType = "storage.volume"
	TypeNetworkInterface ObjectType = "network.interface"
	TypeNetwork          ObjectType = "network.network"
	TypePublicAddress    ObjectType = "network.public_address"
	TypeResourceGroup    ObjectType = "core.resource_group"
	TypeRoleAssignment   ObjectType = "identity.role_assignment"
	TypeServicePrincipal ObjectType = "identity.service_principal"
	TypeUser             ObjectType = "identity.user"
	TypeGroup            ObjectType = "identity.group"
	TypeGeneric          ObjectType = "core.generic"
)

// Object is a remote object as reported by the resource or directory API.
type Object struct {
	ID          string     `json:"id"`
	Type        ObjectType `json:"type"`
	DisplayName string     `json:"display_name,omitempty"`
}

// ScopeResolution partitions enumerated objects. Immutable once produced.
type ScopeResolution struct {
	ToDelete   []Object `json:"to_delete"`
	ToPreserve []Object `json:"to_preserve"`
}

// PreservedIDs returns the preserve set as a lookup map.
func (r ScopeResolution) PreservedIDs() map[string]bool {
	out := make(map[string]bool, len(r.ToPreserve))
	for _, o := range r.ToPreserve {
		out[o.ID] = true
	}
	return out
}

// IdentityFingerprint is the operating identity captured before a run
// and re-checked after it.
type IdentityFingerprint struct {
	ID          string   `json:"id"`
	AppID       string   `json:"app_id"`
	DisplayName string   `json:"display_name"`
	Roles       []string `json:"roles,omitempty"`
}

// Equal compares the fields that must survive a reset unchanged.
func (f IdentityFingerprint) Equal(other IdentityFingerprint) bool {
	return f.ID == other.ID && f.AppID == other.AppID && f.DisplayName == other.DisplayName
}

// RunStatus is the terminal state of a reset run.
type RunStatus string

const (
	StatusSucceeded RunStatus = "succeeded"
	StatusPartial   RunStatus = "partial"
	StatusFailed    RunStatus = "failed"
	StatusCanceled  RunStatus = "canceled"
	StatusDryRun    RunStatus = "dry_run"
)

// ObjectOutcome records one object's deletion attempt.
type ObjectOutcome struct {
	ID       string        `json:"id"`
	Type     ObjectType    `json:"type"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// DeletionOutcome aggregates a run. Immutable once produced.
type DeletionOutcome struct {
	Status  RunStatus         `json:"status"`
	Deleted []string          `json:"deleted"`
	Failed  []string          `json:"failed"`
	Errors  map[string]string `json:"errors,omitempty"`
	Objects []ObjectOutcome   `json:"objects,omitempty"`
}

// StatusFor derives the run status from per-object results.
func StatusFor(deleted, failed int) RunStatus {
	switch {
	case failed == 0:
		return StatusSucceeded
	case deleted == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

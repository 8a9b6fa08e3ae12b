package domain

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Identifier grammars. Untrusted strings never reach a downstream query
// without passing one of these first.
var (
	groupNameRe    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,88}$`)
	resourcePathRe = regexp.MustCompile(`^/subscriptions/[0-9a-fA-F-]{36}/resourceGroups/[A-Za-z0-9._-]{1,90}/providers/[A-Za-z0-9.]+/[A-Za-z0-9]+/[A-Za-z0-9._-]{1,260}$`)
	directoryIDRe  = regexp.MustCompile(`^[0-9a-fA-F-]{36}$`)
)

// ValidGUID accepts only the canonical 36-character hyphenated form.
func ValidGUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// ValidGroupName accepts bounded alphanumeric names with ._- separators.
func ValidGroupName(s string) bool {
	return groupNameRe.MatchString(s) && !strings.HasSuffix(s, ".")
}

// ValidResourceID accepts the fixed resource-path grammar or a bare
// directory object id.
func ValidResourceID(s string) bool {
	return resourcePathRe.MatchString(s) || directoryIDRe.MatchString(s)
}

// Validate checks every identifier in the scope against its grammar and
// the level against its required fields.
func (s ResetScope) Validate() error {
	if !ValidGUID(s.TenantID) {
		return ValidationError{Field: "tenant_id", Value: s.TenantID, Reason: "must be a GUID"}
	}
	switch s.Level {
	case LevelTenant:
		// tenant id alone is enough
	case LevelSubscription:
		if len(s.SubscriptionIDs) == 0 {
			return ValidationError{Field: "subscription_ids", Value: "", Reason: "at least one subscription id is required"}
		}
	case LevelResourceGroup:
		if len(s.SubscriptionIDs) != 1 {
			return ValidationError{Field: "subscription_ids", Value: "", Reason: "exactly one subscription id is required"}
		}
		if len(s.ResourceGroupNames) == 0 {
			return ValidationError{Field: "resource_group_names", Value: "", Reason: "at least one resource group name is required"}
		}
	case LevelResource:
		if s.ResourceID == "" {
			return ValidationError{Field: "resource_id", Value: "", Reason: "resource id is required"}
		}
		if !ValidResourceID(s.ResourceID) {
			return ValidationError{Field: "resource_id", Value: s.ResourceID, Reason: "must match the resource path grammar or be a directory object id"}
		}
	default:
		return ValidationError{Field: "level", Value: string(s.Level), Reason: "unknown scope level"}
	}
	for _, sub := range s.SubscriptionIDs {
		if !ValidGUID(sub) {
			return ValidationError{Field: "subscription_id", Value: sub, Reason: "must be a GUID"}
		}
	}
	for _, rg := range s.ResourceGroupNames {
		if !ValidGroupName(rg) {
			return ValidationError{Field: "resource_group_name", Value: rg, Reason: "must be a bounded alphanumeric name"}
		}
	}
	return nil
}

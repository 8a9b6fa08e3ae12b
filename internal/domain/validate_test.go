package domain_test

import (
	"errors"
	"testing"

	"cloudwipe/internal/domain"
)

const (
	tenantID = "11111111-1111-1111-1111-111111111111"
	subID    = "22222222-2222-2222-2222-222222222222"
)

func TestValidGUID(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{tenantID, true},
		{"not-a-guid", false},
		{"", false},
		{"11111111-1111-1111-1111-11111111111", false},
		{"11111111-1111-1111-1111-111111111111; DROP TABLE--", false},
		{"{11111111-1111-1111-1111-111111111111}", false},
	}
	for _, c := range cases {
		if got := domain.ValidGUID(c.in); got != c.ok {
			t.Errorf("ValidGUID(%q) = %v, want %v", c.in, got, c.ok)
		}
	}
}

func TestValidGroupName(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"prod-rg", true},
		{"a", true},
		{"rg.with_dots-and-dashes", true},
		{"", false},
		{"-starts-with-dash", false},
		{"has spaces", false},
		{"rg'; DROP TABLE--", false},
	}
	for _, c := range cases {
		if got := domain.ValidGroupName(c.in); got != c.ok {
			t.Errorf("ValidGroupName(%q) = %v, want %v", c.in, got, c.ok)
		}
	}
}

func TestValidResourceID(t *testing.T) {
	good := "/subscriptions/" + subID + "/resourceGroups/prod-rg/providers/Example.Compute/instances/vm-01"
	if !domain.ValidResourceID(good) {
		t.Fatalf("valid resource path rejected: %s", good)
	}
	bad := []string{
		"",
		"vm-01",
		"/subscriptions/not-a-guid/resourceGroups/rg/providers/P.C/instances/vm",
		"/subscriptions/" + subID + "/resourceGroups/rg with space/providers/P.C/instances/vm",
	}
	for _, in := range bad {
		if domain.ValidResourceID(in) {
			t.Errorf("invalid resource path accepted: %q", in)
		}
	}
}

func TestScopeValidatePerLevel(t *testing.T) {
	cases := []struct {
		name  string
		scope domain.ResetScope
		ok    bool
	}{
		{"tenant ok", domain.ResetScope{Level: domain.LevelTenant, TenantID: tenantID}, true},
		{"tenant bad id", domain.ResetScope{Level: domain.LevelTenant, TenantID: "nope"}, false},
		{"subscription needs ids", domain.ResetScope{Level: domain.LevelSubscription, TenantID: tenantID}, false},
		{"subscription ok", domain.ResetScope{Level: domain.LevelSubscription, TenantID: tenantID, SubscriptionIDs: []string{subID}}, true},
		{"rg needs exactly one sub", domain.ResetScope{Level: domain.LevelResourceGroup, TenantID: tenantID, SubscriptionIDs: []string{subID, tenantID}, ResourceGroupNames: []string{"rg"}}, false},
		{"rg ok", domain.ResetScope{Level: domain.LevelResourceGroup, TenantID: tenantID, SubscriptionIDs: []string{subID}, ResourceGroupNames: []string{"rg"}}, true},
		{"resource needs valid path", domain.ResetScope{Level: domain.LevelResource, TenantID: tenantID, ResourceID: "vm-01"}, false},
		{"unknown level", domain.ResetScope{Level: "galaxy", TenantID: tenantID}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.scope.Validate()
			if c.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !c.ok {
				var ve domain.ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	if domain.StatusFor(3, 0) != domain.StatusSucceeded {
		t.Error("all-success should be succeeded")
	}
	if domain.StatusFor(0, 0) != domain.StatusSucceeded {
		t.Error("empty run should be succeeded")
	}
	if domain.StatusFor(9, 1) != domain.StatusPartial {
		t.Error("mixed results should be partial")
	}
	if domain.StatusFor(0, 2) != domain.StatusFailed {
		t.Error("all-failure should be failed")
	}
}

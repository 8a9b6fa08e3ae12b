package identity_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"cloudwipe/internal/cloud"
	"cloudwipe/internal/domain"
	"cloudwipe/internal/identity"
)

const (
	selfID = "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"
	appID  = "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb"
)

type fakeDirectory struct {
	cloud.DirectoryAPI
	fingerprint domain.IdentityFingerprint
	err         error
}

func (f fakeDirectory) GetServicePrincipalByAppID(ctx context.Context, id string) (domain.IdentityFingerprint, error) {
	return f.fingerprint, f.err
}

func newTestGuard(t *testing.T, directoryID string) *identity.Guard {
	t.Helper()
	g := &identity.Guard{
		Directory: fakeDirectory{fingerprint: domain.IdentityFingerprint{
			ID:          directoryID,
			AppID:       appID,
			DisplayName: "cloudwipe-operator",
			Roles:       []string{"Owner"},
		}},
		Operator: identity.Operator{
			ID:          selfID,
			AppID:       appID,
			DisplayName: "cloudwipe-operator",
		},
		StatePath: filepath.Join(t.TempDir(), "identity.sig"),
		Key:       []byte("test-signing-key"),
	}
	return g
}

func TestIdentifySelfAgreeingSources(t *testing.T) {
	g := newTestGuard(t, selfID)
	if err := g.SealState(); err != nil {
		t.Fatalf("seal: %v", err)
	}
	fp, err := g.IdentifySelf(context.Background())
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if fp.ID != selfID {
		t.Fatalf("unexpected self id %s", fp.ID)
	}
	if len(fp.Roles) != 1 || fp.Roles[0] != "Owner" {
		t.Fatalf("roles not carried from directory: %v", fp.Roles)
	}
}

func TestIdentifySelfDisagreeingSourcesFailClosed(t *testing.T) {
	g := newTestGuard(t, "cccccccc-cccc-cccc-cccc-cccccccccccc")
	if err := g.SealState(); err != nil {
		t.Fatalf("seal: %v", err)
	}
	_, err := g.IdentifySelf(context.Background())
	var se domain.SecurityError
	if !errors.As(err, &se) {
		t.Fatalf("expected SecurityError on source disagreement, got %v", err)
	}
}

func TestIdentifySelfRequiresSealedState(t *testing.T) {
	g := newTestGuard(t, selfID)
	_, err := g.IdentifySelf(context.Background())
	var se domain.SecurityError
	if !errors.As(err, &se) {
		t.Fatalf("expected SecurityError for unsealed state, got %v", err)
	}
}

func TestTamperedConfigurationDetected(t *testing.T) {
	g := newTestGuard(t, selfID)
	if err := g.SealState(); err != nil {
		t.Fatalf("seal: %v", err)
	}
	// out-of-band edit to the operator configuration
	g.Operator.ID = "dddddddd-dddd-dddd-dddd-dddddddddddd"
	err := g.VerifyState()
	var se domain.SecurityError
	if !errors.As(err, &se) {
		t.Fatalf("expected SecurityError for tampered config, got %v", err)
	}
}

func TestResealAcceptsNewConfiguration(t *testing.T) {
	g := newTestGuard(t, selfID)
	if err := g.SealState(); err != nil {
		t.Fatalf("seal: %v", err)
	}
	g.Operator.DisplayName = "renamed"
	if err := g.SealState(); err != nil {
		t.Fatalf("reseal: %v", err)
	}
	if err := g.VerifyState(); err != nil {
		t.Fatalf("verify after reseal: %v", err)
	}
}

// Package identity resolves the operating service identity from two
// independent sources and detects out-of-band edits to its
// configuration. Disagreement is always fail-closed.
package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gowebpki/jcs"

	"cloudwipe/internal/cloud"
	"cloudwipe/internal/domain"
)

// Operator is the locally configured identity (source #1).
type Operator struct {
	ID          string `json:"id"`
	AppID       string `json:"app_id"`
	DisplayName string `json:"display_name"`
}

// Guard cross-validates the operator identity against the directory.
type Guard struct {
	Directory cloud.DirectoryAPI
	Operator  Operator
	StatePath string
	Key       []byte
}

// IdentifySelf verifies the sealed local configuration, then resolves
// the identity from the local config and the directory independently.
// If the two sources disagree the operation fails; there is no
// pick-the-first-one fallback.
func (g *Guard) IdentifySelf(ctx context.Context) (domain.IdentityFingerprint, error) {
	if err := g.VerifyState(); err != nil {
		return domain.IdentityFingerprint{}, err
	}
	if g.Operator.ID == "" {
		return domain.IdentityFingerprint{}, domain.SecurityError{Reason: "operator identity is not configured"}
	}
	fp, err := g.Directory.GetServicePrincipalByAppID(ctx, g.Operator.AppID)
	if err != nil {
		return domain.IdentityFingerprint{}, fmt.Errorf("directory identity lookup: %w", err)
	}
	if fp.ID != g.Operator.ID {
		return domain.IdentityFingerprint{}, domain.SecurityError{
			Reason: fmt.Sprintf("identity sources disagree: local=%s directory=%s", g.Operator.ID, fp.ID),
		}
	}
	if fp.AppID == "" {
		fp.AppID = g.Operator.AppID
	}
	if fp.DisplayName == "" {
		fp.DisplayName = g.Operator.DisplayName
	}
	return fp, nil
}

// SealState binds the current operator configuration to a keyed
// checksum on disk.
func (g *Guard) SealState() error {
	sum, err := g.checksum()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(g.StatePath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(g.StatePath, []byte(sum+"\n"), 0o600)
}

// VerifyState detects any out-of-band edit to the operator
// configuration since it was sealed.
func (g *Guard) VerifyState() error {
	data, err := os.ReadFile(g.StatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.SecurityError{Reason: "identity configuration is not sealed; run cw identity seal"}
		}
		return err
	}
	want, err := g.checksum()
	if err != nil {
		return err
	}
	got := strings.TrimSpace(string(data))
	if !hmac.Equal([]byte(got), []byte(want)) {
		return domain.SecurityError{Reason: "identity configuration was modified outside this tool"}
	}
	return nil
}

// checksum is an HMAC over the canonical serialization of the operator
// config, so field order can never change the digest.
func (g *Guard) checksum() (string, error) {
	if len(g.Key) == 0 {
		return "", fmt.Errorf("identity signing key is not configured")
	}
	raw, err := json.Marshal(g.Operator)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, g.Key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

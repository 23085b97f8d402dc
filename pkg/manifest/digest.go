package manifest

import (
	"fmt"

	"github.com/Mindburn-Labs/webproof/pkg/canonicalize"
)

// Digest returns the "sha256:<hex>" digest of the canonical (RFC 8785) form
// of m. Debug logs are excluded so that logging does not change identity.
func Digest(m *ManifestFile) (string, error) {
	if m == nil {
		return "", &ValidationError{Code: ErrCodeMissingField, Message: "manifest is nil"}
	}
	c := *m
	c.DebugLogs = nil
	raw, err := Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("digest manifest: %w", err)
	}
	canon, err := canonicalize.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("digest manifest: %w", err)
	}
	return canonicalize.DigestPrefix + canonicalize.HashBytes(canon), nil
}

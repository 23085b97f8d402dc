package manifest

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// SupportedVersions is the manifestVersion range this module was written against.
const SupportedVersions = ">= 1, < 3"

// ErrUnsupportedVersion is returned by CheckVersion. The manifest version is
// informational, so callers log it rather than reject the manifest.
var ErrUnsupportedVersion = errors.New("unsupported manifest version")

// CheckVersion reports whether m.ManifestVersion falls in SupportedVersions.
func CheckVersion(m *ManifestFile) error {
	v, err := semver.NewVersion(m.ManifestVersion)
	if err != nil {
		return fmt.Errorf("%w: %q is not a semantic version", ErrUnsupportedVersion, m.ManifestVersion)
	}
	c, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: %s not in %s", ErrUnsupportedVersion, v, SupportedVersions)
	}
	return nil
}

package installer

import "github.com/SiestaCat/dep-cache-proxy/cacheerrors"

// New constructs the Installer variant for manager, seeded with the given
// manifest and lockfile bytes. Returns InvalidRequest for an unknown
// manager; the Coordinator must call this before computing the
// fingerprint, since the fingerprint needs the installer's canonical
// filenames.
func New(manager string, manifest, lockfile []byte) (Installer, error) {
	switch manager {
	case "npm":
		return &NPM{ManifestContent: manifest, LockfileContent: lockfile}, nil
	case "composer":
		return &Composer{ManifestContent: manifest, LockfileContent: lockfile}, nil
	default:
		return nil, &cacheerrors.InvalidRequest{Reason: "unknown manager: " + manager}
	}
}

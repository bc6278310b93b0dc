// Package downloadsvc implements the Download Service (spec.md §4.10): a
// thin read-only facade over a packed bundle's bytes. It deliberately does
// not handle authentication or HTTP range requests — spec.md §6 delegates
// both to the transport layer, so internal/httpapi is the only caller that
// should construct one of these per request.
package downloadsvc

import (
	"context"
	"io"

	"github.com/SiestaCat/dep-cache-proxy/bundle"
)

// Service serves packed bundles as byte streams.
type Service struct {
	packer *bundle.Packer
}

// New constructs a Service backed by the given Packer.
func New(packer *bundle.Packer) *Service {
	return &Service{packer: packer}
}

// Open returns a seekable stream over the bundle for fingerprint and its
// size in bytes. Returns cacheerrors.NotFound if the fingerprint has no
// packed bundle.
func (s *Service) Open(ctx context.Context, fingerprint string) (io.ReadSeekCloser, int64, error) {
	return s.packer.Open(fingerprint)
}

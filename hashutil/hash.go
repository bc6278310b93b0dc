// Package hashutil provides the streaming content hash used throughout the
// cache: SHA-256 over 8 KiB blocks, matching spec.md's Hasher component.
// It is built on opencontainers/go-digest, which already formats and
// validates "<algorithm>:<hex>" digest strings the way the blob store and
// fingerprint encoder need.
package hashutil

import (
	"io"

	digest "github.com/opencontainers/go-digest"
)

// BlockSize is the read buffer size used when streaming content through the
// hasher. It bounds memory use for large files without materially affecting
// throughput.
const BlockSize = 8 * 1024

// Algorithm is the canonical digest algorithm for this cache. The spec
// fixes this to SHA-256 for fingerprints, blob hashes, and index keys.
const Algorithm = digest.SHA256

// Sum streams r in BlockSize chunks and returns the resulting digest. It
// has no failure modes beyond I/O errors surfaced from r.
func Sum(r io.Reader) (digest.Digest, error) {
	verifier := Algorithm.Digester()
	buf := make([]byte, BlockSize)
	if _, err := io.CopyBuffer(verifier.Hash(), r, buf); err != nil {
		return "", err
	}
	return verifier.Digest(), nil
}

// SumBytes hashes a byte slice directly.
func SumBytes(b []byte) digest.Digest {
	return Algorithm.FromBytes(b)
}

// Hex returns the bare hex-encoded digest (no "sha256:" prefix), the form
// used for on-disk sharded paths and index keys.
func Hex(d digest.Digest) string {
	return d.Encoded()
}

// StreamingHasher exposes incremental writes for callers that need to feed
// a digest alongside other work (e.g. the fingerprint encoder), mirroring
// the teacher's digest.Digester contract.
type StreamingHasher struct {
	digester digest.Digester
}

// NewStreamingHasher constructs a StreamingHasher using the canonical
// algorithm.
func NewStreamingHasher() *StreamingHasher {
	return &StreamingHasher{digester: Algorithm.Digester()}
}

// Write implements io.Writer, feeding bytes directly into the underlying
// hash state.
func (h *StreamingHasher) Write(p []byte) (int, error) {
	return h.digester.Hash().Write(p)
}

// Digest returns the digest of everything written so far.
func (h *StreamingHasher) Digest() digest.Digest {
	return h.digester.Digest()
}

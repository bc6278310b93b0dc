// Package fingerprint implements the Bundle Fingerprint algorithm from
// spec.md §4.3: a SHA-256 over a canonical, NUL-separated encoding of
// (manager, declared version fields in fixed order, files sorted by path
// with streamed content). This is wire protocol — any reimplementation
// must match it byte-for-byte — so the encoding here intentionally avoids
// JSON or any structured serializer that could introduce ordering or
// whitespace ambiguity, matching the grounding in
// _examples/original_source's DependencySet.calculate_bundle_hash.
package fingerprint

import (
	"sort"

	digest "github.com/opencontainers/go-digest"

	"github.com/SiestaCat/dep-cache-proxy/hashutil"
)

// versionFieldOrder is the fixed order in which declared version fields are
// folded into the fingerprint, per spec.md §4.3 item 2. Generalized for any
// manager by taking the union of npm's and composer's fields; an absent
// field contributes nothing.
var versionFieldOrder = []string{"node", "npm", "php"}

// File is a single input to the fingerprint: a relative path and its raw
// bytes.
type File struct {
	Path    string
	Content []byte
}

// Compute returns the 64-hex fingerprint for the given manager, version
// fields, and files. Files are sorted by path before hashing, so the order
// they're supplied in never affects the result (spec.md invariant 2).
func Compute(manager string, versions map[string]string, files []File) string {
	h := hashutil.NewStreamingHasher()

	h.Write([]byte(manager))
	h.Write([]byte{0})

	for _, field := range versionFieldOrder {
		if v, ok := versions[field]; ok && v != "" {
			h.Write([]byte(field + ":" + v))
			h.Write([]byte{0})
		}
	}

	sorted := make([]File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	for _, f := range sorted {
		h.Write([]byte(f.Path))
		h.Write([]byte{0})
		feedBlocks(h, f.Content)
		h.Write([]byte{0})
	}

	return hashutil.Hex(h.Digest())
}

// feedBlocks writes content into w in hashutil.BlockSize chunks, matching
// the Hasher's block-fed streaming discipline even though the content here
// is already fully in memory (the files fingerprinted pre-install are a
// manifest and a lockfile, both small; post-install content flows through
// the Blob Store's own streaming Put instead).
func feedBlocks(w interface{ Write([]byte) (int, error) }, content []byte) {
	for i := 0; i < len(content); i += hashutil.BlockSize {
		end := i + hashutil.BlockSize
		if end > len(content) {
			end = len(content)
		}
		w.Write(content[i:end])
	}
}

// Digest is re-exported for callers that want the typed digest rather than
// the bare hex string (e.g. to validate format before use as a path
// component).
type Digest = digest.Digest

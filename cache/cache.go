// Package cache provides caching interfaces for planned archive layouts.
//
// Planning an archive runs the ZIP encoder over every entry twice. A plan
// cache stores the encoded manifest of a finished plan under the digest of
// the catalog it was computed for, so a later archive with an identical
// catalog can skip planning entirely.
package cache

// PlanCache caches catalog digest to manifest mappings.
//
// Values are manifests as produced by the archive's Manifest method.
// Implementations must be safe for concurrent use and should reject values
// whose embedded key does not match the digest they are stored under.
type PlanCache interface {
	// GetPlan returns the cached manifest for a catalog digest.
	GetPlan(digest string) (manifest []byte, ok bool)

	// PutPlan caches a manifest by catalog digest.
	PutPlan(digest string, manifest []byte) error
}

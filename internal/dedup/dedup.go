// Package dedup detects repeated share submissions within one job.
package dedup

import (
	"strings"
	"sync"
)

// Fingerprint is a composite key over every submission field.
type Fingerprint string

// NewFingerprint joins the submission fields into a fingerprint. Hex fields
// are lower-cased so that case variants of the same work collide.
func NewFingerprint(fields ...string) Fingerprint {
	var b strings.Builder
	n := len(fields)
	for _, f := range fields {
		n += len(f)
	}
	b.Grow(n)
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(strings.ToLower(f))
	}
	return Fingerprint(b.String())
}

// Set is the per-job collection of fingerprints already seen. It only grows
// for the lifetime of the job that owns it.
type Set struct {
	mu   sync.Mutex
	seen map[Fingerprint]struct{}
}

// NewSet returns an empty set sized for hint entries.
func NewSet(hint int) *Set {
	return &Set{seen: make(map[Fingerprint]struct{}, hint)}
}

// Register records fp and reports whether it was new. The first call for a
// fingerprint returns true, every later call false.
func (s *Set) Register(fp Fingerprint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen == nil {
		s.seen = make(map[Fingerprint]struct{})
	}
	if _, dup := s.seen[fp]; dup {
		return false
	}
	s.seen[fp] = struct{}{}
	return true
}

// Len returns the number of distinct fingerprints recorded.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

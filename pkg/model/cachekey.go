package model

import "encoding/hex"

// Fingerprint is the deterministic content hash of a task's definition,
// resolved inputs, and image identity used to key the call-cache index
// (spec.md §3, §4.C).
type Fingerprint [32]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// CallRef names a completed Call usable as a cache candidate.
type CallRef struct {
	Key      CallKey
	Outputs  map[string]any
	Detritus Detritus
}

// CacheEntry maps a fingerprint to its candidate prior results, most-recent
// first (spec.md §3, §4.C). Tie-breaking across backends uses insertion
// order — resolved Open Question (b) of spec.md §9.
type CacheEntry struct {
	Fingerprint Fingerprint
	Candidates  []CallRef
}

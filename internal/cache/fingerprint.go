// Package cache implements the Call-Caching Index of spec.md §4.C: content
// fingerprinting of task definitions and resolved inputs, and the contract
// for looking up and recording prior successful results.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/wilke-labs/gowe-engine/pkg/model"
)

// TaskBody is the deterministic subset of a task's definition that
// participates in the fingerprint (spec.md §3): command template, declared
// outputs, and declared runtime shape.
type TaskBody struct {
	CommandTemplate string
	DeclaredOutputs []string
	DeclaredRuntime map[string]any
}

// FileDigest identifies a file input by content digest rather than path, so
// two calls referencing the same bytes under different paths still
// fingerprint identically.
type FileDigest struct {
	InputName string
	Digest    string
}

// ImageIdentity is a docker image identity stable across tag mutation
// (spec.md §3): prefer a digest, fall back to the raw reference.
type ImageIdentity struct {
	Digest    string
	Reference string
}

func (i ImageIdentity) stableValue() string {
	if i.Digest != "" {
		return i.Digest
	}
	return i.Reference
}

// Fingerprint computes the deterministic hash of spec.md §3: task body,
// resolved input values (files hashed by content digest, non-file values
// hashed structurally), and a tag-stable docker image identity.
func Fingerprint(body TaskBody, inputs map[string]any, fileDigests []FileDigest, image ImageIdentity) (model.Fingerprint, error) {
	sortedOutputs := append([]string(nil), body.DeclaredOutputs...)
	sort.Strings(sortedOutputs)

	sortedDigests := append([]FileDigest(nil), fileDigests...)
	sort.Slice(sortedDigests, func(i, j int) bool { return sortedDigests[i].InputName < sortedDigests[j].InputName })

	nonFileInputs := make(map[string]any, len(inputs))
	fileInputNames := make(map[string]bool, len(fileDigests))
	for _, fd := range fileDigests {
		fileInputNames[fd.InputName] = true
	}
	for k, v := range inputs {
		if fileInputNames[k] {
			continue
		}
		nonFileInputs[k] = v
	}

	canonical := struct {
		CommandTemplate string
		DeclaredOutputs []string
		DeclaredRuntime map[string]any
		NonFileInputs   map[string]any
		FileDigests     []FileDigest
		Image           string
	}{
		CommandTemplate: body.CommandTemplate,
		DeclaredOutputs: sortedOutputs,
		DeclaredRuntime: body.DeclaredRuntime,
		NonFileInputs:   nonFileInputs,
		FileDigests:     sortedDigests,
		Image:           image.stableValue(),
	}

	// encoding/json sorts map keys for us, giving a deterministic byte
	// stream for the structural hash of non-file values.
	data, err := json.Marshal(canonical)
	if err != nil {
		return model.Fingerprint{}, fmt.Errorf("marshal fingerprint input: %w", err)
	}
	return sha256.Sum256(data), nil
}

// Index is the Call-Caching Index contract of spec.md §4.C.
type Index interface {
	// Lookup returns candidates for fingerprint in most-recent-first order,
	// or nil if there is no entry. A lookup failure is a CacheLookupError,
	// treated by callers as a miss.
	Lookup(ctx context.Context, fp model.Fingerprint) (*model.CacheEntry, error)

	// Record appends a newly successful Call as a cache candidate.
	Record(ctx context.Context, fp model.Fingerprint, ref model.CallRef) error
}

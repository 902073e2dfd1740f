package cache

import "testing"

func TestFingerprint_Deterministic(t *testing.T) {
	body := TaskBody{CommandTemplate: "echo hi", DeclaredOutputs: []string{"out"}}
	inputs := map[string]any{"greeting": "hi", "count": 3}
	image := ImageIdentity{Reference: "ubuntu:latest", Digest: "sha256:abc"}

	f1, err := Fingerprint(body, inputs, nil, image)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	f2, err := Fingerprint(body, inputs, nil, image)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if f1 != f2 {
		t.Fatal("expected identical fingerprints for identical inputs")
	}
}

func TestFingerprint_ImageTagMutationStable(t *testing.T) {
	body := TaskBody{CommandTemplate: "echo hi"}
	inputs := map[string]any{"x": 1}

	// Same digest, different tags: must fingerprint identically per spec.md §3.
	f1, _ := Fingerprint(body, inputs, nil, ImageIdentity{Reference: "ubuntu:20.04", Digest: "sha256:same"})
	f2, _ := Fingerprint(body, inputs, nil, ImageIdentity{Reference: "ubuntu:22.04", Digest: "sha256:same"})
	if f1 != f2 {
		t.Fatal("fingerprint must be stable across tag mutation when digest is available")
	}
}

func TestFingerprint_DiffersOnInputChange(t *testing.T) {
	body := TaskBody{CommandTemplate: "echo hi"}
	image := ImageIdentity{Reference: "ubuntu:latest"}

	f1, _ := Fingerprint(body, map[string]any{"x": 1}, nil, image)
	f2, _ := Fingerprint(body, map[string]any{"x": 2}, nil, image)
	if f1 == f2 {
		t.Fatal("expected different fingerprints for different inputs")
	}
}

func TestFingerprint_FileDigestOrderIndependent(t *testing.T) {
	body := TaskBody{CommandTemplate: "cat a b"}
	image := ImageIdentity{Reference: "ubuntu:latest"}

	f1, _ := Fingerprint(body, nil, []FileDigest{{InputName: "a", Digest: "d1"}, {InputName: "b", Digest: "d2"}}, image)
	f2, _ := Fingerprint(body, nil, []FileDigest{{InputName: "b", Digest: "d2"}, {InputName: "a", Digest: "d1"}}, image)
	if f1 != f2 {
		t.Fatal("fingerprint must not depend on file digest slice order")
	}
}

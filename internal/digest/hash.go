// Package digest computes content-addressed identities for hot-swap data.
//
// All hashes are SHA-256 with domain separation so that an artifact hash can
// never collide with a flow hash computed over the same bytes.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes. The version suffix leaves room for algorithm migration.
const (
	DomainArtifact = "hotswap/artifact/v1"
	DomainFlow     = "hotswap/flow/v1"
	DomainPayload  = "hotswap/payload/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Artifact returns the content hash of raw artifact bytes.
// Two deliveries of the same bytes always hash identically, which is what
// makes duplicate change notifications detectable.
func Artifact(content []byte) string {
	return hashWithDomain(DomainArtifact, content)
}

// Canonical hashes the canonical JSON form of v under the given domain.
func Canonical(domain string, v any) (string, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("canonical hash: %w", err)
	}
	return hashWithDomain(domain, data), nil
}

// Short returns the first 12 hex characters of a hash for log output.
func Short(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:12]
}

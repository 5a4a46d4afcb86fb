package bytecode

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity. The version suffix
// enables future algorithm migration.
const (
	DomainProgram = "loom/program/v1"
	DomainJob     = "loom/job/v1"
	DomainPayload = "loom/payload/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// JobKey computes the deterministic identifier for one unit of dispatched
// work. The same (instance, node, epoch, payload) always yields the same
// key, which is what makes completion handling idempotent. LoopEpoch is
// included so a re-entered loop iteration dispatches a fresh job rather
// than colliding with the superseded one.
func JobKey(instanceID, nodeID string, loopEpoch int64, payloadHash string) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"instance_id":  instanceID,
		"node_id":      nodeID,
		"loop_epoch":   loopEpoch,
		"payload_hash": payloadHash,
	})
	if err != nil {
		return "", fmt.Errorf("JobKey: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainJob, canonical), nil
}

// PayloadHash computes the content hash of an opaque domain payload.
// Payloads are hashed as stored bytes, not re-canonicalized: the engine
// treats payload content as opaque.
func PayloadHash(payload []byte) string {
	return hashWithDomain(DomainPayload, payload)
}

// MustJobKey is like JobKey but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustJobKey(instanceID, nodeID string, loopEpoch int64, payloadHash string) string {
	key, err := JobKey(instanceID, nodeID, loopEpoch, payloadHash)
	if err != nil {
		panic(err)
	}
	return key
}

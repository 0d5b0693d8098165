package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// CanonicalSHA256 hashes the JSON encoding of v. Map keys are sorted by encoding/json,
// so equal values always produce equal digests.
func CanonicalSHA256(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// ChainDigest links a payload digest to the previous link of a hash chain.
func ChainDigest(previous, payload string) string {
	sum := sha256.Sum256([]byte(previous + "\n" + payload))
	return hex.EncodeToString(sum[:])
}

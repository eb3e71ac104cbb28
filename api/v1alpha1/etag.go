package v1alpha1

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON
// encoding of doc. Canonicalization re-marshals through an untyped tree so
// object keys come out sorted; two structurally equal documents hash the
// same regardless of original key order or Go type.
func CanonicalHash(doc interface{}) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshaling document: %w", err)
	}
	var tree interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return "", fmt.Errorf("building canonical tree: %w", err)
	}
	canonical, err := json.Marshal(tree)
	if err != nil {
		return "", fmt.Errorf("canonical marshaling: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

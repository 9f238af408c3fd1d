package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"
)

// CanonicalJSON returns the RFC 8785 canonical form of the given JSON
// document. Two semantically equal documents canonicalize to identical
// bytes, which is what makes payload hashing and byte-identical plan
// serialization possible.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, NewPermanentError("payload is not valid JSON", err).WithCode(ErrCodeValidation)
	}
	return out, nil
}

// HashPayload computes the hex SHA-256 of the canonical form of a payload.
func HashPayload(raw json.RawMessage) (string, error) {
	canonical, err := CanonicalJSON(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// HashCanonical computes the hex SHA-256 of any value's canonical JSON
// encoding. Used for content-addressed plan IDs.
func HashCanonical(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", NewPermanentError("value not serializable", err).WithCode(ErrCodeValidation)
	}
	return HashPayload(raw)
}

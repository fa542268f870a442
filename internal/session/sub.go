package session

import (
	"crypto/sha256"
	"encoding/base64"

	"github.com/google/uuid"
)

// SubFunc derives the subject identifier released to a client for a user.
type SubFunc func(uid, sectorIdentifier, salt string) string

// PublicID gives every client the same subject for a user. The salt keeps
// the raw account id off the wire.
func PublicID(uid, _, salt string) string {
	return hashSub(uid + salt)
}

// PairwiseID gives each sector a distinct subject so clients cannot
// correlate users between them.
func PairwiseID(uid, sectorIdentifier, salt string) string {
	return hashSub(uid + sectorIdentifier + salt)
}

// EphemeralID yields a fresh subject every time. Only useful for clients
// that must not recognize a returning user.
func EphemeralID(_, _, _ string) string {
	return uuid.NewString()
}

// SubFuncFor resolves a subject_type name to its derivation. Unknown names
// fall back to public.
func SubFuncFor(subjectType string) SubFunc {
	switch subjectType {
	case "pairwise":
		return PairwiseID
	case "ephemeral":
		return EphemeralID
	default:
		return PublicID
	}
}

func hashSub(s string) string {
	sum := sha256.Sum256([]byte(s))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

package conversation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/quirehq/quire/internal/storage"
)

const fingerprintDomain = "quire/context-fingerprint/v1"

// ContextFingerprint hashes the collections visible to the assistant: their
// ids, names and latest schema versions. Adding, removing, renaming or
// re-versioning a collection changes it; document edits do not.
func ContextFingerprint(ctx context.Context, tx *storage.Tx) (string, error) {
	cs, err := tx.Collections().List(ctx)
	if err != nil {
		return "", err
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID < cs[j].ID })

	h := sha256.New()
	h.Write([]byte(fingerprintDomain))
	h.Write([]byte{0})
	for _, c := range cs {
		for _, field := range []string{c.ID, c.Name, c.LatestVersionID} {
			h.Write([]byte(field))
			h.Write([]byte{0})
		}
		h.Write([]byte{1})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
